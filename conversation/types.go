// Package conversation implements the Conversation Runner: one actor per
// conversation that drives each turn's LLM-tool loop, tracks asynchronous
// tool operations, and guarantees per-turn completion irrespective of
// wall-clock arrival order. Grounded on
// runtime/agent/runtime/workflow_turn.go and workflow_loop.go's turn/move
// bookkeeping, generalized from goa-ai's single fixed agent loop to the
// spec's persona-driven, multi-target (task/workflow/agent) tool dispatch,
// and on streamer.Actor/coordinator.Actor for the channel-actor shape that
// serializes per-conversation state mutation; see DESIGN.md for why this
// runs as a directly-owned actor rather than atop engine.Engine.
package conversation

import (
	"encoding/json"

	"goa.design/goa-ai/dispatch"
	"goa.design/goa-ai/storekit"
)

// ToolSpec describes one tool available to a persona's LLM loop: where a
// call to it routes and how the turn loop treats the dispatch, per spec
// §4.2 step 4 ("Resolve the tool definition: targetType, async,
// invocationMode").
type ToolSpec struct {
	ID             string                  `json:"id"`
	Description    string                  `json:"description,omitempty"`
	InputSchema    json.RawMessage         `json:"inputSchema,omitempty"`
	TargetType     dispatch.TargetType     `json:"targetType"`
	TargetID       string                  `json:"targetId"`
	Async          bool                    `json:"async"`
	InvocationMode dispatch.InvocationMode `json:"invocationMode,omitempty"`
}

// PersonaConfig is the parsed storekit.Definition.Content of a
// storekit.KindPersona definition: the static configuration a Conversation
// Runner consults at the start of every turn.
type PersonaConfig struct {
	// ContextAssemblyWorkflowID names the workflow definition dispatched at
	// step 1 of every loop iteration to build the llmRequest.
	ContextAssemblyWorkflowID string `json:"contextAssemblyWorkflowId"`
	// MemoryExtractionWorkflowID names the workflow definition
	// fire-and-forget dispatched on turn completion.
	MemoryExtractionWorkflowID string `json:"memoryExtractionWorkflowId"`
	// ModelProfileID selects the model profile forwarded to context
	// assembly so it can shape the llmRequest for the right model.
	ModelProfileID string `json:"modelProfileId"`
	// RecentTurns is N in "recentTurns = last N completed turns", passed to
	// the context-assembly workflow.
	RecentTurns int `json:"recentTurns"`
	// Tools lists every tool this persona's LLM loop may call.
	Tools []ToolSpec `json:"tools"`
}

func (p PersonaConfig) tool(id string) (ToolSpec, bool) {
	for _, t := range p.Tools {
		if t.ID == id {
			return t, true
		}
	}
	return ToolSpec{}, false
}

func (p PersonaConfig) toolIDs() []string {
	ids := make([]string, len(p.Tools))
	for i, t := range p.Tools {
		ids[i] = t.ID
	}
	return ids
}

// StartConversationInput is the request to create a new Conversation.
type StartConversationInput struct {
	ConversationID string
	PersonaDefID   string
	PersonaVersion int
	Participants   []storekit.Participant
}

// PostUserMessageInput is postUserMessage's request (spec §4.2).
type PostUserMessageInput struct {
	Content string
	// Caller defaults to {Kind: storekit.CallerUser} when Kind is empty;
	// callers set CallerAgentTurn with RefID=parentTurnId for a loop_in
	// agent-targeted tool call (spec "post a turn on this conversation with
	// caller={agent, parentTurnId=turnId}").
	Caller storekit.Caller
}

// ToolOutcome is a terminal tool result or error delivered into a turn.
type ToolOutcome struct {
	Output map[string]any
	Err    *ToolError
}

// ToolError is a terminal tool/workflow failure delivered into a turn.
type ToolError struct {
	Message string
}

// inboxKind names the one kind of message a turn-loop step applies.
type inboxKind string

const (
	inboxUserMessage      inboxKind = "user_message"
	inboxContextAssembled inboxKind = "context_assembled"
	inboxLLMResponse      inboxKind = "llm_response"
	inboxToolResult       inboxKind = "tool_result"
	inboxAgentResponse    inboxKind = "agent_response"
	inboxMemoryExtracted  inboxKind = "memory_extracted"
	inboxCancelTurn       inboxKind = "cancel_turn"
)

// inboxMessage is the single unit of work one turn-loop step applies.
type inboxMessage struct {
	kind inboxKind

	turnID string

	// for inboxUserMessage
	post PostUserMessageInput

	// for inboxContextAssembled
	llmRequest map[string]any
	assembleErr error

	// for inboxLLMResponse
	llmSeq  int
	llmResp *llmResponse
	llmErr  error

	// for inboxToolResult / inboxAgentResponse
	toolCallID string
	outcome    ToolOutcome

	// for inboxMemoryExtracted
	memErr error

	reason string // cancellation reason
}

// eventToEmit is a conversation event pending emission through the streamer.
type eventToEmit struct {
	Type     string
	TurnID   string
	Metadata map[string]any
}

// llmResponse is the turn loop's provider-agnostic view of one model
// invocation's outcome, decoupled from the llmclient wire types so the pure
// loop logic in turn.go stays easy to unit test without a fake Client.
type llmResponse struct {
	Text      string
	ToolCalls []llmToolCall
}

// llmToolCall is one tool invocation requested by the model for the current
// move. Move.ToolCallID is singular, so the turn loop treats one move as
// carrying at most one tool call; a response with several tool calls
// produces several sequential moves, all in the same inboxLLMResponse batch.
type llmToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}
