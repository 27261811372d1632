package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/goa-ai/dispatch"
	"goa.design/goa-ai/orcherr"
	"goa.design/goa-ai/storekit"
)

func newTurnTickCtx() *turnTickCtx {
	return &turnTickCtx{now: time.Now().UTC()}
}

func newConvState(persona PersonaConfig) *convState {
	return &convState{
		conv:    storekit.Conversation{ID: "conv-1", Status: storekit.ConversationActive},
		persona: persona,
		turns:   map[string]*turnState{},
	}
}

func eventTypes(tc *turnTickCtx) []string {
	out := make([]string, len(tc.events))
	for i, e := range tc.events {
		out[i] = e.Type
	}
	return out
}

// TestPostUserMessageDispatchesContextAssembly covers spec §4.2 step 1:
// posting a user message creates an active turn, records the message, and
// immediately dispatches context assembly since nothing is pending.
func TestPostUserMessageDispatchesContextAssembly(t *testing.T) {
	persona := PersonaConfig{ContextAssemblyWorkflowID: "ctx-wf"}
	st := newConvState(persona)
	tc := newTurnTickCtx()

	turn, err := postUserMessage(st, PostUserMessageInput{Content: "hello"}, tc)
	require.NoError(t, err)
	require.Equal(t, storekit.TurnActive, turn.Status)
	require.Equal(t, storekit.CallerUser, turn.Caller.Kind)

	require.Len(t, tc.messages, 1)
	require.Equal(t, storekit.RoleUser, tc.messages[0].Role)

	require.Len(t, tc.dispatches, 1)
	require.Equal(t, dispatch.TargetWorkflow, tc.dispatches[0].TargetType)
	require.Equal(t, "ctx-wf", tc.dispatches[0].TargetID)
	require.Equal(t, turn.ID+":ctx", tc.dispatches[0].Correlator)

	require.Equal(t, []string{"turn.created", "context_assembly.dispatched"}, eventTypes(tc))

	ts := st.turns[turn.ID]
	require.True(t, ts.iterationInFlight)
	require.False(t, ts.needsIteration)
}

// TestGoldenPathSyncToolRoundTrip drives a full turn through a sync tool
// call to completion, checking the exact ordering guarantee in spec §4.2:
// context_assembly.dispatched < llm.calling < llm.response < tool.dispatched
// < operation.async.tracked < operation.async.marked_waiting < ... <
// turn.completed.
func TestGoldenPathSyncToolRoundTrip(t *testing.T) {
	persona := PersonaConfig{
		ContextAssemblyWorkflowID: "ctx-wf",
		Tools: []ToolSpec{
			{ID: "lookup", TargetType: dispatch.TargetTask, TargetID: "lookup-task", Async: false},
		},
	}
	st := newConvState(persona)
	tc := newTurnTickCtx()
	turn, err := postUserMessage(st, PostUserMessageInput{Content: "look something up"}, tc)
	require.NoError(t, err)

	tc = newTurnTickCtx()
	require.NoError(t, applyContextAssembled(st, turn.ID, map[string]any{"messages": []any{}}, nil, tc))
	require.Equal(t, []string{"llm.calling"}, eventTypes(tc))
	require.Len(t, tc.assembleNow, 1)
	seq := tc.assembleNow[0].IterationSeq

	tc = newTurnTickCtx()
	resp := &llmResponse{ToolCalls: []llmToolCall{{ID: "call-1", Name: "lookup", Input: map[string]any{"q": "x"}}}}
	require.NoError(t, applyLLMResponse(st, turn.ID, seq, resp, nil, tc))
	require.Equal(t, []string{
		"llm.response", "tool.dispatched", "operation.async.tracked", "operation.async.marked_waiting",
	}, eventTypes(tc))
	require.Len(t, tc.dispatches, 1)
	require.Equal(t, dispatch.TargetTask, tc.dispatches[0].TargetType)
	require.Equal(t, "call-1", tc.dispatches[0].Correlator)
	require.Equal(t, turn.ID, tc.dispatches[0].Input["_turnId"])

	ts := st.turns[turn.ID]
	require.Contains(t, ts.pendingSync, "call-1")
	require.Equal(t, 1, ts.turn.PendingAsyncCount)
	require.False(t, ts.iterationInFlight, "sync tool dispatch parks the loop, not the turn")

	// Deliver the tool result: this resumes the loop (pump fires again).
	tc = newTurnTickCtx()
	require.NoError(t, applyToolOutcome(st, turn.ID, "call-1", ToolOutcome{Output: map[string]any{"result": "ok"}}, tc))
	require.NotEmpty(t, tc.dispatches, "pump should re-dispatch context assembly once unparked")
	require.Equal(t, dispatch.TargetWorkflow, tc.dispatches[0].TargetType)
	require.Empty(t, ts.pendingSync)
	require.Equal(t, 0, ts.turn.PendingAsyncCount)

	// Second iteration: LLM returns plain text, no tool calls -> terminal.
	tc = newTurnTickCtx()
	require.NoError(t, applyContextAssembled(st, turn.ID, map[string]any{"messages": []any{}}, nil, tc))
	seq2 := tc.assembleNow[0].IterationSeq
	require.NotEqual(t, seq, seq2)

	tc = newTurnTickCtx()
	require.NoError(t, applyLLMResponse(st, turn.ID, seq2, &llmResponse{Text: "here is your answer"}, nil, tc))
	require.Contains(t, eventTypes(tc), "turn.completed")
	require.Equal(t, storekit.TurnCompleted, ts.turn.Status)
	require.NotNil(t, ts.turn.CompletedAt)
}

// TestAsyncToolDoesNotParkLoop covers spec §4.2 step 4's async branch: the
// loop keeps going immediately rather than waiting for the tool result.
func TestAsyncToolDoesNotParkLoop(t *testing.T) {
	persona := PersonaConfig{
		ContextAssemblyWorkflowID: "ctx-wf",
		Tools: []ToolSpec{
			{ID: "notify", TargetType: dispatch.TargetTask, TargetID: "notify-task", Async: true},
		},
	}
	st := newConvState(persona)
	tc := newTurnTickCtx()
	turn, err := postUserMessage(st, PostUserMessageInput{Content: "notify someone"}, tc)
	require.NoError(t, err)

	tc = newTurnTickCtx()
	require.NoError(t, applyContextAssembled(st, turn.ID, map[string]any{}, nil, tc))
	seq := tc.assembleNow[0].IterationSeq

	tc = newTurnTickCtx()
	resp := &llmResponse{Text: "on it", ToolCalls: []llmToolCall{{ID: "call-async", Name: "notify"}}}
	require.NoError(t, applyLLMResponse(st, turn.ID, seq, resp, nil, tc))

	ts := st.turns[turn.ID]
	require.Empty(t, ts.pendingSync)
	require.Equal(t, 1, ts.turn.PendingAsyncCount)
	require.NotContains(t, eventTypes(tc), "operation.async.marked_waiting")
	require.True(t, ts.iterationInFlight, "pump should have started the next iteration immediately")

	var dispatchedNextContext bool
	for _, d := range tc.dispatches {
		if d.TargetType == dispatch.TargetWorkflow && d.TargetID == "ctx-wf" {
			dispatchedNextContext = true
		}
	}
	require.True(t, dispatchedNextContext, "async tool dispatch should not block the loop from continuing")

	require.Len(t, tc.messages, 1, "ack text is appended as an agent message")
}

// TestStaleLLMResponseIgnored covers the iterationSeq guard: a reply
// tagged with an abandoned iteration's sequence must not mutate turn state.
func TestStaleLLMResponseIgnored(t *testing.T) {
	persona := PersonaConfig{ContextAssemblyWorkflowID: "ctx-wf"}
	st := newConvState(persona)
	tc := newTurnTickCtx()
	turn, err := postUserMessage(st, PostUserMessageInput{Content: "hi"}, tc)
	require.NoError(t, err)

	tc = newTurnTickCtx()
	require.NoError(t, applyContextAssembled(st, turn.ID, map[string]any{}, nil, tc))
	staleSeq := tc.assembleNow[0].IterationSeq

	ts := st.turns[turn.ID]
	ts.iterationSeq++ // simulate a cancellation/re-entry bumping the sequence

	tc = newTurnTickCtx()
	require.NoError(t, applyLLMResponse(st, turn.ID, staleSeq, &llmResponse{Text: "late reply"}, nil, tc))
	require.Empty(t, tc.events)
	require.Empty(t, tc.messages)
}

// TestUnknownToolFails covers the tool-spec resolution failure path.
func TestUnknownToolFails(t *testing.T) {
	persona := PersonaConfig{ContextAssemblyWorkflowID: "ctx-wf"}
	st := newConvState(persona)
	tc := newTurnTickCtx()
	turn, err := postUserMessage(st, PostUserMessageInput{Content: "hi"}, tc)
	require.NoError(t, err)

	tc = newTurnTickCtx()
	resp := &llmResponse{ToolCalls: []llmToolCall{{ID: "call-1", Name: "ghost"}}}
	err = applyLLMResponse(st, turn.ID, st.turns[turn.ID].iterationSeq, resp, nil, tc)
	require.Error(t, err)
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, orcherr.KindValidation, kind)
}

// TestMemoryExtractionFailureIsNonFatal covers spec §4.2 step 7's
// memory-extraction failure handling: it is recorded but never fails the
// (already completed) turn.
func TestMemoryExtractionFailureIsNonFatal(t *testing.T) {
	persona := PersonaConfig{ContextAssemblyWorkflowID: "ctx-wf", MemoryExtractionWorkflowID: "memx-wf"}
	st := newConvState(persona)
	tc := newTurnTickCtx()
	turn, err := postUserMessage(st, PostUserMessageInput{Content: "hi"}, tc)
	require.NoError(t, err)

	tc = newTurnTickCtx()
	require.NoError(t, applyContextAssembled(st, turn.ID, map[string]any{}, nil, tc))
	seq := tc.assembleNow[0].IterationSeq

	tc = newTurnTickCtx()
	require.NoError(t, applyLLMResponse(st, turn.ID, seq, &llmResponse{Text: "done"}, nil, tc))
	require.Contains(t, eventTypes(tc), "turn.completed")
	require.Len(t, tc.dispatches, 1)
	require.Equal(t, "memx-wf", tc.dispatches[0].TargetID)

	ts := st.turns[turn.ID]
	require.Equal(t, storekit.TurnCompleted, ts.turn.Status)

	tc = newTurnTickCtx()
	require.NoError(t, applyMemoryExtractionOutcome(st, turn.ID, orcherr.New(orcherr.KindMemoryExtractionFailure, "boom"), tc))
	require.True(t, ts.turn.MemoryExtractionFailed)
	require.Equal(t, storekit.TurnCompleted, ts.turn.Status, "memory-extraction failure must not fail a completed turn")
}

// TestCancelTurnFailsActiveTurnOnly covers cancel(turnId): an active turn
// is failed; a second cancel against an already-terminal turn is a no-op.
func TestCancelTurnFailsActiveTurnOnly(t *testing.T) {
	persona := PersonaConfig{ContextAssemblyWorkflowID: "ctx-wf"}
	st := newConvState(persona)
	tc := newTurnTickCtx()
	turn, err := postUserMessage(st, PostUserMessageInput{Content: "hi"}, tc)
	require.NoError(t, err)

	tc = newTurnTickCtx()
	require.NoError(t, cancelTurn(st, turn.ID, "user cancelled", tc))
	require.Equal(t, storekit.TurnFailed, st.turns[turn.ID].turn.Status)
	require.Contains(t, eventTypes(tc), "turn.failed")

	tc = newTurnTickCtx()
	require.NoError(t, cancelTurn(st, turn.ID, "user cancelled again", tc))
	require.Empty(t, tc.events, "cancelling an already-terminal turn is a no-op")
}

// TestAgentToolCallEmbedsContentAndTurnID covers the agent-targeted tool
// input shape Router consumes: the raw tool call args are marshaled into
// "content" and the calling turn's ID is always attached.
func TestAgentToolCallEmbedsContentAndTurnID(t *testing.T) {
	persona := PersonaConfig{
		ContextAssemblyWorkflowID: "ctx-wf",
		Tools: []ToolSpec{
			{ID: "ask_researcher", TargetType: dispatch.TargetAgent, TargetID: "researcher-persona", Async: false, InvocationMode: dispatch.ModeDelegate},
		},
	}
	st := newConvState(persona)
	tc := newTurnTickCtx()
	turn, err := postUserMessage(st, PostUserMessageInput{Content: "hi"}, tc)
	require.NoError(t, err)

	tc = newTurnTickCtx()
	require.NoError(t, applyContextAssembled(st, turn.ID, map[string]any{}, nil, tc))
	seq := tc.assembleNow[0].IterationSeq

	tc = newTurnTickCtx()
	resp := &llmResponse{ToolCalls: []llmToolCall{{ID: "call-1", Name: "ask_researcher", Input: map[string]any{"question": "why"}}}}
	require.NoError(t, applyLLMResponse(st, turn.ID, seq, resp, nil, tc))

	require.Len(t, tc.dispatches, 1)
	d := tc.dispatches[0]
	require.Equal(t, dispatch.TargetAgent, d.TargetType)
	require.Equal(t, dispatch.ModeDelegate, d.Mode)
	require.Equal(t, turn.ID, d.Input["_turnId"])
	require.Contains(t, d.Input["content"], "why")
}
