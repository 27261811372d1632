package conversation

import (
	"time"

	"github.com/google/uuid"
	"goa.design/goa-ai/dispatch"
	"goa.design/goa-ai/orcherr"
	"goa.design/goa-ai/storekit"
)

// turnState is the in-memory loop state for one active turn. storekit.Turn
// carries the fields that must survive a restart (PendingAsyncCount,
// LLMLoopExited); pendingSync and the iteration flags are in-memory scratch
// state only, and nothing rebuilds them if a process restarts mid-turn.
type turnState struct {
	turn storekit.Turn

	// pendingSync tracks sync tool calls the loop is parked on; the loop may
	// not re-enter (dispatch context-assembly again) while this is non-empty.
	pendingSync map[string]struct{}

	// needsIteration is set whenever an event should trigger another pass
	// through step 1 once the turn is free to do so.
	needsIteration bool
	// iterationInFlight is true from the moment context-assembly is
	// dispatched until the LLM response for that iteration is applied,
	// preventing two concurrent iterations of the same turn from racing.
	iterationInFlight bool
	// iterationSeq tags each iteration's async calls so a late, stale reply
	// from an abandoned (cancelled) iteration is recognized and dropped.
	iterationSeq int
}

// convState is the full state of one conversation, mutated only from inside
// the owning Actor's single goroutine.
type convState struct {
	conv    storekit.Conversation
	persona PersonaConfig
	turns   map[string]*turnState
}

// turnTickCtx accumulates the side effects of applying one inbox message:
// events to emit, Store writes to persist, and off-actor calls the Actor
// must start once the inbox application returns. Mirrors
// coordinator.tickCtx's emit-then-drain-then-execute shape.
type turnTickCtx struct {
	now time.Time

	events   []eventToEmit
	moves    []storekit.Move
	messages []storekit.Message

	dispatches []dispatch.Decision

	// assembleNow requests the Actor call the LLM client after handing the
	// freshly assembled request to it; set once context assembly resolves.
	assembleNow []llmCallRequest
}

// llmCallRequest is a signal for the Actor to invoke its LLMClient, carried
// out of the pure turn logic so turn.go stays free of I/O.
type llmCallRequest struct {
	TurnID       string
	IterationSeq int
	Request      map[string]any
}

func (tc *turnTickCtx) emit(typ, turnID string, meta map[string]any) {
	tc.events = append(tc.events, eventToEmit{Type: typ, TurnID: turnID, Metadata: meta})
}

// postUserMessage implements spec §4.2's postUserMessage: creates the turn,
// appends the user message, and starts the loop.
func postUserMessage(st *convState, in PostUserMessageInput, tc *turnTickCtx) (storekit.Turn, error) {
	caller := in.Caller
	if caller.Kind == "" {
		caller = storekit.Caller{Kind: storekit.CallerUser}
	}
	turn := storekit.Turn{
		ID:             uuid.NewString(),
		ConversationID: st.conv.ID,
		Caller:         caller,
		Input:          in.Content,
		Status:         storekit.TurnActive,
		CreatedAt:      tc.now,
		UpdatedAt:      tc.now,
	}
	ts := &turnState{turn: turn, pendingSync: map[string]struct{}{}, needsIteration: true}
	st.turns[turn.ID] = ts

	tc.emit("turn.created", turn.ID, map[string]any{"callerKind": caller.Kind})
	tc.messages = append(tc.messages, storekit.Message{
		ID: uuid.NewString(), ConversationID: st.conv.ID, TurnID: turn.ID,
		Role: storekit.RoleUser, Content: in.Content, CreatedAt: tc.now,
	})
	pump(st, ts, tc)
	return turn, nil
}

// pump advances a turn's loop by one step if it is free to do so: a fresh
// iteration begins (context-assembly dispatched) only when nothing is
// pending sync and no iteration is already in flight, per spec §4.2 step 4
// ("the loop parks until the corresponding deliverToolResult").
func pump(st *convState, ts *turnState, tc *turnTickCtx) {
	if ts.turn.Status != storekit.TurnActive {
		return
	}
	if ts.iterationInFlight || len(ts.pendingSync) > 0 || !ts.needsIteration {
		return
	}
	ts.needsIteration = false
	ts.iterationInFlight = true
	ts.iterationSeq++

	input := map[string]any{
		"conversationId": st.conv.ID,
		"turnId":         ts.turn.ID,
		"userMessage":    ts.turn.Input,
		"recentTurns":    st.persona.RecentTurns,
		"modelProfileId": st.persona.ModelProfileID,
		"toolIds":        st.persona.toolIDs(),
	}
	// Deterministic per turn, not per iteration: only one context-assembly
	// dispatch can be in flight for a turn at a time (pump's
	// iterationInFlight gate), so the Actor always has exactly one
	// outstanding record to resolve when DeliverContextAssembled fires.
	correlator := ts.turn.ID + ":ctx"
	tc.emit("context_assembly.dispatched", ts.turn.ID, map[string]any{"correlator": correlator})
	tc.dispatches = append(tc.dispatches, dispatch.Decision{
		TargetType:    dispatch.TargetWorkflow,
		TargetID:      st.persona.ContextAssemblyWorkflowID,
		Input:         input,
		Correlator:    correlator,
		ExecutionID:   st.conv.ID,
		ExecutionType: storekit.ExecutionConversation,
	})
}

// applyContextAssembled implements step 1's continuation: once the
// context-assembly workflow returns llmRequest, the Actor calls the LLM.
// The call itself is performed outside this pure function; applyContextAssembled
// only records the signal for the Actor to act on.
func applyContextAssembled(st *convState, turnID string, req map[string]any, assembleErr error, tc *turnTickCtx) error {
	ts, ok := st.turns[turnID]
	if !ok {
		return orcherr.New(orcherr.KindNotFound, "turn not found").WithField("turnId")
	}
	if assembleErr != nil {
		return failTurn(ts, "context assembly failed: "+assembleErr.Error(), tc)
	}
	tc.emit("llm.calling", turnID, nil)
	tc.assembleNow = append(tc.assembleNow, llmCallRequest{TurnID: turnID, IterationSeq: ts.iterationSeq, Request: req})
	return nil
}

// applyLLMResponse implements spec §4.2 steps 2-6: records a move for the
// response's text/thinking, appends an agent message if there is text, and
// for each tool call resolves the tool spec and dispatches it.
func applyLLMResponse(st *convState, turnID string, seq int, resp *llmResponse, llmErr error, tc *turnTickCtx) error {
	ts, ok := st.turns[turnID]
	if !ok {
		return orcherr.New(orcherr.KindNotFound, "turn not found").WithField("turnId")
	}
	if seq != ts.iterationSeq {
		return nil // stale reply from an abandoned iteration; ignore
	}
	ts.iterationInFlight = false
	if llmErr != nil {
		return failTurn(ts, "llm call failed: "+llmErr.Error(), tc)
	}
	tc.emit("llm.response", turnID, map[string]any{"toolCallCount": len(resp.ToolCalls)})

	if resp.Text != "" {
		tc.messages = append(tc.messages, storekit.Message{
			ID: uuid.NewString(), ConversationID: st.conv.ID, TurnID: turnID,
			Role: storekit.RoleAgent, Content: resp.Text, CreatedAt: tc.now,
		})
		tc.moves = append(tc.moves, storekit.Move{
			ID: uuid.NewString(), TurnID: turnID, HasReasoning: true, CreatedAt: tc.now,
		})
	}

	if len(resp.ToolCalls) == 0 {
		ts.turn.LLMLoopExited = true
		tryComplete(st, ts, tc)
		return nil
	}

	for _, call := range resp.ToolCalls {
		if err := dispatchToolCall(st, ts, call, tc); err != nil {
			return err
		}
	}
	// A purely-async batch leaves pendingSync empty and needsIteration set
	// (spec §4.2 step 4: "the loop keeps going immediately"), so pump here
	// to start the next iteration's context assembly without waiting for
	// any of this batch's tool results. A batch containing a sync call
	// leaves pendingSync non-empty and pump is a no-op until that result
	// arrives.
	pump(st, ts, tc)
	tryComplete(st, ts, tc)
	return nil
}

func dispatchToolCall(st *convState, ts *turnState, call llmToolCall, tc *turnTickCtx) error {
	spec, ok := st.persona.tool(call.Name)
	if !ok {
		return orcherr.Newf(orcherr.KindValidation, "unknown tool %q", call.Name).WithField("toolId")
	}

	tc.moves = append(tc.moves, storekit.Move{
		ID: uuid.NewString(), TurnID: ts.turn.ID, HasToolCall: true,
		ToolCallID: call.ID, CreatedAt: tc.now,
	})
	tc.emit("tool.dispatched", ts.turn.ID, map[string]any{
		"toolCallId": call.ID, "async": spec.Async, "targetType": spec.TargetType,
	})
	ts.turn.PendingAsyncCount++
	tc.emit("operation.async.tracked", ts.turn.ID, map[string]any{"toolCallId": call.ID})

	var input map[string]any
	if spec.TargetType == dispatch.TargetAgent {
		// An agent-targeted tool posts the call arguments as a user message
		// (spec §4.2 step 4).
		input = map[string]any{"content": mustMarshalString(call.Input)}
	} else {
		input = map[string]any{}
		for k, v := range call.Input {
			input[k] = v
		}
	}
	// _turnId lets whatever completes this dispatch (Router, EngineExecutor,
	// a task runner) route the result back to the turn that made the call,
	// using only the Decision that Dispatcher.Resolve hands back.
	input["_turnId"] = ts.turn.ID
	tc.dispatches = append(tc.dispatches, dispatch.Decision{
		TargetType: spec.TargetType, TargetID: spec.TargetID, Mode: spec.InvocationMode,
		Async: spec.Async, Input: input, Correlator: call.ID,
		ExecutionID: st.conv.ID, ExecutionType: storekit.ExecutionConversation,
	})

	if !spec.Async {
		ts.pendingSync[call.ID] = struct{}{}
		tc.emit("operation.async.marked_waiting", ts.turn.ID, map[string]any{"toolCallId": call.ID})
	} else {
		// Async: the loop keeps going immediately; the agent is expected to
		// produce an acknowledgement now and a follow-up when the result
		// lands (spec §4.2 step 4).
		ts.needsIteration = true
	}
	return nil
}

// applyToolOutcome implements spec §4.2 step 5 for both deliverToolResult
// and deliverAgentResponse: decrements pending-async, records the move, and
// re-enters the loop.
func applyToolOutcome(st *convState, turnID, toolCallID string, outcome ToolOutcome, tc *turnTickCtx) error {
	ts, ok := st.turns[turnID]
	if !ok {
		return orcherr.New(orcherr.KindNotFound, "turn not found").WithField("turnId")
	}
	if ts.turn.PendingAsyncCount > 0 {
		ts.turn.PendingAsyncCount--
	}
	delete(ts.pendingSync, toolCallID)

	if outcome.Err != nil {
		ts.turn.ToolFailureCount++
	}

	var resultPayload any = outcome.Output
	if outcome.Err != nil {
		resultPayload = map[string]any{"error": outcome.Err.Message}
	}
	tc.moves = append(tc.moves, storekit.Move{
		ID: uuid.NewString(), TurnID: turnID, ToolCallID: toolCallID,
		ToolResult: mustMarshal(resultPayload), CreatedAt: tc.now,
	})
	// operation.async.resumed is emitted by dispatch.Dispatcher.Resolve when
	// the Actor calls it before routing into applyInbox, not here.

	ts.needsIteration = true
	pump(st, ts, tc)
	tryComplete(st, ts, tc)
	return nil
}

// tryComplete implements spec §4.2 step 7: completion requires pending-async
// = 0 AND the LLM loop to have exited AND no in-flight or queued iteration.
func tryComplete(st *convState, ts *turnState, tc *turnTickCtx) {
	if ts.turn.Status != storekit.TurnActive {
		return
	}
	if ts.turn.PendingAsyncCount != 0 || !ts.turn.LLMLoopExited {
		return
	}
	if ts.iterationInFlight || ts.needsIteration || len(ts.pendingSync) > 0 {
		return
	}
	ts.turn.Status = storekit.TurnCompleted
	ts.turn.CompletedAt = &tc.now
	tc.emit("turn.completed", ts.turn.ID, nil)

	if st.persona.MemoryExtractionWorkflowID != "" {
		tc.dispatches = append(tc.dispatches, dispatch.Decision{
			TargetType: dispatch.TargetWorkflow, TargetID: st.persona.MemoryExtractionWorkflowID,
			Input:       map[string]any{"conversationId": st.conv.ID, "turnId": ts.turn.ID},
			Correlator:  ts.turn.ID + ":memx",
			ExecutionID: st.conv.ID, ExecutionType: storekit.ExecutionConversation,
		})
	}
}

// applyMemoryExtractionOutcome records a non-fatal memory-extraction
// failure per spec §4.2 step 7 ("failure sets memoryExtractionFailed=true
// but does not fail the turn").
func applyMemoryExtractionOutcome(st *convState, turnID string, memErr error, tc *turnTickCtx) error {
	ts, ok := st.turns[turnID]
	if !ok {
		return orcherr.New(orcherr.KindNotFound, "turn not found").WithField("turnId")
	}
	if memErr != nil {
		ts.turn.MemoryExtractionFailed = true
		tc.emit("memory_extraction.failed", turnID, map[string]any{"error": memErr.Error()})
	}
	return nil
}

// cancelTurn implements spec §4.2's cancel(turnId): marks the turn failed so
// the Actor can abandon its outstanding sub-dispatches.
func cancelTurn(st *convState, turnID, reason string, tc *turnTickCtx) error {
	ts, ok := st.turns[turnID]
	if !ok {
		return orcherr.New(orcherr.KindNotFound, "turn not found").WithField("turnId")
	}
	return failTurn(ts, reason, tc)
}

// applyInbox dispatches one inboxMessage to its handler, mirroring
// coordinator.applyInbox's single-entry-point shape so actor.go has one
// place to route every delivered event into the pure turn-loop logic.
func applyInbox(st *convState, msg inboxMessage, tc *turnTickCtx) error {
	switch msg.kind {
	case inboxUserMessage:
		_, err := postUserMessage(st, msg.post, tc)
		return err
	case inboxContextAssembled:
		return applyContextAssembled(st, msg.turnID, msg.llmRequest, msg.assembleErr, tc)
	case inboxLLMResponse:
		return applyLLMResponse(st, msg.turnID, msg.llmSeq, msg.llmResp, msg.llmErr, tc)
	case inboxToolResult, inboxAgentResponse:
		return applyToolOutcome(st, msg.turnID, msg.toolCallID, msg.outcome, tc)
	case inboxMemoryExtracted:
		return applyMemoryExtractionOutcome(st, msg.turnID, msg.memErr, tc)
	case inboxCancelTurn:
		return cancelTurn(st, msg.turnID, msg.reason, tc)
	default:
		return orcherr.Newf(orcherr.KindValidation, "conversation: unknown inbox kind %q", msg.kind)
	}
}

func failTurn(ts *turnState, reason string, tc *turnTickCtx) error {
	if ts.turn.Status != storekit.TurnActive {
		return nil
	}
	ts.turn.Status = storekit.TurnFailed
	ts.turn.CompletedAt = &tc.now
	ts.iterationInFlight = false
	ts.needsIteration = false
	tc.emit("turn.failed", ts.turn.ID, map[string]any{"reason": reason})
	return nil
}
