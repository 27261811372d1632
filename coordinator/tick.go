package coordinator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/goa-ai/dispatch"
	"goa.design/goa-ai/exprlang"
	"goa.design/goa-ai/orcherr"
	"goa.design/goa-ai/storekit"
)

// runState is the mutable working set a tick reads and mutates in place.
// It is only ever touched from inside the owning Actor's run loop.
type runState struct {
	run    storekit.WorkflowRun
	graph  Graph
	tokens map[string]storekit.Token

	// armTimer schedules a synchronization timeout; the owning Actor binds it
	// to post InboxSyncTimeout back into its own cmds channel, mirroring
	// streamer.Actor's armFlushTimer self-posting pattern. cancelTimer is
	// called once a sibling set resolves; the Actor's binding is a no-op, so
	// the stale timer still fires and fireTimeout finds nothing to resolve.
	armTimer    func(key timeoutKey, d time.Duration)
	cancelTimer func(key timeoutKey)
}

// tickCtx accumulates the side effects one tick produces: events to emit
// and dispatches to send once the in-memory state has stabilized and been
// persisted.
type tickCtx struct {
	ev         *exprlang.Evaluator
	now        time.Time
	events     []EventToEmit
	dispatches []dispatch.Decision
}

func (tc *tickCtx) emit(typ, nodeID, tokenID string, meta map[string]any) {
	tc.events = append(tc.events, EventToEmit{Type: typ, NodeID: nodeID, TokenID: tokenID, Metadata: meta})
}

// applyInbox processes exactly one inbox message against st, per the tick
// semantics of spec §4.1 step 1, then drains routing to a fixpoint (steps
// 2-4: every token that became dispatchable or newly non-waiting is routed
// until only externally-dispatched or genuinely waiting tokens remain).
func applyInbox(st *runState, msg InboxMessage, tc *tickCtx) error {
	switch msg.Kind {
	case InboxTaskResult, InboxSubworkflowResult:
		tok, ok := st.tokens[msg.TokenID]
		if !ok || tok.Status != storekit.TokenDispatched {
			return nil // stale or duplicate delivery
		}
		if err := applyResult(st, &tok, msg, tc); err != nil {
			return err
		}
		st.tokens[tok.ID] = tok
	case InboxCancel:
		cancelRun(st, msg.Reason, tc)
		return nil
	case InboxSyncTimeout:
		return fireTimeout(st, msg.TransitionID, tc)
	}
	return drain(st, tc)
}

// applyResult writes a task/sub-workflow result into the token's branch
// store and marks it completed or failed, honoring the owning node's
// on_failure policy.
func applyResult(st *runState, tok *storekit.Token, msg InboxMessage, tc *tickCtx) error {
	node, _ := st.graph.nodeByID(tok.NodeID)
	if tok.BranchStore == nil {
		tok.BranchStore = map[string]any{}
	}
	tok.UpdatedAt = tc.now

	if msg.Err == nil {
		tok.BranchStore["output"] = msg.Output
		tok.Status = storekit.TokenCompleted
		tc.emit("task.completed", tok.NodeID, tok.ID, nil)
		return nil
	}

	switch node.OnFailure {
	case storekit.OnFailureRetry:
		tok.Attempt++
		tok.Status = storekit.TokenPending
		tc.emit("task.failed", tok.NodeID, tok.ID, map[string]any{"attempt": tok.Attempt, "retrying": true})
		return nil
	case storekit.OnFailureContinue:
		tok.BranchStore["error"] = map[string]any{"message": msg.Err.Message}
		tok.BranchStore["output"] = msg.Output
		tok.Status = storekit.TokenCompleted
		tc.emit("task.failed", tok.NodeID, tok.ID, map[string]any{"continued": true, "message": msg.Err.Message})
		return nil
	default: // OnFailureAbort
		tok.Status = storekit.TokenFailed
		tok.FailureReason = msg.Err.Message
		tc.emit("task.failed", tok.NodeID, tok.ID, map[string]any{"message": msg.Err.Message})
		failRun(st, msg.Err.Message, tc)
		return nil
	}
}

// drain repeatedly routes every pending-dispatch or newly-resolved token
// until the run reaches a stable point: every remaining active token is
// either dispatched (awaiting an external reply) or waiting (parked on a
// fan-in). This implements steps 2-4 of the tick as one atomic pass.
func drain(st *runState, tc *tickCtx) error {
	for {
		progressed := false
		for id, tok := range st.tokens {
			switch tok.Status {
			case storekit.TokenPending:
				if err := dispatchToken(st, id, tc); err != nil {
					return err
				}
				progressed = true
			case storekit.TokenCompleted:
				if tokenIsTerminalPlaceholder(tok) {
					continue
				}
				if err := routeToken(st, id, tc); err != nil {
					return err
				}
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	maybeComplete(st, tc)
	return nil
}

// tokenIsTerminalPlaceholder reports whether tok has already been routed
// past (its branch closed) and should not be re-routed on the next drain
// pass. A token is left in the map with this marker via closeBranch.
func tokenIsTerminalPlaceholder(tok storekit.Token) bool {
	closed, _ := tok.BranchStore["__routed"].(bool)
	return closed
}

func dispatchToken(st *runState, tokenID string, tc *tickCtx) error {
	tok := st.tokens[tokenID]
	node, ok := st.graph.nodeByID(tok.NodeID)
	if !ok {
		tok.Status = storekit.TokenFailed
		tok.FailureReason = "node not found: " + tok.NodeID
		st.tokens[tokenID] = tok
		failRun(st, tok.FailureReason, tc)
		return nil
	}

	// A routing-only node (no task) completes immediately without an
	// external dispatch.
	if node.TaskID == "" {
		tok.Status = storekit.TokenCompleted
		tok.UpdatedAt = tc.now
		st.tokens[tokenID] = tok
		tc.emit("token.completed", tok.NodeID, tok.ID, nil)
		return nil
	}

	targetType := dispatch.TargetTask
	if node.TargetType == string(dispatch.TargetWorkflow) {
		targetType = dispatch.TargetWorkflow
	}

	env := buildEnv(st.run, tok)
	input := map[string]any{}
	if err := applyFieldMappings(tc.ev, node.InputMapping, env, &st.run, &tok); err != nil {
		return err
	}
	for k, v := range env.Input {
		input[k] = v
	}

	tok.Status = storekit.TokenDispatched
	tok.UpdatedAt = tc.now
	st.tokens[tokenID] = tok

	tc.dispatches = append(tc.dispatches, dispatch.Decision{
		TargetType:    targetType,
		TargetID:      node.TaskID,
		Async:         false,
		Input:         input,
		Correlator:    tok.ID,
		ExecutionID:   st.run.ID,
		ExecutionType: storekit.ExecutionWorkflow,
		ResourceHints: node.ResourceBindings,
	})
	tc.emit("task.dispatched", tok.NodeID, tok.ID, map[string]any{"targetType": targetType, "targetId": node.TaskID})
	return nil
}

// routeToken implements the routing algorithm of spec §4.1: evaluate
// outgoing transitions in (priority, id) order, apply the node's output
// mapping, then either fan out, fan in, or close the branch.
func routeToken(st *runState, tokenID string, tc *tickCtx) error {
	tok := st.tokens[tokenID]
	node, _ := st.graph.nodeByID(tok.NodeID)
	env := buildEnv(st.run, tok)
	if err := applyFieldMappings(tc.ev, node.OutputMapping, env, &st.run, &tok); err != nil {
		return err
	}

	matched, ok, err := selectTransitions(tc.ev, st.graph, st.run, tok)
	if err != nil {
		return err
	}
	if !ok {
		closeBranch(st, &tok, tc)
		st.tokens[tokenID] = tok
		return nil
	}

	for _, t := range matched {
		if t.Synchronization != nil {
			// A synchronization transition either parks the arrived token
			// as Waiting or consumes it into a merge; either way
			// handleFanIn writes the token's final state for this tick
			// directly, and it takes no further transitions.
			if err := handleFanIn(st, tok, t, tc); err != nil {
				return err
			}
			return nil
		}
		children, err := spawnChildren(tc.ev, st.run, tok, t, tc.now)
		if err != nil {
			if kind, isErr := orcherr.KindOf(err); isErr && kind == orcherr.KindLoopLimitExceeded {
				tok.Status = storekit.TokenFailed
				tok.FailureReason = err.Error()
				st.tokens[tokenID] = tok
				failRunKind(st, orcherr.KindLoopLimitExceeded, err.Error(), tc)
				return nil
			}
			return err
		}
		for _, c := range children {
			st.tokens[c.ID] = c
		}
		if len(children) > 1 {
			tc.emit("fan_out.started", t.ToNodeID, tok.ID, map[string]any{"count": len(children), "siblingGroup": t.SiblingGroup})
		}
		for _, c := range children {
			tc.emit("token.created", c.NodeID, c.ID, map[string]any{"branchIndex": c.BranchIndex, "branchTotal": c.BranchTotal})
		}
	}
	closeBranch(st, &tok, tc)
	st.tokens[tokenID] = tok
	return nil
}

// closeBranch marks tok completed-and-routed (its branch has been
// dispositioned, whether by taking a transition or by running off the
// graph) so drain does not reprocess it, and drops its private store.
func closeBranch(st *runState, tok *storekit.Token, tc *tickCtx) {
	tok.Status = storekit.TokenCompleted
	tok.UpdatedAt = tc.now
	if tok.BranchStore == nil {
		tok.BranchStore = map[string]any{}
	}
	tok.BranchStore["__routed"] = true
	tc.emit("token.completed", tok.NodeID, tok.ID, nil)
}

// handleFanIn implements spec §4.1's synchronization semantics: compute the
// sibling set sharing t's declared group under the nearest fan-out
// ancestor, evaluate the any/all/m_of_n predicate, and either merge and
// proceed or park the arriving token and arm its timeout.
func handleFanIn(st *runState, arrived storekit.Token, t storekit.Transition, tc *tickCtx) error {
	all := tokenSlice(st.tokens)
	siblings := siblingSet(st.graph, all, arrived)
	outcome := evaluateSync(t.Synchronization, siblings)

	if !outcome.Satisfied {
		arrived.Status = storekit.TokenWaiting
		arrived.UpdatedAt = tc.now
		st.tokens[arrived.ID] = arrived
		tc.emit("token.waiting", arrived.NodeID, arrived.ID, map[string]any{"siblingGroup": t.Synchronization.SiblingGroup})
		if t.Synchronization.TimeoutMs > 0 {
			if st.armTimer != nil {
				key := timeoutKey{transitionID: t.ID, lineageRoot: arrived.ParentTokenID}
				st.armTimer(key, time.Duration(t.Synchronization.TimeoutMs)*time.Millisecond)
			}
		}
		return nil
	}
	return completeFanIn(st, t, outcome, tc)
}

// completeFanIn performs the merge, cancels the losing/pending siblings,
// and takes the transition with a single surviving token.
func completeFanIn(st *runState, t storekit.Transition, outcome syncOutcome, tc *tickCtx) error {
	var mergedValue any
	if t.Synchronization.Merge != nil {
		v, err := mergeBranches(tc.ev, st.run, t.Synchronization.Merge, outcome.Participants)
		if err != nil {
			return err
		}
		mergedValue = v
		writePath(&st.run, nil, t.Synchronization.Merge.Target, mergedValue)
	}

	var parentID string
	for _, p := range outcome.Participants {
		parentID = p.ParentTokenID
		p.Status = storekit.TokenCompleted
		// Mark routed (not merely drop the branch store) so drain's
		// fixpoint loop does not attempt to route this token again now
		// that it has been consumed by the merge.
		p.BranchStore = map[string]any{"__routed": true}
		st.tokens[p.ID] = p
	}
	for _, p := range outcome.Pending {
		p.Status = storekit.TokenCancelled
		p.BranchStore = nil
		st.tokens[p.ID] = p
		tc.emit("token.cancelled", p.NodeID, p.ID, map[string]any{"reason": "fan_in_lost"})
	}

	if st.cancelTimer != nil {
		st.cancelTimer(timeoutKey{transitionID: t.ID, lineageRoot: parentID})
	}

	next := storekit.Token{
		ID:            uuid.NewString(),
		RunID:         st.run.ID,
		NodeID:        t.ToNodeID,
		Status:        storekit.TokenPending,
		ParentTokenID: parentID,
		CreatedAt:     tc.now,
		UpdatedAt:     tc.now,
	}
	st.tokens[next.ID] = next
	tc.emit("fan_in.completed", t.FromNodeID, next.ID, map[string]any{"siblingGroup": t.Synchronization.SiblingGroup, "strategy": t.Synchronization.Strategy})
	tc.emit("branches.merged", t.ToNodeID, next.ID, map[string]any{"target": t.Synchronization.Merge})
	tc.emit("token.created", next.NodeID, next.ID, nil)
	return nil
}

// fireTimeout resolves a synchronization timer firing against a lineage
// waiting on transitionID. Several siblings of one lineage can be parked
// Waiting at once; the first waiting token found on the transition selects
// the lineage and its whole sibling set is resolved, so at most one lineage
// is resolved per firing.
func fireTimeout(st *runState, transitionID string, tc *tickCtx) error {
	t, ok := st.graph.transitionByID(transitionID)
	if !ok || t.Synchronization == nil {
		return nil
	}
	var waiting *storekit.Token
	for id, tok := range st.tokens {
		if tok.Status != storekit.TokenWaiting {
			continue
		}
		for _, out := range st.graph.outgoing(tok.NodeID) {
			if out.ID == transitionID {
				cp := st.tokens[id]
				waiting = &cp
			}
		}
		if waiting != nil {
			break
		}
	}
	if waiting == nil {
		return nil // already resolved by a sibling's own arrival
	}

	if t.Synchronization.OnTimeout == storekit.OnTimeoutFail {
		waiting.Status = storekit.TokenFailed
		waiting.FailureReason = "synchronization timeout"
		st.tokens[waiting.ID] = *waiting
		failRunKind(st, orcherr.KindSynchronizationTimeout, "synchronization timed out", tc)
		return nil
	}

	all := tokenSlice(st.tokens)
	siblings := siblingSet(st.graph, all, *waiting)
	outcome := evaluateSync(t.Synchronization, siblings)
	outcome.Satisfied = true // proceed_with_available: merge whatever completed, cancel the rest
	if err := completeFanIn(st, t, outcome, tc); err != nil {
		return err
	}
	return drain(st, tc)
}

func tokenSlice(m map[string]storekit.Token) []storekit.Token {
	out := make([]storekit.Token, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	return out
}

func cancelRun(st *runState, reason string, tc *tickCtx) {
	for id, tok := range st.tokens {
		switch tok.Status {
		case storekit.TokenCompleted, storekit.TokenFailed, storekit.TokenCancelled:
			continue
		}
		tok.Status = storekit.TokenCancelled
		tok.BranchStore = nil
		st.tokens[id] = tok
	}
	st.run.Status = storekit.RunFailed
	st.run.FailureReason = "cancelled: " + reason
	st.run.UpdatedAt = tc.now
	tc.emit("workflow.failed", "", "", map[string]any{"reason": "cancelled", "detail": reason})
}

func failRun(st *runState, reason string, tc *tickCtx) {
	failRunKind(st, orcherr.KindValidation, reason, tc)
}

func failRunKind(st *runState, kind orcherr.Kind, reason string, tc *tickCtx) {
	if st.run.Status == storekit.RunFailed {
		return
	}
	for id, tok := range st.tokens {
		switch tok.Status {
		case storekit.TokenCompleted, storekit.TokenFailed, storekit.TokenCancelled:
			continue
		}
		tok.Status = storekit.TokenCancelled
		st.tokens[id] = tok
	}
	st.run.Status = storekit.RunFailed
	st.run.FailureReason = reason
	st.run.UpdatedAt = tc.now
	tc.emit("workflow.failed", "", "", map[string]any{"reason": string(kind), "detail": reason})
}

// maybeComplete finalizes the run once no token remains in an
// outstanding-work state (pending/dispatched/waiting), applying the
// workflow's outputMapping and validating against outputSchema per
// spec §4.1 "Completion".
func maybeComplete(st *runState, tc *tickCtx) {
	if st.run.Status == storekit.RunFailed || st.run.Status == storekit.RunCompleted {
		return
	}
	for _, tok := range st.tokens {
		switch tok.Status {
		case storekit.TokenPending, storekit.TokenDispatched, storekit.TokenWaiting:
			return
		}
	}

	env := buildEnv(st.run, storekit.Token{})
	if err := applyFieldMappings(tc.ev, st.graph.OutputMapping, env, &st.run, nil); err != nil {
		failRun(st, fmt.Sprintf("output mapping failed: %s", err), tc)
		return
	}
	if err := validateAgainstSchema(st.graph.OutputSchema, "outputSchema", st.run.Context.Output); err != nil {
		failRunKind(st, orcherr.KindValidation, "output_validation", tc)
		return
	}
	st.run.Status = storekit.RunCompleted
	st.run.UpdatedAt = tc.now
	tc.emit("workflow.completed", "", "", nil)
}
