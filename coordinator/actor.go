package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"goa.design/goa-ai/defstore"
	"goa.design/goa-ai/dispatch"
	"goa.design/goa-ai/exprlang"
	"goa.design/goa-ai/orcherr"
	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/streamer"
	"goa.design/goa-ai/telemetry"
)

var errActorClosed = errors.New("coordinator: actor closed")

// Definitions is the subset of defstore.Store the coordinator needs to
// resolve a workflow definition's graph at run start.
type Definitions interface {
	Get(ctx context.Context, id string, version int) (storekit.Definition, error)
	Graph(ctx context.Context, id string, version int) ([]storekit.Node, []storekit.Transition, error)
}

var _ Definitions = (*defstore.Store)(nil)

// Options configures an Actor.
type Options struct {
	RunID      string
	Store      storekit.WorkflowRunStore
	Defs       Definitions
	Evaluator  *exprlang.Evaluator
	Dispatcher *dispatch.Dispatcher
	Emitter    dispatch.Emitter
	Logger     telemetry.Logger
}

// Actor is the per-workflow-run actor that drives one run's graph
// deterministically. Grounded on streamer.Actor's single-goroutine,
// command-channel shape: every public method round-trips through exec so
// exactly one inbox message is ever processed at a time (spec §4.1's tick
// semantics and §5's "single-threaded actor, atomic tick" contract).
type Actor struct {
	runID      string
	store      storekit.WorkflowRunStore
	defs       Definitions
	eval       *exprlang.Evaluator
	dispatcher *dispatch.Dispatcher
	emitter    dispatch.Emitter
	logger     telemetry.Logger

	cmds chan func(st *runState)
	done chan struct{}
}

// New constructs an Actor bound to one run. The run itself is created by
// StartRun; New only wires the actor's dependencies and starts its loop.
func New(ctx context.Context, opts Options) (*Actor, error) {
	if opts.Store == nil || opts.Defs == nil {
		return nil, orcherr.New(orcherr.KindValidation, "coordinator: Store and Defs are required")
	}
	eval := opts.Evaluator
	if eval == nil {
		eval = exprlang.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	a := &Actor{
		runID:      opts.RunID,
		store:      opts.Store,
		defs:       opts.Defs,
		eval:       eval,
		dispatcher: opts.Dispatcher,
		emitter:    opts.Emitter,
		logger:     logger,
		cmds:       make(chan func(st *runState), 64),
		done:       make(chan struct{}),
	}
	st := &runState{tokens: map[string]storekit.Token{}}
	st.armTimer = a.armTimer
	st.cancelTimer = a.cancelTimer
	go a.run(ctx, st)
	return a, nil
}

func (a *Actor) run(ctx context.Context, st *runState) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-a.cmds:
			if !ok {
				return
			}
			cmd(st)
		}
	}
}

func (a *Actor) exec(ctx context.Context, fn func(st *runState)) error {
	done := make(chan struct{})
	wrapped := func(st *runState) {
		fn(st)
		close(done)
	}
	select {
	case a.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return errActorClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the actor's run loop. Outstanding timers are abandoned; the
// owning Manager is responsible for calling this only once a run has
// reached a terminal state.
func (a *Actor) Close() {
	close(a.cmds)
	<-a.done
}

// StartRun implements spec §4.1: validates input against the workflow's
// inputSchema, creates the initial token, and drains the first tick.
func (a *Actor) StartRun(ctx context.Context, in StartRunInput) (storekit.WorkflowRun, error) {
	def, err := a.defs.Get(ctx, in.DefID, in.Version)
	if err != nil {
		return storekit.WorkflowRun{}, orcherr.Wrap(orcherr.KindNotFound, "workflow definition not found", err)
	}
	if def.Kind != storekit.KindWorkflow {
		return storekit.WorkflowRun{}, orcherr.New(orcherr.KindValidation, "definition is not a workflow").WithField("defId")
	}
	nodes, transitions, err := a.defs.Graph(ctx, def.ID, def.Version)
	if err != nil {
		return storekit.WorkflowRun{}, orcherr.Wrap(orcherr.KindNotFound, "workflow graph not found", err)
	}
	var wg storekit.WorkflowGraph
	if len(def.Content) > 0 {
		if err := json.Unmarshal(def.Content, &wg); err != nil {
			return storekit.WorkflowRun{}, orcherr.Wrap(orcherr.KindValidation, "workflow definition content is not valid JSON", err)
		}
	}

	if err := validateAgainstSchema(wg.InputSchema, "inputSchema", in.Input); err != nil {
		return storekit.WorkflowRun{}, err
	}

	now := time.Now().UTC()
	run := storekit.WorkflowRun{
		ID:              in.RunID,
		WorkflowDefID:   def.ID,
		WorkflowVersion: def.Version,
		Context:         storekit.RunContext{Input: in.Input, State: map[string]any{}, Output: map[string]any{}},
		Status:          storekit.RunRunning,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	graph := Graph{
		Nodes: nodes, Transitions: transitions,
		InitialNodeID: wg.InitialNodeID, InputSchema: wg.InputSchema,
		OutputSchema: wg.OutputSchema, ContextSchema: wg.ContextSchema,
		OutputMapping: wg.OutputMapping,
	}
	initial := storekit.Token{
		ID: uuid.NewString(), RunID: run.ID, NodeID: graph.InitialNodeID,
		Status: storekit.TokenPending, BranchTotal: 1, CreatedAt: now, UpdatedAt: now,
	}

	var result storekit.WorkflowRun
	err = a.exec(ctx, func(st *runState) {
		st.run = run
		st.graph = graph
		st.tokens = map[string]storekit.Token{initial.ID: initial}

		tc := &tickCtx{ev: a.eval, now: now}
		tc.emit("workflow.started", graph.InitialNodeID, initial.ID, map[string]any{"runId": run.ID})
		tc.emit("token.created", graph.InitialNodeID, initial.ID, nil)
		_ = drain(st, tc)
		a.finishTick(ctx, st, tc)
		result = st.run
	})
	return result, err
}

// DeliverResult implements deliverTaskResult / deliverSubworkflowResult:
// spec §4.1 treats a sub-workflow completion as a result delivered against
// the parent node's token, so both share this one entry point.
func (a *Actor) DeliverResult(ctx context.Context, tokenID string, output map[string]any, taskErr *TaskError) (storekit.WorkflowRun, error) {
	var result storekit.WorkflowRun
	err := a.exec(ctx, func(st *runState) {
		if a.dispatcher != nil {
			a.dispatcher.Resolve(ctx, a.emitter, tokenID)
		}
		tc := &tickCtx{ev: a.eval, now: time.Now().UTC()}
		_ = applyInbox(st, InboxMessage{Kind: InboxTaskResult, TokenID: tokenID, Output: output, Err: taskErr}, tc)
		a.finishTick(ctx, st, tc)
		result = st.run
	})
	return result, err
}

// Cancel marks every active token cancelled and fails the run with reason
// "cancelled", per spec §4.1.
func (a *Actor) Cancel(ctx context.Context, reason string) (storekit.WorkflowRun, error) {
	var result storekit.WorkflowRun
	err := a.exec(ctx, func(st *runState) {
		if a.dispatcher != nil {
			for _, o := range a.dispatcher.Outstanding() {
				if o.Decision.ExecutionID == st.run.ID {
					a.dispatcher.Forget(o.Correlator)
				}
			}
		}
		tc := &tickCtx{ev: a.eval, now: time.Now().UTC()}
		_ = applyInbox(st, InboxMessage{Kind: InboxCancel, Reason: reason}, tc)
		a.finishTick(ctx, st, tc)
		result = st.run
	})
	return result, err
}

// GetRun returns a snapshot of the run's current state.
func (a *Actor) GetRun(ctx context.Context) (storekit.WorkflowRun, error) {
	var result storekit.WorkflowRun
	err := a.exec(ctx, func(st *runState) { result = st.run })
	return result, err
}

// finishTick persists the run/token snapshot, sends any queued dispatches,
// and emits the tick's events, implementing steps 4-5 of spec §4.1. Run
// from inside the actor's single goroutine, so it never races a concurrent
// tick.
func (a *Actor) finishTick(ctx context.Context, st *runState, tc *tickCtx) {
	st.run.ActiveTokenIDs = activeTokenIDs(st.tokens)
	if a.store != nil {
		if err := a.store.PutRun(ctx, st.run); err != nil {
			a.logger.Error(ctx, "coordinator: failed to persist run", "run_id", a.runID, "error", err)
		}
		if err := a.store.PutTokens(ctx, st.run.ID, tokenSlice(st.tokens)); err != nil {
			a.logger.Error(ctx, "coordinator: failed to persist tokens", "run_id", a.runID, "error", err)
		}
	}
	for _, d := range tc.dispatches {
		if a.dispatcher == nil {
			continue
		}
		if err := a.dispatcher.Queue(ctx, a.emitter, d); err != nil {
			a.logger.Warn(ctx, "coordinator: dispatch failed", "run_id", a.runID, "correlator", d.Correlator, "error", err)
		}
	}
	if a.emitter == nil {
		return
	}
	for _, e := range tc.events {
		meta := e.Metadata
		if _, err := a.emitEvent(ctx, e.Type, e.NodeID, e.TokenID, meta); err != nil {
			a.logger.Warn(ctx, "coordinator: failed to emit event", "run_id", a.runID, "type", e.Type, "error", err)
		}
	}
}

func activeTokenIDs(tokens map[string]storekit.Token) []string {
	var out []string
	for id, t := range tokens {
		switch t.Status {
		case storekit.TokenPending, storekit.TokenDispatched, storekit.TokenWaiting:
			out = append(out, id)
		}
	}
	return out
}

// armTimer schedules a synchronization timeout by posting an
// InboxSyncTimeout message back into this actor's own cmds channel once d
// elapses, mirroring streamer.Actor.armFlushTimer's self-posting pattern.
// Timers are fire-and-forget: a stale firing (the lineage already resolved)
// is a no-op inside fireTimeout.
func (a *Actor) armTimer(key timeoutKey, d time.Duration) {
	time.AfterFunc(d, func() {
		select {
		case a.cmds <- func(st *runState) {
			tc := &tickCtx{ev: a.eval, now: time.Now().UTC()}
			_ = applyInbox(st, InboxMessage{Kind: InboxSyncTimeout, TransitionID: key.transitionID}, tc)
			a.finishTick(context.Background(), st, tc)
		}:
		case <-a.done:
		}
	})
}

// cancelTimer is a no-op placeholder: Go's time.Timer has no addressable
// handle here since armTimer doesn't retain one, so an early resolution
// simply lets the stale timer fire later and find nothing to do (fireTimeout
// checks for a still-Waiting token on the transition before acting).
func (a *Actor) cancelTimer(key timeoutKey) {}

func (a *Actor) emitEvent(ctx context.Context, typ, nodeID, tokenID string, meta map[string]any) (storekit.Event, error) {
	return a.emitter.EmitEvent(ctx, streamer.EventInput{
		ExecutionID:   a.runID,
		ExecutionType: storekit.ExecutionWorkflow,
		Type:          typ,
		NodeID:        nodeID,
		TokenID:       tokenID,
		Metadata:      meta,
	})
}
