// Package dispatch implements the thin RPC-dispatch layer shared by the
// Workflow Coordinator and the Conversation Runner: given a planned
// decision and a correlator (a token ID or tool-call ID), it emits the
// queued event, tracks an outstanding-operation record, sends the call
// through a caller-supplied Executor, and resolves the record when the
// reply arrives. Grounded on runtime/agent/toolregistry's dispatch-by-
// target-type switch and runtime/agent/runtime's pending-operation
// bookkeeping, generalized from a single agent's tool loop to any
// component that hands work to an external actor and waits for a reply.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/goa-ai/orcherr"
	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/streamer"
	"goa.design/goa-ai/telemetry"
)

// TargetType names the kind of actor a decision dispatches to.
type TargetType string

const (
	TargetTask     TargetType = "task"
	TargetWorkflow TargetType = "workflow"
	TargetAgent    TargetType = "agent"
)

// InvocationMode distinguishes how an agent-targeted tool call starts its
// conversation; meaningless for TargetTask and TargetWorkflow.
type InvocationMode string

const (
	ModeDelegate InvocationMode = "delegate"
	ModeLoopIn   InvocationMode = "loop_in"
)

// Decision is a planned dispatch: what to call, with what input, and which
// pending operation it resolves.
type Decision struct {
	TargetType    TargetType
	TargetID      string
	Mode          InvocationMode
	Async         bool
	Input         map[string]any
	Correlator    string // tokenId or toolCallId
	ExecutionID   string
	ExecutionType storekit.ExecutionType
	ResourceHints map[string]string
}

// Executor sends a decision's call to the chosen actor. The reply arrives
// later, out of band, correlated by Decision.Correlator and handed to
// Dispatcher.Resolve.
type Executor interface {
	Dispatch(ctx context.Context, d Decision) error
}

// Emitter is the subset of streamer.Actor used to publish dispatch
// lifecycle events.
type Emitter interface {
	EmitEvent(ctx context.Context, in streamer.EventInput) (storekit.Event, error)
}

// Outstanding is a tracked in-flight operation awaiting a reply.
type Outstanding struct {
	Correlator string
	Decision   Decision
	QueuedAt   time.Time
}

// Dispatcher owns the outstanding-operation table for one actor (a
// workflow run or a conversation turn's owning conversation).
type Dispatcher struct {
	mu          sync.Mutex
	outstanding map[string]Outstanding
	executor    Executor
	logger      telemetry.Logger
}

// Options configures a Dispatcher.
type Options struct {
	Executor Executor
	Logger   telemetry.Logger
}

// New constructs a Dispatcher. Executor is required.
func New(opts Options) (*Dispatcher, error) {
	if opts.Executor == nil {
		return nil, orcherr.New(orcherr.KindValidation, "dispatch: Executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Dispatcher{
		outstanding: make(map[string]Outstanding),
		executor:    opts.Executor,
		logger:      logger,
	}, nil
}

// Queue emits `dispatch.<kind>.queued`, registers the outstanding record,
// and sends d to the Executor. If the Executor call itself fails
// synchronously, the record is removed and the error returned; the caller
// is expected to route this to its own failure handling instead of waiting
// for a reply that will never come.
func (d *Dispatcher) Queue(ctx context.Context, emitter Emitter, dec Decision) error {
	if dec.Correlator == "" {
		return orcherr.New(orcherr.KindValidation, "dispatch: Correlator is required").WithField("correlator")
	}

	d.mu.Lock()
	d.outstanding[dec.Correlator] = Outstanding{Correlator: dec.Correlator, Decision: dec, QueuedAt: time.Now().UTC()}
	d.mu.Unlock()

	if emitter != nil {
		if _, err := emitter.EmitEvent(ctx, streamer.EventInput{
			ExecutionID:   dec.ExecutionID,
			ExecutionType: dec.ExecutionType,
			Type:          fmt.Sprintf("dispatch.%s.queued", dec.TargetType),
			TokenID:       dec.Correlator,
			Metadata:      map[string]any{"targetType": dec.TargetType, "targetId": dec.TargetID, "async": dec.Async},
		}); err != nil {
			d.logger.Warn(ctx, "dispatch: failed to emit queued event", "correlator", dec.Correlator, "error", err)
		}
	}

	if err := d.executor.Dispatch(ctx, dec); err != nil {
		d.mu.Lock()
		delete(d.outstanding, dec.Correlator)
		d.mu.Unlock()
		return orcherr.Wrap(orcherr.KindToolFailure, "dispatch call failed", err).WithField("correlator")
	}
	return nil
}

// Resolve matches correlator against the outstanding table, removes the
// record, emits `operation.async.resumed`, and returns the original
// Decision so the caller can route the result back to the owning
// coordinator or conversation turn. Returns (Decision{}, false) if no
// outstanding record matches (a duplicate or stale reply).
func (d *Dispatcher) Resolve(ctx context.Context, emitter Emitter, correlator string) (Decision, bool) {
	d.mu.Lock()
	rec, ok := d.outstanding[correlator]
	if ok {
		delete(d.outstanding, correlator)
	}
	d.mu.Unlock()
	if !ok {
		return Decision{}, false
	}

	if emitter != nil {
		if _, err := emitter.EmitEvent(ctx, streamer.EventInput{
			ExecutionID:   rec.Decision.ExecutionID,
			ExecutionType: rec.Decision.ExecutionType,
			Type:          "operation.async.resumed",
			TokenID:       correlator,
		}); err != nil {
			d.logger.Warn(ctx, "dispatch: failed to emit resumed event", "correlator", correlator, "error", err)
		}
	}
	return rec.Decision, true
}

// Outstanding returns a snapshot of currently tracked operations, used by
// cancellation paths that must best-effort-cancel every in-flight
// sub-dispatch.
func (d *Dispatcher) Outstanding() []Outstanding {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Outstanding, 0, len(d.outstanding))
	for _, rec := range d.outstanding {
		out = append(out, rec)
	}
	return out
}

// Forget removes an outstanding record without emitting an event, used
// when a run or turn is cancelled and its in-flight operations are
// abandoned rather than resolved.
func (d *Dispatcher) Forget(correlator string) {
	d.mu.Lock()
	delete(d.outstanding, correlator)
	d.mu.Unlock()
}
