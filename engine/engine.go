// Package engine defines the durable-execution abstractions this module
// uses for workflow-target tool dispatch: anything a persona or a workflow
// node hands off to the engine as a `workflow` target runs as a registered
// engine.WorkflowFunc, reached through dispatch.EngineExecutor. The
// Workflow Coordinator and the Conversation Runner do not themselves run as
// WorkflowFuncs — both own a plain channel actor instead, since neither
// needs replay-determinism to satisfy its tick/turn contract — but they
// dispatch into this package whenever a decision targets a durable
// workflow execution. The temporal adapter gets a single-threaded,
// replay-safe run for free; the inmem adapter trades durability for
// zero-dependency tests.
package engine

import (
	"context"
	"errors"
	"time"

	"goa.design/goa-ai/telemetry"
)

// RunStatus is the lifecycle status of a started workflow execution, queried
// independently of the caller holding a WorkflowHandle (e.g. after a process
// restart loses the in-memory handle but the run is still live in Temporal).
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// ErrWorkflowNotFound is returned by QueryRunStatus when no run with the
// given ID is known to the engine.
var ErrWorkflowNotFound = errors.New("engine: workflow not found")

type (
	// Engine abstracts workflow registration and execution so adapters
	// (Temporal, in-memory, or a future custom backend) can be swapped
	// without touching coordinator or conversation code.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		// Called during service initialization before starting the worker
		// pool. Returns an error if the name is already registered.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition. Activities are
		// short-lived, side-effecting tasks invoked from within a workflow.
		// Must be called during initialization before starting workers.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow initiates a new workflow execution and returns a
		// handle for interacting with it. req.ID must be unique for the
		// engine instance; engines that persist history (Temporal) reject a
		// reused ID belonging to a still-running execution.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// QueryRunStatus reports the current lifecycle status of a run by
		// ID, independent of holding a WorkflowHandle. Returns
		// ErrWorkflowNotFound if the engine has no record of the run.
		QueryRunStatus(ctx context.Context, runID string) (RunStatus, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default task queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine, e.g.
		// "WorkflowCoordinator" or "ConversationRunner".
		Name string
		// TaskQueue is the default queue used when starting new workflow
		// executions of this definition.
		TaskQueue string
		// Handler is the workflow function invoked by the engine.
		Handler WorkflowFunc
	}

	// WorkflowFunc is a workflow entry point. It receives a WorkflowContext
	// and arbitrary input, returning a result or error. The function must be
	// deterministic: given the same inputs and activity results it must
	// reproduce the same execution sequence, since durable engines replay it
	// from history after a worker restart.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to a running workflow within
	// its deterministic execution environment. It wraps engine-specific
	// contexts (a Temporal workflow.Context, or a plain context.Context for
	// the in-memory adapter) behind one API for activity dispatch, signal
	// delivery, and observability.
	//
	// Implementations must preserve deterministic replay: ExecuteActivity
	// and SignalChannel must produce the same results when replayed from
	// history. Direct I/O, random number generation, or wall-clock reads
	// inside a workflow body violate this and must go through Now() or an
	// activity instead.
	//
	// A WorkflowContext is bound to a single execution and must not be
	// shared across goroutines outside the coroutines the engine itself
	// schedules (e.g. Temporal's workflow.Go).
	WorkflowContext interface {
		// Context returns the underlying Go context for the workflow. Use
		// this for activity calls and cancellation propagation; it is
		// replay-aware on deterministic engines.
		Context() context.Context

		// WorkflowID returns the caller-assigned identifier for this
		// execution (e.g. a run ID or conversation ID).
		WorkflowID() string

		// RunID returns the engine-assigned run identifier used for
		// observability and correlating replays of the same WorkflowID.
		RunID() string

		// ExecuteActivity schedules an activity and blocks for its result,
		// populating result. Returns an error if the activity exhausts its
		// retry policy or scheduling itself fails.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules an activity without blocking and
		// returns a Future, enabling concurrent activity dispatch (fan-out).
		// Returns an error only if the activity cannot be scheduled at all;
		// execution failures surface from Future.Get.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// StartChildWorkflow launches a nested workflow execution and
		// returns a handle to it. No code in this module calls it.
		StartChildWorkflow(ctx context.Context, req ChildWorkflowRequest) (ChildWorkflowHandle, error)

		// SignalChannel returns a channel for the named signal. Workflow
		// code polls or blocks on it to react to externally delivered
		// events (human input, pause/resume, a sibling token's completion).
		SignalChannel(name string) SignalChannel

		// SetQueryHandler registers a query handler under name, letting
		// external callers synchronously inspect workflow state without a
		// signal round-trip. handler must be a function accepting
		// JSON-serializable arguments and returning (T, error).
		SetQueryHandler(name string, handler any) error

		// Logger returns a logger scoped to this workflow execution.
		Logger() telemetry.Logger
		// Metrics returns a metrics recorder scoped to this execution.
		Metrics() telemetry.Metrics
		// Tracer returns a tracer for spans within this execution.
		Tracer() telemetry.Tracer

		// Now returns the current time in a replay-safe manner. Workflow
		// code must never call time.Now() directly.
		Now() time.Time
	}

	// Future represents a pending activity result made available once the
	// activity completes. Calling Get multiple times is safe and returns the
	// same result/error each time.
	Future interface {
		// Get blocks until the activity completes and decodes its return
		// value into result.
		Get(ctx context.Context, result any) error
		// IsReady reports whether Get will return without blocking.
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler with its default
	// options. Activities are stateless and may perform side effects (I/O,
	// tool calls, Store writes) that a workflow body itself must not.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc handles a single activity invocation against a plain Go
	// context, free of the workflow's determinism constraints.
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry and timeout behavior for an activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue; empty inherits the
		// workflow's task queue.
		Queue string
		// RetryPolicy controls retries for this activity. Zero value uses
		// the engine default.
		RetryPolicy RetryPolicy
		// Timeout bounds total activity execution including retries. Zero
		// means no timeout.
		Timeout time.Duration
	}

	// WorkflowStartRequest describes how to launch a new workflow execution.
	WorkflowStartRequest struct {
		// ID must be unique within the engine scope; typically the run ID
		// or conversation ID the caller has already allocated.
		ID string
		// Workflow names the registered WorkflowDefinition to execute.
		Workflow string
		// TaskQueue selects the queue workers poll to pick up this
		// execution.
		TaskQueue string
		// Input is the payload handed to the workflow handler.
		Input any
		// Memo stores small diagnostic payloads alongside the execution.
		Memo map[string]any
		// SearchAttributes captures indexed metadata for visibility
		// queries. Nil means none.
		SearchAttributes map[string]any
		// RetryPolicy governs retries of the start attempt itself, not
		// activities scheduled within the workflow.
		RetryPolicy RetryPolicy
	}

	// ChildWorkflowRequest describes a nested workflow execution launched
	// from within a parent's WorkflowContext.
	ChildWorkflowRequest struct {
		ID          string
		Workflow    string
		TaskQueue   string
		Input       any
		RunTimeout  time.Duration
		RetryPolicy RetryPolicy
	}

	// ChildWorkflowHandle lets a parent wait for or cancel a child execution
	// it started via StartChildWorkflow.
	ChildWorkflowHandle interface {
		Get(ctx context.Context) (any, error)
		Cancel(ctx context.Context) error
		RunID() string
	}

	// ActivityRequest carries the data needed to schedule an activity from a
	// workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets a caller outside the workflow wait for completion,
	// deliver signals, or request cancellation. Returned by
	// Engine.StartWorkflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes and decodes its return
		// value into result.
		Wait(ctx context.Context, result any) error
		// Signal delivers an asynchronous message the workflow can receive
		// via SignalChannel.
		Signal(ctx context.Context, name string, payload any) error
		// Cancel requests cancellation of the workflow's context.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflow starts and
	// activities. Zero-valued fields mean the engine applies its own
	// defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes signal delivery in an engine-agnostic way,
	// wrapping a Temporal signal channel or a plain Go channel for the
	// in-memory adapter.
	SignalChannel interface {
		// Receive blocks until a signal arrives and decodes it into dest.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync attempts a non-blocking receive, reporting whether a
		// value was written into dest.
		ReceiveAsync(dest any) bool
	}
)
