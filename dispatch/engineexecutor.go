package dispatch

import (
	"context"

	"goa.design/goa-ai/engine"
	"goa.design/goa-ai/orcherr"
	"goa.design/goa-ai/telemetry"
)

// ResultHandler receives the terminal outcome of a decision started through
// EngineExecutor, once the underlying workflow execution completes. d is
// the original Decision so the handler can recover Correlator/ExecutionID
// and route the result back into the owning coordinator run or
// conversation turn.
type ResultHandler interface {
	HandleResult(ctx context.Context, d Decision, output map[string]any, err error)
}

// ResultHandlerFunc adapts a plain function to ResultHandler.
type ResultHandlerFunc func(ctx context.Context, d Decision, output map[string]any, err error)

// HandleResult implements ResultHandler.
func (f ResultHandlerFunc) HandleResult(ctx context.Context, d Decision, output map[string]any, err error) {
	f(ctx, d, output, err)
}

// EngineExecutor is the Executor implementation for TargetWorkflow
// decisions: it starts a durable engine.Engine workflow execution per
// dispatch and reports the result back through Handler once it completes.
// This is the only call site in this module's dispatch path that exercises
// go.temporal.io/sdk (via the temporal engine.Engine adapter) — the
// Workflow Coordinator and Conversation Runner actors themselves stay
// plain channel actors (see their package docs) and reach Temporal only by
// routing a `workflow`-target tool or node through this executor.
type EngineExecutor struct {
	Engine    engine.Engine
	Workflow  string
	TaskQueue string
	Handler   ResultHandler
	Logger    telemetry.Logger
}

// Dispatch implements Executor. It ignores d.TargetType beyond documenting
// the expectation that callers only route TargetWorkflow decisions to this
// Executor; a top-level dispatcher composes per-target-type Executors
// (this one, a task runner, conversation.Router) behind one Dispatch call,
// following the target-type switch in runtime/agent/toolregistry.
func (e *EngineExecutor) Dispatch(ctx context.Context, d Decision) error {
	if d.TargetType != TargetWorkflow {
		return orcherr.Newf(orcherr.KindValidation, "engineexecutor: unsupported target type %q", d.TargetType).WithField("targetType")
	}
	workflow := d.TargetID
	if workflow == "" {
		workflow = e.Workflow
	}
	taskQueue := e.TaskQueue
	if hint, ok := d.ResourceHints["taskQueue"]; ok && hint != "" {
		taskQueue = hint
	}

	handle, err := e.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        d.Correlator,
		Workflow:  workflow,
		TaskQueue: taskQueue,
		Input:     d.Input,
	})
	if err != nil {
		return orcherr.Wrap(orcherr.KindToolFailure, "engineexecutor: failed to start workflow", err).WithField("targetId")
	}

	go func() {
		var output map[string]any
		waitErr := handle.Wait(context.Background(), &output)
		if e.Handler != nil {
			e.Handler.HandleResult(context.Background(), d, output, waitErr)
		}
	}()
	return nil
}
