package engine

import "context"

// wfCtxKey stashes a WorkflowContext inside a plain Go context so activity
// code invoked from within a workflow can retrieve the originating
// WorkflowContext when it needs to, e.g. to dispatch a nested child
// workflow from within an activity that itself needed workflow-level
// identity.
type wfCtxKey struct{}

// activityCtxKey marks a context as originating from an activity
// invocation, letting shared code (logging, telemetry) distinguish
// workflow-body execution from activity execution.
type activityCtxKey struct{}

// WithWorkflowContext returns a child context carrying wf. Engine adapters
// attach this before invoking activity handlers.
func WithWorkflowContext(ctx context.Context, wf WorkflowContext) context.Context {
	return context.WithValue(ctx, wfCtxKey{}, wf)
}

// WithActivityContext returns a child context marked as an activity
// invocation context.
func WithActivityContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, activityCtxKey{}, true)
}

// IsActivityContext reports whether ctx originated from an activity
// invocation.
func IsActivityContext(ctx context.Context) bool {
	v := ctx.Value(activityCtxKey{})
	b, ok := v.(bool)
	return ok && b
}

// WorkflowContextFromContext extracts a WorkflowContext from ctx, returning
// nil if none was attached via WithWorkflowContext.
func WorkflowContextFromContext(ctx context.Context) WorkflowContext {
	if v := ctx.Value(wfCtxKey{}); v != nil {
		if wf, ok := v.(WorkflowContext); ok {
			return wf
		}
	}
	return nil
}
