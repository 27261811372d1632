package telemetry

import "context"

// mergeSource carries a base context whose values should be visible through a
// derived context without adopting its cancellation or deadline.
type mergeSource struct{ ctx context.Context }

// MergeContext returns a context that reports ctx's own Done/Err/Deadline
// (so callers keep whatever cancellation semantics ctx already has) while
// falling back to base for Value lookups ctx does not satisfy itself. This
// is used to carry a workflow's originating base context (trace baggage,
// request-scoped identifiers) into an activity invocation whose own context
// comes from the engine, not the workflow.
func MergeContext(ctx, base context.Context) context.Context {
	if base == nil {
		return ctx
	}
	return &mergedContext{Context: ctx, base: base}
}

type mergedContext struct {
	context.Context
	base context.Context
}

func (m *mergedContext) Value(key any) any {
	if v := m.Context.Value(key); v != nil {
		return v
	}
	return m.base.Value(key)
}
