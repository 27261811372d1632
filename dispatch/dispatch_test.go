package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/streamer"
)

type fakeExecutor struct {
	mu   sync.Mutex
	sent []Decision
	err  error
}

func (f *fakeExecutor) Dispatch(_ context.Context, d Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, d)
	return nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []streamer.EventInput
}

func (f *fakeEmitter) EmitEvent(_ context.Context, in streamer.EventInput) (storekit.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, in)
	return storekit.Event{Type: in.Type}, nil
}

func TestQueueThenResolveRoundTrip(t *testing.T) {
	exec := &fakeExecutor{}
	emit := &fakeEmitter{}
	d, err := New(Options{Executor: exec})
	require.NoError(t, err)

	ctx := context.Background()
	dec := Decision{TargetType: TargetTask, TargetID: "task-1", Correlator: "tok-1", ExecutionID: "run-1"}
	require.NoError(t, d.Queue(ctx, emit, dec))

	require.Len(t, exec.sent, 1)
	require.Equal(t, "tok-1", exec.sent[0].Correlator)
	require.Len(t, emit.events, 1)
	require.Equal(t, "dispatch.task.queued", emit.events[0].Type)

	resolved, ok := d.Resolve(ctx, emit, "tok-1")
	require.True(t, ok)
	require.Equal(t, dec.TargetID, resolved.TargetID)
	require.Len(t, emit.events, 2)
	require.Equal(t, "operation.async.resumed", emit.events[1].Type)

	_, ok = d.Resolve(ctx, emit, "tok-1")
	require.False(t, ok)
}

func TestQueueFailureRemovesOutstandingRecord(t *testing.T) {
	exec := &fakeExecutor{err: context.DeadlineExceeded}
	d, err := New(Options{Executor: exec})
	require.NoError(t, err)

	err = d.Queue(context.Background(), nil, Decision{TargetType: TargetWorkflow, Correlator: "tok-1"})
	require.Error(t, err)
	require.Empty(t, d.Outstanding())
}

func TestOutstandingAndForget(t *testing.T) {
	exec := &fakeExecutor{}
	d, err := New(Options{Executor: exec})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, d.Queue(ctx, nil, Decision{TargetType: TargetAgent, Correlator: "a"}))
	require.NoError(t, d.Queue(ctx, nil, Decision{TargetType: TargetAgent, Correlator: "b"}))
	require.Len(t, d.Outstanding(), 2)

	d.Forget("a")
	require.Len(t, d.Outstanding(), 1)
	require.Equal(t, "b", d.Outstanding()[0].Correlator)
}

func TestQueueRejectsEmptyCorrelator(t *testing.T) {
	exec := &fakeExecutor{}
	d, err := New(Options{Executor: exec})
	require.NoError(t, err)
	err = d.Queue(context.Background(), nil, Decision{TargetType: TargetTask})
	require.Error(t, err)
}
