package streamer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/goa-ai/storekit"
	storeinmem "goa.design/goa-ai/storekit/inmem"
)

var errDeliveryFailed = errors.New("delivery failed")

type recordingSink struct {
	mu       sync.Mutex
	messages []Message
	fail     bool
}

func (s *recordingSink) Deliver(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errDeliveryFailed
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func newTestActor(t *testing.T, store storekit.EventStore) (*Actor, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, Options{
		StreamKey:     "run-1",
		Store:         store,
		TraceEnabled:  true,
		BatchSize:     2,
		FlushInterval: 20 * time.Millisecond,
		RowsPerInsert: 2,
	})
	require.NoError(t, err)
	return a, cancel
}

func TestEmitEventAssignsMonotonicSequence(t *testing.T) {
	store := storeinmem.NewEventStore()
	a, cancel := newTestActor(t, store)
	defer cancel()
	defer a.Close()

	ctx := context.Background()
	e1, err := a.EmitEvent(ctx, EventInput{ExecutionID: "wf-1", ExecutionType: storekit.ExecutionWorkflow, Type: "run.started"})
	require.NoError(t, err)
	require.Equal(t, int64(1), e1.Sequence)

	e2, err := a.EmitEvent(ctx, EventInput{ExecutionID: "wf-1", ExecutionType: storekit.ExecutionWorkflow, Type: "token.completed"})
	require.NoError(t, err)
	require.Equal(t, int64(2), e2.Sequence)
}

func TestBroadcastFiltersAndDropsFailingSubscribers(t *testing.T) {
	store := storeinmem.NewEventStore()
	a, cancel := newTestActor(t, store)
	defer cancel()
	defer a.Close()

	ctx := context.Background()
	matching := &recordingSink{}
	nonMatching := &recordingSink{}
	failing := &recordingSink{fail: true}

	_, err := a.Subscribe(ctx, Filter{EventType: "token.completed"}, matching)
	require.NoError(t, err)
	_, err = a.Subscribe(ctx, Filter{EventType: "run.started"}, nonMatching)
	require.NoError(t, err)
	failID, err := a.Subscribe(ctx, Filter{}, failing)
	require.NoError(t, err)

	_, err = a.EmitEvent(ctx, EventInput{ExecutionID: "wf-1", ExecutionType: storekit.ExecutionWorkflow, Type: "token.completed"})
	require.NoError(t, err)

	require.Equal(t, 1, matching.count())
	require.Equal(t, 0, nonMatching.count())

	// The failing sink should have been dropped; emitting again must not
	// attempt delivery to it a second time (no panic, no retained sub).
	_, err = a.EmitEvent(ctx, EventInput{ExecutionID: "wf-1", ExecutionType: storekit.ExecutionWorkflow, Type: "token.completed"})
	require.NoError(t, err)
	require.Equal(t, 2, matching.count())

	err = a.Unsubscribe(ctx, failID)
	require.NoError(t, err)
}

func TestFlushPersistsAcrossBatchBoundary(t *testing.T) {
	store := storeinmem.NewEventStore()
	a, cancel := newTestActor(t, store)
	defer cancel()
	defer a.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := a.EmitEvent(ctx, EventInput{ExecutionID: "wf-1", ExecutionType: storekit.ExecutionWorkflow, Type: "tick"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		seq, err := store.LastSequence(ctx, "run-1")
		return err == nil && seq == 3
	}, time.Second, 5*time.Millisecond)
}

func TestRestartResumesSequenceFromStore(t *testing.T) {
	store := storeinmem.NewEventStore()
	ctx := context.Background()
	require.NoError(t, store.AppendEvents(ctx, []storekit.Event{
		{ID: "e1", StreamKey: "run-1", Sequence: 1, Type: "run.started", Timestamp: time.Now()},
		{ID: "e2", StreamKey: "run-1", Sequence: 2, Type: "run.started", Timestamp: time.Now()},
	}))

	actorCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(actorCtx, Options{StreamKey: "run-1", Store: store, BatchSize: 10})
	require.NoError(t, err)
	defer a.Close()

	e, err := a.EmitEvent(ctx, EventInput{Type: "next"})
	require.NoError(t, err)
	require.Equal(t, int64(3), e.Sequence)
}

func TestHistoryReturnsRecentEventsWithinWindow(t *testing.T) {
	store := storeinmem.NewEventStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, Options{StreamKey: "run-1", Store: store, BatchSize: 10, HistoryWindow: time.Minute})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.EmitEvent(context.Background(), EventInput{Type: "a", ExecutionID: "wf-1"})
	require.NoError(t, err)
	_, err = a.EmitEvent(context.Background(), EventInput{Type: "b", ExecutionID: "wf-1"})
	require.NoError(t, err)

	hist, err := a.History(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, hist, 2)

	filtered, err := a.History(context.Background(), Filter{EventType: "b"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
}
