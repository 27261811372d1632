package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/goa-ai/storekit"
)

func TestDefinitionStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := New()
	def := storekit.Definition{ID: "d1", Version: 1, Kind: storekit.KindWorkflow, Reference: "ref", ProjectID: "p1", ContentHash: "h1"}
	require.NoError(t, s.Put(ctx, def, nil, nil))

	got, err := s.Get(ctx, "d1", 0)
	require.NoError(t, err)
	require.Equal(t, def, got)

	_, err = s.Get(ctx, "missing", 0)
	require.ErrorIs(t, err, storekit.ErrNotFound)
}

func TestDefinitionStoreFingerprintAndMaxVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	def1 := storekit.Definition{ID: "d1", Version: 1, Reference: "ref", ProjectID: "p1", ContentHash: "h1"}
	def2 := storekit.Definition{ID: "d1", Version: 2, Reference: "ref", ProjectID: "p1", ContentHash: "h2"}
	require.NoError(t, s.Put(ctx, def1, nil, nil))
	require.NoError(t, s.Put(ctx, def2, nil, nil))

	found, err := s.FindByFingerprint(ctx, "ref", "p1", "h1")
	require.NoError(t, err)
	require.Equal(t, 1, found.Version)

	max, err := s.MaxVersion(ctx, "ref", "p1")
	require.NoError(t, err)
	require.Equal(t, 2, max)

	latest, err := s.Get(ctx, "d1", 0)
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)
}

func TestWorkflowRunStore(t *testing.T) {
	ctx := context.Background()
	s := NewWorkflowRunStore()
	run := storekit.WorkflowRun{ID: "r1", Status: storekit.RunRunning}
	require.NoError(t, s.PutRun(ctx, run))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, storekit.RunRunning, got.Status)

	tok := storekit.Token{ID: "t1", RunID: "r1", Status: storekit.TokenPending}
	require.NoError(t, s.PutTokens(ctx, "r1", []storekit.Token{tok}))
	toks, err := s.ListTokens(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, toks, 1)
}

func TestTurnStoreOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewTurnStore()
	require.NoError(t, s.AppendMessage(ctx, storekit.Message{ID: "m1", ConversationID: "c1", Content: "hi"}))
	require.NoError(t, s.AppendMessage(ctx, storekit.Message{ID: "m2", ConversationID: "c1", Content: "there"}))
	msgs, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2"}, []string{msgs[0].ID, msgs[1].ID})
}

func TestEventStoreSequenceTracking(t *testing.T) {
	ctx := context.Background()
	s := NewEventStore()
	require.NoError(t, s.AppendEvents(ctx, []storekit.Event{
		{ID: "e1", StreamKey: "k1", Sequence: 1},
		{ID: "e2", StreamKey: "k1", Sequence: 2},
	}))
	seq, err := s.LastSequence(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, int64(2), seq)

	since, err := s.ListSince(ctx, "k1", 1, time.Time{})
	require.NoError(t, err)
	require.Len(t, since, 1)
	require.Equal(t, "e2", since[0].ID)
}
