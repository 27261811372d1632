package defstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/goa-ai/storekit"
	storeinmem "goa.design/goa-ai/storekit/inmem"
)

func simpleGraph() *WorkflowGraphInput {
	return &WorkflowGraphInput{
		Nodes: []NodeInput{
			{Ref: "start", Name: "Start"},
			{Ref: "end", Name: "End"},
		},
		Transitions: []TransitionInput{
			{FromNodeRef: "start", ToNodeRef: "end", Priority: 0},
		},
		InitialNodeRef: "start",
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{Backend: storeinmem.New()})
	require.NoError(t, err)
	return s
}

func TestPutRejectsOwnershipViolation(t *testing.T) {
	s := newStore(t)
	_, err := s.Put(context.Background(), PutInput{
		Kind: storekit.KindWorkflow, Name: "wf", Graph: simpleGraph(),
	})
	require.Error(t, err)
}

func TestPutValidatesGraph(t *testing.T) {
	s := newStore(t)
	g := simpleGraph()
	g.InitialNodeRef = "missing"
	_, err := s.Put(context.Background(), PutInput{
		Kind: storekit.KindWorkflow, Name: "wf", ProjectID: "p1", Graph: g,
	})
	require.Error(t, err)
}

func TestPutRejectsUndeclaredSiblingGroup(t *testing.T) {
	s := newStore(t)
	g := simpleGraph()
	g.Transitions[0].Synchronization = &SynchronizationInput{Strategy: "all", SiblingGroup: "G"}
	_, err := s.Put(context.Background(), PutInput{
		Kind: storekit.KindWorkflow, Name: "wf", ProjectID: "p1", Graph: g,
	})
	require.Error(t, err)
}

func TestAutoversionRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	in := PutInput{Kind: storekit.KindWorkflow, Name: "wf", ProjectID: "p1", Graph: simpleGraph(), Autoversion: true}

	first, err := s.Put(ctx, in)
	require.NoError(t, err)
	require.False(t, first.Reused)
	require.Equal(t, 1, first.Definition.Version)

	// Resubmit an equivalent graph (reordered slice) - should dedup.
	reordered := simpleGraph()
	reordered.Nodes[0], reordered.Nodes[1] = reordered.Nodes[1], reordered.Nodes[0]
	second, err := s.Put(ctx, PutInput{Kind: storekit.KindWorkflow, Name: "wf", ProjectID: "p1", Graph: reordered, Autoversion: true})
	require.NoError(t, err)
	require.True(t, second.Reused)
	require.Equal(t, first.Definition.Version, second.Definition.Version)
	require.Equal(t, first.Definition.Version, second.LatestVersion)

	// A structural change bumps the version.
	changed := simpleGraph()
	changed.Transitions[0].Priority = 5
	third, err := s.Put(ctx, PutInput{Kind: storekit.KindWorkflow, Name: "wf", ProjectID: "p1", Graph: changed, Autoversion: true})
	require.NoError(t, err)
	require.False(t, third.Reused)
	require.Equal(t, first.Definition.Version+1, third.Definition.Version)
}

func TestPutWithoutAutoversionRejectsCollision(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	in := PutInput{Kind: storekit.KindWorkflow, Name: "wf", ProjectID: "p1", Graph: simpleGraph()}
	_, err := s.Put(ctx, in)
	require.NoError(t, err)

	_, err = s.Put(ctx, in)
	require.Error(t, err)

	in.Force = true
	res, err := s.Put(ctx, in)
	require.NoError(t, err)
	require.Equal(t, 1, res.Definition.Version)
}

func TestGetByReferenceAndGraph(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	res, err := s.Put(ctx, PutInput{Kind: storekit.KindWorkflow, Name: "wf", ProjectID: "p1", Graph: simpleGraph(), Autoversion: true})
	require.NoError(t, err)

	got, err := s.GetByReference(ctx, storekit.KindWorkflow, "wf", "p1")
	require.NoError(t, err)
	require.Equal(t, res.Definition.ID, got.ID)

	nodes, transitions, err := s.Graph(ctx, got.ID, got.Version)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Len(t, transitions, 1)
}

func TestConditionSourceRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	g := simpleGraph()
	g.Transitions[0].Condition = `state.count > 2`
	res, err := s.Put(ctx, PutInput{Kind: storekit.KindWorkflow, Name: "wf", ProjectID: "p1", Graph: g})
	require.NoError(t, err)

	_, transitions, err := s.Graph(ctx, res.Definition.ID, res.Definition.Version)
	require.NoError(t, err)
	src, err := ConditionSource(transitions[0].Condition)
	require.NoError(t, err)
	require.Equal(t, "state.count > 2", src)
}
