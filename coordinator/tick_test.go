package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/goa-ai/exprlang"
	"goa.design/goa-ai/orcherr"
	"goa.design/goa-ai/storekit"
)

func newTickCtx() *tickCtx {
	return &tickCtx{ev: exprlang.New(), now: time.Now().UTC()}
}

func emptyRunContext() storekit.RunContext {
	return storekit.RunContext{Input: map[string]any{}, State: map[string]any{}, Output: map[string]any{}}
}

// TestDrainFailsRunOnLoopLimitExceeded exercises a self-looping transition
// whose loopConfig.maxIterations is exhausted: the second iteration must
// fail the run with KindLoopLimitExceeded rather than looping forever.
func TestDrainFailsRunOnLoopLimitExceeded(t *testing.T) {
	graph := Graph{
		Nodes: []storekit.Node{{ID: "loop"}},
		Transitions: []storekit.Transition{
			{ID: "t1", FromNodeID: "loop", ToNodeID: "loop", LoopConfig: &storekit.LoopConfig{MaxIterations: 1}},
		},
		InitialNodeID: "loop",
	}
	st := &runState{
		run:    storekit.WorkflowRun{ID: "r1", Status: storekit.RunRunning, Context: emptyRunContext()},
		graph:  graph,
		tokens: map[string]storekit.Token{"tok1": {ID: "tok1", RunID: "r1", NodeID: "loop", Status: storekit.TokenPending}},
	}
	tc := newTickCtx()

	require.NoError(t, drain(st, tc))

	require.Equal(t, storekit.RunFailed, st.run.Status)
	kindSeen := false
	for _, e := range tc.events {
		if e.Type == "workflow.failed" {
			if reason, _ := e.Metadata["reason"].(string); reason == string(orcherr.KindLoopLimitExceeded) {
				kindSeen = true
			}
		}
	}
	require.True(t, kindSeen, "expected a workflow.failed event tagged with the loop_limit_exceeded reason")
}

// TestFireTimeoutProceedsWithAvailable exercises a synchronization whose
// onTimeout is proceed_with_available: once the timer fires, the single
// arrived sibling's output is merged and the still-running sibling is
// cancelled.
func TestFireTimeoutProceedsWithAvailable(t *testing.T) {
	graph := Graph{
		Nodes: []storekit.Node{{ID: "work"}, {ID: "end"}},
		Transitions: []storekit.Transition{
			{
				ID: "fan-in", FromNodeID: "work", ToNodeID: "end",
				Synchronization: &storekit.Synchronization{
					Strategy: storekit.SyncAll, SiblingGroup: "g1",
					Merge:     &storekit.Merge{Source: "_branch.output", Target: "output.results", Strategy: storekit.MergeAppend},
					OnTimeout: storekit.OnTimeoutProceedWithAvailable,
				},
			},
		},
	}
	parentID := "parent-1"
	waiting := storekit.Token{
		ID: "waiting-1", RunID: "r1", NodeID: "work", Status: storekit.TokenWaiting,
		ParentTokenID: parentID, FanOutTransitionID: "fan-out-1", BranchIndex: 0,
		BranchStore: map[string]any{"output": map[string]any{"n": 0}},
	}
	slowpoke := storekit.Token{
		ID: "slow-1", RunID: "r1", NodeID: "work", Status: storekit.TokenDispatched,
		ParentTokenID: parentID, FanOutTransitionID: "fan-out-1", BranchIndex: 1,
	}
	st := &runState{
		run:   storekit.WorkflowRun{ID: "r1", Status: storekit.RunRunning, Context: emptyRunContext()},
		graph: graph,
		tokens: map[string]storekit.Token{
			waiting.ID:  waiting,
			slowpoke.ID: slowpoke,
		},
	}
	tc := newTickCtx()

	require.NoError(t, fireTimeout(st, "fan-in", tc))

	require.Equal(t, storekit.RunCompleted, st.run.Status)
	require.Equal(t, storekit.TokenCancelled, st.tokens[slowpoke.ID].Status)
	results, ok := st.run.Context.Output["results"].([]any)
	require.True(t, ok)
	require.Equal(t, []any{map[string]any{"n": 0}}, results)
}

// TestFireTimeoutFailsRunWhenConfigured exercises onTimeout=fail: the run
// must transition to failed with KindSynchronizationTimeout, and the
// waiting token must not be silently merged.
func TestFireTimeoutFailsRunWhenConfigured(t *testing.T) {
	graph := Graph{
		Transitions: []storekit.Transition{
			{
				ID: "fan-in", FromNodeID: "work", ToNodeID: "end",
				Synchronization: &storekit.Synchronization{
					Strategy: storekit.SyncAll, SiblingGroup: "g1", OnTimeout: storekit.OnTimeoutFail,
				},
			},
		},
	}
	waiting := storekit.Token{ID: "waiting-1", RunID: "r1", NodeID: "work", Status: storekit.TokenWaiting}
	st := &runState{
		run:    storekit.WorkflowRun{ID: "r1", Status: storekit.RunRunning, Context: emptyRunContext()},
		graph:  graph,
		tokens: map[string]storekit.Token{waiting.ID: waiting},
	}
	tc := newTickCtx()

	require.NoError(t, fireTimeout(st, "fan-in", tc))

	require.Equal(t, storekit.RunFailed, st.run.Status)
	require.Equal(t, storekit.TokenFailed, st.tokens[waiting.ID].Status)
}

// TestEvaluateSyncTreatsWaitingAsParticipant guards against a regression
// where a token already parked Waiting on a fan-in stopped counting as
// arrived once a later sibling's completion re-evaluated the predicate.
func TestEvaluateSyncTreatsWaitingAsParticipant(t *testing.T) {
	sync := &storekit.Synchronization{Strategy: storekit.SyncAll, SiblingGroup: "g1"}
	siblings := []storekit.Token{
		{ID: "a", Status: storekit.TokenWaiting, BranchIndex: 0},
		{ID: "b", Status: storekit.TokenCompleted, BranchIndex: 1},
	}
	outcome := evaluateSync(sync, siblings)
	require.True(t, outcome.Satisfied)
	require.Len(t, outcome.Participants, 2)
	require.Empty(t, outcome.Pending)
}
