package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/goa-ai/defstore"
	"goa.design/goa-ai/dispatch"
	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/storekit/inmem"
	"goa.design/goa-ai/streamer"
)

// recordingExecutor captures every dispatch.Decision handed to it so a test
// can assert on what the coordinator chose to call, then deliver results
// back through the Actor itself.
type recordingExecutor struct {
	mu   sync.Mutex
	sent []dispatch.Decision
}

func (r *recordingExecutor) Dispatch(_ context.Context, d dispatch.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, d)
	return nil
}

func (r *recordingExecutor) decisions() []dispatch.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dispatch.Decision, len(r.sent))
	copy(out, r.sent)
	return out
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []storekit.Event
	seq    int64
}

func (r *recordingEmitter) EmitEvent(_ context.Context, in streamer.EventInput) (storekit.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev := storekit.Event{ID: in.ExecutionID, Sequence: r.seq, Type: in.Type, NodeID: in.NodeID, TokenID: in.TokenID, Metadata: in.Metadata}
	r.events = append(r.events, ev)
	return ev, nil
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// fanOutGraph builds a workflow that fans out into two parallel branches and
// merges them by appending each branch's output into output.results.
func fanOutGraph(t *testing.T) *defstore.Store {
	t.Helper()
	store, err := defstore.New(defstore.Options{Backend: inmem.New()})
	require.NoError(t, err)

	res, err := store.Put(context.Background(), defstore.PutInput{
		Kind:      storekit.KindWorkflow,
		Name:      "fan-out-merge",
		ProjectID: "proj-1",
		Graph: &defstore.WorkflowGraphInput{
			InitialNodeRef: "start",
			Nodes: []defstore.NodeInput{
				{Ref: "start", Name: "start", TaskID: "task.start"},
				{Ref: "work", Name: "work", TaskID: "task.work"},
				{Ref: "end", Name: "end"},
			},
			Transitions: []defstore.TransitionInput{
				{
					Ref: "fan-out", FromNodeRef: "start", ToNodeRef: "work",
					SpawnCount: 2, SiblingGroup: "branches",
				},
				{
					Ref: "fan-in", FromNodeRef: "work", ToNodeRef: "end",
					Synchronization: &defstore.SynchronizationInput{
						Strategy:     "all",
						SiblingGroup: "branches",
						Merge: &storekit.Merge{
							Source:   "_branch.output",
							Target:   "output.results",
							Strategy: storekit.MergeAppend,
						},
					},
				},
			},
		},
	})
	require.NoError(t, err)
	require.False(t, res.Reused)
	return store
}

func newTestActor(t *testing.T, defs *defstore.Store, runStore storekit.WorkflowRunStore, exec *recordingExecutor, emit *recordingEmitter) (*Actor, context.Context) {
	t.Helper()
	ctx := context.Background()
	disp, err := dispatch.New(dispatch.Options{Executor: exec})
	require.NoError(t, err)
	a, err := New(ctx, Options{
		RunID:      "run-1",
		Store:      runStore,
		Defs:       defs,
		Dispatcher: disp,
		Emitter:    emit,
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, ctx
}

func TestStartRunDispatchesInitialTask(t *testing.T) {
	defs := fanOutGraph(t)
	runStore := inmem.NewWorkflowRunStore()
	exec := &recordingExecutor{}
	emit := &recordingEmitter{}
	a, ctx := newTestActor(t, defs, runStore, exec, emit)

	def, err := defs.GetByReference(ctx, storekit.KindWorkflow, "fan-out-merge", "proj-1")
	require.NoError(t, err)

	run, err := a.StartRun(ctx, StartRunInput{RunID: "run-1", DefID: def.ID, Version: def.Version, Input: map[string]any{}})
	require.NoError(t, err)
	require.Equal(t, storekit.RunRunning, run.Status)

	decisions := exec.decisions()
	require.Len(t, decisions, 1)
	require.Equal(t, "task.start", decisions[0].TargetID)
	require.Contains(t, emit.types(), "workflow.started")
}

func TestFanOutFanInMergesBranchOutputs(t *testing.T) {
	defs := fanOutGraph(t)
	runStore := inmem.NewWorkflowRunStore()
	exec := &recordingExecutor{}
	emit := &recordingEmitter{}
	a, ctx := newTestActor(t, defs, runStore, exec, emit)

	def, err := defs.GetByReference(ctx, storekit.KindWorkflow, "fan-out-merge", "proj-1")
	require.NoError(t, err)

	_, err = a.StartRun(ctx, StartRunInput{RunID: "run-1", DefID: def.ID, Version: def.Version, Input: map[string]any{}})
	require.NoError(t, err)

	startDecision := exec.decisions()[0]
	run, err := a.DeliverResult(ctx, startDecision.Correlator, map[string]any{"ok": true}, nil)
	require.NoError(t, err)
	require.Equal(t, storekit.RunRunning, run.Status)

	branchDecisions := exec.decisions()[1:]
	require.Len(t, branchDecisions, 2)

	for i, d := range branchDecisions {
		run, err = a.DeliverResult(ctx, d.Correlator, map[string]any{"n": i}, nil)
		require.NoError(t, err)
	}

	require.Equal(t, storekit.RunCompleted, run.Status)
	results, ok := run.Context.Output["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	require.Contains(t, emit.types(), "fan_in.completed")
	require.Contains(t, emit.types(), "branches.merged")
	require.Contains(t, emit.types(), "workflow.completed")

	persisted, err := runStore.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, storekit.RunCompleted, persisted.Status)
}

func TestCancelFailsRunAndAbandonsOutstanding(t *testing.T) {
	defs := fanOutGraph(t)
	runStore := inmem.NewWorkflowRunStore()
	exec := &recordingExecutor{}
	emit := &recordingEmitter{}
	a, ctx := newTestActor(t, defs, runStore, exec, emit)

	def, err := defs.GetByReference(ctx, storekit.KindWorkflow, "fan-out-merge", "proj-1")
	require.NoError(t, err)
	_, err = a.StartRun(ctx, StartRunInput{RunID: "run-1", DefID: def.ID, Version: def.Version, Input: map[string]any{}})
	require.NoError(t, err)

	run, err := a.Cancel(ctx, "user requested")
	require.NoError(t, err)
	require.Equal(t, storekit.RunFailed, run.Status)
	require.Contains(t, emit.types(), "workflow.failed")
}

func TestSynchronizationTimeoutFailsRunWhenConfigured(t *testing.T) {
	store, err := defstore.New(defstore.Options{Backend: inmem.New()})
	require.NoError(t, err)
	res, err := store.Put(context.Background(), defstore.PutInput{
		Kind:      storekit.KindWorkflow,
		Name:      "timeout-fail",
		ProjectID: "proj-1",
		Graph: &defstore.WorkflowGraphInput{
			InitialNodeRef: "start",
			Nodes: []defstore.NodeInput{
				{Ref: "start", Name: "start", TaskID: "task.start"},
				{Ref: "work", Name: "work", TaskID: "task.work"},
				{Ref: "end", Name: "end"},
			},
			Transitions: []defstore.TransitionInput{
				{Ref: "fan-out", FromNodeRef: "start", ToNodeRef: "work", SpawnCount: 2, SiblingGroup: "branches"},
				{
					Ref: "fan-in", FromNodeRef: "work", ToNodeRef: "end",
					Synchronization: &defstore.SynchronizationInput{
						Strategy: "all", SiblingGroup: "branches",
						TimeoutMs: 20, OnTimeout: storekit.OnTimeoutFail,
					},
				},
			},
		},
	})
	require.NoError(t, err)

	runStore := inmem.NewWorkflowRunStore()
	exec := &recordingExecutor{}
	emit := &recordingEmitter{}
	a, ctx := newTestActor(t, store, runStore, exec, emit)

	_, err = a.StartRun(ctx, StartRunInput{RunID: "run-1", DefID: res.Definition.ID, Version: res.Definition.Version, Input: map[string]any{}})
	require.NoError(t, err)

	startDecision := exec.decisions()[0]
	_, err = a.DeliverResult(ctx, startDecision.Correlator, map[string]any{}, nil)
	require.NoError(t, err)

	branchDecisions := exec.decisions()[1:]
	require.Len(t, branchDecisions, 2)
	// Only resolve one branch; the other never arrives, so the
	// synchronization's timeout must fire and fail the run.
	_, err = a.DeliverResult(ctx, branchDecisions[0].Correlator, map[string]any{}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, gerr := a.GetRun(ctx)
		return gerr == nil && run.Status == storekit.RunFailed
	}, time.Second, 5*time.Millisecond)
}

func TestValidateAgainstSchemaRejectsBadInput(t *testing.T) {
	schema, err := json.Marshal(map[string]any{
		"type":     "object",
		"required": []string{"name"},
	})
	require.NoError(t, err)
	err = validateAgainstSchema(schema, "inputSchema", map[string]any{})
	require.Error(t, err)

	err = validateAgainstSchema(schema, "inputSchema", map[string]any{"name": "ok"})
	require.NoError(t, err)
}
