package conversation

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

// scriptedExecutor replies to context-assembly and task dispatches with a
// caller-supplied function, simulating the engine/task infrastructure that
// completes a dispatch.Decision out of band. Kept minimal since this is a
// test double, not a production Executor.
type scriptedExecutor struct {
	mu    sync.Mutex
	reply func(d dispatch.Decision)
}

func (s *scriptedExecutor) Dispatch(_ context.Context, d dispatch.Decision) error {
	go func() {
		s.mu.Lock()
		reply := s.reply
		s.mu.Unlock()
		if reply != nil {
			reply(d)
		}
	}()
	return nil
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
	ev := storekit.Event{ID: in.ExecutionID, Sequence: r.seq, Type: in.Type, NodeID: in.NodeID, Metadata: in.Metadata}
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

// stubLLM returns scripted responses in order, one per Complete call.
type stubLLM struct {
	mu        sync.Mutex
	responses []llmResponse
	i         int
}

func (s *stubLLM) Complete(_ context.Context, _ map[string]any) (llmResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.i >= len(s.responses) {
		return llmResponse{Text: "done"}, nil
	}
	r := s.responses[s.i]
	s.i++
	return r, nil
}

func personaStore(t *testing.T, persona PersonaConfig) *defstore.Store {
	t.Helper()
	store, err := defstore.New(defstore.Options{Backend: inmem.New()})
	require.NoError(t, err)
	content, err := json.Marshal(persona)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), defstore.PutInput{
		Kind:      storekit.KindPersona,
		Name:      "test-persona",
		ProjectID: "proj-1",
		Content:   content,
	})
	require.NoError(t, err)
	return store
}

// TestActorGoldenPathSyncTool drives a whole turn end to end through the
// Actor: post a user message, let context assembly and the LLM run, have
// the LLM call a sync tool, deliver its result, and observe completion.
func TestActorGoldenPathSyncTool(t *testing.T) {
	persona := PersonaConfig{
		ContextAssemblyWorkflowID: "ctx-wf",
		Tools: []ToolSpec{
			{ID: "lookup", TargetType: dispatch.TargetTask, TargetID: "lookup-task", Async: false},
		},
	}
	personas := personaStore(t, persona)

	llm := &stubLLM{responses: []llmResponse{
		{ToolCalls: []llmToolCall{{ID: "call-1", Name: "lookup", Input: map[string]any{"q": "x"}}}},
		{Text: "the answer is 42"},
	}}

	convStore := inmem.NewConversationStore()
	turnStore := inmem.NewTurnStore()
	store := NewStore(convStore, turnStore)

	var a *Actor
	exec := &scriptedExecutor{}

	dispatcher, err := dispatch.New(dispatch.Options{Executor: exec})
	require.NoError(t, err)
	emitter := &recordingEmitter{}

	ctx := context.Background()
	a, err = New(ctx, Options{
		ConversationID: "conv-1",
		Store:          store,
		Personas:       personas,
		LLM:            llm,
		Dispatcher:     dispatcher,
		Emitter:        emitter,
	})
	require.NoError(t, err)
	defer a.Close()

	// Rewire the executor now that a is constructed: context-assembly
	// dispatches resolve immediately with an empty llmRequest, and the
	// sync tool dispatch resolves with a canned result after a short
	// delay, exercising the real async round trip instead of resolving
	// synchronously inside Dispatch.
	exec.mu.Lock()
	exec.reply = func(d dispatch.Decision) {
		switch d.TargetType {
		case dispatch.TargetWorkflow:
			turnID := d.Correlator[:len(d.Correlator)-len(":ctx")]
			_ = a.DeliverContextAssembled(context.Background(), turnID, map[string]any{}, nil)
		case dispatch.TargetTask:
			turnID, _ := d.Input["_turnId"].(string)
			_ = a.DeliverToolResult(context.Background(), turnID, d.Correlator, ToolOutcome{Output: map[string]any{"result": "ok"}})
		}
	}
	exec.mu.Unlock()

	_, err = a.StartConversation(ctx, StartConversationInput{
		ConversationID: "conv-1",
		PersonaDefID:   mustPersonaID(t, personas),
		Participants:   []storekit.Participant{{Kind: storekit.ParticipantUser, ID: "u1"}},
	})
	require.NoError(t, err)

	turn, err := a.PostUserMessage(ctx, PostUserMessageInput{Content: "look something up"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := a.GetTurn(ctx, turn.ID)
		return err == nil && got.Status == storekit.TurnCompleted
	}, time.Second, 5*time.Millisecond)

	finalTurn, err := a.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	require.Equal(t, storekit.TurnCompleted, finalTurn.Status)
	require.Equal(t, 0, finalTurn.PendingAsyncCount)

	msgs, err := turnStore.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Contains(t, msgs[len(msgs)-1].Content, "42")

	require.Contains(t, emitter.types(), "turn.completed")
}

func mustPersonaID(t *testing.T, store *defstore.Store) string {
	t.Helper()
	defs, err := store.List(context.Background(), storekit.KindPersona, "", "")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	return defs[0].ID
}

// TestActorCancelTurn exercises CancelTurn end to end: an active turn
// transitions to failed and the dispatcher forgets its outstanding
// operations so a late reply cannot resurrect it.
func TestActorCancelTurn(t *testing.T) {
	persona := PersonaConfig{ContextAssemblyWorkflowID: "ctx-wf"}
	personas := personaStore(t, persona)
	llm := &stubLLM{}
	convStore := inmem.NewConversationStore()
	turnStore := inmem.NewTurnStore()
	store := NewStore(convStore, turnStore)

	exec := &scriptedExecutor{} // never replies; turn stays parked on context assembly
	dispatcher, err := dispatch.New(dispatch.Options{Executor: exec})
	require.NoError(t, err)

	ctx := context.Background()
	a, err := New(ctx, Options{
		ConversationID: "conv-2",
		Store:          store,
		Personas:       personas,
		LLM:            llm,
		Dispatcher:     dispatcher,
	})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.StartConversation(ctx, StartConversationInput{
		ConversationID: "conv-2",
		PersonaDefID:   mustPersonaID(t, personas),
	})
	require.NoError(t, err)

	turn, err := a.PostUserMessage(ctx, PostUserMessageInput{Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, a.CancelTurn(ctx, turn.ID, "user cancelled"))

	final, err := a.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	require.Equal(t, storekit.TurnFailed, final.Status)
}
