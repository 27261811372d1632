package conversation

import (
	"context"
	"sync"

	"goa.design/goa-ai/dispatch"
	"goa.design/goa-ai/orcherr"
	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/telemetry"
)

// ManagerOptions configures a Manager. Every Actor it creates shares these
// dependencies; only the conversation ID varies per Actor.
type ManagerOptions struct {
	Store      Store
	Personas   Personas
	LLM        LLMClient
	Dispatcher *dispatch.Dispatcher
	Emitter    dispatch.Emitter
	Logger     telemetry.Logger
}

// Manager owns one Actor per conversation ID. StartConversation creates and
// registers it; Actor only returns one already registered. Grounded on coordinator.Manager/streamer.Manager's per-key registry,
// generalized from runs/stream-keys to conversations.
type Manager struct {
	mu      sync.Mutex
	opts    ManagerOptions
	actors  map[string]*Actor
	baseCtx context.Context
}

// NewManager constructs a Manager. baseCtx governs the lifetime of every
// Actor it creates; cancelling it stops all of them.
func NewManager(baseCtx context.Context, opts ManagerOptions) *Manager {
	return &Manager{opts: opts, actors: make(map[string]*Actor), baseCtx: baseCtx}
}

func (m *Manager) newActor(conversationID string) (*Actor, error) {
	return New(m.baseCtx, Options{
		ConversationID: conversationID,
		Store:          m.opts.Store,
		Personas:       m.opts.Personas,
		LLM:            m.opts.LLM,
		Dispatcher:     m.opts.Dispatcher,
		Emitter:        m.opts.Emitter,
		Logger:         m.opts.Logger,
	})
}

// Actor returns the Actor for an already-started conversationID. Returns
// KindNotFound if no conversation with that ID has been started in this
// process (e.g. after a restart with no conversation rehydration wired up).
func (m *Manager) Actor(conversationID string) (*Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[conversationID]
	if !ok {
		return nil, orcherr.New(orcherr.KindNotFound, "conversation not found").WithField("conversationId")
	}
	return a, nil
}

// StartConversation creates a fresh Actor and runs StartConversation on it,
// registering the Actor under its conversation ID on success. Used both by
// the top-level postUserMessage entry point and by Router's delegate path,
// which starts a brand-new isolated conversation per agent-targeted tool
// call.
func (m *Manager) StartConversation(ctx context.Context, in StartConversationInput) (storekit.Conversation, *Actor, error) {
	a, err := m.newActor(in.ConversationID)
	if err != nil {
		return storekit.Conversation{}, nil, err
	}
	conv, err := a.StartConversation(ctx, in)
	if err != nil {
		a.Close()
		return storekit.Conversation{}, nil, err
	}
	m.mu.Lock()
	m.actors[in.ConversationID] = a
	m.mu.Unlock()
	return conv, a, nil
}

// Close stops and discards the Actor for conversationID, if one exists.
func (m *Manager) Close(conversationID string) {
	m.mu.Lock()
	a, ok := m.actors[conversationID]
	if ok {
		delete(m.actors, conversationID)
	}
	m.mu.Unlock()
	if ok {
		a.Close()
	}
}

// CloseAll stops every live actor, used on process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	actors := m.actors
	m.actors = make(map[string]*Actor)
	m.mu.Unlock()
	for _, a := range actors {
		a.Close()
	}
}
