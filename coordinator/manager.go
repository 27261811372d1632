package coordinator

import (
	"context"
	"sync"

	"goa.design/goa-ai/dispatch"
	"goa.design/goa-ai/exprlang"
	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/telemetry"
)

// ManagerOptions configures a Manager. Every Actor it creates shares these
// dependencies; only RunID varies per Actor.
type ManagerOptions struct {
	Store      storekit.WorkflowRunStore
	Defs       Definitions
	Evaluator  *exprlang.Evaluator
	Dispatcher *dispatch.Dispatcher
	Emitter    dispatch.Emitter
	Logger     telemetry.Logger
}

// Manager owns one Actor per run ID, creating it lazily on first use and
// tearing it down once a run reaches a terminal state. Grounded on
// streamer.Manager's per-stream-key registry, generalized from event
// streams to workflow runs.
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

// Actor returns the Actor for runID, creating it on first access.
func (m *Manager) Actor(runID string) (*Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[runID]; ok {
		return a, nil
	}
	a, err := New(m.baseCtx, Options{
		RunID:      runID,
		Store:      m.opts.Store,
		Defs:       m.opts.Defs,
		Evaluator:  m.opts.Evaluator,
		Dispatcher: m.opts.Dispatcher,
		Emitter:    m.opts.Emitter,
		Logger:     m.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	m.actors[runID] = a
	return a, nil
}

// Close stops and discards the Actor for runID, if one exists. Called once
// a run reaches a terminal state (completed/failed) and no further inbox
// messages are expected.
func (m *Manager) Close(runID string) {
	m.mu.Lock()
	a, ok := m.actors[runID]
	if ok {
		delete(m.actors, runID)
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
