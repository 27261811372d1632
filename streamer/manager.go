package streamer

import (
	"context"
	"sync"
	"time"

	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/telemetry"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store            storekit.EventStore
	TraceEnabled     bool
	BatchSize        int
	FlushInterval    int64 // milliseconds; 0 uses DefaultFlushInterval
	RowsPerInsert    int
	MaxRetryAttempts int
	Logger           telemetry.Logger
}

// Manager owns one Actor per stream key, creating it lazily on first use and
// tearing it down when a run or conversation completes. Grounded on
// runtime/agent/stream's per-session registry of live publishers.
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

// Actor returns the Actor for streamKey, creating it on first access.
func (m *Manager) Actor(streamKey string) (*Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[streamKey]; ok {
		return a, nil
	}
	var flushInterval time.Duration
	if m.opts.FlushInterval > 0 {
		flushInterval = time.Duration(m.opts.FlushInterval) * time.Millisecond
	}
	a, err := New(m.baseCtx, Options{
		StreamKey:        streamKey,
		Store:            m.opts.Store,
		TraceEnabled:     m.opts.TraceEnabled,
		BatchSize:        m.opts.BatchSize,
		FlushInterval:    flushInterval,
		RowsPerInsert:    m.opts.RowsPerInsert,
		MaxRetryAttempts: m.opts.MaxRetryAttempts,
		Logger:           m.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	m.actors[streamKey] = a
	return a, nil
}

// Close stops and discards the Actor for streamKey, if one exists. Called
// once a workflow run or conversation reaches a terminal state and its
// subscribers have drained.
func (m *Manager) Close(streamKey string) {
	m.mu.Lock()
	a, ok := m.actors[streamKey]
	if ok {
		delete(m.actors, streamKey)
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
