// Package streamer implements the Event/Trace Streamer: one actor per
// stream key (workflow-run-id or conversation-id) that assigns
// monotonic sequence numbers, batches events to durable storage, and fans
// out to live subscribers. Grounded on features/stream/pulse's Sink/
// Subscriber split (publish vs. consume as separate small interfaces) and
// runtime/agent/stream's per-session broadcast loop, generalized from a
// single Pulse-backed transport to an engine-agnostic actor that can be
// fronted by WebSocket, SSE, or Pulse.
package streamer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/telemetry"
)

var errActorClosed = errors.New("streamer: actor closed")

// Tuning defaults.
const (
	DefaultBatchSize        = 50
	DefaultFlushInterval    = 50 * time.Millisecond
	DefaultRowsPerInsert    = 7
	DefaultMaxRetryAttempts = 3
	DefaultHistoryWindow    = 5 * time.Minute
)

// EventInput is the caller-supplied shape of a new Event, before a sequence
// number and timestamp are assigned.
type EventInput struct {
	ExecutionID   string
	ExecutionType storekit.ExecutionType
	ProjectID     string
	Type          string
	NodeID        string
	TokenID       string
	Metadata      map[string]any
}

// TraceInput is the caller-supplied shape of a new TraceEvent.
type TraceInput struct {
	ExecutionID   string
	ExecutionType storekit.ExecutionType
	Category      storekit.TraceCategory
	Type          string
	DurationMs    int64
	Payload       []byte
}

// Message is the wire-agnostic notification handed to a Sink on broadcast;
// transport packages (WebSocket, SSE, Pulse) translate it into their own
// wire envelope.
type Message struct {
	Stream string // "events" or "trace"
	Event  *storekit.Event
	Trace  *storekit.TraceEvent
}

// Sink receives broadcast messages for one subscription. Deliver returning
// an error causes the subscription to be dropped: delivery failure to a
// subscriber removes it from the broadcast set.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// Options configures an Actor.
type Options struct {
	StreamKey        string
	Store            storekit.EventStore
	TraceEnabled     bool
	BatchSize        int
	FlushInterval    time.Duration
	RowsPerInsert    int
	MaxRetryAttempts int
	HistoryWindow    time.Duration
	Logger           telemetry.Logger
}

type subscription struct {
	id     string
	filter Filter
	sink   Sink
}

// Actor is the per-stream-key Event/Trace Streamer. All mutable state is
// touched only from the run loop goroutine, giving it single-threaded,
// atomic-tick semantics without a separate mutex guarding every field (the
// public methods instead round-trip through the cmds channel).
type Actor struct {
	streamKey        string
	store            storekit.EventStore
	traceEnabled     bool
	batchSize        int
	flushInterval    time.Duration
	rowsPerInsert    int
	maxRetryAttempts int
	historyWindow    time.Duration
	logger           telemetry.Logger

	cmds chan func(a *actorState)
	done chan struct{}
}

// actorState holds the fields only ever mutated inside the run loop.
type actorState struct {
	a *Actor

	eventSeq int64
	traceSeq int64

	eventBuf []storekit.Event
	traceBuf []storekit.TraceEvent

	retryCount int
	flushTimer *time.Timer

	subs map[string]subscription

	history []storekit.Event
}

// New constructs and starts an Actor for streamKey. ctx governs the actor's
// lifetime; cancel it (or call Close) to stop the run loop.
func New(ctx context.Context, opts Options) (*Actor, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	rowsPerInsert := opts.RowsPerInsert
	if rowsPerInsert <= 0 {
		rowsPerInsert = DefaultRowsPerInsert
	}
	maxRetry := opts.MaxRetryAttempts
	if maxRetry <= 0 {
		maxRetry = DefaultMaxRetryAttempts
	}
	historyWindow := opts.HistoryWindow
	if historyWindow <= 0 {
		historyWindow = DefaultHistoryWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	a := &Actor{
		streamKey:        opts.StreamKey,
		store:            opts.Store,
		traceEnabled:     opts.TraceEnabled,
		batchSize:        batchSize,
		flushInterval:    flushInterval,
		rowsPerInsert:    rowsPerInsert,
		maxRetryAttempts: maxRetry,
		historyWindow:    historyWindow,
		logger:           logger,
		cmds:             make(chan func(a *actorState), 256),
		done:             make(chan struct{}),
	}

	st := &actorState{a: a, subs: make(map[string]subscription)}
	if a.store != nil {
		seq, err := a.store.LastSequence(ctx, a.streamKey)
		if err != nil {
			return nil, err
		}
		st.eventSeq = seq
		if a.traceEnabled {
			tseq, err := a.store.LastTraceSequence(ctx, a.streamKey)
			if err != nil {
				return nil, err
			}
			st.traceSeq = tseq
		}
	}

	go a.run(ctx, st)
	return a, nil
}

func (a *Actor) run(ctx context.Context, st *actorState) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			st.flushNow(ctx)
			return
		case cmd, ok := <-a.cmds:
			if !ok {
				st.flushNow(ctx)
				return
			}
			cmd(st)
		}
	}
}

// exec submits fn to the run loop and blocks until it has executed,
// preserving the single-inbox-message-at-a-time contract.
func (a *Actor) exec(ctx context.Context, fn func(st *actorState)) error {
	done := make(chan struct{})
	wrapped := func(st *actorState) {
		fn(st)
		close(done)
	}
	select {
	case a.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return errActorClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitEvent assigns the next sequence number, persists (or buffers) it, and
// broadcasts it to matching subscribers.
func (a *Actor) EmitEvent(ctx context.Context, in EventInput) (storekit.Event, error) {
	var out storekit.Event
	err := a.exec(ctx, func(st *actorState) {
		st.eventSeq++
		out = storekit.Event{
			ID:            uuid.NewString(),
			StreamKey:     a.streamKey,
			ExecutionID:   in.ExecutionID,
			ExecutionType: in.ExecutionType,
			ProjectID:     in.ProjectID,
			Sequence:      st.eventSeq,
			Type:          in.Type,
			Timestamp:     time.Now().UTC(),
			NodeID:        in.NodeID,
			TokenID:       in.TokenID,
			Metadata:      in.Metadata,
		}
		st.eventBuf = append(st.eventBuf, out)
		st.appendHistory(out)
		st.broadcastEvent(ctx, out)
		st.maybeFlush(ctx)
	})
	return out, err
}

// EmitTrace assigns the next trace sequence number and buffers/broadcasts
// it. A no-op (sequence not advanced) when TraceEnabled is false.
func (a *Actor) EmitTrace(ctx context.Context, in TraceInput) (storekit.TraceEvent, error) {
	if !a.traceEnabled {
		return storekit.TraceEvent{}, nil
	}
	var out storekit.TraceEvent
	err := a.exec(ctx, func(st *actorState) {
		st.traceSeq++
		out = storekit.TraceEvent{
			ID:            uuid.NewString(),
			StreamKey:     a.streamKey,
			ExecutionID:   in.ExecutionID,
			ExecutionType: in.ExecutionType,
			Sequence:      st.traceSeq,
			Category:      in.Category,
			Type:          in.Type,
			Timestamp:     time.Now().UTC(),
			DurationMs:    in.DurationMs,
			Payload:       in.Payload,
		}
		st.traceBuf = append(st.traceBuf, out)
		st.broadcastTrace(ctx, out)
		st.maybeFlush(ctx)
	})
	return out, err
}

// Subscribe registers sink to receive messages matching filter and returns
// a subscription ID for Unsubscribe.
func (a *Actor) Subscribe(ctx context.Context, filter Filter, sink Sink) (string, error) {
	id := uuid.NewString()
	err := a.exec(ctx, func(st *actorState) {
		st.subs[id] = subscription{id: id, filter: filter, sink: sink}
	})
	return id, err
}

// Unsubscribe removes a subscription.
func (a *Actor) Unsubscribe(ctx context.Context, id string) error {
	return a.exec(ctx, func(st *actorState) {
		delete(st.subs, id)
	})
}

// History returns buffered events from the last HistoryWindow matching
// filter, for a reconnecting subscriber's `type=history` initial payload.
func (a *Actor) History(ctx context.Context, filter Filter) ([]storekit.Event, error) {
	var out []storekit.Event
	err := a.exec(ctx, func(st *actorState) {
		cutoff := time.Now().Add(-a.historyWindow)
		for _, e := range st.history {
			if e.Timestamp.Before(cutoff) {
				continue
			}
			if filter.MatchesEvent(a.streamKey, e) {
				out = append(out, e)
			}
		}
	})
	return out, err
}

// Close stops the run loop after flushing any buffered events.
func (a *Actor) Close() {
	close(a.cmds)
	<-a.done
}

func (st *actorState) appendHistory(e storekit.Event) {
	st.history = append(st.history, e)
	cutoff := time.Now().Add(-st.a.historyWindow)
	i := 0
	for i < len(st.history) && st.history[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.history = st.history[i:]
	}
}

func (st *actorState) broadcastEvent(ctx context.Context, e storekit.Event) {
	for id, sub := range st.subs {
		if !sub.filter.MatchesEvent(st.a.streamKey, e) {
			continue
		}
		if err := sub.sink.Deliver(ctx, Message{Stream: "events", Event: &e}); err != nil {
			st.a.logger.Warn(ctx, "streamer: dropping subscriber after delivery failure", "subscription_id", id, "error", err)
			delete(st.subs, id)
		}
	}
}

func (st *actorState) broadcastTrace(ctx context.Context, e storekit.TraceEvent) {
	for id, sub := range st.subs {
		if !sub.filter.MatchesTrace(st.a.streamKey, e) {
			continue
		}
		if err := sub.sink.Deliver(ctx, Message{Stream: "trace", Trace: &e}); err != nil {
			st.a.logger.Warn(ctx, "streamer: dropping subscriber after delivery failure", "subscription_id", id, "error", err)
			delete(st.subs, id)
		}
	}
}

// maybeFlush triggers an immediate flush once the combined buffer reaches
// BatchSize, otherwise arms the flush timer if one isn't already pending.
func (st *actorState) maybeFlush(ctx context.Context) {
	if len(st.eventBuf)+len(st.traceBuf) >= st.a.batchSize {
		if st.flushTimer != nil {
			st.flushTimer.Stop()
			st.flushTimer = nil
		}
		st.flushNow(ctx)
		return
	}
	st.armFlushTimer()
}

func (st *actorState) armFlushTimer() {
	if st.flushTimer != nil {
		return
	}
	st.flushTimer = time.AfterFunc(st.a.flushInterval, func() {
		select {
		case st.a.cmds <- func(s *actorState) {
			s.flushTimer = nil
			s.flushNow(context.Background())
		}:
		case <-st.a.done:
		}
	})
}

// flushNow performs a chunked multi-row insert against the durable store,
// falling back to a drop-after-max-retries lossy path when persistence
// keeps failing.
func (st *actorState) flushNow(ctx context.Context) {
	if len(st.eventBuf) == 0 && len(st.traceBuf) == 0 {
		return
	}
	if st.a.store == nil {
		st.eventBuf = nil
		st.traceBuf = nil
		st.retryCount = 0
		return
	}
	if err := st.persist(ctx); err != nil {
		st.retryCount++
		if st.retryCount >= st.a.maxRetryAttempts {
			st.a.logger.Error(ctx, "streamer: dropping batch after max retry attempts",
				"stream_key", st.a.streamKey, "events", len(st.eventBuf), "traces", len(st.traceBuf), "error", err)
			st.eventBuf = nil
			st.traceBuf = nil
			st.retryCount = 0
			return
		}
		st.armFlushTimer()
		return
	}
	st.eventBuf = nil
	st.traceBuf = nil
	st.retryCount = 0
}

func (st *actorState) persist(ctx context.Context) error {
	for i := 0; i < len(st.eventBuf); i += st.a.rowsPerInsert {
		end := i + st.a.rowsPerInsert
		if end > len(st.eventBuf) {
			end = len(st.eventBuf)
		}
		if err := st.a.store.AppendEvents(ctx, st.eventBuf[i:end]); err != nil {
			return err
		}
	}
	for i := 0; i < len(st.traceBuf); i += st.a.rowsPerInsert {
		end := i + st.a.rowsPerInsert
		if end > len(st.traceBuf) {
			end = len(st.traceBuf)
		}
		if err := st.a.store.AppendTraceEvents(ctx, st.traceBuf[i:end]); err != nil {
			return err
		}
	}
	return nil
}
