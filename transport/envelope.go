// Package transport implements the wire-level framing and subscription
// filtering shared by whatever WebSocket or SSE server a deployment fronts
// the Event/Trace Streamer with (§6 "Wire-level event envelope"). It
// produces and parses the envelope shapes themselves; it does not open a
// socket or listen on a port. Grounded on
// runtime/agent/stream's Subscriber (translate internal events, hand bytes
// to a caller-supplied sink) and streamer.Sink/Filter, generalized from one
// fixed set of hook-event translations to the full `storekit.Event`/
// `storekit.TraceEvent` wire shape this spec's streamer emits.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/streamer"
)

// Stream names the two wire-level channels a subscription can select.
type Stream string

const (
	StreamEvents Stream = "events"
	StreamTrace  Stream = "trace"
)

// Envelope is the wire-level payload WebSocket and SSE transports both
// emit, per §6: `{type: "event", stream, subscriptionId, event: {...}}`.
type Envelope struct {
	Type           string          `json:"type"`
	Stream         Stream          `json:"stream,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Event          json.RawMessage `json:"event,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// ErrorEnvelope frames a subscription-level failure: `{type: "error",
// message}`.
func ErrorEnvelope(message string) Envelope {
	return Envelope{Type: "error", Message: message}
}

// eventWire and traceWire name their fields the way §6's envelope spells
// them ("streamId", "eventType") rather than storekit's own Go/bson naming,
// so the two stay free to diverge without a wire break.
type eventWire struct {
	ID            string                 `json:"id"`
	Sequence      int64                  `json:"sequence"`
	Timestamp     time.Time              `json:"timestamp"`
	StreamID      string                 `json:"streamId"`
	ExecutionID   string                 `json:"executionId"`
	ExecutionType storekit.ExecutionType `json:"executionType"`
	EventType     string                 `json:"eventType"`
	NodeID        string                 `json:"nodeId,omitempty"`
	TokenID       string                 `json:"tokenId,omitempty"`
	Metadata      map[string]any         `json:"metadata,omitempty"`
}

type traceWire struct {
	ID            string                 `json:"id"`
	Sequence      int64                  `json:"sequence"`
	Timestamp     time.Time              `json:"timestamp"`
	StreamID      string                 `json:"streamId"`
	ExecutionID   string                 `json:"executionId"`
	ExecutionType storekit.ExecutionType `json:"executionType"`
	Category      storekit.TraceCategory `json:"category"`
	EventType     string                 `json:"type"`
	DurationMs    int64                  `json:"durationMs,omitempty"`
	Payload       json.RawMessage        `json:"payload,omitempty"`
}

// FrameMessage turns a streamer.Message broadcast to one subscription into
// its wire Envelope. msg.Event xor msg.Trace is set, matching
// streamer.Message's own invariant.
func FrameMessage(subscriptionID string, msg streamer.Message) (Envelope, error) {
	switch {
	case msg.Event != nil:
		raw, err := json.Marshal(eventWire{
			ID: msg.Event.ID, Sequence: msg.Event.Sequence, Timestamp: msg.Event.Timestamp,
			StreamID: msg.Event.StreamKey, ExecutionID: msg.Event.ExecutionID,
			ExecutionType: msg.Event.ExecutionType, EventType: msg.Event.Type,
			NodeID: msg.Event.NodeID, TokenID: msg.Event.TokenID, Metadata: msg.Event.Metadata,
		})
		if err != nil {
			return Envelope{}, fmt.Errorf("transport: marshal event: %w", err)
		}
		return Envelope{Type: "event", Stream: StreamEvents, SubscriptionID: subscriptionID, Event: raw}, nil
	case msg.Trace != nil:
		raw, err := json.Marshal(traceWire{
			ID: msg.Trace.ID, Sequence: msg.Trace.Sequence, Timestamp: msg.Trace.Timestamp,
			StreamID: msg.Trace.StreamKey, ExecutionID: msg.Trace.ExecutionID,
			ExecutionType: msg.Trace.ExecutionType, Category: msg.Trace.Category,
			EventType: msg.Trace.Type, DurationMs: msg.Trace.DurationMs, Payload: msg.Trace.Payload,
		})
		if err != nil {
			return Envelope{}, fmt.Errorf("transport: marshal trace event: %w", err)
		}
		return Envelope{Type: "event", Stream: StreamTrace, SubscriptionID: subscriptionID, Event: raw}, nil
	default:
		return Envelope{}, fmt.Errorf("transport: streamer.Message carries neither an event nor a trace event")
	}
}
