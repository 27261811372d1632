package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/streamer"
)

// SubscriptionRequest is the client-to-server control message §6 names for
// WebSocket subscriptions: `{type: "subscribe"|"unsubscribe", id, stream,
// filters}`. SSE carries the same filter fields as query parameters instead
// (ParseSSEQuery builds the equivalent streamer.Filter from those).
type SubscriptionRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Stream  Stream          `json:"stream"`
	Filters json.RawMessage `json:"filters"`
}

// filterWire mirrors streamer.Filter's fields under their wire names; a
// subscription's filters object is optional and every field within it is
// optional, matching streamer.Filter's own all-fields-optional contract.
type filterWire struct {
	StreamID      string                 `json:"streamId"`
	ExecutionID   string                 `json:"executionId"`
	ExecutionType storekit.ExecutionType `json:"executionType"`
	ProjectID     string                 `json:"projectId"`
	EventType     string                 `json:"eventType"`
	EventTypes    []string               `json:"eventTypes"`
	NodeID        string                 `json:"nodeId"`
	TokenID       string                 `json:"tokenId"`
	Category      storekit.TraceCategory `json:"category"`
	Type          string                 `json:"type"`
	MinDurationMs int64                  `json:"minDurationMs"`
}

// ToFilter decodes the request's Filters payload into a streamer.Filter. A
// nil/empty Filters is the zero Filter (matches everything for this
// subscription's stream).
func (r SubscriptionRequest) ToFilter() (streamer.Filter, error) {
	if len(r.Filters) == 0 {
		return streamer.Filter{}, nil
	}
	var w filterWire
	if err := json.Unmarshal(r.Filters, &w); err != nil {
		return streamer.Filter{}, fmt.Errorf("transport: decode filters: %w", err)
	}
	return streamer.Filter{
		StreamID: w.StreamID, ExecutionID: w.ExecutionID, ExecutionType: w.ExecutionType,
		ProjectID: w.ProjectID, EventType: w.EventType, EventTypes: w.EventTypes,
		NodeID: w.NodeID, TokenID: w.TokenID, Category: w.Category, Type: w.Type,
		MinDurationMs: w.MinDurationMs,
	}, nil
}

// ParseSSEQuery builds a streamer.Filter and the set of streams an SSE
// subscriber asked for from the `?streamId=...&streams=events,trace&...`
// query parameters §6 documents for `GET /sse`. get looks up a single query
// parameter by name (an *http.Request's URL.Query().Get, left as a plain
// function so this package stays free of net/http).
func ParseSSEQuery(get func(name string) string) (streamer.Filter, []Stream, error) {
	f := streamer.Filter{
		StreamID:      get("streamId"),
		ExecutionID:   get("executionId"),
		ExecutionType: storekit.ExecutionType(get("executionType")),
		ProjectID:     get("projectId"),
		EventType:     get("eventType"),
		NodeID:        get("nodeId"),
		TokenID:       get("tokenId"),
	}
	streams := splitNonEmpty(get("streams"), ',')
	if len(streams) == 0 {
		streams = []string{string(StreamEvents)}
	}
	out := make([]Stream, len(streams))
	for i, s := range streams {
		out[i] = Stream(s)
	}
	return f, out, nil
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// ByteSink is the transport-specific, already-open delivery channel a
// FrameSink writes framed JSON bytes to: a *websocket.Conn write, an SSE
// `data: ...\n\n` writer, or a Pulse publish call.
type ByteSink interface {
	WriteFrame(ctx context.Context, data []byte) error
}

// FrameSink adapts a ByteSink into a streamer.Sink by marshaling every
// broadcast streamer.Message into its §6 wire Envelope before handing the
// bytes to the underlying transport connection. One FrameSink exists per
// live subscription, matching streamer.Actor.Subscribe's one-Sink-per-
// subscription contract.
type FrameSink struct {
	SubscriptionID string
	Byte           ByteSink
}

var _ streamer.Sink = FrameSink{}

// Deliver implements streamer.Sink.
func (s FrameSink) Deliver(ctx context.Context, msg streamer.Message) error {
	env, err := FrameMessage(s.SubscriptionID, msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	return s.Byte.WriteFrame(ctx, data)
}
