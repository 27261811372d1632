package streamer

import (
	"context"
	"encoding/json"
	"fmt"

	pulseclient "goa.design/goa-ai/features/stream/pulse/clients/pulse"
)

// pulseEnvelope is the wire form published to a Pulse stream for one
// streamer Message.
type pulseEnvelope struct {
	Stream string              `json:"stream"`
	Event  *pulseEventPayload  `json:"event,omitempty"`
	Trace  *pulseTracePayload  `json:"trace,omitempty"`
}

type pulseEventPayload struct {
	ID            string         `json:"id"`
	ExecutionID   string         `json:"executionId"`
	ExecutionType string         `json:"executionType"`
	ProjectID     string         `json:"projectId,omitempty"`
	Sequence      int64          `json:"sequence"`
	Type          string         `json:"type"`
	NodeID        string         `json:"nodeId,omitempty"`
	TokenID       string         `json:"tokenId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type pulseTracePayload struct {
	ID         string          `json:"id"`
	Sequence   int64           `json:"sequence"`
	Category   string          `json:"category"`
	Type       string          `json:"type"`
	DurationMs int64           `json:"durationMs,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// PulseSink is a Sink that republishes streamer broadcasts onto a
// goa.design/pulse stream for cross-process subscribers, grounded on
// features/stream/pulse/sink.go's Pulse-client-to-stream-handle pattern.
type PulseSink struct {
	handle pulseclient.Stream
}

// NewPulseSink opens (or reuses) the named Pulse stream via client and wraps
// it as a Sink.
func NewPulseSink(client pulseclient.Client, streamName string) (*PulseSink, error) {
	handle, err := client.Stream(streamName)
	if err != nil {
		return nil, err
	}
	return &PulseSink{handle: handle}, nil
}

// Deliver implements Sink.
func (s *PulseSink) Deliver(ctx context.Context, msg Message) error {
	env := pulseEnvelope{Stream: msg.Stream}
	eventType := msg.Stream
	if msg.Event != nil {
		eventType = msg.Event.Type
		env.Event = &pulseEventPayload{
			ID: msg.Event.ID, ExecutionID: msg.Event.ExecutionID,
			ExecutionType: string(msg.Event.ExecutionType), ProjectID: msg.Event.ProjectID,
			Sequence: msg.Event.Sequence, Type: msg.Event.Type,
			NodeID: msg.Event.NodeID, TokenID: msg.Event.TokenID, Metadata: msg.Event.Metadata,
		}
	}
	if msg.Trace != nil {
		eventType = msg.Trace.Type
		env.Trace = &pulseTracePayload{
			ID: msg.Trace.ID, Sequence: msg.Trace.Sequence, Category: string(msg.Trace.Category),
			Type: msg.Trace.Type, DurationMs: msg.Trace.DurationMs, Payload: msg.Trace.Payload,
		}
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("streamer: marshal pulse envelope: %w", err)
	}
	_, err = s.handle.Add(ctx, eventType, payload)
	return err
}
