package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/streamer"
)

func TestFrameMessageEvent(t *testing.T) {
	e := &storekit.Event{
		ID: "evt-1", StreamKey: "conv-1", ExecutionID: "conv-1",
		ExecutionType: storekit.ExecutionConversation, Sequence: 3,
		Type: "turn.created", Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Metadata: map[string]any{"callerKind": "user"},
	}
	env, err := FrameMessage("sub-1", streamer.Message{Stream: "events", Event: e})
	require.NoError(t, err)
	require.Equal(t, "event", env.Type)
	require.Equal(t, StreamEvents, env.Stream)
	require.Equal(t, "sub-1", env.SubscriptionID)

	var wire eventWire
	require.NoError(t, json.Unmarshal(env.Event, &wire))
	require.Equal(t, "evt-1", wire.ID)
	require.Equal(t, int64(3), wire.Sequence)
	require.Equal(t, "turn.created", wire.EventType)
	require.Equal(t, "conv-1", wire.StreamID)
}

func TestFrameMessageTrace(t *testing.T) {
	tr := &storekit.TraceEvent{
		ID: "trc-1", StreamKey: "run-1", ExecutionID: "run-1",
		ExecutionType: storekit.ExecutionWorkflow, Sequence: 1,
		Category: storekit.TraceOperation, Type: "llm.call", DurationMs: 120,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	env, err := FrameMessage("sub-2", streamer.Message{Stream: "trace", Trace: tr})
	require.NoError(t, err)
	require.Equal(t, StreamTrace, env.Stream)

	var wire traceWire
	require.NoError(t, json.Unmarshal(env.Event, &wire))
	require.Equal(t, "trc-1", wire.ID)
	require.Equal(t, int64(120), wire.DurationMs)
}

func TestFrameMessageRejectsEmpty(t *testing.T) {
	_, err := FrameMessage("sub-3", streamer.Message{})
	require.Error(t, err)
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope("subscription closed")
	require.Equal(t, "error", env.Type)
	require.Equal(t, "subscription closed", env.Message)
}
