package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/streamer"
)

func TestSubscriptionRequestToFilter(t *testing.T) {
	req := SubscriptionRequest{
		Type: "subscribe", ID: "sub-1", Stream: StreamEvents,
		Filters: json.RawMessage(`{"executionId":"conv-1","eventTypes":["turn.created","turn.completed"]}`),
	}
	f, err := req.ToFilter()
	require.NoError(t, err)
	require.Equal(t, "conv-1", f.ExecutionID)
	require.Equal(t, []string{"turn.created", "turn.completed"}, f.EventTypes)
}

func TestSubscriptionRequestToFilterEmpty(t *testing.T) {
	req := SubscriptionRequest{Type: "subscribe", ID: "sub-2"}
	f, err := req.ToFilter()
	require.NoError(t, err)
	require.Equal(t, storekit.ExecutionType(""), f.ExecutionType)
}

func TestSubscriptionRequestToFilterInvalidJSON(t *testing.T) {
	req := SubscriptionRequest{Filters: json.RawMessage(`not json`)}
	_, err := req.ToFilter()
	require.Error(t, err)
}

func TestParseSSEQuery(t *testing.T) {
	params := map[string]string{"streamId": "conv-1", "streams": "events,trace", "eventType": "turn.created"}
	f, streams, err := ParseSSEQuery(func(name string) string { return params[name] })
	require.NoError(t, err)
	require.Equal(t, "conv-1", f.StreamID)
	require.Equal(t, "turn.created", f.EventType)
	require.Equal(t, []Stream{StreamEvents, StreamTrace}, streams)
}

func TestParseSSEQueryDefaultsToEvents(t *testing.T) {
	_, streams, err := ParseSSEQuery(func(string) string { return "" })
	require.NoError(t, err)
	require.Equal(t, []Stream{StreamEvents}, streams)
}

type recordingByteSink struct {
	frames [][]byte
}

func (s *recordingByteSink) WriteFrame(_ context.Context, data []byte) error {
	s.frames = append(s.frames, data)
	return nil
}

func TestFrameSinkDeliversEnvelope(t *testing.T) {
	bs := &recordingByteSink{}
	sink := FrameSink{SubscriptionID: "sub-1", Byte: bs}

	e := &storekit.Event{ID: "evt-1", Type: "turn.created"}
	err := sink.Deliver(context.Background(), streamer.Message{Stream: "events", Event: e})
	require.NoError(t, err)
	require.Len(t, bs.frames, 1)

	var env Envelope
	require.NoError(t, json.Unmarshal(bs.frames[0], &env))
	require.Equal(t, "sub-1", env.SubscriptionID)
}
