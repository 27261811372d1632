package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"goa.design/goa-ai/storekit"
)

const (
	eventsCollection      = "events"
	traceEventsCollection = "trace_events"
)

// EventStore implements storekit.EventStore against MongoDB across two
// append-only collections. Event and TraceEvent are already bson:"_id"-
// tagged, so they persist as-is.
type EventStore struct {
	events      collection
	traceEvents collection
	timeout     time.Duration
}

var _ storekit.EventStore = (*EventStore)(nil)

func newEventStore(ctx context.Context, client *mongodriver.Client, database string, timeout time.Duration) (*EventStore, error) {
	events := newCollection(client, database, eventsCollection)
	traceEvents := newCollection(client, database, traceEventsCollection)
	ictx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	if err := createIndexes(ictx, events,
		mongodriver.IndexModel{Keys: bson.D{{Key: "streamKey", Value: 1}, {Key: "sequence", Value: 1}}},
	); err != nil {
		return nil, err
	}
	if err := createIndexes(ictx, traceEvents,
		mongodriver.IndexModel{Keys: bson.D{{Key: "streamKey", Value: 1}, {Key: "sequence", Value: 1}}},
	); err != nil {
		return nil, err
	}
	return &EventStore{events: events, traceEvents: traceEvents, timeout: timeout}, nil
}

// AppendEvents implements storekit.EventStore.
func (s *EventStore) AppendEvents(ctx context.Context, events []storekit.Event) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	docs := make([]any, len(events))
	for i, ev := range events {
		docs[i] = ev
	}
	return s.events.InsertMany(ctx, docs)
}

// AppendTraceEvents implements storekit.EventStore.
func (s *EventStore) AppendTraceEvents(ctx context.Context, events []storekit.TraceEvent) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	docs := make([]any, len(events))
	for i, ev := range events {
		docs[i] = ev
	}
	return s.traceEvents.InsertMany(ctx, docs)
}

// LastSequence implements storekit.EventStore.
func (s *EventStore) LastSequence(ctx context.Context, streamKey string) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return lastSequence(ctx, s.events, streamKey)
}

// LastTraceSequence implements storekit.EventStore.
func (s *EventStore) LastTraceSequence(ctx context.Context, streamKey string) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return lastSequence(ctx, s.traceEvents, streamKey)
}

func lastSequence(ctx context.Context, coll collection, streamKey string) (int64, error) {
	cur, err := coll.Find(ctx, bson.M{"streamKey": streamKey}, sortByLimit("sequence", -1, 1))
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		return 0, cur.Err()
	}
	var doc struct {
		Sequence int64 `bson:"sequence"`
	}
	if err := cur.Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Sequence, nil
}

// ListSince implements storekit.EventStore.
func (s *EventStore) ListSince(ctx context.Context, streamKey string, afterSeq int64, since time.Time) ([]storekit.Event, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"streamKey": streamKey, "sequence": bson.M{"$gt": afterSeq}}
	if !since.IsZero() {
		filter["timestamp"] = bson.M{"$gte": since}
	}
	cur, err := s.events.Find(ctx, filter, sortBy("sequence", 1))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []storekit.Event
	for cur.Next(ctx) {
		var ev storekit.Event
		if err := cur.Decode(&ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, cur.Err()
}
