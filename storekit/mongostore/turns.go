package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"goa.design/goa-ai/storekit"
)

const (
	turnsCollection    = "turns"
	messagesCollection = "messages"
	movesCollection    = "moves"
)

// TurnStore implements storekit.TurnStore against MongoDB across three
// collections. Turn, Message and Move are already bson:"_id"-tagged, so they
// persist as-is, the way WorkflowRunStore persists WorkflowRun.
type TurnStore struct {
	turns    collection
	messages collection
	moves    collection
	timeout  time.Duration
}

var _ storekit.TurnStore = (*TurnStore)(nil)

func newTurnStore(ctx context.Context, client *mongodriver.Client, database string, timeout time.Duration) (*TurnStore, error) {
	turns := newCollection(client, database, turnsCollection)
	messages := newCollection(client, database, messagesCollection)
	moves := newCollection(client, database, movesCollection)
	ictx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	if err := createIndexes(ictx, turns,
		mongodriver.IndexModel{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}}},
	); err != nil {
		return nil, err
	}
	if err := createIndexes(ictx, messages,
		mongodriver.IndexModel{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}}},
	); err != nil {
		return nil, err
	}
	if err := createIndexes(ictx, moves,
		mongodriver.IndexModel{Keys: bson.D{{Key: "turnId", Value: 1}, {Key: "createdAt", Value: 1}}},
	); err != nil {
		return nil, err
	}
	return &TurnStore{turns: turns, messages: messages, moves: moves, timeout: timeout}, nil
}

// PutTurn implements storekit.TurnStore.
func (s *TurnStore) PutTurn(ctx context.Context, turn storekit.Turn) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return s.turns.ReplaceOne(ctx, bson.M{"_id": turn.ID}, turn, upsertReplace())
}

// GetTurn implements storekit.TurnStore.
func (s *TurnStore) GetTurn(ctx context.Context, id string) (storekit.Turn, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var turn storekit.Turn
	if err := s.turns.FindOne(ctx, bson.M{"_id": id}).Decode(&turn); err != nil {
		if isNoDocuments(err) {
			return storekit.Turn{}, storekit.ErrNotFound
		}
		return storekit.Turn{}, err
	}
	return turn, nil
}

// ListTurns implements storekit.TurnStore. Turns are returned ordered by
// CreatedAt, most recent last; limit<=0 means no limit. When trimming to the
// most recent limit turns, it sorts descending in the query and reverses,
// matching inmem.TurnStore's out[len(out)-limit:] semantics without
// buffering the whole collection.
func (s *TurnStore) ListTurns(ctx context.Context, conversationID string, limit int) ([]storekit.Turn, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"conversationId": conversationID}
	var cur cursor
	var err error
	if limit > 0 {
		cur, err = s.turns.Find(ctx, filter, sortByLimit("createdAt", -1, int64(limit)))
	} else {
		cur, err = s.turns.Find(ctx, filter, sortBy("createdAt", 1))
	}
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []storekit.Turn
	for cur.Next(ctx) {
		var turn storekit.Turn
		if err := cur.Decode(&turn); err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// AppendMessage implements storekit.TurnStore.
func (s *TurnStore) AppendMessage(ctx context.Context, msg storekit.Message) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.messages.InsertOne(ctx, msg)
	return err
}

// ListMessages implements storekit.TurnStore.
func (s *TurnStore) ListMessages(ctx context.Context, conversationID string) ([]storekit.Message, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.messages.Find(ctx, bson.M{"conversationId": conversationID}, sortBy("createdAt", 1))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []storekit.Message
	for cur.Next(ctx) {
		var msg storekit.Message
		if err := cur.Decode(&msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, cur.Err()
}

// AppendMove implements storekit.TurnStore.
func (s *TurnStore) AppendMove(ctx context.Context, move storekit.Move) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.moves.InsertOne(ctx, move)
	return err
}

// ListMoves implements storekit.TurnStore.
func (s *TurnStore) ListMoves(ctx context.Context, turnID string) ([]storekit.Move, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.moves.Find(ctx, bson.M{"turnId": turnID}, sortBy("createdAt", 1))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []storekit.Move
	for cur.Next(ctx) {
		var move storekit.Move
		if err := cur.Decode(&move); err != nil {
			return nil, err
		}
		out = append(out, move)
	}
	return out, cur.Err()
}
