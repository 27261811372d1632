package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"goa.design/goa-ai/storekit"
)

const conversationsCollection = "conversations"

// ConversationStore implements storekit.ConversationStore against MongoDB.
// Conversation's ID is already bson:"_id"-tagged so it persists as-is.
type ConversationStore struct {
	coll    collection
	timeout time.Duration
}

var _ storekit.ConversationStore = (*ConversationStore)(nil)

func newConversationStore(client *mongodriver.Client, database string, timeout time.Duration) (*ConversationStore, error) {
	coll := newCollection(client, database, conversationsCollection)
	return &ConversationStore{coll: coll, timeout: timeout}, nil
}

// PutConversation implements storekit.ConversationStore.
func (s *ConversationStore) PutConversation(ctx context.Context, conv storekit.Conversation) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return s.coll.ReplaceOne(ctx, bson.M{"_id": conv.ID}, conv, upsertReplace())
}

// GetConversation implements storekit.ConversationStore.
func (s *ConversationStore) GetConversation(ctx context.Context, id string) (storekit.Conversation, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var conv storekit.Conversation
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&conv); err != nil {
		if isNoDocuments(err) {
			return storekit.Conversation{}, storekit.ErrNotFound
		}
		return storekit.Conversation{}, err
	}
	return conv, nil
}
