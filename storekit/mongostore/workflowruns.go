package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"goa.design/goa-ai/storekit"
)

const (
	workflowRunsCollection = "workflow_runs"
	tokensCollection       = "tokens"
)

// WorkflowRunStore implements storekit.WorkflowRunStore against MongoDB.
// WorkflowRun already carries a bson:"_id" tag on ID, so runs persist
// directly with no translation layer; Token.ID is only unique within a run,
// so tokens are wrapped with a run-scoped document key.
type WorkflowRunStore struct {
	runs    collection
	tokens  collection
	timeout time.Duration
}

var _ storekit.WorkflowRunStore = (*WorkflowRunStore)(nil)

type tokenDoc struct {
	Key            string `bson:"_id"`
	storekit.Token `bson:",inline"`
}

func tokenKey(runID, tokenID string) string { return runID + "#" + tokenID }

func newWorkflowRunStore(ctx context.Context, client *mongodriver.Client, database string, timeout time.Duration) (*WorkflowRunStore, error) {
	runs := newCollection(client, database, workflowRunsCollection)
	tokens := newCollection(client, database, tokensCollection)
	ictx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	if err := createIndexes(ictx, tokens,
		mongodriver.IndexModel{Keys: bson.D{{Key: "runId", Value: 1}}},
	); err != nil {
		return nil, err
	}
	return &WorkflowRunStore{runs: runs, tokens: tokens, timeout: timeout}, nil
}

// PutRun implements storekit.WorkflowRunStore.
func (s *WorkflowRunStore) PutRun(ctx context.Context, run storekit.WorkflowRun) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return s.runs.ReplaceOne(ctx, bson.M{"_id": run.ID}, run, upsertReplace())
}

// GetRun implements storekit.WorkflowRunStore.
func (s *WorkflowRunStore) GetRun(ctx context.Context, runID string) (storekit.WorkflowRun, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var run storekit.WorkflowRun
	if err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&run); err != nil {
		if isNoDocuments(err) {
			return storekit.WorkflowRun{}, storekit.ErrNotFound
		}
		return storekit.WorkflowRun{}, err
	}
	return run, nil
}

// PutTokens implements storekit.WorkflowRunStore.
func (s *WorkflowRunStore) PutTokens(ctx context.Context, runID string, tokens []storekit.Token) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	for _, t := range tokens {
		doc := tokenDoc{Key: tokenKey(runID, t.ID), Token: t}
		if err := s.tokens.UpdateOne(ctx, bson.M{"_id": doc.Key}, bson.M{"$set": doc}, upsert()); err != nil {
			return err
		}
	}
	return nil
}

// ListTokens implements storekit.WorkflowRunStore.
func (s *WorkflowRunStore) ListTokens(ctx context.Context, runID string) ([]storekit.Token, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.tokens.Find(ctx, bson.M{"runId": runID}, sortBy("createdAt", 1))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []storekit.Token
	for cur.Next(ctx) {
		var doc tokenDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.Token)
	}
	return out, cur.Err()
}
