// Package mongostore implements every storekit Store interface against
// MongoDB, for production deployments that need durability across process
// restarts. storekit's types already carry bson tags tuned for direct
// (un)marshaling, so most stores here persist them as-is; DefinitionStore is
// the one exception, since a Definition's (id, version) pair — not id alone
// — is its natural document key. Grounded on
// features/run/mongo/clients/mongo/client.go and
// features/runlog/mongo/clients/mongo/client.go's thin collection/cursor
// interface wrappers, generalized from one collection per feature to
// storekit's five Store interfaces sharing one mongo.Client/Database.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultOpTimeout = 5 * time.Second

// collection is the subset of *mongo.Collection every store in this package
// needs, narrowed for substitution in tests the way the teacher's per-feature
// clients narrow theirs.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	InsertOne(ctx context.Context, document any) (any, error)
	InsertMany(ctx context.Context, documents []any) error
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) error
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...*options.ReplaceOptions) error
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

// mongoCollection adapts *mongo.Collection to collection.
type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) (any, error) {
	res, err := c.coll.InsertOne(ctx, document)
	if err != nil {
		return nil, err
	}
	return res.InsertedID, nil
}

func (c mongoCollection) InsertMany(ctx context.Context, documents []any) error {
	if len(documents) == 0 {
		return nil
	}
	_, err := c.coll.InsertMany(ctx, documents)
	return err
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) error {
	_, err := c.coll.UpdateOne(ctx, filter, update, opts...)
	return err
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...*options.ReplaceOptions) error {
	_, err := c.coll.ReplaceOne(ctx, filter, replacement, opts...)
	return err
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error { return r.res.Decode(val) }

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool  { return c.cur.Next(ctx) }
func (c mongoCursor) Decode(val any) error            { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                      { return c.cur.Err() }
func (c mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}

// newCollection resolves a named collection against client/database. Index
// creation is separate: each store calls createIndexes itself.
func newCollection(client *mongodriver.Client, database, name string) collection {
	return mongoCollection{coll: client.Database(database).Collection(name)}
}

func createIndexes(ctx context.Context, coll collection, models ...mongodriver.IndexModel) error {
	for _, m := range models {
		if _, err := coll.Indexes().CreateOne(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

var errNoDocuments = mongodriver.ErrNoDocuments

func isNoDocuments(err error) bool {
	return errors.Is(err, errNoDocuments)
}

func upsert() *options.UpdateOptions {
	return options.Update().SetUpsert(true)
}

func upsertReplace() *options.ReplaceOptions {
	return options.Replace().SetUpsert(true)
}

func sortBy(field string, dir int) *options.FindOptions {
	return options.Find().SetSort(bson.D{{Key: field, Value: dir}})
}

func sortByLimit(field string, dir int, limit int64) *options.FindOptions {
	return options.Find().SetSort(bson.D{{Key: field, Value: dir}}).SetLimit(limit)
}
