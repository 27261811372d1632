package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"goa.design/goa-ai/storekit"
)

const definitionsCollection = "definitions"

// DefinitionStore implements storekit.DefinitionStore against MongoDB. A
// Definition's natural document key is (id, version), not id alone, so
// unlike the other stores in this package it translates to/from a dedicated
// document shape instead of persisting storekit.Definition as-is.
type DefinitionStore struct {
	coll    collection
	timeout time.Duration
}

var _ storekit.DefinitionStore = (*DefinitionStore)(nil)

type definitionDoc struct {
	Key         string                  `bson:"_id"`
	DefID       string                  `bson:"defId"`
	Version     int                     `bson:"version"`
	Kind        storekit.DefinitionKind `bson:"kind"`
	Name        string                  `bson:"name"`
	Reference   string                  `bson:"reference"`
	Owner       string                  `bson:"owner"`
	Description string                  `bson:"description,omitempty"`
	ProjectID   string                  `bson:"projectId,omitempty"`
	LibraryID   string                  `bson:"libraryId,omitempty"`
	Content     []byte                  `bson:"content"`
	ContentHash string                  `bson:"contentHash"`
	CreatedAt   time.Time               `bson:"createdAt"`
	UpdatedAt   time.Time               `bson:"updatedAt"`
	Nodes       []storekit.Node         `bson:"nodes,omitempty"`
	Transitions []storekit.Transition   `bson:"transitions,omitempty"`
}

func definitionKey(id string, version int) string {
	return id + "#" + itoa(version)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func toDefinitionDoc(def storekit.Definition, nodes []storekit.Node, transitions []storekit.Transition) definitionDoc {
	return definitionDoc{
		Key:         definitionKey(def.ID, def.Version),
		DefID:       def.ID,
		Version:     def.Version,
		Kind:        def.Kind,
		Name:        def.Name,
		Reference:   def.Reference,
		Owner:       def.Owner(),
		Description: def.Description,
		ProjectID:   def.ProjectID,
		LibraryID:   def.LibraryID,
		Content:     []byte(def.Content),
		ContentHash: def.ContentHash,
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
		Nodes:       nodes,
		Transitions: transitions,
	}
}

func (d definitionDoc) toDefinition() storekit.Definition {
	return storekit.Definition{
		ID:          d.DefID,
		Version:     d.Version,
		Kind:        d.Kind,
		Name:        d.Name,
		Reference:   d.Reference,
		Description: d.Description,
		ProjectID:   d.ProjectID,
		LibraryID:   d.LibraryID,
		Content:     d.Content,
		ContentHash: d.ContentHash,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func newDefinitionStore(ctx context.Context, client *mongodriver.Client, database string, timeout time.Duration) (*DefinitionStore, error) {
	coll := newCollection(client, database, definitionsCollection)
	ictx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	if err := createIndexes(ictx, coll,
		mongodriver.IndexModel{Keys: bson.D{{Key: "defId", Value: 1}, {Key: "version", Value: 1}}},
		mongodriver.IndexModel{Keys: bson.D{{Key: "reference", Value: 1}, {Key: "owner", Value: 1}, {Key: "version", Value: 1}}},
		mongodriver.IndexModel{Keys: bson.D{{Key: "reference", Value: 1}, {Key: "owner", Value: 1}, {Key: "contentHash", Value: 1}}},
		mongodriver.IndexModel{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "projectId", Value: 1}, {Key: "libraryId", Value: 1}}},
	); err != nil {
		return nil, err
	}
	return &DefinitionStore{coll: coll, timeout: timeout}, nil
}

// Put implements storekit.DefinitionStore.
func (s *DefinitionStore) Put(ctx context.Context, def storekit.Definition, nodes []storekit.Node, transitions []storekit.Transition) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	doc := toDefinitionDoc(def, nodes, transitions)
	return s.coll.UpdateOne(ctx, bson.M{"_id": doc.Key}, bson.M{"$set": doc}, upsert())
}

// Get implements storekit.DefinitionStore.
func (s *DefinitionStore) Get(ctx context.Context, id string, version int) (storekit.Definition, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if version != 0 {
		return s.findOne(ctx, bson.M{"defId": id, "version": version})
	}
	return s.findLatest(ctx, bson.M{"defId": id})
}

// GetByReference implements storekit.DefinitionStore.
func (s *DefinitionStore) GetByReference(ctx context.Context, kind storekit.DefinitionKind, reference, owner string) (storekit.Definition, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return s.findLatest(ctx, bson.M{"kind": kind, "reference": reference, "owner": owner})
}

// FindByFingerprint implements storekit.DefinitionStore.
func (s *DefinitionStore) FindByFingerprint(ctx context.Context, reference, owner, contentHash string) (storekit.Definition, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return s.findOne(ctx, bson.M{"reference": reference, "owner": owner, "contentHash": contentHash})
}

// MaxVersion implements storekit.DefinitionStore.
func (s *DefinitionStore) MaxVersion(ctx context.Context, reference, owner string) (int, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	def, err := s.findLatest(ctx, bson.M{"reference": reference, "owner": owner})
	if err != nil {
		if errors.Is(err, storekit.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return def.Version, nil
}

// List implements storekit.DefinitionStore.
func (s *DefinitionStore) List(ctx context.Context, kind storekit.DefinitionKind, projectID, libraryID string) ([]storekit.Definition, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"kind": kind}
	if projectID != "" {
		filter["projectId"] = projectID
	}
	if libraryID != "" {
		filter["libraryId"] = libraryID
	}
	cur, err := s.coll.Find(ctx, filter, sortBy("version", -1))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	latestByRef := map[string]storekit.Definition{}
	for cur.Next(ctx) {
		var doc definitionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		key := doc.Reference + "|" + doc.Owner
		if _, seen := latestByRef[key]; !seen {
			latestByRef[key] = doc.toDefinition()
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	out := make([]storekit.Definition, 0, len(latestByRef))
	for _, d := range latestByRef {
		out = append(out, d)
	}
	return out, nil
}

// Graph implements storekit.DefinitionStore.
func (s *DefinitionStore) Graph(ctx context.Context, id string, version int) ([]storekit.Node, []storekit.Transition, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc definitionDoc
	if err := s.coll.FindOne(ctx, bson.M{"defId": id, "version": version}).Decode(&doc); err != nil {
		if isNoDocuments(err) {
			return nil, nil, storekit.ErrNotFound
		}
		return nil, nil, err
	}
	return doc.Nodes, doc.Transitions, nil
}

func (s *DefinitionStore) findOne(ctx context.Context, filter bson.M) (storekit.Definition, error) {
	var doc definitionDoc
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if isNoDocuments(err) {
			return storekit.Definition{}, storekit.ErrNotFound
		}
		return storekit.Definition{}, err
	}
	return doc.toDefinition(), nil
}

func (s *DefinitionStore) findLatest(ctx context.Context, filter bson.M) (storekit.Definition, error) {
	cur, err := s.coll.Find(ctx, filter, sortBy("version", -1))
	if err != nil {
		return storekit.Definition{}, err
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return storekit.Definition{}, err
		}
		return storekit.Definition{}, storekit.ErrNotFound
	}
	var doc definitionDoc
	if err := cur.Decode(&doc); err != nil {
		return storekit.Definition{}, err
	}
	return doc.toDefinition(), nil
}
