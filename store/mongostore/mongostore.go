// Package mongostore implements store.Store entirely on top of MongoDB, for
// embedders who already run Mongo for other state and want one less moving
// part rather than a filesystem volume. Grounded on
// features/run/mongo/clients/mongo/client.go's Client-interface-plus-Options
// shape and features/run/mongo/store.go's thin Store-delegates-to-Client
// split.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/theater-project/theater/store"
)

const (
	defaultContentCollection = "theater_content"
	defaultLabelCollection   = "theater_labels"
	defaultOpTimeout         = 5 * time.Second
)

type contentDoc struct {
	Ref  string `bson:"_id"`
	Data []byte `bson:"data"`
	Size int64  `bson:"size"`
}

type labelDoc struct {
	Name string `bson:"_id"`
	Ref  string `bson:"ref"`
}

// Store is a MongoDB-backed store.Store, scoped to one store id via the
// database name (one Mongo database per Theater store id).
type Store struct {
	client     *mongodriver.Client
	content    *mongodriver.Collection
	labels     *mongodriver.Collection
	opTimeout  time.Duration
}

// Options configures a Store.
type Options struct {
	// Client is a connected Mongo client. Required.
	Client *mongodriver.Client
	// Database names the Mongo database backing this store id. Required.
	Database string
	// ContentCollection and LabelCollection override the default
	// collection names, for embedders sharing a database across stores.
	ContentCollection string
	LabelCollection   string
	// OpTimeout bounds each individual Mongo operation. Defaults to 5s.
	OpTimeout time.Duration
}

// New builds a Store from opts and pings the server to confirm
// connectivity. It creates no indexes.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("mongostore: Client is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("mongostore: Database is required")
	}
	contentColl := opts.ContentCollection
	if contentColl == "" {
		contentColl = defaultContentCollection
	}
	labelColl := opts.LabelCollection
	if labelColl == "" {
		labelColl = defaultLabelCollection
	}
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:    opts.Client,
		content:   db.Collection(contentColl),
		labels:    db.Collection(labelColl),
		opTimeout: timeout,
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := opts.Client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	return s, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Put implements store.Store. Upsert-by-_id with $setOnInsert makes Put
// naturally idempotent: re-putting bytes whose ref is already stored
// leaves the existing document untouched.
func (s *Store) Put(ctx context.Context, b []byte) (store.Ref, error) {
	ref := store.RefOf(b)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.content.UpdateOne(ctx,
		bson.M{"_id": string(ref)},
		bson.M{"$setOnInsert": contentDoc{Ref: string(ref), Data: b, Size: int64(len(b))}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return "", fmt.Errorf("mongostore: put: %w", err)
	}
	return ref, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, ref store.Ref) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc contentDoc
	err := s.content.FindOne(ctx, bson.M{"_id": string(ref)}).Decode(&doc)
	if err == mongodriver.ErrNoDocuments {
		return nil, store.NotFound(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get: %w", err)
	}
	return doc.Data, nil
}

// Exists implements store.Store.
func (s *Store) Exists(ctx context.Context, ref store.Ref) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.content.CountDocuments(ctx, bson.M{"_id": string(ref)})
	if err != nil {
		return false, fmt.Errorf("mongostore: exists: %w", err)
	}
	return n > 0, nil
}

// Delete implements store.GarbageCollectable.
func (s *Store) Delete(ctx context.Context, ref store.Ref) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.content.DeleteOne(ctx, bson.M{"_id": string(ref)})
	if err != nil {
		return fmt.Errorf("mongostore: delete: %w", err)
	}
	return nil
}

// Label implements store.Store via an atomic upsert on the label's _id.
func (s *Store) Label(ctx context.Context, name string, ref store.Ref) error {
	if name == "" {
		return fmt.Errorf("mongostore: label name is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.labels.UpdateOne(ctx,
		bson.M{"_id": name},
		bson.M{"$set": bson.M{"ref": string(ref)}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: label %q: %w", name, err)
	}
	return nil
}

// GetByLabel implements store.Store.
func (s *Store) GetByLabel(ctx context.Context, name string) (store.Ref, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc labelDoc
	err := s.labels.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if err == mongodriver.ErrNoDocuments {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("mongostore: get label %q: %w", name, err)
	}
	return store.Ref(doc.Ref), true, nil
}

// ListLabels implements store.Store.
func (s *Store) ListLabels(ctx context.Context) (map[string]store.Ref, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.labels.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongostore: list labels: %w", err)
	}
	defer cur.Close(ctx)
	out := make(map[string]store.Ref)
	for cur.Next(ctx) {
		var doc labelDoc
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		out[doc.Name] = store.Ref(doc.Ref)
	}
	return out, cur.Err()
}

// ListContent implements store.Store.
func (s *Store) ListContent(ctx context.Context) ([]store.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.content.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"data": 0}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list content: %w", err)
	}
	defer cur.Close(ctx)
	var out []store.Entry
	for cur.Next(ctx) {
		var doc contentDoc
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		out = append(out, store.Entry{Ref: store.Ref(doc.Ref), Size: doc.Size})
	}
	return out, cur.Err()
}

// TotalSize implements store.Store via an aggregation sum, avoiding a full
// content scan in application code.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.content.Aggregate(ctx, bson.A{
		bson.M{"$group": bson.M{"_id": nil, "total": bson.M{"$sum": "$size"}}},
	})
	if err != nil {
		return 0, fmt.Errorf("mongostore: total size: %w", err)
	}
	defer cur.Close(ctx)
	var result struct {
		Total int64 `bson:"total"`
	}
	if cur.Next(ctx) {
		if err := cur.Decode(&result); err != nil {
			return 0, fmt.Errorf("mongostore: decode total size: %w", err)
		}
	}
	return result.Total, cur.Err()
}

var _ store.Store = (*Store)(nil)
var _ store.GarbageCollectable = (*Store)(nil)
