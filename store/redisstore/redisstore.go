// Package redisstore layers a Redis-backed label index on top of another
// store.Store's content-addressed blobs, so multiple runtime processes on
// one host can share a single store's mutable label -> ref pointers at low
// latency. Content itself stays wherever Blobs (typically fsstore) puts it:
// content is immutable once written, so it needs no shared coordination;
// only the mutable labels do. Grounded on registry/service.go and
// registry/registry.go's use of *redis.Client for shared, low-latency
// pointers, and on features/run/mongo/clients/mongo/client.go's
// Options-struct-plus-constructor shape.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/theater-project/theater/store"
)

const defaultKeyPrefix = "theater:label:"

// Store composes an underlying blob store.Store with a Redis-backed label
// index. Put/Get/Exists/ListContent/TotalSize delegate to Blobs unchanged;
// Label/GetByLabel/ListLabels go through Redis.
type Store struct {
	blobs     store.Store
	rdb       redis.Cmdable
	keyPrefix string
	labelSet  string // Redis SET tracking all label names, for ListLabels.
}

// Options configures a Store.
type Options struct {
	// Blobs is the underlying content-addressed store for Put/Get. Required.
	Blobs store.Store
	// Redis is the client used for the label index. Required.
	Redis redis.Cmdable
	// StoreID namespaces this store's labels within a shared Redis
	// instance, so multiple Theater stores can coexist. Required.
	StoreID string
}

// New builds a Store from opts.
func New(opts Options) (*Store, error) {
	if opts.Blobs == nil {
		return nil, fmt.Errorf("redisstore: Blobs is required")
	}
	if opts.Redis == nil {
		return nil, fmt.Errorf("redisstore: Redis is required")
	}
	if opts.StoreID == "" {
		return nil, fmt.Errorf("redisstore: StoreID is required")
	}
	prefix := defaultKeyPrefix + opts.StoreID + ":"
	return &Store{
		blobs:     opts.Blobs,
		rdb:       opts.Redis,
		keyPrefix: prefix,
		labelSet:  prefix + "__names__",
	}, nil
}

func (s *Store) key(name string) string { return s.keyPrefix + name }

// Put delegates to the underlying blob store.
func (s *Store) Put(ctx context.Context, b []byte) (store.Ref, error) { return s.blobs.Put(ctx, b) }

// Get delegates to the underlying blob store.
func (s *Store) Get(ctx context.Context, ref store.Ref) ([]byte, error) { return s.blobs.Get(ctx, ref) }

// Exists delegates to the underlying blob store.
func (s *Store) Exists(ctx context.Context, ref store.Ref) (bool, error) {
	return s.blobs.Exists(ctx, ref)
}

// ListContent delegates to the underlying blob store.
func (s *Store) ListContent(ctx context.Context) ([]store.Entry, error) {
	return s.blobs.ListContent(ctx)
}

// TotalSize delegates to the underlying blob store.
func (s *Store) TotalSize(ctx context.Context) (int64, error) { return s.blobs.TotalSize(ctx) }

// Label atomically (re)points name at ref using Redis SET, which is itself
// atomic, and tracks the label name in a set for ListLabels.
func (s *Store) Label(ctx context.Context, name string, ref store.Ref) error {
	if name == "" {
		return fmt.Errorf("redisstore: label name is required")
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(name), string(ref), 0)
	pipe.SAdd(ctx, s.labelSet, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: label %q: %w", name, err)
	}
	return nil
}

// GetByLabel implements store.Store.
func (s *Store) GetByLabel(ctx context.Context, name string) (store.Ref, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(name)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redisstore: get label %q: %w", name, err)
	}
	return store.Ref(v), true, nil
}

// ListLabels implements store.Store as a snapshot: it reads the tracked
// name set, then resolves each; labels removed between the two reads are
// simply absent, consistent with §4.A's "listing is a snapshot" contract.
func (s *Store) ListLabels(ctx context.Context) (map[string]store.Ref, error) {
	names, err := s.rdb.SMembers(ctx, s.labelSet).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list label names: %w", err)
	}
	out := make(map[string]store.Ref, len(names))
	for _, name := range names {
		ref, ok, err := s.GetByLabel(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out[name] = ref
		}
	}
	return out, nil
}

// Ping checks Redis connectivity, matching the teacher's health.Pinger
// convention for Mongo/Redis-backed clients (features/run/mongo/clients/mongo/client.go).
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.rdb.Ping(pingCtx).Err()
}

var _ store.Store = (*Store)(nil)
