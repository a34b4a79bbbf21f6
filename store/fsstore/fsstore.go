// Package fsstore implements store.Store on the local filesystem, using the
// persisted layout from spec.md §6:
//
//	store/<store-id>/data/<hash>
//	store/<store-id>/labels/<label>
//
// This is the canonical Content Store backend; redisstore and mongostore
// are opt-in alternatives for embedders sharing a store across processes.
package fsstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/theater-project/theater/store"
	"github.com/theater-project/theater/theatererr"
)

// Store is a filesystem-backed store.Store rooted at a directory of the
// form <dataDir>/store/<storeID>.
type Store struct {
	root string

	// mu serializes label writes so Label is atomic per spec.md §4.A;
	// content writes need no lock because Put is a deterministic,
	// idempotent write-if-absent of an immutable blob.
	mu sync.Mutex
}

// New returns a Store rooted at <dataDir>/store/<storeID>, creating the
// data/ and labels/ subdirectories if necessary.
func New(dataDir, storeID string) (*Store, error) {
	if storeID == "" {
		return nil, theatererr.New(theatererr.InvalidArgument, "fsstore: store id is required")
	}
	root := filepath.Join(dataDir, "store", storeID)
	for _, sub := range []string{"data", "labels"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("fsstore: create %s: %w", sub, err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) dataPath(ref store.Ref) string {
	return filepath.Join(s.root, "data", string(ref))
}

func (s *Store) labelPath(name string) string {
	return filepath.Join(s.root, "labels", name)
}

// Put implements store.Store.
func (s *Store) Put(_ context.Context, b []byte) (store.Ref, error) {
	ref := store.RefOf(b)
	path := s.dataPath(ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil // content is immutable; nothing to do.
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("fsstore: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return "", fmt.Errorf("fsstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("fsstore: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("fsstore: rename into place: %w", err)
	}
	return ref, nil
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, ref store.Ref) ([]byte, error) {
	b, err := os.ReadFile(s.dataPath(ref))
	if os.IsNotExist(err) {
		return nil, store.NotFound(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: read: %w", err)
	}
	return b, nil
}

// Exists implements store.Store.
func (s *Store) Exists(_ context.Context, ref store.Ref) (bool, error) {
	_, err := os.Stat(s.dataPath(ref))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fsstore: stat: %w", err)
	}
	return true, nil
}

// Delete implements store.GarbageCollectable.
func (s *Store) Delete(_ context.Context, ref store.Ref) error {
	if err := os.Remove(s.dataPath(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsstore: delete: %w", err)
	}
	return nil
}

// Label implements store.Store. Atomic via write-to-temp-then-rename, same
// technique as Put.
func (s *Store) Label(_ context.Context, name string, ref store.Ref) error {
	if name == "" {
		return theatererr.New(theatererr.InvalidArgument, "fsstore: label name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.labelPath(name)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("fsstore: create temp label file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(string(ref)); err != nil {
		tmp.Close()
		return fmt.Errorf("fsstore: write label: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsstore: close label temp: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// GetByLabel implements store.Store.
func (s *Store) GetByLabel(_ context.Context, name string) (store.Ref, bool, error) {
	b, err := os.ReadFile(s.labelPath(name))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fsstore: read label: %w", err)
	}
	return store.Ref(b), true, nil
}

// ListLabels implements store.Store.
func (s *Store) ListLabels(_ context.Context) (map[string]store.Ref, error) {
	dir := filepath.Join(s.root, "labels")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("fsstore: read labels dir: %w", err)
	}
	out := make(map[string]store.Ref, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue // snapshot semantics: concurrent removal is fine to skip.
		}
		out[e.Name()] = store.Ref(b)
	}
	return out, nil
}

// ListContent implements store.Store.
func (s *Store) ListContent(_ context.Context) ([]store.Entry, error) {
	dir := filepath.Join(s.root, "data")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("fsstore: read data dir: %w", err)
	}
	out := make([]store.Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, store.Entry{Ref: store.Ref(e.Name()), Size: info.Size()})
	}
	return out, nil
}

// TotalSize implements store.Store.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	entries, err := s.ListContent(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, nil
}

var _ store.Store = (*Store)(nil)
var _ store.GarbageCollectable = (*Store)(nil)
