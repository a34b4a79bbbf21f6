// Package store implements the Content Store (spec.md §3, §4.A): a
// content-addressed blob mapping hash -> bytes plus a mutable labels
// mapping label -> hash. Stores are identified by a store id so a single
// runtime may host multiple isolated stores.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/theater-project/theater/theatererr"
)

// Ref is a content reference: the hex-encoded SHA-256 digest of the bytes
// put into the store. Put is deterministic, so identical input always
// yields the same Ref.
type Ref string

// RefOf computes the Ref that Put(b) would return, without writing
// anything. Used by callers that want to check existence before a transfer.
func RefOf(b []byte) Ref {
	sum := sha256.Sum256(b)
	return Ref(hex.EncodeToString(sum[:]))
}

// Entry describes one piece of content for ListContent.
type Entry struct {
	Ref  Ref
	Size int64
}

// Store is the Content Store contract (§4.A). Implementations MUST make
// Put deterministic and Get/Exists consistent with it, and MUST make Label
// overwrite atomically. Listing operations are snapshots: concurrent
// mutations need not be reflected.
type Store interface {
	// Put writes b and returns its content reference. Deterministic:
	// identical input yields identical output across calls and across
	// process restarts.
	Put(ctx context.Context, b []byte) (Ref, error)
	// Get returns the bytes for ref, or a theatererr.NotFound error if ref
	// is unknown to this store.
	Get(ctx context.Context, ref Ref) ([]byte, error)
	// Exists reports whether ref has been written to this store.
	Exists(ctx context.Context, ref Ref) (bool, error)
	// Label atomically (re)points name at ref. A label is a mutable
	// pointer; the referenced content is immutable.
	Label(ctx context.Context, name string, ref Ref) error
	// GetByLabel returns the ref currently bound to name, or ok=false if
	// no such label exists.
	GetByLabel(ctx context.Context, name string) (ref Ref, ok bool, err error)
	// ListLabels returns a snapshot of all label -> ref bindings.
	ListLabels(ctx context.Context) (map[string]Ref, error)
	// ListContent returns a snapshot of all content in the store.
	ListContent(ctx context.Context) ([]Entry, error)
	// TotalSize returns the sum of all content sizes in the store.
	TotalSize(ctx context.Context) (int64, error)
}

// NotFound builds the standard NotFound error this package's
// implementations return from Get when ref is unknown.
func NotFound(ref Ref) error {
	return theatererr.Newf(theatererr.NotFound, "content %s not found", ref)
}

// GC performs mark-and-sweep reclamation over content that is not
// referenced by any label and not in keep. §4.A does not specify
// reclamation; this is a SPEC_FULL.md supplement since an append-only store
// with no reclamation path is incomplete for long-running embedders. GC
// requires a GarbageCollectable for the low-level delete primitive; stores
// that only implement Store cannot be garbage collected.
func GC(ctx context.Context, s Store, gc GarbageCollectable, keep []Ref) (removed int, err error) {
	labels, err := s.ListLabels(ctx)
	if err != nil {
		return 0, fmt.Errorf("gc: list labels: %w", err)
	}
	live := make(map[Ref]struct{}, len(labels)+len(keep))
	for _, ref := range labels {
		live[ref] = struct{}{}
	}
	for _, ref := range keep {
		live[ref] = struct{}{}
	}
	entries, err := s.ListContent(ctx)
	if err != nil {
		return 0, fmt.Errorf("gc: list content: %w", err)
	}
	for _, e := range entries {
		if _, ok := live[e.Ref]; ok {
			continue
		}
		if err := gc.Delete(ctx, e.Ref); err != nil {
			return removed, fmt.Errorf("gc: delete %s: %w", e.Ref, err)
		}
		removed++
	}
	return removed, nil
}

// GarbageCollectable is implemented by stores that support GC's delete
// primitive. Not part of the core Store contract: §4.A never requires
// deletion, so most embedders' stores need not support it.
type GarbageCollectable interface {
	Delete(ctx context.Context, ref Ref) error
}
