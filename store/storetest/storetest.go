// Package storetest provides a store.Store conformance suite shared by
// every backend's tests, matching spec.md §8 property 7 (content addressing
// round-trip) plus the rest of §4.A's contract.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theater-project/theater/store"
	"github.com/theater-project/theater/theatererr"
)

// Run exercises s against the full store.Store contract. Call this from
// each backend's own _test.go with a freshly constructed, empty Store.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("put get round trip", func(t *testing.T) {
		ref, err := s.Put(ctx, []byte("hello theater"))
		require.NoError(t, err)

		got, err := s.Get(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, []byte("hello theater"), got)

		ref2, err := s.Put(ctx, []byte("hello theater"))
		require.NoError(t, err)
		require.Equal(t, ref, ref2, "put must be deterministic")

		ok, err := s.Exists(ctx, ref)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("get unknown ref fails not found", func(t *testing.T) {
		_, err := s.Get(ctx, store.RefOf([]byte("never written")))
		require.Error(t, err)
		require.True(t, theatererr.Is(err, theatererr.NotFound))
	})

	t.Run("exists false for unknown ref", func(t *testing.T) {
		ok, err := s.Exists(ctx, store.RefOf([]byte("also never written")))
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("label points at ref and is overwritable", func(t *testing.T) {
		refA, err := s.Put(ctx, []byte("version a"))
		require.NoError(t, err)
		refB, err := s.Put(ctx, []byte("version b"))
		require.NoError(t, err)

		require.NoError(t, s.Label(ctx, "widget:head", refA))
		got, ok, err := s.GetByLabel(ctx, "widget:head")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, refA, got)

		require.NoError(t, s.Label(ctx, "widget:head", refB))
		got, ok, err = s.GetByLabel(ctx, "widget:head")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, refB, got)
	})

	t.Run("get by unknown label returns not ok", func(t *testing.T) {
		_, ok, err := s.GetByLabel(ctx, "no-such-label")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("list labels and content are snapshots containing known data", func(t *testing.T) {
		ref, err := s.Put(ctx, []byte("listed content"))
		require.NoError(t, err)
		require.NoError(t, s.Label(ctx, "listed:label", ref))

		labels, err := s.ListLabels(ctx)
		require.NoError(t, err)
		require.Equal(t, ref, labels["listed:label"])

		entries, err := s.ListContent(ctx)
		require.NoError(t, err)
		found := false
		for _, e := range entries {
			if e.Ref == ref {
				found = true
				require.Equal(t, int64(len("listed content")), e.Size)
			}
		}
		require.True(t, found, "put content must appear in ListContent")

		total, err := s.TotalSize(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, total, int64(len("listed content")))
	})
}
