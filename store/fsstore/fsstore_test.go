package fsstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theater-project/theater/store"
	"github.com/theater-project/theater/store/fsstore"
	"github.com/theater-project/theater/store/storetest"
)

func TestStore(t *testing.T) {
	s, err := fsstore.New(t.TempDir(), "actor-abc")
	require.NoError(t, err)
	storetest.Run(t, s)
}

func TestGCRemovesUnlabeledContent(t *testing.T) {
	s, err := fsstore.New(t.TempDir(), "actor-gc")
	require.NoError(t, err)

	ctx := context.Background()
	kept, err := s.Put(ctx, []byte("keep me"))
	require.NoError(t, err)
	require.NoError(t, s.Label(ctx, "kept", kept))

	_, err = s.Put(ctx, []byte("garbage"))
	require.NoError(t, err)

	entries, err := s.ListContent(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	removed, err := store.GC(ctx, s, s, []store.Ref{kept})
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	entries, err = s.ListContent(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, kept, entries[0].Ref)
}
