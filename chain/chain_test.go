package chain_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/theater-project/theater/chain"
	"github.com/theater-project/theater/store/fsstore"
	"github.com/theater-project/theater/theatererr"
)

// fakeClock is a Clock whose timestamps start at 1 and increase by one on
// every call.
type fakeClock struct{ t int64 }

func (c *fakeClock) Now() int64 {
	c.t++
	return c.t
}

func TestAppendLinksHashes(t *testing.T) {
	c := chain.New(&fakeClock{})

	ev1 := c.Append("theater:runtime/lifecycle.started", []byte("a"), "")
	require.Empty(t, ev1.ParentHash)

	ev2 := c.Append("theater:simple/http-client/send-http.call", []byte("b"), "fetched config")
	require.Equal(t, ev1.Hash, ev2.ParentHash)

	head, ok := c.Head()
	require.True(t, ok)
	require.Equal(t, ev2.Hash, head.Hash)
	require.Equal(t, 2, c.Len())
}

func TestVerifySucceedsForUntamperedChain(t *testing.T) {
	c := chain.New(&fakeClock{})
	c.Append("event.one", []byte("original"), "")
	c.Append("event.two", []byte("original-2"), "")
	require.NoError(t, c.Verify())
}

func TestHashOfChangesWithAnyField(t *testing.T) {
	base := chain.HashOf("parent", "type", 1, "desc", []byte("data"))
	require.NotEqual(t, base, chain.HashOf("other-parent", "type", 1, "desc", []byte("data")))
	require.NotEqual(t, base, chain.HashOf("parent", "other-type", 1, "desc", []byte("data")))
	require.NotEqual(t, base, chain.HashOf("parent", "type", 2, "desc", []byte("data")))
	require.NotEqual(t, base, chain.HashOf("parent", "type", 1, "other-desc", []byte("data")))
	require.NotEqual(t, base, chain.HashOf("parent", "type", 1, "desc", []byte("other-data")))
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := fsstore.New(t.TempDir(), "actor-chain-test")
	require.NoError(t, err)

	c := chain.New(&fakeClock{})
	c.Append("theater:runtime/lifecycle.started", []byte("init"), "")
	c.Append("theater:simple/filesystem/read-file.call", []byte("/etc/hosts"), "")

	ref, err := c.Persist(ctx, s, "actor-123")
	require.NoError(t, err)

	loaded, err := chain.Load(ctx, s, ref, &fakeClock{})
	require.NoError(t, err)
	require.Equal(t, c.Len(), loaded.Len())
	require.NoError(t, loaded.Verify())

	head, ok, err := chain.LoadHead(ctx, s, "actor-123", &fakeClock{})
	require.NoError(t, err)
	require.True(t, ok)
	gotHead, _ := head.Head()
	wantHead, _ := c.Head()
	require.Equal(t, wantHead.Hash, gotHead.Hash)
}

func TestLoadHeadUnknownActor(t *testing.T) {
	ctx := context.Background()
	s, err := fsstore.New(t.TempDir(), "actor-chain-test-2")
	require.NoError(t, err)

	_, ok, err := chain.LoadHead(ctx, s, "no-such-actor", nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadRejectsTamperedChain(t *testing.T) {
	ctx := context.Background()
	s, err := fsstore.New(t.TempDir(), "actor-chain-test-3")
	require.NoError(t, err)

	c := chain.New(&fakeClock{})
	c.Append("event.one", []byte("a"), "")
	events := c.Iter()
	events[0].Data = []byte("corrupted-after-hashing")

	type persistedChain struct {
		Events []chain.Event `json:"events"`
	}
	b, err := json.Marshal(persistedChain{Events: events})
	require.NoError(t, err)
	ref, err := s.Put(ctx, b)
	require.NoError(t, err)

	_, err = chain.Load(ctx, s, ref, &fakeClock{})
	require.Error(t, err)
	require.True(t, theatererr.Is(err, theatererr.ChainIntegrity))
}

func TestSnapshotAndLoadLatestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := fsstore.New(t.TempDir(), "actor-chain-snapshot-test")
	require.NoError(t, err)

	c := chain.New(&fakeClock{})
	c.Append("theater:runtime/lifecycle.started", []byte("init"), "")
	c.Append("theater:simple/filesystem/read-file.call", []byte("/etc/hosts"), "")

	snap, err := c.Snapshot(ctx, s, "actor-456", []byte("state-v1"))
	require.NoError(t, err)
	require.Equal(t, 2, snap.EventCount)

	head, _ := c.Head()
	require.Equal(t, head.Hash, snap.HeadHash)

	loadedSnap, stateBytes, ok, err := chain.LoadLatestSnapshot(ctx, s, "actor-456")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap.HeadHash, loadedSnap.HeadHash)
	require.Equal(t, snap.EventCount, loadedSnap.EventCount)
	require.Equal(t, "state-v1", string(stateBytes))
}

func TestLoadLatestSnapshotUnknownActor(t *testing.T) {
	ctx := context.Background()
	s, err := fsstore.New(t.TempDir(), "actor-chain-snapshot-test-2")
	require.NoError(t, err)

	_, _, ok, err := chain.LoadLatestSnapshot(ctx, s, "no-such-actor")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyFromTrustsEventsBeforeTheGivenIndex(t *testing.T) {
	c := chain.New(&fakeClock{})
	c.Append("event.one", []byte("a"), "")
	c.Append("event.two", []byte("b"), "")
	c.Append("event.three", []byte("c"), "")
	require.NoError(t, c.VerifyFrom(1))
}

func TestVerifyFromStillDetectsTamperingAtOrAfterTheGivenIndex(t *testing.T) {
	c := chain.New(&fakeClock{})
	c.Append("event.one", []byte("a"), "")
	c.Append("event.two", []byte("b"), "")
	c.Append("event.three", []byte("c"), "")

	tampered := chain.New(&fakeClock{})
	for i, ev := range c.Iter() {
		if i == 1 {
			ev.Data = []byte("corrupted")
		}
		tampered.Append(ev.EventType, ev.Data, ev.Description)
	}

	err := tampered.VerifyFrom(0)
	require.Error(t, err)
	require.True(t, theatererr.Is(err, theatererr.ChainIntegrity))
}

func TestVerifyFromRejectsOutOfRangeIndex(t *testing.T) {
	c := chain.New(&fakeClock{})
	c.Append("event.one", []byte("a"), "")
	err := c.VerifyFrom(5)
	require.Error(t, err)
	require.True(t, theatererr.Is(err, theatererr.InvalidArgument))
}

// TestHashLinkagePropertyHolds is the §8 property-1 check: any sequence of
// appended events always verifies.
func TestHashLinkagePropertyHolds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("a freshly appended chain always verifies", prop.ForAll(
		func(payloads []string) bool {
			c := chain.New(&fakeClock{})
			for _, p := range payloads {
				c.Append("event.type", []byte(p), "")
			}
			return c.Verify() == nil
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
