// Package chain implements the Event Chain (spec.md §3, §4.B): the
// per-actor, append-only, hash-linked log of every host/guest interaction
// and state transition. Every event's hash is computed from the literal
// concatenation the spec's chain-integrity invariant names —
// parent_hash || event_type || timestamp || description || data — so the
// invariant is checkable by inspecting Hash directly, with no intermediate
// generic serialization step to trust.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/theater-project/theater/store"
	"github.com/theater-project/theater/theatererr"
)

// Hash is the hex-encoded SHA-256 digest linking one event to the next.
type Hash string

// Event is one record in a chain (spec.md §3).
type Event struct {
	// Hash digests every other field, see HashOf.
	Hash Hash
	// ParentHash is the hash of the previous event in this chain. Empty
	// only for the first event.
	ParentHash Hash
	// EventType is a dotted namespace string, e.g.
	// "theater:simple/http-client/send-http.call".
	EventType string
	// Timestamp is monotonic host time at recording, in nanoseconds.
	Timestamp int64
	// Description is an optional human-readable annotation; it
	// participates in the hash like any other field.
	Description string
	// Data is the opaque payload. For host-call events it MUST contain the
	// complete serialized inputs and outputs sufficient to replay the call
	// (spec.md §3, §4.J).
	Data []byte
}

// HashOf computes the hash of an event from its other fields, matching the
// chain-integrity invariant of spec.md §3 exactly:
//
//	hash(event) = H(parent_hash || event_type || timestamp || description || data)
func HashOf(parentHash Hash, eventType string, timestamp int64, description string, data []byte) Hash {
	h := sha256.New()
	h.Write([]byte(parentHash))
	h.Write([]byte(eventType))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(timestamp))
	h.Write(tsBuf[:])
	h.Write([]byte(description))
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// Clock supplies the monotonic host time recorded on each event. The
// default, SystemClock, wraps time.Now; tests that need deterministic
// timestamps supply their own.
type Clock interface {
	Now() int64
}

// SystemClock is the default Clock, backed by the wall clock. Successive
// calls are not guaranteed strictly increasing at nanosecond resolution on
// all platforms, but Chain.Append tolerates equal timestamps: chain
// ordering is carried by the hash link, not by Timestamp.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() int64 { return time.Now().UnixNano() }

// Chain is a per-actor append-only hash-linked event log (spec.md §4.B).
// All methods are safe for concurrent use; append itself is always called
// from the owning actor's single executor task (spec.md §4.C Actor Store
// ownership), but head/iter/verify may be called concurrently by
// supervision, replay, or the management protocol for inspection.
type Chain struct {
	mu     sync.RWMutex
	events []Event
	clock  Clock
}

// New returns an empty Chain using clock for timestamps. A nil clock uses
// SystemClock.
func New(clock Clock) *Chain {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Chain{clock: clock}
}

// Append computes parent_hash from the current head, assigns a timestamp,
// computes the resulting hash, appends the event, and returns it
// (spec.md §4.B). Append failures are fatal for the owning actor per
// spec.md §4.B "Failure semantics" — this implementation itself cannot
// fail (in-memory append), but persistence failures downstream (Persist)
// must be treated that way by callers.
func (c *Chain) Append(eventType string, data []byte, description string) Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var parent Hash
	if n := len(c.events); n > 0 {
		parent = c.events[n-1].Hash
	}
	ts := c.clock.Now()
	ev := Event{
		ParentHash:  parent,
		EventType:   eventType,
		Timestamp:   ts,
		Description: description,
		Data:        data,
	}
	ev.Hash = HashOf(parent, eventType, ts, description, data)
	c.events = append(c.events, ev)
	return ev
}

// Head returns the current tail event, or ok=false for an empty chain.
func (c *Chain) Head() (Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.events) == 0 {
		return Event{}, false
	}
	return c.events[len(c.events)-1], true
}

// Len reports the number of events in the chain.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Iter returns a finite, restartable snapshot of the chain in insertion
// order. Mutating the returned slice does not affect the chain.
func (c *Chain) Iter() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Verify walks the chain confirming hash linkage (spec.md §4.B, and the
// testable property in spec.md §8.1). On the first mismatch it returns the
// offending index wrapped in a theatererr.ChainIntegrity error; nil on
// success.
func (c *Chain) Verify() error {
	events := c.Iter()
	var parent Hash
	for i, ev := range events {
		wantHash := HashOf(parent, ev.EventType, ev.Timestamp, ev.Description, ev.Data)
		if ev.Hash != wantHash {
			return theatererr.Newf(theatererr.ChainIntegrity,
				"event %d: hash mismatch (stored %s, recomputed %s)", i, ev.Hash, wantHash)
		}
		if i > 0 && ev.ParentHash != parent {
			return theatererr.Newf(theatererr.ChainIntegrity,
				"event %d: parent_hash %s does not match previous event's hash %s", i, ev.ParentHash, parent)
		}
		parent = ev.Hash
	}
	return nil
}

// persistedChain is the on-disk/Content-Store wire form of a Chain.
type persistedChain struct {
	Events []Event `json:"events"`
}

// Persist round-trips the chain through a content store, returning its
// reference (spec.md §4.B). Persist also labels "<actor-id>:chain-head"
// per spec.md §3 so future Load calls (and other components) can find the
// latest persisted chain for an actor without knowing its content ref.
func (c *Chain) Persist(ctx context.Context, s store.Store, actorID string) (store.Ref, error) {
	c.mu.RLock()
	snapshot := persistedChain{Events: append([]Event(nil), c.events...)}
	c.mu.RUnlock()

	b, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("chain: marshal: %w", err)
	}
	ref, err := s.Put(ctx, b)
	if err != nil {
		return "", fmt.Errorf("chain: persist: %w", err)
	}
	if err := s.Label(ctx, actorID+":chain-head", ref); err != nil {
		return "", fmt.Errorf("chain: label chain head: %w", err)
	}
	return ref, nil
}

// Load reconstructs a Chain from a content reference previously returned
// by Persist.
func Load(ctx context.Context, s store.Store, ref store.Ref, clock Clock) (*Chain, error) {
	b, err := s.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("chain: load: %w", err)
	}
	var snapshot persistedChain
	if err := json.Unmarshal(b, &snapshot); err != nil {
		return nil, fmt.Errorf("chain: unmarshal: %w", err)
	}
	c := New(clock)
	c.events = snapshot.Events
	if err := c.Verify(); err != nil {
		return nil, fmt.Errorf("chain: loaded chain failed verification: %w", err)
	}
	return c, nil
}

// LoadHead loads the chain currently labeled "<actor-id>:chain-head" in s,
// or ok=false if the actor has never persisted a chain.
func LoadHead(ctx context.Context, s store.Store, actorID string, clock Clock) (c *Chain, ok bool, err error) {
	ref, ok, err := s.GetByLabel(ctx, actorID+":chain-head")
	if err != nil || !ok {
		return nil, ok, err
	}
	c, err = Load(ctx, s, ref, clock)
	return c, true, err
}

// SnapshotRef is a content-addressed compaction point for a chain: the
// actor state bytes as of HeadHash, plus enough bookkeeping for Replay to
// resume verification from here instead of genesis, without discarding
// any of the chain's own history (the chain itself remains fully
// retained and verifiable; a snapshot is a read-side optimization only,
// per spec.md's Chain compaction supplement).
type SnapshotRef struct {
	// Ref is the content-store reference of the persisted snapshot
	// payload (state bytes + head hash + event count).
	Ref store.Ref
	// HeadHash is the chain head's hash at the moment the snapshot was
	// taken.
	HeadHash Hash
	// EventCount is the number of events in the chain at snapshot time;
	// VerifyFrom uses it as the resume index.
	EventCount int
}

type snapshotPayload struct {
	StateBytes []byte `json:"state_bytes"`
	HeadHash   Hash   `json:"head_hash"`
	EventCount int    `json:"event_count"`
}

// Snapshot persists stateBytes (the actor's current UpdateState payload)
// alongside the chain's current head hash and length, and labels the
// result "<actor-id>:chain-snapshot" so a later LoadSnapshot can find the
// most recent one without tracking the ref out of band.
func (c *Chain) Snapshot(ctx context.Context, s store.Store, actorID string, stateBytes []byte) (SnapshotRef, error) {
	c.mu.RLock()
	head := Hash("")
	n := len(c.events)
	if n > 0 {
		head = c.events[n-1].Hash
	}
	c.mu.RUnlock()

	payload := snapshotPayload{StateBytes: stateBytes, HeadHash: head, EventCount: n}
	b, err := json.Marshal(payload)
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("chain: marshal snapshot: %w", err)
	}
	ref, err := s.Put(ctx, b)
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("chain: persist snapshot: %w", err)
	}
	if err := s.Label(ctx, actorID+":chain-snapshot", ref); err != nil {
		return SnapshotRef{}, fmt.Errorf("chain: label snapshot: %w", err)
	}
	return SnapshotRef{Ref: ref, HeadHash: head, EventCount: n}, nil
}

// LoadSnapshot loads a previously taken SnapshotRef along with the state
// bytes it carries.
func LoadSnapshot(ctx context.Context, s store.Store, ref store.Ref) (SnapshotRef, []byte, error) {
	b, err := s.Get(ctx, ref)
	if err != nil {
		return SnapshotRef{}, nil, fmt.Errorf("chain: load snapshot: %w", err)
	}
	var payload snapshotPayload
	if err := json.Unmarshal(b, &payload); err != nil {
		return SnapshotRef{}, nil, fmt.Errorf("chain: unmarshal snapshot: %w", err)
	}
	return SnapshotRef{Ref: ref, HeadHash: payload.HeadHash, EventCount: payload.EventCount}, payload.StateBytes, nil
}

// LoadLatestSnapshot loads the snapshot currently labeled
// "<actor-id>:chain-snapshot" in s, or ok=false if none has been taken.
func LoadLatestSnapshot(ctx context.Context, s store.Store, actorID string) (snap SnapshotRef, stateBytes []byte, ok bool, err error) {
	ref, ok, err := s.GetByLabel(ctx, actorID+":chain-snapshot")
	if err != nil || !ok {
		return SnapshotRef{}, nil, ok, err
	}
	snap, stateBytes, err = LoadSnapshot(ctx, s, ref)
	return snap, stateBytes, true, err
}

// VerifyFrom behaves like Verify but trusts every event before fromIndex
// (presumed already verified, e.g. by a prior Snapshot's own Verify call
// at the time it was taken) and only recomputes hash linkage for events
// at or after fromIndex. Passing fromIndex of 0 is equivalent to Verify.
func (c *Chain) VerifyFrom(fromIndex int) error {
	events := c.Iter()
	if fromIndex < 0 || fromIndex > len(events) {
		return theatererr.Newf(theatererr.InvalidArgument, "chain: verify from index %d out of range for %d events", fromIndex, len(events))
	}
	var parent Hash
	if fromIndex > 0 {
		parent = events[fromIndex-1].Hash
	}
	for i := fromIndex; i < len(events); i++ {
		ev := events[i]
		wantHash := HashOf(parent, ev.EventType, ev.Timestamp, ev.Description, ev.Data)
		if ev.Hash != wantHash {
			return theatererr.Newf(theatererr.ChainIntegrity,
				"event %d: hash mismatch (stored %s, recomputed %s)", i, ev.Hash, wantHash)
		}
		if i > 0 && ev.ParentHash != parent {
			return theatererr.Newf(theatererr.ChainIntegrity,
				"event %d: parent_hash %s does not match previous event's hash %s", i, ev.ParentHash, parent)
		}
		parent = ev.Hash
	}
	return nil
}
