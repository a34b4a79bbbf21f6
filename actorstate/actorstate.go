// Package actorstate implements the Actor Store (spec.md §4.C): the
// mutable per-actor context threaded alongside every host call. An
// actorstate.State is owned exclusively by the Actor Executor of the actor
// it describes, and must only be mutated from that actor's own execution
// goroutine (spec.md §3's ownership rule) — the type itself does no
// internal locking, the same way the teacher's engine.WorkflowContext
// assumes single-goroutine workflow execution.
package actorstate

import (
	"github.com/theater-project/theater/id"
)

// Status is an actor's lifecycle state, tracked by its owning executor and
// reported to supervision and the management protocol.
type Status string

const (
	// StatusStarting: component instantiated, host functions wired, guest
	// init not yet confirmed complete.
	StatusStarting Status = "starting"
	// StatusRunning: steady state, accepting Call/UpdateState/GetState.
	StatusRunning Status = "running"
	// StatusStopping: Shutdown command accepted, draining in-flight calls.
	StatusStopping Status = "stopping"
	// StatusStopped: executor loop exited cleanly.
	StatusStopped Status = "stopped"
	// StatusFailed: a guest call failed fatally (guest trap, chain
	// integrity or internal error) or timed out with no interruption
	// primitive. The executor loop keeps running until it is shut down.
	StatusFailed Status = "failed"
)

// Terminal reports whether no further transition is expected from this
// status without an external restart (supervision spawning a fresh actor).
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// State is the per-actor context of spec.md §3: `{ actor_id, chain_handle,
// parent_id?, children, status }`. ChainHandle is an opaque field of type
// any so this package has no import-time dependency on the chain
// package's concrete representation — the Actor Runtime wires the two
// together (spec.md's component table keeps Actor Store and Event Chain
// independently reusable).
type State struct {
	ActorID id.ActorID

	// ChainHandle identifies this actor's event chain to whatever owns it
	// (typically a *chain.Chain held by the Actor Runtime); actorstate
	// treats it as opaque data to copy, not to interpret.
	ChainHandle any

	// ParentID is unset for a root (non-supervised) actor.
	ParentID   id.ActorID
	HasParent  bool
	Children   map[id.ActorID]struct{}
	Status     Status
	ManifestRef string // name of the manifest the actor was started from (actorruntime.Start passes Manifest.Name); not a content-store reference.

	onFailed        func()
	failureNotified bool
}

// New returns a freshly starting State with no children and no parent.
func New(actorID id.ActorID, chainHandle any, manifestRef string) *State {
	return &State{
		ActorID:     actorID,
		ChainHandle: chainHandle,
		Children:    make(map[id.ActorID]struct{}),
		Status:      StatusStarting,
		ManifestRef: manifestRef,
	}
}

// NewChild returns a freshly starting State with parent set, for an actor
// spawned via a supervisor host function (spec.md §4.I).
func NewChild(actorID id.ActorID, chainHandle any, manifestRef string, parent id.ActorID) *State {
	s := New(actorID, chainHandle, manifestRef)
	s.ParentID = parent
	s.HasParent = true
	return s
}

// AddChild records a newly spawned child. Must be called only from the
// owning actor's execution goroutine.
func (s *State) AddChild(child id.ActorID) {
	s.Children[child] = struct{}{}
}

// RemoveChild drops a child that has stopped or been reparented.
func (s *State) RemoveChild(child id.ActorID) {
	delete(s.Children, child)
}

// ChildIDs returns a snapshot slice of current children, in no particular
// order.
func (s *State) ChildIDs() []id.ActorID {
	out := make([]id.ActorID, 0, len(s.Children))
	for c := range s.Children {
		out = append(out, c)
	}
	return out
}

// SetFailureHook registers fn to fire exactly once, the first time this
// actor transitions to StatusFailed — whether that happens via a timed
// out call or a fatal error returned from a live call (spec.md §4.E).
// The Actor Runtime uses this to react to the transition autonomously
// instead of waiting for an external StopActor/RestartActor (spec.md
// §4.H: a Failed transition delivers a lifecycle event to the parent on
// its own). fn must not block: it runs on the executor's own goroutine,
// inline with the SetStatus call that triggered it, so a registrar that
// needs to call back into this actor (e.g. to drain its executor) must
// do so from a goroutine of its own.
func (s *State) SetFailureHook(fn func()) {
	s.onFailed = fn
}

// SetStatus transitions the actor's lifecycle status, firing the
// failure hook exactly once on the first transition to StatusFailed.
func (s *State) SetStatus(status Status) {
	s.Status = status
	if status == StatusFailed && !s.failureNotified {
		s.failureNotified = true
		if s.onFailed != nil {
			s.onFailed()
		}
	}
}
