// Package theater implements the Theater Runtime (spec.md §4.G): the
// singleton top-level orchestrator holding the registry of every live
// actor, and the receiver for TheaterCommand messages that spawn, stop,
// restart, resume, and inspect them. Grounded on the teacher's
// registry/registry.go, generalized from "one process-wide gRPC service
// registry" to "one process-wide actor registry," including its gRPC
// server lifecycle (listen, serve in a goroutine, drain on signal/ctx,
// graceful stop) reused almost verbatim in server.go.
package theater

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/theater-project/theater/actorruntime"
	"github.com/theater-project/theater/chain"
	"github.com/theater-project/theater/component"
	"github.com/theater-project/theater/id"
	"github.com/theater-project/theater/manifest"
	"github.com/theater-project/theater/supervision"
	"github.com/theater-project/theater/telemetry"
	"github.com/theater-project/theater/theatererr"
)

const defaultQueueSize = 256
const defaultStopTimeout = 10 * time.Second

// Options configures a Runtime.
type Options struct {
	// QueueSize bounds the command queue; a full queue returns Busy to
	// the caller rather than blocking (spec.md §5 "Backpressure").
	QueueSize int
	// StopTimeout bounds how long StopActor/RestartActor wait for an
	// actor's Shutdown to finish before giving up on it (spec.md §4.G:
	// "waits up to a configured timeout, then force-terminates"; our
	// force-termination is simply abandoning the wait — the actor's own
	// handler/executor goroutines are still signalled to stop via the
	// shutdown channel they were given at Start).
	StopTimeout time.Duration
	Telemetry   telemetry.Bundle
}

// actorRecord is spec.md §4.G's ActorProcess: "{ handle, parent, children,
// status, manifest-bytes }". We keep the full *actorruntime.Process
// rather than re-deriving handle/status/manifest separately, since
// Process already exposes Handle, Manifest, Chain, and State.Status.
type actorRecord struct {
	proc      *actorruntime.Process
	parent    id.ActorID
	hasParent bool
	children  map[id.ActorID]struct{}
}

// stoppedRecord retains just enough of a terminated actor's identity to
// resume it later by the same ActorId (supervision's "resume" primitive,
// spec.md §4.H): its manifest, its chain (so the resumed actor continues
// appending to the same history), and its former parent.
type stoppedRecord struct {
	manifest  *manifest.Manifest
	chain     *chain.Chain
	parent    id.ActorID
	hasParent bool
}

// Runtime is the Theater Runtime. Construct one with New, run its
// command loop with Run, and reach every other operation through its
// exported methods — never by touching actorruntime.Process directly.
type Runtime struct {
	deps        actorruntime.Deps
	notifier    *supervision.Dispatcher
	telemetry   telemetry.Bundle
	stopTimeout time.Duration

	commands chan any

	// mu guards records/stoppedMeta. Mutating operations (spawn, stop,
	// restart, resume) are only ever issued from Run's single goroutine
	// per spec.md §5's "the Theater Runtime's actor registry is owned by
	// a single task"; the mutex exists so read-only inspection
	// (ActorHandle, GetActorState, GetActorEvents, ListChildren, and the
	// supervisor Dispatcher's synchronous lifecycle callback, which must
	// complete without going back through the command channel it may
	// itself be blocking) can proceed concurrently with that task
	// without a second round-trip through the command queue.
	mu          sync.RWMutex
	records     map[id.ActorID]*actorRecord
	stoppedMeta map[id.ActorID]stoppedRecord
}

// New constructs a Theater Runtime. deps is shared, unmodified, across
// every actor it spawns or restarts.
func New(deps actorruntime.Deps, opts Options) *Runtime {
	tel := opts.Telemetry
	if tel.Logger == nil {
		tel = telemetry.NoOp()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	rt := &Runtime{
		deps:        deps,
		telemetry:   tel,
		stopTimeout: stopTimeout,
		commands:    make(chan any, queueSize),
		records:     make(map[id.ActorID]*actorRecord),
		stoppedMeta: make(map[id.ActorID]stoppedRecord),
	}
	rt.notifier = supervision.NewDispatcher(rt, tel.Logger)
	return rt
}

// Run is the Theater Runtime's command loop. Call it exactly once, from
// the goroutine that owns the registry; it returns when ctx is
// cancelled.
func (rt *Runtime) Run(ctx context.Context) {
	for {
		select {
		case cmd := <-rt.commands:
			rt.dispatch(ctx, cmd)
		case <-ctx.Done():
			return
		}
	}
}

func (rt *Runtime) dispatch(ctx context.Context, cmd any) {
	switch c := cmd.(type) {
	case spawnCmd:
		rt.handleSpawn(ctx, c)
	case stopCmd:
		c.reply <- rt.stopRecursive(ctx, c.actorID)
	case restartCmd:
		rt.handleRestart(ctx, c)
	case resumeChildCmd:
		c.reply <- rt.handleResumeChild(ctx, c)
	case resumeManifestCmd:
		rt.handleResumeManifest(ctx, c)
	}
}

// --- command envelopes ---

type spawnCmd struct {
	manifest     *manifest.Manifest
	parent       id.ActorID
	hasParent    bool
	initOverride []byte
	reply        chan spawnReply
}

type spawnReply struct {
	actorID id.ActorID
	err     error
}

type stopCmd struct {
	actorID id.ActorID
	reply   chan error
}

type restartCmd struct {
	actorID id.ActorID
	reason  string
	reply   chan spawnReply
}

type resumeChildCmd struct {
	actorID    id.ActorID
	stateBytes []byte
	reply      chan error
}

type resumeManifestCmd struct {
	manifest   *manifest.Manifest
	stateBytes []byte
	reply      chan spawnReply
}

// enqueue sends cmd on the command channel, returning Busy immediately if
// it is full (spec.md §5: "enqueueing to a full queue returns a typed
// Busy error rather than blocking indefinitely"), mirroring
// executor.Executor.Call's own non-blocking-send-then-Busy pattern.
func enqueue(commands chan any, cmd any) error {
	select {
	case commands <- cmd:
		return nil
	default:
		return theatererr.New(theatererr.Busy, "theater command queue full")
	}
}

// SpawnActor implements spec.md §4.G's SpawnActor command: starts a fresh
// actor from m under parent (if hasParent), replying with its new
// ActorId.
func (rt *Runtime) SpawnActor(ctx context.Context, m *manifest.Manifest, parent id.ActorID, hasParent bool, initOverride []byte) (id.ActorID, error) {
	reply := make(chan spawnReply, 1)
	if err := enqueue(rt.commands, spawnCmd{manifest: m, parent: parent, hasParent: hasParent, initOverride: initOverride, reply: reply}); err != nil {
		return id.ActorID{}, err
	}
	select {
	case r := <-reply:
		return r.actorID, r.err
	case <-ctx.Done():
		return id.ActorID{}, theatererr.Wrap(theatererr.Cancelled, "theater: spawn actor", ctx.Err())
	}
}

// StopActor implements spec.md §4.G's StopActor command: stops every
// descendant of actorID depth-first, then actorID itself.
func (rt *Runtime) StopActor(ctx context.Context, actorID id.ActorID) error {
	reply := make(chan error, 1)
	if err := enqueue(rt.commands, stopCmd{actorID: actorID, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return theatererr.Wrap(theatererr.Cancelled, "theater: stop actor", ctx.Err())
	}
}

// RestartActor implements spec.md §4.G's RestartActor command: stop, then
// spawn fresh using the same manifest and chain, appending a restart
// event, keeping the same ActorId.
func (rt *Runtime) RestartActor(ctx context.Context, actorID id.ActorID, reason string) error {
	reply := make(chan spawnReply, 1)
	if err := enqueue(rt.commands, restartCmd{actorID: actorID, reason: reason, reply: reply}); err != nil {
		return err
	}
	select {
	case r := <-reply:
		return r.err
	case <-ctx.Done():
		return theatererr.Wrap(theatererr.Cancelled, "theater: restart actor", ctx.Err())
	}
}

// ResumeActor implements supervision.TheaterOps and spec.md §4.H's
// "resume" primitive: bring a previously stopped actor back under its
// original ActorId, using its retained manifest and chain plus
// caller-supplied state bytes. For the distinct top-level TheaterCommand
// ResumeActor{manifest, state_bytes, reply} of spec.md §4.G — which
// supplies its own manifest and has no existing tracked actor to find —
// see ResumeActorFromManifest.
func (rt *Runtime) ResumeActor(ctx context.Context, actorID id.ActorID, stateBytes []byte) error {
	reply := make(chan error, 1)
	if err := enqueue(rt.commands, resumeChildCmd{actorID: actorID, stateBytes: stateBytes, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return theatererr.Wrap(theatererr.Cancelled, "theater: resume child", ctx.Err())
	}
}

// ResumeActorFromManifest implements spec.md §4.G's top-level
// ResumeActor command: `{ manifest, state_bytes, reply }`. Unlike
// ResumeActor, this spawns a fresh ActorId and chain — it is how an
// externally supplied manifest and state (e.g. from the management
// protocol) brings an actor back without the Theater Runtime ever having
// tracked it as a child.
func (rt *Runtime) ResumeActorFromManifest(ctx context.Context, m *manifest.Manifest, stateBytes []byte) (id.ActorID, error) {
	reply := make(chan spawnReply, 1)
	if err := enqueue(rt.commands, resumeManifestCmd{manifest: m, stateBytes: stateBytes, reply: reply}); err != nil {
		return id.ActorID{}, err
	}
	select {
	case r := <-reply:
		return r.actorID, r.err
	case <-ctx.Done():
		return id.ActorID{}, theatererr.Wrap(theatererr.Cancelled, "theater: resume actor", ctx.Err())
	}
}

// GetActorState implements spec.md §4.G's GetActorState command.
func (rt *Runtime) GetActorState(ctx context.Context, actorID id.ActorID) ([]byte, error) {
	rt.mu.RLock()
	rec, ok := rt.records[actorID]
	rt.mu.RUnlock()
	if !ok {
		return nil, theatererr.Newf(theatererr.NotFound, "theater: actor %s not found", actorID)
	}
	return rec.proc.Handle.GetState(ctx)
}

// ActorEvents implements spec.md §4.G's GetActorEvents command: "a
// snapshot iteration of the chain; it does not block the actor." It
// reads Process.Chain directly under the registry's read lock rather
// than routing through the command queue, since chain.Chain.Iter is
// already safe for concurrent readers and doing so would otherwise
// serialize event reads behind every other registry operation.
func (rt *Runtime) ActorEvents(ctx context.Context, actorID id.ActorID) ([]chain.Event, error) {
	rt.mu.RLock()
	rec, ok := rt.records[actorID]
	rt.mu.RUnlock()
	if !ok {
		return nil, theatererr.Newf(theatererr.NotFound, "theater: actor %s not found", actorID)
	}
	return rec.proc.Chain.Iter(), nil
}

// GetActorEvents implements supervision.TheaterOps: the same contract as
// ActorEvents, JSON-encoded for delivery back across the guest/host ABI
// boundary a supervisor host function call crosses.
func (rt *Runtime) GetActorEvents(ctx context.Context, actorID id.ActorID) ([]byte, error) {
	events, err := rt.ActorEvents(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(events)
}

// ListChildren implements spec.md §4.G's ListChildren command.
func (rt *Runtime) ListChildren(ctx context.Context, parent id.ActorID) ([]id.ActorID, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	rec, ok := rt.records[parent]
	if !ok {
		return nil, theatererr.Newf(theatererr.NotFound, "theater: actor %s not found", parent)
	}
	out := make([]id.ActorID, 0, len(rec.children))
	for c := range rec.children {
		out = append(out, c)
	}
	return out, nil
}

// ReplayInputs implements nexusbridge.ActorLookup, resolving the pieces
// replay.Replay needs for a live actor: its component runtime, its loaded
// component, and its chain. Reads the registry directly, like the other
// inspection methods.
func (rt *Runtime) ReplayInputs(ctx context.Context, actorID id.ActorID) (component.Runtime, component.Component, *chain.Chain, error) {
	rt.mu.RLock()
	rec, ok := rt.records[actorID]
	rt.mu.RUnlock()
	if !ok {
		return nil, nil, nil, theatererr.Newf(theatererr.NotFound, "theater: actor %s not found", actorID)
	}
	return rt.deps.ComponentRuntime, rec.proc.Component, rec.proc.Chain, nil
}

// AllActorIDs returns every currently live actor's id, for the management
// protocol's ListActors (spec.md §6). Like the other inspection methods it
// reads the registry directly rather than via the command queue.
func (rt *Runtime) AllActorIDs() []id.ActorID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]id.ActorID, 0, len(rt.records))
	for actorID := range rt.records {
		out = append(out, actorID)
	}
	return out
}

// ActorHandle implements supervision.HandleLookup, resolving a live
// actor's handle for the Dispatcher to deliver lifecycle notices
// through. Reads the registry directly rather than via the command
// queue: NotifyTerminated is called synchronously from inside a Process
// Shutdown that the Theater command loop may itself currently be
// blocked on (see stopRecursive), so routing this lookup back through
// the same command channel would deadlock.
func (rt *Runtime) ActorHandle(actorID id.ActorID) (*actorruntime.ActorHandle, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	rec, ok := rt.records[actorID]
	if !ok {
		return nil, false
	}
	return rec.proc.Handle, true
}

// SpawnActorChild implements supervision.TheaterOps.
func (rt *Runtime) SpawnActorChild(ctx context.Context, parent id.ActorID, m *manifest.Manifest) (id.ActorID, error) {
	return rt.SpawnActor(ctx, m, parent, true, nil)
}

// --- command handlers, run only from Run's goroutine ---

func (rt *Runtime) handleSpawn(ctx context.Context, c spawnCmd) {
	startOpts := actorruntime.StartOptions{
		Manifest:            c.manifest,
		Parent:              c.parent,
		HasParent:           c.hasParent,
		Notifier:            rt.notifier,
		StateOverride:       c.initOverride,
		OnAutonomousFailure: rt.deregisterFailed,
	}
	proc, result := actorruntime.Start(ctx, rt.deps, startOpts)
	if result.Kind != actorruntime.StartOk {
		c.reply <- spawnReply{err: fmt.Errorf("theater: spawn actor %q: %s: %w", c.manifest.Name, result.Kind, result.Err)}
		return
	}
	rt.register(result.ActorID, proc, c.parent, c.hasParent)
	c.reply <- spawnReply{actorID: result.ActorID}
}

func (rt *Runtime) register(actorID id.ActorID, proc *actorruntime.Process, parent id.ActorID, hasParent bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.records[actorID] = &actorRecord{proc: proc, parent: parent, hasParent: hasParent, children: make(map[id.ActorID]struct{})}
	delete(rt.stoppedMeta, actorID)
	if hasParent {
		if parentRec, ok := rt.records[parent]; ok {
			parentRec.children[actorID] = struct{}{}
		}
	}
}

// stopRecursive stops every descendant of actorID depth-first, then
// actorID itself (spec.md §4.G: "All descendants are stopped depth-first
// before the target"), and retains enough of its identity in stoppedMeta
// for a later resume.
func (rt *Runtime) stopRecursive(ctx context.Context, actorID id.ActorID) error {
	rt.mu.RLock()
	rec, ok := rt.records[actorID]
	var children []id.ActorID
	if ok {
		for c := range rec.children {
			children = append(children, c)
		}
	}
	rt.mu.RUnlock()
	if !ok {
		return theatererr.Newf(theatererr.NotFound, "theater: actor %s not found", actorID)
	}

	for _, child := range children {
		if err := rt.stopRecursive(ctx, child); err != nil {
			rt.telemetry.Logger.Warn("theater: stop descendant failed", "child", child.String(), "err", err.Error())
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, rt.stopTimeout)
	defer cancel()
	err := rec.proc.Shutdown(stopCtx, "stopped by command")

	rt.mu.Lock()
	delete(rt.records, actorID)
	rt.stoppedMeta[actorID] = stoppedRecord{manifest: rec.proc.Manifest, chain: rec.proc.Chain, parent: rec.parent, hasParent: rec.hasParent}
	if rec.hasParent {
		if parentRec, ok := rt.records[rec.parent]; ok {
			delete(parentRec.children, actorID)
		}
	}
	rt.mu.Unlock()

	return err
}

// deregisterFailed removes a failed actor (and, depth-first, its
// descendants) from the registry, mirroring stopRecursive's
// registry-cleanup tail. It is the Theater Runtime's
// actorruntime.StartOptions.OnAutonomousFailure callback: by the time it
// runs, the failed actor's own Process.Shutdown has already completed
// and notified its parent (spec.md §4.H — the lifecycle event follows
// the Failed transition on its own, with no StopActor/RestartActor
// required). It is called from whatever detached goroutine the failure
// hook spawned, not from Run's goroutine, so it reaches the registry via
// the same rt.mu bypass the inspection methods and supervision.Dispatcher
// use, rather than the command channel.
func (rt *Runtime) deregisterFailed(ctx context.Context, actorID id.ActorID) {
	rt.mu.RLock()
	rec, ok := rt.records[actorID]
	var children []id.ActorID
	if ok {
		for c := range rec.children {
			children = append(children, c)
		}
	}
	rt.mu.RUnlock()
	if !ok {
		// Already cleaned up — e.g. an external StopActor raced this
		// callback and won.
		return
	}

	for _, child := range children {
		if err := rt.stopRecursive(ctx, child); err != nil {
			rt.telemetry.Logger.Warn("theater: stop child of failed actor failed", "child", child.String(), "err", err.Error())
		}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, stillPresent := rt.records[actorID]; !stillPresent {
		return
	}
	delete(rt.records, actorID)
	rt.stoppedMeta[actorID] = stoppedRecord{manifest: rec.proc.Manifest, chain: rec.proc.Chain, parent: rec.parent, hasParent: rec.hasParent}
	if rec.hasParent {
		if parentRec, ok := rt.records[rec.parent]; ok {
			delete(parentRec.children, actorID)
		}
	}
}

func (rt *Runtime) handleRestart(ctx context.Context, c restartCmd) {
	rt.mu.RLock()
	rec, ok := rt.records[c.actorID]
	rt.mu.RUnlock()
	if !ok {
		c.reply <- spawnReply{err: theatererr.Newf(theatererr.NotFound, "theater: actor %s not found", c.actorID)}
		return
	}
	m := rec.proc.Manifest
	existingChain := rec.proc.Chain
	parent := rec.parent
	hasParent := rec.hasParent

	if err := rt.stopRecursive(ctx, c.actorID); err != nil {
		rt.telemetry.Logger.Warn("theater: restart: stop before respawn failed", "actor_id", c.actorID.String(), "err", err.Error())
	}

	proc, result := actorruntime.Start(ctx, rt.deps, actorruntime.StartOptions{
		Manifest:            m,
		Parent:              parent,
		HasParent:           hasParent,
		Notifier:            rt.notifier,
		ExistingChain:       existingChain,
		RestartReason:       c.reason,
		ActorIDOverride:     c.actorID,
		OnAutonomousFailure: rt.deregisterFailed,
	})
	if result.Kind != actorruntime.StartOk {
		c.reply <- spawnReply{err: fmt.Errorf("theater: restart actor %q: %s: %w", m.Name, result.Kind, result.Err)}
		return
	}
	rt.register(result.ActorID, proc, parent, hasParent)
	c.reply <- spawnReply{actorID: result.ActorID}
}

func (rt *Runtime) handleResumeChild(ctx context.Context, c resumeChildCmd) error {
	rt.mu.RLock()
	meta, ok := rt.stoppedMeta[c.actorID]
	rt.mu.RUnlock()
	if !ok {
		return theatererr.Newf(theatererr.NotFound, "theater: no stopped actor %s to resume", c.actorID)
	}
	proc, result := actorruntime.Start(ctx, rt.deps, actorruntime.StartOptions{
		Manifest:            meta.manifest,
		Parent:              meta.parent,
		HasParent:           meta.hasParent,
		Notifier:            rt.notifier,
		ExistingChain:       meta.chain,
		RestartReason:       "resume",
		StateOverride:       c.stateBytes,
		ActorIDOverride:     c.actorID,
		OnAutonomousFailure: rt.deregisterFailed,
	})
	if result.Kind != actorruntime.StartOk {
		return fmt.Errorf("theater: resume actor %q: %s: %w", meta.manifest.Name, result.Kind, result.Err)
	}
	rt.register(result.ActorID, proc, meta.parent, meta.hasParent)
	return nil
}

func (rt *Runtime) handleResumeManifest(ctx context.Context, c resumeManifestCmd) {
	proc, result := actorruntime.Start(ctx, rt.deps, actorruntime.StartOptions{
		Manifest:            c.manifest,
		Notifier:            rt.notifier,
		StateOverride:       c.stateBytes,
		OnAutonomousFailure: rt.deregisterFailed,
	})
	if result.Kind != actorruntime.StartOk {
		c.reply <- spawnReply{err: fmt.Errorf("theater: resume actor %q: %s: %w", c.manifest.Name, result.Kind, result.Err)}
		return
	}
	rt.register(result.ActorID, proc, id.ActorID{}, false)
	c.reply <- spawnReply{actorID: result.ActorID}
}

// Roots returns the ActorIds of every actor with no parent, for an
// orderly full-runtime shutdown.
func (rt *Runtime) Roots() []id.ActorID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []id.ActorID
	for actorID, rec := range rt.records {
		if !rec.hasParent {
			out = append(out, actorID)
		}
	}
	return out
}

// ShutdownAll stops every root actor (and, depth-first, its descendants)
// and waits for deadline. Callers still own cancelling the context Run
// was started with once this returns.
func (rt *Runtime) ShutdownAll(ctx context.Context) error {
	var firstErr error
	for _, actorID := range rt.Roots() {
		if err := rt.StopActor(ctx, actorID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
