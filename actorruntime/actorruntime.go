// Package actorruntime implements the Actor Runtime (spec.md §4.F): the
// per-actor orchestrator that resolves a manifest into a running actor —
// loading its component, wiring capability handlers, instantiating, and
// spawning the Executor plus one task per handler's start(). Grounded on
// the teacher's agents/runtime/runtime package, which plays the same
// orchestrator role over a single agent run (resolve config, wire tools,
// spawn the workflow, publish a handle callers use to interact with it).
package actorruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/theater-project/theater/actorstate"
	"github.com/theater-project/theater/capability"
	"github.com/theater-project/theater/chain"
	"github.com/theater-project/theater/component"
	"github.com/theater-project/theater/executor"
	"github.com/theater-project/theater/id"
	"github.com/theater-project/theater/manifest"
	"github.com/theater-project/theater/store"
	"github.com/theater-project/theater/telemetry"
	"github.com/theater-project/theater/theatererr"
)

// LifecycleInterface is the guest export interface an actor optionally
// implements to receive its init call (spec.md §4.F step 3: "invoke the
// actor's init export (if any) with the manifest name").
var LifecycleInterface = capability.InterfaceID{Interface: "theater:simple/actor-lifecycle", Version: "0.1.0"}

// InitFunction is the guest export name invoked at start, if the
// component declares LifecycleInterface among its exports.
const InitFunction = "init"

const defaultInitTimeout = 10 * time.Second

// defaultFailureShutdownTimeout bounds the autonomous teardown a failed
// actor's own failure hook triggers (spec.md §4.H): it runs detached
// from whatever context Start was called with, since that context may
// already be gone by the time a long-lived actor traps.
const defaultFailureShutdownTimeout = 10 * time.Second

type initParams struct {
	Name      string `json:"name"`
	InitState []byte `json:"init_state,omitempty"`
}

// LifecycleOutcome classifies why an actor terminated, for the lifecycle
// event its Actor Runtime sends to a parent (spec.md §4.F step 5, §4.H).
type LifecycleOutcome string

const (
	OutcomeExit         LifecycleOutcome = "exit"
	OutcomeFailed       LifecycleOutcome = "failed"
	OutcomeExternalStop LifecycleOutcome = "external_stop"
)

// LifecycleEvent is delivered to a LifecycleNotifier when a child actor
// terminates.
type LifecycleEvent struct {
	Child    id.ActorID
	Outcome  LifecycleOutcome
	ExitData []byte
	Err      error
}

// LifecycleNotifier receives termination notices for actors with a
// parent. Supervision (spec.md §4.H) implements this; actorruntime only
// depends on the interface, keeping the dependency edge one-directional
// the same way capability.Handler depends only on capability.ActorHandle.
type LifecycleNotifier interface {
	NotifyTerminated(ctx context.Context, parent id.ActorID, ev LifecycleEvent)
}

// Deps are the shared, runtime-wide collaborators every actor is started
// against. A Theater Runtime constructs one Deps and reuses it for every
// SpawnActor/RestartActor/ResumeActor call.
type Deps struct {
	Store             store.Store
	ComponentRuntime  component.Runtime
	Handlers          *capability.Registry
	Clock             chain.Clock
	Telemetry         telemetry.Bundle
	ExecutorQueueSize int
	Interruptible     bool
	InitTimeout       time.Duration
}

// StartOptions parameterizes one actor start. ExistingChain/RestartReason
// are set by the Theater Runtime for RestartActor (spec.md §4.G: "the
// chain is preserved across restart with a restart event"); StateOverride
// is set for ResumeActor, bypassing the manifest's own init_state.
type StartOptions struct {
	Manifest      *manifest.Manifest
	Parent        id.ActorID
	HasParent     bool
	Notifier      LifecycleNotifier
	ExistingChain *chain.Chain
	RestartReason string
	StateOverride []byte
	// ActorIDOverride, when non-zero, reuses an existing ActorId instead of
	// minting a new one. Theater's RestartActor sets this: spec.md §4.G's
	// RestartActor command takes only the existing {id, reply}, with no new
	// id coming back, so the restarted actor keeps its caller-visible
	// identity across the restart even though it is a fresh Process.
	ActorIDOverride id.ActorID
	// OnAutonomousFailure, if set, runs after this actor's Shutdown
	// completes following an autonomous transition to StatusFailed — a
	// guest trap or other fatal error returned from a live call, or an
	// unrecoverable timeout (spec.md §4.E) — as opposed to an explicit
	// StopActor/RestartActor. The Theater Runtime wires this to its own
	// registry cleanup, since spec.md §4.H describes the lifecycle event
	// to the parent as an automatic consequence of failing, not something
	// gated on an operator stopping the actor.
	OnAutonomousFailure func(ctx context.Context, actorID id.ActorID)
}

// StartResultKind is the taxonomy of spec.md §4.F: "Ok(ActorId),
// FailedToLoadComponent, MissingImport, MissingExport, InitFailed(error),
// HandlerSetupFailed(name, error)".
type StartResultKind string

const (
	StartOk                    StartResultKind = "ok"
	StartFailedToLoadComponent StartResultKind = "failed_to_load_component"
	StartMissingImport         StartResultKind = "missing_import"
	StartMissingExport         StartResultKind = "missing_export"
	StartInitFailed            StartResultKind = "init_failed"
	StartHandlerSetupFailed    StartResultKind = "handler_setup_failed"
)

// StartResult is the outcome of Start.
type StartResult struct {
	Kind        StartResultKind
	ActorID     id.ActorID
	HandlerName string
	Err         error
}

// ActorHandle is the "cheaply cloneable token" of spec.md §4.F step 4:
// every other component (Message Router, supervision, the management
// protocol) reaches this actor only through one of these, never the
// Process or the Instance directly.
type ActorHandle struct {
	actorID id.ActorID
	exec    *executor.Executor
}

// ActorID implements capability.ActorHandle.
func (h *ActorHandle) ActorID() id.ActorID { return h.actorID }

// Call invokes a guest export through this actor's executor.
func (h *ActorHandle) Call(ctx context.Context, iface capability.InterfaceID, function string, params []byte, deadline time.Duration) ([]byte, error) {
	return h.exec.Call(ctx, iface, function, params, deadline)
}

// GetState reads this actor's current state bytes.
func (h *ActorHandle) GetState(ctx context.Context) ([]byte, error) {
	return h.exec.GetState(ctx)
}

// UpdateState writes new state bytes for this actor.
func (h *ActorHandle) UpdateState(ctx context.Context, bytes []byte) error {
	return h.exec.UpdateState(ctx, bytes)
}

// Process is a running actor: the bundle of tasks and state an Actor
// Runtime Start call produced. The Theater Runtime holds one Process per
// live actor.
type Process struct {
	Handle   *ActorHandle
	Manifest *manifest.Manifest
	Chain    *chain.Chain
	State    *actorstate.State
	// Component is the loaded component this actor was instantiated from,
	// kept around so callers (e.g. the Replay Engine) can re-drive its
	// exports without reloading it from the store.
	Component component.Component

	instance  component.Instance
	exec      *executor.Executor
	store     store.Store
	notifier  LifecycleNotifier
	parent    id.ActorID
	hasParent bool
	telemetry telemetry.Bundle

	handlerShutdown chan struct{}
	handlerWG       sync.WaitGroup
	handlerErrsMu   sync.Mutex
	handlerErrs     []error

	shutdownOnce sync.Once
	shutdownErr  error
}

// HandlerErrors returns a snapshot of errors returned by handler Start
// calls so far.
func (p *Process) HandlerErrors() []error {
	p.handlerErrsMu.Lock()
	defer p.handlerErrsMu.Unlock()
	return append([]error(nil), p.handlerErrs...)
}

func (p *Process) recordHandlerErr(name string, err error) {
	p.handlerErrsMu.Lock()
	p.handlerErrs = append(p.handlerErrs, fmt.Errorf("handler %q: %w", name, err))
	p.handlerErrsMu.Unlock()
	p.telemetry.Logger.Error("handler start returned an error", "actor_id", p.Handle.ActorID().String(), "handler", name, "err", err.Error())
}

// Start implements spec.md §4.F steps 1-4: resolve manifest, load
// component, wire handlers, instantiate, spawn executor and handler
// tasks, run init, publish the ActorHandle.
func Start(ctx context.Context, deps Deps, opts StartOptions) (*Process, StartResult) {
	actorID := opts.ActorIDOverride
	if actorID.IsZero() {
		actorID = id.NewActorID()
	}

	tel := deps.Telemetry
	if tel.Logger == nil {
		tel = telemetry.NoOp()
	}

	m := opts.Manifest

	componentBytes, err := loadComponentBytes(ctx, deps.Store, m.Component)
	if err != nil {
		return nil, StartResult{Kind: StartFailedToLoadComponent, ActorID: actorID, Err: err}
	}

	comp, err := deps.ComponentRuntime.LoadComponent(ctx, componentBytes)
	if err != nil {
		return nil, StartResult{Kind: StartFailedToLoadComponent, ActorID: actorID, Err: err}
	}

	handlers, err := deps.Handlers.Resolve(comp.Imports())
	if err != nil {
		return nil, StartResult{Kind: StartMissingImport, ActorID: actorID, Err: err}
	}
	for _, h := range handlers {
		if ia, ok := h.(capability.IdentityAware); ok {
			ia.BindActorID(actorID)
		}
	}

	instance, err := deps.ComponentRuntime.Instantiate(ctx, comp, handlers)
	if err != nil {
		return nil, classifyInstantiateError(actorID, err)
	}

	c := opts.ExistingChain
	if c == nil {
		c = chain.New(deps.Clock)
		c.Append("theater:runtime/lifecycle.spawn", []byte(m.Name), "")
	} else {
		c.Append("theater:runtime/lifecycle.restart", []byte(opts.RestartReason), "")
	}

	var state *actorstate.State
	if opts.HasParent {
		state = actorstate.NewChild(actorID, c, m.Name, opts.Parent)
	} else {
		state = actorstate.New(actorID, c, m.Name)
	}

	exec := executor.New(instance, c, state, executor.Options{
		QueueSize:     deps.ExecutorQueueSize,
		Interruptible: deps.Interruptible,
	})
	handle := &ActorHandle{actorID: actorID, exec: exec}

	p := &Process{
		Handle:          handle,
		Manifest:        m,
		Chain:           c,
		State:           state,
		Component:       comp,
		instance:        instance,
		exec:            exec,
		store:           deps.Store,
		notifier:        opts.Notifier,
		parent:          opts.Parent,
		hasParent:       opts.HasParent,
		telemetry:       tel,
		handlerShutdown: make(chan struct{}),
	}

	if opts.OnAutonomousFailure != nil {
		notify := opts.OnAutonomousFailure
		// Registered before Run starts, so there is no window where the
		// executor goroutine could reach StatusFailed before the hook is
		// in place. The hook itself must not block the executor's own
		// goroutine (SetFailureHook's contract), so the actual teardown
		// and notification run detached, in their own goroutine.
		state.SetFailureHook(func() {
			go func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultFailureShutdownTimeout)
				defer cancel()
				_ = p.Shutdown(shutdownCtx, "actor failed")
				notify(shutdownCtx, actorID)
			}()
		})
	}

	go exec.Run(ctx)

	for _, h := range handlers {
		h := h
		p.handlerWG.Add(1)
		go func() {
			defer p.handlerWG.Done()
			if err := h.Start(ctx, handle, p.handlerShutdown); err != nil {
				p.recordHandlerErr(h.Name(), err)
			}
		}()
	}

	initBytes := opts.StateOverride
	if initBytes == nil {
		b, err := loadInitStateBytes(ctx, deps.Store, m.InitState)
		if err != nil {
			p.teardownAfterFailedStart(ctx)
			return nil, StartResult{Kind: StartInitFailed, ActorID: actorID, Err: err}
		}
		initBytes = b
	}
	if len(initBytes) > 0 {
		if err := exec.UpdateState(ctx, initBytes); err != nil {
			p.teardownAfterFailedStart(ctx)
			return nil, StartResult{Kind: StartInitFailed, ActorID: actorID, Err: err}
		}
	}

	if hasExport(comp, LifecycleInterface) {
		timeout := deps.InitTimeout
		if timeout <= 0 {
			timeout = defaultInitTimeout
		}
		params, _ := json.Marshal(initParams{Name: m.Name, InitState: initBytes})
		if _, err := exec.Call(ctx, LifecycleInterface, InitFunction, params, timeout); err != nil {
			p.teardownAfterFailedStart(ctx)
			return nil, StartResult{Kind: StartInitFailed, ActorID: actorID, Err: err}
		}
	}

	state.SetStatus(actorstate.StatusRunning)
	tel.Logger.Info("actor started", "actor_id", actorID.String(), "name", m.Name)
	return p, StartResult{Kind: StartOk, ActorID: actorID}
}

// Shutdown implements spec.md §4.F step 5: signal handlers, drain the
// executor, persist the chain head, notify the parent if any. Safe to
// call more than once — concurrently, even — since it may be invoked
// both by the actor's own autonomous-failure hook and by an explicit
// StopActor/RestartActor racing against it; only the first call does
// any work, and every caller observes its result.
func (p *Process) Shutdown(ctx context.Context, reason string) error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.shutdownLocked(ctx, reason)
	})
	return p.shutdownErr
}

func (p *Process) shutdownLocked(ctx context.Context, reason string) error {
	// Captured before SetStatus(Stopping) overwrites it: a Shutdown
	// triggered by the autonomous-failure hook runs with Status already
	// Failed, and that must still be reflected in the lifecycle event
	// below even though Stopping is about to clobber it.
	wasFailed := p.State.Status == actorstate.StatusFailed
	p.State.SetStatus(actorstate.StatusStopping)
	close(p.handlerShutdown)

	handlersDone := make(chan struct{})
	go func() { p.handlerWG.Wait(); close(handlersDone) }()
	select {
	case <-handlersDone:
	case <-ctx.Done():
	}

	if err := p.exec.Shutdown(ctx, reason); err != nil {
		p.telemetry.Logger.Warn("executor shutdown", "actor_id", p.Handle.ActorID().String(), "err", err.Error())
	}
	if err := p.instance.Close(ctx); err != nil {
		p.telemetry.Logger.Warn("instance close", "actor_id", p.Handle.ActorID().String(), "err", err.Error())
	}

	var persistErr error
	if p.store != nil {
		if _, err := p.Chain.Persist(ctx, p.store, p.Handle.ActorID().String()); err != nil {
			persistErr = fmt.Errorf("actorruntime: persist chain head: %w", err)
			p.telemetry.Logger.Warn("persist chain head failed", "actor_id", p.Handle.ActorID().String(), "err", err.Error())
		}
	}

	if p.hasParent && p.notifier != nil {
		outcome := OutcomeExit
		if wasFailed {
			outcome = OutcomeFailed
		}
		p.notifier.NotifyTerminated(ctx, p.parent, LifecycleEvent{Child: p.Handle.ActorID(), Outcome: outcome})
	}

	return persistErr
}

func (p *Process) teardownAfterFailedStart(ctx context.Context) {
	close(p.handlerShutdown)
	p.handlerWG.Wait()
	_ = p.exec.Shutdown(ctx, "start failed")
	_ = p.instance.Close(ctx)
}

func classifyInstantiateError(actorID id.ActorID, err error) (*Process, StartResult) {
	kind, _ := theatererr.Of(err)
	switch kind {
	case theatererr.MissingImport:
		return nil, StartResult{Kind: StartMissingImport, ActorID: actorID, Err: err}
	case theatererr.MissingExport:
		return nil, StartResult{Kind: StartMissingExport, ActorID: actorID, Err: err}
	case theatererr.HandlerSetup:
		return nil, StartResult{Kind: StartHandlerSetupFailed, ActorID: actorID, HandlerName: handlerNameFromError(err), Err: err}
	default:
		return nil, StartResult{Kind: StartFailedToLoadComponent, ActorID: actorID, Err: err}
	}
}

// handlerNameFromError extracts the quoted handler name BindHandlers
// includes in its error message (best-effort, for the diagnostic
// StartResult.HandlerName field only — never used for control flow).
func handlerNameFromError(err error) string {
	msg := err.Error()
	start := strings.IndexByte(msg, '"')
	if start < 0 {
		return ""
	}
	rest := msg[start+1:]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func hasExport(comp component.Component, iface capability.InterfaceID) bool {
	for _, e := range comp.Exports() {
		if e == iface {
			return true
		}
	}
	return false
}

func loadComponentBytes(ctx context.Context, s store.Store, ref manifest.ComponentRef) ([]byte, error) {
	if ref.IsContentRef() {
		b, err := s.Get(ctx, ref.Ref)
		if err != nil {
			return nil, theatererr.Wrap(theatererr.NotFound, "load component bytes from store", err)
		}
		return b, nil
	}
	b, err := os.ReadFile(ref.Path)
	if err != nil {
		return nil, theatererr.Wrap(theatererr.ComponentLoad, fmt.Sprintf("read component file %s", ref.Path), err)
	}
	return b, nil
}

func loadInitStateBytes(ctx context.Context, s store.Store, is manifest.InitState) ([]byte, error) {
	if is.Ref != "" {
		return s.Get(ctx, is.Ref)
	}
	return is.Inline, nil
}
