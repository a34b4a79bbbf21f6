package theater_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theater-project/theater/actorruntime"
	"github.com/theater-project/theater/capability"
	"github.com/theater-project/theater/component"
	"github.com/theater-project/theater/component/hostfuncruntime"
	"github.com/theater-project/theater/id"
	"github.com/theater-project/theater/manifest"
	"github.com/theater-project/theater/store/fsstore"
	"github.com/theater-project/theater/supervision"
	"github.com/theater-project/theater/theater"
	"github.com/theater-project/theater/theatererr"
)

var pingIface = capability.InterfaceID{Interface: "theater:simple/ping", Version: "0.1.0"}

// actorruntimeDeps builds a minimal actorruntime.Deps for theater tests: a
// real fsstore plus a hostfuncruntime.Runtime component runtime, no
// capability handlers (the components used here declare none).
func actorruntimeDeps(s *fsstore.Store, hf *hostfuncruntime.Runtime) actorruntime.Deps {
	return actorruntime.Deps{
		Store:            s,
		ComponentRuntime: hf,
		Handlers:         capability.NewRegistry(),
	}
}

func componentRef(t *testing.T, s *fsstore.Store, componentBytes []byte) manifest.ComponentRef {
	t.Helper()
	ref, err := s.Put(context.Background(), componentBytes)
	require.NoError(t, err)
	return manifest.ComponentRef{Ref: ref}
}

func pingManifest(t *testing.T, s *fsstore.Store, hf *hostfuncruntime.Runtime, name string) *manifest.Manifest {
	t.Helper()
	componentBytes := hf.Register([]byte(name+"-component"), hostfuncruntime.Definition{
		Exports: []capability.InterfaceID{pingIface},
		GuestFuncs: map[component.FuncKey]component.GuestFunc{
			{Iface: pingIface, Function: "ping"}: func(_ context.Context, params []byte) ([]byte, error) {
				return append([]byte("pong:"), params...), nil
			},
		},
	})
	return &manifest.Manifest{
		Name:      name,
		Version:   "0.1.0",
		Component: componentRef(t, s, componentBytes),
	}
}

func runRuntime(t *testing.T, rt *theater.Runtime) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { rt.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestSpawnStopAndListChildren(t *testing.T) {
	dir := t.TempDir()
	s, err := fsstore.New(dir, "theater-test")
	require.NoError(t, err)
	hf := hostfuncruntime.New()

	deps := actorruntimeDeps(s, hf)
	rt := theater.New(deps, theater.Options{})
	runRuntime(t, rt)

	ctx := context.Background()
	parentID, err := rt.SpawnActor(ctx, pingManifest(t, s, hf, "parent"), id.ActorID{}, false, nil)
	require.NoError(t, err)

	childID, err := rt.SpawnActorChild(ctx, parentID, pingManifest(t, s, hf, "child"))
	require.NoError(t, err)

	children, err := rt.ListChildren(ctx, parentID)
	require.NoError(t, err)
	require.Equal(t, []id.ActorID{childID}, children)

	events, err := rt.ActorEvents(ctx, childID)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	require.NoError(t, rt.StopActor(ctx, parentID))

	_, err = rt.ListChildren(ctx, parentID)
	require.Error(t, err, "parent record should be gone after StopActor")
}

func TestRestartActorKeepsActorIDAndChain(t *testing.T) {
	dir := t.TempDir()
	s, err := fsstore.New(dir, "theater-restart-test")
	require.NoError(t, err)
	hf := hostfuncruntime.New()

	deps := actorruntimeDeps(s, hf)
	rt := theater.New(deps, theater.Options{})
	runRuntime(t, rt)

	ctx := context.Background()
	actorID, err := rt.SpawnActor(ctx, pingManifest(t, s, hf, "restartable"), id.ActorID{}, false, nil)
	require.NoError(t, err)

	before, err := rt.ActorEvents(ctx, actorID)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	require.NoError(t, rt.RestartActor(ctx, actorID, "manual restart"))

	after, err := rt.ActorEvents(ctx, actorID)
	require.NoError(t, err)
	require.Greater(t, len(after), len(before), "restart should append to the existing chain, not start a new one")

	for i := range before {
		require.Equal(t, before[i].Hash, after[i].Hash, "restart must not rewrite prior chain history")
	}
}

func TestResumeActorAfterStop(t *testing.T) {
	dir := t.TempDir()
	s, err := fsstore.New(dir, "theater-resume-test")
	require.NoError(t, err)
	hf := hostfuncruntime.New()

	deps := actorruntimeDeps(s, hf)
	rt := theater.New(deps, theater.Options{})
	runRuntime(t, rt)

	ctx := context.Background()
	actorID, err := rt.SpawnActor(ctx, pingManifest(t, s, hf, "resumable"), id.ActorID{}, false, nil)
	require.NoError(t, err)
	require.NoError(t, rt.StopActor(ctx, actorID))

	// A stopped actor is not resolvable for inspection until resumed.
	_, err = rt.GetActorState(ctx, actorID)
	require.Error(t, err)

	require.NoError(t, rt.ResumeActor(ctx, actorID, nil))

	_, err = rt.GetActorState(ctx, actorID)
	require.NoError(t, err)
}

func TestSpawnActorReturnsBusyWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	s, err := fsstore.New(dir, "theater-busy-test")
	require.NoError(t, err)
	hf := hostfuncruntime.New()

	deps := actorruntimeDeps(s, hf)
	rt := theater.New(deps, theater.Options{QueueSize: 1})
	// Run is intentionally never started, so the one buffered slot never
	// drains: the first enqueue succeeds and occupies it, then the
	// caller's wait for a reply times out via its own short-deadline
	// context (nothing will ever reply); the second enqueue observes the
	// queue still full and fails immediately with Busy.
	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rt.SpawnActor(shortCtx, pingManifest(t, s, hf, "busy1"), id.ActorID{}, false, nil)
	require.Error(t, err)

	_, err = rt.SpawnActor(context.Background(), pingManifest(t, s, hf, "busy2"), id.ActorID{}, false, nil)
	require.Error(t, err)
	require.True(t, theatererr.Is(err, theatererr.Busy))
}

// trappingChildManifest builds a manifest whose ping export always
// returns a GuestTrap error, for exercising an actual fatal-call-during-
// a-live-call path rather than a manually invoked Shutdown/Notify.
func trappingChildManifest(t *testing.T, s *fsstore.Store, hf *hostfuncruntime.Runtime, name string) *manifest.Manifest {
	t.Helper()
	componentBytes := hf.Register([]byte(name+"-component"), hostfuncruntime.Definition{
		Exports: []capability.InterfaceID{pingIface},
		GuestFuncs: map[component.FuncKey]component.GuestFunc{
			{Iface: pingIface, Function: "ping"}: func(context.Context, []byte) ([]byte, error) {
				return nil, theatererr.New(theatererr.GuestTrap, "guest trapped")
			},
		},
	})
	return &manifest.Manifest{
		Name:      name,
		Version:   "0.1.0",
		Component: componentRef(t, s, componentBytes),
	}
}

// supervisingParentManifest builds a manifest that exports
// supervision.LifecycleInterface and records every handle-child-* call
// it receives.
func supervisingParentManifest(t *testing.T, s *fsstore.Store, hf *hostfuncruntime.Runtime, name string, calls chan<- string) *manifest.Manifest {
	t.Helper()
	componentBytes := hf.Register([]byte(name+"-component"), hostfuncruntime.Definition{
		Exports: []capability.InterfaceID{supervision.LifecycleInterface},
		GuestFuncs: map[component.FuncKey]component.GuestFunc{
			{Iface: supervision.LifecycleInterface, Function: supervision.FuncHandleChildError}: func(context.Context, []byte) ([]byte, error) {
				calls <- supervision.FuncHandleChildError
				return nil, nil
			},
			{Iface: supervision.LifecycleInterface, Function: supervision.FuncHandleChildExit}: func(context.Context, []byte) ([]byte, error) {
				calls <- supervision.FuncHandleChildExit
				return nil, nil
			},
			{Iface: supervision.LifecycleInterface, Function: supervision.FuncHandleChildExternalStop}: func(context.Context, []byte) ([]byte, error) {
				calls <- supervision.FuncHandleChildExternalStop
				return nil, nil
			},
		},
	})
	return &manifest.Manifest{
		Name:      name,
		Version:   "0.1.0",
		Component: componentRef(t, s, componentBytes),
	}
}

// TestAutonomousFailureNotifiesParentWithoutExternalStop drives a real
// guest trap through a live call (no manual Shutdown/NotifyTerminated
// invocation anywhere in this test) and confirms the actor is marked
// Failed, the parent's handle-child-error export fires on its own, and
// the failed child is deregistered — all without ever calling StopActor
// or RestartActor (spec.md §4.H, Testable Property 5, Scenario S2).
func TestAutonomousFailureNotifiesParentWithoutExternalStop(t *testing.T) {
	dir := t.TempDir()
	s, err := fsstore.New(dir, "theater-autonomous-failure-test")
	require.NoError(t, err)
	hf := hostfuncruntime.New()

	deps := actorruntimeDeps(s, hf)
	rt := theater.New(deps, theater.Options{})
	runRuntime(t, rt)

	ctx := context.Background()
	calls := make(chan string, 4)
	parentID, err := rt.SpawnActor(ctx, supervisingParentManifest(t, s, hf, "supervisor", calls), id.ActorID{}, false, nil)
	require.NoError(t, err)

	childID, err := rt.SpawnActorChild(ctx, parentID, trappingChildManifest(t, s, hf, "trapper"))
	require.NoError(t, err)

	childHandle, ok := rt.ActorHandle(childID)
	require.True(t, ok)

	// The call itself that traps: this is the only action this test takes
	// against the child. Everything after it — Failed, Shutdown, parent
	// notification, deregistration — must happen on its own.
	_, err = childHandle.Call(ctx, pingIface, "ping", nil, time.Second)
	require.Error(t, err)
	require.True(t, theatererr.Is(err, theatererr.GuestTrap))

	select {
	case fn := <-calls:
		require.Equal(t, supervision.FuncHandleChildError, fn)
	case <-time.After(2 * time.Second):
		t.Fatal("parent's handle-child-error was never invoked")
	}

	require.Eventually(t, func() bool {
		_, err := rt.ActorEvents(ctx, childID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "failed child should be deregistered without an explicit StopActor")
}
