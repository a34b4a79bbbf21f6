package actorruntime_test

import (
	"context"
	"sync"
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
)

var echoIface = capability.InterfaceID{Interface: "theater:simple/echo", Version: "0.1.0"}

// recordingHandler is a minimal capability.Handler test double: it claims
// echoIface and records whether Start ran.
type recordingHandler struct {
	mu      sync.Mutex
	started bool
}

func (h *recordingHandler) Name() string                     { return "echo" }
func (h *recordingHandler) Imports() []capability.InterfaceID { return []capability.InterfaceID{echoIface} }
func (h *recordingHandler) Exports() []capability.InterfaceID { return nil }
func (h *recordingHandler) CreateInstance() capability.Handler { return &recordingHandler{} }
func (h *recordingHandler) SetupHostFunctions(_ context.Context, reg capability.HostFunctionRegistrar) error {
	return reg.RegisterHostFunction(echoIface, capability.FunctionSignature{Name: "ping"},
		func(context.Context, []byte) ([]byte, error) { return []byte("pong"), nil })
}
func (h *recordingHandler) AddExportFunctions(capability.GuestExportRegistrar) error { return nil }
func (h *recordingHandler) Start(ctx context.Context, actor capability.ActorHandle, shutdown <-chan struct{}) error {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	<-shutdown
	return nil
}

func newTestDeps(t *testing.T) (actorruntime.Deps, []byte) {
	t.Helper()
	dir := t.TempDir()
	s, err := fsstore.New(dir, "test")
	require.NoError(t, err)

	hf := hostfuncruntime.New()
	componentBytes := hf.Register([]byte("fake-component"), hostfuncruntime.Definition{
		Imports: []capability.InterfaceID{echoIface},
		Exports: nil,
		GuestFuncs: map[component.FuncKey]component.GuestFunc{
			{Iface: echoIface, Function: "ping"}: func(context.Context, []byte) ([]byte, error) {
				return []byte("pong"), nil
			},
		},
	})

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(&recordingHandler{}))

	return actorruntime.Deps{
		Store:            s,
		ComponentRuntime: hf,
		Handlers:         reg,
		ExecutorQueueSize: 8,
	}, componentBytes
}

func testManifest(componentBytes []byte) *manifest.Manifest {
	return &manifest.Manifest{
		Name:      "greeter",
		Version:   "0.1.0",
		Component: manifest.ComponentRef{Path: "unused"},
		Handlers:  []manifest.HandlerDescriptor{{Type: "echo"}},
	}
}

func TestStartSucceedsAndPublishesHandle(t *testing.T) {
	deps, componentBytes := newTestDeps(t)
	m := testManifest(componentBytes)
	// Route the fake filesystem path through the store instead: override
	// loadComponentBytes's path-reading branch by using a content ref.
	ref, err := deps.Store.Put(context.Background(), []byte("fake-component"))
	require.NoError(t, err)
	m.Component = manifest.ComponentRef{Ref: ref}

	proc, result := actorruntime.Start(context.Background(), deps, actorruntime.StartOptions{Manifest: m})
	require.Equal(t, actorruntime.StartOk, result.Kind)
	require.NotNil(t, proc)
	require.Equal(t, result.ActorID, proc.Handle.ActorID())

	out, err := proc.Handle.Call(context.Background(), echoIface, "ping", nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, "pong", string(out))

	require.NoError(t, proc.Shutdown(context.Background(), "test done"))
}

func TestStartFailsForUnresolvableComponentRef(t *testing.T) {
	deps, _ := newTestDeps(t)
	m := testManifest(nil)
	m.Component = manifest.ComponentRef{Path: "/no/such/file/on/disk"}

	proc, result := actorruntime.Start(context.Background(), deps, actorruntime.StartOptions{Manifest: m})
	require.Nil(t, proc)
	require.Equal(t, actorruntime.StartFailedToLoadComponent, result.Kind)
	require.Error(t, result.Err)
}

func TestStartFailsMissingImportWhenNoHandlerRegistered(t *testing.T) {
	dir := t.TempDir()
	s, err := fsstore.New(dir, "test2")
	require.NoError(t, err)

	hf := hostfuncruntime.New()
	componentBytes := hf.Register([]byte("needs-unregistered-import"), hostfuncruntime.Definition{
		Imports: []capability.InterfaceID{{Interface: "theater:simple/nope", Version: "9.9.9"}},
	})
	ref, err := s.Put(context.Background(), componentBytes)
	require.NoError(t, err)

	deps := actorruntime.Deps{
		Store:            s,
		ComponentRuntime: hf,
		Handlers:         capability.NewRegistry(),
	}
	m := testManifest(nil)
	m.Component = manifest.ComponentRef{Ref: ref}

	proc, result := actorruntime.Start(context.Background(), deps, actorruntime.StartOptions{Manifest: m})
	require.Nil(t, proc)
	require.Equal(t, actorruntime.StartMissingImport, result.Kind)
}

func TestShutdownNotifiesParent(t *testing.T) {
	deps, _ := newTestDeps(t)
	ref, err := deps.Store.Put(context.Background(), []byte("fake-component"))
	require.NoError(t, err)
	m := testManifest(nil)
	m.Component = manifest.ComponentRef{Ref: ref}

	notified := make(chan actorruntime.LifecycleEvent, 1)
	notifier := notifierFunc(func(_ context.Context, parent id.ActorID, ev actorruntime.LifecycleEvent) {
		notified <- ev
	})

	parentID := id.NewActorID()
	proc, result := actorruntime.Start(context.Background(), deps, actorruntime.StartOptions{
		Manifest:  m,
		Parent:    parentID,
		HasParent: true,
		Notifier:  notifier,
	})
	require.Equal(t, actorruntime.StartOk, result.Kind)

	require.NoError(t, proc.Shutdown(context.Background(), "bye"))

	select {
	case ev := <-notified:
		require.Equal(t, actorruntime.OutcomeExit, ev.Outcome)
		require.Equal(t, proc.Handle.ActorID(), ev.Child)
	case <-time.After(time.Second):
		t.Fatal("parent was not notified")
	}
}

type notifierFunc func(ctx context.Context, parent id.ActorID, ev actorruntime.LifecycleEvent)

func (f notifierFunc) NotifyTerminated(ctx context.Context, parent id.ActorID, ev actorruntime.LifecycleEvent) {
	f(ctx, parent, ev)
}
