package capability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theater-project/theater/capability"
)

// fakeHandler is a minimal Handler for registry tests; it records how many
// times CreateInstance was called so tests can assert dedup behavior.
type fakeHandler struct {
	name    string
	imports []capability.InterfaceID
	exports []capability.InterfaceID
	created *int
}

func (f *fakeHandler) Name() string                        { return f.name }
func (f *fakeHandler) Imports() []capability.InterfaceID    { return f.imports }
func (f *fakeHandler) Exports() []capability.InterfaceID    { return f.exports }
func (f *fakeHandler) CreateInstance() capability.Handler {
	if f.created != nil {
		*f.created++
	}
	clone := *f
	return &clone
}
func (f *fakeHandler) SetupHostFunctions(context.Context, capability.HostFunctionRegistrar) error {
	return nil
}
func (f *fakeHandler) AddExportFunctions(capability.GuestExportRegistrar) error { return nil }
func (f *fakeHandler) Start(context.Context, capability.ActorHandle, <-chan struct{}) error {
	return nil
}

func filesystemImport() capability.InterfaceID {
	return capability.InterfaceID{Interface: "theater:simple/filesystem", Version: "0.1.0"}
}

func httpImport() capability.InterfaceID {
	return capability.InterfaceID{Interface: "theater:simple/http-client", Version: "0.1.0"}
}

func TestRegisterRejectsDuplicateImport(t *testing.T) {
	r := capability.NewRegistry()
	require.NoError(t, r.Register(&fakeHandler{name: "fs-a", imports: []capability.InterfaceID{filesystemImport()}}))

	err := r.Register(&fakeHandler{name: "fs-b", imports: []capability.InterfaceID{filesystemImport()}})
	require.Error(t, err)
}

func TestResolveMatchesExactVersion(t *testing.T) {
	r := capability.NewRegistry()
	require.NoError(t, r.Register(&fakeHandler{name: "fs", imports: []capability.InterfaceID{filesystemImport()}}))

	wrongVersion := capability.InterfaceID{Interface: "theater:simple/filesystem", Version: "0.2.0"}
	_, err := r.Resolve([]capability.InterfaceID{wrongVersion})
	require.Error(t, err)

	instances, err := r.Resolve([]capability.InterfaceID{filesystemImport()})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, "fs", instances[0].Name())
}

func TestResolveFailsForUnknownImport(t *testing.T) {
	r := capability.NewRegistry()
	_, err := r.Resolve([]capability.InterfaceID{filesystemImport()})
	require.Error(t, err)
}

func TestResolveDedupsAndClonesOncePerHandler(t *testing.T) {
	created := 0
	r := capability.NewRegistry()
	require.NoError(t, r.Register(&fakeHandler{
		name:    "net",
		imports: []capability.InterfaceID{httpImport(), filesystemImport()},
		created: &created,
	}))

	instances, err := r.Resolve([]capability.InterfaceID{httpImport(), filesystemImport()})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, 1, created, "one handler covering two imports must be cloned only once")
}

func TestPrototypesReturnsSnapshot(t *testing.T) {
	r := capability.NewRegistry()
	require.NoError(t, r.Register(&fakeHandler{name: "fs", imports: []capability.InterfaceID{filesystemImport()}}))
	protos := r.Prototypes()
	require.Len(t, protos, 1)
	protos[0] = nil // mutating the returned slice must not affect the registry
	require.Len(t, r.Prototypes(), 1)
	require.NotNil(t, r.Prototypes()[0])
}
