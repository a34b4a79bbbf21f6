package component_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theater-project/theater/capability"
	"github.com/theater-project/theater/component"
)

type fakeComponent struct {
	imports []capability.InterfaceID
	exports []capability.InterfaceID
}

func (c fakeComponent) Imports() []capability.InterfaceID { return c.imports }
func (c fakeComponent) Exports() []capability.InterfaceID { return c.exports }

type claimHandler struct {
	name  string
	iface capability.InterfaceID
	fn    string
}

func (h claimHandler) Name() string                     { return h.name }
func (h claimHandler) Imports() []capability.InterfaceID { return []capability.InterfaceID{h.iface} }
func (h claimHandler) Exports() []capability.InterfaceID { return nil }
func (h claimHandler) CreateInstance() capability.Handler { return h }
func (h claimHandler) SetupHostFunctions(_ context.Context, reg capability.HostFunctionRegistrar) error {
	return reg.RegisterHostFunction(h.iface, capability.FunctionSignature{Name: h.fn},
		func(context.Context, []byte) ([]byte, error) { return nil, nil })
}
func (h claimHandler) AddExportFunctions(capability.GuestExportRegistrar) error { return nil }
func (h claimHandler) Start(context.Context, capability.ActorHandle, <-chan struct{}) error {
	return nil
}

func TestBindHandlersRejectsDuplicateClaim(t *testing.T) {
	iface := capability.InterfaceID{Interface: "theater:simple/storage", Version: "0.1.0"}
	comp := fakeComponent{imports: []capability.InterfaceID{iface}}

	_, err := component.BindHandlers(context.Background(), comp, []capability.Handler{
		claimHandler{name: "a", iface: iface, fn: "put"},
		claimHandler{name: "b", iface: iface, fn: "put"},
	})
	require.Error(t, err)
}

func TestBindHandlersSucceedsForDistinctFunctions(t *testing.T) {
	iface := capability.InterfaceID{Interface: "theater:simple/storage", Version: "0.1.0"}
	comp := fakeComponent{imports: []capability.InterfaceID{iface}}

	binding, err := component.BindHandlers(context.Background(), comp, []capability.Handler{
		claimHandler{name: "a", iface: iface, fn: "put"},
		claimHandler{name: "b", iface: iface, fn: "get"},
	})
	require.NoError(t, err)
	require.Len(t, binding.HostFunctions, 2)
}
