// Package hostfuncruntime is the default component.Runtime: an in-process
// binding with no real WASM engine underneath, the same role the teacher's
// runtime/agent/engine/inmem plays relative to the Temporal-backed engine
// — suitable for local development, the Replay Engine's synthetic
// component, and every test in this repo that does not need a real
// compiled WASM binary. Components are "loaded" by looking up a
// previously Register-ed definition by the sha256 of their bytes, since
// parsing real component-model binaries is out of scope (spec.md's
// non-goals treat the WASM engine itself as a primitive).
package hostfuncruntime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/theater-project/theater/capability"
	"github.com/theater-project/theater/component"
	"github.com/theater-project/theater/theatererr"
)

// Definition is the static shape of an in-process component: its declared
// imports/exports and the Go closures standing in for compiled guest
// export bodies.
type Definition struct {
	Imports    []capability.InterfaceID
	Exports    []capability.InterfaceID
	GuestFuncs map[component.FuncKey]component.GuestFunc
}

type loadedComponent struct {
	def Definition
}

func (c *loadedComponent) Imports() []capability.InterfaceID { return c.def.Imports }
func (c *loadedComponent) Exports() []capability.InterfaceID { return c.def.Exports }

// Runtime is the in-process component.Runtime implementation.
type Runtime struct {
	mu         sync.RWMutex
	registered map[string]Definition
}

// New returns an empty Runtime.
func New() *Runtime {
	return &Runtime{registered: make(map[string]Definition)}
}

// Register associates componentBytes with def, so a later LoadComponent
// call with the same bytes returns a Component built from def. Returns
// componentBytes unchanged, for the caller to pass to LoadComponent (or put
// in a content store), mirroring how a manifest's `component` field would
// reference real compiled bytes; the definition itself is keyed by their
// sha256.
func (r *Runtime) Register(componentBytes []byte, def Definition) []byte {
	key := sha256hex(componentBytes)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[key] = def
	return componentBytes
}

// LoadComponent implements component.Runtime.
func (r *Runtime) LoadComponent(_ context.Context, componentBytes []byte) (component.Component, error) {
	key := sha256hex(componentBytes)
	r.mu.RLock()
	def, ok := r.registered[key]
	r.mu.RUnlock()
	if !ok {
		return nil, theatererr.New(theatererr.ComponentLoad, "no in-process definition registered for these component bytes")
	}
	return &loadedComponent{def: def}, nil
}

// Instantiate implements component.Runtime.
func (r *Runtime) Instantiate(ctx context.Context, comp component.Component, handlers []capability.Handler) (component.Instance, error) {
	lc, ok := comp.(*loadedComponent)
	if !ok {
		return nil, theatererr.New(theatererr.ComponentLoad, "hostfuncruntime: component was not loaded by this runtime")
	}

	binding, err := component.BindHandlers(ctx, comp, handlers)
	if err != nil {
		return nil, err
	}

	return &instance{binding: binding, guestFuncs: lc.def.GuestFuncs}, nil
}

type instance struct {
	binding    *component.Binding
	guestFuncs map[component.FuncKey]component.GuestFunc
}

func (i *instance) Call(ctx context.Context, iface capability.InterfaceID, function string, paramsBytes []byte) ([]byte, error) {
	key := component.FuncKey{Iface: iface, Function: function}
	fn, ok := i.guestFuncs[key]
	if !ok {
		return nil, theatererr.Newf(theatererr.MissingExport, "guest export %s not implemented by this component", key)
	}
	return fn(ctx, paramsBytes)
}

func (i *instance) Close(context.Context) error { return nil }

// HostFunction looks up a host function bound during Instantiate, for
// handlers (via their own closures) or tests that need to invoke a
// registered host function directly, simulating a guest import call.
func HostFunction(inst component.Instance, iface capability.InterfaceID, function string) (capability.HostFunc, bool) {
	i, ok := inst.(*instance)
	if !ok {
		return nil, false
	}
	fn, ok := i.binding.HostFunctions[component.FuncKey{Iface: iface, Function: function}]
	return fn, ok
}

func sha256hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
