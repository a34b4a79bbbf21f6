// Package component implements the Actor Component (spec.md §4.C): binding
// a loaded WASM component to a set of capability handlers. The concrete
// WASM engine is abstracted behind the Runtime interface, the same way the
// teacher's runtime/agent/engine.Engine abstracts Temporal/in-memory
// workflow execution — per spec.md's own non-goals, the WASM engine itself
// (wasmtime or equivalent) is a primitive this package never imports.
// component/hostfuncruntime provides the default in-process binding;
// component/temporalruntime provides an alternate, Temporal-activity-backed
// binding for durable execution.
package component

import (
	"context"
	"fmt"

	"github.com/theater-project/theater/capability"
	"github.com/theater-project/theater/theatererr"
)

// GuestFunc is a guest export implementation. A real WASM engine binding
// invokes compiled guest bytecode here; the in-process default runtime
// (component/hostfuncruntime) and the Replay Engine's synthetic component
// both use plain Go closures, the same way the teacher's engine/inmem
// backs WorkflowFunc with a goroutine instead of a durable-execution
// engine.
type GuestFunc func(ctx context.Context, paramsBytes []byte) ([]byte, error)

// Component is a loaded WASM component's static metadata: what it imports
// (host interfaces it needs) and what it exports (guest interfaces it
// provides), per spec.md §4.C step 1.
type Component interface {
	Imports() []capability.InterfaceID
	Exports() []capability.InterfaceID
}

// Instance is an instantiated, ready-to-call actor component (spec.md
// §4.C step 4).
type Instance interface {
	// Call invokes a guest export by interface and function name.
	Call(ctx context.Context, iface capability.InterfaceID, function string, paramsBytes []byte) ([]byte, error)
	// Close releases any resources held by the instance.
	Close(ctx context.Context) error
}

// Runtime abstracts the WASM engine (spec.md §4.C): loading component
// bytes and instantiating a component against a handler set.
type Runtime interface {
	LoadComponent(ctx context.Context, componentBytes []byte) (Component, error)
	Instantiate(ctx context.Context, comp Component, handlers []capability.Handler) (Instance, error)
}

// FuncKey identifies one (interface, function) pair, the unit the
// capability.Handler protocol's no-duplicate-claim invariant is stated
// over (spec.md §4.D).
type FuncKey struct {
	Iface    capability.InterfaceID
	Function string
}

// String renders "interface@version#function".
func (k FuncKey) String() string { return fmt.Sprintf("%s#%s", k.Iface, k.Function) }

// Binding is the result of registering every handler's host functions and
// expected guest exports against one component, validated against that
// component's declared imports/exports. Every Runtime implementation
// builds a Binding via BindHandlers before constructing its own Instance,
// so the MissingImport/MissingExport/duplicate-claim checks of spec.md
// §4.C and §4.D live in one engine-agnostic place.
type Binding struct {
	HostFunctions   map[FuncKey]capability.HostFunc
	ExpectedExports map[FuncKey]capability.FunctionSignature
}

// registrar implements capability.HostFunctionRegistrar and
// capability.GuestExportRegistrar, collecting registrations from every
// handler into a Binding while rejecting duplicate (interface, function)
// claims (spec.md §4.D invariant).
type registrar struct {
	hostFuncs  map[FuncKey]capability.HostFunc
	exports    map[FuncKey]capability.FunctionSignature
	claimedBy  map[FuncKey]string // owning handler name, for error messages
	curHandler string
}

func (r *registrar) RegisterHostFunction(iface capability.InterfaceID, sig capability.FunctionSignature, fn capability.HostFunc) error {
	key := FuncKey{Iface: iface, Function: sig.Name}
	if owner, dup := r.claimedBy[key]; dup {
		return theatererr.Newf(theatererr.HandlerSetup,
			"(%s) already claimed by handler %q, cannot also be claimed by %q", key, owner, r.curHandler)
	}
	r.claimedBy[key] = r.curHandler
	r.hostFuncs[key] = fn
	return nil
}

func (r *registrar) RegisterExpectedExport(iface capability.InterfaceID, sig capability.FunctionSignature) error {
	r.exports[FuncKey{Iface: iface, Function: sig.Name}] = sig
	return nil
}

// BindHandlers runs SetupHostFunctions and AddExportFunctions for every
// handler against comp, then validates the result: every import comp
// declares must have at least one registered host function in that
// interface (MissingImport), and every export a handler requires must
// appear in comp's declared exports (MissingExport). This is spec.md
// §4.C steps 2-3 and its closing invariant, in full.
func BindHandlers(ctx context.Context, comp Component, handlers []capability.Handler) (*Binding, error) {
	reg := &registrar{
		hostFuncs: make(map[FuncKey]capability.HostFunc),
		exports:   make(map[FuncKey]capability.FunctionSignature),
		claimedBy: make(map[FuncKey]string),
	}

	for _, h := range handlers {
		reg.curHandler = h.Name()
		if err := h.SetupHostFunctions(ctx, reg); err != nil {
			return nil, theatererr.Wrap(theatererr.HandlerSetup,
				fmt.Sprintf("handler %q setup_host_functions", h.Name()), err)
		}
		if err := h.AddExportFunctions(reg); err != nil {
			return nil, theatererr.Wrap(theatererr.HandlerSetup,
				fmt.Sprintf("handler %q add_export_functions", h.Name()), err)
		}
	}

	for _, imp := range comp.Imports() {
		if !anyKeyHasInterface(reg.hostFuncs, imp) {
			return nil, theatererr.Newf(theatererr.MissingImport, "component import %s has no matching handler", imp)
		}
	}

	declaredExports := make(map[capability.InterfaceID]bool, len(comp.Exports()))
	for _, e := range comp.Exports() {
		declaredExports[e] = true
	}
	for key := range reg.exports {
		if !declaredExports[key.Iface] {
			return nil, theatererr.Newf(theatererr.MissingExport, "required export %s not provided by component", key)
		}
	}

	return &Binding{HostFunctions: reg.hostFuncs, ExpectedExports: reg.exports}, nil
}

func anyKeyHasInterface(m map[FuncKey]capability.HostFunc, iface capability.InterfaceID) bool {
	for key := range m {
		if key.Iface == iface {
			return true
		}
	}
	return false
}
