// Package capability defines the Capability Handler Protocol (spec.md
// §4.D): the contract every host capability (filesystem, HTTP, timing,
// messaging, storage, process) implements to be wired into an actor's WASM
// component. The package is deliberately engine-agnostic — it has no
// dependency on any concrete WASM runtime, mirroring the teacher's
// engine.WorkflowContext abstraction over Temporal. A concrete
// component.Runtime implements HostFunctionRegistrar and
// GuestExportRegistrar structurally; this package never imports component,
// keeping the dependency edge one-directional.
package capability

import (
	"context"
	"fmt"

	"github.com/theater-project/theater/id"
)

// InterfaceID is a fully-qualified, versioned host or guest interface name,
// e.g. "theater:simple/filesystem" at version "0.1.0", rendered in
// manifests and ABI documentation as "theater:simple/filesystem@0.1.0"
// (spec.md §5 "Host function ABI"). Matching is always exact — no semver
// fuzzy resolution (spec.md §4.D invariant).
type InterfaceID struct {
	Interface string
	Version   string
}

// String renders the canonical "interface@version" form.
func (i InterfaceID) String() string {
	return fmt.Sprintf("%s@%s", i.Interface, i.Version)
}

// Primitive is a leaf type in the canonical type language mirroring the
// WASM component model's canonical ABI (spec.md §5).
type Primitive string

const (
	Bool   Primitive = "bool"
	S8     Primitive = "s8"
	S16    Primitive = "s16"
	S32    Primitive = "s32"
	S64    Primitive = "s64"
	U8     Primitive = "u8"
	U16    Primitive = "u16"
	U32    Primitive = "u32"
	U64    Primitive = "u64"
	F32    Primitive = "f32"
	F64    Primitive = "f64"
	Char   Primitive = "char"
	String Primitive = "string"
	Bytes  Primitive = "list<u8>"
)

// Kind tags which alternative of ValueType is populated.
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindRecord    Kind = "record"
	KindVariant   Kind = "variant"
	KindList      Kind = "list"
	KindOption    Kind = "option"
	KindResult    Kind = "result"
	KindTuple     Kind = "tuple"
)

// Field is one named member of a record.
type Field struct {
	Name string
	Type ValueType
}

// Case is one named alternative of a variant. Type is nil for a unit case
// (no associated payload).
type Case struct {
	Name string
	Type *ValueType
}

// ValueType is a parameter or result type drawn from the canonical type
// language spec.md §4.C and §5 require: primitives, records, variants,
// lists, options, results, and tuples, recursively composed.
type ValueType struct {
	Kind      Kind
	Primitive Primitive   // Kind == KindPrimitive
	Fields    []Field     // Kind == KindRecord
	Cases     []Case      // Kind == KindVariant
	Element   *ValueType  // Kind == KindList or KindOption
	Tuple     []ValueType // Kind == KindTuple
	Ok        *ValueType  // Kind == KindResult; nil means no ok payload (unit)
	Err       *ValueType  // Kind == KindResult; nil means no err payload (unit)
}

// Prim constructs a primitive ValueType.
func Prim(p Primitive) ValueType { return ValueType{Kind: KindPrimitive, Primitive: p} }

// ListOf constructs a list ValueType.
func ListOf(elem ValueType) ValueType { return ValueType{Kind: KindList, Element: &elem} }

// OptionOf constructs an option ValueType.
func OptionOf(elem ValueType) ValueType { return ValueType{Kind: KindOption, Element: &elem} }

// Record constructs a record ValueType from its fields.
func Record(fields ...Field) ValueType { return ValueType{Kind: KindRecord, Fields: fields} }

// Variant constructs a variant ValueType from its cases.
func Variant(cases ...Case) ValueType { return ValueType{Kind: KindVariant, Cases: cases} }

// Tuple constructs a tuple ValueType from its elements.
func Tuple(elems ...ValueType) ValueType { return ValueType{Kind: KindTuple, Tuple: elems} }

// Result constructs a result ValueType; either payload may be nil for unit.
func Result(ok, errT *ValueType) ValueType { return ValueType{Kind: KindResult, Ok: ok, Err: errT} }

// FunctionSignature declares one host or guest function's shape, as
// registered by a handler's setup_host_functions / add_export_functions
// (spec.md §4.C step 2-3).
type FunctionSignature struct {
	Name    string
	Params  []Field
	Results []ValueType
}

// HostFunc is the Go implementation backing a registered host function. It
// receives and returns component-model-encoded parameter/result bytes; the
// encoding itself is the concern of whatever component.Runtime calls it.
// Every HostFunc implementation MUST, per spec.md §4.D's closing invariant,
// append a call-event and a result-event to the actor's chain as part of
// its body — enforced by convention and by capability/captest's
// conformance helpers, not by the type system.
type HostFunc func(ctx context.Context, paramsBytes []byte) (resultBytes []byte, err error)

// HostFunctionRegistrar is satisfied by a component.Runtime instantiation
// in progress: the sink a handler's SetupHostFunctions writes into.
type HostFunctionRegistrar interface {
	RegisterHostFunction(iface InterfaceID, sig FunctionSignature, fn HostFunc) error
}

// GuestExportRegistrar is satisfied by a component.Runtime instantiation in
// progress: the sink a handler's AddExportFunctions writes expected guest
// exports into, so the executor can later call them by name and so
// instantiation can fail fast on a missing export (spec.md §4.C step 3,
// MissingExport).
type GuestExportRegistrar interface {
	RegisterExpectedExport(iface InterfaceID, sig FunctionSignature) error
}

// ActorHandle is the minimal actor-facing surface a handler's Start needs:
// enough identity to register with the Message Router or log against,
// without coupling capability to the Actor Runtime's concrete type.
type ActorHandle interface {
	ActorID() id.ActorID
}

// IdentityAware is an optional extension a Handler implementation may
// satisfy when its host functions need to know which actor they are
// running in before Start is called (e.g. a supervisor handler's `spawn`
// host function needs the calling actor's own id as the new child's
// parent). actorruntime.Start type-asserts for this after resolving
// handlers and before SetupHostFunctions runs, the same optional-
// interface pattern as io.Closer or http.Flusher: most handlers don't
// need it, so it is not part of the required Handler contract.
type IdentityAware interface {
	BindActorID(id.ActorID)
}

// Handler is the Capability Handler Protocol itself (spec.md §4.D): every
// host capability — filesystem, HTTP, timing, messaging, storage, process
// — implements this set.
type Handler interface {
	// Name is the stable identifier matching manifest handler type tags.
	Name() string
	// Imports lists the host interfaces this handler provides, fully
	// qualified including version. Matched exactly against a component's
	// declared imports; no semver fuzzy matching.
	Imports() []InterfaceID
	// Exports lists guest interfaces this handler requires the actor to
	// export. May be empty.
	Exports() []InterfaceID
	// CreateInstance produces a per-actor clone. Handlers must be cheaply
	// cloneable, or return a lightweight per-actor shim sharing expensive
	// state (connection pools, caches) by reference.
	CreateInstance() Handler
	// SetupHostFunctions registers this handler's host functions with reg.
	// Called once per actor before instantiation.
	SetupHostFunctions(ctx context.Context, reg HostFunctionRegistrar) error
	// AddExportFunctions registers this handler's required guest exports
	// with reg. Called once per actor before instantiation.
	AddExportFunctions(reg GuestExportRegistrar) error
	// Start runs the handler's long-running task, if any (mailbox loop,
	// connection listener). Returns when shutdown is closed. Handlers with
	// no background work return nil immediately.
	Start(ctx context.Context, actor ActorHandle, shutdown <-chan struct{}) error
}
