// Package captest provides small, dependency-free conformance helpers
// for testing capability.Handler implementations (spec.md §4.D): in
// particular FakeSandboxHandler, a declarative-permission-enforcing
// handler that stands in for a real filesystem-style capability so that
// the enforcement mechanism spec.md §1 describes ("capabilities are
// exposed to guest components under declarative permissions") can be
// exercised end to end — a call-event recorded, a path checked against
// an allow-list, and a PermissionDenied result-event recorded on denial
// — without any actual sandboxed I/O, which stays out of scope.
package captest

import (
	"context"
	"encoding/json"

	"github.com/theater-project/theater/capability"
	"github.com/theater-project/theater/chain"
	"github.com/theater-project/theater/theatererr"
)

// SandboxInterface is the host interface FakeSandboxHandler provides.
var SandboxInterface = capability.InterfaceID{Interface: "theater:test/sandbox", Version: "0.1.0"}

// FuncRead is the one host function FakeSandboxHandler registers.
const FuncRead = "read"

// ReadRequest is FuncRead's params shape: the path a guest is asking to
// read, checked against the handler's declared allow-list.
type ReadRequest struct {
	Path string `json:"path"`
}

// FakeSandboxHandler is a minimal capability.Handler: one host function,
// "read", gated by a static allow-list rather than any real filesystem.
// It is grounded on the same closure-per-function shape as
// supervision.Handler, with the permission check and the chain
// call/result-event pairing (spec.md §4.D's closing invariant) folded
// into the one HostFunc body, the way a real filesystem handler would
// structure its own read/write/list functions.
type FakeSandboxHandler struct {
	// AllowedPaths is the declarative permission set (spec.md §3's
	// manifest-level "allowed_paths", spec.md §8 Scenario S3): a read for
	// any path not present here is denied.
	AllowedPaths map[string]struct{}
	// Chain is the actor's event chain that Call/result events are
	// appended to. Set by the embedder (typically the same *chain.Chain
	// the Actor Runtime wired its executor against) before Start.
	Chain *chain.Chain

	// Denied and Allowed record every read this instance has processed,
	// for test assertions beyond the chain itself.
	Denied  []string
	Allowed []string
}

// NewFakeSandboxHandler constructs a prototype allowing exactly the
// given paths. CreateInstance shares the same allow-list but gives each
// actor instance independent Denied/Allowed bookkeeping.
func NewFakeSandboxHandler(allowedPaths ...string) *FakeSandboxHandler {
	allowed := make(map[string]struct{}, len(allowedPaths))
	for _, p := range allowedPaths {
		allowed[p] = struct{}{}
	}
	return &FakeSandboxHandler{AllowedPaths: allowed}
}

func (h *FakeSandboxHandler) Name() string { return "fake-sandbox" }

func (h *FakeSandboxHandler) Imports() []capability.InterfaceID {
	return []capability.InterfaceID{SandboxInterface}
}

func (h *FakeSandboxHandler) Exports() []capability.InterfaceID { return nil }

// CreateInstance implements capability.Handler. The returned instance
// shares the allow-list but starts with empty bookkeeping, the same
// per-actor-clone-shares-shared-state shape capability.Handler's doc
// comment describes for connection pools and caches.
func (h *FakeSandboxHandler) CreateInstance() capability.Handler {
	return &FakeSandboxHandler{AllowedPaths: h.AllowedPaths}
}

// BindChain wires this instance's chain after CreateInstance, mirroring
// how capability.IdentityAware binds an actor id post-clone. A handler
// under test calls this once before any host function runs.
func (h *FakeSandboxHandler) BindChain(c *chain.Chain) { h.Chain = c }

func (h *FakeSandboxHandler) SetupHostFunctions(_ context.Context, reg capability.HostFunctionRegistrar) error {
	okType := capability.Prim(capability.Bytes)
	errType := capability.Prim(capability.String)
	return reg.RegisterHostFunction(SandboxInterface, capability.FunctionSignature{
		Name:    FuncRead,
		Params:  []capability.Field{{Name: "path", Type: capability.Prim(capability.String)}},
		Results: []capability.ValueType{capability.Result(&okType, &errType)},
	}, h.read)
}

func (h *FakeSandboxHandler) AddExportFunctions(capability.GuestExportRegistrar) error { return nil }

// Start has no background task: FakeSandboxHandler only reacts to
// guest-initiated read calls.
func (h *FakeSandboxHandler) Start(_ context.Context, _ capability.ActorHandle, shutdown <-chan struct{}) error {
	<-shutdown
	return nil
}

func (h *FakeSandboxHandler) read(_ context.Context, paramsBytes []byte) ([]byte, error) {
	h.Chain.Append(SandboxInterface.Interface+"/"+FuncRead+".call", paramsBytes, "")

	var req ReadRequest
	if err := json.Unmarshal(paramsBytes, &req); err != nil {
		derr := theatererr.Wrap(theatererr.InvalidArgument, "fake-sandbox: decode read request", err)
		h.Chain.Append(SandboxInterface.Interface+"/"+FuncRead+".result", []byte(derr.Error()), "")
		return nil, derr
	}

	if _, ok := h.AllowedPaths[req.Path]; !ok {
		derr := theatererr.Newf(theatererr.PermissionDenied, "fake-sandbox: path %q is not in allowed_paths", req.Path)
		h.Denied = append(h.Denied, req.Path)
		h.Chain.Append(SandboxInterface.Interface+"/"+FuncRead+".result", []byte(derr.Error()), "")
		return nil, derr
	}

	h.Allowed = append(h.Allowed, req.Path)
	result := []byte("contents of " + req.Path)
	h.Chain.Append(SandboxInterface.Interface+"/"+FuncRead+".result", result, "")
	return result, nil
}
