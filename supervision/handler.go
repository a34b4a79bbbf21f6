// Package supervision implements spec.md §4.H: parent-child lifecycle
// propagation, the supervisor capability handler a parent actor wires in
// to receive child lifecycle events and issue spawn/restart/stop
// decisions, and (in supervision/strategy) ready-made restart-intensity
// helpers a guest implementation may delegate to. Grounded on the
// teacher's agents/runtime/hooks package — a small, host-provided
// capability surface a running agent's guest logic calls into and is
// called back through — generalized from "agent hooks" to "parent-child
// actor supervision."
package supervision

import (
	"context"
	"encoding/json"

	"github.com/theater-project/theater/capability"
	"github.com/theater-project/theater/id"
	"github.com/theater-project/theater/manifest"
	"github.com/theater-project/theater/theatererr"
)

// HostInterface is the host-function interface a component imports to
// gain the supervisor primitives (spec.md §4.H: "spawn, resume,
// restart-child, stop-child, list-children, get-child-state,
// get-child-events").
var HostInterface = capability.InterfaceID{Interface: "theater:simple/supervisor", Version: "0.1.0"}

// LifecycleInterface is the guest export interface a parent actor
// implements to receive child lifecycle events (spec.md §4.H:
// "handle-child-error", "handle-child-exit", "handle-child-external-stop").
var LifecycleInterface = capability.InterfaceID{Interface: "theater:simple/supervisor-lifecycle", Version: "0.1.0"}

const (
	FuncHandleChildError        = "handle-child-error"
	FuncHandleChildExit         = "handle-child-exit"
	FuncHandleChildExternalStop = "handle-child-external-stop"

	FuncSpawn          = "spawn"
	FuncResume         = "resume"
	FuncRestartChild   = "restart-child"
	FuncStopChild      = "stop-child"
	FuncListChildren   = "list-children"
	FuncGetChildState  = "get-child-state"
	FuncGetChildEvents = "get-child-events"
)

// TheaterOps is the subset of Theater Runtime operations the supervisor
// handler's host functions need. Theater implements this structurally;
// supervision never imports theater, keeping the dependency edge
// one-directional the same way capability depends only on
// capability.ActorHandle rather than on actorruntime.
type TheaterOps interface {
	SpawnActorChild(ctx context.Context, parent id.ActorID, m *manifest.Manifest) (id.ActorID, error)
	ResumeActor(ctx context.Context, actorID id.ActorID, stateBytes []byte) error
	RestartActor(ctx context.Context, actorID id.ActorID, reason string) error
	StopActor(ctx context.Context, actorID id.ActorID) error
	ListChildren(ctx context.Context, parent id.ActorID) ([]id.ActorID, error)
	GetActorState(ctx context.Context, actorID id.ActorID) ([]byte, error)
	GetActorEvents(ctx context.Context, actorID id.ActorID) ([]byte, error)
}

// Handler is the capability.Handler implementing the supervisor
// primitives. Construct one NewHandler(ops) and register it once with a
// capability.Registry; CreateInstance clones a fresh per-actor instance
// whose own actor id is bound via capability.IdentityAware before its
// host functions are wired.
type Handler struct {
	ops     TheaterOps
	actorID id.ActorID
}

// NewHandler constructs the supervisor Handler prototype.
func NewHandler(ops TheaterOps) *Handler {
	return &Handler{ops: ops}
}

func (h *Handler) Name() string { return "supervisor" }

func (h *Handler) Imports() []capability.InterfaceID {
	return []capability.InterfaceID{HostInterface}
}

func (h *Handler) Exports() []capability.InterfaceID {
	return []capability.InterfaceID{LifecycleInterface}
}

func (h *Handler) CreateInstance() capability.Handler {
	return &Handler{ops: h.ops}
}

// BindActorID implements capability.IdentityAware.
func (h *Handler) BindActorID(actorID id.ActorID) { h.actorID = actorID }

func (h *Handler) SetupHostFunctions(_ context.Context, reg capability.HostFunctionRegistrar) error {
	fns := map[string]capability.HostFunc{
		FuncSpawn:          h.handleSpawn,
		FuncResume:         h.handleResume,
		FuncRestartChild:   h.handleRestartChild,
		FuncStopChild:      h.handleStopChild,
		FuncListChildren:   h.handleListChildren,
		FuncGetChildState:  h.handleGetChildState,
		FuncGetChildEvents: h.handleGetChildEvents,
	}
	for name, fn := range fns {
		if err := reg.RegisterHostFunction(HostInterface, capability.FunctionSignature{Name: name}, fn); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) AddExportFunctions(reg capability.GuestExportRegistrar) error {
	for _, fn := range []string{FuncHandleChildError, FuncHandleChildExit, FuncHandleChildExternalStop} {
		if err := reg.RegisterExpectedExport(LifecycleInterface, capability.FunctionSignature{Name: fn}); err != nil {
			return err
		}
	}
	return nil
}

// Start has no background task; the supervisor handler only reacts to
// host-function calls the guest initiates.
func (h *Handler) Start(ctx context.Context, _ capability.ActorHandle, shutdown <-chan struct{}) error {
	<-shutdown
	return nil
}

type spawnRequest struct {
	ManifestTOML string `json:"manifest_toml"`
}

type actorIDResponse struct {
	ActorID string `json:"actor_id"`
}

func (h *Handler) handleSpawn(ctx context.Context, params []byte) ([]byte, error) {
	var req spawnRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, theatererr.Wrap(theatererr.InvalidArgument, "supervisor: decode spawn request", err)
	}
	m, err := manifest.Parse(req.ManifestTOML)
	if err != nil {
		return nil, err
	}
	childID, err := h.ops.SpawnActorChild(ctx, h.actorID, m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(actorIDResponse{ActorID: childID.String()})
}

type resumeRequest struct {
	ActorID    string `json:"actor_id"`
	StateBytes []byte `json:"state_bytes"`
}

func (h *Handler) handleResume(ctx context.Context, params []byte) ([]byte, error) {
	var req resumeRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, theatererr.Wrap(theatererr.InvalidArgument, "supervisor: decode resume request", err)
	}
	aid, err := id.ParseActorID(req.ActorID)
	if err != nil {
		return nil, theatererr.Wrap(theatererr.InvalidArgument, "supervisor: parse actor id", err)
	}
	return nil, h.ops.ResumeActor(ctx, aid, req.StateBytes)
}

type childIDRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

func (h *Handler) decodeChildIDRequest(params []byte) (id.ActorID, childIDRequest, error) {
	var req childIDRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return id.ActorID{}, req, theatererr.Wrap(theatererr.InvalidArgument, "supervisor: decode request", err)
	}
	aid, err := id.ParseActorID(req.ActorID)
	if err != nil {
		return id.ActorID{}, req, theatererr.Wrap(theatererr.InvalidArgument, "supervisor: parse actor id", err)
	}
	return aid, req, nil
}

func (h *Handler) handleRestartChild(ctx context.Context, params []byte) ([]byte, error) {
	aid, req, err := h.decodeChildIDRequest(params)
	if err != nil {
		return nil, err
	}
	return nil, h.ops.RestartActor(ctx, aid, req.Reason)
}

func (h *Handler) handleStopChild(ctx context.Context, params []byte) ([]byte, error) {
	aid, _, err := h.decodeChildIDRequest(params)
	if err != nil {
		return nil, err
	}
	return nil, h.ops.StopActor(ctx, aid)
}

func (h *Handler) handleListChildren(ctx context.Context, _ []byte) ([]byte, error) {
	children, err := h.ops.ListChildren(ctx, h.actorID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(children))
	for i, c := range children {
		ids[i] = c.String()
	}
	return json.Marshal(struct {
		Children []string `json:"children"`
	}{Children: ids})
}

func (h *Handler) handleGetChildState(ctx context.Context, params []byte) ([]byte, error) {
	aid, _, err := h.decodeChildIDRequest(params)
	if err != nil {
		return nil, err
	}
	return h.ops.GetActorState(ctx, aid)
}

func (h *Handler) handleGetChildEvents(ctx context.Context, params []byte) ([]byte, error) {
	aid, _, err := h.decodeChildIDRequest(params)
	if err != nil {
		return nil, err
	}
	return h.ops.GetActorEvents(ctx, aid)
}
