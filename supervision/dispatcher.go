package supervision

import (
	"context"
	"encoding/json"
	"time"

	"github.com/theater-project/theater/actorruntime"
	"github.com/theater-project/theater/id"
	"github.com/theater-project/theater/telemetry"
)

// defaultCallTimeout bounds how long a handle-child-* guest export may
// run before the dispatcher gives up on it; a parent actor that never
// responds must not block the runtime's shutdown/cleanup path forever.
const defaultCallTimeout = 10 * time.Second

// HandleLookup resolves a live actor's handle by id, for delivering
// lifecycle events to a parent. Theater implements this.
type HandleLookup interface {
	ActorHandle(actorID id.ActorID) (*actorruntime.ActorHandle, bool)
}

// Dispatcher implements actorruntime.LifecycleNotifier: when a child
// actor terminates, it calls the parent's handle-child-error/exit/
// external-stop guest export (spec.md §4.H), if the parent wired one.
// Delivery is best-effort: a parent that never registered the supervisor
// handler's exports simply does not receive the call, which is not an
// error — not every actor needs a supervisor.
type Dispatcher struct {
	lookup  HandleLookup
	timeout time.Duration
	logger  telemetry.Logger
}

// NewDispatcher constructs a Dispatcher resolving parent handles via lookup.
func NewDispatcher(lookup HandleLookup, logger telemetry.Logger) *Dispatcher {
	if logger == nil {
		logger = telemetry.NoOp().Logger
	}
	return &Dispatcher{lookup: lookup, timeout: defaultCallTimeout, logger: logger}
}

type childErrorPayload struct {
	ChildID string `json:"child_id"`
	Error   string `json:"error,omitempty"`
}

type childExitPayload struct {
	ChildID  string `json:"child_id"`
	ExitData []byte `json:"exit_data,omitempty"`
}

type childStopPayload struct {
	ChildID string `json:"child_id"`
}

// NotifyTerminated implements actorruntime.LifecycleNotifier.
func (d *Dispatcher) NotifyTerminated(ctx context.Context, parent id.ActorID, ev actorruntime.LifecycleEvent) {
	handle, ok := d.lookup.ActorHandle(parent)
	if !ok {
		d.logger.Debug("supervision: parent already gone, dropping lifecycle notice",
			"parent", parent.String(), "child", ev.Child.String())
		return
	}

	var fn string
	var payload []byte
	switch ev.Outcome {
	case actorruntime.OutcomeFailed:
		fn = FuncHandleChildError
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		payload, _ = json.Marshal(childErrorPayload{ChildID: ev.Child.String(), Error: msg})
	case actorruntime.OutcomeExternalStop:
		fn = FuncHandleChildExternalStop
		payload, _ = json.Marshal(childStopPayload{ChildID: ev.Child.String()})
	default:
		fn = FuncHandleChildExit
		payload, _ = json.Marshal(childExitPayload{ChildID: ev.Child.String(), ExitData: ev.ExitData})
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := handle.Call(callCtx, LifecycleInterface, fn, payload, d.timeout); err != nil {
		d.logger.Debug("supervision: parent has no handler for lifecycle export (or it failed)",
			"parent", parent.String(), "child", ev.Child.String(), "function", fn, "err", err.Error())
	}
}
