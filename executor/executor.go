// Package executor implements the Actor Executor (spec.md §4.E): the
// single task per actor that serializes all access to that actor's WASM
// instance. Every other component reaches the instance only through an
// Executor's Call/UpdateState/GetState/Shutdown API — never directly.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/theater-project/theater/actorstate"
	"github.com/theater-project/theater/capability"
	"github.com/theater-project/theater/chain"
	"github.com/theater-project/theater/component"
	"github.com/theater-project/theater/theatererr"
)

// CallResult is the outcome of a Call, delivered on its reply channel.
type CallResult struct {
	Bytes []byte
	Err   error
}

type callCmd struct {
	iface    capability.InterfaceID
	function string
	params   []byte
	deadline time.Duration
	reply    chan CallResult
}

type updateStateCmd struct {
	bytes []byte
	reply chan error
}

type getStateResult struct {
	bytes []byte
}

type getStateCmd struct {
	reply chan getStateResult
}

type shutdownCmd struct {
	reason string
	reply  chan error
}

// Options configures an Executor.
type Options struct {
	// QueueSize bounds the command queue; a full queue returns Busy to the
	// caller rather than blocking (spec.md §4.E).
	QueueSize int
	// Interruptible reports whether the underlying component.Instance's
	// Call honors context cancellation for an in-flight call. When false
	// (the common case for an engine with no interruption primitive — see
	// spec.md §4.E's timeout policy), a timed-out call marks the actor
	// Failed rather than assuming the call actually stopped.
	Interruptible bool
}

// Executor serializes every Call/UpdateState/GetState/Shutdown against one
// actor's component.Instance and its Event Chain. Run must be called
// exactly once, from the goroutine that owns this actor.
type Executor struct {
	instance component.Instance
	chain    *chain.Chain
	state    *actorstate.State
	opts     Options

	commands chan any
	shutdown chan shutdownCmd
	stopped  chan struct{}

	stateBytes []byte
}

// New constructs an Executor for one actor. state and c must already be
// wired to this actor (actorstate.New / chain.New or chain.Load).
func New(instance component.Instance, c *chain.Chain, state *actorstate.State, opts Options) *Executor {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Executor{
		instance: instance,
		chain:    c,
		state:    state,
		opts:     opts,
		commands: make(chan any, opts.QueueSize),
		shutdown: make(chan shutdownCmd, 1),
		stopped:  make(chan struct{}),
	}
}

// Stopped is closed once Run has returned.
func (e *Executor) Stopped() <-chan struct{} { return e.stopped }

// Run is the executor main loop (spec.md §4.E). It returns once Shutdown
// has been processed or ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.stopped)
	e.state.SetStatus(actorstate.StatusRunning)

	for {
		// Shutdown takes priority over any queued command (spec.md §4.E
		// "Cancellation"): check it non-blockingly before entering the
		// fair select below.
		select {
		case sc := <-e.shutdown:
			e.drain(sc)
			return
		default:
		}

		select {
		case sc := <-e.shutdown:
			e.drain(sc)
			return
		case cmd := <-e.commands:
			e.handle(ctx, cmd)
		case <-ctx.Done():
			e.state.SetStatus(actorstate.StatusStopped)
			return
		}
	}
}

func (e *Executor) handle(ctx context.Context, cmd any) {
	switch c := cmd.(type) {
	case callCmd:
		e.handleCall(ctx, c)
	case updateStateCmd:
		e.stateBytes = c.bytes
		e.chain.Append("theater:runtime/state.update", c.bytes, "")
		c.reply <- nil
	case getStateCmd:
		out := make([]byte, len(e.stateBytes))
		copy(out, e.stateBytes)
		c.reply <- getStateResult{bytes: out}
	}
}

func (e *Executor) handleCall(ctx context.Context, c callCmd) {
	eventBase := fmt.Sprintf("%s/%s", c.iface.Interface, c.function)
	e.chain.Append(eventBase+".call", c.params, "")

	callCtx := ctx
	var cancel context.CancelFunc
	if c.deadline > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.deadline)
		defer cancel()
	}

	type outcome struct {
		bytes []byte
		err   error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		b, err := e.instance.Call(callCtx, c.iface, c.function, c.params)
		resultCh <- outcome{bytes: b, err: err}
	}()

	select {
	case out := <-resultCh:
		resultData := encodeResult(out.bytes, out.err)
		e.chain.Append(eventBase+".result", resultData, "")
		c.reply <- CallResult{Bytes: out.bytes, Err: out.err}
		if isFatalCallError(out.err) {
			// The guest trapped (or the chain/host state is no longer
			// trustworthy): the instance cannot be assumed sound for any
			// further call, so the actor fails here the same way an
			// unrecoverable timeout does (spec.md §4.E).
			e.state.SetStatus(actorstate.StatusFailed)
		}
	case <-callCtx.Done():
		e.chain.Append(eventBase+".timeout", nil, "")
		c.reply <- CallResult{Err: theatererr.New(theatererr.Timeout, "call deadline exceeded")}
		if !e.opts.Interruptible {
			// No interruption primitive available: the goroutine above
			// may still be running against a trapped or hung guest call.
			// spec.md §4.E: mark the actor Failed and let supervision
			// request a restart rather than pretend the call stopped.
			e.state.SetStatus(actorstate.StatusFailed)
		}
	}
}

// isFatalCallError reports whether err reflects damage to the guest
// instance itself rather than a recoverable per-call failure: a trap
// aborts execution mid-function with no guarantee about the instance's
// remaining state, and a chain integrity or internal error means the
// executor's own bookkeeping can no longer be trusted either way.
// Permission/argument/not-found/busy/timeout/cancelled errors are all
// left recoverable — they reject one call without compromising the
// instance.
func isFatalCallError(err error) bool {
	kind, ok := theatererr.Of(err)
	if !ok {
		return false
	}
	switch kind {
	case theatererr.GuestTrap, theatererr.ChainIntegrity, theatererr.Internal:
		return true
	default:
		return false
	}
}

// drain implements the Shutdown "in-flight calls are cancelled, pending
// commands receive Cancelled replies" policy (spec.md §4.E).
func (e *Executor) drain(sc shutdownCmd) {
	e.state.SetStatus(actorstate.StatusStopping)
	e.chain.Append("theater:runtime/lifecycle.shutdown", []byte(sc.reason), "")

	for {
		select {
		case cmd := <-e.commands:
			cancelCommand(cmd)
		default:
			e.state.SetStatus(actorstate.StatusStopped)
			sc.reply <- nil
			return
		}
	}
}

func cancelCommand(cmd any) {
	cancelled := theatererr.New(theatererr.Cancelled, "executor is shutting down")
	switch c := cmd.(type) {
	case callCmd:
		c.reply <- CallResult{Err: cancelled}
	case updateStateCmd:
		c.reply <- cancelled
	case getStateCmd:
		c.reply <- getStateResult{}
	}
}

func encodeResult(bytes []byte, err error) []byte {
	if err == nil {
		return bytes
	}
	return []byte(err.Error())
}

// Call invokes a guest export, recording a call-event and a result-event
// on the actor's chain (spec.md §4.D closing invariant, §4.E). deadline of
// zero means no timeout.
func (e *Executor) Call(ctx context.Context, iface capability.InterfaceID, function string, params []byte, deadline time.Duration) ([]byte, error) {
	reply := make(chan CallResult, 1)
	select {
	case e.commands <- callCmd{iface: iface, function: function, params: params, deadline: deadline, reply: reply}:
	default:
		return nil, theatererr.New(theatererr.Busy, "executor command queue full")
	}
	select {
	case out := <-reply:
		return out.Bytes, out.Err
	case <-ctx.Done():
		return nil, theatererr.Wrap(theatererr.Cancelled, "call cancelled", ctx.Err())
	}
}

// UpdateState stores new state bytes (spec.md §4.E).
func (e *Executor) UpdateState(ctx context.Context, bytes []byte) error {
	reply := make(chan error, 1)
	select {
	case e.commands <- updateStateCmd{bytes: bytes, reply: reply}:
	default:
		return theatererr.New(theatererr.Busy, "executor command queue full")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return theatererr.Wrap(theatererr.Cancelled, "update state cancelled", ctx.Err())
	}
}

// GetState reads current state bytes (spec.md §4.E). Per the resolved
// Open Question (DESIGN.md), this always returns the bytes last written
// via UpdateState, never a handler-local thread-through state.
func (e *Executor) GetState(ctx context.Context) ([]byte, error) {
	reply := make(chan getStateResult, 1)
	select {
	case e.commands <- getStateCmd{reply: reply}:
	default:
		return nil, theatererr.New(theatererr.Busy, "executor command queue full")
	}
	select {
	case out := <-reply:
		return out.bytes, nil
	case <-ctx.Done():
		return nil, theatererr.Wrap(theatererr.Cancelled, "get state cancelled", ctx.Err())
	}
}

// Shutdown stops the executor loop (spec.md §4.E). Blocks until Run has
// finished draining, or ctx is cancelled first.
func (e *Executor) Shutdown(ctx context.Context, reason string) error {
	reply := make(chan error, 1)
	sc := shutdownCmd{reason: reason, reply: reply}
	select {
	case e.shutdown <- sc:
	case <-ctx.Done():
		return theatererr.Wrap(theatererr.Cancelled, "shutdown request cancelled", ctx.Err())
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return theatererr.Wrap(theatererr.Cancelled, "shutdown cancelled", ctx.Err())
	}
}
