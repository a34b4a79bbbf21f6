// Package replay implements the Replay Engine (spec.md §4.J): given a
// loaded component and a previously recorded Event Chain, it re-executes
// the chain's guest calls against a synthetic handler set whose host
// functions return, rather than perform, the recorded outputs, then
// compares the resulting event hashes against the original chain one by
// one. Grounded on the teacher's inmem workflow replay approach
// (agents/runtime/run/inmem), generalized from "replay a workflow history"
// to "replay an actor's chain."
package replay

import (
	"context"
	"fmt"

	"github.com/theater-project/theater/capability"
	"github.com/theater-project/theater/chain"
	"github.com/theater-project/theater/component"
	"github.com/theater-project/theater/theatererr"
)

const (
	suffixCall    = ".call"
	suffixResult  = ".result"
	suffixTimeout = ".timeout"
)

// Options configures a Replay run.
type Options struct {
	// HaltOnFirstDivergence stops comparison at the first mismatching
	// event instead of collecting a full report (spec.md §4.J "halts
	// (configurable)").
	HaltOnFirstDivergence bool
}

// Divergence reports one event whose replay hash did not match the
// original, per spec.md §4.J's exact contract: "(index, original_hash,
// replay_hash, event_type)". Index is the position within the original
// chain's call/result/timeout subsequence (lifecycle and state-update
// bookkeeping events are never replayed, so never participate in
// comparison). An empty ReplayHash means replay produced no event at this
// index at all (the replayed run was shorter than the original).
type Divergence struct {
	Index        int
	EventType    string
	OriginalHash chain.Hash
	ReplayHash   chain.Hash
}

// Result is the outcome of a Replay run.
type Result struct {
	Diverged      bool
	Divergences   []Divergence
	ReplayedChain *chain.Chain
}

// Replay re-executes original's recorded guest calls against comp,
// instantiated through rt with a synthetic handler returning the chain's
// recorded host-call outputs instead of performing them, and reports
// whether the resulting event hashes match (spec.md §4.J).
//
// This subsystem requires that every host-call event in original carry
// complete input/output bytes (spec.md §4.D's HostFunc convention): a stub
// host function returns the recorded result bytes as they are. A guest
// that calls a host function more often than original recorded gets a
// NotFound error from that call; the error is recorded in the replayed
// result event and so shows up as a divergence, not as an error returned
// by Replay.
func Replay(ctx context.Context, rt component.Runtime, comp component.Component, original *chain.Chain, opts Options) (*Result, error) {
	origEvents := original.Iter()
	if len(origEvents) == 0 {
		return &Result{ReplayedChain: chain.New(nil)}, nil
	}

	exportIfaces := ifaceSet(comp.Exports())
	importIfaces := ifaceSet(comp.Imports())

	stubs, err := recordedHostCalls(origEvents, importIfaces)
	if err != nil {
		return nil, err
	}
	guestCalls := recordedGuestCalls(origEvents, exportIfaces)

	// Only call/result/timeout events are replayed; lifecycle and
	// state-update bookkeeping events never appear mid-call (spec.md §5:
	// other commands are interleaved only between calls, never during
	// one), so comparable is exactly the subsequence replayChain will
	// reproduce, in the same order.
	comparable := filterComparable(origEvents)
	clock := &scriptedClock{timestamps: timestampsOf(comparable)}
	replayChain := chain.New(clock)

	handler := newStubHandler(replayChain, stubs)
	instance, err := rt.Instantiate(ctx, comp, []capability.Handler{handler})
	if err != nil {
		return nil, theatererr.Wrap(theatererr.ComponentLoad, "replay: instantiate synthetic instance", err)
	}
	defer instance.Close(ctx)

	for _, gc := range guestCalls {
		eventBase := fmt.Sprintf("%s/%s", gc.iface.Interface, gc.function)
		replayChain.Append(eventBase+suffixCall, gc.params, "")
		out, callErr := instance.Call(ctx, gc.iface, gc.function, gc.params)
		replayChain.Append(eventBase+suffixResult, encodeResult(out, callErr), "")
	}

	return compare(comparable, replayChain.Iter(), opts, replayChain), nil
}

// filterComparable keeps only the call/result/timeout events a Replay run
// can reproduce, in order, dropping lifecycle/state-update bookkeeping
// events the synthetic run never appends.
func filterComparable(events []chain.Event) []chain.Event {
	out := make([]chain.Event, 0, len(events))
	for _, ev := range events {
		if _, _, _, ok := splitEventType(ev.EventType); ok {
			out = append(out, ev)
		}
	}
	return out
}

func compare(orig, replayed []chain.Event, opts Options, replayChain *chain.Chain) *Result {
	res := &Result{ReplayedChain: replayChain}
	n := len(orig)
	for i := 0; i < n; i++ {
		if i >= len(replayed) {
			res.Divergences = append(res.Divergences, Divergence{
				Index: i, EventType: orig[i].EventType, OriginalHash: orig[i].Hash,
			})
			if opts.HaltOnFirstDivergence {
				break
			}
			continue
		}
		if orig[i].Hash != replayed[i].Hash {
			res.Divergences = append(res.Divergences, Divergence{
				Index: i, EventType: orig[i].EventType,
				OriginalHash: orig[i].Hash, ReplayHash: replayed[i].Hash,
			})
			if opts.HaltOnFirstDivergence {
				break
			}
		}
	}
	res.Diverged = len(res.Divergences) > 0
	return res
}

// encodeResult mirrors executor.handleCall's own result-event encoding
// convention: the raw output bytes on success, the error text on failure.
func encodeResult(bytes []byte, err error) []byte {
	if err == nil {
		return bytes
	}
	return []byte(err.Error())
}

func ifaceSet(ids []capability.InterfaceID) map[string]capability.InterfaceID {
	out := make(map[string]capability.InterfaceID, len(ids))
	for _, id := range ids {
		out[id.Interface] = id
	}
	return out
}

type recordedCall struct {
	iface    capability.InterfaceID
	function string
	params   []byte
}

// recordedGuestCalls extracts the sequence of top-level guest-export
// invocations from origEvents: every ".call" event whose interface prefix
// names one of the component's declared exports.
func recordedGuestCalls(events []chain.Event, exportIfaces map[string]capability.InterfaceID) []recordedCall {
	var out []recordedCall
	for _, ev := range events {
		ifaceStr, function, kind, ok := splitEventType(ev.EventType)
		if !ok || kind != suffixCall {
			continue
		}
		iface, ok := exportIfaces[ifaceStr]
		if !ok {
			continue
		}
		out = append(out, recordedCall{iface: iface, function: function, params: ev.Data})
	}
	return out
}

// recordedHostCalls extracts, per (interface, function), the FIFO
// sequence of recorded outputs a stub host function must replay: every
// ".call" event whose interface prefix names one of the component's
// declared imports, paired with the ".result" event immediately
// following it (spec.md §5's "host calls within one guest invocation are
// totally ordered... each produces exactly one call-event/result-event
// pair in sequence").
func recordedHostCalls(events []chain.Event, importIfaces map[string]capability.InterfaceID) (map[component.FuncKey][][]byte, error) {
	out := make(map[component.FuncKey][][]byte)
	for i, ev := range events {
		ifaceStr, function, kind, ok := splitEventType(ev.EventType)
		if !ok || kind != suffixCall {
			continue
		}
		iface, ok := importIfaces[ifaceStr]
		if !ok {
			continue
		}
		if i+1 >= len(events) {
			return nil, theatererr.Newf(theatererr.InvalidArgument,
				"replay: host call %s/%s at event %d has no following result event", ifaceStr, function, i)
		}
		next := events[i+1]
		nextIfaceStr, nextFunction, nextKind, ok := splitEventType(next.EventType)
		if !ok || nextKind != suffixResult || nextIfaceStr != ifaceStr || nextFunction != function {
			// A timeout (or some other non-result follow-up) means this
			// host call never produced a recorded output; replay has
			// nothing to return if the guest calls it again.
			continue
		}
		key := component.FuncKey{Iface: iface, Function: function}
		out[key] = append(out[key], next.Data)
	}
	return out, nil
}

// splitEventType parses the "<interface>/<function>.<suffix>" event type
// convention executor.go and capability HostFunc implementations both
// follow.
func splitEventType(eventType string) (iface, function, suffix string, ok bool) {
	lastSlash := -1
	for i := len(eventType) - 1; i >= 0; i-- {
		if eventType[i] == '/' {
			lastSlash = i
			break
		}
	}
	if lastSlash < 0 {
		return "", "", "", false
	}
	iface = eventType[:lastSlash]
	rest := eventType[lastSlash+1:]
	for _, suf := range []string{suffixCall, suffixResult, suffixTimeout} {
		if len(rest) > len(suf) && rest[len(rest)-len(suf):] == suf {
			return iface, rest[:len(rest)-len(suf)], suf, true
		}
	}
	return "", "", "", false
}

func timestampsOf(events []chain.Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.Timestamp
	}
	return out
}

// scriptedClock replays the exact timestamp sequence recorded in the
// original chain, in Append order. Since an event's hash includes its
// timestamp, a replay that recomputes wall-clock time could never match
// the original even with identical behavior; playing back the recorded
// timestamps isolates the comparison to genuine behavioral divergence.
type scriptedClock struct {
	timestamps []int64
	i          int
}

func (c *scriptedClock) Now() int64 {
	if c.i >= len(c.timestamps) {
		if len(c.timestamps) == 0 {
			return 0
		}
		return c.timestamps[len(c.timestamps)-1]
	}
	t := c.timestamps[c.i]
	c.i++
	return t
}

// stubHandler is the synthetic capability.Handler Replay binds in place of
// every real handler: it claims every import interface the chain actually
// exercised and, for each recorded (interface, function), answers calls
// with the next queued recorded output in order rather than performing
// the real effect.
type stubHandler struct {
	chain *chain.Chain
	stubs map[component.FuncKey][][]byte
	next  map[component.FuncKey]int
}

func newStubHandler(c *chain.Chain, stubs map[component.FuncKey][][]byte) *stubHandler {
	return &stubHandler{chain: c, stubs: stubs, next: make(map[component.FuncKey]int)}
}

func (h *stubHandler) Name() string { return "replay-stub" }

func (h *stubHandler) Imports() []capability.InterfaceID {
	seen := make(map[capability.InterfaceID]bool)
	var out []capability.InterfaceID
	for key := range h.stubs {
		if !seen[key.Iface] {
			seen[key.Iface] = true
			out = append(out, key.Iface)
		}
	}
	return out
}

func (h *stubHandler) Exports() []capability.InterfaceID { return nil }

func (h *stubHandler) CreateInstance() capability.Handler {
	return &stubHandler{chain: h.chain, stubs: h.stubs, next: make(map[component.FuncKey]int)}
}

func (h *stubHandler) SetupHostFunctions(_ context.Context, reg capability.HostFunctionRegistrar) error {
	for key := range h.stubs {
		key := key
		fn := h.makeStub(key)
		if err := reg.RegisterHostFunction(key.Iface, capability.FunctionSignature{Name: key.Function}, fn); err != nil {
			return err
		}
	}
	return nil
}

func (h *stubHandler) AddExportFunctions(capability.GuestExportRegistrar) error { return nil }

func (h *stubHandler) Start(ctx context.Context, _ capability.ActorHandle, shutdown <-chan struct{}) error {
	<-shutdown
	return nil
}

// makeStub returns the HostFunc implementation for one recorded
// (interface, function): it appends its own call/result event pair (the
// convention every HostFunc follows, capability.HostFunc) and returns the
// next queued recorded output.
func (h *stubHandler) makeStub(key component.FuncKey) capability.HostFunc {
	return func(_ context.Context, params []byte) ([]byte, error) {
		eventBase := fmt.Sprintf("%s/%s", key.Iface.Interface, key.Function)
		h.chain.Append(eventBase+suffixCall, params, "")

		outputs := h.stubs[key]
		i := h.next[key]
		if i >= len(outputs) {
			return nil, theatererr.Newf(theatererr.NotFound,
				"replay: no recorded output left for %s (guest called it more times than the original chain did)", key)
		}
		h.next[key] = i + 1
		out := outputs[i]
		h.chain.Append(eventBase+suffixResult, out, "")
		return out, nil
	}
}
