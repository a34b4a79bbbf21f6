// Package router implements the Message Router (spec.md §4.I): an
// independent, lock-free inter-actor messaging service, deliberately
// decoupled from the Theater Runtime to avoid lock contention on the
// actor registry. Grounded on the same shape `theater.Runtime` itself
// borrows from the teacher's `registry/registry.go` — one task owns the
// mutable state, every operation is serialized through a bounded command
// channel — generalized here a second time from "registered actors" to
// "registered actor mailboxes."
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/theater-project/theater/id"
	"github.com/theater-project/theater/telemetry"
	"github.com/theater-project/theater/theatererr"
)

const defaultQueueSize = 1024

// Mailbox is a bounded inbound channel for one actor. The embedder
// creates it (sized per spec.md §4.I's "bounded mailbox") and registers
// it with RegisterActor; a full mailbox causes deliveries to fail with
// Busy rather than ever blocking the router's single task.
type Mailbox chan Message

// MessageKind tags the delivery kind a Message carries.
type MessageKind string

const (
	KindSend          MessageKind = "send"
	KindRequest       MessageKind = "request"
	KindChannelOpen   MessageKind = "channel_open"
	KindChannelMsg    MessageKind = "channel_message"
	KindChannelClosed MessageKind = "channel_closed"
)

// Response is what a Request or ChannelOpen delivery's Reply channel
// carries back to the original caller. The router never reads it itself —
// Reply is handed straight through to the recipient's mailbox message so
// the reply travels directly from the answering actor to the original
// caller, with no round trip back through the router (spec.md §4.I's
// point of decoupling messaging from the registry).
type Response struct {
	Payload []byte
	// Accept is meaningful only for a ChannelOpen delivery: the target's
	// handler sets it to decide whether the channel opens.
	Accept bool
	Err    error
}

// Message is one delivery placed into an actor's mailbox.
type Message struct {
	Kind      MessageKind
	Payload   []byte
	ChannelID id.ChannelID
	// Initiator is set on a ChannelOpen delivery (the opening actor) and a
	// ChannelMessage/ChannelClosed delivery (the actor that sent/closed,
	// i.e. not the recipient).
	Initiator id.ActorID
	// Reply receives exactly one Response for Request and ChannelOpen
	// deliveries; nil for Send, ChannelMessage, and ChannelClosed.
	Reply chan<- Response
}

type channelState struct {
	initiator id.ActorID
	target    id.ActorID
	closed    bool
}

// other returns the endpoint of c that is not from, and ok=false if from
// is not a participant in this channel.
func (c *channelState) other(from id.ActorID) (id.ActorID, bool) {
	switch from {
	case c.initiator:
		return c.target, true
	case c.target:
		return c.initiator, true
	default:
		return id.ActorID{}, false
	}
}

// Options configures a Router.
type Options struct {
	QueueSize int
	Telemetry telemetry.Bundle
}

// Router is the Message Router. Construct with New, run its command loop
// with Run, and reach every other operation through its exported methods.
type Router struct {
	telemetry telemetry.Bundle
	commands  chan any

	// mailboxes and channels are only ever touched from Run's goroutine;
	// unlike theater.Runtime there is no reentrant synchronous callback
	// into this package, so no mutex is needed alongside them.
	mailboxes map[id.ActorID]Mailbox
	channels  map[id.ChannelID]*channelState
}

// New constructs a Router.
func New(opts Options) *Router {
	tel := opts.Telemetry
	if tel.Logger == nil {
		tel = telemetry.NoOp()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Router{
		telemetry: tel,
		commands:  make(chan any, queueSize),
		mailboxes: make(map[id.ActorID]Mailbox),
		channels:  make(map[id.ChannelID]*channelState),
	}
}

// Run is the Router's command loop. Call it exactly once, from the
// goroutine that owns the registry; it returns when ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case cmd := <-r.commands:
			r.dispatch(cmd)
		case <-ctx.Done():
			return
		}
	}
}

// enqueue mirrors theater.enqueue/executor.Executor.Call's own
// non-blocking-send-then-Busy idiom, so every bounded queue in this
// codebase behaves identically under load.
func enqueue(commands chan any, cmd any) error {
	select {
	case commands <- cmd:
		return nil
	default:
		return theatererr.New(theatererr.Busy, "router command queue full")
	}
}

// --- command envelopes ---

type registerCmd struct {
	actorID id.ActorID
	mailbox Mailbox
	reply   chan error
}

type unregisterCmd struct {
	actorID id.ActorID
	reply   chan error
}

type sendCmd struct {
	target  id.ActorID
	payload []byte
	reply   chan error
}

type requestCmd struct {
	target  id.ActorID
	payload []byte
	replyTo chan<- Response
	reply   chan error
}

type channelOpenCmd struct {
	initiator id.ActorID
	target    id.ActorID
	initial   []byte
	replyTo   chan<- Response
	reply     chan channelOpenResult
}

type channelOpenResult struct {
	channelID id.ChannelID
	err       error
}

type channelMessageCmd struct {
	channelID id.ChannelID
	from      id.ActorID
	payload   []byte
	reply     chan error
}

type channelCloseCmd struct {
	channelID id.ChannelID
	from      id.ActorID
	reply     chan error
}

func (r *Router) dispatch(cmd any) {
	switch c := cmd.(type) {
	case registerCmd:
		r.mailboxes[c.actorID] = c.mailbox
		c.reply <- nil
	case unregisterCmd:
		delete(r.mailboxes, c.actorID)
		c.reply <- nil
	case sendCmd:
		c.reply <- r.deliver(c.target, Message{Kind: KindSend, Payload: c.payload})
	case requestCmd:
		c.reply <- r.deliver(c.target, Message{Kind: KindRequest, Payload: c.payload, Reply: c.replyTo})
	case channelOpenCmd:
		c.reply <- r.openChannel(c)
	case channelMessageCmd:
		c.reply <- r.sendOnChannel(c)
	case channelCloseCmd:
		c.reply <- r.closeChannel(c)
	}
}

func (r *Router) deliver(target id.ActorID, msg Message) error {
	mb, ok := r.mailboxes[target]
	if !ok {
		return theatererr.Newf(theatererr.NotFound, "router: actor %s not registered", target)
	}
	select {
	case mb <- msg:
		return nil
	default:
		return theatererr.Newf(theatererr.Busy, "router: mailbox full for actor %s", target)
	}
}

func (r *Router) openChannel(c channelOpenCmd) channelOpenResult {
	if _, ok := r.mailboxes[c.target]; !ok {
		return channelOpenResult{err: theatererr.Newf(theatererr.NotFound, "router: actor %s not registered", c.target)}
	}
	channelID, err := id.NewChannelID(c.initiator, c.target)
	if err != nil {
		return channelOpenResult{err: fmt.Errorf("router: open channel: %w", err)}
	}
	st := &channelState{initiator: c.initiator, target: c.target}
	r.channels[channelID] = st
	if err := r.deliver(c.target, Message{
		Kind:      KindChannelOpen,
		Payload:   c.initial,
		ChannelID: channelID,
		Initiator: c.initiator,
		Reply:     c.replyTo,
	}); err != nil {
		delete(r.channels, channelID)
		return channelOpenResult{err: err}
	}
	return channelOpenResult{channelID: channelID}
}

func (r *Router) sendOnChannel(c channelMessageCmd) error {
	st, ok := r.channels[c.channelID]
	if !ok {
		return theatererr.Newf(theatererr.NotFound, "router: channel %s not found", c.channelID)
	}
	if st.closed {
		return theatererr.Newf(theatererr.InvalidArgument, "router: channel %s is closed", c.channelID)
	}
	to, ok := st.other(c.from)
	if !ok {
		return theatererr.Newf(theatererr.InvalidArgument, "router: actor %s is not a participant in channel %s", c.from, c.channelID)
	}
	return r.deliver(to, Message{Kind: KindChannelMsg, Payload: c.payload, ChannelID: c.channelID, Initiator: c.from})
}

func (r *Router) closeChannel(c channelCloseCmd) error {
	st, ok := r.channels[c.channelID]
	if !ok {
		return theatererr.Newf(theatererr.NotFound, "router: channel %s not found", c.channelID)
	}
	to, ok := st.other(c.from)
	if !ok {
		return theatererr.Newf(theatererr.InvalidArgument, "router: actor %s is not a participant in channel %s", c.from, c.channelID)
	}
	st.closed = true
	if err := r.deliver(to, Message{Kind: KindChannelClosed, ChannelID: c.channelID, Initiator: c.from}); err != nil {
		r.telemetry.Logger.Warn("router: notify peer of channel close failed", "channel_id", string(c.channelID), "err", err.Error())
	}
	return nil
}

// RegisterActor records that messages to actorID go to mailbox
// (spec.md §4.I).
func (r *Router) RegisterActor(ctx context.Context, actorID id.ActorID, mailbox Mailbox) error {
	reply := make(chan error, 1)
	if err := enqueue(r.commands, registerCmd{actorID: actorID, mailbox: mailbox, reply: reply}); err != nil {
		return err
	}
	return waitErr(ctx, reply, "register actor")
}

// UnregisterActor removes actorID's mailbox registration.
func (r *Router) UnregisterActor(ctx context.Context, actorID id.ActorID) error {
	reply := make(chan error, 1)
	if err := enqueue(r.commands, unregisterCmd{actorID: actorID, reply: reply}); err != nil {
		return err
	}
	return waitErr(ctx, reply, "unregister actor")
}

// Send delivers payload to target's mailbox with no reply expected
// (spec.md §4.I's Send command). At-most-once: a crashed or unregistered
// target simply drops it, surfaced to the sender as NotFound; a full
// mailbox is surfaced as Busy.
func (r *Router) Send(ctx context.Context, target id.ActorID, payload []byte) error {
	reply := make(chan error, 1)
	if err := enqueue(r.commands, sendCmd{target: target, payload: payload, reply: reply}); err != nil {
		return err
	}
	return waitErr(ctx, reply, "send")
}

// Request delivers payload to target's mailbox along with replyTo, which
// the target's handler must send exactly one Response on (spec.md §4.I's
// Request command). Request itself only reports whether the delivery
// succeeded; waiting for replyTo to receive the actual answer is the
// caller's job, decoupled from the router so a slow responder never
// blocks the registry.
func (r *Router) Request(ctx context.Context, target id.ActorID, payload []byte, replyTo chan<- Response) error {
	reply := make(chan error, 1)
	if err := enqueue(r.commands, requestCmd{target: target, payload: payload, replyTo: replyTo, reply: reply}); err != nil {
		return err
	}
	return waitErr(ctx, reply, "request")
}

// OpenChannel derives a fresh channel id from initiator, target, and a
// random salt (id.NewChannelID), records it as open, and delivers a
// ChannelOpen message (carrying initial and replyTo) to target's mailbox.
// As with Request, the accept/reject decision arrives later on replyTo,
// not from this call.
func (r *Router) OpenChannel(ctx context.Context, initiator, target id.ActorID, initial []byte, replyTo chan<- Response) (id.ChannelID, error) {
	reply := make(chan channelOpenResult, 1)
	if err := enqueue(r.commands, channelOpenCmd{initiator: initiator, target: target, initial: initial, replyTo: replyTo, reply: reply}); err != nil {
		return "", err
	}
	select {
	case res := <-reply:
		return res.channelID, res.err
	case <-ctx.Done():
		return "", theatererr.Wrap(theatererr.Cancelled, "router: open channel", ctx.Err())
	}
}

// SendOnChannel delivers payload on channelID from the endpoint from to
// its peer. Fails with InvalidArgument if the channel is closed or from
// is not one of its two endpoints.
func (r *Router) SendOnChannel(ctx context.Context, channelID id.ChannelID, from id.ActorID, payload []byte) error {
	reply := make(chan error, 1)
	if err := enqueue(r.commands, channelMessageCmd{channelID: channelID, from: from, payload: payload, reply: reply}); err != nil {
		return err
	}
	return waitErr(ctx, reply, "send on channel")
}

// CloseChannel marks channelID closed (rejecting further SendOnChannel
// calls) and best-effort notifies the other endpoint.
func (r *Router) CloseChannel(ctx context.Context, channelID id.ChannelID, from id.ActorID) error {
	reply := make(chan error, 1)
	if err := enqueue(r.commands, channelCloseCmd{channelID: channelID, from: from, reply: reply}); err != nil {
		return err
	}
	return waitErr(ctx, reply, "close channel")
}

func waitErr(ctx context.Context, reply chan error, op string) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return theatererr.Wrap(theatererr.Cancelled, "router: "+op, ctx.Err())
	}
}
