package router

import (
	"context"
	"sync"
	"time"

	"github.com/theater-project/theater/id"
	"github.com/theater-project/theater/theatererr"
)

const defaultAcceptTimeout = 10 * time.Second

// WireAdapter satisfies theater.Router's synchronous 3-method interface on
// top of a Router's true asynchronous, reply-channel-based API. The gRPC
// management protocol (theater/server.go) issues OpenChannel/SendOnChannel/
// CloseChannel as ordinary request/response frames and has no notion of
// "the actor this wire connection is acting on behalf of" the way an
// in-process capability handler does, so the adapter remembers, per
// channel id, which actor opened it and supplies that as the from
// parameter the Router's own API requires for SendOnChannel/CloseChannel.
type WireAdapter struct {
	router        *Router
	acceptTimeout time.Duration

	mu         sync.Mutex
	initiators map[id.ChannelID]id.ActorID
}

// NewWireAdapter wraps r for use as a theater.Router.
func NewWireAdapter(r *Router) *WireAdapter {
	return &WireAdapter{router: r, acceptTimeout: defaultAcceptTimeout, initiators: make(map[id.ChannelID]id.ActorID)}
}

// OpenChannel opens a channel from initiator to target with no initial
// payload, waits (up to a fixed accept timeout) for target's handler to
// accept or reject it, and records initiator for later wire calls.
func (a *WireAdapter) OpenChannel(ctx context.Context, initiator, target id.ActorID) (id.ChannelID, error) {
	replyTo := make(chan Response, 1)
	channelID, err := a.router.OpenChannel(ctx, initiator, target, nil, replyTo)
	if err != nil {
		return "", err
	}

	acceptCtx, cancel := context.WithTimeout(ctx, a.acceptTimeout)
	defer cancel()
	select {
	case resp := <-replyTo:
		if resp.Err != nil {
			return "", resp.Err
		}
		if !resp.Accept {
			return "", theatererr.Newf(theatererr.PermissionDenied, "router: actor %s rejected channel from %s", target, initiator)
		}
	case <-acceptCtx.Done():
		return "", theatererr.Wrap(theatererr.Timeout, "router: wait for channel accept", acceptCtx.Err())
	}

	a.mu.Lock()
	a.initiators[channelID] = initiator
	a.mu.Unlock()
	return channelID, nil
}

// SendOnChannel sends data on channel as the actor that originally opened
// it (the only endpoint the gRPC wire protocol can currently act as).
func (a *WireAdapter) SendOnChannel(ctx context.Context, channel id.ChannelID, data []byte) error {
	from, ok := a.lookupInitiator(channel)
	if !ok {
		return theatererr.Newf(theatererr.NotFound, "router: channel %s was not opened through this connection", channel)
	}
	return a.router.SendOnChannel(ctx, channel, from, data)
}

// CloseChannel closes channel as the actor that originally opened it.
func (a *WireAdapter) CloseChannel(ctx context.Context, channel id.ChannelID) error {
	from, ok := a.lookupInitiator(channel)
	if !ok {
		return theatererr.Newf(theatererr.NotFound, "router: channel %s was not opened through this connection", channel)
	}
	err := a.router.CloseChannel(ctx, channel, from)
	a.mu.Lock()
	delete(a.initiators, channel)
	a.mu.Unlock()
	return err
}

func (a *WireAdapter) lookupInitiator(channel id.ChannelID) (id.ActorID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	from, ok := a.initiators[channel]
	return from, ok
}
