package theater

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/theater-project/theater/id"
	"github.com/theater-project/theater/manifest"
	"github.com/theater-project/theater/store"
	"github.com/theater-project/theater/telemetry"
	"github.com/theater-project/theater/theater/theaterpb"
	"github.com/theater-project/theater/theatererr"
)

// Router is the subset of the Message Router (spec.md §4.I) the
// management protocol's channel commands need. Declared here rather than
// imported so this package does not depend on the router package's
// implementation; a nil Router makes OpenChannel/SendOnChannel/CloseChannel
// fail with a symbolic Internal error instead of panicking.
type Router interface {
	OpenChannel(ctx context.Context, initiator, target id.ActorID) (id.ChannelID, error)
	SendOnChannel(ctx context.Context, channel id.ChannelID, data []byte) error
	CloseChannel(ctx context.Context, channel id.ChannelID) error
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// Router serves OpenChannel/SendOnChannel/CloseChannel. Nil disables
	// those three commands (they respond with an Internal error) without
	// preventing the rest of the management protocol from working.
	Router Router
	// Store serves PutComponent/PutState (spec.md §6's "management of
	// stored components/states") and manifest_ref resolution.
	Store store.Store
	// CommandRateLimit bounds how many command frames per second a single
	// connection may send; zero disables the limit.
	CommandRateLimit rate.Limit
	CommandBurst     int
	// SubscribePollInterval controls how often a Subscribe'd connection
	// polls the subscribed actor's chain for new events to push. Default
	// 200ms.
	SubscribePollInterval time.Duration
	Telemetry             telemetry.Bundle
}

// Server is the gRPC management-protocol frontend for a Runtime (spec.md
// §6). Grounded on the teacher's registry.Registry: a thin transport
// wrapper whose Run method owns the listener's lifecycle end to end, and
// whose RPC handler translates wire frames into calls against the
// already-concurrency-safe Runtime.
type Server struct {
	rt        *Runtime
	router    Router
	store     store.Store
	limit     rate.Limit
	burst     int
	pollEvery time.Duration
	telemetry telemetry.Bundle
}

// NewServer wraps rt with a gRPC frontend.
func NewServer(rt *Runtime, opts ServerOptions) *Server {
	tel := opts.Telemetry
	if tel.Logger == nil {
		tel = telemetry.NoOp()
	}
	pollEvery := opts.SubscribePollInterval
	if pollEvery <= 0 {
		pollEvery = 200 * time.Millisecond
	}
	burst := opts.CommandBurst
	if burst <= 0 {
		burst = 16
	}
	return &Server{
		rt:        rt,
		router:    opts.Router,
		store:     opts.Store,
		limit:     opts.CommandRateLimit,
		burst:     burst,
		pollEvery: pollEvery,
		telemetry: tel,
	}
}

// Run starts the gRPC server on addr and blocks until ctx is cancelled or
// a termination signal arrives, then drains connections gracefully.
// Mirrors the teacher's registry.Registry.Run lifecycle: listen, serve in
// a goroutine, select on ctx/signal/serve-error, GracefulStop.
func (s *Server) Run(ctx context.Context, addr string, opts ...grpc.ServerOption) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("theater: listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer(opts...)
	theaterpb.RegisterTheaterServer(grpcServer, s)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		s.telemetry.Logger.Info("theater: server received signal", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	grpcServer.GracefulStop()
	return nil
}

// Command implements theaterpb.TheaterServer: one bidirectional stream of
// request/response frames per connection, plus any Event frames a
// Subscribe on that connection pushes. sendMu serializes every Send on the
// stream — the response loop's and any subscription pusher goroutine's —
// since grpc.ServerStream.SendMsg is not safe for concurrent callers.
func (s *Server) Command(stream theaterpb.CommandStream) error {
	ctx := stream.Context()
	var limiter *rate.Limiter
	if s.limit > 0 {
		limiter = rate.NewLimiter(s.limit, s.burst)
	}
	subs := newSubscriptionSet()
	defer subs.stopAll()
	var sendMu sync.Mutex

	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		resp := s.dispatch(ctx, stream, &sendMu, subs, req)
		sendMu.Lock()
		sendErr := stream.Send(resp)
		sendMu.Unlock()
		if sendErr != nil {
			return sendErr
		}
	}
}

func (s *Server) dispatch(ctx context.Context, stream theaterpb.CommandStream, sendMu *sync.Mutex, subs *subscriptionSet, req *structpb.Struct) *structpb.Struct {
	switch theaterpb.Kind(req) {
	case theaterpb.KindSpawnActor:
		return s.handleSpawnActor(ctx, req)
	case theaterpb.KindStopActor:
		return s.handleStopActor(ctx, req)
	case theaterpb.KindRestartActor:
		return s.handleRestartActor(ctx, req)
	case theaterpb.KindListActors:
		return s.handleListActors()
	case theaterpb.KindGetActorState:
		return s.handleGetActorState(ctx, req)
	case theaterpb.KindGetActorEvents:
		return s.handleGetActorEvents(ctx, req)
	case theaterpb.KindSubscribe:
		return s.handleSubscribe(ctx, stream, sendMu, subs, req)
	case theaterpb.KindUnsubscribe:
		return s.handleUnsubscribe(req, subs)
	case theaterpb.KindOpenChannel:
		return s.handleOpenChannel(ctx, req)
	case theaterpb.KindSendOnChannel:
		return s.handleSendOnChannel(ctx, req)
	case theaterpb.KindCloseChannel:
		return s.handleCloseChannel(ctx, req)
	case theaterpb.KindPutComponent:
		return s.handlePutBlob(ctx, req, "component")
	case theaterpb.KindPutState:
		return s.handlePutBlob(ctx, req, "state")
	default:
		return theaterpb.Err(theatererr.InvalidArgument, fmt.Sprintf("unknown command kind %q", theaterpb.Kind(req)))
	}
}

func (s *Server) resolveManifest(ctx context.Context, req *structpb.Struct) (*manifest.Manifest, error) {
	if text := theaterpb.GetString(req, "manifest_toml"); text != "" {
		return manifest.Parse(text)
	}
	if ref := theaterpb.GetString(req, "manifest_ref"); ref != "" {
		if s.store == nil {
			return nil, theatererr.New(theatererr.Internal, "theater: server has no store configured for manifest_ref")
		}
		return manifest.LoadFromStore(ctx, s.store, store.Ref(ref))
	}
	if path := theaterpb.GetString(req, "manifest_path"); path != "" {
		return manifest.Load(path)
	}
	return nil, theatererr.New(theatererr.InvalidArgument, "missing manifest_toml, manifest_ref, or manifest_path")
}

func (s *Server) handleSpawnActor(ctx context.Context, req *structpb.Struct) *structpb.Struct {
	m, err := s.resolveManifest(ctx, req)
	if err != nil {
		return theaterpb.ErrFrom(err)
	}
	var parent id.ActorID
	var hasParent bool
	if parentStr := theaterpb.GetString(req, "parent_id"); parentStr != "" {
		p, err := id.ParseActorID(parentStr)
		if err != nil {
			return theaterpb.Err(theatererr.InvalidArgument, err.Error())
		}
		parent, hasParent = p, true
	}
	actorID, err := s.rt.SpawnActor(ctx, m, parent, hasParent, theaterpb.GetBytes(req, "init_state"))
	if err != nil {
		return theaterpb.ErrFrom(err)
	}
	return theaterpb.Ok(map[string]any{"actor_id": actorID.String()})
}

func (s *Server) handleStopActor(ctx context.Context, req *structpb.Struct) *structpb.Struct {
	actorID, err := id.ParseActorID(theaterpb.GetString(req, "actor_id"))
	if err != nil {
		return theaterpb.Err(theatererr.InvalidArgument, err.Error())
	}
	if err := s.rt.StopActor(ctx, actorID); err != nil {
		return theaterpb.ErrFrom(err)
	}
	return theaterpb.Ok(nil)
}

func (s *Server) handleRestartActor(ctx context.Context, req *structpb.Struct) *structpb.Struct {
	actorID, err := id.ParseActorID(theaterpb.GetString(req, "actor_id"))
	if err != nil {
		return theaterpb.Err(theatererr.InvalidArgument, err.Error())
	}
	if err := s.rt.RestartActor(ctx, actorID, theaterpb.GetString(req, "reason")); err != nil {
		return theaterpb.ErrFrom(err)
	}
	return theaterpb.Ok(nil)
}

func (s *Server) handleListActors() *structpb.Struct {
	ids := s.rt.AllActorIDs()
	actorIDs := make([]any, 0, len(ids))
	for _, a := range ids {
		actorIDs = append(actorIDs, a.String())
	}
	return theaterpb.Ok(map[string]any{"actor_ids": actorIDs})
}

func (s *Server) handleGetActorState(ctx context.Context, req *structpb.Struct) *structpb.Struct {
	actorID, err := id.ParseActorID(theaterpb.GetString(req, "actor_id"))
	if err != nil {
		return theaterpb.Err(theatererr.InvalidArgument, err.Error())
	}
	state, err := s.rt.GetActorState(ctx, actorID)
	if err != nil {
		return theaterpb.ErrFrom(err)
	}
	fields := map[string]any{}
	theaterpb.PutBytes(fields, "state", state)
	return theaterpb.Ok(fields)
}

func (s *Server) handleGetActorEvents(ctx context.Context, req *structpb.Struct) *structpb.Struct {
	actorID, err := id.ParseActorID(theaterpb.GetString(req, "actor_id"))
	if err != nil {
		return theaterpb.Err(theatererr.InvalidArgument, err.Error())
	}
	events, err := s.rt.GetActorEvents(ctx, actorID)
	if err != nil {
		return theaterpb.ErrFrom(err)
	}
	fields := map[string]any{}
	theaterpb.PutBytes(fields, "events", events)
	return theaterpb.Ok(fields)
}

func (s *Server) handleOpenChannel(ctx context.Context, req *structpb.Struct) *structpb.Struct {
	if s.router == nil {
		return theaterpb.Err(theatererr.Internal, "theater: server has no router configured for channel operations")
	}
	initiator, err := id.ParseActorID(theaterpb.GetString(req, "initiator_id"))
	if err != nil {
		return theaterpb.Err(theatererr.InvalidArgument, err.Error())
	}
	target, err := id.ParseActorID(theaterpb.GetString(req, "target_id"))
	if err != nil {
		return theaterpb.Err(theatererr.InvalidArgument, err.Error())
	}
	channelID, err := s.router.OpenChannel(ctx, initiator, target)
	if err != nil {
		return theaterpb.ErrFrom(err)
	}
	return theaterpb.Ok(map[string]any{"channel_id": string(channelID)})
}

func (s *Server) handleSendOnChannel(ctx context.Context, req *structpb.Struct) *structpb.Struct {
	if s.router == nil {
		return theaterpb.Err(theatererr.Internal, "theater: server has no router configured for channel operations")
	}
	channelID := id.ChannelID(theaterpb.GetString(req, "channel_id"))
	if err := s.router.SendOnChannel(ctx, channelID, theaterpb.GetBytes(req, "data")); err != nil {
		return theaterpb.ErrFrom(err)
	}
	return theaterpb.Ok(nil)
}

func (s *Server) handleCloseChannel(ctx context.Context, req *structpb.Struct) *structpb.Struct {
	if s.router == nil {
		return theaterpb.Err(theatererr.Internal, "theater: server has no router configured for channel operations")
	}
	channelID := id.ChannelID(theaterpb.GetString(req, "channel_id"))
	if err := s.router.CloseChannel(ctx, channelID); err != nil {
		return theaterpb.ErrFrom(err)
	}
	return theaterpb.Ok(nil)
}

func (s *Server) handlePutBlob(ctx context.Context, req *structpb.Struct, field string) *structpb.Struct {
	if s.store == nil {
		return theaterpb.Err(theatererr.Internal, "theater: server has no store configured")
	}
	ref, err := s.store.Put(ctx, theaterpb.GetBytes(req, field))
	if err != nil {
		return theaterpb.ErrFrom(err)
	}
	return theaterpb.Ok(map[string]any{"ref": string(ref)})
}

func (s *Server) handleSubscribe(ctx context.Context, stream theaterpb.CommandStream, sendMu *sync.Mutex, subs *subscriptionSet, req *structpb.Struct) *structpb.Struct {
	actorIDStr := theaterpb.GetString(req, "actor_id")
	actorID, err := id.ParseActorID(actorIDStr)
	if err != nil {
		return theaterpb.Err(theatererr.InvalidArgument, err.Error())
	}
	subCtx, cancel := context.WithCancel(ctx)
	subs.start(actorIDStr, cancel)
	go s.pushEvents(subCtx, stream, sendMu, actorID)
	return theaterpb.Ok(nil)
}

func (s *Server) handleUnsubscribe(req *structpb.Struct, subs *subscriptionSet) *structpb.Struct {
	subs.stop(theaterpb.GetString(req, "actor_id"))
	return theaterpb.Ok(nil)
}

// pushEvents polls the subscribed actor's chain and sends any events new
// since the last poll as KindEvent frames, until ctx is cancelled (by
// Unsubscribe, or the connection closing) or the actor stops existing.
func (s *Server) pushEvents(ctx context.Context, stream theaterpb.CommandStream, sendMu *sync.Mutex, actorID id.ActorID) {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()
	cursor := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := s.rt.ActorEvents(ctx, actorID)
			if err != nil {
				return
			}
			if len(events) <= cursor {
				continue
			}
			fresh := events[cursor:]
			cursor = len(events)
			for _, ev := range fresh {
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fields := map[string]any{"actor_id": actorID.String()}
				theaterpb.PutBytes(fields, "event", data)
				frame, err := theaterpb.NewFrame(theaterpb.KindEvent, fields)
				if err != nil {
					continue
				}
				sendMu.Lock()
				sendErr := stream.Send(frame)
				sendMu.Unlock()
				if sendErr != nil {
					return
				}
			}
		}
	}
}

// subscriptionSet tracks the cancel funcs for this connection's active
// Subscribe's, keyed by actor id string, following the teacher's
// StreamManager's RWMutex-guarded map-of-live-resources shape
// (registry/stream_manager.go), generalized from "stream per toolset" to
// "poll-and-push goroutine per subscribed actor."
type subscriptionSet struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{active: make(map[string]context.CancelFunc)}
}

func (s *subscriptionSet) start(key string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.active[key]; ok {
		old()
	}
	s.active[key] = cancel
}

func (s *subscriptionSet) stop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.active[key]; ok {
		cancel()
		delete(s.active, key)
	}
}

func (s *subscriptionSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, cancel := range s.active {
		cancel()
		delete(s.active, k)
	}
}
