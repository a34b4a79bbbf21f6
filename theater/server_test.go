package theater_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/theater-project/theater/component/hostfuncruntime"
	"github.com/theater-project/theater/store/fsstore"
	"github.com/theater-project/theater/theater"
	"github.com/theater-project/theater/theater/theaterpb"
)

// startServer wires a Server over a fresh Runtime and starts both the
// Runtime's command loop and a real gRPC listener, following the
// teacher's own startServerAndClient integration-test pattern:
// net.ListenConfig.Listen on "localhost:0", grpc.NewServer, register,
// serve in a goroutine, dial back with insecure credentials.
func startServer(t *testing.T) (theaterpb.TheaterClient, *fsstore.Store, *hostfuncruntime.Runtime) {
	t.Helper()
	dir := t.TempDir()
	s, err := fsstore.New(dir, "theater-server-test")
	require.NoError(t, err)
	hf := hostfuncruntime.New()

	rt := theater.New(actorruntimeDeps(s, hf), theater.Options{})
	runRuntime(t, rt)

	srv := theater.NewServer(rt, theater.ServerOptions{Store: s})

	var lc net.ListenConfig
	lis, err := lc.Listen(context.Background(), "tcp", "localhost:0")
	require.NoError(t, err)

	grpcServer := grpc.NewServer()
	theaterpb.RegisterTheaterServer(grpcServer, srv)
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return theaterpb.NewTheaterClient(conn), s, hf
}

func TestServerSpawnStopOverGRPC(t *testing.T) {
	client, s, hf := startServer(t)
	ctx := context.Background()

	stream, err := client.Command(ctx)
	require.NoError(t, err)

	m := pingManifest(t, s, hf, "wire-actor")

	manifestText := `name = "wire-actor"
version = "0.1.0"
component = "` + string(m.Component.Ref) + `"
`
	req, err := theaterpb.NewFrame(theaterpb.KindSpawnActor, map[string]any{"manifest_toml": manifestText})
	require.NoError(t, err)
	require.NoError(t, stream.Send(req))

	resp, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, theaterpb.KindOk, theaterpb.Kind(resp))
	actorID := theaterpb.GetString(resp, "actor_id")
	require.NotEmpty(t, actorID)

	listReq, err := theaterpb.NewFrame(theaterpb.KindListActors, nil)
	require.NoError(t, err)
	require.NoError(t, stream.Send(listReq))
	listResp, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, theaterpb.KindOk, theaterpb.Kind(listResp))
	require.Equal(t, []string{actorID}, theaterpb.GetStringList(listResp, "actor_ids"))

	stopReq, err := theaterpb.NewFrame(theaterpb.KindStopActor, map[string]any{"actor_id": actorID})
	require.NoError(t, err)
	require.NoError(t, stream.Send(stopReq))
	stopResp, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, theaterpb.KindOk, theaterpb.Kind(stopResp))
}

func TestServerUnknownCommandKind(t *testing.T) {
	client, _, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Command(ctx)
	require.NoError(t, err)

	bogus, err := structpb.NewStruct(map[string]any{"kind": "not_a_real_command"})
	require.NoError(t, err)
	require.NoError(t, stream.Send(bogus))

	resp, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, theaterpb.KindErr, theaterpb.Kind(resp))
	require.Equal(t, "invalid_argument", theaterpb.GetString(resp, "error_kind"))
}
