package redisstore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/theater-project/theater/store/fsstore"
	"github.com/theater-project/theater/store/redisstore"
	"github.com/theater-project/theater/store/storetest"
)

// startRedis brings up a throwaway Redis container for the test, matching
// the teacher's testcontainers-go usage in test/util/database.go. Skips the
// test when Docker is unavailable rather than failing the whole suite.
func startRedis(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	}
	container, err := testcontainers.GenericContainer(ctx, req)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	return goredis.NewClient(&goredis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
}

func TestStore(t *testing.T) {
	rdb := startRedis(t)
	defer rdb.Close()

	blobs, err := fsstore.New(t.TempDir(), "actor-redis")
	require.NoError(t, err)

	s, err := redisstore.New(redisstore.Options{Blobs: blobs, Redis: rdb, StoreID: "actor-redis"})
	require.NoError(t, err)

	require.NoError(t, s.Ping(context.Background()))
	storetest.Run(t, s)
}
