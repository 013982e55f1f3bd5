package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisTest returns a client on a flushed database, flushed again when the
// test ends.
//
// Set REDIS_TEST_URL to use an existing server, or REDISTEST_CONTAINER=1 to
// boot a redis:7 container. Otherwise the test is skipped.
func RedisTest(t testing.TB) *redis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	url := os.Getenv("REDIS_TEST_URL")
	if url == "" && os.Getenv("REDISTEST_CONTAINER") == "1" {
		url = redisContainer(ctx, t)
	}
	if url == "" {
		t.Skip("set REDIS_TEST_URL or REDISTEST_CONTAINER=1 to run redis tests")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("redistest: parse url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redistest: ping: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("redistest: flush: %v", err)
	}
	return client
}

func redisContainer(ctx context.Context, t testing.TB) string {
	t.Helper()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("redistest: start container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(c) })

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redistest: endpoint: %v", err)
	}
	return "redis://" + endpoint + "/0"
}
