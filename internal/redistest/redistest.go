// Package redistest gives every package's tests the same disposable Redis
// instance the janitor package pioneered: a testcontainers-backed redis:7
// container that integration tests against Redis-backed stores skip
// gracefully on when Docker isn't available, instead of failing the build.
package redistest

import (
	"context"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Harness owns the lifecycle of one Redis container shared by every test in
// a package's binary.
type Harness struct {
	Client  *redis.Client
	Skip    bool
	reason  string
	container testcontainers.Container
}

// Start launches a redis:7-alpine container. On any failure (most commonly:
// no Docker daemon in this environment) it returns a Harness with Skip set,
// so callers should route through Harness.Require in each test rather than
// failing TestMain itself.
func Start(ctx context.Context) *Harness {
	h := &Harness{}

	defer func() {
		if r := recover(); r != nil {
			h.Skip = true
			h.reason = fmt.Sprintf("docker not available: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		h.Skip = true
		h.reason = fmt.Sprintf("start redis container: %v", err)
		return h
	}
	h.container = container

	host, err := container.Host(ctx)
	if err != nil {
		h.Skip = true
		h.reason = fmt.Sprintf("resolve container host: %v", err)
		return h
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		h.Skip = true
		h.reason = fmt.Sprintf("resolve container port: %v", err)
		return h
	}

	h.Client = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	if err := h.Client.Ping(ctx).Err(); err != nil {
		h.Skip = true
		h.reason = fmt.Sprintf("ping redis: %v", err)
	}
	return h
}

// Stop tears down the container and client. Safe to call on a skipped
// Harness.
func (h *Harness) Stop(ctx context.Context) {
	if h.Client != nil {
		_ = h.Client.Close()
	}
	if h.container != nil {
		_ = h.container.Terminate(ctx)
	}
}

// Reason explains why the harness is in skip mode.
func (h *Harness) Reason() string { return h.reason }

// Require skips t when the harness couldn't start, otherwise flushes the
// database so each test starts from a clean slate and returns the client.
func (h *Harness) Require(t *testing.T) *redis.Client {
	t.Helper()
	if h.Skip {
		t.Skipf("redistest: skipping, %s", h.reason)
	}
	if err := h.Client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("redistest: flushdb: %v", err)
	}
	return h.Client
}
