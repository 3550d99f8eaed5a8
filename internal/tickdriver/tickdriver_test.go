package tickdriver

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/queue"
	"github.com/p2engine/convorch/internal/redistest"
	"github.com/p2engine/convorch/internal/registry"
)

var harness *redistest.Harness

func TestMain(m *testing.M) {
	ctx := context.Background()
	harness = redistest.Start(ctx)
	code := m.Run()
	harness.Stop(ctx)
	os.Exit(code)
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	return harness.Require(t)
}

func TestPassAdvancesTickAndEnqueuesOnceAllAgentsAck(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	reg := registry.New(rdb, "conv-1")
	if err := reg.RegisterAgent(ctx, "a1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := rdb.SAdd(ctx, "session:conv-1:waiting:0", "a1").Err(); err != nil {
		t.Fatalf("sadd waiting: %v", err)
	}
	if err := reg.AckTick(ctx, "a1", 0); err != nil {
		t.Fatalf("ack: %v", err)
	}

	ticks := queue.New(rdb, "ticks")
	d := New(rdb, ticks, WithPollInterval(time.Hour))

	if err := d.pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	nxt, err := reg.RefreshTick(ctx)
	if err != nil {
		t.Fatalf("refresh tick: %v", err)
	}
	if nxt != 1 {
		t.Fatalf("expected tick advanced to 1, got %d", nxt)
	}

	job, err := ticks.BlockingPop(ctx, time.Second)
	if err != nil {
		t.Fatalf("blocking pop: %v", err)
	}
	if job == nil || job.Task != "process_session_tick" {
		t.Fatalf("expected a process_session_tick job, got %+v", job)
	}
}

func TestPassRemovesSessionWithNoLiveAgents(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	if err := rdb.SAdd(ctx, "active_sessions", "conv-2").Err(); err != nil {
		t.Fatalf("sadd active_sessions: %v", err)
	}
	if err := rdb.Del(ctx, "session:conv-2:waiting:0").Err(); err != nil {
		t.Fatalf("clear waiting: %v", err)
	}

	ticks := queue.New(rdb, "ticks-2")
	d := New(rdb, ticks, WithPollInterval(time.Hour))

	if err := d.pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	isMember, err := rdb.SIsMember(ctx, "active_sessions", "conv-2").Result()
	if err != nil {
		t.Fatalf("sismember: %v", err)
	}
	if isMember {
		t.Fatal("expected conv-2 to be removed from active_sessions once it has no live agents")
	}
}

func TestPassLeavesSessionUntouchedWhileAgentsStillWaiting(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	reg := registry.New(rdb, "conv-3")
	if err := reg.RegisterAgent(ctx, "a1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RegisterAgent(ctx, "a2"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := rdb.SAdd(ctx, "session:conv-3:waiting:0", "a1", "a2").Err(); err != nil {
		t.Fatalf("sadd waiting: %v", err)
	}
	if err := reg.AckTick(ctx, "a1", 0); err != nil {
		t.Fatalf("ack: %v", err)
	}

	ticks := queue.New(rdb, "ticks-3")
	d := New(rdb, ticks, WithPollInterval(time.Hour))
	if err := d.pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	tick, err := reg.RefreshTick(ctx)
	if err != nil {
		t.Fatalf("refresh tick: %v", err)
	}
	if tick != 0 {
		t.Fatalf("expected tick to remain 0 while a2 hasn't acked, got %d", tick)
	}
	job, err := ticks.BlockingPop(ctx, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("blocking pop: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no tick job enqueued while the barrier is unresolved, got %+v", job)
	}
}
