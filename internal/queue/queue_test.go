package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/redistest"
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

func TestEnqueueThenBlockingPopRoundTrips(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	q := New(rdb, "ticks")

	if err := q.Enqueue(ctx, "process_session_tick", map[string]string{"conversation_id": "c1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := q.BlockingPop(ctx, time.Second)
	if err != nil {
		t.Fatalf("blocking pop: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.Task != "process_session_tick" {
		t.Fatalf("unexpected task: %q", job.Task)
	}
}

func TestBlockingPopTimesOutWhenEmpty(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	q := New(rdb, "empty-queue")

	job, err := q.BlockingPop(ctx, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("blocking pop: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %+v", job)
	}
}

func TestEnqueueDelayedIsInvisibleUntilPromoted(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	q := New(rdb, "delayed-queue")

	if err := q.EnqueueDelayed(ctx, "retry_tool_call", map[string]string{"id": "1"}, time.Hour); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}

	job, err := q.BlockingPop(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("blocking pop: %v", err)
	}
	if job != nil {
		t.Fatal("expected delayed job to not yet be visible on the live queue")
	}

	n, err := q.PromoteDelayed(ctx)
	if err != nil {
		t.Fatalf("promote delayed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 promoted (not due yet), got %d", n)
	}
}

func TestEnqueueDelayedWithZeroDelayIsImmediatelyVisible(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	q := New(rdb, "immediate-queue")

	if err := q.EnqueueDelayed(ctx, "process_session_tick", map[string]string{"id": "1"}, 0); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}
	job, err := q.BlockingPop(ctx, time.Second)
	if err != nil {
		t.Fatalf("blocking pop: %v", err)
	}
	if job == nil {
		t.Fatal("expected job enqueued with zero delay to be immediately visible")
	}
}

func TestPromoteDelayedMovesDueJobsOntoLiveQueue(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	q := New(rdb, "due-queue")

	due := float64(time.Now().Add(-time.Second).UnixNano()) / 1e9
	blob := `{"task":"retry_tool_call","payload":{"id":"2"}}`
	if err := rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: blob}).Err(); err != nil {
		t.Fatalf("seed delayed: %v", err)
	}

	n, err := q.PromoteDelayed(ctx)
	if err != nil {
		t.Fatalf("promote delayed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job promoted, got %d", n)
	}

	job, err := q.BlockingPop(ctx, time.Second)
	if err != nil {
		t.Fatalf("blocking pop: %v", err)
	}
	if job == nil || job.Task != "retry_tool_call" {
		t.Fatalf("expected promoted job visible on live queue, got %+v", job)
	}
}
