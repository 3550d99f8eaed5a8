package janitor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/redistest"
	"github.com/p2engine/convorch/internal/registry"
	"github.com/p2engine/convorch/internal/state"
	"github.com/p2engine/convorch/internal/stack"
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

func TestSweepBranchesKeepsMainAndCurrent(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	s := stack.New(ctx, rdb, nil, "conv-1", "agent-1")
	if err := s.Push(ctx, state.UserMessageState{Text: "hi"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	oldBranch, err := s.Fork(ctx, 0)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if err := s.Checkout(ctx, "main"); err != nil {
		t.Fatalf("checkout main: %v", err)
	}

	j := New(rdb, Config{BranchPruneHorizon: time.Millisecond})
	time.Sleep(5 * time.Millisecond)

	n, err := j.SweepBranches(ctx)
	if err != nil {
		t.Fatalf("sweep branches: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 branch pruned, got %d", n)
	}

	branches, err := s.GetBranchInfo(ctx)
	if err != nil {
		t.Fatalf("get branch info: %v", err)
	}
	for _, b := range branches {
		if b.BranchID == oldBranch {
			t.Fatalf("expected branch %q to be pruned, still present", oldBranch)
		}
		if b.BranchID != "main" {
			t.Fatalf("unexpected surviving branch %q", b.BranchID)
		}
	}
}

func TestSweepBranchesNeverDeletesCurrentOrMain(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	s := stack.New(ctx, rdb, nil, "conv-2", "agent-1")
	if err := s.Push(ctx, state.UserMessageState{Text: "hi"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	j := New(rdb, Config{BranchPruneHorizon: time.Millisecond})
	time.Sleep(5 * time.Millisecond)

	if _, err := j.SweepBranches(ctx); err != nil {
		t.Fatalf("sweep branches: %v", err)
	}

	branches, err := s.GetBranchInfo(ctx)
	if err != nil {
		t.Fatalf("get branch info: %v", err)
	}
	if len(branches) != 1 || branches[0].BranchID != "main" {
		t.Fatalf("expected only main branch to survive, got %+v", branches)
	}
}

func TestSweepDeadAgentsReapsStaleHeartbeat(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	reg := registry.New(rdb, "conv-3")
	if err := reg.RegisterAgent(ctx, "agent-stale"); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Force the heartbeat far enough into the past to be past the timeout.
	rdb.HSet(ctx, "agent_last_active:conv-3", "agent-stale", time.Now().Add(-time.Hour).Unix())

	j := New(rdb, Config{DeadAgentTimeout: time.Minute})
	n, err := j.SweepDeadAgents(ctx)
	if err != nil {
		t.Fatalf("sweep dead agents: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 agent reaped, got %d", n)
	}

	agents, err := reg.Agents(ctx)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents) != 0 {
		t.Fatalf("expected agent-stale to be unregistered, got %+v", agents)
	}
}

func TestSweepDeadAgentsKeepsFreshHeartbeat(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	reg := registry.New(rdb, "conv-4")
	if err := reg.RegisterAgent(ctx, "agent-fresh"); err != nil {
		t.Fatalf("register: %v", err)
	}

	j := New(rdb, Config{DeadAgentTimeout: time.Hour})
	n, err := j.SweepDeadAgents(ctx)
	if err != nil {
		t.Fatalf("sweep dead agents: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no agents reaped, got %d", n)
	}

	agents, err := reg.Agents(ctx)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents) != 1 || agents[0] != "agent-fresh" {
		t.Fatalf("expected agent-fresh to remain registered, got %+v", agents)
	}
}
