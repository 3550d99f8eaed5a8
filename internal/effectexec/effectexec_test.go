package effectexec

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/agentruntime"
	"github.com/p2engine/convorch/internal/dedup"
	"github.com/p2engine/convorch/internal/effect"
	"github.com/p2engine/convorch/internal/queue"
	"github.com/p2engine/convorch/internal/redistest"
	"github.com/p2engine/convorch/internal/stack"
	"github.com/p2engine/convorch/internal/state"
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

func newExecCtx(rdb *redis.Client) *effect.ExecContext {
	return &effect.ExecContext{
		Redis: rdb,
		Ticks: queue.New(rdb, "ticks"),
		Tools: queue.New(rdb, "tools"),
		StackFor: func(ctx context.Context, conversationID, agentID string) (effect.StackLike, error) {
			return agentruntime.Adapt(stack.New(ctx, rdb, nil, conversationID, agentID)), nil
		},
	}
}

func TestExecuteCallToolEnqueuesToolJobWhenAdmitted(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	ec := newExecCtx(rdb)
	ex := New(ec, dedup.NonePolicy{}, nil, nil)

	ex.Execute(ctx, "conv-1", "agent-1", "main", []effect.Effect{
		effect.CallTool{ConversationID: "conv-1", AgentID: "agent-1", BranchID: "main", ToolName: "echo", ToolCallID: "call-1"},
	})

	job, err := queue.New(rdb, "tools").BlockingPop(ctx, time.Second)
	if err != nil {
		t.Fatalf("blocking pop: %v", err)
	}
	if job == nil || job.Task != "execute_tool" {
		t.Fatalf("expected execute_tool job enqueued, got %+v", job)
	}
}

func TestExecuteSkipsDuplicateAndSettlesWaitingState(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	ec := newExecCtx(rdb)
	policy := dedup.NewStrictPolicy(rdb, nil, time.Minute)
	ex := New(ec, policy, nil, nil)

	s := stack.New(ctx, rdb, nil, "conv-2", "agent-1")
	if err := s.Push(ctx,
		state.ToolCallState{ID: "call-x", FunctionName: "charge_card", Arguments: map[string]any{}},
		state.WaitingState{WaitKind: state.WaitingOnTool, CorrelationID: "call-x"},
	); err != nil {
		t.Fatalf("seed stack: %v", err)
	}

	ct := effect.CallTool{ConversationID: "conv-2", AgentID: "agent-1", BranchID: "main",
		ToolName: "charge_card", ToolCallID: "call-x", Parameters: map[string]any{"amount": 5}}

	// First execution is admitted by the dedup policy (guard key not yet set)
	// and enqueues the tool job without touching the stack itself.
	ex.Execute(ctx, "conv-2", "agent-1", "main", []effect.Effect{ct})
	if _, err := queue.New(rdb, "tools").BlockingPop(ctx, time.Second); err != nil {
		t.Fatalf("drain first enqueue: %v", err)
	}

	// Second identical call is blocked by the strict policy, exercising the
	// skip-duplicate path: the WaitingState must be popped and replaced with
	// a single synthetic ToolResultState.
	ex.Execute(ctx, "conv-2", "agent-1", "main", []effect.Effect{ct})

	cur, err := s.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	tr, ok := cur.State.(state.ToolResultState)
	if !ok {
		t.Fatalf("expected top of stack to be a ToolResultState after duplicate skip, got %#v", cur.State)
	}
	if tr.Result["status"] != "skipped" {
		t.Fatalf("expected skipped status, got %+v", tr.Result)
	}

	n, err := s.Length(ctx)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected [ToolCall, ToolResult] (length 2) after skip, got length %d", n)
	}
}
