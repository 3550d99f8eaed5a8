package workers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/effect"
	"github.com/p2engine/convorch/internal/posteffect"
	"github.com/p2engine/convorch/internal/queue"
	"github.com/p2engine/convorch/internal/redistest"
	"github.com/p2engine/convorch/internal/stack"
	"github.com/p2engine/convorch/internal/state"
	"github.com/p2engine/convorch/internal/tools"
)

func effectCallTool(conversationID, agentID, branchID, toolName, toolCallID string, params map[string]any) effect.CallTool {
	return effect.CallTool{
		ConversationID: conversationID,
		AgentID:        agentID,
		BranchID:       branchID,
		ToolName:       toolName,
		ToolCallID:     toolCallID,
		Parameters:     params,
	}
}

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

func TestExecuteToolSettlesWaitingStateAndEnqueuesTick(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	s := stack.New(ctx, rdb, nil, "conv-1", "agent-1")
	if err := s.Push(ctx,
		state.ToolCallState{ID: "call-1", FunctionName: "echo", Arguments: map[string]any{"text": "hi"}},
		state.WaitingState{WaitKind: state.WaitingOnTool, CorrelationID: "call-1"},
	); err != nil {
		t.Fatalf("seed stack: %v", err)
	}

	reg := tools.NewRegistry(rdb)
	reg.Register(&tools.Tool{
		Name: "echo",
		Fn: func(ctx context.Context, params map[string]any) (tools.Result, error) {
			return tools.Result{Status: "ok", Data: map[string]any{"echoed": params["text"]}}, nil
		},
	})

	ticks := queue.New(rdb, "ticks")
	toolsQ := queue.New(rdb, "tools")
	w := NewToolWorker(rdb, ticks, toolsQ, reg, posteffect.NewRegistry(nil),
		func(ctx context.Context, conversationID, agentID string) *stack.Stack {
			return stack.New(ctx, rdb, nil, conversationID, agentID)
		}, nil, nil, nil)

	call := effectCallTool("conv-1", "agent-1", "main", "echo", "call-1", map[string]any{"text": "hi"})
	if err := w.executeTool(ctx, call); err != nil {
		t.Fatalf("execute tool: %v", err)
	}

	cur, err := s.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	tr, ok := cur.State.(state.ToolResultState)
	if !ok {
		t.Fatalf("expected a ToolResultState on top, got %#v", cur.State)
	}
	if tr.Result["status"] != "ok" {
		t.Fatalf("unexpected tool result: %+v", tr.Result)
	}

	job, err := ticks.BlockingPop(ctx, time.Second)
	if err != nil {
		t.Fatalf("blocking pop: %v", err)
	}
	if job == nil || job.Task != "process_session_tick" {
		t.Fatalf("expected a process_session_tick job enqueued after tool execution, got %+v", job)
	}
}

func TestExecuteToolConvertsFailureIntoErrorResult(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	s := stack.New(ctx, rdb, nil, "conv-2", "agent-1")
	if err := s.Push(ctx,
		state.ToolCallState{ID: "call-2", FunctionName: "boom", Arguments: map[string]any{}},
		state.WaitingState{WaitKind: state.WaitingOnTool, CorrelationID: "call-2"},
	); err != nil {
		t.Fatalf("seed stack: %v", err)
	}

	reg := tools.NewRegistry(rdb)
	reg.Register(&tools.Tool{
		Name: "boom",
		Fn: func(ctx context.Context, params map[string]any) (tools.Result, error) {
			return tools.Result{}, context.DeadlineExceeded
		},
	})

	ticks := queue.New(rdb, "ticks-2")
	toolsQ := queue.New(rdb, "tools-2")
	w := NewToolWorker(rdb, ticks, toolsQ, reg, posteffect.NewRegistry(nil),
		func(ctx context.Context, conversationID, agentID string) *stack.Stack {
			return stack.New(ctx, rdb, nil, conversationID, agentID)
		}, nil, nil, nil)

	call := effectCallTool("conv-2", "agent-1", "main", "boom", "call-2", nil)
	if err := w.executeTool(ctx, call); err != nil {
		t.Fatalf("execute tool: %v", err)
	}

	cur, err := s.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	tr, ok := cur.State.(state.ToolResultState)
	if !ok {
		t.Fatalf("expected a ToolResultState on top, got %#v", cur.State)
	}
	if tr.Result["status"] != "error" {
		t.Fatalf("expected an error status, got %+v", tr.Result)
	}
}
