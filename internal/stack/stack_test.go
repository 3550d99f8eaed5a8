package stack

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/artifactbus"
	"github.com/p2engine/convorch/internal/redistest"
	"github.com/p2engine/convorch/internal/state"
)

func newTestBus(t *testing.T, rdb *redis.Client) *artifactbus.Bus {
	t.Helper()
	return artifactbus.New(rdb, artifactbus.NewFSDriver(t.TempDir(), false))
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

func TestPushThenPopRoundTrips(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := New(ctx, rdb, nil, "conv-1", "agent-1")

	if err := s.Push(ctx, state.UserMessageState{Text: "hi"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	cur, err := s.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur == nil {
		t.Fatal("expected a current entry")
	}
	um, ok := cur.State.(state.UserMessageState)
	if !ok || um.Text != "hi" {
		t.Fatalf("unexpected top state: %+v", cur.State)
	}

	popped, err := s.Pop(ctx, 1)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(popped) != 1 {
		t.Fatalf("expected 1 popped entry, got %d", len(popped))
	}
	n, err := s.Length(ctx)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty stack after pop, got length %d", n)
	}
}

func TestToolResultLinksParentRefToPrecedingToolCall(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	bus := newTestBus(t, rdb)
	s := New(ctx, rdb, bus, "conv-parentref", "agent-1")

	if err := s.Push(ctx, state.ToolCallState{ID: "call-1", FunctionName: "echo", Arguments: map[string]any{}}); err != nil {
		t.Fatalf("push tool call: %v", err)
	}
	ref, err := rdb.HGet(ctx, s.baseKey+":toolcall_ref", "call-1").Result()
	if err != nil || ref == "" {
		t.Fatalf("expected a non-empty toolcall_ref after pushing ToolCallState, got %q err=%v", ref, err)
	}

	if err := s.Push(ctx, state.ToolResultState{ToolCallID: "call-1", ToolName: "echo", Result: map[string]any{"ok": true}}); err != nil {
		t.Fatalf("push tool result: %v", err)
	}

	entries, err := s.IterLastN(ctx, 10)
	if err != nil {
		t.Fatalf("iter last n: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	headers, err := bus.ReadLastN(ctx, "conv-parentref", 2, "")
	if err != nil {
		t.Fatalf("read last n: %v", err)
	}
	if len(headers) != 2 {
		t.Fatalf("expected 2 published artifacts, got %d", len(headers))
	}
	var resultHdr artifactbus.Header
	for _, h := range headers {
		if h.Ref != ref {
			resultHdr = h
		}
	}
	if len(resultHdr.ParentRefs) != 1 || resultHdr.ParentRefs[0] != ref {
		t.Fatalf("expected the tool result artifact to chain back to the tool call ref %q, got %+v", ref, resultHdr.ParentRefs)
	}
}

func TestForkIsNonDestructiveAndTruncatesNewBranch(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := New(ctx, rdb, nil, "conv-fork", "agent-1")

	for i := 0; i < 5; i++ {
		if err := s.Push(ctx, state.UserMessageState{Text: "msg"}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	newBranch, err := s.Fork(ctx, 2) // keep indices [0,2] -> length 3
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if s.CurrentBranch(ctx) != newBranch {
		t.Fatalf("expected fork to check out the new branch, current is %q", s.CurrentBranch(ctx))
	}

	forkedLen, err := s.Length(ctx)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if forkedLen != 3 {
		t.Fatalf("expected forked branch length 3, got %d", forkedLen)
	}

	mainLen, err := rdb.LLen(ctx, s.branchKey("main")).Result()
	if err != nil {
		t.Fatalf("llen main: %v", err)
	}
	if mainLen != 5 {
		t.Fatalf("expected main branch untouched at length 5, got %d", mainLen)
	}
}

func TestRewindTruncatesCurrentBranchInPlace(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := New(ctx, rdb, nil, "conv-rewind", "agent-1")

	for i := 0; i < 5; i++ {
		if err := s.Push(ctx, state.UserMessageState{Text: "msg"}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	before, err := s.At(ctx, 1, "")
	if err != nil {
		t.Fatalf("at(1): %v", err)
	}

	if err := s.Rewind(ctx, 1); err != nil {
		t.Fatalf("rewind: %v", err)
	}

	n, err := s.Length(ctx)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected length 2 after rewind(1), got %d", n)
	}
	after, err := s.At(ctx, 1, "")
	if err != nil {
		t.Fatalf("at(1) after rewind: %v", err)
	}
	if after == nil || before == nil {
		t.Fatal("expected both entries to be present")
	}
	beforeMsg, _ := before.State.(state.UserMessageState)
	afterMsg, _ := after.State.(state.UserMessageState)
	if beforeMsg.Text != afterMsg.Text {
		t.Fatalf("expected pre-rewind prefix to be preserved, got %+v vs %+v", beforeMsg, afterMsg)
	}
}

func TestRewindToMinusOneEmptiesBranch(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := New(ctx, rdb, nil, "conv-rewind-empty", "agent-1")

	if err := s.Push(ctx, state.UserMessageState{Text: "a"}, state.UserMessageState{Text: "b"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := s.Rewind(ctx, -1); err != nil {
		t.Fatalf("rewind(-1): %v", err)
	}
	n, err := s.Length(ctx)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty branch after rewind(-1), got length %d", n)
	}
}

func TestRewindCleansUpDanglingToolCallRef(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := New(ctx, rdb, nil, "conv-rewind-ref", "agent-1")

	if err := s.Push(ctx, state.UserMessageState{Text: "start"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := s.Push(ctx, state.ToolCallState{ID: "call-doomed", FunctionName: "echo", Arguments: map[string]any{}}); err != nil {
		t.Fatalf("push tool call: %v", err)
	}

	if err := s.Rewind(ctx, 0); err != nil { // keep only the first entry
		t.Fatalf("rewind: %v", err)
	}

	exists, err := rdb.HExists(ctx, s.baseKey+":toolcall_ref", "call-doomed").Result()
	if err != nil {
		t.Fatalf("hexists: %v", err)
	}
	if exists {
		t.Fatal("expected toolcall_ref for a rewound-away ToolCallState to be removed")
	}
}

func TestPushPopsStaleFinishedMarkerFirst(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := New(ctx, rdb, nil, "conv-finished", "agent-1")

	if err := s.Push(ctx, state.FinishedState{}); err != nil {
		t.Fatalf("push finished: %v", err)
	}
	if err := s.Push(ctx, state.UserMessageState{Text: "resumed"}); err != nil {
		t.Fatalf("push resumed message: %v", err)
	}

	n, err := s.Length(ctx)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected Finished to be popped and replaced, length should be 1, got %d", n)
	}
	cur, err := s.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if _, ok := cur.State.(state.UserMessageState); !ok {
		t.Fatalf("expected top to be the resumed message, got %+v", cur.State)
	}
}

func TestGetBranchInfoMarksCurrent(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := New(ctx, rdb, nil, "conv-info", "agent-1")

	if err := s.Push(ctx, state.UserMessageState{Text: "hi"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := s.Fork(ctx, 0); err != nil {
		t.Fatalf("fork: %v", err)
	}

	branches, err := s.GetBranchInfo(ctx)
	if err != nil {
		t.Fatalf("get branch info: %v", err)
	}
	var sawCurrent, sawMain bool
	for _, b := range branches {
		if b.IsCurrent {
			sawCurrent = true
			if b.BranchID != s.CurrentBranch(ctx) {
				t.Fatalf("current branch mismatch: %q vs %q", b.BranchID, s.CurrentBranch(ctx))
			}
		}
		if b.BranchID == "main" {
			sawMain = true
		}
	}
	if !sawCurrent {
		t.Fatal("expected exactly one branch marked current")
	}
	if !sawMain {
		t.Fatal("expected main branch to still be listed")
	}
}

func TestDeleteBranchRefusesMainAndCurrent(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := New(ctx, rdb, nil, "conv-delete", "agent-1")

	if err := s.DeleteBranch(ctx, "main"); err == nil {
		t.Fatal("expected deleting main to be refused")
	}
	if err := s.Push(ctx, state.UserMessageState{Text: "hi"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	cur := s.CurrentBranch(ctx)
	if err := s.DeleteBranch(ctx, cur); err == nil {
		t.Fatal("expected deleting the checked-out branch to be refused")
	}
}
