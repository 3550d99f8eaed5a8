package posteffect

import (
	"context"
	"testing"

	"github.com/p2engine/convorch/internal/effect"
	"github.com/p2engine/convorch/internal/state"
)

// fakeStack is a minimal in-memory effect.StackLike for exercising handlers
// without a Redis-backed stack.Stack.
type fakeStack struct {
	pushed []state.State
}

func (f *fakeStack) Push(ctx context.Context, states ...state.State) error {
	f.pushed = append(f.pushed, states...)
	return nil
}
func (f *fakeStack) CurrentBranch(ctx context.Context) string { return "main" }
func (f *fakeStack) Current(ctx context.Context) (*effect.StackEntry, error) {
	if len(f.pushed) == 0 {
		return nil, nil
	}
	return &effect.StackEntry{State: f.pushed[len(f.pushed)-1]}, nil
}
func (f *fakeStack) Pop(ctx context.Context, n int) ([]state.State, error) { return nil, nil }
func (f *fakeStack) IterLastN(ctx context.Context, n int64) ([]effect.StackEntry, error) {
	return nil, nil
}

func TestRunDispatchesAgentCallAndPushesAgentCallState(t *testing.T) {
	r := NewRegistry(nil)
	fs := &fakeStack{}

	effects := r.Run(context.Background(), "agent_call", Request{
		ConversationID: "conv-1",
		AgentID:        "parent",
		Stack:          fs,
		Parameters:     map[string]any{"agent_id": "child-1", "message": "go do it"},
	})
	if effects != nil {
		t.Fatalf("expected no further effects, got %+v", effects)
	}
	if len(fs.pushed) != 1 {
		t.Fatalf("expected one pushed state, got %d", len(fs.pushed))
	}
	call, ok := fs.pushed[0].(state.AgentCallState)
	if !ok {
		t.Fatalf("expected an AgentCallState, got %#v", fs.pushed[0])
	}
	if call.AgentID != "child-1" || call.Message != "go do it" {
		t.Fatalf("unexpected AgentCallState: %+v", call)
	}
}

func TestRunAgentCallFallsBackToResultChildField(t *testing.T) {
	r := NewRegistry(nil)
	fs := &fakeStack{}

	r.Run(context.Background(), "agent_call", Request{
		Stack:      fs,
		Parameters: map[string]any{},
		Result:     map[string]any{"child": "child-2"},
	})
	if len(fs.pushed) != 1 {
		t.Fatalf("expected one pushed state, got %d", len(fs.pushed))
	}
	if call := fs.pushed[0].(state.AgentCallState); call.AgentID != "child-2" {
		t.Fatalf("expected fallback to result.child, got %+v", call)
	}
}

func TestRunAgentCallWithNoTargetLogsAndNoOps(t *testing.T) {
	r := NewRegistry(nil)
	fs := &fakeStack{}

	effects := r.Run(context.Background(), "agent_call", Request{Stack: fs, Parameters: map[string]any{}})
	if effects != nil {
		t.Fatalf("expected nil effects on missing target, got %+v", effects)
	}
	if len(fs.pushed) != 0 {
		t.Fatalf("expected nothing pushed, got %+v", fs.pushed)
	}
}

func TestRunUnknownHandlerNameIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	effects := r.Run(context.Background(), "does_not_exist", Request{})
	if effects != nil {
		t.Fatalf("expected nil effects for an unknown post-effect, got %+v", effects)
	}
}

func TestRunTreasurerPaymentTiersByScore(t *testing.T) {
	r := NewRegistry(nil)

	cases := []struct {
		score      float64
		wantAmount int
		wantNil    bool
	}{
		{score: 0.9, wantAmount: 25},
		{score: 0.65, wantAmount: 15},
		{score: 0.45, wantAmount: 10},
		{score: 0.1, wantNil: true},
	}
	for _, tc := range cases {
		effects := r.Run(context.Background(), "treasurer_payment", Request{
			ConversationID: "conv-1",
			Parameters:     map[string]any{"evaluated_agent": "agent-1"},
			Result:         map[string]any{"score": tc.score},
		})
		if tc.wantNil {
			if effects != nil {
				t.Fatalf("score %.2f: expected no payment, got %+v", tc.score, effects)
			}
			continue
		}
		if len(effects) != 1 {
			t.Fatalf("score %.2f: expected one effect, got %+v", tc.score, effects)
		}
		ct, ok := effects[0].(effect.CallTool)
		if !ok {
			t.Fatalf("score %.2f: expected a CallTool effect, got %#v", tc.score, effects[0])
		}
		if ct.ToolName != "transfer_funds" || ct.Parameters["amount"] != tc.wantAmount {
			t.Fatalf("score %.2f: unexpected effect: %+v", tc.score, ct)
		}
	}
}

func TestRunTreasurerPaymentRequiresEvaluatedAgent(t *testing.T) {
	r := NewRegistry(nil)
	effects := r.Run(context.Background(), "treasurer_payment", Request{
		Result: map[string]any{"score": 0.9},
	})
	if effects != nil {
		t.Fatalf("expected nil on error (logged, not propagated), got %+v", effects)
	}
}
