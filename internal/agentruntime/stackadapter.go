package agentruntime

import (
	"context"

	"github.com/p2engine/convorch/internal/effect"
	"github.com/p2engine/convorch/internal/stack"
)

// Adapt wraps a *stack.Stack so it satisfies effect.StackLike. Used when
// wiring an effect.ExecContext's StackFor factory.
func Adapt(s *stack.Stack) effect.StackLike { return stackAdapter{s} }

// stackAdapter satisfies effect.StackLike by converting between
// stack.Entry and effect.StackEntry, keeping the effect package free of a
// direct dependency on stack (which in turn depends on artifactbus and
// codec — a heavier import than effect needs).
type stackAdapter struct {
	*stack.Stack
}

func (a stackAdapter) Current(ctx context.Context) (*effect.StackEntry, error) {
	e, err := a.Stack.Current(ctx)
	if err != nil || e == nil {
		return nil, err
	}
	return &effect.StackEntry{State: e.State, TS: e.TS}, nil
}

func (a stackAdapter) IterLastN(ctx context.Context, n int64) ([]effect.StackEntry, error) {
	entries, err := a.Stack.IterLastN(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]effect.StackEntry, len(entries))
	for i, e := range entries {
		out[i] = effect.StackEntry{State: e.State, TS: e.TS}
	}
	return out, nil
}
