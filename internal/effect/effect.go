// Package effect defines the side-effecting actions an agent step can
// request: delegating to another agent, bubbling a delegate's result back to
// its parent, invoking a tool, or publishing a reply to the outside world.
// Effects are pure data until Execute runs them against an ExecContext; the
// effect executor (see internal/effectexec) is responsible for dedup-gating
// CallTool effects before calling Execute.
package effect

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/queue"
	"github.com/p2engine/convorch/internal/state"
	"github.com/p2engine/convorch/internal/telemetry"
)

// StackLike is the subset of *stack.Stack an effect needs. Defined here
// rather than imported directly to keep effect free of a dependency on the
// stack package's Redis/artifact-bus wiring; agentruntime supplies the real
// implementation.
type StackLike interface {
	Push(ctx context.Context, states ...state.State) error
	CurrentBranch(ctx context.Context) string
	Current(ctx context.Context) (*StackEntry, error)
	Pop(ctx context.Context, n int) ([]state.State, error)
	IterLastN(ctx context.Context, n int64) ([]StackEntry, error)
}

// StackEntry mirrors stack.Entry without importing the stack package (which
// imports effect's sibling packages), keeping the dependency graph acyclic.
type StackEntry struct {
	State state.State
	TS    float64
}

// ExecContext bundles everything an Effect needs to run: the raw Redis
// client for guard keys, the tick/tool queues, and a factory for obtaining
// the interaction stack of any (conversation, agent) pair (so PushToAgent
// can deliver into a different agent's stack than the one that produced the
// effect).
type ExecContext struct {
	Redis      *redis.Client
	Ticks      *queue.Queue
	Tools      *queue.Queue
	StackFor   func(ctx context.Context, conversationID, agentID string) (StackLike, error)
	Log        telemetry.Logger
}

func (ec *ExecContext) logger() telemetry.Logger {
	if ec.Log == nil {
		return telemetry.NoopLogger{}
	}
	return ec.Log
}

// Kind tags an Effect for logging and metrics without a type switch.
type Kind string

const (
	KindCallTool          Kind = "call_tool"
	KindPushToAgent       Kind = "push_to_agent"
	KindPushAgentResult   Kind = "push_agent_result"
	KindPublishSystemReply Kind = "publish_system_reply"
)

// Effect is a side-effecting action an agent step requested.
type Effect interface {
	Kind() Kind
	// DedupKey returns a stable identifier for deduplication purposes.
	// Effects that should never be deduplicated (e.g. PublishSystemReply)
	// return a key that includes a nanosecond timestamp so it never repeats.
	DedupKey() string
	Execute(ctx context.Context, ec *ExecContext) error
}

func stableHash(v any) string {
	blob, _ := json.Marshal(v)
	sum := sha1.Sum(blob)
	return hex.EncodeToString(sum[:])
}

// CallTool requests execution of a named tool with the given parameters.
// Execution itself happens out-of-process on the "tools" queue; Execute here
// just enqueues the job.
type CallTool struct {
	ConversationID string
	AgentID        string
	BranchID       string
	ToolName       string
	Parameters     map[string]any
	ToolCallID     string
	// ToolStateEnv carries the codec-encoded ToolCallState. The tool worker
	// does not read it; it checks that the top WaitingState's CorrelationID
	// matches ToolCallID instead.
	ToolStateEnv string
	SideEffectFree bool
}

func (c CallTool) Kind() Kind { return KindCallTool }

func (c CallTool) DedupKey() string {
	return stableHash(c)
}

func (c CallTool) Execute(ctx context.Context, ec *ExecContext) error {
	if err := ec.Tools.Enqueue(ctx, "execute_tool", c); err != nil {
		return fmt.Errorf("effect: enqueue tool call: %w", err)
	}
	return nil
}

// PushToAgent delivers a message into another agent's stack as a
// UserMessageState and records the child->parent and correlation pointers
// so the child's eventual Finished/AgentResult can find its way back.
type PushToAgent struct {
	ConversationID string
	TargetAgentID  string
	Message        string
	SenderAgentID  string
	CorrelationID  string
}

func (p PushToAgent) Kind() Kind { return KindPushToAgent }

func (p PushToAgent) DedupKey() string {
	return stableHash(p)
}

func (p PushToAgent) Execute(ctx context.Context, ec *ExecContext) error {
	target, err := ec.StackFor(ctx, p.ConversationID, p.TargetAgentID)
	if err != nil {
		return fmt.Errorf("effect: resolve target stack: %w", err)
	}

	branch := target.CurrentBranch(ctx)
	parentEpisodeKey := fmt.Sprintf("stack:%s:%s:episode:%s", p.ConversationID, p.SenderAgentID, branch)
	if parentEpisodeID, err := ec.Redis.Get(ctx, parentEpisodeKey).Result(); err == nil && parentEpisodeID != "" {
		childEpisodeKey := fmt.Sprintf("stack:%s:%s:episode:%s", p.ConversationID, p.TargetAgentID, branch)
		ec.Redis.Set(ctx, childEpisodeKey, parentEpisodeID, 24*time.Hour)
	}

	if err := target.Push(ctx, state.UserMessageState{Text: p.Message}); err != nil {
		return fmt.Errorf("effect: push to target agent: %w", err)
	}

	const ttl = 24 * time.Hour
	pipe := ec.Redis.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf("child_to_parent:%s:%s", p.ConversationID, p.TargetAgentID), p.SenderAgentID, ttl)
	pipe.Set(ctx, fmt.Sprintf("agent_call_correlation:%s:%s", p.ConversationID, p.TargetAgentID), p.CorrelationID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("effect: set delegation pointers: %w", err)
	}

	if err := ec.Ticks.Enqueue(ctx, "process_session_tick", map[string]string{"conversation_id": p.ConversationID}); err != nil {
		return fmt.Errorf("effect: enqueue tick: %w", err)
	}
	return nil
}

// PushAgentResult bubbles a delegated agent's result back to the parent
// agent that called it, guarded by an "expect_agent_result" key so a late or
// duplicate result can't be mistaken for a fresh one.
type PushAgentResult struct {
	ConversationID string
	TargetAgentID  string
	CorrelationID  string
	Result         map[string]any
	ChildAgentID   string
	Score          *float64
}

func (p PushAgentResult) Kind() Kind { return KindPushAgentResult }

func (p PushAgentResult) DedupKey() string {
	return stableHash(p)
}

func (p PushAgentResult) Execute(ctx context.Context, ec *ExecContext) error {
	guardKey := fmt.Sprintf("expect_agent_result:%s:%s:%s", p.ConversationID, p.TargetAgentID, p.CorrelationID)
	exists, err := ec.Redis.Exists(ctx, guardKey).Result()
	if err != nil {
		return fmt.Errorf("effect: check guard key: %w", err)
	}
	if exists == 0 {
		ec.logger().Warn(ctx, "late_agent_result_missing_parent", "conversation_id", p.ConversationID, "agent_id", p.TargetAgentID, "correlation_id", p.CorrelationID)
		return nil
	}

	target, err := ec.StackFor(ctx, p.ConversationID, p.TargetAgentID)
	if err != nil {
		return fmt.Errorf("effect: resolve target stack: %w", err)
	}

	top, err := target.Current(ctx)
	if err != nil {
		return fmt.Errorf("effect: read target current: %w", err)
	}
	if top != nil {
		if w, ok := top.State.(state.WaitingState); ok && w.CorrelationID == p.CorrelationID {
			if _, err := target.Pop(ctx, 1); err != nil {
				return fmt.Errorf("effect: pop settled wait: %w", err)
			}
		}
	}

	ec.Redis.Del(ctx, guardKey)

	recent, err := target.IterLastN(ctx, 50)
	if err != nil {
		return fmt.Errorf("effect: scan recent for duplicate: %w", err)
	}
	duplicate := false
	for _, e := range recent {
		if ar, ok := e.State.(state.AgentResultState); ok && ar.CorrelationID == p.CorrelationID {
			duplicate = true
			break
		}
	}

	if !duplicate {
		result := map[string]any{}
		for k, v := range p.Result {
			result[k] = v
		}
		if p.Score != nil {
			result["score"] = *p.Score
		}
		if err := target.Push(ctx, state.AgentResultState{CorrelationID: p.CorrelationID, Result: result, Score: p.Score}); err != nil {
			return fmt.Errorf("effect: push agent result: %w", err)
		}
	}
	if p.ChildAgentID != "" {
		ec.Redis.Del(ctx,
			fmt.Sprintf("child_to_parent:%s:%s", p.ConversationID, p.ChildAgentID),
			fmt.Sprintf("agent_call_correlation:%s:%s", p.ConversationID, p.ChildAgentID),
		)
	}

	if err := ec.Ticks.Enqueue(ctx, "process_session_tick", map[string]string{"conversation_id": p.ConversationID}); err != nil {
		return fmt.Errorf("effect: enqueue tick: %w", err)
	}
	return nil
}

// PublishSystemReply writes the final externally-visible reply for a
// conversation. It deliberately never deduplicates: every reply must reach
// the caller even if its content is identical to a previous one.
type PublishSystemReply struct {
	ConversationID string
	Message        string
	issuedAtNanos  int64
}

func (p PublishSystemReply) Kind() Kind { return KindPublishSystemReply }

func (p PublishSystemReply) DedupKey() string {
	issued := p.issuedAtNanos
	if issued == 0 {
		issued = time.Now().UnixNano()
	}
	return stableHash(struct {
		Conv, Message string
		Issued        int64
	}{p.ConversationID, p.Message, issued})
}

func (p PublishSystemReply) Execute(ctx context.Context, ec *ExecContext) error {
	key := fmt.Sprintf("response:%s", p.ConversationID)
	if err := ec.Redis.Set(ctx, key, p.Message, time.Hour).Err(); err != nil {
		return fmt.Errorf("effect: set response: %w", err)
	}
	return nil
}
