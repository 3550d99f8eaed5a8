// Package workers hosts the long-running pollers that drain the tick and
// tool queues: SessionTickWorker steps every live agent in a conversation
// forward one round (and, sharing the same queue, bubbles a finished
// delegated child's result back to its parent) while ToolWorker executes a
// single tool call.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/agentruntime"
	"github.com/p2engine/convorch/internal/artifactbus"
	"github.com/p2engine/convorch/internal/dedup"
	"github.com/p2engine/convorch/internal/effect"
	"github.com/p2engine/convorch/internal/effectexec"
	"github.com/p2engine/convorch/internal/queue"
	"github.com/p2engine/convorch/internal/registry"
	"github.com/p2engine/convorch/internal/stack"
	"github.com/p2engine/convorch/internal/state"
	"github.com/p2engine/convorch/internal/telemetry"
)

// unmarshalPayload decodes job.Payload into v, wrapping any error with the
// task name for easier diagnosis.
func unmarshalPayload(job *queue.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("workers: unmarshal %s payload: %w", job.Task, err)
	}
	return nil
}

// StackFactory resolves the interaction stack for a (conversation, agent)
// pair, shared between workers and the effect executor's StackFor hook.
type StackFactory func(ctx context.Context, conversationID, agentID string) *stack.Stack

// roundTTL bounds how long a branch's idle-round counter survives, matching
// ROUND_TTL in the reference implementation.
const roundTTL = 24 * time.Hour

// SessionTickWorker drains the ticks queue, stepping every agent registered
// to a conversation once per "process_session_tick" job and re-enqueueing
// while any of them still made progress.
type SessionTickWorker struct {
	rdb       *redis.Client
	ticks     *queue.Queue
	tools     *queue.Queue
	stackFor  StackFactory
	agents    *AgentRegistry
	bus       *artifactbus.Bus
	tunables  agentruntime.Tunables
	maxRounds int
	policy    dedup.Policy
	log       telemetry.Logger
	metrics   telemetry.Metrics

	// EvaluatorID/JudgeVersion and ReflectLookup are forwarded onto every
	// Runtime this worker constructs.
	EvaluatorID   string
	JudgeVersion  string
	ReflectLookup func(toolName string) bool
}

// Config bundles the dependencies a SessionTickWorker needs.
type Config struct {
	Redis     *redis.Client
	Ticks     *queue.Queue
	Tools     *queue.Queue
	StackFor  StackFactory
	Agents    *AgentRegistry
	Bus       *artifactbus.Bus
	Tunables  agentruntime.Tunables
	MaxRounds int
	Policy    dedup.Policy
	Log       telemetry.Logger
	Metrics   telemetry.Metrics
}

// NewSessionTickWorker constructs a SessionTickWorker from cfg.
func NewSessionTickWorker(cfg Config) *SessionTickWorker {
	log := cfg.Log
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &SessionTickWorker{
		rdb: cfg.Redis, ticks: cfg.Ticks, tools: cfg.Tools, stackFor: cfg.StackFor,
		agents: cfg.Agents, bus: cfg.Bus, tunables: cfg.Tunables, maxRounds: cfg.MaxRounds,
		policy: cfg.Policy, log: log, metrics: metrics,
	}
}

func (w *SessionTickWorker) execContext() *effect.ExecContext {
	return &effect.ExecContext{
		Redis: w.rdb,
		Ticks: w.ticks,
		Tools: w.tools,
		Log:   w.log,
		StackFor: func(ctx context.Context, conversationID, agentID string) (effect.StackLike, error) {
			return agentruntime.Adapt(w.stackFor(ctx, conversationID, agentID)), nil
		},
	}
}

// Run drains the ticks queue until ctx is cancelled.
func (w *SessionTickWorker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := w.ticks.BlockingPop(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error(ctx, "session_tick_poll_failed", "error", err.Error())
			continue
		}
		if job == nil {
			continue
		}
		switch job.Task {
		case "process_session_tick":
			var payload struct {
				ConversationID string `json:"conversation_id"`
			}
			if err := unmarshalPayload(job, &payload); err != nil {
				w.log.Error(ctx, "session_tick_bad_payload", "error", err.Error())
				continue
			}
			if err := w.processSessionTick(ctx, payload.ConversationID, 0); err != nil {
				w.log.Error(ctx, "session_tick_failed", "conversation_id", payload.ConversationID, "error", err.Error())
			}
		case "bubble_up_delegate":
			if err := w.bubbleUpDelegate(ctx, job); err != nil {
				w.log.Error(ctx, "bubble_up_delegate_failed", "error", err.Error())
			}
		}
	}
}

// bubbleUpDelegate handles a finished delegated child's result reaching its
// parent agent. It is routed here rather than to a second queue consumer
// because both task kinds share the ticks list and must be dispatched by
// name from a single reader, the same way a task-name-keyed worker would.
func (w *SessionTickWorker) bubbleUpDelegate(ctx context.Context, job *queue.Job) error {
	var payload struct {
		ConversationID string         `json:"conversation_id"`
		TargetAgentID  string         `json:"target_agent_id"`
		CorrelationID  string         `json:"correlation_id"`
		ChildAgentID   string         `json:"child_agent_id"`
		Result         map[string]any `json:"result"`
	}
	if err := unmarshalPayload(job, &payload); err != nil {
		return err
	}
	eff := effect.PushAgentResult{
		ConversationID: payload.ConversationID,
		TargetAgentID:  payload.TargetAgentID,
		CorrelationID:  payload.CorrelationID,
		ChildAgentID:   payload.ChildAgentID,
		Result:         payload.Result,
	}
	if err := eff.Execute(ctx, w.execContext()); err != nil {
		return fmt.Errorf("workers: bubble up delegate: %w", err)
	}
	return nil
}

func (w *SessionTickWorker) processSessionTick(ctx context.Context, conversationID string, round int) error {
	lockKey := fmt.Sprintf("tick_fence:%s", conversationID)
	acquired, err := w.rdb.SetNX(ctx, lockKey, "1", 60*time.Second).Result()
	if err != nil {
		return fmt.Errorf("workers: tick fence setnx: %w", err)
	}
	if !acquired {
		w.log.Info(ctx, "tick_already_in_progress", "conversation_id", conversationID)
		return nil
	}
	defer w.rdb.Del(ctx, lockKey)

	agentIDs, err := w.rdb.SMembers(ctx, fmt.Sprintf("session:%s:agents", conversationID)).Result()
	if err != nil {
		return fmt.Errorf("workers: smembers agents: %w", err)
	}
	if len(agentIDs) == 0 {
		w.log.Error(ctx, "tick_aborted_no_live_agents", "conversation_id", conversationID)
		return nil
	}

	hasWork := false
	for _, agentID := range agentIDs {
		progressed, err := w.processAgentTick(ctx, conversationID, agentID)
		if err != nil {
			w.log.Error(ctx, "agent_tick_failed", "conversation_id", conversationID, "agent_id", agentID, "error", err.Error())
			continue
		}
		if progressed {
			hasWork = true
		}
	}

	if hasWork && round < w.maxRounds {
		if err := w.ticks.Enqueue(ctx, "process_session_tick", map[string]string{"conversation_id": conversationID}); err != nil {
			return fmt.Errorf("workers: re-enqueue tick: %w", err)
		}
	} else if hasWork {
		w.log.Warn(ctx, "max_rounds_reached", "conversation_id", conversationID)
	}
	w.log.Info(ctx, "session_tick_processed", "conversation_id", conversationID)
	return nil
}

func isFinishedEntry(e *stack.Entry) bool {
	if e == nil {
		return false
	}
	_, ok := e.State.(state.FinishedState)
	return ok
}

func (w *SessionTickWorker) publishFinished(ctx context.Context, conversationID, agentID, branchID string) {
	if w.bus == nil {
		return
	}
	hdr := artifactbus.Header{
		SessionID: conversationID,
		AgentID:   agentID,
		BranchID:  branchID,
		Role:      "event",
		MIME:      "application/json",
		Meta:      map[string]any{"event": "agent_finished"},
	}
	if err := w.bus.Publish(ctx, hdr, map[string]any{}); err != nil {
		w.log.Error(ctx, "agent_finished_publish_failed", "conversation_id", conversationID, "agent_id", agentID, "error", err.Error())
	}
}

// publishStalledFinalised records that an agent was force-finished after
// exceeding maxRounds idle ticks without progress. Distinct from
// publishFinished's agent_finished event so an observer can tell a round
// stall apart from a clean finish rather than seeing the same event for
// both.
func (w *SessionTickWorker) publishStalledFinalised(ctx context.Context, conversationID, agentID, branchID string, rounds int64) {
	w.metrics.IncCounter("stalled_agent_finalised", 1, "conversation_id", conversationID, "agent_id", agentID)
	if w.bus == nil {
		return
	}
	hdr := artifactbus.Header{
		SessionID: conversationID,
		AgentID:   agentID,
		BranchID:  branchID,
		Role:      "event",
		MIME:      "application/json",
		Meta:      map[string]any{"event": "stalled_agent_finalised", "rounds": rounds},
	}
	if err := w.bus.Publish(ctx, hdr, map[string]any{"rounds": rounds}); err != nil {
		w.log.Error(ctx, "stalled_agent_finalised_publish_failed", "conversation_id", conversationID, "agent_id", agentID, "error", err.Error())
	}
}

// processAgentTick steps one agent forward once, reporting whether it made
// progress (produced effects, or newly reached Finished).
func (w *SessionTickWorker) processAgentTick(ctx context.Context, conversationID, agentID string) (bool, error) {
	st := w.stackFor(ctx, conversationID, agentID)

	topEntry, err := st.Current(ctx)
	if err != nil {
		return false, fmt.Errorf("workers: read current: %w", err)
	}
	finishedOnEntry := isFinishedEntry(topEntry)

	agent, err := w.agents.Get(agentID)
	if err != nil {
		w.log.Error(ctx, "agent_not_found", "agent_id", agentID)
		return false, nil
	}

	branchID := st.CurrentBranch(ctx)
	roundsKey := fmt.Sprintf("round_by_branch:%s:%s:%s", conversationID, agentID, branchID)
	beforeLen, err := st.Length(ctx)
	if err != nil {
		return false, fmt.Errorf("workers: stack length: %w", err)
	}

	reg := registry.New(w.rdb, conversationID, registry.WithLogger(w.log))
	rt := agentruntime.New(agent, st, reg, w.bus, w.ticks, w.rdb, w.tunables, w.log, w.metrics)
	rt.EvaluatorID = w.EvaluatorID
	rt.JudgeVersion = w.JudgeVersion
	rt.ReflectLookup = w.ReflectLookup

	effects, err := rt.Step(ctx)
	if err != nil {
		return false, fmt.Errorf("workers: step: %w", err)
	}
	afterLen, err := st.Length(ctx)
	if err != nil {
		return false, fmt.Errorf("workers: stack length: %w", err)
	}

	progressed := len(effects) > 0
	if !progressed && afterLen > beforeLen {
		top, err := st.Current(ctx)
		if err != nil {
			return false, fmt.Errorf("workers: read current: %w", err)
		}
		progressed = isFinishedEntry(top)
	}

	var rounds int64
	if progressed {
		w.rdb.Del(ctx, roundsKey)
	} else {
		rounds, err = w.rdb.Incr(ctx, roundsKey).Result()
		if err != nil {
			return false, fmt.Errorf("workers: incr rounds: %w", err)
		}
		w.rdb.Expire(ctx, roundsKey, roundTTL)
	}

	parentAgentID, err := st.GetParentAgentID(ctx)
	if err != nil {
		return false, fmt.Errorf("workers: get parent agent id: %w", err)
	}
	currentFrame, err := st.Current(ctx)
	if err != nil {
		return false, fmt.Errorf("workers: read current: %w", err)
	}

	if isFinishedEntry(currentFrame) && finishedOnEntry && parentAgentID == "" {
		w.publishFinished(ctx, conversationID, agentID, branchID)
		reg.MarkFinished(ctx, agentID)
		if tick, err := reg.Tick(ctx); err == nil {
			reg.AckTick(ctx, agentID, tick)
		}
		reg.UnregisterAgent(ctx, agentID, true)
		return false, nil
	}

	if finishedOnEntry && len(effects) == 0 && parentAgentID == "" {
		w.publishFinished(ctx, conversationID, agentID, branchID)
		reg.MarkFinished(ctx, agentID)
		if tick, err := reg.Tick(ctx); err == nil {
			reg.AckTick(ctx, agentID, tick)
		}
		reg.UnregisterAgent(ctx, agentID, true)
		return false, nil
	}

	if int(rounds) > w.maxRounds {
		w.log.Warn(ctx, "max_idle_rounds_reached", "conversation_id", conversationID, "agent_id", agentID, "branch_id", branchID, "rounds", rounds)
		w.publishStalledFinalised(ctx, conversationID, agentID, branchID, rounds)
		w.publishFinished(ctx, conversationID, agentID, branchID)
		reg.MarkFinished(ctx, agentID)
		if tick, err := reg.Tick(ctx); err == nil {
			reg.AckTick(ctx, agentID, tick)
		}
		return false, nil
	}

	executor := effectexec.New(w.execContext(), w.policy, w.log, w.metrics)
	executor.Execute(ctx, conversationID, agentID, branchID, effects)

	currentTick, err := reg.RefreshTick(ctx)
	if err == nil {
		reg.AckTick(ctx, agentID, currentTick)
	}

	finalFrame, err := st.Current(ctx)
	if err == nil && isFinishedEntry(finalFrame) && parentAgentID == "" {
		w.publishFinished(ctx, conversationID, agentID, branchID)
		reg.MarkFinished(ctx, agentID)
		reg.UnregisterAgent(ctx, agentID, true)
	}

	w.log.Info(ctx, "agent_tick_processed", "agent_id", agentID, "conversation_id", conversationID, "effects", len(effects))
	return progressed, nil
}
