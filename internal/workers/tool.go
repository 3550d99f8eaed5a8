package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/agentruntime"
	"github.com/p2engine/convorch/internal/artifactbus"
	"github.com/p2engine/convorch/internal/effect"
	"github.com/p2engine/convorch/internal/posteffect"
	"github.com/p2engine/convorch/internal/queue"
	"github.com/p2engine/convorch/internal/state"
	"github.com/p2engine/convorch/internal/telemetry"
	"github.com/p2engine/convorch/internal/tools"
)

// ToolWorker drains the tools queue, running one tool invocation per
// "execute_tool" job, settling the matching WaitingState, and running any
// post-effects the tool declares.
type ToolWorker struct {
	rdb        *redis.Client
	ticks      *queue.Queue
	toolsQueue *queue.Queue
	toolsReg   *tools.Registry
	postEffect *posteffect.Registry
	stackFor   StackFactory
	bus        *artifactbus.Bus
	log        telemetry.Logger
	metrics    telemetry.Metrics
}

// NewToolWorker constructs a ToolWorker.
func NewToolWorker(rdb *redis.Client, ticks, toolsQueue *queue.Queue, toolsReg *tools.Registry, postEffect *posteffect.Registry, stackFor StackFactory, bus *artifactbus.Bus, log telemetry.Logger, metrics telemetry.Metrics) *ToolWorker {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &ToolWorker{rdb: rdb, ticks: ticks, toolsQueue: toolsQueue, toolsReg: toolsReg, postEffect: postEffect, stackFor: stackFor, bus: bus, log: log, metrics: metrics}
}

func (w *ToolWorker) execContext() *effect.ExecContext {
	return &effect.ExecContext{
		Redis: w.rdb,
		Ticks: w.ticks,
		Tools: w.toolsQueue,
		Log:   w.log,
		StackFor: func(ctx context.Context, conversationID, agentID string) (effect.StackLike, error) {
			return agentruntime.Adapt(w.stackFor(ctx, conversationID, agentID)), nil
		},
	}
}

// Run drains the tools queue until ctx is cancelled.
func (w *ToolWorker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := w.toolsQueue.BlockingPop(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error(ctx, "tool_poll_failed", "error", err.Error())
			continue
		}
		if job == nil || job.Task != "execute_tool" {
			continue
		}
		var call effect.CallTool
		if err := json.Unmarshal(job.Payload, &call); err != nil {
			w.log.Error(ctx, "tool_bad_payload", "error", err.Error())
			continue
		}
		if err := w.executeTool(ctx, call); err != nil {
			w.log.Error(ctx, "tool_execution_worker_failed", "tool", call.ToolName, "conversation_id", call.ConversationID, "error", err.Error())
		}
	}
}

func (w *ToolWorker) executeTool(ctx context.Context, call effect.CallTool) error {
	st := w.stackFor(ctx, call.ConversationID, call.AgentID)

	t0 := time.Now()
	res, err := w.toolsReg.Invoke(ctx, call.ToolName, call.Parameters)
	latencyMs := time.Since(t0).Milliseconds()

	var result map[string]any
	reward := 1.0
	if err != nil {
		w.log.Error(ctx, "tool_execution_failed", "tool", call.ToolName, "conversation_id", call.ConversationID, "error", err.Error())
		result = map[string]any{"status": "error", "message": err.Error()}
		reward = 0
	} else if res.Status == "error" {
		result = map[string]any{"status": "error", "message": res.Message}
		reward = 0
	} else {
		result = map[string]any{"status": "ok", "result": res.Data}
		if res.Reward != nil {
			reward = *res.Reward
		}
	}

	entry, err := st.Current(ctx)
	if err != nil {
		return fmt.Errorf("workers: read current: %w", err)
	}
	if entry == nil {
		return fmt.Errorf("workers: stack corruption, expected waiting state for tool call %s", call.ToolCallID)
	}
	waiting, ok := entry.State.(state.WaitingState)
	if !ok || waiting.CorrelationID != call.ToolCallID {
		return fmt.Errorf("workers: stack corruption, expected waiting state for tool call %s", call.ToolCallID)
	}
	if _, err := st.Pop(ctx, 1); err != nil {
		return fmt.Errorf("workers: pop settled wait: %w", err)
	}
	if err := st.Push(ctx, state.ToolResultState{
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Result:     result,
		Arguments:  call.Parameters,
		Reward:     &reward,
	}); err != nil {
		return fmt.Errorf("workers: push tool result: %w", err)
	}

	if tool, ok := w.toolsReg.Get(call.ToolName); ok {
		ec := w.execContext()
		for _, peName := range tool.PostEffects {
			effects := w.postEffect.Run(ctx, peName, posteffect.Request{
				ConversationID: call.ConversationID,
				AgentID:        call.AgentID,
				Stack:          agentruntime.Adapt(st),
				Parameters:     call.Parameters,
				Result:         result,
				Redis:          w.rdb,
			})
			for _, eff := range effects {
				if err := eff.Execute(ctx, ec); err != nil {
					w.log.Error(ctx, "post_effect_failed", "effect", string(eff.Kind()), "conversation_id", call.ConversationID, "error", err.Error())
				}
			}
		}
	}

	w.publishToolMetrics(ctx, call, result, reward, latencyMs)

	w.rdb.Del(ctx, fmt.Sprintf("round_by_branch:%s:%s:%s", call.ConversationID, call.AgentID, call.BranchID))

	if err := w.ticks.Enqueue(ctx, "process_session_tick", map[string]string{"conversation_id": call.ConversationID}); err != nil {
		return fmt.Errorf("workers: enqueue tick: %w", err)
	}
	w.log.Info(ctx, "tool_executed", "tool_name", call.ToolName, "conversation_id", call.ConversationID)
	return nil
}

func (w *ToolWorker) publishToolMetrics(ctx context.Context, call effect.CallTool, result map[string]any, reward float64, latencyMs int64) {
	if w.bus == nil {
		return
	}
	status, _ := result["status"].(string)
	hdr := artifactbus.Header{
		SessionID: call.ConversationID,
		AgentID:   call.AgentID,
		BranchID:  call.BranchID,
		Role:      "metrics",
		MIME:      "application/json",
		Reward:    &reward,
		Meta: map[string]any{
			"model":      fmt.Sprintf("tools/%s", call.ToolName),
			"latency_ms": latencyMs,
		},
	}
	if err := w.bus.Publish(ctx, hdr, map[string]any{"status": status}); err != nil {
		w.log.Error(ctx, "tool_metrics_publish_failed", "tool", call.ToolName, "conversation_id", call.ConversationID, "error", err.Error())
	}
}
