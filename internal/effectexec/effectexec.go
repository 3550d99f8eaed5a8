// Package effectexec dispatches the effects an agent step produced: CallTool
// effects are gated by a dedup.Policy before admission, everything else runs
// unconditionally. A skipped duplicate settles its WaitingState and pushes a
// synthetic "skipped" ToolResultState so the branch isn't left blocked.
package effectexec

import (
	"context"

	"github.com/p2engine/convorch/internal/dedup"
	"github.com/p2engine/convorch/internal/effect"
	"github.com/p2engine/convorch/internal/state"
	"github.com/p2engine/convorch/internal/telemetry"
)

// Executor runs a batch of effects for one agent step.
type Executor struct {
	ec      *effect.ExecContext
	policy  dedup.Policy
	log     telemetry.Logger
	metrics telemetry.Metrics
}

// New constructs an Executor.
func New(ec *effect.ExecContext, policy dedup.Policy, log telemetry.Logger, metrics telemetry.Metrics) *Executor {
	if policy == nil {
		policy = dedup.NonePolicy{}
	}
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Executor{ec: ec, policy: policy, log: log, metrics: metrics}
}

// Execute runs every effect in effects against the configured conversation.
// CallTool effects failing the dedup policy are skipped rather than
// executed; all other effects, and admitted CallTool effects, run via their
// Execute method. Individual effect failures are logged and swallowed so one
// bad effect never aborts the rest of the batch.
func (ex *Executor) Execute(ctx context.Context, conversationID, agentID, branchID string, effects []effect.Effect) {
	for _, eff := range effects {
		ct, isCallTool := eff.(effect.CallTool)
		if isCallTool {
			admit, err := ex.policy.ShouldExecute(ctx, dedup.CallTool{
				ConversationID: conversationID,
				AgentID:        agentID,
				BranchID:       branchID,
				ToolName:       ct.ToolName,
				Parameters:     ct.Parameters,
				SideEffectFree: ct.SideEffectFree,
			})
			if err != nil {
				ex.log.Error(ctx, "dedup_policy_error", "error", err.Error(), "tool", ct.ToolName)
				continue
			}
			if !admit {
				ex.skipDuplicate(ctx, conversationID, agentID, ct)
				continue
			}
		}

		if err := eff.Execute(ctx, ex.ec); err != nil {
			ex.log.Error(ctx, "effect_execute_failed", "kind", string(eff.Kind()), "error", err.Error())
			continue
		}
		ex.metrics.IncCounter("effect_executed", 1, "kind", string(eff.Kind()))
		ex.log.Info(ctx, "effect_executed", "kind", string(eff.Kind()))
	}
}

func (ex *Executor) skipDuplicate(ctx context.Context, conversationID, agentID string, ct effect.CallTool) {
	target, err := ex.ec.StackFor(ctx, conversationID, agentID)
	if err != nil {
		ex.log.Error(ctx, "skip_duplicate_stack_resolve_failed", "error", err.Error())
		return
	}
	if top, err := target.Current(ctx); err == nil && top != nil {
		if w, ok := top.State.(state.WaitingState); ok && w.CorrelationID == ct.ToolCallID {
			if _, err := target.Pop(ctx, 1); err != nil {
				ex.log.Error(ctx, "skip_duplicate_pop_wait_failed", "error", err.Error())
			}
		}
	}
	result := map[string]any{"status": "skipped", "message": "Duplicate call skipped by dedup policy"}
	if err := target.Push(ctx, state.ToolResultState{
		ToolCallID: ct.ToolCallID,
		ToolName:   ct.ToolName,
		Result:     result,
		Arguments:  ct.Parameters,
	}); err != nil {
		ex.log.Error(ctx, "skip_duplicate_push_failed", "error", err.Error())
		return
	}
	if err := ex.ec.Ticks.Enqueue(ctx, "process_session_tick", map[string]string{"conversation_id": conversationID}); err != nil {
		ex.log.Error(ctx, "skip_duplicate_enqueue_failed", "error", err.Error())
	}
	ex.metrics.IncCounter("effect_skipped", 1, "reason", "dedup")
	ex.log.Info(ctx, "duplicate_tool_call_skipped", "conversation_id", conversationID, "agent_id", agentID, "tool", ct.ToolName)
}
