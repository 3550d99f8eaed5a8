// Package posteffect runs after a tool result lands, turning certain tool
// outcomes into further orchestration actions — most importantly turning a
// "delegate" tool call into an actual AgentCallState push. Handlers are
// registered by name and looked up against the post_effects list a Tool
// declares in its definition.
package posteffect

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/effect"
	"github.com/p2engine/convorch/internal/state"
	"github.com/p2engine/convorch/internal/telemetry"
)

// Request bundles everything a post-effect handler needs to act.
type Request struct {
	ConversationID string
	AgentID        string
	Stack          effect.StackLike
	Parameters     map[string]any
	Result         map[string]any
	Redis          *redis.Client
}

// Handler runs one named post-effect and returns any further effects it
// implies.
type Handler func(ctx context.Context, req Request) ([]effect.Effect, error)

// Registry looks up and runs post-effect handlers by name.
type Registry struct {
	handlers map[string]Handler
	log      telemetry.Logger
}

// NewRegistry constructs a Registry pre-populated with the built-in handlers
// (agent_call, treasurer_payment, save_artifact, raise_event).
func NewRegistry(log telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	r := &Registry{handlers: make(map[string]Handler), log: log}
	r.Register("agent_call", handleAgentCall)
	r.Register("treasurer_payment", handleTreasurerPayment)
	r.Register("save_artifact", handleSaveArtifact)
	r.Register("raise_event", handleRaiseEvent)
	return r
}

// Register adds or overwrites a named handler.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Run dispatches to the named handler. An unknown name is logged and treated
// as a no-op, matching a misconfigured tool declaration rather than aborting
// the whole tick.
func (r *Registry) Run(ctx context.Context, name string, req Request) []effect.Effect {
	h, ok := r.handlers[name]
	if !ok {
		r.log.Warn(ctx, "unknown_post_effect", "post_effect", name, "conversation_id", req.ConversationID, "agent_id", req.AgentID)
		return nil
	}
	effects, err := h(ctx, req)
	if err != nil {
		r.log.Error(ctx, "post_effect_failed", "post_effect", name, "conversation_id", req.ConversationID, "agent_id", req.AgentID, "error", err.Error())
		return nil
	}
	return effects
}

// handleAgentCall turns a "delegate" tool's result into an AgentCallState
// push onto the calling agent's own stack, which handleAgentCall in
// agentruntime picks up on the next step.
func handleAgentCall(ctx context.Context, req Request) ([]effect.Effect, error) {
	childID, _ := req.Parameters["agent_id"].(string)
	if childID == "" {
		childID, _ = req.Result["child"].(string)
	}
	if childID == "" {
		return nil, fmt.Errorf("posteffect: agent_call missing target agent_id")
	}

	message, _ := req.Parameters["message"].(string)
	if err := req.Stack.Push(ctx, state.AgentCallState{AgentID: childID, Message: message}); err != nil {
		return nil, fmt.Errorf("posteffect: push agent call: %w", err)
	}
	return nil, nil
}

// handleTreasurerPayment converts an evaluation score into a tiered payment,
// routed through the treasurer agent's transfer_funds tool. A score below
// the lowest tier pays nothing.
func handleTreasurerPayment(_ context.Context, req Request) ([]effect.Effect, error) {
	score, _ := req.Result["score"].(float64)
	targetAgent, _ := req.Parameters["evaluated_agent"].(string)
	if targetAgent == "" {
		return nil, fmt.Errorf("posteffect: treasurer_payment missing evaluated_agent")
	}

	var amount int
	var reason string
	switch {
	case score >= 0.8:
		amount, reason = 25, fmt.Sprintf("Excellent performance (score: %.2f)", score)
	case score >= 0.6:
		amount, reason = 15, fmt.Sprintf("Good performance (score: %.2f)", score)
	case score >= 0.4:
		amount, reason = 10, fmt.Sprintf("Satisfactory performance (score: %.2f)", score)
	default:
		return nil, nil
	}

	return []effect.Effect{effect.CallTool{
		ConversationID: req.ConversationID,
		AgentID:        "treasurer",
		ToolName:       "transfer_funds",
		Parameters: map[string]any{
			"to_agent": targetAgent,
			"amount":   amount,
			"reason":   reason,
		},
		ToolCallID: fmt.Sprintf("treasurer_payment_%s_%.2f", targetAgent, score),
	}}, nil
}

// handleSaveArtifact and handleRaiseEvent are placeholders: the interaction
// stack already publishes every pushed state to the artifact bus, and no
// event bus exists yet for raise_event to target.
func handleSaveArtifact(context.Context, Request) ([]effect.Effect, error) { return nil, nil }

func handleRaiseEvent(context.Context, Request) ([]effect.Effect, error) { return nil, nil }
