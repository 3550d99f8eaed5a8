package agentruntime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/p2engine/convorch/internal/codec"
	"github.com/p2engine/convorch/internal/effect"
	"github.com/p2engine/convorch/internal/stack"
	"github.com/p2engine/convorch/internal/state"
)

func now() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// renderTranscript turns the last N interaction-stack entries into the
// plain Message list an Agent.Run call consumes, skipping entries that
// carry no conversational content (Waiting, ToolCall).
func renderTranscript(entries []stack.Entry, excludeAgentResult bool) []Message {
	var out []Message
	for _, e := range entries {
		switch v := e.State.(type) {
		case state.UserMessageState:
			out = append(out, Message{Role: "user", Content: v.Text})
		case state.UserResponseState:
			out = append(out, Message{Role: "user", Content: v.Text})
		case state.AssistantMessageState:
			if v.Content != "" {
				out = append(out, Message{Role: "assistant", Content: v.Content})
			}
		case state.ToolResultState:
			out = append(out, Message{Role: "tool", Content: fmt.Sprintf("%s -> %v", v.ToolName, v.Result)})
		case state.AgentResultState:
			if excludeAgentResult {
				continue
			}
			out = append(out, Message{Role: "tool", Content: fmt.Sprintf("delegate result: %v", v.Result)})
		}
	}
	return out
}

// handleUserMessage and handleUserResponse both re-invoke the agent against
// the rendered transcript and materialise whatever it answers.
func handleUserMessage(ctx context.Context, rt *Runtime, _ stack.Entry) ([]effect.Effect, error) {
	return runAndMaterialise(ctx, rt, false)
}

func handleUserResponse(ctx context.Context, rt *Runtime, _ stack.Entry) ([]effect.Effect, error) {
	return runAndMaterialise(ctx, rt, false)
}

func handleUserInputRequest(context.Context, *Runtime, stack.Entry) ([]effect.Effect, error) {
	return nil, nil
}

// handleToolResult re-invokes the agent once a tool result lands, unless the
// tool was the internal "delegate" marker (handled entirely by
// handleAgentCall instead). If the tool declared Reflect, a reflection
// prompt is pushed after materialising the agent's answer.
func handleToolResult(ctx context.Context, rt *Runtime, entry stack.Entry) ([]effect.Effect, error) {
	tr, ok := entry.State.(state.ToolResultState)
	if !ok {
		return nil, nil
	}
	if tr.ToolName == "delegate" {
		return nil, nil
	}

	effects, err := runAndMaterialise(ctx, rt, false)
	if err != nil {
		return nil, err
	}

	if rt.ReflectLookup != nil && rt.ReflectLookup(tr.ToolName) {
		if err := rt.stack.Push(ctx, state.UserMessageState{
			Text: "Reflect on the result of the tool call you just made and decide your next step.",
			Meta: "reflection:" + tr.ToolName,
		}); err != nil {
			return effects, fmt.Errorf("agentruntime: push reflection prompt: %w", err)
		}
	}
	return effects, nil
}

// handleWaiting is a no-op while the deadline hasn't passed. Once expired it
// settles the wait with a synthetic timeout result and, if nothing is
// upstream of this agent, finishes the turn.
func handleWaiting(ctx context.Context, rt *Runtime, entry stack.Entry) ([]effect.Effect, error) {
	w, ok := entry.State.(state.WaitingState)
	if !ok {
		return nil, nil
	}
	if !w.IsExpired(now()) {
		return nil, nil
	}

	if w.WaitKind == state.WaitingOnAgent {
		guardKey := fmt.Sprintf("expect_agent_result:%s:%s:%s", rt.stack.ConversationID(), rt.stack.AgentID(), w.CorrelationID)
		if exists, err := rt.Redis.Exists(ctx, guardKey).Result(); err == nil && exists > 0 {
			return nil, nil
		}
	}

	if _, err := rt.stack.Pop(ctx, 1); err != nil {
		return nil, fmt.Errorf("agentruntime: pop expired wait: %w", err)
	}

	var timeoutState state.State
	if w.WaitKind == state.WaitingOnAgent {
		timeoutState = state.AgentResultState{CorrelationID: w.CorrelationID, Result: map[string]any{"status": "timeout"}}
	} else {
		timeoutState = state.ToolResultState{ToolCallID: w.CorrelationID, Result: map[string]any{"status": "timeout"}}
	}
	if err := rt.stack.Push(ctx, timeoutState); err != nil {
		return nil, fmt.Errorf("agentruntime: push timeout state: %w", err)
	}

	parent, err := rt.stack.GetParentAgentID(ctx)
	if err != nil {
		return nil, fmt.Errorf("agentruntime: get parent agent id: %w", err)
	}
	if parent == "" {
		if err := markFinished(ctx, rt); err != nil {
			return nil, err
		}
	}

	return []effect.Effect{effect.PublishSystemReply{ConversationID: rt.stack.ConversationID(), Message: ""}}, nil
}

// handleAgentCall fires when this agent's own stack top is an AgentCallState
// pushed by the "agent_call" post-effect: it arms a wait for the delegate's
// answer and emits the PushToAgent effect that actually delivers the
// message.
func handleAgentCall(ctx context.Context, rt *Runtime, entry stack.Entry) ([]effect.Effect, error) {
	ac, ok := entry.State.(state.AgentCallState)
	if !ok {
		return nil, nil
	}

	if err := rt.stack.Push(ctx, state.AssistantMessageState{Content: "Hang on, checking that for you…"}); err != nil {
		return nil, fmt.Errorf("agentruntime: push placeholder: %w", err)
	}

	correlationID := uuid.NewString()
	deadline := now() + maxFloat(rt.tunables.ToolTimeoutSeconds, rt.tunables.MinAgentResponseSeconds, 300)

	const ttl = 24 * time.Hour
	conv, self := rt.stack.ConversationID(), rt.stack.AgentID()
	pipe := rt.Redis.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf("child_to_parent:%s:%s", conv, self), "", ttl)
	pipe.Set(ctx, fmt.Sprintf("agent_call_correlation:%s:%s", conv, self), correlationID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("agentruntime: set delegation pointers: %w", err)
	}

	if err := rt.stack.Push(ctx, state.WaitingState{WaitKind: state.WaitingOnAgent, Deadline: deadline, CorrelationID: correlationID}); err != nil {
		return nil, fmt.Errorf("agentruntime: push waiting: %w", err)
	}

	if err := rt.stack.MoveLastAgentCallRef(ctx, correlationID); err != nil {
		return nil, fmt.Errorf("agentruntime: move agentcall ref: %w", err)
	}

	guardTTL := time.Duration(deadline-now()+5) * time.Second
	rt.Redis.Set(ctx, fmt.Sprintf("expect_agent_result:%s:%s:%s", conv, self, correlationID), "1", guardTTL)

	return []effect.Effect{effect.PushToAgent{
		ConversationID: conv,
		TargetAgentID:  ac.AgentID,
		Message:        ac.Message,
		SenderAgentID:  self,
		CorrelationID:  correlationID,
	}}, nil
}

// handleAgentResult reacts to the delegate's answer landing on this agent's
// stack: a non-empty content result finishes the turn immediately, otherwise
// the agent is re-invoked (with the AgentResultState itself excluded from
// the rendered transcript, since its content already flows in as context).
func handleAgentResult(ctx context.Context, rt *Runtime, entry stack.Entry) ([]effect.Effect, error) {
	ar, ok := entry.State.(state.AgentResultState)
	if !ok {
		return nil, nil
	}

	if content, _ := ar.Result["content"].(string); content != "" {
		if err := rt.stack.Push(ctx, state.AssistantMessageState{Content: content}); err != nil {
			return nil, fmt.Errorf("agentruntime: push assistant message: %w", err)
		}
		if err := markFinished(ctx, rt); err != nil {
			return nil, err
		}
		return []effect.Effect{effect.PublishSystemReply{ConversationID: rt.stack.ConversationID(), Message: content}}, nil
	}

	effects, err := runAndMaterialise(ctx, rt, true)
	if err != nil {
		return nil, err
	}
	if err := markFinished(ctx, rt); err != nil {
		return nil, err
	}
	return effects, nil
}

// handleFinished implements end-of-turn bookkeeping: idempotent per
// (conversation, agent, branch), bubbles the result to a parent if this
// agent was delegated to, schedules auto-evaluation of the last assistant
// message, and optionally loops into self-reflection or a critic agent
// instead of truly ending.
func handleFinished(ctx context.Context, rt *Runtime, _ stack.Entry) ([]effect.Effect, error) {
	branch := rt.stack.CurrentBranch(ctx)
	guardKey := fmt.Sprintf("finished_once:%s:%s:%s", rt.stack.ConversationID(), rt.stack.AgentID(), branch)
	added, err := rt.Redis.SetNX(ctx, guardKey, "1", 24*time.Hour).Result()
	if err != nil {
		return nil, fmt.Errorf("agentruntime: finished guard: %w", err)
	}
	if !added {
		return nil, nil
	}

	var effects []effect.Effect

	parent, err := rt.stack.GetParentAgentID(ctx)
	if err != nil {
		return nil, fmt.Errorf("agentruntime: get parent agent id: %w", err)
	}
	correlationID, err := rt.stack.GetCorrelationID(ctx)
	if err != nil {
		return nil, fmt.Errorf("agentruntime: get correlation id: %w", err)
	}

	if parent != "" && correlationID != "" {
		finalText, err := rt.stack.GetLastAssistantMsg(ctx)
		if err != nil {
			rt.log.Error(ctx, "bubble_up_delegate_lookup_failed", "error", err.Error())
		} else if err := rt.ticks.Enqueue(ctx, "bubble_up_delegate", map[string]any{
			"conversation_id": rt.stack.ConversationID(),
			"target_agent_id": parent,
			"correlation_id":  correlationID,
			"child_agent_id":  rt.stack.AgentID(),
			"result":          map[string]any{"content": finalText},
		}); err != nil {
			rt.log.Error(ctx, "bubble_up_delegate_enqueue_failed", "error", err.Error())
		}
	}

	if rt.bus != nil && rt.EvaluatorID != "" {
		if lastAssistantRef, err := rt.Redis.Get(ctx, fmt.Sprintf("stack:%s:%s:last_assistant_ref", rt.stack.ConversationID(), rt.stack.AgentID())).Result(); err == nil && lastAssistantRef != "" {
			if _, err := rt.bus.CreateEvaluationFor(ctx, lastAssistantRef, rt.EvaluatorID, rt.JudgeVersion, nil); err != nil {
				rt.log.Warn(ctx, "auto_evaluation_skipped", "error", err.Error())
			}
		}
	}

	if sr, ok := rt.agent.(SelfReflecting); ok && rt.agent.Config().EnableSelfReflection {
		count, err := sr.ReflectionCount(ctx, rt.stack.ConversationID(), branch)
		if err != nil {
			return nil, fmt.Errorf("agentruntime: reflection count: %w", err)
		}
		if count < rt.tunables.MaxReflections {
			if err := sr.RecordReflection(ctx, rt.stack.ConversationID(), branch); err != nil {
				return nil, fmt.Errorf("agentruntime: record reflection: %w", err)
			}
			if err := rt.stack.Push(ctx, state.UserMessageState{Text: "Before finishing, reflect once more on your answer."}); err != nil {
				return nil, fmt.Errorf("agentruntime: push self-reflection prompt: %w", err)
			}
			return effects, nil
		}
	} else if critic := rt.agent.Config().ReflectionAgentID; critic != "" {
		if err := rt.stack.Push(ctx, state.AgentCallState{AgentID: critic, Message: "Review this conversation's final answer."}); err != nil {
			return nil, fmt.Errorf("agentruntime: push critic call: %w", err)
		}
		correlationID := uuid.NewString()
		if err := rt.stack.Push(ctx, state.WaitingState{WaitKind: state.WaitingOnAgent, Deadline: now() + 300, CorrelationID: correlationID}); err != nil {
			return nil, fmt.Errorf("agentruntime: push critic wait: %w", err)
		}
		return append(effects, effect.PushToAgent{
			ConversationID: rt.stack.ConversationID(),
			TargetAgentID:  critic,
			Message:        "Review this conversation's final answer.",
			SenderAgentID:  rt.stack.AgentID(),
			CorrelationID:  correlationID,
		}), nil
	}

	return effects, nil
}

// runAndMaterialise renders the transcript, invokes the agent, and turns its
// Response into stack pushes and effects.
func runAndMaterialise(ctx context.Context, rt *Runtime, excludeAgentResult bool) ([]effect.Effect, error) {
	entries, err := rt.stack.IterLastN(ctx, 100)
	if err != nil {
		return nil, fmt.Errorf("agentruntime: render transcript: %w", err)
	}
	resp, err := rt.agent.Run(ctx, renderTranscript(entries, excludeAgentResult))
	if err != nil {
		return nil, fmt.Errorf("agentruntime: agent run: %w", err)
	}
	return materialiseResponse(ctx, rt, resp)
}

// materialiseResponse pushes the agent's answer onto the stack and derives
// any effects it implies. A plain reply finishes the turn on every branch (a
// delegated child needs its FinishedState so handleFinished bubbles the
// result up) and is published as the system reply only when the agent has
// no parent. A tool call either swallows a duplicate in-flight request, nudges
// the user to wait for the current one, or arms a new wait and emits
// CallTool.
func materialiseResponse(ctx context.Context, rt *Runtime, resp Response) ([]effect.Effect, error) {
	if resp.ToolCall == nil {
		if err := rt.stack.Push(ctx, state.AssistantMessageState{Content: resp.Message}); err != nil {
			return nil, fmt.Errorf("agentruntime: push assistant message: %w", err)
		}

		parent, err := rt.stack.GetParentAgentID(ctx)
		if err != nil {
			return nil, fmt.Errorf("agentruntime: get parent agent id: %w", err)
		}
		if err := markFinished(ctx, rt); err != nil {
			return nil, err
		}
		if parent != "" {
			return nil, nil
		}
		return []effect.Effect{effect.PublishSystemReply{ConversationID: rt.stack.ConversationID(), Message: resp.Message}}, nil
	}

	toolHash := stack.HashToolCall(resp.ToolCall.Name, resp.ToolCall.Arguments)

	cur, err := rt.stack.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("agentruntime: read current: %w", err)
	}
	if cur != nil {
		if w, ok := cur.State.(state.WaitingState); ok && w.WaitKind == state.WaitingOnTool {
			if w.CorrelationID == toolHash {
				return nil, nil
			}
			return []effect.Effect{effect.PublishSystemReply{
				ConversationID: rt.stack.ConversationID(),
				Message:        "Let's finish the current action before starting another.",
			}}, nil
		}
	}

	deadline := now() + rt.tunables.ToolTimeoutSeconds
	if err := rt.stack.Push(ctx,
		state.ToolCallState{ID: toolHash, FunctionName: resp.ToolCall.Name, Arguments: resp.ToolCall.Arguments},
		state.WaitingState{WaitKind: state.WaitingOnTool, Deadline: deadline, CorrelationID: toolHash},
	); err != nil {
		return nil, fmt.Errorf("agentruntime: push tool call and wait: %w", err)
	}

	envelope, err := codec.Encode(state.ToolCallState{ID: toolHash, FunctionName: resp.ToolCall.Name, Arguments: resp.ToolCall.Arguments}, now())
	if err != nil {
		return nil, fmt.Errorf("agentruntime: encode tool call envelope: %w", err)
	}

	return []effect.Effect{effect.CallTool{
		ConversationID: rt.stack.ConversationID(),
		AgentID:        rt.stack.AgentID(),
		BranchID:       rt.stack.CurrentBranch(ctx),
		ToolName:       resp.ToolCall.Name,
		Parameters:     resp.ToolCall.Arguments,
		ToolCallID:     toolHash,
		ToolStateEnv:   string(envelope),
	}}, nil
}

// markFinished pushes a FinishedState unless the branch is a root CLI
// session branch (kept open for further turns), is already finished, or has
// an unexpired wait still outstanding.
func markFinished(ctx context.Context, rt *Runtime) error {
	cur, err := rt.stack.Current(ctx)
	if err != nil {
		return fmt.Errorf("agentruntime: read current for finish: %w", err)
	}
	if cur != nil {
		if _, ok := cur.State.(state.FinishedState); ok {
			return nil
		}
	}

	parent, err := rt.stack.GetParentAgentID(ctx)
	if err != nil {
		return fmt.Errorf("agentruntime: get parent agent id: %w", err)
	}
	if parent == "" {
		isCLI, err := rt.Redis.Get(ctx, fmt.Sprintf("conversation:%s:is_cli", rt.stack.ConversationID())).Result()
		if err == nil && isCLI == "1" {
			return nil
		}
	}

	entries, err := rt.stack.IterLastN(ctx, 20)
	if err != nil {
		return fmt.Errorf("agentruntime: scan for outstanding waits: %w", err)
	}
	for _, e := range entries {
		if w, ok := e.State.(state.WaitingState); ok && !w.IsExpired(now()) {
			return nil
		}
	}

	if err := rt.stack.Push(ctx, state.FinishedState{}); err != nil {
		return fmt.Errorf("agentruntime: push finished: %w", err)
	}
	return rt.registry.MarkFinished(ctx, rt.stack.AgentID())
}

func maxFloat(vs ...float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
