package agentruntime

import "context"

// Message is one transcript turn rendered from the interaction stack for an
// Agent's Run call.
type Message struct {
	Role    string // "user", "assistant", "tool"
	Content string
}

// ToolCallRequest is an agent's request to invoke a named tool.
type ToolCallRequest struct {
	Name      string
	Arguments map[string]any
}

// Response is an Agent's answer for one turn: either a final reply, or a
// tool call it wants executed before it continues (mutually exclusive,
// matching the reference implementation's ReplySchema / FunctionCallSchema
// union).
type Response struct {
	Message  string
	ToolCall *ToolCallRequest
}

// Config tunes per-agent runtime behavior.
type Config struct {
	EnableSelfReflection bool
	ReflectionAgentID    string
}

// Agent is anything that can answer a rendered transcript. LLM-backed and
// deterministic (echo/tool-driven) implementations both satisfy it.
type Agent interface {
	ID() string
	Config() Config
	Run(ctx context.Context, transcript []Message) (Response, error)
}

// SelfReflecting is implemented by agents that can report how many
// self-reflection rounds have occurred on the current branch, used by
// handleFinished to cap reflections at Tunables.MaxReflections.
type SelfReflecting interface {
	Agent
	ReflectionCount(ctx context.Context, conversationID, branchID string) (int, error)
	RecordReflection(ctx context.Context, conversationID, branchID string) error
}
