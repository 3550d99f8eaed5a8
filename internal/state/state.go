// Package state defines the interaction-stack entry variants pushed and
// popped by the session stack. Every variant is a plain struct implementing
// State; the set is closed (see Kind) so the runtime dispatcher can switch
// exhaustively over it.
package state

// Kind tags a State for wire encoding and dispatch. Values are stable across
// releases; codec.Decode rejects an envelope whose stored version exceeds a
// variant's Version().
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindUserResponse     Kind = "user_response"
	KindUserInputRequest Kind = "user_input_request"
	KindAssistantMessage Kind = "assistant_message"
	KindToolCall         Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
	KindAgentCall        Kind = "agent_call"
	KindAgentResult      Kind = "agent_result"
	KindWaiting          Kind = "waiting"
	KindFinished         Kind = "finished"
)

// State is implemented by every interaction-stack entry variant.
type State interface {
	Kind() Kind
	Version() int
}

// Terminal is implemented by states that end an agent's turn on a branch.
// Only FinishedState implements it today but handlers should test via the
// interface rather than a type switch on FinishedState directly.
type Terminal interface {
	State
	IsTerminal() bool
}

// UserMessageState is an inbound message from a user or a parent agent
// (PushToAgent delivers its message this way).
type UserMessageState struct {
	Text string `json:"text"`
	Meta string `json:"meta,omitempty"`
}

func (UserMessageState) Kind() Kind { return KindUserMessage }
func (UserMessageState) Version() int { return 1 }

// UserResponseState is a user's reply to a UserInputRequestState.
type UserResponseState struct {
	Text string `json:"text"`
}

func (UserResponseState) Kind() Kind { return KindUserResponse }
func (UserResponseState) Version() int { return 1 }

// UserInputRequestState records that the agent asked the user a question and
// is waiting on a UserResponseState.
type UserInputRequestState struct {
	Text string `json:"text"`
}

func (UserInputRequestState) Kind() Kind { return KindUserInputRequest }
func (UserInputRequestState) Version() int { return 1 }

// AssistantMessageState is the agent's own reply, with optional tool calls
// the agent requested in the same turn.
type AssistantMessageState struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []map[string]any `json:"tool_calls,omitempty"`
	Meta      string           `json:"meta,omitempty"`
}

func (AssistantMessageState) Kind() Kind { return KindAssistantMessage }
func (AssistantMessageState) Version() int { return 1 }

// ToolCallState records a tool invocation the agent requested.
type ToolCallState struct {
	ID           string         `json:"id"`
	FunctionName string         `json:"function_name"`
	Arguments    map[string]any `json:"arguments"`
}

func (ToolCallState) Kind() Kind { return KindToolCall }
func (ToolCallState) Version() int { return 1 }

// ToolResultState is the outcome of a tool call, pushed by the tool worker
// once it settles the matching WaitingState.
type ToolResultState struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Result     map[string]any `json:"result"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Reward     *float64       `json:"reward,omitempty"`
}

func (ToolResultState) Kind() Kind { return KindToolResult }
func (ToolResultState) Version() int { return 1 }

// AgentCallState records that this agent delegated to another agent.
type AgentCallState struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

func (AgentCallState) Kind() Kind { return KindAgentCall }
func (AgentCallState) Version() int { return 1 }

// AgentResultState is the delegated agent's answer, bubbled back via
// PushAgentResult.
type AgentResultState struct {
	CorrelationID string         `json:"correlation_id"`
	Result        map[string]any `json:"result"`
	Score         *float64       `json:"score,omitempty"`
}

func (AgentResultState) Kind() Kind { return KindAgentResult }
func (AgentResultState) Version() int { return 1 }

// WaitingKind distinguishes what an agent is blocked on.
type WaitingKind string

const (
	WaitingOnLLM       WaitingKind = "llm"
	WaitingOnTool      WaitingKind = "tool"
	WaitingOnAgent     WaitingKind = "agent"
	WaitingOnUserInput WaitingKind = "user_input"
)

// WaitingState marks the top of a branch as blocked until a deadline or a
// settling push (tool result, agent result, user response) arrives.
type WaitingState struct {
	WaitKind      WaitingKind `json:"kind"`
	Deadline      float64     `json:"deadline"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

func (WaitingState) Kind() Kind { return KindWaiting }
func (WaitingState) Version() int { return 1 }

// Remaining returns the seconds left before the deadline (may be negative).
func (w WaitingState) Remaining(now float64) float64 {
	return w.Deadline - now
}

// IsExpired reports whether now has passed the deadline.
func (w WaitingState) IsExpired(now float64) bool {
	return now >= w.Deadline
}

// FinishedState is the terminal marker for a branch turn. Once pushed, the
// agent runtime stops stepping that branch until a new non-finished state
// arrives (e.g. a fresh UserMessageState).
type FinishedState struct{}

func (FinishedState) Kind() Kind { return KindFinished }
func (FinishedState) Version() int { return 1 }
func (FinishedState) IsTerminal() bool { return true }
