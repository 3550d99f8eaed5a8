// Package echo provides a deterministic, no-network Agent implementation
// used for local development, integration tests, and CLI demos where a real
// Anthropic API key is unavailable.
package echo

import (
	"context"
	"fmt"
	"strings"

	"github.com/p2engine/convorch/internal/agentruntime"
)

// Agent echoes the last user-facing message back, optionally routing a
// recognized trigger word to a tool call instead. It carries no state beyond
// its configuration, so one instance can serve every conversation.
type Agent struct {
	id       string
	cfg      agentruntime.Config
	triggers map[string]string // lowercased trigger word -> tool name
}

// New constructs an echo Agent. triggers maps a lowercase substring of the
// last user message to a tool name; when matched, Run emits a ToolCall with
// the matched text as its "query" argument instead of echoing.
func New(id string, cfg agentruntime.Config, triggers map[string]string) *Agent {
	return &Agent{id: id, cfg: cfg, triggers: triggers}
}

// ID returns the agent's identifier.
func (a *Agent) ID() string { return a.id }

// Config returns the agent's runtime tuning knobs.
func (a *Agent) Config() agentruntime.Config { return a.cfg }

// Run inspects the last message in transcript, whatever its role: a trigger word
// issues a tool call, a tool result is echoed back as the answer, and
// anything else is echoed verbatim with an "Echo: " prefix.
func (a *Agent) Run(_ context.Context, transcript []agentruntime.Message) (agentruntime.Response, error) {
	if len(transcript) == 0 {
		return agentruntime.Response{}, fmt.Errorf("echo: transcript is required")
	}
	last := transcript[len(transcript)-1]

	if last.Role == "tool" {
		return agentruntime.Response{Message: fmt.Sprintf("Echo: %s", last.Content)}, nil
	}

	lower := strings.ToLower(last.Content)
	for trigger, toolName := range a.triggers {
		if strings.Contains(lower, trigger) {
			return agentruntime.Response{ToolCall: &agentruntime.ToolCallRequest{
				Name:      toolName,
				Arguments: map[string]any{"query": last.Content},
			}}, nil
		}
	}

	return agentruntime.Response{Message: fmt.Sprintf("Echo: %s", last.Content)}, nil
}
