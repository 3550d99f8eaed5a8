// Package llm implements agentruntime.Agent on top of the Anthropic Claude
// Messages API, translating the engine's rendered transcript and tool
// registry into a Messages.New call and the response back into a
// agentruntime.Response.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/agentruntime"
	"github.com/p2engine/convorch/internal/tools"
)

// MessagesClient captures the subset of the Anthropic SDK used by Agent. It
// is satisfied by *sdk.MessageService so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures an Agent's defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	// ToolNames lists the tools this agent may call. Empty means every tool
	// currently in the registry.
	ToolNames []string
	// SystemPrompt is the agent's persona/behavior instructions, prefixed
	// to every request as a system block.
	SystemPrompt string
	agentruntime.Config
}

// Agent is the Anthropic-backed implementation of agentruntime.Agent,
// modeled on the reference LLMAgent: it builds the tool schema for its
// configured tool set and fires a single Messages.New call per turn. Redis is
// used only for the per-branch reflection counter.
type Agent struct {
	id        string
	msg       MessagesClient
	toolReg   *tools.Registry
	redis     *redis.Client
	opts      Options
	toolNames []string
}

// New constructs an Agent. toolReg may be nil for agents with no tools.
func New(id string, msg MessagesClient, toolReg *tools.Registry, rdb *redis.Client, opts Options) (*Agent, error) {
	if id == "" {
		return nil, errors.New("llm: agent id is required")
	}
	if msg == nil {
		return nil, errors.New("llm: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("llm: model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Agent{id: id, msg: msg, toolReg: toolReg, redis: rdb, opts: opts, toolNames: opts.ToolNames}, nil
}

// NewFromAPIKey constructs an Agent using the default Anthropic HTTP client,
// reading apiKey directly rather than from the environment.
func NewFromAPIKey(id, apiKey string, toolReg *tools.Registry, rdb *redis.Client, opts Options) (*Agent, error) {
	if apiKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(id, &client.Messages, toolReg, rdb, opts)
}

// ID returns the agent's identifier.
func (a *Agent) ID() string { return a.id }

// Config returns the agent's runtime tuning knobs.
func (a *Agent) Config() agentruntime.Config { return a.opts.Config }

// ReflectionCount and RecordReflection implement agentruntime.SelfReflecting
// with a Redis counter keyed by branch, a simplification of the reference
// implementation's per-call scan over every AssistantMessageState entry
// tagged "reflection" on the stack.
func (a *Agent) ReflectionCount(ctx context.Context, conversationID, branchID string) (int, error) {
	if a.redis == nil {
		return 0, nil
	}
	n, err := a.redis.Get(ctx, reflectionCountKey(a.id, conversationID, branchID)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("llm: get reflection count: %w", err)
	}
	return n, nil
}

func (a *Agent) RecordReflection(ctx context.Context, conversationID, branchID string) error {
	if a.redis == nil {
		return nil
	}
	key := reflectionCountKey(a.id, conversationID, branchID)
	if err := a.redis.Incr(ctx, key).Err(); err != nil {
		return fmt.Errorf("llm: incr reflection count: %w", err)
	}
	a.redis.Expire(ctx, key, 24*time.Hour)
	return nil
}

func reflectionCountKey(agentID, conversationID, branchID string) string {
	return fmt.Sprintf("reflection_count:%s:%s:%s", agentID, conversationID, branchID)
}

// Run renders transcript into a Messages.New request and translates the
// response into a single reply or tool-call.
func (a *Agent) Run(ctx context.Context, transcript []agentruntime.Message) (agentruntime.Response, error) {
	if len(transcript) == 0 {
		return agentruntime.Response{}, errors.New("llm: transcript is required")
	}

	toolDefs := a.resolveTools()
	toolParams, nameMap, err := encodeTools(toolDefs)
	if err != nil {
		return agentruntime.Response{}, err
	}

	msgs, err := encodeMessages(transcript)
	if err != nil {
		return agentruntime.Response{}, err
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(a.opts.MaxTokens),
		Messages:  msgs,
		Model:     sdk.Model(a.opts.Model),
	}
	if a.opts.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: a.opts.SystemPrompt}}
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if a.opts.Temperature > 0 {
		params.Temperature = sdk.Float(a.opts.Temperature)
	}

	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return agentruntime.Response{}, fmt.Errorf("llm: messages.new: %w", err)
	}
	return translateResponse(msg, nameMap)
}

// resolveTools returns the *tools.Tool set this agent should offer the
// model, honoring an explicit ToolNames list or falling back to everything
// registered.
func (a *Agent) resolveTools() []*tools.Tool {
	if a.toolReg == nil {
		return nil
	}
	names := a.toolNames
	if len(names) == 0 {
		names = a.toolReg.Names()
	}
	out := make([]*tools.Tool, 0, len(names))
	for _, n := range names {
		if t, ok := a.toolReg.Get(n); ok {
			out = append(out, t)
		}
	}
	return out
}

func encodeMessages(transcript []agentruntime.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(transcript))
	for _, m := range transcript {
		switch m.Role {
		case "user", "tool":
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case "assistant":
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, fmt.Errorf("llm: unsupported transcript role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("llm: at least one message is required")
	}
	return out, nil
}

// encodeTools builds the Anthropic tool schema list for defs, sanitizing
// names to the provider's allowed character set and returning a
// sanitized-to-canonical map for translating tool_use blocks back.
func encodeTools(defs []*tools.Tool) ([]sdk.ToolUnionParam, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, t := range defs {
		sanitized := sanitizeToolName(t.Name)
		if prev, ok := sanToCanon[sanitized]; ok && prev != t.Name {
			return nil, nil, fmt.Errorf("llm: tool name %q sanitizes to %q which collides with %q", t.Name, sanitized, prev)
		}
		sanToCanon[sanitized] = t.Name

		schema := sdk.ToolInputSchemaParam{}
		if t.InputSchemaDoc != nil {
			schema.ExtraFields = t.InputSchemaDoc
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out, sanToCanon, nil
}

func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return strings.TrimPrefix(string(out), "_")
}

// translateResponse turns the first text or tool_use block of msg into a
// agentruntime.Response, matching the reference LLMAgent: a text reply and a
// tool call are mutually exclusive, and the first tool call wins.
func translateResponse(msg *sdk.Message, nameMap map[string]string) (agentruntime.Response, error) {
	if msg == nil {
		return agentruntime.Response{}, errors.New("llm: response message is nil")
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				return agentruntime.Response{Message: block.Text}, nil
			}
		case "tool_use":
			name := block.Name
			if canonical, ok := nameMap[name]; ok {
				name = canonical
			}
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return agentruntime.Response{}, fmt.Errorf("llm: decode tool_use input: %w", err)
				}
			}
			return agentruntime.Response{ToolCall: &agentruntime.ToolCallRequest{Name: name, Arguments: args}}, nil
		}
	}
	return agentruntime.Response{Message: "No response generated."}, nil
}
