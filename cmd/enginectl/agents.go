package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/agentruntime"
	"github.com/p2engine/convorch/internal/agents/echo"
	"github.com/p2engine/convorch/internal/agents/llm"
	"github.com/p2engine/convorch/internal/config"
	"github.com/p2engine/convorch/internal/tools"
)

// echoAgent builds the deployment's fallback agent, used whenever no
// provider key is configured so the engine is demoable offline. A message
// containing "remember" triggers its one built-in tool, "note".
func echoAgent() *echo.Agent {
	return echo.New("assistant", agentruntime.Config{}, map[string]string{
		"remember": "note",
	})
}

// llmAgent builds the deployment's Anthropic-backed agent.
func llmAgent(toolsReg *tools.Registry, rdb *redis.Client, cfg config.Config) (*llm.Agent, error) {
	return llm.NewFromAPIKey("assistant", cfg.AnthropicAPIKey, toolsReg, rdb, llm.Options{
		Model:        cfg.AnthropicModel,
		MaxTokens:    4096,
		SystemPrompt: "You are a helpful assistant participating in a multi-agent conversation.",
	})
}

// registerBuiltinTools registers the engine's one demo tool: "note", which
// records an arbitrary string against the calling agent's branch without any
// external side effect, exercising the tool/registry plumbing end to end
// without assuming any particular deployment's domain tools.
func registerBuiltinTools(reg *tools.Registry) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "the text to record"},
		},
		"required": []string{"query"},
	}
	compiled, err := tools.CompileSchema("note", schema)
	if err != nil {
		panic(fmt.Sprintf("enginectl: compile built-in note schema: %v", err))
	}
	reg.Register(&tools.Tool{
		Name:           "note",
		Description:    "Record a short note for later recall.",
		InputSchemaDoc: schema,
		InputSchema:    compiled,
		SideEffectFree: true,
		Fn: func(_ context.Context, params map[string]any) (tools.Result, error) {
			text, _ := params["query"].(string)
			return tools.Result{Status: "ok", Data: map[string]any{"recorded": text}}, nil
		},
	})
}
