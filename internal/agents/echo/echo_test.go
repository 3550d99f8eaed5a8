package echo

import (
	"context"
	"testing"

	"github.com/p2engine/convorch/internal/agentruntime"
)

func TestRunEchoesPlainUserMessage(t *testing.T) {
	a := New("echo-1", agentruntime.Config{}, nil)
	resp, err := a.Run(context.Background(), []agentruntime.Message{{Role: "user", Content: "hello there"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.ToolCall != nil {
		t.Fatalf("expected no tool call, got %+v", resp.ToolCall)
	}
	if resp.Message != "Echo: hello there" {
		t.Fatalf("unexpected message: %q", resp.Message)
	}
}

func TestRunEchoesToolResult(t *testing.T) {
	a := New("echo-1", agentruntime.Config{}, nil)
	resp, err := a.Run(context.Background(), []agentruntime.Message{{Role: "tool", Content: "42"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Message != "Echo: 42" {
		t.Fatalf("unexpected message: %q", resp.Message)
	}
}

func TestRunMatchesTriggerWordWithToolCall(t *testing.T) {
	a := New("echo-1", agentruntime.Config{}, map[string]string{"weather": "get_weather"})
	resp, err := a.Run(context.Background(), []agentruntime.Message{{Role: "user", Content: "what's the Weather like"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.ToolCall == nil {
		t.Fatal("expected a tool call for the matched trigger")
	}
	if resp.ToolCall.Name != "get_weather" {
		t.Fatalf("unexpected tool name: %q", resp.ToolCall.Name)
	}
	if resp.ToolCall.Arguments["query"] != "what's the Weather like" {
		t.Fatalf("unexpected query argument: %+v", resp.ToolCall.Arguments)
	}
}

func TestRunRejectsEmptyTranscript(t *testing.T) {
	a := New("echo-1", agentruntime.Config{}, nil)
	if _, err := a.Run(context.Background(), nil); err == nil {
		t.Fatal("expected an error for an empty transcript")
	}
}

func TestIDAndConfigAccessors(t *testing.T) {
	cfg := agentruntime.Config{EnableSelfReflection: true, ReflectionAgentID: "critic"}
	a := New("echo-1", cfg, nil)
	if a.ID() != "echo-1" {
		t.Fatalf("unexpected id: %q", a.ID())
	}
	if a.Config() != cfg {
		t.Fatalf("unexpected config: %+v", a.Config())
	}
}
