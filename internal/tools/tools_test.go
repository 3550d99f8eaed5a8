package tools

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/redistest"
)

var harness *redistest.Harness

func TestMain(m *testing.M) {
	ctx := context.Background()
	harness = redistest.Start(ctx)
	code := m.Run()
	harness.Stop(ctx)
	os.Exit(code)
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	return harness.Require(t)
}

func echoTool() *Tool {
	return &Tool{
		Name: "echo",
		Fn: func(ctx context.Context, params map[string]any) (Result, error) {
			return Result{Status: "ok", Data: map[string]any{"echoed": params["text"]}}, nil
		},
	}
}

func TestInvokeUnknownToolErrors(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Invoke(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected an error for an unregistered tool")
	}
}

func TestInvokeRunsRegisteredTool(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoTool())
	res, err := r.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Status != "ok" || res.Data["echoed"] != "hi" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvokeValidatesInputSchema(t *testing.T) {
	schema, err := CompileSchema("greet", map[string]any{
		"type":                 "object",
		"required":             []any{"name"},
		"properties":           map[string]any{"name": map[string]any{"type": "string"}},
		"additionalProperties": false,
	})
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	r := NewRegistry(nil)
	r.Register(&Tool{
		Name:        "greet",
		InputSchema: schema,
		Fn: func(ctx context.Context, params map[string]any) (Result, error) {
			return Result{Status: "ok"}, nil
		},
	})

	res, err := r.Invoke(context.Background(), "greet", map[string]any{"age": 5})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Status != "error" {
		t.Fatalf("expected a validation error result, got %+v", res)
	}
}

func TestInvokeConvertsBodyErrorIntoErrorResult(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&Tool{
		Name: "boom",
		Fn: func(ctx context.Context, params map[string]any) (Result, error) {
			return Result{}, errors.New("kaboom")
		},
	})
	res, err := r.Invoke(context.Background(), "boom", nil)
	if err != nil {
		t.Fatalf("invoke itself should not error, got %v", err)
	}
	if res.Status != "error" || res.Message != "kaboom" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvokeCachesResultAcrossCalls(t *testing.T) {
	rdb := getRedis(t)
	calls := 0
	r := NewRegistry(rdb)
	r.Register(&Tool{
		Name:     "counted",
		CacheTTL: time.Minute,
		Fn: func(ctx context.Context, params map[string]any) (Result, error) {
			calls++
			return Result{Status: "ok", Data: map[string]any{"calls": calls}}, nil
		},
	})

	first, err := r.Invoke(context.Background(), "counted", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	second, err := r.Invoke(context.Background(), "counted", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the tool body to run once due to caching, ran %d times", calls)
	}
	if first.Status != second.Status {
		t.Fatalf("expected cached result to match first call: %+v vs %+v", first, second)
	}
}

func TestNamesReturnsSortedRegisteredTools(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&Tool{Name: "zeta", Fn: func(ctx context.Context, p map[string]any) (Result, error) { return Result{}, nil }})
	r.Register(&Tool{Name: "alpha", Fn: func(ctx context.Context, p map[string]any) (Result, error) { return Result{}, nil }})

	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("expected sorted [alpha zeta], got %v", names)
	}
}
