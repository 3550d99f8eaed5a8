// Package tools defines the contract a callable tool must satisfy and a
// registry agents consult when dispatching a ToolCallState. Input (and
// optionally output) shapes are validated against JSON Schema before and
// after the tool body runs, mirroring the reference implementation's
// pydantic-backed FunctionTool.
package tools

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/redis/go-redis/v9"
)

// Result is the normalized outcome of a tool invocation.
type Result struct {
	Status  string         `json:"status"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Reward  *float64       `json:"reward,omitempty"`
}

// Func is the tool body: validated parameters in, a result out.
type Func func(ctx context.Context, params map[string]any) (Result, error)

// Tool describes one callable tool and its validation/caching policy.
type Tool struct {
	Name        string
	Description string
	// InputSchemaDoc is the raw JSON Schema document describing Fn's
	// parameters, exposed verbatim to LLM-backed agents building a
	// provider tool definition. InputSchema is the same document compiled
	// with CompileSchema for runtime validation; the caller sets both.
	InputSchemaDoc map[string]any
	InputSchema    *jsonschema.Schema
	OutputSchema   *jsonschema.Schema
	PostEffects    []string
	SideEffectFree bool
	CacheTTL       time.Duration
	DedupTTL       time.Duration
	Reflect        bool
	Fn             Func
}

// CompileSchema compiles a JSON Schema document (as a Go map, e.g. decoded
// from JSON) for use as a Tool's InputSchema/OutputSchema.
func CompileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("tools: marshal schema %s: %w", name, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("tools: unmarshal schema %s: %w", name, err)
	}
	url := "mem://" + name + ".json"
	if err := c.AddResource(url, v); err != nil {
		return nil, fmt.Errorf("tools: add schema resource %s: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema %s: %w", name, err)
	}
	return sch, nil
}

// Registry holds every tool available to agent runtimes, keyed by name.
type Registry struct {
	tools map[string]*Tool
	rdb   *redis.Client
}

// NewRegistry constructs an empty Registry. rdb is used for optional
// result caching; it may be nil if no tool declares a CacheTTL.
func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{tools: make(map[string]*Tool), rdb: rdb}
}

// Register adds t to the registry, overwriting any prior tool of the same
// name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name, resolved for callers that need
// a default tool set (e.g. an agent with no explicit tool_names override).
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// cacheKey derives a deterministic cache key from a tool name and its
// sorted-by-key JSON parameters.
func cacheKey(name string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sorted := make(map[string]any, len(params))
	for _, k := range keys {
		sorted[k] = params[k]
	}
	blob, _ := json.Marshal(sorted)
	sum := sha1.Sum(blob)
	return fmt.Sprintf("tool_cache:%s:%s", name, hex.EncodeToString(sum[:]))
}

// Invoke validates params against the tool's InputSchema (if set), checks
// the Redis cache when CacheTTL is configured, runs the tool body, validates
// the result's Data against OutputSchema (if set), and caches the outcome.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("tools: unknown tool %q", name)
	}

	if t.InputSchema != nil {
		if err := t.InputSchema.Validate(params); err != nil {
			return Result{Status: "error", Message: fmt.Sprintf("invalid input: %v", err)}, nil
		}
	}

	var ck string
	if t.CacheTTL > 0 && r.rdb != nil {
		ck = cacheKey(name, params)
		if cached, err := r.rdb.Get(ctx, ck).Result(); err == nil && cached != "" {
			var res Result
			if err := json.Unmarshal([]byte(cached), &res); err == nil {
				return res, nil
			}
		}
	}

	res, err := t.Fn(ctx, params)
	if err != nil {
		return Result{Status: "error", Message: err.Error()}, nil
	}
	if res.Status == "" {
		res.Status = "ok"
	}

	if t.OutputSchema != nil && res.Data != nil {
		if err := t.OutputSchema.Validate(res.Data); err != nil {
			return Result{Status: "error", Message: fmt.Sprintf("invalid output: %v", err)}, nil
		}
	}

	if ck != "" {
		if blob, err := json.Marshal(res); err == nil {
			r.rdb.Set(ctx, ck, blob, t.CacheTTL)
		}
	}

	return res, nil
}
