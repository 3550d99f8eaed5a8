// Package dedup implements the three duplicate-tool-call policies the
// effect executor consults before admitting a CallTool effect: None always
// admits, Penalty always admits but records the duplicate for metrics, and
// Strict blocks duplicates of tools not declared side-effect-free.
package dedup

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/telemetry"
)

// CallTool is the minimal view of an effect a Policy needs to key and judge
// deduplication, decoupled from the effect package so dedup does not import
// it; effectexec converts an effect.CallTool into this type.
type CallTool struct {
	ConversationID  string
	AgentID         string
	BranchID        string
	ToolName        string
	Parameters      map[string]any
	SideEffectFree  bool
}

// Policy decides whether a CallTool effect should be executed.
type Policy interface {
	Name() string
	ShouldExecute(ctx context.Context, c CallTool) (bool, error)
}

// DefaultTTL is how long a dedup guard key lives once set, matching the
// reference implementation's 24h default.
const DefaultTTL = 24 * time.Hour

func key(c CallTool) string {
	blob, _ := json.Marshal(struct {
		Name   string         `json:"name"`
		Params map[string]any `json:"params"`
	}{Name: c.ToolName, Params: sortedParams(c.Parameters)})
	sum := sha1.Sum(blob)
	return fmt.Sprintf("dedup:%s:%s:%s:%s", c.ConversationID, c.AgentID, c.BranchID, hex.EncodeToString(sum[:]))
}

func sortedParams(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(m))
	for _, k := range keys {
		out[k] = m[k]
	}
	return out
}

// NonePolicy never blocks and never deduplicates.
type NonePolicy struct{}

func (NonePolicy) Name() string { return "none" }

func (NonePolicy) ShouldExecute(context.Context, CallTool) (bool, error) { return true, nil }

// PenaltyPolicy records duplicate calls for metrics/audit but always admits
// execution — "penalty" refers to the (future) scoring impact, not blocking.
type PenaltyPolicy struct {
	rdb     *redis.Client
	ttl     time.Duration
	metrics telemetry.Metrics
}

// NewPenaltyPolicy constructs a PenaltyPolicy backed by rdb.
func NewPenaltyPolicy(rdb *redis.Client, metrics telemetry.Metrics, ttl time.Duration) *PenaltyPolicy {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &PenaltyPolicy{rdb: rdb, ttl: ttl, metrics: metrics}
}

func (PenaltyPolicy) Name() string { return "penalty" }

func (p *PenaltyPolicy) ShouldExecute(ctx context.Context, c CallTool) (bool, error) {
	added, err := p.rdb.SetNX(ctx, key(c), "1", p.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: setnx: %w", err)
	}
	if !added {
		p.metrics.IncCounter("duplicate_tool_call", 1, "action", "allowed")
	}
	return true, nil
}

// StrictPolicy blocks duplicate calls to tools not declared side-effect-free.
type StrictPolicy struct {
	rdb     *redis.Client
	ttl     time.Duration
	metrics telemetry.Metrics
}

// NewStrictPolicy constructs a StrictPolicy backed by rdb.
func NewStrictPolicy(rdb *redis.Client, metrics telemetry.Metrics, ttl time.Duration) *StrictPolicy {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &StrictPolicy{rdb: rdb, ttl: ttl, metrics: metrics}
}

func (StrictPolicy) Name() string { return "strict" }

func (p *StrictPolicy) ShouldExecute(ctx context.Context, c CallTool) (bool, error) {
	added, err := p.rdb.SetNX(ctx, key(c), "1", p.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: setnx: %w", err)
	}
	if added {
		return true, nil
	}
	action := "blocked"
	if c.SideEffectFree {
		action = "allowed"
	}
	p.metrics.IncCounter("duplicate_tool_call", 1, "action", action)
	return c.SideEffectFree, nil
}
