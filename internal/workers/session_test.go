package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/p2engine/convorch/internal/agentruntime"
	"github.com/p2engine/convorch/internal/artifactbus"
	"github.com/p2engine/convorch/internal/queue"
	"github.com/p2engine/convorch/internal/stack"
	"github.com/p2engine/convorch/internal/state"
	"github.com/p2engine/convorch/internal/telemetry"
)

// silentAgent never answers; handleUserInputRequest never calls it, so its
// Run is only there to satisfy the interface.
type silentAgent struct{ id string }

func (a *silentAgent) ID() string                  { return a.id }
func (a *silentAgent) Config() agentruntime.Config { return agentruntime.Config{} }
func (a *silentAgent) Run(context.Context, []agentruntime.Message) (agentruntime.Response, error) {
	return agentruntime.Response{}, nil
}

// countingMetrics records every IncCounter call so tests can assert a
// specific counter fired, unlike telemetry.NoopMetrics which discards them.
type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]float64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]float64)}
}

func (m *countingMetrics) IncCounter(name string, value float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name] += value
}

func (m *countingMetrics) RecordTimer(string, time.Duration, ...string) {}
func (m *countingMetrics) RecordGauge(string, float64, ...string)       {}

func (m *countingMetrics) get(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

// TestProcessAgentTickForceFinishesAfterMaxRounds drives an agent whose top
// of stack is a UserInputRequestState (a no-op for the handler table, so
// every tick produces zero effects) past maxRounds idle ticks and asserts
// the force-finish path emits a distinct stalled_agent_finalised event and
// counter rather than the plain agent_finished one.
func TestProcessAgentTickForceFinishesAfterMaxRounds(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	conversationID := "conv-stall"
	agentID := "agent-stall"

	bus := artifactbus.New(rdb, artifactbus.NewFSDriver(t.TempDir(), false))

	s := stack.New(ctx, rdb, bus, conversationID, agentID)
	if err := s.Push(ctx, state.UserInputRequestState{Text: "waiting on the user"}); err != nil {
		t.Fatalf("seed stack: %v", err)
	}

	agents := NewAgentRegistry()
	agents.Register(&silentAgent{id: agentID})

	metrics := newCountingMetrics()

	w := NewSessionTickWorker(Config{
		Redis: rdb,
		Ticks: queue.New(rdb, "ticks"),
		Tools: queue.New(rdb, "tools"),
		StackFor: func(ctx context.Context, conversationID, agentID string) *stack.Stack {
			return stack.New(ctx, rdb, bus, conversationID, agentID)
		},
		Agents:    agents,
		Bus:       bus,
		MaxRounds: 2,
		Log:       telemetry.NoopLogger{},
		Metrics:   metrics,
	})

	var progressed bool
	var err error
	for i := 0; i < 4; i++ {
		progressed, err = w.processAgentTick(ctx, conversationID, agentID)
		if err != nil {
			t.Fatalf("processAgentTick round %d: %v", i, err)
		}
	}
	if progressed {
		t.Fatalf("expected no progress once force-finished")
	}

	if got := metrics.get("stalled_agent_finalised"); got < 1 {
		t.Fatalf("expected stalled_agent_finalised counter to fire, got %v", got)
	}

	headers, err := bus.ReadLastN(ctx, conversationID, 10, "event")
	if err != nil {
		t.Fatalf("read artifacts: %v", err)
	}
	var sawStalled, sawFinished bool
	for _, h := range headers {
		switch h.Meta["event"] {
		case "stalled_agent_finalised":
			sawStalled = true
		case "agent_finished":
			sawFinished = true
		}
	}
	if !sawStalled {
		t.Fatalf("expected a stalled_agent_finalised artifact event, got %+v", headers)
	}
	if !sawFinished {
		t.Fatalf("expected force-finish to also emit the generic agent_finished event, got %+v", headers)
	}
}
