// Package agentruntime is the per-agent state-machine dispatcher: on every
// tick it looks at the top of an agent's interaction stack and runs the
// handler registered for that state's kind, producing zero or more effects
// for the executor to run.
package agentruntime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/artifactbus"
	"github.com/p2engine/convorch/internal/effect"
	"github.com/p2engine/convorch/internal/queue"
	"github.com/p2engine/convorch/internal/registry"
	"github.com/p2engine/convorch/internal/stack"
	"github.com/p2engine/convorch/internal/state"
	"github.com/p2engine/convorch/internal/telemetry"
)

// Tunables bundles the timing/limit constants handlers consult. Populated
// from internal/config.Config by the caller.
type Tunables struct {
	ToolTimeoutSeconds       float64
	MinAgentResponseSeconds  float64
	MaxReflections           int
}

// Runtime steps a single agent forward on one branch.
type Runtime struct {
	agent    Agent
	stack    *stack.Stack
	registry *registry.Registry
	bus      *artifactbus.Bus
	ticks    *queue.Queue
	tunables Tunables
	log      telemetry.Logger
	metrics  telemetry.Metrics

	// Redis is used directly by a handful of handlers for guard/pointer keys
	// that don't belong on the Stack or Registry abstractions (delegation
	// deadlines, CLI-session markers).
	Redis *redis.Client

	// ReflectLookup, when set, tells handleToolResult whether a given tool
	// name was registered with Reflect: true, prompting a reflection turn
	// after the tool's result is materialised.
	ReflectLookup func(toolName string) bool

	// EvaluatorID, when non-empty, names the judge tool/agent auto-evaluation
	// is scheduled against whenever an agent finishes. Empty disables
	// auto-evaluation.
	EvaluatorID  string
	JudgeVersion string
}

// New constructs a Runtime for one agent's turn.
func New(agent Agent, st *stack.Stack, reg *registry.Registry, bus *artifactbus.Bus, ticks *queue.Queue, rdb *redis.Client, tunables Tunables, log telemetry.Logger, metrics telemetry.Metrics) *Runtime {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Runtime{agent: agent, stack: st, registry: reg, bus: bus, ticks: ticks, Redis: rdb, tunables: tunables, log: log, metrics: metrics}
}

type handlerFunc func(ctx context.Context, rt *Runtime, entry stack.Entry) ([]effect.Effect, error)

var handlers = map[state.Kind]handlerFunc{
	state.KindUserMessage:      handleUserMessage,
	state.KindUserResponse:     handleUserResponse,
	state.KindToolResult:       handleToolResult,
	state.KindWaiting:          handleWaiting,
	state.KindAgentCall:        handleAgentCall,
	state.KindAgentResult:      handleAgentResult,
	state.KindFinished:         handleFinished,
	state.KindUserInputRequest: handleUserInputRequest,
}

// Step looks at the current top of the agent's stack and dispatches to the
// handler registered for its kind. A stack with no entries, or whose top
// kind has no handler (AssistantMessage, ToolCall — a turn that pushes one
// normally pushes a Waiting or Finished state on top of it), produces no
// effects.
func (rt *Runtime) Step(ctx context.Context) ([]effect.Effect, error) {
	entry, err := rt.stack.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("agentruntime: read current: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	h, ok := handlers[entry.State.Kind()]
	if !ok {
		return nil, nil
	}
	return h(ctx, rt, stack.Entry{State: entry.State, TS: entry.TS})
}
