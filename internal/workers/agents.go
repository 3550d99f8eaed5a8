package workers

import (
	"fmt"
	"sync"

	"github.com/p2engine/convorch/internal/agentruntime"
)

// AgentRegistry resolves an agent id to its Agent implementation. Unlike
// registry.Registry (session membership), this is a static, process-wide
// catalogue of the agents a deployment knows how to run.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]agentruntime.Agent
}

// NewAgentRegistry constructs an empty AgentRegistry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]agentruntime.Agent)}
}

// Register adds or replaces the Agent for agent.ID().
func (a *AgentRegistry) Register(agent agentruntime.Agent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agents[agent.ID()] = agent
}

// Get returns the Agent registered for id, or an error if none is.
func (a *AgentRegistry) Get(id string) (agentruntime.Agent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	agent, ok := a.agents[id]
	if !ok {
		return nil, fmt.Errorf("workers: agent %q not registered", id)
	}
	return agent, nil
}
