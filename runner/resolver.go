package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/flowexec/agent"
)

// Resolver maps a flow id to the agent that executes it.
type Resolver interface {
	Resolve(ctx context.Context, flowID string) (agent.Agent, error)
}

type ResolverFunc func(ctx context.Context, flowID string) (agent.Agent, error)

func (f ResolverFunc) Resolve(ctx context.Context, flowID string) (agent.Agent, error) {
	return f(ctx, flowID)
}

// FlowRegistry is a Resolver over a fixed set of agents. An agent
// registered under "*" serves flow ids that have no entry of their own.
type FlowRegistry struct {
	mu     sync.RWMutex
	agents map[string]agent.Agent
}

func NewFlowRegistry() *FlowRegistry {
	return &FlowRegistry{agents: map[string]agent.Agent{}}
}

func (r *FlowRegistry) Register(flowID string, a agent.Agent) error {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return fmt.Errorf("flow id is required")
	}
	if a == nil {
		return fmt.Errorf("agent for flow %q is nil", flowID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[flowID]; exists {
		return fmt.Errorf("flow %q already registered", flowID)
	}
	r.agents[flowID] = a
	return nil
}

func (r *FlowRegistry) Resolve(_ context.Context, flowID string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[flowID]; ok {
		return a, nil
	}
	if a, ok := r.agents["*"]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFlow, flowID)
}

func (r *FlowRegistry) Flows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}
