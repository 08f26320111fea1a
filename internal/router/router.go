// Package router selects the best available executor for a step's
// required capability and language. Routing is deterministic: lowest
// priority value wins, ties broken by registration order.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/skein-dev/skein/internal/types"
)

// Executor performs one step of agent work. Implementations must honor
// cancellation and must not retain exclusive resources past return.
type Executor interface {
	Execute(ctx context.Context, input, storyContext json.RawMessage) (json.RawMessage, error)
}

// Registration describes an executor's advertised capabilities
type Registration struct {
	ID           string
	Capabilities []string
	Languages    []string // Empty means any language
	Priority     int      // Smaller wins
	Enabled      bool
}

// Validate checks if the registration has valid field values
func (r *Registration) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(r.Capabilities) == 0 {
		return fmt.Errorf("at least one capability is required")
	}
	return nil
}

// Agent pairs a registration with its executor
type Agent struct {
	Registration
	Executor Executor
}

// Registry is the executor population routing draws from
type Registry struct {
	mu     sync.RWMutex
	agents []*Agent // Registration order preserved for tiebreaks
	byID   map[string]*Agent
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*Agent),
	}
}

// Register adds an executor to the population
func (r *Registry) Register(reg Registration, exec Executor) error {
	if err := reg.Validate(); err != nil {
		return types.WrapE(types.KindInvalidInput, err, "invalid registration")
	}
	if exec == nil {
		return types.E(types.KindInvalidInput, "executor is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[reg.ID]; exists {
		return types.E(types.KindInvalidInput, "executor %s is already registered", reg.ID)
	}

	agent := &Agent{Registration: reg, Executor: exec}
	r.agents = append(r.agents, agent)
	r.byID[reg.ID] = agent
	return nil
}

// SetEnabled toggles an executor's availability without unregistering it
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.byID[id]
	if !ok {
		return types.E(types.KindNotFound, "executor %s is not registered", id)
	}
	agent.Enabled = enabled
	return nil
}

// Get returns an executor by id, used for explicit overrides. The
// override is honored verbatim only if the executor exists and is
// enabled.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.byID[id]
	if !ok || !agent.Enabled {
		return nil, false
	}
	return agent, true
}

// Route returns the best-ranked executor for the capability/language
// pair, or false if no enabled executor advertises the capability.
func (r *Registry) Route(capability, language string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Agent
	for _, agent := range r.agents {
		if !agent.Enabled {
			continue
		}
		if !hasCapability(agent, capability) {
			continue
		}
		if !supportsLanguage(agent, language) {
			continue
		}
		// Strictly-lower priority replaces; equal keeps the earlier
		// registration for reproducible routing
		if best == nil || agent.Priority < best.Priority {
			best = agent
		}
	}

	if best == nil {
		return nil, false
	}
	return best, true
}

// List returns a snapshot of all registrations in registration order
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]Registration, 0, len(r.agents))
	for _, agent := range r.agents {
		regs = append(regs, agent.Registration)
	}
	return regs
}

func hasCapability(agent *Agent, capability string) bool {
	for _, c := range agent.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

func supportsLanguage(agent *Agent, language string) bool {
	if len(agent.Languages) == 0 || language == "" {
		return true
	}
	for _, l := range agent.Languages {
		if strings.EqualFold(l, language) {
			return true
		}
	}
	return false
}
