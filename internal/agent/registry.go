package agent

import (
	"sort"
	"sync"
)

// Registry maps config entry ids to their running agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Set registers a for entryID, replacing any previous agent.
func (r *Registry) Set(entryID string, a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[entryID] = a
}

// Unset removes the agent for entryID. It reports whether one was registered.
func (r *Registry) Unset(entryID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[entryID]
	delete(r.agents, entryID)
	return ok
}

// Get returns the agent registered for entryID.
func (r *Registry) Get(entryID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[entryID]
	return a, ok
}

// Lookup finds an agent by entry id or, failing that, by name. An empty
// key returns the only registered agent when exactly one exists.
func (r *Registry) Lookup(key string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if key == "" {
		if len(r.agents) != 1 {
			return nil, false
		}
		for _, a := range r.agents {
			return a, true
		}
	}
	if a, ok := r.agents[key]; ok {
		return a, true
	}
	for _, a := range r.agents {
		if a.name == key {
			return a, true
		}
	}
	return nil, false
}

// List returns all agents sorted by name.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
