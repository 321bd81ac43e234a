package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Registry maps agent names to endpoint URLs. An environment variable
// of the form AGENTFLOW_AGENT_<NAME>_URL overrides the registered
// entry for that agent, where <NAME> is the upper-cased agent name
// with every non-alphanumeric character replaced by an underscore.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]string
}

// NewRegistry builds a registry from an initial name to URL mapping.
// The map may be nil.
func NewRegistry(endpoints map[string]string) *Registry {
	r := &Registry{endpoints: make(map[string]string, len(endpoints))}
	for name, url := range endpoints {
		r.endpoints[name] = url
	}
	return r
}

// Register adds or replaces the endpoint for an agent.
func (r *Registry) Register(name, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[name] = url
}

// Endpoint resolves an agent name to a URL. Environment overrides win
// over registered entries.
func (r *Registry) Endpoint(name string) (string, error) {
	if override := os.Getenv(EnvKey(name)); override != "" {
		return override, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	url, ok := r.endpoints[name]
	if !ok {
		return "", fmt.Errorf("agent %q is not registered", name)
	}
	return url, nil
}

// Names returns the registered agent names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnvKey returns the environment variable consulted for an agent's
// endpoint override.
func EnvKey(name string) string {
	var b strings.Builder
	for _, c := range strings.ToUpper(name) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return "AGENTFLOW_AGENT_" + b.String() + "_URL"
}
