// Package datasource hosts the external author/book lookup providers behind
// a name-keyed registry. Consumers resolve providers by configuration, never
// by concrete type, so scan messages stay backend-agnostic.
package datasource

import (
	"fmt"
	"sync"

	"github.com/fundamental/fundamental/internal/domain"
)

// Constructor builds a provider from its configuration kwargs.
type Constructor func(kwargs map[string]any) (domain.DataSource, error)

// Registry maps provider names to constructors and caches built instances
// per (name, kwargs-free) so rate limiters are shared process-wide.
type Registry struct {
	mu           sync.Mutex
	constructors map[string]Constructor
	instances    map[string]domain.DataSource
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: map[string]Constructor{},
		instances:    map[string]domain.DataSource{},
	}
}

// Register adds a named constructor. Later registrations replace earlier ones.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = c
	delete(r.instances, name)
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.constructors))
	for n := range r.constructors {
		out = append(out, n)
	}
	return out
}

// Resolve returns the provider for the configuration, constructing it on
// first use. Unknown names yield ErrNotConfigured.
func (r *Registry) Resolve(cfg domain.DataSourceConfig) (domain.DataSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src, ok := r.instances[cfg.Name]; ok {
		return src, nil
	}
	c, ok := r.constructors[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("op=datasource.resolve name=%s: %w", cfg.Name, domain.ErrNotConfigured)
	}
	src, err := c(cfg.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("op=datasource.resolve name=%s: %w", cfg.Name, err)
	}
	r.instances[cfg.Name] = src
	return src, nil
}
