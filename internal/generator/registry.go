package generator

import (
	"fmt"
	"slices"

	"github.com/vividflow/vividflow-api/internal/job"
)

// Registry maps model selectors to providers. It satisfies job.Catalog.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry holding the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider for name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", job.ErrUnknownProvider, name)
	}
	return p, nil
}

// Validate checks params against the named provider.
func (r *Registry) Validate(name string, params job.Parameters) error {
	p, err := r.Get(name)
	if err != nil {
		return err
	}
	return p.Validate(params)
}

// Names returns the registered selectors in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var _ job.Catalog = (*Registry)(nil)
