// Package provider defines the pluggable contract each imagery backend
// (Google Street View, Mapillary) implements, and the registry the
// pipeline uses to select one at runtime.
package provider

import (
	"context"

	"github.com/sells-group/svi-fetch/internal/model"
)

// Provider implements the three provider-specific pipeline stages:
// panorama discovery, metadata augmentation / URL resolution, and image
// fetch. The Input Resolver and Checkpoint Store are provider-agnostic
// and live outside this interface.
type Provider interface {
	// Name identifies the provider for logging, checkpoint directory
	// naming, and CLI selection ("gsv", "mly").
	Name() string

	// DiscoverPanos finds panorama IDs near one query point.
	DiscoverPanos(ctx context.Context, qp model.QueryPoint) ([]model.RawPano, error)

	// Augment resolves download metadata for one discovered pano: date
	// metadata for GSV, a download URL for Mapillary. The returned value
	// is provider-specific; callers type-assert to model.AugmentedPano or
	// model.PanoURL as appropriate.
	Augment(ctx context.Context, pano model.RawPano) (any, error)

	// FetchImage downloads and writes the final image(s) for one
	// augmented/resolved pano to task.OutputDir.
	FetchImage(ctx context.Context, task model.FetchTask) error
}

// Registry holds the known providers, keyed by Name().
type Registry struct {
	providers map[string]Provider
	order     []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p to the registry, keyed by p.Name(). Registering the
// same name twice overwrites the earlier entry but preserves its
// original position in All()/AllNames().
func (r *Registry) Register(p Provider) {
	name := p.Name()
	if _, exists := r.providers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.providers[name] = p
}

// Get returns the provider registered under name, if any.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// All returns every registered provider in registration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// AllNames returns every registered provider's name in registration order.
func (r *Registry) AllNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
