package llm

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Router sends each request to the provider its model is routed to.
// Models without a route, or routed to an unregistered provider, go to
// the default provider.
type Router struct {
	providers map[string]Generator
	routes    map[string]string // model -> provider
	def       string
}

// NewRouter creates a router whose unrouted models go to defaultProvider.
func NewRouter(defaultProvider string) *Router {
	return &Router{
		providers: make(map[string]Generator),
		routes:    make(map[string]string),
		def:       defaultProvider,
	}
}

// Register adds or replaces a named provider.
func (r *Router) Register(name string, g Generator) {
	r.providers[name] = g
}

// Route sends model to provider.
func (r *Router) Route(model, provider string) {
	r.routes[model] = provider
}

// ProviderFor names the provider that would serve model, or "" when
// none is registered.
func (r *Router) ProviderFor(model string) string {
	if p, ok := r.routes[model]; ok {
		if _, ok := r.providers[p]; ok {
			return p
		}
	}
	if _, ok := r.providers[r.def]; ok {
		return r.def
	}
	return ""
}

// Generate forwards req to the provider for req.Model.
func (r *Router) Generate(ctx context.Context, req Request) (*Response, error) {
	name := r.ProviderFor(req.Model)
	if name == "" {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	return r.providers[name].Generate(ctx, req)
}

// Ping checks every provider in use: the default plus any a route
// points at. Unused registrations are not probed.
func (r *Router) Ping(ctx context.Context) error {
	inUse := []string{r.def}
	for _, p := range r.routes {
		if !slices.Contains(inUse, p) {
			inUse = append(inUse, p)
		}
	}
	slices.Sort(inUse)

	var errs []error
	for _, name := range inUse {
		g, ok := r.providers[name]
		if !ok {
			if name == r.def {
				errs = append(errs, fmt.Errorf("%s: not configured", name))
			}
			continue
		}
		if err := g.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
