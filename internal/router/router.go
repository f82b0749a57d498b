package router

import (
	"fmt"

	"prompt-bridge/internal/models"
	"prompt-bridge/internal/provider"
)

// Upstream pairs an adapter with the lookup for its API key.
type Upstream struct {
	Adapter    provider.Adapter
	Credential func(override string) string
}

// Plan is a routed request ready to be sent upstream.
type Plan struct {
	Route      provider.Route
	Adapter    provider.Adapter
	Credential string
}

// Router dispatches model ids to the adapter of their provider kind.
type Router struct {
	registry  *provider.Registry
	upstreams map[provider.Kind]Upstream
}

// New constructs a router backed by the provided registry and adapters.
func New(registry *provider.Registry, upstreams map[provider.Kind]Upstream) *Router {
	copied := make(map[provider.Kind]Upstream, len(upstreams))
	for k, v := range upstreams {
		copied[k] = v
	}
	return &Router{
		registry:  registry,
		upstreams: copied,
	}
}

// Providers lists the selectable models.
func (r *Router) Providers() []models.ProviderDescriptor {
	return r.registry.Descriptors()
}

// Resolve routes providerModel. It returns provider.ErrUnsupportedProvider
// for retired families and provider.ErrMissingCredential when no key is
// available; in the latter case the returned plan still names the route.
func (r *Router) Resolve(providerModel, overrideKey string) (Plan, error) {
	route := r.registry.Route(providerModel)
	plan := Plan{Route: route}

	if route.Kind == provider.KindUnsupported {
		return plan, fmt.Errorf("%w: %s", provider.ErrUnsupportedProvider, route.Requested)
	}

	upstream, ok := r.upstreams[route.Kind]
	if !ok || upstream.Adapter == nil {
		return plan, fmt.Errorf("%w: no adapter for %s", provider.ErrUnsupportedProvider, route.Kind)
	}
	plan.Adapter = upstream.Adapter

	if upstream.Credential != nil {
		plan.Credential = upstream.Credential(overrideKey)
	}
	if plan.Credential == "" {
		return plan, fmt.Errorf("%s: %w", route.Kind, provider.ErrMissingCredential)
	}
	return plan, nil
}
