package proxy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/runestonehq/runestone/internal/providers"
)

// Router policies.
const (
	PolicyDefault = "default"
	PolicyCost    = "cost"
)

// ErrNoProviderSatisfies is returned when no catalog entry matches the
// request's constraints. Surfaced to the client as 400 invalid_request_error.
var ErrNoProviderSatisfies = errors.New("no provider satisfies the request constraints")

// Selection is a resolved routing decision.
type Selection struct {
	Provider string
	Model    string
}

// Router resolves a request to (provider, model) under the configured
// policy. It consults the registered driver set so requests never route to a
// provider the process has no credentials for.
type Router struct {
	policy          string
	defaultProvider string
	available       map[string]bool
}

// NewRouter builds a router. available lists the provider names that have
// configured drivers; defaultProvider is used when nothing else resolves.
func NewRouter(policy, defaultProvider string, available []string) *Router {
	av := make(map[string]bool, len(available))
	for _, p := range available {
		av[p] = true
	}
	if policy != PolicyCost {
		policy = PolicyDefault
	}
	return &Router{
		policy:          policy,
		defaultProvider: defaultProvider,
		available:       av,
	}
}

// Policy returns the active policy name.
func (r *Router) Policy() string { return r.policy }

// Resolve maps req to a provider selection or ErrNoProviderSatisfies.
// An explicit provider pin always wins, under either policy.
func (r *Router) Resolve(req *providers.Request) (Selection, error) {
	if req.Provider != "" {
		if !r.available[req.Provider] {
			return Selection{}, fmt.Errorf("provider %q is not configured: %w", req.Provider, ErrNoProviderSatisfies)
		}
		return Selection{Provider: req.Provider, Model: req.Model}, nil
	}

	if r.policy == PolicyCost {
		return r.resolveCost(req)
	}
	return r.resolveDefault(req)
}

func (r *Router) resolveDefault(req *providers.Request) (Selection, error) {
	if req.Model != "" {
		if e := providers.LookupModel(req.Model); e != nil && r.available[e.Provider] {
			return Selection{Provider: e.Provider, Model: req.Model}, nil
		}
	}
	if r.available[r.defaultProvider] {
		return Selection{Provider: r.defaultProvider, Model: req.Model}, nil
	}
	return Selection{}, ErrNoProviderSatisfies
}

// resolveCost picks the cheapest catalog entry satisfying every constraint;
// ties break by lexicographic provider name so routing is deterministic.
func (r *Router) resolveCost(req *providers.Request) (Selection, error) {
	want := req.Capabilities
	if len(want) == 0 {
		want = []providers.Capability{providers.CapChat}
	}

	var candidates []providers.CatalogEntry
	for _, e := range providers.Catalog {
		if !r.available[e.Provider] {
			continue
		}
		if req.Model != "" && e.Model != req.Model {
			continue
		}
		if req.ModelFamily != "" && e.Family != req.ModelFamily {
			continue
		}
		if req.MaxCostPerToken > 0 && e.CostPer1K > req.MaxCostPerToken*1000 {
			continue
		}
		if !providers.HasAll(e.Capabilities, want) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return Selection{}, ErrNoProviderSatisfies
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CostPer1K != candidates[j].CostPer1K {
			return candidates[i].CostPer1K < candidates[j].CostPer1K
		}
		if candidates[i].Provider != candidates[j].Provider {
			return candidates[i].Provider < candidates[j].Provider
		}
		return candidates[i].Model < candidates[j].Model
	})

	best := candidates[0]
	return Selection{Provider: best.Provider, Model: best.Model}, nil
}
