package registry

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"ledgermarket/internal/provider"
	"ledgermarket/internal/provider/alphavantage"
	"ledgermarket/internal/provider/finnhub"
)

// Operation is the kind of request made against a concept.
type Operation string

const (
	OpCurrent    Operation = "current"
	OpHistorical Operation = "historical"
	OpInfo       Operation = "info"
	OpSearch     Operation = "search"
)

// Route names one cell of the routing table.
type Route struct {
	Concept   provider.Concept
	Operation Operation
}

func (r Route) String() string { return string(r.Concept) + "/" + string(r.Operation) }

// Policy maps a route to its ordered adapter preference.
type Policy map[Route][]string

// DefaultPolicy favours Finnhub for live equity quotes and metadata (higher
// per-minute limits, logos) and Alpha Vantage for history and FX.
func DefaultPolicy() Policy {
	av, fh := alphavantage.Name, finnhub.Name
	return Policy{
		{provider.ConceptCryptoPrices, OpCurrent}:     {av, fh},
		{provider.ConceptCryptoPrices, OpHistorical}:  {av},
		{provider.ConceptStockPrices, OpCurrent}:      {fh, av},
		{provider.ConceptStockPrices, OpHistorical}:   {av, fh},
		{provider.ConceptSecurities, OpCurrent}:       {fh, av},
		{provider.ConceptSecurities, OpHistorical}:    {av, fh},
		{provider.ConceptSecurities, OpInfo}:          {fh, av},
		{provider.ConceptSecurities, OpSearch}:        {fh, av},
		{provider.ConceptExchangeRates, OpCurrent}:    {av},
		{provider.ConceptExchangeRates, OpHistorical}: {av},
	}
}

// ParsePolicy reads `"<concept>/<operation>": [names...]` overrides.
func ParsePolicy(raw map[string][]string) (Policy, error) {
	p := Policy{}
	for key, names := range raw {
		concept, op, ok := strings.Cut(key, "/")
		if !ok {
			return nil, fmt.Errorf("route %q: want <concept>/<operation>", key)
		}
		route := Route{Concept: provider.Concept(concept), Operation: Operation(op)}
		if !slices.Contains(provider.Concepts, route.Concept) {
			return nil, fmt.Errorf("route %q: unknown concept %q", key, concept)
		}
		switch route.Operation {
		case OpCurrent, OpHistorical, OpInfo, OpSearch:
		default:
			return nil, fmt.Errorf("route %q: unknown operation %q", key, op)
		}
		p[route] = slices.Clone(names)
	}
	return p, nil
}

// Prefer moves name to the front of every route of concept.
func (p Policy) Prefer(concept provider.Concept, name string) Policy {
	out := maps.Clone(p)
	for route, names := range out {
		if route.Concept != concept {
			continue
		}
		rest := slices.DeleteFunc(slices.Clone(names), func(n string) bool { return n == name })
		out[route] = append([]string{name}, rest...)
	}
	return out
}

// Router resolves (concept, operation) to a usable adapter on every call.
type Router struct {
	reg    *Registry
	policy Policy
}

// NewRouter starts from DefaultPolicy and applies overrides on top.
func NewRouter(reg *Registry, overrides Policy) *Router {
	policy := DefaultPolicy()
	maps.Copy(policy, overrides)
	return &Router{reg: reg, policy: policy}
}

func (r *Router) Registry() *Registry { return r.reg }

// Providers returns the configured adapters for a route, in preference
// order. Routes missing from the table use the concept's registry order.
func (r *Router) Providers(concept provider.Concept, op Operation) []provider.Provider {
	names, ok := r.policy[Route{concept, op}]
	if !ok {
		names = r.reg.Order(concept)
	}
	out := make([]provider.Provider, 0, len(names))
	for _, name := range names {
		if !r.reg.Configured(name) {
			continue
		}
		if a, ok := r.reg.Get(name); ok {
			out = append(out, a)
		}
	}
	return out
}

func first[T provider.Provider](r *Router, concept provider.Concept, op Operation) (T, error) {
	for _, a := range r.Providers(concept, op) {
		if c, ok := a.(T); ok {
			return c, nil
		}
	}
	var zero T
	return zero, provider.NotConfigured(string(concept) + "/" + string(op))
}

func (r *Router) CryptoPricer(op Operation) (provider.CryptoPricer, error) {
	return first[provider.CryptoPricer](r, provider.ConceptCryptoPrices, op)
}

func (r *Router) StockPricer(op Operation) (provider.StockPricer, error) {
	return first[provider.StockPricer](r, provider.ConceptStockPrices, op)
}

func (r *Router) RateFetcher(op Operation) (provider.RateFetcher, error) {
	return first[provider.RateFetcher](r, provider.ConceptExchangeRates, op)
}

func (r *Router) SecurityProvider(op Operation) (provider.SecurityProvider, error) {
	return first[provider.SecurityProvider](r, provider.ConceptSecurities, op)
}

// FX returns a RateFetcher that picks the exchange-rate adapter when called,
// so adapters can be wired with it before credentials are known.
func (r *Router) FX() provider.RateFetcher { return routedFX{r} }

type routedFX struct{ r *Router }

func (routedFX) Name() string { return "router" }

func (f routedFX) FetchExchangeRate(ctx context.Context, from, to string, date time.Time) (provider.ExchangeRate, error) {
	op := OpHistorical
	if provider.IsCurrent(date, time.Now()) {
		op = OpCurrent
	}
	fx, err := f.r.RateFetcher(op)
	if err != nil {
		return provider.ExchangeRate{}, err
	}
	return fx.FetchExchangeRate(ctx, from, to, date)
}

// RouteStatus describes one route and the adapter it currently resolves to.
type RouteStatus struct {
	Route      string   `json:"route"`
	Preference []string `json:"preference"`
	Active     string   `json:"active,omitempty"`
}

// Status lists every route sorted by name.
func (r *Router) Status() []RouteStatus {
	out := make([]RouteStatus, 0, len(r.policy))
	for route, names := range r.policy {
		st := RouteStatus{Route: route.String(), Preference: slices.Clone(names)}
		if ps := r.Providers(route.Concept, route.Operation); len(ps) > 0 {
			st.Active = ps[0].Name()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}
