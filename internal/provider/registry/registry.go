package registry

import (
	"slices"
	"sync"

	"ledgermarket/internal/provider"
)

// Registry holds the known adapters and the per-concept preference order.
type Registry struct {
	creds CredentialSource

	mu       sync.RWMutex
	adapters map[string]provider.Provider
	concepts map[provider.Concept][]string
}

// New builds a registry over adapters. With a nil creds the adapters'
// own Configured methods decide.
func New(creds CredentialSource, adapters ...provider.Provider) *Registry {
	r := &Registry{
		creds:    creds,
		adapters: make(map[string]provider.Provider, len(adapters)),
		concepts: map[provider.Concept][]string{},
	}
	r.Add(adapters...)
	for route, names := range DefaultPolicy() {
		if route.Operation == OpCurrent {
			r.concepts[route.Concept] = slices.Clone(names)
		}
	}
	return r
}

// Add registers adapters under their names, replacing any with the same name.
func (r *Registry) Add(adapters ...provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
}

// Register replaces the preference order for concept.
func (r *Registry) Register(concept provider.Concept, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.concepts[concept] = slices.Clone(names)
}

// Get returns the adapter registered under name, configured or not.
func (r *Registry) Get(name string) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names lists registered adapter names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Configured reports whether name is registered and has credentials.
func (r *Registry) Configured(name string) bool {
	a, ok := r.Get(name)
	if !ok {
		return false
	}
	if r.creds != nil {
		return r.creds.Configured(name)
	}
	if sc, ok := a.(selfConfigured); ok {
		return sc.Configured()
	}
	return true
}

// Order returns the preference list for concept.
func (r *Registry) Order(concept provider.Concept) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.concepts[concept])
}

// ProviderFor returns the first configured adapter for concept, or nil.
// A nil result is a normal state: the feature is unavailable.
func (r *Registry) ProviderFor(concept provider.Concept) provider.Provider {
	for _, name := range r.Order(concept) {
		if r.Configured(name) {
			a, _ := r.Get(name)
			return a
		}
	}
	return nil
}
