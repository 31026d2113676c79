package adapters

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds transports keyed by adapter id. Lookups ignore case and
// surrounding whitespace.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewRegistry creates a registry with the given transports.
func NewRegistry(transports ...Transport) *Registry {
	r := &Registry{transports: make(map[string]Transport)}

	for _, t := range transports {
		r.Register(t)
	}

	return r
}

func registryKey(adapterID string) string {
	return strings.ToLower(strings.TrimSpace(adapterID))
}

// Register adds or replaces a transport.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transports[registryKey(t.AdapterID())] = t
}

// Get returns the transport registered for adapterID.
func (r *Registry) Get(adapterID string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.transports[registryKey(adapterID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, adapterID)
	}

	return t, nil
}

// All returns every registered transport ordered by adapter id.
func (r *Registry) All() []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.transports))
	for k := range r.transports {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]Transport, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.transports[k])
	}

	return out
}
