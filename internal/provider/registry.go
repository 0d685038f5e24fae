// registry.go implements AdapterRegistry, which stores and retrieves adapter
// builder functions keyed by provider kind for use during instantiation.
package provider

import (
	"fmt"
	"sync"
)

// Builder is a function that constructs an Adapter
type Builder func(settings *Settings) (Adapter, error)

// AdapterRegistry manages available provider adapter implementations
type AdapterRegistry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewAdapterRegistry creates an empty registry
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		builders: make(map[string]Builder),
	}
}

// Register adds an adapter builder for a provider kind
func (r *AdapterRegistry) Register(kind string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = builder
}

// Build creates an adapter instance for the given settings
func (r *AdapterRegistry) Build(settings *Settings) (Adapter, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	builder, found := r.builders[settings.Kind]
	r.mu.RUnlock()

	if !found {
		return nil, fmt.Errorf("%w: %s", ErrAdapterUnavailable, settings.Kind)
	}

	return builder(settings)
}

// AvailableKinds returns all registered provider kinds
func (r *AdapterRegistry) AvailableKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	return kinds
}

// HasKind checks if a provider kind is registered
func (r *AdapterRegistry) HasKind(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.builders[kind]
	return found
}

// GlobalRegistry is the default adapter registry
var GlobalRegistry = NewAdapterRegistry()

// RegisterAdapter adds a builder to the global registry
func RegisterAdapter(kind string, builder Builder) {
	GlobalRegistry.Register(kind, builder)
}

// BuildAdapter creates an adapter using the global registry
func BuildAdapter(settings *Settings) (Adapter, error) {
	return GlobalRegistry.Build(settings)
}
