package adapters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry maps adapter type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default is the registry the built-in adapters add themselves to.
var Default = NewRegistry()

// Register adds a factory under adapterType.
func (r *Registry) Register(adapterType string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if adapterType == "" || factory == nil {
		return fmt.Errorf("adapter type and factory are required")
	}
	if _, exists := r.factories[adapterType]; exists {
		return fmt.Errorf("adapter type %q already registered", adapterType)
	}
	r.factories[adapterType] = factory
	return nil
}

// New builds an adapter of the given type.
func (r *Registry) New(adapterType string, logger zerolog.Logger) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[adapterType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown adapter type %q", adapterType)
	}
	return factory(logger.With().Str("adapter_type", adapterType).Logger()), nil
}

// Types returns the registered type names in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Schemas returns the client schema of every registered type.
func (r *Registry) Schemas() map[string]Schema {
	out := make(map[string]Schema)
	for _, t := range r.Types() {
		a, err := r.New(t, zerolog.Nop())
		if err != nil {
			continue
		}
		out[t] = a.ClientSchema()
	}
	return out
}

// Register adds a factory to the Default registry and panics on conflict,
// like database/sql driver registration.
func Register(adapterType string, factory Factory) {
	if err := Default.Register(adapterType, factory); err != nil {
		panic(err)
	}
}
