// Package registry manages adapter registration and instantiation. Backend
// packages register a factory for their kind tag in an init function; the
// runner selects the factory by the kind carried in the pipeline definition.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapter/core"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/errors"
	"github.com/sluicedata/sluice/pkg/logger"
)

// Factory creates an adapter for one endpoint configuration.
type Factory func(cfg *config.EndpointConfig) (core.Adapter, error)

// Registry maps backend kind tags to adapter factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.Get().With(zap.String("component", "adapter_registry")),
	}
}

// Register registers an adapter factory for a backend kind.
func (r *Registry) Register(kind string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("adapter kind %s already registered", kind))
	}

	r.factories[kind] = factory
	r.logger.Debug("adapter registered", zap.String("kind", kind))
	return nil
}

// Create instantiates an adapter for the endpoint's kind.
func (r *Registry) Create(cfg *config.EndpointConfig) (core.Adapter, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.Kind]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("adapter kind %s not found", cfg.Kind))
	}

	adapter, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create %s adapter", cfg.Kind))
	}
	return adapter, nil
}

// Kinds returns the registered backend kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Has checks whether a kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[kind]
	return exists
}

// Clear removes all registered factories (mainly for testing).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}

// Global registry functions

// Register registers an adapter factory in the global registry.
func Register(kind string, factory Factory) error {
	return globalRegistry.Register(kind, factory)
}

// Create instantiates an adapter from the global registry.
func Create(cfg *config.EndpointConfig) (core.Adapter, error) {
	return globalRegistry.Create(cfg)
}

// Kinds returns kinds registered in the global registry.
func Kinds() []string {
	return globalRegistry.Kinds()
}

// Has checks the global registry for a kind.
func Has(kind string) bool {
	return globalRegistry.Has(kind)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
