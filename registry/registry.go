// Package registry routes a source configuration to the extraction
// strategy that serves its kind.
//
// Bindings are registered at startup; after that the registry is read-only
// and safe to share across concurrent fetches. Resolution is pure with
// respect to the config — no hidden global state.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nmoreau/permitwatch/permit"
	"github.com/nmoreau/permitwatch/strategy"
)

// ErrUnknownKind is returned for a source kind with no registered factory.
// This is a configuration error: fail fast, never retry.
var ErrUnknownKind = errors.New("registry: unknown source kind")

// Factory constructs a strategy instance configured for one source.
// The same config must always produce an equivalently-configured instance.
type Factory func(cfg *permit.SourceConfig) (strategy.Strategy, error)

// Registry maps source kinds to strategy factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[permit.SourceKind]Factory
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{factories: make(map[permit.SourceKind]Factory)}
}

// Register binds a kind to a factory. Later registrations for the same
// kind replace earlier ones (tests swap in fakes this way).
func (r *Registry) Register(kind permit.SourceKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds returns all registered source kinds.
func (r *Registry) Kinds() []permit.SourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]permit.SourceKind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// Resolve validates the config and constructs the strategy for its kind.
func (r *Registry) Resolve(cfg *permit.SourceConfig) (strategy.Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (source %s)", ErrUnknownKind, cfg.Kind, cfg.SourceID)
	}
	s, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: construct %s strategy for %s: %w", cfg.Kind, cfg.SourceID, err)
	}
	return s, nil
}
