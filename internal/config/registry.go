package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sonara-ai/sonara/pkg/live"
	"github.com/sonara-ai/sonara/pkg/store"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// Registry maps provider and backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	live   map[string]func(LiveConfig) (live.Provider, error)
	stores map[StoreBackend]func(StoreConfig) (store.Store, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:   make(map[string]func(LiveConfig) (live.Provider, error)),
		stores: make(map[StoreBackend]func(StoreConfig) (store.Store, error)),
	}
}

// RegisterLive registers a realtime provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(LiveConfig) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterStore registers a persistence backend factory.
func (r *Registry) RegisterStore(backend StoreBackend, factory func(StoreConfig) (store.Store, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[backend] = factory
}

// CreateLive instantiates the realtime provider selected by cfg.Provider.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLive(cfg LiveConfig) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateStore instantiates the persistence backend selected by cfg.Backend.
func (r *Registry) CreateStore(cfg StoreConfig) (store.Store, error) {
	r.mu.RLock()
	factory, ok := r.stores[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: store/%q", ErrNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}
