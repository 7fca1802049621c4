package xmediator

import (
	"errors"
	"fmt"
	"sync"
)

// CacheStoreFactory constructs stores from a config blob.
type CacheStoreFactory func(cfg map[string]any) (CacheStore, error)

// factories maps names to constructors. Codecs and cache stores share it so
// adapters can register themselves from init().
type factories[F any] struct {
	kind   string
	mu     sync.RWMutex
	byName map[string]F
}

func newFactories[F any](kind string) *factories[F] {
	return &factories[F]{kind: kind, byName: make(map[string]F)}
}

func (r *factories[F]) add(name string, f F) error {
	if name == "" {
		return fmt.Errorf("xmediator: %s name must not be empty", r.kind)
	}
	r.mu.Lock()
	r.byName[name] = f
	r.mu.Unlock()
	return nil
}

func (r *factories[F]) lookup(name string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byName[name]
	return f, ok
}

var stores = newFactories[CacheStoreFactory]("cache store")

// RegisterCacheStore registers a backend adapter under name.
func RegisterCacheStore(name string, factory CacheStoreFactory) error {
	if factory == nil {
		return errors.New("xmediator: cache store factory must not be nil")
	}
	return stores.add(name, factory)
}

// NewCacheStore constructs a registered store by name.
func NewCacheStore(name string, cfg map[string]any) (CacheStore, error) {
	f, ok := stores.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCacheStore, name)
	}
	return f(cfg)
}
