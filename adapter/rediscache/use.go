package rediscache

import (
	"fmt"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmediator"
)

// Use builds a Mediator caching request results in Redis, sets it as the
// default Mediator and returns it together with the store. Closing the
// Mediator closes the store.
func Use(cfg Config, opts ...UseOption) (*xmediator.Mediator, *Store) {
	store, err := NewStore(cfg)
	if err != nil {
		panic(fmt.Errorf("rediscache.Use: %w", err))
	}
	b := xmediator.NewBuilder().
		WithCodec(cfg.Codec).
		WithCacheStore(store).
		WithOnClose(store.Close)

	for _, o := range opts {
		if o != nil {
			o(b, store)
		}
	}
	m, err := b.Build()
	if err != nil {
		panic(fmt.Errorf("rediscache.Use: %w", err))
	}

	xmediator.SetDefault(m)
	return m, store
}

// UseOption configures the Mediator built by Use.
type UseOption func(b *xmediator.Builder, store *Store)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) UseOption {
	return func(b *xmediator.Builder, _ *Store) { b.WithLogger(l) }
}

// WithRegistry builds the mediator over an existing registry.
func WithRegistry(r *xmediator.Registry) UseOption {
	return func(b *xmediator.Builder, _ *Store) { b.WithRegistry(r) }
}

// WithOfflineFallback also keeps offline copies of request results in the
// same Redis store.
func WithOfflineFallback(opts ...xmediator.OfflineOption) UseOption {
	return func(b *xmediator.Builder, s *Store) { b.WithOffline(s, opts...) }
}

// WithBuilder exposes the builder for any other setting.
func WithBuilder(fn func(b *xmediator.Builder)) UseOption {
	return func(b *xmediator.Builder, _ *Store) {
		if fn != nil {
			fn(b)
		}
	}
}
