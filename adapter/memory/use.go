package memory

import (
	"fmt"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmediator"
)

// Use builds a Mediator caching request results in an in-memory Store and
// sets it as the default. Closing the Mediator closes the store. Mirrors the xlog "Use" pattern: explicit
// construction with global install.
//
// Example:
//
//	m := memory.Use(memory.Config{MaxEntries: 10_000},
//	    memory.WithLogger(logger),
//	    memory.WithExceptionHandlers(notify),
//	)
func Use(cfg Config, opts ...Option) *xmediator.Mediator {
	store := NewStore(cfg)
	b := xmediator.NewBuilder().
		WithCacheStore(store).
		WithOnClose(store.Close)

	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}

	m, err := b.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	xmediator.SetDefault(m)
	return m
}

// Option configures the xmediator.Mediator when calling Use.
type Option func(*xmediator.Builder)

// WithRegistry builds the mediator over an existing registry.
func WithRegistry(r *xmediator.Registry) Option {
	return func(b *xmediator.Builder) { b.WithRegistry(r) }
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xmediator.Builder) { b.WithLogger(l) }
}

// WithClock injects a custom clock (xclock.Default() when unset).
func WithClock(c xmediator.Clock) Option {
	return func(b *xmediator.Builder) { b.WithClock(c) }
}

// WithExceptionHandlers installs exception handling for every shape.
func WithExceptionHandlers(hs ...xmediator.ExceptionHandler) Option {
	return func(b *xmediator.Builder) { b.WithExceptionHandlers(hs...) }
}

// WithValidation installs struct-tag and Validate() validation.
func WithValidation() Option {
	return func(b *xmediator.Builder) { b.WithValidation(nil) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xmediator.Observer) Option {
	return func(b *xmediator.Builder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xmediator.Builder) { b.WithObserverPool(workers, bufferSize) }
}
