package xmediator

import (
	"context"
	"fmt"
	"sync"
)

var (
	defaultMediator   *Mediator
	defaultMediatorMu sync.Mutex
)

// Default returns the process-wide Mediator, building one with defaults on
// first use.
func Default() *Mediator {
	defaultMediatorMu.Lock()
	defer defaultMediatorMu.Unlock()

	if defaultMediator != nil {
		return defaultMediator
	}
	m, err := NewBuilder().Build()
	if err != nil {
		panic(fmt.Sprintf("xmediator: failed to initialize default mediator: %v", err))
	}
	defaultMediator = m
	return defaultMediator
}

// SetDefault replaces the process-wide default Mediator.
func SetDefault(m *Mediator) {
	if m == nil {
		panic("xmediator: SetDefault called with nil Mediator")
	}
	defaultMediatorMu.Lock()
	defaultMediator = m
	defaultMediatorMu.Unlock()
}

// Send is the Facade using the default mediator.
func Send(ctx context.Context, cmd Command, opts ...CallOption) error {
	return Default().Send(ctx, cmd, opts...)
}

// Publish is the Facade using the default mediator.
func Publish(ctx context.Context, evt Event, opts ...CallOption) error {
	return Default().Publish(ctx, evt, opts...)
}

// AskDefault is Ask against the default mediator.
func AskDefault[R any](ctx context.Context, req Request[R], opts ...CallOption) (R, error) {
	return Ask(ctx, Default(), req, opts...)
}
