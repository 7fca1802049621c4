package xmediator

import (
	"context"
	"iter"
	"reflect"
)

// Command is a message handled by exactly one handler and producing no result.
type Command interface{}

// Event is a message broadcast to zero or more handlers.
type Event interface{}

// Request is a message answered by exactly one handler with a value of type R.
// Message types satisfy it by embedding Returns[R]:
//
//	type GetUser struct {
//	    xmediator.Returns[*User]
//	    ID string
//	}
type Request[R any] interface {
	requestResult() R
}

// Returns marks the embedding struct as a Request[R].
type Returns[R any] struct{}

func (Returns[R]) requestResult() (r R) { return r }

// StreamRequest is a message answered by exactly one handler with a lazy sequence of R.
// Message types satisfy it by embedding Streams[R].
type StreamRequest[R any] interface {
	streamResult() R
}

// Streams marks the embedding struct as a StreamRequest[R].
type Streams[R any] struct{}

func (Streams[R]) streamResult() (r R) { return r }

// CommandHandler handles a command of type C.
type CommandHandler[C any] interface {
	Handle(ctx context.Context, mc *Context, cmd C) error
}

// CommandHandlerFunc is a function adapter for CommandHandler.
type CommandHandlerFunc[C any] func(ctx context.Context, mc *Context, cmd C) error

// Handle implements CommandHandler.
func (f CommandHandlerFunc[C]) Handle(ctx context.Context, mc *Context, cmd C) error {
	return f(ctx, mc, cmd)
}

// RequestHandler answers a request of type Q with a result of type R.
type RequestHandler[Q Request[R], R any] interface {
	Handle(ctx context.Context, mc *Context, req Q) (R, error)
}

// RequestHandlerFunc is a function adapter for RequestHandler.
type RequestHandlerFunc[Q Request[R], R any] func(ctx context.Context, mc *Context, req Q) (R, error)

// Handle implements RequestHandler.
func (f RequestHandlerFunc[Q, R]) Handle(ctx context.Context, mc *Context, req Q) (R, error) {
	return f(ctx, mc, req)
}

// StreamHandler answers a stream request of type Q with a lazy sequence of R.
// The returned sequence must honor ctx between items.
type StreamHandler[Q StreamRequest[R], R any] interface {
	Handle(ctx context.Context, mc *Context, req Q) iter.Seq2[R, error]
}

// StreamHandlerFunc is a function adapter for StreamHandler.
type StreamHandlerFunc[Q StreamRequest[R], R any] func(ctx context.Context, mc *Context, req Q) iter.Seq2[R, error]

// Handle implements StreamHandler.
func (f StreamHandlerFunc[Q, R]) Handle(ctx context.Context, mc *Context, req Q) iter.Seq2[R, error] {
	return f(ctx, mc, req)
}

// EventHandler reacts to an event of type E.
type EventHandler[E any] interface {
	Handle(ctx context.Context, mc *Context, evt E) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc[E any] func(ctx context.Context, mc *Context, evt E) error

// Handle implements EventHandler.
func (f EventHandlerFunc[E]) Handle(ctx context.Context, mc *Context, evt E) error {
	return f(ctx, mc, evt)
}

// EventListener is the type-erased event handler form used by the registry and
// by EventCollectors. Listener adapts a typed EventHandler.
type EventListener interface {
	HandleEvent(ctx context.Context, mc *Context, evt Event) error
}

// EventCollector supplies additional event handlers that live outside the
// registry (for example components that are currently active). Handlers is
// called synchronously on every Publish.
type EventCollector interface {
	Handlers(eventType reflect.Type) []EventListener
}

// Continue delegates handed to middleware. Calling one invokes the next link of
// the pipeline, or the handler for the innermost middleware.
type (
	CommandNext func(ctx context.Context) error
	RequestNext func(ctx context.Context) (any, error)
	StreamNext  func(ctx context.Context) iter.Seq2[any, error]
	EventNext   func(ctx context.Context) error
)

// CommandMiddleware wraps command handler execution.
type CommandMiddleware interface {
	ProcessCommand(ctx context.Context, mc *Context, next CommandNext) error
}

// RequestMiddleware wraps request handler execution.
type RequestMiddleware interface {
	ProcessRequest(ctx context.Context, mc *Context, next RequestNext) (any, error)
}

// StreamMiddleware wraps stream handler execution. Implementations must
// preserve item order and forward ctx to the inner sequence.
type StreamMiddleware interface {
	ProcessStream(ctx context.Context, mc *Context, next StreamNext) iter.Seq2[any, error]
}

// EventMiddleware wraps each event handler invocation.
type EventMiddleware interface {
	ProcessEvent(ctx context.Context, mc *Context, next EventNext) error
}

type CommandMiddlewareFunc func(ctx context.Context, mc *Context, next CommandNext) error

func (f CommandMiddlewareFunc) ProcessCommand(ctx context.Context, mc *Context, next CommandNext) error {
	return f(ctx, mc, next)
}

type RequestMiddlewareFunc func(ctx context.Context, mc *Context, next RequestNext) (any, error)

func (f RequestMiddlewareFunc) ProcessRequest(ctx context.Context, mc *Context, next RequestNext) (any, error) {
	return f(ctx, mc, next)
}

type StreamMiddlewareFunc func(ctx context.Context, mc *Context, next StreamNext) iter.Seq2[any, error]

func (f StreamMiddlewareFunc) ProcessStream(ctx context.Context, mc *Context, next StreamNext) iter.Seq2[any, error] {
	return f(ctx, mc, next)
}

type EventMiddlewareFunc func(ctx context.Context, mc *Context, next EventNext) error

func (f EventMiddlewareFunc) ProcessEvent(ctx context.Context, mc *Context, next EventNext) error {
	return f(ctx, mc, next)
}

// Middleware factories are instantiated once per concrete message type when
// its pipeline is first built. Returning nil opts out for that type.
type (
	CommandMiddlewareFactory func(msgType reflect.Type) CommandMiddleware
	RequestMiddlewareFactory func(msgType reflect.Type) RequestMiddleware
	StreamMiddlewareFactory  func(msgType reflect.Type) StreamMiddleware
	EventMiddlewareFactory   func(msgType reflect.Type) EventMiddleware
)

// ExceptionHandler gets a chance to claim an error that escaped the pipeline.
// Returning true marks the error handled.
type ExceptionHandler interface {
	HandleException(ctx context.Context, mc *Context, err error) bool
}

// ExceptionHandlerFunc is a function adapter for ExceptionHandler.
type ExceptionHandlerFunc func(ctx context.Context, mc *Context, err error) bool

func (f ExceptionHandlerFunc) HandleException(ctx context.Context, mc *Context, err error) bool {
	return f(ctx, mc, err)
}

// ContractKeyProvider derives the stable cache/storage key of a message.
type ContractKeyProvider interface {
	ContractKey(msg any) (string, error)
}

// ContractKeyer lets a message supply its own contract key.
type ContractKeyer interface {
	ContractKey() string
}

// ConfigProvider is the structured configuration layer consulted for
// per-message-type policies.
type ConfigProvider interface {
	CacheConfig(msgType reflect.Type) (CacheItemConfig, bool)
}

// Observer receives mediator lifecycle notifications. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e LifecycleEvent)
}

// Subscription represents an ad-hoc event subscription that can be closed.
type Subscription interface {
	Close() error
}

// API is the non-generic surface of the Mediator.
type API interface {
	Send(ctx context.Context, cmd Command, opts ...CallOption) error
	Publish(ctx context.Context, evt Event, opts ...CallOption) error
	Registry() *Registry
	Close(ctx context.Context) error
	GetMetrics() Metrics
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Mediator)(nil)
