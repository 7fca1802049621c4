package xmediator

import (
	"context"
	"maps"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"
)

// State is the lifecycle position of a Context.
type State int32

const (
	StateCreated State = iota
	StateDispatching
	StateCompleted
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateDispatching:
		return "dispatching"
	case StateCompleted:
		return "completed"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Context is the per-call state threaded through resolution, middleware and
// handlers. One is created for every top-level dispatch and for every dispatch
// made from inside a handler (a child). A Context is never shared across calls.
type Context struct {
	id         uuid.UUID
	message    any
	msgType    reflect.Type
	resultType reflect.Type
	shape      Shape
	createdAt  time.Time
	parent     weak.Pointer[Context]
	policy     handlerPolicy

	state                   atomic.Int32
	bypassMiddleware        atomic.Bool
	bypassExceptionHandling atomic.Bool

	mu       sync.Mutex
	handlers []any
	headers  map[string]any
	children []*Context
	err      error
}

func newContext(parent *Context, msg any, shape Shape, resultType reflect.Type, now time.Time) *Context {
	mc := &Context{
		id:         uuid.New(),
		message:    msg,
		msgType:    reflect.TypeOf(msg),
		resultType: resultType,
		shape:      shape,
		createdAt:  now,
		headers:    make(map[string]any),
	}
	if parent != nil {
		mc.parent = weak.Make(parent)
		parent.mu.Lock()
		parent.children = append(parent.children, mc)
		parent.mu.Unlock()
	}
	return mc
}

func (c *Context) ID() uuid.UUID              { return c.id }
func (c *Context) Message() any               { return c.message }
func (c *Context) MessageType() reflect.Type  { return c.msgType }
func (c *Context) Shape() Shape               { return c.shape }
func (c *Context) CreatedAt() time.Time       { return c.createdAt }
func (c *Context) State() State               { return State(c.state.Load()) }
func (c *Context) setState(s State)           { c.state.Store(int32(s)) }
func (c *Context) BypassMiddleware() bool     { return c.bypassMiddleware.Load() }
func (c *Context) SetBypassMiddleware(b bool) { c.bypassMiddleware.Store(b) }

// ResultType is the requested result type for request and stream dispatches.
func (c *Context) ResultType() reflect.Type { return c.resultType }

func (c *Context) BypassExceptionHandling() bool { return c.bypassExceptionHandling.Load() }

func (c *Context) SetBypassExceptionHandling(b bool) { c.bypassExceptionHandling.Store(b) }

// Parent returns the context of the dispatch that triggered this one, or nil.
// The parent is not kept alive by its children.
func (c *Context) Parent() *Context {
	return c.parent.Value()
}

// Children returns the contexts of dispatches made from inside this one.
func (c *Context) Children() []*Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Context, len(c.children))
	copy(out, c.children)
	return out
}

// Handler returns the resolved handler for single-handler dispatches.
func (c *Context) Handler() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handlers) == 0 {
		return nil
	}
	return c.handlers[0]
}

// Handlers returns every resolved handler (event dispatches may have many).
func (c *Context) Handlers() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.handlers))
	copy(out, c.handlers)
	return out
}

func (c *Context) setHandlers(hs ...any) {
	c.mu.Lock()
	c.handlers = hs
	c.mu.Unlock()
}

// Header returns the raw header value stored under name.
func (c *Context) Header(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.headers[name]
	return v, ok
}

// SetHeader stores v under name; the last write wins.
func (c *Context) SetHeader(name string, v any) {
	c.mu.Lock()
	c.headers[name] = v
	c.mu.Unlock()
}

func (c *Context) RemoveHeader(name string) {
	c.mu.Lock()
	delete(c.headers, name)
	c.mu.Unlock()
}

// Headers returns a snapshot of the header bag.
func (c *Context) Headers() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.headers)
}

// Err returns the error captured for this call, including errors that an
// exception handler marked handled.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SetErr captures err on the context.
func (c *Context) SetErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// complete records the outcome of the call.
func (c *Context) complete(err error) {
	if err != nil {
		c.SetErr(err)
	}
	c.setState(StateCompleted)
}

// ctxKey is the base for all context keys in xmediator (prevents collisions).
type ctxKey string

const (
	mediatorCtxKey ctxKey = "xmediator:mediator"
	currentCtxKey  ctxKey = "xmediator:context"
	loggerCtxKey   ctxKey = "xmediator:logger"
	codecCtxKey    ctxKey = "xmediator:codec"
)

func injectContext(ctx context.Context, mc *Context) context.Context {
	if mc == nil {
		return ctx
	}
	return context.WithValue(ctx, currentCtxKey, mc)
}

// FromContext returns the mediator Context of the dispatch ctx belongs to.
func FromContext(ctx context.Context) (*Context, bool) {
	if v := ctx.Value(currentCtxKey); v != nil {
		if mc, ok := v.(*Context); ok && mc != nil {
			return mc, true
		}
	}
	return nil, false
}

func injectMediator(ctx context.Context, m *Mediator) context.Context {
	if m == nil {
		return ctx
	}
	return context.WithValue(ctx, mediatorCtxKey, m)
}

// MediatorFromContext returns the Mediator that is dispatching the current call.
func MediatorFromContext(ctx context.Context) (*Mediator, bool) {
	if v := ctx.Value(mediatorCtxKey); v != nil {
		if m, ok := v.(*Mediator); ok && m != nil {
			return m, true
		}
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the mediator's logger for use inside handlers.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}
