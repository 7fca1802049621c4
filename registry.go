package xmediator

import (
	"context"
	"fmt"
	"iter"
	"reflect"
	"slices"
	"sync"
)

type (
	commandInvoker func(ctx context.Context, mc *Context, msg any) error
	requestInvoker func(ctx context.Context, mc *Context, msg any) (any, error)
	streamInvoker  func(ctx context.Context, mc *Context, msg any) iter.Seq2[any, error]
)

// handlerEntry is one registration of a single-handler shape.
type handlerEntry struct {
	handler any
	command commandInvoker
	request requestInvoker
	stream  streamInvoker
	policy  handlerPolicy
}

// handlerPolicy is the configuration declared at registration time.
type handlerPolicy struct {
	cache   *CacheItemConfig
	offline bool
}

// HandlerOption configures a handler registration.
type HandlerOption func(*handlerPolicy)

// WithCachePolicy declares the cache policy of a request handler. Per-call
// overrides and the ConfigProvider take precedence over it.
func WithCachePolicy(cfg CacheItemConfig) HandlerOption {
	return func(p *handlerPolicy) { p.cache = &cfg }
}

// WithOfflinePolicy marks a request handler's results as eligible for offline storage.
func WithOfflinePolicy() HandlerOption {
	return func(p *handlerPolicy) { p.offline = true }
}

type registryKey struct {
	t     reflect.Type
	shape Shape
}

// Registry maps message types to handlers and middleware. It is safe for
// concurrent use; registrations made after the Mediator is built apply to
// subsequent dispatches.
type Registry struct {
	mu         sync.RWMutex
	single     map[registryKey][]*handlerEntry
	events     map[reflect.Type][]EventListener
	subs       map[reflect.Type][]*subscription
	collectors []EventCollector

	pipes pipelines
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		single: make(map[registryKey][]*handlerEntry),
		events: make(map[reflect.Type][]EventListener),
		subs:   make(map[reflect.Type][]*subscription),
		pipes:  newPipelines(),
	}
}

func (r *Registry) addSingle(t reflect.Type, shape Shape, e *handlerEntry, opts []HandlerOption) {
	for _, o := range opts {
		if o != nil {
			o(&e.policy)
		}
	}
	k := registryKey{t: t, shape: shape}
	r.mu.Lock()
	r.single[k] = append(r.single[k], e)
	r.mu.Unlock()
}

// RegisterCommand registers h as the handler of commands of type C.
//
// This is a package-level function due to Go generics limitations: methods
// cannot have type parameters independent of the receiver.
func RegisterCommand[C any](r *Registry, h CommandHandler[C], opts ...HandlerOption) {
	r.addSingle(reflect.TypeFor[C](), ShapeCommand, &handlerEntry{
		handler: h,
		command: func(ctx context.Context, mc *Context, msg any) error {
			cmd, ok := msg.(C)
			if !ok {
				return fmt.Errorf("xmediator: command %T is not %v", msg, reflect.TypeFor[C]())
			}
			return h.Handle(ctx, mc, cmd)
		},
	}, opts)
}

// RegisterCommandFunc registers fn as the handler of commands of type C.
func RegisterCommandFunc[C any](r *Registry, fn func(ctx context.Context, mc *Context, cmd C) error, opts ...HandlerOption) {
	RegisterCommand[C](r, CommandHandlerFunc[C](fn), opts...)
}

// RegisterRequest registers h as the handler of requests of type Q.
//
//	xmediator.RegisterRequest[GetUser, *User](reg, &GetUserHandler{db: db},
//	    xmediator.WithCachePolicy(xmediator.CacheItemConfig{AbsoluteExpiration: time.Minute}))
func RegisterRequest[Q Request[R], R any](r *Registry, h RequestHandler[Q, R], opts ...HandlerOption) {
	r.addSingle(reflect.TypeFor[Q](), ShapeRequest, &handlerEntry{
		handler: h,
		request: func(ctx context.Context, mc *Context, msg any) (any, error) {
			req, ok := msg.(Q)
			if !ok {
				return nil, fmt.Errorf("xmediator: request %T is not %v", msg, reflect.TypeFor[Q]())
			}
			return h.Handle(ctx, mc, req)
		},
	}, opts)
}

// RegisterRequestFunc registers fn as the handler of requests of type Q. Type
// parameters are inferred from fn.
func RegisterRequestFunc[Q Request[R], R any](r *Registry, fn func(ctx context.Context, mc *Context, req Q) (R, error), opts ...HandlerOption) {
	RegisterRequest[Q, R](r, RequestHandlerFunc[Q, R](fn), opts...)
}

// RegisterStream registers h as the handler of stream requests of type Q.
func RegisterStream[Q StreamRequest[R], R any](r *Registry, h StreamHandler[Q, R], opts ...HandlerOption) {
	r.addSingle(reflect.TypeFor[Q](), ShapeStream, &handlerEntry{
		handler: h,
		stream: func(ctx context.Context, mc *Context, msg any) iter.Seq2[any, error] {
			req, ok := msg.(Q)
			if !ok {
				return errSeq(fmt.Errorf("xmediator: stream request %T is not %v", msg, reflect.TypeFor[Q]()))
			}
			return eraseSeq(h.Handle(ctx, mc, req))
		},
	}, opts)
}

// RegisterStreamFunc registers fn as the handler of stream requests of type Q.
func RegisterStreamFunc[Q StreamRequest[R], R any](r *Registry, fn func(ctx context.Context, mc *Context, req Q) iter.Seq2[R, error], opts ...HandlerOption) {
	RegisterStream[Q, R](r, StreamHandlerFunc[Q, R](fn), opts...)
}

// RegisterEvent adds h to the handlers of events of type E.
func RegisterEvent[E any](r *Registry, h EventHandler[E]) {
	r.AddEventListener(reflect.TypeFor[E](), Listener(h))
}

// RegisterEventFunc adds fn to the handlers of events of type E.
func RegisterEventFunc[E any](r *Registry, fn func(ctx context.Context, mc *Context, evt E) error) {
	r.AddEventListener(reflect.TypeFor[E](), &funcListener[E]{fn: fn})
}

// AddEventListener registers a type-erased event handler for eventType.
func (r *Registry) AddEventListener(eventType reflect.Type, l EventListener) {
	if eventType == nil || l == nil {
		return
	}
	r.mu.Lock()
	r.events[eventType] = append(r.events[eventType], l)
	r.mu.Unlock()
}

// AddCollector registers an EventCollector consulted on every Publish.
func (r *Registry) AddCollector(c EventCollector) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.collectors = append(r.collectors, c)
	r.mu.Unlock()
}

// resolve returns the single handler registered for t under shape.
func (r *Registry) resolve(t reflect.Type, shape Shape) (*handlerEntry, error) {
	r.mu.RLock()
	entries := r.single[registryKey{t: t, shape: shape}]
	n := len(entries)
	var e *handlerEntry
	if n == 1 {
		e = entries[0]
	}
	r.mu.RUnlock()

	switch {
	case n == 0:
		return nil, &NoHandlerError{MessageType: t, Shape: shape}
	case n > 1:
		return nil, &AmbiguousHandlerError{MessageType: t, Shape: shape, Count: n}
	}
	return e, nil
}

// resolveEvent returns the union of static handlers, live subscriptions and
// collector-supplied handlers for t, de-duplicated by identity.
func (r *Registry) resolveEvent(t reflect.Type) []EventListener {
	r.mu.RLock()
	static := slices.Clone(r.events[t])
	subs := slices.Clone(r.subs[t])
	collectors := slices.Clone(r.collectors)
	r.mu.RUnlock()

	var (
		out  = make([]EventListener, 0, len(static)+len(subs))
		seen = make(map[any]struct{})
	)
	add := func(l EventListener) {
		if l == nil {
			return
		}
		if id := identity(l); id != nil {
			if _, dup := seen[id]; dup {
				return
			}
			seen[id] = struct{}{}
		}
		out = append(out, l)
	}

	for _, l := range static {
		add(l)
	}
	for _, s := range subs {
		add(s.listener)
	}
	for _, c := range collectors {
		for _, l := range c.Handlers(t) {
			add(l)
		}
	}
	return out
}

// identity returns a map key identifying l, or nil when l is not comparable.
func identity(l EventListener) any {
	if !reflect.ValueOf(l).Comparable() {
		return nil
	}
	return l
}

func (r *Registry) subscribe(t reflect.Type, l EventListener) *subscription {
	s := &subscription{registry: r, eventType: t, listener: l}
	r.mu.Lock()
	r.subs[t] = append(r.subs[t], s)
	r.mu.Unlock()
	return s
}

type subscription struct {
	registry  *Registry
	eventType reflect.Type
	listener  EventListener
	once      sync.Once
}

// Close removes the subscription; it is safe to call more than once.
func (s *subscription) Close() error {
	s.once.Do(func() {
		r := s.registry
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subs[s.eventType]
		if i := slices.Index(subs, s); i >= 0 {
			r.subs[s.eventType] = slices.Delete(subs, i, i+1)
		}
		if len(r.subs[s.eventType]) == 0 {
			delete(r.subs, s.eventType)
		}
	})
	return nil
}

// Listener adapts a typed EventHandler to an EventListener. Listeners wrapping
// the same comparable handler are equal, so collectors may return fresh
// wrappers on every call without producing duplicates.
func Listener[E any](h EventHandler[E]) EventListener {
	return listener[E]{h: h}
}

type listener[E any] struct {
	h EventHandler[E]
}

func (l listener[E]) HandleEvent(ctx context.Context, mc *Context, evt Event) error {
	e, ok := evt.(E)
	if !ok {
		return fmt.Errorf("xmediator: event %T is not %v", evt, reflect.TypeFor[E]())
	}
	return l.h.Handle(ctx, mc, e)
}

func (l listener[E]) unwrap() any { return l.h }

// funcListener is unique per registration: pointer identity.
type funcListener[E any] struct {
	fn func(ctx context.Context, mc *Context, evt E) error
}

func (l *funcListener[E]) HandleEvent(ctx context.Context, mc *Context, evt Event) error {
	e, ok := evt.(E)
	if !ok {
		return fmt.Errorf("xmediator: event %T is not %v", evt, reflect.TypeFor[E]())
	}
	return l.fn(ctx, mc, e)
}

// handlerOf returns the user-facing handler behind a listener.
func handlerOf(l EventListener) any {
	if u, ok := l.(interface{ unwrap() any }); ok {
		return u.unwrap()
	}
	return l
}

func eraseSeq[R any](seq iter.Seq2[R, error]) iter.Seq2[any, error] {
	if seq == nil {
		return func(func(any, error) bool) {}
	}
	return func(yield func(any, error) bool) {
		for v, err := range seq {
			if !yield(v, err) {
				return
			}
		}
	}
}

func errSeq(err error) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		yield(nil, err)
	}
}
