package xmediator

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"reflect"
	"slices"
	"sync"
)

// Middleware priorities. Lower numbers run further out; ties keep registration order.
const (
	PriorityExceptionHandling = -1000
	PriorityValidation        = -900
	PriorityDefault           = 0
	PriorityOffline           = 800
	PriorityCaching           = 900
)

// MiddlewareOption configures a middleware registration.
type MiddlewareOption func(*middlewareSpec)

type middlewareSpec struct {
	priority int
	match    func(reflect.Type) bool
}

// WithPriority sets the ordering priority (default PriorityDefault).
func WithPriority(n int) MiddlewareOption {
	return func(s *middlewareSpec) { s.priority = n }
}

// ForMessage restricts the middleware to messages whose exact type is T.
func ForMessage[T any]() MiddlewareOption {
	t := reflect.TypeFor[T]()
	return When(func(mt reflect.Type) bool { return mt == t })
}

// When restricts the middleware to message types accepted by pred. Multiple
// predicates must all accept.
func When(pred func(msgType reflect.Type) bool) MiddlewareOption {
	return func(s *middlewareSpec) {
		if pred == nil {
			return
		}
		prev := s.match
		if prev == nil {
			s.match = pred
			return
		}
		s.match = func(t reflect.Type) bool { return prev(t) && pred(t) }
	}
}

type registration[M any] struct {
	id       int
	spec     middlewareSpec
	instance M
	factory  func(reflect.Type) M
}

type instanceKey struct {
	id int
	t  reflect.Type
}

// pipelines holds middleware registrations and the per-type chains built from them.
type pipelines struct {
	mu   sync.Mutex
	next int

	command []registration[CommandMiddleware]
	request []registration[RequestMiddleware]
	stream  []registration[StreamMiddleware]
	event   []registration[EventMiddleware]

	// factory products survive chain invalidation
	instances map[instanceKey]any
	chains    map[registryKey]any
}

func newPipelines() pipelines {
	return pipelines{
		instances: make(map[instanceKey]any),
		chains:    make(map[registryKey]any),
	}
}

func newRegistration[M any](p *pipelines, instance M, factory func(reflect.Type) M, opts []MiddlewareOption) registration[M] {
	spec := middlewareSpec{priority: PriorityDefault}
	for _, o := range opts {
		if o != nil {
			o(&spec)
		}
	}
	p.next++
	clear(p.chains)
	return registration[M]{id: p.next, spec: spec, instance: instance, factory: factory}
}

// UseCommand registers command middleware applying to every command matching opts.
func (r *Registry) UseCommand(mw CommandMiddleware, opts ...MiddlewareOption) {
	if mw == nil {
		return
	}
	p := &r.pipes
	p.mu.Lock()
	p.command = append(p.command, newRegistration(p, mw, nil, opts))
	p.mu.Unlock()
}

// UseCommandFactory registers a per-message-type command middleware factory.
func (r *Registry) UseCommandFactory(f CommandMiddlewareFactory, opts ...MiddlewareOption) {
	if f == nil {
		return
	}
	p := &r.pipes
	p.mu.Lock()
	p.command = append(p.command, newRegistration[CommandMiddleware](p, nil, f, opts))
	p.mu.Unlock()
}

// UseRequest registers request middleware applying to every request matching opts.
func (r *Registry) UseRequest(mw RequestMiddleware, opts ...MiddlewareOption) {
	if mw == nil {
		return
	}
	p := &r.pipes
	p.mu.Lock()
	p.request = append(p.request, newRegistration(p, mw, nil, opts))
	p.mu.Unlock()
}

// UseRequestFactory registers a per-message-type request middleware factory.
func (r *Registry) UseRequestFactory(f RequestMiddlewareFactory, opts ...MiddlewareOption) {
	if f == nil {
		return
	}
	p := &r.pipes
	p.mu.Lock()
	p.request = append(p.request, newRegistration[RequestMiddleware](p, nil, f, opts))
	p.mu.Unlock()
}

// UseStream registers stream middleware applying to every stream request matching opts.
func (r *Registry) UseStream(mw StreamMiddleware, opts ...MiddlewareOption) {
	if mw == nil {
		return
	}
	p := &r.pipes
	p.mu.Lock()
	p.stream = append(p.stream, newRegistration(p, mw, nil, opts))
	p.mu.Unlock()
}

// UseStreamFactory registers a per-message-type stream middleware factory.
func (r *Registry) UseStreamFactory(f StreamMiddlewareFactory, opts ...MiddlewareOption) {
	if f == nil {
		return
	}
	p := &r.pipes
	p.mu.Lock()
	p.stream = append(p.stream, newRegistration[StreamMiddleware](p, nil, f, opts))
	p.mu.Unlock()
}

// UseEvent registers event middleware. It wraps each handler invocation.
func (r *Registry) UseEvent(mw EventMiddleware, opts ...MiddlewareOption) {
	if mw == nil {
		return
	}
	p := &r.pipes
	p.mu.Lock()
	p.event = append(p.event, newRegistration(p, mw, nil, opts))
	p.mu.Unlock()
}

// UseEventFactory registers a per-event-type middleware factory.
func (r *Registry) UseEventFactory(f EventMiddlewareFactory, opts ...MiddlewareOption) {
	if f == nil {
		return
	}
	p := &r.pipes
	p.mu.Lock()
	p.event = append(p.event, newRegistration[EventMiddleware](p, nil, f, opts))
	p.mu.Unlock()
}

// UseCommandFor registers middleware bound to commands of type C only.
func UseCommandFor[C any](r *Registry, fn func(ctx context.Context, mc *Context, cmd C, next CommandNext) error, opts ...MiddlewareOption) {
	r.UseCommand(CommandMiddlewareFunc(func(ctx context.Context, mc *Context, next CommandNext) error {
		cmd, ok := mc.Message().(C)
		if !ok {
			return next(ctx)
		}
		return fn(ctx, mc, cmd, next)
	}), append([]MiddlewareOption{ForMessage[C]()}, opts...)...)
}

// UseRequestFor registers middleware bound to requests of type Q with a typed
// continue delegate.
func UseRequestFor[Q Request[R], R any](r *Registry, fn func(ctx context.Context, mc *Context, req Q, next func(context.Context) (R, error)) (R, error), opts ...MiddlewareOption) {
	r.UseRequest(RequestMiddlewareFunc(func(ctx context.Context, mc *Context, next RequestNext) (any, error) {
		req, ok := mc.Message().(Q)
		if !ok {
			return next(ctx)
		}
		typed := func(ctx context.Context) (R, error) {
			v, err := next(ctx)
			if err != nil {
				var zero R
				return zero, err
			}
			return castResult[R](v)
		}
		return fn(ctx, mc, req, typed)
	}), append([]MiddlewareOption{ForMessage[Q]()}, opts...)...)
}

// UseStreamFor registers middleware bound to stream requests of type Q.
func UseStreamFor[Q StreamRequest[R], R any](r *Registry, fn func(ctx context.Context, mc *Context, req Q, next func(context.Context) iter.Seq2[R, error]) iter.Seq2[R, error], opts ...MiddlewareOption) {
	r.UseStream(StreamMiddlewareFunc(func(ctx context.Context, mc *Context, next StreamNext) iter.Seq2[any, error] {
		req, ok := mc.Message().(Q)
		if !ok {
			return next(ctx)
		}
		typed := func(ctx context.Context) iter.Seq2[R, error] {
			return castSeq[R](next(ctx))
		}
		return eraseSeq(fn(ctx, mc, req, typed))
	}), append([]MiddlewareOption{ForMessage[Q]()}, opts...)...)
}

// UseEventFor registers middleware bound to events of type E.
func UseEventFor[E any](r *Registry, fn func(ctx context.Context, mc *Context, evt E, next EventNext) error, opts ...MiddlewareOption) {
	r.UseEvent(EventMiddlewareFunc(func(ctx context.Context, mc *Context, next EventNext) error {
		evt, ok := mc.Message().(E)
		if !ok {
			return next(ctx)
		}
		return fn(ctx, mc, evt, next)
	}), append([]MiddlewareOption{ForMessage[E]()}, opts...)...)
}

// resolveChain filters regs for t, orders them outermost first and
// instantiates factories once per (registration, type). It runs without p.mu
// so predicates and factories may call back into the Registry.
func resolveChain[M comparable](p *pipelines, regs []registration[M], t reflect.Type) []M {
	matched := make([]registration[M], 0, len(regs))
	for _, reg := range regs {
		if reg.spec.match == nil || reg.spec.match(t) {
			matched = append(matched, reg)
		}
	}
	slices.SortStableFunc(matched, func(a, b registration[M]) int {
		return cmp.Compare(a.spec.priority, b.spec.priority)
	})

	var zero M
	out := make([]M, 0, len(matched))
	for _, reg := range matched {
		mw := reg.instance
		if reg.factory != nil {
			mw = factoryProduct(p, reg, t)
		}
		if mw != zero {
			out = append(out, mw)
		}
	}
	return out
}

// factoryProduct returns the product of reg for t. Concurrent builders may
// both call the factory; the first stored product wins.
func factoryProduct[M any](p *pipelines, reg registration[M], t reflect.Type) M {
	k := instanceKey{id: reg.id, t: t}
	p.mu.Lock()
	v, ok := p.instances[k]
	p.mu.Unlock()
	if ok {
		mw, _ := v.(M)
		return mw
	}

	mw := reg.factory(t)
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.instances[k]; ok {
		mw, _ = v.(M)
		return mw
	}
	p.instances[k] = mw
	return mw
}

func chainFor[M comparable](p *pipelines, regs func() []registration[M], t reflect.Type, shape Shape) []M {
	k := registryKey{t: t, shape: shape}
	p.mu.Lock()
	if v, ok := p.chains[k]; ok {
		p.mu.Unlock()
		return v.([]M)
	}
	snapshot, gen := slices.Clone(regs()), p.next
	p.mu.Unlock()

	chain := resolveChain(p, snapshot, t)

	p.mu.Lock()
	defer p.mu.Unlock()
	// a registration made meanwhile invalidates what was just built
	if p.next == gen {
		p.chains[k] = chain
	}
	return chain
}

func (p *pipelines) commandChain(t reflect.Type) []CommandMiddleware {
	return chainFor(p, func() []registration[CommandMiddleware] { return p.command }, t, ShapeCommand)
}

func (p *pipelines) requestChain(t reflect.Type) []RequestMiddleware {
	return chainFor(p, func() []registration[RequestMiddleware] { return p.request }, t, ShapeRequest)
}

func (p *pipelines) streamChain(t reflect.Type) []StreamMiddleware {
	return chainFor(p, func() []registration[StreamMiddleware] { return p.stream }, t, ShapeStream)
}

func (p *pipelines) eventChain(t reflect.Type) []EventMiddleware {
	return chainFor(p, func() []registration[EventMiddleware] { return p.event }, t, ShapeEvent)
}

// The build functions fold right to left: mws[0] ends up outermost. A context
// with BypassMiddleware gets the terminal invocation back unwrapped.

func buildCommand(mws []CommandMiddleware, mc *Context, terminal CommandNext) CommandNext {
	if mc.BypassMiddleware() {
		return terminal
	}
	next := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		mw, inner := mws[i], next
		next = func(ctx context.Context) error { return mw.ProcessCommand(ctx, mc, inner) }
	}
	return next
}

func buildRequest(mws []RequestMiddleware, mc *Context, terminal RequestNext) RequestNext {
	if mc.BypassMiddleware() {
		return terminal
	}
	next := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		mw, inner := mws[i], next
		next = func(ctx context.Context) (any, error) { return mw.ProcessRequest(ctx, mc, inner) }
	}
	return next
}

func buildStream(mws []StreamMiddleware, mc *Context, terminal StreamNext) StreamNext {
	if mc.BypassMiddleware() {
		return terminal
	}
	next := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		mw, inner := mws[i], next
		next = func(ctx context.Context) iter.Seq2[any, error] { return mw.ProcessStream(ctx, mc, inner) }
	}
	return next
}

func buildEvent(mws []EventMiddleware, mc *Context, terminal EventNext) EventNext {
	if mc.BypassMiddleware() {
		return terminal
	}
	next := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		mw, inner := mws[i], next
		next = func(ctx context.Context) error { return mw.ProcessEvent(ctx, mc, inner) }
	}
	return next
}

// castResult converts a type-erased pipeline result back to R. A nil result
// (for example a handled exception) yields the zero value.
func castResult[R any](v any) (R, error) {
	var zero R
	if v == nil {
		return zero, nil
	}
	r, ok := v.(R)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %v", ErrResultType, v, reflect.TypeFor[R]())
	}
	return r, nil
}

func castSeq[R any](seq iter.Seq2[any, error]) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		var zero R
		for v, err := range seq {
			if err != nil {
				yield(zero, err)
				return
			}
			r, cerr := castResult[R](v)
			if cerr != nil {
				yield(zero, cerr)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}
