package xmediator

import (
	"context"
	"iter"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"github.com/trickstertwo/xlog"
)

// ScopeFunc opens a per-call dependency scope. It runs once per top-level
// dispatch and once per event handler invocation; release is called when the
// scoped work finishes.
type ScopeFunc func(ctx context.Context) (scoped context.Context, release func())

// Mediator resolves handlers for messages and runs them through their
// middleware pipelines.
type Mediator struct {
	registry *Registry
	codec    Codec
	clock    Clock
	logger   *xlog.Logger
	scope    ScopeFunc

	parallel      bool
	fireAndForget bool

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	metrics   *mediatorMetrics
	onClose   []func(context.Context) error
	detachMu  sync.Mutex // orders detached.Add against closing
	detached  sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// mediatorMetrics uses lock-free atomics.
type mediatorMetrics struct {
	sent                atomic.Uint64
	requested           atomic.Uint64
	streamed            atomic.Uint64
	published           atomic.Uint64
	invocations         atomic.Uint64
	errors              atomic.Uint64
	handledExceptions   atomic.Uint64
	fireAndForgetFailed atomic.Uint64
	cacheHits           atomic.Uint64
	cacheMisses         atomic.Uint64
	inFlightFireForget  atomic.Int64
	dispatches          atomic.Uint64
	processingNs        atomic.Int64
}

// Registry returns the handler and middleware registry.
func (m *Mediator) Registry() *Registry { return m.registry }

// Codec returns the configured codec.
func (m *Mediator) Codec() Codec { return m.codec }

// Logger returns the configured logger.
func (m *Mediator) Logger() *xlog.Logger { return m.logger }

// Send dispatches cmd to its single handler.
func (m *Mediator) Send(ctx context.Context, cmd Command, opts ...CallOption) error {
	if m.closed.Load() {
		return ErrMediatorClosed
	}
	if cmd == nil {
		return ErrNilMessage
	}

	t := reflect.TypeOf(cmd)
	entry, err := m.registry.resolve(t, ShapeCommand)
	if err != nil {
		m.metrics.errors.Add(1)
		return err
	}
	m.metrics.sent.Add(1)

	ctx, mc, release := m.begin(ctx, cmd, ShapeCommand, nil, entry, collectOptions(opts))
	defer release()

	start := m.clock.Now()
	m.notifyAsync(LifecycleEvent{Type: DispatchStart, Shape: ShapeCommand, ContextID: mc.ID().String(), MessageType: t, Handlers: 1})

	terminal := func(ctx context.Context) error {
		m.metrics.invocations.Add(1)
		return catch(func() error { return entry.command(ctx, mc, cmd) })
	}
	err = buildCommand(m.registry.pipes.commandChain(t), mc, terminal)(ctx)

	m.finish(mc, DispatchDone, start, 1, err)
	return err
}

// Ask dispatches req to its single handler and returns the typed result.
//
// This is a package-level function due to Go generics limitations: methods
// cannot have type parameters independent of the receiver.
func Ask[R any](ctx context.Context, m *Mediator, req Request[R], opts ...CallOption) (R, error) {
	var zero R
	if req == nil {
		return zero, ErrNilMessage
	}
	v, err := m.ask(ctx, req, reflect.TypeFor[R](), opts)
	if err != nil {
		return zero, err
	}
	return castResult[R](v)
}

func (m *Mediator) ask(ctx context.Context, req any, resultType reflect.Type, opts []CallOption) (any, error) {
	if m.closed.Load() {
		return nil, ErrMediatorClosed
	}

	t := reflect.TypeOf(req)
	entry, err := m.registry.resolve(t, ShapeRequest)
	if err != nil {
		m.metrics.errors.Add(1)
		return nil, err
	}
	m.metrics.requested.Add(1)

	ctx, mc, release := m.begin(ctx, req, ShapeRequest, resultType, entry, collectOptions(opts))
	defer release()

	start := m.clock.Now()
	m.notifyAsync(LifecycleEvent{Type: DispatchStart, Shape: ShapeRequest, ContextID: mc.ID().String(), MessageType: t, Handlers: 1})

	terminal := func(ctx context.Context) (res any, err error) {
		m.metrics.invocations.Add(1)
		err = catch(func() error {
			res, err = entry.request(ctx, mc, req)
			return err
		})
		return res, err
	}
	res, err := buildRequest(m.registry.pipes.requestChain(t), mc, terminal)(ctx)

	m.finish(mc, DispatchDone, start, 1, err)
	return res, err
}

// AskStream returns the lazy result sequence of a stream request. Nothing is
// resolved or invoked until the sequence is ranged over; each range is a new
// dispatch with its own Context. Iteration stops when ctx is canceled.
func AskStream[R any](ctx context.Context, m *Mediator, req StreamRequest[R], opts ...CallOption) iter.Seq2[R, error] {
	if req == nil {
		return castSeq[R](errSeq(ErrNilMessage))
	}
	return castSeq[R](m.stream(ctx, req, reflect.TypeFor[R](), opts))
}

func (m *Mediator) stream(ctx context.Context, req any, resultType reflect.Type, opts []CallOption) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		if m.closed.Load() {
			yield(nil, ErrMediatorClosed)
			return
		}

		t := reflect.TypeOf(req)
		entry, err := m.registry.resolve(t, ShapeStream)
		if err != nil {
			m.metrics.errors.Add(1)
			yield(nil, err)
			return
		}
		m.metrics.streamed.Add(1)

		ctx, mc, release := m.begin(ctx, req, ShapeStream, resultType, entry, collectOptions(opts))
		defer release()

		start := m.clock.Now()
		m.notifyAsync(LifecycleEvent{Type: DispatchStart, Shape: ShapeStream, ContextID: mc.ID().String(), MessageType: t, Handlers: 1})

		terminal := func(ctx context.Context) iter.Seq2[any, error] {
			m.metrics.invocations.Add(1)
			var seq iter.Seq2[any, error]
			if err := catch(func() error { seq = entry.stream(ctx, mc, req); return nil }); err != nil {
				return errSeq(err)
			}
			return recoverSeq(seq)
		}

		var failed error
		for v, err := range buildStream(m.registry.pipes.streamChain(t), mc, terminal)(ctx) {
			if err == nil && ctx.Err() != nil {
				err = ctx.Err()
			}
			if err != nil {
				failed = err
				yield(nil, err)
				break
			}
			if !yield(v, nil) {
				break
			}
		}

		m.finish(mc, DispatchDone, start, 1, failed)
	}
}

// Publish fans evt out to every resolved handler. With no handlers it returns
// nil without running any middleware. See WithParallel and WithFireAndForget.
func (m *Mediator) Publish(ctx context.Context, evt Event, opts ...CallOption) error {
	if m.closed.Load() {
		return ErrMediatorClosed
	}
	if evt == nil {
		return ErrNilMessage
	}

	o := collectOptions(opts)
	parallel, fireAndForget := m.parallel, m.fireAndForget
	if o.parallel != nil {
		parallel = *o.parallel
	}
	if o.fireAndForget != nil {
		fireAndForget = *o.fireAndForget
	}

	t := reflect.TypeOf(evt)
	listeners := m.registry.resolveEvent(t)
	m.metrics.published.Add(1)
	if len(listeners) == 0 {
		return nil
	}
	if fireAndForget {
		m.detachMu.Lock()
		if m.closed.Load() {
			m.detachMu.Unlock()
			return ErrMediatorClosed
		}
		m.detached.Add(1)
		m.detachMu.Unlock()
	}

	ctx, mc, release := m.begin(ctx, evt, ShapeEvent, nil, nil, o)
	handlers := make([]any, len(listeners))
	for i, l := range listeners {
		handlers[i] = handlerOf(l)
	}
	mc.setHandlers(handlers...)
	mws := m.registry.pipes.eventChain(t)

	start := m.clock.Now()
	m.notifyAsync(LifecycleEvent{Type: PublishStart, Shape: ShapeEvent, ContextID: mc.ID().String(), MessageType: t, Handlers: len(listeners)})

	if !fireAndForget {
		defer release()
		err := m.fanOut(ctx, mc, evt, listeners, mws, parallel)
		m.finish(mc, PublishDone, start, len(listeners), err)
		return err
	}

	dctx := context.WithoutCancel(ctx)
	m.metrics.inFlightFireForget.Add(1)
	go func() {
		defer m.detached.Done()
		defer m.metrics.inFlightFireForget.Add(-1)
		defer release()

		var err error
		var pc panics.Catcher
		pc.Try(func() { err = m.fanOut(dctx, mc, evt, listeners, mws, parallel) })
		if r := pc.Recovered(); r != nil {
			err = &PanicError{Value: r.Value, Stack: r.Stack}
		}
		if err != nil {
			m.metrics.fireAndForgetFailed.Add(1)
			m.logger.Error().Err(err).
				Str("event", t.String()).
				Str("context_id", mc.ID().String()).
				Msg("xmediator: fire-and-forget publish failed")
			m.notifyAsync(LifecycleEvent{Type: FireAndForgetFailed, Shape: ShapeEvent, ContextID: mc.ID().String(), MessageType: t, Err: err})
		}
		m.finish(mc, PublishDone, start, len(listeners), err)
	}()
	return nil
}

// fanOut runs every listener through the event pipeline. Parallel fan-out
// waits for all handlers and joins their errors; sequential fan-out stops at
// the first error or once ctx is canceled.
func (m *Mediator) fanOut(ctx context.Context, mc *Context, evt Event, listeners []EventListener, mws []EventMiddleware, parallel bool) error {
	invoke := func(ctx context.Context, l EventListener) error {
		ctx, release := m.openScope(ctx)
		defer release()
		terminal := func(ctx context.Context) error {
			m.metrics.invocations.Add(1)
			return catch(func() error { return l.HandleEvent(ctx, mc, evt) })
		}
		err := buildEvent(mws, mc, terminal)(ctx)
		if err != nil {
			m.notifyAsync(LifecycleEvent{Type: HandlerFailed, Shape: ShapeEvent, ContextID: mc.ID().String(), MessageType: mc.MessageType(), Err: err})
		}
		return err
	}

	if !parallel {
		for _, l := range listeners {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := invoke(ctx, l); err != nil {
				return err
			}
		}
		return nil
	}

	p := pool.New().WithErrors()
	for _, l := range listeners {
		p.Go(func() error { return catch(func() error { return invoke(ctx, l) }) })
	}
	return p.Wait()
}

// Subscribe registers fn as an ad-hoc handler for events of type E until the
// returned Subscription is closed.
func Subscribe[E any](m *Mediator, fn func(ctx context.Context, mc *Context, evt E) error) Subscription {
	return m.registry.subscribe(reflect.TypeFor[E](), &funcListener[E]{fn: fn})
}

// begin creates the call's Context, links it to the dispatching parent found
// in ctx and opens the per-call scope.
func (m *Mediator) begin(ctx context.Context, msg any, shape Shape, resultType reflect.Type, entry *handlerEntry, o callOptions) (context.Context, *Context, func()) {
	parent, _ := FromContext(ctx)
	mc := newContext(parent, msg, shape, resultType, m.clock.Now())
	if entry != nil {
		mc.policy = entry.policy
		mc.setHandlers(entry.handler)
	}
	o.apply(mc)
	mc.setState(StateDispatching)

	ctx = injectContext(ctx, mc)
	ctx = injectMediator(ctx, m)
	ctx = injectLogger(ctx, m.logger)
	ctx = injectCodec(ctx, m.codec)
	ctx, release := m.openScope(ctx)
	return ctx, mc, func() {
		release()
		mc.setState(StateDiscarded)
	}
}

func (m *Mediator) openScope(ctx context.Context) (context.Context, func()) {
	if m.scope == nil {
		return ctx, func() {}
	}
	scoped, release := m.scope(ctx)
	if scoped == nil {
		scoped = ctx
	}
	if release == nil {
		release = func() {}
	}
	return scoped, release
}

func (m *Mediator) finish(mc *Context, typ LifecycleType, start time.Time, handlers int, err error) {
	d := m.clock.Now().Sub(start)
	m.recordProcessingTime(d)
	if err != nil {
		m.metrics.errors.Add(1)
	}
	mc.complete(err)
	m.notifyAsync(LifecycleEvent{
		Type:        typ,
		Shape:       mc.Shape(),
		ContextID:   mc.ID().String(),
		MessageType: mc.MessageType(),
		Handlers:    handlers,
		Duration:    d,
		Err:         err,
	})
}

func (m *Mediator) recordProcessingTime(d time.Duration) {
	m.metrics.dispatches.Add(1)
	m.metrics.processingNs.Add(d.Nanoseconds())
}

// catch runs fn and converts a panic into a *PanicError.
func catch(fn func() error) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = fn() })
	if r := pc.Recovered(); r != nil {
		return &PanicError{Value: r.Value, Stack: r.Stack}
	}
	return err
}

// recoverSeq converts a panic raised while producing items into a final
// *PanicError item. Panics raised by the consumer's loop body propagate.
func recoverSeq(seq iter.Seq2[any, error]) iter.Seq2[any, error] {
	if seq == nil {
		return func(func(any, error) bool) {}
	}
	return func(yield func(any, error) bool) {
		inYield := false
		var pc panics.Catcher
		pc.Try(func() {
			for v, err := range seq {
				inYield = true
				cont := yield(v, err)
				inYield = false
				if !cont {
					return
				}
			}
		})
		r := pc.Recovered()
		if r == nil {
			return
		}
		if inYield {
			panic(r.Value)
		}
		yield(nil, &PanicError{Value: r.Value, Stack: r.Stack})
	}
}

// Close stops accepting dispatches, waits for fire-and-forget fan-outs to
// finish (bounded by ctx), drains the observer pool and runs the close hooks.
func (m *Mediator) Close(ctx context.Context) error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.detachMu.Lock()
		m.closed.Store(true)
		m.detachMu.Unlock()

		done := make(chan struct{})
		go func() {
			m.detached.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			closeErr = ctx.Err()
			m.logger.Warn().Err(closeErr).Msg("xmediator: close interrupted before fire-and-forget work finished")
		}

		if m.observerPool != nil {
			timeout := 5 * time.Second
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < timeout {
					timeout = rem
				}
			}
			if err := m.observerPool.Close(timeout); err != nil {
				m.logger.Warn().Err(err).Msg("xmediator: observer pool shutdown timeout")
				if closeErr == nil {
					closeErr = err
				}
			}
		}

		for _, fn := range m.onClose {
			if err := fn(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("xmediator: close hook failed")
				if closeErr == nil {
					closeErr = err
				}
			}
		}
	})
	return closeErr
}

// GetMetrics returns a snapshot of mediator telemetry.
func (m *Mediator) GetMetrics() Metrics {
	var avg float64
	if n := m.metrics.dispatches.Load(); n > 0 {
		avg = float64(m.metrics.processingNs.Load()) / float64(n) / 1e6
	}
	var dropped uint64
	if m.observerPool != nil {
		dropped = m.observerPool.Stats().Dropped
	}
	return Metrics{
		Sent:                m.metrics.sent.Load(),
		Requested:           m.metrics.requested.Load(),
		Streamed:            m.metrics.streamed.Load(),
		Published:           m.metrics.published.Load(),
		HandlerInvocations:  m.metrics.invocations.Load(),
		Errors:              m.metrics.errors.Load(),
		HandledExceptions:   m.metrics.handledExceptions.Load(),
		FireAndForgetFailed: m.metrics.fireAndForgetFailed.Load(),
		CacheHits:           m.metrics.cacheHits.Load(),
		CacheMisses:         m.metrics.cacheMisses.Load(),
		InFlightFireForget:  m.metrics.inFlightFireForget.Load(),
		EventsDropped:       dropped,
		AvgDispatchTimeMs:   avg,
	}
}

// GetObserverPoolStats returns observer pool statistics, if a pool is configured.
func (m *Mediator) GetObserverPoolStats() (PoolStats, bool) {
	if m.observerPool == nil {
		return PoolStats{}, false
	}
	return m.observerPool.Stats(), true
}

// AddObserver registers an observer for lifecycle events.
func (m *Mediator) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	m.observersMu.Lock()
	m.observers = append(m.observers, obs)
	m.observersMu.Unlock()
}

// RemoveObserver unregisters a previously added observer.
func (m *Mediator) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	for i, o := range m.observers {
		if reflect.ValueOf(o).Comparable() && o == obs {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

// notifyAsync hands e to the observer pool, or calls observers inline when no
// pool is configured.
func (m *Mediator) notifyAsync(e LifecycleEvent) {
	m.observersMu.RLock()
	if len(m.observers) == 0 {
		m.observersMu.RUnlock()
		return
	}
	obs := make([]Observer, len(m.observers))
	copy(obs, m.observers)
	m.observersMu.RUnlock()

	if m.observerPool != nil {
		m.observerPool.Notify(e, obs)
		return
	}
	for _, o := range obs {
		if r := panics.Try(func() { o.OnEvent(e) }); r != nil {
			m.logger.Warn().Err(r.AsError()).Msg("xmediator: observer panic (recovered)")
		}
	}
}

// recordCache is used by the caching middleware.
func (m *Mediator) recordCache(mc *Context, hit bool) {
	typ := CacheMiss
	if hit {
		typ = CacheHit
		m.metrics.cacheHits.Add(1)
	} else {
		m.metrics.cacheMisses.Add(1)
	}
	m.notifyAsync(LifecycleEvent{Type: typ, Shape: mc.Shape(), ContextID: mc.ID().String(), MessageType: mc.MessageType()})
}

func (m *Mediator) recordHandledException(mc *Context, err error) {
	m.metrics.handledExceptions.Add(1)
	m.notifyAsync(LifecycleEvent{Type: ExceptionHandled, Shape: mc.Shape(), ContextID: mc.ID().String(), MessageType: mc.MessageType(), Err: err})
}
