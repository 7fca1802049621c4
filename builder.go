package xmediator

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Builder constructs Mediator instances (Builder pattern).
//
// Build installs the configured infrastructure middleware (exception
// handling, validation, offline, caching) into the registry, so a registry
// should back a single Mediator.
type Builder struct {
	registry *Registry

	codecName string
	codecInst Codec

	logger *xlog.Logger
	clock  Clock
	scope  ScopeFunc

	observers       []Observer
	poolWorkers     int
	poolBufferSize  int
	observerPoolSet bool

	parallel      bool
	fireAndForget bool

	exceptionHandlers []ExceptionHandler
	validation        bool
	validator         *validator.Validate

	cacheStore     CacheStore
	cacheStoreName string
	cacheStoreCfg  map[string]any
	cacheOpts      []CacheOption
	keys           ContractKeyProvider
	config         ConfigProvider

	offlineStore CacheStore
	offlineOpts  []OfflineOption

	onClose []func(context.Context) error
}

// NewBuilder returns a builder with defaults: JSON codec, parallel blocking publish.
func NewBuilder() *Builder {
	return &Builder{
		codecName: "json",
		parallel:  true,
	}
}

// WithRegistry uses r instead of a fresh registry.
func (b *Builder) WithRegistry(r *Registry) *Builder {
	b.registry = r
	return b
}

func (b *Builder) WithCodec(name string) *Builder {
	b.codecName = name
	return b
}

// WithCodecInstance accepts a ready Codec instance.
func (b *Builder) WithCodecInstance(c Codec) *Builder {
	b.codecInst = c
	return b
}

func (b *Builder) WithLogger(l *xlog.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithClock(c Clock) *Builder {
	b.clock = c
	return b
}

// WithScope sets the per-call dependency scope.
func (b *Builder) WithScope(fn ScopeFunc) *Builder {
	b.scope = fn
	return b
}

func (b *Builder) WithObserver(obs ...Observer) *Builder {
	for _, o := range obs {
		if o != nil {
			b.observers = append(b.observers, o)
		}
	}
	return b
}

// WithObserverPool delivers lifecycle events asynchronously on workers goroutines.
func (b *Builder) WithObserverPool(workers, bufferSize int) *Builder {
	b.poolWorkers = workers
	b.poolBufferSize = bufferSize
	b.observerPoolSet = true
	return b
}

// WithPublishDefaults sets the fan-out policy used when Publish gets no
// WithParallel or WithFireAndForget option.
func (b *Builder) WithPublishDefaults(parallel, fireAndForget bool) *Builder {
	b.parallel = parallel
	b.fireAndForget = fireAndForget
	return b
}

// WithExceptionHandlers installs exception handling, outermost, for every shape.
func (b *Builder) WithExceptionHandlers(hs ...ExceptionHandler) *Builder {
	b.exceptionHandlers = append(b.exceptionHandlers, hs...)
	return b
}

// WithValidation installs validation for commands, requests and streams. A
// nil v uses a default validator.
func (b *Builder) WithValidation(v *validator.Validate) *Builder {
	b.validation = true
	b.validator = v
	return b
}

// WithCacheStore enables request caching backed by store.
func (b *Builder) WithCacheStore(store CacheStore, opts ...CacheOption) *Builder {
	b.cacheStore = store
	b.cacheOpts = append(b.cacheOpts, opts...)
	return b
}

// WithCacheStoreName enables request caching with a registered store adapter.
// The Mediator owns the store it builds and closes it on Close when the store
// has a Close(context.Context) error method.
func (b *Builder) WithCacheStoreName(name string, cfg map[string]any) *Builder {
	b.cacheStoreName = name
	b.cacheStoreCfg = cfg
	return b
}

// WithContractKeys replaces the default contract key derivation for caching
// and offline storage.
func (b *Builder) WithContractKeys(p ContractKeyProvider) *Builder {
	b.keys = p
	return b
}

// WithConfigProvider consults p for per-message-type cache policies.
func (b *Builder) WithConfigProvider(p ConfigProvider) *Builder {
	b.config = p
	return b
}

// WithOffline enables offline fallback for requests backed by store.
func (b *Builder) WithOffline(store CacheStore, opts ...OfflineOption) *Builder {
	b.offlineStore = store
	b.offlineOpts = append(b.offlineOpts, opts...)
	return b
}

// WithOnClose runs fn when the Mediator closes, after in-flight work has
// drained. Adapters use it to release the stores they created.
func (b *Builder) WithOnClose(fn func(ctx context.Context) error) *Builder {
	if fn != nil {
		b.onClose = append(b.onClose, fn)
	}
	return b
}

func (b *Builder) Build() (*Mediator, error) {
	reg := b.registry
	if reg == nil {
		reg = NewRegistry()
	}

	var cd Codec
	if b.codecInst != nil {
		cd = b.codecInst
	} else {
		var err error
		if cd, err = NewCodec(b.codecName); err != nil {
			return nil, err
		}
	}

	var clk Clock
	if b.clock != nil {
		clk = b.clock
	} else {
		clk = xclock.Default()
	}
	var lg *xlog.Logger
	if b.logger != nil {
		lg = b.logger
	} else {
		lg = xlog.Default()
	}

	onClose := slices.Clone(b.onClose)
	store := b.cacheStore
	if store == nil && b.cacheStoreName != "" {
		s, err := NewCacheStore(b.cacheStoreName, b.cacheStoreCfg)
		if err != nil {
			return nil, fmt.Errorf("xmediator: cache store %q: %w", b.cacheStoreName, err)
		}
		store = s
		if c, ok := s.(interface{ Close(context.Context) error }); ok {
			onClose = append(onClose, c.Close)
		}
	}

	m := &Mediator{
		registry:      reg,
		codec:         cd,
		clock:         clk,
		logger:        lg,
		scope:         b.scope,
		parallel:      b.parallel,
		fireAndForget: b.fireAndForget,
		metrics:       &mediatorMetrics{},
		onClose:       onClose,
	}
	if b.observerPoolSet {
		m.observerPool = NewObserverPool(b.poolWorkers, b.poolBufferSize)
	}

	if len(b.exceptionHandlers) > 0 {
		x := NewExceptionHandlingMiddleware(b.exceptionHandlers...)
		prio := WithPriority(PriorityExceptionHandling)
		reg.UseCommand(x, prio)
		reg.UseRequest(x, prio)
		reg.UseStream(x, prio)
		reg.UseEvent(x, prio)
	}
	if b.validation {
		v := NewValidationMiddleware(b.validator)
		prio := WithPriority(PriorityValidation)
		reg.UseCommand(v, prio)
		reg.UseRequest(v, prio)
		reg.UseStream(v, prio)
	}
	if b.offlineStore != nil {
		opts := []OfflineOption{WithOfflineClock(clk), WithOfflineLogger(lg), WithOfflineKeys(b.keys)}
		reg.UseRequest(NewOfflineMiddleware(b.offlineStore, append(opts, b.offlineOpts...)...), WithPriority(PriorityOffline))
	}
	if store != nil {
		opts := []CacheOption{WithCacheClock(clk), WithCacheLogger(lg), WithCacheKeys(b.keys), WithCacheConfigProvider(b.config)}
		reg.UseRequest(NewCachingMiddleware(store, append(opts, b.cacheOpts...)...), WithPriority(PriorityCaching))
	}

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range b.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		m.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range b.observers {
		m.AddObserver(o)
	}

	return m, nil
}

// New constructs a Mediator via Builder and returns a close func for convenience.
func New(init func(b *Builder)) (*Mediator, func() error, error) {
	b := NewBuilder()
	if init != nil {
		init(b)
	}
	m, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return m.Close(context.Background()) }
	return m, closeFn, nil
}
