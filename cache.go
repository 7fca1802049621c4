package xmediator

import (
	"context"
	"reflect"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// CacheStore is the key-value backend behind the caching and offline
// middleware. Implementations must be safe for concurrent use.
//
// Get reports found=false for missing keys; expiry is judged by the caller.
type CacheStore interface {
	Get(ctx context.Context, key string) (entry CacheEntry, found bool, err error)
	Set(ctx context.Context, entry CacheEntry) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// CacheOption configures a CachingMiddleware.
type CacheOption func(*CachingMiddleware)

// WithCacheKeys replaces the default contract key derivation.
func WithCacheKeys(p ContractKeyProvider) CacheOption {
	return func(c *CachingMiddleware) {
		if p != nil {
			c.keys = p
		}
	}
}

// WithCacheConfigProvider consults p for per-message-type policies.
func WithCacheConfigProvider(p ConfigProvider) CacheOption {
	return func(c *CachingMiddleware) { c.config = p }
}

// WithCacheClock sets the clock used for expiry decisions.
func WithCacheClock(clk Clock) CacheOption {
	return func(c *CachingMiddleware) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithCacheLogger sets the logger used for store failures.
func WithCacheLogger(l *xlog.Logger) CacheOption {
	return func(c *CachingMiddleware) {
		if l != nil {
			c.logger = l
		}
	}
}

// CachingMiddleware serves request results from a CacheStore.
//
// The policy of a call is, in order: the per-call override (WithCacheConfig),
// the ConfigProvider entry for the message type, the handler's WithCachePolicy.
// Without a policy the middleware passes the call through untouched.
type CachingMiddleware struct {
	store  CacheStore
	keys   ContractKeyProvider
	config ConfigProvider
	clock  Clock
	logger *xlog.Logger
}

var _ RequestMiddleware = (*CachingMiddleware)(nil)

// NewCachingMiddleware returns caching middleware backed by store.
func NewCachingMiddleware(store CacheStore, opts ...CacheOption) *CachingMiddleware {
	c := &CachingMiddleware{
		store:  store,
		keys:   DefaultContractKeys{},
		clock:  xclock.Default(),
		logger: xlog.Default(),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// Store returns the backing store.
func (c *CachingMiddleware) Store() CacheStore { return c.store }

func (c *CachingMiddleware) policy(mc *Context) (CacheItemConfig, bool) {
	if cfg, ok := HeaderCacheConfig.Get(mc); ok {
		return cfg, true
	}
	if c.config != nil {
		if cfg, ok := c.config.CacheConfig(mc.MessageType()); ok {
			return cfg, true
		}
	}
	if mc.policy.cache != nil {
		return *mc.policy.cache, true
	}
	return CacheItemConfig{}, false
}

func (c *CachingMiddleware) ProcessRequest(ctx context.Context, mc *Context, next RequestNext) (any, error) {
	cfg, ok := c.policy(mc)
	if !ok || c.store == nil {
		return next(ctx)
	}
	key, err := c.keys.ContractKey(mc.Message())
	if err != nil {
		c.logger.Warn().Err(err).Str("message", mc.MessageType().String()).Msg("xmediator: contract key failed, cache skipped")
		return next(ctx)
	}

	force, _ := HeaderCacheForceRefresh.Get(mc)
	if !force {
		if v, cc, hit := c.lookup(ctx, mc, key, cfg); hit {
			HeaderCacheContext.Set(mc, cc)
			recordCache(ctx, mc, true)
			return v, nil
		}
	}

	res, err := next(ctx)
	if err != nil {
		return res, err
	}

	cc := CacheContext{Key: key, ForcedRefresh: force}
	if !isEmptyResult(res) {
		now := c.clock.Now()
		exp, _ := cfg.expiresAt(now)
		entry := CacheEntry{Key: key, Value: res, CreatedAt: now, ExpiresAt: exp, Config: cfg}
		if err := c.store.Set(ctx, entry); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("xmediator: cache write failed")
		} else {
			cc.CreatedAt, cc.ExpiresAt = entry.CreatedAt, entry.ExpiresAt
		}
	}
	HeaderCacheContext.Set(mc, cc)
	recordCache(ctx, mc, false)
	return res, nil
}

// lookup returns the live cached value for key. Store errors, undecodable
// values and expired entries all count as a miss.
func (c *CachingMiddleware) lookup(ctx context.Context, mc *Context, key string, cfg CacheItemConfig) (any, CacheContext, bool) {
	entry, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("xmediator: cache read failed")
		return nil, CacheContext{}, false
	}
	now := c.clock.Now()
	if !found || entry.Expired(now) {
		return nil, CacheContext{}, false
	}
	v, err := materialize(ctx, mc, entry.Value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("xmediator: cached value could not be decoded")
		return nil, CacheContext{}, false
	}

	if cfg.SlidingExpiration > 0 {
		entry.ExpiresAt = now.Add(cfg.SlidingExpiration)
		entry.Config = cfg
		if err := c.store.Set(ctx, entry); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("xmediator: sliding expiry refresh failed")
		}
	}
	return v, CacheContext{Key: key, Hit: true, CreatedAt: entry.CreatedAt, ExpiresAt: entry.ExpiresAt}, true
}

// Invalidate removes the cached result of msg.
func (c *CachingMiddleware) Invalidate(ctx context.Context, msg any) error {
	key, err := c.keys.ContractKey(msg)
	if err != nil {
		return err
	}
	return c.store.Remove(ctx, key)
}

// Clear removes every cached result.
func (c *CachingMiddleware) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// materialize turns a stored value back into the call's result type. Live
// values pass through; Encoded values are decoded with the mediator codec.
func materialize(ctx context.Context, mc *Context, v any) (any, error) {
	data, ok := v.(Encoded)
	if !ok {
		return v, nil
	}
	return decodeAs(codecOrJSON(ctx), data, mc.ResultType())
}

func recordCache(ctx context.Context, mc *Context, hit bool) {
	if m, ok := MediatorFromContext(ctx); ok {
		m.recordCache(mc, hit)
	}
}

// isEmptyResult reports whether v must not be stored: nil, a nil pointer,
// map, slice or interface, or an empty string, slice or map.
func isEmptyResult(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	case reflect.Map, reflect.Slice:
		return rv.IsNil() || rv.Len() == 0
	case reflect.String:
		return rv.Len() == 0
	}
	return false
}
