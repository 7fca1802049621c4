package xmediator

import (
	"context"
	"errors"
	"net"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ErrOffline can be returned (or wrapped) by handlers whose backend is unreachable.
var ErrOffline = errors.New("xmediator: backend offline")

// IsOfflineError is the default offline predicate: ErrOffline or any net.Error.
func IsOfflineError(err error) bool {
	if errors.Is(err, ErrOffline) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// OfflineOption configures an OfflineMiddleware.
type OfflineOption func(*OfflineMiddleware)

// WithOfflinePredicate decides which errors mean "offline".
func WithOfflinePredicate(fn func(error) bool) OfflineOption {
	return func(o *OfflineMiddleware) {
		if fn != nil {
			o.isOffline = fn
		}
	}
}

// WithOfflineKeys replaces the default contract key derivation.
func WithOfflineKeys(p ContractKeyProvider) OfflineOption {
	return func(o *OfflineMiddleware) {
		if p != nil {
			o.keys = p
		}
	}
}

// WithOfflineAllRequests applies the middleware to every request, not only
// handlers registered WithOfflinePolicy.
func WithOfflineAllRequests() OfflineOption {
	return func(o *OfflineMiddleware) { o.all = true }
}

// WithOfflineClock sets the clock stamping stored results.
func WithOfflineClock(clk Clock) OfflineOption {
	return func(o *OfflineMiddleware) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithOfflineLogger sets the logger used for store failures.
func WithOfflineLogger(l *xlog.Logger) OfflineOption {
	return func(o *OfflineMiddleware) {
		if l != nil {
			o.logger = l
		}
	}
}

// OfflineMiddleware keeps the last successful result of each request and
// serves it when the handler fails with an offline error. A served result is
// flagged by header Offline.Context.
type OfflineMiddleware struct {
	store     CacheStore
	keys      ContractKeyProvider
	isOffline func(error) bool
	all       bool
	clock     Clock
	logger    *xlog.Logger
}

var _ RequestMiddleware = (*OfflineMiddleware)(nil)

const offlineKeyPrefix = "offline:"

// NewOfflineMiddleware returns offline middleware backed by store.
func NewOfflineMiddleware(store CacheStore, opts ...OfflineOption) *OfflineMiddleware {
	o := &OfflineMiddleware{
		store:     store,
		keys:      DefaultContractKeys{},
		isOffline: IsOfflineError,
		clock:     xclock.Default(),
		logger:    xlog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

func (o *OfflineMiddleware) ProcessRequest(ctx context.Context, mc *Context, next RequestNext) (any, error) {
	if o.store == nil || !(o.all || mc.policy.offline) {
		return next(ctx)
	}

	res, err := next(ctx)
	if err == nil && isEmptyResult(res) {
		return res, nil
	}

	key, kerr := o.keys.ContractKey(mc.Message())
	if kerr != nil {
		o.logger.Warn().Err(kerr).Str("message", mc.MessageType().String()).Msg("xmediator: contract key failed, offline storage skipped")
		return res, err
	}
	key = offlineKeyPrefix + key

	if err == nil {
		entry := CacheEntry{Key: key, Value: res, CreatedAt: o.clock.Now()}
		if serr := o.store.Set(ctx, entry); serr != nil {
			o.logger.Warn().Err(serr).Str("key", key).Msg("xmediator: offline store write failed")
		}
		return res, nil
	}

	if !o.isOffline(err) {
		return res, err
	}
	entry, found, gerr := o.store.Get(ctx, key)
	if gerr != nil || !found {
		return res, err
	}
	v, derr := materialize(ctx, mc, entry.Value)
	if derr != nil {
		o.logger.Warn().Err(derr).Str("key", key).Msg("xmediator: offline value could not be decoded")
		return res, err
	}
	HeaderOfflineContext.Set(mc, OfflineContext{Key: key, Timestamp: entry.CreatedAt})
	o.logger.Info().Str("key", key).Msg("xmediator: served offline result")
	return v, nil
}
