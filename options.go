package xmediator

import "time"

// Clock is the time source used for context timestamps, cache expiry and
// durations. xclock.Default() satisfies it.
type Clock interface {
	Now() time.Time
}

// CallOption configures a single dispatch.
type CallOption func(*callOptions)

type callOptions struct {
	headers                 map[string]any
	bypassMiddleware        bool
	bypassExceptionHandling bool
	forceRefresh            bool
	cacheConfig             *CacheItemConfig
	parallel                *bool
	fireAndForget           *bool
	capture                 **Context
}

func collectOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// WithHeader seeds the context header bag before the pipeline runs.
func WithHeader(name string, v any) CallOption {
	return func(o *callOptions) {
		if o.headers == nil {
			o.headers = make(map[string]any)
		}
		o.headers[name] = v
	}
}

// BypassMiddleware invokes the handler without any middleware.
func BypassMiddleware() CallOption {
	return func(o *callOptions) { o.bypassMiddleware = true }
}

// BypassExceptionHandling lets every error reach the caller.
func BypassExceptionHandling() CallOption {
	return func(o *callOptions) { o.bypassExceptionHandling = true }
}

// ForceCacheRefresh makes the caching middleware invoke the handler and
// overwrite any stored entry.
func ForceCacheRefresh() CallOption {
	return func(o *callOptions) { o.forceRefresh = true }
}

// WithCacheConfig overrides the cache policy for this call.
func WithCacheConfig(cfg CacheItemConfig) CallOption {
	return func(o *callOptions) { o.cacheConfig = &cfg }
}

// WithParallel selects parallel (true) or sequential fan-out for Publish.
func WithParallel(parallel bool) CallOption {
	return func(o *callOptions) { o.parallel = &parallel }
}

// WithFireAndForget makes Publish return without awaiting the fan-out.
// Handler failures are then logged and never returned.
func WithFireAndForget(fireAndForget bool) CallOption {
	return func(o *callOptions) { o.fireAndForget = &fireAndForget }
}

// CaptureContext stores the call's Context in *dst once it is created.
func CaptureContext(dst **Context) CallOption {
	return func(o *callOptions) { o.capture = dst }
}

func (o callOptions) apply(mc *Context) {
	for k, v := range o.headers {
		mc.SetHeader(k, v)
	}
	if o.bypassMiddleware {
		mc.SetBypassMiddleware(true)
	}
	if o.bypassExceptionHandling {
		mc.SetBypassExceptionHandling(true)
	}
	if o.forceRefresh {
		HeaderCacheForceRefresh.Set(mc, true)
	}
	if o.cacheConfig != nil {
		HeaderCacheConfig.Set(mc, *o.cacheConfig)
	}
	if o.capture != nil {
		*o.capture = mc
	}
}
