package xmediator

import "time"

// Header namespaces. Keys are "<Namespace>.<Name>"; collaborators outside this
// package (HTTP binding, UI adapters) should claim their own namespace.
const (
	NamespaceCache       = "Cache"
	NamespaceOffline     = "Offline"
	NamespaceException   = "Exception"
	NamespacePerformance = "Performance"
	NamespaceEvent       = "Event"
	NamespaceHTTP        = "Http"
)

// HeaderKey is a typed key into a Context's header bag.
type HeaderKey[T any] struct {
	name string
}

// NewHeaderKey returns the key "<namespace>.<name>" carrying values of type T.
func NewHeaderKey[T any](namespace, name string) HeaderKey[T] {
	return HeaderKey[T]{name: namespace + "." + name}
}

func (k HeaderKey[T]) String() string { return k.name }

// Get returns the value stored under k. A value of another type reads as absent.
func (k HeaderKey[T]) Get(mc *Context) (T, bool) {
	var zero T
	if mc == nil {
		return zero, false
	}
	v, ok := mc.Header(k.name)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Set stores v under k, replacing any previous value.
func (k HeaderKey[T]) Set(mc *Context, v T) {
	if mc == nil {
		return
	}
	mc.SetHeader(k.name, v)
}

// Delete removes k from the header bag.
func (k HeaderKey[T]) Delete(mc *Context) {
	if mc == nil {
		return
	}
	mc.RemoveHeader(k.name)
}

var (
	HeaderCacheContext       = NewHeaderKey[CacheContext](NamespaceCache, "Context")
	HeaderCacheForceRefresh  = NewHeaderKey[bool](NamespaceCache, "ForceRefresh")
	HeaderCacheConfig        = NewHeaderKey[CacheItemConfig](NamespaceCache, "Config")
	HeaderOfflineContext     = NewHeaderKey[OfflineContext](NamespaceOffline, "Context")
	HeaderExceptionHandled   = NewHeaderKey[bool](NamespaceException, "Handled")
	HeaderPerformanceElapsed = NewHeaderKey[time.Duration](NamespacePerformance, "Elapsed")
	HeaderEventThrottled     = NewHeaderKey[bool](NamespaceEvent, "Throttled")
)
