package xmediator

import (
	"reflect"
	"time"
)

// Shape identifies which of the four message contracts a dispatch uses.
type Shape uint8

const (
	ShapeCommand Shape = iota + 1
	ShapeRequest
	ShapeStream
	ShapeEvent
)

func (s Shape) String() string {
	switch s {
	case ShapeCommand:
		return "command"
	case ShapeRequest:
		return "request"
	case ShapeStream:
		return "stream"
	case ShapeEvent:
		return "event"
	default:
		return "unknown"
	}
}

// CacheItemConfig describes how long a cached result stays valid. When
// SlidingExpiration is set it takes precedence: each hit moves the expiry to
// now + SlidingExpiration. AbsoluteExpiration is fixed when the entry is written.
type CacheItemConfig struct {
	AbsoluteExpiration time.Duration
	SlidingExpiration  time.Duration
}

// IsZero reports whether no expiration policy is configured (entries never expire).
func (c CacheItemConfig) IsZero() bool {
	return c.AbsoluteExpiration <= 0 && c.SlidingExpiration <= 0
}

// expiresAt returns the expiry for an entry written or touched at now.
func (c CacheItemConfig) expiresAt(now time.Time) (time.Time, bool) {
	switch {
	case c.SlidingExpiration > 0:
		return now.Add(c.SlidingExpiration), true
	case c.AbsoluteExpiration > 0:
		return now.Add(c.AbsoluteExpiration), true
	default:
		return time.Time{}, false
	}
}

// CacheEntry is what a CacheStore keeps under a contract key.
type CacheEntry struct {
	Key       string
	Value     any
	CreatedAt time.Time
	ExpiresAt time.Time // zero when the entry never expires
	Config    CacheItemConfig
}

// Expired reports whether the entry is no longer valid at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Encoded is a codec-encoded value returned by stores that cannot keep live
// Go values. The caching middleware decodes it into the request's result type.
type Encoded []byte

// CacheContext records the caching outcome of a request on its Context.
type CacheContext struct {
	Key           string
	Hit           bool
	ForcedRefresh bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// OfflineContext records that a request was answered from offline storage.
type OfflineContext struct {
	Key       string
	Timestamp time.Time
}

// LifecycleType enumerates mediator lifecycle notifications for observers.
type LifecycleType string

const (
	DispatchStart       LifecycleType = "dispatch_start"
	DispatchDone        LifecycleType = "dispatch_done"
	PublishStart        LifecycleType = "publish_start"
	PublishDone         LifecycleType = "publish_done"
	HandlerFailed       LifecycleType = "handler_failed"
	ExceptionHandled    LifecycleType = "exception_handled"
	FireAndForgetFailed LifecycleType = "fire_and_forget_failed"
	CacheHit            LifecycleType = "cache_hit"
	CacheMiss           LifecycleType = "cache_miss"
)

// LifecycleEvent carries telemetry for observers.
type LifecycleEvent struct {
	Type        LifecycleType
	Shape       Shape
	ContextID   string
	MessageType reflect.Type
	Handlers    int
	Duration    time.Duration
	Err         error

	// attached for async dispatch
	observers []Observer
}

// MessageName returns the printable message type name.
func (e LifecycleEvent) MessageName() string {
	if e.MessageType == nil {
		return ""
	}
	return e.MessageType.String()
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // events dropped due to full buffer
	Processed    uint64 // events delivered to every observer
	Panicked     uint64 // observer calls that panicked
	ActiveEvents int    // current queue depth
	Workers      int
	BufferSize   int
}

// Metrics is the observable telemetry of a Mediator.
type Metrics struct {
	Sent                uint64
	Requested           uint64
	Streamed            uint64
	Published           uint64
	HandlerInvocations  uint64
	Errors              uint64
	HandledExceptions   uint64
	FireAndForgetFailed uint64
	CacheHits           uint64
	CacheMisses         uint64
	InFlightFireForget  int64
	EventsDropped       uint64
	AvgDispatchTimeMs   float64
}
