package xmediator

import (
	"context"
	"reflect"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle admits at most one publish of each event type per interval.
// Publishes arriving sooner reach no handler: the call succeeds and the
// Context carries header Event.Throttled.
type Throttle struct {
	interval time.Duration

	mu    sync.Mutex
	gates map[reflect.Type]*rate.Sometimes
}

var _ EventMiddleware = (*Throttle)(nil)

// ThrottleEventMiddleware returns event middleware throttling per event type.
func ThrottleEventMiddleware(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		gates:    make(map[reflect.Type]*rate.Sometimes),
	}
}

// admit decides once per publish; every handler invocation of that publish
// shares the decision.
func (t *Throttle) admit(mc *Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if throttled, ok := HeaderEventThrottled.Get(mc); ok {
		return !throttled
	}
	gate, ok := t.gates[mc.MessageType()]
	if !ok {
		gate = &rate.Sometimes{Interval: t.interval}
		t.gates[mc.MessageType()] = gate
	}
	admitted := false
	gate.Do(func() { admitted = true })
	HeaderEventThrottled.Set(mc, !admitted)
	return admitted
}

func (t *Throttle) ProcessEvent(ctx context.Context, mc *Context, next EventNext) error {
	if t.interval <= 0 || t.admit(mc) {
		return next(ctx)
	}
	return nil
}
