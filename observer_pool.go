package xmediator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
)

// ObserverPool delivers lifecycle events to observers on a fixed set of
// workers so slow observers never hold up a dispatch. When the buffer is full
// the event is dropped and counted.
type ObserverPool struct {
	mu      sync.RWMutex
	closed  bool
	eventCh chan LifecycleEvent
	workers int
	wg      sync.WaitGroup

	dropped   atomic.Uint64
	processed atomic.Uint64
	panicked  atomic.Uint64
}

// NewObserverPool starts workers goroutines reading from a buffer of bufferSize
// events. Non-positive arguments fall back to 4 workers and 1024 slots.
func NewObserverPool(workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}
	op := &ObserverPool{
		eventCh: make(chan LifecycleEvent, bufferSize),
		workers: workers,
	}
	op.wg.Add(workers)
	for range workers {
		go op.worker()
	}
	return op
}

// Notify queues e for delivery to observers. It never blocks.
func (op *ObserverPool) Notify(e LifecycleEvent, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	e.observers = observers

	op.mu.RLock()
	defer op.mu.RUnlock()
	if op.closed {
		op.dropped.Add(1)
		return
	}
	select {
	case op.eventCh <- e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for e := range op.eventCh {
		for _, obs := range e.observers {
			if obs == nil {
				continue
			}
			if r := panics.Try(func() { obs.OnEvent(e) }); r != nil {
				op.panicked.Add(1)
			}
		}
		op.processed.Add(1)
	}
}

// Close stops accepting events and waits up to timeout for queued events to
// be delivered.
func (op *ObserverPool) Close(timeout time.Duration) error {
	op.mu.Lock()
	if op.closed {
		op.mu.Unlock()
		return nil
	}
	op.closed = true
	close(op.eventCh)
	op.mu.Unlock()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		Panicked:     op.panicked.Load(),
		ActiveEvents: len(op.eventCh),
		Workers:      op.workers,
		BufferSize:   cap(op.eventCh),
	}
}
