package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cast"

	"github.com/trickstertwo/xmediator"
)

const StoreName = "memory"

func init() {
	if err := xmediator.RegisterCacheStore(StoreName, func(cfg map[string]any) (xmediator.CacheStore, error) {
		return NewStore(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xmediator/memory: failed to register cache store: %w", err))
	}
}

// ErrStoreClosed is returned by every operation after Close.
var ErrStoreClosed = errors.New("memory store is closed")

// Config controls memory store behavior.
type Config struct {
	// MaxEntries bounds the store; the oldest entry is evicted first (default: 0 = unbounded).
	MaxEntries int
	// SweepInterval, when positive, removes expired entries in the background.
	SweepInterval time.Duration
}

// ConfigFromMap reads max_entries and sweep_interval. Values spf13/cast
// cannot convert are ignored; negative values count as zero.
func ConfigFromMap(cfg map[string]any) Config {
	var c Config
	if v, err := cast.ToIntE(cfg["max_entries"]); err == nil {
		c.MaxEntries = max(0, v)
	}
	if d, err := cast.ToDurationE(cfg["sweep_interval"]); err == nil {
		c.SweepInterval = max(0, d)
	}
	return c
}

// Store implements xmediator.CacheStore in process memory. Values are kept as
// the live Go values handed to Set, so a hit returns the same instance.
type Store struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]xmediator.CacheEntry
	order   []string // insertion order for eviction

	closed atomic.Bool
	stop   chan struct{}
	done   chan struct{}

	metrics storeMetrics
}

type storeMetrics struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	sets      atomic.Uint64
	evictions atomic.Uint64
}

// Stats is a snapshot of store activity.
type Stats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Sets      uint64
	Evictions uint64
}

var _ xmediator.CacheStore = (*Store)(nil)

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	s := &Store{
		cfg:     cfg,
		entries: make(map[string]xmediator.CacheEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go s.sweeper(cfg.SweepInterval)
	} else {
		close(s.done)
	}
	return s
}

func (s *Store) Get(_ context.Context, key string) (xmediator.CacheEntry, bool, error) {
	if s.closed.Load() {
		return xmediator.CacheEntry{}, false, ErrStoreClosed
	}
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		s.metrics.hits.Add(1)
	} else {
		s.metrics.misses.Add(1)
	}
	return e, ok, nil
}

func (s *Store) Set(_ context.Context, e xmediator.CacheEntry) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.Key]; !exists {
		s.order = append(s.order, e.Key)
	}
	s.entries[e.Key] = e
	s.metrics.sets.Add(1)

	for s.cfg.MaxEntries > 0 && len(s.entries) > s.cfg.MaxEntries && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		if _, ok := s.entries[oldest]; ok {
			delete(s.entries, oldest)
			s.metrics.evictions.Add(1)
		}
	}
	return nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.mu.Lock()
	s.removeLocked(key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Clear(_ context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.mu.Lock()
	clear(s.entries)
	s.order = nil
	s.mu.Unlock()
	return nil
}

// Sweep removes entries expired at now and returns how many it removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			s.removeLocked(k)
			n++
		}
	}
	return n
}

func (s *Store) removeLocked(key string) {
	if _, ok := s.entries[key]; !ok {
		return
	}
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store) sweeper(every time.Duration) {
	defer close(s.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-t.C:
			s.Sweep(now)
		}
	}
}

// Close stops the background sweeper and rejects further operations.
func (s *Store) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.stop)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	n := len(s.entries)
	s.mu.RUnlock()
	return Stats{
		Entries:   n,
		Hits:      s.metrics.hits.Load(),
		Misses:    s.metrics.misses.Load(),
		Sets:      s.metrics.sets.Load(),
		Evictions: s.metrics.evictions.Load(),
	}
}
