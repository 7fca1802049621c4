package xmediator

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// manualClock only moves when told to.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type createUser struct {
	Name string `json:"name" validate:"required"`
}

type deleteUser struct {
	ID string `json:"id"`
}

type getUser struct {
	Returns[*user]
	ID string `json:"id"`
}

type countTo struct {
	Streams[int]
	N int `json:"n"`
}

type userCreated struct {
	Name string `json:"name"`
}

// newTestMediator builds a mediator over reg and closes it when the test ends.
func newTestMediator(t *testing.T, reg *Registry, configure func(b *Builder)) *Mediator {
	t.Helper()
	b := NewBuilder().WithRegistry(reg)
	if configure != nil {
		configure(b)
	}
	m, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func registerCountTo(reg *Registry, produced *int) {
	RegisterStreamFunc(reg, func(ctx context.Context, mc *Context, q countTo) iter.Seq2[int, error] {
		return func(yield func(int, error) bool) {
			for i := 1; i <= q.N; i++ {
				if produced != nil {
					*produced = i
				}
				if !yield(i, nil) {
					return
				}
			}
		}
	})
}

func collect[R any](seq iter.Seq2[R, error]) ([]R, error) {
	var out []R
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// mapStore is a CacheStore keeping live values.
type mapStore struct {
	mu      sync.Mutex
	entries map[string]CacheEntry
	sets    int
	closes  int
	failGet error
}

func newMapStore() *mapStore {
	return &mapStore{entries: make(map[string]CacheEntry)}
}

func (s *mapStore) Get(_ context.Context, key string) (CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return CacheEntry{}, false, s.failGet
	}
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *mapStore) Set(_ context.Context, e CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Key] = e
	s.sets++
	return nil
}

func (s *mapStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *mapStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	return nil
}

func (s *mapStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *mapStore) closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *mapStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
