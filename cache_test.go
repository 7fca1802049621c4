package xmediator

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cacheFixture struct {
	m     *Mediator
	clock *manualClock
	store *mapStore
	calls *atomic.Int32
}

func newCacheFixture(t *testing.T, policy *CacheItemConfig, result func(q getUser) *user) cacheFixture {
	t.Helper()
	reg := NewRegistry()
	calls := &atomic.Int32{}
	var opts []HandlerOption
	if policy != nil {
		opts = append(opts, WithCachePolicy(*policy))
	}
	RegisterRequestFunc(reg, func(ctx context.Context, mc *Context, q getUser) (*user, error) {
		calls.Add(1)
		if result != nil {
			return result(q), nil
		}
		return &user{ID: q.ID, Name: "fresh"}, nil
	}, opts...)

	clk := newManualClock()
	store := newMapStore()
	m := newTestMediator(t, reg, func(b *Builder) {
		b.WithClock(clk).WithCacheStore(store)
	})
	return cacheFixture{m: m, clock: clk, store: store, calls: calls}
}

func (f cacheFixture) ask(t *testing.T, id string, opts ...CallOption) (*user, CacheContext) {
	t.Helper()
	var mc *Context
	u, err := Ask[*user](context.Background(), f.m, getUser{ID: id}, append(opts, CaptureContext(&mc))...)
	require.NoError(t, err)
	cc, _ := HeaderCacheContext.Get(mc)
	return u, cc
}

func TestCache_AbsoluteExpiration(t *testing.T) {
	f := newCacheFixture(t, &CacheItemConfig{AbsoluteExpiration: time.Second}, nil)

	u, cc := f.ask(t, "1")
	assert.Equal(t, "fresh", u.Name)
	assert.False(t, cc.Hit)
	assert.Equal(t, f.clock.Now().Add(time.Second), cc.ExpiresAt)

	f.clock.Advance(999 * time.Millisecond)
	_, cc = f.ask(t, "1")
	assert.True(t, cc.Hit)
	assert.Equal(t, int32(1), f.calls.Load())

	f.clock.Advance(time.Millisecond)
	_, cc = f.ask(t, "1")
	assert.False(t, cc.Hit)
	assert.Equal(t, int32(2), f.calls.Load())

	metrics := f.m.GetMetrics()
	assert.Equal(t, uint64(1), metrics.CacheHits)
	assert.Equal(t, uint64(2), metrics.CacheMisses)
}

func TestCache_SlidingExpiration(t *testing.T) {
	f := newCacheFixture(t, &CacheItemConfig{SlidingExpiration: time.Second}, nil)

	f.ask(t, "1")
	for range 3 {
		f.clock.Advance(800 * time.Millisecond)
		_, cc := f.ask(t, "1")
		assert.True(t, cc.Hit)
		assert.Equal(t, f.clock.Now().Add(time.Second), cc.ExpiresAt)
	}
	assert.Equal(t, int32(1), f.calls.Load())

	f.clock.Advance(time.Second)
	_, cc := f.ask(t, "1")
	assert.False(t, cc.Hit)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestCache_ForceRefresh(t *testing.T) {
	n := 0
	f := newCacheFixture(t, &CacheItemConfig{AbsoluteExpiration: time.Minute}, func(q getUser) *user {
		n++
		return &user{ID: q.ID, Name: []string{"first", "second"}[n-1]}
	})

	u, _ := f.ask(t, "1")
	assert.Equal(t, "first", u.Name)

	u, cc := f.ask(t, "1", ForceCacheRefresh())
	assert.Equal(t, "second", u.Name)
	assert.False(t, cc.Hit)
	assert.True(t, cc.ForcedRefresh)

	u, cc = f.ask(t, "1")
	assert.Equal(t, "second", u.Name)
	assert.True(t, cc.Hit)
}

func TestCache_EmptyResultsAreNotStored(t *testing.T) {
	f := newCacheFixture(t, &CacheItemConfig{AbsoluteExpiration: time.Minute}, func(getUser) *user { return nil })

	for range 3 {
		u, cc := f.ask(t, "1")
		assert.Nil(t, u)
		assert.False(t, cc.Hit)
	}
	assert.Equal(t, int32(3), f.calls.Load())
	assert.Zero(t, f.store.len())
}

func TestCache_DistinctMessagesDistinctEntries(t *testing.T) {
	f := newCacheFixture(t, &CacheItemConfig{}, nil)

	f.ask(t, "1")
	f.ask(t, "2")
	_, cc := f.ask(t, "1")
	assert.True(t, cc.Hit)
	assert.Equal(t, `xmediator.getUser:ID="1"`, cc.Key)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, 2, f.store.len())
}

func TestCache_NoPolicyPassesThrough(t *testing.T) {
	f := newCacheFixture(t, nil, nil)

	f.ask(t, "1")
	_, cc := f.ask(t, "1")
	assert.Equal(t, CacheContext{}, cc)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Zero(t, f.store.len())

	// A per-call policy turns caching on for this call only.
	f.ask(t, "1", WithCacheConfig(CacheItemConfig{AbsoluteExpiration: time.Minute}))
	_, cc = f.ask(t, "1", WithCacheConfig(CacheItemConfig{AbsoluteExpiration: time.Minute}))
	assert.True(t, cc.Hit)
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestCache_DecodesEncodedEntries(t *testing.T) {
	f := newCacheFixture(t, &CacheItemConfig{AbsoluteExpiration: time.Minute}, nil)

	key, err := DefaultContractKeys{}.ContractKey(getUser{ID: "9"})
	require.NoError(t, err)
	require.NoError(t, f.store.Set(context.Background(), CacheEntry{
		Key:       key,
		Value:     Encoded(`{"id":"9","name":"from-redis"}`),
		CreatedAt: f.clock.Now(),
	}))

	u, cc := f.ask(t, "9")
	assert.True(t, cc.Hit)
	assert.Equal(t, &user{ID: "9", Name: "from-redis"}, u)
	assert.Zero(t, f.calls.Load())
}

func TestCache_StoreFailureCountsAsMiss(t *testing.T) {
	f := newCacheFixture(t, &CacheItemConfig{AbsoluteExpiration: time.Minute}, nil)
	f.store.failGet = errors.New("connection refused")

	u, cc := f.ask(t, "1")
	assert.Equal(t, "fresh", u.Name)
	assert.False(t, cc.Hit)
	assert.Equal(t, int32(1), f.calls.Load())
}

type staticConfig map[string]CacheItemConfig

func (c staticConfig) CacheConfig(msgType reflect.Type) (CacheItemConfig, bool) {
	cfg, ok := c[msgType.Name()]
	return cfg, ok
}

func TestCache_ConfigProviderAndInvalidate(t *testing.T) {
	reg := NewRegistry()
	var calls atomic.Int32
	RegisterRequestFunc(reg, func(ctx context.Context, mc *Context, q getUser) (*user, error) {
		calls.Add(1)
		return &user{ID: q.ID}, nil
	})
	store := newMapStore()
	caching := NewCachingMiddleware(store, WithCacheConfigProvider(staticConfig{"getUser": {AbsoluteExpiration: time.Minute}}))
	reg.UseRequest(caching, WithPriority(PriorityCaching))
	m := newTestMediator(t, reg, nil)

	ctx := context.Background()
	for range 2 {
		_, err := Ask[*user](ctx, m, getUser{ID: "1"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, caching.Invalidate(ctx, getUser{ID: "1"}))
	_, err := Ask[*user](ctx, m, getUser{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	require.NoError(t, caching.Clear(ctx))
	assert.Zero(t, store.len())
}

func TestIsEmptyResult(t *testing.T) {
	var nilUser *user
	assert.True(t, isEmptyResult(nil))
	assert.True(t, isEmptyResult(nilUser))
	assert.True(t, isEmptyResult(""))
	assert.True(t, isEmptyResult([]int{}))
	assert.True(t, isEmptyResult(map[string]int{}))
	assert.False(t, isEmptyResult(0))
	assert.False(t, isEmptyResult(&user{}))
	assert.False(t, isEmptyResult([]int{1}))
}
