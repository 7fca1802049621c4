package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xmediator"
)

type product struct {
	ID    string  `json:"id"`
	Price float64 `json:"price"`
}

type getProduct struct {
	xmediator.Returns[*product]
	ID string `json:"id"`
}

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := Defaults()
	cfg.Addr = mr.Addr()
	cfg.Prefix = "test:cache:"
	s, err := NewStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, mr
}

func TestStore_RoundTripReturnsEncoded(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	created := time.Now().Truncate(time.Millisecond)
	entry := xmediator.CacheEntry{
		Key:       "getProduct:id=\"p1\"",
		Value:     &product{ID: "p1", Price: 9.5},
		CreatedAt: created,
		ExpiresAt: created.Add(time.Minute),
		Config:    xmediator.CacheItemConfig{AbsoluteExpiration: time.Minute},
	}
	require.NoError(t, s.Set(ctx, entry))
	assert.True(t, mr.Exists("test:cache:"+entry.Key))
	assert.Greater(t, mr.TTL("test:cache:"+entry.Key), time.Duration(0))

	got, found, err := s.Get(ctx, entry.Key)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"id":"p1","price":9.5}`, string(got.Value.(xmediator.Encoded)))
	assert.True(t, created.Equal(got.CreatedAt))
	assert.True(t, entry.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, time.Minute, got.Config.AbsoluteExpiration)

	_, found, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_NeverExpiringEntryPersists(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.Set(ctx, xmediator.CacheEntry{Key: "k", Value: xmediator.Encoded(`"v"`), ExpiresAt: time.Now().Add(time.Second)}))
	require.NoError(t, s.Set(ctx, xmediator.CacheEntry{Key: "k", Value: xmediator.Encoded(`"v2"`)}))
	assert.Equal(t, time.Duration(0), mr.TTL("test:cache:k"))

	mr.FastForward(time.Hour)
	got, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, xmediator.Encoded(`"v2"`), got.Value)
	assert.True(t, got.ExpiresAt.IsZero())
}

func TestStore_RemoveClearOnlyOwnPrefix(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("other:key", "keep"))

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Set(ctx, xmediator.CacheEntry{Key: k, Value: k}))
	}
	require.NoError(t, s.Remove(ctx, "a"))
	assert.False(t, mr.Exists("test:cache:a"))

	require.NoError(t, s.Clear(ctx))
	assert.False(t, mr.Exists("test:cache:b"))
	assert.False(t, mr.Exists("test:cache:c"))
	assert.True(t, mr.Exists("other:key"))

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Writes)
	assert.Zero(t, stats.WriteErrors)
}

func TestStore_ClosedStoreRejectsCalls(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Close(context.Background()))
	_, _, err := s.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, s.Set(context.Background(), xmediator.CacheEntry{Key: "k"}))
}

func TestConfigFromMap_RoundTrip(t *testing.T) {
	cfg := Config{
		Addr:          "redis.internal:6380",
		Username:      "svc",
		Password:      "secret",
		DB:            3,
		TLS:           true,
		TLSServerName: "redis.internal",
		Prefix:        "orders:",
		Codec:         "json",
	}
	assert.Equal(t, cfg, ConfigFromMap(cfg.toMap()))

	fromEnv := ConfigFromMap(map[string]any{"db": "2", "tls": "true"})
	assert.Equal(t, 2, fromEnv.DB)
	assert.True(t, fromEnv.TLS)
	assert.Equal(t, Defaults().Addr, fromEnv.Addr)
	assert.Equal(t, DefaultPrefix, fromEnv.Prefix)

	assert.Error(t, Config{}.Validate())
	assert.NoError(t, Defaults().Validate())
}

func TestUse_CachesThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := Defaults()
	cfg.Addr = mr.Addr()

	reg := xmediator.NewRegistry()
	calls := 0
	xmediator.RegisterRequestFunc(reg, func(ctx context.Context, mc *xmediator.Context, q getProduct) (*product, error) {
		calls++
		return &product{ID: q.ID, Price: 12}, nil
	}, xmediator.WithCachePolicy(xmediator.CacheItemConfig{AbsoluteExpiration: time.Minute}))

	prev := xmediator.Default()
	m, store := Use(cfg, WithRegistry(reg))
	t.Cleanup(func() { xmediator.SetDefault(prev) })

	for range 2 {
		var mc *xmediator.Context
		p, err := xmediator.Ask[*product](context.Background(), m, getProduct{ID: "p9"}, xmediator.CaptureContext(&mc))
		require.NoError(t, err)
		assert.Equal(t, &product{ID: "p9", Price: 12}, p)
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(1), m.GetMetrics().CacheHits)
	assert.Len(t, mr.Keys(), 1)

	require.NoError(t, m.Close(context.Background()))
	_, _, err := store.Get(context.Background(), "any")
	assert.Error(t, err, "closing the mediator closes the store")
}

func TestRegisteredStoreFactory(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := xmediator.NewCacheStore(StoreName, map[string]any{"addr": mr.Addr()})
	require.NoError(t, err)
	store, ok := s.(*Store)
	require.True(t, ok)
	assert.Equal(t, DefaultPrefix, store.prefix)
	require.NoError(t, store.Close(context.Background()))
}
