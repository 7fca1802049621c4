package viperconfig

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xmediator"
)

const policiesYAML = `
mediator:
  cache:
    GetQuote:
      absolute: 30s
    ListQuotes:
      sliding: 5m
    GetRates:
      enabled: false
      absolute: 1m
`

type GetQuote struct {
	xmediator.Returns[string]
	Symbol string `json:"symbol"`
}

type ListQuotes struct{}

type GetRates struct{}

type Unconfigured struct{}

func newProvider(t *testing.T, doc string, opts ...Option) *Provider {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	return New(v, opts...)
}

func TestProvider_CacheConfig(t *testing.T) {
	p := newProvider(t, policiesYAML)

	cfg, ok := p.CacheConfig(reflect.TypeFor[GetQuote]())
	require.True(t, ok)
	assert.Equal(t, xmediator.CacheItemConfig{AbsoluteExpiration: 30 * time.Second}, cfg)

	cfg, ok = p.CacheConfig(reflect.TypeFor[*ListQuotes]())
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, cfg.SlidingExpiration)

	_, ok = p.CacheConfig(reflect.TypeFor[GetRates]())
	assert.False(t, ok, "disabled policies are ignored")

	_, ok = p.CacheConfig(reflect.TypeFor[Unconfigured]())
	assert.False(t, ok)
	_, ok = p.CacheConfig(nil)
	assert.False(t, ok)
}

func TestProvider_PrefixAndReload(t *testing.T) {
	v := viper.New()
	v.Set("policies.getquote.absolute", "10s")
	p := New(v, WithPrefix("policies"))

	cfg, ok := p.CacheConfig(reflect.TypeFor[GetQuote]())
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, cfg.AbsoluteExpiration)

	v.Set("policies.getquote.absolute", "20s")
	cfg, _ = p.CacheConfig(reflect.TypeFor[GetQuote]())
	assert.Equal(t, 10*time.Second, cfg.AbsoluteExpiration, "parsed policies are kept until Reload")

	p.Reload()
	cfg, _ = p.CacheConfig(reflect.TypeFor[GetQuote]())
	assert.Equal(t, 20*time.Second, cfg.AbsoluteExpiration)
}

func TestProvider_PackageQualifiedSections(t *testing.T) {
	p := newProvider(t, `
mediator:
  cache:
    GetQuote:
      absolute: 30s
    viperconfig:
      GetQuote:
        absolute: 1m
    billing:
      GetQuote:
        sliding: 2h
      Unconfigured:
        absolute: 5s
`)

	cfg, ok := p.CacheConfig(reflect.TypeFor[GetQuote]())
	require.True(t, ok)
	assert.Equal(t, xmediator.CacheItemConfig{AbsoluteExpiration: time.Minute}, cfg, "the package section wins")

	_, ok = p.CacheConfig(reflect.TypeFor[Unconfigured]())
	assert.False(t, ok, "sections of other packages do not match")

	cfg, ok = p.CacheConfig(reflect.TypeFor[ListQuotes]())
	assert.False(t, ok)
	assert.Zero(t, cfg)
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policiesYAML), 0o600))

	p, err := Load(path, "")
	require.NoError(t, err)
	_, ok := p.CacheConfig(reflect.TypeFor[GetQuote]())
	assert.True(t, ok)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)
}

func TestProvider_DrivesCachingMiddleware(t *testing.T) {
	reg := xmediator.NewRegistry()
	calls := 0
	xmediator.RegisterRequestFunc(reg, func(ctx context.Context, mc *xmediator.Context, q GetQuote) (string, error) {
		calls++
		return q.Symbol + ":101.5", nil
	})

	store := &mapStore{entries: map[string]xmediator.CacheEntry{}}
	m, err := xmediator.NewBuilder().
		WithRegistry(reg).
		WithCacheStore(store).
		WithConfigProvider(newProvider(t, policiesYAML)).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	for range 3 {
		q, err := xmediator.Ask[string](context.Background(), m, GetQuote{Symbol: "ACME"})
		require.NoError(t, err)
		assert.Equal(t, "ACME:101.5", q)
	}
	assert.Equal(t, 1, calls)
}

type mapStore struct {
	entries map[string]xmediator.CacheEntry
}

func (s *mapStore) Get(_ context.Context, key string) (xmediator.CacheEntry, bool, error) {
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *mapStore) Set(_ context.Context, e xmediator.CacheEntry) error {
	s.entries[e.Key] = e
	return nil
}

func (s *mapStore) Remove(_ context.Context, key string) error {
	delete(s.entries, key)
	return nil
}

func (s *mapStore) Clear(_ context.Context) error {
	clear(s.entries)
	return nil
}
