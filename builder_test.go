package xmediator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_UnknownCodecAndStore(t *testing.T) {
	_, err := NewBuilder().WithCodec("msgpack").Build()
	assert.Error(t, err)

	_, err = NewBuilder().WithCacheStoreName("nope", nil).Build()
	assert.ErrorIs(t, err, ErrUnknownCacheStore)
}

func TestBuilder_NamedCacheStore(t *testing.T) {
	store := newMapStore()
	require.NoError(t, RegisterCacheStore("test-map", func(cfg map[string]any) (CacheStore, error) {
		return store, nil
	}))
	assert.Error(t, RegisterCacheStore("", nil))

	reg := NewRegistry()
	RegisterRequestFunc(reg, func(ctx context.Context, mc *Context, q getUser) (*user, error) {
		return &user{ID: q.ID}, nil
	}, WithCachePolicy(CacheItemConfig{}))
	m := newTestMediator(t, reg, func(b *Builder) { b.WithCacheStoreName("test-map", map[string]any{}) })

	_, err := Ask[*user](context.Background(), m, getUser{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.len())

	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, 1, store.closed(), "a store built by name is released with the mediator")
}

func TestBuilder_ProvidedCacheStoreIsNotClosed(t *testing.T) {
	store := newMapStore()
	m, err := NewBuilder().WithCacheStore(store).Build()
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))
	assert.Zero(t, store.closed())
}

type upperCodec struct{ JSONCodec }

func (upperCodec) Name() string { return "upper" }

func TestCodec_RegistryAndContext(t *testing.T) {
	require.NoError(t, RegisterCodec("upper", func() Codec { return upperCodec{} }))
	assert.Error(t, RegisterCodec("upper", nil))

	c, err := NewCodec("upper")
	require.NoError(t, err)
	assert.Equal(t, "upper", c.Name())

	reg := NewRegistry()
	var got Codec
	RegisterCommandFunc(reg, func(ctx context.Context, mc *Context, cmd createUser) error {
		got, _ = CodecFromContext(ctx)
		u, err := Decode[user](ctx, []byte(`{"id":"1","name":"ada"}`))
		if err != nil {
			return err
		}
		if u.Name != "ada" {
			return errors.New("decoded wrong value")
		}
		return nil
	})
	m := newTestMediator(t, reg, func(b *Builder) { b.WithCodec("upper") })
	require.NoError(t, m.Send(context.Background(), createUser{Name: "x"}))
	assert.Equal(t, "upper", got.Name())
	assert.Equal(t, "upper", m.Codec().Name())
}

func TestHeaderKey_TypedAccess(t *testing.T) {
	mc := newContext(nil, createUser{}, ShapeCommand, nil, newManualClock().Now())
	key := NewHeaderKey[int](NamespaceHTTP, "Status")
	assert.Equal(t, "Http.Status", key.String())

	_, ok := key.Get(mc)
	assert.False(t, ok)

	key.Set(mc, 201)
	v, ok := key.Get(mc)
	require.True(t, ok)
	assert.Equal(t, 201, v)

	mc.SetHeader(key.String(), "not an int")
	_, ok = key.Get(mc)
	assert.False(t, ok)

	key.Delete(mc)
	assert.NotContains(t, mc.Headers(), "Http.Status")
	assert.Equal(t, StateCreated, mc.State())
}

func TestNew_ReturnsCloseFunc(t *testing.T) {
	var called bool
	m, closeFn, err := New(func(b *Builder) {
		b.WithPublishDefaults(false, false)
		called = true
	})
	require.NoError(t, err)
	require.True(t, called)
	require.NoError(t, closeFn())
	assert.ErrorIs(t, m.Send(context.Background(), createUser{}), ErrMediatorClosed)
}

func TestBuilder_OnCloseRunsOnceAndReportsErrors(t *testing.T) {
	released := errors.New("release failed")
	var order []string
	m, err := NewBuilder().
		WithOnClose(func(context.Context) error {
			order = append(order, "store")
			return nil
		}).
		WithOnClose(nil).
		WithOnClose(func(context.Context) error {
			order = append(order, "client")
			return released
		}).
		Build()
	require.NoError(t, err)

	assert.ErrorIs(t, m.Close(context.Background()), released)
	assert.NoError(t, m.Close(context.Background()))
	assert.Equal(t, []string{"store", "client"}, order)
}

func TestFacade_DefaultMediator(t *testing.T) {
	reg := NewRegistry()
	var sent int
	RegisterCommandFunc(reg, func(ctx context.Context, mc *Context, cmd deleteUser) error {
		sent++
		return nil
	})
	RegisterRequestFunc(reg, func(ctx context.Context, mc *Context, q getUser) (*user, error) {
		return &user{ID: q.ID}, nil
	})
	m := newTestMediator(t, reg, nil)

	prev := Default()
	SetDefault(m)
	t.Cleanup(func() { SetDefault(prev) })

	require.NoError(t, Send(context.Background(), deleteUser{ID: "1"}))
	require.NoError(t, Publish(context.Background(), userCreated{}))
	u, err := AskDefault[*user](context.Background(), getUser{ID: "2"})
	require.NoError(t, err)
	assert.Equal(t, "2", u.ID)
	assert.Equal(t, 1, sent)
	assert.Same(t, m, Default())

	assert.Panics(t, func() { SetDefault(nil) })
}
