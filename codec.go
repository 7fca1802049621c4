package xmediator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Codec turns values into bytes for stores that live outside the process.
// The in-memory store never touches it.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// CodecFactory builds a codec for Builder.WithCodec and adapter configs.
type CodecFactory func() Codec

var codecs = func() *factories[CodecFactory] {
	r := newFactories[CodecFactory]("codec")
	_ = r.add("json", func() Codec { return JSONCodec{} })
	return r
}()

// RegisterCodec makes a codec available by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if factory == nil {
		return errors.New("xmediator: codec factory must not be nil")
	}
	return codecs.add(name, factory)
}

// NewCodec builds the codec registered under name.
func NewCodec(name string) (Codec, error) {
	f, ok := codecs.lookup(name)
	if !ok {
		return nil, fmt.Errorf("xmediator: codec %q not registered", name)
	}
	return f(), nil
}

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext returns the codec of the Mediator dispatching the current call.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	c, ok := ctx.Value(codecCtxKey).(Codec)
	return c, ok && c != nil
}

func codecOrJSON(ctx context.Context) Codec {
	if c, ok := CodecFromContext(ctx); ok {
		return c
	}
	return JSONCodec{}
}

// Decode unmarshals data into a T with the current call's codec, or JSON
// outside a dispatch.
func Decode[T any](ctx context.Context, data []byte) (T, error) {
	v, err := decodeAs(codecOrJSON(ctx), data, reflect.TypeFor[T]())
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// decodeAs unmarshals data into a fresh value of type t.
func decodeAs(c Codec, data []byte, t reflect.Type) (any, error) {
	if t == nil {
		return nil, errors.New("xmediator: cannot decode without a target type")
	}
	ptr := reflect.New(t)
	if err := c.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}
