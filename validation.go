package xmediator

import (
	"context"
	"errors"
	"iter"
	"reflect"

	"github.com/go-playground/validator/v10"
)

// Validator is implemented by messages that check their own invariants.
type Validator interface {
	Validate() error
}

// ValidationMiddleware rejects invalid commands, requests and stream requests
// before they reach their handler. A message's own Validate method runs first,
// then its `validate` struct tags. Failures are *ValidationError.
type ValidationMiddleware struct {
	validate *validator.Validate
}

var (
	_ CommandMiddleware = (*ValidationMiddleware)(nil)
	_ RequestMiddleware = (*ValidationMiddleware)(nil)
	_ StreamMiddleware  = (*ValidationMiddleware)(nil)
)

// NewValidationMiddleware uses v for struct tags, or a fresh validator when v is nil.
func NewValidationMiddleware(v *validator.Validate) *ValidationMiddleware {
	if v == nil {
		v = validator.New(validator.WithRequiredStructEnabled())
	}
	return &ValidationMiddleware{validate: v}
}

// Check validates msg without dispatching it.
func (vm *ValidationMiddleware) Check(msg any) error {
	t := reflect.TypeOf(msg)
	if val, ok := msg.(Validator); ok {
		if err := val.Validate(); err != nil {
			return &ValidationError{MessageType: t, Err: err}
		}
	}
	if !isStructMessage(msg) {
		return nil
	}
	if err := vm.validate.Struct(msg); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil
		}
		return &ValidationError{MessageType: t, Err: err}
	}
	return nil
}

func isStructMessage(msg any) bool {
	rv := reflect.ValueOf(msg)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Struct
}

func (vm *ValidationMiddleware) ProcessCommand(ctx context.Context, mc *Context, next CommandNext) error {
	if err := vm.Check(mc.Message()); err != nil {
		return err
	}
	return next(ctx)
}

func (vm *ValidationMiddleware) ProcessRequest(ctx context.Context, mc *Context, next RequestNext) (any, error) {
	if err := vm.Check(mc.Message()); err != nil {
		return nil, err
	}
	return next(ctx)
}

func (vm *ValidationMiddleware) ProcessStream(ctx context.Context, mc *Context, next StreamNext) iter.Seq2[any, error] {
	if err := vm.Check(mc.Message()); err != nil {
		return errSeq(err)
	}
	return next(ctx)
}
