package xmediator

import (
	"context"
	"iter"
)

// ExceptionHandlingMiddleware offers errors escaping the inner pipeline to an
// ordered list of ExceptionHandlers; the first one returning true claims it.
// A claimed error is recorded on the Context (Err and header Exception.Handled)
// and the call completes with a zero result and no error.
//
// Validation errors are never offered, and a Context with
// BypassExceptionHandling skips the chain.
type ExceptionHandlingMiddleware struct {
	handlers []ExceptionHandler
}

var (
	_ CommandMiddleware = (*ExceptionHandlingMiddleware)(nil)
	_ RequestMiddleware = (*ExceptionHandlingMiddleware)(nil)
	_ StreamMiddleware  = (*ExceptionHandlingMiddleware)(nil)
	_ EventMiddleware   = (*ExceptionHandlingMiddleware)(nil)
)

// NewExceptionHandlingMiddleware returns middleware consulting handlers in order.
func NewExceptionHandlingMiddleware(handlers ...ExceptionHandler) *ExceptionHandlingMiddleware {
	hs := make([]ExceptionHandler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return &ExceptionHandlingMiddleware{handlers: hs}
}

func (x *ExceptionHandlingMiddleware) handled(ctx context.Context, mc *Context, err error) bool {
	if err == nil || mc.BypassExceptionHandling() || IsValidationError(err) {
		return false
	}
	for _, h := range x.handlers {
		if !h.HandleException(ctx, mc, err) {
			continue
		}
		mc.SetErr(err)
		HeaderExceptionHandled.Set(mc, true)
		if m, ok := MediatorFromContext(ctx); ok {
			m.recordHandledException(mc, err)
		}
		return true
	}
	return false
}

func (x *ExceptionHandlingMiddleware) ProcessCommand(ctx context.Context, mc *Context, next CommandNext) error {
	err := next(ctx)
	if x.handled(ctx, mc, err) {
		return nil
	}
	return err
}

func (x *ExceptionHandlingMiddleware) ProcessRequest(ctx context.Context, mc *Context, next RequestNext) (any, error) {
	res, err := next(ctx)
	if x.handled(ctx, mc, err) {
		return nil, nil
	}
	return res, err
}

// ProcessStream offers an error item to the chain; a handled error ends the
// sequence without surfacing it.
func (x *ExceptionHandlingMiddleware) ProcessStream(ctx context.Context, mc *Context, next StreamNext) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for v, err := range next(ctx) {
			if err != nil {
				if !x.handled(ctx, mc, err) {
					yield(nil, err)
				}
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

func (x *ExceptionHandlingMiddleware) ProcessEvent(ctx context.Context, mc *Context, next EventNext) error {
	err := next(ctx)
	if x.handled(ctx, mc, err) {
		return nil
	}
	return err
}
