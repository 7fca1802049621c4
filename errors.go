package xmediator

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrMediatorClosed              = errors.New("xmediator: mediator is closed")
	ErrNilMessage                  = errors.New("xmediator: message must not be nil")
	ErrDefaultNotInitialized       = errors.New("xmediator: default mediator not initialized")
	ErrObserverPoolShutdownTimeout = errors.New("xmediator: observer pool shutdown timeout")
	ErrResultType                  = errors.New("xmediator: handler result does not match the requested type")
	ErrUnknownCacheStore           = errors.New("xmediator: unknown cache store")
)

// NoHandlerError is returned when a command, request or stream request has no
// registered handler. It is fatal and never retried.
type NoHandlerError struct {
	MessageType reflect.Type
	Shape       Shape
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("xmediator: no %s handler registered for %v", e.Shape, e.MessageType)
}

// AmbiguousHandlerError is returned when more than one handler resolves for a
// single-handler message.
type AmbiguousHandlerError struct {
	MessageType reflect.Type
	Shape       Shape
	Count       int
}

func (e *AmbiguousHandlerError) Error() string {
	return fmt.Sprintf("xmediator: %d %s handlers registered for %v, expected exactly one", e.Count, e.Shape, e.MessageType)
}

// ValidationError reports a message that failed validation. It always reaches
// the caller: exception handlers never see it.
type ValidationError struct {
	MessageType reflect.Type
	Err         error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("xmediator: validation failed for %v: %v", e.MessageType, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// PanicError wraps a panic recovered from a handler or middleware.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("xmediator: panic recovered: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
