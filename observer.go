package xmediator

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e LifecycleEvent)

func (f ObserverFunc) OnEvent(e LifecycleEvent) { f(e) }

// LoggingObserver emits lifecycle events via xlog. Failures log at warn level,
// everything else at debug.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e LifecycleEvent) {
	if o.Logger == nil {
		return
	}
	switch e.Type {
	case HandlerFailed, FireAndForgetFailed:
		o.Logger.Warn().Err(e.Err).
			Str("type", string(e.Type)).
			Str("shape", e.Shape.String()).
			Str("message", e.MessageName()).
			Str("context_id", e.ContextID).
			Msg("xmediator event")
	case DispatchDone, PublishDone:
		if e.Err != nil {
			o.Logger.Warn().Err(e.Err).
				Str("type", string(e.Type)).
				Str("shape", e.Shape.String()).
				Str("message", e.MessageName()).
				Str("context_id", e.ContextID).
				Dur("duration", e.Duration).
				Msg("xmediator event")
			return
		}
		o.Logger.Debug().
			Str("type", string(e.Type)).
			Str("shape", e.Shape.String()).
			Str("message", e.MessageName()).
			Str("context_id", e.ContextID).
			Dur("duration", e.Duration).
			Msg("xmediator event")
	default:
		o.Logger.Debug().
			Str("type", string(e.Type)).
			Str("shape", e.Shape.String()).
			Str("message", e.MessageName()).
			Str("context_id", e.ContextID).
			Msg("xmediator event")
	}
}
