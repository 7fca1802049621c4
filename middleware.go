package xmediator

import (
	"context"
	"errors"
	"iter"
	"math/rand/v2"
	"time"

	"github.com/trickstertwo/xclock"
)

// RetryConfig controls retry behavior for command and request middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt (e.g., exponential backoff).
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff to avoid thundering herds.
	Jitter time.Duration
}

// Retry re-invokes the rest of the pipeline on failure. Validation, resolution
// and panic errors are never retried.
type Retry struct {
	cfg RetryConfig
}

var (
	_ CommandMiddleware = Retry{}
	_ RequestMiddleware = Retry{}
)

// RetryMiddleware provides bounded, selective retries.
func RetryMiddleware(cfg RetryConfig) Retry {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return Retry{cfg: cfg}
}

func (r Retry) retryable(err error) bool {
	var (
		noHandler *NoHandlerError
		ambiguous *AmbiguousHandlerError
		panicked  *PanicError
	)
	switch {
	case IsValidationError(err), errors.As(err, &noHandler), errors.As(err, &ambiguous), errors.As(err, &panicked):
		return false
	case r.cfg.RetryIf != nil:
		return r.cfg.RetryIf(err)
	}
	return true
}

// wait sleeps before attempt+1; it returns false when ctx ends first.
func (r Retry) wait(ctx context.Context, attempt int) bool {
	if r.cfg.Backoff == nil {
		return ctx.Err() == nil
	}
	d := r.cfg.Backoff(attempt)
	if r.cfg.Jitter > 0 {
		d += rand.N(r.cfg.Jitter)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r Retry) ProcessCommand(ctx context.Context, mc *Context, next CommandNext) error {
	var err error
	for i := 1; i <= r.cfg.MaxAttempts; i++ {
		if err = next(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || i == r.cfg.MaxAttempts || !r.retryable(err) || !r.wait(ctx, i) {
			return err
		}
	}
	return err
}

func (r Retry) ProcessRequest(ctx context.Context, mc *Context, next RequestNext) (any, error) {
	var (
		res any
		err error
	)
	for i := 1; i <= r.cfg.MaxAttempts; i++ {
		if res, err = next(ctx); err == nil {
			return res, nil
		}
		if ctx.Err() != nil || i == r.cfg.MaxAttempts || !r.retryable(err) || !r.wait(ctx, i) {
			return res, err
		}
	}
	return res, err
}

// Timeout bounds command and request processing time. When exceeded the call
// returns context.DeadlineExceeded; the handler keeps its canceled context.
type Timeout struct {
	d time.Duration
}

var (
	_ CommandMiddleware = Timeout{}
	_ RequestMiddleware = Timeout{}
)

// TimeoutMiddleware enforces a maximum processing time. Non-positive d disables it.
func TimeoutMiddleware(d time.Duration) Timeout {
	return Timeout{d: d}
}

func (t Timeout) ProcessCommand(ctx context.Context, mc *Context, next CommandNext) error {
	_, err := t.run(ctx, func(ctx context.Context) (any, error) { return nil, next(ctx) })
	return err
}

func (t Timeout) ProcessRequest(ctx context.Context, mc *Context, next RequestNext) (any, error) {
	return t.run(ctx, next)
}

func (t Timeout) run(ctx context.Context, next func(context.Context) (any, error)) (any, error) {
	if t.d <= 0 {
		return next(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var r result
		r.err = catch(func() error {
			var err error
			r.v, err = next(tctx)
			return err
		})
		ch <- r
	}()

	select {
	case <-tctx.Done():
		return nil, tctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// Recovery converts panics raised further in the pipeline into *PanicError.
// The handler call itself is always protected; Recovery is for middleware.
type Recovery struct{}

var (
	_ CommandMiddleware = Recovery{}
	_ RequestMiddleware = Recovery{}
	_ StreamMiddleware  = Recovery{}
	_ EventMiddleware   = Recovery{}
)

// RecoveryMiddleware returns panic-recovering middleware for every shape.
func RecoveryMiddleware() Recovery { return Recovery{} }

func (Recovery) ProcessCommand(ctx context.Context, mc *Context, next CommandNext) error {
	return catch(func() error { return next(ctx) })
}

func (Recovery) ProcessRequest(ctx context.Context, mc *Context, next RequestNext) (res any, err error) {
	err = catch(func() error {
		res, err = next(ctx)
		return err
	})
	return res, err
}

func (Recovery) ProcessStream(ctx context.Context, mc *Context, next StreamNext) iter.Seq2[any, error] {
	var seq iter.Seq2[any, error]
	if err := catch(func() error { seq = next(ctx); return nil }); err != nil {
		return errSeq(err)
	}
	return recoverSeq(seq)
}

func (Recovery) ProcessEvent(ctx context.Context, mc *Context, next EventNext) error {
	return catch(func() error { return next(ctx) })
}

// PerformanceLogging records the time spent in the rest of the pipeline in
// header Performance.Elapsed and logs a warning when it exceeds the threshold.
type PerformanceLogging struct {
	threshold time.Duration
}

var (
	_ CommandMiddleware = PerformanceLogging{}
	_ RequestMiddleware = PerformanceLogging{}
)

// PerformanceLoggingMiddleware warns about dispatches slower than threshold.
func PerformanceLoggingMiddleware(threshold time.Duration) PerformanceLogging {
	return PerformanceLogging{threshold: threshold}
}

func (p PerformanceLogging) ProcessCommand(ctx context.Context, mc *Context, next CommandNext) error {
	stop := p.start(ctx, mc)
	err := next(ctx)
	stop()
	return err
}

func (p PerformanceLogging) ProcessRequest(ctx context.Context, mc *Context, next RequestNext) (any, error) {
	stop := p.start(ctx, mc)
	res, err := next(ctx)
	stop()
	return res, err
}

func (p PerformanceLogging) start(ctx context.Context, mc *Context) func() {
	var clk Clock = xclock.Default()
	if m, ok := MediatorFromContext(ctx); ok {
		clk = m.clock
	}
	begin := clk.Now()
	return func() {
		elapsed := clk.Now().Sub(begin)
		HeaderPerformanceElapsed.Set(mc, elapsed)
		if p.threshold <= 0 || elapsed <= p.threshold {
			return
		}
		if lg, ok := LoggerFromContext(ctx); ok {
			lg.Warn().
				Str("message", mc.MessageType().String()).
				Str("context_id", mc.ID().String()).
				Dur("elapsed", elapsed).
				Dur("threshold", p.threshold).
				Msg("xmediator: slow dispatch")
		}
	}
}
