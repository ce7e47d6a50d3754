package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"skillgate/internal/clock"
	"skillgate/internal/config"
	"skillgate/internal/observability"
)

// RetryPolicy bounds every collaborator call: each attempt gets Timeout, and
// failed attempts wait Base*2^n (capped at Max) before the next one.
type RetryPolicy struct {
	MaxAttempts int
	Timeout     time.Duration
	Base        time.Duration
	Max         time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
}

func RetryFromConfig(p config.PipelineConfig, clk clock.Clock, logger *zap.Logger) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: p.MaxAttempts,
		Timeout:     p.StepTimeout,
		Base:        p.BackoffBase,
		Max:         p.BackoffMax,
		Clock:       clk,
		Logger:      logger,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (r RetryPolicy) Backoff(attempt int) time.Duration {
	d := r.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if r.Max > 0 && d >= r.Max {
			return r.Max
		}
	}
	if r.Max > 0 && d > r.Max {
		return r.Max
	}
	return d
}

// Do runs fn until it succeeds, returns a permanent error, or attempts run
// out. Exhaustion yields a *TransientInfraFailure.
func (r RetryPolicy) Do(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	clk := r.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := r.attempt(ctx, fn)
		observability.RecordAttempt(step, err == nil)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if permanent(err) {
			return err
		}
		last = err
		logger.Warn("collaborator attempt failed", zap.String("step", step), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(r.Backoff(attempt)):
		}
	}
	return &TransientInfraFailure{Step: step, Attempts: attempts, Err: last}
}

func (r RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.Timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	err := fn(actx)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &attemptTimeout{err: err}
	}
	return err
}

type attemptTimeout struct{ err error }

func (e *attemptTimeout) Error() string { return "attempt timed out: " + e.err.Error() }

func (e *attemptTimeout) Unwrap() error { return e.err }
