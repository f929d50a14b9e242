package reliability

import (
	"context"
	"errors"
	"time"

	"chanrelay/pkg/circuitbreaker"
	apperrors "chanrelay/pkg/errors"
	"chanrelay/pkg/retry"
	"chanrelay/pkg/tracing"

	"go.uber.org/zap"
)

// Guard bounds, traces and classifies every call to the shared backend. Reads are
// retried with backoff; writes are attempted once since a timed-out write may have
// been applied.
type Guard struct {
	backend string
	timeout time.Duration
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

type GuardConfig struct {
	Backend string
	Timeout time.Duration
	Retry   retry.Config
	Breaker circuitbreaker.Config
}

func NewGuard(cfg GuardConfig, logger *zap.SugaredLogger) *Guard {
	breakerCfg := cfg.Breaker
	// cancellation by the caller says nothing about backend health
	breakerCfg.IsFailure = func(err error) bool {
		return !errors.Is(err, context.Canceled)
	}
	retryCfg := cfg.Retry
	retryCfg.Retryable = func(err error) bool {
		return !errors.Is(err, circuitbreaker.ErrOpen) && !errors.Is(err, context.Canceled)
	}

	g := &Guard{
		backend: cfg.Backend,
		timeout: cfg.Timeout,
		retry:   retryCfg,
		breaker: circuitbreaker.New(breakerCfg),
		logger:  logger,
	}
	g.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("circuit breaker state changed",
			"backend", cfg.Backend,
			"from", from.String(),
			"to", to.String(),
		)
	})
	return g
}

// State reports the breaker state for health checks.
func (g *Guard) State() circuitbreaker.State {
	return g.breaker.GetState()
}

func (g *Guard) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func guardRead[T any](ctx context.Context, g *Guard, op, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := tracing.TraceStore(ctx, g.backend, op, key)
	defer span.End()

	v, err := retry.Do(ctx, g.retry, func() (T, error) {
		return circuitbreaker.Run(g.breaker, func() (T, error) {
			callCtx, cancel := g.bounded(ctx)
			defer cancel()
			return fn(callCtx)
		})
	})
	if err != nil {
		var zero T
		return zero, g.fail(ctx, op, key, err)
	}
	return v, nil
}

func guardWrite(ctx context.Context, g *Guard, op, key string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.TraceStore(ctx, g.backend, op, key)
	defer span.End()

	err := g.breaker.Execute(func() error {
		callCtx, cancel := g.bounded(ctx)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return g.fail(ctx, op, key, err)
	}
	return nil
}

func (g *Guard) fail(ctx context.Context, op, key string, err error) error {
	tracing.RecordError(ctx, err)
	g.logger.Errorw("backend call failed",
		"backend", g.backend,
		"operation", op,
		"key", key,
		"error", err,
	)
	return apperrors.Transport(err, g.backend+" "+op+" failed").
		WithContext("operation", op).
		WithContext("key", key)
}
