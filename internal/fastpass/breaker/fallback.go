package breaker

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrFallbackFailed is returned when both the protected call and its
// fallback fail.
var ErrFallbackFailed = errors.New("fallback failed")

// FallbackFunc runs in place of a failed or breaker-rejected call.
type FallbackFunc func(ctx context.Context, err error) error

// Fallback pairs a CircuitBreaker with a FallbackFunc invoked whenever
// the protected call fails or the breaker rejects it outright.
type Fallback struct {
	name    string
	breaker *CircuitBreaker
	fn      FallbackFunc
	logger  *zap.Logger
}

// NewFallback builds a Fallback named name around breaker.
func NewFallback(name string, breaker *CircuitBreaker, fn FallbackFunc, logger *zap.Logger) *Fallback {
	return &Fallback{name: name, breaker: breaker, fn: fn, logger: logger}
}

// Execute runs mainFn through the breaker, falling back to f.fn on any
// failure (breaker-open, too-many-requests, or mainFn's own error).
func (f *Fallback) Execute(ctx context.Context, mainFn func(context.Context) error) error {
	err := f.breaker.ExecuteContext(ctx, mainFn)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
		f.logger.Warn("circuit breaker triggered, executing fallback", zap.String("name", f.name), zap.Error(err))
	}

	if f.fn == nil {
		return err
	}
	if fallbackErr := f.fn(ctx, err); fallbackErr != nil {
		f.logger.Error("fallback execution failed", zap.String("name", f.name), zap.Error(fallbackErr))
		return fallbackErr
	}
	return nil
}

// Strategies builds common FallbackFunc shapes.
type Strategies struct {
	logger *zap.Logger
}

// NewStrategies builds a Strategies factory.
func NewStrategies(logger *zap.Logger) *Strategies {
	return &Strategies{logger: logger}
}

// FailFast propagates the original error unchanged — used where no
// degraded behavior exists (e.g. a forced RESET cannot be skipped).
func (s *Strategies) FailFast() FallbackFunc {
	return func(ctx context.Context, err error) error {
		s.logger.Info("executing fail-fast fallback")
		return err
	}
}

// Silent swallows the error — used for best-effort calls like a
// dashboard broadcast where a missed update is tolerable.
func (s *Strategies) Silent() FallbackFunc {
	return func(ctx context.Context, err error) error {
		s.logger.Info("executing silent fallback", zap.Error(err))
		return nil
	}
}

// Retry attempts fn up to maxRetries times before giving up and
// returning the original error — used for etcd discovery lookups that
// are expected to recover quickly.
func (s *Strategies) Retry(maxRetries int, fn func(context.Context) error) FallbackFunc {
	return func(ctx context.Context, err error) error {
		s.logger.Info("executing retry fallback", zap.Int("max_retries", maxRetries))
		for i := 0; i < maxRetries; i++ {
			if retryErr := fn(ctx); retryErr == nil {
				s.logger.Info("retry succeeded", zap.Int("attempt", i+1))
				return nil
			} else {
				s.logger.Warn("retry failed", zap.Int("attempt", i+1), zap.Error(retryErr))
			}
		}
		return err
	}
}
