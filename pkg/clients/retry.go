package clients

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryConfig configures retry behavior for storage and cache operations.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// RetryIf decides whether an error is worth another attempt. When nil,
	// every error is retried.
	RetryIf func(err error) bool
}

// DefaultRetryConfig returns sensible defaults for transient failures.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

func normalizeRetryConfig(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return cfg
}

// NewRetryPolicy creates a retry policy with exponential backoff and jitter.
func NewRetryPolicy(cfg RetryConfig) retrypolicy.RetryPolicy[any] {
	cfg = normalizeRetryConfig(cfg)
	builder := retrypolicy.NewBuilder[any]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1) // 10% jitter

	if cfg.RetryIf != nil {
		builder = builder.HandleIf(func(_ any, err error) bool {
			return err != nil && cfg.RetryIf(err)
		})
	}

	return builder.Build()
}

// Executor runs operations behind a retry policy and an optional circuit
// breaker. The zero value is not usable; construct with NewExecutor.
type Executor struct {
	exec failsafe.Executor[any]
}

// NewExecutor creates an executor combining the retry policy with the given
// circuit breaker. Pass a nil breaker for retry-only behavior.
func NewExecutor(cfg RetryConfig, cb *CircuitBreaker) *Executor {
	retry := NewRetryPolicy(cfg)

	if cb != nil {
		return &Executor{exec: failsafe.With(retry, cb.cb)}
	}
	return &Executor{exec: failsafe.With(retry)}
}

// Do runs fn through the executor, honoring ctx cancellation between attempts.
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	return e.exec.WithContext(ctx).Run(fn)
}

// Get runs a value-returning fn through the executor.
func (e *Executor) Get(ctx context.Context, fn func() (any, error)) (any, error) {
	return e.exec.WithContext(ctx).Get(fn)
}
