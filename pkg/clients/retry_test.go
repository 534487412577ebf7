package clients

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go"
)

func TestNewRetryPolicy_NormalizesConfigToBoundRetries(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries: -3,
		BaseDelay:  0,
		MaxDelay:   0,
	}
	policy := NewRetryPolicy(cfg)

	var attempts int32
	_, err := failsafe.With(policy).Get(func() (any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("network partition")
	})
	if err == nil {
		t.Fatal("expected operation to fail")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected bounded single attempt with negative retries, got %d", got)
	}
}

func TestNewRetryPolicy_RetriesUpToConfiguredLimit(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
	}
	policy := NewRetryPolicy(cfg)

	var attempts int32
	_, err := failsafe.With(policy).Get(func() (any, error) {
		count := atomic.AddInt32(&attempts, 1)
		if count < 3 {
			return nil, errors.New("connection reset")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts (1 + 2 retries), got %d", got)
	}
}

func TestNewRetryPolicy_RetryIfSkipsNonRetryable(t *testing.T) {
	permanent := errors.New("constraint violation")
	cfg := RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		RetryIf:    func(err error) bool { return !errors.Is(err, permanent) },
	}
	policy := NewRetryPolicy(cfg)

	var attempts int32
	_, err := failsafe.With(policy).Get(func() (any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected single attempt for non-retryable error, got %d", got)
	}
}

func TestExecutor_DoRetriesTransientErrors(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
	}
	exec := NewExecutor(cfg, nil)

	var attempts int32
	err := exec.Do(context.Background(), func() error {
		if atomic.AddInt32(&attempts, 1) < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestExecutor_RespectsContextCancel(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries: 10,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   50 * time.Millisecond,
	}
	exec := NewExecutor(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := exec.Do(ctx, func() error { return errors.New("still failing") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
}

func TestExecutor_WithCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "exec-test",
		MinRequests:  2,
		FailureRatio: 0.5,
		Timeout:      time.Second,
	})
	cfg := RetryConfig{
		MaxRetries: 0,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
	}
	exec := NewExecutor(cfg, cb)

	for i := 0; i < 2; i++ {
		_ = exec.Do(context.Background(), func() error { return errors.New("down") })
	}

	if !cb.IsOpen() {
		t.Fatal("expected circuit breaker to open after repeated failures")
	}

	var called bool
	err := exec.Do(context.Background(), func() error { called = true; return nil })
	if err == nil {
		t.Fatal("expected open-circuit error")
	}
	if called {
		t.Fatal("expected call to be rejected while circuit is open")
	}
}
