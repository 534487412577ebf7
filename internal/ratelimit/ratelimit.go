package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/pkg/logging"
)

const (
	// DefaultLimit is the steady rate per window.
	DefaultLimit = 100
	// DefaultWindow is the counting window.
	DefaultWindow = 60 * time.Second
)

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// RetryAfter is how long the caller should wait before the budget
	// refills. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter enforces per-tenant action budgets with atomic window counters in
// the KV. Bursts are bounded by a token-bucket shape: capacity is twice the
// steady rate and the budget refills one steady rate per window, which the
// two-window sum below is equivalent to.
type Limiter struct {
	client goredis.UniversalClient
	logger logging.Logger
	limit  int64
	window time.Duration
	now    func() time.Time
}

func New(client goredis.UniversalClient, logger logging.Logger, limit int64, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		client: client,
		logger: logger,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *Limiter) key(orgID, subject, action string, windowStart int64) string {
	return fmt.Sprintf("axonpuls:rl:%s:%s:%s:%d", orgID, subject, action, windowStart)
}

// Allow spends one unit of the {org, subject, action} budget. Denials wrap
// the rate-limit sentinel; KV failures fail open with a warning because a
// degraded limiter must not take down the hot path.
func (l *Limiter) Allow(ctx context.Context, orgID, subject, action string) (Decision, error) {
	now := l.now()
	windowSecs := int64(l.window / time.Second)
	windowStart := now.Unix() - now.Unix()%windowSecs

	current := l.key(orgID, subject, action, windowStart)
	previous := l.key(orgID, subject, action, windowStart-windowSecs)

	opCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(opCtx, current)
	pipe.Expire(opCtx, current, l.window*2)
	prevGet := pipe.Get(opCtx, previous)
	if _, err := pipe.Exec(opCtx); err != nil && !errors.Is(err, goredis.Nil) {
		l.logger.WithError(err).Warn("Rate limit check failed, failing open")
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit}, nil
	}

	count := incr.Val()
	var prev int64
	if raw, err := prevGet.Result(); err == nil {
		prev, _ = strconv.ParseInt(raw, 10, 64)
	}

	capacity := l.limit * 2
	remaining := capacity - prev - count
	if remaining < 0 {
		remaining = 0
	}

	if prev+count > capacity || count > capacity {
		retryAfter := time.Duration(windowStart+windowSecs-now.Unix()) * time.Second
		return Decision{
			Allowed:    false,
			Limit:      l.limit,
			Remaining:  0,
			RetryAfter: retryAfter,
		}, fmt.Errorf("%w: %s/%s exceeded %d per %s", models.ErrRateLimited, subject, action, l.limit, l.window)
	}

	return Decision{Allowed: true, Limit: l.limit, Remaining: remaining}, nil
}

// Peek reports the spend in the current window without consuming budget.
func (l *Limiter) Peek(ctx context.Context, orgID, subject, action string) (int64, error) {
	now := l.now()
	windowSecs := int64(l.window / time.Second)
	windowStart := now.Unix() - now.Unix()%windowSecs

	opCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	raw, err := l.client.Get(opCtx, l.key(orgID, subject, action, windowStart)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n, nil
}
