package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AxonStream/axonpuls/internal/models"
)

// sanityEvery is how many locally-accepted messages pass between shared KV
// cross-checks. The local limiter is authoritative on the hot path; the KV
// check catches a tenant spreading load across sockets.
const sanityEvery = 25

// SocketLimiter is the in-process message budget for one socket. It wraps a
// token bucket with capacity 2x the steady rate, mirroring the shared
// limiter's shape, so a socket is throttled locally before it ever costs a
// KV round-trip.
type SocketLimiter struct {
	local    *rate.Limiter
	shared   *Limiter
	orgID    string
	subject  string
	accepted atomic.Int64
}

func NewSocketLimiter(shared *Limiter, orgID, sessionID string, limit int64, window time.Duration) *SocketLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SocketLimiter{
		local:   rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), int(limit*2)),
		shared:  shared,
		orgID:   orgID,
		subject: sessionID,
	}
}

// Allow spends one message from the socket budget.
func (s *SocketLimiter) Allow(ctx context.Context) error {
	if !s.local.Allow() {
		return fmt.Errorf("%w: socket message budget exhausted", models.ErrRateLimited)
	}
	n := s.accepted.Add(1)
	if s.shared != nil && n%sanityEvery == 0 {
		if _, err := s.shared.Allow(ctx, s.orgID, s.subject, "socket_message"); err != nil {
			return err
		}
	}
	return nil
}
