package connection

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy selects how reconnection delays grow across attempts.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
	BackoffLinear      BackoffStrategy = "LINEAR"
	BackoffFixed       BackoffStrategy = "FIXED"
	BackoffAdaptive    BackoffStrategy = "ADAPTIVE"
)

// MinReconnectDelay is the floor under every strategy and jitter roll.
const MinReconnectDelay = 100 * time.Millisecond

// BackoffPolicy drives reconnection scheduling for a session.
type BackoffPolicy struct {
	Strategy    BackoffStrategy
	BaseDelay   time.Duration
	Increment   time.Duration // LINEAR only
	Factor      float64       // EXPONENTIAL only
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter spreads delays by up to 20% in both directions so a fleet of
	// clients does not reconnect in lockstep.
	Jitter bool
	// ResetAfter is how long a session must stay CONNECTED before its
	// attempt counter is forgiven.
	ResetAfter time.Duration
}

// DefaultBackoff returns the exponential policy used unless a deployment
// overrides it.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Strategy:    BackoffExponential,
		BaseDelay:   time.Second,
		Increment:   time.Second,
		Factor:      2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
		Jitter:      true,
		ResetAfter:  5 * time.Minute,
	}
}

// Delay computes the wait before reconnection attempt n (1-based). The
// adaptive strategy scales the exponential delay by system load and network
// quality factors, each in [1, 2], with the combined multiplier capped at 3.
func (p BackoffPolicy) Delay(attempt int, loadFactor, networkFactor float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Strategy {
	case BackoffLinear:
		delay = p.BaseDelay + time.Duration(attempt-1)*p.Increment
	case BackoffFixed:
		delay = p.BaseDelay
	case BackoffAdaptive:
		delay = p.exponential(attempt)
		mult := clampFactor(loadFactor) * clampFactor(networkFactor)
		if mult > 3 {
			mult = 3
		}
		delay = time.Duration(float64(delay) * mult)
	default:
		delay = p.exponential(attempt)
	}

	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter {
		// ±20%
		delay = time.Duration(float64(delay) * (0.8 + rand.Float64()*0.4))
	}
	if delay < MinReconnectDelay {
		delay = MinReconnectDelay
	}
	return delay
}

func (p BackoffPolicy) exponential(attempt int) time.Duration {
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func clampFactor(f float64) float64 {
	if f < 1 {
		return 1
	}
	if f > 2 {
		return 2
	}
	return f
}
