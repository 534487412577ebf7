package connection

import (
	"time"

	"github.com/AxonStream/axonpuls/internal/models"
)

const (
	// MinHeartbeatInterval and MaxHeartbeatInterval clamp the adaptive range.
	MinHeartbeatInterval = 5 * time.Second
	MaxHeartbeatInterval = 60 * time.Second
	// heartbeatHysteresis suppresses restarts for small interval changes.
	heartbeatHysteresis = 5 * time.Second
)

// ClassifyQuality derives connection quality from missed heartbeats and the
// last round-trip latency. Missed heartbeats dominate latency.
func ClassifyQuality(missedHeartbeats int, latencyMs int64) models.ConnectionQuality {
	switch {
	case missedHeartbeats > 2:
		return models.QualityCritical
	case missedHeartbeats > 1:
		return models.QualityPoor
	case latencyMs > 1000:
		return models.QualityPoor
	case latencyMs > 500:
		return models.QualityGood
	default:
		return models.QualityExcellent
	}
}

// qualityLatencyThreshold is the latency ceiling for a quality bucket, used
// to spot spikes that warrant an immediate store sync.
func qualityLatencyThreshold(q models.ConnectionQuality) int64 {
	if q == models.QualityExcellent {
		return 500
	}
	return 1000
}

// AdaptiveHeartbeatInterval scales the ping cadence with connection quality:
// struggling connections are probed more often, excellent ones less. The
// result is clamped and only reported as changed when it moves by at least
// the hysteresis, so the ping ticker is not restarted on every heartbeat.
func AdaptiveHeartbeatInterval(current time.Duration, q models.ConnectionQuality) (time.Duration, bool) {
	next := current
	switch q {
	case models.QualityCritical:
		next = current / 2
	case models.QualityPoor:
		next = current * 3 / 4
	case models.QualityExcellent:
		next = current * 3 / 2
	}

	if next < MinHeartbeatInterval {
		next = MinHeartbeatInterval
	}
	if next > MaxHeartbeatInterval {
		next = MaxHeartbeatInterval
	}

	diff := next - current
	if diff < 0 {
		diff = -diff
	}
	if diff < heartbeatHysteresis {
		return current, false
	}
	return next, true
}
