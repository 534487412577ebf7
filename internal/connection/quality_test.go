package connection

import (
	"testing"
	"time"

	"github.com/AxonStream/axonpuls/internal/models"
)

func TestClassifyQualityLatencyLadder(t *testing.T) {
	latencies := []int64{120, 180, 640, 1200, 1200, 1200}
	want := []models.ConnectionQuality{
		models.QualityExcellent, models.QualityExcellent, models.QualityGood,
		models.QualityPoor, models.QualityPoor, models.QualityPoor,
	}
	for i, lat := range latencies {
		if got := ClassifyQuality(0, lat); got != want[i] {
			t.Fatalf("latency %dms: got %s, want %s", lat, got, want[i])
		}
	}
}

func TestClassifyQualityMissedHeartbeatsDominate(t *testing.T) {
	if got := ClassifyQuality(3, 50); got != models.QualityCritical {
		t.Fatalf("3 missed must be CRITICAL regardless of latency, got %s", got)
	}
	if got := ClassifyQuality(2, 50); got != models.QualityPoor {
		t.Fatalf("2 missed must be POOR, got %s", got)
	}
	if got := ClassifyQuality(1, 50); got != models.QualityExcellent {
		t.Fatalf("1 missed with low latency stays EXCELLENT, got %s", got)
	}
}

func TestAdaptiveHeartbeatInterval(t *testing.T) {
	// CRITICAL halves, POOR shaves a quarter, EXCELLENT backs off.
	if next, changed := AdaptiveHeartbeatInterval(30*time.Second, models.QualityCritical); !changed || next != 15*time.Second {
		t.Fatalf("critical: got %s changed=%v", next, changed)
	}
	if next, changed := AdaptiveHeartbeatInterval(30*time.Second, models.QualityPoor); !changed || next != 22500*time.Millisecond {
		t.Fatalf("poor: got %s changed=%v", next, changed)
	}
	if next, changed := AdaptiveHeartbeatInterval(30*time.Second, models.QualityExcellent); !changed || next != 45*time.Second {
		t.Fatalf("excellent: got %s changed=%v", next, changed)
	}

	// Clamped to the floor and ceiling.
	if next, changed := AdaptiveHeartbeatInterval(10*time.Second, models.QualityCritical); !changed || next != MinHeartbeatInterval {
		t.Fatalf("expected clamp to %s, got %s changed=%v", MinHeartbeatInterval, next, changed)
	}
	if next, changed := AdaptiveHeartbeatInterval(44*time.Second, models.QualityExcellent); !changed || next != MaxHeartbeatInterval {
		t.Fatalf("expected clamp to %s, got %s changed=%v", MaxHeartbeatInterval, next, changed)
	}

	// Small moves are suppressed, including ones pinned at the floor.
	if _, changed := AdaptiveHeartbeatInterval(12*time.Second, models.QualityPoor); changed {
		t.Fatal("3s shift is under the hysteresis and must not restart the ticker")
	}
	if next, changed := AdaptiveHeartbeatInterval(8*time.Second, models.QualityCritical); changed || next != 8*time.Second {
		t.Fatalf("floor-clamped shift under hysteresis must hold at %s, got %s changed=%v", 8*time.Second, next, changed)
	}

	// GOOD leaves the cadence alone.
	if next, changed := AdaptiveHeartbeatInterval(30*time.Second, models.QualityGood); changed || next != 30*time.Second {
		t.Fatalf("good: got %s changed=%v", next, changed)
	}
}

func TestBackoffExponentialSchedule(t *testing.T) {
	p := DefaultBackoff()
	p.Jitter = false

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := p.Delay(i+1, 1, 1); got != w {
			t.Fatalf("attempt %d: got %s, want %s", i+1, got, w)
		}
	}

	// Past the knee the delay is capped.
	if got := p.Delay(7, 1, 1); got != p.MaxDelay {
		t.Fatalf("attempt 7: got %s, want cap %s", got, p.MaxDelay)
	}
}

func TestBackoffStrategies(t *testing.T) {
	linear := BackoffPolicy{Strategy: BackoffLinear, BaseDelay: time.Second, Increment: 2 * time.Second, MaxDelay: 30 * time.Second}
	if got := linear.Delay(3, 1, 1); got != 5*time.Second {
		t.Fatalf("linear attempt 3: got %s", got)
	}

	fixed := BackoffPolicy{Strategy: BackoffFixed, BaseDelay: 3 * time.Second, MaxDelay: 30 * time.Second}
	if got := fixed.Delay(5, 1, 1); got != 3*time.Second {
		t.Fatalf("fixed attempt 5: got %s", got)
	}

	adaptive := BackoffPolicy{Strategy: BackoffAdaptive, BaseDelay: time.Second, Factor: 2, MaxDelay: 60 * time.Second}
	// Load and network factors multiply but cap at 3x.
	if got := adaptive.Delay(1, 2, 2); got != 3*time.Second {
		t.Fatalf("adaptive cap: got %s, want 3s", got)
	}
	if got := adaptive.Delay(1, 1.5, 1); got != 1500*time.Millisecond {
		t.Fatalf("adaptive load factor: got %s", got)
	}
	// Factors outside [1, 2] are clamped.
	if got := adaptive.Delay(1, 0.1, 5); got != 2*time.Second {
		t.Fatalf("adaptive clamp: got %s", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := DefaultBackoff()
	for i := 0; i < 50; i++ {
		d := p.Delay(1, 1, 1)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay out of ±20%%: %s", d)
		}
	}

	// The floor holds even under jitter.
	tiny := BackoffPolicy{Strategy: BackoffFixed, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Jitter: true}
	for i := 0; i < 20; i++ {
		if d := tiny.Delay(1, 1, 1); d < MinReconnectDelay {
			t.Fatalf("delay under the floor: %s", d)
		}
	}
}
