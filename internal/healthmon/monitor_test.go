package healthmon

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AxonStream/axonpuls/internal/config"
	"github.com/AxonStream/axonpuls/internal/connection"
	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/registry"
)

// --- Fakes ---

type fakeStats struct {
	st connection.Stats
}

func (f *fakeStats) Stats() connection.Stats { return f.st }

type capturePublisher struct {
	mu     sync.Mutex
	events []registry.ServerEvent
}

func (p *capturePublisher) PublishEvent(_ context.Context, ev registry.ServerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) alerts(t *testing.T) []Alert {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Alert, 0, len(p.events))
	for _, ev := range p.events {
		if ev.Type != registry.EventHealthAlert {
			t.Fatalf("unexpected server event type %q", ev.Type)
		}
		var a Alert
		if err := json.Unmarshal(ev.Payload, &a); err != nil {
			t.Fatalf("decode alert payload: %v", err)
		}
		out = append(out, a)
	}
	return out
}

// --- Helpers ---

func newTestMonitor(t *testing.T, stats *fakeStats) (*Monitor, *capturePublisher) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	pub := &capturePublisher{}
	mon := New(Config{
		NodeID: "node-test",
		Thresholds: config.Thresholds{
			LatencyMs:     500,
			ErrorRate:     0.05,
			ReconnectRate: 0.10,
		},
		Stats:     stats,
		Publisher: pub,
		Logger:    logger,
	})
	// Tests control the host signal and the clock directly.
	mon.probe = func() (float64, float64) { return 0, 0 }
	return mon, pub
}

func healthySessions(n int) connection.Stats {
	return connection.Stats{
		Total:         n,
		ByStatus:      map[models.ConnectionStatus]int{models.StatusConnected: n},
		ByQuality:     map[models.ConnectionQuality]int{models.QualityExcellent: n},
		MeanLatencyMs: 40,
	}
}

func record(m *Monitor, requests, errors int) {
	for i := 0; i < requests; i++ {
		m.RecordRequest()
	}
	for i := 0; i < errors; i++ {
		m.RecordError()
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// --- Pure signal math ---

func TestGradeOverTiers(t *testing.T) {
	cases := []struct {
		name      string
		value     float64
		threshold float64
		want      Severity
		firing    bool
	}{
		{"inside band", 550, 500, "", false},
		{"past 1.2x", 625, 500, SeverityMedium, true},
		{"past 1.5x", 800, 500, SeverityHigh, true},
		{"past 2.0x", 1100, 500, SeverityCritical, true},
		{"far past critical", 5000, 500, SeverityCritical, true},
		{"zero threshold never fires", 100, 0, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sev, firing := gradeOver(tc.value, tc.threshold)
			if firing != tc.firing || sev != tc.want {
				t.Fatalf("gradeOver(%v, %v) = (%q, %v), want (%q, %v)",
					tc.value, tc.threshold, sev, firing, tc.want, tc.firing)
			}
		})
	}
}

func TestGradeUnderTiers(t *testing.T) {
	cases := []struct {
		name      string
		value     float64
		threshold float64
		want      Severity
		firing    bool
	}{
		{"inside band", 0.85, 0.9, "", false},
		{"below 0.9x", 0.80, 0.9, SeverityMedium, true},
		{"below 0.8x", 0.70, 0.9, SeverityHigh, true},
		{"below 0.6x", 0.50, 0.9, SeverityCritical, true},
		{"zero threshold never fires", 0.1, 0, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sev, firing := gradeUnder(tc.value, tc.threshold)
			if firing != tc.firing || sev != tc.want {
				t.Fatalf("gradeUnder(%v, %v) = (%q, %v), want (%q, %v)",
					tc.value, tc.threshold, sev, firing, tc.want, tc.firing)
			}
		})
	}
}

func TestEWMASeedAndSmoothing(t *testing.T) {
	var e ewma
	if got := e.observe(100); got != 100 {
		t.Fatalf("first observation must seed the average: got %v", got)
	}
	if got := e.observe(200); !near(got, 130) {
		t.Fatalf("second observation: got %v, want 130", got)
	}
	if got := e.observe(200); !near(got, 151) {
		t.Fatalf("third observation: got %v, want 151", got)
	}
}

func TestBlendLoadWeightsAndClamps(t *testing.T) {
	cases := []struct {
		name            string
		cpu, mem, churn float64
		want            float64
	}{
		{"all saturated", 1, 1, 1, 1.0},
		{"cpu only", 0.5, 0, 0, 0.25},
		{"memory only", 0, 0.5, 0, 0.15},
		{"churn only", 0, 0, 0.5, 0.10},
		{"cpu clamped above one", 2, 0, 0, 0.5},
		{"negative clamped to zero", -1, 0, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := blendLoad(tc.cpu, tc.mem, tc.churn); !near(got, tc.want) {
				t.Fatalf("blendLoad(%v, %v, %v) = %v, want %v", tc.cpu, tc.mem, tc.churn, got, tc.want)
			}
		})
	}
}

// --- Sampling ---

func TestSampleComputesSmoothedSnapshot(t *testing.T) {
	stats := &fakeStats{st: connection.Stats{
		Total: 10,
		ByStatus: map[models.ConnectionStatus]int{
			models.StatusConnected:    9,
			models.StatusReconnecting: 1,
		},
		ByQuality: map[models.ConnectionQuality]int{
			models.QualityExcellent: 7,
			models.QualityGood:      2,
			models.QualityPoor:      1,
		},
		MeanLatencyMs: 120,
	}}
	mon, pub := newTestMonitor(t, stats)
	mon.probe = func() (float64, float64) { return 0.40, 0.20 }

	record(mon, 20, 1)
	snap := mon.Sample(context.Background())

	if snap.Sessions != 10 {
		t.Fatalf("sessions: got %d, want 10", snap.Sessions)
	}
	if !near(snap.LatencyMs, 120) {
		t.Fatalf("latency: got %v, want 120", snap.LatencyMs)
	}
	if !near(snap.ErrorRate, 0.05) {
		t.Fatalf("error rate: got %v, want 0.05", snap.ErrorRate)
	}
	if !near(snap.ReconnectRate, 0.1) {
		t.Fatalf("reconnect rate: got %v, want 0.1", snap.ReconnectRate)
	}
	if !near(snap.QualityShare, 0.9) {
		t.Fatalf("quality share: got %v, want 0.9", snap.QualityShare)
	}
	if !near(snap.CPUPercent, 40) || !near(snap.MemoryPercent, 20) {
		t.Fatalf("host: got cpu=%v mem=%v, want 40/20", snap.CPUPercent, snap.MemoryPercent)
	}
	// 0.5*0.4 cpu + 0.3*0.2 memory + 0.2*1.0 churn (reconnect rate sits
	// exactly at its threshold).
	if !near(snap.Load, 0.46) {
		t.Fatalf("load: got %v, want 0.46", snap.Load)
	}
	if !near(snap.Uptime, 0.95) {
		t.Fatalf("uptime: got %v, want 0.95", snap.Uptime)
	}
	if len(pub.events) != 0 {
		t.Fatalf("healthy node must not alert, got %d events", len(pub.events))
	}

	// The work window drains on every sample: with no new work the error
	// rate decays instead of repeating.
	snap2 := mon.Sample(context.Background())
	if !near(snap2.ErrorRate, 0.035) {
		t.Fatalf("decayed error rate: got %v, want 0.035", snap2.ErrorRate)
	}
	if got := mon.Status(); !near(got.ErrorRate, snap2.ErrorRate) {
		t.Fatalf("Status must return the last sample, got %v", got.ErrorRate)
	}
}

func TestEmptyNodeIsHealthy(t *testing.T) {
	mon, pub := newTestMonitor(t, &fakeStats{})

	snap := mon.Sample(context.Background())
	if !near(snap.QualityShare, 1) || !near(snap.Uptime, 1) {
		t.Fatalf("empty node: got quality=%v uptime=%v, want 1/1", snap.QualityShare, snap.Uptime)
	}
	if len(pub.events) != 0 || len(mon.ActiveAlerts()) != 0 {
		t.Fatal("empty node must not raise alerts")
	}
}

func TestHighLatencyAlertPublished(t *testing.T) {
	st := healthySessions(5)
	st.MeanLatencyMs = 1200
	mon, pub := newTestMonitor(t, &fakeStats{st: st})

	mon.Sample(context.Background())

	alerts := pub.alerts(t)
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Type != AlertHighLatency || a.Severity != SeverityCritical {
		t.Fatalf("got %s/%s, want %s/%s", a.Type, a.Severity, AlertHighLatency, SeverityCritical)
	}
	if !near(a.Value, 1200) || !near(a.Threshold, 500) {
		t.Fatalf("alert carries value=%v threshold=%v, want 1200/500", a.Value, a.Threshold)
	}
	if pub.events[0].NodeID != "node-test" {
		t.Fatalf("event node: got %q", pub.events[0].NodeID)
	}
	if active := mon.ActiveAlerts(); len(active) != 1 || active[0].Type != AlertHighLatency {
		t.Fatalf("active alerts: got %+v", active)
	}
}

func TestAlertDedupeEscalationAndCooldown(t *testing.T) {
	mon, pub := newTestMonitor(t, &fakeStats{st: healthySessions(4)})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	mon.now = func() time.Time { return current }
	ctx := context.Background()

	// 7% errors against a 5% threshold lands in the MEDIUM band.
	record(mon, 100, 7)
	mon.Sample(ctx)
	if got := pub.alerts(t); len(got) != 1 || got[0].Severity != SeverityMedium {
		t.Fatalf("first sample: got %+v, want one MEDIUM alert", got)
	}

	// The unchanged condition stays silent inside the cooldown.
	current = base.Add(30 * time.Second)
	record(mon, 100, 7)
	mon.Sample(ctx)
	if got := len(pub.alerts(t)); got != 1 {
		t.Fatalf("deduped sample: got %d notifications, want 1", got)
	}

	// An error burst escalates to CRITICAL and bypasses the cooldown.
	current = base.Add(time.Minute)
	record(mon, 100, 100)
	mon.Sample(ctx)
	alerts := pub.alerts(t)
	if len(alerts) != 2 || alerts[1].Severity != SeverityCritical {
		t.Fatalf("escalation: got %+v, want a second CRITICAL notification", alerts)
	}

	// Unchanged CRITICAL inside the cooldown stays silent again.
	current = base.Add(90 * time.Second)
	record(mon, 100, 100)
	mon.Sample(ctx)
	if got := len(pub.alerts(t)); got != 2 {
		t.Fatalf("post-escalation dedupe: got %d notifications, want 2", got)
	}

	// Once the cooldown elapses the still-firing alert is re-notified.
	current = base.Add(6 * time.Minute)
	record(mon, 100, 100)
	mon.Sample(ctx)
	if got := len(pub.alerts(t)); got != 3 {
		t.Fatalf("cooldown re-notification: got %d notifications, want 3", got)
	}
}

func TestAlertClearsWhenSignalRecovers(t *testing.T) {
	st := healthySessions(5)
	st.MeanLatencyMs = 700
	stats := &fakeStats{st: st}
	mon, pub := newTestMonitor(t, stats)
	ctx := context.Background()

	mon.Sample(ctx)
	if len(mon.ActiveAlerts()) != 1 {
		t.Fatalf("expected a latency alert, got %+v", mon.ActiveAlerts())
	}

	// One quiet window pulls the smoothed latency back under the band.
	stats.st.MeanLatencyMs = 0
	mon.Sample(ctx)
	if got := mon.ActiveAlerts(); len(got) != 0 {
		t.Fatalf("alert should have cleared, still active: %+v", got)
	}
	if got := len(pub.alerts(t)); got != 1 {
		t.Fatalf("clearing must not notify, got %d notifications", got)
	}
}

func TestOverloadBlendsHostAndChurn(t *testing.T) {
	stats := &fakeStats{st: healthySessions(10)}
	mon, pub := newTestMonitor(t, stats)
	mon.probe = func() (float64, float64) { return 1.0, 0.9 }
	ctx := context.Background()

	// Hot host alone stays under the ceiling: 0.5 + 0.27 = 0.77.
	mon.Sample(ctx)
	if got := len(pub.alerts(t)); got != 0 {
		t.Fatalf("host pressure alone must not alert, got %d", got)
	}

	// Reconnect churn tips it over: smoothed rate 0.15 saturates the churn
	// input, 0.77 + 0.2 = 0.97 past the 1.2x band of 0.8.
	stats.st.ByStatus = map[models.ConnectionStatus]int{
		models.StatusConnected:    5,
		models.StatusReconnecting: 5,
	}
	mon.Sample(ctx)
	alerts := pub.alerts(t)
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if alerts[0].Type != AlertOverload || alerts[0].Severity != SeverityMedium {
		t.Fatalf("got %s/%s, want %s/%s", alerts[0].Type, alerts[0].Severity, AlertOverload, SeverityMedium)
	}
}

func TestLowQualityAlertUsesUnderBand(t *testing.T) {
	st := connection.Stats{
		Total:    10,
		ByStatus: map[models.ConnectionStatus]int{models.StatusConnected: 10},
		ByQuality: map[models.ConnectionQuality]int{
			models.QualityExcellent: 3,
			models.QualityPoor:      4,
			models.QualityCritical:  3,
		},
		MeanLatencyMs: 40,
	}
	mon, pub := newTestMonitor(t, &fakeStats{st: st})

	mon.Sample(context.Background())

	alerts := pub.alerts(t)
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	// 30% good against a 90% floor is past the 0.6x tier.
	if alerts[0].Type != AlertLowQuality || alerts[0].Severity != SeverityCritical {
		t.Fatalf("got %s/%s, want %s/%s", alerts[0].Type, alerts[0].Severity, AlertLowQuality, SeverityCritical)
	}
}
