package healthmon

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/AxonStream/axonpuls/internal/config"
	"github.com/AxonStream/axonpuls/internal/connection"
	"github.com/AxonStream/axonpuls/internal/metrics"
	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/registry"
	"github.com/AxonStream/axonpuls/pkg/logging"
)

const (
	// DefaultInterval is the sampling cadence.
	DefaultInterval = 30 * time.Second
	// DefaultCooldown is how long an unchanged alert stays silent before it
	// is re-notified.
	DefaultCooldown = 5 * time.Minute

	// qualityFloor is the share of sessions that should sit at GOOD or
	// better on a healthy node.
	qualityFloor = 0.90
	// overloadCeiling is the blended load score past which the node counts
	// as overloaded.
	overloadCeiling = 0.80
)

// StatsSource yields connection aggregates; *connection.Manager implements it.
type StatsSource interface {
	Stats() connection.Stats
}

// EventPublisher is the slice of the server registry the monitor publishes
// alerts through.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev registry.ServerEvent) error
}

// Config assembles a Monitor.
type Config struct {
	NodeID     string
	Interval   time.Duration
	Cooldown   time.Duration
	Thresholds config.Thresholds
	Stats      StatsSource
	Publisher  EventPublisher
	Logger     logging.Logger
	Metrics    *metrics.Metrics
}

// Snapshot is the smoothed view of node health at the last sample.
type Snapshot struct {
	SampledAt     time.Time `json:"sampled_at"`
	Sessions      int       `json:"sessions"`
	LatencyMs     float64   `json:"latency_ms"`
	ErrorRate     float64   `json:"error_rate"`
	ReconnectRate float64   `json:"reconnect_rate"`
	QualityShare  float64   `json:"quality_share"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Load          float64   `json:"load"`
	Uptime        float64   `json:"uptime"`
}

type alertState struct {
	alert    Alert
	notified time.Time
}

// Monitor samples the connection manager and the host on a fixed cadence,
// smooths the readings and settles alerts against the configured thresholds.
// Alerts are de-duplicated by type: an unchanged condition re-notifies only
// after the cooldown, while a severity increase notifies immediately.
type Monitor struct {
	nodeID     string
	interval   time.Duration
	cooldown   time.Duration
	thresholds config.Thresholds
	stats      StatsSource
	publisher  EventPublisher
	logger     logging.Logger
	metrics    *metrics.Metrics

	// Windowed work counters, drained once per sample.
	requests atomic.Int64
	errors   atomic.Int64

	mu        sync.Mutex
	latency   ewma
	errRate   ewma
	reconnect ewma
	active    map[AlertType]*alertState
	last      Snapshot

	probe func() (cpuFrac, memFrac float64)
	now   func() time.Time
}

func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Monitor{
		nodeID:     cfg.NodeID,
		interval:   cfg.Interval,
		cooldown:   cfg.Cooldown,
		thresholds: cfg.Thresholds,
		stats:      cfg.Stats,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		active:     make(map[AlertType]*alertState),
		probe:      hostProbe(),
		now:        time.Now,
	}
}

// RecordRequest counts one unit of served work toward the error-rate window.
func (m *Monitor) RecordRequest() {
	if m == nil {
		return
	}
	m.requests.Add(1)
}

// RecordError counts one failed unit of work. Callers count the work itself
// with RecordRequest regardless of outcome.
func (m *Monitor) RecordError() {
	if m == nil {
		return
	}
	m.errors.Add(1)
}

// Run samples on the configured cadence until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample takes one measurement round: it pulls the connection aggregates,
// drains the windowed work counters, probes the host, smooths everything and
// settles the alert state machines.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	var stats connection.Stats
	if m.stats != nil {
		stats = m.stats.Stats()
	}
	reqs := m.requests.Swap(0)
	errs := m.errors.Swap(0)
	cpuFrac, memFrac := m.probe()
	now := m.now()

	var errSample float64
	switch {
	case reqs > 0:
		errSample = math.Min(float64(errs)/float64(reqs), 1)
	case errs > 0:
		errSample = 1
	}

	// An empty node is healthy: full quality share, no churn.
	reconnectSample := 0.0
	qualityShare := 1.0
	if stats.Total > 0 {
		reconnectSample = float64(stats.ByStatus[models.StatusReconnecting]) / float64(stats.Total)
		good := stats.ByQuality[models.QualityExcellent] + stats.ByQuality[models.QualityGood]
		qualityShare = float64(good) / float64(stats.Total)
	}

	m.mu.Lock()
	latency := m.latency.observe(stats.MeanLatencyMs)
	errRate := m.errRate.observe(errSample)
	reconnect := m.reconnect.observe(reconnectSample)

	// Reconnect churn enters the load blend normalized to its threshold, so
	// a node at the configured reconnect ceiling contributes the full churn
	// weight.
	load := blendLoad(cpuFrac, memFrac, safeDiv(reconnect, m.thresholds.ReconnectRate))

	snap := Snapshot{
		SampledAt:     now,
		Sessions:      stats.Total,
		LatencyMs:     latency,
		ErrorRate:     errRate,
		ReconnectRate: reconnect,
		QualityShare:  qualityShare,
		CPUPercent:    cpuFrac * 100,
		MemoryPercent: memFrac * 100,
		Load:          load,
		Uptime:        1 - errRate,
	}
	m.last = snap

	raised := make([]Alert, 0, 4)
	if a, ok := m.settle(AlertHighLatency, latency, m.thresholds.LatencyMs, gradeOver, now); ok {
		raised = append(raised, a)
	}
	if a, ok := m.settle(AlertHighErrorRate, errRate, m.thresholds.ErrorRate, gradeOver, now); ok {
		raised = append(raised, a)
	}
	if a, ok := m.settle(AlertLowQuality, qualityShare, qualityFloor, gradeUnder, now); ok {
		raised = append(raised, a)
	}
	if a, ok := m.settle(AlertOverload, load, overloadCeiling, gradeOver, now); ok {
		raised = append(raised, a)
	}
	m.mu.Unlock()

	for _, alert := range raised {
		m.notify(ctx, alert)
	}
	return snap
}

// ActiveAlerts lists the alerts currently firing, ordered by type.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, state := range m.active {
		out = append(out, state.alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Status returns the smoothed health view from the last sample.
func (m *Monitor) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// settle advances one alert type's state machine and returns the alert to
// notify, if any. Caller holds m.mu.
func (m *Monitor) settle(at AlertType, value, threshold float64, grade func(value, threshold float64) (Severity, bool), now time.Time) (Alert, bool) {
	sev, firing := grade(value, threshold)
	state, known := m.active[at]

	if !firing {
		if known {
			delete(m.active, at)
			m.logger.WithFields(logging.Fields{
				"type":  string(at),
				"value": value,
			}).Info("Health alert cleared")
		}
		return Alert{}, false
	}

	alert := Alert{
		Type:      at,
		Severity:  sev,
		Message:   alertMessage(at, value, threshold),
		Value:     value,
		Threshold: threshold,
		RaisedAt:  now,
	}

	switch {
	case !known:
		m.active[at] = &alertState{alert: alert, notified: now}
		return alert, true
	case sev.rank() > state.alert.Severity.rank():
		// Escalations bypass the cooldown.
		state.alert = alert
		state.notified = now
		return alert, true
	case now.Sub(state.notified) >= m.cooldown:
		state.alert = alert
		state.notified = now
		return alert, true
	default:
		// Deduplicated. Track the current reading anyway so a later
		// escalation is judged against what the signal does now, not its
		// peak.
		alert.RaisedAt = state.alert.RaisedAt
		state.alert = alert
		return Alert{}, false
	}
}

func (m *Monitor) notify(ctx context.Context, alert Alert) {
	fields := logging.Fields{
		"type":      string(alert.Type),
		"severity":  string(alert.Severity),
		"value":     alert.Value,
		"threshold": alert.Threshold,
	}
	if alert.Severity == SeverityCritical {
		m.logger.WithFields(fields).Error("Health alert")
	} else {
		m.logger.WithFields(fields).Warn("Health alert")
	}

	if m.metrics != nil {
		m.metrics.HealthAlerts.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
	}
	if m.publisher == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return
	}
	ev := registry.ServerEvent{
		Type:    registry.EventHealthAlert,
		NodeID:  m.nodeID,
		At:      alert.RaisedAt.UnixMilli(),
		Payload: payload,
	}
	if err := m.publisher.PublishEvent(ctx, ev); err != nil {
		m.logger.WithError(err).WithField("type", string(alert.Type)).Warn("Failed to publish health alert")
	}
}

func alertMessage(at AlertType, value, threshold float64) string {
	switch at {
	case AlertHighLatency:
		return fmt.Sprintf("mean heartbeat latency %.0fms exceeds %.0fms", value, threshold)
	case AlertHighErrorRate:
		return fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", value*100, threshold*100)
	case AlertLowQuality:
		return fmt.Sprintf("only %.0f%% of sessions report good quality, floor is %.0f%%", value*100, threshold*100)
	case AlertOverload:
		return fmt.Sprintf("blended load %.2f exceeds %.2f", value, threshold)
	}
	return string(at)
}

// hostProbe reads process CPU and RSS pressure. cpu.Percent with a zero
// interval measures utilisation since the previous call, which lines up with
// the sampling window.
func hostProbe() func() (float64, float64) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return func() (float64, float64) {
		var cpuFrac, memFrac float64
		if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
			cpuFrac = percents[0] / 100
		}
		if proc != nil {
			vm, err := mem.VirtualMemory()
			if err == nil && vm != nil && vm.Total > 0 {
				if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
					memFrac = float64(mi.RSS) / float64(vm.Total)
				}
			}
		}
		return cpuFrac, memFrac
	}
}

func safeDiv(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return num / den
}
