package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AxonStream/axonpuls/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the axonpuls service.
type Metrics struct {
	// Gateway metrics
	Connections       *prometheus.GaugeVec
	ConnectionQuality *prometheus.GaugeVec
	Frames            *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	EventsDelivered   *prometheus.CounterVec
	DeliveryLag       *prometheus.HistogramVec
	ReplayedEvents    *prometheus.CounterVec
	SlowConsumers     *prometheus.CounterVec

	// Admission metrics
	AuthFailures     *prometheus.CounterVec
	RateLimitDenials *prometheus.CounterVec

	// Connection lifecycle metrics
	HeartbeatLatency *prometheus.HistogramVec
	Reconnects       *prometheus.CounterVec
	SyncWrites       *prometheus.CounterVec

	// Collaboration metrics
	CollabOperations *prometheus.CounterVec
	CollabMerges     *prometheus.CounterVec

	// Cluster metrics
	RegistryNodes *prometheus.GaugeVec
	ServerEvents  *prometheus.CounterVec
	HealthAlerts  *prometheus.CounterVec

	// Kafka metrics (audit firehose)
	KafkaMessages *prometheus.CounterVec
	KafkaDuration *prometheus.HistogramVec
	KafkaLag      *prometheus.GaugeVec
}

// New registers every service metric on the shared collector. Channel labels
// use the channel kind (org, user, role, feature, magic) rather than the
// channel name to keep cardinality bounded.
func New(mc *monitoring.MetricsCollector) *Metrics {
	m := &Metrics{
		Connections:       mc.NewGauge("connections_active", "Active WebSocket connections", []string{"status"}),
		ConnectionQuality: mc.NewGauge("connection_quality", "Connections per quality bucket", []string{"quality"}),
		Frames:            mc.NewCounter("frames_total", "WebSocket frames processed", []string{"type", "direction"}),
		EventsPublished:   mc.NewCounter("events_published_total", "Events appended to the log", []string{"event_type", "channel_kind"}),
		EventsDelivered:   mc.NewCounter("events_delivered_total", "Events handed to subscriber sockets", []string{"event_type", "channel_kind"}),
		DeliveryLag:       mc.NewHistogram("delivery_lag_seconds", "Publish-to-socket delivery latency", []string{"channel_kind"}, nil),
		ReplayedEvents:    mc.NewCounter("replayed_events_total", "Events served from replay", []string{"source"}),
		SlowConsumers:     mc.NewCounter("slow_consumers_total", "Slow consumer interventions", []string{"action"}),

		AuthFailures:     mc.NewCounter("auth_failures_total", "Rejected socket admissions", []string{"reason"}),
		RateLimitDenials: mc.NewCounter("rate_limit_denials_total", "Rate limited requests", []string{"action"}),

		HeartbeatLatency: mc.NewHistogram("heartbeat_latency_ms", "Heartbeat round-trip latency", []string{"quality"}, []float64{50, 100, 250, 500, 1000, 2500, 5000}),
		Reconnects:       mc.NewCounter("reconnects_total", "Reconnection attempts", []string{"outcome"}),
		SyncWrites:       mc.NewCounter("connection_sync_writes_total", "Connection state writes to the store", []string{"mode"}),

		CollabOperations: mc.NewCounter("collab_operations_total", "Collaboration operations", []string{"type", "outcome"}),
		CollabMerges:     mc.NewCounter("collab_merges_total", "Branch merges", []string{"strategy", "outcome"}),

		RegistryNodes: mc.NewGauge("registry_nodes", "Known cluster nodes", []string{"status"}),
		ServerEvents:  mc.NewCounter("server_events_total", "Cluster lifecycle events", []string{"type"}),
		HealthAlerts:  mc.NewCounter("health_alerts_total", "Health monitor alerts", []string{"type", "severity"}),
	}
	m.KafkaMessages, m.KafkaDuration, m.KafkaLag = mc.CreateKafkaMetrics()
	return m
}
