package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns a private Prometheus registry for one node. Every
// metric is prefixed with the service name, and the HTTP request metrics are
// built in so each service exposes the same baseline series.
type MetricsCollector struct {
	prefix   string
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	inflight  prometheus.Gauge
	buildInfo *prometheus.GaugeVec
}

// NewMetricsCollector builds a collector with the baseline HTTP series
// registered and the build info series set to 1.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	// Prometheus metric names cannot carry hyphens.
	prefix := strings.ReplaceAll(serviceName, "-", "_")

	mc := &MetricsCollector{
		prefix:   prefix,
		registry: prometheus.NewRegistry(),
	}

	mc.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	mc.durations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	mc.inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_active_connections",
		Help: "Requests currently being served",
	})

	mc.buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "_service_info",
		Help: "Build information",
	}, []string{"version", "commit"})

	mc.registry.MustRegister(mc.requests, mc.durations, mc.inflight, mc.buildInfo)
	mc.buildInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// MetricsMiddleware tallies every request into the baseline HTTP series.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		mc.inflight.Inc()
		defer mc.inflight.Dec()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		mc.requests.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		mc.durations.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// Registry exposes the underlying registerer so shared collectors, like the
// circuit breaker series, can attach to this node's registry.
func (mc *MetricsCollector) Registry() prometheus.Registerer { return mc.registry }

// NewCounter registers a prefixed counter vector.
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: mc.prefix + "_" + name,
		Help: help,
	}, labels)
	mc.registry.MustRegister(counter)
	return counter
}

// NewGauge registers a prefixed gauge vector.
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: mc.prefix + "_" + name,
		Help: help,
	}, labels)
	mc.registry.MustRegister(gauge)
	return gauge
}

// NewHistogram registers a prefixed histogram vector. Nil buckets get the
// Prometheus defaults.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    mc.prefix + "_" + name,
		Help:    help,
		Buckets: buckets,
	}, labels)
	mc.registry.MustRegister(histogram)
	return histogram
}

// CreateKafkaMetrics registers the standard producer series: message counts,
// operation latency and consumer lag.
func (mc *MetricsCollector) CreateKafkaMetrics() (*prometheus.CounterVec, *prometheus.HistogramVec, *prometheus.GaugeVec) {
	messages := mc.NewCounter("kafka_messages_total", "Total Kafka messages", []string{"topic", "operation", "status"})
	duration := mc.NewHistogram("kafka_operation_duration_seconds", "Kafka operation duration", []string{"operation"}, nil)
	lag := mc.NewGauge("kafka_consumer_lag", "Kafka consumer lag", []string{"topic", "partition"})
	return messages, duration, lag
}
