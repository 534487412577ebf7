package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/AxonStream/axonpuls/pkg/auth"
	pkgconfig "github.com/AxonStream/axonpuls/pkg/config"
)

// Timeouts are the default deadlines for external calls.
type Timeouts struct {
	Redis time.Duration
	Store time.Duration
	Probe time.Duration
}

// Thresholds seed the health monitor's alert baselines.
type Thresholds struct {
	LatencyMs     float64
	ErrorRate     float64
	ReconnectRate float64
}

// Config stores environment configuration for the AxonPuls node.
type Config struct {
	Host             string
	Port             string
	WSPort           string
	WSMaxConnections int

	RedisURL    string
	DatabaseURL string

	JWTSecret    string
	ServiceToken string
	APIKeys      map[string]auth.APIKeyIdentity
	AllowDemo    bool

	KafkaBrokers    []string
	KafkaAuditTopic string
	ClusterID       string

	HeartbeatInterval time.Duration
	MessageRateLimit  int
	MessageRateWindow time.Duration

	Timeouts   Timeouts
	Thresholds Thresholds
}

// Load assembles the node configuration from the environment. Missing
// required variables are reported as an error so the caller can exit with a
// configuration failure rather than a runtime one.
func Load() (Config, error) {
	cfg := Config{
		Host:             pkgconfig.GetEnv("SERVER_HOST", "0.0.0.0"),
		Port:             pkgconfig.GetEnv("SERVER_PORT", "18020"),
		WSPort:           pkgconfig.GetEnv("WS_PORT", ""),
		WSMaxConnections: pkgconfig.GetEnvInt("WS_MAX_CONNECTIONS", 10000),

		RedisURL:    pkgconfig.GetEnv("REDIS_URL", ""),
		DatabaseURL: pkgconfig.GetEnv("DATABASE_URL", ""),

		// JWT_PUBLIC_KEY is the canonical name; JWT_SECRET is accepted for
		// older deployments.
		JWTSecret:    pkgconfig.GetEnv("JWT_PUBLIC_KEY", pkgconfig.GetEnv("JWT_SECRET", "")),
		ServiceToken: pkgconfig.GetEnv("SERVICE_TOKEN", ""),
		APIKeys:      parseAPIKeys(pkgconfig.GetEnv("API_KEYS", "")),
		AllowDemo:    pkgconfig.GetEnvBool("ALLOW_DEMO", false),

		KafkaBrokers:    splitList(pkgconfig.GetEnv("KAFKA_BROKERS", "")),
		KafkaAuditTopic: pkgconfig.GetEnv("KAFKA_AUDIT_TOPIC", "axonpuls_audit"),
		ClusterID:       pkgconfig.GetEnv("CLUSTER_ID", "default"),

		HeartbeatInterval: pkgconfig.GetEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		MessageRateLimit:  pkgconfig.GetEnvInt("MESSAGE_RATE_LIMIT", 100),
		MessageRateWindow: pkgconfig.GetEnvDuration("MESSAGE_RATE_WINDOW", time.Minute),

		Timeouts: Timeouts{
			Redis: pkgconfig.GetEnvDuration("MONITORING_TIMEOUTS_REDIS_MS", time.Second),
			Store: pkgconfig.GetEnvDuration("MONITORING_TIMEOUTS_STORE_MS", 5*time.Second),
			Probe: pkgconfig.GetEnvDuration("MONITORING_TIMEOUTS_PROBE_MS", 3*time.Second),
		},
		Thresholds: Thresholds{
			LatencyMs:     pkgconfig.GetEnvFloat("MONITORING_THRESHOLDS_LATENCY_MS", 500),
			ErrorRate:     pkgconfig.GetEnvFloat("MONITORING_THRESHOLDS_ERROR_RATE", 0.05),
			ReconnectRate: pkgconfig.GetEnvFloat("MONITORING_THRESHOLDS_RECONNECT_RATE", 0.10),
		},
	}

	if cfg.WSPort == "" {
		cfg.WSPort = cfg.Port
	}

	var missing []string
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_PUBLIC_KEY")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}

// KafkaEnabled reports whether the audit firehose should be wired.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseAPIKeys reads "key:orgId:userId[:role]" tuples from a comma-separated
// list. Malformed entries are skipped rather than failing boot.
func parseAPIKeys(raw string) map[string]auth.APIKeyIdentity {
	if raw == "" {
		return nil
	}
	keys := make(map[string]auth.APIKeyIdentity)
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
			continue
		}
		identity := auth.APIKeyIdentity{
			OrganizationID: parts[1],
			UserID:         parts[2],
			Role:           "service",
		}
		if len(parts) > 3 && parts[3] != "" {
			identity.Role = parts[3]
		}
		keys[parts[0]] = identity
	}
	if len(keys) == 0 {
		return nil
	}
	return keys
}
