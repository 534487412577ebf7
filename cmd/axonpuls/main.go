package main

import (
	"context"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/AxonStream/axonpuls/internal/audit"
	"github.com/AxonStream/axonpuls/internal/collab"
	"github.com/AxonStream/axonpuls/internal/config"
	"github.com/AxonStream/axonpuls/internal/connection"
	"github.com/AxonStream/axonpuls/internal/eventlog"
	"github.com/AxonStream/axonpuls/internal/gateway"
	"github.com/AxonStream/axonpuls/internal/handlers"
	"github.com/AxonStream/axonpuls/internal/healthmon"
	"github.com/AxonStream/axonpuls/internal/metrics"
	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/ratelimit"
	"github.com/AxonStream/axonpuls/internal/registry"
	"github.com/AxonStream/axonpuls/internal/router"
	"github.com/AxonStream/axonpuls/internal/store"
	"github.com/AxonStream/axonpuls/internal/tenant"
	"github.com/AxonStream/axonpuls/pkg/clients"
	pkgconfig "github.com/AxonStream/axonpuls/pkg/config"
	"github.com/AxonStream/axonpuls/pkg/database"
	"github.com/AxonStream/axonpuls/pkg/kafka"
	"github.com/AxonStream/axonpuls/pkg/logging"
	"github.com/AxonStream/axonpuls/pkg/monitoring"
	pkgredis "github.com/AxonStream/axonpuls/pkg/redis"
	"github.com/AxonStream/axonpuls/pkg/server"
	"github.com/AxonStream/axonpuls/pkg/version"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 fatal runtime
// failure, 130 interrupted by signal.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
	exitSignal  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := logging.NewLoggerWithService("axonpuls")
	pkgconfig.LoadEnv(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Error("Configuration invalid")
		return exitConfig
	}

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting AxonPuls node")

	// Component goroutines live on this context; the drain hook cancels it
	// after sockets are flushed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bootCtx, bootCancel := context.WithTimeout(ctx, 30*time.Second)
	defer bootCancel()

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.DatabaseURL
	db, err := database.Connect(bootCtx, dbCfg, logger)
	if err != nil {
		logger.WithError(err).Error("Database connection failed")
		return exitRuntime
	}
	defer db.Close()

	st := store.New(db, logger)
	if err := st.EnsureSchema(bootCtx); err != nil {
		logger.WithError(err).Error("Schema bootstrap failed")
		return exitRuntime
	}

	// Commands and subscriptions ride separate connections so a parked
	// subscriber never stalls the hot path.
	kv, subKV, err := pkgredis.ConnectPair(bootCtx, cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Error("Redis connection failed")
		return exitRuntime
	}
	defer kv.Close()
	defer subKV.Close()

	healthChecker := monitoring.NewHealthChecker("axonpuls", version.Version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(kv))
	collector := monitoring.NewMetricsCollector("axonpuls", version.Version, version.GitCommit)
	clients.RegisterCircuitBreakerMetrics(collector.Registry())
	m := metrics.New(collector)

	var producer *kafka.Producer
	if cfg.KafkaEnabled() {
		producer, err = kafka.NewProducer(cfg.KafkaBrokers, "axonpuls", cfg.ClusterID, logger)
		if err != nil {
			logger.WithError(err).Error("Kafka producer setup failed")
			return exitRuntime
		}
		defer producer.Close()
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.GetClient()))
	}

	elog := eventlog.New(kv, logger, eventlog.WithTimeout(cfg.Timeouts.Redis))
	resolver := tenant.NewResolver(st, logger, tenant.Config{
		JWTSecret: []byte(cfg.JWTSecret),
		APIKeys:   cfg.APIKeys,
		AllowDemo: cfg.AllowDemo,
	})
	limiter := ratelimit.New(kv, logger, int64(cfg.MessageRateLimit), cfg.MessageRateWindow)

	var auditProducer kafka.ProducerInterface
	if producer != nil {
		auditProducer = producer
	}
	auditor := audit.NewRecorder(st, auditProducer, cfg.KafkaAuditTopic, logger, m)

	manager := connection.NewManager(st, kv, logger, m, connection.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxMissed:         3,
		Backoff:           connection.DefaultBackoff(),
	})

	self := buildNode(cfg)
	reg := registry.New(kv, logger, m, self)
	if err := reg.Register(bootCtx); err != nil {
		logger.WithError(err).Error("Cluster registration failed")
		return exitRuntime
	}

	health := healthmon.New(healthmon.Config{
		NodeID:     self.ID,
		Thresholds: cfg.Thresholds,
		Stats:      manager,
		Publisher:  reg,
		Logger:     logger,
		Metrics:    m,
	})

	rt := router.New(logger, m)
	engine := collab.NewEngine(st, elog, kv, logger, m)

	hub := gateway.New(gateway.Options{
		NodeID:            self.ID,
		Store:             st,
		Log:               elog,
		Resolver:          resolver,
		Router:            rt,
		Manager:           manager,
		Limiter:           limiter,
		Audit:             auditor,
		Registry:          reg,
		Health:            health,
		PubSub:            subKV,
		Logger:            logger,
		Metrics:           m,
		MaxConnections:    cfg.WSMaxConnections,
		MessageRateLimit:  int64(cfg.MessageRateLimit),
		MessageRateWindow: cfg.MessageRateWindow,
		StoreTimeout:      cfg.Timeouts.Store,
		RedisTimeout:      cfg.Timeouts.Redis,
	})
	engine.SetBroadcaster(hub)

	go manager.Run(ctx)
	go reg.Run(ctx)
	go health.Run(ctx)
	go hub.Run(ctx)

	ginRouter := server.SetupServiceRouter(logger, "axonpuls", healthChecker, collector)
	h := handlers.New(handlers.Options{
		Hub:          hub,
		Engine:       engine,
		Manager:      manager,
		Registry:     reg,
		Health:       health,
		Log:          elog,
		Limiter:      limiter,
		Audit:        auditor,
		KV:           kv,
		Logger:       logger,
		Metrics:      m,
		JWTSecret:    []byte(cfg.JWTSecret),
		APIKeys:      cfg.APIKeys,
		ServiceToken: cfg.ServiceToken,
	})
	h.Routes(ginRouter)

	serverCfg := server.DefaultConfig("axonpuls", cfg.Port)
	serverCfg.Port = cfg.Port

	sig, err := server.StartWithDrain(serverCfg, ginRouter, logger, func(drainCtx context.Context) {
		// Drain order: stop placement, flush sockets, flush pending session
		// writes, then leave the cluster. Component loops stop last.
		if err := reg.Drain(drainCtx); err != nil {
			logger.WithError(err).Warn("Drain announcement failed")
		}
		hub.CloseAll(drainCtx)
		manager.FlushBatches(drainCtx)
		if err := reg.Deregister(drainCtx); err != nil {
			logger.WithError(err).Warn("Cluster deregistration failed")
		}
		cancel()
	})
	if err != nil {
		logger.WithError(err).Error("Server failed")
		return exitRuntime
	}
	return exitCodeFor(sig)
}

// buildNode assembles this process's registry entry.
func buildNode(cfg config.Config) *models.ServerNode {
	port, _ := strconv.Atoi(cfg.Port)
	wsPort, _ := strconv.Atoi(cfg.WSPort)
	now := time.Now().UTC()
	return &models.ServerNode{
		ID:             registry.NewNodeID(),
		Host:           cfg.Host,
		Port:           port,
		WSPort:         wsPort,
		Status:         models.NodeActive,
		Capabilities:   []string{"websocket", "events", "collaboration"},
		MaxConnections: cfg.WSMaxConnections,
		LastHeartbeat:  now,
		StartedAt:      now,
		Version:        version.Version,
	}
}

// exitCodeFor maps the shutdown signal onto the process exit contract.
// SIGTERM is the orchestrator's routine stop; SIGINT is an interruption.
func exitCodeFor(sig os.Signal) int {
	if sig == syscall.SIGINT {
		return exitSignal
	}
	return exitOK
}
