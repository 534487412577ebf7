package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/axonpuls/internal/metrics"
	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/store"
	"github.com/AxonStream/axonpuls/pkg/logging"
)

const (
	// batchBucketPrefix is where non-urgent connection syncs accumulate
	// before the 30 second flusher writes them through in one transaction.
	batchBucketPrefix = "axonpuls:connection_sync_batch:"
	batchBucketWidth  = 30 * time.Second
)

// Config tunes the connection manager.
type Config struct {
	// HeartbeatInterval is the server-side liveness cadence.
	HeartbeatInterval time.Duration
	// MaxMissed heartbeats before a session is moved to RECONNECTING.
	MaxMissed int
	// StaleAfter is how long a silent session survives before cleanup marks
	// it DISCONNECTED.
	StaleAfter      time.Duration
	CleanupInterval time.Duration
	MetricsInterval time.Duration
	Backoff         BackoffPolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		MaxMissed:         3,
		StaleAfter:        time.Hour,
		CleanupInterval:   5 * time.Minute,
		MetricsInterval:   time.Minute,
		Backoff:           DefaultBackoff(),
	}
}

type session struct {
	conn        *models.Connection
	hbInterval  time.Duration
	lastSync    time.Time
	stableSince time.Time
}

// Manager owns the in-process session table and keeps the store loosely
// consistent with it. The store is never read on the hot path; it is a
// write-behind shadow of this table.
type Manager struct {
	store   *store.Store
	kv      goredis.UniversalClient
	logger  logging.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu       sync.RWMutex
	sessions map[string]*session

	now func() time.Time
}

func NewManager(st *store.Store, kv goredis.UniversalClient, logger logging.Logger, m *metrics.Metrics, cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = time.Minute
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Manager{
		store:    st,
		kv:       kv,
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// Register admits a session as CONNECTED and writes it through immediately.
// Re-registering a known session id is treated as a successful reconnect.
func (m *Manager) Register(ctx context.Context, tc models.TenantContext, sessionID, clientType string, metadata models.JSONB) (*models.Connection, error) {
	now := m.now()

	m.mu.Lock()
	s, exists := m.sessions[sessionID]
	if exists {
		s.conn.Status = models.StatusConnected
		s.conn.LastHeartbeat = now
		s.conn.MissedHeartbeats = 0
		s.conn.DisconnectedAt = nil
		s.conn.NextReconnectAt = nil
		s.stableSince = now
	} else {
		conn := &models.Connection{
			SessionID:            sessionID,
			OrganizationID:       tc.OrganizationID,
			ClientType:           clientType,
			Status:               models.StatusConnected,
			ConnectedAt:          now,
			LastHeartbeat:        now,
			MaxReconnectAttempts: m.cfg.Backoff.MaxAttempts,
			Quality:              models.QualityExcellent,
			Metadata:             metadata,
		}
		if tc.UserID != "" {
			uid := tc.UserID
			conn.UserID = &uid
		}
		s = &session{conn: conn, hbInterval: m.cfg.HeartbeatInterval, stableSince: now}
		m.sessions[sessionID] = s
	}
	snapshot := s.conn.Clone()
	m.mu.Unlock()

	if err := m.syncNow(ctx, s, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Heartbeat records a round-trip, reclassifies quality and applies the sync
// policy. It returns the refreshed session snapshot and the heartbeat
// interval the gateway should ping at next.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string, latencyMs int64) (*models.Connection, time.Duration, error) {
	now := m.now()

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}

	prevQuality := s.conn.Quality
	spike := latencyMs > 2*qualityLatencyThreshold(prevQuality)

	s.conn.LastHeartbeat = now
	s.conn.LatencyMs = latencyMs
	s.conn.MissedHeartbeats = 0
	s.conn.Quality = ClassifyQuality(0, latencyMs)

	// Forgive old reconnect attempts once the session has been stable long
	// enough.
	if s.conn.Status == models.StatusConnected && s.conn.ReconnectAttempts > 0 &&
		now.Sub(s.stableSince) >= m.cfg.Backoff.ResetAfter {
		s.conn.ReconnectAttempts = 0
	}

	if interval, changed := AdaptiveHeartbeatInterval(s.hbInterval, s.conn.Quality); changed {
		s.hbInterval = interval
	}
	interval := s.hbInterval

	transitioned := s.conn.Quality != prevQuality
	syncNow := s.conn.Quality == models.QualityCritical || transitioned || spike
	syncDue := now.Sub(s.lastSync) >= adaptiveSyncInterval(s.conn.Quality)
	snapshot := s.conn.Clone()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.HeartbeatLatency.WithLabelValues(string(snapshot.Quality)).Observe(float64(latencyMs))
	}

	switch {
	case syncNow:
		if err := m.syncNow(ctx, s, snapshot); err != nil {
			return nil, 0, err
		}
	case syncDue:
		m.enqueueBatch(ctx, s, snapshot)
	}
	return snapshot, interval, nil
}

// MissHeartbeat counts a missed probe. Crossing the miss threshold moves the
// session to RECONNECTING and schedules the first retry. Misses always sync
// immediately.
func (m *Manager) MissHeartbeat(ctx context.Context, sessionID string) (*models.Connection, error) {
	now := m.now()

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}

	s.conn.MissedHeartbeats++
	s.conn.Quality = ClassifyQuality(s.conn.MissedHeartbeats, s.conn.LatencyMs)

	if s.conn.MissedHeartbeats >= m.cfg.MaxMissed && s.conn.Status == models.StatusConnected {
		s.conn.Status = models.StatusReconnecting
		next := now.Add(m.cfg.Backoff.Delay(s.conn.ReconnectAttempts+1, 1, 1))
		s.conn.NextReconnectAt = &next
	}
	snapshot := s.conn.Clone()
	m.mu.Unlock()

	if err := m.syncNow(ctx, s, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// BeginReconnect spends one reconnection attempt and returns the delay to
// wait before the next one. Exhausting the budget moves the session to
// FAILED, which is terminal.
func (m *Manager) BeginReconnect(ctx context.Context, sessionID string) (time.Duration, error) {
	now := m.now()

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}
	if s.conn.Status == models.StatusFailed {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: session %s already failed", models.ErrFatal, sessionID)
	}

	s.conn.ReconnectAttempts++
	if s.conn.ReconnectAttempts > m.cfg.Backoff.MaxAttempts {
		s.conn.Status = models.StatusFailed
		s.conn.NextReconnectAt = nil
		snapshot := s.conn.Clone()
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.Reconnects.WithLabelValues("exhausted").Inc()
		}
		if err := m.syncNow(ctx, s, snapshot); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: session %s exhausted %d reconnect attempts", models.ErrFatal, sessionID, m.cfg.Backoff.MaxAttempts)
	}

	s.conn.Status = models.StatusReconnecting
	delay := m.cfg.Backoff.Delay(s.conn.ReconnectAttempts, 1, 1)
	next := now.Add(delay)
	s.conn.NextReconnectAt = &next
	snapshot := s.conn.Clone()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Reconnects.WithLabelValues("scheduled").Inc()
	}
	if err := m.syncNow(ctx, s, snapshot); err != nil {
		return 0, err
	}
	return delay, nil
}

// CompleteReconnect moves a RECONNECTING session back to CONNECTED.
func (m *Manager) CompleteReconnect(ctx context.Context, sessionID string) (*models.Connection, error) {
	now := m.now()

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}
	if s.conn.Status != models.StatusReconnecting {
		status := s.conn.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s is %s, not %s", models.ErrConflict, sessionID, status, models.StatusReconnecting)
	}

	s.conn.Status = models.StatusConnected
	s.conn.LastHeartbeat = now
	s.conn.MissedHeartbeats = 0
	s.conn.NextReconnectAt = nil
	s.stableSince = now
	snapshot := s.conn.Clone()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Reconnects.WithLabelValues("recovered").Inc()
	}
	if err := m.syncNow(ctx, s, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Disconnect finishes a session and drops its in-process state.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	now := m.now()

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	s.conn.Status = models.StatusDisconnected
	s.conn.DisconnectedAt = &now
	s.conn.TotalDisconnections++
	snapshot := s.conn.Clone()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	return m.syncNow(ctx, s, snapshot)
}

// Suspend parks a session on policy (rate limiting, admin action). Suspended
// sessions hold their state until an explicit Resume.
func (m *Manager) Suspend(ctx context.Context, sessionID, reason string) (*models.Connection, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}
	s.conn.Status = models.StatusSuspended
	if s.conn.Metadata == nil {
		s.conn.Metadata = models.JSONB{}
	}
	s.conn.Metadata["suspend_reason"] = reason
	snapshot := s.conn.Clone()
	m.mu.Unlock()

	if err := m.syncNow(ctx, s, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Resume lifts a suspension.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*models.Connection, error) {
	now := m.now()

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}
	if s.conn.Status != models.StatusSuspended {
		status := s.conn.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s is %s, not %s", models.ErrConflict, sessionID, status, models.StatusSuspended)
	}
	s.conn.Status = models.StatusConnected
	s.conn.LastHeartbeat = now
	s.stableSince = now
	delete(s.conn.Metadata, "suspend_reason")
	snapshot := s.conn.Clone()
	m.mu.Unlock()

	if err := m.syncNow(ctx, s, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Get returns a point-in-time copy of a session.
func (m *Manager) Get(sessionID string) (*models.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.conn.Clone(), true
}

// Snapshot lists every tracked session, optionally filtered by organization.
func (m *Manager) Snapshot(organizationID string) []*models.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Connection, 0, len(m.sessions))
	for _, s := range m.sessions {
		if organizationID != "" && s.conn.OrganizationID != organizationID {
			continue
		}
		out = append(out, s.conn.Clone())
	}
	return out
}

// Stats is a point-in-time aggregate over the session table.
type Stats struct {
	Total         int
	ByStatus      map[models.ConnectionStatus]int
	ByQuality     map[models.ConnectionQuality]int
	MeanLatencyMs float64
}

// Stats aggregates the live session table without copying it. The health
// monitor samples this on its own cadence.
func (m *Manager) Stats() Stats {
	st := Stats{
		ByStatus:  make(map[models.ConnectionStatus]int),
		ByQuality: make(map[models.ConnectionQuality]int),
	}
	var latencySum int64
	var latencyN int

	m.mu.RLock()
	for _, s := range m.sessions {
		st.Total++
		st.ByStatus[s.conn.Status]++
		st.ByQuality[s.conn.Quality]++
		if s.conn.LatencyMs > 0 {
			latencySum += s.conn.LatencyMs
			latencyN++
		}
	}
	m.mu.RUnlock()

	if latencyN > 0 {
		st.MeanLatencyMs = float64(latencySum) / float64(latencyN)
	}
	return st
}

// HeartbeatInterval reports the current adaptive cadence for a session.
func (m *Manager) HeartbeatInterval(sessionID string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s.hbInterval
	}
	return m.cfg.HeartbeatInterval
}

// CleanupStale sweeps sessions whose last heartbeat predates the stale
// cutoff, both in process and in the store.
func (m *Manager) CleanupStale(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.StaleAfter)

	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.conn.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	if _, err := m.store.MarkStaleDisconnected(ctx, cutoff); err != nil {
		return 0, err
	}
	if len(stale) > 0 {
		m.logger.WithFields(logging.Fields{
			"count":  len(stale),
			"cutoff": cutoff,
		}).Info("Cleaned up stale connections")
	}
	return len(stale), nil
}

// Run drives the periodic tasks until the context ends: stale cleanup, batch
// flushing and gauge refresh.
func (m *Manager) Run(ctx context.Context) {
	cleanup := time.NewTicker(m.cfg.CleanupInterval)
	flush := time.NewTicker(batchBucketWidth)
	gauges := time.NewTicker(m.cfg.MetricsInterval)
	defer cleanup.Stop()
	defer flush.Stop()
	defer gauges.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush so batched state is not lost on shutdown.
			m.FlushBatches(context.WithoutCancel(ctx))
			return
		case <-cleanup.C:
			if _, err := m.CleanupStale(ctx); err != nil {
				m.logger.WithError(err).Warn("Stale connection cleanup failed")
			}
		case <-flush.C:
			m.FlushBatches(ctx)
		case <-gauges.C:
			m.refreshGauges()
		}
	}
}

func (m *Manager) syncNow(ctx context.Context, s *session, snapshot *models.Connection) error {
	now := m.now()
	snapshot.LastDBSync = &now
	if err := m.store.UpsertConnection(ctx, snapshot); err != nil {
		return err
	}
	m.mu.Lock()
	s.lastSync = now
	s.conn.LastDBSync = &now
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SyncWrites.WithLabelValues("immediate").Inc()
	}
	return nil
}

func bucketKey(t time.Time) string {
	return batchBucketPrefix + strconv.FormatInt(t.Unix()/int64(batchBucketWidth/time.Second), 10)
}

// enqueueBatch parks a non-urgent sync in the current 30 second bucket. Lost
// buckets are acceptable; the next heartbeat re-queues fresher state.
func (m *Manager) enqueueBatch(ctx context.Context, s *session, snapshot *models.Connection) {
	if m.kv == nil {
		return
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	now := m.now()
	key := bucketKey(now)

	opCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	pipe := m.kv.TxPipeline()
	pipe.HSet(opCtx, key, snapshot.SessionID, payload)
	pipe.Expire(opCtx, key, 5*time.Minute)
	if _, err := pipe.Exec(opCtx); err != nil {
		m.logger.WithError(err).Debug("Batch sync enqueue failed")
		return
	}

	m.mu.Lock()
	s.lastSync = now
	m.mu.Unlock()
}

// FlushBatches drains the two most recent closed buckets into the store.
func (m *Manager) FlushBatches(ctx context.Context) {
	if m.kv == nil {
		return
	}
	now := m.now()
	for _, key := range []string{bucketKey(now.Add(-batchBucketWidth)), bucketKey(now.Add(-2 * batchBucketWidth))} {
		m.flushBucket(ctx, key)
	}
}

func (m *Manager) flushBucket(ctx context.Context, key string) {
	opCtx, cancel := context.WithTimeout(ctx, time.Second)
	entries, err := m.kv.HGetAll(opCtx, key).Result()
	cancel()
	if err != nil || len(entries) == 0 {
		return
	}

	conns := make([]*models.Connection, 0, len(entries))
	for _, raw := range entries {
		var conn models.Connection
		if err := json.Unmarshal([]byte(raw), &conn); err != nil {
			continue
		}
		conns = append(conns, &conn)
	}
	if len(conns) == 0 {
		return
	}

	if err := m.store.BulkSyncConnections(ctx, conns); err != nil {
		m.logger.WithError(err).Warn("Batched connection sync failed")
		return
	}

	opCtx, cancel = context.WithTimeout(ctx, time.Second)
	_ = m.kv.Del(opCtx, key).Err()
	cancel()

	if m.metrics != nil {
		m.metrics.SyncWrites.WithLabelValues("batched").Add(float64(len(conns)))
	}
}

func (m *Manager) refreshGauges() {
	if m.metrics == nil {
		return
	}
	statusCounts := map[models.ConnectionStatus]int{}
	qualityCounts := map[models.ConnectionQuality]int{}

	m.mu.RLock()
	for _, s := range m.sessions {
		statusCounts[s.conn.Status]++
		qualityCounts[s.conn.Quality]++
	}
	m.mu.RUnlock()

	for _, status := range []models.ConnectionStatus{
		models.StatusConnected, models.StatusReconnecting,
		models.StatusSuspended, models.StatusFailed,
	} {
		m.metrics.Connections.WithLabelValues(string(status)).Set(float64(statusCounts[status]))
	}
	for _, q := range []models.ConnectionQuality{
		models.QualityExcellent, models.QualityGood,
		models.QualityPoor, models.QualityCritical,
	} {
		m.metrics.ConnectionQuality.WithLabelValues(string(q)).Set(float64(qualityCounts[q]))
	}
}

func adaptiveSyncInterval(q models.ConnectionQuality) time.Duration {
	switch q {
	case models.QualityExcellent:
		return 90 * time.Second
	case models.QualityGood:
		return 60 * time.Second
	case models.QualityPoor:
		return 15 * time.Second
	default:
		return 30 * time.Second
	}
}
