package connection

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/store"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewManager(store.New(db, logger), client, logger, nil, cfg), mock, mr
}

// allowSyncs queues up write-through expectations; behavior tests assert on
// session state, not on exact SQL traffic.
func allowSyncs(mock sqlmock.Sqlmock, n int) {
	for i := 0; i < n; i++ {
		mock.ExpectExec("INSERT INTO connections").WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

var testTenant = models.TenantContext{OrganizationID: "org-1", UserID: "u1"}

func TestQualityLadderAcrossHeartbeats(t *testing.T) {
	m, mock, _ := newTestManager(t, DefaultConfig())
	allowSyncs(mock, 10)
	ctx := context.Background()

	if _, err := m.Register(ctx, testTenant, "sess-1", "web", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	latencies := []int64{120, 180, 640, 1200, 1200, 1200}
	want := []models.ConnectionQuality{
		models.QualityExcellent, models.QualityExcellent, models.QualityGood,
		models.QualityPoor, models.QualityPoor, models.QualityPoor,
	}
	for i, lat := range latencies {
		conn, _, err := m.Heartbeat(ctx, "sess-1", lat)
		if err != nil {
			t.Fatalf("Heartbeat %d: %v", i+1, err)
		}
		if conn.Quality != want[i] {
			t.Fatalf("heartbeat %d (%dms): got %s, want %s", i+1, lat, conn.Quality, want[i])
		}
	}

	// Three consecutive misses push the session to CRITICAL and kick off
	// reconnection.
	var conn *models.Connection
	var err error
	for i := 0; i < 3; i++ {
		conn, err = m.MissHeartbeat(ctx, "sess-1")
		if err != nil {
			t.Fatalf("MissHeartbeat %d: %v", i+1, err)
		}
	}
	if conn.Quality != models.QualityCritical {
		t.Fatalf("after 3 misses: got %s, want %s", conn.Quality, models.QualityCritical)
	}
	if conn.Status != models.StatusReconnecting {
		t.Fatalf("after 3 misses: got %s, want %s", conn.Status, models.StatusReconnecting)
	}
	if conn.NextReconnectAt == nil {
		t.Fatal("reconnection must be scheduled once the miss threshold is crossed")
	}
}

func TestReconnectExhaustionFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backoff.Jitter = false
	m, mock, _ := newTestManager(t, cfg)
	allowSyncs(mock, 10)
	ctx := context.Background()

	if _, err := m.Register(ctx, testTenant, "sess-1", "web", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		delay, err := m.BeginReconnect(ctx, "sess-1")
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if delay != w {
			t.Fatalf("attempt %d: got %s, want %s", i+1, delay, w)
		}
	}

	if _, err := m.BeginReconnect(ctx, "sess-1"); !errors.Is(err, models.ErrFatal) {
		t.Fatalf("6th attempt must exhaust the budget, got %v", err)
	}
	conn, ok := m.Get("sess-1")
	if !ok || conn.Status != models.StatusFailed {
		t.Fatalf("expected FAILED terminal state, got %+v", conn)
	}

	// FAILED is terminal.
	if _, err := m.BeginReconnect(ctx, "sess-1"); !errors.Is(err, models.ErrFatal) {
		t.Fatalf("reconnecting a failed session must be rejected, got %v", err)
	}
}

func TestCompleteReconnectRestoresSession(t *testing.T) {
	m, mock, _ := newTestManager(t, DefaultConfig())
	allowSyncs(mock, 10)
	ctx := context.Background()

	if _, err := m.Register(ctx, testTenant, "sess-1", "web", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := m.BeginReconnect(ctx, "sess-1"); err != nil {
		t.Fatalf("BeginReconnect: %v", err)
	}

	conn, err := m.CompleteReconnect(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CompleteReconnect: %v", err)
	}
	if conn.Status != models.StatusConnected || conn.MissedHeartbeats != 0 {
		t.Fatalf("unexpected state after recovery: %+v", conn)
	}
	if conn.ReconnectAttempts != 1 {
		t.Fatalf("attempts must survive recovery until the stability window, got %d", conn.ReconnectAttempts)
	}

	// Recovery from a connected session is a conflict.
	if _, err := m.CompleteReconnect(ctx, "sess-1"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStableSessionForgivesAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backoff.Jitter = false
	m, mock, _ := newTestManager(t, cfg)
	allowSyncs(mock, 10)
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	m.now = func() time.Time { return base }

	if _, err := m.Register(ctx, testTenant, "sess-1", "web", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := m.BeginReconnect(ctx, "sess-1"); err != nil {
		t.Fatalf("BeginReconnect: %v", err)
	}
	if _, err := m.CompleteReconnect(ctx, "sess-1"); err != nil {
		t.Fatalf("CompleteReconnect: %v", err)
	}

	// Not yet stable for long enough.
	m.now = func() time.Time { return base.Add(time.Minute) }
	conn, _, err := m.Heartbeat(ctx, "sess-1", 100)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if conn.ReconnectAttempts != 1 {
		t.Fatalf("attempts forgiven too early: %d", conn.ReconnectAttempts)
	}

	m.now = func() time.Time { return base.Add(cfg.Backoff.ResetAfter + time.Second) }
	conn, _, err = m.Heartbeat(ctx, "sess-1", 100)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if conn.ReconnectAttempts != 0 {
		t.Fatalf("attempts must reset after %s stable, got %d", cfg.Backoff.ResetAfter, conn.ReconnectAttempts)
	}
}

func TestSuspendResume(t *testing.T) {
	m, mock, _ := newTestManager(t, DefaultConfig())
	allowSyncs(mock, 10)
	ctx := context.Background()

	if _, err := m.Register(ctx, testTenant, "sess-1", "web", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	conn, err := m.Suspend(ctx, "sess-1", "slow consumer")
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if conn.Status != models.StatusSuspended || conn.Metadata["suspend_reason"] != "slow consumer" {
		t.Fatalf("unexpected suspended state: %+v", conn)
	}

	if _, err := m.Resume(ctx, "sess-1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	conn, _ = m.Get("sess-1")
	if conn.Status != models.StatusConnected {
		t.Fatalf("expected CONNECTED after resume, got %s", conn.Status)
	}

	// Resume is only an exit from SUSPENDED.
	if _, err := m.Resume(ctx, "sess-1"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected conflict resuming a connected session, got %v", err)
	}
}

func TestNonUrgentSyncGoesThroughBatchBucket(t *testing.T) {
	m, mock, mr := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	base := time.Unix(1700000010, 0)
	m.now = func() time.Time { return base }

	allowSyncs(mock, 1) // registration write-through
	if _, err := m.Register(ctx, testTenant, "sess-1", "web", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// An excellent connection syncs at most every 90s; the next heartbeat
	// after that lands in the batch bucket, not the store.
	m.now = func() time.Time { return base.Add(91 * time.Second) }
	if _, _, err := m.Heartbeat(ctx, "sess-1", 100); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	bucket := bucketKey(base.Add(91 * time.Second))
	if got := mr.HGet(bucket, "sess-1"); got == "" {
		t.Fatalf("expected batched sync in %s", bucket)
	}

	// The flusher drains the closed bucket into one transaction.
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("UPDATE connections")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m.now = func() time.Time { return base.Add(121 * time.Second) }
	m.FlushBatches(ctx)

	if mr.Exists(bucket) {
		t.Fatalf("flushed bucket %s must be deleted", bucket)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStatsAggregatesSessionTable(t *testing.T) {
	m, mock, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	allowSyncs(mock, 10)

	for _, id := range []string{"sess-1", "sess-2", "sess-3"} {
		if _, err := m.Register(ctx, testTenant, id, "web", nil); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	// sess-1 stays snappy, sess-2 degrades to GOOD, sess-3 misses its way
	// into RECONNECTING.
	if _, _, err := m.Heartbeat(ctx, "sess-1", 100); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if _, _, err := m.Heartbeat(ctx, "sess-2", 640); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.MissHeartbeat(ctx, "sess-3"); err != nil {
			t.Fatalf("MissHeartbeat: %v", err)
		}
	}

	st := m.Stats()
	if st.Total != 3 {
		t.Fatalf("total: got %d, want 3", st.Total)
	}
	if st.ByStatus[models.StatusConnected] != 2 || st.ByStatus[models.StatusReconnecting] != 1 {
		t.Fatalf("status counts: got %+v", st.ByStatus)
	}
	if st.ByQuality[models.QualityExcellent] != 1 || st.ByQuality[models.QualityGood] != 1 || st.ByQuality[models.QualityCritical] != 1 {
		t.Fatalf("quality counts: got %+v", st.ByQuality)
	}
	// Only the two sessions with latency samples enter the mean.
	if st.MeanLatencyMs != 370 {
		t.Fatalf("mean latency: got %v, want 370", st.MeanLatencyMs)
	}
}

func TestCleanupStaleRemovesSilentSessions(t *testing.T) {
	m, mock, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	m.now = func() time.Time { return base }

	allowSyncs(mock, 1)
	if _, err := m.Register(ctx, testTenant, "sess-1", "web", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	mock.ExpectExec("UPDATE connections").WillReturnResult(sqlmock.NewResult(0, 1))
	m.now = func() time.Time { return base.Add(2 * time.Hour) }

	n, err := m.CleanupStale(ctx)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale session, got %d", n)
	}
	if _, ok := m.Get("sess-1"); ok {
		t.Fatal("stale session must be dropped from the table")
	}
}
