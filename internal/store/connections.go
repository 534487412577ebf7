package store

import (
	"context"
	"fmt"
	"time"

	"github.com/AxonStream/axonpuls/internal/models"
)

const connectionColumns = `session_id, organization_id, user_id, client_type, status,
	connected_at, last_heartbeat, disconnected_at,
	reconnect_attempts, max_reconnect_attempts, next_reconnect_at,
	quality, latency_ms, missed_heartbeats, total_disconnections,
	metadata, last_db_sync`

func scanConnection(row interface{ Scan(...interface{}) error }) (*models.Connection, error) {
	var c models.Connection
	err := row.Scan(
		&c.SessionID, &c.OrganizationID, &c.UserID, &c.ClientType, &c.Status,
		&c.ConnectedAt, &c.LastHeartbeat, &c.DisconnectedAt,
		&c.ReconnectAttempts, &c.MaxReconnectAttempts, &c.NextReconnectAt,
		&c.Quality, &c.LatencyMs, &c.MissedHeartbeats, &c.TotalDisconnections,
		&c.Metadata, &c.LastDBSync,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertConnection persists a session record, replacing any previous row for
// the same session id.
func (s *Store) UpsertConnection(ctx context.Context, c *models.Connection) error {
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO connections (`+connectionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (session_id) DO UPDATE SET
				status = EXCLUDED.status,
				last_heartbeat = EXCLUDED.last_heartbeat,
				disconnected_at = EXCLUDED.disconnected_at,
				reconnect_attempts = EXCLUDED.reconnect_attempts,
				next_reconnect_at = EXCLUDED.next_reconnect_at,
				quality = EXCLUDED.quality,
				latency_ms = EXCLUDED.latency_ms,
				missed_heartbeats = EXCLUDED.missed_heartbeats,
				total_disconnections = EXCLUDED.total_disconnections,
				metadata = EXCLUDED.metadata,
				last_db_sync = EXCLUDED.last_db_sync
		`, c.SessionID, c.OrganizationID, c.UserID, c.ClientType, c.Status,
			c.ConnectedAt, c.LastHeartbeat, c.DisconnectedAt,
			c.ReconnectAttempts, c.MaxReconnectAttempts, c.NextReconnectAt,
			c.Quality, c.LatencyMs, c.MissedHeartbeats, c.TotalDisconnections,
			c.Metadata, c.LastDBSync)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert connection %s: %w", c.SessionID, err)
	}
	return nil
}

// GetConnection fetches one session scoped to its organization.
func (s *Store) GetConnection(ctx context.Context, organizationID, sessionID string) (*models.Connection, error) {
	var conn *models.Connection
	err := s.do(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+connectionColumns+`
			FROM connections
			WHERE session_id = $1 AND organization_id = $2
		`, sessionID, organizationID)
		c, err := scanConnection(row)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get connection %s: %w", sessionID, err)
	}
	return conn, nil
}

// CountActiveConnections counts CONNECTED sessions for an organization.
// Used by admission resource-limit checks.
func (s *Store) CountActiveConnections(ctx context.Context, organizationID string) (int, error) {
	var n int
	err := s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM connections
			WHERE organization_id = $1 AND status = $2
		`, organizationID, models.StatusConnected).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count connections for %s: %w", organizationID, err)
	}
	return n, nil
}

// MarkStaleDisconnected flips sessions whose heartbeat predates the cutoff to
// DISCONNECTED and returns how many rows changed.
func (s *Store) MarkStaleDisconnected(ctx context.Context, cutoff time.Time) (int64, error) {
	var affected int64
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE connections
			SET status = $1, disconnected_at = NOW()
			WHERE last_heartbeat < $2 AND status NOT IN ($1, $3)
		`, models.StatusDisconnected, cutoff, models.StatusFailed)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mark stale connections: %w", err)
	}
	return affected, nil
}

// BulkSyncConnections flushes a batch of session records in one transaction.
// Used by the 30-second batch sync; partial failure rolls the batch back.
func (s *Store) BulkSyncConnections(ctx context.Context, conns []*models.Connection) error {
	if len(conns) == 0 {
		return nil
	}
	err := s.do(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback is best-effort

		stmt, err := tx.PrepareContext(ctx, `
			UPDATE connections SET
				status = $2,
				last_heartbeat = $3,
				quality = $4,
				latency_ms = $5,
				missed_heartbeats = $6,
				reconnect_attempts = $7,
				total_disconnections = $8,
				last_db_sync = NOW()
			WHERE session_id = $1
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range conns {
			if _, err := stmt.ExecContext(ctx,
				c.SessionID, c.Status, c.LastHeartbeat, c.Quality,
				c.LatencyMs, c.MissedHeartbeats, c.ReconnectAttempts,
				c.TotalDisconnections,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("bulk sync %d connections: %w", len(conns), err)
	}
	return nil
}
