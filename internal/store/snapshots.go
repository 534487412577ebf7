package store

import (
	"context"
	"fmt"
	"time"

	"github.com/AxonStream/axonpuls/internal/models"
)

// InsertSnapshot persists an immutable snapshot and moves its branch head to it.
func (s *Store) InsertSnapshot(ctx context.Context, snap *models.Snapshot) error {
	err := s.do(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback is best-effort

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (id, room_id, branch_name, state, version, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, snap.ID, snap.RoomID, snap.BranchName, []byte(snap.State), snap.Version,
			snap.Description, snap.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE branches
			SET head_snapshot_id = $1, last_activity = NOW()
			WHERE room_id = $2 AND name = $3
		`, snap.ID, snap.RoomID, snap.BranchName); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// GetSnapshot fetches one snapshot by id, scoped to its room.
func (s *Store) GetSnapshot(ctx context.Context, roomID, snapshotID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.do(ctx, func(ctx context.Context) error {
		var state []byte
		err := s.db.QueryRowContext(ctx, `
			SELECT id, room_id, branch_name, state, version, description, created_at
			FROM snapshots
			WHERE id = $1 AND room_id = $2
		`, snapshotID, roomID).Scan(&snap.ID, &snap.RoomID, &snap.BranchName,
			&state, &snap.Version, &snap.Description, &snap.CreatedAt)
		snap.State = state
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", snapshotID, err)
	}
	return &snap, nil
}

// ListSnapshots returns a room's snapshots on a branch, oldest first, within
// an optional time range. Feeds the timeline endpoint.
func (s *Store) ListSnapshots(ctx context.Context, roomID, branch string, since, until time.Time, limit int) ([]models.Snapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args := []interface{}{roomID, branch}
	query := `
		SELECT id, room_id, branch_name, state, version, description, created_at
		FROM snapshots
		WHERE room_id = $1 AND branch_name = $2`
	if !since.IsZero() {
		args = append(args, since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !until.IsZero() {
		args = append(args, until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY version ASC LIMIT $%d", len(args))

	var snaps []models.Snapshot
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		snaps = snaps[:0]
		for rows.Next() {
			var snap models.Snapshot
			var state []byte
			if err := rows.Scan(&snap.ID, &snap.RoomID, &snap.BranchName, &state,
				&snap.Version, &snap.Description, &snap.CreatedAt); err != nil {
				return err
			}
			snap.State = state
			snaps = append(snaps, snap)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s/%s: %w", roomID, branch, err)
	}
	return snaps, nil
}

// CreateBranch records a new lineage rooted at a snapshot.
func (s *Store) CreateBranch(ctx context.Context, b *models.Branch) error {
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO branches (room_id, name, from_snapshot_id, head_snapshot_id, conflict_count, last_activity, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		`, b.RoomID, b.Name, b.FromSnapshotID, b.HeadSnapshotID, b.ConflictCount)
		return err
	})
	if err != nil {
		return fmt.Errorf("create branch %s/%s: %w", b.RoomID, b.Name, err)
	}
	return nil
}

// GetBranch fetches one branch of a room.
func (s *Store) GetBranch(ctx context.Context, roomID, name string) (*models.Branch, error) {
	var b models.Branch
	err := s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT room_id, name, from_snapshot_id, head_snapshot_id, conflict_count, last_activity, created_at
			FROM branches
			WHERE room_id = $1 AND name = $2
		`, roomID, name).Scan(&b.RoomID, &b.Name, &b.FromSnapshotID, &b.HeadSnapshotID,
			&b.ConflictCount, &b.LastActivity, &b.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("get branch %s/%s: %w", roomID, name, err)
	}
	return &b, nil
}

// ListBranches returns all branches of a room.
func (s *Store) ListBranches(ctx context.Context, roomID string) ([]models.Branch, error) {
	var branches []models.Branch
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT room_id, name, from_snapshot_id, head_snapshot_id, conflict_count, last_activity, created_at
			FROM branches
			WHERE room_id = $1
			ORDER BY created_at ASC
		`, roomID)
		if err != nil {
			return err
		}
		defer rows.Close()

		branches = branches[:0]
		for rows.Next() {
			var b models.Branch
			if err := rows.Scan(&b.RoomID, &b.Name, &b.FromSnapshotID, &b.HeadSnapshotID,
				&b.ConflictCount, &b.LastActivity, &b.CreatedAt); err != nil {
				return err
			}
			branches = append(branches, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list branches for %s: %w", roomID, err)
	}
	return branches, nil
}

// UpdateBranchHead points a branch at a new head snapshot.
func (s *Store) UpdateBranchHead(ctx context.Context, roomID, name, snapshotID string) error {
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE branches
			SET head_snapshot_id = $1, last_activity = NOW()
			WHERE room_id = $2 AND name = $3
		`, snapshotID, roomID, name)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return models.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update branch head %s/%s: %w", roomID, name, err)
	}
	return nil
}

// IncrementBranchConflicts bumps the conflict counter after an unresolved OT
// collision.
func (s *Store) IncrementBranchConflicts(ctx context.Context, roomID, name string) error {
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE branches
			SET conflict_count = conflict_count + 1, last_activity = NOW()
			WHERE room_id = $1 AND name = $2
		`, roomID, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("increment conflicts %s/%s: %w", roomID, name, err)
	}
	return nil
}
