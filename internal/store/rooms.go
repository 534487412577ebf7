package store

import (
	"context"
	"fmt"

	"github.com/AxonStream/axonpuls/internal/models"
)

// CreateRoom inserts a room at version 0 together with its main branch.
func (s *Store) CreateRoom(ctx context.Context, room *models.Room) error {
	err := s.do(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback is best-effort

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (id, name, organization_id, state, version, config, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		`, room.ID, room.Name, room.OrganizationID, []byte(room.State), room.Version, room.Config); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO branches (room_id, name, last_activity, created_at)
			VALUES ($1, $2, NOW(), NOW())
		`, room.ID, models.MainBranch); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("create room %s: %w", room.Name, err)
	}
	return nil
}

// GetRoom fetches a room by name within its organization.
func (s *Store) GetRoom(ctx context.Context, organizationID, name string) (*models.Room, error) {
	var room models.Room
	err := s.do(ctx, func(ctx context.Context) error {
		var state []byte
		err := s.db.QueryRowContext(ctx, `
			SELECT id, name, organization_id, state, version, config, created_at, updated_at
			FROM rooms
			WHERE organization_id = $1 AND name = $2
		`, organizationID, name).Scan(&room.ID, &room.Name, &room.OrganizationID,
			&state, &room.Version, &room.Config, &room.CreatedAt, &room.UpdatedAt)
		room.State = state
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", name, err)
	}
	return &room, nil
}

// UpdateRoomState advances a room's state with an optimistic version check:
// the write only lands if the stored version is exactly newVersion-1.
// A lost race maps to Conflict.
func (s *Store) UpdateRoomState(ctx context.Context, organizationID, roomID string, state []byte, newVersion int64) error {
	err := s.do(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE rooms
			SET state = $1, version = $2, updated_at = NOW()
			WHERE id = $3 AND organization_id = $4 AND version = $5
		`, state, newVersion, roomID, organizationID, newVersion-1)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: room %s version moved past %d", models.ErrConflict, roomID, newVersion-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update room state %s: %w", roomID, err)
	}
	return nil
}

// ListRooms returns an organization's rooms ordered by last update.
func (s *Store) ListRooms(ctx context.Context, organizationID string, limit int) ([]models.Room, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rooms []models.Room
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, name, organization_id, state, version, config, created_at, updated_at
			FROM rooms
			WHERE organization_id = $1
			ORDER BY updated_at DESC
			LIMIT $2
		`, organizationID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		rooms = rooms[:0]
		for rows.Next() {
			var r models.Room
			var state []byte
			if err := rows.Scan(&r.ID, &r.Name, &r.OrganizationID, &state,
				&r.Version, &r.Config, &r.CreatedAt, &r.UpdatedAt); err != nil {
				return err
			}
			r.State = state
			rooms = append(rooms, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms for %s: %w", organizationID, err)
	}
	return rooms, nil
}
