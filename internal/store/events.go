package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AxonStream/axonpuls/internal/models"
)

// EventFilter narrows event queries. OrganizationID is always required and
// always becomes the first predicate.
type EventFilter struct {
	Channel   string
	Type      string
	UserID    string
	Since     time.Time
	Until     time.Time
	Limit     int
	Ascending bool
}

func (f EventFilter) where(args *[]interface{}) string {
	var clauses []string
	add := func(clause string, value interface{}) {
		*args = append(*args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(*args)))
	}

	if f.Channel != "" {
		add("channel = $%d", f.Channel)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	if len(clauses) == 0 {
		return ""
	}
	return " AND " + strings.Join(clauses, " AND ")
}

// InsertEvent persists one published event.
func (s *Store) InsertEvent(ctx context.Context, e *models.Event) error {
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO events (id, type, channel, organization_id, user_id, payload,
				acknowledgment, created_at, stream_entry_id, correlation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, e.ID, e.Type, e.Channel, e.OrganizationID, e.UserID, []byte(e.Payload),
			e.Acknowledgment, e.CreatedAt, e.StreamEntryID, e.CorrelationID)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// ListEvents returns events for an organization matching the filter, newest
// first unless Ascending is set.
func (s *Store) ListEvents(ctx context.Context, organizationID string, filter EventFilter) ([]models.Event, error) {
	args := []interface{}{organizationID}
	query := `
		SELECT id, type, channel, organization_id, user_id, payload,
			acknowledgment, created_at, stream_entry_id, correlation_id
		FROM events
		WHERE organization_id = $1` + filter.where(&args)

	if filter.Ascending {
		query += " ORDER BY created_at ASC"
	} else {
		query += " ORDER BY created_at DESC"
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT " + strconv.Itoa(limit)

	var events []models.Event
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			var e models.Event
			var payload []byte
			if err := rows.Scan(&e.ID, &e.Type, &e.Channel, &e.OrganizationID, &e.UserID,
				&payload, &e.Acknowledgment, &e.CreatedAt, &e.StreamEntryID, &e.CorrelationID); err != nil {
				return err
			}
			e.Payload = payload
			events = append(events, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", organizationID, err)
	}
	return events, nil
}

// CountEvents counts events for an organization matching the filter.
func (s *Store) CountEvents(ctx context.Context, organizationID string, filter EventFilter) (int64, error) {
	args := []interface{}{organizationID}
	query := `SELECT COUNT(*) FROM events WHERE organization_id = $1` + filter.where(&args)

	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count events for %s: %w", organizationID, err)
	}
	return n, nil
}

// DistinctEventTypes returns the distinct event types seen on a channel.
func (s *Store) DistinctEventTypes(ctx context.Context, organizationID, channel string) ([]string, error) {
	var types []string
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT DISTINCT type FROM events
			WHERE organization_id = $1 AND channel = $2
			ORDER BY type
		`, organizationID, channel)
		if err != nil {
			return err
		}
		defer rows.Close()

		types = types[:0]
		for rows.Next() {
			var t string
			if err := rows.Scan(&t); err != nil {
				return err
			}
			types = append(types, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("distinct event types for %s/%s: %w", organizationID, channel, err)
	}
	return types, nil
}

// EnsureChannel records a channel the first time it is used. Safe to call on
// every publish.
func (s *Store) EnsureChannel(ctx context.Context, organizationID, name string) error {
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO channels (organization_id, name, created_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (organization_id, name) DO NOTHING
		`, organizationID, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure channel %s: %w", name, err)
	}
	return nil
}
