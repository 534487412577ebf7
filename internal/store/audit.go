package store

import (
	"context"
	"fmt"

	"github.com/AxonStream/axonpuls/internal/models"
)

// InsertAuditRecord persists one security decision. Audit writes never retry
// into the caller's latency budget beyond the shared policy; a failed write is
// logged by the caller and dropped.
func (s *Store) InsertAuditRecord(ctx context.Context, rec *models.AuditRecord) error {
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (id, organization_id, subject, action, reason, client_ip, details, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, rec.ID, rec.OrganizationID, rec.Subject, rec.Action, rec.Reason,
			rec.ClientIP, rec.Details, rec.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert audit record %s: %w", rec.ID, err)
	}
	return nil
}

// ListAuditRecords returns recent audit entries for an organization.
func (s *Store) ListAuditRecords(ctx context.Context, organizationID string, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var records []models.AuditRecord
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, organization_id, subject, action, reason, client_ip, details, created_at
			FROM audit_log
			WHERE organization_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		`, organizationID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			var r models.AuditRecord
			if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Subject, &r.Action,
				&r.Reason, &r.ClientIP, &r.Details, &r.CreatedAt); err != nil {
				return err
			}
			records = append(records, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list audit records for %s: %w", organizationID, err)
	}
	return records, nil
}
