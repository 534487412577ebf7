package store

import (
	"context"
	"fmt"

	"github.com/AxonStream/axonpuls/internal/models"
)

// GetOrganization fetches one organization by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	err := s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, slug, name, limits, is_active, created_at, updated_at
			FROM organizations
			WHERE id = $1
		`, id).Scan(&org.ID, &org.Slug, &org.Name, &org.Limits, &org.IsActive, &org.CreatedAt, &org.UpdatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("get organization %s: %w", id, err)
	}
	return &org, nil
}

// GetOrganizationBySlug fetches one organization by slug.
func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	var org models.Organization
	err := s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, slug, name, limits, is_active, created_at, updated_at
			FROM organizations
			WHERE slug = $1
		`, slug).Scan(&org.ID, &org.Slug, &org.Name, &org.Limits, &org.IsActive, &org.CreatedAt, &org.UpdatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("get organization by slug %s: %w", slug, err)
	}
	return &org, nil
}

// UpsertOrganization inserts or refreshes an organization record.
func (s *Store) UpsertOrganization(ctx context.Context, org *models.Organization) error {
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO organizations (id, slug, name, limits, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			ON CONFLICT (id) DO UPDATE SET
				slug = EXCLUDED.slug,
				name = EXCLUDED.name,
				limits = EXCLUDED.limits,
				is_active = EXCLUDED.is_active,
				updated_at = NOW()
		`, org.ID, org.Slug, org.Name, org.Limits, org.IsActive)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert organization %s: %w", org.ID, err)
	}
	return nil
}

// UserBelongsToOrganization verifies membership for tenant validation. A user
// that does not exist or is inactive does not belong.
func (s *Store) UserBelongsToOrganization(ctx context.Context, organizationID, userID string) (bool, error) {
	var belongs bool
	err := s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM users
				WHERE id = $1 AND organization_id = $2 AND is_active
			)
		`, userID, organizationID).Scan(&belongs)
	})
	if err != nil {
		return false, fmt.Errorf("check membership %s/%s: %w", organizationID, userID, err)
	}
	return belongs, nil
}
