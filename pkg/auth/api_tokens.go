package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

var (
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrExpiredAPIKey = errors.New("API key expired")
)

// APIKey represents a developer API key bound to one organization
type APIKey struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	KeyValue       string    `json:"key_value"`
	Name           string    `json:"name"`
	Permissions    []string  `json:"permissions"`
	IsActive       bool      `json:"is_active"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// ValidateAPIKey looks up an active API key by value
func ValidateAPIKey(ctx context.Context, db *sql.DB, keyValue string) (*APIKey, error) {
	var key APIKey

	err := db.QueryRowContext(ctx, `
		SELECT id, organization_id, user_id, key_value, name,
		       permissions, is_active, expires_at, created_at
		FROM api_keys
		WHERE key_value = $1 AND is_active = true
	`, keyValue).Scan(
		&key.ID, &key.OrganizationID, &key.UserID, &key.KeyValue,
		&key.Name, pq.Array(&key.Permissions), &key.IsActive,
		&key.ExpiresAt, &key.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}

	if time.Now().After(key.ExpiresAt) {
		return nil, ErrExpiredAPIKey
	}

	return &key, nil
}

// HasPermission checks if an API key carries a permission. The wildcard
// grant "*:*" matches everything.
func (k *APIKey) HasPermission(permission string) bool {
	for _, p := range k.Permissions {
		if p == permission || p == "*:*" {
			return true
		}
	}
	return false
}
