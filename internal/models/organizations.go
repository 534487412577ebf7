package models

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Organization is the tenant boundary. Every channel, room, connection and
// event belongs to exactly one organization.
type Organization struct {
	ID       string  `json:"id" db:"id"`
	Slug     string  `json:"slug" db:"slug"`
	Name     *string `json:"name,omitempty" db:"name"`
	Limits   JSONB   `json:"limits" db:"limits"`
	IsActive bool    `json:"is_active" db:"is_active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ConnectionLimit returns the org's connection ceiling, 0 meaning unlimited.
func (o *Organization) ConnectionLimit() int {
	if o.Limits == nil {
		return 0
	}
	if v, ok := o.Limits["max_connections"]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}

// TenantContext is the validated identity bundle attached at admission and
// passed by value to every core operation. It is never mutated after creation.
type TenantContext struct {
	OrganizationID string   `json:"organization_id"`
	UserID         string   `json:"user_id,omitempty"`
	UserRole       string   `json:"user_role,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	Features       []string `json:"features,omitempty"`
	ClientType     string   `json:"client_type,omitempty"`
	AuthMethod     string   `json:"auth_method,omitempty"`
}

// IsAdmin reports whether the context carries the admin role.
func (tc TenantContext) IsAdmin() bool {
	if tc.UserRole == "admin" {
		return true
	}
	for _, r := range tc.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// HasPermission checks a "Resource:action" grant. Admins and the "*:*"
// wildcard bypass; "Resource:*" grants every action on the resource.
func (tc TenantContext) HasPermission(resource, action string) bool {
	if tc.IsAdmin() {
		return true
	}
	want := resource + ":" + action
	for _, p := range tc.Permissions {
		if p == "*:*" || p == want {
			return true
		}
		if strings.HasSuffix(p, ":*") && strings.TrimSuffix(p, ":*") == resource {
			return true
		}
	}
	return false
}

// HasFeature reports whether a feature flag is enabled for this context.
func (tc TenantContext) HasFeature(feature string) bool {
	for _, f := range tc.Features {
		if f == feature {
			return true
		}
	}
	return false
}
