// Package ctxkeys defines typed context keys to avoid SA1029 lint warnings
// and prevent key collisions across packages.
package ctxkeys

import (
	"context"
	"time"
)

// Key is a typed context key to prevent collisions.
type Key string

// Auth context keys
const (
	KeyUserID      Key = "user_id"
	KeyOrgID       Key = "organization_id"
	KeyRole        Key = "role"
	KeyRoles       Key = "roles"
	KeyPermissions Key = "permissions"
	KeyFeatures    Key = "features"
	KeyJWTToken    Key = "jwt_token"
	KeyAuthType    Key = "auth_type"
	KeyDemoMode    Key = "demo_mode"
)

// Request context keys
const (
	KeyServiceToken Key = "service_token"
	KeyJWTIssuedAt  Key = "jwt_issued_at"
	KeyClientIP     Key = "client_ip"
	KeyRequestID    Key = "request_id"
	KeyRequestStart Key = "request_start"
	KeySessionID    Key = "session_id"
)

// GetOrgID extracts organization_id from context.
func GetOrgID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyOrgID).(string); ok {
		return v
	}
	return ""
}

// GetUserID extracts user_id from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyUserID).(string); ok {
		return v
	}
	return ""
}

// GetRole extracts role from context.
func GetRole(ctx context.Context) string {
	if v, ok := ctx.Value(KeyRole).(string); ok {
		return v
	}
	return ""
}

// GetRoles extracts roles from context.
func GetRoles(ctx context.Context) []string {
	if v, ok := ctx.Value(KeyRoles).([]string); ok {
		return v
	}
	return nil
}

// GetPermissions extracts permissions from context.
func GetPermissions(ctx context.Context) []string {
	if v, ok := ctx.Value(KeyPermissions).([]string); ok {
		return v
	}
	return nil
}

// GetFeatures extracts features from context.
func GetFeatures(ctx context.Context) []string {
	if v, ok := ctx.Value(KeyFeatures).([]string); ok {
		return v
	}
	return nil
}

// GetJWTToken extracts jwt_token from context.
func GetJWTToken(ctx context.Context) string {
	if v, ok := ctx.Value(KeyJWTToken).(string); ok {
		return v
	}
	return ""
}

// GetAuthType extracts auth_type from context.
func GetAuthType(ctx context.Context) string {
	if v, ok := ctx.Value(KeyAuthType).(string); ok {
		return v
	}
	return ""
}

// GetServiceToken extracts service_token from context.
func GetServiceToken(ctx context.Context) string {
	if v, ok := ctx.Value(KeyServiceToken).(string); ok {
		return v
	}
	return ""
}

// GetClientIP extracts client_ip from context.
func GetClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(KeyClientIP).(string); ok {
		return v
	}
	return ""
}

// GetRequestID extracts request_id from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyRequestID).(string); ok {
		return v
	}
	return ""
}

// GetSessionID extracts session_id from context.
func GetSessionID(ctx context.Context) string {
	if v, ok := ctx.Value(KeySessionID).(string); ok {
		return v
	}
	return ""
}

// GetJWTIssuedAt extracts jwt_issued_at from context.
func GetJWTIssuedAt(ctx context.Context) (time.Time, bool) {
	if v, ok := ctx.Value(KeyJWTIssuedAt).(time.Time); ok {
		return v, true
	}
	return time.Time{}, false
}

// IsDemoMode checks if demo_mode is set in context.
func IsDemoMode(ctx context.Context) bool {
	if v, ok := ctx.Value(KeyDemoMode).(bool); ok {
		return v
	}
	return false
}
