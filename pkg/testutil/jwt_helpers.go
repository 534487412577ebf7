package testutil

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AxonStream/axonpuls/pkg/auth"
)

// JWTTestHelper provides utilities for JWT testing
type JWTTestHelper struct {
	Secret []byte
}

// NewJWTTestHelper creates a new JWT test helper with a default test secret
func NewJWTTestHelper() *JWTTestHelper {
	return &JWTTestHelper{
		Secret: []byte("test-secret-for-unit-tests"),
	}
}

// NewJWTTestHelperWithSecret creates a new JWT test helper with a custom secret
func NewJWTTestHelperWithSecret(secret []byte) *JWTTestHelper {
	return &JWTTestHelper{
		Secret: secret,
	}
}

// GenerateValidJWT generates a valid JWT token for testing
func (h *JWTTestHelper) GenerateValidJWT(userID, organizationID, role string) (string, error) {
	claims := &auth.Claims{
		UserID:         userID,
		OrganizationID: organizationID,
		Role:           role,
	}
	return auth.GenerateJWT(claims, time.Hour, h.Secret)
}

// GenerateJWTWithClaims signs arbitrary claims for testing richer contexts
// (roles, permissions, features).
func (h *JWTTestHelper) GenerateJWTWithClaims(claims *auth.Claims) (string, error) {
	return auth.GenerateJWT(claims, time.Hour, h.Secret)
}

// GenerateExpiredJWT generates an expired JWT token for testing
func (h *JWTTestHelper) GenerateExpiredJWT(userID, organizationID, role string) (string, error) {
	claims := &auth.Claims{
		UserID:         userID,
		OrganizationID: organizationID,
		Role:           role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)), // Expired 1 hour ago
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)), // Issued 2 hours ago
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.Secret)
}

// GenerateJWTWithCustomExpiry generates a JWT with custom expiry time
func (h *JWTTestHelper) GenerateJWTWithCustomExpiry(userID, organizationID, role string, expiresAt time.Time) (string, error) {
	claims := &auth.Claims{
		UserID:         userID,
		OrganizationID: organizationID,
		Role:           role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.Secret)
}

// GenerateMalformedJWT generates a malformed JWT for testing error scenarios
func (h *JWTTestHelper) GenerateMalformedJWT() string {
	return "invalid.jwt.token.format"
}

// GenerateJWTWithWrongSecret generates a JWT with wrong secret for testing
func (h *JWTTestHelper) GenerateJWTWithWrongSecret(userID, organizationID, role string) (string, error) {
	wrong := NewJWTTestHelperWithSecret([]byte("wrong-secret"))
	return wrong.GenerateValidJWT(userID, organizationID, role)
}

// GenerateJWTWithNoneAlgorithm generates a JWT with "none" algorithm (security vulnerability test)
func (h *JWTTestHelper) GenerateJWTWithNoneAlgorithm(userID, organizationID, role string) (string, error) {
	claims := &auth.Claims{
		UserID:         userID,
		OrganizationID: organizationID,
		Role:           role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	return token.SignedString(jwt.UnsafeAllowNoneSignatureType)
}

// ValidateJWT validates a JWT using the test helper's secret
func (h *JWTTestHelper) ValidateJWT(tokenString string) (*auth.Claims, error) {
	return auth.ValidateJWT(tokenString, h.Secret)
}

// TestUser represents a test user for JWT generation
type TestUser struct {
	UserID         string
	OrganizationID string
	Role           string
}

// DefaultTestUser returns a default test user
func DefaultTestUser() TestUser {
	return TestUser{
		UserID:         "test-user-123",
		OrganizationID: "test-org-456",
		Role:           "user",
	}
}

// AdminTestUser returns an admin test user
func AdminTestUser() TestUser {
	return TestUser{
		UserID:         "admin-user-999",
		OrganizationID: "test-org-456",
		Role:           "admin",
	}
}

// GenerateJWT generates a JWT for the test user
func (u TestUser) GenerateJWT(helper *JWTTestHelper) (string, error) {
	return helper.GenerateValidJWT(u.UserID, u.OrganizationID, u.Role)
}

// GenerateExpiredJWT generates an expired JWT for the test user
func (u TestUser) GenerateExpiredJWT(helper *JWTTestHelper) (string, error) {
	return helper.GenerateExpiredJWT(u.UserID, u.OrganizationID, u.Role)
}

// TestUsers for multi-tenant isolation testing
var (
	TestUserOrg1 = TestUser{
		UserID:         "user-org1",
		OrganizationID: "org-1",
		Role:           "user",
	}

	TestUserOrg2 = TestUser{
		UserID:         "user-org2",
		OrganizationID: "org-2",
		Role:           "user",
	}

	TestAdminOrg1 = TestUser{
		UserID:         "admin-org1",
		OrganizationID: "org-1",
		Role:           "admin",
	}
)
