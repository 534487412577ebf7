package auth

import (
	"crypto/subtle"
	"errors"
	"os"
)

var (
	ErrMissingServiceToken = errors.New("service token not provided")
	ErrInvalidServiceToken = errors.New("invalid service token")
)

// ValidateServiceToken checks an operator token in constant time. The admin
// surface authenticates with this shared secret rather than tenant JWTs.
func ValidateServiceToken(token, expected string) error {
	if token == "" {
		return ErrMissingServiceToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return ErrInvalidServiceToken
	}
	return nil
}

// GetServiceToken reads the operator token from the environment.
func GetServiceToken() string {
	return os.Getenv("SERVICE_TOKEN")
}
