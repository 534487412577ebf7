package models

import (
	"errors"
)

// Sentinel errors forming the failure taxonomy shared across internal
// packages. Callers classify with errors.Is and wrap with fmt.Errorf("%w: ...").
var (
	// ErrValidation covers malformed frames, bad channel names and oversize payloads.
	ErrValidation = errors.New("validation failed")
	// ErrAuth covers missing or invalid credentials and token clock drift.
	ErrAuth = errors.New("authentication failed")
	// ErrForbidden covers cross-tenant access and missing permissions.
	ErrForbidden = errors.New("forbidden")
	// ErrRateLimited covers quota and burst denials.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrConflict covers OT conflicts surfaced to the caller and snapshot races.
	ErrConflict = errors.New("conflict")
	// ErrNotFound covers lookups that matched no row or key.
	ErrNotFound = errors.New("not found")
	// ErrTransient covers temporary Redis/DB failures; safe to retry.
	ErrTransient = errors.New("transient failure")
	// ErrFatal covers unrecoverable configuration or invariant violations.
	ErrFatal = errors.New("fatal")
)

// taxonomy lists every sentinel for classification checks.
var taxonomy = []error{
	ErrValidation, ErrAuth, ErrForbidden, ErrRateLimited,
	ErrConflict, ErrNotFound, ErrTransient, ErrFatal,
}

// Classified reports whether err already carries a taxonomy sentinel.
func Classified(err error) bool {
	for _, sentinel := range taxonomy {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsNotFound reports whether err represents a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err represents a version or uniqueness conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
