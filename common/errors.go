package common

import (
	"errors"
	"fmt"
)

// Sentinel error kinds shared across the services. Handlers classify errors
// with errors.Is against these and map each kind to one HTTP status; wrapped
// detail stays in the message.
var (
	// ErrNotFound marks lookups of entities that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks row-lock timeouts and concurrent unique violations.
	// Conflict responses are retryable.
	ErrConflict = errors.New("conflict")

	// ErrAuthorizationDenied marks authenticated requests by non-owners.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrUnauthenticated marks requests without a verified identity while
	// authentication is enabled.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrIntegration marks unclassified cluster plugin failures.
	ErrIntegration = errors.New("integration error")

	// ErrSchemaViolation marks malformed request bodies.
	ErrSchemaViolation = errors.New("schema violation")
)

// NewNotFoundError reports a missing entity with a descriptive detail.
func NewNotFoundError(entity string, id int64) error {
	return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
}

// NewConflictError wraps a lock timeout or unique violation so callers can
// recognize it as retryable.
func NewConflictError(detail string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%s: %v: %w", detail, cause, ErrConflict)
	}
	return fmt.Errorf("%s: %w", detail, ErrConflict)
}

// NewSchemaViolationError reports a malformed request body.
func NewSchemaViolationError(detail string) error {
	return fmt.Errorf("%s: %w", detail, ErrSchemaViolation)
}
