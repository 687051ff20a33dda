package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured blocks StartAuth until a complete credentials triple is saved.
	ErrNotConfigured = errors.New("connection: provider credentials are not configured")

	// ErrAuthorizationInProgress rejects a concurrent StartAuth while a pending
	// authorization is alive, so two anti-forgery states can never race.
	ErrAuthorizationInProgress = errors.New("connection: an authorization attempt is already in progress")

	// ErrNoConnection is returned when an operation needs a live connection.
	ErrNoConnection = errors.New("connection: not connected to the provider")

	// ErrNoTenantSelected is returned when a resource load has no tenant context.
	ErrNoTenantSelected = errors.New("connection: no tenant organization selected")
)

// SecurityError reports a rejected OAuth callback: a state value that does not
// match the pending authorization, or a pending value past its lifetime. It is
// never retried silently and always surfaced.
type SecurityError struct {
	Reason string
}

// Error returns a string representation of the security error.
func (e *SecurityError) Error() string {
	return fmt.Sprintf("connection: callback rejected: %s", e.Reason)
}

// IsSecurityError checks if an error is a SecurityError.
func IsSecurityError(err error) bool {
	var securityError *SecurityError
	return errors.As(err, &securityError)
}

// SyncCorrection is the informational notice produced when reconciliation
// found local and server state disagreeing and corrected the local side.
type SyncCorrection struct {
	// Detail describes what was corrected.
	Detail string `json:"detail"`
}
