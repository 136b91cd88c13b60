// ABOUTME: Sentinel errors returned by the session manager
// ABOUTME: Callers classify them with errors.Is to pick HTTP status codes

package session

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidTenantID is returned for empty or malformed tenant ids.
	ErrInvalidTenantID = errors.New("invalid tenant id")

	// ErrInitialization wraps any failure to open or connect a session.
	ErrInitialization = errors.New("session initialization failed")

	// ErrSessionNotFound is returned when a tenant has neither a live session
	// nor a persisted status.
	ErrSessionNotFound = errors.New("session not found")
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateTenantID checks that id is safe to use as a key and a directory name.
func ValidateTenantID(id string) error {
	if !tenantIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, id)
	}
	return nil
}
