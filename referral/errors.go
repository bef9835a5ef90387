/*
errors.go - Centralized error types for the referral ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match on the sentinels with errors.Is and extract details with
  errors.As on the structured types.

ERROR CATEGORIES:
  1. Validation errors - Bad input, rejected before any write
  2. Lookup errors - Unknown code or owner
  3. State errors - Redemption against an inactive code
  4. Consistency errors - Drift between summary fields and the log
  5. Migration errors - Any failure inside the migration transaction

PROPAGATION:
  Every error is returned to the immediate caller. Nothing in this package
  retries on its own.

SEE ALSO:
  - accountant.go: Produces ConsistencyError via DriftReport.Err
  - migration/engine.go: Produces MigrationError
*/
package referral

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for bad input (e.g. negative reward rate).
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a code does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInactiveCode is returned when redeeming a deactivated code.
	// Not transient: retrying will fail the same way.
	ErrInactiveCode = errors.New("invitation code is inactive")

	// ErrConsistency is returned when cached summaries disagree with the log.
	ErrConsistency = errors.New("ledger drift detected")

	// ErrMigrationFailed is returned when the legacy migration rolled back.
	// The legacy data is intact and the migration may be retried.
	ErrMigrationFailed = errors.New("migration failed")

	// ErrDuplicateCode is returned by stores when a generated token collides
	// with an existing one. CodeRepository.Create retries on it.
	ErrDuplicateCode = errors.New("duplicate invitation code")

	// ErrTokenSpaceExhausted is returned when every token attempt collided.
	ErrTokenSpaceExhausted = errors.New("could not generate a unique invitation code")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes rejected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError describes a missing record.
type NotFoundError struct {
	Kind string // "code", "owner"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// CodeNotFound builds the NotFoundError for a code ID.
func CodeNotFound(id CodeID) error {
	return &NotFoundError{Kind: "code", Key: fmt.Sprintf("%d", id)}
}

// InactiveCodeError is returned when recording against a disabled code.
type InactiveCodeError struct {
	CodeID CodeID
	Code   string
}

func (e *InactiveCodeError) Error() string {
	return fmt.Sprintf("invitation code %s (id %d) is inactive", e.Code, e.CodeID)
}

func (e *InactiveCodeError) Unwrap() error {
	return ErrInactiveCode
}

// ConsistencyError carries the drift that was detected.
type ConsistencyError struct {
	Report DriftReport
}

func (e *ConsistencyError) Error() string {
	r := e.Report
	return fmt.Sprintf("drift on code %d: cached use_count=%d total_rewards=%d, ledger count=%d sum=%d",
		r.CodeID, r.Cached.UseCount, r.Cached.TotalRewards, r.Actual.Count, r.Actual.Sum)
}

func (e *ConsistencyError) Unwrap() error {
	return ErrConsistency
}

// MigrationError records which step of a migration run failed.
type MigrationError struct {
	RunID string
	Step  string
	Err   error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s failed at %s: %v", e.RunID, e.Step, e.Err)
}

func (e *MigrationError) Unwrap() []error {
	return []error{ErrMigrationFailed, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input or
// a request the current state cannot satisfy.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInactiveCode)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
