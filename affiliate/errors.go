/*
errors.go - Centralized error types for the affiliate engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is against the category sentinels
  and errors.As against the structured types.

ERROR CATEGORIES:
  1. Validation - malformed amounts or configuration, rejected before writes
  2. NotFound - unknown account, node or referral code
  3. Conflict - duplicate registration, code collision, replayed idempotency key
  4. ConsistencyViolation - reconciliation failed; never auto-corrected
  5. Transient - storage/lock contention; retried at the append boundary

PROPAGATION:
  Validation/NotFound/Conflict are returned to the API caller as typed
  failures. ConsistencyViolation is also reported to Instrumentation so it
  reaches an operator. Transient errors are retried and escalate to
  TransientExhaustedError once the retry budget is spent.
*/
package affiliate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CATEGORY SENTINELS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrConsistencyViolation = errors.New("consistency violation")
	ErrTransient            = errors.New("transient failure")
	ErrTransientExhausted   = errors.New("transient failure: retries exhausted")
)

// =============================================================================
// SPECIFIC SENTINELS - Each wraps a category
// =============================================================================

var (
	ErrAccountNotFound      = fmt.Errorf("account %w", ErrNotFound)
	ErrReferralCodeNotFound = fmt.Errorf("referral code %w", ErrNotFound)
	ErrNodeNotFound         = fmt.Errorf("referral node %w", ErrNotFound)

	// ErrAccountExists is returned when registering an account twice.
	ErrAccountExists = fmt.Errorf("account already registered: %w", ErrConflict)

	// ErrDuplicateReferralCode is returned by stores on a code collision.
	// ReferralGraph retries generation before surfacing it.
	ErrDuplicateReferralCode = fmt.Errorf("referral code already in use: %w", ErrConflict)

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = fmt.Errorf("duplicate idempotency key: %w", ErrConflict)

	// ErrDuplicateSnapshot is returned when a month was already snapshotted.
	ErrDuplicateSnapshot = fmt.Errorf("snapshot already exists: %w", ErrConflict)

	// ErrReferralCycle is returned when a reparent would create a cycle.
	ErrReferralCycle = fmt.Errorf("referral parent would create a cycle: %w", ErrConflict)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a rejected input before any write happened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConsistencyViolationError reports a broken reconciliation invariant.
type ConsistencyViolationError struct {
	AccountID AccountID
	Field     Field
	Stored    decimal.Decimal
	Expected  decimal.Decimal
	Detail    string
}

func (e *ConsistencyViolationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("consistency violation on account %d: %s", e.AccountID, e.Detail)
	}
	return fmt.Sprintf("consistency violation on account %d field %s: stored %s, ledger %s",
		e.AccountID, e.Field, e.Stored, e.Expected)
}

func (e *ConsistencyViolationError) Unwrap() error { return ErrConsistencyViolation }

// TransientExhaustedError is returned once the retry budget is spent.
type TransientExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *TransientExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

// Unwrap exposes both the exhausted category and the last cause.
func (e *TransientExhaustedError) Unwrap() []error {
	return []error{ErrTransientExhausted, e.Last}
}

// TransientError marks a storage failure as safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) && !errors.Is(err, ErrTransientExhausted)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true for duplicates and collisions.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
