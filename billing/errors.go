/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Batch operations never return per-record errors to the caller; they
  classify them with Classify and collect them as Failure rows.

ERROR CLASSES:
  1. Validation        - malformed or missing tenant/unit data (skip record)
  2. NotFound          - referenced tenant/invoice/unit is gone (skip record)
  3. ExternalDependency - notification dispatch failed (count, continue)
  4. InvariantViolation - two active tenants on a unit, duplicate invoice
                         for a period (hard error for that record)

USAGE:
  if errors.Is(err, billing.ErrInvariantViolation) {
      // surface loudly in the batch report
  }

SEE ALSO:
  - report.go: Failure rows and batch aggregation
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation marks malformed or incomplete input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing tenant, invoice or unit.
	ErrNotFound = errors.New("not found")

	// ErrExternalDependency marks a failure in a collaborator outside the
	// persistence layer, such as the notification dispatcher.
	ErrExternalDependency = errors.New("external dependency failed")

	// ErrInvariantViolation marks state that would corrupt arrears math if
	// processing continued.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrDuplicateInvoice is returned by gateways when an invoice for the
	// same (tenant, year, month) already exists.
	ErrDuplicateInvoice = fmt.Errorf("%w: invoice already exists for period", ErrInvariantViolation)

	// ErrDuplicatePayment is returned when a payment with the same
	// reference, amount and booking date was already recorded.
	ErrDuplicatePayment = fmt.Errorf("%w: payment already recorded", ErrInvariantViolation)

	// ErrNotEligible is returned when applying an index adjustment that
	// detection would not propose.
	ErrNotEligible = errors.New("not eligible for index adjustment")

	// ErrLocked is returned when another run holds the lock for a period.
	ErrLocked = errors.New("run already in progress")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one invalid field of a record.
type ValidationError struct {
	RecordID string
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("invalid %s on %s: %s", e.Field, e.RecordID, e.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "tenant", "invoice", "unit"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvariantViolationError names the broken invariant and the record.
type InvariantViolationError struct {
	Invariant string
	RecordID  string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant %q violated by %s: %s", e.Invariant, e.RecordID, e.Detail)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// ExternalDependencyError wraps a collaborator failure.
type ExternalDependencyError struct {
	Dependency string
	Err        error
}

func (e *ExternalDependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Dependency, e.Err)
}

func (e *ExternalDependencyError) Unwrap() []error { return []error{ErrExternalDependency, e.Err} }

// =============================================================================
// CLASSIFICATION
// =============================================================================

type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindNotFound           ErrorKind = "not_found"
	KindExternalDependency ErrorKind = "external_dependency"
	KindInvariantViolation ErrorKind = "invariant_violation"
	KindInternal           ErrorKind = "internal"
)

// Classify maps an error onto the taxonomy. Unknown errors are internal.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvariantViolation):
		return KindInvariantViolation
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotEligible):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrExternalDependency):
		return KindExternalDependency
	default:
		return KindInternal
	}
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotEligible)
}
