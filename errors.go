package unitledger

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("unitledger: not found")
	ErrAlreadyExists = errors.New("unitledger: already exists")
	ErrInvalidInput  = errors.New("unitledger: invalid input")
	ErrConfiguration = errors.New("unitledger: invalid configuration")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("unitledger: subscription not found")
	ErrSubscriptionExists   = errors.New("unitledger: subscription already exists")
	ErrSubscriptionInactive = errors.New("unitledger: subscription is not active")
	ErrUnitTypeImmutable    = errors.New("unitledger: unit type cannot change once periods exist")

	// Usage errors
	ErrInsufficientUnits = errors.New("unitledger: insufficient units")
	ErrDuplicateEvent    = errors.New("unitledger: duplicate usage event")

	// Invoice errors
	ErrInvoiceNotFound   = errors.New("unitledger: invoice not found")
	ErrDuplicateInvoice  = errors.New("unitledger: invoice already covers period")
	ErrInvoiceTerminal   = errors.New("unitledger: invoice is paid or cancelled")
	ErrInvalidTransition = errors.New("unitledger: invalid invoice status transition")

	// Payment errors
	ErrPaymentNotFound   = errors.New("unitledger: payment not found")
	ErrPaymentNotSettled = errors.New("unitledger: payment is not settled")
	ErrPaymentImmutable  = errors.New("unitledger: payment is fully refunded")

	// Store errors
	ErrVersionConflict = errors.New("unitledger: version conflict")
	ErrConcurrency     = errors.New("unitledger: retry budget exhausted")
	ErrStoreClosed     = errors.New("unitledger: store is closed")
	ErrMigrationFailed = errors.New("unitledger: migration failed")
)

// ConfigurationError reports an invalid subscription setup: a bad date
// range, negative units, an unbounded horizon, or a persisted document
// that cannot be upgraded.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unitledger: configuration: %s: %s", e.Field, e.Message)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// ValidationError represents a validation failure with details. Err, when
// set, names the specific rule that was broken.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("unitledger: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

func (e *ValidationError) Unwrap() error { return e.Err }

// InsufficientUnitsError is returned when a standard subscription cannot
// cover a consumption. It is a business outcome, not a fault.
type InsufficientUnitsError struct {
	CompanyID string
	Requested int64
	Available int64
	Shortfall int64
}

func (e *InsufficientUnitsError) Error() string {
	return fmt.Sprintf("unitledger: insufficient units for %s: requested %d, available %d, shortfall %d",
		e.CompanyID, e.Requested, e.Available, e.Shortfall)
}

func (e *InsufficientUnitsError) Is(target error) bool { return target == ErrInsufficientUnits }

// DuplicateInvoiceError is returned when an invoice already covers any of
// the requested periods. Callers should treat it as "already done".
type DuplicateInvoiceError struct {
	SubscriptionID string
	PeriodNumbers  []int
	InvoiceNumber  string
}

func (e *DuplicateInvoiceError) Error() string {
	nums := make([]string, len(e.PeriodNumbers))
	for i, n := range e.PeriodNumbers {
		nums[i] = fmt.Sprint(n)
	}
	msg := fmt.Sprintf("unitledger: periods [%s] of %s already invoiced", strings.Join(nums, ","), e.SubscriptionID)
	if e.InvoiceNumber != "" {
		msg += " by " + e.InvoiceNumber
	}
	return msg
}

func (e *DuplicateInvoiceError) Is(target error) bool { return target == ErrDuplicateInvoice }

// VersionConflictError is the store's compare-and-swap failure.
type VersionConflictError struct {
	Aggregate string
	ID        string
	Expected  int64
	Actual    int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("unitledger: %s %s version conflict: expected %d, found %d",
		e.Aggregate, e.ID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// ConcurrencyError is raised after the optimistic retry budget is spent.
type ConcurrencyError struct {
	Aggregate string
	ID        string
	Attempts  int
	Last      error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("unitledger: %s %s still contended after %d attempts", e.Aggregate, e.ID, e.Attempts)
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrency }

func (e *ConcurrencyError) Unwrap() error { return e.Last }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}

// IsRetryable returns true if the error is temporary and the whole request
// can be retried later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrConcurrency)
}

// IsBusinessOutcome returns true for expected outcomes that are not system
// faults: an uncovered consumption, an already-issued invoice or a replayed
// usage event.
func IsBusinessOutcome(err error) bool {
	return errors.Is(err, ErrInsufficientUnits) ||
		errors.Is(err, ErrDuplicateInvoice) ||
		errors.Is(err, ErrDuplicateEvent)
}

func validationErr(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func ruleErr(field string, rule error, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Err: rule}
}

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
