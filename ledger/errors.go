/*
errors.go - Centralized error types for the commission ledger

ERROR CATEGORIES:
  1. Client errors - Validation, insufficient funds, already processed.
     Terminal: retrying the same call cannot succeed.
  2. Conflicts - Optimistic concurrency failures. Retried by the Service
     with backoff before being surfaced.
  3. Store errors - Persistence failures. Fatal for the request; the store
     transaction is rolled back so nothing partial is visible.

USAGE:
  w, err := svc.Reserve(ctx, "aff-1", decimal.NewFromInt(50))
  var insufficient *ledger.InsufficientFundsError
  if errors.As(err, &insufficient) {
      // insufficient.Available, insufficient.Shortfall
  }
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAlreadyProcessed guards against duplicate admin actions causing a
	// double rollback or a double payout.
	ErrAlreadyProcessed = errors.New("withdrawal already processed")

	// ErrConcurrencyConflict is returned by stores when a record's Version
	// no longer matches. Retryable.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	ErrStoreUnavailable = errors.New("store unavailable")

	ErrNotFound = errors.New("not found")

	// ErrDuplicateOrder is returned when an order is replayed with a
	// different amount than the commission already recorded for it.
	ErrDuplicateOrder = errors.New("commission already recorded for order")

	// ErrDuplicateKey is returned by stores on unique constraint violations.
	ErrDuplicateKey = errors.New("duplicate key")

	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrLedgerInconsistent means stored records break a ledger invariant.
	// Never retried; needs an operator.
	ErrLedgerInconsistent = errors.New("ledger inconsistent")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports bad input, rejected before any mutation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	AffiliateID AffiliateID
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: available %s, requested %s, shortfall %s",
		e.AffiliateID, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

type AlreadyProcessedError struct {
	WithdrawalID WithdrawalID
	Status       WithdrawalStatus
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("withdrawal %s already processed (status %s)", e.WithdrawalID, e.Status)
}

func (e *AlreadyProcessedError) Unwrap() error { return ErrAlreadyProcessed }

// StoreUnavailableError wraps an unexpected persistence failure.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying driver error.
func (e *StoreUnavailableError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input or
// a business rule.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrDuplicateOrder) ||
		errors.Is(err, ErrInvalidTransition)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// classify turns anything a store returns into a member of the taxonomy.
// Known ledger errors pass through; the rest become StoreUnavailableError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || IsRetryable(err) || IsNotFound(err) ||
		errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrLedgerInconsistent) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}
