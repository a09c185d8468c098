/*
errors.go - Error types for the credit engine

PURPOSE:
  All credit error types in one place. Callers match with errors.Is on the
  sentinels; structured errors carry details and unwrap to a sentinel.

ERROR CATEGORIES:
  1. Validation errors - InvalidAmount, InvalidHierarchy
  2. Business rule errors - InsufficientFunds, AccountSuspended
  3. Store errors - NotFound, ConcurrentModification

SEE ALSO:
  - engine.go: Returns these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package credit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientFunds is returned when a debit or allocation exceeds the
	// derived balance of the paying account.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidHierarchy is returned when an account or transfer violates the
	// platform -> agency -> client -> campaign tree.
	ErrInvalidHierarchy = errors.New("invalid account hierarchy")

	// ErrInvalidAmount is returned for zero, negative or otherwise unusable amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating an account with a taken ID.
	ErrAccountExists = errors.New("account already exists")

	// ErrAccountSuspended is returned when moving funds into or out of a
	// suspended account.
	ErrAccountSuspended = errors.New("account suspended")

	// ErrConcurrentModification is returned when the account version changed
	// between the balance read and the write.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidStatus is returned when an operator sets a system-managed status.
	ErrInvalidStatus = errors.New("invalid account status")

	// ErrInvalidAdjustment is returned when an adjustment lacks a reason or actor.
	ErrInvalidAdjustment = errors.New("adjustment requires reason and actor")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: available %s, requested %s, shortfall %s",
		e.AccountID, e.Available.StringFixed(MinorUnitPlaces), e.Requested.StringFixed(MinorUnitPlaces),
		e.Requested.Sub(e.Available).StringFixed(MinorUnitPlaces))
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// HierarchyError explains which parent/child rule was broken.
type HierarchyError struct {
	Child  AccountType
	Parent AccountType
	Reason string
}

func (e *HierarchyError) Error() string {
	if e.Child == "" {
		return "invalid account hierarchy: " + e.Reason
	}
	if e.Parent == "" {
		return fmt.Sprintf("invalid account hierarchy: %s: %s", e.Child, e.Reason)
	}
	return fmt.Sprintf("invalid account hierarchy: %s under %s: %s", e.Child, e.Parent, e.Reason)
}

func (e *HierarchyError) Unwrap() error {
	return ErrInvalidHierarchy
}

// AmountError records the rejected amount.
type AmountError struct {
	Amount decimal.Decimal
	Reason string
}

func (e *AmountError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid amount %s: %s", e.Amount.String(), e.Reason)
	}
	return fmt.Sprintf("invalid amount %s: must be positive after rounding to %d places",
		e.Amount.String(), MinorUnitPlaces)
}

func (e *AmountError) Unwrap() error {
	return ErrInvalidAmount
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidHierarchy) ||
		errors.Is(err, ErrInvalidAdjustment) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrAccountExists)
}

// IsNotFound returns true if the error indicates a missing account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}
