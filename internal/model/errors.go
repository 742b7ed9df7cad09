package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any mutation.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation does not apply to the
	// entity's current lifecycle state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInsufficientFunds is returned when a debit would drive a wallet
	// balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientShares is returned when a bucket or holding would go negative.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrPriceOutOfTolerance is returned when a requested price is outside
	// the configured band around the current price.
	ErrPriceOutOfTolerance = errors.New("price out of tolerance")

	// ErrMarketHalted is returned while trading is halted globally or for a share.
	ErrMarketHalted = errors.New("market halted")

	// ErrContentionTimeout is returned when a lock could not be acquired in
	// time. Callers may retry.
	ErrContentionTimeout = errors.New("contention timeout")

	// ErrReconciliationDrift marks a cached projection that disagreed with
	// the transaction log. It is logged and corrected, never returned to
	// order submitters.
	ErrReconciliationDrift = errors.New("reconciliation drift")

	// ErrFatalInvariant is returned when a conservation check failed. The
	// affected share is frozen until an operator intervenes.
	ErrFatalInvariant = errors.New("fatal invariant violation")
)

// Validation rules, in evaluation order.
const (
	RuleQuantity      = "quantity"
	RuleMinimum       = "minimum_order"
	RuleMaximum       = "maximum_order"
	RuleBalance       = "balance"
	RuleHolding       = "holding"
	RuleSellLimit     = "selling_limit"
	RuleTransferLimit = "transfer_limit"
	RuleMarket        = "market"
	RuleRecipient     = "recipient"
	RuleKind          = "kind"
	RuleDownPayment   = "down_payment"
	RuleCurrency      = "currency"
	RuleAvailability  = "availability"
)

// ValidationError reports the first violated intake rule. It matches
// ErrValidation and, when set, the business-rule sentinel in Cause.
type ValidationError struct {
	Rule   string
	Reason string
	Cause  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Reason)
}

// Is lets errors.Is match ErrValidation for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// Invalid builds a ValidationError.
func Invalid(rule, format string, args ...any) *ValidationError {
	return &ValidationError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Rejected builds a ValidationError carrying a business-rule sentinel.
func Rejected(rule string, cause error, format string, args ...any) *ValidationError {
	return &ValidationError{Rule: rule, Reason: fmt.Sprintf(format, args...), Cause: cause}
}
