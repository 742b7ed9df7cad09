package intake

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/limits"
)

// AccountType holds the per-account-type trading rules.
type AccountType struct {
	// MinOrder is the configured minimum order size for buys and bookings.
	MinOrder int64
	// MaxOrder caps a single buy or booking. Zero means no cap.
	MaxOrder       int64
	SellLimits     limits.Window
	TransferLimits limits.Window
	// LockOnPurchase creates new holdings locked until a release event
	// (club-member allocations).
	LockOnPurchase bool
}

// Policy is the intake configuration.
type Policy struct {
	AccountTypes       map[string]AccountType
	DefaultAccountType string

	// BookingMinDownPaymentPct is the minimum first installment, in percent
	// of the booking's gross value.
	BookingMinDownPaymentPct decimal.Decimal
	BookingTTL               time.Duration

	// TransferApprovalValue is the share-currency value at or above which a
	// transfer waits for admin approval. Zero disables the threshold.
	TransferApprovalValue decimal.Decimal
	// ApproveUntrusted sends every transfer from an untrusted account to
	// approval.
	ApproveUntrusted bool
}

// TypeOf returns the rules of an account type, falling back to the default type.
func (p Policy) TypeOf(name string) AccountType {
	if at, ok := p.AccountTypes[name]; ok {
		return at
	}
	return p.AccountTypes[p.DefaultAccountType]
}
