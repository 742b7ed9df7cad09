// Package intake admits orders. Validation runs against a store.Reader so
// the settlement engine can evaluate it inside the transaction and locks
// that will carry out the order, making every decision on authoritative
// balances.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/limits"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/pricing"
	"github.com/minevest/share-engine/internal/shareledger"
	"github.com/minevest/share-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Prices is the part of the price controller the validator needs.
type Prices interface {
	Quote(ctx context.Context, r store.Reader, shareID string) (decimal.Decimal, error)
	CheckTradable(ctx context.Context, r store.Reader, shareID string) error
	CheckTolerance(ctx context.Context, r store.Reader, shareID string, requested decimal.Decimal) error
}

// Fees computes the fee owed on a gross amount.
type Fees interface {
	FeeFor(kind model.OrderKind, gross decimal.Decimal) decimal.Decimal
}

// Request is an order submission.
type Request struct {
	Kind     model.OrderKind `json:"kind"`
	UserID   string          `json:"user_id"`
	ShareID  string          `json:"share_id"`
	Quantity int64           `json:"quantity"`
	// Price is the price the user expects. Zero means at market.
	Price decimal.Decimal `json:"price"`
	// Currency is the wallet currency the user pays or is paid in. Empty
	// means the share's currency.
	Currency      string `json:"currency,omitempty"`
	RecipientID   string `json:"recipient_id,omitempty"`
	PriorityLevel int    `json:"priority_level,omitempty"`
	// Payment is the first installment of a booking. Zero means the
	// minimum down payment.
	Payment decimal.Decimal `json:"payment"`
}

// Admission is an accepted request with everything settlement needs.
type Admission struct {
	Order   *model.Order
	Share   *model.Share
	Account model.Account
	Type    AccountType
	// Holding is the user's current position, nil when there is none.
	Holding *model.UserHolding

	// UnitPrice is the current price in the share's currency.
	UnitPrice decimal.Decimal
	// Gross is the order value in the order currency.
	Gross decimal.Decimal
	// Fee is owed on Gross, or on Payment for bookings.
	Fee decimal.Decimal
	// Payment is the first booking installment in the order currency.
	Payment decimal.Decimal
	// NeedsApproval is set for transfers that wait for an admin.
	NeedsApproval bool
}

// Validator applies the intake rules in a fixed order and reports the
// first violation.
type Validator struct {
	policy Policy
	prices Prices
	fees   Fees
	rates  pricing.Rates
	now    func() time.Time
}

// NewValidator creates a validator. now may be nil.
func NewValidator(policy Policy, prices Prices, fees Fees, rates pricing.Rates, now func() time.Time) *Validator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Validator{policy: policy, prices: prices, fees: fees, rates: rates, now: now}
}

// Policy returns the validator's configuration.
func (v *Validator) Policy() Policy { return v.policy }

// Validate checks req and builds a pending order. Rules are evaluated in
// order: quantity, minimum and maximum, availability, balance, holding and
// selling/transfer limits, market state and price tolerance. Violations
// are *model.ValidationError values; lookups that fail for other reasons
// are returned as is.
func (v *Validator) Validate(ctx context.Context, r store.Reader, req Request) (*Admission, error) {
	switch req.Kind {
	case model.KindBuy, model.KindBooking, model.KindSell, model.KindBuyback, model.KindTransfer:
	default:
		return nil, model.Invalid(model.RuleKind, "unknown order kind %q", req.Kind)
	}
	// (a) quantity
	if req.Quantity <= 0 {
		return nil, model.Invalid(model.RuleQuantity, "quantity must be positive, got %d", req.Quantity)
	}
	if req.UserID == "" || req.ShareID == "" {
		return nil, model.Invalid(model.RuleKind, "user_id and share_id are required")
	}

	sh, err := r.GetShare(ctx, req.ShareID)
	if err != nil {
		return nil, err
	}
	if err := shareledger.CheckFrozen(sh); err != nil {
		return nil, err
	}
	cur := strings.ToUpper(req.Currency)
	if cur == "" {
		cur = sh.Currency
	}
	if cur != sh.Currency && !(v.rates.Supports(cur) && v.rates.Supports(sh.Currency)) {
		return nil, model.Invalid(model.RuleCurrency, "no rate from %s to %s", cur, sh.Currency)
	}

	acct, err := v.account(ctx, r, req.UserID)
	if err != nil {
		return nil, err
	}
	at := v.policy.TypeOf(acct.AccountType)
	holding, err := r.GetHolding(ctx, req.UserID, req.ShareID)
	if errors.Is(err, model.ErrNotFound) {
		holding, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	// (b) minimum and maximum
	if req.Kind == model.KindBuy || req.Kind == model.KindBooking {
		if need := effectiveMinimum(at.MinOrder, holding); req.Quantity < need {
			return nil, model.Invalid(model.RuleMinimum, "minimum order is %d shares, got %d", need, req.Quantity)
		}
		if at.MaxOrder > 0 && req.Quantity > at.MaxOrder {
			return nil, model.Invalid(model.RuleMaximum, "maximum order is %d shares, got %d", at.MaxOrder, req.Quantity)
		}
		if req.Quantity > sh.Available {
			return nil, model.Rejected(model.RuleAvailability, model.ErrInsufficientShares,
				"%d shares requested, %d available", req.Quantity, sh.Available)
		}
	}

	price, err := v.prices.Quote(ctx, r, req.ShareID)
	if err != nil {
		return nil, err
	}
	gross, err := v.rates.Convert(price.Mul(decimal.NewFromInt(req.Quantity)), sh.Currency, cur)
	if err != nil {
		return nil, model.Invalid(model.RuleCurrency, "%v", err)
	}
	gross = gross.Round(model.MoneyScale)

	adm := &Admission{
		Share:     sh,
		Account:   *acct,
		Type:      at,
		Holding:   holding,
		UnitPrice: price,
		Gross:     gross,
	}
	payer := model.WalletID(req.UserID, cur)

	// (c) balance
	switch req.Kind {
	case model.KindBuy:
		adm.Fee = v.fees.FeeFor(req.Kind, gross)
		if err := v.checkBalance(ctx, r, payer, gross.Add(adm.Fee)); err != nil {
			return nil, err
		}
	case model.KindBooking:
		minPay := gross.Mul(v.policy.BookingMinDownPaymentPct).Div(hundred).RoundUp(model.MoneyScale)
		pay := req.Payment.Round(model.MoneyScale)
		if pay.IsZero() {
			pay = minPay
		}
		if pay.LessThan(minPay) {
			return nil, model.Invalid(model.RuleDownPayment, "down payment %s is below the minimum %s", pay, minPay)
		}
		if pay.GreaterThan(gross) {
			return nil, model.Invalid(model.RuleDownPayment, "down payment %s exceeds the order value %s", pay, gross)
		}
		adm.Payment = pay
		adm.Fee = v.fees.FeeFor(req.Kind, pay)
		if err := v.checkBalance(ctx, r, payer, pay.Add(adm.Fee)); err != nil {
			return nil, err
		}
	case model.KindTransfer:
		if req.RecipientID == "" || req.RecipientID == req.UserID {
			return nil, model.Invalid(model.RuleRecipient, "transfer needs a recipient other than the sender")
		}
		adm.Fee = v.fees.FeeFor(req.Kind, gross)
		if err := v.checkBalance(ctx, r, payer, adm.Fee); err != nil {
			return nil, err
		}
	}

	// (d) holding and selling/transfer limits
	switch req.Kind {
	case model.KindSell, model.KindBuyback:
		if err := v.checkHolding(holding, req.Quantity); err != nil {
			return nil, err
		}
		err := v.checkLimits(ctx, r, req, at.SellLimits, model.RuleSellLimit, model.KindSell, model.KindBuyback)
		if err != nil {
			return nil, err
		}
		adm.Fee = v.fees.FeeFor(req.Kind, gross)
	case model.KindTransfer:
		if err := v.checkHolding(holding, req.Quantity); err != nil {
			return nil, err
		}
		err := v.checkLimits(ctx, r, req, at.TransferLimits, model.RuleTransferLimit, model.KindTransfer)
		if err != nil {
			return nil, err
		}
	}

	// (e) market state and price tolerance
	if err := v.prices.CheckTradable(ctx, r, req.ShareID); err != nil {
		if errors.Is(err, model.ErrMarketHalted) {
			return nil, model.Rejected(model.RuleMarket, err, "trading is halted")
		}
		return nil, err
	}
	if !req.Price.IsZero() {
		requested := req.Price
		if cur != sh.Currency {
			if requested, err = v.rates.Convert(requested, cur, sh.Currency); err != nil {
				return nil, model.Invalid(model.RuleCurrency, "%v", err)
			}
		}
		if err := v.prices.CheckTolerance(ctx, r, req.ShareID, requested); err != nil {
			if errors.Is(err, model.ErrPriceOutOfTolerance) {
				return nil, model.Rejected(model.RuleMarket, err, "requested price is outside the tolerance band")
			}
			return nil, err
		}
	}

	if req.Kind == model.KindTransfer {
		adm.NeedsApproval = v.needsApproval(acct, price.Mul(decimal.NewFromInt(req.Quantity)))
	}

	now := v.now()
	o := &model.Order{
		ID:                uuid.New().String(),
		Kind:              req.Kind,
		UserID:            req.UserID,
		ShareID:           req.ShareID,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Price:             price,
		Currency:          cur,
		FeeAmount:         adm.Fee,
		Status:            model.OrderPending,
		PriorityLevel:     req.PriorityLevel,
		RecipientID:       req.RecipientID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Kind == model.KindBooking && v.policy.BookingTTL > 0 {
		exp := now.Add(v.policy.BookingTTL)
		o.ExpiresAt = &exp
	}
	adm.Order = o
	return adm, nil
}

func (v *Validator) account(ctx context.Context, r store.Reader, userID string) (*model.Account, error) {
	acct, err := r.GetAccount(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return &model.Account{UserID: userID, AccountType: v.policy.DefaultAccountType}, nil
	}
	return acct, err
}

// effectiveMinimum lowers the configured minimum by what the user already
// holds or has booked, never below one share.
func effectiveMinimum(configured int64, h *model.UserHolding) int64 {
	need := configured
	if h != nil {
		need -= h.Quantity + h.PendingQuantity
	}
	if need < 1 {
		return 1
	}
	return need
}

func (v *Validator) checkBalance(ctx context.Context, r store.Reader, walletID string, need decimal.Decimal) error {
	bal, err := r.WalletBalance(ctx, walletID)
	if err != nil {
		return err
	}
	if bal.LessThan(need) {
		return model.Rejected(model.RuleBalance, model.ErrInsufficientFunds,
			"wallet %s holds %s, order needs %s", walletID, bal, need)
	}
	return nil
}

func (v *Validator) checkHolding(h *model.UserHolding, qty int64) error {
	if h == nil {
		return model.Rejected(model.RuleHolding, model.ErrInsufficientShares, "no holding in this share")
	}
	if t := h.Tradable(); t < qty {
		return model.Rejected(model.RuleHolding, model.ErrInsufficientShares,
			"%d tradable shares (status %s), order needs %d", t, h.Status, qty)
	}
	return nil
}

func (v *Validator) checkLimits(ctx context.Context, r store.Reader, req Request, w limits.Window, rule string, kinds ...model.OrderKind) error {
	if w.IsZero() {
		return nil
	}
	usage, err := limits.Measure(ctx, w, v.now(), func(ctx context.Context, since time.Time) (int64, error) {
		return r.SumUserQuantity(ctx, req.UserID, kinds, since)
	})
	if err != nil {
		return err
	}
	if err := w.Check(usage, req.Quantity); err != nil {
		return model.Rejected(rule, err, "%v", err)
	}
	return nil
}

func (v *Validator) needsApproval(acct *model.Account, value decimal.Decimal) bool {
	if v.policy.ApproveUntrusted && !acct.Trusted {
		return true
	}
	t := v.policy.TransferApprovalValue
	return t.IsPositive() && value.GreaterThanOrEqual(t)
}

// CheckModify validates a quantity change of an open queued order against
// the holding and the selling limits. The order's current quantity is
// excluded from usage since the new quantity replaces it.
func (v *Validator) CheckModify(ctx context.Context, r store.Reader, o *model.Order, newQty int64) error {
	if newQty <= 0 {
		return model.Invalid(model.RuleQuantity, "quantity must be positive, got %d", newQty)
	}
	if newQty < o.ProcessedQuantity {
		return model.Invalid(model.RuleQuantity, "quantity %d is below the %d already filled", newQty, o.ProcessedQuantity)
	}
	sh, err := r.GetShare(ctx, o.ShareID)
	if err != nil {
		return err
	}
	if err := shareledger.CheckFrozen(sh); err != nil {
		return err
	}
	delta := newQty - o.Quantity
	if delta <= 0 {
		return nil
	}
	h, err := r.GetHolding(ctx, o.UserID, o.ShareID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	if err := v.checkHolding(h, delta); err != nil {
		return err
	}
	acct, err := v.account(ctx, r, o.UserID)
	if err != nil {
		return err
	}
	req := Request{UserID: o.UserID, Quantity: delta}
	return v.checkLimits(ctx, r, req, v.policy.TypeOf(acct.AccountType).SellLimits, model.RuleSellLimit, model.KindSell, model.KindBuyback)
}

// String is used in logs.
func (r Request) String() string {
	return fmt.Sprintf("%s %d of %s by %s", r.Kind, r.Quantity, r.ShareID, r.UserID)
}
