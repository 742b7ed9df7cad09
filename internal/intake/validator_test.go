package intake_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/intake"
	"github.com/minevest/share-engine/internal/limits"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/pricing"
	"github.com/minevest/share-engine/internal/shareledger"
	"github.com/minevest/share-engine/internal/store"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type stubPrices struct {
	price  decimal.Decimal
	halted bool
}

func (p *stubPrices) Quote(context.Context, store.Reader, string) (decimal.Decimal, error) {
	return p.price, nil
}

func (p *stubPrices) CheckTradable(context.Context, store.Reader, string) error {
	if p.halted {
		return model.ErrMarketHalted
	}
	return nil
}

func (p *stubPrices) CheckTolerance(_ context.Context, _ store.Reader, _ string, requested decimal.Decimal) error {
	if requested.Sub(p.price).Abs().GreaterThan(p.price.Div(decimal.NewFromInt(10))) {
		return model.ErrPriceOutOfTolerance
	}
	return nil
}

// flatFee charges 1% on everything.
type flatFee struct{}

func (flatFee) FeeFor(_ model.OrderKind, gross decimal.Decimal) decimal.Decimal {
	return gross.Div(decimal.NewFromInt(100)).Round(model.MoneyScale)
}

type env struct {
	ms     *store.MemoryStore
	prices *stubPrices
	v      *intake.Validator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	policy := intake.Policy{
		DefaultAccountType: "standard",
		AccountTypes: map[string]intake.AccountType{
			"standard": {
				MinOrder:   50,
				MaxOrder:   1000,
				SellLimits: limits.Window{Daily: 100},
			},
			"club": {MinOrder: 1, LockOnPurchase: true},
		},
		BookingMinDownPaymentPct: decimal.NewFromInt(20),
		BookingTTL:               30 * 24 * time.Hour,
		TransferApprovalValue:    decimal.NewFromInt(50000),
	}
	rates, err := pricing.NewRates(map[string]decimal.Decimal{"USD": decimal.NewFromInt(1), "EUR": decimal.NewFromInt(2)})
	if err != nil {
		t.Fatal(err)
	}
	e := &env{ms: store.NewMemoryStore(), prices: &stubPrices{price: decimal.NewFromInt(1000)}}
	e.v = intake.NewValidator(policy, e.prices, flatFee{}, rates, func() time.Time { return testNow })

	e.tx(t, func(tx store.Tx) error {
		return tx.CreateShare(context.Background(), &model.Share{
			ID: "gold", Name: "Gold", Currency: "USD", Total: 10000, Available: 10000,
		})
	})
	return e
}

func (e *env) tx(t *testing.T, fn func(tx store.Tx) error) {
	t.Helper()
	if err := e.ms.InTx(context.Background(), fn); err != nil {
		t.Fatal(err)
	}
}

func (e *env) fund(t *testing.T, user, cur string, amount int64) {
	t.Helper()
	e.tx(t, func(tx store.Tx) error {
		return tx.InsertWalletTransaction(context.Background(), &model.WalletTransaction{
			ID:            user + cur,
			WalletID:      model.WalletID(user, cur),
			CorrelationID: "seed-" + user,
			Type:          model.TxDeposit,
			Amount:        decimal.NewFromInt(amount),
			Currency:      cur,
			Status:        model.TxCompleted,
			CreatedAt:     testNow,
		})
	})
}

func (e *env) hold(t *testing.T, user string, qty int64, status model.HoldingStatus) {
	t.Helper()
	e.tx(t, func(tx store.Tx) error {
		return tx.SaveHolding(context.Background(), &model.UserHolding{
			UserID: user, ShareID: "gold", Quantity: qty, Status: status, UpdatedAt: testNow,
		})
	})
}

func wantRule(t *testing.T, err error, rule string) *model.ValidationError {
	t.Helper()
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError(%s), got %v", rule, err)
	}
	if ve.Rule != rule {
		t.Fatalf("expected rule %s, got %s (%s)", rule, ve.Rule, ve.Reason)
	}
	if !errors.Is(err, model.ErrValidation) {
		t.Fatal("ValidationError must match ErrValidation")
	}
	return ve
}

func buy(qty int64) intake.Request {
	return intake.Request{Kind: model.KindBuy, UserID: "alice", ShareID: "gold", Quantity: qty}
}

func TestValidate_RejectsNonPositiveQuantity(t *testing.T) {
	e := newEnv(t)
	_, err := e.v.Validate(context.Background(), e.ms, buy(0))
	wantRule(t, err, model.RuleQuantity)

	// Quantity is checked before the user, share and currency lookups.
	_, err = e.v.Validate(context.Background(), e.ms, intake.Request{Kind: model.KindBuy, Quantity: -1, Currency: "GBP"})
	wantRule(t, err, model.RuleQuantity)
	_, err = e.v.Validate(context.Background(), e.ms, intake.Request{Kind: model.KindBuy, UserID: "alice", ShareID: "silver", Quantity: 0})
	wantRule(t, err, model.RuleQuantity)
}

func TestValidate_FrozenShareRefused(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "USD", 100000)
	e.hold(t, "alice", 100, model.HoldingTradeable)
	e.tx(t, func(tx store.Tx) error {
		sh, err := tx.LockShare(context.Background(), "gold")
		if err != nil {
			return err
		}
		sh.Frozen = true
		sh.FrozenReason = "bucket drift"
		return tx.UpdateShare(context.Background(), sh)
	})

	for _, kind := range []model.OrderKind{model.KindBuy, model.KindSell, model.KindTransfer} {
		req := buy(50)
		req.Kind = kind
		req.RecipientID = "bob"
		_, err := e.v.Validate(context.Background(), e.ms, req)
		if !errors.Is(err, shareledger.ErrFrozen) {
			t.Errorf("%s on a frozen share: got %v, want ErrFrozen", kind, err)
		}
	}

	o := &model.Order{ID: "s1", Kind: model.KindSell, UserID: "alice", ShareID: "gold", Quantity: 10}
	if err := e.v.CheckModify(context.Background(), e.ms, o, 5); !errors.Is(err, shareledger.ErrFrozen) {
		t.Errorf("modify on a frozen share: got %v, want ErrFrozen", err)
	}
}

func TestValidate_MinimumIsLoweredByHolding(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "USD", 5000)

	_, err := e.v.Validate(context.Background(), e.ms, buy(1))
	wantRule(t, err, model.RuleMinimum)

	e.hold(t, "alice", 60, model.HoldingTradeable)
	adm, err := e.v.Validate(context.Background(), e.ms, buy(1))
	if err != nil {
		t.Fatalf("holder of 60 buying 1 should pass: %v", err)
	}
	if !adm.Gross.Equal(decimal.NewFromInt(1000)) || !adm.Fee.Equal(decimal.NewFromInt(10)) {
		t.Errorf("gross/fee = %s/%s", adm.Gross, adm.Fee)
	}
	if adm.Order.Status != model.OrderPending || adm.Order.RemainingQuantity != 1 {
		t.Errorf("unexpected order %+v", adm.Order)
	}
}

func TestValidate_MaximumAndAvailability(t *testing.T) {
	e := newEnv(t)
	_, err := e.v.Validate(context.Background(), e.ms, buy(1001))
	wantRule(t, err, model.RuleMaximum)

	e.tx(t, func(tx store.Tx) error {
		sh, err := tx.LockShare(context.Background(), "gold")
		if err != nil {
			return err
		}
		sh.Available, sh.Held = 60, sh.Total-60
		return tx.UpdateShare(context.Background(), sh)
	})
	_, err = e.v.Validate(context.Background(), e.ms, buy(100))
	ve := wantRule(t, err, model.RuleAvailability)
	if !errors.Is(ve, model.ErrInsufficientShares) {
		t.Error("availability rejection should carry ErrInsufficientShares")
	}
}

func TestValidate_BalanceIncludesFee(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "USD", 50000) // 50 * 1000 = 50000, fee 500

	_, err := e.v.Validate(context.Background(), e.ms, buy(50))
	ve := wantRule(t, err, model.RuleBalance)
	if !errors.Is(ve, model.ErrInsufficientFunds) {
		t.Error("balance rejection should carry ErrInsufficientFunds")
	}
}

func TestValidate_ConvertsToPayingCurrency(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "EUR", 30000)

	req := buy(50)
	req.Currency = "eur"
	adm, err := e.v.Validate(context.Background(), e.ms, req)
	if err != nil {
		t.Fatal(err)
	}
	// 1 EUR = 2 USD
	if !adm.Gross.Equal(decimal.NewFromInt(25000)) {
		t.Errorf("gross = %s, want 25000", adm.Gross)
	}
	if adm.Order.Currency != "EUR" {
		t.Errorf("currency = %s", adm.Order.Currency)
	}
}

func TestValidate_BookingDownPayment(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "USD", 20000)
	req := intake.Request{Kind: model.KindBooking, UserID: "alice", ShareID: "gold", Quantity: 50}

	req.Payment = decimal.NewFromInt(5000)
	_, err := e.v.Validate(context.Background(), e.ms, req)
	wantRule(t, err, model.RuleDownPayment)

	req.Payment = decimal.Zero
	adm, err := e.v.Validate(context.Background(), e.ms, req)
	if err != nil {
		t.Fatal(err)
	}
	if !adm.Payment.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("payment = %s, want the 20%% minimum", adm.Payment)
	}
	if adm.Order.ExpiresAt == nil || !adm.Order.ExpiresAt.Equal(testNow.Add(30*24*time.Hour)) {
		t.Errorf("expires_at = %v", adm.Order.ExpiresAt)
	}
}

func TestValidate_SellNeedsTradableHolding(t *testing.T) {
	e := newEnv(t)
	sell := intake.Request{Kind: model.KindSell, UserID: "alice", ShareID: "gold", Quantity: 10}

	_, err := e.v.Validate(context.Background(), e.ms, sell)
	wantRule(t, err, model.RuleHolding)

	e.hold(t, "alice", 60, model.HoldingLocked)
	_, err = e.v.Validate(context.Background(), e.ms, sell)
	wantRule(t, err, model.RuleHolding)

	e.hold(t, "alice", 60, model.HoldingReleased)
	if _, err := e.v.Validate(context.Background(), e.ms, sell); err != nil {
		t.Fatal(err)
	}
}

func TestValidate_SellingLimit(t *testing.T) {
	e := newEnv(t)
	e.hold(t, "alice", 500, model.HoldingTradeable)
	e.tx(t, func(tx store.Tx) error {
		return tx.InsertOrder(context.Background(), &model.Order{
			ID: "earlier", Kind: model.KindSell, UserID: "alice", ShareID: "gold",
			Quantity: 80, RemainingQuantity: 80, Status: model.OrderQueued,
			CreatedAt: testNow.Add(-time.Hour),
		})
	})

	sell := intake.Request{Kind: model.KindSell, UserID: "alice", ShareID: "gold", Quantity: 30}
	ve := wantRule(t, mustFail(e.v.Validate(context.Background(), e.ms, sell)), model.RuleSellLimit)
	if !errors.Is(ve, limits.ErrDailyLimitExceeded) {
		t.Errorf("expected daily limit cause, got %v", ve.Cause)
	}

	sell.Quantity = 20
	if _, err := e.v.Validate(context.Background(), e.ms, sell); err != nil {
		t.Fatalf("80+20 is exactly the limit: %v", err)
	}
}

func TestValidate_MarketHaltedAndTolerance(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "USD", 100000)

	req := buy(50)
	req.Price = decimal.NewFromInt(1200)
	ve := wantRule(t, mustFail(e.v.Validate(context.Background(), e.ms, req)), model.RuleMarket)
	if !errors.Is(ve, model.ErrPriceOutOfTolerance) {
		t.Error("expected ErrPriceOutOfTolerance")
	}

	e.prices.halted = true
	req.Price = decimal.Zero
	ve = wantRule(t, mustFail(e.v.Validate(context.Background(), e.ms, req)), model.RuleMarket)
	if !errors.Is(ve, model.ErrMarketHalted) {
		t.Error("expected ErrMarketHalted")
	}
}

func TestValidate_FirstViolationWins(t *testing.T) {
	e := newEnv(t)
	e.prices.halted = true
	// Below the minimum, no funds and halted: minimum is reported.
	_, err := e.v.Validate(context.Background(), e.ms, buy(10))
	wantRule(t, err, model.RuleMinimum)
}

func TestValidate_TransferApproval(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "alice", "USD", 1000)
	e.hold(t, "alice", 100, model.HoldingTradeable)
	tr := intake.Request{Kind: model.KindTransfer, UserID: "alice", ShareID: "gold", Quantity: 10, RecipientID: "bob"}

	adm, err := e.v.Validate(context.Background(), e.ms, tr)
	if err != nil {
		t.Fatal(err)
	}
	if adm.NeedsApproval {
		t.Error("10 * 1000 is below the approval value")
	}
	if !adm.Fee.Equal(decimal.NewFromInt(100)) {
		t.Errorf("fee = %s", adm.Fee)
	}

	tr.Quantity = 50
	if adm, err = e.v.Validate(context.Background(), e.ms, tr); err != nil {
		t.Fatal(err)
	}
	if !adm.NeedsApproval {
		t.Error("50 * 1000 reaches the approval value")
	}

	tr.RecipientID = "alice"
	_, err = e.v.Validate(context.Background(), e.ms, tr)
	wantRule(t, err, model.RuleRecipient)
}

func TestValidate_UnknownShare(t *testing.T) {
	e := newEnv(t)
	req := buy(50)
	req.ShareID = "silver"
	_, err := e.v.Validate(context.Background(), e.ms, req)
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func mustFail(_ *intake.Admission, err error) error { return err }
