package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/intake"
	"github.com/minevest/share-engine/internal/lock"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/shareledger"
	"github.com/minevest/share-engine/internal/store"
	"github.com/minevest/share-engine/internal/wallet"
)

var hundred = decimal.NewFromInt(100)

// openBooking reserves the booked quantity and takes the first installment.
func (e *Engine) openBooking(ctx context.Context, tx store.Tx, adm *intake.Admission) error {
	o := adm.Order
	if _, err := e.shares.TransferBucket(ctx, tx, shareledger.Move{
		ShareID: o.ShareID, Quantity: o.Quantity,
		From: model.BucketAvailable, To: model.BucketReserved,
		Price: o.Price, Reason: shareledger.ReasonBookingReserve, Reference: o.ID,
	}); err != nil {
		return err
	}
	h, err := e.holdingFor(ctx, tx, o.UserID, o.ShareID, model.HoldingPending)
	if err != nil {
		return err
	}
	h.PendingQuantity += o.Quantity
	if err := e.saveHolding(ctx, tx, h); err != nil {
		return err
	}

	o.CumulativePayments = decimal.Zero
	o.PaymentPercentage = decimal.Zero
	o.FeeAmount = decimal.Zero
	if err := tx.InsertOrder(ctx, o); err != nil {
		return err
	}
	if err := e.record(ctx, tx, o, model.EventAdmitted, 0, ""); err != nil {
		return err
	}
	return e.applyPayment(ctx, tx, adm.Share, o, adm.Type, adm.Payment, adm.Fee)
}

// PayBooking posts an installment on an open booking and vests the shares
// it pays for.
func (e *Engine) PayBooking(ctx context.Context, orderID, userID string, amount decimal.Decimal) (*model.Order, error) {
	amount = amount.Round(model.MoneyScale)
	if !amount.IsPositive() {
		return nil, model.Invalid(model.RuleDownPayment, "payment must be positive")
	}
	o, keys, err := e.orderLocks(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID != "" && o.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	release, err := e.acquire(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	err = e.inTx(ctx, o.ShareID, func(tx store.Tx) error {
		var err error
		if o, err = tx.LockOrder(ctx, orderID); err != nil {
			return err
		}
		if o.Kind != model.KindBooking || o.Status != model.OrderPending {
			return fmt.Errorf("%s order %s is %s: %w", o.Kind, o.ID, o.Status, model.ErrInvalidState)
		}
		if o.ExpiresAt != nil && !o.ExpiresAt.After(e.now()) {
			return fmt.Errorf("booking %s expired at %s: %w", o.ID, o.ExpiresAt, model.ErrInvalidState)
		}
		if err := e.prices.CheckTradable(ctx, tx, o.ShareID); err != nil {
			return err
		}
		sh, err := tx.GetShare(ctx, o.ShareID)
		if err != nil {
			return err
		}
		at, err := e.accountType(ctx, tx, o.UserID)
		if err != nil {
			return err
		}
		return e.applyPayment(ctx, tx, sh, o, at, amount, e.fees.FeeFor(model.KindBooking, amount))
	})
	if err != nil {
		return nil, err
	}
	slog.Info("booking payment",
		"order", o.ID,
		"amount", amount.String(),
		"cumulative", o.CumulativePayments.String(),
		"percentage", o.PaymentPercentage.String(),
		"vested", o.ProcessedQuantity,
	)
	e.publish(FactOrder, o.ShareID, o.UserID, o)
	return o, nil
}

// applyPayment posts one installment and vests
// floor(quantity × cumulative ÷ gross) shares in total.
func (e *Engine) applyPayment(ctx context.Context, tx store.Tx, sh *model.Share, o *model.Order, at intake.AccountType, amount, fee decimal.Decimal) error {
	gross, err := e.bookingGross(sh, o)
	if err != nil {
		return err
	}
	outstanding := gross.Sub(o.CumulativePayments)
	if amount.GreaterThan(outstanding) {
		return model.Invalid(model.RuleDownPayment, "payment %s exceeds the outstanding %s", amount, outstanding)
	}

	legs := []wallet.Leg{{
		WalletID:  model.WalletID(o.UserID, o.Currency),
		Amount:    amount.Add(fee).Neg(),
		Type:      model.TxBookingPayment,
		FeeAmount: fee,
	}}
	legs = append(legs, e.fees.Legs(e.fees.AllocateProceeds(amount, o.Currency), o.Currency, model.TxProceeds)...)
	legs = append(legs, e.fees.Legs(e.fees.SplitFee(fee, o.Currency), o.Currency, model.TxFeeSplit)...)
	if _, err := e.wallets.PostTx(ctx, tx, wallet.Group{Currency: o.Currency, OrderID: o.ID, Legs: legs}); err != nil {
		return err
	}

	o.CumulativePayments = o.CumulativePayments.Add(amount)
	o.FeeAmount = o.FeeAmount.Add(fee)
	o.PaymentPercentage = o.CumulativePayments.Mul(hundred).Div(gross).Round(2)
	paid := o.CumulativePayments.GreaterThanOrEqual(gross)

	owned := o.Quantity
	if !paid {
		owned = decimal.NewFromInt(o.Quantity).Mul(o.CumulativePayments).Div(gross).Floor().IntPart()
	}
	if inc := owned - o.ProcessedQuantity; inc > 0 {
		if _, err := e.shares.TransferBucket(ctx, tx, shareledger.Move{
			ShareID: o.ShareID, Quantity: inc,
			From: model.BucketReserved, To: model.BucketHeld,
			Price: o.Price, Reason: shareledger.ReasonBookingVest, Reference: o.ID,
		}); err != nil {
			return err
		}
		h, err := e.existingHolding(ctx, tx, o.UserID, o.ShareID)
		if err != nil {
			return err
		}
		h.PendingQuantity -= inc
		settle(h, inc, o.Price)
		vest(h, at)
		if err := e.saveHolding(ctx, tx, h); err != nil {
			return err
		}
		o.ProcessedQuantity += inc
		o.RemainingQuantity -= inc
	}

	before := o.RemainingQuantity
	if paid {
		o.Status = model.OrderCompleted
	}
	o.UpdatedAt = e.now()
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}
	if err := e.record(ctx, tx, o, model.EventPayment, before, "paid "+amount.StringFixed(model.MoneyScale)); err != nil {
		return err
	}
	if paid {
		return e.record(ctx, tx, o, model.EventCompleted, before, "fully paid")
	}
	return nil
}

// bookingGross is the booking's full value in the order currency.
func (e *Engine) bookingGross(sh *model.Share, o *model.Order) (decimal.Decimal, error) {
	gross, err := e.rates.Convert(o.Total(), sh.Currency, o.Currency)
	if err != nil {
		return decimal.Zero, err
	}
	gross = gross.Round(model.MoneyScale)
	if !gross.IsPositive() {
		return decimal.Zero, fmt.Errorf("booking %s has no value: %w", o.ID, model.ErrInvalidState)
	}
	return gross, nil
}

// closeBooking ends an unpaid booking. Unvested shares go back to
// available; vested shares stay with the buyer; installments are kept.
func (e *Engine) closeBooking(ctx context.Context, tx store.Tx, o *model.Order, status model.OrderStatus, ev model.OrderEventType) error {
	unvested := o.RemainingQuantity
	if unvested > 0 {
		if _, err := e.shares.TransferBucket(ctx, tx, shareledger.Move{
			ShareID: o.ShareID, Quantity: unvested,
			From: model.BucketReserved, To: model.BucketAvailable,
			Reason: shareledger.ReasonBookingRelease, Reference: o.ID,
		}); err != nil {
			return err
		}
		h, err := e.existingHolding(ctx, tx, o.UserID, o.ShareID)
		if err != nil {
			return err
		}
		h.PendingQuantity -= unvested
		if err := e.saveHolding(ctx, tx, h); err != nil {
			return err
		}
	}
	o.Status = status
	o.UpdatedAt = e.now()
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}
	return e.record(ctx, tx, o, ev, unvested, fmt.Sprintf("%d unvested shares released", unvested))
}

// ExpireBookings closes every booking past its expiry. It returns the
// number expired; failures of single bookings are joined and do not stop
// the others.
func (e *Engine) ExpireBookings(ctx context.Context) (int, error) {
	due, err := e.store.ListExpiredOrders(ctx, model.KindBooking, e.now())
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, o := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		expired, err := e.expireBooking(ctx, o.ID, o.ShareID)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", o.ID, err))
			continue
		}
		if expired {
			n++
		}
	}
	if n > 0 {
		slog.Info("bookings expired", "count", n)
	}
	return n, errors.Join(errs...)
}

func (e *Engine) expireBooking(ctx context.Context, orderID, shareID string) (bool, error) {
	release, err := e.acquire(ctx, lock.ShareKey(shareID))
	if err != nil {
		return false, err
	}
	defer release()

	var o *model.Order
	err = e.inTx(ctx, shareID, func(tx store.Tx) error {
		var err error
		if o, err = tx.LockOrder(ctx, orderID); err != nil {
			return err
		}
		if o.Status.Terminal() || o.ExpiresAt == nil || o.ExpiresAt.After(e.now()) {
			o = nil
			return nil
		}
		return e.closeBooking(ctx, tx, o, model.OrderExpired, model.EventExpired)
	})
	if err != nil || o == nil {
		return false, err
	}
	slog.Info("booking expired", "order", o.ID, "vested", o.ProcessedQuantity, "released", o.RemainingQuantity)
	e.publish(FactOrder, o.ShareID, o.UserID, o)
	return true, nil
}

// accountType returns the rules of a user's account type.
func (e *Engine) accountType(ctx context.Context, r store.Reader, userID string) (intake.AccountType, error) {
	p := e.validator.Policy()
	a, err := r.GetAccount(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return p.TypeOf(p.DefaultAccountType), nil
	}
	if err != nil {
		return intake.AccountType{}, err
	}
	return p.TypeOf(a.AccountType), nil
}
