package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/intake"
	"github.com/minevest/share-engine/internal/lock"
	"github.com/minevest/share-engine/internal/metrics"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/shareledger"
	"github.com/minevest/share-engine/internal/store"
	"github.com/minevest/share-engine/internal/wallet"
)

// SubmitOrder validates and admits an order. Buys settle immediately,
// bookings reserve their shares and take the first installment, sells and
// buybacks join the share's FIFO queue, and transfers either move at once
// or wait for approval. Validation runs under the same locks and
// transaction as the settlement it admits.
func (e *Engine) SubmitOrder(ctx context.Context, req intake.Request) (*model.Order, error) {
	start := time.Now()
	defer metrics.ObserveSince(string(req.Kind), start)

	sh, err := e.store.GetShare(ctx, req.ShareID)
	if err != nil {
		// Report the first violated rule when the request is malformed.
		if _, verr := e.validator.Validate(ctx, e.store, req); verr != nil {
			err = verr
		}
		e.countRejection(req, err)
		return nil, err
	}
	cur := strings.ToUpper(req.Currency)
	if cur == "" {
		cur = sh.Currency
	}

	keys := []string{lock.ShareKey(req.ShareID)}
	if !req.Kind.Queued() && req.UserID != "" {
		keys = append(keys, walletKeys(req.UserID, cur)...)
	}
	release, err := e.acquire(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	var order *model.Order
	err = e.inTx(ctx, req.ShareID, func(tx store.Tx) error {
		adm, err := e.validator.Validate(ctx, tx, req)
		if err != nil {
			return err
		}
		switch adm.Order.Kind {
		case model.KindBuy:
			err = e.settleBuy(ctx, tx, adm)
		case model.KindBooking:
			err = e.openBooking(ctx, tx, adm)
		case model.KindSell, model.KindBuyback:
			err = e.enqueue(ctx, tx, adm)
		case model.KindTransfer:
			err = e.openTransfer(ctx, tx, adm)
		}
		order = adm.Order
		return err
	})
	if err != nil {
		e.countRejection(req, err)
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(order.Kind), "admitted").Inc()
	if order.ProcessedQuantity > 0 {
		metrics.SharesSettled.WithLabelValues(order.ShareID, string(order.Kind)).Add(float64(order.ProcessedQuantity))
	}
	slog.Info("order admitted",
		"order", order.ID,
		"kind", order.Kind,
		"user", order.UserID,
		"share", order.ShareID,
		"quantity", order.Quantity,
		"price", order.Price.String(),
		"status", order.Status,
		"fifo_position", order.FIFOPosition,
	)
	e.publish(FactOrder, order.ShareID, order.UserID, order)
	return order, nil
}

func (e *Engine) countRejection(req intake.Request, err error) {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		metrics.ValidationRejections.WithLabelValues(ve.Rule).Inc()
		metrics.OrdersTotal.WithLabelValues(string(req.Kind), "rejected").Inc()
		slog.Info("order rejected", "request", req.String(), "rule", ve.Rule, "reason", ve.Reason)
		return
	}
	metrics.OrdersTotal.WithLabelValues(string(req.Kind), "failed").Inc()
	slog.Warn("order failed", "request", req.String(), "error", err)
}

// settleBuy moves shares from available to the buyer and posts the buyer
// debit, the proceeds allocation and the fee split as one group.
func (e *Engine) settleBuy(ctx context.Context, tx store.Tx, adm *intake.Admission) error {
	o := adm.Order
	legs := []wallet.Leg{{
		WalletID:  model.WalletID(o.UserID, o.Currency),
		Amount:    adm.Gross.Add(adm.Fee).Neg(),
		Type:      model.TxPurchase,
		FeeAmount: adm.Fee,
	}}
	legs = append(legs, e.fees.Legs(e.fees.AllocateProceeds(adm.Gross, o.Currency), o.Currency, model.TxProceeds)...)
	legs = append(legs, e.fees.Legs(e.fees.SplitFee(adm.Fee, o.Currency), o.Currency, model.TxFeeSplit)...)
	if _, err := e.wallets.PostTx(ctx, tx, wallet.Group{Currency: o.Currency, OrderID: o.ID, Legs: legs}); err != nil {
		return err
	}

	if _, err := e.shares.TransferBucket(ctx, tx, shareledger.Move{
		ShareID: o.ShareID, Quantity: o.Quantity,
		From: model.BucketAvailable, To: model.BucketHeld,
		Price: o.Price, Reason: shareledger.ReasonBuy, Reference: o.ID,
	}); err != nil {
		return err
	}

	h, err := e.holdingFor(ctx, tx, o.UserID, o.ShareID, settledStatus(adm.Type))
	if err != nil {
		return err
	}
	settle(h, o.Quantity, o.Price)
	vest(h, adm.Type)
	if err := e.saveHolding(ctx, tx, h); err != nil {
		return err
	}

	o.RemainingQuantity = 0
	o.ProcessedQuantity = o.Quantity
	o.Status = model.OrderCompleted
	if err := tx.InsertOrder(ctx, o); err != nil {
		return err
	}
	if err := e.record(ctx, tx, o, model.EventAdmitted, 0, ""); err != nil {
		return err
	}
	return e.record(ctx, tx, o, model.EventCompleted, o.Quantity, "settled at admission")
}

// enqueue escrows the sold quantity on the holding and assigns the order
// the next FIFO position of its share.
func (e *Engine) enqueue(ctx context.Context, tx store.Tx, adm *intake.Admission) error {
	o := adm.Order
	if o.Currency != adm.Share.Currency {
		return model.Invalid(model.RuleCurrency, "%s orders settle in %s", o.Kind, adm.Share.Currency)
	}
	h, err := e.existingHolding(ctx, tx, o.UserID, o.ShareID)
	if err != nil {
		return err
	}
	h.ReservedForSale += o.Quantity
	if err := e.saveHolding(ctx, tx, h); err != nil {
		return err
	}

	// Fees accrue per fill.
	o.FeeAmount = decimal.Zero
	if err := e.queue.Enqueue(ctx, tx, o); err != nil {
		return err
	}
	if err := tx.InsertOrder(ctx, o); err != nil {
		return err
	}
	return e.record(ctx, tx, o, model.EventAdmitted, o.Quantity, "")
}

// record writes an audit event for o. oldQty is the quantity before the
// change; for admission it is zero.
func (e *Engine) record(ctx context.Context, tx store.Tx, o *model.Order, typ model.OrderEventType, oldQty int64, note string) error {
	return e.queue.Record(ctx, tx, &model.OrderEvent{
		OrderID:         o.ID,
		Type:            typ,
		OldQuantity:     oldQty,
		NewQuantity:     o.RemainingQuantity,
		OldFIFOPosition: o.FIFOPosition,
		NewFIFOPosition: o.FIFOPosition,
		Note:            note,
	})
}

// orderLocks resolves an order's share and returns the lock keys an
// operation on it needs.
func (e *Engine) orderLocks(ctx context.Context, orderID string) (*model.Order, []string, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	keys := []string{lock.ShareKey(o.ShareID)}
	if !o.Kind.Queued() {
		keys = append(keys, walletKeys(o.UserID, o.Currency)...)
	}
	return o, keys, nil
}

// CancelOrder cancels an open order. Queued orders leave the queue without
// renumbering others and release their escrowed quantity; bookings return
// unvested shares to available; transfers awaiting approval release their
// escrow.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) (*model.Order, error) {
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
		if o.Status.Terminal() {
			return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, model.ErrInvalidState)
		}
		switch o.Kind {
		case model.KindSell, model.KindBuyback:
			if err := e.releaseEscrow(ctx, tx, o, o.RemainingQuantity); err != nil {
				return err
			}
			return e.queue.Remove(ctx, tx, o, model.OrderCancelled, model.EventCancelled, "cancelled by user")
		case model.KindBooking:
			return e.closeBooking(ctx, tx, o, model.OrderCancelled, model.EventCancelled)
		case model.KindTransfer:
			return e.closeTransfer(ctx, tx, o, model.OrderCancelled, model.EventCancelled, "cancelled by user")
		}
		return fmt.Errorf("%s order %s cannot be cancelled: %w", o.Kind, o.ID, model.ErrInvalidState)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("order cancelled", "order", o.ID, "kind", o.Kind, "remaining", o.RemainingQuantity)
	e.publish(FactOrder, o.ShareID, o.UserID, o)
	return o, nil
}

// releaseEscrow returns qty of a queued order's escrow to the seller.
func (e *Engine) releaseEscrow(ctx context.Context, tx store.Tx, o *model.Order, qty int64) error {
	if qty == 0 {
		return nil
	}
	h, err := e.existingHolding(ctx, tx, o.UserID, o.ShareID)
	if err != nil {
		return err
	}
	h.ReservedForSale -= qty
	return e.saveHolding(ctx, tx, h)
}

// ModifyOrder changes the quantity of a queued sell or buyback order. An
// increase moves the order to the back of the queue; a decrease keeps its
// position. Both are logged with the old and new values.
func (e *Engine) ModifyOrder(ctx context.Context, orderID, userID string, quantity int64) (*model.Order, error) {
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
		if !o.Kind.Queued() || (o.Status != model.OrderQueued && o.Status != model.OrderProcessing) {
			return fmt.Errorf("%s order %s is %s: %w", o.Kind, o.ID, o.Status, model.ErrInvalidState)
		}
		if err := e.validator.CheckModify(ctx, tx, o, quantity); err != nil {
			return err
		}
		delta := quantity - o.Quantity
		if delta == 0 {
			return nil
		}

		h, err := e.existingHolding(ctx, tx, o.UserID, o.ShareID)
		if err != nil {
			return err
		}
		h.ReservedForSale += delta
		if err := e.saveHolding(ctx, tx, h); err != nil {
			return err
		}

		oldQty := o.Quantity
		o.Quantity = quantity
		o.RemainingQuantity += delta
		o.UpdatedAt = e.now()
		if o.RemainingQuantity == 0 {
			o.Status = model.OrderCompleted
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		if err := e.queue.Record(ctx, tx, &model.OrderEvent{
			OrderID:         o.ID,
			Type:            model.EventModified,
			OldQuantity:     oldQty,
			NewQuantity:     quantity,
			OldFIFOPosition: o.FIFOPosition,
			NewFIFOPosition: o.FIFOPosition,
			Note:            "quantity changed",
		}); err != nil {
			return err
		}
		if o.Status == model.OrderCompleted {
			return e.record(ctx, tx, o, model.EventCompleted, oldQty, "reduced to the filled quantity")
		}
		if delta > 0 {
			return e.queue.Requeue(ctx, tx, o, "quantity increased")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("order modified", "order", o.ID, "quantity", o.Quantity, "fifo_position", o.FIFOPosition)
	e.publish(FactOrder, o.ShareID, o.UserID, o)
	return o, nil
}
