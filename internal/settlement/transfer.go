package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/minevest/share-engine/internal/intake"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/shareledger"
	"github.com/minevest/share-engine/internal/store"
	"github.com/minevest/share-engine/internal/wallet"
)

// openTransfer escrows the quantity on the sender's holding, then either
// parks the order for approval or moves the shares at once.
func (e *Engine) openTransfer(ctx context.Context, tx store.Tx, adm *intake.Admission) error {
	o := adm.Order
	h, err := e.existingHolding(ctx, tx, o.UserID, o.ShareID)
	if err != nil {
		return err
	}
	h.ReservedForSale += o.Quantity
	if err := e.saveHolding(ctx, tx, h); err != nil {
		return err
	}

	if adm.NeedsApproval {
		o.Status = model.OrderAwaitingApproval
	}
	if err := tx.InsertOrder(ctx, o); err != nil {
		return err
	}
	if adm.NeedsApproval {
		return e.record(ctx, tx, o, model.EventAdmitted, 0, "awaiting approval")
	}
	if err := e.record(ctx, tx, o, model.EventAdmitted, 0, ""); err != nil {
		return err
	}
	return e.executeTransfer(ctx, tx, o)
}

// executeTransfer moves an escrowed quantity from sender to recipient and
// charges the fee. Share buckets do not change: the shares stay held.
func (e *Engine) executeTransfer(ctx context.Context, tx store.Tx, o *model.Order) error {
	if o.FeeAmount.IsPositive() {
		legs := []wallet.Leg{{
			WalletID:  model.WalletID(o.UserID, o.Currency),
			Amount:    o.FeeAmount.Neg(),
			Type:      model.TxFee,
			FeeAmount: o.FeeAmount,
		}}
		legs = append(legs, e.fees.Legs(e.fees.SplitFee(o.FeeAmount, o.Currency), o.Currency, model.TxFeeSplit)...)
		if _, err := e.wallets.PostTx(ctx, tx, wallet.Group{Currency: o.Currency, OrderID: o.ID, Legs: legs}); err != nil {
			return err
		}
	}

	from, err := e.existingHolding(ctx, tx, o.UserID, o.ShareID)
	if err != nil {
		return err
	}
	if from.ReservedForSale < o.Quantity || from.Quantity < o.Quantity {
		return fmt.Errorf("transfer %s: sender holds %d (%d escrowed), needs %d: %w",
			o.ID, from.Quantity, from.ReservedForSale, o.Quantity, model.ErrInsufficientShares)
	}
	cost := from.AverageCost
	from.Quantity -= o.Quantity
	from.ReservedForSale -= o.Quantity
	if err := e.saveHolding(ctx, tx, from); err != nil {
		return err
	}

	at, err := e.accountType(ctx, tx, o.RecipientID)
	if err != nil {
		return err
	}
	to, err := e.holdingFor(ctx, tx, o.RecipientID, o.ShareID, settledStatus(at))
	if err != nil {
		return err
	}
	settle(to, o.Quantity, cost)
	vest(to, at)
	if err := e.saveHolding(ctx, tx, to); err != nil {
		return err
	}

	o.RemainingQuantity = 0
	o.ProcessedQuantity = o.Quantity
	o.Status = model.OrderCompleted
	o.UpdatedAt = e.now()
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}
	return e.record(ctx, tx, o, model.EventCompleted, o.Quantity, "transferred to "+o.RecipientID)
}

// closeTransfer ends a transfer awaiting approval and returns the escrow.
func (e *Engine) closeTransfer(ctx context.Context, tx store.Tx, o *model.Order, status model.OrderStatus, ev model.OrderEventType, note string) error {
	if o.Status != model.OrderAwaitingApproval {
		return fmt.Errorf("transfer %s is %s: %w", o.ID, o.Status, model.ErrInvalidState)
	}
	if err := e.releaseEscrow(ctx, tx, o, o.Quantity); err != nil {
		return err
	}
	o.Status = status
	o.UpdatedAt = e.now()
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}
	return e.record(ctx, tx, o, ev, o.Quantity, note)
}

// ApproveTransfer carries out a transfer awaiting approval.
func (e *Engine) ApproveTransfer(ctx context.Context, orderID, approver string) (*model.Order, error) {
	o, keys, err := e.orderLocks(ctx, orderID)
	if err != nil {
		return nil, err
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
		if o.Kind != model.KindTransfer || o.Status != model.OrderAwaitingApproval {
			return fmt.Errorf("%s order %s is %s: %w", o.Kind, o.ID, o.Status, model.ErrInvalidState)
		}
		sh, err := tx.LockShare(ctx, o.ShareID)
		if err != nil {
			return err
		}
		if err := shareledger.CheckFrozen(sh); err != nil {
			return err
		}
		if err := e.prices.CheckTradable(ctx, tx, o.ShareID); err != nil {
			return err
		}
		if err := e.record(ctx, tx, o, model.EventApproved, o.Quantity, "approved by "+approver); err != nil {
			return err
		}
		return e.executeTransfer(ctx, tx, o)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("transfer approved", "order", o.ID, "from", o.UserID, "to", o.RecipientID, "quantity", o.Quantity, "approver", approver)
	e.publish(FactOrder, o.ShareID, o.UserID, o)
	return o, nil
}

// RejectTransfer refuses a transfer awaiting approval.
func (e *Engine) RejectTransfer(ctx context.Context, orderID, reason string) (*model.Order, error) {
	o, keys, err := e.orderLocks(ctx, orderID)
	if err != nil {
		return nil, err
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
		if o.Kind != model.KindTransfer {
			return fmt.Errorf("%s order %s: %w", o.Kind, o.ID, model.ErrInvalidState)
		}
		return e.closeTransfer(ctx, tx, o, model.OrderRejected, model.EventRejected, reason)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("transfer rejected", "order", o.ID, "reason", reason)
	e.publish(FactOrder, o.ShareID, o.UserID, o)
	return o, nil
}
