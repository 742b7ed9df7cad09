package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/limits"
	"github.com/minevest/share-engine/internal/lock"
	"github.com/minevest/share-engine/internal/metrics"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/shareledger"
	"github.com/minevest/share-engine/internal/store"
	"github.com/minevest/share-engine/internal/wallet"
)

// BatchRequest bounds one sell settlement run. Zero fields fall back to the
// engine configuration or mean unlimited.
type BatchRequest struct {
	ShareID   string          `json:"share_id"`
	MaxOrders int             `json:"max_orders,omitempty"`
	MaxValue  decimal.Decimal `json:"max_value"`
}

// errStop ends a batch without failing it.
var errStop = errors.New("batch stop")

// RunSellSettlementBatch fills queued sell and buyback orders of a share
// in ascending FIFO position at the current price, paying from the buyback
// fund. Each fill is min(remaining, fund ÷ price, volume cap left) and
// commits alone: the fund debit, the seller credit net of fee, the fee
// split, held→bought_back, the order and the batch record. The batch stops
// at the first order it cannot fill completely so no later order is served
// ahead of it. The share lock is held for the whole run; cancellation is
// honoured between fills only. Re-running resumes from each order's
// remaining quantity.
func (e *Engine) RunSellSettlementBatch(ctx context.Context, req BatchRequest) (*model.SettlementBatch, error) {
	start := time.Now()
	defer metrics.ObserveSince("batch", start)

	release, err := e.acquire(ctx, lock.ShareKey(req.ShareID))
	if err != nil {
		return nil, err
	}
	defer release()

	sh, err := e.store.GetShare(ctx, req.ShareID)
	if err != nil {
		return nil, err
	}
	if sh.Frozen {
		return nil, fmt.Errorf("share %s (%s): %w", sh.ID, sh.FrozenReason, shareledger.ErrFrozen)
	}
	if err := e.prices.CheckTradable(ctx, e.store, sh.ID); err != nil {
		return nil, err
	}
	price, err := e.prices.Quote(ctx, e.store, sh.ID)
	if err != nil {
		return nil, err
	}
	fundWallet := model.FundWalletID(model.FundBuyback, sh.Currency)
	fundBefore, err := e.store.WalletBalance(ctx, fundWallet)
	if err != nil {
		return nil, err
	}
	capLeft, err := e.volumeLeft(ctx, sh.ID)
	if err != nil {
		return nil, err
	}

	maxOrders := req.MaxOrders
	if maxOrders <= 0 {
		maxOrders = e.cfg.BatchSize
	}
	batch := &model.SettlementBatch{
		ID:         uuid.New().String(),
		ShareID:    sh.ID,
		Status:     model.BatchRunning,
		Price:      price,
		FundBefore: fundBefore,
		FundAfter:  fundBefore,
		TotalValue: decimal.Zero,
		StartedAt:  e.now(),
	}
	if err := e.store.InTx(ctx, func(tx store.Tx) error { return tx.SaveBatch(ctx, batch) }); err != nil {
		return nil, err
	}

	queued, err := e.store.ListQueuedOrders(ctx, sh.ID, maxOrders)
	if err != nil {
		return nil, e.finishBatch(ctx, batch, sh.Currency, err)
	}

	var runErr error
	for _, q := range queued {
		if ctx.Err() != nil {
			batch.Status = model.BatchCancelled
			break
		}
		valueLeft := decimal.Zero
		if req.MaxValue.IsPositive() {
			valueLeft = req.MaxValue.Sub(batch.TotalValue)
			if !valueLeft.IsPositive() {
				break
			}
		}
		filled, err := e.fill(ctx, batch, sh, q.ID, price, capLeft, valueLeft)
		if errors.Is(err, errStop) {
			break
		}
		if err != nil {
			runErr = err
			break
		}
		capLeft -= filled
	}
	if err := e.finishBatch(ctx, batch, sh.Currency, runErr); err != nil {
		return batch, err
	}
	return batch, nil
}

// volumeLeft is how many shares the volume cap still allows.
func (e *Engine) volumeLeft(ctx context.Context, shareID string) (int64, error) {
	w := e.cfg.VolumeCap
	if w.IsZero() {
		return limits.Unlimited, nil
	}
	usage, err := limits.Measure(ctx, w, e.now(), func(ctx context.Context, since time.Time) (int64, error) {
		return e.store.SumMovements(ctx, shareID, shareledger.ReasonBuybackFill, since)
	})
	if err != nil {
		return 0, err
	}
	return w.Remaining(usage), nil
}

// fill settles one order. It returns errStop when the order could not be
// filled completely, ending the batch.
func (e *Engine) fill(ctx context.Context, batch *model.SettlementBatch, sh *model.Share, orderID string, price decimal.Decimal, capLeft int64, valueLeft decimal.Decimal) (int64, error) {
	cur := sh.Currency
	fundWallet := model.FundWalletID(model.FundBuyback, cur)

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	release, err := e.acquire(ctx, walletKeys(o.UserID, cur)...)
	if err != nil {
		return 0, err
	}
	defer release()

	intent := &Intent{
		ID:       uuid.New().String(),
		BatchID:  batch.ID,
		OrderID:  orderID,
		ShareID:  sh.ID,
		Quantity: o.RemainingQuantity,
		Price:    price,
		Time:     e.now(),
	}
	if err := e.journal.Prepare(intent); err != nil {
		return 0, err
	}

	var (
		qty   int64
		gross decimal.Decimal
		stop  bool
		next  model.SettlementBatch
	)
	err = e.inTx(ctx, sh.ID, func(tx store.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != model.OrderQueued && o.Status != model.OrderProcessing {
			return nil
		}
		if err := e.prices.CheckTradable(ctx, tx, sh.ID); err != nil {
			return err
		}
		fund, err := tx.WalletBalance(ctx, fundWallet)
		if err != nil {
			return err
		}

		qty = o.RemainingQuantity
		if n := fund.Div(price).Floor().IntPart(); n < qty {
			qty = n
		}
		if capLeft < qty {
			qty = capLeft
		}
		if valueLeft.IsPositive() {
			if n := valueLeft.Div(price).Floor().IntPart(); n < qty {
				qty = n
			}
		}
		stop = qty < o.RemainingQuantity
		if qty <= 0 {
			qty = 0
			return nil
		}

		gross = price.Mul(decimal.NewFromInt(qty)).Round(model.MoneyScale)
		fee := e.fees.FeeFor(o.Kind, gross)
		split := e.fees.SplitFeeExcluding(fee, cur, model.FundBuyback)
		legs := []wallet.Leg{
			{WalletID: fundWallet, Amount: gross.Neg(), Type: model.TxBuybackDebit},
			{WalletID: model.WalletID(o.UserID, cur), Amount: gross.Sub(fee), Type: model.TxSaleCredit, FeeAmount: fee},
		}
		legs = append(legs, e.fees.Legs(split, cur, model.TxFeeSplit)...)
		if _, err := e.wallets.PostTx(ctx, tx, wallet.Group{
			CorrelationID: intent.ID,
			Currency:      cur,
			OrderID:       o.ID,
			Legs:          legs,
		}); err != nil {
			return err
		}

		if _, err := e.shares.TransferBucket(ctx, tx, shareledger.Move{
			ShareID: sh.ID, Quantity: qty,
			From: model.BucketHeld, To: model.BucketBoughtBack,
			Price: price, Reason: shareledger.ReasonBuybackFill, Reference: o.ID,
		}); err != nil {
			return err
		}
		h, err := e.existingHolding(ctx, tx, o.UserID, o.ShareID)
		if err != nil {
			return err
		}
		h.Quantity -= qty
		h.ReservedForSale -= qty
		if err := e.saveHolding(ctx, tx, h); err != nil {
			return err
		}

		before := o.RemainingQuantity
		o.RemainingQuantity -= qty
		o.ProcessedQuantity += qty
		o.FeeAmount = o.FeeAmount.Add(fee)
		o.Price = price
		o.Status = model.OrderProcessing
		if o.RemainingQuantity == 0 {
			o.Status = model.OrderCompleted
		}
		o.UpdatedAt = e.now()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		if err := e.record(ctx, tx, o, model.EventFilled, before,
			fmt.Sprintf("filled %d at %s in batch %s", qty, price, batch.ID)); err != nil {
			return err
		}
		if o.Status == model.OrderCompleted {
			if err := e.record(ctx, tx, o, model.EventCompleted, before, ""); err != nil {
				return err
			}
		}

		fundAfter, err := tx.WalletBalance(ctx, fundWallet)
		if err != nil {
			return err
		}
		next = *batch
		next.OrdersTouched++
		next.SharesFilled += qty
		next.TotalValue = next.TotalValue.Add(gross)
		next.FundAfter = fundAfter
		return tx.SaveBatch(ctx, &next)
	})
	if err != nil {
		if jerr := e.journal.MarkFailed(intent, err); jerr != nil {
			slog.Error("journal write failed", "intent", intent.ID, "error", jerr)
		}
		return 0, err
	}
	if qty > 0 {
		*batch = next
	}
	intent.Quantity = qty
	if err := e.journal.MarkDone(intent); err != nil {
		slog.Error("journal write failed", "intent", intent.ID, "error", err)
	}

	if qty > 0 {
		metrics.SharesSettled.WithLabelValues(sh.ID, string(o.Kind)).Add(float64(qty))
		slog.Info("sell order filled",
			"batch", batch.ID,
			"order", orderID,
			"user", o.UserID,
			"quantity", qty,
			"price", price.String(),
			"gross", gross.String(),
		)
		e.publish(FactFill, sh.ID, o.UserID, map[string]any{
			"batch_id": batch.ID,
			"order_id": orderID,
			"quantity": qty,
			"price":    price,
			"gross":    gross,
		})
	}
	if stop {
		return qty, errStop
	}
	return qty, nil
}

// finishBatch writes the final batch record.
func (e *Engine) finishBatch(ctx context.Context, batch *model.SettlementBatch, currency string, runErr error) error {
	switch {
	case runErr != nil:
		batch.Status = model.BatchFailed
		batch.Error = runErr.Error()
	case batch.Status == model.BatchRunning:
		batch.Status = model.BatchCompleted
	}
	finished := e.now()
	batch.FinishedAt = &finished

	// The run may have been cancelled; the record is written regardless.
	wctx := context.WithoutCancel(ctx)
	err := e.store.InTx(wctx, func(tx store.Tx) error {
		fund, err := tx.WalletBalance(wctx, model.FundWalletID(model.FundBuyback, currency))
		if err != nil {
			return err
		}
		batch.FundAfter = fund
		return tx.SaveBatch(wctx, batch)
	})
	if err != nil {
		slog.Error("batch record failed", "batch", batch.ID, "error", err)
	}

	metrics.BatchesTotal.WithLabelValues(string(batch.Status)).Inc()
	slog.Info("sell batch finished",
		"batch", batch.ID,
		"share", batch.ShareID,
		"status", batch.Status,
		"orders", batch.OrdersTouched,
		"shares", batch.SharesFilled,
		"value", batch.TotalValue.String(),
		"fund_before", batch.FundBefore.String(),
		"fund_after", batch.FundAfter.String(),
	)
	e.publish(FactBatch, batch.ShareID, "", batch)
	if runErr != nil {
		return runErr
	}
	return err
}

// Recover resolves fill intents left pending by a crash: an intent whose
// wallet group committed is marked done, any other as failed. Batches
// still marked running are closed as failed. Orders need no repair since a
// fill commits atomically with its order update.
func (e *Engine) Recover(ctx context.Context) error {
	for _, intent := range e.journal.Pending() {
		legs, err := e.store.ListTransactionsByCorrelation(ctx, intent.ID)
		if err != nil {
			return err
		}
		if len(legs) > 0 {
			err = e.journal.MarkDone(intent)
		} else {
			err = e.journal.MarkFailed(intent, errors.New("not applied before restart"))
		}
		if err != nil {
			return err
		}
		slog.Info("fill intent recovered", "intent", intent.ID, "order", intent.OrderID, "applied", len(legs) > 0)
	}

	shares, err := e.store.ListShares(ctx)
	if err != nil {
		return err
	}
	for _, sh := range shares {
		batches, err := e.store.ListBatches(ctx, sh.ID)
		if err != nil {
			return err
		}
		for i := range batches {
			b := &batches[i]
			if b.Status != model.BatchRunning {
				continue
			}
			b.Status = model.BatchFailed
			b.Error = "interrupted"
			finished := e.now()
			b.FinishedAt = &finished
			if err := e.store.InTx(ctx, func(tx store.Tx) error { return tx.SaveBatch(ctx, b) }); err != nil {
				return err
			}
			slog.Warn("interrupted batch closed", "batch", b.ID, "share", b.ShareID)
		}
	}
	return nil
}
