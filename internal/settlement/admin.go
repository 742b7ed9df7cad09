package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/lock"
	"github.com/minevest/share-engine/internal/metrics"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/shareledger"
	"github.com/minevest/share-engine/internal/store"
	"github.com/minevest/share-engine/internal/wallet"
)

// CreateShare issues a share class with its opening price and seeds the
// fund allocation rows of its currency.
func (e *Engine) CreateShare(ctx context.Context, id, name, currency string, total int64, price decimal.Decimal) (*model.Share, error) {
	if id == "" || currency == "" {
		return nil, model.Invalid(model.RuleKind, "share id and currency are required")
	}
	currency = strings.ToUpper(currency)
	release, err := e.acquire(ctx, lock.ShareKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	var sh *model.Share
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if sh, err = e.shares.Create(ctx, tx, id, name, currency, total); err != nil {
			return err
		}
		_, err = e.prices.SetInitialPrice(ctx, tx, id, price)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := e.fees.Seed(ctx, e.store, currency); err != nil {
		return nil, err
	}
	slog.Info("share issued", "share", id, "total", total, "price", price.String(), "currency", currency)
	return sh, nil
}

// SaveAccount records a user's account type and trust flag.
func (e *Engine) SaveAccount(ctx context.Context, a model.Account) error {
	if a.UserID == "" {
		return model.Invalid(model.RuleKind, "user_id is required")
	}
	return e.store.InTx(ctx, func(tx store.Tx) error { return tx.SaveAccount(ctx, &a) })
}

// Deposit credits a user wallet from outside the system.
func (e *Engine) Deposit(ctx context.Context, userID, currency string, amount decimal.Decimal) (string, error) {
	corr, err := e.wallets.Deposit(ctx, userID, strings.ToUpper(currency), amount.Round(model.MoneyScale))
	if err != nil {
		return "", err
	}
	slog.Info("deposit", "user", userID, "currency", currency, "amount", amount.String(), "correlation", corr)
	e.publish(FactWallet, "", userID, map[string]any{"correlation_id": corr, "type": model.TxDeposit, "amount": amount})
	return corr, nil
}

// Withdraw debits a user wallet to outside the system.
func (e *Engine) Withdraw(ctx context.Context, userID, currency string, amount decimal.Decimal) (string, error) {
	corr, err := e.wallets.Withdraw(ctx, userID, strings.ToUpper(currency), amount.Round(model.MoneyScale))
	if err != nil {
		return "", err
	}
	slog.Info("withdrawal", "user", userID, "currency", currency, "amount", amount.String(), "correlation", corr)
	e.publish(FactWallet, "", userID, map[string]any{"correlation_id": corr, "type": model.TxWithdrawal, "amount": amount})
	return corr, nil
}

// TopUpFund credits a company fund from outside the system, typically the
// buyback fund ahead of a sell batch.
func (e *Engine) TopUpFund(ctx context.Context, fund model.Fund, currency string, amount decimal.Decimal) (string, error) {
	amount = amount.Round(model.MoneyScale)
	if !amount.IsPositive() {
		return "", model.Invalid(model.RuleBalance, "top-up must be positive")
	}
	currency = strings.ToUpper(currency)
	corr, _, err := e.wallets.Post(ctx, wallet.Group{
		Currency: currency,
		Legs: []wallet.Leg{
			{WalletID: model.ExternalWalletID(currency), Amount: amount.Neg(), Type: model.TxDeposit},
			{WalletID: model.FundWalletID(fund, currency), Amount: amount, Type: model.TxDeposit},
		},
	})
	if err != nil {
		return "", err
	}
	slog.Info("fund topped up", "fund", fund, "currency", currency, "amount", amount.String())
	e.publish(FactFund, "", "", map[string]any{"fund": fund, "currency": currency, "amount": amount})
	return corr, nil
}

// RecomputePrice runs the price controller and publishes the result. A
// circuit-breaker trip is published as a market fact.
func (e *Engine) RecomputePrice(ctx context.Context, shareID, method string, f model.PriceFactors) (*model.PriceSnapshot, error) {
	snap, err := e.prices.ComputePrice(ctx, shareID, method, f)
	if errors.Is(err, model.ErrMarketHalted) {
		metrics.SetHalted(shareID, true)
		if ms, merr := e.prices.MarketState(ctx, shareID); merr == nil {
			e.publish(FactMarket, shareID, "", ms)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	e.publish(FactPrice, shareID, "", snap)
	return snap, nil
}

// SetMarketState halts or resumes trading for a share or globally.
func (e *Engine) SetMarketState(ctx context.Context, scope string, halted bool, reason string) (*model.MarketControlState, error) {
	if scope == "" {
		scope = model.GlobalScope
	}
	ms, err := e.prices.SetMarketState(ctx, scope, halted, reason)
	if err != nil {
		return nil, err
	}
	metrics.SetHalted(scope, halted)
	e.publish(FactMarket, scope, "", ms)
	return ms, nil
}

// SetCircuitBreaker sets the circuit-breaker threshold of a share.
func (e *Engine) SetCircuitBreaker(ctx context.Context, shareID string, pct decimal.Decimal) (*model.MarketControlState, error) {
	if _, err := e.store.GetShare(ctx, shareID); err != nil {
		return nil, err
	}
	ms, err := e.prices.SetCircuitBreaker(ctx, shareID, pct)
	if err != nil {
		return nil, err
	}
	e.publish(FactMarket, shareID, "", ms)
	return ms, nil
}

// WalletView is a balance as served to clients.
type WalletView struct {
	WalletID string          `json:"wallet_id"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Cached   decimal.Decimal `json:"cached_balance"`
}

// GetWalletBalance returns the authoritative balance next to the cached one.
func (e *Engine) GetWalletBalance(ctx context.Context, userID, currency string) (*WalletView, error) {
	id := model.WalletID(userID, currency)
	bal, err := e.wallets.Balance(ctx, id)
	if err != nil {
		return nil, err
	}
	cached, err := e.wallets.CachedBalance(ctx, id)
	if err != nil {
		return nil, err
	}
	return &WalletView{WalletID: id, Currency: strings.ToUpper(currency), Balance: bal, Cached: cached}, nil
}

// GetHolding returns a user's holding in a share.
func (e *Engine) GetHolding(ctx context.Context, userID, shareID string) (*model.UserHolding, error) {
	return e.store.GetHolding(ctx, userID, shareID)
}

// ListHoldings returns every holding of a user.
func (e *Engine) ListHoldings(ctx context.Context, userID string) ([]model.UserHolding, error) {
	return e.store.ListHoldingsByUser(ctx, userID)
}

// GetCurrentPrice returns the latest price snapshot of a share.
func (e *Engine) GetCurrentPrice(ctx context.Context, shareID string) (*model.PriceSnapshot, error) {
	return e.prices.CurrentPrice(ctx, shareID)
}

// PriceHistory returns recent snapshots, newest first.
func (e *Engine) PriceHistory(ctx context.Context, shareID string, limit int) ([]model.PriceSnapshot, error) {
	return e.prices.History(ctx, shareID, limit)
}

// MarketState returns the halt state of a scope.
func (e *Engine) MarketState(ctx context.Context, scope string) (*model.MarketControlState, error) {
	return e.prices.MarketState(ctx, scope)
}

func (e *Engine) GetShare(ctx context.Context, id string) (*model.Share, error) {
	return e.store.GetShare(ctx, id)
}

func (e *Engine) ListShares(ctx context.Context) ([]model.Share, error) {
	return e.store.ListShares(ctx)
}

func (e *Engine) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return e.store.GetOrder(ctx, id)
}

func (e *Engine) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return e.store.ListOrdersByUser(ctx, userID)
}

func (e *Engine) OrderEvents(ctx context.Context, orderID string) ([]model.OrderEvent, error) {
	return e.store.ListOrderEvents(ctx, orderID)
}

// QueuedOrders returns the open sell queue of a share in FIFO order.
func (e *Engine) QueuedOrders(ctx context.Context, shareID string, limit int) ([]model.Order, error) {
	return e.queue.Head(ctx, e.store, shareID, limit)
}

func (e *Engine) Funds(ctx context.Context) ([]model.FundAllocation, error) {
	return e.store.ListFunds(ctx)
}

func (e *Engine) Batches(ctx context.Context, shareID string) ([]model.SettlementBatch, error) {
	return e.store.ListBatches(ctx, shareID)
}

func (e *Engine) Transactions(ctx context.Context, walletID string) ([]model.WalletTransaction, error) {
	return e.wallets.Transactions(ctx, walletID)
}

// ReconcileBalances recomputes every cached wallet balance from the log
// and corrects drift.
func (e *Engine) ReconcileBalances(ctx context.Context) ([]wallet.Drift, error) {
	drifts, err := e.wallets.Reconcile(ctx)
	if len(drifts) > 0 {
		metrics.ReconciliationDrift.WithLabelValues("wallet").Add(float64(len(drifts)))
	}
	return drifts, err
}

// ShareDrift is a share bucket that disagreed with the holdings.
type ShareDrift struct {
	ShareID  string       `json:"share_id"`
	Bucket   model.Bucket `json:"bucket"`
	Recorded int64        `json:"recorded"`
	Actual   int64        `json:"actual"`
}

// ReconcileShares checks each share's held and reserved buckets against
// the holdings that back them and corrects drift. Available absorbs the
// difference; a correction that cannot conserve the total freezes the
// share.
func (e *Engine) ReconcileShares(ctx context.Context) ([]ShareDrift, error) {
	shares, err := e.store.ListShares(ctx)
	if err != nil {
		return nil, err
	}
	var (
		drifts []ShareDrift
		errs   []error
	)
	for _, s := range shares {
		if s.Frozen {
			continue
		}
		d, err := e.reconcileShare(ctx, s.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", s.ID, err))
			continue
		}
		drifts = append(drifts, d...)
	}
	if len(drifts) > 0 {
		metrics.ReconciliationDrift.WithLabelValues("share").Add(float64(len(drifts)))
	}
	return drifts, errors.Join(errs...)
}

func (e *Engine) reconcileShare(ctx context.Context, shareID string) ([]ShareDrift, error) {
	release, err := e.acquire(ctx, lock.ShareKey(shareID))
	if err != nil {
		return nil, err
	}
	defer release()

	var drifts []ShareDrift
	err = e.inTx(ctx, shareID, func(tx store.Tx) error {
		sh, err := tx.LockShare(ctx, shareID)
		if err != nil {
			return err
		}
		holdings, err := tx.ListHoldingsByShare(ctx, shareID)
		if err != nil {
			return err
		}
		var held, pending int64
		for _, h := range holdings {
			held += h.Quantity
			pending += h.PendingQuantity
		}
		if held == sh.Held && pending == sh.Reserved {
			return nil
		}
		if held != sh.Held {
			drifts = append(drifts, ShareDrift{ShareID: shareID, Bucket: model.BucketHeld, Recorded: sh.Held, Actual: held})
		}
		if pending != sh.Reserved {
			drifts = append(drifts, ShareDrift{ShareID: shareID, Bucket: model.BucketReserved, Recorded: sh.Reserved, Actual: pending})
		}
		available := sh.Total - held - pending - sh.BoughtBack
		if available < 0 {
			return fmt.Errorf("share %s: holdings exceed the total by %d: %w", shareID, -available, model.ErrFatalInvariant)
		}
		for _, d := range drifts {
			slog.Warn("share bucket drift",
				"share", shareID,
				"bucket", d.Bucket,
				"recorded", d.Recorded,
				"actual", d.Actual,
				"error", model.ErrReconciliationDrift,
			)
		}
		_, err = e.shares.Correct(ctx, tx, shareID, map[model.Bucket]int64{
			model.BucketHeld:      held,
			model.BucketReserved:  pending,
			model.BucketAvailable: available,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return drifts, nil
}

// ReleaseHolding lifts the lock-up of a holding created locked.
func (e *Engine) ReleaseHolding(ctx context.Context, userID, shareID string) (*model.UserHolding, error) {
	release, err := e.acquire(ctx, lock.ShareKey(shareID))
	if err != nil {
		return nil, err
	}
	defer release()

	var h *model.UserHolding
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if h, err = tx.LockHolding(ctx, userID, shareID); err != nil {
			return err
		}
		if h.Status != model.HoldingLocked {
			return fmt.Errorf("holding %s/%s is %s: %w", userID, shareID, h.Status, model.ErrInvalidState)
		}
		h.Status = model.HoldingReleased
		return e.saveHolding(ctx, tx, h)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("holding released", "user", userID, "share", shareID, "quantity", h.Quantity)
	e.publish(FactOrder, shareID, userID, h)
	return h, nil
}

// ReleaseBoughtBack returns bought-back shares to available for resale.
func (e *Engine) ReleaseBoughtBack(ctx context.Context, shareID string, qty int64) (*model.Share, error) {
	release, err := e.acquire(ctx, lock.ShareKey(shareID))
	if err != nil {
		return nil, err
	}
	defer release()

	var sh *model.Share
	err = e.inTx(ctx, shareID, func(tx store.Tx) error {
		var err error
		sh, err = e.shares.TransferBucket(ctx, tx, shareledger.Move{
			ShareID: shareID, Quantity: qty,
			From: model.BucketBoughtBack, To: model.BucketAvailable,
			Reason: shareledger.ReasonBoughtBackRelease, Reference: shareID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("bought-back shares released", "share", shareID, "quantity", qty)
	return sh, nil
}

// AdjustShares issues (delta > 0) or retires (delta < 0) shares through the
// available bucket, changing the share's total.
func (e *Engine) AdjustShares(ctx context.Context, shareID string, delta int64, note string) (*model.Share, error) {
	release, err := e.acquire(ctx, lock.ShareKey(shareID))
	if err != nil {
		return nil, err
	}
	defer release()

	reason := shareledger.ReasonIssue
	if delta < 0 {
		reason = shareledger.ReasonRetire
	}
	var sh *model.Share
	err = e.inTx(ctx, shareID, func(tx store.Tx) error {
		var err error
		sh, err = e.shares.Adjust(ctx, tx, shareID, delta, model.BucketAvailable, reason, note)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("share supply adjusted", "share", shareID, "delta", delta, "total", sh.Total, "note", note)
	return sh, nil
}

// ReverseTransaction reverses a wallet group that belongs to no order:
// a deposit, withdrawal or fund top-up. Order groups are undone through
// the order (cancel, reject) so shares and money stay in step.
func (e *Engine) ReverseTransaction(ctx context.Context, correlationID, reason string) ([]model.WalletTransaction, error) {
	legs, err := e.store.ListTransactionsByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		return nil, fmt.Errorf("correlation %s: %w", correlationID, model.ErrNotFound)
	}
	for _, t := range legs {
		if t.OrderID != "" {
			return nil, fmt.Errorf("correlation %s belongs to order %s: %w", correlationID, t.OrderID, model.ErrInvalidState)
		}
	}
	if err := e.wallets.Reverse(ctx, correlationID); err != nil {
		return nil, err
	}
	slog.Info("wallet group reversed", "correlation", correlationID, "legs", len(legs), "reason", reason)

	legs, err = e.store.ListTransactionsByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	e.publish(FactWallet, "", "", map[string]any{"correlation_id": correlationID, "status": model.TxReversed, "reason": reason})
	return legs, nil
}

// Unfreeze clears a frozen share once its buckets verify again.
func (e *Engine) Unfreeze(ctx context.Context, shareID string) error {
	release, err := e.acquire(ctx, lock.ShareKey(shareID))
	if err != nil {
		return err
	}
	defer release()
	if err := e.shares.Unfreeze(ctx, e.store, shareID); err != nil {
		return err
	}
	slog.Info("share unfrozen", "share", shareID)
	return nil
}
