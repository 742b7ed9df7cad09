// Package wallet implements the append-only wallet ledger. A wallet's
// balance is the sum of its completed transactions; the balances table is
// a cache that is reconciled against the log and never used for decisions.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/lock"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/store"
)

var (
	// ErrEmptyGroup is returned for a post without legs.
	ErrEmptyGroup = errors.New("wallet: post has no legs")

	// ErrUnbalanced is returned when the legs of a group do not sum to zero.
	ErrUnbalanced = errors.New("wallet: legs do not sum to zero")
)

// Leg is one debit (negative) or credit (positive) of a multi-leg post.
type Leg struct {
	WalletID  string
	Amount    decimal.Decimal
	Type      model.TxType
	FeeAmount decimal.Decimal
}

// Group is a multi-leg post: every leg commits or none does.
type Group struct {
	CorrelationID string // generated when empty
	Currency      string
	OrderID       string
	Legs          []Leg
}

// WalletIDs returns the distinct wallets touched by the group.
func (g Group) WalletIDs() []string {
	seen := make(map[string]bool, len(g.Legs))
	var ids []string
	for _, l := range g.Legs {
		if !seen[l.WalletID] {
			seen[l.WalletID] = true
			ids = append(ids, l.WalletID)
		}
	}
	sort.Strings(ids)
	return ids
}

// LockKeys returns the lock keys for every wallet of the group.
func (g Group) LockKeys() []string {
	ids := g.WalletIDs()
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = lock.WalletKey(id)
	}
	return keys
}

// Hook runs inside the posting transaction after the legs are written.
type Hook func(ctx context.Context, tx store.Tx, posted []model.WalletTransaction) error

// Drift is a cached balance that disagreed with the transaction log.
type Drift struct {
	WalletID string          `json:"wallet_id"`
	Cached   decimal.Decimal `json:"cached"`
	Actual   decimal.Decimal `json:"actual"`
}

// Ledger posts wallet transactions and derives balances.
type Ledger struct {
	store store.Store
	locks *lock.Manager
	hooks []Hook
	now   func() time.Time
}

// NewLedger creates a wallet ledger. now may be nil.
func NewLedger(st store.Store, locks *lock.Manager, now func() time.Time) *Ledger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{store: st, locks: locks, now: now}
}

// OnPost registers a hook run inside every posting transaction.
func (l *Ledger) OnPost(h Hook) {
	l.hooks = append(l.hooks, h)
}

// Post locks the group's wallets in sorted order and commits it in its own
// transaction. It returns the correlation id.
func (l *Ledger) Post(ctx context.Context, g Group) (string, []model.WalletTransaction, error) {
	release, err := l.locks.Acquire(ctx, g.LockKeys()...)
	if err != nil {
		return "", nil, err
	}
	defer release()

	var posted []model.WalletTransaction
	err = l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		posted, err = l.PostTx(ctx, tx, g)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return posted[0].CorrelationID, posted, nil
}

// PostTx writes the group inside an existing transaction. The caller must
// already hold the wallet locks (see Group.LockKeys).
func (l *Ledger) PostTx(ctx context.Context, tx store.Tx, g Group) ([]model.WalletTransaction, error) {
	if err := validate(g); err != nil {
		return nil, err
	}
	if g.CorrelationID == "" {
		g.CorrelationID = uuid.New().String()
	}

	net := make(map[string]decimal.Decimal)
	for _, leg := range g.Legs {
		net[leg.WalletID] = net[leg.WalletID].Add(leg.Amount)
	}

	newBalances := make(map[string]decimal.Decimal, len(net))
	for _, id := range g.WalletIDs() {
		if err := tx.LockWallet(ctx, id); err != nil {
			return nil, err
		}
		balance, err := tx.WalletBalance(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", id, err)
		}
		after := balance.Add(net[id])
		if after.IsNegative() && !model.IsExternalWallet(id) {
			return nil, fmt.Errorf("wallet %s has %s, needs %s: %w",
				id, balance.StringFixed(model.MoneyScale), net[id].Neg().StringFixed(model.MoneyScale), model.ErrInsufficientFunds)
		}
		newBalances[id] = after
	}

	now := l.now()
	posted := make([]model.WalletTransaction, 0, len(g.Legs))
	for _, leg := range g.Legs {
		t := model.WalletTransaction{
			ID:            uuid.New().String(),
			WalletID:      leg.WalletID,
			Amount:        leg.Amount,
			Currency:      g.Currency,
			Type:          leg.Type,
			FeeAmount:     leg.FeeAmount,
			Status:        model.TxCompleted,
			CorrelationID: g.CorrelationID,
			OrderID:       g.OrderID,
			CreatedAt:     now,
		}
		if err := tx.InsertWalletTransaction(ctx, &t); err != nil {
			return nil, err
		}
		posted = append(posted, t)
	}

	for id, balance := range newBalances {
		if err := tx.SetCachedBalance(ctx, id, g.Currency, balance); err != nil {
			return nil, err
		}
	}
	for _, h := range l.hooks {
		if err := h(ctx, tx, posted); err != nil {
			return nil, err
		}
	}
	return posted, nil
}

func validate(g Group) error {
	if len(g.Legs) == 0 {
		return ErrEmptyGroup
	}
	if g.Currency == "" {
		return model.Invalid(model.RuleCurrency, "currency is required")
	}
	sum := decimal.Zero
	for _, leg := range g.Legs {
		if leg.WalletID == "" {
			return model.Invalid(model.RuleBalance, "leg without wallet")
		}
		if leg.Amount.IsZero() {
			return model.Invalid(model.RuleBalance, "zero amount leg on %s", leg.WalletID)
		}
		sum = sum.Add(leg.Amount)
	}
	if !sum.IsZero() {
		return fmt.Errorf("%w: off by %s", ErrUnbalanced, sum.String())
	}
	return nil
}

// Balance returns the authoritative balance derived from the transaction log.
func (l *Ledger) Balance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	return l.store.WalletBalance(ctx, walletID)
}

// CachedBalance serves the maintained projection, falling back to the log
// for wallets that have never been projected.
func (l *Ledger) CachedBalance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	b, ok, err := l.store.CachedBalance(ctx, walletID)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return l.Balance(ctx, walletID)
	}
	return b, nil
}

// Transactions lists a wallet's log.
func (l *Ledger) Transactions(ctx context.Context, walletID string) ([]model.WalletTransaction, error) {
	return l.store.ListWalletTransactions(ctx, walletID)
}

// Deposit credits a user wallet from the external counterparty.
func (l *Ledger) Deposit(ctx context.Context, userID, currency string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", model.Invalid(model.RuleBalance, "deposit must be positive")
	}
	corr, _, err := l.Post(ctx, Group{
		Currency: currency,
		Legs: []Leg{
			{WalletID: model.ExternalWalletID(currency), Amount: amount.Neg(), Type: model.TxDeposit},
			{WalletID: model.WalletID(userID, currency), Amount: amount, Type: model.TxDeposit},
		},
	})
	return corr, err
}

// Withdraw debits a user wallet to the external counterparty.
func (l *Ledger) Withdraw(ctx context.Context, userID, currency string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", model.Invalid(model.RuleBalance, "withdrawal must be positive")
	}
	corr, _, err := l.Post(ctx, Group{
		Currency: currency,
		Legs: []Leg{
			{WalletID: model.WalletID(userID, currency), Amount: amount.Neg(), Type: model.TxWithdrawal},
			{WalletID: model.ExternalWalletID(currency), Amount: amount, Type: model.TxWithdrawal},
		},
	})
	return corr, err
}

// Reverse marks every leg of a correlation group as reversed, removing the
// whole group from derived balances. It fails if that would leave any
// non-external wallet negative.
func (l *Ledger) Reverse(ctx context.Context, correlationID string) error {
	legs, err := l.store.ListTransactionsByCorrelation(ctx, correlationID)
	if err != nil {
		return err
	}
	if len(legs) == 0 {
		return fmt.Errorf("correlation %s: %w", correlationID, model.ErrNotFound)
	}
	g := Group{CorrelationID: correlationID, Currency: legs[0].Currency}
	for _, t := range legs {
		g.Legs = append(g.Legs, Leg{WalletID: t.WalletID, Amount: t.Amount})
	}

	release, err := l.locks.Acquire(ctx, g.LockKeys()...)
	if err != nil {
		return err
	}
	defer release()

	return l.store.InTx(ctx, func(tx store.Tx) error {
		legs, err := tx.ListTransactionsByCorrelation(ctx, correlationID)
		if err != nil {
			return err
		}
		net := make(map[string]decimal.Decimal)
		for _, t := range legs {
			if t.Status != model.TxCompleted {
				return fmt.Errorf("leg %s is %s: %w", t.ID, t.Status, model.ErrInvalidState)
			}
			net[t.WalletID] = net[t.WalletID].Sub(t.Amount)
		}
		var reversed []model.WalletTransaction
		for _, id := range g.WalletIDs() {
			if err := tx.LockWallet(ctx, id); err != nil {
				return err
			}
			balance, err := tx.WalletBalance(ctx, id)
			if err != nil {
				return err
			}
			after := balance.Add(net[id])
			if after.IsNegative() && !model.IsExternalWallet(id) {
				return fmt.Errorf("reversing %s leaves %s at %s: %w", correlationID, id, after, model.ErrInsufficientFunds)
			}
			if err := tx.SetCachedBalance(ctx, id, g.Currency, after); err != nil {
				return err
			}
		}
		for _, t := range legs {
			if err := tx.SetTransactionStatus(ctx, t.ID, model.TxReversed); err != nil {
				return err
			}
			t.Status = model.TxReversed
			t.Amount = t.Amount.Neg()
			reversed = append(reversed, t)
		}
		for _, h := range l.hooks {
			if err := h(ctx, tx, reversed); err != nil {
				return err
			}
		}
		return nil
	})
}

// Reconcile recomputes every cached balance from the transaction log.
// The comparison pass runs without locks; each drifted wallet is then
// corrected under its lock with a fresh read.
func (l *Ledger) Reconcile(ctx context.Context) ([]Drift, error) {
	ids, err := l.store.ListWalletIDs(ctx)
	if err != nil {
		return nil, err
	}

	var drifts []Drift
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return drifts, err
		}
		actual, err := l.store.WalletBalance(ctx, id)
		if err != nil {
			return drifts, err
		}
		cached, ok, err := l.store.CachedBalance(ctx, id)
		if err != nil {
			return drifts, err
		}
		if ok && cached.Equal(actual) {
			continue
		}

		d, err := l.correct(ctx, id)
		if err != nil {
			return drifts, err
		}
		if d != nil {
			slog.Warn("wallet balance drift corrected",
				"wallet", id,
				"cached", d.Cached.String(),
				"actual", d.Actual.String(),
				"err", model.ErrReconciliationDrift,
			)
			drifts = append(drifts, *d)
		}
	}
	return drifts, nil
}

func (l *Ledger) correct(ctx context.Context, walletID string) (*Drift, error) {
	release, err := l.locks.Acquire(ctx, lock.WalletKey(walletID))
	if err != nil {
		return nil, err
	}
	defer release()

	var drift *Drift
	err = l.store.InTx(ctx, func(tx store.Tx) error {
		actual, err := tx.WalletBalance(ctx, walletID)
		if err != nil {
			return err
		}
		cached, ok, err := tx.CachedBalance(ctx, walletID)
		if err != nil {
			return err
		}
		if ok && cached.Equal(actual) {
			return nil
		}
		drift = &Drift{WalletID: walletID, Cached: cached, Actual: actual}
		return tx.SetCachedBalance(ctx, walletID, currencyOf(walletID), actual)
	})
	return drift, err
}

// currencyOf extracts the currency suffix of a wallet id.
func currencyOf(walletID string) string {
	for i := len(walletID) - 1; i >= 0; i-- {
		if walletID[i] == ':' {
			return walletID[i+1:]
		}
	}
	return ""
}
