// Package settlement is the settlement processor: it admits orders through
// intake, carries out buys and bookings synchronously, runs FIFO sell
// batches against the buyback fund, and moves transfers. Every operation
// takes its locks in one global order (share keys, then wallet keys) and
// writes share buckets, holdings, wallet legs and order state in a single
// store transaction.
//
// All monetary values use shopspring/decimal, never float64.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/minevest/share-engine/internal/fees"
	"github.com/minevest/share-engine/internal/intake"
	"github.com/minevest/share-engine/internal/limits"
	"github.com/minevest/share-engine/internal/lock"
	"github.com/minevest/share-engine/internal/metrics"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/pricing"
	"github.com/minevest/share-engine/internal/shareledger"
	"github.com/minevest/share-engine/internal/store"
	"github.com/minevest/share-engine/internal/wallet"
)

// Fact types published after commit.
const (
	FactOrder  = "order"
	FactFill   = "fill"
	FactWallet = "wallet"
	FactPrice  = "price"
	FactMarket = "market"
	FactBatch  = "batch"
	FactFund   = "fund"
)

// Fact is a committed state change announced to subscribers.
type Fact struct {
	Type    string    `json:"type"`
	ShareID string    `json:"share_id,omitempty"`
	UserID  string    `json:"user_id,omitempty"`
	Data    any       `json:"data"`
	At      time.Time `json:"at"`
}

// Publisher receives facts after their transaction committed.
type Publisher interface {
	Publish(f Fact)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Fact) {}

// Config tunes the sell batch.
type Config struct {
	// BatchSize bounds the orders visited by one batch when the request
	// does not set MaxOrders.
	BatchSize int
	// VolumeCap bounds the shares bought back per window. Zero fields
	// are unlimited.
	VolumeCap limits.Window
}

// Deps wires the engine.
type Deps struct {
	Store     store.Store
	Locks     *lock.Manager
	Shares    *shareledger.Ledger
	Wallets   *wallet.Ledger
	Fees      *fees.Allocator
	Validator *intake.Validator
	Queue     *intake.Queue
	Prices    *pricing.Controller
	Rates     pricing.Rates
	Journal   Journal
	Publisher Publisher
	Config    Config
	Now       func() time.Time
}

// Engine is the settlement processor.
type Engine struct {
	store     store.Store
	locks     *lock.Manager
	shares    *shareledger.Ledger
	wallets   *wallet.Ledger
	fees      *fees.Allocator
	validator *intake.Validator
	queue     *intake.Queue
	prices    *pricing.Controller
	rates     pricing.Rates
	journal   Journal
	pub       Publisher
	cfg       Config
	now       func() time.Time
}

// New creates an engine and registers the fund mirror on the wallet ledger.
func New(d Deps) *Engine {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Journal == nil {
		d.Journal = NewMemoryJournal()
	}
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	if d.Config.BatchSize <= 0 {
		d.Config.BatchSize = 100
	}
	d.Wallets.OnPost(d.Fees.Mirror)
	return &Engine{
		store:     d.Store,
		locks:     d.Locks,
		shares:    d.Shares,
		wallets:   d.Wallets,
		fees:      d.Fees,
		validator: d.Validator,
		queue:     d.Queue,
		prices:    d.Prices,
		rates:     d.Rates,
		journal:   d.Journal,
		pub:       d.Publisher,
		cfg:       d.Config,
		now:       d.Now,
	}
}

// inTx runs fn in one transaction. A conservation failure rolls the
// transaction back and then freezes the share in a transaction of its own.
func (e *Engine) inTx(ctx context.Context, shareID string, fn func(tx store.Tx) error) error {
	err := e.store.InTx(ctx, fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrContentionTimeout) {
		metrics.LockTimeouts.Inc()
	}
	if shareID != "" && errors.Is(err, model.ErrFatalInvariant) && !errors.Is(err, shareledger.ErrFrozen) {
		metrics.InvariantViolations.Inc()
		slog.Error("conservation check failed", "share", shareID, "error", err)
		if ferr := e.shares.Freeze(ctx, e.store, shareID, err.Error()); ferr != nil {
			slog.Error("freeze failed", "share", shareID, "error", ferr)
		}
	}
	return err
}

// acquire takes the locks and counts timeouts.
func (e *Engine) acquire(ctx context.Context, keys ...string) (func(), error) {
	release, err := e.locks.Acquire(ctx, keys...)
	if errors.Is(err, model.ErrContentionTimeout) {
		metrics.LockTimeouts.Inc()
	}
	return release, err
}

func (e *Engine) publish(typ, shareID, userID string, data any) {
	e.pub.Publish(Fact{Type: typ, ShareID: shareID, UserID: userID, Data: data, At: e.now()})
}

// walletKeys returns the lock keys of a user wallet plus every fund wallet
// of the currency.
func walletKeys(userID, currency string) []string {
	keys := []string{lock.WalletKey(model.WalletID(userID, currency))}
	for _, id := range fees.FundWallets(currency) {
		keys = append(keys, lock.WalletKey(id))
	}
	return keys
}
