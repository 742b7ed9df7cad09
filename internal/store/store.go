// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for balance and price projections), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/model"
)

// Reader is the query side shared by Store and Tx. Every lookup of a single
// missing entity returns an error wrapping model.ErrNotFound.
type Reader interface {
	// --- Shares ---

	GetShare(ctx context.Context, id string) (*model.Share, error)
	ListShares(ctx context.Context) ([]model.Share, error)
	ListShareMovements(ctx context.Context, shareID string) ([]model.ShareMovement, error)

	// SumMovements totals quantities moved for shareID with the given reason
	// since the given time.
	SumMovements(ctx context.Context, shareID, reason string, since time.Time) (int64, error)

	// --- Accounts & holdings ---

	GetAccount(ctx context.Context, userID string) (*model.Account, error)
	GetHolding(ctx context.Context, userID, shareID string) (*model.UserHolding, error)
	ListHoldingsByUser(ctx context.Context, userID string) ([]model.UserHolding, error)
	ListHoldingsByShare(ctx context.Context, shareID string) ([]model.UserHolding, error)

	// --- Orders ---

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// ListQueuedOrders returns queued/processing sell and buyback orders for
	// a share in ascending FIFO position. limit <= 0 means no limit.
	ListQueuedOrders(ctx context.Context, shareID string, limit int) ([]model.Order, error)

	// ListExpiredOrders returns open orders of a kind whose expiry is at or
	// before now.
	ListExpiredOrders(ctx context.Context, kind model.OrderKind, now time.Time) ([]model.Order, error)

	// SumUserQuantity totals the committed quantity of a user's orders of the
	// given kinds created since the given time. Cancelled, expired and
	// rejected orders count only what was processed.
	SumUserQuantity(ctx context.Context, userID string, kinds []model.OrderKind, since time.Time) (int64, error)

	ListOrderEvents(ctx context.Context, orderID string) ([]model.OrderEvent, error)

	// --- Wallets ---

	// WalletBalance sums completed transactions. It is authoritative.
	WalletBalance(ctx context.Context, walletID string) (decimal.Decimal, error)

	// CachedBalance returns the maintained projection; ok is false when no
	// projection exists yet.
	CachedBalance(ctx context.Context, walletID string) (balance decimal.Decimal, ok bool, err error)

	ListWalletIDs(ctx context.Context) ([]string, error)
	ListWalletTransactions(ctx context.Context, walletID string) ([]model.WalletTransaction, error)
	ListTransactionsByCorrelation(ctx context.Context, correlationID string) ([]model.WalletTransaction, error)

	// --- Funds ---

	ListFunds(ctx context.Context) ([]model.FundAllocation, error)
	GetFund(ctx context.Context, fund model.Fund, currency string) (*model.FundAllocation, error)

	// --- Prices & market control ---

	LatestPrice(ctx context.Context, shareID string) (*model.PriceSnapshot, error)

	// PriceAsOf returns the latest snapshot created at or before t.
	PriceAsOf(ctx context.Context, shareID string, t time.Time) (*model.PriceSnapshot, error)

	PriceHistory(ctx context.Context, shareID string, limit int) ([]model.PriceSnapshot, error)
	GetMarketState(ctx context.Context, scope string) (*model.MarketControlState, error)

	// --- Batches ---

	GetBatch(ctx context.Context, id string) (*model.SettlementBatch, error)
	ListBatches(ctx context.Context, shareID string) ([]model.SettlementBatch, error)
}

// Tx is a unit of work. Lock* methods take a row lock (SELECT ... FOR UPDATE)
// for the remainder of the transaction.
type Tx interface {
	Reader

	CreateShare(ctx context.Context, s *model.Share) error
	LockShare(ctx context.Context, id string) (*model.Share, error)

	// UpdateShare writes the share if its version still matches and bumps
	// s.Version. A stale version fails with model.ErrContentionTimeout.
	UpdateShare(ctx context.Context, s *model.Share) error

	InsertShareMovement(ctx context.Context, m *model.ShareMovement) error

	SaveAccount(ctx context.Context, a *model.Account) error

	LockHolding(ctx context.Context, userID, shareID string) (*model.UserHolding, error)
	SaveHolding(ctx context.Context, h *model.UserHolding) error
	DeleteHolding(ctx context.Context, userID, shareID string) error

	InsertOrder(ctx context.Context, o *model.Order) error
	LockOrder(ctx context.Context, id string) (*model.Order, error)
	UpdateOrder(ctx context.Context, o *model.Order) error
	InsertOrderEvent(ctx context.Context, e *model.OrderEvent) error

	// LockWallet serializes writers of a wallet for the rest of the transaction.
	LockWallet(ctx context.Context, walletID string) error
	InsertWalletTransaction(ctx context.Context, t *model.WalletTransaction) error
	SetTransactionStatus(ctx context.Context, id string, status model.TxStatus) error
	SetCachedBalance(ctx context.Context, walletID, currency string, balance decimal.Decimal) error

	SaveFund(ctx context.Context, f *model.FundAllocation) error
	InsertPriceSnapshot(ctx context.Context, p *model.PriceSnapshot) error
	SaveMarketState(ctx context.Context, s *model.MarketControlState) error
	SaveBatch(ctx context.Context, b *model.SettlementBatch) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for projections.
type Store interface {
	Reader

	// InTx runs fn in a single atomic transaction. If fn returns an error
	// every write made through the Tx is discarded.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
