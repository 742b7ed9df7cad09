package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions hold the write lock for their whole duration and keep an
// undo log, so a failed fn leaves no trace.
type MemoryStore struct {
	mu sync.RWMutex
	memReader
}

type memState struct {
	shares      map[string]*model.Share
	movements   []model.ShareMovement
	accounts    map[string]*model.Account
	holdings    map[string]*model.UserHolding
	orders      map[string]*model.Order
	orderSeq    map[string]int64
	events      []model.OrderEvent
	txs         []model.WalletTransaction
	cached      map[string]decimal.Decimal
	funds       map[string]*model.FundAllocation
	prices      []model.PriceSnapshot
	marketState map[string]*model.MarketControlState
	batches     map[string]*model.SettlementBatch
	nextSeq     int64
}

// memReader implements Reader over memState. lock guards each read and
// returns its unlock func.
type memReader struct {
	st   *memState
	lock func() func()
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.memReader = memReader{
		st: &memState{
			shares:      make(map[string]*model.Share),
			accounts:    make(map[string]*model.Account),
			holdings:    make(map[string]*model.UserHolding),
			orders:      make(map[string]*model.Order),
			orderSeq:    make(map[string]int64),
			cached:      make(map[string]decimal.Decimal),
			funds:       make(map[string]*model.FundAllocation),
			marketState: make(map[string]*model.MarketControlState),
			batches:     make(map[string]*model.SettlementBatch),
		},
		lock: func() func() {
			s.mu.RLock()
			return s.mu.RUnlock
		},
	}
	return s
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{memReader: memReader{st: s.st, lock: noLock}}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

func noLock() func() { return func() {} }

func holdingKey(userID, shareID string) string     { return userID + "|" + shareID }
func fundKey(f model.Fund, currency string) string { return string(f) + "|" + currency }

// --- Reader ---

func (r memReader) GetShare(_ context.Context, id string) (*model.Share, error) {
	defer r.lock()()
	sh, ok := r.st.shares[id]
	if !ok {
		return nil, fmt.Errorf("share %s: %w", id, model.ErrNotFound)
	}
	copy := *sh
	return &copy, nil
}

func (r memReader) ListShares(_ context.Context) ([]model.Share, error) {
	defer r.lock()()
	shares := make([]model.Share, 0, len(r.st.shares))
	for _, sh := range r.st.shares {
		shares = append(shares, *sh)
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].ID < shares[j].ID })
	return shares, nil
}

func (r memReader) ListShareMovements(_ context.Context, shareID string) ([]model.ShareMovement, error) {
	defer r.lock()()
	var result []model.ShareMovement
	for _, m := range r.st.movements {
		if m.ShareID == shareID {
			result = append(result, m)
		}
	}
	return result, nil
}

func (r memReader) SumMovements(_ context.Context, shareID, reason string, since time.Time) (int64, error) {
	defer r.lock()()
	var total int64
	for _, m := range r.st.movements {
		if m.ShareID == shareID && m.Reason == reason && !m.CreatedAt.Before(since) {
			total += m.Quantity
		}
	}
	return total, nil
}

func (r memReader) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	defer r.lock()()
	a, ok := r.st.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (r memReader) GetHolding(_ context.Context, userID, shareID string) (*model.UserHolding, error) {
	defer r.lock()()
	h, ok := r.st.holdings[holdingKey(userID, shareID)]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", userID, shareID, model.ErrNotFound)
	}
	copy := *h
	return &copy, nil
}

func (r memReader) ListHoldingsByUser(_ context.Context, userID string) ([]model.UserHolding, error) {
	defer r.lock()()
	var result []model.UserHolding
	for _, h := range r.st.holdings {
		if h.UserID == userID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ShareID < result[j].ShareID })
	return result, nil
}

func (r memReader) ListHoldingsByShare(_ context.Context, shareID string) ([]model.UserHolding, error) {
	defer r.lock()()
	var result []model.UserHolding
	for _, h := range r.st.holdings {
		if h.ShareID == shareID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (r memReader) GetOrder(_ context.Context, id string) (*model.Order, error) {
	defer r.lock()()
	o, ok := r.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

// sortedOrders returns orders in insertion order.
func (r memReader) sortedOrders(keep func(*model.Order) bool) []model.Order {
	var result []model.Order
	for _, o := range r.st.orders {
		if keep(o) {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return r.st.orderSeq[result[i].ID] < r.st.orderSeq[result[j].ID]
	})
	return result
}

func (r memReader) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	defer r.lock()()
	return r.sortedOrders(func(o *model.Order) bool { return o.UserID == userID }), nil
}

func (r memReader) ListQueuedOrders(_ context.Context, shareID string, limit int) ([]model.Order, error) {
	defer r.lock()()
	result := r.sortedOrders(func(o *model.Order) bool {
		return o.ShareID == shareID && o.Kind.Queued() &&
			(o.Status == model.OrderQueued || o.Status == model.OrderProcessing)
	})
	sort.SliceStable(result, func(i, j int) bool { return result[i].FIFOPosition < result[j].FIFOPosition })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r memReader) ListExpiredOrders(_ context.Context, kind model.OrderKind, now time.Time) ([]model.Order, error) {
	defer r.lock()()
	return r.sortedOrders(func(o *model.Order) bool {
		return o.Kind == kind && !o.Status.Terminal() && o.ExpiresAt != nil && !o.ExpiresAt.After(now)
	}), nil
}

func (r memReader) SumUserQuantity(_ context.Context, userID string, kinds []model.OrderKind, since time.Time) (int64, error) {
	defer r.lock()()
	var total int64
	for _, o := range r.st.orders {
		if o.UserID != userID || o.CreatedAt.Before(since) || !containsKind(kinds, o.Kind) {
			continue
		}
		switch o.Status {
		case model.OrderCancelled, model.OrderExpired, model.OrderRejected:
			total += o.ProcessedQuantity
		default:
			total += o.Quantity
		}
	}
	return total, nil
}

func containsKind(kinds []model.OrderKind, k model.OrderKind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

func (r memReader) ListOrderEvents(_ context.Context, orderID string) ([]model.OrderEvent, error) {
	defer r.lock()()
	var result []model.OrderEvent
	for _, e := range r.st.events {
		if e.OrderID == orderID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (r memReader) WalletBalance(_ context.Context, walletID string) (decimal.Decimal, error) {
	defer r.lock()()
	balance := decimal.Zero
	for _, t := range r.st.txs {
		if t.WalletID == walletID && t.Status == model.TxCompleted {
			balance = balance.Add(t.Amount)
		}
	}
	return balance, nil
}

func (r memReader) CachedBalance(_ context.Context, walletID string) (decimal.Decimal, bool, error) {
	defer r.lock()()
	b, ok := r.st.cached[walletID]
	return b, ok, nil
}

func (r memReader) ListWalletIDs(_ context.Context) ([]string, error) {
	defer r.lock()()
	seen := make(map[string]bool)
	var ids []string
	for _, t := range r.st.txs {
		if !seen[t.WalletID] {
			seen[t.WalletID] = true
			ids = append(ids, t.WalletID)
		}
	}
	for id := range r.st.cached {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r memReader) ListWalletTransactions(_ context.Context, walletID string) ([]model.WalletTransaction, error) {
	defer r.lock()()
	var result []model.WalletTransaction
	for _, t := range r.st.txs {
		if t.WalletID == walletID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (r memReader) ListTransactionsByCorrelation(_ context.Context, correlationID string) ([]model.WalletTransaction, error) {
	defer r.lock()()
	var result []model.WalletTransaction
	for _, t := range r.st.txs {
		if t.CorrelationID == correlationID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (r memReader) ListFunds(_ context.Context) ([]model.FundAllocation, error) {
	defer r.lock()()
	funds := make([]model.FundAllocation, 0, len(r.st.funds))
	for _, f := range r.st.funds {
		funds = append(funds, *f)
	}
	sort.Slice(funds, func(i, j int) bool {
		if funds[i].Currency != funds[j].Currency {
			return funds[i].Currency < funds[j].Currency
		}
		return funds[i].Fund < funds[j].Fund
	})
	return funds, nil
}

func (r memReader) GetFund(_ context.Context, fund model.Fund, currency string) (*model.FundAllocation, error) {
	defer r.lock()()
	f, ok := r.st.funds[fundKey(fund, currency)]
	if !ok {
		return nil, fmt.Errorf("fund %s/%s: %w", fund, currency, model.ErrNotFound)
	}
	copy := *f
	return &copy, nil
}

func (r memReader) LatestPrice(_ context.Context, shareID string) (*model.PriceSnapshot, error) {
	defer r.lock()()
	for i := len(r.st.prices) - 1; i >= 0; i-- {
		if r.st.prices[i].ShareID == shareID {
			copy := r.st.prices[i]
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("price for share %s: %w", shareID, model.ErrNotFound)
}

func (r memReader) PriceAsOf(_ context.Context, shareID string, t time.Time) (*model.PriceSnapshot, error) {
	defer r.lock()()
	for i := len(r.st.prices) - 1; i >= 0; i-- {
		p := r.st.prices[i]
		if p.ShareID == shareID && !p.CreatedAt.After(t) {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("price for share %s as of %s: %w", shareID, t.Format(time.RFC3339), model.ErrNotFound)
}

func (r memReader) PriceHistory(_ context.Context, shareID string, limit int) ([]model.PriceSnapshot, error) {
	defer r.lock()()
	var result []model.PriceSnapshot
	for i := len(r.st.prices) - 1; i >= 0; i-- {
		if r.st.prices[i].ShareID == shareID {
			result = append(result, r.st.prices[i])
			if limit > 0 && len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (r memReader) GetMarketState(_ context.Context, scope string) (*model.MarketControlState, error) {
	defer r.lock()()
	ms, ok := r.st.marketState[scope]
	if !ok {
		return nil, fmt.Errorf("market state %s: %w", scope, model.ErrNotFound)
	}
	copy := *ms
	return &copy, nil
}

func (r memReader) GetBatch(_ context.Context, id string) (*model.SettlementBatch, error) {
	defer r.lock()()
	b, ok := r.st.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, model.ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

func (r memReader) ListBatches(_ context.Context, shareID string) ([]model.SettlementBatch, error) {
	defer r.lock()()
	var result []model.SettlementBatch
	for _, b := range r.st.batches {
		if b.ShareID == shareID {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result, nil
}

// --- Tx ---

type memTx struct {
	memReader
	undo []func()
}

// restore records how to put a map entry back to its pre-transaction value.
func restore[K comparable, V any](tx *memTx, m map[K]*V, key K) {
	prev, existed := m[key]
	var saved V
	if existed {
		saved = *prev
	}
	tx.undo = append(tx.undo, func() {
		if existed {
			v := saved
			m[key] = &v
		} else {
			delete(m, key)
		}
	})
}

func (tx *memTx) CreateShare(_ context.Context, sh *model.Share) error {
	if _, ok := tx.st.shares[sh.ID]; ok {
		return fmt.Errorf("share %s already exists", sh.ID)
	}
	restore(tx, tx.st.shares, sh.ID)
	copy := *sh
	tx.st.shares[sh.ID] = &copy
	return nil
}

func (tx *memTx) LockShare(ctx context.Context, id string) (*model.Share, error) {
	return tx.GetShare(ctx, id)
}

func (tx *memTx) UpdateShare(_ context.Context, sh *model.Share) error {
	cur, ok := tx.st.shares[sh.ID]
	if !ok {
		return fmt.Errorf("share %s: %w", sh.ID, model.ErrNotFound)
	}
	if cur.Version != sh.Version {
		return fmt.Errorf("share %s version %d is stale: %w", sh.ID, sh.Version, model.ErrContentionTimeout)
	}
	restore(tx, tx.st.shares, sh.ID)
	sh.Version++
	copy := *sh
	tx.st.shares[sh.ID] = &copy
	return nil
}

func (tx *memTx) InsertShareMovement(_ context.Context, m *model.ShareMovement) error {
	n := len(tx.st.movements)
	tx.st.movements = append(tx.st.movements, *m)
	tx.undo = append(tx.undo, func() { tx.st.movements = tx.st.movements[:n] })
	return nil
}

func (tx *memTx) SaveAccount(_ context.Context, a *model.Account) error {
	restore(tx, tx.st.accounts, a.UserID)
	copy := *a
	tx.st.accounts[a.UserID] = &copy
	return nil
}

func (tx *memTx) LockHolding(ctx context.Context, userID, shareID string) (*model.UserHolding, error) {
	return tx.GetHolding(ctx, userID, shareID)
}

func (tx *memTx) SaveHolding(_ context.Context, h *model.UserHolding) error {
	key := holdingKey(h.UserID, h.ShareID)
	restore(tx, tx.st.holdings, key)
	copy := *h
	tx.st.holdings[key] = &copy
	return nil
}

func (tx *memTx) DeleteHolding(_ context.Context, userID, shareID string) error {
	key := holdingKey(userID, shareID)
	restore(tx, tx.st.holdings, key)
	delete(tx.st.holdings, key)
	return nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if _, ok := tx.st.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	restore(tx, tx.st.orders, o.ID)
	tx.st.nextSeq++
	tx.st.orderSeq[o.ID] = tx.st.nextSeq
	copy := *o
	tx.st.orders[o.ID] = &copy
	return nil
}

func (tx *memTx) LockOrder(ctx context.Context, id string) (*model.Order, error) {
	return tx.GetOrder(ctx, id)
}

func (tx *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	if _, ok := tx.st.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, model.ErrNotFound)
	}
	restore(tx, tx.st.orders, o.ID)
	copy := *o
	tx.st.orders[o.ID] = &copy
	return nil
}

func (tx *memTx) InsertOrderEvent(_ context.Context, e *model.OrderEvent) error {
	n := len(tx.st.events)
	tx.st.events = append(tx.st.events, *e)
	tx.undo = append(tx.undo, func() { tx.st.events = tx.st.events[:n] })
	return nil
}

// LockWallet is a no-op: the transaction already holds the store lock.
func (tx *memTx) LockWallet(_ context.Context, _ string) error { return nil }

func (tx *memTx) InsertWalletTransaction(_ context.Context, t *model.WalletTransaction) error {
	n := len(tx.st.txs)
	tx.st.txs = append(tx.st.txs, *t)
	tx.undo = append(tx.undo, func() { tx.st.txs = tx.st.txs[:n] })
	return nil
}

func (tx *memTx) SetTransactionStatus(_ context.Context, id string, status model.TxStatus) error {
	for i := range tx.st.txs {
		if tx.st.txs[i].ID == id {
			prev := tx.st.txs[i].Status
			tx.st.txs[i].Status = status
			tx.undo = append(tx.undo, func() { tx.st.txs[i].Status = prev })
			return nil
		}
	}
	return fmt.Errorf("wallet transaction %s: %w", id, model.ErrNotFound)
}

func (tx *memTx) SetCachedBalance(_ context.Context, walletID, _ string, balance decimal.Decimal) error {
	prev, existed := tx.st.cached[walletID]
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.st.cached[walletID] = prev
		} else {
			delete(tx.st.cached, walletID)
		}
	})
	tx.st.cached[walletID] = balance
	return nil
}

func (tx *memTx) SaveFund(_ context.Context, f *model.FundAllocation) error {
	key := fundKey(f.Fund, f.Currency)
	restore(tx, tx.st.funds, key)
	copy := *f
	tx.st.funds[key] = &copy
	return nil
}

func (tx *memTx) InsertPriceSnapshot(_ context.Context, p *model.PriceSnapshot) error {
	n := len(tx.st.prices)
	tx.st.prices = append(tx.st.prices, *p)
	tx.undo = append(tx.undo, func() { tx.st.prices = tx.st.prices[:n] })
	return nil
}

func (tx *memTx) SaveMarketState(_ context.Context, ms *model.MarketControlState) error {
	restore(tx, tx.st.marketState, ms.Scope)
	copy := *ms
	tx.st.marketState[ms.Scope] = &copy
	return nil
}

func (tx *memTx) SaveBatch(_ context.Context, b *model.SettlementBatch) error {
	restore(tx, tx.st.batches, b.ID)
	copy := *b
	tx.st.batches[b.ID] = &copy
	return nil
}
