package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back as text.
type PostgresStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: pool}, pool: pool}
}

// InTx runs fn inside a database transaction, committing when fn returns nil.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{pgReader: pgReader{q: tx}})
	})
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// pgReader implements Reader over a pool or a transaction.
type pgReader struct {
	q querier
}

// lookup wraps a single-row error, mapping no rows to model.ErrNotFound.
func lookup(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		err = model.ErrNotFound
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// collect scans every row with scan.
func collect[T any](rows pgx.Rows, err error, scan func(scanner) (T, error)) ([]T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Shares ---

const shareCols = `id, name, currency, total_shares, available_shares, reserved_shares,
	held_shares, bought_back_shares, fifo_sequence, version, frozen, frozen_reason, created_at`

func scanShare(row scanner) (model.Share, error) {
	var sh model.Share
	err := row.Scan(&sh.ID, &sh.Name, &sh.Currency, &sh.Total, &sh.Available, &sh.Reserved,
		&sh.Held, &sh.BoughtBack, &sh.FIFOSequence, &sh.Version, &sh.Frozen, &sh.FrozenReason, &sh.CreatedAt)
	return sh, err
}

func (r pgReader) GetShare(ctx context.Context, id string) (*model.Share, error) {
	sh, err := scanShare(r.q.QueryRow(ctx, `SELECT `+shareCols+` FROM shares WHERE id = $1`, id))
	if err != nil {
		return nil, lookup(err, "share %s", id)
	}
	return &sh, nil
}

func (r pgReader) ListShares(ctx context.Context) ([]model.Share, error) {
	rows, err := r.q.Query(ctx, `SELECT `+shareCols+` FROM shares ORDER BY id`)
	return collect(rows, err, scanShare)
}

func scanMovement(row scanner) (model.ShareMovement, error) {
	var m model.ShareMovement
	var price string
	err := row.Scan(&m.ID, &m.ShareID, &m.FromBucket, &m.ToBucket, &m.Quantity,
		&price, &m.Reason, &m.Reference, &m.CreatedAt)
	m.Price, _ = decimal.NewFromString(price)
	return m, err
}

func (r pgReader) ListShareMovements(ctx context.Context, shareID string) ([]model.ShareMovement, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, share_id, from_bucket, to_bucket, quantity, price::TEXT, reason, reference, created_at
		 FROM share_movements WHERE share_id = $1 ORDER BY seq`, shareID)
	return collect(rows, err, scanMovement)
}

func (r pgReader) SumMovements(ctx context.Context, shareID, reason string, since time.Time) (int64, error) {
	var total int64
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM share_movements
		 WHERE share_id = $1 AND reason = $2 AND created_at >= $3`,
		shareID, reason, since).Scan(&total)
	return total, err
}

// --- Accounts & holdings ---

func (r pgReader) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	err := r.q.QueryRow(ctx,
		`SELECT user_id, account_type, trusted FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &a.AccountType, &a.Trusted)
	if err != nil {
		return nil, lookup(err, "account %s", userID)
	}
	return &a, nil
}

const holdingCols = `user_id, share_id, quantity, pending_quantity, reserved_for_sale,
	average_cost::TEXT, status, updated_at`

func scanHolding(row scanner) (model.UserHolding, error) {
	var h model.UserHolding
	var avg string
	err := row.Scan(&h.UserID, &h.ShareID, &h.Quantity, &h.PendingQuantity, &h.ReservedForSale,
		&avg, &h.Status, &h.UpdatedAt)
	h.AverageCost, _ = decimal.NewFromString(avg)
	return h, err
}

func (r pgReader) GetHolding(ctx context.Context, userID, shareID string) (*model.UserHolding, error) {
	h, err := scanHolding(r.q.QueryRow(ctx,
		`SELECT `+holdingCols+` FROM user_holdings WHERE user_id = $1 AND share_id = $2`, userID, shareID))
	if err != nil {
		return nil, lookup(err, "holding %s/%s", userID, shareID)
	}
	return &h, nil
}

func (r pgReader) ListHoldingsByUser(ctx context.Context, userID string) ([]model.UserHolding, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+holdingCols+` FROM user_holdings WHERE user_id = $1 ORDER BY share_id`, userID)
	return collect(rows, err, scanHolding)
}

func (r pgReader) ListHoldingsByShare(ctx context.Context, shareID string) ([]model.UserHolding, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+holdingCols+` FROM user_holdings WHERE share_id = $1 ORDER BY user_id`, shareID)
	return collect(rows, err, scanHolding)
}

// --- Orders ---

const orderCols = `id, kind, user_id, share_id, quantity, remaining_quantity, processed_quantity,
	price::TEXT, currency, fee_amount::TEXT, status, fifo_position, priority_level,
	cumulative_payments::TEXT, payment_percentage::TEXT, recipient_id, created_at, updated_at, expires_at`

func scanOrder(row scanner) (model.Order, error) {
	var o model.Order
	var price, fee, cum, pct string
	err := row.Scan(&o.ID, &o.Kind, &o.UserID, &o.ShareID, &o.Quantity, &o.RemainingQuantity, &o.ProcessedQuantity,
		&price, &o.Currency, &fee, &o.Status, &o.FIFOPosition, &o.PriorityLevel,
		&cum, &pct, &o.RecipientID, &o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt)
	o.Price, _ = decimal.NewFromString(price)
	o.FeeAmount, _ = decimal.NewFromString(fee)
	o.CumulativePayments, _ = decimal.NewFromString(cum)
	o.PaymentPercentage, _ = decimal.NewFromString(pct)
	return o, err
}

func (r pgReader) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(r.q.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, lookup(err, "order %s", id)
	}
	return &o, nil
}

func (r pgReader) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := r.q.Query(ctx, `SELECT `+orderCols+` FROM orders WHERE user_id = $1 ORDER BY seq`, userID)
	return collect(rows, err, scanOrder)
}

func (r pgReader) ListQueuedOrders(ctx context.Context, shareID string, limit int) ([]model.Order, error) {
	sql := `SELECT ` + orderCols + ` FROM orders
		WHERE share_id = $1 AND kind IN ('sell', 'buyback') AND status IN ('queued', 'processing')
		ORDER BY fifo_position, seq`
	args := []any{shareID}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.q.Query(ctx, sql, args...)
	return collect(rows, err, scanOrder)
}

func (r pgReader) ListExpiredOrders(ctx context.Context, kind model.OrderKind, now time.Time) ([]model.Order, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE kind = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		   AND status NOT IN ('completed', 'cancelled', 'expired', 'rejected')
		 ORDER BY seq`, kind, now)
	return collect(rows, err, scanOrder)
}

func (r pgReader) SumUserQuantity(ctx context.Context, userID string, kinds []model.OrderKind, since time.Time) (int64, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	var total int64
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN status IN ('cancelled', 'expired', 'rejected')
		                          THEN processed_quantity ELSE quantity END), 0)
		 FROM orders WHERE user_id = $1 AND kind = ANY($2) AND created_at >= $3`,
		userID, names, since).Scan(&total)
	return total, err
}

func (r pgReader) ListOrderEvents(ctx context.Context, orderID string) ([]model.OrderEvent, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, order_id, type, old_quantity, new_quantity, old_fifo_position, new_fifo_position, note, created_at
		 FROM order_events WHERE order_id = $1 ORDER BY seq`, orderID)
	return collect(rows, err, func(row scanner) (model.OrderEvent, error) {
		var e model.OrderEvent
		err := row.Scan(&e.ID, &e.OrderID, &e.Type, &e.OldQuantity, &e.NewQuantity,
			&e.OldFIFOPosition, &e.NewFIFOPosition, &e.Note, &e.CreatedAt)
		return e, err
	})
}

// --- Wallets ---

func (r pgReader) WalletBalance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	var s string
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT FROM wallet_transactions
		 WHERE wallet_id = $1 AND status = 'completed'`, walletID).Scan(&s)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}

func (r pgReader) CachedBalance(ctx context.Context, walletID string) (decimal.Decimal, bool, error) {
	var s string
	err := r.q.QueryRow(ctx, `SELECT balance::TEXT FROM wallet_balances WHERE wallet_id = $1`, walletID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	b, err := decimal.NewFromString(s)
	return b, err == nil, err
}

func (r pgReader) ListWalletIDs(ctx context.Context) ([]string, error) {
	rows, err := r.q.Query(ctx,
		`SELECT wallet_id FROM wallet_transactions
		 UNION SELECT wallet_id FROM wallet_balances
		 ORDER BY 1`)
	return collect(rows, err, func(row scanner) (string, error) {
		var id string
		return id, row.Scan(&id)
	})
}

const walletTxCols = `id, wallet_id, amount::TEXT, currency, type, fee_amount::TEXT,
	status, correlation_id, order_id, created_at`

func scanWalletTx(row scanner) (model.WalletTransaction, error) {
	var t model.WalletTransaction
	var amount, fee string
	err := row.Scan(&t.ID, &t.WalletID, &amount, &t.Currency, &t.Type, &fee,
		&t.Status, &t.CorrelationID, &t.OrderID, &t.CreatedAt)
	t.Amount, _ = decimal.NewFromString(amount)
	t.FeeAmount, _ = decimal.NewFromString(fee)
	return t, err
}

func (r pgReader) ListWalletTransactions(ctx context.Context, walletID string) ([]model.WalletTransaction, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+walletTxCols+` FROM wallet_transactions WHERE wallet_id = $1 ORDER BY seq`, walletID)
	return collect(rows, err, scanWalletTx)
}

func (r pgReader) ListTransactionsByCorrelation(ctx context.Context, correlationID string) ([]model.WalletTransaction, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+walletTxCols+` FROM wallet_transactions WHERE correlation_id = $1 ORDER BY seq`, correlationID)
	return collect(rows, err, scanWalletTx)
}

// --- Funds ---

const fundCols = `fund, currency, balance::TEXT, fee_percentage::TEXT, proceeds_percentage::TEXT, updated_at`

func scanFund(row scanner) (model.FundAllocation, error) {
	var f model.FundAllocation
	var bal, feePct, procPct string
	err := row.Scan(&f.Fund, &f.Currency, &bal, &feePct, &procPct, &f.UpdatedAt)
	f.Balance, _ = decimal.NewFromString(bal)
	f.FeePercentage, _ = decimal.NewFromString(feePct)
	f.ProceedsPercentage, _ = decimal.NewFromString(procPct)
	return f, err
}

func (r pgReader) ListFunds(ctx context.Context) ([]model.FundAllocation, error) {
	rows, err := r.q.Query(ctx, `SELECT `+fundCols+` FROM fund_allocations ORDER BY currency, fund`)
	return collect(rows, err, scanFund)
}

func (r pgReader) GetFund(ctx context.Context, fund model.Fund, currency string) (*model.FundAllocation, error) {
	f, err := scanFund(r.q.QueryRow(ctx,
		`SELECT `+fundCols+` FROM fund_allocations WHERE fund = $1 AND currency = $2`, fund, currency))
	if err != nil {
		return nil, lookup(err, "fund %s/%s", fund, currency)
	}
	return &f, nil
}

// --- Prices & market control ---

const priceCols = `id, share_id, price::TEXT, previous_price::TEXT, calculation_method,
	factors, change_pct::TEXT, clamped, created_at`

func scanPrice(row scanner) (model.PriceSnapshot, error) {
	var p model.PriceSnapshot
	var price, prev, change string
	err := row.Scan(&p.ID, &p.ShareID, &price, &prev, &p.Method,
		&p.Factors, &change, &p.Clamped, &p.CreatedAt)
	p.Price, _ = decimal.NewFromString(price)
	p.PreviousPrice, _ = decimal.NewFromString(prev)
	p.ChangePct, _ = decimal.NewFromString(change)
	return p, err
}

func (r pgReader) LatestPrice(ctx context.Context, shareID string) (*model.PriceSnapshot, error) {
	p, err := scanPrice(r.q.QueryRow(ctx,
		`SELECT `+priceCols+` FROM price_snapshots WHERE share_id = $1
		 ORDER BY seq DESC LIMIT 1`, shareID))
	if err != nil {
		return nil, lookup(err, "price for share %s", shareID)
	}
	return &p, nil
}

func (r pgReader) PriceAsOf(ctx context.Context, shareID string, t time.Time) (*model.PriceSnapshot, error) {
	p, err := scanPrice(r.q.QueryRow(ctx,
		`SELECT `+priceCols+` FROM price_snapshots WHERE share_id = $1 AND created_at <= $2
		 ORDER BY seq DESC LIMIT 1`, shareID, t))
	if err != nil {
		return nil, lookup(err, "price for share %s as of %s", shareID, t.Format(time.RFC3339))
	}
	return &p, nil
}

func (r pgReader) PriceHistory(ctx context.Context, shareID string, limit int) ([]model.PriceSnapshot, error) {
	sql := `SELECT ` + priceCols + ` FROM price_snapshots WHERE share_id = $1 ORDER BY seq DESC`
	args := []any{shareID}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.q.Query(ctx, sql, args...)
	return collect(rows, err, scanPrice)
}

func (r pgReader) GetMarketState(ctx context.Context, scope string) (*model.MarketControlState, error) {
	var ms model.MarketControlState
	var daily, weekly, monthly, breaker string
	err := r.q.QueryRow(ctx,
		`SELECT scope, trading_halted, halt_reason, daily_movement::TEXT, weekly_movement::TEXT,
		        monthly_movement::TEXT, circuit_breaker_pct::TEXT, updated_at
		 FROM market_control_state WHERE scope = $1`, scope).
		Scan(&ms.Scope, &ms.TradingHalted, &ms.HaltReason, &daily, &weekly,
			&monthly, &breaker, &ms.UpdatedAt)
	if err != nil {
		return nil, lookup(err, "market state %s", scope)
	}
	ms.DailyMovement, _ = decimal.NewFromString(daily)
	ms.WeeklyMovement, _ = decimal.NewFromString(weekly)
	ms.MonthlyMovement, _ = decimal.NewFromString(monthly)
	ms.CircuitBreakerPct, _ = decimal.NewFromString(breaker)
	return &ms, nil
}

// --- Batches ---

const batchCols = `id, share_id, status, price::TEXT, fund_before::TEXT, fund_after::TEXT,
	orders_touched, shares_filled, total_value::TEXT, error, started_at, finished_at`

func scanBatch(row scanner) (model.SettlementBatch, error) {
	var b model.SettlementBatch
	var price, before, after, total string
	err := row.Scan(&b.ID, &b.ShareID, &b.Status, &price, &before, &after,
		&b.OrdersTouched, &b.SharesFilled, &total, &b.Error, &b.StartedAt, &b.FinishedAt)
	b.Price, _ = decimal.NewFromString(price)
	b.FundBefore, _ = decimal.NewFromString(before)
	b.FundAfter, _ = decimal.NewFromString(after)
	b.TotalValue, _ = decimal.NewFromString(total)
	return b, err
}

func (r pgReader) GetBatch(ctx context.Context, id string) (*model.SettlementBatch, error) {
	b, err := scanBatch(r.q.QueryRow(ctx, `SELECT `+batchCols+` FROM settlement_batches WHERE id = $1`, id))
	if err != nil {
		return nil, lookup(err, "batch %s", id)
	}
	return &b, nil
}

func (r pgReader) ListBatches(ctx context.Context, shareID string) ([]model.SettlementBatch, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+batchCols+` FROM settlement_batches WHERE share_id = $1 ORDER BY started_at`, shareID)
	return collect(rows, err, scanBatch)
}

// --- Tx ---

type pgTx struct {
	pgReader
}

func (tx *pgTx) CreateShare(ctx context.Context, sh *model.Share) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO shares (`+shareCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sh.ID, sh.Name, sh.Currency, sh.Total, sh.Available, sh.Reserved,
		sh.Held, sh.BoughtBack, sh.FIFOSequence, sh.Version, sh.Frozen, sh.FrozenReason, sh.CreatedAt)
	if err != nil {
		return fmt.Errorf("create share %s: %w", sh.ID, err)
	}
	return nil
}

func (tx *pgTx) LockShare(ctx context.Context, id string) (*model.Share, error) {
	sh, err := scanShare(tx.q.QueryRow(ctx, `SELECT `+shareCols+` FROM shares WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, lookup(err, "lock share %s", id)
	}
	return &sh, nil
}

func (tx *pgTx) UpdateShare(ctx context.Context, sh *model.Share) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE shares
		 SET available_shares = $3, reserved_shares = $4, held_shares = $5, bought_back_shares = $6,
		     total_shares = $7, fifo_sequence = $8, frozen = $9, frozen_reason = $10,
		     version = version + 1
		 WHERE id = $1 AND version = $2`,
		sh.ID, sh.Version, sh.Available, sh.Reserved, sh.Held, sh.BoughtBack,
		sh.Total, sh.FIFOSequence, sh.Frozen, sh.FrozenReason)
	if err != nil {
		return fmt.Errorf("update share %s: %w", sh.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("share %s version %d is stale: %w", sh.ID, sh.Version, model.ErrContentionTimeout)
	}
	sh.Version++
	return nil
}

func (tx *pgTx) InsertShareMovement(ctx context.Context, m *model.ShareMovement) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO share_movements (id, share_id, from_bucket, to_bucket, quantity, price, reason, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)`,
		m.ID, m.ShareID, m.FromBucket, m.ToBucket, m.Quantity, m.Price.String(), m.Reason, m.Reference, m.CreatedAt)
	return err
}

func (tx *pgTx) SaveAccount(ctx context.Context, a *model.Account) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO accounts (user_id, account_type, trusted) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET account_type = EXCLUDED.account_type, trusted = EXCLUDED.trusted`,
		a.UserID, a.AccountType, a.Trusted)
	return err
}

func (tx *pgTx) LockHolding(ctx context.Context, userID, shareID string) (*model.UserHolding, error) {
	h, err := scanHolding(tx.q.QueryRow(ctx,
		`SELECT `+holdingCols+` FROM user_holdings WHERE user_id = $1 AND share_id = $2 FOR UPDATE`,
		userID, shareID))
	if err != nil {
		return nil, lookup(err, "lock holding %s/%s", userID, shareID)
	}
	return &h, nil
}

func (tx *pgTx) SaveHolding(ctx context.Context, h *model.UserHolding) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO user_holdings (user_id, share_id, quantity, pending_quantity, reserved_for_sale,
		                            average_cost, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)
		 ON CONFLICT (user_id, share_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity, pending_quantity = EXCLUDED.pending_quantity,
		     reserved_for_sale = EXCLUDED.reserved_for_sale, average_cost = EXCLUDED.average_cost,
		     status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		h.UserID, h.ShareID, h.Quantity, h.PendingQuantity, h.ReservedForSale,
		h.AverageCost.String(), h.Status, h.UpdatedAt)
	return err
}

func (tx *pgTx) DeleteHolding(ctx context.Context, userID, shareID string) error {
	_, err := tx.q.Exec(ctx, `DELETE FROM user_holdings WHERE user_id = $1 AND share_id = $2`, userID, shareID)
	return err
}

func (tx *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO orders (id, kind, user_id, share_id, quantity, remaining_quantity, processed_quantity,
		                     price, currency, fee_amount, status, fifo_position, priority_level,
		                     cumulative_payments, payment_percentage, recipient_id, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10::NUMERIC, $11, $12, $13,
		         $14::NUMERIC, $15::NUMERIC, $16, $17, $18, $19)`,
		o.ID, o.Kind, o.UserID, o.ShareID, o.Quantity, o.RemainingQuantity, o.ProcessedQuantity,
		o.Price.String(), o.Currency, o.FeeAmount.String(), o.Status, o.FIFOPosition, o.PriorityLevel,
		o.CumulativePayments.String(), o.PaymentPercentage.String(), o.RecipientID, o.CreatedAt, o.UpdatedAt, o.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func (tx *pgTx) LockOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(tx.q.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, lookup(err, "lock order %s", id)
	}
	return &o, nil
}

func (tx *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE orders
		 SET quantity = $2, remaining_quantity = $3, processed_quantity = $4, price = $5::NUMERIC,
		     fee_amount = $6::NUMERIC, status = $7, fifo_position = $8, cumulative_payments = $9::NUMERIC,
		     payment_percentage = $10::NUMERIC, updated_at = $11, expires_at = $12
		 WHERE id = $1`,
		o.ID, o.Quantity, o.RemainingQuantity, o.ProcessedQuantity, o.Price.String(),
		o.FeeAmount.String(), o.Status, o.FIFOPosition, o.CumulativePayments.String(),
		o.PaymentPercentage.String(), o.UpdatedAt, o.ExpiresAt)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, model.ErrNotFound)
	}
	return nil
}

func (tx *pgTx) InsertOrderEvent(ctx context.Context, e *model.OrderEvent) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO order_events (id, order_id, type, old_quantity, new_quantity,
		                           old_fifo_position, new_fifo_position, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.OrderID, e.Type, e.OldQuantity, e.NewQuantity,
		e.OldFIFOPosition, e.NewFIFOPosition, e.Note, e.CreatedAt)
	return err
}

// LockWallet takes a transaction-scoped advisory lock on the wallet id.
// Wallets have no row of their own until first projected.
func (tx *pgTx) LockWallet(ctx context.Context, walletID string) error {
	_, err := tx.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, walletID)
	return err
}

func (tx *pgTx) InsertWalletTransaction(ctx context.Context, t *model.WalletTransaction) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO wallet_transactions (id, wallet_id, amount, currency, type, fee_amount,
		                                  status, correlation_id, order_id, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6::NUMERIC, $7, $8, $9, $10)`,
		t.ID, t.WalletID, t.Amount.String(), t.Currency, t.Type, t.FeeAmount.String(),
		t.Status, t.CorrelationID, t.OrderID, t.CreatedAt)
	return err
}

func (tx *pgTx) SetTransactionStatus(ctx context.Context, id string, status model.TxStatus) error {
	tag, err := tx.q.Exec(ctx, `UPDATE wallet_transactions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet transaction %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (tx *pgTx) SetCachedBalance(ctx context.Context, walletID, currency string, balance decimal.Decimal) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO wallet_balances (wallet_id, currency, balance, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, now())
		 ON CONFLICT (wallet_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()`,
		walletID, currency, balance.String())
	return err
}

func (tx *pgTx) SaveFund(ctx context.Context, f *model.FundAllocation) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO fund_allocations (fund, currency, balance, fee_percentage, proceeds_percentage, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (fund, currency) DO UPDATE
		 SET balance = EXCLUDED.balance, fee_percentage = EXCLUDED.fee_percentage,
		     proceeds_percentage = EXCLUDED.proceeds_percentage, updated_at = EXCLUDED.updated_at`,
		f.Fund, f.Currency, f.Balance.String(), f.FeePercentage.String(), f.ProceedsPercentage.String(), f.UpdatedAt)
	return err
}

func (tx *pgTx) InsertPriceSnapshot(ctx context.Context, p *model.PriceSnapshot) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO price_snapshots (id, share_id, price, previous_price, calculation_method,
		                              factors, change_pct, clamped, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7::NUMERIC, $8, $9)`,
		p.ID, p.ShareID, p.Price.String(), p.PreviousPrice.String(), p.Method,
		p.Factors, p.ChangePct.String(), p.Clamped, p.CreatedAt)
	return err
}

func (tx *pgTx) SaveMarketState(ctx context.Context, ms *model.MarketControlState) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO market_control_state (scope, trading_halted, halt_reason, daily_movement,
		                                   weekly_movement, monthly_movement, circuit_breaker_pct, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (scope) DO UPDATE
		 SET trading_halted = EXCLUDED.trading_halted, halt_reason = EXCLUDED.halt_reason,
		     daily_movement = EXCLUDED.daily_movement, weekly_movement = EXCLUDED.weekly_movement,
		     monthly_movement = EXCLUDED.monthly_movement, circuit_breaker_pct = EXCLUDED.circuit_breaker_pct,
		     updated_at = EXCLUDED.updated_at`,
		ms.Scope, ms.TradingHalted, ms.HaltReason, ms.DailyMovement.String(),
		ms.WeeklyMovement.String(), ms.MonthlyMovement.String(), ms.CircuitBreakerPct.String(), ms.UpdatedAt)
	return err
}

func (tx *pgTx) SaveBatch(ctx context.Context, b *model.SettlementBatch) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO settlement_batches (id, share_id, status, price, fund_before, fund_after,
		                                 orders_touched, shares_filled, total_value, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9::NUMERIC, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, fund_after = EXCLUDED.fund_after,
		     orders_touched = EXCLUDED.orders_touched, shares_filled = EXCLUDED.shares_filled,
		     total_value = EXCLUDED.total_value, error = EXCLUDED.error, finished_at = EXCLUDED.finished_at`,
		b.ID, b.ShareID, b.Status, b.Price.String(), b.FundBefore.String(), b.FundAfter.String(),
		b.OrdersTouched, b.SharesFilled, b.TotalValue.String(), b.Error, b.StartedAt, b.FinishedAt)
	return err
}
