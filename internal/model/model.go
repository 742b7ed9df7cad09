// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
// Share quantities are whole shares (int64).
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places wallet amounts are rounded to.
const MoneyScale int32 = 2

// Bucket names a holding location for shares.
type Bucket string

const (
	BucketAvailable  Bucket = "available"
	BucketReserved   Bucket = "reserved"
	BucketHeld       Bucket = "held"
	BucketBoughtBack Bucket = "bought_back"
	// BucketExternal is the issuance/retirement side of an adjust.
	BucketExternal Bucket = "external"
)

// Share is one share class issued by the enterprise.
// Invariant: Total == Available + Reserved + Held + BoughtBack at every settled state.
type Share struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Currency     string    `json:"currency" db:"currency"`
	Total        int64     `json:"total_shares" db:"total_shares"`
	Available    int64     `json:"available_shares" db:"available_shares"`
	Reserved     int64     `json:"reserved_shares" db:"reserved_shares"`
	Held         int64     `json:"held_shares" db:"held_shares"`
	BoughtBack   int64     `json:"bought_back_shares" db:"bought_back_shares"`
	FIFOSequence int64     `json:"fifo_sequence" db:"fifo_sequence"`
	Version      int64     `json:"version" db:"version"`
	Frozen       bool      `json:"frozen" db:"frozen"`
	FrozenReason string    `json:"frozen_reason,omitempty" db:"frozen_reason"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// BucketTotal returns the sum of all buckets.
func (s *Share) BucketTotal() int64 {
	return s.Available + s.Reserved + s.Held + s.BoughtBack
}

// Bucket returns a pointer to the counter for b, or nil for unknown buckets.
func (s *Share) Bucket(b Bucket) *int64 {
	switch b {
	case BucketAvailable:
		return &s.Available
	case BucketReserved:
		return &s.Reserved
	case BucketHeld:
		return &s.Held
	case BucketBoughtBack:
		return &s.BoughtBack
	}
	return nil
}

// ShareMovement is an immutable record of shares moving between buckets.
type ShareMovement struct {
	ID         string          `json:"id" db:"id"`
	ShareID    string          `json:"share_id" db:"share_id"`
	FromBucket Bucket          `json:"from_bucket" db:"from_bucket"`
	ToBucket   Bucket          `json:"to_bucket" db:"to_bucket"`
	Quantity   int64           `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Reason     string          `json:"reason" db:"reason"`
	Reference  string          `json:"reference" db:"reference"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Account carries the per-user attributes the engine needs from the
// identity layer.
type Account struct {
	UserID      string `json:"user_id" db:"user_id"`
	AccountType string `json:"account_type" db:"account_type"`
	Trusted     bool   `json:"trusted" db:"trusted"`
}

// HoldingStatus models vesting and lock-up of a user's shares.
type HoldingStatus string

const (
	HoldingPending   HoldingStatus = "pending"
	HoldingLocked    HoldingStatus = "locked"
	HoldingReleased  HoldingStatus = "released"
	HoldingTradeable HoldingStatus = "available_for_trade"
)

// UserHolding is a user's position in one share class.
type UserHolding struct {
	UserID          string          `json:"user_id" db:"user_id"`
	ShareID         string          `json:"share_id" db:"share_id"`
	Quantity        int64           `json:"quantity" db:"quantity"`
	PendingQuantity int64           `json:"pending_quantity" db:"pending_quantity"`
	ReservedForSale int64           `json:"reserved_for_sale" db:"reserved_for_sale"`
	AverageCost     decimal.Decimal `json:"average_cost" db:"average_cost"`
	Status          HoldingStatus   `json:"status" db:"status"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Tradable is the quantity that may be sold or transferred right now.
func (h *UserHolding) Tradable() int64 {
	if h.Status != HoldingReleased && h.Status != HoldingTradeable {
		return 0
	}
	if n := h.Quantity - h.ReservedForSale; n > 0 {
		return n
	}
	return 0
}

// Empty reports whether the holding has been fully liquidated.
func (h *UserHolding) Empty() bool {
	return h.Quantity == 0 && h.PendingQuantity == 0 && h.ReservedForSale == 0
}

// OrderKind discriminates the order variants.
type OrderKind string

const (
	KindBuy      OrderKind = "buy"
	KindBooking  OrderKind = "booking"
	KindSell     OrderKind = "sell"
	KindBuyback  OrderKind = "buyback"
	KindTransfer OrderKind = "transfer"
)

// Queued reports whether orders of this kind settle through the FIFO queue.
func (k OrderKind) Queued() bool { return k == KindSell || k == KindBuyback }

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending          OrderStatus = "pending"
	OrderQueued           OrderStatus = "queued"
	OrderProcessing       OrderStatus = "processing"
	OrderAwaitingApproval OrderStatus = "awaiting_approval"
	OrderCompleted        OrderStatus = "completed"
	OrderCancelled        OrderStatus = "cancelled"
	OrderExpired          OrderStatus = "expired"
	OrderRejected         OrderStatus = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderCompleted, OrderCancelled, OrderExpired, OrderRejected:
		return true
	}
	return false
}

// Order is the polymorphic order record. Fields that only apply to one kind
// are zero for the others.
type Order struct {
	ID                 string          `json:"id" db:"id"`
	Kind               OrderKind       `json:"kind" db:"kind"`
	UserID             string          `json:"user_id" db:"user_id"`
	ShareID            string          `json:"share_id" db:"share_id"`
	Quantity           int64           `json:"quantity" db:"quantity"`
	RemainingQuantity  int64           `json:"remaining_quantity" db:"remaining_quantity"`
	ProcessedQuantity  int64           `json:"processed_quantity" db:"processed_quantity"`
	Price              decimal.Decimal `json:"price" db:"price"`
	Currency           string          `json:"currency" db:"currency"`
	FeeAmount          decimal.Decimal `json:"fee_amount" db:"fee_amount"`
	Status             OrderStatus     `json:"status" db:"status"`
	FIFOPosition       int64           `json:"fifo_position,omitempty" db:"fifo_position"`
	PriorityLevel      int             `json:"priority_level,omitempty" db:"priority_level"`
	CumulativePayments decimal.Decimal `json:"cumulative_payments" db:"cumulative_payments"`
	PaymentPercentage  decimal.Decimal `json:"payment_percentage" db:"payment_percentage"`
	RecipientID        string          `json:"recipient_id,omitempty" db:"recipient_id"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
}

// Total is the gross value of the order at its price.
func (o *Order) Total() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// OrderEventType names an audited order transition.
type OrderEventType string

const (
	EventAdmitted  OrderEventType = "admitted"
	EventModified  OrderEventType = "modified"
	EventRequeued  OrderEventType = "requeued"
	EventFilled    OrderEventType = "filled"
	EventPayment   OrderEventType = "payment"
	EventCancelled OrderEventType = "cancelled"
	EventExpired   OrderEventType = "expired"
	EventApproved  OrderEventType = "approved"
	EventRejected  OrderEventType = "rejected"
	EventCompleted OrderEventType = "completed"
)

// OrderEvent is an immutable audit record of an order change.
type OrderEvent struct {
	ID              string         `json:"id" db:"id"`
	OrderID         string         `json:"order_id" db:"order_id"`
	Type            OrderEventType `json:"type" db:"type"`
	OldQuantity     int64          `json:"old_quantity" db:"old_quantity"`
	NewQuantity     int64          `json:"new_quantity" db:"new_quantity"`
	OldFIFOPosition int64          `json:"old_fifo_position" db:"old_fifo_position"`
	NewFIFOPosition int64          `json:"new_fifo_position" db:"new_fifo_position"`
	Note            string         `json:"note,omitempty" db:"note"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// TxType classifies a wallet transaction leg.
type TxType string

const (
	TxDeposit        TxType = "deposit"
	TxWithdrawal     TxType = "withdrawal"
	TxPurchase       TxType = "purchase"
	TxBookingPayment TxType = "booking_payment"
	TxProceeds       TxType = "proceeds"
	TxSaleCredit     TxType = "sale_credit"
	TxBuybackDebit   TxType = "buyback_debit"
	TxFee            TxType = "fee"
	TxFeeSplit       TxType = "fee_split"
	TxReversal       TxType = "reversal"
)

// TxStatus is the state of a wallet transaction leg.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
	TxReversed  TxStatus = "reversed"
)

// WalletTransaction is one append-only leg of a wallet post. Balances are
// derived by summing completed legs.
type WalletTransaction struct {
	ID            string          `json:"id" db:"id"`
	WalletID      string          `json:"wallet_id" db:"wallet_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	Currency      string          `json:"currency" db:"currency"`
	Type          TxType          `json:"type" db:"type"`
	FeeAmount     decimal.Decimal `json:"fee_amount" db:"fee_amount"`
	Status        TxStatus        `json:"status" db:"status"`
	CorrelationID string          `json:"correlation_id" db:"correlation_id"`
	OrderID       string          `json:"order_id,omitempty" db:"order_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Fund names a company sub-fund.
type Fund string

const (
	FundAdmin    Fund = "admin"
	FundBuyback  Fund = "buyback"
	FundProject  Fund = "project"
	FundExpenses Fund = "expenses"
)

// Funds lists every sub-fund in split order. The last one absorbs rounding.
var Funds = []Fund{FundAdmin, FundBuyback, FundProject, FundExpenses}

// FundAllocation is the mirrored balance and split rule of a company sub-fund.
type FundAllocation struct {
	Fund               Fund            `json:"fund" db:"fund"`
	Currency           string          `json:"currency" db:"currency"`
	Balance            decimal.Decimal `json:"balance" db:"balance"`
	FeePercentage      decimal.Decimal `json:"fee_percentage" db:"fee_percentage"`
	ProceedsPercentage decimal.Decimal `json:"proceeds_percentage" db:"proceeds_percentage"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// PriceFactors are the weighted inputs of a price computation, expressed as
// fractional change signals (0.02 = +2%).
type PriceFactors struct {
	MiningProfit         decimal.Decimal `json:"mining_profit"`
	DividendImpact       decimal.Decimal `json:"dividend_impact"`
	MarketActivity       decimal.Decimal `json:"market_activity"`
	VolatilityAdjustment decimal.Decimal `json:"volatility_adjustment"`
	ManualAdjustment     decimal.Decimal `json:"manual_adjustment"`
	// ManualPrice is used verbatim by the manual method.
	ManualPrice decimal.Decimal `json:"manual_price"`
}

// PriceSnapshot is an immutable price point. The current price of a share is
// its latest snapshot.
type PriceSnapshot struct {
	ID            string          `json:"id" db:"id"`
	ShareID       string          `json:"share_id" db:"share_id"`
	Price         decimal.Decimal `json:"price" db:"price"`
	PreviousPrice decimal.Decimal `json:"previous_price" db:"previous_price"`
	Method        string          `json:"calculation_method" db:"calculation_method"`
	Factors       PriceFactors    `json:"factors" db:"factors"`
	ChangePct     decimal.Decimal `json:"change_pct" db:"change_pct"`
	Clamped       bool            `json:"clamped" db:"clamped"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// GlobalScope is the MarketControlState scope that gates every share.
const GlobalScope = "global"

// MarketControlState holds trading halt flags and cumulative movement for a
// scope (GlobalScope or a share id).
type MarketControlState struct {
	Scope             string          `json:"scope" db:"scope"`
	TradingHalted     bool            `json:"trading_halted" db:"trading_halted"`
	HaltReason        string          `json:"halt_reason,omitempty" db:"halt_reason"`
	DailyMovement     decimal.Decimal `json:"daily_movement" db:"daily_movement"`
	WeeklyMovement    decimal.Decimal `json:"weekly_movement" db:"weekly_movement"`
	MonthlyMovement   decimal.Decimal `json:"monthly_movement" db:"monthly_movement"`
	CircuitBreakerPct decimal.Decimal `json:"circuit_breaker_pct" db:"circuit_breaker_pct"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// BatchStatus is the state of a settlement batch.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
	BatchFailed    BatchStatus = "failed"
)

// SettlementBatch records one run of the sell/buyback queue.
type SettlementBatch struct {
	ID            string          `json:"id" db:"id"`
	ShareID       string          `json:"share_id" db:"share_id"`
	Status        BatchStatus     `json:"status" db:"status"`
	Price         decimal.Decimal `json:"price" db:"price"`
	FundBefore    decimal.Decimal `json:"fund_before" db:"fund_before"`
	FundAfter     decimal.Decimal `json:"fund_after" db:"fund_after"`
	OrdersTouched int             `json:"orders_touched" db:"orders_touched"`
	SharesFilled  int64           `json:"shares_filled" db:"shares_filled"`
	TotalValue    decimal.Decimal `json:"total_value" db:"total_value"`
	Error         string          `json:"error,omitempty" db:"error"`
	StartedAt     time.Time       `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}
