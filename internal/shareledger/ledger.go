// Package shareledger keeps the authoritative bucket counts of every share
// class. All mutations run inside the caller's store transaction against a
// row-locked share, write an immutable movement record, and never let a
// bucket go negative.
package shareledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/store"
)

// Movement reasons recorded on ShareMovement.
const (
	ReasonIssue             = "issue"
	ReasonRetire            = "retire"
	ReasonBuy               = "buy"
	ReasonBookingReserve    = "booking_reserve"
	ReasonBookingVest       = "booking_vest"
	ReasonBookingRelease    = "booking_release"
	ReasonBuybackFill       = "buyback_fill"
	ReasonBoughtBackRelease = "bought_back_release"
	ReasonReconcile         = "reconcile"
	ReasonReserve           = "reserve"
	ReasonRelease           = "release"
)

// ErrFrozen is returned for any mutation of a frozen share. It wraps
// model.ErrFatalInvariant.
var ErrFrozen = fmt.Errorf("share frozen: %w", model.ErrFatalInvariant)

// Move describes a transfer between two buckets.
type Move struct {
	ShareID   string
	Quantity  int64
	From      model.Bucket
	To        model.Bucket
	Price     decimal.Decimal
	Reason    string
	Reference string
}

// Ledger mutates share buckets.
type Ledger struct {
	now func() time.Time
}

// New creates a share ledger. now may be nil.
func New(now func() time.Time) *Ledger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{now: now}
}

// Create issues a new share class with every share in the available bucket.
func (l *Ledger) Create(ctx context.Context, tx store.Tx, id, name, currency string, total int64) (*model.Share, error) {
	if total <= 0 {
		return nil, model.Invalid(model.RuleQuantity, "total shares must be positive, got %d", total)
	}
	sh := &model.Share{
		ID:        id,
		Name:      name,
		Currency:  currency,
		Total:     total,
		Available: total,
		CreatedAt: l.now(),
	}
	if err := tx.CreateShare(ctx, sh); err != nil {
		return nil, err
	}
	if err := tx.InsertShareMovement(ctx, &model.ShareMovement{
		ID:         uuid.New().String(),
		ShareID:    id,
		FromBucket: model.BucketExternal,
		ToBucket:   model.BucketAvailable,
		Quantity:   total,
		Price:      decimal.Zero,
		Reason:     ReasonIssue,
		Reference:  id,
		CreatedAt:  sh.CreatedAt,
	}); err != nil {
		return nil, err
	}
	return sh, nil
}

// Reserve moves qty from available to reserved.
func (l *Ledger) Reserve(ctx context.Context, tx store.Tx, shareID string, qty int64, ref string) (*model.Share, error) {
	return l.TransferBucket(ctx, tx, Move{
		ShareID: shareID, Quantity: qty,
		From: model.BucketAvailable, To: model.BucketReserved,
		Reason: ReasonReserve, Reference: ref,
	})
}

// Release moves qty from reserved back to available.
func (l *Ledger) Release(ctx context.Context, tx store.Tx, shareID string, qty int64, ref string) (*model.Share, error) {
	return l.TransferBucket(ctx, tx, Move{
		ShareID: shareID, Quantity: qty,
		From: model.BucketReserved, To: model.BucketAvailable,
		Reason: ReasonRelease, Reference: ref,
	})
}

// TransferBucket moves m.Quantity shares between two buckets. The total is
// unchanged.
func (l *Ledger) TransferBucket(ctx context.Context, tx store.Tx, m Move) (*model.Share, error) {
	if m.Quantity <= 0 {
		return nil, model.Invalid(model.RuleQuantity, "move quantity must be positive, got %d", m.Quantity)
	}
	if m.From == m.To {
		return nil, fmt.Errorf("move %s→%s: same bucket: %w", m.From, m.To, model.ErrInvalidState)
	}

	sh, err := l.lock(ctx, tx, m.ShareID)
	if err != nil {
		return nil, err
	}
	from, to := sh.Bucket(m.From), sh.Bucket(m.To)
	if from == nil || to == nil {
		return nil, fmt.Errorf("move %s→%s: unknown bucket: %w", m.From, m.To, model.ErrInvalidState)
	}
	if *from < m.Quantity {
		return nil, fmt.Errorf("share %s: %s has %d, need %d: %w",
			sh.ID, m.From, *from, m.Quantity, model.ErrInsufficientShares)
	}
	*from -= m.Quantity
	*to += m.Quantity

	return sh, l.commit(ctx, tx, sh, m)
}

// Adjust issues (delta > 0) or retires (delta < 0) shares in bucket,
// changing the total.
func (l *Ledger) Adjust(ctx context.Context, tx store.Tx, shareID string, delta int64, bucket model.Bucket, reason, ref string) (*model.Share, error) {
	if delta == 0 {
		return nil, model.Invalid(model.RuleQuantity, "adjust delta must be non-zero")
	}
	sh, err := l.lock(ctx, tx, shareID)
	if err != nil {
		return nil, err
	}
	b := sh.Bucket(bucket)
	if b == nil {
		return nil, fmt.Errorf("adjust %s: unknown bucket: %w", bucket, model.ErrInvalidState)
	}
	if *b+delta < 0 || sh.Total+delta < 0 {
		return nil, fmt.Errorf("share %s: adjust %s by %d: %w", sh.ID, bucket, delta, model.ErrInsufficientShares)
	}
	*b += delta
	sh.Total += delta

	m := Move{ShareID: shareID, Quantity: delta, From: model.BucketExternal, To: bucket, Reason: reason, Reference: ref}
	if delta < 0 {
		m = Move{ShareID: shareID, Quantity: -delta, From: bucket, To: model.BucketExternal, Reason: reason, Reference: ref}
	}
	return sh, l.commit(ctx, tx, sh, m)
}

// Correct overwrites bucket counters with recomputed values without
// touching the total. Used by reconciliation only; the conservation check
// decides whether the corrected share is acceptable.
func (l *Ledger) Correct(ctx context.Context, tx store.Tx, shareID string, values map[model.Bucket]int64) (*model.Share, error) {
	sh, err := l.lock(ctx, tx, shareID)
	if err != nil {
		return nil, err
	}

	var moves []Move
	for _, bucket := range []model.Bucket{model.BucketAvailable, model.BucketReserved, model.BucketHeld, model.BucketBoughtBack} {
		value, ok := values[bucket]
		if !ok {
			continue
		}
		b := sh.Bucket(bucket)
		if value < 0 {
			return nil, fmt.Errorf("share %s: correct %s to %d: %w", sh.ID, bucket, value, model.ErrInsufficientShares)
		}
		switch {
		case value > *b:
			moves = append(moves, Move{From: model.BucketExternal, To: bucket, Quantity: value - *b})
		case value < *b:
			moves = append(moves, Move{From: bucket, To: model.BucketExternal, Quantity: *b - value})
		}
		*b = value
	}
	if len(moves) == 0 {
		return sh, nil
	}

	if err := Verify(sh); err != nil {
		return nil, err
	}
	if err := tx.UpdateShare(ctx, sh); err != nil {
		return nil, err
	}
	for _, m := range moves {
		m.ShareID, m.Reason, m.Reference = shareID, ReasonReconcile, shareID
		if err := tx.InsertShareMovement(ctx, l.movement(sh, m)); err != nil {
			return nil, err
		}
	}
	return sh, nil
}

func (l *Ledger) lock(ctx context.Context, tx store.Tx, shareID string) (*model.Share, error) {
	sh, err := tx.LockShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if err := CheckFrozen(sh); err != nil {
		return nil, err
	}
	return sh, nil
}

// CheckFrozen returns ErrFrozen when sh is frozen.
func CheckFrozen(sh *model.Share) error {
	if sh.Frozen {
		return fmt.Errorf("share %s (%s): %w", sh.ID, sh.FrozenReason, ErrFrozen)
	}
	return nil
}

func (l *Ledger) commit(ctx context.Context, tx store.Tx, sh *model.Share, m Move) error {
	if err := Verify(sh); err != nil {
		return err
	}
	if err := tx.UpdateShare(ctx, sh); err != nil {
		return err
	}
	return tx.InsertShareMovement(ctx, l.movement(sh, m))
}

func (l *Ledger) movement(sh *model.Share, m Move) *model.ShareMovement {
	return &model.ShareMovement{
		ID:         uuid.New().String(),
		ShareID:    sh.ID,
		FromBucket: m.From,
		ToBucket:   m.To,
		Quantity:   m.Quantity,
		Price:      m.Price,
		Reason:     m.Reason,
		Reference:  m.Reference,
		CreatedAt:  l.now(),
	}
}

// Verify checks that no bucket is negative and that the buckets add up to
// the total.
func Verify(sh *model.Share) error {
	if sh.Available < 0 || sh.Reserved < 0 || sh.Held < 0 || sh.BoughtBack < 0 {
		return fmt.Errorf("share %s has a negative bucket (available=%d reserved=%d held=%d bought_back=%d): %w",
			sh.ID, sh.Available, sh.Reserved, sh.Held, sh.BoughtBack, model.ErrFatalInvariant)
	}
	if sh.BucketTotal() != sh.Total {
		return fmt.Errorf("share %s: total %d != buckets %d: %w",
			sh.ID, sh.Total, sh.BucketTotal(), model.ErrFatalInvariant)
	}
	return nil
}

// Freeze halts every further mutation of the share until an operator
// clears it. It runs in its own transaction.
func (l *Ledger) Freeze(ctx context.Context, st store.Store, shareID, reason string) error {
	err := st.InTx(ctx, func(tx store.Tx) error {
		sh, err := tx.LockShare(ctx, shareID)
		if err != nil {
			return err
		}
		if sh.Frozen {
			return nil
		}
		sh.Frozen = true
		sh.FrozenReason = reason
		return tx.UpdateShare(ctx, sh)
	})
	if err != nil {
		return fmt.Errorf("freeze share %s: %w", shareID, err)
	}
	slog.Error("share frozen", "share", shareID, "reason", reason)
	return nil
}

// Unfreeze clears the frozen flag after the buckets verify again.
func (l *Ledger) Unfreeze(ctx context.Context, st store.Store, shareID string) error {
	return st.InTx(ctx, func(tx store.Tx) error {
		sh, err := tx.LockShare(ctx, shareID)
		if err != nil {
			return err
		}
		if err := Verify(sh); err != nil {
			return err
		}
		sh.Frozen = false
		sh.FrozenReason = ""
		return tx.UpdateShare(ctx, sh)
	})
}
