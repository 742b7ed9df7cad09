package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/shareledger"
	"github.com/minevest/share-engine/internal/store"
)

// Queue is the per-share FIFO of sell and buyback orders. Positions come
// from the share's monotonic sequence; they are sparse and never compacted,
// so removing an order leaves every other position untouched.
type Queue struct {
	now func() time.Time
}

// NewQueue creates a queue. now may be nil.
func NewQueue(now func() time.Time) *Queue {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Queue{now: now}
}

// Enqueue assigns the next position of the order's share and marks the
// order queued. The order row must be written by the caller afterwards.
func (q *Queue) Enqueue(ctx context.Context, tx store.Tx, o *model.Order) error {
	pos, err := q.next(ctx, tx, o.ShareID)
	if err != nil {
		return err
	}
	o.FIFOPosition = pos
	o.Status = model.OrderQueued
	o.UpdatedAt = q.now()
	return nil
}

// Requeue moves an open order to the back of its share's queue and
// records the old and new positions.
func (q *Queue) Requeue(ctx context.Context, tx store.Tx, o *model.Order, note string) error {
	if !o.Kind.Queued() || (o.Status != model.OrderQueued && o.Status != model.OrderProcessing) {
		return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, model.ErrInvalidState)
	}
	pos, err := q.next(ctx, tx, o.ShareID)
	if err != nil {
		return err
	}
	old := o.FIFOPosition
	o.FIFOPosition = pos
	o.UpdatedAt = q.now()
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}
	return q.Record(ctx, tx, &model.OrderEvent{
		OrderID:         o.ID,
		Type:            model.EventRequeued,
		OldQuantity:     o.Quantity,
		NewQuantity:     o.Quantity,
		OldFIFOPosition: old,
		NewFIFOPosition: pos,
		Note:            note,
	})
}

// Remove takes an open order out of the queue with a terminal status.
func (q *Queue) Remove(ctx context.Context, tx store.Tx, o *model.Order, status model.OrderStatus, ev model.OrderEventType, note string) error {
	if o.Status.Terminal() {
		return fmt.Errorf("order %s is already %s: %w", o.ID, o.Status, model.ErrInvalidState)
	}
	o.Status = status
	o.UpdatedAt = q.now()
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}
	return q.Record(ctx, tx, &model.OrderEvent{
		OrderID:         o.ID,
		Type:            ev,
		OldQuantity:     o.Quantity,
		NewQuantity:     o.Quantity,
		OldFIFOPosition: o.FIFOPosition,
		NewFIFOPosition: o.FIFOPosition,
		Note:            note,
	})
}

// Head returns up to limit open orders of a share in position order.
func (q *Queue) Head(ctx context.Context, r store.Reader, shareID string, limit int) ([]model.Order, error) {
	return r.ListQueuedOrders(ctx, shareID, limit)
}

// Record appends an order event, filling id and timestamp.
func (q *Queue) Record(ctx context.Context, tx store.Tx, e *model.OrderEvent) error {
	e.ID = uuid.New().String()
	e.CreatedAt = q.now()
	return tx.InsertOrderEvent(ctx, e)
}

func (q *Queue) next(ctx context.Context, tx store.Tx, shareID string) (int64, error) {
	sh, err := tx.LockShare(ctx, shareID)
	if err != nil {
		return 0, err
	}
	if err := shareledger.CheckFrozen(sh); err != nil {
		return 0, err
	}
	sh.FIFOSequence++
	if err := tx.UpdateShare(ctx, sh); err != nil {
		return 0, err
	}
	return sh.FIFOSequence, nil
}
