package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/intake"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/store"
)

// costScale is the precision of average cost.
const costScale int32 = 4

// holdingFor locks the user's holding, or starts a new one in status.
func (e *Engine) holdingFor(ctx context.Context, tx store.Tx, userID, shareID string, status model.HoldingStatus) (*model.UserHolding, error) {
	h, err := tx.LockHolding(ctx, userID, shareID)
	if errors.Is(err, model.ErrNotFound) {
		return &model.UserHolding{
			UserID:      userID,
			ShareID:     shareID,
			AverageCost: decimal.Zero,
			Status:      status,
			UpdatedAt:   e.now(),
		}, nil
	}
	return h, err
}

// existingHolding locks a holding that must exist.
func (e *Engine) existingHolding(ctx context.Context, tx store.Tx, userID, shareID string) (*model.UserHolding, error) {
	h, err := tx.LockHolding(ctx, userID, shareID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("holding of %s in %s: %w", userID, shareID, model.ErrInsufficientShares)
	}
	return h, err
}

// saveHolding writes h, or removes it once nothing is left.
func (e *Engine) saveHolding(ctx context.Context, tx store.Tx, h *model.UserHolding) error {
	if h.Quantity < 0 || h.PendingQuantity < 0 || h.ReservedForSale < 0 || h.ReservedForSale > h.Quantity {
		return fmt.Errorf("holding %s/%s quantity=%d pending=%d reserved=%d: %w",
			h.UserID, h.ShareID, h.Quantity, h.PendingQuantity, h.ReservedForSale, model.ErrFatalInvariant)
	}
	if h.Empty() {
		err := tx.DeleteHolding(ctx, h.UserID, h.ShareID)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}
	h.UpdatedAt = e.now()
	return tx.SaveHolding(ctx, h)
}

// settle adds qty settled shares at unitCost and updates the average cost.
func settle(h *model.UserHolding, qty int64, unitCost decimal.Decimal) {
	oldQty := decimal.NewFromInt(h.Quantity)
	newQty := decimal.NewFromInt(h.Quantity + qty)
	if newQty.IsPositive() {
		h.AverageCost = h.AverageCost.Mul(oldQty).
			Add(unitCost.Mul(decimal.NewFromInt(qty))).
			Div(newQty).
			Round(costScale)
	}
	h.Quantity += qty
}

// settledStatus is the status of shares the user owns outright under the
// account type's lock-up rule.
func settledStatus(at intake.AccountType) model.HoldingStatus {
	if at.LockOnPurchase {
		return model.HoldingLocked
	}
	return model.HoldingTradeable
}

// vest promotes a holding that only had pending shares.
func vest(h *model.UserHolding, at intake.AccountType) {
	if h.Status == model.HoldingPending {
		h.Status = settledStatus(at)
	}
}
