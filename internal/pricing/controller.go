// Package pricing computes share prices from weighted factors, keeps the
// immutable snapshot history, and owns the trading halt flags that gate
// intake and settlement.
//
// All monetary values use shopspring/decimal, never float64.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/limits"
	"github.com/minevest/share-engine/internal/lock"
	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/store"
)

// Calculation methods.
const (
	MethodWeighted = "weighted"
	MethodManual   = "manual"
	MethodInitial  = "initial"
)

var (
	// ErrUnknownMethod is returned for an unsupported calculation method.
	ErrUnknownMethod = errors.New("pricing: unknown calculation method")

	// ErrNonPositivePrice is returned when a computation yields a price <= 0.
	ErrNonPositivePrice = errors.New("pricing: price must be positive")

	hundred = decimal.NewFromInt(100)
)

// PriceScale is the number of decimal places prices are rounded to.
const PriceScale int32 = 4

// Weights scale each factor of the weighted method.
type Weights struct {
	MiningProfit         decimal.Decimal
	DividendImpact       decimal.Decimal
	MarketActivity       decimal.Decimal
	VolatilityAdjustment decimal.Decimal
	ManualAdjustment     decimal.Decimal
}

// Config holds the risk controls. Percentages are in percent (10 = 10%);
// zero disables a control.
type Config struct {
	Weights           Weights
	MaxDailyChange    decimal.Decimal
	MaxWeeklyChange   decimal.Decimal
	MaxMonthlyChange  decimal.Decimal
	CircuitBreakerPct decimal.Decimal
	TolerancePct      decimal.Decimal
}

// Controller is the price & risk controller.
type Controller struct {
	store store.Store
	locks *lock.Manager
	cfg   Config
	now   func() time.Time
}

// NewController creates a controller. now may be nil.
func NewController(st store.Store, locks *lock.Manager, cfg Config, now func() time.Time) *Controller {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Controller{store: st, locks: locks, cfg: cfg, now: now}
}

// CurrentPrice returns the latest snapshot of a share.
func (c *Controller) CurrentPrice(ctx context.Context, shareID string) (*model.PriceSnapshot, error) {
	return c.store.LatestPrice(ctx, shareID)
}

// History returns the most recent snapshots, newest first.
func (c *Controller) History(ctx context.Context, shareID string, limit int) ([]model.PriceSnapshot, error) {
	return c.store.PriceHistory(ctx, shareID, limit)
}

// Quote returns the current price read through r (typically a transaction).
func (c *Controller) Quote(ctx context.Context, r store.Reader, shareID string) (decimal.Decimal, error) {
	snap, err := r.LatestPrice(ctx, shareID)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.Price, nil
}

// CheckTradable fails with model.ErrMarketHalted when trading is halted
// globally or for the share.
func (c *Controller) CheckTradable(ctx context.Context, r store.Reader, shareID string) error {
	for _, scope := range []string{model.GlobalScope, shareID} {
		ms, err := r.GetMarketState(ctx, scope)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if ms.TradingHalted {
			return fmt.Errorf("%s: %s: %w", scope, ms.HaltReason, model.ErrMarketHalted)
		}
	}
	return nil
}

// CheckTolerance fails with model.ErrPriceOutOfTolerance when requested
// deviates from the current price by more than the configured band. A zero
// requested price means "at market" and always passes.
func (c *Controller) CheckTolerance(ctx context.Context, r store.Reader, shareID string, requested decimal.Decimal) error {
	if requested.IsZero() || c.cfg.TolerancePct.IsZero() {
		return nil
	}
	current, err := c.Quote(ctx, r, shareID)
	if err != nil {
		return err
	}
	dev := pctChange(current, requested).Abs()
	if dev.GreaterThan(c.cfg.TolerancePct) {
		return fmt.Errorf("requested %s deviates %s%% from %s (band %s%%): %w",
			requested, dev.StringFixed(2), current, c.cfg.TolerancePct, model.ErrPriceOutOfTolerance)
	}
	return nil
}

// SetInitialPrice writes the first snapshot of a share.
func (c *Controller) SetInitialPrice(ctx context.Context, tx store.Tx, shareID string, price decimal.Decimal) (*model.PriceSnapshot, error) {
	if !price.IsPositive() {
		return nil, ErrNonPositivePrice
	}
	snap := &model.PriceSnapshot{
		ID:        uuid.New().String(),
		ShareID:   shareID,
		Price:     price.Round(PriceScale),
		Method:    MethodInitial,
		Factors:   model.PriceFactors{ManualPrice: price},
		ChangePct: decimal.Zero,
		CreatedAt: c.now(),
	}
	return snap, tx.InsertPriceSnapshot(ctx, snap)
}

// ComputePrice derives a candidate price and appends it as a new snapshot
// after clamping against the daily/weekly/monthly change limits. If the
// unclamped change exceeds the circuit breaker the share is halted, no
// snapshot is written, and the error wraps model.ErrMarketHalted.
func (c *Controller) ComputePrice(ctx context.Context, shareID, method string, f model.PriceFactors) (*model.PriceSnapshot, error) {
	release, err := c.locks.Acquire(ctx, lock.PriceKey(shareID))
	if err != nil {
		return nil, err
	}
	defer release()

	prev, err := c.store.LatestPrice(ctx, shareID)
	if err != nil {
		return nil, err
	}

	candidate, err := c.candidate(prev.Price, method, f)
	if err != nil {
		return nil, err
	}
	change := pctChange(prev.Price, candidate)

	breaker, err := c.breaker(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if breaker.IsPositive() && change.Abs().GreaterThan(breaker) {
		reason := fmt.Sprintf("circuit breaker: %s change %s%% exceeds %s%%",
			method, change.StringFixed(2), breaker)
		if _, err := c.SetMarketState(ctx, shareID, true, reason); err != nil {
			return nil, err
		}
		slog.Warn("trading halted by circuit breaker",
			"share", shareID,
			"previous", prev.Price.String(),
			"candidate", candidate.String(),
			"change_pct", change.StringFixed(2),
		)
		return nil, fmt.Errorf("share %s: %s: %w", shareID, reason, model.ErrMarketHalted)
	}

	now := c.now()
	final := candidate
	clamped := false
	var refs [3]decimal.Decimal
	for i, w := range []struct {
		span time.Duration
		max  decimal.Decimal
	}{
		{limits.Day, c.cfg.MaxDailyChange},
		{limits.Week, c.cfg.MaxWeeklyChange},
		{limits.Month, c.cfg.MaxMonthlyChange},
	} {
		ref, err := c.reference(ctx, shareID, now.Add(-w.span))
		if err != nil {
			return nil, err
		}
		if w.max.IsPositive() {
			lo := ref.Mul(hundred.Sub(w.max)).Div(hundred)
			hi := ref.Mul(hundred.Add(w.max)).Div(hundred)
			if final.LessThan(lo) {
				final, clamped = lo, true
			}
			if final.GreaterThan(hi) {
				final, clamped = hi, true
			}
		}
		refs[i] = ref
	}
	final = final.Round(PriceScale)
	if !final.IsPositive() {
		return nil, ErrNonPositivePrice
	}

	snap := &model.PriceSnapshot{
		ID:            uuid.New().String(),
		ShareID:       shareID,
		Price:         final,
		PreviousPrice: prev.Price,
		Method:        method,
		Factors:       f,
		ChangePct:     pctChange(prev.Price, final).Round(4),
		Clamped:       clamped,
		CreatedAt:     now,
	}

	err = c.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertPriceSnapshot(ctx, snap); err != nil {
			return err
		}
		ms, err := c.state(ctx, tx, shareID)
		if err != nil {
			return err
		}
		ms.DailyMovement = pctChange(refs[0], final).Round(4)
		ms.WeeklyMovement = pctChange(refs[1], final).Round(4)
		ms.MonthlyMovement = pctChange(refs[2], final).Round(4)
		ms.UpdatedAt = now
		return tx.SaveMarketState(ctx, ms)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("price recomputed",
		"share", shareID,
		"method", method,
		"previous", prev.Price.String(),
		"candidate", candidate.String(),
		"price", final.String(),
		"clamped", clamped,
	)
	return snap, nil
}

func (c *Controller) candidate(prev decimal.Decimal, method string, f model.PriceFactors) (decimal.Decimal, error) {
	switch method {
	case MethodManual:
		if !f.ManualPrice.IsPositive() {
			return decimal.Zero, ErrNonPositivePrice
		}
		return f.ManualPrice, nil
	case MethodWeighted, "":
		w := c.cfg.Weights
		delta := f.MiningProfit.Mul(w.MiningProfit).
			Add(f.DividendImpact.Mul(w.DividendImpact)).
			Add(f.MarketActivity.Mul(w.MarketActivity)).
			Add(f.VolatilityAdjustment.Mul(w.VolatilityAdjustment)).
			Add(f.ManualAdjustment.Mul(w.ManualAdjustment))
		p := prev.Mul(decimal.NewFromInt(1).Add(delta))
		if !p.IsPositive() {
			return decimal.Zero, ErrNonPositivePrice
		}
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
}

// reference is the price in force at the start of a window: the latest
// snapshot at or before since, or the oldest snapshot when history is
// shorter than the window.
func (c *Controller) reference(ctx context.Context, shareID string, since time.Time) (decimal.Decimal, error) {
	snap, err := c.store.PriceAsOf(ctx, shareID, since)
	if err == nil {
		return snap.Price, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return decimal.Zero, err
	}
	hist, err := c.store.PriceHistory(ctx, shareID, 0)
	if err != nil {
		return decimal.Zero, err
	}
	if len(hist) == 0 {
		return decimal.Zero, fmt.Errorf("price for share %s: %w", shareID, model.ErrNotFound)
	}
	return hist[len(hist)-1].Price, nil
}

// SetMarketState sets or clears the halt flag of a scope.
func (c *Controller) SetMarketState(ctx context.Context, scope string, halted bool, reason string) (*model.MarketControlState, error) {
	var out *model.MarketControlState
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		ms, err := c.state(ctx, tx, scope)
		if err != nil {
			return err
		}
		ms.TradingHalted = halted
		ms.HaltReason = reason
		if !halted {
			ms.HaltReason = ""
		}
		ms.UpdatedAt = c.now()
		out = ms
		return tx.SaveMarketState(ctx, ms)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("market state changed", "scope", scope, "halted", halted, "reason", reason)
	return out, nil
}

// SetCircuitBreaker stores the circuit-breaker threshold of a scope, in
// percent. Zero falls back to the configured default.
func (c *Controller) SetCircuitBreaker(ctx context.Context, scope string, pct decimal.Decimal) (*model.MarketControlState, error) {
	if pct.IsNegative() {
		return nil, model.Invalid(model.RuleMarket, "circuit breaker threshold %s must not be negative", pct)
	}
	var out *model.MarketControlState
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		ms, err := c.state(ctx, tx, scope)
		if err != nil {
			return err
		}
		ms.CircuitBreakerPct = pct
		ms.UpdatedAt = c.now()
		out = ms
		return tx.SaveMarketState(ctx, ms)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("circuit breaker changed", "scope", scope, "pct", pct.String())
	return out, nil
}

// breaker is the threshold in force for a share: its own when set,
// otherwise the configured default.
func (c *Controller) breaker(ctx context.Context, shareID string) (decimal.Decimal, error) {
	ms, err := c.store.GetMarketState(ctx, shareID)
	if errors.Is(err, model.ErrNotFound) {
		return c.cfg.CircuitBreakerPct, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	if ms.CircuitBreakerPct.IsPositive() {
		return ms.CircuitBreakerPct, nil
	}
	return c.cfg.CircuitBreakerPct, nil
}

// MarketState returns the state of a scope, defaulting to an open market.
func (c *Controller) MarketState(ctx context.Context, scope string) (*model.MarketControlState, error) {
	ms, err := c.store.GetMarketState(ctx, scope)
	if errors.Is(err, model.ErrNotFound) {
		return c.fresh(scope), nil
	}
	return ms, err
}

func (c *Controller) state(ctx context.Context, tx store.Tx, scope string) (*model.MarketControlState, error) {
	ms, err := tx.GetMarketState(ctx, scope)
	if errors.Is(err, model.ErrNotFound) {
		return c.fresh(scope), nil
	}
	return ms, err
}

func (c *Controller) fresh(scope string) *model.MarketControlState {
	return &model.MarketControlState{
		Scope:             scope,
		CircuitBreakerPct: c.cfg.CircuitBreakerPct,
		UpdatedAt:         c.now(),
	}
}

// pctChange returns (to - from) / from in percent.
func pctChange(from, to decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	return to.Sub(from).Div(from).Mul(hundred)
}
