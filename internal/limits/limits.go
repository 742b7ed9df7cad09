// Package limits enforces rolling-window quantity limits: per-account
// selling and transfer limits at intake, and per-share buyback volume caps
// during settlement.
//
// Windows are rolling, measured back from the evaluation time:
//   - daily:   last 24 hours
//   - weekly:  last 7 days
//   - monthly: last 30 days
package limits

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	// ErrDailyLimitExceeded is returned when a quantity would push the last
	// 24 hours beyond the daily limit.
	ErrDailyLimitExceeded = errors.New("limits: daily limit exceeded")

	// ErrWeeklyLimitExceeded is returned when a quantity would push the last
	// 7 days beyond the weekly limit.
	ErrWeeklyLimitExceeded = errors.New("limits: weekly limit exceeded")

	// ErrMonthlyLimitExceeded is returned when a quantity would push the
	// last 30 days beyond the monthly limit.
	ErrMonthlyLimitExceeded = errors.New("limits: monthly limit exceeded")
)

const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
)

// Unlimited is what Remaining returns when no limit is configured.
const Unlimited int64 = math.MaxInt64

// Window holds one limit per rolling window. Zero means no limit.
type Window struct {
	Daily   int64 `mapstructure:"daily" json:"daily"`
	Weekly  int64 `mapstructure:"weekly" json:"weekly"`
	Monthly int64 `mapstructure:"monthly" json:"monthly"`
}

// Usage is the quantity already consumed in each window.
type Usage struct {
	Daily   int64
	Weekly  int64
	Monthly int64
}

// Check validates whether adding delta respects every configured limit.
// A usage exactly at the limit is allowed.
func (w Window) Check(u Usage, delta int64) error {
	if w.Daily > 0 && u.Daily+delta > w.Daily {
		return ErrDailyLimitExceeded
	}
	if w.Weekly > 0 && u.Weekly+delta > w.Weekly {
		return ErrWeeklyLimitExceeded
	}
	if w.Monthly > 0 && u.Monthly+delta > w.Monthly {
		return ErrMonthlyLimitExceeded
	}
	return nil
}

// Remaining returns how much more can be consumed before the tightest
// limit is hit, never negative.
func (w Window) Remaining(u Usage) int64 {
	rem := Unlimited
	for _, p := range [][2]int64{{w.Daily, u.Daily}, {w.Weekly, u.Weekly}, {w.Monthly, u.Monthly}} {
		if p[0] <= 0 {
			continue
		}
		if r := p[0] - p[1]; r < rem {
			rem = r
		}
	}
	if rem < 0 {
		return 0
	}
	return rem
}

// IsZero reports whether no limit is configured.
func (w Window) IsZero() bool {
	return w.Daily <= 0 && w.Weekly <= 0 && w.Monthly <= 0
}

// SumSince totals consumption since a point in time.
type SumSince func(ctx context.Context, since time.Time) (int64, error)

// Measure evaluates sum for each configured window of w. Windows without a
// limit are not queried.
func Measure(ctx context.Context, w Window, now time.Time, sum SumSince) (Usage, error) {
	var u Usage
	var err error
	if w.Daily > 0 {
		if u.Daily, err = sum(ctx, now.Add(-Day)); err != nil {
			return u, err
		}
	}
	if w.Weekly > 0 {
		if u.Weekly, err = sum(ctx, now.Add(-Week)); err != nil {
			return u, err
		}
	}
	if w.Monthly > 0 {
		if u.Monthly, err = sum(ctx, now.Add(-Month)); err != nil {
			return u, err
		}
	}
	return u, nil
}
