// Package fees splits transaction fees and buy proceeds into the company
// sub-funds and mirrors fund balances as wallet posts commit.
//
// All monetary values use shopspring/decimal, never float64.
package fees

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/model"
	"github.com/minevest/share-engine/internal/store"
	"github.com/minevest/share-engine/internal/wallet"
)

var (
	// ErrPercentagesNot100 is returned when a split rule set does not sum to 100%.
	ErrPercentagesNot100 = errors.New("fees: split percentages must sum to 100")

	// ErrNegativePercentage is returned for a negative split or fee rate.
	ErrNegativePercentage = errors.New("fees: percentages must not be negative")

	hundred = decimal.NewFromInt(100)
)

// Rules are the active percentage rule sets.
type Rules struct {
	// FeeSplit maps each fund to its share of a fee, in percent.
	FeeSplit map[model.Fund]decimal.Decimal
	// ProceedsSplit maps each fund to its share of gross buy proceeds, in percent.
	ProceedsSplit map[model.Fund]decimal.Decimal
	// FeeRates is the fee charged per order kind, in percent of gross value.
	FeeRates map[model.OrderKind]decimal.Decimal
}

// Validate checks both split rule sets sum to exactly 100%.
func (r Rules) Validate() error {
	for name, split := range map[string]map[model.Fund]decimal.Decimal{
		"fee split":      r.FeeSplit,
		"proceeds split": r.ProceedsSplit,
	} {
		sum := decimal.Zero
		for f, pct := range split {
			if pct.IsNegative() {
				return fmt.Errorf("%s %s: %w", name, f, ErrNegativePercentage)
			}
			sum = sum.Add(pct)
		}
		if !sum.Equal(hundred) {
			return fmt.Errorf("%s sums to %s: %w", name, sum, ErrPercentagesNot100)
		}
	}
	for k, rate := range r.FeeRates {
		if rate.IsNegative() {
			return fmt.Errorf("fee rate %s: %w", k, ErrNegativePercentage)
		}
	}
	return nil
}

// Split is an amount divided between the four sub-funds.
type Split struct {
	Admin    decimal.Decimal `json:"admin_fund"`
	Buyback  decimal.Decimal `json:"buyback_fund"`
	Project  decimal.Decimal `json:"project_fund"`
	Expenses decimal.Decimal `json:"expenses"`
}

// Get returns the component for f.
func (s Split) Get(f model.Fund) decimal.Decimal {
	switch f {
	case model.FundAdmin:
		return s.Admin
	case model.FundBuyback:
		return s.Buyback
	case model.FundProject:
		return s.Project
	}
	return s.Expenses
}

func (s *Split) set(f model.Fund, v decimal.Decimal) {
	switch f {
	case model.FundAdmin:
		s.Admin = v
	case model.FundBuyback:
		s.Buyback = v
	case model.FundProject:
		s.Project = v
	default:
		s.Expenses = v
	}
}

// Total sums the components.
func (s Split) Total() decimal.Decimal {
	return s.Admin.Add(s.Buyback).Add(s.Project).Add(s.Expenses)
}

// Allocator applies the active rules.
type Allocator struct {
	rules Rules
	now   func() time.Time
}

// NewAllocator validates the rules and returns an allocator.
func NewAllocator(rules Rules, now func() time.Time) (*Allocator, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Allocator{rules: rules, now: now}, nil
}

// SplitFee divides a fee between the sub-funds.
func (a *Allocator) SplitFee(amount decimal.Decimal, _ string) Split {
	return split(amount, a.rules.FeeSplit)
}

// SplitFeeExcluding divides a fee between every sub-fund but excluded,
// re-weighting the remaining percentages to 100%. Sell fills exclude the
// buyback fund so its debit equals the gross value filled. When the other
// funds carry no percentage the whole fee goes to the last of them.
func (a *Allocator) SplitFeeExcluding(amount decimal.Decimal, _ string, excluded model.Fund) Split {
	funds := make([]model.Fund, 0, len(model.Funds))
	total := decimal.Zero
	for _, f := range model.Funds {
		if f == excluded {
			continue
		}
		funds = append(funds, f)
		total = total.Add(a.rules.FeeSplit[f])
	}

	var s Split
	remaining := amount
	for i, f := range funds {
		if i == len(funds)-1 {
			s.set(f, remaining)
			break
		}
		part := decimal.Zero
		if total.IsPositive() {
			part = amount.Mul(a.rules.FeeSplit[f]).Div(total).RoundDown(model.MoneyScale)
		}
		s.set(f, part)
		remaining = remaining.Sub(part)
	}
	return s
}

// AllocateProceeds divides gross buy proceeds between the sub-funds.
func (a *Allocator) AllocateProceeds(amount decimal.Decimal, _ string) Split {
	return split(amount, a.rules.ProceedsSplit)
}

// split rounds every component but the last down to MoneyScale; the last
// (expenses) takes the remainder so the parts add up exactly.
func split(amount decimal.Decimal, pcts map[model.Fund]decimal.Decimal) Split {
	var s Split
	remaining := amount
	last := len(model.Funds) - 1
	for i, f := range model.Funds {
		if i == last {
			s.set(f, remaining)
			break
		}
		part := amount.Mul(pcts[f]).Div(hundred).RoundDown(model.MoneyScale)
		s.set(f, part)
		remaining = remaining.Sub(part)
	}
	return s
}

// FeeFor returns the fee charged on gross for an order kind, rounded to
// MoneyScale.
func (a *Allocator) FeeFor(kind model.OrderKind, gross decimal.Decimal) decimal.Decimal {
	rate, ok := a.rules.FeeRates[kind]
	if !ok || rate.IsZero() || !gross.IsPositive() {
		return decimal.Zero
	}
	return gross.Mul(rate).Div(hundred).Round(model.MoneyScale)
}

// Legs renders a split as fund credit legs. Zero components are omitted.
func (a *Allocator) Legs(s Split, currency string, typ model.TxType) []wallet.Leg {
	var legs []wallet.Leg
	for _, f := range model.Funds {
		amt := s.Get(f)
		if amt.IsZero() {
			continue
		}
		legs = append(legs, wallet.Leg{WalletID: model.FundWalletID(f, currency), Amount: amt, Type: typ})
	}
	return legs
}

// FundWallets returns the wallet ids of every sub-fund in currency.
func FundWallets(currency string) []string {
	ids := make([]string, len(model.Funds))
	for i, f := range model.Funds {
		ids[i] = model.FundWalletID(f, currency)
	}
	return ids
}

// Mirror is a wallet.Hook that keeps FundAllocation balances in step with
// fund wallet legs in the same transaction.
func (a *Allocator) Mirror(ctx context.Context, tx store.Tx, posted []model.WalletTransaction) error {
	deltas := make(map[string]decimal.Decimal)
	currencies := make(map[string]string)
	for _, t := range posted {
		if fundOf(t.WalletID) == "" {
			continue
		}
		deltas[t.WalletID] = deltas[t.WalletID].Add(t.Amount)
		currencies[t.WalletID] = t.Currency
	}
	for walletID, delta := range deltas {
		f := model.Fund(fundOf(walletID))
		cur := currencies[walletID]
		fa, err := tx.GetFund(ctx, f, cur)
		if errors.Is(err, model.ErrNotFound) {
			fa = a.allocation(f, cur)
		} else if err != nil {
			return err
		}
		fa.Balance = fa.Balance.Add(delta)
		fa.UpdatedAt = a.now()
		if err := tx.SaveFund(ctx, fa); err != nil {
			return err
		}
	}
	return nil
}

// Seed creates the allocation rows for a currency if they do not exist.
func (a *Allocator) Seed(ctx context.Context, st store.Store, currency string) error {
	return st.InTx(ctx, func(tx store.Tx) error {
		for _, f := range model.Funds {
			_, err := tx.GetFund(ctx, f, currency)
			if err == nil {
				continue
			}
			if !errors.Is(err, model.ErrNotFound) {
				return err
			}
			if err := tx.SaveFund(ctx, a.allocation(f, currency)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Allocator) allocation(f model.Fund, currency string) *model.FundAllocation {
	return &model.FundAllocation{
		Fund:               f,
		Currency:           currency,
		Balance:            decimal.Zero,
		FeePercentage:      a.rules.FeeSplit[f],
		ProceedsPercentage: a.rules.ProceedsSplit[f],
		UpdatedAt:          a.now(),
	}
}

// fundOf returns the fund name of a fund wallet id, or "".
func fundOf(walletID string) string {
	rest, ok := strings.CutPrefix(walletID, "fund:")
	if !ok {
		return ""
	}
	name, _, ok := strings.Cut(rest, ":")
	if !ok {
		return ""
	}
	return name
}
