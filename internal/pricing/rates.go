package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/minevest/share-engine/internal/model"
)

// ErrUnknownCurrency is returned when no rate is configured for a currency.
var ErrUnknownCurrency = errors.New("pricing: unknown currency")

// Rates is a fixed conversion table: the value of one unit of each
// currency expressed in a common base.
type Rates struct {
	base map[string]decimal.Decimal
}

// NewRates builds a rate table. Every rate must be positive.
func NewRates(perBase map[string]decimal.Decimal) (Rates, error) {
	r := Rates{base: make(map[string]decimal.Decimal, len(perBase))}
	for cur, rate := range perBase {
		if !rate.IsPositive() {
			return Rates{}, fmt.Errorf("rate for %s must be positive, got %s", cur, rate)
		}
		r.base[strings.ToUpper(cur)] = rate
	}
	return r, nil
}

// Convert converts amount from one currency to another and rounds to
// model.MoneyScale. Same-currency conversion is the identity.
func (r Rates) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, nil
	}
	fr, ok := r.base[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
	}
	tr, ok := r.base[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}
	return amount.Mul(fr).Div(tr).Round(model.MoneyScale), nil
}

// Supports reports whether a currency has a configured rate.
func (r Rates) Supports(currency string) bool {
	_, ok := r.base[strings.ToUpper(currency)]
	return ok
}
