// README: Common money value object used across modules.
package types

import "github.com/shopspring/decimal"

// Money is an exact decimal amount in a single currency. All fare and ledger
// math goes through decimal so percentage splits and GST-style surcharges
// never accumulate float error.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

func ZeroMoney(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

func (m Money) Add(v decimal.Decimal) Money {
	return Money{Amount: m.Amount.Add(v), Currency: m.Currency}
}

func (m Money) Sub(v decimal.Decimal) Money {
	return Money{Amount: m.Amount.Sub(v), Currency: m.Currency}
}

func (m Money) IsZero() bool { return m.Amount.IsZero() }

// Round2 rounds half-up to two decimal places, the display precision for
// every supported currency.
func Round2(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

// Percent returns v * pct / 100 without rounding; callers round once at the end.
func Percent(v, pct decimal.Decimal) decimal.Decimal {
	return v.Mul(pct).Div(decimal.NewFromInt(100))
}
