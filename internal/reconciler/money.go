package reconciler

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"ledgermarket/internal/provider"
)

func currency(code string) money.Currency {
	// money.New never returns a nil currency, unknown codes get defaults
	return *money.New(0, provider.Normalize(code)).Currency()
}

// RoundToMinor rounds d half away from zero to the currency's minor unit,
// e.g. cents for USD, none for JPY.
func RoundToMinor(d decimal.Decimal, code string) decimal.Decimal {
	return d.Round(int32(currency(code).Fraction))
}

// Format renders d in code's conventional display form.
func Format(d decimal.Decimal, code string) string {
	cur := currency(code)
	minor := RoundToMinor(d, code).Shift(int32(cur.Fraction))
	return cur.Formatter().Format(minor.IntPart())
}
