package model

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// DisplayAmount formats amount with the currency's symbol and minor units.
// Unknown currencies fall back to the plain decimal with the code appended.
func DisplayAmount(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return amount.StringFixed(2) + " " + currency
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return money.New(minor.IntPart(), cur.Code).Display()
}
