package model

import "github.com/shopspring/decimal"

// 精度约定：份额 4 位，金额 2 位，净值 4 位，比率 4 位
const (
	SharePlaces int32 = 4
	MoneyPlaces int32 = 2
	PricePlaces int32 = 4
	RatePlaces  int32 = 4
)

// ShareEpsilon is the smallest representable share quantity. A remaining
// holding below it is treated as fully liquidated.
var ShareEpsilon = decimal.New(1, -SharePlaces)

func RoundShares(d decimal.Decimal) decimal.Decimal { return d.Round(SharePlaces) }
func RoundMoney(d decimal.Decimal) decimal.Decimal  { return d.Round(MoneyPlaces) }
func RoundPrice(d decimal.Decimal) decimal.Decimal  { return d.Round(PricePlaces) }
func RoundRate(d decimal.Decimal) decimal.Decimal   { return d.Round(RatePlaces) }

// SafeDiv returns num/den rounded to RatePlaces, or zero when den is zero.
func SafeDiv(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return RoundRate(num.Div(den))
}
