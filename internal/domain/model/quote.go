package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote 基金净值报价
type Quote struct {
	FundCode  string          `json:"fund_code"`
	Price     decimal.Decimal `json:"price"`      // 最新净值
	PrevPrice decimal.Decimal `json:"prev_price"` // 上一交易日净值, zero if unknown
	AsOf      time.Time       `json:"as_of"`
}

// Usable reports whether the quote can price an order at now. maxAge <= 0
// disables the staleness check.
func (q Quote) Usable(now time.Time, maxAge time.Duration) bool {
	if !q.Price.IsPositive() {
		return false
	}
	if maxAge > 0 && !q.AsOf.IsZero() && now.Sub(q.AsOf) > maxAge {
		return false
	}
	return true
}

// Fund 基金目录条目
type Fund struct {
	Code      string `json:"fund_code"`
	Name      string `json:"fund_name"`
	Type      string `json:"fund_type"`
	RiskLevel string `json:"risk_level"`
}
