package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionView 持仓展示：存储的持仓 + 最新净值推导出的盈亏
type PositionView struct {
	FundCode       string              `json:"fund_code"`
	FundName       string              `json:"fund_name"`
	Shares         decimal.Decimal     `json:"shares"`
	CostBasis      decimal.Decimal     `json:"cost_basis"`
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
	LatestPrice    decimal.Decimal     `json:"latest_price"`
	PriceAvailable bool                `json:"price_available"`
	PriceAsOf      time.Time           `json:"price_as_of"`
	CurrentValue   decimal.Decimal     `json:"current_value"`
	TotalPnL       decimal.Decimal     `json:"total_pnl"`
	TotalPnLRate   decimal.Decimal     `json:"total_pnl_rate"`
	DailyPnL       decimal.Decimal     `json:"daily_pnl"`
	DailyPnLRate   decimal.Decimal     `json:"daily_pnl_rate"`
}

// OverviewView 资产概览
type OverviewView struct {
	UserID        string          `json:"user_id"`
	TotalAssets   decimal.Decimal `json:"total_assets"`
	DailyPnL      decimal.Decimal `json:"daily_pnl"`
	DailyPnLRate  decimal.Decimal `json:"daily_pnl_rate"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	TotalPnLRate  decimal.Decimal `json:"total_pnl_rate"`
	HoldingsCount int             `json:"holdings_count"`
	Holdings      []PositionView  `json:"holdings"`
}

// TransactionPage 分页的交易记录
type TransactionPage struct {
	Items   []*Transaction `json:"items"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	Pages   int            `json:"pages"`
	PerPage int            `json:"per_page"`
}
