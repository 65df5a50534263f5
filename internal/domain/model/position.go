package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position 持仓：每个 (user, fund) 一条
type Position struct {
	UserID         string              `json:"user_id"`
	FundCode       string              `json:"fund_code"`
	Shares         decimal.Decimal     `json:"shares"`          // 持有份额, 4 dp
	CostBasis      decimal.Decimal     `json:"cost_basis"`      // 成本, 2 dp
	ReferencePrice decimal.NullDecimal `json:"reference_price"` // 最近一次成交净值
	Version        int64               `json:"version"`         // optimistic lock token
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Key identifies a position.
type Key struct {
	UserID   string
	FundCode string
}

func (p *Position) Key() Key { return Key{UserID: p.UserID, FundCode: p.FundCode} }

func (k Key) String() string { return k.UserID + ":" + k.FundCode }

// Clone returns a copy safe to mutate.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
