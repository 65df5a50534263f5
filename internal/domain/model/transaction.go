package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind 交易类型
type Kind string

const (
	KindBuy  Kind = "BUY"
	KindSell Kind = "SELL"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindBuy:
		return KindBuy, nil
	case KindSell:
		return KindSell, nil
	default:
		return "", fmt.Errorf("unknown transaction kind %q", s)
	}
}

// Status 交易状态. Orders are filled synchronously, so only SUCCESS is ever written.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
)

// Transaction 交易流水，写入后不可修改
type Transaction struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	FundCode    string          `json:"fund_code"`
	Kind        Kind            `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`     // 交易金额, 2 dp
	Shares      decimal.Decimal `json:"shares"`     // 交易份额, 4 dp
	UnitPrice   decimal.Decimal `json:"unit_price"` // 成交净值, 4 dp
	Fee         decimal.Decimal `json:"fee"`        // 手续费, 2 dp
	Status      Status          `json:"status"`
	OccurredAt  time.Time       `json:"occurred_at"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

// FeeSchedule holds the fee rates applied to the order amount.
type FeeSchedule struct {
	BuyRate  decimal.Decimal
	SellRate decimal.Decimal
}

// DefaultFeeSchedule 申购 0.15%，赎回 0.5%
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		BuyRate:  decimal.RequireFromString("0.0015"),
		SellRate: decimal.RequireFromString("0.005"),
	}
}

func (f FeeSchedule) Fee(kind Kind, amount decimal.Decimal) decimal.Decimal {
	rate := f.BuyRate
	if kind == KindSell {
		rate = f.SellRate
	}
	return RoundMoney(amount.Mul(rate))
}
