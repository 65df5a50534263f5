package port

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"fundledger/internal/domain/model"
)

// ErrQuoteNotAvailable 没有可用净值
var ErrQuoteNotAvailable = errors.New("quote not available")

type Tick struct {
	Source    string          // feed name
	FundCode  string          // "000001"
	Price     decimal.Decimal // 最新净值
	PrevPrice decimal.Decimal // zero when the feed does not carry it
	Ts        int64           // unix ms
}

type PriceFeed interface {
	Name() string
	Subscribe(ctx context.Context, funds []string) (<-chan Tick, error)
}

// PriceOracle is the read side of the quote book.
type PriceOracle interface {
	Latest(ctx context.Context, fundCode string) (model.Quote, error)
	// LatestMany omits funds without a quote from the result.
	LatestMany(ctx context.Context, fundCodes []string) (map[string]model.Quote, error)
}

// QuoteWriter is the write side of the quote book.
type QuoteWriter interface {
	PutQuote(ctx context.Context, q model.Quote) error
}

// QuoteBook 同时支持读写的净值簿
type QuoteBook interface {
	PriceOracle
	QuoteWriter
}

// QuoteTime converts a tick timestamp.
func (t Tick) QuoteTime() time.Time {
	if t.Ts <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.Ts)
}
