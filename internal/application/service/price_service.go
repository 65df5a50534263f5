package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fundledger/internal/application/port"
	"fundledger/internal/domain/model"
)

type PriceService struct {
	book port.QuoteBook
}

func NewPriceService(book port.QuoteBook) *PriceService {
	return &PriceService{book: book}
}

// UpdateQuote writes a feed tick into the quote book. When the tick carries
// no previous price, the stored price rolls into PrevPrice on change.
func (s *PriceService) UpdateQuote(ctx context.Context, t port.Tick) error {
	code := strings.ToUpper(strings.TrimSpace(t.FundCode))
	if code == "" {
		return fmt.Errorf("%w: tick without fund code", ErrInvalidAmount)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("%w: %s price %s", ErrInvalidAmount, code, t.Price)
	}

	q := model.Quote{
		FundCode:  code,
		Price:     model.RoundPrice(t.Price),
		PrevPrice: model.RoundPrice(t.PrevPrice),
		AsOf:      t.QuoteTime(),
	}
	if q.PrevPrice.IsZero() {
		prev, err := s.book.Latest(ctx, code)
		switch {
		case err == nil:
			if prev.Price.Equal(q.Price) {
				q.PrevPrice = prev.PrevPrice
			} else {
				q.PrevPrice = prev.Price
			}
		case errors.Is(err, port.ErrQuoteNotAvailable):
		default:
			return fmt.Errorf("read quote %s: %w", code, err)
		}
	}
	return s.book.PutQuote(ctx, q)
}

func (s *PriceService) Latest(ctx context.Context, fundCode string) (model.Quote, error) {
	return s.book.Latest(ctx, strings.ToUpper(strings.TrimSpace(fundCode)))
}
