package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"fundledger/internal/application/port"
	"fundledger/internal/domain/model"
	domainservice "fundledger/internal/domain/service"
)

type PortfolioDeps struct {
	Store        port.LedgerStore
	Oracle       port.PriceOracle
	Catalog      port.Catalog
	QuoteTimeout time.Duration
	MaxQuoteAge  time.Duration
	Now          func() time.Time
}

// PortfolioService 只读的资产汇总
type PortfolioService struct {
	store   port.LedgerStore
	catalog port.Catalog
	quotes  quoteReader
}

func NewPortfolioService(deps PortfolioDeps) *PortfolioService {
	if deps.QuoteTimeout <= 0 {
		deps.QuoteTimeout = DefaultQuoteTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &PortfolioService{
		store:   deps.Store,
		catalog: deps.Catalog,
		quotes: quoteReader{
			oracle:  deps.Oracle,
			timeout: deps.QuoteTimeout,
			maxAge:  deps.MaxQuoteAge,
			now:     deps.Now,
		},
	}
}

// ListHoldings 用户全部持仓视图，按基金代码排序
func (s *PortfolioService) ListHoldings(ctx context.Context, userID string) ([]model.PositionView, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions for %s: %w", userID, err)
	}

	codes := make([]string, 0, len(positions))
	for _, p := range positions {
		codes = append(codes, p.FundCode)
	}
	quotes := s.quotes.latestMany(ctx, codes)

	views := make([]model.PositionView, 0, len(positions))
	for _, p := range positions {
		var quote *model.Quote
		if q, ok := quotes[p.FundCode]; ok {
			quote = &q
		}
		views = append(views, domainservice.Derive(p, fundName(ctx, s.catalog, p.FundCode), quote))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].FundCode < views[j].FundCode })
	return views, nil
}

// GetOverview 资产概览。各持仓之间不保证一致性快照。
func (s *PortfolioService) GetOverview(ctx context.Context, userID string) (model.OverviewView, error) {
	views, err := s.ListHoldings(ctx, userID)
	if err != nil {
		return model.OverviewView{}, err
	}
	return domainservice.Aggregate(userID, views), nil
}
