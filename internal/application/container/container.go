package container

import (
	"time"

	"fundledger/internal/application/port"
	"fundledger/internal/application/service"
	"fundledger/internal/domain/model"
)

// Deps 应用层所需的端口与账本参数
type Deps struct {
	Store   port.LedgerStore
	Quotes  port.QuoteBook
	Catalog port.Catalog
	Sink    port.EventSink // optional

	Fees         model.FeeSchedule
	MaxAttempts  int
	QuoteTimeout time.Duration
	MaxQuoteAge  time.Duration
}

// Container lazily builds the application services over one set of ports.
type Container struct {
	deps Deps

	ledgerService    *service.LedgerService
	portfolioService *service.PortfolioService
	priceService     *service.PriceService
}

func New(deps Deps) *Container {
	return &Container{deps: deps}
}

func (c *Container) Store() port.LedgerStore {
	return c.deps.Store
}

func (c *Container) LedgerService() *service.LedgerService {
	if c.ledgerService == nil {
		c.ledgerService = service.NewLedgerService(service.LedgerDeps{
			Store:        c.deps.Store,
			Oracle:       c.deps.Quotes,
			Catalog:      c.deps.Catalog,
			Sink:         c.deps.Sink,
			Fees:         c.deps.Fees,
			MaxAttempts:  c.deps.MaxAttempts,
			QuoteTimeout: c.deps.QuoteTimeout,
			MaxQuoteAge:  c.deps.MaxQuoteAge,
		})
	}
	return c.ledgerService
}

func (c *Container) PortfolioService() *service.PortfolioService {
	if c.portfolioService == nil {
		c.portfolioService = service.NewPortfolioService(service.PortfolioDeps{
			Store:        c.deps.Store,
			Oracle:       c.deps.Quotes,
			Catalog:      c.deps.Catalog,
			QuoteTimeout: c.deps.QuoteTimeout,
			MaxQuoteAge:  c.deps.MaxQuoteAge,
		})
	}
	return c.portfolioService
}

func (c *Container) PriceService() *service.PriceService {
	if c.priceService == nil {
		c.priceService = service.NewPriceService(c.deps.Quotes)
	}
	return c.priceService
}
