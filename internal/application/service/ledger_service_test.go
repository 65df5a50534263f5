package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundledger/internal/application/port"
	"fundledger/internal/domain/model"
	"fundledger/internal/infrastructure/storage"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store     *storage.InMemoryLedgerStore
	book      *storage.InMemoryQuoteBook
	catalog   *storage.InMemoryCatalog
	ledger    *LedgerService
	portfolio *PortfolioService
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewInMemoryLedgerStore(),
		book:  storage.NewInMemoryQuoteBook(),
		catalog: storage.NewInMemoryCatalog(
			model.Fund{Code: "000001", Name: "华夏成长混合"},
			model.Fund{Code: "110022", Name: "易方达消费行业"},
		),
		now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.ledger = NewLedgerService(LedgerDeps{
		Store:   f.store,
		Oracle:  f.book,
		Catalog: f.catalog,
		Now:     func() time.Time { return f.now },
	})
	f.portfolio = NewPortfolioService(PortfolioDeps{
		Store:   f.store,
		Oracle:  f.book,
		Catalog: f.catalog,
		Now:     func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) setQuote(t *testing.T, code, price string) {
	t.Helper()
	if err := f.book.PutQuote(context.Background(), model.Quote{FundCode: code, Price: d(price), AsOf: f.now}); err != nil {
		t.Fatalf("PutQuote failed: %v", err)
	}
}

func (f *fixture) seedPosition(t *testing.T, user, code, shares, cost, ref string) {
	t.Helper()
	key := model.Key{UserID: user, FundCode: code}
	pos := &model.Position{
		UserID:    user,
		FundCode:  code,
		Shares:    d(shares),
		CostBasis: d(cost),
		Version:   1,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	if ref != "" {
		pos.ReferencePrice = decimal.NewNullDecimal(d(ref))
	}
	if err := f.store.Commit(context.Background(), &port.UnitOfWork{Key: key, Position: pos}); err != nil {
		t.Fatalf("seed position failed: %v", err)
	}
}

func (f *fixture) transactionCount(t *testing.T, user string) int {
	t.Helper()
	txs, err := f.store.TransactionsFor(context.Background(), user, "")
	if err != nil {
		t.Fatalf("TransactionsFor failed: %v", err)
	}
	return len(txs)
}

type slowOracle struct{}

func (slowOracle) Latest(ctx context.Context, fundCode string) (model.Quote, error) {
	<-ctx.Done()
	return model.Quote{}, ctx.Err()
}

func (slowOracle) LatestMany(ctx context.Context, fundCodes []string) (map[string]model.Quote, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// conflictStore fails the next n commits with a version conflict.
type conflictStore struct {
	port.LedgerStore
	mu       sync.Mutex
	failures int
	commits  int
}

func (s *conflictStore) Commit(ctx context.Context, uow *port.UnitOfWork) error {
	s.mu.Lock()
	s.commits++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return fmt.Errorf("%w: injected", port.ErrVersionConflict)
	}
	s.mu.Unlock()
	return s.LedgerStore.Commit(ctx, uow)
}

// interleavingStore runs between once, after the caller has read the
// position and before its first commit reaches the store.
type interleavingStore struct {
	port.LedgerStore
	once    sync.Once
	between func()
}

func (s *interleavingStore) Commit(ctx context.Context, uow *port.UnitOfWork) error {
	s.once.Do(s.between)
	return s.LedgerStore.Commit(ctx, uow)
}

type recordingSink struct {
	mu  sync.Mutex
	txs []*model.Transaction
	err error
}

func (s *recordingSink) PublishTransaction(ctx context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, tx)
	return s.err
}

func TestExecuteBuyNewPosition(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1.5678")
	ctx := context.Background()

	tx, err := f.ledger.ExecuteBuy(ctx, "u1", "000001", d("1000"))
	if err != nil {
		t.Fatalf("ExecuteBuy failed: %v", err)
	}
	if !tx.Shares.Equal(d("637.8365")) {
		t.Errorf("expected shares 637.8365, got %s", tx.Shares)
	}
	if !tx.Amount.Equal(d("1000.00")) || !tx.Fee.Equal(d("1.50")) {
		t.Errorf("unexpected amount/fee: %s / %s", tx.Amount, tx.Fee)
	}
	if !tx.UnitPrice.Equal(d("1.5678")) {
		t.Errorf("expected unit price 1.5678, got %s", tx.UnitPrice)
	}
	if tx.Kind != model.KindBuy || tx.Status != model.StatusSuccess {
		t.Errorf("unexpected kind/status: %s/%s", tx.Kind, tx.Status)
	}
	if !tx.ConfirmedAt.Equal(tx.OccurredAt) {
		t.Errorf("confirmed_at should equal occurred_at")
	}
	if !strings.HasPrefix(tx.OrderID, "FL20240301100000") || len(tx.OrderID) != 24 {
		t.Errorf("unexpected order id %q", tx.OrderID)
	}

	pos, err := f.store.GetPosition(ctx, model.Key{UserID: "u1", FundCode: "000001"})
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if !pos.Shares.Equal(d("637.8365")) || !pos.CostBasis.Equal(d("1000")) {
		t.Errorf("unexpected position %s / %s", pos.Shares, pos.CostBasis)
	}
	if pos.Version != 1 {
		t.Errorf("new position should have version 1, got %d", pos.Version)
	}
	if !pos.ReferencePrice.Valid || !pos.ReferencePrice.Decimal.Equal(d("1.5678")) {
		t.Errorf("unexpected reference price %v", pos.ReferencePrice)
	}
}

func TestExecuteBuyAccumulates(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1.0000")
	ctx := context.Background()

	if _, err := f.ledger.ExecuteBuy(ctx, "u1", "000001", d("100")); err != nil {
		t.Fatalf("first buy failed: %v", err)
	}
	f.setQuote(t, "000001", "2.0000")
	if _, err := f.ledger.ExecuteBuy(ctx, "u1", "000001", d("100")); err != nil {
		t.Fatalf("second buy failed: %v", err)
	}

	pos, _ := f.store.GetPosition(ctx, model.Key{UserID: "u1", FundCode: "000001"})
	if !pos.Shares.Equal(d("150")) || !pos.CostBasis.Equal(d("200")) {
		t.Errorf("expected 150 shares / 200 cost, got %s / %s", pos.Shares, pos.CostBasis)
	}
	if pos.Version != 2 {
		t.Errorf("expected version 2, got %d", pos.Version)
	}
	if !pos.ReferencePrice.Decimal.Equal(d("2")) {
		t.Errorf("reference price should follow the last fill, got %s", pos.ReferencePrice.Decimal)
	}
}

func TestExecuteBuyNormalizesFundCode(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1")
	tx, err := f.ledger.ExecuteBuy(context.Background(), "u1", " 000001 ", d("10"))
	if err != nil {
		t.Fatalf("ExecuteBuy failed: %v", err)
	}
	if tx.FundCode != "000001" {
		t.Errorf("expected normalized fund code, got %q", tx.FundCode)
	}
}

func TestExecuteBuyRejectsInvalidAmount(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1.5")

	for _, amount := range []string{"0", "-10", "0.001"} {
		_, err := f.ledger.ExecuteBuy(context.Background(), "u1", "000001", d(amount))
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if n := f.transactionCount(t, "u1"); n != 0 {
		t.Errorf("expected no transactions, got %d", n)
	}
}

func TestExecuteBuyMissingUser(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1.5")
	if _, err := f.ledger.ExecuteBuy(context.Background(), "  ", "000001", d("10")); !errors.Is(err, ErrMissingUser) {
		t.Errorf("expected ErrMissingUser, got %v", err)
	}
}

func TestExecuteBuyUnknownFund(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.ExecuteBuy(context.Background(), "u1", "999999", d("100"))
	if !errors.Is(err, ErrInstrumentNotFound) {
		t.Fatalf("expected ErrInstrumentNotFound, got %v", err)
	}
}

func TestExecuteBuyPriceUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("missing quote", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.ledger.ExecuteBuy(ctx, "u1", "000001", d("100")); !errors.Is(err, ErrPriceUnavailable) {
			t.Errorf("expected ErrPriceUnavailable, got %v", err)
		}
	})

	t.Run("zero price", func(t *testing.T) {
		f := newFixture(t)
		f.setQuote(t, "000001", "0")
		if _, err := f.ledger.ExecuteBuy(ctx, "u1", "000001", d("100")); !errors.Is(err, ErrPriceUnavailable) {
			t.Errorf("expected ErrPriceUnavailable, got %v", err)
		}
	})

	t.Run("stale quote", func(t *testing.T) {
		f := newFixture(t)
		_ = f.book.PutQuote(ctx, model.Quote{FundCode: "000001", Price: d("1.5"), AsOf: f.now.Add(-2 * time.Hour)})
		ledger := NewLedgerService(LedgerDeps{
			Store:       f.store,
			Oracle:      f.book,
			Catalog:     f.catalog,
			MaxQuoteAge: time.Hour,
			Now:         func() time.Time { return f.now },
		})
		if _, err := ledger.ExecuteBuy(ctx, "u1", "000001", d("100")); !errors.Is(err, ErrPriceUnavailable) {
			t.Errorf("expected ErrPriceUnavailable, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t)
		ledger := NewLedgerService(LedgerDeps{
			Store:        f.store,
			Oracle:       slowOracle{},
			Catalog:      f.catalog,
			QuoteTimeout: 10 * time.Millisecond,
		})
		if _, err := ledger.ExecuteBuy(ctx, "u1", "000001", d("100")); !errors.Is(err, ErrPriceUnavailable) {
			t.Errorf("expected ErrPriceUnavailable, got %v", err)
		}
	})
}

func TestExecuteSellPartial(t *testing.T) {
	f := newFixture(t)
	f.seedPosition(t, "u1", "000001", "1000", "1500", "1.5")
	f.setQuote(t, "000001", "2.00")
	ctx := context.Background()

	tx, err := f.ledger.ExecuteSell(ctx, "u1", "000001", d("500"))
	if err != nil {
		t.Fatalf("ExecuteSell failed: %v", err)
	}
	if !tx.Amount.Equal(d("1000")) || !tx.Fee.Equal(d("5")) {
		t.Errorf("expected amount 1000.00 fee 5.00, got %s / %s", tx.Amount, tx.Fee)
	}
	if tx.Kind != model.KindSell || !tx.Shares.Equal(d("500")) {
		t.Errorf("unexpected transaction %+v", tx)
	}

	pos, err := f.store.GetPosition(ctx, model.Key{UserID: "u1", FundCode: "000001"})
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if !pos.Shares.Equal(d("500")) || !pos.CostBasis.Equal(d("750")) {
		t.Errorf("expected 500 / 750.00, got %s / %s", pos.Shares, pos.CostBasis)
	}
	if pos.Version != 2 {
		t.Errorf("expected version 2, got %d", pos.Version)
	}
}

func TestExecuteSellAllDeletesPosition(t *testing.T) {
	f := newFixture(t)
	f.seedPosition(t, "u1", "000001", "500", "750", "1.5")
	f.setQuote(t, "000001", "1.6")
	ctx := context.Background()

	if _, err := f.ledger.ExecuteSell(ctx, "u1", "000001", d("500")); err != nil {
		t.Fatalf("ExecuteSell failed: %v", err)
	}
	if _, err := f.ledger.GetPosition(ctx, "u1", "000001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after selling everything, got %v", err)
	}
	if n := f.transactionCount(t, "u1"); n != 1 {
		t.Errorf("expected the sell to be recorded, got %d transactions", n)
	}
}

func TestExecuteSellInsufficientShares(t *testing.T) {
	f := newFixture(t)
	f.seedPosition(t, "u1", "000001", "100", "150", "1.5")
	f.setQuote(t, "000001", "1.5")
	ctx := context.Background()

	_, err := f.ledger.ExecuteSell(ctx, "u1", "000001", d("150"))
	if !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	if n := f.transactionCount(t, "u1"); n != 0 {
		t.Errorf("expected no transaction, got %d", n)
	}
	pos, _ := f.store.GetPosition(ctx, model.Key{UserID: "u1", FundCode: "000001"})
	if !pos.Shares.Equal(d("100")) || pos.Version != 1 {
		t.Errorf("position changed: %s v%d", pos.Shares, pos.Version)
	}

	// no position at all
	if _, err := f.ledger.ExecuteSell(ctx, "u2", "000001", d("1")); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares without a position, got %v", err)
	}
}

func TestExecuteSellRejectsInvalidAmount(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ledger.ExecuteSell(context.Background(), "u1", "000001", d("0.00001")); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestExecuteSellChecksHoldingBeforeQuote(t *testing.T) {
	f := newFixture(t)
	f.seedPosition(t, "u1", "000001", "100", "150", "1.5")
	ctx := context.Background()

	// no quote is published, so reaching the oracle would surface ErrPriceUnavailable
	if _, err := f.ledger.ExecuteSell(ctx, "u1", "000001", d("150")); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("oversized sell: expected ErrInsufficientShares, got %v", err)
	}
	if _, err := f.ledger.ExecuteSell(ctx, "u2", "000001", d("1")); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("sell without position: expected ErrInsufficientShares, got %v", err)
	}
	if _, err := f.ledger.ExecuteSell(ctx, "u1", "000001", d("50")); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("covered sell: expected ErrPriceUnavailable, got %v", err)
	}
}

func TestPriceRoundingToZeroIsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.seedPosition(t, "u1", "000001", "100", "150", "1.5")
	f.setQuote(t, "000001", "0.00004")
	ctx := context.Background()

	if _, err := f.ledger.ExecuteBuy(ctx, "u1", "000001", d("100")); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("buy: expected ErrPriceUnavailable, got %v", err)
	}
	if _, err := f.ledger.ExecuteSell(ctx, "u1", "000001", d("10")); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("sell: expected ErrPriceUnavailable, got %v", err)
	}
	if n := f.transactionCount(t, "u1"); n != 0 {
		t.Errorf("expected no fills at a zero price, got %d", n)
	}
	pos, _ := f.store.GetPosition(ctx, model.Key{UserID: "u1", FundCode: "000001"})
	if !pos.Shares.Equal(d("100")) || pos.Version != 1 {
		t.Errorf("position changed: %s v%d", pos.Shares, pos.Version)
	}
}

func TestSellOutAndRebuyBetweenReadAndCommit(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1")
	ctx := context.Background()
	key := model.Key{UserID: "u1", FundCode: "000001"}

	if _, err := f.ledger.ExecuteBuy(ctx, "u1", "000001", d("100")); err != nil {
		t.Fatalf("initial buy failed: %v", err)
	}

	store := &interleavingStore{LedgerStore: f.store}
	store.between = func() {
		if _, err := f.ledger.ExecuteSell(ctx, "u1", "000001", d("100")); err != nil {
			t.Errorf("interleaved sell-out failed: %v", err)
		}
		if _, err := f.ledger.ExecuteBuy(ctx, "u1", "000001", d("10")); err != nil {
			t.Errorf("interleaved rebuy failed: %v", err)
		}
	}
	slow := NewLedgerService(LedgerDeps{Store: store, Oracle: f.book, Catalog: f.catalog, Now: func() time.Time { return f.now }})

	// read 100 shares, then lose the race to the sell-out and rebuy
	_, err := slow.ExecuteSell(ctx, "u1", "000001", d("50"))
	if !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares after the retry sees 10 shares, got %v", err)
	}

	pos, err := f.store.GetPosition(ctx, key)
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if !pos.Shares.Equal(d("10")) || pos.Version != 3 {
		t.Errorf("expected 10 shares at v3, got %s v%d", pos.Shares, pos.Version)
	}

	txs, err := f.store.TransactionsFor(ctx, "u1", "000001")
	if err != nil {
		t.Fatalf("TransactionsFor failed: %v", err)
	}
	bought, sold := decimal.Zero, decimal.Zero
	for _, tx := range txs {
		if tx.Kind == model.KindBuy {
			bought = bought.Add(tx.Shares)
		} else {
			sold = sold.Add(tx.Shares)
		}
	}
	if len(txs) != 3 || !sold.Equal(d("100")) || sold.GreaterThan(bought) {
		t.Errorf("ledger oversold: %d transactions, bought %s sold %s", len(txs), bought, sold)
	}
}

func TestRetryOnVersionConflict(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1")
	store := &conflictStore{LedgerStore: f.store, failures: 2}
	ledger := NewLedgerService(LedgerDeps{Store: store, Oracle: f.book, Catalog: f.catalog})

	if _, err := ledger.ExecuteBuy(context.Background(), "u1", "000001", d("10")); err != nil {
		t.Fatalf("buy should succeed on the third attempt: %v", err)
	}
	if store.commits != 3 {
		t.Errorf("expected 3 commit attempts, got %d", store.commits)
	}
}

func TestRetryExhaustedIsTransient(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1")
	store := &conflictStore{LedgerStore: f.store, failures: 5}
	ledger := NewLedgerService(LedgerDeps{Store: store, Oracle: f.book, Catalog: f.catalog, MaxAttempts: 3})

	_, err := ledger.ExecuteBuy(context.Background(), "u1", "000001", d("10"))
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if !errors.Is(err, port.ErrVersionConflict) {
		t.Errorf("ErrTransient should wrap the version conflict: %v", err)
	}
	if store.commits != 3 {
		t.Errorf("expected 3 commit attempts, got %d", store.commits)
	}
	if n := f.transactionCount(t, "u1"); n != 0 {
		t.Errorf("expected no transaction, got %d", n)
	}
}

func TestConcurrentBuysStayConsistent(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1.25")
	ledger := NewLedgerService(LedgerDeps{Store: f.store, Oracle: f.book, Catalog: f.catalog, MaxAttempts: 50})
	ctx := context.Background()

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		filled    = decimal.Zero
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := ledger.ExecuteBuy(ctx, "u1", "000001", d("100"))
			if err != nil {
				if !errors.Is(err, ErrTransient) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			filled = filled.Add(tx.Shares)
			successes++
			mu.Unlock()
		}()
	}
	wg.Wait()

	pos, err := f.store.GetPosition(ctx, model.Key{UserID: "u1", FundCode: "000001"})
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if !pos.Shares.Equal(filled) {
		t.Errorf("position shares %s != sum of fills %s", pos.Shares, filled)
	}
	if pos.Version != int64(successes) {
		t.Errorf("version %d != successful buys %d", pos.Version, successes)
	}
	if n := f.transactionCount(t, "u1"); n != successes {
		t.Errorf("transactions %d != successful buys %d", n, successes)
	}
}

func TestGetPositionDerivesPnL(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1.5678")
	ctx := context.Background()
	if _, err := f.ledger.ExecuteBuy(ctx, "u1", "000001", d("1000")); err != nil {
		t.Fatalf("ExecuteBuy failed: %v", err)
	}
	f.setQuote(t, "000001", "1.6000")

	v, err := f.ledger.GetPosition(ctx, "u1", "000001")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if v.FundName != "华夏成长混合" {
		t.Errorf("unexpected fund name %q", v.FundName)
	}
	if !v.PriceAvailable || !v.LatestPrice.Equal(d("1.6")) {
		t.Errorf("expected latest price 1.6, got %s (available=%v)", v.LatestPrice, v.PriceAvailable)
	}
	checks := map[string][2]decimal.Decimal{
		"current_value":  {v.CurrentValue, d("1020.54")},
		"total_pnl":      {v.TotalPnL, d("20.54")},
		"total_pnl_rate": {v.TotalPnLRate, d("0.0205")},
		"daily_pnl":      {v.DailyPnL, d("20.54")},
		"daily_pnl_rate": {v.DailyPnLRate, d("0.0205")},
	}
	for name, c := range checks {
		if !c[0].Equal(c[1]) {
			t.Errorf("%s: expected %s, got %s", name, c[1], c[0])
		}
	}

	// repeated reads are identical
	again, _ := f.ledger.GetPosition(ctx, "u1", "000001")
	if !again.CurrentValue.Equal(v.CurrentValue) || !again.Shares.Equal(v.Shares) {
		t.Errorf("reads are not idempotent")
	}
}

func TestGetPositionWithoutPrice(t *testing.T) {
	f := newFixture(t)
	f.seedPosition(t, "u1", "000001", "100", "150", "1.5")

	v, err := f.ledger.GetPosition(context.Background(), "u1", "000001")
	if err != nil {
		t.Fatalf("GetPosition should not fail without a price: %v", err)
	}
	if v.PriceAvailable {
		t.Errorf("PriceAvailable should be false")
	}
	if !v.CurrentValue.IsZero() || !v.TotalPnL.IsZero() || !v.DailyPnL.IsZero() {
		t.Errorf("price fields should be zero: %+v", v)
	}
	if !v.Shares.Equal(d("100")) || !v.CostBasis.Equal(d("150")) {
		t.Errorf("stored fields should pass through: %s / %s", v.Shares, v.CostBasis)
	}
}

func TestGetPositionNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ledger.GetPosition(context.Background(), "u1", "000001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListTransactionsPaging(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1")
	f.setQuote(t, "110022", "2")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Minute)
		if _, err := f.ledger.ExecuteBuy(ctx, "u1", "000001", d("100")); err != nil {
			t.Fatalf("buy %d failed: %v", i, err)
		}
	}
	f.now = f.now.Add(time.Minute)
	if _, err := f.ledger.ExecuteBuy(ctx, "u1", "110022", d("100")); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	f.now = f.now.Add(time.Minute)
	if _, err := f.ledger.ExecuteSell(ctx, "u1", "000001", d("50")); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	page, err := f.ledger.ListTransactions(ctx, HistoryQuery{UserID: "u1", PerPage: 2})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if page.Total != 5 || page.Pages != 3 || page.Page != 1 || len(page.Items) != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Items[0].Kind != model.KindSell {
		t.Errorf("newest transaction should come first, got %s", page.Items[0].Kind)
	}

	page, _ = f.ledger.ListTransactions(ctx, HistoryQuery{UserID: "u1", FundCode: "000001", Kind: model.KindBuy})
	if page.Total != 3 || page.PerPage != DefaultPerPage {
		t.Errorf("expected 3 buys with default page size, got total=%d per_page=%d", page.Total, page.PerPage)
	}

	page, _ = f.ledger.ListTransactions(ctx, HistoryQuery{UserID: "u1", Page: 9, PerPage: 500})
	if page.PerPage != MaxPerPage || len(page.Items) != 0 {
		t.Errorf("expected clamped empty page, got per_page=%d items=%d", page.PerPage, len(page.Items))
	}
}

func TestReconcileRepairsDrift(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1.25")
	ctx := context.Background()
	for _, amount := range []string{"100", "250"} {
		if _, err := f.ledger.ExecuteBuy(ctx, "u1", "000001", d(amount)); err != nil {
			t.Fatalf("buy failed: %v", err)
		}
	}
	if _, err := f.ledger.ExecuteSell(ctx, "u1", "000001", d("80")); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	key := model.Key{UserID: "u1", FundCode: "000001"}
	good, _ := f.store.GetPosition(ctx, key)

	pos, repaired, err := f.ledger.Reconcile(ctx, "u1", "000001")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if repaired {
		t.Errorf("consistent position should not be repaired")
	}
	if !pos.Shares.Equal(good.Shares) || !pos.CostBasis.Equal(good.CostBasis) {
		t.Errorf("replay %s/%s differs from running state %s/%s", pos.Shares, pos.CostBasis, good.Shares, good.CostBasis)
	}

	// corrupt the cached row
	bad := good.Clone()
	bad.Shares = d("1")
	bad.Version = good.Version + 1
	if err := f.store.Commit(ctx, &port.UnitOfWork{Key: key, ExpectedVersion: good.Version, Position: bad}); err != nil {
		t.Fatalf("corrupting commit failed: %v", err)
	}

	pos, repaired, err = f.ledger.Reconcile(ctx, "u1", "000001")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !repaired || !pos.Shares.Equal(good.Shares) {
		t.Errorf("expected repair to %s shares, got repaired=%v shares=%s", good.Shares, repaired, pos.Shares)
	}
	stored, _ := f.store.GetPosition(ctx, key)
	if stored.Version != bad.Version+1 || !stored.CostBasis.Equal(good.CostBasis) {
		t.Errorf("unexpected stored position after repair: v%d cost %s", stored.Version, stored.CostBasis)
	}
}

func TestReconcileUserDropsOrphans(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1")
	ctx := context.Background()
	if _, err := f.ledger.ExecuteBuy(ctx, "u1", "000001", d("100")); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	// a position with no transaction history behind it
	f.seedPosition(t, "u1", "110022", "10", "20", "")

	report, err := f.ledger.ReconcileUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ReconcileUser failed: %v", err)
	}
	if report.Checked != 2 {
		t.Errorf("expected 2 positions checked, got %d", report.Checked)
	}
	if len(report.Repaired) != 1 || report.Repaired[0] != "110022" {
		t.Errorf("expected 110022 repaired, got %v", report.Repaired)
	}
	if _, err := f.store.GetPosition(ctx, model.Key{UserID: "u1", FundCode: "110022"}); !errors.Is(err, port.ErrPositionNotFound) {
		t.Errorf("orphan position should be deleted, got %v", err)
	}
}

func TestReconcileUserReportsOversold(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1")
	ctx := context.Background()
	if _, err := f.ledger.ExecuteBuy(ctx, "u1", "000001", d("100")); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	// a sell recorded for more than the log ever bought
	key := model.Key{UserID: "u1", FundCode: "000001"}
	cur, version, err := f.store.ReadVersioned(ctx, key)
	if err != nil {
		t.Fatalf("ReadVersioned failed: %v", err)
	}
	stray := &model.Transaction{
		ID: "stray", OrderID: "FL-STRAY", UserID: "u1", FundCode: "000001", Kind: model.KindSell,
		Amount: d("150"), Shares: d("150"), UnitPrice: d("1"), Status: model.StatusSuccess,
		OccurredAt: f.now.Add(time.Minute), ConfirmedAt: f.now.Add(time.Minute),
	}
	if err := f.store.Commit(ctx, &port.UnitOfWork{Key: key, ExpectedVersion: version, Position: cur, Transaction: stray}); err != nil {
		t.Fatalf("recording stray sell failed: %v", err)
	}

	report, err := f.ledger.ReconcileUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ReconcileUser failed: %v", err)
	}
	if len(report.Oversold) != 1 || report.Oversold[0] != "FL-STRAY" {
		t.Errorf("expected FL-STRAY reported as oversold, got %v", report.Oversold)
	}
	if len(report.Repaired) != 1 {
		t.Errorf("clamped replay should flatten the position, repaired %v", report.Repaired)
	}
	if _, err := f.store.GetPosition(ctx, key); !errors.Is(err, port.ErrPositionNotFound) {
		t.Errorf("expected the position removed, got %v", err)
	}
}

func TestPublishAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.setQuote(t, "000001", "1")
	sink := &recordingSink{err: errors.New("redis down")}
	ledger := NewLedgerService(LedgerDeps{Store: f.store, Oracle: f.book, Catalog: f.catalog, Sink: sink})

	tx, err := ledger.ExecuteBuy(context.Background(), "u1", "000001", d("10"))
	if err != nil {
		t.Fatalf("sink failure must not fail the order: %v", err)
	}
	if len(sink.txs) != 1 || sink.txs[0].OrderID != tx.OrderID {
		t.Errorf("expected the transaction to be published once, got %d", len(sink.txs))
	}
}
