package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundledger/internal/application/port"
	"fundledger/internal/domain/model"
	domainservice "fundledger/internal/domain/service"
)

const (
	DefaultMaxAttempts  = 3
	DefaultQuoteTimeout = 3 * time.Second
)

type LedgerDeps struct {
	Store   port.LedgerStore
	Oracle  port.PriceOracle
	Catalog port.Catalog
	Sink    port.EventSink // optional

	Fees         model.FeeSchedule
	MaxAttempts  int           // optimistic-lock retries, default 3
	QuoteTimeout time.Duration // default 3s
	MaxQuoteAge  time.Duration // 0 disables the staleness check

	Now   func() time.Time
	NewID func() string
}

// LedgerService 交易账本：买入、卖出、持仓查询与对账
type LedgerService struct {
	store       port.LedgerStore
	catalog     port.Catalog
	sink        port.EventSink
	fees        model.FeeSchedule
	maxAttempts int
	quotes      quoteReader
	now         func() time.Time
	newID       func() string
}

func NewLedgerService(deps LedgerDeps) *LedgerService {
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = DefaultMaxAttempts
	}
	if deps.QuoteTimeout <= 0 {
		deps.QuoteTimeout = DefaultQuoteTimeout
	}
	if deps.Fees.BuyRate.IsZero() && deps.Fees.SellRate.IsZero() {
		deps.Fees = model.DefaultFeeSchedule()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &LedgerService{
		store:       deps.Store,
		catalog:     deps.Catalog,
		sink:        deps.Sink,
		fees:        deps.Fees,
		maxAttempts: deps.MaxAttempts,
		quotes: quoteReader{
			oracle:  deps.Oracle,
			timeout: deps.QuoteTimeout,
			maxAge:  deps.MaxQuoteAge,
			now:     deps.Now,
		},
		now:   deps.Now,
		newID: deps.NewID,
	}
}

// mutation computes the next position and the transaction to append from
// the current position (nil when absent).
type mutation func(cur *model.Position, now time.Time) (*model.Position, *model.Transaction, error)

// ExecuteBuy 买入：按最新净值成交 cash 金额
func (s *LedgerService) ExecuteBuy(ctx context.Context, userID, fundCode string, cash decimal.Decimal) (*model.Transaction, error) {
	cash = model.RoundMoney(cash)
	if !cash.IsPositive() {
		return nil, fmt.Errorf("%w: buy amount %s must be positive", ErrInvalidAmount, cash)
	}
	key, err := s.resolve(ctx, userID, fundCode)
	if err != nil {
		return nil, err
	}
	quote, err := s.quotes.latest(ctx, key.FundCode)
	if err != nil {
		return nil, err
	}
	price, err := fillPrice(key, quote.Price)
	if err != nil {
		return nil, err
	}
	if model.RoundShares(cash.Div(price)).IsZero() {
		return nil, fmt.Errorf("%w: buy amount %s too small at price %s", ErrInvalidAmount, cash, price)
	}
	fee := s.fees.Fee(model.KindBuy, cash)

	return s.apply(ctx, key, func(cur *model.Position, now time.Time) (*model.Position, *model.Transaction, error) {
		next, filled := domainservice.ApplyBuy(cur, key, cash, price, now)
		return next, s.newTransaction(key, model.KindBuy, cash, filled, price, fee, now), nil
	})
}

// ExecuteSell 卖出 shares 份额
func (s *LedgerService) ExecuteSell(ctx context.Context, userID, fundCode string, shares decimal.Decimal) (*model.Transaction, error) {
	shares = model.RoundShares(shares)
	if !shares.IsPositive() {
		return nil, fmt.Errorf("%w: sell shares %s must be positive", ErrInvalidAmount, shares)
	}
	key, err := s.resolve(ctx, userID, fundCode)
	if err != nil {
		return nil, err
	}
	held, _, err := s.readVersioned(ctx, key)
	if err != nil {
		return nil, err
	}
	if held == nil || held.Shares.LessThan(shares) {
		return nil, insufficient(key, held, shares)
	}
	quote, err := s.quotes.latest(ctx, key.FundCode)
	if err != nil {
		return nil, err
	}
	price, err := fillPrice(key, quote.Price)
	if err != nil {
		return nil, err
	}
	cash := model.RoundMoney(shares.Mul(price))
	fee := s.fees.Fee(model.KindSell, cash)

	return s.apply(ctx, key, func(cur *model.Position, now time.Time) (*model.Position, *model.Transaction, error) {
		next, err := domainservice.ApplySell(cur, shares, price, now)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s holds %s, sell %s", err, key, heldShares(cur), shares)
		}
		return next, s.newTransaction(key, model.KindSell, cash, shares, price, fee, now), nil
	})
}

// GetPosition 持仓详情。净值缺失或过期时价格相关字段为 0，不报错。
func (s *LedgerService) GetPosition(ctx context.Context, userID, fundCode string) (model.PositionView, error) {
	if strings.TrimSpace(userID) == "" {
		return model.PositionView{}, ErrMissingUser
	}
	key := model.Key{UserID: userID, FundCode: normalizeFund(fundCode)}
	pos, err := s.store.GetPosition(ctx, key)
	if err != nil {
		if errors.Is(err, port.ErrPositionNotFound) {
			return model.PositionView{}, fmt.Errorf("%w: position %s", ErrNotFound, key)
		}
		return model.PositionView{}, fmt.Errorf("load position %s: %w", key, err)
	}

	var quote *model.Quote
	if q, err := s.quotes.latest(ctx, key.FundCode); err == nil {
		quote = &q
	} else {
		log.Debug().Err(err).Str("fund", key.FundCode).Msg("position priced without quote")
	}
	return domainservice.Derive(pos, fundName(ctx, s.catalog, key.FundCode), quote), nil
}

// HistoryQuery 交易记录查询参数
type HistoryQuery struct {
	UserID   string
	FundCode string
	Kind     model.Kind
	Status   model.Status
	Page     int // 1-based, default 1
	PerPage  int // default 20, max 100
}

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// ListTransactions 分页查询交易记录，按时间倒序
func (s *LedgerService) ListTransactions(ctx context.Context, q HistoryQuery) (model.TransactionPage, error) {
	if strings.TrimSpace(q.UserID) == "" {
		return model.TransactionPage{}, ErrMissingUser
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage <= 0 {
		q.PerPage = DefaultPerPage
	}
	if q.PerPage > MaxPerPage {
		q.PerPage = MaxPerPage
	}

	items, total, err := s.store.ListTransactions(ctx, port.TransactionQuery{
		UserID:   q.UserID,
		FundCode: normalizeFund(q.FundCode),
		Kind:     q.Kind,
		Status:   q.Status,
		Offset:   (q.Page - 1) * q.PerPage,
		Limit:    q.PerPage,
	})
	if err != nil {
		return model.TransactionPage{}, fmt.Errorf("list transactions: %w", err)
	}
	if items == nil {
		items = []*model.Transaction{}
	}
	return model.TransactionPage{
		Items:   items,
		Total:   total,
		Page:    q.Page,
		Pages:   (total + q.PerPage - 1) / q.PerPage,
		PerPage: q.PerPage,
	}, nil
}

// ReconcileReport 对账结果
type ReconcileReport struct {
	Checked  int
	Repaired []string // fund codes whose position was rewritten
	Oversold []string // order ids of sells larger than the replayed holding
}

// Reconcile rebuilds one position from the transaction log and rewrites it
// when the cached row disagrees. It returns the rebuilt position, nil when
// the replay ends flat.
func (s *LedgerService) Reconcile(ctx context.Context, userID, fundCode string) (*model.Position, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, false, ErrMissingUser
	}
	key := model.Key{UserID: userID, FundCode: normalizeFund(fundCode)}
	txs, err := s.store.TransactionsFor(ctx, key.UserID, key.FundCode)
	if err != nil {
		return nil, false, fmt.Errorf("load transactions %s: %w", key, err)
	}
	rebuilt, oversold := domainservice.Replay(key.UserID, txs)
	warnOversold(oversold)
	return s.repair(ctx, key, rebuilt[key.FundCode])
}

// ReconcileUser 对账用户全部持仓
func (s *LedgerService) ReconcileUser(ctx context.Context, userID string) (ReconcileReport, error) {
	var report ReconcileReport
	if strings.TrimSpace(userID) == "" {
		return report, ErrMissingUser
	}
	txs, err := s.store.TransactionsFor(ctx, userID, "")
	if err != nil {
		return report, fmt.Errorf("load transactions for %s: %w", userID, err)
	}
	rebuilt, oversold := domainservice.Replay(userID, txs)
	warnOversold(oversold)
	for _, tx := range oversold {
		report.Oversold = append(report.Oversold, tx.OrderID)
	}

	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("list positions for %s: %w", userID, err)
	}
	codes := make(map[string]struct{}, len(rebuilt)+len(positions))
	for code := range rebuilt {
		codes[code] = struct{}{}
	}
	for _, p := range positions {
		codes[p.FundCode] = struct{}{}
	}

	for code := range codes {
		key := model.Key{UserID: userID, FundCode: code}
		_, repaired, err := s.repair(ctx, key, rebuilt[code])
		if err != nil {
			return report, err
		}
		report.Checked++
		if repaired {
			report.Repaired = append(report.Repaired, code)
		}
	}
	return report, nil
}

// warnOversold flags sells the replay had to clamp; the log disagrees with
// itself and needs a manual look.
func warnOversold(txs []*model.Transaction) {
	for _, tx := range txs {
		log.Warn().
			Str("user", tx.UserID).
			Str("fund", tx.FundCode).
			Str("order_id", tx.OrderID).
			Str("shares", tx.Shares.String()).
			Msg("sell exceeds replayed holding, clamped")
	}
}

func (s *LedgerService) repair(ctx context.Context, key model.Key, rebuilt *model.Position) (*model.Position, bool, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		cur, version, err := s.readVersioned(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if samePosition(cur, rebuilt) {
			return cur, false, nil
		}

		uow := &port.UnitOfWork{Key: key, ExpectedVersion: version}
		if rebuilt != nil {
			next := rebuilt.Clone()
			next.Version = uow.ExpectedVersion + 1
			if cur != nil {
				next.CreatedAt = cur.CreatedAt
			}
			next.UpdatedAt = s.now()
			uow.Position = next
		}

		err = s.store.Commit(ctx, uow)
		if err == nil {
			log.Warn().
				Str("user", key.UserID).
				Str("fund", key.FundCode).
				Bool("deleted", uow.Position == nil).
				Msg("position repaired from transaction log")
			return uow.Position, true, nil
		}
		if !errors.Is(err, port.ErrVersionConflict) {
			return nil, false, fmt.Errorf("commit repair %s: %w", key, err)
		}
	}
	return nil, false, fmt.Errorf("%w: repair %s after %d attempts: %w", ErrTransient, key, s.maxAttempts, port.ErrVersionConflict)
}

// apply runs the read-modify-write cycle, retrying on version conflicts.
func (s *LedgerService) apply(ctx context.Context, key model.Key, op mutation) (*model.Transaction, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		cur, version, err := s.readVersioned(ctx, key)
		if err != nil {
			return nil, err
		}

		next, tx, err := op(cur, s.now())
		if err != nil {
			return nil, err
		}

		uow := &port.UnitOfWork{Key: key, Position: next, Transaction: tx, ExpectedVersion: version}
		if next != nil {
			next.Version = uow.ExpectedVersion + 1
		}

		err = s.store.Commit(ctx, uow)
		if err == nil {
			s.logFill(tx, next)
			s.publish(ctx, tx)
			return tx, nil
		}
		if !errors.Is(err, port.ErrVersionConflict) {
			return nil, fmt.Errorf("commit %s: %w", key, err)
		}
		lastErr = err
		log.Warn().
			Str("user", key.UserID).
			Str("fund", key.FundCode).
			Int("attempt", attempt).
			Msg("position version conflict, retrying")
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrTransient, key, s.maxAttempts, lastErr)
}

// readVersioned returns the position and the key version. The key version
// survives deletion, so a sell-out followed by a fresh buy never hands an
// older reader a version it has already seen.
func (s *LedgerService) readVersioned(ctx context.Context, key model.Key) (*model.Position, int64, error) {
	cur, version, err := s.store.ReadVersioned(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("load position %s: %w", key, err)
	}
	return cur, version, nil
}

// fillPrice rounds the quoted NAV; a quote that rounds to zero cannot fill.
func fillPrice(key model.Key, quoted decimal.Decimal) (decimal.Decimal, error) {
	price := model.RoundPrice(quoted)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s price %s rounds to %s", ErrPriceUnavailable, key.FundCode, quoted, price)
	}
	return price, nil
}

func heldShares(p *model.Position) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.Shares
}

func insufficient(key model.Key, cur *model.Position, shares decimal.Decimal) error {
	return fmt.Errorf("%w: %s holds %s, sell %s", ErrInsufficientShares, key, heldShares(cur), shares)
}

func (s *LedgerService) resolve(ctx context.Context, userID, fundCode string) (model.Key, error) {
	if strings.TrimSpace(userID) == "" {
		return model.Key{}, ErrMissingUser
	}
	code := normalizeFund(fundCode)
	if code == "" {
		return model.Key{}, fmt.Errorf("%w: empty fund code", ErrInstrumentNotFound)
	}
	if _, err := s.catalog.Resolve(ctx, code); err != nil {
		if errors.Is(err, port.ErrFundNotFound) {
			return model.Key{}, fmt.Errorf("%w: %s", ErrInstrumentNotFound, code)
		}
		return model.Key{}, fmt.Errorf("resolve fund %s: %w", code, err)
	}
	return model.Key{UserID: userID, FundCode: code}, nil
}

func (s *LedgerService) newTransaction(key model.Key, kind model.Kind, amount, shares, price, fee decimal.Decimal, now time.Time) *model.Transaction {
	id := s.newID()
	return &model.Transaction{
		ID:          id,
		OrderID:     orderID(now, id),
		UserID:      key.UserID,
		FundCode:    key.FundCode,
		Kind:        kind,
		Amount:      amount,
		Shares:      shares,
		UnitPrice:   price,
		Fee:         fee,
		Status:      model.StatusSuccess,
		OccurredAt:  now,
		ConfirmedAt: now,
	}
}

func (s *LedgerService) logFill(tx *model.Transaction, next *model.Position) {
	ev := log.Info().
		Str("user", tx.UserID).
		Str("fund", tx.FundCode).
		Str("kind", string(tx.Kind)).
		Str("order_id", tx.OrderID).
		Str("amount", tx.Amount.StringFixed(model.MoneyPlaces)).
		Str("shares", tx.Shares.StringFixed(model.SharePlaces)).
		Str("price", tx.UnitPrice.StringFixed(model.PricePlaces)).
		Str("fee", tx.Fee.StringFixed(model.MoneyPlaces))
	if next == nil {
		ev = ev.Bool("liquidated", true)
	} else {
		ev = ev.Str("position_shares", next.Shares.String()).Int64("version", next.Version)
	}
	ev.Msg("order filled")
}

func (s *LedgerService) publish(ctx context.Context, tx *model.Transaction) {
	if s.sink == nil {
		return
	}
	if err := s.sink.PublishTransaction(ctx, tx); err != nil {
		log.Error().Err(err).Str("order_id", tx.OrderID).Msg("publish transaction failed")
	}
}

// orderID 订单号: FL + UTC 时间 + uuid 前 8 位
func orderID(now time.Time, id string) string {
	suffix := strings.ReplaceAll(id, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return "FL" + now.UTC().Format("20060102150405") + strings.ToUpper(suffix)
}

func normalizeFund(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func samePosition(a, b *model.Position) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if !a.Shares.Equal(b.Shares) || !a.CostBasis.Equal(b.CostBasis) {
		return false
	}
	if a.ReferencePrice.Valid != b.ReferencePrice.Valid {
		return false
	}
	return !a.ReferencePrice.Valid || a.ReferencePrice.Decimal.Equal(b.ReferencePrice.Decimal)
}
