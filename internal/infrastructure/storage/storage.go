package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"fundledger/internal/application/port"
	"fundledger/internal/domain/model"
)

// InMemoryLedgerStore keeps positions and the transaction log in maps
// guarded by one mutex, so a commit is atomic with respect to every reader.
type InMemoryLedgerStore struct {
	mu        sync.RWMutex
	positions map[model.Key]*model.Position
	versions  map[model.Key]int64 // kept after a position is deleted
	txs       []*model.Transaction
}

// NewInMemoryLedgerStore creates a new in-memory ledger
func NewInMemoryLedgerStore() *InMemoryLedgerStore {
	return &InMemoryLedgerStore{
		positions: make(map[model.Key]*model.Position),
		versions:  make(map[model.Key]int64),
		txs:       make([]*model.Transaction, 0),
	}
}

func (s *InMemoryLedgerStore) GetPosition(ctx context.Context, key model.Key) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[key]
	if !ok {
		return nil, port.ErrPositionNotFound
	}
	return p.Clone(), nil
}

func (s *InMemoryLedgerStore) ReadVersioned(ctx context.Context, key model.Key) (*model.Position, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pos *model.Position
	if p, ok := s.positions[key]; ok {
		pos = p.Clone()
	}
	return pos, s.versions[key], nil
}

func (s *InMemoryLedgerStore) ListPositions(ctx context.Context, userID string) ([]*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Position, 0)
	for k, p := range s.positions {
		if k.UserID == userID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FundCode < out[j].FundCode })
	return out, nil
}

func (s *InMemoryLedgerStore) Commit(ctx context.Context, uow *port.UnitOfWork) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.versions[uow.Key]
	if stored != uow.ExpectedVersion {
		return fmt.Errorf("%w: %s expected %d, stored %d", port.ErrVersionConflict, uow.Key, uow.ExpectedVersion, stored)
	}

	next := uow.ExpectedVersion + 1
	s.versions[uow.Key] = next
	if uow.Position == nil {
		delete(s.positions, uow.Key)
	} else {
		p := uow.Position.Clone()
		p.Version = next
		s.positions[uow.Key] = p
	}
	if uow.Transaction != nil {
		tx := *uow.Transaction
		s.txs = append(s.txs, &tx)
	}
	return nil
}

func (s *InMemoryLedgerStore) ListTransactions(ctx context.Context, q port.TransactionQuery) ([]*model.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*model.Transaction, 0)
	// newest first: walk the append order backwards
	for i := len(s.txs) - 1; i >= 0; i-- {
		tx := s.txs[i]
		if tx.UserID != q.UserID {
			continue
		}
		if q.FundCode != "" && tx.FundCode != q.FundCode {
			continue
		}
		if q.Kind != "" && tx.Kind != q.Kind {
			continue
		}
		if q.Status != "" && tx.Status != q.Status {
			continue
		}
		matched = append(matched, tx)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].OccurredAt.After(matched[j].OccurredAt) })

	total := len(matched)
	if q.Offset >= total {
		return []*model.Transaction{}, total, nil
	}
	end := total
	if q.Limit > 0 && q.Offset+q.Limit < total {
		end = q.Offset + q.Limit
	}
	out := make([]*model.Transaction, 0, end-q.Offset)
	for _, tx := range matched[q.Offset:end] {
		cp := *tx
		out = append(out, &cp)
	}
	return out, total, nil
}

func (s *InMemoryLedgerStore) TransactionsFor(ctx context.Context, userID, fundCode string) ([]*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Transaction, 0)
	for _, tx := range s.txs {
		if tx.UserID != userID || (fundCode != "" && tx.FundCode != fundCode) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryLedgerStore) Close() error {
	return nil
}

// InMemoryQuoteBook 内存净值簿
type InMemoryQuoteBook struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

func NewInMemoryQuoteBook(seed ...model.Quote) *InMemoryQuoteBook {
	b := &InMemoryQuoteBook{quotes: make(map[string]model.Quote, len(seed))}
	for _, q := range seed {
		b.quotes[strings.ToUpper(q.FundCode)] = q
	}
	return b
}

func (b *InMemoryQuoteBook) Latest(ctx context.Context, fundCode string) (model.Quote, error) {
	if err := ctx.Err(); err != nil {
		return model.Quote{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[fundCode]
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: %s", port.ErrQuoteNotAvailable, fundCode)
	}
	return q, nil
}

func (b *InMemoryQuoteBook) LatestMany(ctx context.Context, fundCodes []string) (map[string]model.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]model.Quote, len(fundCodes))
	for _, code := range fundCodes {
		if q, ok := b.quotes[code]; ok {
			out[code] = q
		}
	}
	return out, nil
}

func (b *InMemoryQuoteBook) PutQuote(ctx context.Context, q model.Quote) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[strings.ToUpper(q.FundCode)] = q
	return nil
}

// InMemoryCatalog is a fixed fund catalog, typically seeded from config.
type InMemoryCatalog struct {
	mu    sync.RWMutex
	funds map[string]model.Fund
}

func NewInMemoryCatalog(funds ...model.Fund) *InMemoryCatalog {
	c := &InMemoryCatalog{funds: make(map[string]model.Fund, len(funds))}
	for _, f := range funds {
		c.funds[strings.ToUpper(f.Code)] = f
	}
	return c
}

func (c *InMemoryCatalog) Resolve(ctx context.Context, fundCode string) (model.Fund, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.funds[fundCode]
	if !ok {
		return model.Fund{}, fmt.Errorf("%w: %s", port.ErrFundNotFound, fundCode)
	}
	return f, nil
}

func (c *InMemoryCatalog) UpsertFund(ctx context.Context, f model.Fund) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funds[strings.ToUpper(f.Code)] = f
	return nil
}

var (
	_ port.LedgerStore = (*InMemoryLedgerStore)(nil)
	_ port.QuoteBook   = (*InMemoryQuoteBook)(nil)
	_ port.Catalog     = (*InMemoryCatalog)(nil)
)
