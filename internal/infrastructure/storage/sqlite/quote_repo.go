package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fundledger/internal/application/port"
	"fundledger/internal/domain/model"
)

// QuoteRepo 持久化的净值簿，CLI 多次调用之间共享报价
type QuoteRepo struct {
	db *sql.DB
}

func NewQuoteRepo(db *sql.DB) *QuoteRepo {
	return &QuoteRepo{db: db}
}

func (qr *QuoteRepo) PutQuote(ctx context.Context, q model.Quote) error {
	_, err := qr.db.ExecContext(ctx, `
		INSERT INTO quotes(fund_code, price, prev_price, as_of, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(fund_code) DO UPDATE SET
		price=excluded.price, prev_price=excluded.prev_price,
		as_of=excluded.as_of, updated_at=excluded.updated_at
	`, q.FundCode, q.Price, q.PrevPrice, toNanos(q.AsOf), time.Now().UnixMilli())
	return err
}

func (qr *QuoteRepo) Latest(ctx context.Context, code string) (model.Quote, error) {
	var (
		q    model.Quote
		asOf int64
	)
	err := qr.db.QueryRowContext(ctx, `SELECT fund_code, price, prev_price, as_of FROM quotes WHERE fund_code = ?`, code).
		Scan(&q.FundCode, &q.Price, &q.PrevPrice, &asOf)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Quote{}, fmt.Errorf("%w: %s", port.ErrQuoteNotAvailable, code)
	}
	if err != nil {
		return model.Quote{}, err
	}
	q.AsOf = fromNanos(asOf)
	return q, nil
}

func (qr *QuoteRepo) LatestMany(ctx context.Context, codes []string) (map[string]model.Quote, error) {
	out := make(map[string]model.Quote, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	args := make([]any, len(codes))
	for i, c := range codes {
		args[i] = c
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(codes)), ",")
	rows, err := qr.db.QueryContext(ctx,
		`SELECT fund_code, price, prev_price, as_of FROM quotes WHERE fund_code IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			q    model.Quote
			asOf int64
		)
		if err := rows.Scan(&q.FundCode, &q.Price, &q.PrevPrice, &asOf); err != nil {
			return nil, err
		}
		q.AsOf = fromNanos(asOf)
		out[q.FundCode] = q
	}
	return out, rows.Err()
}

var _ port.QuoteBook = (*QuoteRepo)(nil)
