package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fundledger/internal/application/port"
	"fundledger/internal/domain/model"
	"fundledger/internal/infrastructure/config"
)

// Repo postgres 账本，金额列为 NUMERIC
type Repo struct {
	pool *pgxpool.Pool
}

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg config.DBConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

// Connect creates the pool, pings it and runs migrations.
func Connect(ctx context.Context, cfg config.DBConfig) (*Repo, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &Repo{pool: pool}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *Repo) Close() error {
	r.pool.Close()
	return nil
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS positions (
  user_id TEXT NOT NULL,
  fund_code TEXT NOT NULL,
  shares NUMERIC(20,4) NOT NULL,
  cost_basis NUMERIC(20,2) NOT NULL,
  reference_price NUMERIC(20,4),
  version BIGINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY(user_id, fund_code)
);

-- one row per key, kept when the position row is deleted
CREATE TABLE IF NOT EXISTS position_versions (
  user_id TEXT NOT NULL,
  fund_code TEXT NOT NULL,
  version BIGINT NOT NULL,
  PRIMARY KEY(user_id, fund_code)
);
INSERT INTO position_versions(user_id, fund_code, version)
  SELECT user_id, fund_code, version FROM positions
  ON CONFLICT(user_id, fund_code) DO NOTHING;

CREATE TABLE IF NOT EXISTS transactions (
  seq BIGSERIAL PRIMARY KEY,
  id UUID NOT NULL UNIQUE,
  order_id TEXT NOT NULL UNIQUE,
  user_id TEXT NOT NULL,
  fund_code TEXT NOT NULL,
  kind TEXT NOT NULL,
  amount NUMERIC(20,2) NOT NULL,
  shares NUMERIC(20,4) NOT NULL,
  unit_price NUMERIC(20,4) NOT NULL,
  fee NUMERIC(20,2) NOT NULL,
  status TEXT NOT NULL,
  occurred_at TIMESTAMPTZ NOT NULL,
  confirmed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tx_user_time ON transactions(user_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_tx_user_fund ON transactions(user_id, fund_code);
`)
	return err
}

// NUMERIC columns are read back as text so the decimal keeps every digit.
const positionColumns = `user_id, fund_code, shares::text, cost_basis::text, reference_price::text, version, created_at, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var (
		p            model.Position
		shares, cost string
		ref          *string
	)
	if err := row.Scan(&p.UserID, &p.FundCode, &shares, &cost, &ref, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := p.Shares.Scan(shares); err != nil {
		return nil, fmt.Errorf("scan shares: %w", err)
	}
	if err := p.CostBasis.Scan(cost); err != nil {
		return nil, fmt.Errorf("scan cost_basis: %w", err)
	}
	if ref != nil {
		if err := p.ReferencePrice.Scan(*ref); err != nil {
			return nil, fmt.Errorf("scan reference_price: %w", err)
		}
	}
	return &p, nil
}

func (r *Repo) GetPosition(ctx context.Context, key model.Key) (*model.Position, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id=$1 AND fund_code=$2`,
		key.UserID, key.FundCode)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, port.ErrPositionNotFound
	}
	return p, err
}

// ReadVersioned reads the key version and the position in one statement.
func (r *Repo) ReadVersioned(ctx context.Context, key model.Key) (*model.Position, int64, error) {
	var (
		version          int64
		shares, cost     *string
		ref              *string
		posVersion       *int64
		created, updated *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT v.version, p.shares::text, p.cost_basis::text, p.reference_price::text, p.version, p.created_at, p.updated_at
		FROM position_versions v
		LEFT JOIN positions p ON p.user_id = v.user_id AND p.fund_code = v.fund_code
		WHERE v.user_id=$1 AND v.fund_code=$2
	`, key.UserID, key.FundCode).Scan(&version, &shares, &cost, &ref, &posVersion, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if shares == nil || cost == nil || posVersion == nil {
		return nil, version, nil
	}

	p := &model.Position{UserID: key.UserID, FundCode: key.FundCode, Version: *posVersion}
	if err := p.Shares.Scan(*shares); err != nil {
		return nil, 0, fmt.Errorf("scan shares: %w", err)
	}
	if err := p.CostBasis.Scan(*cost); err != nil {
		return nil, 0, fmt.Errorf("scan cost_basis: %w", err)
	}
	if ref != nil {
		if err := p.ReferencePrice.Scan(*ref); err != nil {
			return nil, 0, fmt.Errorf("scan reference_price: %w", err)
		}
	}
	if created != nil {
		p.CreatedAt = *created
	}
	if updated != nil {
		p.UpdatedAt = *updated
	}
	return p, version, nil
}

func (r *Repo) ListPositions(ctx context.Context, userID string) ([]*model.Position, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id=$1 ORDER BY fund_code`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) Commit(ctx context.Context, uow *port.UnitOfWork) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := writePosition(ctx, tx, uow); err != nil {
			return err
		}
		t := uow.Transaction
		if t == nil {
			return nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO transactions(
				id, order_id, user_id, fund_code, kind, amount, shares,
				unit_price, fee, status, occurred_at, confirmed_at
			) VALUES($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11, $12)
		`, t.ID, t.OrderID, t.UserID, t.FundCode, string(t.Kind), t.Amount.String(), t.Shares.String(),
			t.UnitPrice.String(), t.Fee.String(), string(t.Status), t.OccurredAt, t.ConfirmedAt)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		return nil
	})
}

func nullableText(p *model.Position) *string {
	if !p.ReferencePrice.Valid {
		return nil
	}
	s := p.ReferencePrice.Decimal.String()
	return &s
}

// writePosition moves the key version forward first; a concurrent writer
// blocks on the row lock and then matches zero rows.
func writePosition(ctx context.Context, tx pgx.Tx, uow *port.UnitOfWork) error {
	k := uow.Key
	next := uow.ExpectedVersion + 1

	var (
		tag pgconn.CommandTag
		err error
	)
	if uow.ExpectedVersion == 0 {
		tag, err = tx.Exec(ctx, `
			INSERT INTO position_versions(user_id, fund_code, version) VALUES($1, $2, 1)
			ON CONFLICT(user_id, fund_code) DO NOTHING
		`, k.UserID, k.FundCode)
	} else {
		tag, err = tx.Exec(ctx, `UPDATE position_versions SET version=$1 WHERE user_id=$2 AND fund_code=$3 AND version=$4`,
			next, k.UserID, k.FundCode, uow.ExpectedVersion)
	}
	if err != nil {
		return fmt.Errorf("bump version %s: %w", k, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s expected version %d", port.ErrVersionConflict, k, uow.ExpectedVersion)
	}

	p := uow.Position
	if p == nil {
		if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE user_id=$1 AND fund_code=$2`, k.UserID, k.FundCode); err != nil {
			return fmt.Errorf("delete position %s: %w", k, err)
		}
		return nil
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO positions(user_id, fund_code, shares, cost_basis, reference_price, version, created_at, updated_at)
		VALUES($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8)
		ON CONFLICT(user_id, fund_code) DO UPDATE SET
			shares=EXCLUDED.shares,
			cost_basis=EXCLUDED.cost_basis,
			reference_price=EXCLUDED.reference_price,
			version=EXCLUDED.version,
			updated_at=EXCLUDED.updated_at
	`, k.UserID, k.FundCode, p.Shares.String(), p.CostBasis.String(), nullableText(p), next, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write position %s: %w", k, err)
	}
	return nil
}

const transactionColumns = `id::text, order_id, user_id, fund_code, kind, amount::text, shares::text, unit_price::text, fee::text, status, occurred_at, confirmed_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var (
		t                          model.Transaction
		kind, status               string
		amount, shares, price, fee string
	)
	if err := row.Scan(&t.ID, &t.OrderID, &t.UserID, &t.FundCode, &kind, &amount, &shares, &price, &fee,
		&status, &t.OccurredAt, &t.ConfirmedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst interface{ Scan(any) error }
		src string
	}{{&t.Amount, amount}, {&t.Shares, shares}, {&t.UnitPrice, price}, {&t.Fee, fee}} {
		if err := f.dst.Scan(f.src); err != nil {
			return nil, fmt.Errorf("scan transaction %s: %w", t.ID, err)
		}
	}
	t.Kind = model.Kind(kind)
	t.Status = model.Status(status)
	return &t, nil
}

func (r *Repo) ListTransactions(ctx context.Context, q port.TransactionQuery) ([]*model.Transaction, int, error) {
	where := []string{"user_id = $1"}
	args := []any{q.UserID}
	add := func(col string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if q.FundCode != "" {
		add("fund_code", q.FundCode)
	}
	if q.Kind != "" {
		add("kind", string(q.Kind))
	}
	if q.Status != "" {
		add("status", string(q.Status))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + cond + ` ORDER BY occurred_at DESC, seq DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	args = append(args, q.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]*model.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (r *Repo) TransactionsFor(ctx context.Context, userID, fundCode string) ([]*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = $1`
	args := []any{userID}
	if fundCode != "" {
		query += ` AND fund_code = $2`
		args = append(args, fundCode)
	}
	rows, err := r.pool.Query(ctx, query+` ORDER BY occurred_at, seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

var _ port.LedgerStore = (*Repo)(nil)
