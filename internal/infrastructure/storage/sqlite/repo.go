package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"fundledger/internal/application/port"
	"fundledger/internal/domain/model"
)

// Repo 基于 sqlite 的账本：持仓带版本号，流水只追加
type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) GetDB() *sql.DB {
	return r.db
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS positions (
  user_id TEXT NOT NULL,
  fund_code TEXT NOT NULL,
  shares TEXT NOT NULL,
  cost_basis TEXT NOT NULL,
  reference_price TEXT,
  version INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY(user_id, fund_code)
);

-- one row per key, kept when the position row is deleted
CREATE TABLE IF NOT EXISTS position_versions (
  user_id TEXT NOT NULL,
  fund_code TEXT NOT NULL,
  version INTEGER NOT NULL,
  PRIMARY KEY(user_id, fund_code)
);
INSERT INTO position_versions(user_id, fund_code, version)
  SELECT user_id, fund_code, version FROM positions WHERE true
  ON CONFLICT(user_id, fund_code) DO NOTHING;

CREATE TABLE IF NOT EXISTS transactions (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  order_id TEXT NOT NULL UNIQUE,
  user_id TEXT NOT NULL,
  fund_code TEXT NOT NULL,
  kind TEXT NOT NULL,
  amount TEXT NOT NULL,
  shares TEXT NOT NULL,
  unit_price TEXT NOT NULL,
  fee TEXT NOT NULL,
  status TEXT NOT NULL,
  occurred_at INTEGER NOT NULL,
  confirmed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tx_user_time ON transactions(user_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_tx_user_fund ON transactions(user_id, fund_code);

CREATE TABLE IF NOT EXISTS funds (
  code TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  fund_type TEXT NOT NULL DEFAULT '',
  risk_level TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS quotes (
  fund_code TEXT PRIMARY KEY,
  price TEXT NOT NULL,
  prev_price TEXT NOT NULL,
  as_of INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
`)
	return err
}

// timestamps are stored as unix nanoseconds
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

const positionColumns = `user_id, fund_code, shares, cost_basis, reference_price, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var (
		p                model.Position
		created, updated int64
	)
	if err := row.Scan(&p.UserID, &p.FundCode, &p.Shares, &p.CostBasis, &p.ReferencePrice, &p.Version, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return &p, nil
}

func (r *Repo) GetPosition(ctx context.Context, key model.Key) (*model.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id=? AND fund_code=?`,
		key.UserID, key.FundCode)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrPositionNotFound
	}
	return p, err
}

// ReadVersioned reads the key version and the position in one statement.
func (r *Repo) ReadVersioned(ctx context.Context, key model.Key) (*model.Position, int64, error) {
	var (
		version           int64
		shares, cost, ref decimal.NullDecimal
		posVersion        sql.NullInt64
		created, updated  sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT v.version, p.shares, p.cost_basis, p.reference_price, p.version, p.created_at, p.updated_at
		FROM position_versions v
		LEFT JOIN positions p ON p.user_id = v.user_id AND p.fund_code = v.fund_code
		WHERE v.user_id=? AND v.fund_code=?
	`, key.UserID, key.FundCode).Scan(&version, &shares, &cost, &ref, &posVersion, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if !shares.Valid {
		return nil, version, nil
	}
	return &model.Position{
		UserID:         key.UserID,
		FundCode:       key.FundCode,
		Shares:         shares.Decimal,
		CostBasis:      cost.Decimal,
		ReferencePrice: ref,
		Version:        posVersion.Int64,
		CreatedAt:      fromNanos(created.Int64),
		UpdatedAt:      fromNanos(updated.Int64),
	}, version, nil
}

func (r *Repo) ListPositions(ctx context.Context, userID string) ([]*model.Position, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id=? ORDER BY fund_code`, userID)
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

// Commit 在一个数据库事务内写持仓并追加流水；版本不符时返回 ErrVersionConflict
func (r *Repo) Commit(ctx context.Context, uow *port.UnitOfWork) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := writePosition(ctx, tx, uow); err != nil {
		return err
	}
	if t := uow.Transaction; t != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transactions(
				id, order_id, user_id, fund_code, kind, amount, shares,
				unit_price, fee, status, occurred_at, confirmed_at
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.OrderID, t.UserID, t.FundCode, string(t.Kind), t.Amount, t.Shares,
			t.UnitPrice, t.Fee, string(t.Status), toNanos(t.OccurredAt), toNanos(t.ConfirmedAt))
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
	}
	return tx.Commit()
}

// writePosition moves the key version forward first; losing that race is a
// conflict. The position row itself is then deleted or upserted.
func writePosition(ctx context.Context, tx *sql.Tx, uow *port.UnitOfWork) error {
	k := uow.Key
	next := uow.ExpectedVersion + 1

	var (
		res sql.Result
		err error
	)
	if uow.ExpectedVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO position_versions(user_id, fund_code, version) VALUES(?, ?, 1)
			ON CONFLICT(user_id, fund_code) DO NOTHING
		`, k.UserID, k.FundCode)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE position_versions SET version=? WHERE user_id=? AND fund_code=? AND version=?`,
			next, k.UserID, k.FundCode, uow.ExpectedVersion)
	}
	if err != nil {
		return fmt.Errorf("bump version %s: %w", k, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s expected version %d", port.ErrVersionConflict, k, uow.ExpectedVersion)
	}

	p := uow.Position
	if p == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE user_id=? AND fund_code=?`, k.UserID, k.FundCode); err != nil {
			return fmt.Errorf("delete position %s: %w", k, err)
		}
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions(`+positionColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, fund_code) DO UPDATE SET
			shares=excluded.shares,
			cost_basis=excluded.cost_basis,
			reference_price=excluded.reference_price,
			version=excluded.version,
			updated_at=excluded.updated_at
	`, k.UserID, k.FundCode, p.Shares, p.CostBasis, p.ReferencePrice, next, toNanos(p.CreatedAt), toNanos(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("write position %s: %w", k, err)
	}
	return nil
}

const transactionColumns = `id, order_id, user_id, fund_code, kind, amount, shares, unit_price, fee, status, occurred_at, confirmed_at`

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var (
		t                   model.Transaction
		kind, status        string
		occurred, confirmed int64
	)
	if err := row.Scan(&t.ID, &t.OrderID, &t.UserID, &t.FundCode, &kind, &t.Amount, &t.Shares,
		&t.UnitPrice, &t.Fee, &status, &occurred, &confirmed); err != nil {
		return nil, err
	}
	t.Kind = model.Kind(kind)
	t.Status = model.Status(status)
	t.OccurredAt = fromNanos(occurred)
	t.ConfirmedAt = fromNanos(confirmed)
	return &t, nil
}

func (r *Repo) ListTransactions(ctx context.Context, q port.TransactionQuery) ([]*model.Transaction, int, error) {
	where := []string{"user_id = ?"}
	args := []any{q.UserID}
	if q.FundCode != "" {
		where = append(where, "fund_code = ?")
		args = append(args, q.FundCode)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE `+cond+`
		ORDER BY occurred_at DESC, seq DESC LIMIT ? OFFSET ?`, append(args, limit, q.Offset)...)
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
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ?`
	args := []any{userID}
	if fundCode != "" {
		query += ` AND fund_code = ?`
		args = append(args, fundCode)
	}
	rows, err := r.db.QueryContext(ctx, query+` ORDER BY occurred_at, seq`, args...)
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
