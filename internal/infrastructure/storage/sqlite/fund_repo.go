package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fundledger/internal/application/port"
	"fundledger/internal/domain/model"
)

// FundRepo 基金目录
type FundRepo struct {
	db *sql.DB
}

func NewFundRepo(db *sql.DB) *FundRepo {
	return &FundRepo{db: db}
}

// UpsertFund 新增或更新基金
func (fr *FundRepo) UpsertFund(ctx context.Context, f model.Fund) error {
	_, err := fr.db.ExecContext(ctx, `
		INSERT INTO funds(code, name, fund_type, risk_level, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
		name=excluded.name, fund_type=excluded.fund_type,
		risk_level=excluded.risk_level, updated_at=excluded.updated_at
	`, f.Code, f.Name, f.Type, f.RiskLevel, time.Now().UnixMilli())
	return err
}

// RemoveFund 下架基金；已有持仓不受影响
func (fr *FundRepo) RemoveFund(ctx context.Context, code string) error {
	_, err := fr.db.ExecContext(ctx, `DELETE FROM funds WHERE code = ?`, code)
	return err
}

func (fr *FundRepo) Resolve(ctx context.Context, code string) (model.Fund, error) {
	var f model.Fund
	err := fr.db.QueryRowContext(ctx, `
		SELECT code, name, fund_type, risk_level FROM funds WHERE code = ?
	`, code).Scan(&f.Code, &f.Name, &f.Type, &f.RiskLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Fund{}, fmt.Errorf("%w: %s", port.ErrFundNotFound, code)
	}
	if err != nil {
		return model.Fund{}, err
	}
	return f, nil
}

func (fr *FundRepo) ListFunds(ctx context.Context) ([]model.Fund, error) {
	rows, err := fr.db.QueryContext(ctx, `SELECT code, name, fund_type, risk_level FROM funds ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Fund, 0)
	for rows.Next() {
		var f model.Fund
		if err := rows.Scan(&f.Code, &f.Name, &f.Type, &f.RiskLevel); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

var _ port.Catalog = (*FundRepo)(nil)
