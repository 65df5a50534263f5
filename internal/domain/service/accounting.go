package service

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fundledger/internal/domain/model"
)

// ErrInsufficientShares 持仓不足
var ErrInsufficientShares = errors.New("insufficient shares")

// ApplyBuy 买入：按净值折算份额并累加成本。pos 为 nil 时新建持仓。
// 返回新持仓（pos 不会被修改）和成交份额。
func ApplyBuy(pos *model.Position, key model.Key, cash, unitPrice decimal.Decimal, now time.Time) (*model.Position, decimal.Decimal) {
	filled := model.RoundShares(cash.Div(unitPrice))
	return addFill(pos, key, filled, cash, unitPrice, now), filled
}

// ApplySell 卖出：平均成本法按比例减少成本。返回 nil 表示已清仓。
func ApplySell(pos *model.Position, shares, unitPrice decimal.Decimal, now time.Time) (*model.Position, error) {
	if pos == nil || pos.Shares.LessThan(shares) {
		return nil, ErrInsufficientShares
	}
	return removeShares(pos, shares, unitPrice, now), nil
}

func addFill(pos *model.Position, key model.Key, shares, cash, unitPrice decimal.Decimal, now time.Time) *model.Position {
	next := pos.Clone()
	if next == nil {
		next = &model.Position{
			UserID:    key.UserID,
			FundCode:  key.FundCode,
			Shares:    decimal.Zero,
			CostBasis: decimal.Zero,
			CreatedAt: now,
		}
	}
	next.Shares = model.RoundShares(next.Shares.Add(shares))
	next.CostBasis = model.RoundMoney(next.CostBasis.Add(cash))
	next.ReferencePrice = decimal.NewNullDecimal(unitPrice)
	next.UpdatedAt = now
	return next
}

func removeShares(pos *model.Position, shares, unitPrice decimal.Decimal, now time.Time) *model.Position {
	remaining := pos.Shares.Sub(shares)
	if remaining.LessThan(model.ShareEpsilon) {
		return nil
	}
	next := pos.Clone()
	// cost × remaining / shares: multiply first to keep precision
	next.CostBasis = model.RoundMoney(pos.CostBasis.Mul(remaining).Div(pos.Shares))
	next.Shares = model.RoundShares(remaining)
	next.ReferencePrice = decimal.NewNullDecimal(unitPrice)
	next.UpdatedAt = now
	return next
}

// Derive 根据最新报价推导持仓盈亏。quote 为 nil 时所有依赖价格的字段为零。
func Derive(pos *model.Position, fundName string, quote *model.Quote) model.PositionView {
	v := model.PositionView{
		FundCode:       pos.FundCode,
		FundName:       fundName,
		Shares:         pos.Shares,
		CostBasis:      pos.CostBasis,
		ReferencePrice: pos.ReferencePrice,
		LatestPrice:    decimal.Zero,
		CurrentValue:   decimal.Zero,
		TotalPnL:       decimal.Zero,
		TotalPnLRate:   decimal.Zero,
		DailyPnL:       decimal.Zero,
		DailyPnLRate:   decimal.Zero,
	}
	if v.FundName == "" {
		v.FundName = pos.FundCode
	}
	if quote == nil || !quote.Price.IsPositive() {
		return v
	}

	latest := quote.Price
	v.LatestPrice = latest
	v.PriceAvailable = true
	v.PriceAsOf = quote.AsOf
	v.CurrentValue = model.RoundMoney(pos.Shares.Mul(latest))
	v.TotalPnL = v.CurrentValue.Sub(pos.CostBasis)
	v.TotalPnLRate = model.SafeDiv(v.TotalPnL, pos.CostBasis)

	if pos.ReferencePrice.Valid && !pos.ReferencePrice.Decimal.IsZero() {
		ref := pos.ReferencePrice.Decimal
		change := latest.Sub(ref)
		v.DailyPnL = model.RoundMoney(change.Mul(pos.Shares))
		v.DailyPnLRate = model.SafeDiv(change, ref)
	}
	return v
}

// Aggregate 汇总多个持仓。比率由汇总后的绝对值重新计算，而非对单个比率取平均。
func Aggregate(userID string, views []model.PositionView) model.OverviewView {
	out := model.OverviewView{
		UserID:        userID,
		TotalAssets:   decimal.Zero,
		DailyPnL:      decimal.Zero,
		TotalPnL:      decimal.Zero,
		HoldingsCount: len(views),
		Holdings:      views,
	}
	for _, v := range views {
		out.TotalAssets = out.TotalAssets.Add(v.CurrentValue)
		out.DailyPnL = out.DailyPnL.Add(v.DailyPnL)
		out.TotalPnL = out.TotalPnL.Add(v.TotalPnL)
	}
	out.TotalPnLRate = model.SafeDiv(out.TotalPnL, out.TotalAssets.Sub(out.TotalPnL))
	out.DailyPnLRate = model.SafeDiv(out.DailyPnL, out.TotalAssets.Sub(out.DailyPnL))
	return out
}

// Replay 重放交易流水重建持仓，key 为 fund code。
// Recorded fills are reused as-is so the result matches the running state.
// Sells that exceed the replayed holding are clamped to it and returned as
// oversold so the caller can flag them.
func Replay(userID string, txs []*model.Transaction) (map[string]*model.Position, []*model.Transaction) {
	ordered := make([]*model.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.UserID == userID {
			ordered = append(ordered, tx)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OccurredAt.Before(ordered[j].OccurredAt)
	})

	out := make(map[string]*model.Position)
	var oversold []*model.Transaction
	for _, tx := range ordered {
		pos := out[tx.FundCode]
		switch tx.Kind {
		case model.KindBuy:
			key := model.Key{UserID: userID, FundCode: tx.FundCode}
			out[tx.FundCode] = addFill(pos, key, tx.Shares, tx.Amount, tx.UnitPrice, tx.OccurredAt)
		case model.KindSell:
			if pos == nil {
				oversold = append(oversold, tx)
				continue
			}
			if tx.Shares.GreaterThan(pos.Shares) {
				oversold = append(oversold, tx)
			}
			sold := decimal.Min(tx.Shares, pos.Shares)
			if next := removeShares(pos, sold, tx.UnitPrice, tx.OccurredAt); next != nil {
				out[tx.FundCode] = next
			} else {
				delete(out, tx.FundCode)
			}
		}
	}
	return out, oversold
}
