package console

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"fundledger/internal/application/service"
	"fundledger/internal/domain/model"
)

const timeLayout = "2006-01-02 15:04:05"

// Renderer 把账本结果格式化成终端表格，金额按币种显示
type Renderer struct {
	w        io.Writer
	currency money.Currency
}

func NewRenderer(w io.Writer, currency string) *Renderer {
	if currency == "" {
		currency = money.CNY
	}
	// money.New never returns a nil currency, unknown codes get a bare formatter
	return &Renderer{w: w, currency: *money.New(0, strings.ToUpper(currency)).Currency()}
}

// Money formats an amount with the currency grapheme, e.g. "1,000.00 元".
func (r *Renderer) Money(d decimal.Decimal) string {
	minor := d.Shift(int32(r.currency.Fraction)).Round(0).IntPart()
	return r.currency.Formatter().Format(minor)
}

// SignedMoney prefixes gains with "+".
func (r *Renderer) SignedMoney(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + r.Money(d)
	}
	return r.Money(d)
}

// Percent renders a ratio as a signed percentage with 2 dp.
func Percent(rate decimal.Decimal) string {
	pct := rate.Shift(2).StringFixed(2)
	if rate.IsPositive() {
		return "+" + pct + "%"
	}
	return pct + "%"
}

func (r *Renderer) Transaction(tx *model.Transaction) {
	fmt.Fprintf(r.w, "order    %s\n", tx.OrderID)
	fmt.Fprintf(r.w, "kind     %s %s\n", tx.Kind, tx.FundCode)
	fmt.Fprintf(r.w, "amount   %s\n", r.Money(tx.Amount))
	fmt.Fprintf(r.w, "shares   %s\n", tx.Shares.StringFixed(model.SharePlaces))
	fmt.Fprintf(r.w, "nav      %s\n", tx.UnitPrice.StringFixed(model.PricePlaces))
	fmt.Fprintf(r.w, "fee      %s\n", r.Money(tx.Fee))
	fmt.Fprintf(r.w, "status   %s at %s\n", tx.Status, tx.ConfirmedAt.Local().Format(timeLayout))
}

func (r *Renderer) Position(v model.PositionView) {
	fmt.Fprintf(r.w, "%s %s\n", v.FundCode, v.FundName)
	fmt.Fprintf(r.w, "shares   %s\n", v.Shares.StringFixed(model.SharePlaces))
	fmt.Fprintf(r.w, "cost     %s\n", r.Money(v.CostBasis))
	if !v.PriceAvailable {
		fmt.Fprintln(r.w, "nav      --")
		return
	}
	fmt.Fprintf(r.w, "nav      %s (%s)\n", v.LatestPrice.StringFixed(model.PricePlaces), v.PriceAsOf.Local().Format(timeLayout))
	fmt.Fprintf(r.w, "value    %s\n", r.Money(v.CurrentValue))
	fmt.Fprintf(r.w, "pnl      %s %s\n", r.SignedMoney(v.TotalPnL), Percent(v.TotalPnLRate))
	fmt.Fprintf(r.w, "daily    %s %s\n", r.SignedMoney(v.DailyPnL), Percent(v.DailyPnLRate))
}

func (r *Renderer) Holdings(views []model.PositionView) {
	if len(views) == 0 {
		fmt.Fprintln(r.w, "no holdings")
		return
	}
	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tSHARES\tNAV\tVALUE\tPNL\tDAILY")
	for _, v := range views {
		nav, value, pnl, daily := "--", "--", "--", "--"
		if v.PriceAvailable {
			nav = v.LatestPrice.StringFixed(model.PricePlaces)
			value = r.Money(v.CurrentValue)
			pnl = r.SignedMoney(v.TotalPnL) + " " + Percent(v.TotalPnLRate)
			daily = r.SignedMoney(v.DailyPnL) + " " + Percent(v.DailyPnLRate)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.FundCode, v.FundName, v.Shares.StringFixed(model.SharePlaces), nav, value, pnl, daily)
	}
	_ = tw.Flush()
}

func (r *Renderer) Overview(o model.OverviewView) {
	fmt.Fprintf(r.w, "user     %s\n", o.UserID)
	fmt.Fprintf(r.w, "assets   %s\n", r.Money(o.TotalAssets))
	fmt.Fprintf(r.w, "pnl      %s %s\n", r.SignedMoney(o.TotalPnL), Percent(o.TotalPnLRate))
	fmt.Fprintf(r.w, "daily    %s %s\n", r.SignedMoney(o.DailyPnL), Percent(o.DailyPnLRate))
	fmt.Fprintf(r.w, "holdings %d\n", o.HoldingsCount)
	if o.HoldingsCount > 0 {
		fmt.Fprintln(r.w)
		r.Holdings(o.Holdings)
	}
}

func (r *Renderer) History(p model.TransactionPage) {
	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tORDER\tKIND\tFUND\tAMOUNT\tSHARES\tNAV\tFEE")
	for _, tx := range p.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			tx.OccurredAt.Local().Format(timeLayout), tx.OrderID, tx.Kind, tx.FundCode,
			r.Money(tx.Amount), tx.Shares.StringFixed(model.SharePlaces),
			tx.UnitPrice.StringFixed(model.PricePlaces), r.Money(tx.Fee))
	}
	_ = tw.Flush()
	fmt.Fprintf(r.w, "page %d/%d, %d total\n", p.Page, p.Pages, p.Total)
}

func (r *Renderer) Reconcile(rep service.ReconcileReport) {
	if len(rep.Repaired) == 0 {
		fmt.Fprintf(r.w, "checked %d positions, all consistent\n", rep.Checked)
	} else {
		fmt.Fprintf(r.w, "checked %d positions, repaired %s\n", rep.Checked, strings.Join(rep.Repaired, ", "))
	}
	if len(rep.Oversold) > 0 {
		fmt.Fprintf(r.w, "oversold sells clamped: %s\n", strings.Join(rep.Oversold, ", "))
	}
}

func (r *Renderer) Quote(q model.Quote) {
	line := fmt.Sprintf("%s %s", q.FundCode, q.Price.StringFixed(model.PricePlaces))
	if q.PrevPrice.IsPositive() {
		line += " " + Percent(model.SafeDiv(q.Price.Sub(q.PrevPrice), q.PrevPrice))
	}
	if !q.AsOf.IsZero() {
		line += " @ " + q.AsOf.Local().Format(timeLayout)
	}
	fmt.Fprintln(r.w, line)
}
