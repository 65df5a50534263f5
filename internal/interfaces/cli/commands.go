package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"fundledger/internal/application/service"
	"fundledger/internal/domain/model"
)

// Commands 返回全部账本子命令，open 在每次执行时装配依赖
func Commands(open Opener) []subcommands.Command {
	return []subcommands.Command{
		&buyCmd{open: open},
		&sellCmd{open: open},
		&positionCmd{open: open},
		&holdingsCmd{open: open},
		&overviewCmd{open: open},
		&historyCmd{open: open},
		&reconcileCmd{open: open},
		&quoteCmd{open: open},
		&serveCmd{open: open},
	}
}

// stderr is swapped in tests.
var stderr io.Writer = os.Stderr

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return subcommands.ExitFailure
}

func usage(msg string) subcommands.ExitStatus {
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	return subcommands.ExitUsageError
}

func printJSON(w io.Writer, v any) subcommands.ExitStatus {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

// run opens the runtime, calls fn and always closes it.
func run(open Opener, fn func(rt *Runtime) subcommands.ExitStatus) subcommands.ExitStatus {
	rt, err := open()
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			fmt.Fprintf(stderr, "Error closing ledger: %v\n", err)
		}
	}()
	return fn(rt)
}

func parseDecimal(name, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("-%s is required", name)
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("-%s %q: %w", name, s, err)
	}
	return v, nil
}

type buyCmd struct {
	open   Opener
	user   string
	fund   string
	amount string
	json   bool
}

func (*buyCmd) Name() string     { return "buy" }
func (*buyCmd) Synopsis() string { return "buy a fund with a cash amount at the latest NAV" }
func (*buyCmd) Usage() string {
	return `fundledger buy -u <user> -f <fund> -amount <cash> [-json]

  Spends the cash amount on the fund at its latest NAV. The fee is recorded on
  the transaction and does not reduce the shares bought.
`
}

func (c *buyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "User ID.")
	f.StringVar(&c.fund, "f", "", "Fund code, e.g. 000001.")
	f.StringVar(&c.amount, "amount", "", "Cash amount to invest.")
	f.BoolVar(&c.json, "json", false, "Print the transaction as JSON.")
}

func (c *buyCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	amount, err := parseDecimal("amount", c.amount)
	if err != nil {
		return usage(err.Error())
	}
	return run(c.open, func(rt *Runtime) subcommands.ExitStatus {
		tx, err := rt.App.LedgerService().ExecuteBuy(ctx, c.user, c.fund, amount)
		if err != nil {
			return fail(err)
		}
		if c.json {
			return printJSON(rt.Out, tx)
		}
		rt.Render.Transaction(tx)
		return subcommands.ExitSuccess
	})
}

type sellCmd struct {
	open   Opener
	user   string
	fund   string
	shares string
	json   bool
}

func (*sellCmd) Name() string     { return "sell" }
func (*sellCmd) Synopsis() string { return "sell fund shares at the latest NAV" }
func (*sellCmd) Usage() string {
	return `fundledger sell -u <user> -f <fund> -shares <n> [-json]

  Redeems shares at the latest NAV. Selling every share closes the position.
`
}

func (c *sellCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "User ID.")
	f.StringVar(&c.fund, "f", "", "Fund code.")
	f.StringVar(&c.shares, "shares", "", "Number of shares to sell.")
	f.BoolVar(&c.json, "json", false, "Print the transaction as JSON.")
}

func (c *sellCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	shares, err := parseDecimal("shares", c.shares)
	if err != nil {
		return usage(err.Error())
	}
	return run(c.open, func(rt *Runtime) subcommands.ExitStatus {
		tx, err := rt.App.LedgerService().ExecuteSell(ctx, c.user, c.fund, shares)
		if err != nil {
			return fail(err)
		}
		if c.json {
			return printJSON(rt.Out, tx)
		}
		rt.Render.Transaction(tx)
		return subcommands.ExitSuccess
	})
}

type positionCmd struct {
	open Opener
	user string
	fund string
	json bool
}

func (*positionCmd) Name() string     { return "position" }
func (*positionCmd) Synopsis() string { return "show one holding with its profit and loss" }
func (*positionCmd) Usage() string {
	return `fundledger position -u <user> -f <fund> [-json]
`
}

func (c *positionCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "User ID.")
	f.StringVar(&c.fund, "f", "", "Fund code.")
	f.BoolVar(&c.json, "json", false, "Print as JSON.")
}

func (c *positionCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(c.open, func(rt *Runtime) subcommands.ExitStatus {
		view, err := rt.App.LedgerService().GetPosition(ctx, c.user, c.fund)
		if err != nil {
			return fail(err)
		}
		if c.json {
			return printJSON(rt.Out, view)
		}
		rt.Render.Position(view)
		return subcommands.ExitSuccess
	})
}

type holdingsCmd struct {
	open Opener
	user string
	json bool
}

func (*holdingsCmd) Name() string     { return "holdings" }
func (*holdingsCmd) Synopsis() string { return "list every holding of a user" }
func (*holdingsCmd) Usage() string {
	return `fundledger holdings -u <user> [-json]
`
}

func (c *holdingsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "User ID.")
	f.BoolVar(&c.json, "json", false, "Print as JSON.")
}

func (c *holdingsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(c.open, func(rt *Runtime) subcommands.ExitStatus {
		views, err := rt.App.PortfolioService().ListHoldings(ctx, c.user)
		if err != nil {
			return fail(err)
		}
		if c.json {
			return printJSON(rt.Out, views)
		}
		rt.Render.Holdings(views)
		return subcommands.ExitSuccess
	})
}

type overviewCmd struct {
	open Opener
	user string
	json bool
}

func (*overviewCmd) Name() string     { return "overview" }
func (*overviewCmd) Synopsis() string { return "show total assets and profit and loss" }
func (*overviewCmd) Usage() string {
	return `fundledger overview -u <user> [-json]
`
}

func (c *overviewCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "User ID.")
	f.BoolVar(&c.json, "json", false, "Print as JSON.")
}

func (c *overviewCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(c.open, func(rt *Runtime) subcommands.ExitStatus {
		o, err := rt.App.PortfolioService().GetOverview(ctx, c.user)
		if err != nil {
			return fail(err)
		}
		if c.json {
			return printJSON(rt.Out, o)
		}
		rt.Render.Overview(o)
		return subcommands.ExitSuccess
	})
}

type historyCmd struct {
	open    Opener
	user    string
	fund    string
	kind    string
	page    int
	perPage int
	json    bool
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "list transactions, newest first" }
func (*historyCmd) Usage() string {
	return `fundledger history -u <user> [-f <fund>] [-kind buy|sell] [-page <n>] [-per <n>] [-json]
`
}

func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "User ID.")
	f.StringVar(&c.fund, "f", "", "Only this fund.")
	f.StringVar(&c.kind, "kind", "", "Only BUY or SELL.")
	f.IntVar(&c.page, "page", 1, "Page number, starting at 1.")
	f.IntVar(&c.perPage, "per", service.DefaultPerPage, "Transactions per page, at most 100.")
	f.BoolVar(&c.json, "json", false, "Print as JSON.")
}

func (c *historyCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	q := service.HistoryQuery{UserID: c.user, FundCode: c.fund, Page: c.page, PerPage: c.perPage}
	if c.kind != "" {
		kind, err := model.ParseKind(c.kind)
		if err != nil {
			return usage(err.Error())
		}
		q.Kind = kind
	}
	return run(c.open, func(rt *Runtime) subcommands.ExitStatus {
		page, err := rt.App.LedgerService().ListTransactions(ctx, q)
		if err != nil {
			return fail(err)
		}
		if c.json {
			return printJSON(rt.Out, page)
		}
		rt.Render.History(page)
		return subcommands.ExitSuccess
	})
}

type reconcileCmd struct {
	open Opener
	user string
	fund string
}

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "rebuild positions from the transaction log" }
func (*reconcileCmd) Usage() string {
	return `fundledger reconcile -u <user> [-f <fund>]

  Replays the transaction log and rewrites any stored position that disagrees.
`
}

func (c *reconcileCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", "", "User ID.")
	f.StringVar(&c.fund, "f", "", "Only this fund.")
}

func (c *reconcileCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(c.open, func(rt *Runtime) subcommands.ExitStatus {
		svc := rt.App.LedgerService()
		if c.fund == "" {
			report, err := svc.ReconcileUser(ctx, c.user)
			if err != nil {
				return fail(err)
			}
			rt.Render.Reconcile(report)
			return subcommands.ExitSuccess
		}
		_, repaired, err := svc.Reconcile(ctx, c.user, c.fund)
		if err != nil {
			return fail(err)
		}
		report := service.ReconcileReport{Checked: 1}
		if repaired {
			report.Repaired = []string{strings.ToUpper(strings.TrimSpace(c.fund))}
		}
		rt.Render.Reconcile(report)
		return subcommands.ExitSuccess
	})
}

type quoteCmd struct {
	open Opener
	fund string
	nav  string
	prev string
	json bool
}

func (*quoteCmd) Name() string     { return "quote" }
func (*quoteCmd) Synopsis() string { return "show or set the latest NAV of a fund" }
func (*quoteCmd) Usage() string {
	return `fundledger quote -f <fund> [-nav <price> [-prev <price>]] [-json]

  Without -nav prints the stored quote. With -nav records a new quote.
`
}

func (c *quoteCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.fund, "f", "", "Fund code.")
	f.StringVar(&c.nav, "nav", "", "New NAV to record.")
	f.StringVar(&c.prev, "prev", "", "Previous trading day NAV.")
	f.BoolVar(&c.json, "json", false, "Print as JSON.")
}

func (c *quoteCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if strings.TrimSpace(c.fund) == "" {
		return usage("-f is required")
	}
	return run(c.open, func(rt *Runtime) subcommands.ExitStatus {
		prices := rt.App.PriceService()
		if c.nav != "" {
			tick, err := manualTick(c.fund, c.nav, c.prev)
			if err != nil {
				return usage(err.Error())
			}
			if err := prices.UpdateQuote(ctx, tick); err != nil {
				return fail(err)
			}
		}
		q, err := prices.Latest(ctx, c.fund)
		if err != nil {
			return fail(err)
		}
		if c.json {
			return printJSON(rt.Out, q)
		}
		rt.Render.Quote(q)
		return subcommands.ExitSuccess
	})
}
