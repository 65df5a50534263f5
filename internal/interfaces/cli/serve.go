package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"github.com/rs/zerolog/log"

	"fundledger/internal/application/port"
	"fundledger/internal/application/usecase/quotes"
	"fundledger/internal/interfaces/console"
)

type serveCmd struct {
	open  Opener
	color bool
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "stream NAV updates into the quote book" }
func (*serveCmd) Usage() string {
	return `fundledger serve [-color=false]

  Subscribes to the configured NAV feed, records every update in the quote
  book and keeps a live tape on the terminal until interrupted.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.color, "color", true, "Colorize NAV moves.")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(c.open, func(rt *Runtime) subcommands.ExitStatus {
		feeds, err := rt.Infra.PriceFeeds()
		if err != nil {
			return fail(err)
		}
		if len(feeds) == 0 {
			return fail(errors.New("pricefeed is disabled in config"))
		}

		svc := quotes.NewService(quotes.ServiceDeps{
			Feeds:         feeds,
			Funds:         rt.Config.PriceFeed.Funds,
			Updater:       rt.App.PriceService(),
			Display:       console.NewDisplay(rt.Out),
			PrintEveryMin: rt.Config.App.PrintEveryMin,
			Color:         c.color,
		})

		log.Info().
			Int("funds", len(rt.Config.PriceFeed.Funds)).
			Str("source", rt.Config.PriceFeed.Source).
			Int("print_every_min", rt.Config.App.PrintEveryMin).
			Msg("fundledger serving quotes")

		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fail(err)
		}
		return subcommands.ExitSuccess
	})
}

// manualTick turns quote flags into a tick stamped now.
func manualTick(fund, nav, prev string) (port.Tick, error) {
	price, err := parseDecimal("nav", nav)
	if err != nil {
		return port.Tick{}, err
	}
	if !price.IsPositive() {
		return port.Tick{}, fmt.Errorf("-nav %s must be positive", price)
	}
	t := port.Tick{Source: "manual", FundCode: fund, Price: price, Ts: time.Now().UnixMilli()}
	if prev != "" {
		p, err := parseDecimal("prev", prev)
		if err != nil {
			return port.Tick{}, err
		}
		if p.IsNegative() {
			return port.Tick{}, fmt.Errorf("-prev %s must not be negative", p)
		}
		t.PrevPrice = p
	}
	return t, nil
}
