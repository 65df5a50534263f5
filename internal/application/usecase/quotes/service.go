package quotes

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"fundledger/internal/application/port"
)

// QuoteUpdater writes a tick into the quote book.
type QuoteUpdater interface {
	UpdateQuote(ctx context.Context, t port.Tick) error
}

type ServiceDeps struct {
	Feeds         []port.PriceFeed
	Funds         []string
	Updater       QuoteUpdater
	Display       port.Display // optional
	PrintEveryMin int          // 0 disables snapshot lines
	Color         bool
}

// Service 行情接入：合并多个净值源写入净值簿，并刷新行情展示
type Service struct {
	deps ServiceDeps
	st   *State
	fmt  *Formatter
}

func NewService(deps ServiceDeps) *Service {
	return &Service{
		deps: deps,
		st:   NewState(deps.Funds),
		fmt:  NewFormatter(deps.Color),
	}
}

func (s *Service) State() *State { return s.st }

func (s *Service) Run(ctx context.Context) error {
	if len(s.deps.Feeds) == 0 {
		return errors.New("no feeds")
	}
	if s.deps.Updater == nil {
		return errors.New("no quote updater")
	}

	merged := make(chan port.Tick, 1024)

	// start feeds
	for _, feed := range s.deps.Feeds {
		ch, err := feed.Subscribe(ctx, s.st.Funds())
		if err != nil {
			return err
		}
		go func(in <-chan port.Tick) {
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-in:
					if !ok {
						return
					}
					select {
					case merged <- t:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch)

		log.Info().Str("feed", feed.Name()).Int("funds", len(s.st.Funds())).Msg("feed started")
	}

	var snapC <-chan time.Time
	if s.deps.PrintEveryMin > 0 {
		snapTicker := time.NewTicker(time.Duration(s.deps.PrintEveryMin) * time.Minute)
		defer snapTicker.Stop()
		snapC = snapTicker.C
	}

	s.writeLive()

	for {
		select {
		case <-ctx.Done():
			if s.deps.Display != nil {
				_ = s.deps.Display.NewLine()
			}
			return ctx.Err()

		case now := <-snapC:
			if s.deps.Display != nil {
				_ = s.deps.Display.WriteSnapshot(now, s.fmt.Render(s.st, RenderSnapshot))
			}

		case t := <-merged:
			if err := s.deps.Updater.UpdateQuote(ctx, t); err != nil {
				log.Warn().Err(err).Str("feed", t.Source).Str("fund", t.FundCode).Msg("quote update rejected")
				continue
			}
			if s.st.Apply(t) {
				s.writeLive()
			}
		}
	}
}

func (s *Service) writeLive() {
	if s.deps.Display == nil {
		return
	}
	_ = s.deps.Display.WriteLive(s.fmt.Render(s.st, RenderLive))
}
