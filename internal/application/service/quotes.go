package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"fundledger/internal/application/port"
	"fundledger/internal/domain/model"
)

// quoteReader bounds oracle calls with a timeout and filters unusable quotes.
type quoteReader struct {
	oracle  port.PriceOracle
	timeout time.Duration
	maxAge  time.Duration
	now     func() time.Time
}

func (r quoteReader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return context.WithCancel(ctx)
}

func (r quoteReader) latest(ctx context.Context, fundCode string) (model.Quote, error) {
	qctx, cancel := r.withTimeout(ctx)
	defer cancel()

	q, err := r.oracle.Latest(qctx, fundCode)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.Quote{}, fmt.Errorf("%w: %s: quote timed out", ErrPriceUnavailable, fundCode)
		}
		return model.Quote{}, fmt.Errorf("%w: %s: %w", ErrPriceUnavailable, fundCode, err)
	}
	if !q.Usable(r.now(), r.maxAge) {
		return model.Quote{}, fmt.Errorf("%w: %s: quote %s as of %s is not usable",
			ErrPriceUnavailable, fundCode, q.Price, q.AsOf.Format(time.RFC3339))
	}
	return q, nil
}

// latestMany never fails; funds without a usable quote are left out.
func (r quoteReader) latestMany(ctx context.Context, fundCodes []string) map[string]model.Quote {
	out := make(map[string]model.Quote, len(fundCodes))
	if len(fundCodes) == 0 {
		return out
	}

	qctx, cancel := r.withTimeout(ctx)
	defer cancel()

	quotes, err := r.oracle.LatestMany(qctx, fundCodes)
	if err != nil {
		log.Warn().Err(err).Int("funds", len(fundCodes)).Msg("batch quote read failed")
		return out
	}
	now := r.now()
	for code, q := range quotes {
		if q.Usable(now, r.maxAge) {
			out[code] = q
		}
	}
	return out
}

// fundName resolves a display name, falling back to the code.
func fundName(ctx context.Context, catalog port.Catalog, fundCode string) string {
	fund, err := catalog.Resolve(ctx, fundCode)
	if err != nil {
		if !errors.Is(err, port.ErrFundNotFound) {
			log.Warn().Err(err).Str("fund", fundCode).Msg("catalog lookup failed")
		}
		return fundCode
	}
	if fund.Name == "" {
		return fundCode
	}
	return fund.Name
}
