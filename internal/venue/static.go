package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StaticQuoter answers every request with a fixed rate. It stands in for a
// venue in demo deployments and tests.
type StaticQuoter struct {
	VenueName      string
	Rate           decimal.Decimal
	GasUSD         decimal.Decimal
	PriceImpactPct decimal.Decimal
	// Unavailable makes every Quote fail with ErrUnavailable.
	Unavailable bool
	Delay       time.Duration
}

// Name implements Quoter.
func (s *StaticQuoter) Name() string { return s.VenueName }

// Quote implements Quoter.
func (s *StaticQuoter) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, s.VenueName, ctx.Err())
		case <-timer.C:
		}
	}
	if s.Unavailable {
		return Quote{}, fmt.Errorf("%w: %s disabled", ErrUnavailable, s.VenueName)
	}
	return Quote{
		Venue:          s.VenueName,
		RouteID:        "static-" + s.VenueName,
		AmountOut:      req.Amount.Mul(s.Rate),
		GasUSD:         s.GasUSD,
		PriceImpactPct: s.PriceImpactPct,
		FetchedAt:      time.Now(),
	}, nil
}

var _ Quoter = (*StaticQuoter)(nil)
