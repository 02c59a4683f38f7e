// Package venue fetches swap quotes from the trading venues the agent
// compares: the LI.FI aggregator over HTTP and the Uniswap quoter contract
// over JSON-RPC. Quotes may be cached in memory or Redis.
package venue

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Venue names as they appear in decisions and comparison data.
const (
	LiFi    = "LiFi"
	Uniswap = "Uniswap"
)

// ErrUnavailable marks a quote that could not be obtained. Callers treat it
// as a disqualified venue rather than a hard failure.
var ErrUnavailable = errors.New("quote unavailable")

// QuoteRequest describes the conversion being priced.
type QuoteRequest struct {
	ChainID   int64
	FromToken common.Address
	ToToken   common.Address
	Amount    decimal.Decimal
	From      common.Address
}

// Quote is one venue's answer to a QuoteRequest.
type Quote struct {
	Venue          string          `json:"venue"`
	RouteID        string          `json:"route_id,omitempty"`
	AmountOut      decimal.Decimal `json:"amount_out"`
	GasUSD         decimal.Decimal `json:"gas_usd"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// Quoter prices a conversion on a single venue.
type Quoter interface {
	Name() string
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
}

// IsUnavailable reports whether err marks a missing quote.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
