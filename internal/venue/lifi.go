package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const (
	defaultLiFiBaseURL = "https://li.quest/v1"
	defaultLiFiGasUSD  = "0.65"
)

// LiFiConfig configures the LI.FI quote client.
type LiFiConfig struct {
	BaseURL     string
	Integrator  string
	APIKey      string
	Timeout     time.Duration
	InDecimals  int32
	OutDecimals int32
	// FallbackGasUSD is used when the response carries no gas estimate.
	FallbackGasUSD decimal.Decimal
}

// LiFiQuoter requests quotes from the LI.FI REST API.
type LiFiQuoter struct {
	client      *resty.Client
	integrator  string
	inDecimals  int32
	outDecimals int32
	fallbackGas decimal.Decimal
	now         func() time.Time
}

type lifiQuoteResponse struct {
	ID       string `json:"id"`
	Estimate struct {
		ToAmount    string `json:"toAmount"`
		ToAmountMin string `json:"toAmountMin"`
		GasCosts    []struct {
			AmountUSD string `json:"amountUSD"`
		} `json:"gasCosts"`
	} `json:"estimate"`
	PriceImpact string `json:"priceImpact"`
}

// NewLiFiQuoter creates a LI.FI client.
func NewLiFiQuoter(cfg LiFiConfig) *LiFiQuoter {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultLiFiBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("x-lifi-api-key", cfg.APIKey)
	}

	fallback := cfg.FallbackGasUSD
	if fallback.IsZero() {
		fallback = decimal.RequireFromString(defaultLiFiGasUSD)
	}
	q := &LiFiQuoter{
		client:      client,
		integrator:  cfg.Integrator,
		inDecimals:  cfg.InDecimals,
		outDecimals: cfg.OutDecimals,
		fallbackGas: fallback,
		now:         time.Now,
	}
	if q.inDecimals == 0 {
		q.inDecimals = 6
	}
	if q.outDecimals == 0 {
		q.outDecimals = 18
	}
	return q
}

// Name implements Quoter.
func (q *LiFiQuoter) Name() string { return LiFi }

// Quote implements Quoter. The conservative toAmountMin is used as the
// output figure.
func (q *LiFiQuoter) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	chain := strconv.FormatInt(req.ChainID, 10)
	params := map[string]string{
		"fromChain":   chain,
		"toChain":     chain,
		"fromToken":   req.FromToken.Hex(),
		"toToken":     req.ToToken.Hex(),
		"fromAmount":  req.Amount.Shift(q.inDecimals).Truncate(0).String(),
		"fromAddress": req.From.Hex(),
	}
	if q.integrator != "" {
		params["integrator"] = q.integrator
	}

	resp, err := q.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/quote")
	if err != nil {
		return Quote{}, fmt.Errorf("%w: lifi request: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() != 200 {
		return Quote{}, fmt.Errorf("%w: lifi status %d: %s", ErrUnavailable, resp.StatusCode(), truncate(resp.String(), 200))
	}

	var payload lifiQuoteResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return Quote{}, fmt.Errorf("%w: lifi decode: %v", ErrUnavailable, err)
	}
	raw := payload.Estimate.ToAmountMin
	if raw == "" {
		raw = payload.Estimate.ToAmount
	}
	out, err := decimal.NewFromString(raw)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: lifi amount %q: %v", ErrUnavailable, raw, err)
	}

	gas := decimal.Zero
	for _, cost := range payload.Estimate.GasCosts {
		if v, err := decimal.NewFromString(cost.AmountUSD); err == nil {
			gas = gas.Add(v)
		}
	}
	if gas.IsZero() {
		gas = q.fallbackGas
	}

	impact := decimal.Zero
	if v, err := decimal.NewFromString(payload.PriceImpact); err == nil {
		impact = v.Abs().Mul(decimal.NewFromInt(100))
	}

	return Quote{
		Venue:          LiFi,
		RouteID:        payload.ID,
		AmountOut:      out.Shift(-q.outDecimals),
		GasUSD:         gas,
		PriceImpactPct: impact,
		FetchedAt:      q.now(),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Quoter = (*LiFiQuoter)(nil)
