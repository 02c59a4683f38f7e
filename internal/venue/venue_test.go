package venue

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	weth = common.HexToAddress("0x4200000000000000000000000000000000000006")
)

func testRequest() QuoteRequest {
	return QuoteRequest{ChainID: 8453, FromToken: usdc, ToToken: weth, Amount: decimal.NewFromInt(10)}
}

func TestLiFiQuoter(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/quote", r.URL.Path)
		gotQuery = map[string]string{
			"fromAmount": r.URL.Query().Get("fromAmount"),
			"integrator": r.URL.Query().Get("integrator"),
			"fromChain":  r.URL.Query().Get("fromChain"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"route-1","estimate":{"toAmount":"3100000000000000","toAmountMin":"3000000000000000","gasCosts":[{"amountUSD":"0.30"},{"amountUSD":"0.12"}]},"priceImpact":"0.002"}`))
	}))
	defer srv.Close()

	q := NewLiFiQuoter(LiFiConfig{BaseURL: srv.URL, Integrator: "pulsefi"})
	quote, err := q.Quote(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "10000000", gotQuery["fromAmount"])
	assert.Equal(t, "pulsefi", gotQuery["integrator"])
	assert.Equal(t, "8453", gotQuery["fromChain"])
	assert.Equal(t, LiFi, quote.Venue)
	assert.Equal(t, "route-1", quote.RouteID)
	assert.True(t, quote.AmountOut.Equal(decimal.RequireFromString("0.003")), quote.AmountOut.String())
	assert.True(t, quote.GasUSD.Equal(decimal.RequireFromString("0.42")), quote.GasUSD.String())
	assert.True(t, quote.PriceImpactPct.Equal(decimal.RequireFromString("0.2")), quote.PriceImpactPct.String())
}

func TestLiFiQuoterFallbackGasAndErrors(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"id":"r","estimate":{"toAmount":"1000000000000000000"}}`))
	}))
	defer srv.Close()

	q := NewLiFiQuoter(LiFiConfig{BaseURL: srv.URL})
	quote, err := q.Quote(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, quote.GasUSD.Equal(decimal.RequireFromString("0.65")))
	assert.True(t, quote.AmountOut.Equal(decimal.NewFromInt(1)))

	status = http.StatusNotFound
	_, err = q.Quote(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

type stubCaller struct {
	out []byte
	err error
	msg gethcore.CallMsg
}

func (s *stubCaller) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	s.msg = msg
	return s.out, s.err
}

func TestUniswapQuoter(t *testing.T) {
	quoterAddr := common.HexToAddress("0xC5290058841028F1614F3A6F0F5816cAd0df5E27")
	caller := &stubCaller{}
	q, err := NewUniswapQuoter(caller, UniswapConfig{Quoter: quoterAddr})
	require.NoError(t, err)

	out, err := q.abi.Methods["quoteExactInputSingle"].Outputs.Pack(big.NewInt(2_900_000_000_000_000))
	require.NoError(t, err)
	caller.out = out

	quote, err := q.Quote(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, quoterAddr, *caller.msg.To)
	assert.Equal(t, q.abi.Methods["quoteExactInputSingle"].ID, caller.msg.Data[:4])
	assert.True(t, quote.AmountOut.Equal(decimal.RequireFromString("0.0029")), quote.AmountOut.String())
	assert.True(t, quote.GasUSD.Equal(decimal.RequireFromString("0.45")))
	assert.Equal(t, "uni-v3-3000", quote.RouteID)

	caller.err = errors.New("execution reverted")
	_, err = q.Quote(context.Background(), testRequest())
	assert.True(t, IsUnavailable(err))
}

type countingQuoter struct {
	calls atomic.Int32
	delay time.Duration
}

func (c *countingQuoter) Name() string { return "counting" }

func (c *countingQuoter) Quote(_ context.Context, req QuoteRequest) (Quote, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	return Quote{Venue: "counting", AmountOut: req.Amount}, nil
}

func TestCachedQuoter(t *testing.T) {
	upstream := &countingQuoter{delay: 50 * time.Millisecond}
	cache := NewMemoryCache()
	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }
	q := NewCachedQuoter(upstream, cache, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Quote(context.Background(), testRequest())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), upstream.calls.Load())

	_, err := q.Quote(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(1), upstream.calls.Load())

	now = now.Add(2 * time.Second)
	_, err = q.Quote(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(2), upstream.calls.Load())
}

func TestStaticQuoter(t *testing.T) {
	q := &StaticQuoter{VenueName: Uniswap, Rate: decimal.RequireFromString("0.0003"), GasUSD: decimal.RequireFromString("0.45")}
	quote, err := q.Quote(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, quote.AmountOut.Equal(decimal.RequireFromString("0.003")))

	q.Unavailable = true
	_, err = q.Quote(context.Background(), testRequest())
	assert.True(t, IsUnavailable(err))
}
