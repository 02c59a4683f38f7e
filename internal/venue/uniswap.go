package venue

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const quoterABI = `[{"type":"function","name":"quoteExactInputSingle","stateMutability":"nonpayable","inputs":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"amountIn","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}],"outputs":[{"name":"amountOut","type":"uint256"}]}]`

const (
	defaultUniswapFee    = 3000
	defaultUniswapGasUSD = "0.45"
)

// UniswapConfig configures the on-chain quoter client.
type UniswapConfig struct {
	Quoter      common.Address
	Fee         int64
	InDecimals  int32
	OutDecimals int32
	GasUSD      decimal.Decimal
}

// UniswapQuoter prices swaps through the Uniswap quoter contract with a
// read-only eth_call.
type UniswapQuoter struct {
	caller      gethcore.ContractCaller
	quoter      common.Address
	abi         abi.ABI
	fee         *big.Int
	inDecimals  int32
	outDecimals int32
	gasUSD      decimal.Decimal
	now         func() time.Time
}

// NewUniswapQuoter binds the quoter contract at cfg.Quoter.
func NewUniswapQuoter(caller gethcore.ContractCaller, cfg UniswapConfig) (*UniswapQuoter, error) {
	if caller == nil {
		return nil, fmt.Errorf("缺少合约调用后端")
	}
	if cfg.Quoter == (common.Address{}) {
		return nil, fmt.Errorf("未配置 Uniswap quoter 地址")
	}
	parsed, err := abi.JSON(strings.NewReader(quoterABI))
	if err != nil {
		return nil, fmt.Errorf("解析 quoter ABI 失败: %w", err)
	}
	q := &UniswapQuoter{
		caller:      caller,
		quoter:      cfg.Quoter,
		abi:         parsed,
		fee:         big.NewInt(cfg.Fee),
		inDecimals:  cfg.InDecimals,
		outDecimals: cfg.OutDecimals,
		gasUSD:      cfg.GasUSD,
		now:         time.Now,
	}
	if cfg.Fee <= 0 {
		q.fee = big.NewInt(defaultUniswapFee)
	}
	if q.inDecimals == 0 {
		q.inDecimals = 6
	}
	if q.outDecimals == 0 {
		q.outDecimals = 18
	}
	if q.gasUSD.IsZero() {
		q.gasUSD = decimal.RequireFromString(defaultUniswapGasUSD)
	}
	return q, nil
}

// Name implements Quoter.
func (q *UniswapQuoter) Name() string { return Uniswap }

// Quote implements Quoter.
func (q *UniswapQuoter) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	amountIn := req.Amount.Shift(q.inDecimals).BigInt()
	data, err := q.abi.Pack("quoteExactInputSingle", req.FromToken, req.ToToken, q.fee, amountIn, new(big.Int))
	if err != nil {
		return Quote{}, fmt.Errorf("编码 quoter 调用失败: %w", err)
	}
	out, err := q.caller.CallContract(ctx, gethcore.CallMsg{To: &q.quoter, Data: data}, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: uniswap quoter: %v", ErrUnavailable, err)
	}
	values, err := q.abi.Unpack("quoteExactInputSingle", out)
	if err != nil || len(values) != 1 {
		return Quote{}, fmt.Errorf("%w: uniswap decode: %v", ErrUnavailable, err)
	}
	amountOut, ok := values[0].(*big.Int)
	if !ok {
		return Quote{}, fmt.Errorf("%w: uniswap returned %T", ErrUnavailable, values[0])
	}
	return Quote{
		Venue:     Uniswap,
		RouteID:   fmt.Sprintf("uni-v3-%d", q.fee),
		AmountOut: decimal.NewFromBigInt(amountOut, -q.outDecimals),
		GasUSD:    q.gasUSD,
		FetchedAt: q.now(),
	}, nil
}

var _ Quoter = (*UniswapQuoter)(nil)
