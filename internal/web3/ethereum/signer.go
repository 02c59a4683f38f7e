package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"PulseFi-Session/internal/web3"
)

const universalRouterABI = `[{"type":"function","name":"execute","stateMutability":"payable","inputs":[{"name":"commands","type":"bytes"},{"name":"inputs","type":"bytes[]"},{"name":"deadline","type":"uint256"}],"outputs":[]}]`

// commandV4Swap is the Universal Router command byte for a v4 pool swap.
const commandV4Swap byte = 0x10

const defaultSwapDeadline = 20 * time.Minute

// RouterConfig configures a RouterSigner.
type RouterConfig struct {
	Router      common.Address
	InDecimals  int32
	OutDecimals int32
}

// RouterSigner encodes trade intents as Universal Router execute calls and
// broadcasts them through a Transactor.
type RouterSigner struct {
	tx          *Transactor
	router      common.Address
	abi         abi.ABI
	swapArgs    abi.Arguments
	inDecimals  int32
	outDecimals int32
	now         func() time.Time
}

// NewRouterSigner creates a signer bound to the given router contract.
func NewRouterSigner(tx *Transactor, cfg RouterConfig) (*RouterSigner, error) {
	if tx == nil {
		return nil, errors.New("缺少交易发送器")
	}
	if cfg.Router == (common.Address{}) {
		return nil, errors.New("未配置 Universal Router 地址")
	}
	parsed, err := abi.JSON(strings.NewReader(universalRouterABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	swapArgs, err := swapInputArguments()
	if err != nil {
		return nil, err
	}
	if cfg.InDecimals == 0 {
		cfg.InDecimals = 6
	}
	if cfg.OutDecimals == 0 {
		cfg.OutDecimals = 18
	}
	return &RouterSigner{
		tx:          tx,
		router:      cfg.Router,
		abi:         parsed,
		swapArgs:    swapArgs,
		inDecimals:  cfg.InDecimals,
		outDecimals: cfg.OutDecimals,
		now:         time.Now,
	}, nil
}

func swapInputArguments() (abi.Arguments, error) {
	names := []string{"address", "uint256", "uint256", "bytes"}
	args := make(abi.Arguments, 0, len(names))
	for _, name := range names {
		typ, err := abi.NewType(name, "", nil)
		if err != nil {
			return nil, fmt.Errorf("构造 ABI 类型 %s 失败: %w", name, err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args, nil
}

// Address implements web3.Signer.
func (s *RouterSigner) Address() common.Address {
	return s.tx.From()
}

// SendTransaction implements web3.Signer.
func (s *RouterSigner) SendTransaction(ctx context.Context, intent web3.TradeIntent) (web3.TxReceipt, error) {
	data, err := s.encode(intent)
	if err != nil {
		return web3.TxReceipt{}, err
	}
	hash, err := s.tx.Send(ctx, s.router, data, nil)
	if err != nil {
		return web3.TxReceipt{}, err
	}
	return web3.TxReceipt{Hash: hash.Hex(), SubmittedAt: s.now()}, nil
}

func (s *RouterSigner) encode(intent web3.TradeIntent) ([]byte, error) {
	if !intent.AmountIn.IsPositive() {
		return nil, errors.New("交易数量必须为正数")
	}
	path := append(intent.FromToken.Bytes(), intent.ToToken.Bytes()...)
	input, err := s.swapArgs.Pack(
		s.tx.From(),
		toBaseUnits(intent.AmountIn, s.inDecimals),
		toBaseUnits(intent.MinAmountOut, s.outDecimals),
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("编码 swap 参数失败: %w", err)
	}
	deadline := intent.Deadline
	if deadline.IsZero() {
		deadline = s.now().Add(defaultSwapDeadline)
	}
	data, err := s.abi.Pack("execute", []byte{commandV4Swap}, [][]byte{input}, big.NewInt(deadline.Unix()))
	if err != nil {
		return nil, fmt.Errorf("编码 execute 调用失败: %w", err)
	}
	return data, nil
}

func toBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	if amount.IsNegative() {
		return new(big.Int)
	}
	return amount.Shift(decimals).BigInt()
}

func fromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

var _ web3.Signer = (*RouterSigner)(nil)
