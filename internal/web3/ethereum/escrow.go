package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"PulseFi-Session/internal/web3"
)

const escrowABI = `[
{"type":"function","name":"lock","stateMutability":"nonpayable","inputs":[{"name":"sessionId","type":"bytes32"},{"name":"owner","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"spend","stateMutability":"nonpayable","inputs":[{"name":"sessionId","type":"bytes32"},{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"sessionId","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"sessionId","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const erc20ABI = `[{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`

// EscrowConfig configures an EscrowContract.
type EscrowConfig struct {
	Escrow   common.Address
	Token    common.Address
	Decimals int32
}

// EscrowContract drives the on-chain session escrow. Session ids are hashed
// with keccak256 into the contract's bytes32 key.
type EscrowContract struct {
	tx       *Transactor
	escrow   common.Address
	token    common.Address
	decimals int32
	abi      abi.ABI
	erc20    abi.ABI
}

// NewEscrowContract binds the escrow contract at cfg.Escrow.
func NewEscrowContract(tx *Transactor, cfg EscrowConfig) (*EscrowContract, error) {
	if tx == nil {
		return nil, errors.New("缺少交易发送器")
	}
	if cfg.Escrow == (common.Address{}) {
		return nil, errors.New("未配置托管合约地址")
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("解析托管合约 ABI 失败: %w", err)
	}
	token, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC20 ABI 失败: %w", err)
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 6
	}
	return &EscrowContract{
		tx:       tx,
		escrow:   cfg.Escrow,
		token:    cfg.Token,
		decimals: cfg.Decimals,
		abi:      parsed,
		erc20:    token,
	}, nil
}

// Address returns the escrow contract address.
func (e *EscrowContract) Address() common.Address {
	return e.escrow
}

// SessionSlot maps a session id onto the contract's bytes32 key.
func SessionSlot(sessionID string) [32]byte {
	return [32]byte(crypto.Keccak256Hash([]byte(sessionID)))
}

// Lock implements web3.EscrowLedger.
func (e *EscrowContract) Lock(ctx context.Context, req web3.LockRequest) (web3.Confirmation, error) {
	amount := toBaseUnits(req.Amount, e.decimals)
	if e.token != (common.Address{}) {
		allowance, err := e.allowance(ctx, req.Owner)
		if err != nil {
			return web3.Confirmation{}, err
		}
		if allowance.Cmp(amount) < 0 {
			return web3.Confirmation{}, fmt.Errorf("%w: approved %s, need %s",
				web3.ErrInsufficientAllowance, fromBaseUnits(allowance, e.decimals), req.Amount)
		}
	}
	return e.send(ctx, "lock", SessionSlot(req.SessionID), req.Owner, amount)
}

// Spend implements web3.EscrowLedger.
func (e *EscrowContract) Spend(ctx context.Context, sessionID string, recipient common.Address, amount decimal.Decimal) (web3.Confirmation, error) {
	return e.send(ctx, "spend", SessionSlot(sessionID), recipient, toBaseUnits(amount, e.decimals))
}

// Release implements web3.EscrowLedger. The amount is capped by what the
// contract still holds for the session.
func (e *EscrowContract) Release(ctx context.Context, req web3.ReleaseRequest) (web3.ReleaseReceipt, error) {
	held, err := e.BalanceOf(ctx, req.SessionID)
	if err != nil {
		return web3.ReleaseReceipt{}, err
	}
	final := decimal.Min(held, req.Amount)
	if final.IsNegative() {
		final = decimal.Zero
	}
	conf, err := e.send(ctx, "release", SessionSlot(req.SessionID), toBaseUnits(final, e.decimals))
	if err != nil {
		return web3.ReleaseReceipt{}, err
	}
	return web3.ReleaseReceipt{Ref: conf.Ref, FinalAmount: final}, nil
}

// BalanceOf implements web3.EscrowLedger.
func (e *EscrowContract) BalanceOf(ctx context.Context, sessionID string) (decimal.Decimal, error) {
	data, err := e.abi.Pack("balanceOf", SessionSlot(sessionID))
	if err != nil {
		return decimal.Zero, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	out, err := e.tx.Call(ctx, e.escrow, data)
	if err != nil {
		return decimal.Zero, fmt.Errorf("查询托管余额失败: %w", err)
	}
	v, err := unpackUint(e.abi, "balanceOf", out)
	if err != nil {
		return decimal.Zero, err
	}
	return fromBaseUnits(v, e.decimals), nil
}

func (e *EscrowContract) allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := e.erc20.Pack("allowance", owner, e.escrow)
	if err != nil {
		return nil, fmt.Errorf("编码 allowance 失败: %w", err)
	}
	out, err := e.tx.Call(ctx, e.token, data)
	if err != nil {
		return nil, fmt.Errorf("查询授权额度失败: %w", err)
	}
	return unpackUint(e.erc20, "allowance", out)
}

func (e *EscrowContract) send(ctx context.Context, method string, args ...any) (web3.Confirmation, error) {
	data, err := e.abi.Pack(method, args...)
	if err != nil {
		return web3.Confirmation{}, fmt.Errorf("编码 %s 失败: %w", method, err)
	}
	hash, err := e.tx.Send(ctx, e.escrow, data, nil)
	if err != nil {
		return web3.Confirmation{}, err
	}
	return web3.Confirmation{Ref: hash.Hex()}, nil
}

func unpackUint(parsed abi.ABI, method string, out []byte) (*big.Int, error) {
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s 返回值数量异常: %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回值类型异常: %T", method, values[0])
	}
	return v, nil
}

var _ web3.EscrowLedger = (*EscrowContract)(nil)
