package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const gasLimitPadding = 120 // percent

// Transactor builds, signs and broadcasts EIP-1559 transactions from a
// single backend wallet. Sends are serialised so nonces never collide.
type Transactor struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	mu      sync.Mutex
}

// NewTransactor resolves the chain id from the backend and binds the key.
func NewTransactor(ctx context.Context, backend Backend, key *ecdsa.PrivateKey) (*Transactor, error) {
	if backend == nil {
		return nil, errors.New("缺少链访问后端")
	}
	if key == nil {
		return nil, errors.New("缺少交易私钥")
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	return &Transactor{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

// From returns the sending address.
func (t *Transactor) From() common.Address {
	return t.from
}

// Send signs a call to `to` with the given calldata and broadcasts it.
func (t *Transactor) Send(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if value == nil {
		value = new(big.Int)
	}
	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	tip, err := t.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取 gas 小费失败: %w", err)
	}
	head, err := t.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	}
	gas, err := t.backend.EstimateGas(ctx, gethcore.CallMsg{From: t.from, To: &to, Data: data, Value: value})
	if err != nil {
		return common.Hash{}, fmt.Errorf("估算 gas 失败: %w", err)
	}
	gas = gas * gasLimitPadding / 100

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return signed.Hash(), nil
}

// Call performs a read-only contract call at the latest block.
func (t *Transactor) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return t.backend.CallContract(ctx, gethcore.CallMsg{From: t.from, To: &to, Data: data}, nil)
}
