package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"PulseFi-Session/internal/web3"
)

// Backend is the subset of ethclient.Client used by the adapters in this
// package. Tests substitute an in-memory implementation.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config describes how to reach an EVM compatible chain.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	Notes   string
}

// Client wraps an RPC backend together with the chain it is expected to
// serve.
type Client struct {
	name     string
	notes    string
	expected *big.Int
	backend  Backend
	closer   func()
	mu       sync.Mutex
}

// NewClient dials the configured RPC endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	client := NewClientWithBackend(cfg, eth)
	client.closer = eth.Close
	return client, nil
}

// NewClientWithBackend wraps an existing backend.
func NewClientWithBackend(cfg Config, backend Backend) *Client {
	c := &Client{name: cfg.Name, notes: cfg.Notes, backend: backend}
	if cfg.ChainID > 0 {
		c.expected = big.NewInt(cfg.ChainID)
	}
	return c
}

// Backend exposes the underlying RPC backend.
func (c *Client) Backend() Backend {
	return c.backend
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// VerifyChainID fails when the node serves a different chain than the one
// configured. A client without an expected chain id accepts any network.
func (c *Client) VerifyChainID(ctx context.Context) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if c.expected != nil && id.Cmp(c.expected) != 0 {
		return nil, fmt.Errorf("链 ID 不匹配: 期望 %s, 实际 %s", c.expected, id)
	}
	return id, nil
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
