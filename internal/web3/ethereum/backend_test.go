package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// stubBackend records broadcast transactions and answers contract calls
// through a caller supplied function.
type stubBackend struct {
	mu      sync.Mutex
	chainID *big.Int
	nonce   uint64
	sent    []*coretypes.Transaction
	call    func(msg gethcore.CallMsg) ([]byte, error)
	sendErr error
}

func newStubBackend(chainID int64) *stubBackend {
	return &stubBackend{chainID: big.NewInt(chainID)}
}

func (b *stubBackend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *stubBackend) BlockNumber(context.Context) (uint64, error) { return 42, nil }

func (b *stubBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{Number: big.NewInt(42), BaseFee: big.NewInt(1_000_000)}, nil
}

func (b *stubBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *stubBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(100_000), nil
}

func (b *stubBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (b *stubBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	b.nonce++
	return nil
}

func (b *stubBackend) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	if b.call == nil {
		return nil, errors.New("no call handler")
	}
	return b.call(msg)
}

func (b *stubBackend) transactions() []*coretypes.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*coretypes.Transaction(nil), b.sent...)
}

var _ Backend = (*stubBackend)(nil)
