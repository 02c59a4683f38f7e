package web3

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientAllowance is returned by Lock when the owner has not
	// approved enough funds for the escrow.
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	// ErrUnknownSession is returned when the ledger has no lock for a session.
	ErrUnknownSession = errors.New("no escrow lock for session")
	// ErrAlreadyReleased is returned when a session's funds were released before.
	ErrAlreadyReleased = errors.New("escrow already released")
	// ErrInsufficientEscrow is returned by Spend when the locked funds do not cover the amount.
	ErrInsufficientEscrow = errors.New("insufficient escrow balance")
)

// TradeIntent describes one swap the agent wants the signer to broadcast.
type TradeIntent struct {
	SessionID    string
	Venue        string
	RouteID      string
	FromToken    common.Address
	ToToken      common.Address
	AmountIn     decimal.Decimal
	MinAmountOut decimal.Decimal
	Deadline     time.Time
}

// TxReceipt identifies a broadcast transaction.
type TxReceipt struct {
	Hash        string
	SubmittedAt time.Time
}

// Signer broadcasts transactions on behalf of the backend wallet.
type Signer interface {
	Address() common.Address
	SendTransaction(ctx context.Context, intent TradeIntent) (TxReceipt, error)
}

// LockRequest asks the ledger to lock funds for a new session.
type LockRequest struct {
	SessionID string
	Owner     common.Address
	Amount    decimal.Decimal
}

// Confirmation is the ledger's reference for a completed operation.
type Confirmation struct {
	Ref string
}

// ReleaseRequest asks the ledger to return the remaining funds to the owner.
type ReleaseRequest struct {
	SessionID string
	Owner     common.Address
	Amount    decimal.Decimal
}

// ReleaseReceipt reports what the ledger actually released.
type ReleaseReceipt struct {
	Ref         string
	FinalAmount decimal.Decimal
}

// EscrowLedger holds session funds between lock and release.
type EscrowLedger interface {
	Lock(ctx context.Context, req LockRequest) (Confirmation, error)
	Spend(ctx context.Context, sessionID string, recipient common.Address, amount decimal.Decimal) (Confirmation, error)
	Release(ctx context.Context, req ReleaseRequest) (ReleaseReceipt, error)
	BalanceOf(ctx context.Context, sessionID string) (decimal.Decimal, error)
}

// ChainSnapshot summarises the connected network for health reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}
