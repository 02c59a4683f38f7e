package web3

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

type escrowAccount struct {
	owner    common.Address
	locked   decimal.Decimal
	spent    decimal.Decimal
	released bool
}

// MemoryLedger is a logical escrow: funds are tracked in process and every
// confirmation is a random keccak hash. It backs demo deployments and tests.
type MemoryLedger struct {
	mu         sync.Mutex
	accounts   map[string]*escrowAccount
	allowances map[common.Address]decimal.Decimal
	enforce    bool
}

// NewMemoryLedger creates a ledger that accepts any lock.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts:   make(map[string]*escrowAccount),
		allowances: make(map[common.Address]decimal.Decimal),
	}
}

// SetAllowance enables allowance checks and records what owner approved.
func (l *MemoryLedger) SetAllowance(owner common.Address, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enforce = true
	l.allowances[owner] = amount
}

// Lock implements EscrowLedger.
func (l *MemoryLedger) Lock(ctx context.Context, req LockRequest) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[req.SessionID]; ok {
		return Confirmation{}, fmt.Errorf("session %s already locked", req.SessionID)
	}
	if l.enforce {
		allowance := l.allowances[req.Owner]
		if allowance.LessThan(req.Amount) {
			return Confirmation{}, fmt.Errorf("%w: approved %s, need %s", ErrInsufficientAllowance, allowance, req.Amount)
		}
		l.allowances[req.Owner] = allowance.Sub(req.Amount)
	}
	l.accounts[req.SessionID] = &escrowAccount{owner: req.Owner, locked: req.Amount}
	return Confirmation{Ref: randomRef()}, nil
}

// Spend implements EscrowLedger.
func (l *MemoryLedger) Spend(ctx context.Context, sessionID string, _ common.Address, amount decimal.Decimal) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.account(sessionID)
	if err != nil {
		return Confirmation{}, err
	}
	if acct.locked.Sub(acct.spent).LessThan(amount) {
		return Confirmation{}, ErrInsufficientEscrow
	}
	acct.spent = acct.spent.Add(amount)
	return Confirmation{Ref: randomRef()}, nil
}

// Release implements EscrowLedger. The released amount is capped by what is
// still locked.
func (l *MemoryLedger) Release(ctx context.Context, req ReleaseRequest) (ReleaseReceipt, error) {
	if err := ctx.Err(); err != nil {
		return ReleaseReceipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.account(req.SessionID)
	if err != nil {
		return ReleaseReceipt{}, err
	}
	available := acct.locked.Sub(acct.spent)
	final := decimal.Min(available, req.Amount)
	if final.IsNegative() {
		final = decimal.Zero
	}
	acct.released = true
	return ReleaseReceipt{Ref: randomRef(), FinalAmount: final}, nil
}

// BalanceOf implements EscrowLedger.
func (l *MemoryLedger) BalanceOf(ctx context.Context, sessionID string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[sessionID]
	if !ok {
		return decimal.Zero, ErrUnknownSession
	}
	if acct.released {
		return decimal.Zero, nil
	}
	return acct.locked.Sub(acct.spent), nil
}

func (l *MemoryLedger) account(sessionID string) (*escrowAccount, error) {
	acct, ok := l.accounts[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	if acct.released {
		return nil, ErrAlreadyReleased
	}
	return acct, nil
}

func randomRef() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return crypto.Keccak256Hash(buf).Hex()
}

// IsHexAddress reports whether s is a well-formed 20-byte hex address.
func IsHexAddress(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}
