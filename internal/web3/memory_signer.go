package web3

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidIntent is returned when a trade intent cannot be broadcast.
var ErrInvalidIntent = errors.New("invalid trade intent")

// MemorySigner simulates a backend wallet. Every intent is accepted after an
// optional delay and receives a random transaction hash.
type MemorySigner struct {
	address common.Address
	delay   time.Duration
	now     func() time.Time

	mu   sync.Mutex
	sent []TradeIntent
}

// NewMemorySigner returns a signer for demo deployments.
func NewMemorySigner(address common.Address, delay time.Duration) *MemorySigner {
	return &MemorySigner{address: address, delay: delay, now: time.Now}
}

// Address implements Signer.
func (s *MemorySigner) Address() common.Address { return s.address }

// SendTransaction implements Signer.
func (s *MemorySigner) SendTransaction(ctx context.Context, intent TradeIntent) (TxReceipt, error) {
	if intent.SessionID == "" || !intent.AmountIn.IsPositive() {
		return TxReceipt{}, ErrInvalidIntent
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return TxReceipt{}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	s.sent = append(s.sent, intent)
	s.mu.Unlock()
	return TxReceipt{Hash: randomRef(), SubmittedAt: s.now()}, nil
}

// Sent returns a copy of every intent accepted so far.
func (s *MemorySigner) Sent() []TradeIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TradeIntent(nil), s.sent...)
}
