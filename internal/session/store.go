package session

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	xerrors "PulseFi-Session/internal/errors"
)

// Store 抽象了会话记录的权威存储。同一会话的读改写必须串行，不同会话互不阻塞。
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, patch Patch) (*Session, error)
	// Mutate 在持有会话锁的情况下读取当前记录并应用 fn 返回的补丁。
	Mutate(ctx context.Context, id string, fn func(current *Session) (Patch, error)) (*Session, error)
	AppendDecision(ctx context.Context, id string, decision Decision) error
	List(ctx context.Context) ([]*Session, error)
}

// Patch 是对会话记录的部分更新，nil 字段表示保持不变。
type Patch struct {
	RemainingBalance *decimal.Decimal
	EscrowBalance    *decimal.Decimal
	Status           *Status
	SettlementTxHash *string
	SettledAt        *time.Time
	AppendActions    []ActionLog
	AppendDecisions  []Decision
}

// IsZero 判断补丁是否为空。
func (p Patch) IsZero() bool {
	return p.RemainingBalance == nil && p.EscrowBalance == nil && p.Status == nil &&
		p.SettlementTxHash == nil && p.SettledAt == nil &&
		len(p.AppendActions) == 0 && len(p.AppendDecisions) == 0
}

// apply 校验并合并补丁，失败时 s 保持不变。
func (p Patch) apply(s *Session) error {
	if s.Status == StatusSettled {
		return ErrSessionSettled
	}

	settling := false
	if p.Status != nil && *p.Status != s.Status {
		if s.Status != StatusActive || *p.Status != StatusSettled {
			return xerrors.New(CodeInvariantViolation, "状态只能从 ACTIVE 变为 SETTLED")
		}
		settling = true
	}

	remaining := s.RemainingBalance
	if p.RemainingBalance != nil {
		next := *p.RemainingBalance
		if next.IsNegative() {
			return xerrors.New(CodeInvariantViolation, "剩余余额不能为负数")
		}
		if next.GreaterThan(s.RemainingBalance) && !settling {
			return xerrors.New(CodeInvariantViolation, "剩余余额只能在结算时上调")
		}
		remaining = next
	}

	s.RemainingBalance = remaining
	if p.EscrowBalance != nil {
		s.EscrowBalance = *p.EscrowBalance
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.SettlementTxHash != nil {
		s.SettlementTxHash = *p.SettlementTxHash
	}
	if p.SettledAt != nil {
		t := *p.SettledAt
		s.SettledAt = &t
	}
	if len(p.AppendActions) > 0 {
		s.ActionHistory = append(s.ActionHistory, p.AppendActions...)
		s.ActionsExecuted = len(s.ActionHistory)
	}
	for _, d := range p.AppendDecisions {
		s.Decisions = append(s.Decisions, cloneDecision(d))
	}
	return nil
}
