package session

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "PulseFi-Session/internal/errors"
)

// Status 表示会话在生命周期中的状态。
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusSettled Status = "SETTLED"
)

// Strategy 决定后台 Agent 在每个 tick 的行为。
type Strategy string

const (
	StrategyIdleLogOnly     Strategy = "IDLE_LOG_ONLY"
	StrategyHighFreqScan    Strategy = "HIGH_FREQ_SCAN"
	StrategyActiveRebalance Strategy = "ACTIVE_REBALANCE"
)

// ParseStrategy 解析策略名称，空字符串返回默认策略 ACTIVE_REBALANCE。
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", StrategyActiveRebalance:
		return StrategyActiveRebalance, nil
	case StrategyHighFreqScan:
		return StrategyHighFreqScan, nil
	case StrategyIdleLogOnly:
		return StrategyIdleLogOnly, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的策略: %s", raw))
	}
}

// ActionType 区分已执行动作的类别。
type ActionType string

const (
	ActionMarketScan ActionType = "MARKET_SCAN"
	ActionRebalance  ActionType = "REBALANCE"
)

// DecisionType 区分 Agent 的决策类别。
type DecisionType string

const (
	DecisionRouteCheck DecisionType = "ROUTE_CHECK"
	DecisionMarketScan DecisionType = "MARKET_SCAN"
	DecisionExecution  DecisionType = "EXECUTION"
	DecisionNoOp       DecisionType = "NO_OP"
)

// ActionLog 是一次已完成动作的不可变记录。
type ActionLog struct {
	ID          string          `json:"id"`
	Type        ActionType      `json:"type"`
	Description string          `json:"description"`
	Cost        decimal.Decimal `json:"cost"`
	Timestamp   time.Time       `json:"timestamp"`
}

// VenueFigures 记录某个交易场所在一次比较中的输出与 gas 估算。
type VenueFigures struct {
	Out string `json:"out"`
	Gas string `json:"gas"`
}

// Decision 是一次 Agent 评估周期的审计记录。
type Decision struct {
	Timestamp      time.Time               `json:"timestamp"`
	Type           DecisionType            `json:"decision_type"`
	Reasoning      []string                `json:"reasoning"`
	Confidence     float64                 `json:"confidence"`
	ImpactEstimate string                  `json:"impact_estimate"`
	Data           map[string]VenueFigures `json:"data,omitempty"`
}

// Session 描述一次注资、限时的交易授权。
type Session struct {
	ID               string          `json:"session_id"`
	Owner            string          `json:"owner"`
	Strategy         Strategy        `json:"strategy"`
	Status           Status          `json:"status"`
	StartTime        time.Time       `json:"start_time"`
	InitialBalance   decimal.Decimal `json:"initial_balance"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	EscrowBalance    decimal.Decimal `json:"escrow_balance"`
	ActionsExecuted  int             `json:"actions_executed"`
	ActionHistory    []ActionLog     `json:"action_history"`
	Decisions        []Decision      `json:"decisions"`
	LockRef          string          `json:"lock_ref,omitempty"`
	SettlementTxHash string          `json:"settlement_tx_hash,omitempty"`
	SettledAt        *time.Time      `json:"settled_at,omitempty"`

	// sessionKey 仅在服务端保存，不参与序列化。
	sessionKey string
}

// SessionKey 返回服务端持有的临时会话密钥。
func (s *Session) SessionKey() string {
	return s.sessionKey
}

// HasRebalance 判断历史中是否已有 REBALANCE 动作。
func (s *Session) HasRebalance() bool {
	for _, action := range s.ActionHistory {
		if action.Type == ActionRebalance {
			return true
		}
	}
	return false
}

// GasSpent 汇总所有动作的成本。
func (s *Session) GasSpent() decimal.Decimal {
	total := decimal.Zero
	for _, action := range s.ActionHistory {
		total = total.Add(action.Cost)
	}
	return total
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ActionHistory = append([]ActionLog(nil), s.ActionHistory...)
	c.Decisions = make([]Decision, len(s.Decisions))
	for i, d := range s.Decisions {
		c.Decisions[i] = cloneDecision(d)
	}
	if s.SettledAt != nil {
		t := *s.SettledAt
		c.SettledAt = &t
	}
	return &c
}

func cloneDecision(d Decision) Decision {
	d.Reasoning = append([]string(nil), d.Reasoning...)
	if d.Data != nil {
		data := make(map[string]VenueFigures, len(d.Data))
		for k, v := range d.Data {
			data[k] = v
		}
		d.Data = data
	}
	return d
}

const (
	CodeSessionNotFound       xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionSettled        xerrors.Code = "SESSION_ALREADY_SETTLED"
	CodeDuplicateSession      xerrors.Code = "DUPLICATE_SESSION"
	CodeInvalidAddress        xerrors.Code = "INVALID_ADDRESS"
	CodeInvalidAmount         xerrors.Code = "INVALID_AMOUNT"
	CodeInsufficientBalance   xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientAllowance xerrors.Code = "INSUFFICIENT_ALLOWANCE"
	CodeLedgerFailure         xerrors.Code = "LEDGER_FAILURE"
	CodeInvariantViolation    xerrors.Code = "SESSION_INVARIANT_VIOLATION"
)

var (
	// ErrSessionNotFound 表示会话不存在。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrSessionSettled 表示会话已结算，不能再修改。
	ErrSessionSettled = xerrors.New(CodeSessionSettled, "session already settled")
	// ErrDuplicateSession 表示会话 ID 冲突。
	ErrDuplicateSession = xerrors.New(CodeDuplicateSession, "duplicate session id")
	// ErrInsufficientBalance 表示剩余余额不足以支付本次扣款。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrInsufficientAllowance 表示托管账本拒绝锁定（授权额度不足）。
	ErrInsufficientAllowance = xerrors.New(CodeInsufficientAllowance, "insufficient allowance")
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:  "session not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSessionSettled, xerrors.Attributes{
		Message:  "session already settled",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDuplicateSession, xerrors.Attributes{
		Message:  "duplicate session id",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeInvalidAddress, xerrors.Attributes{
		Message:  "invalid owner address",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:  "amount must be positive",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "insufficient balance",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientAllowance, xerrors.Attributes{
		Message:  "insufficient allowance",
		Kind:     xerrors.KindExternal,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeLedgerFailure, xerrors.Attributes{
		Message:   "escrow ledger failure",
		Kind:      xerrors.KindExternal,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeInvariantViolation, xerrors.Attributes{
		Message:  "session invariant violated",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// IsNotFound 判断错误是否表示会话不存在。
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrSessionNotFound)
}

// IsSettled 判断错误是否表示会话已结算。
func IsSettled(err error) bool {
	return stdErrors.Is(err, ErrSessionSettled)
}
