package session

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "PulseFi-Session/internal/errors"
	"PulseFi-Session/internal/events"
	"PulseFi-Session/internal/observability/alerting"
	"PulseFi-Session/internal/observability/metrics"
	"PulseFi-Session/internal/web3"
	"PulseFi-Session/internal/web3/ethereum"
	"PulseFi-Session/pkg/logger"
)

// reconciledRef 标记由本地补记、没有对应释放交易的结算。
const reconciledRef = "reconciled"

// AgentStopper 在结算前停止会话的后台 Agent。
type AgentStopper interface {
	Stop(sessionID string) bool
}

// KeyGenerator 生成服务端持有的临时会话密钥。
type KeyGenerator func() (string, error)

// StartResult 是 StartSession 的返回值。
type StartResult struct {
	SessionID      string    `json:"session_id"`
	StartTimestamp time.Time `json:"start_timestamp"`
	CreationRef    string    `json:"creation_ref"`
}

// Settlement 汇总一次结算。
type Settlement struct {
	SessionID     string          `json:"session_id"`
	SettlementRef string          `json:"settlement_tx_hash"`
	FinalBalance  decimal.Decimal `json:"final_balance"`
	TotalTrades   int             `json:"total_trades"`
	GasSpentUSD   decimal.Decimal `json:"gas_spent_usd"`
	GasSavedUSD   decimal.Decimal `json:"gas_saved_usd"`
}

// ActionResult 是 ExecuteManualAction 的返回值。
type ActionResult struct {
	ActionID         string          `json:"action_id"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	ActionsExecuted  int             `json:"actions_executed"`
	LedgerRef        string          `json:"ledger_ref"`
}

// View 是会话的公开视图，不包含会话密钥。
type View struct {
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
	DecisionCount    int             `json:"decision_count"`
	SettlementTxHash string          `json:"settlement_tx_hash,omitempty"`
	SettledAt        *time.Time      `json:"settled_at,omitempty"`
}

// NewView 构造公开视图。
func NewView(s *Session) View {
	return View{
		ID:               s.ID,
		Owner:            s.Owner,
		Strategy:         s.Strategy,
		Status:           s.Status,
		StartTime:        s.StartTime,
		InitialBalance:   s.InitialBalance,
		RemainingBalance: s.RemainingBalance,
		EscrowBalance:    s.EscrowBalance,
		ActionsExecuted:  s.ActionsExecuted,
		ActionHistory:    append([]ActionLog{}, s.ActionHistory...),
		DecisionCount:    len(s.Decisions),
		SettlementTxHash: s.SettlementTxHash,
		SettledAt:        s.SettledAt,
	}
}

// Service 编排会话的创建、计量扣费与结算。
type Service struct {
	store     Store
	ledger    web3.EscrowLedger
	stopper   AgentStopper
	keygen    KeyGenerator
	publisher events.Publisher
	alerts    alerting.Dispatcher
	logger    *slog.Logger
	now       func() time.Time

	baselineActionCost decimal.Decimal
	ledgerTimeout      time.Duration
	recipient          common.Address

	// settling 记录正在结算的会话，保证同一会话只有一个结算流程。
	settling sync.Map
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithAgentStopper 设置结算时用于停止 Agent 的钩子。
func WithAgentStopper(stopper AgentStopper) ServiceOption {
	return func(s *Service) { s.stopper = stopper }
}

// WithKeyGenerator 设置会话密钥生成器。
func WithKeyGenerator(gen KeyGenerator) ServiceOption {
	return func(s *Service) {
		if gen != nil {
			s.keygen = gen
		}
	}
}

// WithPublisher 设置审计事件发布者。
func WithPublisher(p events.Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithAlertDispatcher 设置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) ServiceOption {
	return func(s *Service) { s.alerts = d }
}

// WithClock 替换 time.Now。
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBaselineActionCost 设置计算节省 gas 时使用的单次动作基准成本。
func WithBaselineActionCost(cost decimal.Decimal) ServiceOption {
	return func(s *Service) {
		if cost.IsPositive() {
			s.baselineActionCost = cost
		}
	}
}

// WithLedgerTimeout 限制每次托管账本调用的时长。
func WithLedgerTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.ledgerTimeout = d
		}
	}
}

// WithSpendRecipient 设置计量扣费的收款地址。
func WithSpendRecipient(addr common.Address) ServiceOption {
	return func(s *Service) { s.recipient = addr }
}

// NewService 创建会话服务。
func NewService(store Store, ledger web3.EscrowLedger, opts ...ServiceOption) *Service {
	s := &Service{
		store:              store,
		ledger:             ledger,
		keygen:             ethereum.GenerateSessionKey,
		logger:             logger.Named("session"),
		now:                time.Now,
		baselineActionCost: decimal.RequireFromString("0.50"),
		ledgerTimeout:      30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func isAllowance(err error) bool {
	return stdErrors.Is(err, web3.ErrInsufficientAllowance)
}

func isTimeout(err error) bool {
	return stdErrors.Is(err, context.DeadlineExceeded)
}

// StartSession 校验参数、锁定资金并创建 ACTIVE 会话。
func (s *Service) StartSession(ctx context.Context, owner string, amount decimal.Decimal, strategy string) (StartResult, error) {
	if !web3.IsHexAddress(owner) {
		return StartResult{}, xerrors.New(CodeInvalidAddress, fmt.Sprintf("invalid owner address %q", owner))
	}
	if !amount.IsPositive() {
		return StartResult{}, xerrors.New(CodeInvalidAmount, fmt.Sprintf("amount must be positive, got %s", amount))
	}
	strat, err := ParseStrategy(strategy)
	if err != nil {
		return StartResult{}, err
	}

	id := uuid.NewString()
	ownerAddr := common.HexToAddress(owner)

	lockCtx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	conf, err := s.ledger.Lock(lockCtx, web3.LockRequest{SessionID: id, Owner: ownerAddr, Amount: amount})
	cancel()
	if err != nil {
		return StartResult{}, s.ledgerError(ctx, id, "lock", err)
	}

	key, err := s.keygen()
	if err != nil {
		return StartResult{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "generate session key")
	}

	now := s.now().UTC()
	record := &Session{
		ID:               id,
		Owner:            ownerAddr.Hex(),
		Strategy:         strat,
		Status:           StatusActive,
		StartTime:        now,
		InitialBalance:   amount,
		RemainingBalance: amount,
		EscrowBalance:    amount,
		LockRef:          conf.Ref,
		sessionKey:       key,
	}
	if err := s.store.Create(ctx, record); err != nil {
		alerting.Notify(ctx, s.alerts, "session", id, err)
		return StartResult{}, err
	}

	metrics.IncSession("started")
	events.Emit(ctx, s.publisher, events.KindSessionStarted, id, map[string]string{
		"owner":    record.Owner,
		"amount":   amount.String(),
		"strategy": string(strat),
		"lock_ref": conf.Ref,
	})
	logger.Audit().Info("会话已创建",
		slog.String("session_id", id),
		slog.String("owner", record.Owner),
		slog.String("amount", amount.String()),
		slog.String("strategy", string(strat)),
		slog.String("lock_ref", conf.Ref))
	return StartResult{SessionID: id, StartTimestamp: now, CreationRef: conf.Ref}, nil
}

// EndSession 停止 Agent、释放剩余资金并将会话置为 SETTLED。重复调用返回 ErrSessionSettled。
func (s *Service) EndSession(ctx context.Context, id string) (Settlement, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Settlement{}, err
	}
	if current.Status != StatusActive {
		return Settlement{}, ErrSessionSettled
	}
	if _, busy := s.settling.LoadOrStore(id, struct{}{}); busy {
		return Settlement{}, ErrSessionSettled
	}
	defer s.settling.Delete(id)

	if s.stopper != nil {
		s.stopper.Stop(id)
	}

	// 停止 Agent 后重新读取，确保最后一次 tick 的扣费已计入。
	current, err = s.store.Get(ctx, id)
	if err != nil {
		return Settlement{}, err
	}
	if current.Status != StatusActive {
		return Settlement{}, ErrSessionSettled
	}

	releaseCtx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	receipt, err := s.ledger.Release(releaseCtx, web3.ReleaseRequest{
		SessionID: id,
		Owner:     common.HexToAddress(current.Owner),
		Amount:    current.RemainingBalance,
	})
	cancel()
	if err != nil {
		if stdErrors.Is(err, web3.ErrAlreadyReleased) {
			return s.reconcileReleased(ctx, current)
		}
		return Settlement{}, s.ledgerError(ctx, id, "release", err)
	}
	return s.markSettled(ctx, id, receipt.Ref, receipt.FinalAmount)
}

// reconcileReleased 处理账本已释放但本地记录仍为 ACTIVE 的情况，
// 通常是上一次结算在 Release 之后、落库之前中断。账本余额必须为零才会补记 SETTLED。
func (s *Service) reconcileReleased(ctx context.Context, current *Session) (Settlement, error) {
	id := current.ID
	balanceCtx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	escrow, err := s.ledger.BalanceOf(balanceCtx, id)
	cancel()
	if err != nil {
		return Settlement{}, s.ledgerError(ctx, id, "balance", err)
	}
	if !escrow.IsZero() {
		violation := xerrors.New(CodeInvariantViolation, "escrow reports released funds but still holds a balance",
			xerrors.WithMetadata("session_id", id),
			xerrors.WithMetadata("escrow_balance", escrow.String()))
		alerting.Notify(ctx, s.alerts, "session", id, violation)
		return Settlement{}, violation
	}

	drift := xerrors.Wrap(CodeLedgerFailure, web3.ErrAlreadyReleased, "escrow released outside settlement, record reconciled",
		xerrors.WithMetadata("session_id", id),
		xerrors.WithMetadata("remaining_balance", current.RemainingBalance.String()))
	logger.Audit().Warn("账本已释放，补记会话结算",
		slog.String("session_id", id),
		slog.String("remaining_balance", current.RemainingBalance.String()))
	alerting.Notify(ctx, s.alerts, "session", id, drift)
	return s.markSettled(ctx, id, reconciledRef, current.RemainingBalance)
}

// markSettled 将会话置为 SETTLED 并汇总结算结果。
func (s *Service) markSettled(ctx context.Context, id, ref string, final decimal.Decimal) (Settlement, error) {
	settledAt := s.now().UTC()
	status := StatusSettled
	escrow := decimal.Zero
	updated, err := s.store.Mutate(ctx, id, func(cur *Session) (Patch, error) {
		if cur.Status != StatusActive {
			return Patch{}, ErrSessionSettled
		}
		return Patch{
			Status:           &status,
			SettlementTxHash: &ref,
			SettledAt:        &settledAt,
			RemainingBalance: &final,
			EscrowBalance:    &escrow,
		}, nil
	})
	if err != nil {
		return Settlement{}, err
	}

	spent := updated.GasSpent()
	settlement := Settlement{
		SessionID:     id,
		SettlementRef: ref,
		FinalBalance:  final,
		TotalTrades:   updated.ActionsExecuted,
		GasSpentUSD:   spent,
		GasSavedUSD:   GasSaved(updated.ActionsExecuted, s.baselineActionCost, spent),
	}

	metrics.IncSession("settled")
	events.Emit(ctx, s.publisher, events.KindSessionSettled, id, map[string]string{
		"settlement_ref": ref,
		"final_balance":  final.String(),
		"total_trades":   fmt.Sprintf("%d", settlement.TotalTrades),
		"gas_spent_usd":  spent.String(),
	})
	logger.Audit().Info("会话已结算",
		slog.String("session_id", id),
		slog.String("settlement_ref", ref),
		slog.String("final_balance", final.String()),
		slog.Int("total_trades", settlement.TotalTrades))
	return settlement, nil
}

// GasSaved 估算相对固定单次成本基准节省的费用，结果不小于零。
func GasSaved(actions int, baseline, spent decimal.Decimal) decimal.Decimal {
	saved := baseline.Mul(decimal.NewFromInt(int64(actions))).Sub(spent)
	if saved.IsNegative() {
		return decimal.Zero
	}
	return saved
}

// ExecuteManualAction 是不经过交易执行器的计量扣费，记为一次 MARKET_SCAN 动作。
func (s *Service) ExecuteManualAction(ctx context.Context, id string, cost decimal.Decimal) (ActionResult, error) {
	if !cost.IsPositive() {
		return ActionResult{}, xerrors.New(CodeInvalidAmount, fmt.Sprintf("cost must be positive, got %s", cost))
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return ActionResult{}, err
	}
	if current.Status != StatusActive {
		return ActionResult{}, ErrSessionSettled
	}
	if current.RemainingBalance.LessThan(cost) {
		return ActionResult{}, insufficient(current.RemainingBalance, cost)
	}

	spendCtx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	conf, err := s.ledger.Spend(spendCtx, id, s.recipient, cost)
	cancel()
	if err != nil {
		return ActionResult{}, s.ledgerError(ctx, id, "spend", err)
	}

	action := ActionLog{
		ID:          uuid.NewString(),
		Type:        ActionMarketScan,
		Description: fmt.Sprintf("Manual action (ledger ref %s)", conf.Ref),
		Cost:        cost,
		Timestamp:   s.now().UTC(),
	}
	updated, err := s.store.Mutate(ctx, id, func(cur *Session) (Patch, error) {
		if cur.Status != StatusActive {
			return Patch{}, ErrSessionSettled
		}
		if cur.RemainingBalance.LessThan(cost) {
			return Patch{}, insufficient(cur.RemainingBalance, cost)
		}
		remaining := cur.RemainingBalance.Sub(cost)
		return Patch{RemainingBalance: &remaining, AppendActions: []ActionLog{action}}, nil
	})
	if err != nil {
		// 账本已扣费但会话未更新，两边余额出现偏差，需要人工核对。
		drift := xerrors.Wrap(CodeLedgerFailure, err, "escrow debited but session was not updated",
			xerrors.WithMetadata("session_id", id),
			xerrors.WithMetadata("ledger_ref", conf.Ref),
			xerrors.WithMetadata("cost", cost.String()))
		logger.Audit().Error("账本已扣费但会话更新失败",
			slog.String("session_id", id),
			slog.String("ledger_ref", conf.Ref),
			slog.String("cost", cost.String()),
			slog.Any("error", err))
		alerting.Notify(ctx, s.alerts, "session", id, drift)
		return ActionResult{}, err
	}

	metrics.IncSession("action")
	events.Emit(ctx, s.publisher, events.KindActionRecorded, id, map[string]string{
		"action_id":  action.ID,
		"type":       string(action.Type),
		"cost":       cost.String(),
		"ledger_ref": conf.Ref,
	})
	s.logger.Info("计量扣费完成",
		slog.String("session_id", id),
		slog.String("cost", cost.String()),
		slog.String("remaining", updated.RemainingBalance.String()))
	return ActionResult{
		ActionID:         action.ID,
		RemainingBalance: updated.RemainingBalance,
		ActionsExecuted:  updated.ActionsExecuted,
		LedgerRef:        conf.Ref,
	}, nil
}

func insufficient(remaining, cost decimal.Decimal) error {
	return xerrors.New(CodeInsufficientBalance,
		fmt.Sprintf("remaining balance %s is less than cost %s", remaining, cost))
}

// GetSession 返回会话的公开视图。
func (s *Service) GetSession(ctx context.Context, id string) (View, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return NewView(current), nil
}

// Decisions 返回最近的 limit 条决策，limit <= 0 时返回全部。
func (s *Service) Decisions(ctx context.Context, id string, limit int) ([]Decision, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	decisions := current.Decisions
	if limit > 0 && len(decisions) > limit {
		decisions = decisions[len(decisions)-limit:]
	}
	return append([]Decision{}, decisions...), nil
}

// ListSessions 返回全部会话视图，用于诊断。
func (s *Service) ListSessions(ctx context.Context) ([]View, error) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, NewView(sess))
	}
	return views, nil
}

// RefreshEscrowBalance 从托管账本同步 escrowBalance。
func (s *Service) RefreshEscrowBalance(ctx context.Context, id string) (View, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return View{}, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	balance, err := s.ledger.BalanceOf(queryCtx, id)
	cancel()
	if err != nil {
		return View{}, s.ledgerError(ctx, id, "balanceOf", err)
	}
	updated, err := s.store.Update(ctx, id, Patch{EscrowBalance: &balance})
	if err != nil {
		return View{}, err
	}
	return NewView(updated), nil
}

// ledgerError 将账本错误包装为带错误码的错误，授权不足单独归类。
func (s *Service) ledgerError(ctx context.Context, id, op string, err error) error {
	code := CodeLedgerFailure
	switch {
	case xerrors.CodeOf(err) != xerrors.CodeUnknown:
		code = xerrors.CodeOf(err)
	case isAllowance(err):
		code = CodeInsufficientAllowance
	case isTimeout(err):
		code = xerrors.CodeTimeout
	}
	wrapped := xerrors.Wrap(code, err, fmt.Sprintf("escrow %s failed", op),
		xerrors.WithMetadata("session_id", id),
		xerrors.WithMetadata("op", op))
	s.logger.Warn("托管账本调用失败", slog.String("session_id", id), slog.String("op", op), slog.Any("error", err))
	alerting.Notify(ctx, s.alerts, "session", id, wrapped)
	return wrapped
}
