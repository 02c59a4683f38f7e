package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "PulseFi-Session/internal/errors"
	"PulseFi-Session/internal/events"
	"PulseFi-Session/internal/observability/alerting"
	"PulseFi-Session/internal/observability/metrics"
	"PulseFi-Session/internal/route"
	"PulseFi-Session/internal/session"
	"PulseFi-Session/internal/trade"
	"PulseFi-Session/internal/venue"
	"PulseFi-Session/pkg/logger"
)

// Trader 执行一次受保护的交易，通常由 trade.Executor 实现。
type Trader interface {
	Execute(ctx context.Context, req trade.Request) (trade.Result, error)
}

// Config 控制 Agent 的节奏与交易参数。
type Config struct {
	Interval           time.Duration
	DemoInterval       time.Duration
	ScanDelay          time.Duration
	DemoScanDelay      time.Duration
	RebalanceDelay     time.Duration
	DemoRebalanceDelay time.Duration
	QuoteTimeout       time.Duration

	ActionCost  decimal.Decimal
	TradeAmount decimal.Decimal
	ChainID     int64
	FromToken   common.Address
	ToToken     common.Address
	FromSymbol  string
	ToSymbol    string

	RoutePolicy  route.Policy
	IdleLogLimit int
	LogLimit     int
}

// DefaultConfig 返回生产环境的默认节奏：5 秒轮询、5 秒后扫描、15 秒后再平衡。
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Second,
		DemoInterval:       1500 * time.Millisecond,
		ScanDelay:          5 * time.Second,
		DemoScanDelay:      time.Second,
		RebalanceDelay:     15 * time.Second,
		DemoRebalanceDelay: 3 * time.Second,
		QuoteTimeout:       5 * time.Second,
		ActionCost:         decimal.RequireFromString("0.10"),
		TradeAmount:        decimal.NewFromInt(10),
		ChainID:            8453,
		FromToken:          common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		ToToken:            common.HexToAddress("0x4200000000000000000000000000000000000006"),
		FromSymbol:         "USDC",
		ToSymbol:           "WETH",
		RoutePolicy:        route.DefaultPolicy(venue.Uniswap),
		IdleLogLimit:       5,
		LogLimit:           defaultLogLimit,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.DemoInterval <= 0 {
		c.DemoInterval = def.DemoInterval
	}
	if c.ScanDelay <= 0 {
		c.ScanDelay = def.ScanDelay
	}
	if c.DemoScanDelay <= 0 {
		c.DemoScanDelay = def.DemoScanDelay
	}
	if c.RebalanceDelay <= 0 {
		c.RebalanceDelay = def.RebalanceDelay
	}
	if c.DemoRebalanceDelay <= 0 {
		c.DemoRebalanceDelay = def.DemoRebalanceDelay
	}
	if c.QuoteTimeout <= 0 {
		c.QuoteTimeout = def.QuoteTimeout
	}
	if c.ActionCost.IsZero() {
		c.ActionCost = def.ActionCost
	}
	if c.TradeAmount.IsZero() {
		c.TradeAmount = def.TradeAmount
	}
	if c.ChainID == 0 {
		c.ChainID = def.ChainID
	}
	if c.FromSymbol == "" {
		c.FromSymbol = def.FromSymbol
	}
	if c.ToSymbol == "" {
		c.ToSymbol = def.ToSymbol
	}
	if c.RoutePolicy.PreferredVenue == "" {
		c.RoutePolicy.PreferredVenue = def.RoutePolicy.PreferredVenue
	}
	if c.IdleLogLimit <= 0 {
		c.IdleLogLimit = def.IdleLogLimit
	}
	if c.LogLimit <= 0 {
		c.LogLimit = def.LogLimit
	}
}

// StartRequest 描述一次启动请求。Interval 为零时使用配置值，Strategy 为空时沿用会话策略。
type StartRequest struct {
	SessionID string
	Interval  time.Duration
	Strategy  session.Strategy
	Demo      bool
}

type runner struct {
	state   *State
	cancel  context.CancelFunc
	done    chan struct{}
	tradeMu sync.Mutex
}

// halt 取消循环并等待其退出，同时等待进行中的 ForceTrade 落库。
func (r *runner) halt() {
	r.cancel()
	<-r.done
	r.tradeMu.Lock()
	r.tradeMu.Unlock()
}

// Scheduler 为每个 ACTIVE 会话维护一个独立的轮询 goroutine。
type Scheduler struct {
	store   session.Store
	quoters []venue.Quoter
	trader  Trader
	cfg     Config

	publisher events.Publisher
	alerts    alerting.Dispatcher
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	runners  map[string]*runner
	finished map[string]StateView
}

// Option 定义 Scheduler 的可选配置。
type Option func(*Scheduler)

// WithPublisher 设置审计事件发布者。
func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithAlertDispatcher 设置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(s *Scheduler) { s.alerts = d }
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 替换 time.Now，便于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler 创建调度器。quoters 的第一个视为比较中的 A 方，第二个为 B 方。
func NewScheduler(store session.Store, quoters []venue.Quoter, trader Trader, cfg Config, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		store:    store,
		quoters:  quoters,
		trader:   trader,
		cfg:      cfg,
		logger:   logger.Named("agent"),
		now:      time.Now,
		runners:  make(map[string]*runner),
		finished: make(map[string]StateView),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Config 返回生效的配置。
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Start 为会话启动 Agent。已有运行中的 Agent 时，旧循环被取消并等待退出，然后以全新状态重启。
func (s *Scheduler) Start(ctx context.Context, req StartRequest) (StateView, error) {
	sess, err := s.store.Get(ctx, req.SessionID)
	if err != nil {
		if session.IsNotFound(err) {
			return StateView{}, xerrors.Wrap(CodeAgentStartRejected, err, "session not found",
				xerrors.WithMetadata("session_id", req.SessionID))
		}
		return StateView{}, err
	}
	if sess.Status != session.StatusActive {
		return StateView{}, xerrors.New(CodeAgentStartRejected, fmt.Sprintf("session is %s", sess.Status),
			xerrors.WithMetadata("session_id", req.SessionID))
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = sess.Strategy
	}
	interval := req.Interval
	if interval <= 0 {
		interval = s.cfg.Interval
	}
	if req.Demo {
		interval = s.cfg.DemoInterval
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &runner{
		state:  newState(req.SessionID, strategy, req.Demo, interval, s.cfg.LogLimit, s.now()),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	old := s.runners[req.SessionID]
	s.runners[req.SessionID] = r
	delete(s.finished, req.SessionID)
	s.mu.Unlock()

	if old != nil {
		old.halt()
		s.logger.Info("替换已有 Agent 循环", slog.String("session_id", req.SessionID))
	}

	go s.run(runCtx, r)

	events.Emit(ctx, s.publisher, events.KindAgentStarted, req.SessionID, map[string]string{
		"strategy": string(strategy),
		"interval": interval.String(),
		"demo":     fmt.Sprintf("%t", req.Demo),
	})
	s.logger.Info("Agent 已启动",
		slog.String("session_id", req.SessionID),
		slog.String("strategy", string(strategy)),
		slog.Duration("interval", interval),
		slog.Bool("demo", req.Demo))
	return r.state.view(), nil
}

// Stop 停止会话的 Agent，可重复调用。返回值表示本次调用是否真正停止了循环。
func (s *Scheduler) Stop(sessionID string) bool {
	s.mu.Lock()
	r := s.runners[sessionID]
	delete(s.runners, sessionID)
	s.mu.Unlock()
	if r == nil {
		return false
	}

	r.halt()
	r.state.stop("Agent stopped.", s.now())

	s.mu.Lock()
	s.finished[sessionID] = r.state.view()
	s.mu.Unlock()

	events.Emit(context.Background(), s.publisher, events.KindAgentStopped, sessionID, map[string]string{"reason": "stopped"})
	s.logger.Info("Agent 已停止", slog.String("session_id", sessionID))
	return true
}

// StopAll 停止所有 Agent，用于进程退出。
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.Stop(id)
		}(id)
	}
	wg.Wait()
}

// Status 返回 Agent 状态快照。已停止的 Agent 返回最后一次快照。
func (s *Scheduler) Status(sessionID string) (StateView, bool) {
	s.mu.Lock()
	r := s.runners[sessionID]
	last, ok := s.finished[sessionID]
	s.mu.Unlock()
	if r != nil {
		return r.state.view(), true
	}
	return last, ok
}

// Running 返回正在运行的 Agent 数量。
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

func (s *Scheduler) runner(sessionID string) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[sessionID]
}

func (s *Scheduler) run(ctx context.Context, r *runner) {
	defer close(r.done)

	ticker := time.NewTicker(r.state.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if !s.safeTick(ctx, r) {
				s.finish(r)
				return
			}
		}
	}
}

// finish 处理循环自行退出：仅当该 runner 仍是当前 runner 时才移出映射。
func (s *Scheduler) finish(r *runner) {
	id := r.state.sessionID
	r.state.stop("Session no longer active. Agent stopped.", s.now())

	s.mu.Lock()
	if s.runners[id] == r {
		delete(s.runners, id)
		s.finished[id] = r.state.view()
	}
	s.mu.Unlock()

	events.Emit(context.Background(), s.publisher, events.KindAgentStopped, id, map[string]string{"reason": "session inactive"})
	s.logger.Info("会话已结束，Agent 自动停止", slog.String("session_id", id))
}

// safeTick 执行一次 tick 并吸收 panic。返回 false 表示循环应当退出。
func (s *Scheduler) safeTick(ctx context.Context, r *runner) (keepRunning bool) {
	defer func() {
		if rec := recover(); rec != nil {
			err := xerrors.New(CodeAgentTickFailed, fmt.Sprintf("panic: %v", rec))
			s.reportError(ctx, r, err)
			keepRunning = true
		}
	}()

	keepRunning, err := s.tick(ctx, r)
	if err != nil && ctx.Err() == nil {
		s.reportError(ctx, r, err)
	}
	return keepRunning
}

func (s *Scheduler) reportError(ctx context.Context, r *runner, err error) {
	r.state.fail(err)
	s.logger.Warn("Agent tick 失败", slog.String("session_id", r.state.sessionID), slog.Any("error", err))
	if xerrors.CodeOf(err) == xerrors.CodeUnknown {
		err = xerrors.Wrap(CodeAgentTickFailed, err, "agent tick failed")
	}
	alerting.Notify(ctx, s.alerts, "agent", r.state.sessionID, err)
}

func (s *Scheduler) tick(ctx context.Context, r *runner) (bool, error) {
	sess, err := s.store.Get(ctx, r.state.sessionID)
	if err != nil {
		if session.IsNotFound(err) {
			return false, nil
		}
		return true, err
	}
	if sess.Status != session.StatusActive {
		return false, nil
	}

	strategy := r.state.strategy
	metrics.IncAgentTick(string(strategy))
	return true, s.dispatch(ctx, r, sess, strategy)
}

// record 追加一条决策并同步指标与审计事件。
func (s *Scheduler) record(ctx context.Context, sessionID string, d session.Decision) error {
	if err := s.store.AppendDecision(ctx, sessionID, d); err != nil {
		if session.IsSettled(err) {
			return nil
		}
		return err
	}
	metrics.IncDecision(string(d.Type))
	events.Emit(ctx, s.publisher, events.KindDecisionRecorded, sessionID, map[string]string{
		"type":       string(d.Type),
		"confidence": fmt.Sprintf("%.2f", d.Confidence),
		"impact":     d.ImpactEstimate,
	})
	return nil
}
