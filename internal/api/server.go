package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"PulseFi-Session/internal/agent"
	xerrors "PulseFi-Session/internal/errors"
	"PulseFi-Session/internal/observability/metrics"
	"PulseFi-Session/internal/session"
	"PulseFi-Session/internal/trade"
	"PulseFi-Session/internal/web3"
	"PulseFi-Session/pkg/logger"
)

// SessionService 是 API 层依赖的会话生命周期接口。
type SessionService interface {
	StartSession(ctx context.Context, owner string, amount decimal.Decimal, strategy string) (session.StartResult, error)
	EndSession(ctx context.Context, id string) (session.Settlement, error)
	ExecuteManualAction(ctx context.Context, id string, cost decimal.Decimal) (session.ActionResult, error)
	GetSession(ctx context.Context, id string) (session.View, error)
	RefreshEscrowBalance(ctx context.Context, id string) (session.View, error)
	Decisions(ctx context.Context, id string, limit int) ([]session.Decision, error)
}

// AgentController 是 API 层依赖的 Agent 调度接口。
type AgentController interface {
	Start(ctx context.Context, req agent.StartRequest) (agent.StateView, error)
	Stop(sessionID string) bool
	Status(sessionID string) (agent.StateView, bool)
	ForceTrade(ctx context.Context, sessionID string) (trade.Result, error)
}

// ChainProbe 返回当前链的快照，用于健康检查。
type ChainProbe func(ctx context.Context) (web3.ChainSnapshot, error)

// Server 负责暴露 REST 接口。
type Server struct {
	addr          string
	sessions      SessionService
	agents        AgentController
	escrowAddress string
	defaultAmount decimal.Decimal
	chain         ChainProbe
	logger        *slog.Logger

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithEscrowAddress 设置 /escrow-address 返回的合约地址。
func WithEscrowAddress(addr string) Option {
	return func(s *Server) { s.escrowAddress = addr }
}

// WithDefaultAmount 设置请求未携带金额时锁定的默认金额。
func WithDefaultAmount(amount decimal.Decimal) Option {
	return func(s *Server) {
		if amount.IsPositive() {
			s.defaultAmount = amount
		}
	}
}

// WithChainProbe 为健康检查附加链状态。
func WithChainProbe(probe ChainProbe) Option {
	return func(s *Server) { s.chain = probe }
}

// WithTimeouts 设置 HTTP 读写与优雅退出的超时。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithLogger 替换默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, sessions SessionService, agents AgentController, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		sessions:        sessions,
		agents:          agents,
		defaultAmount:   decimal.NewFromInt(25),
		logger:          logger.Named("api"),
		readTimeout:     15 * time.Second,
		writeTimeout:    30 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(observe)

	r.Post("/start-session", s.handleStartSession)
	r.Post("/end-session", s.handleEndSession)
	r.Get("/session/{sessionID}", s.handleGetSession)
	r.Post("/action", s.handleAction)

	r.Post("/start-agent", s.handleStartAgent)
	r.Post("/stop-agent", s.handleStopAgent)
	r.Route("/agent/{sessionID}", func(r chi.Router) {
		r.Get("/", s.handleAgentStatus)
		r.Get("/decisions", s.handleDecisions)
		r.Post("/force-trade", s.handleForceTrade)
	})

	r.Get("/escrow-address", s.handleEscrowAddress)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

type startSessionRequest struct {
	WalletAddress string           `json:"walletAddress"`
	Amount        *decimal.Decimal `json:"amount"`
	Strategy      string           `json:"strategy"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.WalletAddress) == "" {
		writeError(w, http.StatusBadRequest, "walletAddress is required")
		return
	}
	// 仅在未提供 amount 时使用默认值，显式的 0 交给 StartSession 校验。
	amount := s.defaultAmount
	if req.Amount != nil {
		amount = *req.Amount
	}

	result, err := s.sessions.StartSession(r.Context(), strings.TrimSpace(req.WalletAddress), amount, req.Strategy)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":      result.SessionID,
		"startTimestamp": result.StartTimestamp.UnixMilli(),
		"creationRef":    result.CreationRef,
		"lockedAmount":   amount,
		"message":        "Session started successfully. Funds locked.",
	})
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) || !requireSession(w, req.SessionID) {
		return
	}
	settlement, err := s.sessions.EndSession(r.Context(), req.SessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settlementTxHash": settlement.SettlementRef,
		"finalBalance":     settlement.FinalBalance,
		"actionsExecuted":  settlement.TotalTrades,
		"gasSpentUsd":      settlement.GasSpentUSD,
		"gasSavedUsd":      settlement.GasSavedUSD,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var (
		view session.View
		err  error
	)
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		view, err = s.sessions.RefreshEscrowBalance(r.Context(), id)
	} else {
		view, err = s.sessions.GetSession(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type actionRequest struct {
	SessionID  string          `json:"sessionId"`
	ActionCost decimal.Decimal `json:"actionCost"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decode(w, r, &req) || !requireSession(w, req.SessionID) {
		return
	}
	result, err := s.sessions.ExecuteManualAction(r.Context(), req.SessionID, req.ActionCost)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"actionId":         result.ActionID,
		"remainingBalance": result.RemainingBalance,
		"actionsExecuted":  result.ActionsExecuted,
		"ledgerRef":        result.LedgerRef,
	})
}

type startAgentRequest struct {
	SessionID  string `json:"sessionId"`
	IntervalMs int64  `json:"checkIntervalMs"`
	Strategy   string `json:"strategy"`
	Demo       bool   `json:"isDemo"`
}

func (s *Server) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	var req startAgentRequest
	if !decode(w, r, &req) || !requireSession(w, req.SessionID) {
		return
	}
	start := agent.StartRequest{
		SessionID: req.SessionID,
		Interval:  time.Duration(req.IntervalMs) * time.Millisecond,
		Demo:      req.Demo,
	}
	if strings.TrimSpace(req.Strategy) != "" {
		strategy, err := session.ParseStrategy(req.Strategy)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		start.Strategy = strategy
	}

	state, err := s.agents.Start(r.Context(), start)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Agent started", "agentState": state})
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) || !requireSession(w, req.SessionID) {
		return
	}
	stopped := s.agents.Stop(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Agent stop signal sent", "stopped": stopped})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	state, ok := s.agents.Status(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "Agent not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	decisions, err := s.sessions.Decisions(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleForceTrade(w http.ResponseWriter, r *http.Request) {
	result, err := s.agents.ForceTrade(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": result.Status,
		"reason": result.Reason,
		"txHash": result.TxHash,
		"venue":  result.Venue,
	})
}

func (s *Server) handleEscrowAddress(w http.ResponseWriter, _ *http.Request) {
	if s.escrowAddress == "" {
		writeError(w, http.StatusInternalServerError, "escrow address not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": s.escrowAddress})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.chain != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		snapshot, err := s.chain(ctx)
		if err != nil {
			body["status"] = "degraded"
			body["chain_error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body["chain"] = snapshot
	}
	writeJSON(w, http.StatusOK, body)
}

// fail 将业务错误映射为 HTTP 响应。
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
	}
	message := err.Error()
	if e, ok := xerrors.From(err); ok && e.Message() != "" {
		message = e.Message()
	}
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  string(xerrors.CodeOf(err)),
	})
}

func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case session.CodeInsufficientBalance, session.CodeInsufficientAllowance:
		return http.StatusBadRequest
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindValidation:
		return http.StatusBadRequest
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindState:
		return http.StatusConflict
	case xerrors.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return false
	}
	return true
}

func requireSession(w http.ResponseWriter, id string) bool {
	if strings.TrimSpace(id) == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// observe 记录每个路由的请求耗时与状态码。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
