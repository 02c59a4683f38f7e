// Package trade performs the single guarded swap a session may make. Every
// safety precondition is checked before the signer is called, and the
// session is updated in one atomic mutation afterwards.
package trade

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "PulseFi-Session/internal/errors"
	"PulseFi-Session/internal/events"
	"PulseFi-Session/internal/observability/metrics"
	"PulseFi-Session/internal/route"
	"PulseFi-Session/internal/session"
	"PulseFi-Session/internal/web3"
	"PulseFi-Session/pkg/logger"
)

// CodeTradeFailed marks a trade the signer could not broadcast.
const CodeTradeFailed xerrors.Code = "TRADE_FAILED"

func init() {
	xerrors.Register(CodeTradeFailed, xerrors.Attributes{
		Message:   "trade execution failed",
		Kind:      xerrors.KindExternal,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Status is the outcome of an execution attempt.
type Status string

const (
	StatusExecuted Status = "EXECUTED"
	StatusSkipped  Status = "SKIPPED"
	StatusFailed   Status = "FAILED"
)

// Policy holds the executor's safety limits.
type Policy struct {
	// MinBalanceBuffer is kept in the session for settlement fees.
	MinBalanceBuffer decimal.Decimal
	// MaxSlippagePct bounds the quoted price impact, in percent.
	MaxSlippagePct decimal.Decimal
}

// DefaultPolicy returns a 1.0 balance buffer and 1% maximum slippage.
func DefaultPolicy() Policy {
	return Policy{
		MinBalanceBuffer: decimal.NewFromInt(1),
		MaxSlippagePct:   decimal.NewFromInt(1),
	}
}

// Request describes one trade attempt.
type Request struct {
	SessionID  string
	Comparison route.Comparison
	Cost       decimal.Decimal
	AmountIn   decimal.Decimal
	FromToken  common.Address
	ToToken    common.Address
	Reasoning  []string
	Confidence float64
	Impact     string
}

// Result reports the outcome of Execute.
type Result struct {
	Status  Status
	Reason  string
	TxHash  string
	Venue   string
	Session *session.Session
}

// Executor enforces trade safety and records successful trades.
type Executor struct {
	store     session.Store
	signer    web3.Signer
	policy    Policy
	timeout   time.Duration
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises an Executor.
type Option func(*Executor)

// WithPolicy overrides the safety limits.
func WithPolicy(p Policy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithTimeout bounds the signer call.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithPublisher sends trade events to the audit pipeline.
func WithPublisher(p events.Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor builds an Executor.
func NewExecutor(store session.Store, signer web3.Signer, opts ...Option) *Executor {
	e := &Executor{
		store:   store,
		signer:  signer,
		policy:  DefaultPolicy(),
		timeout: 20 * time.Second,
		logger:  logger.Named("trade"),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Policy returns the active safety limits.
func (e *Executor) Policy() Policy {
	return e.policy
}

var errLateResult = stdErrors.New("session changed while the trade was in flight")

// Execute runs the safety checks, broadcasts the swap and records it. A
// failed precondition yields StatusSkipped with no error and no mutation;
// a signer failure yields StatusFailed and the wrapped error.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	venue := req.Comparison.Winner.Venue
	current, err := e.store.Get(ctx, req.SessionID)
	if err != nil {
		if session.IsNotFound(err) {
			return e.skip(req, "session not found"), nil
		}
		return Result{Status: StatusFailed, Venue: venue}, err
	}
	if reason, ok := e.precheck(current, req); !ok {
		return e.skip(req, reason), nil
	}

	intent := web3.TradeIntent{
		SessionID:    req.SessionID,
		Venue:        venue,
		RouteID:      req.Comparison.Winner.RouteID,
		FromToken:    req.FromToken,
		ToToken:      req.ToToken,
		AmountIn:     req.AmountIn,
		MinAmountOut: minOut(req.Comparison.Winner.Out, e.policy.MaxSlippagePct),
	}
	sendCtx, cancel := context.WithTimeout(ctx, e.timeout)
	receipt, err := e.signer.SendTransaction(sendCtx, intent)
	cancel()
	if err != nil {
		wrapped := xerrors.Wrap(CodeTradeFailed, err, fmt.Sprintf("%s swap failed", venue),
			xerrors.WithMetadata("session_id", req.SessionID),
			xerrors.WithMetadata("venue", venue))
		metrics.ObserveTrade(venue, string(StatusFailed))
		events.Emit(ctx, e.publisher, events.KindTradeFailed, req.SessionID, map[string]string{
			"venue": venue,
			"error": err.Error(),
		})
		e.logger.Warn("交易广播失败", slog.String("session_id", req.SessionID), slog.String("venue", venue), slog.Any("error", err))
		return Result{Status: StatusFailed, Reason: err.Error(), Venue: venue}, wrapped
	}

	now := e.now().UTC()
	action := session.ActionLog{
		ID:          uuid.NewString(),
		Type:        session.ActionRebalance,
		Description: fmt.Sprintf("Swap %s via %s (tx %s)", req.AmountIn.String(), venue, receipt.Hash),
		Cost:        req.Cost,
		Timestamp:   now,
	}
	decision := session.Decision{
		Timestamp:      now,
		Type:           session.DecisionExecution,
		Reasoning:      append(append([]string(nil), req.Reasoning...), req.Comparison.Reason),
		Confidence:     req.Confidence,
		ImpactEstimate: req.Impact,
		Data:           Figures(req.Comparison),
	}

	updated, err := e.store.Mutate(ctx, req.SessionID, func(s *session.Session) (session.Patch, error) {
		if s.Status != session.StatusActive || s.HasRebalance() {
			return session.Patch{}, errLateResult
		}
		remaining := s.RemainingBalance.Sub(req.Cost)
		if remaining.IsNegative() {
			return session.Patch{}, session.ErrInsufficientBalance
		}
		return session.Patch{
			RemainingBalance: &remaining,
			AppendActions:    []session.ActionLog{action},
			AppendDecisions:  []session.Decision{decision},
		}, nil
	})
	if err != nil {
		// The swap is already on chain; only the bookkeeping is discarded.
		e.logger.Warn("交易结果迟到，已丢弃记账",
			slog.String("session_id", req.SessionID),
			slog.String("tx_hash", receipt.Hash),
			slog.Any("error", err))
		return Result{Status: StatusSkipped, Reason: "late result discarded: " + err.Error(), TxHash: receipt.Hash, Venue: venue}, nil
	}

	metrics.ObserveTrade(venue, string(StatusExecuted))
	metrics.IncDecision(string(session.DecisionExecution))
	events.Emit(ctx, e.publisher, events.KindTradeExecuted, req.SessionID, map[string]string{
		"venue":     venue,
		"tx_hash":   receipt.Hash,
		"amount_in": req.AmountIn.String(),
		"cost":      req.Cost.String(),
		"action_id": action.ID,
	})
	logger.Audit().Info("交易已执行",
		slog.String("session_id", req.SessionID),
		slog.String("venue", venue),
		slog.String("tx_hash", receipt.Hash),
		slog.String("cost", req.Cost.String()),
		slog.String("remaining", updated.RemainingBalance.String()))
	return Result{Status: StatusExecuted, TxHash: receipt.Hash, Venue: venue, Session: updated}, nil
}

func (e *Executor) precheck(s *session.Session, req Request) (string, bool) {
	if s.Status != session.StatusActive {
		return fmt.Sprintf("session is %s", s.Status), false
	}
	if s.HasRebalance() {
		return "single trade per session already used", false
	}
	floor := req.Cost.Add(e.policy.MinBalanceBuffer)
	if !s.RemainingBalance.GreaterThan(floor) {
		return fmt.Sprintf("remaining balance %s does not exceed cost %s plus buffer %s",
			s.RemainingBalance, req.Cost, e.policy.MinBalanceBuffer), false
	}
	if impact := req.Comparison.Winner.PriceImpactPct; impact.GreaterThan(e.policy.MaxSlippagePct) {
		return fmt.Sprintf("price impact %s%% exceeds max slippage %s%%", impact, e.policy.MaxSlippagePct), false
	}
	return "", true
}

func (e *Executor) skip(req Request, reason string) Result {
	venue := req.Comparison.Winner.Venue
	metrics.ObserveTrade(venue, string(StatusSkipped))
	e.logger.Info("交易前置检查未通过", slog.String("session_id", req.SessionID), slog.String("reason", reason))
	return Result{Status: StatusSkipped, Reason: reason, Venue: venue}
}

func minOut(out, slippagePct decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(slippagePct.Div(decimal.NewFromInt(100)))
	if factor.IsNegative() {
		return decimal.Zero
	}
	return out.Mul(factor)
}

// Figures renders both sides of a comparison as decision data.
func Figures(c route.Comparison) map[string]session.VenueFigures {
	data := make(map[string]session.VenueFigures, 2)
	for _, q := range []route.VenueQuote{c.Winner, c.Other} {
		if q.Venue == "" {
			continue
		}
		fig := session.VenueFigures{Out: "0", Gas: "N/A"}
		if q.Available {
			fig = session.VenueFigures{Out: q.Out.StringFixed(6), Gas: q.Cost.StringFixed(2)}
		}
		data[q.Venue] = fig
	}
	return data
}
