package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	xerrors "PulseFi-Session/internal/errors"
	"PulseFi-Session/internal/events"
	"PulseFi-Session/internal/observability/alerting"
	"PulseFi-Session/internal/observability/metrics"
	"PulseFi-Session/internal/route"
	"PulseFi-Session/internal/session"
	"PulseFi-Session/internal/trade"
	"PulseFi-Session/internal/venue"
)

func (s *Scheduler) dispatch(ctx context.Context, r *runner, sess *session.Session, strategy session.Strategy) error {
	switch strategy {
	case session.StrategyIdleLogOnly:
		return s.idle(ctx, r)
	case session.StrategyHighFreqScan:
		return s.highFreqScan(ctx, r)
	default:
		return s.activeRebalance(ctx, r, sess)
	}
}

func (s *Scheduler) idle(ctx context.Context, r *runner) error {
	if !r.state.takeIdleSlot(s.cfg.IdleLogLimit) {
		return nil
	}
	r.state.log("[Idle] Monitoring market...")
	return s.record(ctx, r.state.sessionID, session.Decision{
		Timestamp:      s.now().UTC(),
		Type:           session.DecisionNoOp,
		Reasoning:      []string{"Agent is in IDLE mode", "Preserving battery/credits"},
		Confidence:     1.0,
		ImpactEstimate: "None",
	})
}

func (s *Scheduler) highFreqScan(ctx context.Context, r *runner) error {
	r.state.log("[Action] High-Freq Market Scan: ETH Volatility Check.")
	return s.record(ctx, r.state.sessionID, session.Decision{
		Timestamp:      s.now().UTC(),
		Type:           session.DecisionMarketScan,
		Reasoning:      []string{"High frequency scan interval", "Aggressive monitoring"},
		Confidence:     0.60,
		ImpactEstimate: "Data gathering only",
	})
}

func (s *Scheduler) activeRebalance(ctx context.Context, r *runner, sess *session.Session) error {
	demo := r.state.isDemo()
	scanDelay, rebalanceDelay := s.cfg.ScanDelay, s.cfg.RebalanceDelay
	if demo {
		scanDelay, rebalanceDelay = s.cfg.DemoScanDelay, s.cfg.DemoRebalanceDelay
	}
	elapsed := s.now().Sub(sess.StartTime)

	if elapsed > scanDelay && r.state.markScanned() {
		r.state.log("[Action] Market Scan: %s/%s liquidity and volatility check.", s.cfg.FromSymbol, s.cfg.ToSymbol)
		if err := s.record(ctx, sess.ID, session.Decision{
			Timestamp:      s.now().UTC(),
			Type:           session.DecisionMarketScan,
			Reasoning:      []string{"Initial safety check", "Market volatility low"},
			Confidence:     0.9,
			ImpactEstimate: "Safe to proceed",
		}); err != nil {
			return err
		}
	}

	if elapsed <= rebalanceDelay || r.state.isEvaluated() || sess.HasRebalance() {
		return nil
	}
	r.tradeMu.Lock()
	defer r.tradeMu.Unlock()
	// 评估只做一次，无论结果如何，失败的交易也不会在下一个 tick 重试。
	defer r.state.markEvaluated()
	return s.evaluate(ctx, r, sess.ID, demo)
}

func (s *Scheduler) evaluate(ctx context.Context, r *runner, sessionID string, demo bool) error {
	cmp, err := s.compare(ctx, r)
	if err != nil {
		return err
	}

	if !cmp.ShouldExecute {
		return s.routeCheck(ctx, r, sessionID, cmp)
	}

	pct := cmp.PercentBetter.InexactFloat64()
	reasoning := []string{
		fmt.Sprintf("Market Scan: %s -> %s", s.cfg.FromSymbol, s.cfg.ToSymbol),
		"Venue Selection: " + cmp.Winner.Venue,
		"Advantage: " + cmp.Reason,
		"Msg: TRADE_OPPORTUNITY_FOUND",
	}
	impact := fmt.Sprintf("Target: %s. Advantage: %.4f%%", cmp.Winner.Venue, pct)
	if demo {
		reasoning = append(reasoning, "[DEMO MODE] Forcing profitable route")
		impact = "[DEMO] " + impact
	}
	return s.execute(ctx, r, sessionID, cmp, reasoning, 0.95, impact)
}

// routeCheck 记录一次未达阈值的比较：扣除一次扫描费用并追加 ROUTE_CHECK 决策。
func (s *Scheduler) routeCheck(ctx context.Context, r *runner, sessionID string, cmp route.Comparison) error {
	cost := s.cfg.ActionCost
	now := s.now().UTC()
	decision := session.Decision{
		Timestamp: now,
		Type:      session.DecisionRouteCheck,
		Reasoning: []string{
			fmt.Sprintf("Market Check: Improvement %.3f%% < Threshold", cmp.PercentBetter.InexactFloat64()),
			"No profitable route found > gas cost",
			"Msg: NO_PROFITABLE_ROUTE",
		},
		Confidence:     0.98,
		ImpactEstimate: "Gas Saved: $0.00 (No Tx)",
		Data:           trade.Figures(cmp),
	}
	action := session.ActionLog{
		ID:          uuid.NewString(),
		Type:        session.ActionMarketScan,
		Description: "Market Stable - Monitoring",
		Cost:        cost,
		Timestamp:   now,
	}

	charged := false
	updated, err := s.store.Mutate(ctx, sessionID, func(cur *session.Session) (session.Patch, error) {
		patch := session.Patch{AppendDecisions: []session.Decision{decision}}
		if cur.Status != session.StatusActive {
			return session.Patch{}, session.ErrSessionSettled
		}
		if cur.RemainingBalance.GreaterThanOrEqual(cost) {
			remaining := cur.RemainingBalance.Sub(cost)
			patch.RemainingBalance = &remaining
			patch.AppendActions = []session.ActionLog{action}
			charged = true
		}
		return patch, nil
	})
	if err != nil {
		if session.IsSettled(err) {
			return nil
		}
		return err
	}

	metrics.IncDecision(string(session.DecisionRouteCheck))
	events.Emit(ctx, s.publisher, events.KindDecisionRecorded, sessionID, map[string]string{
		"type":   string(session.DecisionRouteCheck),
		"winner": cmp.Winner.Venue,
		"reason": cmp.Reason,
	})
	if charged {
		r.state.addCost(cost)
		events.Emit(ctx, s.publisher, events.KindActionRecorded, sessionID, map[string]string{
			"action_id": action.ID,
			"type":      string(action.Type),
			"cost":      cost.String(),
		})
		r.state.log("[Action] %s. Cost: %s USDC. New Balance: %s", action.Description, cost.StringFixed(2), updated.RemainingBalance.StringFixed(2))
	} else {
		r.state.log("[Check] No profitable route. %s", cmp.Reason)
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, r *runner, sessionID string, cmp route.Comparison, reasoning []string, confidence float64, impact string) error {
	cost := s.cfg.ActionCost
	res, err := s.trader.Execute(ctx, trade.Request{
		SessionID:  sessionID,
		Comparison: cmp,
		Cost:       cost,
		AmountIn:   s.cfg.TradeAmount,
		FromToken:  s.cfg.FromToken,
		ToToken:    s.cfg.ToToken,
		Reasoning:  reasoning,
		Confidence: confidence,
		Impact:     impact,
	})
	switch res.Status {
	case trade.StatusExecuted:
		r.state.recordTrade(cost)
		balance := "?"
		if res.Session != nil {
			balance = res.Session.RemainingBalance.StringFixed(2)
		}
		r.state.log("[Action] Arb Found: %s via %s. Cost: %s USDC. New Balance: %s. Tx: %s",
			cmp.Reason, res.Venue, cost.StringFixed(2), balance, res.TxHash)
		return nil
	case trade.StatusSkipped:
		r.state.log("[Safety] Trade skipped: %s", res.Reason)
		return s.record(ctx, sessionID, session.Decision{
			Timestamp:      s.now().UTC(),
			Type:           session.DecisionRouteCheck,
			Reasoning:      []string{"Safety check blocked execution", res.Reason},
			Confidence:     1.0,
			ImpactEstimate: "No Tx",
			Data:           trade.Figures(cmp),
		})
	default:
		if err == nil {
			err = xerrors.New(trade.CodeTradeFailed, res.Reason)
		}
		return err
	}
}

// compare 并发获取各交易场所的报价并交给比较器。不可用的报价视为出局，而不是错误。
func (s *Scheduler) compare(ctx context.Context, r *runner) (route.Comparison, error) {
	quotes := s.fetchQuotes(ctx, r)
	if len(quotes) == 0 {
		return route.Comparison{}, xerrors.New(xerrors.CodeInitializationFailure, "no quoters configured")
	}
	if len(quotes) == 2 {
		return route.Compare(quotes[0], quotes[1], s.cfg.RoutePolicy, false), nil
	}
	cmp, _ := route.Best(quotes, s.cfg.RoutePolicy, false)
	return cmp, nil
}

func (s *Scheduler) fetchQuotes(ctx context.Context, r *runner) []route.VenueQuote {
	quotes := make([]route.VenueQuote, len(s.quoters))
	req := venue.QuoteRequest{
		ChainID:   s.cfg.ChainID,
		FromToken: s.cfg.FromToken,
		ToToken:   s.cfg.ToToken,
		Amount:    s.cfg.TradeAmount,
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range s.quoters {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, s.cfg.QuoteTimeout)
			defer cancel()
			quote, err := q.Quote(qctx, req)
			if err != nil {
				metrics.IncQuoteFailure(q.Name())
				r.state.log("[Quote] %s unavailable: %v", q.Name(), err)
				s.logger.Warn("获取报价失败",
					slog.String("session_id", r.state.sessionID),
					slog.String("venue", q.Name()),
					slog.Any("error", err))
				quotes[i] = route.Unavailable(q.Name())
				return nil
			}
			quotes[i] = route.VenueQuote{
				Venue:          quote.Venue,
				RouteID:        quote.RouteID,
				Out:            quote.AmountOut,
				Cost:           quote.GasUSD,
				PriceImpactPct: quote.PriceImpactPct,
				Available:      true,
			}
			return nil
		})
	}
	_ = g.Wait()
	return quotes
}

var (
	forcedAdvantage = decimal.RequireFromString("0.5")
	forcedOut       = decimal.RequireFromString("0.000450")
	forcedGas       = decimal.RequireFromString("0.45")
	forcedOtherGas  = decimal.RequireFromString("0.65")
	forcedImpact    = decimal.RequireFromString("0.01")
)

// ForceTrade 跳过时间门槛与比较器阈值，直接尝试一次手动交易。执行器的安全检查仍然生效。
func (s *Scheduler) ForceTrade(ctx context.Context, sessionID string) (trade.Result, error) {
	r := s.runner(sessionID)
	if r == nil {
		return trade.Result{}, xerrors.New(CodeAgentNotRunning, "agent not running",
			xerrors.WithMetadata("session_id", sessionID))
	}

	r.tradeMu.Lock()
	defer r.tradeMu.Unlock()

	// 等锁期间 Agent 可能已被停止或替换，此时不能再扣减余额。
	if s.runner(sessionID) != r {
		return trade.Result{}, xerrors.New(CodeAgentNotRunning, "agent not running",
			xerrors.WithMetadata("session_id", sessionID))
	}
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return trade.Result{}, err
	}
	if sess.Status != session.StatusActive {
		return trade.Result{}, session.ErrSessionSettled
	}

	preferred := s.cfg.RoutePolicy.PreferredVenue
	other := venue.LiFi
	if preferred == venue.LiFi {
		other = venue.Uniswap
	}
	cmp := route.Comparison{
		Winner: route.VenueQuote{
			Venue:          preferred,
			RouteID:        "demo-force-swap",
			Out:            forcedOut,
			Cost:           forcedGas,
			PriceImpactPct: forcedImpact,
			Available:      true,
		},
		Other:         route.VenueQuote{Venue: other, Out: decimal.Zero, Cost: forcedOtherGas, Available: true},
		PercentBetter: forcedAdvantage,
		Reason:        "+0.5% forced by User",
		ShouldExecute: true,
	}
	reasoning := []string{
		"Manual Force Triggered",
		"Venue Selection: " + preferred,
		"Advantage: +0.5% forced by User",
		"Msg: MANUAL_DEMO_EXECUTION",
	}
	impact := fmt.Sprintf("[DEMO] Target: %s. Advantage: %.4f%%", preferred, forcedAdvantage.InexactFloat64())

	res, err := s.trader.Execute(ctx, trade.Request{
		SessionID:  sessionID,
		Comparison: cmp,
		Cost:       s.cfg.ActionCost,
		AmountIn:   s.cfg.TradeAmount,
		FromToken:  s.cfg.FromToken,
		ToToken:    s.cfg.ToToken,
		Reasoning:  reasoning,
		Confidence: 1.0,
		Impact:     impact,
	})
	switch {
	case err != nil:
		r.state.fail(err)
		alerting.Notify(ctx, s.alerts, "agent", sessionID, err)
		return res, err
	case res.Status == trade.StatusExecuted:
		r.state.recordTrade(s.cfg.ActionCost)
		r.state.log("[Manual] Forced Demo Trade Executed via %s. Tx: %s", res.Venue, res.TxHash)
	default:
		r.state.log("[Manual] Forced trade skipped: %s", res.Reason)
	}
	r.state.markEvaluated()
	return res, nil
}
