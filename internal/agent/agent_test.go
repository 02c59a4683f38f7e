package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "PulseFi-Session/internal/errors"
	"PulseFi-Session/internal/route"
	"PulseFi-Session/internal/session"
	"PulseFi-Session/internal/trade"
	"PulseFi-Session/internal/venue"
	"PulseFi-Session/internal/web3"
)

type stubSigner struct {
	calls atomic.Int32
	err   error
}

func (s *stubSigner) Address() common.Address { return common.HexToAddress("0x0b") }

func (s *stubSigner) SendTransaction(context.Context, web3.TradeIntent) (web3.TxReceipt, error) {
	s.calls.Add(1)
	if s.err != nil {
		return web3.TxReceipt{}, s.err
	}
	return web3.TxReceipt{Hash: "0xfeed", SubmittedAt: time.Now()}, nil
}

// gatedSigner blocks inside SendTransaction until release is closed.
type gatedSigner struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSigner) Address() common.Address { return common.HexToAddress("0x0b") }

func (g *gatedSigner) SendTransaction(context.Context, web3.TradeIntent) (web3.TxReceipt, error) {
	close(g.entered)
	<-g.release
	return web3.TxReceipt{Hash: "0xbeef", SubmittedAt: time.Now()}, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.DemoInterval = 10 * time.Millisecond
	cfg.ScanDelay = 20 * time.Millisecond
	cfg.DemoScanDelay = 20 * time.Millisecond
	cfg.RebalanceDelay = 50 * time.Millisecond
	cfg.DemoRebalanceDelay = 50 * time.Millisecond
	cfg.QuoteTimeout = 200 * time.Millisecond
	cfg.RoutePolicy = route.DefaultPolicy(venue.Uniswap)
	return cfg
}

func profitableQuoters() []venue.Quoter {
	return []venue.Quoter{
		&venue.StaticQuoter{VenueName: venue.LiFi, Rate: d("0.000302"), GasUSD: d("0.65"), PriceImpactPct: d("0.2")},
		&venue.StaticQuoter{VenueName: venue.Uniswap, Rate: d("0.0003"), GasUSD: d("0.45"), PriceImpactPct: d("0.1")},
	}
}

func flatQuoters() []venue.Quoter {
	return []venue.Quoter{
		&venue.StaticQuoter{VenueName: venue.LiFi, Rate: d("0.00030006"), GasUSD: d("0.65")},
		&venue.StaticQuoter{VenueName: venue.Uniswap, Rate: d("0.0003"), GasUSD: d("0.45")},
	}
}

type harness struct {
	sched  *Scheduler
	store  *session.MemoryStore
	signer *stubSigner
}

func newHarness(t *testing.T, quoters []venue.Quoter) *harness {
	t.Helper()
	store := session.NewMemoryStore()
	signer := &stubSigner{}
	sched := NewScheduler(store, quoters, trade.NewExecutor(store, signer), testConfig())
	t.Cleanup(sched.StopAll)
	return &harness{sched: sched, store: store, signer: signer}
}

func (h *harness) seed(t *testing.T, id string, strategy session.Strategy) {
	t.Helper()
	require.NoError(t, h.store.Create(context.Background(), &session.Session{
		ID:               id,
		Owner:            "0x00000000000000000000000000000000000000aa",
		Strategy:         strategy,
		Status:           session.StatusActive,
		StartTime:        time.Now(),
		InitialBalance:   d("25"),
		RemainingBalance: d("25"),
		EscrowBalance:    d("25"),
	}))
}

func (h *harness) get(t *testing.T, id string) *session.Session {
	t.Helper()
	s, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func countDecisions(s *session.Session, kind session.DecisionType) int {
	n := 0
	for _, dec := range s.Decisions {
		if dec.Type == kind {
			n++
		}
	}
	return n
}

func countActions(s *session.Session, kind session.ActionType) int {
	n := 0
	for _, a := range s.ActionHistory {
		if a.Type == kind {
			n++
		}
	}
	return n
}

func TestStartRejectsUnknownAndSettledSessions(t *testing.T) {
	h := newHarness(t, profitableQuoters())

	_, err := h.sched.Start(context.Background(), StartRequest{SessionID: "missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAgentStartRejected))

	h.seed(t, "s1", session.StrategyActiveRebalance)
	settled := session.StatusSettled
	_, err = h.store.Update(context.Background(), "s1", session.Patch{Status: &settled})
	require.NoError(t, err)

	_, err = h.sched.Start(context.Background(), StartRequest{SessionID: "s1"})
	require.Error(t, err)
	assert.Equal(t, CodeAgentStartRejected, xerrors.CodeOf(err))

	_, ok := h.sched.Status("s1")
	assert.False(t, ok)
	assert.Zero(t, h.sched.Running())
}

func TestActiveRebalanceScansOnceAndTradesOnce(t *testing.T) {
	h := newHarness(t, profitableQuoters())
	h.seed(t, "s1", session.StrategyActiveRebalance)

	view, err := h.sched.Start(context.Background(), StartRequest{SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, view.Running)
	assert.Equal(t, session.StrategyActiveRebalance, view.Strategy)

	require.Eventually(t, func() bool {
		return h.get(t, "s1").HasRebalance()
	}, 2*time.Second, 10*time.Millisecond)

	// 再等若干 tick，确认不会出现第二笔交易。
	time.Sleep(100 * time.Millisecond)
	s := h.get(t, "s1")
	assert.Equal(t, 1, countActions(s, session.ActionRebalance))
	assert.Equal(t, 1, s.ActionsExecuted)
	assert.Equal(t, len(s.ActionHistory), s.ActionsExecuted)
	assert.True(t, s.RemainingBalance.Equal(d("24.9")), "remaining %s", s.RemainingBalance)
	assert.Equal(t, 1, countDecisions(s, session.DecisionMarketScan))
	assert.Equal(t, 1, countDecisions(s, session.DecisionExecution))
	assert.EqualValues(t, 1, h.signer.calls.Load())

	var exec session.Decision
	for _, dec := range s.Decisions {
		if dec.Type == session.DecisionExecution {
			exec = dec
		}
	}
	assert.Equal(t, 0.95, exec.Confidence)
	assert.Contains(t, exec.Reasoning, "Venue Selection: LiFi")
	assert.Contains(t, exec.Reasoning, "Msg: TRADE_OPPORTUNITY_FOUND")
	assert.Contains(t, exec.Data, venue.LiFi)
	assert.Contains(t, exec.Data, venue.Uniswap)

	status, ok := h.sched.Status("s1")
	require.True(t, ok)
	assert.Equal(t, 1, status.TradeCount)
	assert.True(t, status.TotalCost.Equal(d("0.1")))
}

func TestActiveRebalanceRecordsRouteCheckWithoutEdge(t *testing.T) {
	h := newHarness(t, flatQuoters())
	h.seed(t, "s1", session.StrategyActiveRebalance)

	_, err := h.sched.Start(context.Background(), StartRequest{SessionID: "s1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return countDecisions(h.get(t, "s1"), session.DecisionRouteCheck) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	s := h.get(t, "s1")
	assert.False(t, s.HasRebalance())
	assert.Equal(t, 1, countDecisions(s, session.DecisionRouteCheck))
	assert.Zero(t, h.signer.calls.Load())

	var check session.Decision
	for _, dec := range s.Decisions {
		if dec.Type == session.DecisionRouteCheck {
			check = dec
		}
	}
	assert.Equal(t, 0.98, check.Confidence)
	assert.Contains(t, check.Reasoning, "Msg: NO_PROFITABLE_ROUTE")
	assert.Equal(t, 1, countActions(s, session.ActionMarketScan))
	assert.True(t, s.RemainingBalance.Equal(d("24.9")))
}

func TestUnavailableQuotesNeverTrade(t *testing.T) {
	h := newHarness(t, []venue.Quoter{
		&venue.StaticQuoter{VenueName: venue.LiFi, Unavailable: true},
		&venue.StaticQuoter{VenueName: venue.Uniswap, Unavailable: true},
	})
	h.seed(t, "s1", session.StrategyActiveRebalance)

	_, err := h.sched.Start(context.Background(), StartRequest{SessionID: "s1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return countDecisions(h.get(t, "s1"), session.DecisionRouteCheck) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.signer.calls.Load())

	dec := h.get(t, "s1").Decisions
	last := dec[len(dec)-1]
	assert.Equal(t, session.VenueFigures{Out: "0", Gas: "N/A"}, last.Data[venue.LiFi])
}

func TestFailedTradeIsNotRetried(t *testing.T) {
	h := newHarness(t, profitableQuoters())
	h.signer.err = errors.New("nonce too low")
	h.seed(t, "s1", session.StrategyActiveRebalance)

	_, err := h.sched.Start(context.Background(), StartRequest{SessionID: "s1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.signer.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.EqualValues(t, 1, h.signer.calls.Load())
	s := h.get(t, "s1")
	assert.False(t, s.HasRebalance())
	assert.True(t, s.RemainingBalance.Equal(d("25")))

	status, ok := h.sched.Status("s1")
	require.True(t, ok)
	assert.True(t, status.Running)
	assert.Contains(t, status.LastError, "nonce too low")
}

func TestHighFreqScanAppendsEveryTick(t *testing.T) {
	h := newHarness(t, profitableQuoters())
	h.seed(t, "s1", session.StrategyHighFreqScan)

	_, err := h.sched.Start(context.Background(), StartRequest{SessionID: "s1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return countDecisions(h.get(t, "s1"), session.DecisionMarketScan) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	s := h.get(t, "s1")
	assert.Equal(t, 0.60, s.Decisions[0].Confidence)
	assert.Equal(t, "Data gathering only", s.Decisions[0].ImpactEstimate)
	assert.Zero(t, h.signer.calls.Load())
}

func TestIdleLogsAreBounded(t *testing.T) {
	h := newHarness(t, profitableQuoters())
	h.seed(t, "s1", session.StrategyIdleLogOnly)

	_, err := h.sched.Start(context.Background(), StartRequest{SessionID: "s1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return countDecisions(h.get(t, "s1"), session.DecisionNoOp) == 5
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	s := h.get(t, "s1")
	assert.Len(t, s.Decisions, 5)
	assert.Empty(t, s.ActionHistory)
	assert.Zero(t, h.signer.calls.Load())
}

func TestStopIsIdempotentAndHaltsTicks(t *testing.T) {
	h := newHarness(t, profitableQuoters())
	h.seed(t, "s1", session.StrategyHighFreqScan)

	assert.False(t, h.sched.Stop("s1"))

	_, err := h.sched.Start(context.Background(), StartRequest{SessionID: "s1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(h.get(t, "s1").Decisions) > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, h.sched.Stop("s1"))
	assert.False(t, h.sched.Stop("s1"))

	before := len(h.get(t, "s1").Decisions)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, before, len(h.get(t, "s1").Decisions))

	status, ok := h.sched.Status("s1")
	require.True(t, ok)
	assert.False(t, status.Running)
	assert.Equal(t, "Agent stopped.", status.Logs[len(status.Logs)-1])
	assert.Zero(t, h.sched.Running())
}

func TestAgentStopsItselfAfterSettlement(t *testing.T) {
	h := newHarness(t, profitableQuoters())
	h.seed(t, "s1", session.StrategyHighFreqScan)

	_, err := h.sched.Start(context.Background(), StartRequest{SessionID: "s1"})
	require.NoError(t, err)

	settled := session.StatusSettled
	_, err = h.store.Update(context.Background(), "s1", session.Patch{Status: &settled})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := h.sched.Status("s1")
		return ok && !status.Running
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.sched.Running())
}

func TestStartReplacesRunningLoop(t *testing.T) {
	h := newHarness(t, profitableQuoters())
	h.seed(t, "s1", session.StrategyIdleLogOnly)

	first, err := h.sched.Start(context.Background(), StartRequest{SessionID: "s1"})
	require.NoError(t, err)
	second, err := h.sched.Start(context.Background(), StartRequest{SessionID: "s1", Demo: true})
	require.NoError(t, err)

	assert.Equal(t, 1, h.sched.Running())
	assert.False(t, first.Demo)
	assert.True(t, second.Demo)
	assert.Equal(t, "[DEMO MODE] Agent started. Fast-polling active.", second.Logs[0])
}

func TestForceTrade(t *testing.T) {
	h := newHarness(t, flatQuoters())
	h.seed(t, "s1", session.StrategyIdleLogOnly)

	_, err := h.sched.ForceTrade(context.Background(), "s1")
	require.Error(t, err)
	assert.Equal(t, CodeAgentNotRunning, xerrors.CodeOf(err))

	_, err = h.sched.Start(context.Background(), StartRequest{SessionID: "s1"})
	require.NoError(t, err)

	res, err := h.sched.ForceTrade(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExecuted, res.Status)
	assert.Equal(t, venue.Uniswap, res.Venue)

	res, err = h.sched.ForceTrade(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, trade.StatusSkipped, res.Status)
	assert.EqualValues(t, 1, h.signer.calls.Load())

	s := h.get(t, "s1")
	assert.Equal(t, 1, countActions(s, session.ActionRebalance))
	exec := s.Decisions[len(s.Decisions)-1]
	for _, dec := range s.Decisions {
		if dec.Type == session.DecisionExecution {
			exec = dec
		}
	}
	assert.Equal(t, "Manual Force Triggered", exec.Reasoning[0])
	assert.Equal(t, 1.0, exec.Confidence)
}

func TestForceTradeRespectsBalanceBuffer(t *testing.T) {
	h := newHarness(t, flatQuoters())
	require.NoError(t, h.store.Create(context.Background(), &session.Session{
		ID:               "low",
		Owner:            "0x00000000000000000000000000000000000000aa",
		Strategy:         session.StrategyIdleLogOnly,
		Status:           session.StatusActive,
		StartTime:        time.Now(),
		InitialBalance:   d("0.5"),
		RemainingBalance: d("0.5"),
	}))
	_, err := h.sched.Start(context.Background(), StartRequest{SessionID: "low"})
	require.NoError(t, err)

	res, err := h.sched.ForceTrade(context.Background(), "low")
	require.NoError(t, err)
	assert.Equal(t, trade.StatusSkipped, res.Status)
	assert.Zero(t, h.signer.calls.Load())
	assert.True(t, h.get(t, "low").RemainingBalance.Equal(d("0.5")))
}

func TestStopWaitsForInFlightForceTrade(t *testing.T) {
	store := session.NewMemoryStore()
	signer := &gatedSigner{entered: make(chan struct{}), release: make(chan struct{})}
	sched := NewScheduler(store, flatQuoters(), trade.NewExecutor(store, signer), testConfig())
	t.Cleanup(sched.StopAll)
	h := &harness{sched: sched, store: store}
	h.seed(t, "s1", session.StrategyIdleLogOnly)

	_, err := sched.Start(context.Background(), StartRequest{SessionID: "s1", Interval: time.Hour})
	require.NoError(t, err)

	forced := make(chan error, 1)
	go func() {
		_, err := sched.ForceTrade(context.Background(), "s1")
		forced <- err
	}()
	select {
	case <-signer.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("force trade never reached the signer")
	}

	stopped := make(chan bool, 1)
	go func() { stopped <- sched.Stop("s1") }()
	select {
	case <-stopped:
		t.Fatal("stop returned while a trade was still being signed")
	case <-time.After(50 * time.Millisecond):
	}

	close(signer.release)
	select {
	case ok := <-stopped:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the trade finished")
	}
	require.NoError(t, <-forced)

	s := h.get(t, "s1")
	assert.Equal(t, 1, countActions(s, session.ActionRebalance))
	assert.True(t, s.RemainingBalance.LessThan(d("25")))

	_, err = sched.ForceTrade(context.Background(), "s1")
	require.Error(t, err)
	assert.Equal(t, CodeAgentNotRunning, xerrors.CodeOf(err))
}
