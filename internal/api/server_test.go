package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"PulseFi-Session/internal/agent"
	"PulseFi-Session/internal/route"
	"PulseFi-Session/internal/session"
	"PulseFi-Session/internal/trade"
	"PulseFi-Session/internal/venue"
	"PulseFi-Session/internal/web3"
)

const owner = "0x00000000000000000000000000000000000000aa"

type fixture struct {
	handler http.Handler
	sched   *agent.Scheduler
	ledger  *web3.MemoryLedger
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := session.NewMemoryStore()
	ledger := web3.NewMemoryLedger()
	signer := web3.NewMemorySigner(common.HexToAddress("0x0b"), 0)

	cfg := agent.DefaultConfig()
	cfg.Interval = time.Hour
	cfg.RoutePolicy = route.DefaultPolicy(venue.Uniswap)
	quoters := []venue.Quoter{
		&venue.StaticQuoter{VenueName: venue.LiFi, Rate: decimal.RequireFromString("0.0003"), GasUSD: decimal.RequireFromString("0.65")},
		&venue.StaticQuoter{VenueName: venue.Uniswap, Rate: decimal.RequireFromString("0.0003"), GasUSD: decimal.RequireFromString("0.45")},
	}
	sched := agent.NewScheduler(store, quoters, trade.NewExecutor(store, signer), cfg)
	t.Cleanup(sched.StopAll)

	svc := session.NewService(store, ledger, session.WithAgentStopper(sched))
	opts = append([]Option{WithEscrowAddress("0x66B72352B6C3F71320F24683f3ee91e84C23667c")}, opts...)
	return &fixture{
		handler: NewServer(":0", svc, sched, opts...).Handler(),
		sched:   sched,
		ledger:  ledger,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func (f *fixture) startSession(t *testing.T) string {
	t.Helper()
	rec, body := f.do(t, http.MethodPost, "/start-session", map[string]any{"walletAddress": owner, "strategy": "IDLE_LOG_ONLY"})
	if rec.Code != http.StatusOK {
		t.Fatalf("start session: status %d body %s", rec.Code, rec.Body.String())
	}
	id, _ := body["sessionId"].(string)
	if id == "" {
		t.Fatalf("missing sessionId: %v", body)
	}
	return id
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	id := f.startSession(t)

	rec, body := f.do(t, http.MethodGet, "/session/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session: status %d", rec.Code)
	}
	if body["status"] != "ACTIVE" || body["remaining_balance"] != "25" {
		t.Fatalf("unexpected session view: %v", body)
	}
	if _, leaked := body["session_key"]; leaked {
		t.Fatal("session key must not be exposed")
	}

	rec, body = f.do(t, http.MethodPost, "/action", map[string]any{"sessionId": id, "actionCost": "0.5"})
	if rec.Code != http.StatusOK {
		t.Fatalf("action: status %d body %s", rec.Code, rec.Body.String())
	}
	if body["remainingBalance"] != "24.5" {
		t.Fatalf("unexpected remaining balance: %v", body["remainingBalance"])
	}

	rec, body = f.do(t, http.MethodPost, "/end-session", map[string]any{"sessionId": id})
	if rec.Code != http.StatusOK {
		t.Fatalf("end session: status %d body %s", rec.Code, rec.Body.String())
	}
	if body["finalBalance"] != "24.5" || body["settlementTxHash"] == "" {
		t.Fatalf("unexpected settlement: %v", body)
	}

	rec, body = f.do(t, http.MethodPost, "/end-session", map[string]any{"sessionId": id})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second settle: expected %d, got %d", http.StatusConflict, rec.Code)
	}
	if body["code"] != string(session.CodeSessionSettled) {
		t.Fatalf("unexpected error code: %v", body["code"])
	}
}

func TestStartSessionValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{name: "missing wallet", body: map[string]any{}, status: http.StatusBadRequest},
		{name: "bad wallet", body: map[string]any{"walletAddress": "0x123"}, status: http.StatusBadRequest},
		{name: "negative amount", body: map[string]any{"walletAddress": owner, "amount": "-1"}, status: http.StatusBadRequest},
		{name: "explicit zero amount", body: map[string]any{"walletAddress": owner, "amount": 0}, status: http.StatusBadRequest, code: "INVALID_AMOUNT"},
		{name: "unknown strategy", body: map[string]any{"walletAddress": owner, "strategy": "YOLO"}, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := f.do(t, http.MethodPost, "/start-session", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
			if tc.code != "" && body["code"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["code"])
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/start-session", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", rec.Code)
	}
}

func TestInsufficientAllowanceIsBadRequest(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetAllowance(common.HexToAddress(owner), decimal.NewFromInt(5))

	rec, body := f.do(t, http.MethodPost, "/start-session", map[string]any{"walletAddress": owner, "amount": 10})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body["code"] != string(session.CodeInsufficientAllowance) {
		t.Fatalf("unexpected code %v", body["code"])
	}
}

func TestSessionNotFound(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/session/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec, _ = f.do(t, http.MethodPost, "/action", map[string]any{"sessionId": "missing", "actionCost": 1})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec, _ = f.do(t, http.MethodPost, "/end-session", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing id, got %d", rec.Code)
	}
}

func TestAgentEndpoints(t *testing.T) {
	f := newFixture(t)
	id := f.startSession(t)

	rec, _ := f.do(t, http.MethodGet, "/agent/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("agent before start: expected 404, got %d", rec.Code)
	}
	rec, _ = f.do(t, http.MethodPost, "/agent/"+id+"/force-trade", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("force trade without agent: expected 409, got %d", rec.Code)
	}

	rec, body := f.do(t, http.MethodPost, "/start-agent", map[string]any{"sessionId": id, "strategy": "IDLE_LOG_ONLY"})
	if rec.Code != http.StatusOK {
		t.Fatalf("start agent: status %d body %s", rec.Code, rec.Body.String())
	}
	state, _ := body["agentState"].(map[string]any)
	if state["is_running"] != true || state["strategy"] != "IDLE_LOG_ONLY" {
		t.Fatalf("unexpected agent state: %v", body)
	}

	rec, body = f.do(t, http.MethodPost, "/agent/"+id+"/force-trade", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("force trade: status %d body %s", rec.Code, rec.Body.String())
	}
	if body["status"] != string(trade.StatusExecuted) || body["venue"] != venue.Uniswap {
		t.Fatalf("unexpected force trade result: %v", body)
	}

	req := httptest.NewRequest(http.MethodGet, "/agent/"+id+"/decisions?limit=1", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	var decisions []session.Decision
	if err := json.Unmarshal(rr.Body.Bytes(), &decisions); err != nil {
		t.Fatalf("decode decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Type != session.DecisionExecution {
		t.Fatalf("expected latest EXECUTION decision, got %+v", decisions)
	}

	rec, body = f.do(t, http.MethodPost, "/stop-agent", map[string]any{"sessionId": id})
	if rec.Code != http.StatusOK || body["stopped"] != true {
		t.Fatalf("stop agent: %d %v", rec.Code, body)
	}
	rec, body = f.do(t, http.MethodGet, "/agent/"+id, nil)
	if rec.Code != http.StatusOK || body["is_running"] != false {
		t.Fatalf("status after stop: %d %v", rec.Code, body)
	}
	if f.sched.Running() != 0 {
		t.Fatalf("expected no running agents, got %d", f.sched.Running())
	}
}

func TestStartAgentRejectsSettledSession(t *testing.T) {
	f := newFixture(t)
	id := f.startSession(t)
	if rec, _ := f.do(t, http.MethodPost, "/end-session", map[string]any{"sessionId": id}); rec.Code != http.StatusOK {
		t.Fatalf("end session: %d", rec.Code)
	}
	rec, body := f.do(t, http.MethodPost, "/start-agent", map[string]any{"sessionId": id})
	if rec.Code != http.StatusConflict || body["code"] != string(agent.CodeAgentStartRejected) {
		t.Fatalf("expected rejected start, got %d %v", rec.Code, body)
	}
}

func TestEscrowAddressAndHealth(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/escrow-address", nil)
	if rec.Code != http.StatusOK || body["address"] != "0x66B72352B6C3F71320F24683f3ee91e84C23667c" {
		t.Fatalf("escrow address: %d %v", rec.Code, body)
	}
	rec, body = f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", rec.Code, body)
	}

	degraded := newFixture(t, WithChainProbe(func(context.Context) (web3.ChainSnapshot, error) {
		return web3.ChainSnapshot{}, errors.New("rpc down")
	}))
	rec, body = degraded.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("degraded health: %d %v", rec.Code, body)
	}
}

func TestMetricsEndpointRecordsRoutes(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/session/unknown", nil)

	rec, _ := f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/session/{sessionID}") {
		t.Fatalf("expected route pattern in metrics output:\n%s", rec.Body.String())
	}
}
