package pulsefi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestStartSessionSendsWallet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/start-session" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["walletAddress"] != "0xabc" || body["amount"] != "25" {
			t.Errorf("unexpected body: %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessionId":"s1","startTimestamp":1700000000000,"lockedAmount":"25"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	started, err := client.StartSession(context.Background(), StartSessionRequest{
		WalletAddress: "0xabc",
		Amount:        decimal.NewFromInt(25),
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if started.SessionID != "s1" || !started.LockedAmount.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("unexpected response: %+v", started)
	}
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"session already settled","code":"SESSION_ALREADY_SETTLED"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.EndSession(context.Background(), "s1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "SESSION_ALREADY_SETTLED" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestDecisionsAndAgentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/agent/s1/decisions":
			if r.URL.Query().Get("limit") != "2" {
				t.Errorf("unexpected limit %q", r.URL.Query().Get("limit"))
			}
			_, _ = w.Write([]byte(`[{"decision_type":"ROUTE_CHECK","confidence":0.98,"data":{"Uniswap":{"out":"0.003","gas":"0.45"}}}]`))
		case "/agent/s1":
			_, _ = w.Write([]byte(`{"session_id":"s1","is_running":true,"strategy":"ACTIVE_REBALANCE","total_cost":"0.1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	decisions, err := client.Decisions(context.Background(), "s1", 2)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Data["Uniswap"].Gas != "0.45" {
		t.Fatalf("unexpected decisions: %+v", decisions)
	}

	state, err := client.AgentStatus(context.Background(), "s1")
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if !state.Running || !state.TotalCost.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("unexpected state: %+v", state)
	}

	if _, err := client.AgentStatus(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}
