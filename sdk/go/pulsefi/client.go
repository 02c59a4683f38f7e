// Package pulsefi is a Go client for the PulseFi session daemon REST API.
package pulsefi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the PulseFi REST API.
type Client struct {
	http *resty.Client
}

// StartSessionRequest opens a new escrow session.
type StartSessionRequest struct {
	WalletAddress string          `json:"walletAddress"`
	Amount        decimal.Decimal `json:"amount"`
	Strategy      string          `json:"strategy,omitempty"`
}

// SessionStarted is returned by StartSession.
type SessionStarted struct {
	SessionID      string          `json:"sessionId"`
	StartTimestamp int64           `json:"startTimestamp"`
	CreationRef    string          `json:"creationRef"`
	LockedAmount   decimal.Decimal `json:"lockedAmount"`
	Message        string          `json:"message"`
}

// Settlement is returned by EndSession.
type Settlement struct {
	SettlementTxHash string          `json:"settlementTxHash"`
	FinalBalance     decimal.Decimal `json:"finalBalance"`
	ActionsExecuted  int             `json:"actionsExecuted"`
	GasSpentUSD      decimal.Decimal `json:"gasSpentUsd"`
	GasSavedUSD      decimal.Decimal `json:"gasSavedUsd"`
}

// Action is one executed action in a session's history.
type Action struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Cost        decimal.Decimal `json:"cost"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Session is the public view of a session.
type Session struct {
	ID               string          `json:"session_id"`
	Owner            string          `json:"owner"`
	Strategy         string          `json:"strategy"`
	Status           string          `json:"status"`
	StartTime        time.Time       `json:"start_time"`
	InitialBalance   decimal.Decimal `json:"initial_balance"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	EscrowBalance    decimal.Decimal `json:"escrow_balance"`
	ActionsExecuted  int             `json:"actions_executed"`
	ActionHistory    []Action        `json:"action_history"`
	DecisionCount    int             `json:"decision_count"`
	SettlementTxHash string          `json:"settlement_tx_hash,omitempty"`
	SettledAt        *time.Time      `json:"settled_at,omitempty"`
}

// ActionResult is returned by ExecuteAction.
type ActionResult struct {
	Success          bool            `json:"success"`
	ActionID         string          `json:"actionId"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	ActionsExecuted  int             `json:"actionsExecuted"`
	LedgerRef        string          `json:"ledgerRef"`
}

// StartAgentRequest starts the background agent of a session.
type StartAgentRequest struct {
	SessionID  string `json:"sessionId"`
	IntervalMs int64  `json:"checkIntervalMs,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	Demo       bool   `json:"isDemo,omitempty"`
}

// AgentState is the runtime view of an agent.
type AgentState struct {
	SessionID  string          `json:"session_id"`
	Running    bool            `json:"is_running"`
	Strategy   string          `json:"strategy"`
	Demo       bool            `json:"is_demo"`
	Interval   string          `json:"interval"`
	TradeCount int             `json:"trade_count"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	Logs       []string        `json:"logs"`
	LastError  string          `json:"last_error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	StoppedAt  *time.Time      `json:"stopped_at,omitempty"`
}

// VenueFigures are the output and gas figures of one venue in a comparison.
type VenueFigures struct {
	Out string `json:"out"`
	Gas string `json:"gas"`
}

// Decision is one audited agent decision.
type Decision struct {
	Timestamp      time.Time               `json:"timestamp"`
	Type           string                  `json:"decision_type"`
	Reasoning      []string                `json:"reasoning"`
	Confidence     float64                 `json:"confidence"`
	ImpactEstimate string                  `json:"impact_estimate"`
	Data           map[string]VenueFigures `json:"data,omitempty"`
}

// TradeResult is returned by ForceTrade.
type TradeResult struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	TxHash string `json:"txHash"`
	Venue  string `json:"venue"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("pulsefi api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pulsefi api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the PulseFi API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	var client *resty.Client
	if httpClient != nil {
		client = resty.NewWithClient(httpClient)
	} else {
		client = resty.New().SetTimeout(DefaultHTTPTimeout)
	}
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetHeader("Accept", "application/json")
	return &Client{http: client}
}

// StartSession locks funds and opens a session.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) (SessionStarted, error) {
	var out SessionStarted
	return out, c.post(ctx, "/start-session", req, &out)
}

// EndSession settles a session.
func (c *Client) EndSession(ctx context.Context, sessionID string) (Settlement, error) {
	var out Settlement
	return out, c.post(ctx, "/end-session", map[string]string{"sessionId": sessionID}, &out)
}

// GetSession fetches a session. refresh re-reads the escrow balance from the ledger.
func (c *Client) GetSession(ctx context.Context, sessionID string, refresh bool) (Session, error) {
	var out Session
	endpoint := "/session/" + url.PathEscape(sessionID)
	if refresh {
		endpoint += "?refresh=true"
	}
	return out, c.get(ctx, endpoint, &out)
}

// ExecuteAction spends cost from the session as a metered action.
func (c *Client) ExecuteAction(ctx context.Context, sessionID string, cost decimal.Decimal) (ActionResult, error) {
	var out ActionResult
	return out, c.post(ctx, "/action", map[string]any{"sessionId": sessionID, "actionCost": cost}, &out)
}

// StartAgent starts or restarts the session's background agent.
func (c *Client) StartAgent(ctx context.Context, req StartAgentRequest) (AgentState, error) {
	var out struct {
		AgentState AgentState `json:"agentState"`
	}
	err := c.post(ctx, "/start-agent", req, &out)
	return out.AgentState, err
}

// StopAgent stops the session's agent and reports whether one was running.
func (c *Client) StopAgent(ctx context.Context, sessionID string) (bool, error) {
	var out struct {
		Stopped bool `json:"stopped"`
	}
	err := c.post(ctx, "/stop-agent", map[string]string{"sessionId": sessionID}, &out)
	return out.Stopped, err
}

// AgentStatus returns the agent's runtime state.
func (c *Client) AgentStatus(ctx context.Context, sessionID string) (AgentState, error) {
	var out AgentState
	return out, c.get(ctx, "/agent/"+url.PathEscape(sessionID), &out)
}

// Decisions returns the latest limit decisions of a session.
func (c *Client) Decisions(ctx context.Context, sessionID string, limit int) ([]Decision, error) {
	var out []Decision
	endpoint := "/agent/" + url.PathEscape(sessionID) + "/decisions"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	return out, c.get(ctx, endpoint, &out)
}

// ForceTrade asks a running agent to execute one manual trade.
func (c *Client) ForceTrade(ctx context.Context, sessionID string) (TradeResult, error) {
	var out TradeResult
	return out, c.post(ctx, "/agent/"+url.PathEscape(sessionID)+"/force-trade", nil, &out)
}

// EscrowAddress returns the escrow contract users must approve.
func (c *Client) EscrowAddress(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	err := c.get(ctx, "/escrow-address", &out)
	return out.Address, err
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	req := c.http.R().SetContext(ctx)
	if payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}
	resp, err := req.Post(endpoint)
	return decode(resp, err, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	resp, err := c.http.R().SetContext(ctx).Get(endpoint)
	return decode(resp, err, out)
}

func decode(resp *resty.Response, err error, out any) error {
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode() >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode()}
		if body := resp.Body(); len(body) > 0 {
			_ = json.Unmarshal(body, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(resp.String())
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
