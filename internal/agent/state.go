package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"PulseFi-Session/internal/session"
)

const defaultLogLimit = 200

// State 是单个会话 Agent 的运行时状态，仅由 Scheduler 持有。
type State struct {
	mu         sync.Mutex
	sessionID  string
	running    bool
	strategy   session.Strategy
	demo       bool
	interval   time.Duration
	tradeCount int
	totalCost  decimal.Decimal
	logs       []string
	logLimit   int
	idleLogs   int
	scanDone   bool
	evaluated  bool
	lastError  string
	startedAt  time.Time
	stoppedAt  *time.Time
}

// StateView 是 State 的只读快照。
type StateView struct {
	SessionID  string           `json:"session_id"`
	Running    bool             `json:"is_running"`
	Strategy   session.Strategy `json:"strategy"`
	Demo       bool             `json:"is_demo"`
	Interval   string           `json:"interval"`
	TradeCount int              `json:"trade_count"`
	TotalCost  decimal.Decimal  `json:"total_cost"`
	Logs       []string         `json:"logs"`
	LastError  string           `json:"last_error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	StoppedAt  *time.Time       `json:"stopped_at,omitempty"`
}

func newState(sessionID string, strategy session.Strategy, demo bool, interval time.Duration, logLimit int, now time.Time) *State {
	if logLimit <= 0 {
		logLimit = defaultLogLimit
	}
	st := &State{
		sessionID: sessionID,
		running:   true,
		strategy:  strategy,
		demo:      demo,
		interval:  interval,
		logLimit:  logLimit,
		startedAt: now,
	}
	if demo {
		st.appendLog("[DEMO MODE] Agent started. Fast-polling active.")
	} else {
		st.appendLog("Agent started. Monitoring...")
	}
	return st
}

// appendLog 调用方需持有锁或处于构造阶段。
func (s *State) appendLog(line string) {
	s.logs = append(s.logs, line)
	if over := len(s.logs) - s.logLimit; over > 0 {
		s.logs = append([]string(nil), s.logs[over:]...)
	}
}

func (s *State) log(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLog(fmt.Sprintf(format, args...))
}

func (s *State) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
	s.appendLog("[Error] " + err.Error())
}

func (s *State) stop(line string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.stoppedAt = &now
	s.appendLog(line)
}

// takeIdleSlot 在空闲日志未达上限时占用一个名额。
func (s *State) takeIdleSlot(limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleLogs >= limit {
		return false
	}
	s.idleLogs++
	return true
}

func (s *State) markScanned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanDone {
		return false
	}
	s.scanDone = true
	return true
}

func (s *State) isEvaluated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluated
}

func (s *State) markEvaluated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluated = true
}

func (s *State) recordTrade(cost decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tradeCount++
	s.totalCost = s.totalCost.Add(cost)
}

func (s *State) addCost(cost decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalCost = s.totalCost.Add(cost)
}

func (s *State) isDemo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demo
}

func (s *State) view() StateView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := StateView{
		SessionID:  s.sessionID,
		Running:    s.running,
		Strategy:   s.strategy,
		Demo:       s.demo,
		Interval:   s.interval.String(),
		TradeCount: s.tradeCount,
		TotalCost:  s.totalCost,
		Logs:       append([]string(nil), s.logs...),
		LastError:  s.lastError,
		StartedAt:  s.startedAt,
	}
	if s.stoppedAt != nil {
		t := *s.stoppedAt
		v.StoppedAt = &t
	}
	return v
}
