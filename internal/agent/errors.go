package agent

import (
	xerrors "PulseFi-Session/internal/errors"
)

const (
	CodeAgentStartRejected xerrors.Code = "AGENT_START_REJECTED"
	CodeAgentNotRunning    xerrors.Code = "AGENT_NOT_RUNNING"
	CodeAgentTickFailed    xerrors.Code = "AGENT_TICK_FAILED"
)

var (
	// ErrAgentStartRejected 表示会话不存在或不处于 ACTIVE 状态。
	ErrAgentStartRejected = xerrors.New(CodeAgentStartRejected, "agent start rejected")
	// ErrAgentNotRunning 表示会话没有正在运行的 Agent。
	ErrAgentNotRunning = xerrors.New(CodeAgentNotRunning, "agent not running")
)

func init() {
	xerrors.Register(CodeAgentStartRejected, xerrors.Attributes{
		Message:  "agent start rejected",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentNotRunning, xerrors.Attributes{
		Message:  "agent not running",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentTickFailed, xerrors.Attributes{
		Message:  "agent tick failed",
		Kind:     xerrors.KindInternal,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}
