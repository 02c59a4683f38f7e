package metrics

var (
	sessions = newCounterVec("pulsefi_sessions_total", "Session lifecycle transitions.", "event")
	ticks    = newCounterVec("pulsefi_agent_ticks_total", "Agent loop evaluations by strategy.", "strategy")
	decided  = newCounterVec("pulsefi_agent_decisions_total", "Agent decisions recorded by type.", "type")
	trades   = newCounterVec("pulsefi_trades_total", "Trade attempts by venue and outcome.", "venue", "status")
	quotes   = newCounterVec("pulsefi_quote_failures_total", "Venue quotes that could not be obtained.", "venue")
	audited  = newCounterVec("pulsefi_events_total", "Audit events handled by the recorder.", "kind", "outcome")
)

// IncSession counts a session lifecycle event such as "started" or "settled".
func IncSession(event string) { sessions.inc(event) }

// IncAgentTick counts one agent evaluation.
func IncAgentTick(strategy string) { ticks.inc(strategy) }

// IncDecision counts one recorded agent decision.
func IncDecision(decisionType string) { decided.inc(decisionType) }

// ObserveTrade counts one trade attempt.
func ObserveTrade(venue, status string) { trades.inc(venue, status) }

// IncQuoteFailure counts a venue that returned no quote.
func IncQuoteFailure(venue string) { quotes.inc(venue) }

// IncEvent counts an audit event handled by the recorder.
func IncEvent(kind, outcome string) { audited.inc(kind, outcome) }
