// Package agent runs one background trading loop per active session. Each
// loop ticks on a fixed interval, re-reads its session, and dispatches on
// the session's strategy: idle logging, high-frequency scanning, or the
// default scan-then-rebalance flow that compares venues and hands a
// profitable route to the trade executor.
package agent
