// Package mysql persists the session audit trail. Events published by the
// session lifecycle, the agent and the trade executor land here, either in a
// MySQL table managed by embedded migrations or in a local JSONL file for
// single-node deployments.
package mysql
