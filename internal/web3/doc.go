// Package web3 defines the on-chain collaborators used by sessions and the
// trading agent: the backend Signer that broadcasts swaps, the EscrowLedger
// that locks and releases session funds, and the YAML chain definitions that
// tell the daemon which contracts to talk to. Concrete go-ethereum adapters
// live in the ethereum subpackage; MemoryLedger is a logical ledger for demo
// deployments.
package web3
