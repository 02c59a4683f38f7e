package web3

import (
	"os"
	"path/filepath"
	"testing"
)

const chainsYAML = `
default: base-sepolia
chains:
  base-sepolia:
    rpc_url: https://sepolia.base.org
    chain_id: 84532
    description: Base Sepolia testnet
    escrow: "0x66B72352B6C3F71320F24683f3ee91e84C23667c"
    usdc: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
  local:
    rpc_url: http://127.0.0.1:8545
    chain_id: 1337
`

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	if err := os.WriteFile(path, []byte(chainsYAML), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	name, chain, err := defs.Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "base-sepolia" || chain.ChainID != 84532 {
		t.Fatalf("unexpected default chain %s %+v", name, chain)
	}
	if Address(chain.Escrow).Hex() != "0x66B72352B6C3F71320F24683f3ee91e84C23667c" {
		t.Fatalf("unexpected escrow %s", chain.Escrow)
	}

	if _, _, err := defs.Resolve("mainnet"); err == nil {
		t.Fatal("expected unknown chain to fail")
	}
}

func TestParseChainDefinitionsRejectsBadAddress(t *testing.T) {
	_, err := ParseChainDefinitions([]byte("chains:\n  x:\n    escrow: not-an-address\n"))
	if err == nil {
		t.Fatal("expected invalid address to be rejected")
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, _, err := defs.Resolve(""); err == nil {
		t.Fatal("expected empty definitions to fail resolution")
	}
}
