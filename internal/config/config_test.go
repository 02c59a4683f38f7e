package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulsefi.json")
	if err := os.WriteFile(path, []byte(`{"server":{"address":":9000"},"agent":{"interval":"2s","scan_delay":750}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("address not kept: %s", cfg.Server.Address)
	}
	if cfg.Agent.Interval.Std() != 2*time.Second {
		t.Fatalf("interval %s", cfg.Agent.Interval.Std())
	}
	if cfg.Agent.ScanDelay.Std() != 750*time.Millisecond {
		t.Fatalf("scan delay %s", cfg.Agent.ScanDelay.Std())
	}
	if cfg.Agent.RebalanceDelay.Std() != 15*time.Second || cfg.Agent.DemoInterval.Std() != 1500*time.Millisecond {
		t.Fatalf("agent defaults missing: %+v", cfg.Agent)
	}
	if !cfg.Policy.ExecutionThresholdPct.Equal(decimal.RequireFromString("0.1")) ||
		!cfg.Policy.MinBalanceBuffer.Equal(decimal.NewFromInt(1)) ||
		!cfg.Policy.DefaultSessionAmount.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("policy defaults missing: %+v", cfg.Policy)
	}
	if cfg.Web3.ExpectedChainID != 84532 || cfg.Web3.Mode != "memory" {
		t.Fatalf("web3 defaults missing: %+v", cfg.Web3)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") || cfg.Audit.DataDir != cfg.Runtime.DataDir {
		t.Fatalf("data dir not resolved: %s / %s", cfg.Runtime.DataDir, cfg.Audit.DataDir)
	}
	if len(cfg.Venues.Static) != 2 {
		t.Fatalf("expected static venues, got %d", len(cfg.Venues.Static))
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	env := map[string]string{
		"BACKEND_PRIVATE_KEY":       " 0xabc ",
		"PULSEFI_RPC_URL":           "https://sepolia.base.org",
		"SESSION_ESCROW_ADDRESS":    "0x0000000000000000000000000000000000000001",
		"PULSEFI_MYSQL_DSN":         "user:pass@tcp(localhost:3306)/pulsefi",
		"PULSEFI_EXPECTED_CHAIN_ID": "8453",
		"LIFI_API_KEY":              "k",
	}
	var cfg Config
	cfg.applyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	cfg.applyDefaults(t.TempDir())

	if cfg.BackendPrivateKey != "0xabc" {
		t.Fatalf("private key %q", cfg.BackendPrivateKey)
	}
	if cfg.Web3.RPCURL != "https://sepolia.base.org" || cfg.Web3.ExpectedChainID != 8453 {
		t.Fatalf("web3 env not applied: %+v", cfg.Web3)
	}
	if cfg.Web3.EscrowAddress != "0x0000000000000000000000000000000000000001" {
		t.Fatalf("escrow address %s", cfg.Web3.EscrowAddress)
	}
	if cfg.Audit.DSN == "" || cfg.LiFiAPIKey() != "k" {
		t.Fatal("dsn or api key missing")
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	if _, ok := decoded["BackendPrivateKey"]; ok {
		t.Fatal("private key must not be serialised")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default(t.TempDir())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	cfg.Web3.Mode = "chain"
	cfg.Web3.RPCURL = "http://localhost:8545"
	cfg.BackendPrivateKey = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("chain mode without private key must fail")
	}

	cfg = Default(t.TempDir())
	cfg.Audit.Driver = "mysql"
	cfg.Audit.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("mysql audit without dsn must fail")
	}

	cfg = Default(t.TempDir())
	cfg.Events.Driver = "kafka"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown events driver must fail")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"1.5s"`), &d); err != nil || d.Std() != 1500*time.Millisecond {
		t.Fatalf("string duration: %v %s", err, d.Std())
	}
	if err := json.Unmarshal([]byte(`250`), &d); err != nil || d.Std() != 250*time.Millisecond {
		t.Fatalf("numeric duration: %v %s", err, d.Std())
	}
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Fatal("invalid duration must fail")
	}
}
