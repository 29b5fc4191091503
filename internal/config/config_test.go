package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "abiagent.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"web3": {"presale_address": "0x5FbDB2315678afecb367f032d93F642f64180aa3", "chain_config": "chains.yaml"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	base := filepath.Dir(path)

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Approval.Amount != "100" || cfg.Approval.GasLimit != 100000 {
		t.Fatalf("unexpected approval defaults %+v", cfg.Approval)
	}
	if cfg.Approval.Spender != cfg.Web3.PresaleAddress {
		t.Fatalf("spender should default to the presale contract")
	}
	if cfg.Web3.TokenDecimals != 6 {
		t.Fatalf("unexpected token decimals %d", cfg.Web3.TokenDecimals)
	}
	if cfg.Web3.ChainConfig != filepath.Join(base, "chains.yaml") {
		t.Fatalf("chain config not resolved: %s", cfg.Web3.ChainConfig)
	}
	if cfg.Runtime.DataDir != filepath.Join(base, "data") {
		t.Fatalf("unexpected data dir %s", cfg.Runtime.DataDir)
	}
	if !strings.HasSuffix(cfg.Agents.ScriptURL, "ChatBot.js") {
		t.Fatalf("unexpected script url %s", cfg.Agents.ScriptURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "{")); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Storage.Agents.Driver = "mysql"
	cfg.Events.Driver = "kafka"
	cfg.Web3.TokenAddress = "0x123"
	cfg.Approval.Amount = "-1"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"storage.agents.dsn", "kafka", "web3.token_address", "approval.amount"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestApplyEnvOverlaysSecrets(t *testing.T) {
	t.Setenv("ABIAGENT_WALLET_PRIVATE_KEYS", "aa, bb")
	t.Setenv("ABIAGENT_INFERENCE_API_KEY", "secret")
	t.Setenv("ABIAGENT_REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("ABIAGENT_MYSQL_DSN", "user:pass@tcp(db:3306)/agents")

	cfg := Default(t.TempDir())
	cfg.Storage.Agents.Driver = "mysql"
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if len(cfg.Wallet.PrivateKeys) != 2 || cfg.Wallet.PrivateKeys[1] != "bb" {
		t.Fatalf("unexpected keys %v", cfg.Wallet.PrivateKeys)
	}
	if cfg.Inference.APIKey != "secret" {
		t.Fatalf("api key not applied")
	}
	if cfg.Lease.Redis.URL != "redis://localhost:6379/1" || cfg.Events.Redis.URL != cfg.Lease.Redis.URL {
		t.Fatalf("redis url not shared")
	}
	if cfg.Storage.Agents.DSN == "" {
		t.Fatalf("mysql dsn not applied")
	}
}

func TestLoadDotEnvMissingFileIsIgnored(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}
