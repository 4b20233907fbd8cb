package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentpay.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected default address: %s", cfg.Server.Address)
	}
	if cfg.Storage.TxStore.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("unexpected default drivers: %s / %s", cfg.Storage.TxStore.Driver, cfg.Queue.Driver)
	}
	if cfg.Queue.Workers != 4 {
		t.Fatalf("unexpected default workers: %d", cfg.Queue.Workers)
	}
	if cfg.Consensus.VoteTimeoutMS != 2000 || cfg.Consensus.MaxRetries != 3 {
		t.Fatalf("unexpected consensus defaults: %+v", cfg.Consensus)
	}
	if cfg.Consensus.HighValueThreshold != "1000" {
		t.Fatalf("unexpected threshold default: %s", cfg.Consensus.HighValueThreshold)
	}
	if cfg.Advisory.Provider != "none" {
		t.Fatalf("unexpected advisory default: %s", cfg.Advisory.Provider)
	}
	if cfg.Runtime.DataDir != filepath.Join(filepath.Dir(path), "data") {
		t.Fatalf("unexpected data dir: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"address": ":9090"},
		"storage": {"tx_store": {"driver": "mysql", "dsn": "user:pass@tcp(localhost:3306)/agentpay"}},
		"queue": {"driver": "redis", "workers": 8, "redis": {"address": "localhost:6379", "queue": "tx"}},
		"consensus": {"vote_timeout_ms": 500, "high_value_threshold": "250", "max_retries": 5},
		"simulation": {"enabled": true, "consumers": 7, "risk_tolerance": 0.4}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("address override lost: %s", cfg.Server.Address)
	}
	if cfg.Storage.TxStore.Driver != "mysql" {
		t.Fatalf("storage override lost: %s", cfg.Storage.TxStore.Driver)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Workers != 8 {
		t.Fatalf("queue override lost: %+v", cfg.Queue)
	}
	if cfg.Consensus.VoteTimeoutMS != 500 || cfg.Consensus.HighValueThreshold != "250" || cfg.Consensus.MaxRetries != 5 {
		t.Fatalf("consensus override lost: %+v", cfg.Consensus)
	}
	if !cfg.Simulation.Enabled || cfg.Simulation.Consumers != 7 || cfg.Simulation.RiskTolerance != 0.4 {
		t.Fatalf("simulation override lost: %+v", cfg.Simulation)
	}
}

func TestLoadRelativeDataDir(t *testing.T) {
	path := writeConfig(t, `{"runtime": {"data_dir": "state"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.DataDir != filepath.Join(filepath.Dir(path), "state") {
		t.Fatalf("relative data dir not anchored to config dir: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, `{not json`)); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}
