package config

import (
	"os"
	"path/filepath"
	"testing"

	"saros/internal/domain"
)

func TestLoadFull(t *testing.T) {
	yamlContent := []byte(`
kite:
  api_key: "test-key"
  access_token: "test-token"
  token_file: "/tmp/saros/tokens.json"
  base_url: "https://api.kite.trade"
  ws_url: "wss://ws.kite.trade"
trading:
  exchange: "NFO"
  underlying: "NIFTY"
  timezone: "Asia/Kolkata"
  policy: "scale-out-buy"
  min_days_to_expiry: 30
  target_tolerance: 0.25
  simulated: false
engine:
  start_time: "09:30"
  lots: 3
  target_premium: 800
storage:
  data_dir: "/tmp/saros/data"
  ledger: "sqlite"
  record_ticks: true
logging:
  level: "debug"
  file: "/tmp/saros/saros.log"
  max_size_mb: 10
`)

	path := filepath.Join(t.TempDir(), "saros.yaml")
	if err := os.WriteFile(path, yamlContent, 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	// Clear any environment overrides that might interfere.
	for _, k := range []string{"KITE_API_KEY", "KITE_ACCESS_TOKEN", "KITE_TOKEN_FILE",
		"SAROS_POLICY", "SAROS_SIMULATED", "SAROS_DATA_DIR", "SAROS_STATE_FILE",
		"SAROS_LEDGER", "SAROS_SQLITE_PATH", "LOG_LEVEL"} {
		os.Unsetenv(k)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Kite --
	if cfg.Kite.APIKey != "test-key" {
		t.Errorf("Kite.APIKey = %q, want %q", cfg.Kite.APIKey, "test-key")
	}
	if cfg.Kite.AccessToken != "test-token" {
		t.Errorf("Kite.AccessToken = %q, want %q", cfg.Kite.AccessToken, "test-token")
	}
	if cfg.Kite.BaseURL != "https://api.kite.trade" {
		t.Errorf("Kite.BaseURL = %q, want %q", cfg.Kite.BaseURL, "https://api.kite.trade")
	}

	// -- Trading --
	if cfg.Trading.Policy != "scale-out-buy" {
		t.Errorf("Trading.Policy = %q, want %q", cfg.Trading.Policy, "scale-out-buy")
	}
	if cfg.Trading.Exchange != "NFO" || cfg.Trading.Underlying != "NIFTY" {
		t.Errorf("Trading venue = %q/%q, want NFO/NIFTY", cfg.Trading.Exchange, cfg.Trading.Underlying)
	}
	if cfg.Trading.MinDaysToExpiry != 30 {
		t.Errorf("Trading.MinDaysToExpiry = %d, want 30", cfg.Trading.MinDaysToExpiry)
	}
	if cfg.Trading.TargetTolerance != 0.25 {
		t.Errorf("Trading.TargetTolerance = %v, want 0.25", cfg.Trading.TargetTolerance)
	}

	// -- Engine seed over defaults --
	seeded := domain.DefaultSettings()
	seeded.Apply(cfg.Engine.Seed())
	if seeded.StartTime != "09:30" {
		t.Errorf("seeded StartTime = %q, want 09:30", seeded.StartTime)
	}
	if seeded.StopTime != "15:15" {
		t.Errorf("seeded StopTime = %q, want default 15:15", seeded.StopTime)
	}
	if seeded.Lots != 3 {
		t.Errorf("seeded Lots = %d, want 3", seeded.Lots)
	}
	if seeded.TargetPremium != 800 {
		t.Errorf("seeded TargetPremium = %v, want 800", seeded.TargetPremium)
	}

	// -- Storage, with derived paths --
	if cfg.Storage.Ledger != "sqlite" {
		t.Errorf("Storage.Ledger = %q, want %q", cfg.Storage.Ledger, "sqlite")
	}
	if !cfg.Storage.RecordTicks {
		t.Error("Storage.RecordTicks = false, want true")
	}
	wantState := filepath.Join("/tmp/saros/data", "saros_state.json")
	if cfg.Storage.StateFile != wantState {
		t.Errorf("Storage.StateFile = %q, want %q", cfg.Storage.StateFile, wantState)
	}
	wantLedger := filepath.Join("/tmp/saros/data", "trades.jsonl")
	if cfg.Storage.LedgerFile != wantLedger {
		t.Errorf("Storage.LedgerFile = %q, want %q", cfg.Storage.LedgerFile, wantLedger)
	}
	wantTicks := filepath.Join("/tmp/saros/data", "ticks")
	if cfg.Storage.TickDir != wantTicks {
		t.Errorf("Storage.TickDir = %q, want %q", cfg.Storage.TickDir, wantTicks)
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.File != "/tmp/saros/saros.log" {
		t.Errorf("Logging.File = %q, want %q", cfg.Logging.File, "/tmp/saros/saros.log")
	}
	if cfg.Logging.MaxSizeMB != 10 {
		t.Errorf("Logging.MaxSizeMB = %d, want 10", cfg.Logging.MaxSizeMB)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	yamlContent := []byte(`
kite:
  api_key: "yaml-key"
  access_token: "yaml-token"
storage:
  data_dir: "/original/data"
`)

	path := filepath.Join(t.TempDir(), "saros.yaml")
	if err := os.WriteFile(path, yamlContent, 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	os.Setenv("KITE_API_KEY", "env-key")
	os.Setenv("SAROS_DATA_DIR", "/env/data")
	os.Setenv("SAROS_POLICY", "alternate-buy")
	defer os.Unsetenv("KITE_API_KEY")
	defer os.Unsetenv("SAROS_DATA_DIR")
	defer os.Unsetenv("SAROS_POLICY")
	os.Unsetenv("KITE_ACCESS_TOKEN")
	os.Unsetenv("SAROS_LEDGER")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Kite.APIKey != "env-key" {
		t.Errorf("Kite.APIKey = %q, want %q (env override)", cfg.Kite.APIKey, "env-key")
	}
	// access_token should remain from YAML since no env override was set.
	if cfg.Kite.AccessToken != "yaml-token" {
		t.Errorf("Kite.AccessToken = %q, want %q (from YAML)", cfg.Kite.AccessToken, "yaml-token")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Trading.Policy != "alternate-buy" {
		t.Errorf("Trading.Policy = %q, want %q (env override)", cfg.Trading.Policy, "alternate-buy")
	}
	// Derived paths follow the overridden data dir.
	if want := filepath.Join("/env/data", "saros_state.json"); cfg.Storage.StateFile != want {
		t.Errorf("Storage.StateFile = %q, want %q", cfg.Storage.StateFile, want)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	os.Setenv("SAROS_SIMULATED", "true")
	defer os.Unsetenv("SAROS_SIMULATED")
	os.Unsetenv("KITE_API_KEY")
	os.Unsetenv("SAROS_DATA_DIR")
	os.Unsetenv("SAROS_POLICY")
	os.Unsetenv("SAROS_LEDGER")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Trading.Exchange != "NFO" || cfg.Trading.Underlying != "NIFTY" {
		t.Errorf("default venue = %q/%q, want NFO/NIFTY", cfg.Trading.Exchange, cfg.Trading.Underlying)
	}
	if cfg.Trading.Policy != "alternate-sell" {
		t.Errorf("default policy = %q, want alternate-sell", cfg.Trading.Policy)
	}
	if cfg.Storage.Ledger != "jsonl" {
		t.Errorf("default ledger = %q, want jsonl", cfg.Storage.Ledger)
	}
	if !cfg.Trading.Simulated {
		t.Error("SAROS_SIMULATED=true not applied")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad ledger", func(c *Config) { c.Storage.Ledger = "csv" }},
		{"bad timezone", func(c *Config) { c.Trading.Timezone = "Mars/Olympus" }},
		{"empty policy", func(c *Config) { c.Trading.Policy = "" }},
		{"negative min days", func(c *Config) { c.Trading.MinDaysToExpiry = -1 }},
		{"zero tolerance", func(c *Config) { c.Trading.TargetTolerance = 0 }},
		{"live without api key", func(c *Config) { c.Trading.Simulated = false; c.Kite.APIKey = "" }},
		{"bad engine seed", func(c *Config) {
			bad := "25:99"
			c.Engine.StartTime = &bad
		}},
	}

	for _, tt := range tests {
		cfg := Default()
		cfg.Trading.Simulated = true
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", tt.name)
		}
	}
}
