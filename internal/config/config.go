// Package config loads the YAML configuration file and applies environment
// variable overrides, including values from a local .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"saros/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the saros engine.
type Config struct {
	Kite    Kite    `yaml:"kite"`
	Trading Trading `yaml:"trading"`
	Engine  Engine  `yaml:"engine"`
	Storage Storage `yaml:"storage"`
	Logging Logging `yaml:"logging"`
}

// Kite holds credentials and endpoints for the Kite Connect HTTP and
// WebSocket APIs. AccessToken may be left empty and loaded from TokenFile,
// which the external login tool refreshes each morning.
type Kite struct {
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`
	TokenFile   string `yaml:"token_file"`
	BaseURL     string `yaml:"base_url"`
	WSURL       string `yaml:"ws_url"`
}

// Trading selects what to trade and which policy drives decisions.
type Trading struct {
	Exchange        string  `yaml:"exchange"`
	Underlying      string  `yaml:"underlying"`
	Timezone        string  `yaml:"timezone"`
	Policy          string  `yaml:"policy"`
	MinDaysToExpiry int     `yaml:"min_days_to_expiry"`
	TargetTolerance float64 `yaml:"target_tolerance"` // fraction of target premium
	Simulated       bool    `yaml:"simulated"`        // trade against the in-memory venue
}

// Engine seeds the tunable settings for a first boot, before any state file
// exists. Unset keys keep the built-in defaults; once the engine has run, the
// state file wins and this section is ignored.
type Engine struct {
	Enabled       *bool    `yaml:"enabled"`
	StartTime     *string  `yaml:"start_time"`
	StopTime      *string  `yaml:"stop_time"`
	SLPoints      *float64 `yaml:"sl_points"`
	TargetPoints  *float64 `yaml:"target_points"`
	Lots          *int     `yaml:"lots"`
	Product       *string  `yaml:"product"`
	TargetPremium *float64 `yaml:"target_premium"`
}

// Seed converts the engine section into a settings patch to overlay on the
// defaults.
func (e Engine) Seed() domain.SettingsPatch {
	p := domain.SettingsPatch{
		Enabled:       e.Enabled,
		StartTime:     e.StartTime,
		StopTime:      e.StopTime,
		SLPoints:      e.SLPoints,
		TargetPoints:  e.TargetPoints,
		Lots:          e.Lots,
		TargetPremium: e.TargetPremium,
	}
	if e.Product != nil {
		prod := domain.Product(*e.Product)
		p.Product = &prod
	}
	return p
}

// Storage holds paths for persisted engine state. Empty file paths are
// derived from DataDir.
type Storage struct {
	DataDir     string `yaml:"data_dir"`
	StateFile   string `yaml:"state_file"`
	Ledger      string `yaml:"ledger"` // "jsonl" or "sqlite"
	LedgerFile  string `yaml:"ledger_file"`
	SQLitePath  string `yaml:"sqlite_path"`
	RecordTicks bool   `yaml:"record_ticks"`
	TickDir     string `yaml:"tick_dir"`
}

// Logging configures the application logger.
type Logging struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when the YAML file leaves fields
// unset.
func Default() *Config {
	return &Config{
		Kite: Kite{
			BaseURL: "https://api.kite.trade",
			WSURL:   "wss://ws.kite.trade",
		},
		Trading: Trading{
			Exchange:        "NFO",
			Underlying:      "NIFTY",
			Timezone:        "Asia/Kolkata",
			Policy:          "alternate-sell",
			MinDaysToExpiry: 30,
			TargetTolerance: 0.2,
		},
		Storage: Storage{
			DataDir: "data",
			Ledger:  "jsonl",
		},
		Logging: Logging{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the defaults,
// then applies .env and environment variable overrides and derives dependent
// paths. A missing file is not an error; the defaults plus environment carry
// a simulated run on their own.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Fall through to env-only configuration.
	default:
		return nil, err
	}

	// Values from a local .env enter the environment first, losing to
	// variables that are already set.
	_ = godotenv.Load()

	applyEnvOverrides(cfg)
	cfg.derivePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Kite.AccessToken = v
	}
	if v := os.Getenv("KITE_TOKEN_FILE"); v != "" {
		cfg.Kite.TokenFile = v
	}

	if v := os.Getenv("SAROS_POLICY"); v != "" {
		cfg.Trading.Policy = v
	}
	if v := os.Getenv("SAROS_SIMULATED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Trading.Simulated = b
		}
	}

	if v := os.Getenv("SAROS_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SAROS_STATE_FILE"); v != "" {
		cfg.Storage.StateFile = v
	}
	if v := os.Getenv("SAROS_LEDGER"); v != "" {
		cfg.Storage.Ledger = v
	}
	if v := os.Getenv("SAROS_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// derivePaths fills storage paths that were left empty from DataDir.
func (c *Config) derivePaths() {
	if c.Storage.StateFile == "" {
		c.Storage.StateFile = filepath.Join(c.Storage.DataDir, "saros_state.json")
	}
	if c.Storage.LedgerFile == "" {
		c.Storage.LedgerFile = filepath.Join(c.Storage.DataDir, "trades.jsonl")
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.DataDir, "saros.db")
	}
	if c.Storage.TickDir == "" {
		c.Storage.TickDir = filepath.Join(c.Storage.DataDir, "ticks")
	}
}

// Validate reports structural problems that would only surface later at run
// time.
func (c *Config) Validate() error {
	if c.Storage.Ledger != "jsonl" && c.Storage.Ledger != "sqlite" {
		return fmt.Errorf("storage.ledger must be jsonl or sqlite, got %q", c.Storage.Ledger)
	}
	if _, err := time.LoadLocation(c.Trading.Timezone); err != nil {
		return fmt.Errorf("trading.timezone: %w", err)
	}
	if c.Trading.Policy == "" {
		return fmt.Errorf("trading.policy must be set")
	}
	if c.Trading.MinDaysToExpiry < 0 {
		return fmt.Errorf("trading.min_days_to_expiry must not be negative, got %d", c.Trading.MinDaysToExpiry)
	}
	if c.Trading.TargetTolerance <= 0 {
		return fmt.Errorf("trading.target_tolerance must be positive, got %v", c.Trading.TargetTolerance)
	}
	if !c.Trading.Simulated && c.Kite.APIKey == "" {
		return fmt.Errorf("kite.api_key is required unless trading.simulated is set")
	}
	seeded := domain.DefaultSettings()
	seeded.Apply(c.Engine.Seed())
	if err := seeded.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// Location resolves the trading timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Trading.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
