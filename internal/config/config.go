// Package config loads and validates the YAML configuration for barsim:
// broker provider parameters, simulator parameters, storage paths, and
// logging. Validation happens once at load; the engine never re-validates
// at use-site.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for barsim.
type Config struct {
	Provider  ProviderConfig  `yaml:"provider" json:"provider"`
	Simulator SimulatorConfig `yaml:"simulator" json:"simulator"`
	Storage   Storage         `yaml:"storage" json:"storage"`
	Alpaca    Alpaca          `yaml:"alpaca" json:"alpaca"`
	Logging   Logging         `yaml:"logging" json:"logging"`
	Fetch     FetchConfig     `yaml:"fetch" json:"fetch"`
}

// ProviderConfig describes the broker being simulated: its cost models and
// account mechanics.
type ProviderConfig struct {
	Name                  string              `yaml:"name" json:"name"`
	FeeModel              FeeModelConfig      `yaml:"fee_model" json:"fee_model"`
	SlippageModel         SlippageModelConfig `yaml:"slippage_model" json:"slippage_model"`
	InitialMarginRate     float64             `yaml:"initial_margin_rate" json:"initial_margin_rate"`
	MaintenanceMarginRate float64             `yaml:"maintenance_margin_rate" json:"maintenance_margin_rate"`
	ShortEnabled          bool                `yaml:"short_enabled" json:"short_enabled"`
	LocateRequired        bool                `yaml:"locate_required" json:"locate_required"`
	BorrowRateAnnual      float64             `yaml:"borrow_rate_annual" json:"borrow_rate_annual"`
	SettlementDays        int                 `yaml:"settlement_days" json:"settlement_days"`
	PDTEnabled            bool                `yaml:"pdt_enabled" json:"pdt_enabled"`
}

// Fee model kinds. The set is closed: adding a model means adding a kind
// constant, a parameter struct, and a case in cost.NewFeeModel.
const (
	FeeTieredMakerTaker = "tiered_maker_taker"
	FeeZeroCommission   = "zero_commission"
	FeePerShare         = "per_share"
)

// FeeModelConfig selects a commission model and carries its parameters.
// Only the parameter struct matching Kind may be set.
type FeeModelConfig struct {
	Kind             string                  `yaml:"kind" json:"kind"`
	TieredMakerTaker *TieredMakerTakerParams `yaml:"tiered_maker_taker,omitempty" json:"tiered_maker_taker,omitempty"`
	PerShare         *PerShareParams         `yaml:"per_share,omitempty" json:"per_share,omitempty"`
}

// TieredMakerTakerParams holds maker/taker commission rates in basis points.
type TieredMakerTakerParams struct {
	MakerBps float64 `yaml:"maker_bps" json:"maker_bps"`
	TakerBps float64 `yaml:"taker_bps" json:"taker_bps"`
}

// PerShareParams holds a per-share commission with an optional per-order
// minimum.
type PerShareParams struct {
	PerShare    float64 `yaml:"per_share" json:"per_share"`
	MinPerOrder float64 `yaml:"min_per_order" json:"min_per_order"`
}

// Slippage model kinds.
const (
	SlippageVolumeWeighted = "volume_weighted"
	SlippagePFOF           = "pfof"
	SlippageSpreadBased    = "spread_based"
)

// SlippageModelConfig selects a slippage model and carries its parameters.
type SlippageModelConfig struct {
	Kind           string                `yaml:"kind" json:"kind"`
	VolumeWeighted *VolumeWeightedParams `yaml:"volume_weighted,omitempty" json:"volume_weighted,omitempty"`
	PFOF           *PFOFParams           `yaml:"pfof,omitempty" json:"pfof,omitempty"`
}

// VolumeWeightedParams scales slippage with order participation in bar
// volume. JitterBps adds a stochastic component drawn from the simulator's
// seeded generator; zero disables it.
type VolumeWeightedParams struct {
	BaseBps      float64 `yaml:"base_bps" json:"base_bps"`
	VolumeImpact float64 `yaml:"volume_impact" json:"volume_impact"`
	JitterBps    float64 `yaml:"jitter_bps" json:"jitter_bps"`
}

// PFOFParams models fixed adverse selection in basis points.
type PFOFParams struct {
	AdverseBps float64 `yaml:"adverse_bps" json:"adverse_bps"`
}

// SimulatorConfig holds run-level simulation parameters.
type SimulatorConfig struct {
	InitialCapital     float64 `yaml:"initial_capital" json:"initial_capital"`
	MinOrderDelayBars  int     `yaml:"min_order_delay_bars" json:"min_order_delay_bars"` // 0 allows same-bar fills
	MaxPositionPct     float64 `yaml:"max_position_pct" json:"max_position_pct"`
	MaxDailyLossPct    float64 `yaml:"max_daily_loss_pct" json:"max_daily_loss_pct"` // 0 disables
	MaxDrawdownPct     float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`     // 0 disables
	RandomSeed         uint64  `yaml:"random_seed" json:"random_seed"`
	CheckpointDir      string  `yaml:"checkpoint_dir" json:"checkpoint_dir"`
	CheckpointInterval int     `yaml:"checkpoint_interval" json:"checkpoint_interval"` // bars between checkpoints; 0 disables
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir" json:"data_dir"`
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API,
// used only by the historical bar fetcher.
type Alpaca struct {
	APIKey    string `yaml:"api_key" json:"-"`
	APISecret string `yaml:"api_secret" json:"-"`
	DataURL   string `yaml:"data_url" json:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// FetchConfig holds parameters for the historical bar fetch job.
type FetchConfig struct {
	StartDate       string `yaml:"start_date" json:"start_date"`
	EndDate         string `yaml:"end_date" json:"end_date"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min" json:"rate_limit_per_min"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, fills defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BARSIM_SEED"); v != "" {
		if seed, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Simulator.RandomSeed = seed
		}
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills zero-valued fields that have non-zero defaults.
func applyDefaults(cfg *Config) {
	if cfg.Provider.InitialMarginRate == 0 {
		cfg.Provider.InitialMarginRate = 1.0
	}
	if cfg.Provider.MaintenanceMarginRate == 0 {
		cfg.Provider.MaintenanceMarginRate = 1.0
	}
	if cfg.Simulator.InitialCapital == 0 {
		cfg.Simulator.InitialCapital = 10000
	}
	if cfg.Simulator.MaxPositionPct == 0 {
		cfg.Simulator.MaxPositionPct = 0.25
	}
	if cfg.Simulator.RandomSeed == 0 {
		cfg.Simulator.RandomSeed = 42
	}
	if cfg.Simulator.CheckpointDir == "" {
		cfg.Simulator.CheckpointDir = "./checkpoints"
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks cross-field constraints. A config that fails validation is
// fatal before any simulation starts.
func (c *Config) Validate() error {
	if err := c.Provider.Validate(); err != nil {
		return err
	}
	return c.Simulator.Validate()
}

// Validate checks provider parameters and that exactly the parameter struct
// matching each model kind is present.
func (p *ProviderConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider: name is required")
	}
	if p.InitialMarginRate <= 0 || p.MaintenanceMarginRate <= 0 {
		return fmt.Errorf("provider: margin rates must be > 0")
	}
	if p.SettlementDays < 0 {
		return fmt.Errorf("provider: settlement_days must be >= 0")
	}
	if p.BorrowRateAnnual < 0 {
		return fmt.Errorf("provider: borrow_rate_annual must be >= 0")
	}

	switch p.FeeModel.Kind {
	case FeeTieredMakerTaker:
		if p.FeeModel.TieredMakerTaker == nil {
			return fmt.Errorf("provider: fee_model %s requires tiered_maker_taker params", p.FeeModel.Kind)
		}
	case FeePerShare:
		if p.FeeModel.PerShare == nil {
			return fmt.Errorf("provider: fee_model %s requires per_share params", p.FeeModel.Kind)
		}
		if p.FeeModel.PerShare.PerShare < 0 || p.FeeModel.PerShare.MinPerOrder < 0 {
			return fmt.Errorf("provider: per_share fee params must be >= 0")
		}
	case FeeZeroCommission:
	default:
		return fmt.Errorf("provider: unsupported fee_model kind %q", p.FeeModel.Kind)
	}

	switch p.SlippageModel.Kind {
	case SlippageVolumeWeighted:
		if p.SlippageModel.VolumeWeighted == nil {
			return fmt.Errorf("provider: slippage_model %s requires volume_weighted params", p.SlippageModel.Kind)
		}
		if p.SlippageModel.VolumeWeighted.JitterBps < 0 {
			return fmt.Errorf("provider: jitter_bps must be >= 0")
		}
	case SlippagePFOF:
		if p.SlippageModel.PFOF == nil {
			return fmt.Errorf("provider: slippage_model %s requires pfof params", p.SlippageModel.Kind)
		}
	case SlippageSpreadBased:
	default:
		return fmt.Errorf("provider: unsupported slippage_model kind %q", p.SlippageModel.Kind)
	}
	return nil
}

// Validate checks simulator parameter bounds.
func (s *SimulatorConfig) Validate() error {
	if s.InitialCapital < 0 {
		return fmt.Errorf("simulator: initial_capital must be >= 0")
	}
	if s.MinOrderDelayBars < 0 {
		return fmt.Errorf("simulator: min_order_delay_bars must be >= 0")
	}
	if s.MaxPositionPct <= 0 || s.MaxPositionPct > 1 {
		return fmt.Errorf("simulator: max_position_pct must be in (0, 1]")
	}
	if s.MaxDailyLossPct < 0 || s.MaxDailyLossPct >= 1 {
		return fmt.Errorf("simulator: max_daily_loss_pct must be in [0, 1)")
	}
	if s.MaxDrawdownPct < 0 || s.MaxDrawdownPct >= 1 {
		return fmt.Errorf("simulator: max_drawdown_pct must be in [0, 1)")
	}
	if s.CheckpointInterval < 0 {
		return fmt.Errorf("simulator: checkpoint_interval must be >= 0")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Provenance
// ---------------------------------------------------------------------------

// Hash returns a SHA-256 hex digest over the provider and simulator
// configuration, serialized as canonical JSON. Checkpoints record it so a
// resume against a different configuration fails fast.
func Hash(provider *ProviderConfig, simulator *SimulatorConfig) (string, error) {
	payload := struct {
		Provider  *ProviderConfig  `json:"provider"`
		Simulator *SimulatorConfig `json:"simulator"`
	}{provider, simulator}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hashing config: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}
