package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for EMBER.
// Every component receives the group it needs at construction time;
// no component reads configuration through a global.
type Config struct {
	General    GeneralConfig    `yaml:"general"`
	MarketCap  MarketCapConfig  `yaml:"mcap"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Position   PositionConfig   `yaml:"position"`
	Exits      ExitsConfig      `yaml:"exit_strategies"`
	Safety     SafetyConfig     `yaml:"safety"`
	Feed       FeedConfig       `yaml:"websocket"`
	Trader     TraderConfig     `yaml:"trader"`
	Simulation SimulationConfig `yaml:"simulation"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
}

type GeneralConfig struct {
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // json|text
}

// MarketCapConfig gates token entry and death by USD market cap.
type MarketCapConfig struct {
	MinUSD      float64 `yaml:"min_usd"`
	MaxEntryUSD float64 `yaml:"max_entry_usd"`
	DeadUSD     float64 `yaml:"dead_usd"`
}

// ThresholdsConfig parameterizes the token lifecycle predicates.
type ThresholdsConfig struct {
	HeatingUpMomentumPct  float64 `yaml:"heating_up_momentum_pct"` // price momentum for heatingUp
	FirstPumpMomentumPct  float64 `yaml:"first_pump_momentum_pct"` // price momentum for firstPump
	PumpDrawdownPct       float64 `yaml:"pump_drawdown_pct"`       // drop from peak that counts as drawdown
	MinBuyPressure        float64 `yaml:"min_buy_pressure"`        // 0-1
	MinStructureScore     float64 `yaml:"min_structure_score"`     // 0-1, overall health floor
	MinRecoveryStrength   float64 `yaml:"min_recovery_strength"`   // 0-100
	MaxRecoveryVolatility float64 `yaml:"max_recovery_volatility"` // std-dev of log returns
	SafeRecoveryGainPct   float64 `yaml:"safe_recovery_gain_pct"`  // max gain from bottom for a late entry
	SignificantVolumeSOL  float64 `yaml:"significant_volume_sol"`  // 5m volume floor in drawdown
	StateEvalIntervalMs   int     `yaml:"state_eval_interval_ms"`
}

// PositionConfig controls sizing and global position limits.
type PositionConfig struct {
	MinSOL            float64 `yaml:"min_sol"`
	MaxSOL            float64 `yaml:"max_sol"`
	Ratio             float64 `yaml:"ratio"` // size = mcap * ratio, clamped to [min, max]
	StopLossPct       float64 `yaml:"stop_loss_pct"`
	ProfitPct         float64 `yaml:"profit_pct"`
	TrailingStopPct   float64 `yaml:"trailing_stop_pct"`
	MaxHoldMs         int64   `yaml:"max_hold_ms"`
	UseDynamicSizing  bool    `yaml:"use_dynamic_sizing"`
	VolatilityScaling float64 `yaml:"volatility_scaling"`
	MaxRiskPerTrade   float64 `yaml:"max_risk_per_trade"` // fraction of wallet
	MaxExposure       float64 `yaml:"max_exposure"`       // fraction of wallet across all positions
	MinRiskReward     float64 `yaml:"min_risk_reward"`
	MaxPositions      int     `yaml:"max_positions"`
	MaxDailyLossSOL   float64 `yaml:"max_daily_loss_sol"`
	InitialWalletSOL  float64 `yaml:"initial_wallet_sol"`
}

// ExitsConfig configures the exit-strategy engine.
type ExitsConfig struct {
	Recovery     RecoveryExitConfig `yaml:"recovery"`
	TakeProfit   TakeProfitConfig   `yaml:"take_profit"`
	TrailingStop TrailingStopConfig `yaml:"trailing_stop"`
	VolumeDrop   VolumeDropConfig   `yaml:"volume_based"`
	Reversal     ReversalConfig     `yaml:"reversal"`
}

type RecoveryExitConfig struct {
	MinStrength       float64 `yaml:"min_strength"`        // 0-100
	MinBuyPressure    float64 `yaml:"min_buy_pressure"`    // 0-1
	MinStructureScore float64 `yaml:"min_structure_score"` // 0-1
}

// Tier is a partial take-profit level: when the gain reaches
// ThresholdPct (strength-adjusted), sell Portion of the position.
type Tier struct {
	ThresholdPct float64 `yaml:"threshold_pct"`
	Portion      float64 `yaml:"portion"`
}

type TakeProfitConfig struct {
	Tiers []Tier `yaml:"tiers"`
}

type TrailingStopConfig struct {
	ActivationPct   float64 `yaml:"activation_pct"`    // gain needed before the stop arms
	BaseDistancePct float64 `yaml:"base_distance_pct"` // trail distance before strength adjustment
}

type VolumeDropConfig struct {
	DropThresholdPct float64 `yaml:"drop_threshold_pct"` // drop from peak volume
	MinBuyPressure   float64 `yaml:"min_buy_pressure"`
}

type ReversalConfig struct {
	MaxDrawdownPct          float64 `yaml:"max_drawdown_pct"`
	TimeWindowMs            int64   `yaml:"time_window_ms"`
	StructureChangeWindowMs int64   `yaml:"structure_change_window_ms"`
}

// SafetyConfig holds the criteria re-checked by the position validation loop.
type SafetyConfig struct {
	MinLiquiditySOL           float64 `yaml:"min_liquidity_sol"`
	MinHolders                int     `yaml:"min_holders"`
	MaxTopHolderConcentration float64 `yaml:"max_top_holder_concentration"` // pct
	MaxWalletPct              float64 `yaml:"max_wallet_pct"`
}

// FeedConfig configures the upstream websocket feed.
type FeedConfig struct {
	URL             string `yaml:"url"`
	ReconnectMs     int    `yaml:"reconnect_ms"`
	MaxRetries      int    `yaml:"max_retries"`
	PingIntervalS   int    `yaml:"ping_interval_s"`
	QueueSize       int    `yaml:"queue_size"`
	DrainIntervalMs int    `yaml:"drain_interval_ms"`
}

type TraderConfig struct {
	SaveMs                int     `yaml:"save_ms"`
	RelationshipThreshold int     `yaml:"relationship_threshold"`
	CoordinationThreshold int     `yaml:"coordination_threshold"`
	GroupCleanupMs        int64   `yaml:"group_cleanup_ms"`
	WashTolerancePct      float64 `yaml:"wash_tolerance_pct"`
}

// SimulationConfig parameterizes the fill simulator.
type SimulationConfig struct {
	NetworkDelay  NetworkDelayConfig `yaml:"network_delay"`
	AvgBlockTimeS float64            `yaml:"avg_block_time_s"`
	PriceImpact   PriceImpactConfig  `yaml:"price_impact"`
}

type NetworkDelayConfig struct {
	MinMs                 int     `yaml:"min_ms"`
	MaxMs                 int     `yaml:"max_ms"`
	CongestionMultiplier  float64 `yaml:"congestion_multiplier"`
	CongestionProbability float64 `yaml:"congestion_probability"`
}

type PriceImpactConfig struct {
	SlippageBasePct  float64 `yaml:"slippage_base_pct"`
	VolumeMultiplier float64 `yaml:"volume_multiplier"`
}

type OracleConfig struct {
	URL          string  `yaml:"url"`
	RefreshMs    int     `yaml:"refresh_ms"`
	FallbackRate float64 `yaml:"fallback_rate"` // USD per SOL used before first fetch
}

type SnapshotConfig struct {
	Dir        string `yaml:"dir"`
	IntervalMs int    `yaml:"interval_ms"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// Default returns the built-in configuration, used by tests and dry runs.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "ember-1"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	if cfg.MarketCap.MinUSD == 0 {
		cfg.MarketCap.MinUSD = 5_000
	}
	if cfg.MarketCap.MaxEntryUSD == 0 {
		cfg.MarketCap.MaxEntryUSD = 75_000
	}
	if cfg.MarketCap.DeadUSD == 0 {
		cfg.MarketCap.DeadUSD = 3_000
	}

	if cfg.Thresholds.HeatingUpMomentumPct == 0 {
		cfg.Thresholds.HeatingUpMomentumPct = 10
	}
	if cfg.Thresholds.FirstPumpMomentumPct == 0 {
		cfg.Thresholds.FirstPumpMomentumPct = 20
	}
	if cfg.Thresholds.PumpDrawdownPct == 0 {
		cfg.Thresholds.PumpDrawdownPct = 25
	}
	if cfg.Thresholds.MinBuyPressure == 0 {
		cfg.Thresholds.MinBuyPressure = 0.3
	}
	if cfg.Thresholds.MinStructureScore == 0 {
		cfg.Thresholds.MinStructureScore = 0.5
	}
	if cfg.Thresholds.MinRecoveryStrength == 0 {
		cfg.Thresholds.MinRecoveryStrength = 10
	}
	if cfg.Thresholds.MaxRecoveryVolatility == 0 {
		cfg.Thresholds.MaxRecoveryVolatility = 0.15
	}
	if cfg.Thresholds.SafeRecoveryGainPct == 0 {
		cfg.Thresholds.SafeRecoveryGainPct = 25
	}
	if cfg.Thresholds.SignificantVolumeSOL == 0 {
		cfg.Thresholds.SignificantVolumeSOL = 2.0
	}
	if cfg.Thresholds.StateEvalIntervalMs == 0 {
		cfg.Thresholds.StateEvalIntervalMs = 5_000
	}

	if cfg.Position.MinSOL == 0 {
		cfg.Position.MinSOL = 0.1
	}
	if cfg.Position.MaxSOL == 0 {
		cfg.Position.MaxSOL = 2.0
	}
	if cfg.Position.Ratio == 0 {
		cfg.Position.Ratio = 0.001
	}
	if cfg.Position.StopLossPct == 0 {
		cfg.Position.StopLossPct = 15
	}
	if cfg.Position.ProfitPct == 0 {
		cfg.Position.ProfitPct = 50
	}
	if cfg.Position.TrailingStopPct == 0 {
		cfg.Position.TrailingStopPct = 10
	}
	if cfg.Position.MaxHoldMs == 0 {
		cfg.Position.MaxHoldMs = 30 * 60 * 1000
	}
	if cfg.Position.VolatilityScaling == 0 {
		cfg.Position.VolatilityScaling = 2.0
	}
	if cfg.Position.MaxRiskPerTrade == 0 {
		cfg.Position.MaxRiskPerTrade = 0.1
	}
	if cfg.Position.MaxExposure == 0 {
		cfg.Position.MaxExposure = 0.5
	}
	if cfg.Position.MinRiskReward == 0 {
		cfg.Position.MinRiskReward = 2.0
	}
	if cfg.Position.MaxPositions == 0 {
		cfg.Position.MaxPositions = 5
	}
	if cfg.Position.MaxDailyLossSOL == 0 {
		cfg.Position.MaxDailyLossSOL = 2.0
	}
	if cfg.Position.InitialWalletSOL == 0 {
		cfg.Position.InitialWalletSOL = 10.0
	}

	if cfg.Exits.Recovery.MinStrength == 0 {
		cfg.Exits.Recovery.MinStrength = 10
	}
	if cfg.Exits.Recovery.MinBuyPressure == 0 {
		cfg.Exits.Recovery.MinBuyPressure = 0.25
	}
	if cfg.Exits.Recovery.MinStructureScore == 0 {
		cfg.Exits.Recovery.MinStructureScore = 0.4
	}
	if len(cfg.Exits.TakeProfit.Tiers) == 0 {
		cfg.Exits.TakeProfit.Tiers = []Tier{
			{ThresholdPct: 15, Portion: 0.2},
			{ThresholdPct: 30, Portion: 0.3},
			{ThresholdPct: 50, Portion: 0.3},
			{ThresholdPct: 80, Portion: 0.2},
		}
	}
	if cfg.Exits.TrailingStop.ActivationPct == 0 {
		cfg.Exits.TrailingStop.ActivationPct = 10
	}
	if cfg.Exits.TrailingStop.BaseDistancePct == 0 {
		cfg.Exits.TrailingStop.BaseDistancePct = 10
	}
	if cfg.Exits.VolumeDrop.DropThresholdPct == 0 {
		cfg.Exits.VolumeDrop.DropThresholdPct = 60
	}
	if cfg.Exits.VolumeDrop.MinBuyPressure == 0 {
		cfg.Exits.VolumeDrop.MinBuyPressure = 0.3
	}
	if cfg.Exits.Reversal.MaxDrawdownPct == 0 {
		cfg.Exits.Reversal.MaxDrawdownPct = 10
	}
	if cfg.Exits.Reversal.TimeWindowMs == 0 {
		cfg.Exits.Reversal.TimeWindowMs = 2 * 60 * 1000
	}
	if cfg.Exits.Reversal.StructureChangeWindowMs == 0 {
		cfg.Exits.Reversal.StructureChangeWindowMs = 60 * 1000
	}

	if cfg.Safety.MinLiquiditySOL == 0 {
		cfg.Safety.MinLiquiditySOL = 10
	}
	if cfg.Safety.MinHolders == 0 {
		cfg.Safety.MinHolders = 20
	}
	if cfg.Safety.MaxTopHolderConcentration == 0 {
		cfg.Safety.MaxTopHolderConcentration = 50
	}
	if cfg.Safety.MaxWalletPct == 0 {
		cfg.Safety.MaxWalletPct = 15
	}

	if cfg.Feed.ReconnectMs == 0 {
		cfg.Feed.ReconnectMs = 5_000
	}
	if cfg.Feed.MaxRetries == 0 {
		cfg.Feed.MaxRetries = 10
	}
	if cfg.Feed.PingIntervalS == 0 {
		cfg.Feed.PingIntervalS = 30
	}
	if cfg.Feed.QueueSize == 0 {
		cfg.Feed.QueueSize = 4096
	}
	if cfg.Feed.DrainIntervalMs == 0 {
		cfg.Feed.DrainIntervalMs = 100
	}

	if cfg.Trader.SaveMs == 0 {
		cfg.Trader.SaveMs = 30_000
	}
	if cfg.Trader.RelationshipThreshold == 0 {
		cfg.Trader.RelationshipThreshold = 5
	}
	if cfg.Trader.CoordinationThreshold == 0 {
		cfg.Trader.CoordinationThreshold = 3
	}
	if cfg.Trader.GroupCleanupMs == 0 {
		cfg.Trader.GroupCleanupMs = 60 * 60 * 1000
	}
	if cfg.Trader.WashTolerancePct == 0 {
		cfg.Trader.WashTolerancePct = 10
	}

	if cfg.Simulation.NetworkDelay.MinMs == 0 {
		cfg.Simulation.NetworkDelay.MinMs = 50
	}
	if cfg.Simulation.NetworkDelay.MaxMs == 0 {
		cfg.Simulation.NetworkDelay.MaxMs = 300
	}
	if cfg.Simulation.NetworkDelay.CongestionMultiplier == 0 {
		cfg.Simulation.NetworkDelay.CongestionMultiplier = 2.5
	}
	if cfg.Simulation.NetworkDelay.CongestionProbability == 0 {
		cfg.Simulation.NetworkDelay.CongestionProbability = 0.3
	}
	if cfg.Simulation.AvgBlockTimeS == 0 {
		cfg.Simulation.AvgBlockTimeS = 0.4
	}
	if cfg.Simulation.PriceImpact.SlippageBasePct == 0 {
		cfg.Simulation.PriceImpact.SlippageBasePct = 0.5
	}
	if cfg.Simulation.PriceImpact.VolumeMultiplier == 0 {
		cfg.Simulation.PriceImpact.VolumeMultiplier = 30
	}

	if cfg.Oracle.URL == "" {
		cfg.Oracle.URL = "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd"
	}
	if cfg.Oracle.RefreshMs == 0 {
		cfg.Oracle.RefreshMs = 60_000
	}
	if cfg.Oracle.FallbackRate == 0 {
		cfg.Oracle.FallbackRate = 150
	}

	if cfg.Snapshot.Dir == "" {
		cfg.Snapshot.Dir = "data"
	}
	if cfg.Snapshot.IntervalMs == 0 {
		cfg.Snapshot.IntervalMs = 30_000
	}
}

// Validate fails fast on configuration that cannot produce a working
// process. Called once at startup.
func (c *Config) Validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("websocket.url is required")
	}
	if c.MarketCap.MaxEntryUSD <= c.MarketCap.MinUSD {
		return fmt.Errorf("mcap.max_entry_usd (%.0f) must exceed mcap.min_usd (%.0f)",
			c.MarketCap.MaxEntryUSD, c.MarketCap.MinUSD)
	}
	if c.Position.MinSOL > c.Position.MaxSOL {
		return fmt.Errorf("position.min_sol (%.3f) must not exceed position.max_sol (%.3f)",
			c.Position.MinSOL, c.Position.MaxSOL)
	}
	if c.Position.StopLossPct <= 0 {
		return fmt.Errorf("position.stop_loss_pct must be positive")
	}
	totalPortion := 0.0
	for i, tier := range c.Exits.TakeProfit.Tiers {
		if tier.ThresholdPct <= 0 || tier.Portion <= 0 || tier.Portion > 1 {
			return fmt.Errorf("exit_strategies.take_profit.tiers[%d]: threshold must be positive and portion in (0,1]", i)
		}
		totalPortion += tier.Portion
	}
	if len(c.Exits.TakeProfit.Tiers) > 0 && totalPortion > 1.0+1e-9 {
		return fmt.Errorf("exit_strategies.take_profit.tiers portions sum to %.2f, must not exceed 1", totalPortion)
	}
	if c.Simulation.NetworkDelay.MinMs > c.Simulation.NetworkDelay.MaxMs {
		return fmt.Errorf("simulation.network_delay: min_ms must not exceed max_ms")
	}
	return nil
}
