package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Core      CoreConfig      `yaml:"core"`
	Log       LoggingConfig   `yaml:"log"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	Paper     PaperConfig     `yaml:"paper"`
	Feed      FeedConfig      `yaml:"feed"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

// CoreConfig holds the thresholds shared by every strategy kind.
type CoreConfig struct {
	BaseSpreadBps         float64       `yaml:"base_spread_bps"`
	MinSpreadBps          float64       `yaml:"min_spread_bps"`
	MaxSpreadBps          float64       `yaml:"max_spread_bps"`
	MaxPositionAbs        float64       `yaml:"max_position_abs"`
	UrgencyRouteThreshold float64       `yaml:"urgency_route_threshold"`
	SoftDrawdownPct       float64       `yaml:"soft_drawdown_pct"`
	HardDrawdownPct       float64       `yaml:"hard_drawdown_pct"`
	CycleInterval         time.Duration `yaml:"cycle_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StrategyConfig struct {
	Mode             string  `yaml:"mode"`
	Asset            string  `yaml:"asset"`
	Levels           int     `yaml:"levels"`
	VolumeNorm       float64 `yaml:"volume_norm"`
	SkewFactor       float64 `yaml:"skew_factor"`
	ClipSize         float64 `yaml:"clip_size"`
	VolatilityWeight float64 `yaml:"volatility_weight"`
	VolatilityCap    float64 `yaml:"volatility_cap"`
	InventoryWeight  float64 `yaml:"inventory_weight"`
	ConfidenceWeight float64 `yaml:"confidence_weight"`
	FavorMultiplier  float64 `yaml:"favor_multiplier"`
	MaxUrgency       float64 `yaml:"max_urgency"`
	TrendFastPeriod  int     `yaml:"trend_fast_period"`
	TrendSlowPeriod  int     `yaml:"trend_slow_period"`
	TrendTargetSize  float64 `yaml:"trend_target_size"`
	ATRPeriod        int     `yaml:"atr_period"`
	CandleInterval   string  `yaml:"candle_interval"`
	CandleWindow     int     `yaml:"candle_window"`
}

type RiskConfig struct {
	DeRiskSizeMultiplier   float64       `yaml:"de_risk_size_multiplier"`
	DeRiskSpreadMultiplier float64       `yaml:"de_risk_spread_multiplier"`
	HaltCooldown           time.Duration `yaml:"halt_cooldown"`
	ForceFlatten           bool          `yaml:"force_flatten"`
	MaxMarketAge           time.Duration `yaml:"max_market_age"`
	MaxAccountAge          time.Duration `yaml:"max_account_age"`
	MaxOpenOrders          int           `yaml:"max_open_orders"`
	MaxNotionalUSD         float64       `yaml:"max_notional_usd"`
}

type ExecutionConfig struct {
	AggressiveSlippageBps float64       `yaml:"aggressive_slippage_bps"`
	PassiveOffsetBps      float64       `yaml:"passive_offset_bps"`
	TickSize              float64       `yaml:"tick_size"`
	LotSize               float64       `yaml:"lot_size"`
	MinOrderUSD           float64       `yaml:"min_order_usd"`
	RetryAttempts         int           `yaml:"retry_attempts"`
	RetryBackoff          time.Duration `yaml:"retry_backoff"`
	CloidRetention        time.Duration `yaml:"cloid_retention"`
	RequestsPerSecond     float64       `yaml:"requests_per_second"`
	RequestBurst          int           `yaml:"request_burst"`
	BreakerFailures       uint32        `yaml:"breaker_failures"`
	BreakerCooldown       time.Duration `yaml:"breaker_cooldown"`
}

type PaperConfig struct {
	StartingEquityUSD float64       `yaml:"starting_equity_usd"`
	TakerFeeBps       float64       `yaml:"taker_fee_bps"`
	MakerFeeBps       float64       `yaml:"maker_fee_bps"`
	MatchInterval     time.Duration `yaml:"match_interval"`
}

type FeedConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueueSize       int           `yaml:"queue_size"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := newConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

// newConfig presets the spread coefficients before decoding. Zero is a
// meaningful value for them, so applyDefaults cannot fill them afterwards.
func newConfig() Config {
	return Config{
		Strategy: StrategyConfig{
			VolatilityWeight: 0.5,
			VolatilityCap:    1.0,
			InventoryWeight:  0.3,
			ConfidenceWeight: 0.2,
			FavorMultiplier:  1.2,
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Core.BaseSpreadBps == 0 {
		cfg.Core.BaseSpreadBps = 10
	}
	if cfg.Core.MinSpreadBps == 0 {
		cfg.Core.MinSpreadBps = 2
	}
	if cfg.Core.MaxSpreadBps == 0 {
		cfg.Core.MaxSpreadBps = 50
	}
	if cfg.Core.UrgencyRouteThreshold == 0 {
		cfg.Core.UrgencyRouteThreshold = 1.0
	}
	if cfg.Core.SoftDrawdownPct == 0 {
		cfg.Core.SoftDrawdownPct = 0.05
	}
	if cfg.Core.HardDrawdownPct == 0 {
		cfg.Core.HardDrawdownPct = 0.10
	}
	if cfg.Core.CycleInterval == 0 {
		cfg.Core.CycleInterval = time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Strategy.Mode == "" {
		cfg.Strategy.Mode = "hedger"
	}
	cfg.Strategy.Mode = strings.ToLower(strings.TrimSpace(cfg.Strategy.Mode))
	cfg.Strategy.Asset = strings.ToUpper(strings.TrimSpace(cfg.Strategy.Asset))
	if cfg.Strategy.Levels == 0 {
		cfg.Strategy.Levels = 5
	}
	if cfg.Strategy.VolumeNorm == 0 {
		cfg.Strategy.VolumeNorm = 10
	}
	if cfg.Strategy.SkewFactor == 0 {
		cfg.Strategy.SkewFactor = 0.5
	}
	if cfg.Strategy.ClipSize == 0 && cfg.Core.MaxPositionAbs > 0 {
		cfg.Strategy.ClipSize = cfg.Core.MaxPositionAbs / 10
	}
	if cfg.Strategy.MaxUrgency == 0 {
		cfg.Strategy.MaxUrgency = 10
	}
	if cfg.Strategy.TrendFastPeriod == 0 {
		cfg.Strategy.TrendFastPeriod = 12
	}
	if cfg.Strategy.TrendSlowPeriod == 0 {
		cfg.Strategy.TrendSlowPeriod = 26
	}
	if cfg.Strategy.TrendTargetSize == 0 {
		cfg.Strategy.TrendTargetSize = cfg.Strategy.ClipSize
	}
	if cfg.Strategy.ATRPeriod == 0 {
		cfg.Strategy.ATRPeriod = 14
	}
	if cfg.Strategy.CandleInterval == "" {
		cfg.Strategy.CandleInterval = "1m"
	}
	if cfg.Strategy.CandleWindow == 0 {
		cfg.Strategy.CandleWindow = 120
	}
	if cfg.Risk.DeRiskSizeMultiplier == 0 {
		cfg.Risk.DeRiskSizeMultiplier = 0.5
	}
	if cfg.Risk.DeRiskSpreadMultiplier == 0 {
		cfg.Risk.DeRiskSpreadMultiplier = 0.8
	}
	if cfg.Risk.MaxMarketAge == 0 {
		cfg.Risk.MaxMarketAge = 10 * time.Second
	}
	if cfg.Risk.MaxAccountAge == 0 {
		cfg.Risk.MaxAccountAge = 30 * time.Second
	}
	if cfg.Execution.AggressiveSlippageBps == 0 {
		cfg.Execution.AggressiveSlippageBps = 10
	}
	if cfg.Execution.PassiveOffsetBps == 0 {
		cfg.Execution.PassiveOffsetBps = 2
	}
	if cfg.Execution.RetryAttempts == 0 {
		cfg.Execution.RetryAttempts = 5
	}
	if cfg.Execution.RetryBackoff == 0 {
		cfg.Execution.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Execution.CloidRetention == 0 {
		cfg.Execution.CloidRetention = 24 * time.Hour
	}
	if cfg.Execution.RequestsPerSecond == 0 {
		cfg.Execution.RequestsPerSecond = 10
	}
	if cfg.Execution.RequestBurst == 0 {
		cfg.Execution.RequestBurst = 5
	}
	if cfg.Execution.BreakerFailures == 0 {
		cfg.Execution.BreakerFailures = 5
	}
	if cfg.Execution.BreakerCooldown == 0 {
		cfg.Execution.BreakerCooldown = 30 * time.Second
	}
	if cfg.Paper.StartingEquityUSD == 0 {
		cfg.Paper.StartingEquityUSD = 10000
	}
	if cfg.Paper.MatchInterval == 0 {
		cfg.Paper.MatchInterval = 250 * time.Millisecond
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/perp-core-bot.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 1024
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if token, ok := os.LookupEnv("PERP_TELEGRAM_TOKEN"); ok && strings.TrimSpace(token) != "" {
		cfg.Telegram.Token = strings.TrimSpace(token)
	}
	if chatID, ok := os.LookupEnv("PERP_TELEGRAM_CHAT_ID"); ok && strings.TrimSpace(chatID) != "" {
		cfg.Telegram.ChatID = strings.TrimSpace(chatID)
	}
	if dsn, ok := os.LookupEnv("PERP_TIMESCALE_DSN"); ok && strings.TrimSpace(dsn) != "" {
		cfg.Timescale.DSN = strings.TrimSpace(dsn)
	}
}

func validate(cfg *Config) error {
	if err := validateCore(cfg.Core); err != nil {
		return err
	}
	if err := validateStrategy(cfg.Strategy, cfg.Core); err != nil {
		return err
	}
	if err := ValidateRisk(cfg.Risk); err != nil {
		return err
	}
	if err := validateExecution(cfg.Execution); err != nil {
		return err
	}
	if cfg.Paper.StartingEquityUSD <= 0 {
		return invalid("paper.starting_equity_usd must be > 0")
	}
	if cfg.Paper.TakerFeeBps < 0 || cfg.Paper.MakerFeeBps < 0 {
		return invalid("paper fee bps must be >= 0")
	}
	if cfg.Feed.ReconnectDelay < 0 || cfg.Feed.PingInterval < 0 {
		return invalid("feed intervals must be >= 0")
	}
	if cfg.Metrics.EnabledValue() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return invalid("metrics.path must start with /")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return invalid("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Timescale.QueueSize < 0 {
		return invalid("timescale.queue_size must be >= 0")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return invalid("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return invalid("telegram.operator_enabled requires telegram.enabled")
	}
	return nil
}

func validateCore(core CoreConfig) error {
	if core.MaxPositionAbs <= 0 {
		return invalid("core.max_position_abs must be > 0")
	}
	if core.MinSpreadBps < 0 {
		return invalid("core.min_spread_bps must be >= 0")
	}
	if core.MinSpreadBps > core.BaseSpreadBps || core.BaseSpreadBps > core.MaxSpreadBps {
		return invalid("core spreads must satisfy min <= base <= max")
	}
	if core.UrgencyRouteThreshold < 0 {
		return invalid("core.urgency_route_threshold must be >= 0")
	}
	if core.SoftDrawdownPct <= 0 || core.SoftDrawdownPct >= core.HardDrawdownPct || core.HardDrawdownPct > 1 {
		return invalid("core drawdowns must satisfy 0 < soft < hard <= 1")
	}
	if core.CycleInterval <= 0 {
		return invalid("core.cycle_interval must be > 0")
	}
	return nil
}

func validateStrategy(s StrategyConfig, core CoreConfig) error {
	switch s.Mode {
	case "hedger", "maker", "trend":
	default:
		return invalid(fmt.Sprintf("strategy.mode %q must be hedger, maker or trend", s.Mode))
	}
	if s.Asset == "" {
		return invalid("strategy.asset is required")
	}
	if s.Levels <= 0 {
		return invalid("strategy.levels must be > 0")
	}
	for _, c := range []float64{s.VolatilityWeight, s.VolatilityCap, s.InventoryWeight, s.ConfidenceWeight, s.FavorMultiplier} {
		if !(c >= 0) || math.IsInf(c, 0) {
			return invalid("strategy spread coefficients must be finite and >= 0")
		}
	}
	if s.ConfidenceWeight >= 1 {
		return invalid("strategy.confidence_weight must be < 1")
	}
	if s.VolumeNorm <= 0 {
		return invalid("strategy.volume_norm must be > 0")
	}
	if s.ClipSize <= 0 {
		return invalid("strategy.clip_size must be > 0")
	}
	if s.MaxUrgency <= 0 {
		return invalid("strategy.max_urgency must be > 0")
	}
	if s.ATRPeriod <= 0 || s.CandleWindow <= s.ATRPeriod {
		return invalid("strategy.candle_window must exceed strategy.atr_period")
	}
	if s.Mode == "trend" {
		if s.TrendFastPeriod < 2 || s.TrendSlowPeriod <= s.TrendFastPeriod {
			return invalid("strategy trend periods must satisfy 2 <= fast < slow")
		}
		if s.CandleWindow < s.TrendSlowPeriod {
			return invalid("strategy.candle_window must cover strategy.trend_slow_period")
		}
		if s.TrendTargetSize <= 0 {
			return invalid("strategy.trend_target_size must be > 0")
		}
	}
	if s.TrendTargetSize > core.MaxPositionAbs {
		return invalid("strategy.trend_target_size exceeds core.max_position_abs")
	}
	return nil
}

// ValidateRisk checks a risk section, including runtime overrides.
func ValidateRisk(r RiskConfig) error {
	if !(r.DeRiskSizeMultiplier > 0) || r.DeRiskSizeMultiplier > 1 {
		return invalid("risk.de_risk_size_multiplier must be in (0, 1]")
	}
	if !(r.DeRiskSpreadMultiplier > 0) || r.DeRiskSpreadMultiplier > 1 {
		return invalid("risk.de_risk_spread_multiplier must be in (0, 1]")
	}
	if r.HaltCooldown < 0 {
		return invalid("risk.halt_cooldown must be >= 0")
	}
	if r.MaxMarketAge < 0 || r.MaxAccountAge < 0 {
		return invalid("risk ages must be >= 0")
	}
	if r.MaxOpenOrders < 0 {
		return invalid("risk.max_open_orders must be >= 0")
	}
	if r.MaxNotionalUSD < 0 {
		return invalid("risk.max_notional_usd must be >= 0")
	}
	return nil
}

func validateExecution(e ExecutionConfig) error {
	if e.AggressiveSlippageBps < 0 || e.PassiveOffsetBps < 0 {
		return invalid("execution bps must be >= 0")
	}
	if e.TickSize < 0 || e.LotSize < 0 || e.MinOrderUSD < 0 {
		return invalid("execution tick_size, lot_size and min_order_usd must be >= 0")
	}
	if e.RetryAttempts < 1 {
		return invalid("execution.retry_attempts must be >= 1")
	}
	if e.RetryBackoff < 0 || e.CloidRetention < 0 || e.BreakerCooldown < 0 {
		return invalid("execution durations must be >= 0")
	}
	if e.RequestsPerSecond < 0 || e.RequestBurst < 0 {
		return invalid("execution request limits must be >= 0")
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
