// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml, path from
// ENGINE_CONFIG_PATH) with sensitive fields overridable via QUANTSAIL_* and
// the well-known environment variables (DATABASE_URL, REDIS_URL, MASTER_KEY,
// BINANCE_API_KEY, BINANCE_SECRET, BINANCE_TESTNET, MAX_TICKS).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Execution      ExecutionConfig        `mapstructure:"execution"`
	Risk           RiskConfig             `mapstructure:"risk"`
	Symbols        SymbolsConfig          `mapstructure:"symbols"`
	Portfolio      PortfolioConfig        `mapstructure:"portfolio"`
	Strategies     StrategiesConfig       `mapstructure:"strategies"`
	StopLoss       StopLossConfig         `mapstructure:"stop_loss"`
	TakeProfit     TakeProfitConfig       `mapstructure:"take_profit"`
	TrailingStop   TrailingStopConfig     `mapstructure:"trailing_stop"`
	PositionSizing PositionSizingConfig   `mapstructure:"position_sizing"`
	Breakers       BreakersConfig         `mapstructure:"breakers"`
	Cooldown       CooldownConfig         `mapstructure:"cooldown"`
	DailySymbol    DailySymbolLimitConfig `mapstructure:"daily_symbol_limit"`
	StreakSizer    StreakSizerConfig      `mapstructure:"streak_sizer"`
	Daily          DailyLockConfig        `mapstructure:"daily"`
	Engine         EngineConfig           `mapstructure:"engine"`
	API            APIConfig              `mapstructure:"api"`
	Database       DatabaseConfig         `mapstructure:"database"`
	Redis          RedisConfig            `mapstructure:"redis"`
	Exchange       ExchangeConfig         `mapstructure:"exchange"`
	Logging        LoggingConfig          `mapstructure:"logging"`
}

// ExecutionConfig selects the executor and its profitability floor.
type ExecutionConfig struct {
	Mode         string  `mapstructure:"mode"` // "dry_run" or "live"
	MinProfitUSD float64 `mapstructure:"min_profit_usd"`
	TakerFeeBps  float64 `mapstructure:"taker_fee_bps"`
}

// RiskConfig holds the account-level inputs for sizing and exposure checks.
type RiskConfig struct {
	StartingCashUSD    float64 `mapstructure:"starting_cash_usd"`
	MaxRiskPerTradePct float64 `mapstructure:"max_risk_per_trade_pct"`
}

// SymbolsConfig lists the tradeable universe in tick order.
type SymbolsConfig struct {
	Enabled                []string `mapstructure:"enabled"`
	MaxConcurrentPositions int      `mapstructure:"max_concurrent_positions"`
}

// PortfolioConfig sets the portfolio risk-manager limits, checked in order.
type PortfolioConfig struct {
	MaxCorrelatedPositions  int     `mapstructure:"max_correlated_positions"`
	MaxDailyTrades          int     `mapstructure:"max_daily_trades"`
	MaxDailyLossUSD         float64 `mapstructure:"max_daily_loss_usd"`
	MaxPortfolioExposurePct float64 `mapstructure:"max_portfolio_exposure_pct"`
}

// TrendConfig tunes the trend-following strategy.
type TrendConfig struct {
	EMAFast      int     `mapstructure:"ema_fast"`
	EMASlow      int     `mapstructure:"ema_slow"`
	ADXPeriod    int     `mapstructure:"adx_period"`
	ADXThreshold float64 `mapstructure:"adx_threshold"`
}

// MeanReversionConfig tunes the Bollinger/RSI mean-reversion strategy.
type MeanReversionConfig struct {
	BBPeriod    int     `mapstructure:"bb_period"`
	BBStdDev    float64 `mapstructure:"bb_std_dev"`
	RSIPeriod   int     `mapstructure:"rsi_period"`
	RSIOversold float64 `mapstructure:"rsi_oversold"`
}

// BreakoutConfig tunes the Donchian breakout strategy.
type BreakoutConfig struct {
	DonchianPeriod int     `mapstructure:"donchian_period"`
	ATRPeriod      int     `mapstructure:"atr_period"`
	ATRFilter      float64 `mapstructure:"atr_filter"` // breakout must clear prior high + filter × ATR
}

// VWAPReversionConfig tunes the VWAP-reversion strategy.
type VWAPReversionConfig struct {
	DeviationPct    float64 `mapstructure:"deviation_pct"`
	RSIPeriod       int     `mapstructure:"rsi_period"`
	RSIOversold     float64 `mapstructure:"rsi_oversold"`
	OBVConfirmation bool    `mapstructure:"obv_confirmation"`
	OBVSmoothing    int     `mapstructure:"obv_smoothing"`
}

// EnsembleOverride replaces ensemble weights and thresholds for one symbol.
// Nil fields keep the global value.
type EnsembleOverride struct {
	MinAgreement        *int     `mapstructure:"min_agreement"`
	ConfidenceThreshold *float64 `mapstructure:"confidence_threshold"`
	WeightedThreshold   *float64 `mapstructure:"weighted_threshold"`
	WeightTrend         *float64 `mapstructure:"weight_trend"`
	WeightMeanReversion *float64 `mapstructure:"weight_mean_reversion"`
	WeightBreakout      *float64 `mapstructure:"weight_breakout"`
	WeightVWAPReversion *float64 `mapstructure:"weight_vwap_reversion"`
}

// EnsembleConfig selects how strategy votes combine into one signal.
type EnsembleConfig struct {
	Mode                string                      `mapstructure:"mode"` // "agreement" or "weighted"
	MinAgreement        int                         `mapstructure:"min_agreement"`
	ConfidenceThreshold float64                     `mapstructure:"confidence_threshold"`
	WeightedThreshold   float64                     `mapstructure:"weighted_threshold"`
	WeightTrend         float64                     `mapstructure:"weight_trend"`
	WeightMeanReversion float64                     `mapstructure:"weight_mean_reversion"`
	WeightBreakout      float64                     `mapstructure:"weight_breakout"`
	WeightVWAPReversion float64                     `mapstructure:"weight_vwap_reversion"`
	PerCoinOverrides    map[string]EnsembleOverride `mapstructure:"per_coin_overrides"`
}

// RegimeOverride replaces regime thresholds for one symbol.
type RegimeOverride struct {
	ADXTrendThreshold *float64 `mapstructure:"adx_trend_threshold"`
	ATRPctVolatile    *float64 `mapstructure:"atr_pct_volatile"`
	ATRPctQuiet       *float64 `mapstructure:"atr_pct_quiet"`
}

// RegimeConfig tunes the market-regime classifier and the regimes in which
// entries are allowed.
type RegimeConfig struct {
	ADXPeriod          int                       `mapstructure:"adx_period"`
	ATRPeriod          int                       `mapstructure:"atr_period"`
	ADXTrendThreshold  float64                   `mapstructure:"adx_trend_threshold"`
	ATRPctVolatile     float64                   `mapstructure:"atr_pct_volatile"`
	ATRPctQuiet        float64                   `mapstructure:"atr_pct_quiet"`
	AllowedRegimes     []string                  `mapstructure:"allowed_regimes"`
	PerSymbolOverrides map[string]RegimeOverride `mapstructure:"per_symbol_overrides"`
}

// StrategiesConfig groups all strategy tuning plus ensemble and regime.
type StrategiesConfig struct {
	Trend         TrendConfig         `mapstructure:"trend"`
	MeanReversion MeanReversionConfig `mapstructure:"mean_reversion"`
	Breakout      BreakoutConfig      `mapstructure:"breakout"`
	VWAPReversion VWAPReversionConfig `mapstructure:"vwap_reversion"`
	Ensemble      EnsembleConfig      `mapstructure:"ensemble"`
	Regime        RegimeConfig        `mapstructure:"regime"`
}

// StopLossConfig selects how the initial stop is placed.
type StopLossConfig struct {
	Method        string  `mapstructure:"method"` // "fixed_pct" or "atr"
	FixedPct      float64 `mapstructure:"fixed_pct"`
	ATRPeriod     int     `mapstructure:"atr_period"`
	ATRMultiplier float64 `mapstructure:"atr_multiplier"`
}

// TakeProfitConfig selects how the take-profit is placed.
type TakeProfitConfig struct {
	Method          string  `mapstructure:"method"` // "fixed_pct" or "risk_reward"
	FixedPct        float64 `mapstructure:"fixed_pct"`
	RiskRewardRatio float64 `mapstructure:"risk_reward_ratio"`
}

// TrailingStopConfig tunes the trailing-stop updater.
type TrailingStopConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Method        string  `mapstructure:"method"` // "percent", "atr", "chandelier"
	ActivationPct float64 `mapstructure:"activation_pct"`
	TrailPct      float64 `mapstructure:"trail_pct"`
	ATRPeriod     int     `mapstructure:"atr_period"`
	ATRMultiplier float64 `mapstructure:"atr_multiplier"`
}

// PositionSizingConfig selects the sizing method and its caps.
type PositionSizingConfig struct {
	Method         string  `mapstructure:"method"` // "fixed", "risk_pct", "kelly"
	FixedQuantity  float64 `mapstructure:"fixed_quantity"`
	RiskPct        float64 `mapstructure:"risk_pct"`
	MaxPositionPct float64 `mapstructure:"max_position_pct"`
	KellyFraction  float64 `mapstructure:"kelly_fraction"`
}

// VolatilityBreakerConfig fires when the latest bar's range blows out vs ATR.
type VolatilityBreakerConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ATRMultiple  float64 `mapstructure:"atr_multiple"`
	PauseMinutes int     `mapstructure:"pause_minutes"`
}

// SpreadBreakerConfig fires when the top-of-book spread widens past the cap.
type SpreadBreakerConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	MaxSpreadBps float64 `mapstructure:"max_spread_bps"`
	PauseMinutes int     `mapstructure:"pause_minutes"`
}

// LossBreakerConfig fires after a run of consecutive losing trades.
type LossBreakerConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	MaxLosses    int  `mapstructure:"max_losses"`
	PauseMinutes int  `mapstructure:"pause_minutes"`
}

// NewsConfig controls the news-pause breaker and the headline poller that
// feeds it.
type NewsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	FeedURL      string        `mapstructure:"feed_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Keywords     []string      `mapstructure:"keywords"`
	PauseMinutes int           `mapstructure:"pause_minutes"`
}

// BreakersConfig groups all circuit breakers.
type BreakersConfig struct {
	Volatility        VolatilityBreakerConfig `mapstructure:"volatility"`
	SpreadSlippage    SpreadBreakerConfig     `mapstructure:"spread_slippage"`
	ConsecutiveLosses LossBreakerConfig       `mapstructure:"consecutive_losses"`
	News              NewsConfig              `mapstructure:"news"`
}

// CooldownConfig sets the per-symbol quiet period after a stop-loss.
type CooldownConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	CooldownMinutes int  `mapstructure:"cooldown_minutes"`
}

// DailySymbolLimitConfig blocks a symbol after N consecutive losses in a UTC day.
type DailySymbolLimitConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	MaxConsecutiveLosses int  `mapstructure:"max_consecutive_losses"`
}

// StreakSizerConfig shrinks position size while a symbol is on a losing streak.
type StreakSizerConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	MinConsecutiveLosses int     `mapstructure:"min_consecutive_losses"`
	ReductionFactor      float64 `mapstructure:"reduction_factor"`
}

// DailyLockConfig tunes the daily profit lock (STOP or OVERDRIVE).
type DailyLockConfig struct {
	Enabled                    bool    `mapstructure:"enabled"`
	Mode                       string  `mapstructure:"mode"` // "stop" or "overdrive"
	TargetUSD                  float64 `mapstructure:"target_usd"`
	OverdriveTrailingBufferUSD float64 `mapstructure:"overdrive_trailing_buffer_usd"`
	Timezone                   string  `mapstructure:"timezone"` // default UTC
}

// EngineConfig tunes the tick loop and its market-data fetches.
type EngineConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	CandleInterval string        `mapstructure:"candle_interval"` // exchange kline interval, e.g. "1m"
	CandleLimit    int           `mapstructure:"candle_limit"`
	OrderbookDepth int           `mapstructure:"orderbook_depth"`
	MaxTicks       int           `mapstructure:"max_ticks"` // 0 = unbounded; MAX_TICKS env overrides
}

// APIConfig controls the REST + live-stream server.
type APIConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Port                 int           `mapstructure:"port"`
	PublicRatePerMinute  int           `mapstructure:"public_rate_per_minute"`
	StreamPollInterval   time.Duration `mapstructure:"stream_poll_interval"`
	StreamHeartbeat      time.Duration `mapstructure:"stream_heartbeat"`
	StreamBatchLimit     int           `mapstructure:"stream_batch_limit"`
	ArmingTokenTTL       time.Duration `mapstructure:"arming_token_ttl"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig points the repository at Postgres (or a SQLite path).
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig points the control plane at Redis. Empty URL selects the
// in-memory safe-mode fallback.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// ExchangeConfig holds Binance credentials for live mode.
type ExchangeConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Secret  string `mapstructure:"secret"`
	Testnet bool   `mapstructure:"testnet"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QUANTSAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override from the well-known environment variables.
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if key := os.Getenv("BINANCE_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("BINANCE_SECRET"); secret != "" {
		cfg.Exchange.Secret = secret
	}
	if tn := os.Getenv("BINANCE_TESTNET"); tn == "true" || tn == "1" {
		cfg.Exchange.Testnet = true
	}
	if mt := os.Getenv("MAX_TICKS"); mt != "" {
		n, err := strconv.Atoi(mt)
		if err != nil {
			return nil, fmt.Errorf("MAX_TICKS must be an integer: %w", err)
		}
		cfg.Engine.MaxTicks = n
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Engine.TickInterval == 0 {
		c.Engine.TickInterval = 5 * time.Second
	}
	if c.Engine.CandleInterval == "" {
		c.Engine.CandleInterval = "1m"
	}
	if c.Engine.CandleLimit == 0 {
		c.Engine.CandleLimit = 200
	}
	if c.Engine.OrderbookDepth == 0 {
		c.Engine.OrderbookDepth = 20
	}
	if c.API.PublicRatePerMinute == 0 {
		c.API.PublicRatePerMinute = 60
	}
	if c.API.StreamPollInterval == 0 {
		c.API.StreamPollInterval = time.Second
	}
	if c.API.StreamHeartbeat == 0 {
		c.API.StreamHeartbeat = 15 * time.Second
	}
	if c.API.StreamBatchLimit == 0 {
		c.API.StreamBatchLimit = 100
	}
	if c.API.ArmingTokenTTL == 0 {
		c.API.ArmingTokenTTL = 30 * time.Second
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 15 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 15 * time.Second
	}
	if c.Daily.Timezone == "" {
		c.Daily.Timezone = "UTC"
	}
	if c.Breakers.News.PollInterval == 0 {
		c.Breakers.News.PollInterval = time.Minute
	}
}

// Validate checks required fields, value ranges, and the cross-field rules.
func (c *Config) Validate() error {
	switch c.Execution.Mode {
	case "dry_run", "live":
	default:
		return fmt.Errorf("execution.mode must be dry_run or live, got %q", c.Execution.Mode)
	}
	if c.Execution.Mode == "live" && (c.Exchange.APIKey == "" || c.Exchange.Secret == "") {
		return fmt.Errorf("live mode requires BINANCE_API_KEY and BINANCE_SECRET")
	}
	if len(c.Symbols.Enabled) == 0 {
		return fmt.Errorf("symbols.enabled must list at least one symbol")
	}
	if c.Symbols.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("symbols.max_concurrent_positions must be > 0")
	}
	if c.Risk.StartingCashUSD <= 0 {
		return fmt.Errorf("risk.starting_cash_usd must be > 0")
	}
	if c.Strategies.Trend.EMAFast >= c.Strategies.Trend.EMASlow {
		return fmt.Errorf("strategies.trend.ema_fast (%d) must be < ema_slow (%d)",
			c.Strategies.Trend.EMAFast, c.Strategies.Trend.EMASlow)
	}
	if c.Risk.MaxRiskPerTradePct > c.Portfolio.MaxPortfolioExposurePct {
		return fmt.Errorf("risk.max_risk_per_trade_pct (%.2f) must be <= portfolio.max_portfolio_exposure_pct (%.2f)",
			c.Risk.MaxRiskPerTradePct, c.Portfolio.MaxPortfolioExposurePct)
	}
	if c.Daily.Enabled && c.Portfolio.MaxDailyLossUSD > 2*c.Daily.TargetUSD {
		return fmt.Errorf("portfolio.max_daily_loss_usd (%.2f) must be <= 2 x daily.target_usd (%.2f)",
			c.Portfolio.MaxDailyLossUSD, c.Daily.TargetUSD)
	}
	switch c.Strategies.Ensemble.Mode {
	case "agreement", "weighted":
	default:
		return fmt.Errorf("strategies.ensemble.mode must be agreement or weighted, got %q", c.Strategies.Ensemble.Mode)
	}
	switch c.PositionSizing.Method {
	case "fixed", "risk_pct", "kelly":
	default:
		return fmt.Errorf("position_sizing.method must be fixed, risk_pct or kelly, got %q", c.PositionSizing.Method)
	}
	if c.Daily.Enabled {
		switch c.Daily.Mode {
		case "stop", "overdrive":
		default:
			return fmt.Errorf("daily.mode must be stop or overdrive, got %q", c.Daily.Mode)
		}
		if _, err := time.LoadLocation(c.Daily.Timezone); err != nil {
			return fmt.Errorf("daily.timezone: %w", err)
		}
	}
	if c.TrailingStop.Enabled {
		switch c.TrailingStop.Method {
		case "percent", "atr", "chandelier":
		default:
			return fmt.Errorf("trailing_stop.method must be percent, atr or chandelier, got %q", c.TrailingStop.Method)
		}
	}
	return nil
}

// EnsembleFor returns the ensemble settings with per-symbol overrides applied.
func (c *Config) EnsembleFor(symbol string) EnsembleConfig {
	e := c.Strategies.Ensemble
	o, ok := e.PerCoinOverrides[symbol]
	if !ok {
		return e
	}
	if o.MinAgreement != nil {
		e.MinAgreement = *o.MinAgreement
	}
	if o.ConfidenceThreshold != nil {
		e.ConfidenceThreshold = *o.ConfidenceThreshold
	}
	if o.WeightedThreshold != nil {
		e.WeightedThreshold = *o.WeightedThreshold
	}
	if o.WeightTrend != nil {
		e.WeightTrend = *o.WeightTrend
	}
	if o.WeightMeanReversion != nil {
		e.WeightMeanReversion = *o.WeightMeanReversion
	}
	if o.WeightBreakout != nil {
		e.WeightBreakout = *o.WeightBreakout
	}
	if o.WeightVWAPReversion != nil {
		e.WeightVWAPReversion = *o.WeightVWAPReversion
	}
	return e
}

// RegimeFor returns the regime settings with per-symbol overrides applied.
func (c *Config) RegimeFor(symbol string) RegimeConfig {
	r := c.Strategies.Regime
	o, ok := r.PerSymbolOverrides[symbol]
	if !ok {
		return r
	}
	if o.ADXTrendThreshold != nil {
		r.ADXTrendThreshold = *o.ADXTrendThreshold
	}
	if o.ATRPctVolatile != nil {
		r.ATRPctVolatile = *o.ATRPctVolatile
	}
	if o.ATRPctQuiet != nil {
		r.ATRPctQuiet = *o.ATRPctQuiet
	}
	return r
}
