package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Bitfinex    Bitfinex           `mapstructure:"bitfinex"`
	Telegram    Telegram           `mapstructure:"telegram"`
	Monitor     Monitor            `mapstructure:"monitor"`
	Thresholds  Thresholds         `mapstructure:"thresholds"`
	RiskWeights map[string]float64 `mapstructure:"risk_weights"`
	// PositionPriority maps a symbol to its closure order: lower values are
	// closed first. The "default" key applies to unlisted symbols.
	PositionPriority map[string]int `mapstructure:"position_priority"`
	Liquidation      Liquidation    `mapstructure:"liquidation"`
	Database         Database       `mapstructure:"database"`
	Logger           Logger         `mapstructure:"logger"`
	Server           Server         `mapstructure:"server"`
}

// Bitfinex holds the configuration for the Bitfinex API.
type Bitfinex struct {
	ApiKey         string  `mapstructure:"api_key"`
	ApiSecret      string  `mapstructure:"api_secret"`
	BaseURL        string  `mapstructure:"base_url"`
	WsURL          string  `mapstructure:"ws_url"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Telegram holds the configuration for Telegram notifications.
type Telegram struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	Enabled  bool   `mapstructure:"enabled"`
}

// Monitor holds the polling and volatility settings.
type Monitor struct {
	PollIntervalSec        int `mapstructure:"poll_interval_sec"`
	VolatilityLookbackDays int `mapstructure:"volatility_lookback_days"`
}

// Thresholds holds the trigger thresholds for rebalancing and alerts.
type Thresholds struct {
	MinAdjustmentUSDT        float64 `mapstructure:"min_adjustment_usdt"`
	MinDeviationPct          float64 `mapstructure:"min_deviation_pct"`
	EmergencyMarginRate      float64 `mapstructure:"emergency_margin_rate"`
	PriceSpikePct            float64 `mapstructure:"price_spike_pct"`
	AccountMarginRateWarning float64 `mapstructure:"account_margin_rate_warning"`
}

// Liquidation holds the partial-close settings.
type Liquidation struct {
	Enabled                bool    `mapstructure:"enabled"`
	MaxSingleClosePct      float64 `mapstructure:"max_single_close_pct"`
	CooldownSeconds        int     `mapstructure:"cooldown_seconds"`
	SafetyMarginMultiplier float64 `mapstructure:"safety_margin_multiplier"`
	DryRun                 bool    `mapstructure:"dry_run"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Server holds the configuration for the embedded report server.
type Server struct {
	Port int `mapstructure:"port"`
}

// RiskWeight returns the manually configured risk weight for a symbol.
// The second return value reports whether a weight was configured.
func (c *Config) RiskWeight(symbol string) (float64, bool) {
	w, ok := c.RiskWeights[symbol]
	return w, ok
}

// defaultPositionPriority applies when neither the symbol nor a "default"
// entry is configured.
const defaultPositionPriority = 50

// GetPositionPriority returns the closure priority for a symbol. Lower values
// are closed first.
func (c *Config) GetPositionPriority(symbol string) int {
	if p, ok := c.PositionPriority[symbol]; ok {
		return p
	}
	if p, ok := c.PositionPriority["default"]; ok {
		return p
	}
	return defaultPositionPriority
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("bitfinex.base_url", "https://api.bitfinex.com")
	viper.SetDefault("bitfinex.ws_url", "wss://api.bitfinex.com/ws/2")
	viper.SetDefault("bitfinex.rate_limit", 10) // requests per second
	viper.SetDefault("bitfinex.rate_limit_burst", 5)
	viper.SetDefault("telegram.enabled", true)
	viper.SetDefault("monitor.poll_interval_sec", 60)
	viper.SetDefault("monitor.volatility_lookback_days", 7)
	viper.SetDefault("thresholds.min_adjustment_usdt", 50.0)
	viper.SetDefault("thresholds.min_deviation_pct", 5.0)
	viper.SetDefault("thresholds.emergency_margin_rate", 2.0)
	viper.SetDefault("thresholds.price_spike_pct", 3.0)
	viper.SetDefault("thresholds.account_margin_rate_warning", 3.0)
	viper.SetDefault("liquidation.enabled", true)
	viper.SetDefault("liquidation.max_single_close_pct", 25.0)
	viper.SetDefault("liquidation.cooldown_seconds", 30)
	viper.SetDefault("liquidation.safety_margin_multiplier", 3.0)
	viper.SetDefault("liquidation.dry_run", true)
	viper.SetDefault("database.dsn", "data/margin_balancer.db")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("server.port", 8080)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	err = config.Validate()
	return
}

// Validate checks for configuration values that would make the service
// misbehave at runtime. It runs once at startup; steady-state code never
// re-validates.
func (c *Config) Validate() error {
	if c.Bitfinex.ApiKey == "" || c.Bitfinex.ApiSecret == "" {
		return fmt.Errorf("config: bitfinex api_key and api_secret are required")
	}
	if c.Monitor.PollIntervalSec <= 0 {
		return fmt.Errorf("config: monitor.poll_interval_sec must be positive, got %d", c.Monitor.PollIntervalSec)
	}
	if c.Monitor.VolatilityLookbackDays < 2 {
		return fmt.Errorf("config: monitor.volatility_lookback_days must be at least 2, got %d", c.Monitor.VolatilityLookbackDays)
	}
	if c.Thresholds.MinAdjustmentUSDT < 0 {
		return fmt.Errorf("config: thresholds.min_adjustment_usdt must not be negative")
	}
	if c.Thresholds.EmergencyMarginRate <= 0 {
		return fmt.Errorf("config: thresholds.emergency_margin_rate must be positive")
	}
	if c.Liquidation.MaxSingleClosePct <= 0 || c.Liquidation.MaxSingleClosePct > 100 {
		return fmt.Errorf("config: liquidation.max_single_close_pct must be in (0, 100], got %v", c.Liquidation.MaxSingleClosePct)
	}
	if c.Liquidation.SafetyMarginMultiplier <= 0 {
		return fmt.Errorf("config: liquidation.safety_margin_multiplier must be positive")
	}
	for symbol, w := range c.RiskWeights {
		if w <= 0 {
			return fmt.Errorf("config: risk_weights.%s must be positive, got %v", symbol, w)
		}
	}
	return nil
}
