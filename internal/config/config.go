// Package config loads the hierarchical, dotted-key configuration tree
// spec.md §6 requires, following gregtusar-Basis/internal/config/config.go's
// viper.New() + SetDefault + struct-tree Unmarshal pattern.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type APIConfig struct {
	Binance BinanceConfig `mapstructure:"binance"`
}

type BinanceConfig struct {
	APIKey    string          `mapstructure:"api_key"`
	APISecret string          `mapstructure:"api_secret"`
	BaseURL   string          `mapstructure:"base_url"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	WebSocket WSConfig        `mapstructure:"websocket"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
	OrdersPerSecond   int `mapstructure:"orders_per_second"`
}

type RetryConfig struct {
	MaxRetries       int     `mapstructure:"max_retries"`
	RetryDelayMs     int     `mapstructure:"retry_delay_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
}

func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.RetryDelayMs) * time.Millisecond
}

type WSConfig struct {
	URL                   string `mapstructure:"url"`
	PingIntervalSec       int    `mapstructure:"ping_interval_sec"`
	PongTimeoutSec        int    `mapstructure:"pong_timeout_sec"`
	MaxReconnectAttempts  int    `mapstructure:"max_reconnect_attempts"`
	ReconnectIntervalSec  int    `mapstructure:"reconnect_interval_sec"`
}

type StrategyConfig struct {
	FundingArbitrage FundingArbitrageConfig `mapstructure:"funding_arbitrage"`
}

type FundingArbitrageConfig struct {
	TopNInstruments         int     `mapstructure:"top_n_instruments"`
	MinBasisRatio           float64 `mapstructure:"min_basis_ratio"`
	MinFundingRate          float64 `mapstructure:"min_funding_rate"`
	PreFundingMinutes       int     `mapstructure:"pre_funding_minutes"`
	PositionSizeUSD         float64 `mapstructure:"position_size_usd"`
	MaxPositionPerSymbol    float64 `mapstructure:"max_position_per_symbol"`
	MaxTotalPosition        float64 `mapstructure:"max_total_position"`
	MinLiquidityScore       float64 `mapstructure:"min_liquidity_score"`
	MaxSpreadRatio          float64 `mapstructure:"max_spread_ratio"`
	MinVolumeUSD            float64 `mapstructure:"min_volume_usd"`
	MinMarketImpactMinutes  int     `mapstructure:"min_market_impact_minutes"`
	UseTWAP                 bool    `mapstructure:"use_twap"`
	TWAPIntervals           int     `mapstructure:"twap_intervals"`
	ExecutionTimeoutSeconds int     `mapstructure:"execution_timeout_seconds"`
	MaxSlippage             float64 `mapstructure:"max_slippage"`
	StopLossRatio           float64 `mapstructure:"stop_loss_ratio"`
	ProfitTakeRatio         float64 `mapstructure:"profit_take_ratio"`
	MaxDrawdown             float64 `mapstructure:"max_drawdown"`
	PositionImbalanceTolerance float64 `mapstructure:"position_imbalance_tolerance"`
	TradingFee              float64 `mapstructure:"trading_fee"`
}

type RiskConfig struct {
	Limits  RiskLimits   `mapstructure:"limits"`
	Control RiskControl  `mapstructure:"control"`
}

type RiskLimits struct {
	MaxPositionSize         float64 `mapstructure:"max_position_size"`
	MaxTotalPositions       float64 `mapstructure:"max_total_positions"`
	MaxLeverage             float64 `mapstructure:"max_leverage"`
	MaxDrawdown             float64 `mapstructure:"max_drawdown"`
	MaxDailyLoss            float64 `mapstructure:"max_daily_loss"`
	MaxHourlyLoss           float64 `mapstructure:"max_hourly_loss"`
	MinMarginRatio          float64 `mapstructure:"min_margin_ratio"`
	MaxFundingExposure      float64 `mapstructure:"max_funding_exposure"`
	MaxTradesPerHour        int     `mapstructure:"max_trades_per_hour"`
	PriceDeviationThreshold float64 `mapstructure:"price_deviation_threshold"`
}

type RiskControl struct {
	AutoReducePosition   bool    `mapstructure:"auto_reduce_position"`
	AutoAdjustLeverage   bool    `mapstructure:"auto_adjust_leverage"`
	AutoReduceThreshold  float64 `mapstructure:"auto_reduce_threshold"`
	PositionReductionRatio float64 `mapstructure:"position_reduction_ratio"`
	MaxRetries           int     `mapstructure:"max_retries"`
	RetryDelayMs         int     `mapstructure:"retry_delay_ms"`
	MaxErrorsBeforeUnhealthy int `mapstructure:"max_errors_before_unhealthy"`
}

type MonitorConfig struct {
	General    GeneralMonitorConfig    `mapstructure:"general"`
	Prometheus PrometheusConfig        `mapstructure:"prometheus"`
	Alerts     AlertsConfig            `mapstructure:"alerts"`
}

type GeneralMonitorConfig struct {
	SnapshotIntervalSeconds int `mapstructure:"snapshot_interval_seconds"`
}

type PrometheusConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
}

type AlertsConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Channels []string `mapstructure:"channels"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
	Name   string `mapstructure:"name"`
}

type GCPConfig struct {
	ProjectID   string      `mapstructure:"project_id"`
	UseSecrets  bool        `mapstructure:"use_secrets"`
	SecretNames SecretNames `mapstructure:"secret_names"`
}

type SecretNames struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/fundingarb")
	}

	v.SetEnvPrefix("FUNDINGARB")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.binance.base_url", "https://fapi.binance.com")
	v.SetDefault("api.binance.rate_limit.requests_per_second", 10)
	v.SetDefault("api.binance.rate_limit.orders_per_second", 5)
	v.SetDefault("api.binance.retry.max_retries", 3)
	v.SetDefault("api.binance.retry.retry_delay_ms", 1000)
	v.SetDefault("api.binance.retry.backoff_multiplier", 2.0)
	v.SetDefault("api.binance.websocket.url", "wss://fstream.binance.com/stream")
	v.SetDefault("api.binance.websocket.ping_interval_sec", 20)
	v.SetDefault("api.binance.websocket.pong_timeout_sec", 10)
	v.SetDefault("api.binance.websocket.max_reconnect_attempts", 10)
	v.SetDefault("api.binance.websocket.reconnect_interval_sec", 5)

	v.SetDefault("strategy.funding_arbitrage.top_n_instruments", 5)
	v.SetDefault("strategy.funding_arbitrage.min_basis_ratio", 8e-4)
	v.SetDefault("strategy.funding_arbitrage.min_funding_rate", 1e-4)
	v.SetDefault("strategy.funding_arbitrage.pre_funding_minutes", 60)
	v.SetDefault("strategy.funding_arbitrage.position_size_usd", 1000.0)
	v.SetDefault("strategy.funding_arbitrage.max_position_per_symbol", 0.1)
	v.SetDefault("strategy.funding_arbitrage.max_total_position", 0.5)
	v.SetDefault("strategy.funding_arbitrage.min_liquidity_score", 0.7)
	v.SetDefault("strategy.funding_arbitrage.max_spread_ratio", 1e-3)
	v.SetDefault("strategy.funding_arbitrage.min_volume_usd", 1e6)
	v.SetDefault("strategy.funding_arbitrage.min_market_impact_minutes", 5)
	v.SetDefault("strategy.funding_arbitrage.use_twap", true)
	v.SetDefault("strategy.funding_arbitrage.twap_intervals", 3)
	v.SetDefault("strategy.funding_arbitrage.execution_timeout_seconds", 30)
	v.SetDefault("strategy.funding_arbitrage.max_slippage", 0.001)
	v.SetDefault("strategy.funding_arbitrage.stop_loss_ratio", 0.005)
	v.SetDefault("strategy.funding_arbitrage.profit_take_ratio", 0.003)
	v.SetDefault("strategy.funding_arbitrage.max_drawdown", 0.1)
	v.SetDefault("strategy.funding_arbitrage.position_imbalance_tolerance", 0.01)
	v.SetDefault("strategy.funding_arbitrage.trading_fee", 0.0004)

	v.SetDefault("risk.limits.max_position_size", 1.0)
	v.SetDefault("risk.limits.max_total_positions", 3.0)
	v.SetDefault("risk.limits.max_leverage", 20.0)
	v.SetDefault("risk.limits.max_drawdown", 0.1)
	v.SetDefault("risk.limits.max_daily_loss", 0.05)
	v.SetDefault("risk.limits.max_hourly_loss", 0.02)
	v.SetDefault("risk.limits.min_margin_ratio", 0.05)
	v.SetDefault("risk.limits.max_funding_exposure", 0.01)
	v.SetDefault("risk.limits.max_trades_per_hour", 30)
	v.SetDefault("risk.limits.price_deviation_threshold", 0.003)

	v.SetDefault("risk.control.auto_reduce_position", true)
	v.SetDefault("risk.control.auto_adjust_leverage", true)
	v.SetDefault("risk.control.auto_reduce_threshold", 0.8)
	v.SetDefault("risk.control.position_reduction_ratio", 0.5)
	v.SetDefault("risk.control.max_retries", 3)
	v.SetDefault("risk.control.retry_delay_ms", 1000)
	v.SetDefault("risk.control.max_errors_before_unhealthy", 3)

	v.SetDefault("monitor.general.snapshot_interval_seconds", 30)
	v.SetDefault("monitor.prometheus.enabled", true)
	v.SetDefault("monitor.prometheus.bind_address", ":9090")
	v.SetDefault("monitor.alerts.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.dir", "")
	v.SetDefault("logging.name", "fundingarb")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.secret_names.api_key", "fundingarb-binance-api-key")
	v.SetDefault("gcp.secret_names.api_secret", "fundingarb-binance-api-secret")
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.API.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.API.Binance.APISecret = v
	}
	if v := os.Getenv("GCP_PROJECT_ID"); v != "" {
		cfg.GCP.ProjectID = v
	}
	if os.Getenv("GCP_USE_SECRETS") == "true" {
		cfg.GCP.UseSecrets = true
	}
}
