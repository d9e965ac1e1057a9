package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	"github.com/spf13/viper"
)

var (
	ServiceName    = "ibkr-orchestrator"
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

var ErrInvalidConfig = errors.New("invalid config")

type EnvConfig struct {
	Env                     string                 `mapstructure:"env"`
	Log                     LogConfig              `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration          `mapstructure:"graceful_shutdown_timeout"`
	Port                    map[string]string      `mapstructure:"port"`
	IBKR                    IBKRConfig             `mapstructure:"ibkr"`
	Strategy                StrategyConfig         `mapstructure:"strategy"`
	MarketData              MarketDataConfig       `mapstructure:"market_data"`
	Redis                   map[string]RedisConfig `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig    `mapstructure:"nats_jetstream"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type IBKRConfig struct {
	Gateway            string        `mapstructure:"gateway"`
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	ClientID           int           `mapstructure:"client_id"`
	Timeout            time.Duration `mapstructure:"timeout"`
	ReadOnly           bool          `mapstructure:"readonly"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	BaseURL            string        `mapstructure:"base_url"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	KeepAliveInterval  time.Duration `mapstructure:"keep_alive_interval"`
}

type StrategyConfig struct {
	SMAPeriod     int     `mapstructure:"sma_period"`
	CandleCount   int     `mapstructure:"candle_count"`
	OTMOffset     int     `mapstructure:"otm_offset"`
	IVThreshold   float64 `mapstructure:"iv_threshold"`
	MinRewardRisk float64 `mapstructure:"min_reward_risk"`
}

type MarketDataConfig struct {
	Exchange          string        `mapstructure:"exchange"`
	HistoryDays       int           `mapstructure:"history_days"`
	QuoteTimeout      time.Duration `mapstructure:"quote_timeout"`
	QuotePollInterval time.Duration `mapstructure:"quote_poll_interval"`
	MaxChainStrikes   int           `mapstructure:"max_chain_strikes"`
	MinDaysToExpiry   int           `mapstructure:"min_days_to_expiry"`
}

type RedisConfig struct {
	CacheDSN string        `mapstructure:"cache_dsn"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type NatsJetstreamConfig struct {
	URL             string        `mapstructure:"url"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log.show_caller", false)
	v.SetDefault("log.log_level", "info")
	v.SetDefault("graceful_shutdown_timeout", 10*time.Second)

	v.SetDefault("ibkr.gateway", string(entity.GatewayClientPortal))
	v.SetDefault("ibkr.host", "127.0.0.1")
	v.SetDefault("ibkr.port", 7497)
	v.SetDefault("ibkr.client_id", 1)
	v.SetDefault("ibkr.timeout", 5*time.Second)
	v.SetDefault("ibkr.readonly", true)
	v.SetDefault("ibkr.max_attempts", 3)
	v.SetDefault("ibkr.retry_backoff", 1*time.Second)
	v.SetDefault("ibkr.base_url", "")
	v.SetDefault("ibkr.insecure_skip_verify", true)
	v.SetDefault("ibkr.keep_alive_interval", 1*time.Second)

	v.SetDefault("strategy.sma_period", 50)
	v.SetDefault("strategy.candle_count", 2)
	v.SetDefault("strategy.otm_offset", 1)
	v.SetDefault("strategy.iv_threshold", 0.8)
	v.SetDefault("strategy.min_reward_risk", 1.0)

	v.SetDefault("market_data.exchange", entity.DefaultExchange)
	v.SetDefault("market_data.history_days", 60)
	v.SetDefault("market_data.quote_timeout", 2*time.Second)
	v.SetDefault("market_data.quote_poll_interval", 100*time.Millisecond)
	v.SetDefault("market_data.max_chain_strikes", 20)
	v.SetDefault("market_data.min_days_to_expiry", 30)

	v.SetDefault("nats_jetstream.url", "")
}

// Load reads, defaults and validates the config file at configPath.
// An empty path looks for ./config.yml.
func Load(configPath string) (*EnvConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName(filepath.Base(configPath))
			v.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				v.AddConfigPath(".")
			} else {
				v.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	err := v.ReadInConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg EnvConfig
	err = v.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func LoadConfig(configPath string) error {
	cfg, err := Load(configPath)
	if err != nil {
		return err
	}

	Env = cfg
	return nil
}

func (c *EnvConfig) Validate() error {
	if strings.TrimSpace(c.IBKR.Host) == "" {
		return fmt.Errorf("%w: ibkr host must be a non-empty string", ErrInvalidConfig)
	}
	if c.IBKR.Port <= 0 || c.IBKR.Port > 65535 {
		return fmt.Errorf("%w: ibkr port must be between 1 and 65535, got %d", ErrInvalidConfig, c.IBKR.Port)
	}
	if c.IBKR.ClientID < 0 {
		return fmt.Errorf("%w: ibkr client_id must not be negative, got %d", ErrInvalidConfig, c.IBKR.ClientID)
	}
	if c.IBKR.MaxAttempts <= 0 {
		return fmt.Errorf("%w: ibkr max_attempts must be positive, got %d", ErrInvalidConfig, c.IBKR.MaxAttempts)
	}

	if c.Strategy.SMAPeriod <= 0 {
		return fmt.Errorf("%w: sma period must be positive, got %d", ErrInvalidConfig, c.Strategy.SMAPeriod)
	}
	if c.Strategy.CandleCount <= 0 {
		return fmt.Errorf("%w: candle count must be positive, got %d", ErrInvalidConfig, c.Strategy.CandleCount)
	}
	if c.Strategy.OTMOffset < 0 {
		return fmt.Errorf("%w: otm offset must be non-negative, got %d", ErrInvalidConfig, c.Strategy.OTMOffset)
	}
	if c.Strategy.IVThreshold < 0 || c.Strategy.IVThreshold > 1 {
		return fmt.Errorf("%w: iv threshold must be between 0 and 1, got %v", ErrInvalidConfig, c.Strategy.IVThreshold)
	}
	if c.Strategy.MinRewardRisk <= 0 {
		return fmt.Errorf("%w: min reward/risk must be positive, got %v", ErrInvalidConfig, c.Strategy.MinRewardRisk)
	}

	if c.MarketData.MaxChainStrikes <= 0 {
		return fmt.Errorf("%w: market_data max_chain_strikes must be positive, got %d", ErrInvalidConfig, c.MarketData.MaxChainStrikes)
	}
	if c.MarketData.MinDaysToExpiry < 0 {
		return fmt.Errorf("%w: market_data min_days_to_expiry must not be negative, got %d", ErrInvalidConfig, c.MarketData.MinDaysToExpiry)
	}

	return nil
}

func (c IBKRConfig) ConnectionConfig() entity.ConnectionConfig {
	return entity.ConnectionConfig{
		Host:         c.Host,
		Port:         c.Port,
		ClientID:     c.ClientID,
		Timeout:      c.Timeout,
		ReadOnly:     c.ReadOnly,
		MaxAttempts:  c.MaxAttempts,
		RetryBackoff: c.RetryBackoff,
	}
}
