package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/email-extract/internal/cost"
	"github.com/sells-group/email-extract/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig                    `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig                `yaml:"anthropic" mapstructure:"anthropic"`
	Extraction ExtractionConfig               `yaml:"extraction" mapstructure:"extraction"`
	Providers  map[string]cost.ProviderLimits `yaml:"providers" mapstructure:"providers"`
	Models     map[string]cost.ModelInfo      `yaml:"models" mapstructure:"models"`
	Server     ServerConfig                   `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig               `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig                      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ExtractionConfig tunes per-item extraction and run recovery.
type ExtractionConfig struct {
	DefaultModel     string  `yaml:"default_model" mapstructure:"default_model"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BreakerFailures  int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	StaleAfterMins   int     `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
}

// Timeout returns the per-call extraction timeout.
func (e ExtractionConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSecs) * time.Second
}

// StaleAfter returns how old a heartbeat must be before a running run is
// considered abandoned.
func (e ExtractionConfig) StaleAfter() time.Duration {
	return time.Duration(e.StaleAfterMins) * time.Minute
}

// Retry returns the retry policy for model calls.
func (e ExtractionConfig) Retry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    e.MaxAttempts,
		InitialBackoff: time.Duration(e.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(e.MaxBackoffMs) * time.Millisecond,
		Multiplier:     2,
		JitterFraction: e.JitterFraction,
	}
}

// Breaker returns the per-provider circuit breaker settings.
func (e ExtractionConfig) Breaker() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: e.BreakerFailures,
		ResetTimeout:     time.Duration(e.BreakerResetSecs) * time.Second,
	}
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures run-health alerting.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	ErrorRateThreshold  float64 `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	CostThresholdUSD    float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CatalogTables returns the built-in model and provider tables overlaid
// with the configured entries.
func (c *Config) CatalogTables() (map[string]cost.ModelInfo, map[string]cost.ProviderLimits) {
	models := cost.DefaultModels()
	for id, m := range c.Models {
		models[id] = m
	}
	providers := cost.DefaultProviders()
	for name, p := range c.Providers {
		providers[name] = p
	}
	return models, providers
}

// NewCatalog builds the model catalog from the configuration.
func (c *Config) NewCatalog() *cost.Catalog {
	return cost.NewCatalog(c.CatalogTables())
}

func newViper() *viper.Viper {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EXTRACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.batch_size", 500)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("extraction.default_model", "claude-haiku-4-5-20251001")
	v.SetDefault("extraction.timeout_secs", 90)
	v.SetDefault("extraction.max_attempts", 3)
	v.SetDefault("extraction.initial_backoff_ms", 500)
	v.SetDefault("extraction.max_backoff_ms", 10000)
	v.SetDefault("extraction.jitter_fraction", 0.2)
	v.SetDefault("extraction.breaker_failures", 5)
	v.SetDefault("extraction.breaker_reset_secs", 30)
	v.SetDefault("extraction.stale_after_mins", 10)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.error_rate_threshold", 0.2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	return v
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	cfg, _, err := load()
	return cfg, err
}

// LoadAndWatch loads the configuration and, when a config file is in use,
// calls onChange with the re-read configuration every time the file
// changes. Reloads that fail to parse are logged and skipped.
func LoadAndWatch(onChange func(*Config)) (*Config, error) {
	cfg, v, err := load()
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			zap.L().Warn("config: reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		zap.L().Info("config: reloaded", zap.String("file", e.Name))
		onChange(&next)
	})
	v.WatchConfig()
	return cfg, nil
}

func load() (*Config, *viper.Viper, error) {
	v := newViper()

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, v, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
