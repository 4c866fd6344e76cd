package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the process configuration. Versioned domain configuration
// (tiers, weights, rules, budgets) lives in the snapshot file instead.
type Config struct {
	Store      StoreConfig               `yaml:"store" mapstructure:"store"`
	Log        LogConfig                 `yaml:"log" mapstructure:"log"`
	Server     ServerConfig              `yaml:"server" mapstructure:"server"`
	Engine     EngineConfig              `yaml:"engine" mapstructure:"engine"`
	Retry      RetryConfig               `yaml:"retry" mapstructure:"retry"`
	Breaker    BreakerConfig             `yaml:"breaker" mapstructure:"breaker"`
	Providers  map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Anthropic  AnthropicConfig           `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    PricingConfig             `yaml:"pricing" mapstructure:"pricing"`
	Snapshot   SnapshotConfig            `yaml:"snapshot" mapstructure:"snapshot"`
	Schedule   ScheduleConfig            `yaml:"schedule" mapstructure:"schedule"`
	Monitoring MonitoringConfig          `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// EngineConfig configures the worker pool and requeue behavior.
type EngineConfig struct {
	Workers        int           `yaml:"workers" mapstructure:"workers"`
	InlineRequeues int           `yaml:"inline_requeues" mapstructure:"inline_requeues"`
	MaxRequeues    int           `yaml:"max_requeues" mapstructure:"max_requeues"`
	RequeueBackoff time.Duration `yaml:"requeue_backoff" mapstructure:"requeue_backoff"`
	RequeueMax     time.Duration `yaml:"requeue_max_backoff" mapstructure:"requeue_max_backoff"`
	ReservationTTL time.Duration `yaml:"reservation_ttl" mapstructure:"reservation_ttl"`
	DrainLimit     int           `yaml:"drain_limit" mapstructure:"drain_limit"`
}

// RetryConfig is the in-place retry policy for transient provider failures.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter         float64       `yaml:"jitter" mapstructure:"jitter"`
}

// BreakerConfig configures the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// ProviderConfig describes one provider adapter. Kind "http" posts to URL;
// kind "reasoning" uses the Anthropic client.
type ProviderConfig struct {
	Kind      string        `yaml:"kind" mapstructure:"kind"`
	URL       string        `yaml:"url" mapstructure:"url"`
	APIKey    string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Model     string        `yaml:"model" mapstructure:"model"`
	MaxTokens int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	RPS       float64       `yaml:"rps" mapstructure:"rps"`
	Burst     int           `yaml:"burst" mapstructure:"burst"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PricingConfig holds per-model token pricing for reasoning tiers.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// SnapshotConfig locates the versioned domain configuration.
type SnapshotConfig struct {
	Path  string `yaml:"path" mapstructure:"path"`
	Watch bool   `yaml:"watch" mapstructure:"watch"`
}

// ScheduleConfig holds cron specs for background jobs.
type ScheduleConfig struct {
	DrainRequeues    string `yaml:"drain_requeues" mapstructure:"drain_requeues"`
	SweepReservation string `yaml:"sweep_reservations" mapstructure:"sweep_reservations"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	Enabled               bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold  float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	SpendThresholdUSD     float64 `yaml:"spend_threshold_usd" mapstructure:"spend_threshold_usd"`
	RequeueDepthThreshold int     `yaml:"requeue_depth_threshold" mapstructure:"requeue_depth_threshold"`
	BudgetSkipThreshold   int     `yaml:"budget_skip_threshold" mapstructure:"budget_skip_threshold"`
}

// Load reads configuration from file and environment. An empty path looks
// for an optional config.yaml in the working directory; an explicit path
// must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("WATERFALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "waterfall.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.inline_requeues", 2)
	v.SetDefault("engine.max_requeues", 5)
	v.SetDefault("engine.requeue_backoff", "2s")
	v.SetDefault("engine.requeue_max_backoff", "5m")
	v.SetDefault("engine.reservation_ttl", "15m")
	v.SetDefault("engine.drain_limit", 500)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "500ms")
	v.SetDefault("retry.max_backoff", "30s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.25)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "30s")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("snapshot.path", "snapshot.yaml")
	v.SetDefault("snapshot.watch", true)
	v.SetDefault("schedule.drain_requeues", "@every 30s")
	v.SetDefault("schedule.sweep_reservations", "@every 5m")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.requeue_depth_threshold", 1000)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate collects every configuration problem into one error.
func (c *Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	if c.Engine.Workers <= 0 {
		problems = append(problems, "engine.workers must be > 0")
	}
	if c.Engine.MaxRequeues < 0 || c.Engine.InlineRequeues < 0 {
		problems = append(problems, "engine requeue limits must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		problems = append(problems, "retry.max_attempts must be > 0")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		problems = append(problems, "retry.jitter must be within [0,1]")
	}
	if c.Snapshot.Path == "" {
		problems = append(problems, "snapshot.path is required")
	}
	for name, p := range c.Providers {
		switch p.Kind {
		case "http":
			if p.URL == "" {
				problems = append(problems, fmt.Sprintf("providers.%s.url is required for http providers", name))
			}
		case "reasoning":
			if c.Anthropic.Key == "" {
				problems = append(problems, fmt.Sprintf("providers.%s needs anthropic.key", name))
			}
		default:
			problems = append(problems, fmt.Sprintf("providers.%s.kind %q must be http or reasoning", name, p.Kind))
		}
		if p.RPS < 0 {
			problems = append(problems, fmt.Sprintf("providers.%s.rps must be >= 0", name))
		}
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		problems = append(problems, "monitoring.failure_rate_threshold must be within [0,1]")
	}
	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
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
