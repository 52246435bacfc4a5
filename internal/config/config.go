package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/discovery-cli/internal/cache"
	"github.com/sells-group/discovery-cli/internal/cost"
	"github.com/sells-group/discovery-cli/internal/gateway"
	"github.com/sells-group/discovery-cli/internal/pipeline"
	"github.com/sells-group/discovery-cli/internal/resilience"
	"github.com/sells-group/discovery-cli/internal/stage"
	"github.com/sells-group/discovery-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig                `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig            `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    PricingConfig              `yaml:"pricing" mapstructure:"pricing"`
	Budget     BudgetConfig               `yaml:"budget" mapstructure:"budget"`
	Cache      CacheConfig                `yaml:"cache" mapstructure:"cache"`
	Retry      resilience.RetrySettings   `yaml:"retry" mapstructure:"retry"`
	Circuit    resilience.CircuitSettings `yaml:"circuit" mapstructure:"circuit"`
	Gateway    GatewayConfig              `yaml:"gateway" mapstructure:"gateway"`
	Pipeline   PipelineConfig             `yaml:"pipeline" mapstructure:"pipeline"`
	Catalog    CatalogConfig              `yaml:"catalog" mapstructure:"catalog"`
	Server     ServerConfig               `yaml:"server" mapstructure:"server"`
	Temporal   TemporalConfig             `yaml:"temporal" mapstructure:"temporal"`
	Monitoring MonitoringConfig           `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig                  `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings and the models each
// generating stage uses.
type AnthropicConfig struct {
	Key                  string  `yaml:"key" mapstructure:"key"`
	BaseURL              string  `yaml:"base_url" mapstructure:"base_url"`
	SynthesisModel       string  `yaml:"synthesis_model" mapstructure:"synthesis_model"`
	SynthesisMaxTokens   int     `yaml:"synthesis_max_tokens" mapstructure:"synthesis_max_tokens"`
	SynthesisTemperature float64 `yaml:"synthesis_temperature" mapstructure:"synthesis_temperature"`
	MappingModel         string  `yaml:"mapping_model" mapstructure:"mapping_model"`
	MappingMaxTokens     int     `yaml:"mapping_max_tokens" mapstructure:"mapping_max_tokens"`
	MappingTemperature   float64 `yaml:"mapping_temperature" mapstructure:"mapping_temperature"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]cost.ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
}

// BudgetConfig bounds spend per run and per client.
type BudgetConfig struct {
	DefaultCeiling      float64 `yaml:"default_ceiling" mapstructure:"default_ceiling"`
	ClientWindowCeiling float64 `yaml:"client_window_ceiling" mapstructure:"client_window_ceiling"`
	ClientWindowHours   int     `yaml:"client_window_hours" mapstructure:"client_window_hours"`
}

// CacheConfig configures the fingerprint cache.
type CacheConfig struct {
	SynthesisTTLHours  int `yaml:"synthesis_ttl_hours" mapstructure:"synthesis_ttl_hours"`
	MappingTTLHours    int `yaml:"mapping_ttl_hours" mapstructure:"mapping_ttl_hours"`
	SchemaVersion      int `yaml:"schema_version" mapstructure:"schema_version"`
	ClaimTTLSecs       int `yaml:"claim_ttl_secs" mapstructure:"claim_ttl_secs"`
	PollIntervalMs     int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	PurgeIntervalMins  int `yaml:"purge_interval_mins" mapstructure:"purge_interval_mins"`
	ComputeTimeoutSecs int `yaml:"compute_timeout_secs" mapstructure:"compute_timeout_secs"`
}

// GatewayConfig configures the generation gateway.
type GatewayConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	MaxStageRetries   int                      `yaml:"max_stage_retries" mapstructure:"max_stage_retries"`
	StageBackoff      resilience.RetrySettings `yaml:"stage_backoff" mapstructure:"stage_backoff"`
	LeaseSecs         int                      `yaml:"lease_secs" mapstructure:"lease_secs"`
	PollIntervalMs    int                      `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	PartialReports    bool                     `yaml:"partial_reports" mapstructure:"partial_reports"`
	WorkerID          string                   `yaml:"worker_id" mapstructure:"worker_id"`
	Sections          []string                 `yaml:"sections" mapstructure:"sections"`
	MaxConcurrentRuns int                      `yaml:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
}

// CatalogConfig locates the service catalog. An empty path uses the
// built-in catalog.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	CORSOrigins         []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// TemporalConfig configures the durable worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// MonitoringConfig configures run health checks and webhook alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThreshold        float64 `yaml:"cost_threshold" mapstructure:"cost_threshold"`
	StuckRunMins         int     `yaml:"stuck_run_mins" mapstructure:"stuck_run_mins"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DISCOVERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "discovery.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.synthesis_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.synthesis_max_tokens", 4000)
	v.SetDefault("anthropic.synthesis_temperature", 0.4)
	v.SetDefault("anthropic.mapping_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.mapping_max_tokens", 6000)
	v.SetDefault("anthropic.mapping_temperature", 0.2)
	v.SetDefault("budget.default_ceiling", 5.0)
	v.SetDefault("budget.client_window_ceiling", 0.0)
	v.SetDefault("budget.client_window_hours", 24)
	v.SetDefault("cache.synthesis_ttl_hours", 168)
	v.SetDefault("cache.mapping_ttl_hours", 168)
	v.SetDefault("cache.schema_version", 1)
	v.SetDefault("cache.claim_ttl_secs", 300)
	v.SetDefault("cache.poll_interval_ms", 500)
	v.SetDefault("cache.purge_interval_mins", 60)
	v.SetDefault("cache.compute_timeout_secs", 600)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("gateway.requests_per_second", 5.0)
	v.SetDefault("gateway.burst", 5)
	v.SetDefault("gateway.timeout_secs", 120)
	v.SetDefault("pipeline.max_stage_retries", 3)
	v.SetDefault("pipeline.stage_backoff.initial_backoff_ms", 5000)
	v.SetDefault("pipeline.stage_backoff.max_backoff_ms", 300000)
	v.SetDefault("pipeline.stage_backoff.multiplier", 2.0)
	v.SetDefault("pipeline.stage_backoff.jitter_fraction", 0.25)
	v.SetDefault("pipeline.lease_secs", 900)
	v.SetDefault("pipeline.poll_interval_ms", 1000)
	v.SetDefault("pipeline.partial_reports", true)
	v.SetDefault("pipeline.worker_id", "")
	v.SetDefault("pipeline.sections", stage.DefaultSections)
	v.SetDefault("pipeline.max_concurrent_runs", 4)
	v.SetDefault("catalog.path", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 30)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "discovery-runs")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.cost_threshold", 0.0)
	v.SetDefault("monitoring.stuck_run_mins", 60)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
	if len(cfg.Pricing.Anthropic) == 0 {
		cfg.Pricing.Anthropic = cost.DefaultRates().Anthropic
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. Mode is one of "serve",
// "run", "worker" or "store" (store-only commands such as migrate).
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the sqlite driver")
		}
	case "memory":
	default:
		problems = append(problems, "store.driver must be postgres, sqlite or memory")
	}

	executes := false
	switch mode {
	case "store":
	case "run":
		executes = true
	case "serve":
		executes = true
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Pipeline.MaxConcurrentRuns < 1 || c.Pipeline.MaxConcurrentRuns > 64 {
			problems = append(problems, "pipeline.max_concurrent_runs must be between 1 and 64")
		}
		if c.Monitoring.Enabled && (c.Monitoring.FailureRateThreshold <= 0 || c.Monitoring.FailureRateThreshold > 1) {
			problems = append(problems, "monitoring.failure_rate_threshold must be in (0, 1]")
		}
	case "worker":
		executes = true
		if c.Temporal.HostPort == "" {
			problems = append(problems, "temporal.host_port is required")
		}
		if c.Temporal.TaskQueue == "" {
			problems = append(problems, "temporal.task_queue is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if executes {
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Budget.DefaultCeiling <= 0 {
			problems = append(problems, "budget.default_ceiling must be > 0")
		}
		if c.Budget.ClientWindowCeiling < 0 {
			problems = append(problems, "budget.client_window_ceiling must be >= 0")
		}
		if c.Pipeline.MaxStageRetries < 0 {
			problems = append(problems, "pipeline.max_stage_retries must be >= 0")
		}
		if c.Cache.SchemaVersion < 1 {
			problems = append(problems, "cache.schema_version must be >= 1")
		}
		calc := cost.NewCalculator(c.Rates())
		for _, m := range []string{c.Anthropic.SynthesisModel, c.Anthropic.MappingModel} {
			if m != "" && !calc.Known(m) {
				problems = append(problems, "pricing.anthropic has no rate for model "+m)
			}
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// StoreOptions converts the store section.
func (c *Config) StoreOptions() store.Config {
	return store.Config{
		Driver:      c.Store.Driver,
		DatabaseURL: c.Store.DatabaseURL,
		MaxConns:    c.Store.MaxConns,
		MinConns:    c.Store.MinConns,
	}
}

// StageConfig converts the model, section and cache settings the stage
// executors read.
func (c *Config) StageConfig() stage.Config {
	cfg := stage.DefaultConfig()
	timeout := secs(c.Gateway.TimeoutSecs)
	cfg.SchemaVersion = c.Cache.SchemaVersion
	cfg.Synthesis = stage.ModelConfig{
		Model:       c.Anthropic.SynthesisModel,
		MaxTokens:   c.Anthropic.SynthesisMaxTokens,
		Temperature: c.Anthropic.SynthesisTemperature,
		Timeout:     timeout,
	}
	cfg.Mapping = stage.ModelConfig{
		Model:       c.Anthropic.MappingModel,
		MaxTokens:   c.Anthropic.MappingMaxTokens,
		Temperature: c.Anthropic.MappingTemperature,
		Timeout:     timeout,
	}
	if c.Cache.SynthesisTTLHours > 0 {
		cfg.SynthesisTTL = time.Duration(c.Cache.SynthesisTTLHours) * time.Hour
	}
	if c.Cache.MappingTTLHours > 0 {
		cfg.MappingTTL = time.Duration(c.Cache.MappingTTLHours) * time.Hour
	}
	if len(c.Pipeline.Sections) > 0 {
		cfg.Sections = c.Pipeline.Sections
	}
	return cfg
}

// CacheOptions converts the cache claim settings.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		ClaimTTL:       secs(c.Cache.ClaimTTLSecs),
		PollInterval:   time.Duration(c.Cache.PollIntervalMs) * time.Millisecond,
		ComputeTimeout: secs(c.Cache.ComputeTimeoutSecs),
	}
}

// GatewayOptions converts the gateway, retry and circuit sections.
func (c *Config) GatewayOptions() gateway.Config {
	return gateway.Config{
		RequestsPerSecond: c.Gateway.RequestsPerSecond,
		Burst:             c.Gateway.Burst,
		Timeout:           secs(c.Gateway.TimeoutSecs),
		Retry:             c.Retry.RetryConfig(),
		Circuit:           c.Circuit.CircuitConfig(),
	}
}

// Rates returns the configured provider pricing.
func (c *Config) Rates() cost.Rates {
	return cost.Rates{Anthropic: c.Pricing.Anthropic}
}

// LedgerWindow converts the per-client spend window.
func (c *Config) LedgerWindow() cost.WindowConfig {
	return cost.WindowConfig{
		Ceiling: c.Budget.ClientWindowCeiling,
		Period:  time.Duration(c.Budget.ClientWindowHours) * time.Hour,
	}
}

// OrchestratorConfig converts the pipeline section.
func (c *Config) OrchestratorConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.MaxStageRetries = c.Pipeline.MaxStageRetries
	cfg.StageBackoff = c.Pipeline.StageBackoff.RetryConfig()
	if c.Pipeline.LeaseSecs > 0 {
		cfg.LeaseDuration = secs(c.Pipeline.LeaseSecs)
	}
	if c.Pipeline.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(c.Pipeline.PollIntervalMs) * time.Millisecond
	}
	cfg.PartialReports = c.Pipeline.PartialReports
	cfg.DefaultBudget = c.Budget.DefaultCeiling
	cfg.WorkerID = c.Pipeline.WorkerID
	return cfg
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

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
