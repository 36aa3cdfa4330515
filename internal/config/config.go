// Package config loads pipeline configuration from an optional config.yaml
// plus RIFTPIPE_-prefixed environment variables, and initializes the global
// logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Facts    FactsConfig    `yaml:"facts" mapstructure:"facts"`
	Meta     MetaConfig     `yaml:"meta" mapstructure:"meta"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Collect  CollectConfig  `yaml:"collect" mapstructure:"collect"`
	Spectate SpectateConfig `yaml:"spectate" mapstructure:"spectate"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Rating   RatingConfig   `yaml:"rating" mapstructure:"rating"`
	Tuner    TunerConfig    `yaml:"tuner" mapstructure:"tuner"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// APIConfig holds platform API credentials and endpoints.
type APIConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Token       string `yaml:"token" mapstructure:"token"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// FactsConfig configures the ClickHouse fact store connection.
type FactsConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Database string `yaml:"database" mapstructure:"database"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// MetaConfig configures the Postgres meta store (cursors, quarantine,
// prioritized accounts, hero builds).
type MetaConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ResourceConfig tunes the bounded client for one external resource key.
type ResourceConfig struct {
	CooldownMillis int  `yaml:"cooldown_millis" mapstructure:"cooldown_millis"`
	MaxInFlight    int  `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	FailFast       bool `yaml:"fail_fast" mapstructure:"fail_fast"`
	MaxAttempts    int  `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// Cooldown returns the configured cooldown as a duration.
func (r ResourceConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownMillis) * time.Millisecond
}

// FetchConfig configures the bounded external client.
type FetchConfig struct {
	Resources map[string]ResourceConfig `yaml:"resources" mapstructure:"resources"`
	Retry     RetryConfig               `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig mirrors resilience.RetryConfig in config shape.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CollectConfig groups the per-collector cadences and budgets.
type CollectConfig struct {
	Salts    SaltsConfig    `yaml:"salts" mapstructure:"salts"`
	Active   ActiveConfig   `yaml:"active" mapstructure:"active"`
	History  HistoryConfig  `yaml:"history" mapstructure:"history"`
	Profiles ProfilesConfig `yaml:"profiles" mapstructure:"profiles"`
	Builds   BuildsConfig   `yaml:"builds" mapstructure:"builds"`
}

// SaltsConfig configures the salt collector.
type SaltsConfig struct {
	IntervalSecs   int `yaml:"interval_secs" mapstructure:"interval_secs"`
	BatchSize      int `yaml:"batch_size" mapstructure:"batch_size"`
	MaxFailures    int `yaml:"max_failures" mapstructure:"max_failures"`
	RetryDelaySecs int `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	Concurrency    int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ActiveConfig configures the active-match collector.
type ActiveConfig struct {
	IntervalSecs    int `yaml:"interval_secs" mapstructure:"interval_secs"`
	DedupWindowSecs int `yaml:"dedup_window_secs" mapstructure:"dedup_window_secs"`
}

// HistoryConfig configures the match-history collector.
type HistoryConfig struct {
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs"`
	BatchSize    int `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency  int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ProfilesConfig configures the profile collector.
type ProfilesConfig struct {
	IntervalSecs   int `yaml:"interval_secs" mapstructure:"interval_secs"`
	BatchSize      int `yaml:"batch_size" mapstructure:"batch_size"`
	StaleAfterDays int `yaml:"stale_after_days" mapstructure:"stale_after_days"`
}

// BuildsConfig configures the hero-build collector.
type BuildsConfig struct {
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs"`
}

// SpectateConfig configures the spectator-protocol collector.
type SpectateConfig struct {
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	StartupGraceSecs int    `yaml:"startup_grace_secs" mapstructure:"startup_grace_secs"`
	SyncGraceSecs    int    `yaml:"sync_grace_secs" mapstructure:"sync_grace_secs"`
}

// IngestConfig configures the ingestion worker.
type IngestConfig struct {
	MaxRows           int    `yaml:"max_rows" mapstructure:"max_rows"`
	MaxBytes          int    `yaml:"max_bytes" mapstructure:"max_bytes"`
	FlushSecs         int    `yaml:"flush_secs" mapstructure:"flush_secs"`
	StagingDir        string `yaml:"staging_dir" mapstructure:"staging_dir"`
	PollSecs          int    `yaml:"poll_secs" mapstructure:"poll_secs"`
	ShutdownGraceSecs int    `yaml:"shutdown_grace_secs" mapstructure:"shutdown_grace_secs"`
}

// RatingConfig holds the Glicko-2 seed parameters and scan cadence.
type RatingConfig struct {
	Phi0         float64 `yaml:"phi0" mapstructure:"phi0"`
	Sigma0       float64 `yaml:"sigma0" mapstructure:"sigma0"`
	Tau          float64 `yaml:"tau" mapstructure:"tau"`
	DriftDays    float64 `yaml:"drift_days" mapstructure:"drift_days"`
	ScanLimit    int     `yaml:"scan_limit" mapstructure:"scan_limit"`
	IntervalSecs int     `yaml:"interval_secs" mapstructure:"interval_secs"`
}

// TunerConfig configures the offline hyperparameter tuner.
type TunerConfig struct {
	Enabled     bool  `yaml:"enabled" mapstructure:"enabled"`
	Trials      int   `yaml:"trials" mapstructure:"trials"`
	Seed        int64 `yaml:"seed" mapstructure:"seed"`
	Parallelism int   `yaml:"parallelism" mapstructure:"parallelism"`
	WindowDays  int   `yaml:"window_days" mapstructure:"window_days"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RIFTPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("api.base_url", "https://api.riftstats.gg/v1")
	v.SetDefault("api.timeout_secs", 10)
	v.SetDefault("facts.addr", "127.0.0.1:9000")
	v.SetDefault("facts.database", "riftstats")
	v.SetDefault("facts.username", "default")
	v.SetDefault("meta.max_conns", 10)
	v.SetDefault("meta.min_conns", 2)
	v.SetDefault("fetch.retry.max_attempts", 5)
	v.SetDefault("fetch.retry.initial_backoff_ms", 1000)
	v.SetDefault("fetch.retry.max_backoff_ms", 30000)
	v.SetDefault("fetch.retry.multiplier", 2.0)
	v.SetDefault("fetch.retry.jitter_fraction", 0.25)
	v.SetDefault("collect.salts.interval_secs", 60)
	v.SetDefault("collect.salts.batch_size", 100)
	v.SetDefault("collect.salts.max_failures", 30)
	v.SetDefault("collect.salts.retry_delay_secs", 36)
	v.SetDefault("collect.salts.concurrency", 2)
	v.SetDefault("collect.active.interval_secs", 121)
	v.SetDefault("collect.active.dedup_window_secs", 240)
	v.SetDefault("collect.history.interval_secs", 60)
	v.SetDefault("collect.history.batch_size", 100)
	v.SetDefault("collect.history.concurrency", 2)
	v.SetDefault("collect.profiles.interval_secs", 120)
	v.SetDefault("collect.profiles.batch_size", 100)
	v.SetDefault("collect.profiles.stale_after_days", 14)
	v.SetDefault("collect.builds.interval_secs", 10)
	v.SetDefault("spectate.startup_grace_secs", 30)
	v.SetDefault("spectate.sync_grace_secs", 5)
	v.SetDefault("ingest.max_rows", 1000)
	v.SetDefault("ingest.max_bytes", 4<<20)
	v.SetDefault("ingest.flush_secs", 10)
	v.SetDefault("ingest.staging_dir", "/var/lib/riftpipe/staging")
	v.SetDefault("ingest.poll_secs", 10)
	v.SetDefault("ingest.shutdown_grace_secs", 10)
	v.SetDefault("rating.phi0", 2.0)
	v.SetDefault("rating.sigma0", 0.06)
	v.SetDefault("rating.tau", 0.53)
	v.SetDefault("rating.drift_days", 90)
	v.SetDefault("rating.scan_limit", 100000)
	v.SetDefault("rating.interval_secs", 1800)
	v.SetDefault("tuner.trials", 200)
	v.SetDefault("tuner.seed", 1)
	v.SetDefault("tuner.parallelism", 4)
	v.SetDefault("tuner.window_days", 30)

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

// RequireAPI verifies the platform API credentials are present.
func (c *Config) RequireAPI() error {
	if c.API.Token == "" {
		return eris.New("config: api.token is required")
	}
	return nil
}

// RequireFacts verifies the fact store connection settings are present.
func (c *Config) RequireFacts() error {
	if c.Facts.Addr == "" || c.Facts.Database == "" {
		return eris.New("config: facts.addr and facts.database are required")
	}
	return nil
}

// RequireMeta verifies the meta store connection settings are present.
func (c *Config) RequireMeta() error {
	if c.Meta.DatabaseURL == "" {
		return eris.New("config: meta.database_url is required")
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
