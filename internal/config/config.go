package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	GitHub     GitHubConfig     `yaml:"github" mapstructure:"github"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Ranking    RankingConfig    `yaml:"ranking" mapstructure:"ranking"`
	Kafka      KafkaConfig      `yaml:"kafka" mapstructure:"kafka"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Archive    ArchiveConfig    `yaml:"archive" mapstructure:"archive"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig selects and configures the relational store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// GitHubConfig configures the supplemental lookup client and webhook verification.
type GitHubConfig struct {
	Token            string  `yaml:"token" mapstructure:"token"`
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent        string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSecond    float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	WebhookSecret    string  `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	CircuitThreshold int     `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// PipelineConfig holds stage defaults applied by the registry.
type PipelineConfig struct {
	BatchSize        int     `yaml:"batch_size" mapstructure:"batch_size"`
	RetryCount       int     `yaml:"retry_count" mapstructure:"retry_count"`
	MaxConcurrency   int     `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BackoffFactor    float64 `yaml:"backoff_factor" mapstructure:"backoff_factor"`
	StagingLimit     int     `yaml:"staging_limit" mapstructure:"staging_limit"`
	PendingLimit     int     `yaml:"pending_limit" mapstructure:"pending_limit"`
	DefinitionsFile  string  `yaml:"definitions_file" mapstructure:"definitions_file"`
}

// ScheduleEntry configures when one pipeline is due.
type ScheduleEntry struct {
	Cadence      string `yaml:"cadence" mapstructure:"cadence"`
	IntervalSecs int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
}

// SchedulerConfig configures the tick-driven scheduler.
type SchedulerConfig struct {
	TickSecs    int                      `yaml:"tick_secs" mapstructure:"tick_secs"`
	LockBackend string                   `yaml:"lock_backend" mapstructure:"lock_backend"`
	Pipelines   map[string]ScheduleEntry `yaml:"pipelines" mapstructure:"pipelines"`
}

// RankingWeights are the eight sub-score weights. They must sum to 1.0.
type RankingWeights struct {
	Volume              float64 `yaml:"volume" mapstructure:"volume"`
	CommitImpact        float64 `yaml:"commit_impact" mapstructure:"commit_impact"`
	Efficiency          float64 `yaml:"efficiency" mapstructure:"efficiency"`
	Collaboration       float64 `yaml:"collaboration" mapstructure:"collaboration"`
	RepoPopularity      float64 `yaml:"repo_popularity" mapstructure:"repo_popularity"`
	RepoInfluence       float64 `yaml:"repo_influence" mapstructure:"repo_influence"`
	Followers           float64 `yaml:"followers" mapstructure:"followers"`
	ProfileCompleteness float64 `yaml:"profile_completeness" mapstructure:"profile_completeness"`
}

// Sum returns the total of all weights.
func (w RankingWeights) Sum() float64 {
	return w.Volume + w.CommitImpact + w.Efficiency + w.Collaboration +
		w.RepoPopularity + w.RepoInfluence + w.Followers + w.ProfileCompleteness
}

// RankingConfig configures the contributor ranking engine.
type RankingConfig struct {
	Weights           RankingWeights `yaml:"weights" mapstructure:"weights"`
	HighStarThreshold int            `yaml:"high_star_threshold" mapstructure:"high_star_threshold"`
}

// KafkaConfig configures the staging event consumer.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
	GroupID string   `yaml:"group_id" mapstructure:"group_id"`
}

// RedisConfig configures the optional distributed single-flight lock.
type RedisConfig struct {
	Addr        string `yaml:"addr" mapstructure:"addr"`
	Password    string `yaml:"password" mapstructure:"password"`
	DB          int    `yaml:"db" mapstructure:"db"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// ArchiveConfig configures S3-compatible storage for ranking exports.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// MonitoringConfig configures the background health checker.
type MonitoringConfig struct {
	Enabled                 bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours     int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold    float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StagingBacklogThreshold int     `yaml:"staging_backlog_threshold" mapstructure:"staging_backlog_threshold"`
	StuckRunMinutes         int     `yaml:"stuck_run_minutes" mapstructure:"stuck_run_minutes"`
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GHPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "ghpipe.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.user_agent", "ghpipe")
	v.SetDefault("github.rate_per_second", 1.0)
	v.SetDefault("github.burst", 5)
	v.SetDefault("github.timeout_secs", 30)
	v.SetDefault("github.webhook_secret", "")
	v.SetDefault("github.circuit_threshold", 5)
	v.SetDefault("github.circuit_reset_secs", 30)
	v.SetDefault("pipeline.batch_size", 50)
	v.SetDefault("pipeline.retry_count", 3)
	v.SetDefault("pipeline.max_concurrency", 3)
	v.SetDefault("pipeline.initial_backoff_ms", 500)
	v.SetDefault("pipeline.max_backoff_ms", 30000)
	v.SetDefault("pipeline.backoff_factor", 2.0)
	v.SetDefault("pipeline.staging_limit", 1000)
	v.SetDefault("pipeline.pending_limit", 500)
	v.SetDefault("pipeline.definitions_file", "")
	v.SetDefault("scheduler.tick_secs", 30)
	v.SetDefault("scheduler.lock_backend", "store")
	v.SetDefault("scheduler.pipelines", map[string]any{
		"github-sync":         map[string]any{"interval_secs": 900, "enabled": true},
		"enrich-backfill":     map[string]any{"cadence": "hourly", "enabled": true},
		"contributor-ranking": map[string]any{"cadence": "daily", "enabled": true},
	})
	v.SetDefault("ranking.weights.volume", 0.20)
	v.SetDefault("ranking.weights.commit_impact", 0.15)
	v.SetDefault("ranking.weights.efficiency", 0.10)
	v.SetDefault("ranking.weights.collaboration", 0.15)
	v.SetDefault("ranking.weights.repo_popularity", 0.10)
	v.SetDefault("ranking.weights.repo_influence", 0.10)
	v.SetDefault("ranking.weights.followers", 0.10)
	v.SetDefault("ranking.weights.profile_completeness", 0.10)
	v.SetDefault("ranking.high_star_threshold", 1000)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "github-events")
	v.SetDefault("kafka.group_id", "ghpipe")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl_secs", 3600)
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.bucket", "ghpipe-rankings")
	v.SetDefault("archive.use_ssl", true)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.staging_backlog_threshold", 10000)
	v.SetDefault("monitoring.stuck_run_minutes", 120)
	v.SetDefault("monitoring.webhook_url", "")

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

// Validate checks the settings a command mode depends on. All problems are
// reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	if c.Pipeline.BatchSize <= 0 {
		errs = append(errs, "pipeline.batch_size must be positive")
	}
	if c.Pipeline.RetryCount < 0 {
		errs = append(errs, "pipeline.retry_count must not be negative")
	}
	if c.Pipeline.MaxConcurrency <= 0 {
		errs = append(errs, "pipeline.max_concurrency must be positive")
	}
	if sum := c.Ranking.Weights.Sum(); math.Abs(sum-1.0) > 0.001 {
		errs = append(errs, fmt.Sprintf("ranking.weights must sum to 1.0 (got %.3f)", sum))
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
		}
		if c.Scheduler.TickSecs <= 0 {
			errs = append(errs, "scheduler.tick_secs must be positive")
		}
		switch c.Scheduler.LockBackend {
		case "store":
		case "redis":
			if c.Redis.Addr == "" {
				errs = append(errs, "redis.addr is required when scheduler.lock_backend is redis")
			}
		default:
			errs = append(errs, fmt.Sprintf("scheduler.lock_backend %q is not supported", c.Scheduler.LockBackend))
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka.brokers is required")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka.topic is required")
		}
	case "archive":
		if c.Archive.Endpoint == "" {
			errs = append(errs, "archive.endpoint is required")
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive.bucket is required")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
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
