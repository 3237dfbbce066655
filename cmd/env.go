package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/config"
	"github.com/sells-group/ghpipe/internal/pipeline"
	"github.com/sells-group/ghpipe/internal/ranking"
	"github.com/sells-group/ghpipe/internal/resilience"
	"github.com/sells-group/ghpipe/internal/scheduler"
	"github.com/sells-group/ghpipe/internal/store"
	"github.com/sells-group/ghpipe/pkg/github"
)

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// appEnv holds the store, registry and scheduler shared by the commands
// that run pipelines.
type appEnv struct {
	Store     store.Store
	Registry  *pipeline.Registry
	Scheduler *scheduler.Scheduler
	Ranking   *ranking.Engine

	redis *redis.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for mode, opens the store and registers every
// pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	reg, engine, err := buildRegistry(cfg, st)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Registry, env.Ranking = reg, engine

	entries, err := scheduler.EntriesFromConfig(cfg.Scheduler)
	if err != nil {
		env.Close()
		return nil, err
	}

	var lock scheduler.Lock
	if cfg.Scheduler.LockBackend == "redis" {
		rdb, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.redis = rdb
		lock = scheduler.NewRedisLock(rdb, time.Duration(cfg.Redis.LockTTLSecs)*time.Second)
	}
	env.Scheduler = scheduler.New(reg, st, lock, entries)
	return env, nil
}

// buildRegistry registers the default pipelines, the ranking pipeline and
// any definitions from the configured YAML file.
func buildRegistry(c *config.Config, st store.Store) (*pipeline.Registry, *ranking.Engine, error) {
	reg := pipeline.NewRegistry(st, stageDefaults(c.Pipeline))

	cbCfg := resilience.FromCircuitConfig(c.GitHub.CircuitThreshold, c.GitHub.CircuitResetSecs)
	cbCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("github: circuit state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	breaker := resilience.NewCircuitBreaker(cbCfg)
	if err := pipeline.RegisterDefaults(reg, pipeline.Deps{
		Store:        st,
		GitHub:       newGitHubClient(c.GitHub),
		Breaker:      breaker,
		StagingLimit: c.Pipeline.StagingLimit,
		PendingLimit: c.Pipeline.PendingLimit,
	}); err != nil {
		return nil, nil, err
	}

	engine := ranking.NewEngine(st, c.Ranking)
	if err := ranking.Register(reg, engine); err != nil {
		return nil, nil, err
	}

	if c.Pipeline.DefinitionsFile != "" {
		defs, err := pipeline.LoadDefinitions(c.Pipeline.DefinitionsFile)
		if err != nil {
			return nil, nil, err
		}
		for _, def := range defs {
			if err := reg.Register(def); err != nil {
				return nil, nil, err
			}
		}
	}
	return reg, engine, nil
}

func newGitHubClient(c config.GitHubConfig) github.Client {
	opts := []github.Option{github.WithRateLimit(c.RatePerSecond, c.Burst)}
	if c.BaseURL != "" {
		opts = append(opts, github.WithBaseURL(c.BaseURL))
	}
	if c.UserAgent != "" {
		opts = append(opts, github.WithUserAgent(c.UserAgent))
	}
	if c.TimeoutSecs > 0 {
		opts = append(opts, github.WithTimeout(time.Duration(c.TimeoutSecs)*time.Second))
	}
	return github.NewClient(c.Token, opts...)
}

// stageDefaults maps the pipeline section onto stage defaults.
func stageDefaults(c config.PipelineConfig) pipeline.StageConfig {
	d := pipeline.DefaultStageConfig()
	if c.BatchSize > 0 {
		d.BatchSize = c.BatchSize
	}
	d.RetryCount = c.RetryCount
	if c.MaxConcurrency > 0 {
		d.MaxConcurrency = c.MaxConcurrency
	}
	d.Backoff = resilience.FromRetryConfig(c.RetryCount, c.InitialBackoffMs, c.MaxBackoffMs, c.BackoffFactor, d.Backoff.JitterFraction)
	return d
}

func connectRedis(ctx context.Context, c config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrapf(err, "connect redis %s", c.Addr)
	}
	return rdb, nil
}
