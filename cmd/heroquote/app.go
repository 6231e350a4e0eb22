package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/heroquote/internal/cache"
	"github.com/oriys/heroquote/internal/circuitbreaker"
	"github.com/oriys/heroquote/internal/config"
	"github.com/oriys/heroquote/internal/extract"
	"github.com/oriys/heroquote/internal/logging"
	"github.com/oriys/heroquote/internal/market"
	"github.com/oriys/heroquote/internal/metrics"
	"github.com/oriys/heroquote/internal/observability"
	"github.com/oriys/heroquote/internal/processor"
	"github.com/oriys/heroquote/internal/ratelimit"
	"github.com/oriys/heroquote/internal/state"
	"github.com/oriys/heroquote/internal/store"
)

// app holds everything a command needs. close releases it in reverse order.
type app struct {
	cfg     *config.Config
	state   *state.Manager
	proc    *processor.Processor
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.Op().Warn("shutdown step failed", "error", err)
		}
	}
}

// loadConfig reads the config file (if any), applies env overrides and
// validates the result.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	if logLevel != "" {
		cfg.Daemon.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newApp wires storage and state. withProcessor also builds the API clients
// and the processor, which the maintenance commands do not need.
func newApp(ctx context.Context, cfg *config.Config, withProcessor bool) (*app, error) {
	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
	metrics.InitPrometheus(cfg.Observability.MetricsNamespace, nil)

	a := &app{cfg: cfg}
	if err := observability.Init(ctx, observability.Config{
		Enabled:        cfg.Observability.Tracing.Enabled,
		Exporter:       cfg.Observability.Tracing.Exporter,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		SampleRate:     cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return observability.Shutdown(sctx)
	})

	durable, kv := openDurable(ctx, cfg)
	a.closers = append(a.closers, durable.Close)

	var fileBackend state.Backend
	if cfg.Storage.File.Enabled {
		fs := store.NewFileStore(store.FileConfig{
			Dir:         cfg.Storage.File.Dir,
			SingleFile:  cfg.StatePath(),
			BackupEvery: cfg.Storage.File.BackupEvery,
			BackupKeep:  cfg.Storage.File.BackupKeep,
		})
		fileBackend = state.NewFileBackend(fs)
	}

	var durableBackend state.Backend
	if cfg.Storage.Durable.Enabled {
		durableBackend = state.NewDurableBackend(durable)
	}

	a.state = state.New(durableBackend, fileBackend, state.Options{
		Primary:         cfg.Storage.Primary,
		FallbackEnabled: cfg.Storage.FallbackEnabled,
		Retention:       cfg.Retention(),
		IgnoredErrors:   cfg.Bot.IgnoredErrors,
	})
	if !a.state.Usable() {
		a.close()
		return nil, fmt.Errorf("no usable state backend: primary %q is unavailable and fallback is disabled", cfg.Storage.Primary)
	}

	if !withProcessor {
		return a, nil
	}
	if cfg.Bot.Username == "" {
		a.close()
		return nil, errors.New("bot.username is required")
	}

	tw := newTwitterClient(cfg)
	mk := market.New(market.Config{
		BaseURL:  cfg.Market.BaseURL,
		APIKey:   cfg.Market.APIKey,
		Timeout:  cfg.Market.Timeout.Std(),
		CacheTTL: cfg.Market.CacheTTL.Std(),
		Breaker: circuitbreaker.Config{
			FailurePct:   cfg.Market.BreakerFailurePct,
			OpenDuration: cfg.Market.BreakerOpenDuration.Std(),
		},
	}, cache.NewInMemoryCache())

	a.proc = processor.New(processor.Deps{
		Fetcher:   tw,
		Resolver:  mk,
		Poster:    tw,
		Users:     tw,
		Extractor: extract.New(cfg.Bot.Username),
		State:     a.state,
		Budget:    replyBudget(cfg, kv),
	}, processorOptions(cfg))
	return a, nil
}

// replyBudget shares buckets through Redis when the durable driver is
// Redis, falling back to local buckets if Redis stops answering.
func replyBudget(cfg *config.Config, kv store.KV) processor.ReplyBudget {
	var backend ratelimit.Backend = ratelimit.NewLocalBackend()
	if rkv, ok := kv.(*store.RedisKV); ok {
		backend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(rkv.Client(), ""))
	}
	b := ratelimit.NewBudget(backend, ratelimit.BudgetConfig{
		Burst:  cfg.Bot.ReplyBudget,
		Window: cfg.Bot.ReplyBudgetWindow.Std(),
	})
	if b == nil {
		return nil
	}
	return b
}

func processorOptions(cfg *config.Config) processor.Options {
	retries := cfg.Bot.PostRetries
	if retries == 0 {
		retries = -1
	}
	return processor.Options{
		BotUsername:    cfg.Bot.Username,
		BotUserID:      cfg.Bot.UserID,
		MaxTweetAge:    cfg.Bot.MaxTweetAge.Std(),
		Lookback:       cfg.Bot.Lookback.Std(),
		PostRetries:    retries,
		PostRetryDelay: cfg.Bot.PostRetryDelay.Std(),
		MaxReplyLength: cfg.Bot.MaxReplyLength,
		RunLock:        cfg.Bot.RunLock,
		RunLockTTL:     cfg.Bot.RunLockTTL.Std(),
	}
}

// openDurable connects the configured driver. Connection failures leave the
// backend disabled so the file backend can carry the run. The raw driver is
// returned for sharing; it is nil when disabled.
func openDurable(ctx context.Context, cfg *config.Config) (*store.Durable, store.KV) {
	d := cfg.Storage.Durable
	if !d.Enabled {
		return store.Disabled(d.Driver, ""), nil
	}

	var (
		kv  store.KV
		err error
	)
	switch d.Driver {
	case "memory":
		kv = store.NewMemoryKV()
	case "redis":
		kv, err = store.NewRedisKV(ctx, store.RedisConfig{
			Addr:      d.Redis.Addr,
			Password:  d.Redis.Password,
			DB:        d.Redis.DB,
			KeyPrefix: d.Redis.KeyPrefix,
		})
	case "dynamodb":
		dc := store.DynamoConfig{
			Table:           d.DynamoDB.Table,
			Namespace:       d.DynamoDB.Namespace,
			Region:          d.DynamoDB.Region,
			Endpoint:        d.DynamoDB.Endpoint,
			AccessKeyID:     d.DynamoDB.AccessKeyID,
			SecretAccessKey: d.DynamoDB.SecretAccessKey,
		}
		if !store.AWSCredentialsAvailable(dc) {
			return store.Disabled(d.Driver, "no AWS credentials in the environment"), nil
		}
		kv, err = store.NewDynamoKV(ctx, dc)
	case "postgres":
		kv, err = store.NewPostgresKV(ctx, d.Postgres.DSN, d.Postgres.Table)
	default:
		return store.Disabled(d.Driver, "unknown driver"), nil
	}
	if err != nil {
		logging.Op().Error("durable state backend unavailable", "driver", d.Driver, "error", err)
		return store.Disabled(d.Driver, err.Error()), nil
	}
	return store.NewDurable(d.Driver, kv), kv
}
