package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pledgeproof/verifier-cli/internal/aggregate"
	"github.com/pledgeproof/verifier-cli/internal/cache"
	"github.com/pledgeproof/verifier-cli/internal/challenge"
	"github.com/pledgeproof/verifier-cli/internal/config"
	"github.com/pledgeproof/verifier-cli/internal/queue"
	"github.com/pledgeproof/verifier-cli/internal/resilience"
	"github.com/pledgeproof/verifier-cli/internal/verifier"
	"github.com/pledgeproof/verifier-cli/pkg/bot"
)

// serviceEnv holds the wired components shared by the serve, verify, and
// worker commands. Queue and cache are constructed here and passed down
// explicitly; there are no package-level instances.
type serviceEnv struct {
	Queue      queue.Queue
	Cache      *cache.Cache
	Registry   *verifier.Registry
	Aggregator *aggregate.Aggregator
	Windows    *challenge.Manager
	Transport  bot.Transport
}

// Close releases resources held by the environment.
func (e *serviceEnv) Close() {
	if e.Queue != nil {
		_ = e.Queue.Close()
	}
}

// initEnv builds the queue, cache, verifier registry, aggregator, and bot
// transport from configuration. Callers should defer env.Close().
func initEnv(ctx context.Context) (*serviceEnv, error) {
	q, err := initQueue(ctx)
	if err != nil {
		return nil, err
	}
	if err := q.Migrate(ctx); err != nil {
		_ = q.Close()
		return nil, eris.Wrap(err, "migrate queue")
	}

	registry, err := initRegistry()
	if err != nil {
		_ = q.Close()
		return nil, err
	}

	env := &serviceEnv{
		Queue:      q,
		Cache:      cache.New(time.Duration(cfg.Cache.TTLSecs) * time.Second),
		Registry:   registry,
		Aggregator: aggregate.New(registry, time.Duration(cfg.Verifier.TimeoutSecs)*time.Second),
		Windows:    challenge.NewManager(time.Duration(cfg.Challenge.DurationSecs) * time.Second),
		Transport:  bot.NewClient(cfg.Bot.WebhookURL, cfg.Bot.APIKey, bot.WithNetwork(cfg.Bot.Network)),
	}
	return env, nil
}

func initQueue(ctx context.Context) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "postgres":
		if cfg.Queue.DatabaseURL == "" {
			return nil, eris.New("queue driver postgres requires queue.database_url")
		}
		q, err := queue.NewPostgres(ctx, cfg.Queue.DatabaseURL, cfg.Queue.MaxAttempts)
		if err != nil {
			return nil, err
		}
		zap.L().Info("queue backend: postgres")
		return q, nil
	case "", "sqlite":
		q, err := queue.NewSQLite(cfg.Queue.SQLitePath, cfg.Queue.MaxAttempts)
		if err != nil {
			return nil, err
		}
		zap.L().Info("queue backend: sqlite", zap.String("path", cfg.Queue.SQLitePath))
		return q, nil
	default:
		return nil, eris.Errorf("unknown queue driver: %s", cfg.Queue.Driver)
	}
}

func initRegistry() (*verifier.Registry, error) {
	sources, err := verifier.LoadSources(cfg.Verifier.SourcesPath)
	if err != nil {
		return nil, err
	}

	breakers := resilience.NewSourceBreakers(resilience.BreakerConfig{})
	registry := verifier.NewRegistry()
	for _, src := range sources.Sources {
		v := verifier.NewFromConfig(src, breakers)
		for _, t := range src.ExerciseTypes {
			registry.Register(t, v)
		}
		zap.L().Info("registered evidence source",
			zap.String("source", src.Name),
			zap.Strings("exercise_types", src.ExerciseTypes),
			zap.Float64("weight", src.Weight),
		)
	}
	return registry, nil
}

// workerConfig maps queue configuration into the worker tuning struct.
func workerConfig(qc config.QueueConfig) queue.WorkerConfig {
	return queue.WorkerConfig{
		BatchSize:       qc.BatchSize,
		PollInterval:    time.Duration(qc.PollIntervalSecs) * time.Second,
		InflightTimeout: time.Duration(qc.InflightTimeoutSecs) * time.Second,
		SweepInterval:   time.Duration(qc.SweepIntervalSecs) * time.Second,
	}
}
