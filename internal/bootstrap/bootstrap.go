// Package bootstrap builds the infrastructure clients and core components
// shared by the api and worker services from a loaded config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjob/internal/config"
	"github.com/cuongbtq/genjob/internal/dispatcher"
	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/executor"
	"github.com/cuongbtq/genjob/internal/jobstore"
	"github.com/cuongbtq/genjob/internal/policy"
	"github.com/cuongbtq/genjob/internal/reconciler"
	"github.com/cuongbtq/genjob/internal/status"
	"github.com/cuongbtq/genjob/shared/logger"
	"github.com/cuongbtq/genjob/shared/postgresql"
	"github.com/cuongbtq/genjob/shared/rabbitmq"
	"github.com/cuongbtq/genjob/shared/redis"
)

// Infra holds the connected infrastructure clients. Optional clients are nil
// when the config does not need them.
type Infra struct {
	DB     *postgresql.Client
	Rabbit *rabbitmq.Client
	Redis  *redis.Client
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// Connect opens every client cfg calls for. On error the clients opened so
// far are closed.
func Connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Infra, error) {
	infra := &Infra{}

	db, err := initPostgreSQL(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	infra.DB = db
	log.Info("Database connection established", slog.String("pool", db.Stats()))

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			infra.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	if cfg.Dispatch.QueueBackend == config.QueueRabbitMQ {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, log)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		infra.Rabbit = rabbitClient
		log.Info("RabbitMQ connection established")
	}

	if cfg.Redis.Addr != "" {
		redisClient, err := redis.NewClient(&redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, log)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		infra.Redis = redisClient
		log.Info("Redis connection established")
	}

	return infra, nil
}

// Close closes all open clients
func (i *Infra) Close() error {
	var errs []error
	if i.Rabbit != nil {
		errs = append(errs, i.Rabbit.Close())
	}
	if i.Redis != nil {
		errs = append(errs, i.Redis.Close())
	}
	if i.DB != nil {
		errs = append(errs, i.DB.Close())
	}
	return errors.Join(errs...)
}

func initPostgreSQL(cfg *config.DatabaseConfig, log *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, log)
}

func initRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		QueueMaxPriority:   cfg.Queue.MaxPriority,
		RoutingKey:         cfg.RoutingKey,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, log)
}

// NewQueue returns the work queue selected by dispatch.queue_backend.
func NewQueue(cfg *config.Config, infra *Infra, consumerTag string, log *slog.Logger) (dispatcher.Queue, error) {
	switch cfg.Dispatch.QueueBackend {
	case config.QueueRabbitMQ:
		if infra.Rabbit == nil {
			return nil, errors.New("rabbitmq queue selected without a rabbitmq client")
		}
		return dispatcher.NewAMQPQueue(infra.Rabbit, consumerTag, log), nil
	case config.QueuePostgres:
		if infra.DB == nil {
			return nil, errors.New("postgres queue selected without a database client")
		}
		return dispatcher.NewPostgresQueue(infra.DB.GetDB(), dispatcher.PostgresQueueConfig{
			VisibilityTimeout: cfg.Dispatch.VisibilityTimeout,
			PollInterval:      cfg.Dispatch.PollInterval,
		}, log), nil
	case config.QueueMemory:
		log.Warn("Using in-process work queue; jobs are not shared between processes")
		return dispatcher.NewMemoryQueue(), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Dispatch.QueueBackend)
}

// NewNotifier returns Redis pub/sub when configured, else an in-process hub.
func NewNotifier(cfg *config.Config, infra *Infra, log *slog.Logger) status.Notifier {
	if infra.Redis != nil {
		return status.NewRedisNotifier(infra.Redis.GetClient(), cfg.Redis.ChannelPrefix, log)
	}
	return status.NewHub(status.DefaultBufferSize)
}

// NewStore returns the Postgres job store, publishing snapshots to pub.
func NewStore(infra *Infra, pub jobstore.Publisher, log *slog.Logger) jobstore.Store {
	return jobstore.NewObserved(jobstore.NewPostgres(infra.DB.GetDB(), log), pub, log)
}

// NewAdapter builds the execution adapter over the HTTP backend client.
func NewAdapter(cfg *config.BackendConfig, store executor.Transitioner, log *slog.Logger) (*executor.Adapter, error) {
	registry, err := executor.NewRegistry(cfg.TemplatesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow templates: %w", err)
	}

	backend, err := executor.NewHTTPBackend(executor.HTTPBackendConfig{
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
	}, log)
	if err != nil {
		return nil, err
	}

	return executor.NewAdapter(registry, backend, store, executor.AdapterConfig{
		CancelTimeout: cfg.CancelTimeout,
	}, log), nil
}

// GateConfig maps the policy section onto the admission gate.
func GateConfig(cfg *config.Config) policy.Config {
	p := cfg.Policy
	return policy.Config{
		MaxPromptLength: p.MaxPromptLength,
		ExtraPatterns:   p.ExtraPatterns,
		Resources: policy.ResourceLimits{
			MaxImageWidth:    p.Resources.MaxImageWidth,
			MaxImageHeight:   p.Resources.MaxImageHeight,
			MaxImagePixels:   p.Resources.MaxImagePixels,
			MaxVideoFrames:   p.Resources.MaxVideoFrames,
			MaxVideoFPS:      p.Resources.MaxVideoFPS,
			MaxVideoSeconds:  p.Resources.MaxVideoSeconds,
			MaxModelPolygons: p.Resources.MaxModelPolygons,
			MaxFileBytes:     p.Resources.MaxFileBytes,
			MaxAttempts:      p.MaxAttempts,
		},
		Rates: policy.RateLimits{
			Concurrent: p.Rates.Concurrent,
			Hourly:     p.Rates.Hourly,
			Daily:      p.Rates.Daily,
		},
		MaxRetries: cfg.Dispatch.Retries(),
	}
}

// ReconcilerConfig maps the reconciler section, filling kinds the config
// leaves out from reconciler.DefaultThresholds.
func ReconcilerConfig(cfg *config.ReconcilerConfig) reconciler.Config {
	thresholds := make(map[domain.Kind]reconciler.Threshold, len(domain.Kinds))
	for _, kind := range domain.Kinds {
		th := reconciler.DefaultThresholds[kind]
		if override, ok := cfg.Thresholds[string(kind)]; ok {
			if override.MaxExecution > 0 {
				th.MaxExecution = override.MaxExecution
			}
			if override.Staleness > 0 {
				th.Staleness = override.Staleness
			}
		}
		thresholds[kind] = th
	}

	return reconciler.Config{
		Interval:     cfg.Interval,
		BatchSize:    cfg.BatchSize,
		RequeueAfter: cfg.RequeueAfter,
		Thresholds:   thresholds,
	}
}
