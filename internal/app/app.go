// Package app initializes and holds long-lived pipeline services, acting as a
// dependency injection container. It owns every external client it creates
// and releases them in Close.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/api"
	"github.com/JakeFAU/recipe-crawler/internal/clock/system"
	"github.com/JakeFAU/recipe-crawler/internal/config"
	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/recipe-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/recipe-crawler/internal/hash/sha256"
	"github.com/JakeFAU/recipe-crawler/internal/id/uuid"
	"github.com/JakeFAU/recipe-crawler/internal/logging"
	"github.com/JakeFAU/recipe-crawler/internal/metrics"
	"github.com/JakeFAU/recipe-crawler/internal/queue"
	queueMemory "github.com/JakeFAU/recipe-crawler/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/recipe-crawler/internal/queue/pubsub"
	"github.com/JakeFAU/recipe-crawler/internal/queue/redisstream"
	"github.com/JakeFAU/recipe-crawler/internal/recency"
	"github.com/JakeFAU/recipe-crawler/internal/stage"
	gcsstore "github.com/JakeFAU/recipe-crawler/internal/storage/gcs"
	"github.com/JakeFAU/recipe-crawler/internal/storage/local"
	storeMemory "github.com/JakeFAU/recipe-crawler/internal/storage/memory"
	"github.com/JakeFAU/recipe-crawler/internal/storage/postgres"
	"github.com/JakeFAU/recipe-crawler/internal/telemetry"
	"github.com/JakeFAU/recipe-crawler/internal/worker"
)

// Stage names, used for logging and metric labels.
const (
	StageFetch   = "fetch"
	StageExtract = "extract"
	StagePersist = "persist"
)

// App holds the shared services for one pipeline process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Pipeline
	tracer   *sdktrace.TracerProvider

	redis    redis.UniversalClient
	pubsub   *pubsub.Client
	gcs      *gcs.Client
	broker   *queueMemory.Broker
	postgres *postgres.RecipeStore

	connector queue.Connector
	cache     crawler.RecencyCache
	store     crawler.RecipeStore
	archive   crawler.BlobStore
	checks    map[string]api.CheckFunc
}

// New creates and initializes an App from cfg. It fails fast if any
// configured backend cannot be initialized, releasing whatever it already
// opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		checks:   map[string]api.CheckFunc{},
	}
	if err := a.init(ctx); err != nil {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("Cleanup after failed initialization", zap.Error(closeErr))
		}
		return nil, err
	}
	logger.Info("Application services initialized",
		zap.String("broker", cfg.Broker.Backend),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("db", cfg.DB.Backend),
		zap.String("archive", cfg.Storage.Archive),
	)
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipeline, err := metrics.New(a.registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	a.metrics = pipeline

	if a.cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Tracing.ServiceName)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.tracer = tp
	}

	if a.cfg.UsesRedis() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Username: a.cfg.Redis.Username,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	if err := a.initBroker(ctx); err != nil {
		return err
	}
	if err := a.initCache(); err != nil {
		return err
	}
	if err := a.initStore(ctx); err != nil {
		return err
	}
	return a.initArchive(ctx)
}

func (a *App) initBroker(ctx context.Context) error {
	switch a.cfg.Broker.Backend {
	case config.BackendMemory:
		a.broker = queueMemory.NewBroker()
		a.connector = a.broker
	case config.BackendRedis:
		conn, err := redisstream.New(a.redis, redisstream.Config{
			Prefix:       a.cfg.Broker.StreamPrefix,
			ConsumerName: a.cfg.Broker.ConsumerName,
			BlockTimeout: a.cfg.Broker.BlockTimeout(),
			BatchSize:    int64(a.cfg.Broker.BatchSize),
			MaxLen:       a.cfg.Broker.MaxLen,
		}, a.logger.Named("redisstream"))
		if err != nil {
			return fmt.Errorf("init redis streams broker: %w", err)
		}
		a.connector = conn
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Broker.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("connect pubsub: %w", err)
		}
		a.pubsub = client
		conn, err := queuePubSub.New(client, queuePubSub.Config{
			CreateIfMissing: a.cfg.Broker.PubSub.CreateIfMissing,
			AckDeadline:     a.cfg.Broker.PubSub.AckDeadline(),
			MaxOutstanding:  a.cfg.Broker.PubSub.MaxOutstanding,
		}, a.logger.Named("pubsub"))
		if err != nil {
			return fmt.Errorf("init pubsub broker: %w", err)
		}
		a.connector = conn
	default:
		return fmt.Errorf("unknown broker backend: %s", a.cfg.Broker.Backend)
	}
	return nil
}

func (a *App) initCache() error {
	switch a.cfg.Cache.Backend {
	case config.BackendMemory:
		a.cache = recency.NewMemoryCache(a.cfg.Cache.TTL(), system.New())
	case config.BackendRedis:
		cache, err := recency.NewRedisCache(a.redis, a.cfg.Cache.TTL(), a.cfg.Cache.Prefix, a.logger.Named("recency"))
		if err != nil {
			return fmt.Errorf("init recency cache: %w", err)
		}
		a.cache = cache
	default:
		return fmt.Errorf("unknown cache backend: %s", a.cfg.Cache.Backend)
	}
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.DB.Backend {
	case config.BackendMemory:
		a.store = storeMemory.NewRecipeStore()
	case config.BackendPostgres:
		store, err := postgres.NewRecipeStore(ctx, postgres.RecipeStoreConfig{
			DSN:             a.cfg.DB.DSN,
			Table:           a.cfg.DB.Table,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime(),
		})
		if err != nil {
			return fmt.Errorf("init recipe store: %w", err)
		}
		a.postgres = store
		a.store = store
		a.checks["postgres"] = store.Ping
	default:
		return fmt.Errorf("unknown db backend: %s", a.cfg.DB.Backend)
	}
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	switch a.cfg.Storage.Archive {
	case config.BackendNone, "":
	case config.BackendMemory:
		a.archive = storeMemory.NewBlobStore()
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		a.archive = store
	case config.BackendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("connect gcs: %w", err)
		}
		a.gcs = client
		store, err := gcsstore.New(client, gcsstore.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.archive = store
	default:
		return fmt.Errorf("unknown archive backend: %s", a.cfg.Storage.Archive)
	}
	return nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Connector returns the broker connector shared by every stage.
func (a *App) Connector() queue.Connector { return a.connector }

// Metrics returns the pipeline collectors.
func (a *App) Metrics() *metrics.Pipeline { return a.metrics }

// Registry returns the Prometheus registry backing /metrics.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// RecencyCache returns the Redis-backed cache, or an error when the cache is
// configured in memory (maintenance commands only make sense against Redis).
func (a *App) RecencyCache() (*recency.RedisCache, error) {
	cache, ok := a.cache.(*recency.RedisCache)
	if !ok {
		return nil, errors.New("cache maintenance requires cache.backend=redis")
	}
	return cache, nil
}

// Migrator opens a schema migrator against the configured database.
func (a *App) Migrator() (*postgres.Migrator, error) {
	if a.cfg.DB.Backend != config.BackendPostgres {
		return nil, errors.New("migrations require db.backend=postgres")
	}
	return postgres.NewMigrator(a.cfg.DB.DSN, a.logger.Named("migrate"))
}

func (a *App) stageConfig(name, input, group string, outputs []string, fromBeginning bool) stage.Config {
	return stage.Config{
		Name:          name,
		InputTopic:    input,
		Group:         group,
		OutputTopics:  outputs,
		FromBeginning: fromBeginning,
		MaxInFlight:   a.cfg.Stage.MaxInFlight,
		DrainTimeout:  a.cfg.Stage.DrainTimeout(),
		// Each fetched link begins its own trace; extract and persist join it.
		NewTraceRoot: input == crawler.TopicLinks,
	}
}

// FetchStage builds the links → crawl-results stage.
func (a *App) FetchStage() (*stage.Stage[crawler.Link], error) {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.HTTP.UserAgent,
		Timeout:     a.cfg.HTTP.Timeout(),
		MaxBodySize: a.cfg.HTTP.MaxBodyBytes,
	})
	logger := logging.ForStage(a.logger, StageFetch)
	w := worker.NewFetch(fetcher, a.archive, sha256.New(), system.New(), worker.FetchConfig{
		ArchivePrefix: a.cfg.Storage.Prefix,
		ContentType:   a.cfg.Storage.ContentType,
	}, a.metrics, logger)
	return stage.New(
		a.stageConfig(StageFetch, crawler.TopicLinks, crawler.GroupFetcher, []string{crawler.TopicCrawlResults}, false),
		a.connector, w.Handler(), logger, a.metrics,
	)
}

// ExtractStage builds the crawl-results → recipes + links stage.
func (a *App) ExtractStage() (*stage.Stage[crawler.FetchResult], error) {
	logger := logging.ForStage(a.logger, StageExtract)
	w := worker.NewExtract(extract.NewJSONLD(), a.cache, a.metrics, logger)
	return stage.New(
		a.stageConfig(StageExtract, crawler.TopicCrawlResults, crawler.GroupExtractor,
			[]string{crawler.TopicRecipes, crawler.TopicLinks}, false),
		a.connector, w.Handler(), logger, a.metrics,
	)
}

// PersistStage builds the recipes → storage stage. fromBeginning replays the
// recipes topic from its first message.
func (a *App) PersistStage(fromBeginning bool) (*stage.Stage[crawler.Record], error) {
	logger := logging.ForStage(a.logger, StagePersist)
	w := worker.NewPersist(a.store, a.metrics, logger)
	return stage.New(
		a.stageConfig(StagePersist, crawler.TopicRecipes, crawler.GroupPersister, nil, fromBeginning),
		a.connector, w.Handler(), logger, a.metrics,
	)
}

// Server builds the operator HTTP server. producer may be nil to disable
// link seeding over HTTP.
func (a *App) Server(producer queue.Producer) *api.Server {
	return api.NewServer(a.cfg.Metrics.Addr, api.Options{
		Metrics:    metrics.Handler(a.registry),
		Middleware: a.metrics.Middleware,
		Checks:     a.checks,
		Producer:   producer,
		IDs:        uuid.NewUUIDGenerator(),
	}, a.logger.Named("http"))
}

// Seed publishes one Link per URL onto the links topic.
func (a *App) Seed(ctx context.Context, urls []string) (int, error) {
	producer, err := a.connector.NewProducer()
	if err != nil {
		return 0, fmt.Errorf("create producer: %w", err)
	}
	if err := producer.Start(ctx); err != nil {
		return 0, fmt.Errorf("start producer: %w", err)
	}
	defer func() {
		if stopErr := producer.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			a.logger.Warn("Producer failed to stop", zap.Error(stopErr))
		}
	}()

	published := 0
	for _, raw := range urls {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil || !crawler.IsHTTP(normalized) {
			return published, fmt.Errorf("invalid url %q", raw)
		}
		payload, err := crawler.EncodeLink(crawler.NewLink(normalized, map[string]any{}))
		if err != nil {
			return published, err
		}
		if err := producer.Publish(ctx, crawler.TopicLinks, payload); err != nil {
			return published, fmt.Errorf("publish %s: %w", normalized, err)
		}
		a.logger.Info("Seeded link", zap.String("url", normalized))
		published++
	}
	return published, nil
}

// Close releases every client the App opened, in reverse dependency order.
// It is safe to call on a partially initialized App.
func (a *App) Close() error {
	a.logger.Info("Shutting down application services")
	var errs []error
	if a.broker != nil {
		a.broker.Close()
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub: %w", err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	// Sync on a console logger returns EINVAL on some platforms; the flush is best-effort.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
