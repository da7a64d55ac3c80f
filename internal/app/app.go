// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the serve and crawl commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/acquire"
	"github.com/JakeFAU/sitecrawler/internal/clock/system"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/colly"
	"github.com/JakeFAU/sitecrawler/internal/fetcher/headless"
	"github.com/JakeFAU/sitecrawler/internal/headless/detector"
	"github.com/JakeFAU/sitecrawler/internal/id/uuid"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/output"
	"github.com/JakeFAU/sitecrawler/internal/output/jsonl"
	"github.com/JakeFAU/sitecrawler/internal/output/kafka"
	"github.com/JakeFAU/sitecrawler/internal/output/memory"
	"github.com/JakeFAU/sitecrawler/internal/output/postgres"
	"github.com/JakeFAU/sitecrawler/internal/output/sqlite"
	"github.com/JakeFAU/sitecrawler/internal/progress"
	"github.com/JakeFAU/sitecrawler/internal/progress/sinks"
	"github.com/JakeFAU/sitecrawler/internal/session"
)

const dbConnectTimeout = 10 * time.Second

// App holds the shared services behind every crawl session.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	http     *metrics.HTTP
	hub      *progress.Hub
	records  *memory.RecordStore
	files    *jsonl.Writer
	db       *postgres.RecordStore
	sqlite   *sqlite.RecordStore
	kafka    *kafka.RecordProducer
	sessions *session.Manager
}

// NewApp builds the crawl stack described by cfg. It fails fast when the
// output directory or the optional database cannot be initialized.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("initializing application services")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, fmt.Errorf("init metrics sink: %w", err)
	}
	httpMetrics, err := metrics.NewHTTP(registry)
	if err != nil {
		return nil, fmt.Errorf("init http metrics: %w", err)
	}

	files, err := jsonl.New(jsonl.Config{BaseDir: cfg.Output.Dir})
	if err != nil {
		return nil, fmt.Errorf("init record files: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		http:     httpMetrics,
		records:  memory.NewRecordStore(),
		files:    files,
	}

	recordSinks := []crawler.Sink{a.records, a.files, output.NewLogSink(logger.Named("records"))}
	if cfg.DB.DSN != "" {
		dbCtx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
		defer cancel()
		db, err := postgres.NewRecordStore(dbCtx, postgres.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: int32(cfg.DB.MaxConns),
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres records: %w", err)
		}
		a.db = db
		recordSinks = append(recordSinks, db)
		logger.Info("postgres record sink enabled", zap.String("table", cfg.DB.Table))
	}
	if cfg.Output.SQLitePath != "" {
		store, err := sqlite.Open(ctx, cfg.Output.SQLitePath)
		if err != nil {
			_ = a.closeResources(ctx)
			return nil, fmt.Errorf("init sqlite records: %w", err)
		}
		a.sqlite = store
		recordSinks = append(recordSinks, store)
		logger.Info("sqlite record sink enabled", zap.String("path", store.Path()))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewRecordProducer(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.KafkaWriteTimeout(),
		})
		if err != nil {
			_ = a.closeResources(ctx)
			return nil, fmt.Errorf("init kafka records: %w", err)
		}
		a.kafka = producer
		recordSinks = append(recordSinks, producer)
		logger.Info("kafka record sink enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	progressSinks := []progress.Sink{metricsSink}
	if cfg.Redis.Addr != "" {
		statusSink, err := sinks.NewRedisStatusSink(sinks.RedisStatusConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.RedisTTL(),
		})
		if err != nil {
			_ = a.closeResources(ctx)
			return nil, fmt.Errorf("init redis status: %w", err)
		}
		progressSinks = append(progressSinks, statusSink)
		logger.Info("redis session status enabled", zap.String("addr", cfg.Redis.Addr))
	}

	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.BatchSize,
		MaxBatchWait:   time.Duration(cfg.Progress.BatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         logger.Named("progress"),
	}, progressSinks...)

	acquirer := acquire.New(
		collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Crawler.UserAgent,
			Timeout:   cfg.RequestTimeout(),
		}),
		detector.NewHeuristic(detector.MinVisibleText),
		nil,
		acquire.Config{
			Delay:           cfg.Delay(),
			PageLoadTimeout: cfg.PageLoadTimeout(),
			ScrollInterval:  cfg.ScrollInterval(),
			MaxScrollSteps:  cfg.Headless.MaxScrollSteps,
			AcceptLanguage:  cfg.Crawler.AcceptLanguage,
		},
		logger.Named("acquire"),
	)

	a.sessions, err = session.NewManager(session.Config{
		MaxActive:   cfg.Sessions.MaxActive,
		MaxRetained: cfg.Sessions.MaxRetained,
	}, session.Deps{
		Acquirer:  acquirer,
		Renderers: rendererFactory(cfg),
		Sink:      output.NewMultiSink(recordSinks...),
		Records:   a.records,
		Events:    a.hub,
		Clock:     system.New(),
		IDs:       uuid.New(),
	}, logger.Named("session"))
	if err != nil {
		_ = a.closeResources(ctx)
		return nil, fmt.Errorf("init session manager: %w", err)
	}

	logger.Info("application services initialized",
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.String("output_dir", cfg.Output.Dir),
		zap.Int("max_active_sessions", cfg.Sessions.MaxActive),
	)
	return a, nil
}

func rendererFactory(cfg config.Config) crawler.RendererFactory {
	if !cfg.Headless.Enabled {
		return headless.Disabled()
	}
	return headless.Factory(headless.Config{
		UserAgent:         cfg.Crawler.UserAgent,
		NavigationTimeout: cfg.PageLoadTimeout(),
		ShowBrowser:       cfg.Headless.ShowBrowser,
		AcceptLanguage:    cfg.Crawler.AcceptLanguage,
	})
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns the configuration the App was built from.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetSessions returns the session registry.
func (a *App) GetSessions() *session.Manager {
	return a.sessions
}

// GetRecords returns the in-memory record store used for results and streaming.
func (a *App) GetRecords() *memory.RecordStore {
	return a.records
}

// GetFiles returns the per-session JSONL writer.
func (a *App) GetFiles() *jsonl.Writer {
	return a.files
}

// MetricsHandler serves the App's Prometheus registry.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request metrics on the App's registry.
func (a *App) HTTPMiddleware(next http.Handler) http.Handler {
	return a.http.Middleware(next)
}

// Ready reports whether downstream dependencies are reachable.
func (a *App) Ready(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Ping(ctx)
}

// Close stops running sessions, flushes progress metrics and releases the
// database pool.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if err := a.sessions.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, a.closeResources(ctx))
	return errors.Join(errs...)
}

func (a *App) closeResources(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if err := a.kafka.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kafka producer: %w", err))
	}
	if err := a.sqlite.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sqlite: %w", err))
	}
	a.db.Close()
	return errors.Join(errs...)
}
