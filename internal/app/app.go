// Package app wires configuration, stores, clients and pipeline components
// for the CLI and the daemon. Every resource it opens is closed by Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/joseph-ayodele/listings-pipeline/internal/common"
	"github.com/joseph-ayodele/listings-pipeline/internal/export"
	"github.com/joseph-ayodele/listings-pipeline/internal/ingest"
	"github.com/joseph-ayodele/listings-pipeline/internal/lease"
	"github.com/joseph-ayodele/listings-pipeline/internal/llm"
	"github.com/joseph-ayodele/listings-pipeline/internal/llm/openai"
	"github.com/joseph-ayodele/listings-pipeline/internal/metrics"
	"github.com/joseph-ayodele/listings-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/listings-pipeline/internal/repository"
	"github.com/joseph-ayodele/listings-pipeline/internal/spool"
)

const leaseKeyPrefix = "listings-pipeline:"

// Options selects the optional parts of the wiring. Query commands run
// without the completion service or the spool.
type Options struct {
	LLM   bool
	Spool bool
	// Registry receives the collectors; nil creates a private one.
	Registry *prometheus.Registry
}

type App struct {
	Config *common.Config
	Logger *slog.Logger

	DB   *sqlx.DB
	Pool *pgxpool.Pool

	RawListings repository.RawListingRepository
	Listings    repository.ListingRepository
	BatchJobs   repository.BatchJobRepository

	Spool    *spool.Spool
	Leaser   lease.Leaser
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	LLM      *openai.Client

	Ingestor  *pipeline.Ingestor
	Sweeper   *pipeline.Sweeper
	Submitter *pipeline.Submitter
	Builder   *pipeline.Builder
	Tracker   *pipeline.Tracker
	Parser    *pipeline.Parser
	Importer  *ingest.Importer
	Export    *export.Service

	closers []func() error
}

// New validates cfg and opens what opts asks for. On error everything
// opened so far is closed again.
func New(ctx context.Context, cfg *common.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		return nil, common.NewAppError("CONFIG_ERROR", "config is required", common.ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.LLM {
		if err := cfg.RequireLLM(); err != nil {
			return nil, err
		}
	}

	a := &App{Config: cfg, Logger: logger}
	if err := a.open(ctx, opts); err != nil {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("app.close.failed", "error", cerr)
		}
		return nil, err
	}
	logger.Info("app.ready", "llm", opts.LLM, "spool", opts.Spool, "redis", cfg.Redis.URL != "")
	return a, nil
}

func (a *App) open(ctx context.Context, opts Options) error {
	cfg := a.Config

	db, pool, err := repository.Open(ctx, repository.Config{
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.DB, a.Pool = db, pool
	a.closers = append(a.closers, func() error {
		repository.Close(db, pool, a.Logger)
		return nil
	})
	if err := repository.HealthCheck(ctx, pool, cfg.Database.DialTimeout, a.Logger); err != nil {
		return fmt.Errorf("database health: %w", err)
	}

	a.RawListings = repository.NewRawListingRepository(db, a.Logger)
	a.Listings = repository.NewListingRepository(db, a.Logger)
	a.BatchJobs = repository.NewBatchJobRepository(db, a.Logger)

	a.Registry = opts.Registry
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	a.Metrics = metrics.New(a.Registry)

	if cfg.Redis.URL != "" {
		rl, err := lease.NewRedisLeaserFromURL(ctx, cfg.Redis.URL, leaseKeyPrefix)
		if err != nil {
			return fmt.Errorf("lease backend: %w", err)
		}
		a.Leaser = rl
		a.closers = append(a.closers, rl.Close)
	} else {
		a.Leaser = lease.NewLocalLeaser()
	}

	a.Ingestor = pipeline.NewIngestor(a.Listings, nil, cfg.LLM.DefaultCurrency, a.Metrics, a.Logger)
	a.Importer = ingest.NewImporter(a.RawListings, a.Logger)
	a.Export = export.NewService(a.Listings, a.Logger)

	if opts.Spool {
		sp, err := spool.Open(ctx, cfg.Batch.SpoolPath, a.Logger)
		if err != nil {
			return err
		}
		a.Spool = sp
		a.closers = append(a.closers, sp.Close)
		a.Sweeper = pipeline.NewSweeper(a.RawListings, a.BatchJobs, sp, cfg.Batch.ClaimStaleAfter, a.Metrics, a.Logger)
	} else {
		a.Sweeper = pipeline.NewSweeper(a.RawListings, a.BatchJobs, nil, cfg.Batch.ClaimStaleAfter, a.Metrics, a.Logger)
	}

	if !opts.LLM {
		return nil
	}

	retry := llm.DefaultRetryConfig()
	retry.MaxAttempts = cfg.LLM.MaxAttempts
	a.LLM = openai.NewClient(openai.Config{
		APIKey:          cfg.LLM.APIKey,
		BaseURL:         cfg.LLM.BaseURL,
		Model:           cfg.LLM.Model,
		Temperature:     cfg.LLM.Temperature,
		Timeout:         cfg.LLM.Timeout,
		RequestsPerSec:  cfg.LLM.RequestsPerSec,
		DefaultCurrency: cfg.LLM.DefaultCurrency,
		Retry:           retry,
	}, a.Logger)

	a.Parser = pipeline.NewParser(a.RawListings, a.LLM, a.Ingestor, cfg.LLM.DefaultCurrency, a.Logger)
	a.Tracker = pipeline.NewTracker(pipeline.TrackerConfig{
		Concurrency: cfg.Batch.TrackConcurrency,
		LeaseTTL:    cfg.Batch.JobLeaseTTL,
	}, a.LLM, a.BatchJobs, a.Ingestor, a.Leaser, a.Metrics, a.Logger)

	if a.Spool == nil {
		return nil
	}
	a.Submitter = pipeline.NewSubmitter(pipeline.SubmitterConfig{
		Endpoint:         cfg.Batch.Endpoint,
		CompletionWindow: cfg.Batch.CompletionWindow,
		Description:      "listing extraction",
	}, a.LLM, a.BatchJobs, a.Spool, a.Metrics, a.Logger)
	a.Builder = pipeline.NewBuilder(pipeline.BuilderConfig{
		PageSize:         cfg.Batch.PageSize,
		MaxRecordsPerJob: cfg.Batch.MaxRecordsPerJob,
		Model:            cfg.LLM.Model,
		Temperature:      cfg.LLM.Temperature,
		Endpoint:         cfg.Batch.Endpoint,
		DefaultCurrency:  cfg.LLM.DefaultCurrency,
	}, a.RawListings, a.Spool, a.Submitter, a.Metrics, a.Logger)
	return nil
}

// Close releases resources in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
