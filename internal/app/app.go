// Package app builds the crawl pipeline from configuration and owns the
// lifetime of its long-lived clients.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobmarket-crawler/internal/api"
	"github.com/JakeFAU/jobmarket-crawler/internal/checkpoint"
	"github.com/JakeFAU/jobmarket-crawler/internal/clock/system"
	"github.com/JakeFAU/jobmarket-crawler/internal/config"
	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
	"github.com/JakeFAU/jobmarket-crawler/internal/dedup"
	"github.com/JakeFAU/jobmarket-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/jobmarket-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/jobmarket-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/jobmarket-crawler/internal/hash/sha256"
	"github.com/JakeFAU/jobmarket-crawler/internal/id/uuid"
	"github.com/JakeFAU/jobmarket-crawler/internal/identity"
	"github.com/JakeFAU/jobmarket-crawler/internal/orchestrator"
	"github.com/JakeFAU/jobmarket-crawler/internal/parser"
	"github.com/JakeFAU/jobmarket-crawler/internal/planner"
	"github.com/JakeFAU/jobmarket-crawler/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/jobmarket-crawler/internal/publisher/pubsub"
	csvsink "github.com/JakeFAU/jobmarket-crawler/internal/storage/csv"
	gcsstorage "github.com/JakeFAU/jobmarket-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/jobmarket-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/jobmarket-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/jobmarket-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/jobmarket-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/jobmarket-crawler/internal/worker"
)

// App holds the wired pipeline.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	planner     *planner.Planner
	checkpoints *checkpoint.FileStore
	sink        crawler.Sink
	engine      *orchestrator.Engine
	apiServer   *api.Server

	closeOnce sync.Once
	closers   []closer
}

type closer struct {
	name string
	fn   func() error
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Build creates every dependency of a crawl run. On error, anything already
// opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if cerr := a.Close(); cerr != nil {
				logger.Warn("cleanup after failed build", zap.Error(cerr))
			}
		}
	}()

	logger.Info("building crawl pipeline",
		zap.String("sink", cfg.Storage.Sink),
		zap.String("fetcher", cfg.Fetcher.Mode),
		zap.String("archive", cfg.Archive.Provider),
		zap.String("notify", cfg.Notify.Provider),
	)

	if a.planner, err = NewPlanner(cfg.Dimensions); err != nil {
		return nil, err
	}
	logger.Info("plan ready", zap.String("plan", a.planner.Describe()))

	clock := system.New()
	if a.checkpoints, err = NewCheckpointStore(cfg, logger); err != nil {
		return nil, err
	}
	if a.sink, err = setupSink(ctx, a); err != nil {
		return nil, err
	}
	archive, err := setupArchive(ctx, a)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return nil, err
	}
	fetcher, err := setupFetcher(a)
	if err != nil {
		return nil, err
	}
	driver, err := setupDriver(a, fetcher, archive, clock)
	if err != nil {
		return nil, err
	}

	scope, err := dedup.ParseScope(cfg.Crawler.DedupScope)
	if err != nil {
		return nil, crawler.NewConfigurationError("crawler.dedup_scope", "%w", err)
	}
	deps := orchestrator.Deps{
		Planner:     a.planner,
		Driver:      driver,
		Dedup:       dedup.New(scope),
		Sink:        a.sink,
		Checkpoints: a.checkpoints,
		Clock:       clock,
		Publisher:   publisher,
		IDs:         uuid.New(),
	}
	a.engine, err = orchestrator.New(orchestrator.Config{NotifyTopic: cfg.Notify.Topic}, deps, logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		a.apiServer = api.NewServer(a.engine, a.checkpoints, logger.Named("api"))
	}
	return a, nil
}

// NewPlanner resolves the configured dimensions, merging dataset categories
// after the inline ones.
func NewPlanner(cfg config.DimensionsConfig) (*planner.Planner, error) {
	categories := cfg.Categories
	if cfg.DatasetPath != "" {
		loaded, err := planner.LoadDataset(cfg.DatasetPath)
		if err != nil {
			return nil, err
		}
		categories = planner.MergeCategories(categories, loaded)
	}
	p, err := planner.New(planner.Dimensions{Countries: cfg.Countries, Categories: categories})
	if err != nil {
		return nil, fmt.Errorf("planner init failed: %w", err)
	}
	return p, nil
}

// NewCheckpointStore opens the configured checkpoint file.
func NewCheckpointStore(cfg config.Config, logger *zap.Logger) (*checkpoint.FileStore, error) {
	store, err := checkpoint.NewFileStore(cfg.Checkpoint.Path, system.New(), logger.Named("checkpoint"))
	if err != nil {
		return nil, fmt.Errorf("checkpoint store init failed: %w", err)
	}
	return store, nil
}

func setupSink(ctx context.Context, a *App) (crawler.Sink, error) {
	st := a.cfg.Storage
	switch st.Sink {
	case "csv":
		sink, err := csvsink.New(csvsink.Config{OutputDir: st.OutputDir}, a.logger.Named("csv"))
		if err != nil {
			return nil, fmt.Errorf("csv sink init failed: %w", err)
		}
		a.logger.Info("using csv sink", zap.String("output_dir", st.OutputDir))
		return sink, nil
	case "postgres":
		sink, err := pgstore.New(ctx, pgstore.Config{
			DSN:             st.Postgres.DSN,
			Table:           st.Postgres.Table,
			MaxConns:        st.Postgres.MaxConns,
			MinConns:        st.Postgres.MinConns,
			MaxConnLifetime: st.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres sink init failed: %w", err)
		}
		a.onClose("postgres", func() error { sink.Close(); return nil })
		a.logger.Info("using postgres sink", zap.String("table", st.Postgres.Table))
		return sink, nil
	case "sqlite":
		sink, err := sqlitestore.Open(ctx, st.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite sink init failed: %w", err)
		}
		a.onClose("sqlite", sink.Close)
		a.logger.Info("using sqlite sink", zap.String("path", st.SQLite.Path))
		return sink, nil
	case "memory":
		a.logger.Warn("using in-memory sink, records are discarded on exit")
		return memorystorage.NewSink(), nil
	default:
		return nil, crawler.NewConfigurationError("storage.sink", "unknown sink %q", st.Sink)
	}
}

func setupArchive(ctx context.Context, a *App) (crawler.BlobStore, error) {
	ac := a.cfg.Archive
	switch ac.Provider {
	case "", "none":
		return nil, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: ac.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving raw pages locally", zap.String("base_dir", ac.BaseDir))
		return store, nil
	case "gcs":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: ac.Bucket}, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.onClose("gcs", store.Close)
		a.logger.Info("archiving raw pages to GCS", zap.String("bucket", ac.Bucket))
		return store, nil
	default:
		return nil, crawler.NewConfigurationError("archive.provider", "unknown provider %q", ac.Provider)
	}
}

func setupPublisher(ctx context.Context, a *App) (crawler.Publisher, error) {
	nc := a.cfg.Notify
	switch nc.Provider {
	case "", "none":
		return nil, nil
	case "pubsub":
		pub, err := gcppublisher.Dial(ctx, nc.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.onClose("pubsub", pub.Close)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", nc.ProjectID),
			zap.String("topic", nc.Topic),
		)
		return pub, nil
	default:
		return nil, crawler.NewConfigurationError("notify.provider", "unknown provider %q", nc.Provider)
	}
}

func setupFetcher(a *App) (crawler.Fetcher, error) {
	fc := a.cfg.Fetcher
	probe, err := collyfetcher.New(collyfetcher.Config{
		Endpoint:         fc.Endpoint,
		Timeout:          fc.Timeout,
		AcceptLanguage:   fc.AcceptLanguage,
		DatePosted:       fc.DatePosted,
		WorkplaceTypes:   fc.WorkplaceTypes,
		ExperienceLevels: fc.ExperienceLevels,
	})
	if err != nil {
		return nil, fmt.Errorf("colly fetcher init failed: %w", err)
	}
	if fc.Mode != "headless" {
		a.logger.Info("using colly fetcher", zap.Duration("timeout", fc.Timeout))
		return probe, nil
	}

	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		AcceptLanguage:    fc.AcceptLanguage,
		Timeout:           fc.Timeout,
		NavigationTimeout: a.cfg.Headless.NavTimeout,
	}, probe)
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.onClose("chromedp", func() error { headless.Close(); return nil })
	a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return headless, nil
}

func setupDriver(a *App, fetcher crawler.Fetcher, archive crawler.BlobStore, clock *system.Clock) (*worker.Driver, error) {
	cc := a.cfg.Crawler
	opts := []dispatcher.Option{
		dispatcher.WithPauser(clock),
		dispatcher.WithLogger(a.logger.Named("dispatcher")),
	}
	if cc.MaxRPS > 0 {
		opts = append(opts, dispatcher.WithLimiter(ratelimit.New(ratelimit.Config{RPS: cc.MaxRPS, Burst: cc.Burst})))
	}
	ctrl, err := dispatcher.New(dispatcher.Config{
		MaxConcurrent: cc.MaxConcurrent,
		BatchSize:     cc.BatchSize,
		RequestDelay:  dispatcher.Range{Min: cc.RequestDelay.Min, Max: cc.RequestDelay.Max},
		BatchDelay:    dispatcher.Range{Min: cc.BatchDelay.Min, Max: cc.BatchDelay.Max},
	}, opts...)
	if err != nil {
		return nil, crawler.NewConfigurationError("crawler", "%w", err)
	}

	deps := worker.Deps{
		Fetcher:    fetcher,
		Parser:     parser.New(),
		Identities: identity.New(identity.WithAcceptLanguage(a.cfg.Fetcher.AcceptLanguage)),
		Dispatcher: ctrl,
		Retry:      newRetryPolicy(a.cfg.Retry),
		Pauser:     clock,
		Clock:      clock,
	}
	if archive != nil {
		deps.Archive = archive
		deps.Hasher = sha256.New()
	}
	driver, err := worker.New(deps, worker.Config{
		PageSize:         cc.PageSize,
		EmptyThreshold:   cc.EmptyPageThreshold,
		MaxPagesPerQuery: cc.MaxPagesPerQuery,
		ArchivePrefix:    a.cfg.Archive.Prefix,
	}, a.logger.Named("driver"))
	if err != nil {
		return nil, crawler.NewConfigurationError("crawler", "%w", err)
	}
	a.logger.Info("pagination driver ready",
		zap.Int("max_concurrent", cc.MaxConcurrent),
		zap.Int("batch_size", cc.BatchSize),
		zap.Float64("empty_page_threshold", cc.EmptyPageThreshold),
		zap.Float64("max_rps", cc.MaxRPS),
	)
	return driver, nil
}

func newRetryPolicy(cfg config.RetryConfig) crawler.RetryPolicy {
	if cfg.Strategy == "exponential" {
		return crawler.NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.Delay, cfg.MaxDelay)
	}
	return crawler.NewFixedRetryPolicy(cfg.MaxAttempts, cfg.Delay)
}

// Planner returns the run's planner.
func (a *App) Planner() *planner.Planner {
	return a.planner
}

// Checkpoints returns the checkpoint store.
func (a *App) Checkpoints() *checkpoint.FileStore {
	return a.checkpoints
}

// Engine returns the orchestrator.
func (a *App) Engine() *orchestrator.Engine {
	return a.engine
}

// Run executes one crawl. When a metrics address is configured the status
// server runs alongside and stops with the crawl.
func (a *App) Run(ctx context.Context) (orchestrator.Report, error) {
	if a.apiServer == nil {
		return a.engine.Run(ctx)
	}

	serverCtx, stopServer := context.WithCancel(ctx)
	serverDone := make(chan error, 1)
	go func() { serverDone <- a.apiServer.ListenAndServe(serverCtx, a.cfg.Metrics.Addr) }()

	report, err := a.engine.Run(ctx)

	stopServer()
	if serr := <-serverDone; serr != nil {
		a.logger.Warn("status server stopped with error", zap.Error(serr))
	}
	return report, err
}

// Close releases clients in reverse order of creation. It is safe to call
// more than once.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			if err := c.fn(); err != nil {
				a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}
	})
	return errors.Join(errs...)
}
