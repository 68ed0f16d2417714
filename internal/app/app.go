// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/company-crawler/internal/api"
	"github.com/JakeFAU/company-crawler/internal/breaker"
	"github.com/JakeFAU/company-crawler/internal/config"
	"github.com/JakeFAU/company-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/company-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/company-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/company-crawler/internal/hash/sha256"
	"github.com/JakeFAU/company-crawler/internal/headless/detector"
	"github.com/JakeFAU/company-crawler/internal/metrics"
	"github.com/JakeFAU/company-crawler/internal/pipeline"
	"github.com/JakeFAU/company-crawler/internal/scheduler"
	"github.com/JakeFAU/company-crawler/internal/storage/postgres"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// App holds all the shared, long-lived services for the application.
// It is built once at startup and handed to the command that needs it.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	scheduler *scheduler.Scheduler
	breakers  *breaker.Group
	pipeline  *pipeline.Client
	outcomes  *postgres.OutcomeStore
	headless  *headlessfetcher.Fetcher
	server    *api.Server
}

// New creates and initializes an App from cfg. It fails fast if any critical
// service cannot be initialized. Headless rendering degrades to disabled when
// the browser cannot be started.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	logger.Info("initializing application services")

	sched, err := scheduler.New(cfg.SchedulerSettings(), logger)
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	breakerCfg := cfg.BreakerSettings()
	breakerCfg.Observer = breaker.MultiObserver{
		breaker.NewLogObserver(logger),
		breaker.MetricsObserver{},
	}
	breakers := breaker.NewGroup(breakerCfg)

	a := &App{
		cfg:       cfg,
		logger:    logger,
		scheduler: sched,
		breakers:  breakers,
	}

	// Robots handling is decided per request by the API and CLI.
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Fetcher.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxBodyBytes: cfg.Fetcher.MaxBodyBytes,
	})

	var (
		headless crawler.Fetcher
		detect   crawler.PromotionDetector
	)
	if cfg.Headless.Enabled {
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetcher.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			a.headless = f
			headless = f
			if cfg.Headless.AutoPromote {
				detect = detector.NewHeuristic(cfg.Headless.PromotionThreshold)
			}
		}
	}

	var recorder crawler.OutcomeRecorder
	if cfg.DB.DSN != "" {
		store, err := postgres.NewOutcomeStore(ctx, postgres.OutcomeStoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init outcome store: %w", err)
		}
		a.outcomes = store
		if err := store.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
		recorder = store
		logger.Info("outcome log enabled")
	}

	a.pipeline, err = pipeline.New(pipeline.Options{
		Scheduler: sched,
		Breakers:  breakers,
		Retry:     cfg.RetryOptions(),
		Fetcher:   probe,
		Headless:  headless,
		Recorder:  recorder,
		Detector:  detect,
		Hasher:    sha256.New(),
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	apiOpts := api.Options{
		Scheduler: sched,
		Breakers:  breakers,
		Pipeline:  a.pipeline,
		Config:    cfg,
		Logger:    logger,
	}
	if a.outcomes != nil {
		apiOpts.Outcomes = a.outcomes
	}
	a.server, err = api.NewServer(apiOpts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init api: %w", err)
	}

	logger.Info("application services initialized")
	return a, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Scheduler exposes the request scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Breakers exposes the per-domain circuit breakers.
func (a *App) Breakers() *breaker.Group {
	return a.breakers
}

// Handler returns the ops API handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Serve runs the scheduler and the HTTP API until ctx ends or either fails,
// then shuts the server down gracefully.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.scheduler.Run(gctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.scheduler.Wait()
	a.logger.Info("shutdown complete")
	return err
}

// Fetch runs the scheduler just long enough to push reqs through the pipeline.
// The scheduler cannot be restarted, so Fetch and Serve are each usable once.
func (a *App) Fetch(ctx context.Context, reqs []pipeline.Request) ([]pipeline.Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.scheduler.Run(runCtx) }()

	results, err := a.pipeline.FetchAll(ctx, reqs)
	cancel()
	runErr := <-done
	a.scheduler.Wait()

	if err != nil {
		return results, err
	}
	if runErr != nil {
		return results, fmt.Errorf("scheduler: %w", runErr)
	}
	return results, nil
}

// Close releases the browser and database pool and flushes the logger.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.headless != nil {
		a.headless.Close()
	}
	if a.outcomes != nil {
		a.outcomes.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
