// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator wires the lab coordination service together.
//
// The service owns one of each component and runs four loops until its
// context ends:
//
//	┌────────────┐   ┌───────────────┐   ┌──────────────┐   ┌─────────────┐
//	│ HTTP (gin) │   │ Scheduler     │   │ Regime       │   │ Config      │
//	│ producers  │   │ poll+reconcile│   │ listener     │   │ watcher     │
//	└─────┬──────┘   └──────┬────────┘   └──────┬───────┘   └──────┬──────┘
//	      │                 │                   │                  │
//	      ▼                 ▼                   ▼                  ▼
//	 Supervisor ◄──── fallback store       Coordinator        SetThresholds
//	      │
//	      ▼
//	  Backend (Redis or detached)
//
// # Usage
//
//	cfg, err := config.Load("labcoord.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := coordinator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	log.Fatal(svc.Run(ctx))
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/labcoord/pkg/extensions"
	"github.com/AleutianAI/labcoord/pkg/logging"
	"github.com/AleutianAI/labcoord/services/coordinator/backend"
	"github.com/AleutianAI/labcoord/services/coordinator/config"
	"github.com/AleutianAI/labcoord/services/coordinator/fallback"
	"github.com/AleutianAI/labcoord/services/coordinator/middleware"
	"github.com/AleutianAI/labcoord/services/coordinator/observability"
	"github.com/AleutianAI/labcoord/services/coordinator/reports"
	"github.com/AleutianAI/labcoord/services/coordinator/routes"
	"github.com/AleutianAI/labcoord/services/coordinator/supervisor"
	"github.com/AleutianAI/labcoord/services/coordinator/telemetry"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the coordinator lifecycle.
//
// # Thread Safety
//
// Run must be called at most once. Close may be called from any goroutine
// and is idempotent.
type Service interface {
	// Run serves HTTP and runs the background loops until ctx ends or a
	// loop fails. It returns nil on a clean shutdown.
	Run(ctx context.Context) error

	// Router returns the configured gin engine.
	Router() *gin.Engine

	// Supervisor returns the resource supervisor.
	Supervisor() *supervisor.Supervisor

	// Reports returns the report coordinator.
	Reports() *reports.Coordinator

	// Close releases the backend, the fallback store, the Influx sink, the
	// tracer and the log file.
	Close() error
}

// Options carries dependencies that are not part of the file configuration.
// The zero value is valid.
type Options struct {
	// ConfigPath enables live threshold reloads when set.
	ConfigPath string

	// Sampler replaces the host sampler.
	Sampler supervisor.Sampler

	// Registry receives the metrics. Default: a fresh registry with the Go
	// and process collectors.
	Registry *prometheus.Registry

	// LogOutput overrides stderr for the service logger.
	LogOutput io.Writer

	// LogExporter also receives every log entry, e.g. to ship them to a
	// central collector.
	LogExporter logging.LogExporter

	// Extensions replaces the access-control providers. When nil they are
	// derived from the configured tokens.
	Extensions *extensions.ServiceOptions
}

type service struct {
	config   config.Config
	opts     Options
	log      *logging.Logger
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	backend   backend.Backend
	store     fallback.Store
	sink      *telemetry.InfluxSink
	sup       *supervisor.Supervisor
	coord     *reports.Coordinator
	scheduler *supervisor.Scheduler
	router    *gin.Engine

	tracerCleanup func(context.Context)
	closeOnce     sync.Once
	closeErr      error
}

// =============================================================================
// Constructor
// =============================================================================

// New builds every component from cfg.
//
// # Description
//
//  1. Validates cfg and creates the logger
//  2. Initializes tracing and Prometheus metrics
//  3. Creates the backend client (or the detached stub) and connects once
//  4. Opens the fallback store
//  5. Creates the Influx sink when configured
//  6. Builds the supervisor, scheduler and report coordinator
//  7. Sets up HTTP routes
//
// An unreachable backend is not an error: the supervisor degrades to the
// fallback store and reconciles when the backend returns.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if configuration is invalid or the fallback store
//     cannot be opened.
func New(cfg config.Config, opts *Options) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &service{config: cfg}
	if opts != nil {
		s.opts = *opts
	}

	if err := s.initLogger(); err != nil {
		return nil, err
	}

	cleanup, err := observability.InitTracer(context.Background(), cfg.Service.Name, cfg.Service.TracingEndpoint)
	if err != nil {
		s.logger.Warn("tracing disabled", slog.String("error", err.Error()))
	}
	s.tracerCleanup = cleanup

	s.initMetrics()
	s.initBackend()

	if err := s.initFallback(); err != nil {
		s.cleanup()
		return nil, err
	}

	if cfg.Influx.URL != "" {
		s.sink, err = telemetry.NewInfluxSink(telemetry.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
			Host:   cfg.Service.Name,
		}, s.logger)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to create influx sink: %w", err)
		}
	}

	if err := s.initSupervisor(); err != nil {
		s.cleanup()
		return nil, err
	}

	s.coord = reports.New(s.backend, reports.Config{
		Capacity:   cfg.Reports.Capacity,
		FetchBatch: cfg.Reports.FetchBatch,
		RegimeTTL:  cfg.Reports.RegimeTTL,
		Logger:     s.logger,
		Metrics:    s.metrics,
	})

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server, the scheduler, the regime listener and, when
// a config path was given, the config watcher.
func (s *service) Run(ctx context.Context) error {
	if s.coord.Restore(ctx) {
		s.logger.Info("regime restored", slog.String("regime", s.coord.Regime()))
	}

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer s.scheduler.Stop()

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              s.config.Service.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		s.logger.Info("Starting coordinator server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return s.coord.Listen(ctx)
	})

	if s.opts.ConfigPath != "" {
		watcher, err := config.NewWatcher(s.opts.ConfigPath, s.logger, s.applyConfig)
		if err != nil {
			s.logger.Warn("config watcher disabled", slog.String("error", err.Error()))
		} else {
			g.Go(func() error { return watcher.Run(ctx) })
		}
	}

	err := g.Wait()
	s.logger.Info("coordinator stopped")
	return err
}

// Router returns the gin engine.
func (s *service) Router() *gin.Engine { return s.router }

// Supervisor returns the resource supervisor.
func (s *service) Supervisor() *supervisor.Supervisor { return s.sup }

// Reports returns the report coordinator.
func (s *service) Reports() *reports.Coordinator { return s.coord }

// Close releases all resources.
func (s *service) Close() error {
	s.closeOnce.Do(s.cleanup)
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

func (s *service) initLogger() error {
	level, err := logging.ParseLevel(s.config.Service.LogLevel)
	if err != nil {
		return err
	}
	s.log = logging.New(logging.Config{
		Level:    level,
		LogDir:   s.config.Service.LogDir,
		Service:  s.config.Service.Name,
		JSON:     s.config.Service.LogJSON,
		Output:   s.opts.LogOutput,
		Exporter: s.opts.LogExporter,
	})
	s.logger = s.log.Slog()
	slog.SetDefault(s.logger)
	return nil
}

func (s *service) initMetrics() {
	s.registry = s.opts.Registry
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = observability.NewMetrics(s.registry)
}

func (s *service) initBackend() {
	bc := s.config.Backend
	if !bc.Enabled {
		s.logger.Info("no backend configured, running detached")
		s.backend = backend.NewDetached()
		return
	}

	rc := backend.DefaultConfig()
	rc.Host = bc.Host
	rc.Port = bc.Port
	rc.Password = bc.Password
	rc.DB = bc.DB
	rc.Namespace = bc.Namespace
	rc.DialTimeout = bc.ConnectTimeout
	rc.ReadTimeout = bc.ReadTimeout
	rc.WriteTimeout = bc.ReadTimeout
	rc.PoolSize = bc.PoolSize
	rc.Logger = s.logger
	rc.Metrics = s.metrics
	client := backend.NewRedisClient(rc)

	ctx, cancel := context.WithTimeout(context.Background(), bc.ConnectTimeout)
	defer cancel()
	if !client.Connect(ctx) {
		s.logger.Warn("backend unreachable, starting degraded", slog.String("addr", rc.Addr()))
	}
	s.backend = client
}

func (s *service) initFallback() error {
	store, err := fallback.Open(fallback.Config{
		Engine: s.config.Fallback.Engine,
		Path:   s.config.Fallback.Path,
		Logger: s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open fallback store: %w", err)
	}
	s.store = store
	return nil
}

func (s *service) initSupervisor() error {
	sampler := s.opts.Sampler
	if sampler == nil {
		sampler = supervisor.NewHostSampler()
	}

	var sink supervisor.SnapshotSink
	if s.sink != nil {
		sink = s.sink
	}

	sc := s.config.Supervisor
	sup, err := supervisor.New(s.backend, s.store, sampler, supervisor.Config{
		Thresholds:     supervisor.Thresholds{Yellow: sc.RAMYellow, Red: sc.RAMRed},
		ReconcileBatch: sc.ReconcileBatch,
		SnapshotTTL:    sc.SnapshotTTL,
		Logger:         s.logger,
		Metrics:        s.metrics,
		Sink:           sink,
	})
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}
	s.sup = sup
	s.scheduler = supervisor.NewScheduler(sup, supervisor.SchedulerConfig{
		PollInterval:    sc.PollInterval,
		CleanupInterval: sc.CleanupInterval,
		MaxTaskAge:      s.config.Fallback.MaxTaskAge,
	})
	return nil
}

func (s *service) initRouter() {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		otelgin.Middleware(s.config.Service.Name),
		middleware.AccessLog(s.logger),
		middleware.RateLimit(s.config.Service.RateLimit, s.config.Service.RateBurst),
	)
	routes.SetupRoutes(router, s.sup, s.coord, s.backend, s.registry, s.extensionOptions())
	s.router = router
}

// extensionOptions enables token auth when any token is configured.
func (s *service) extensionOptions() extensions.ServiceOptions {
	if s.opts.Extensions != nil {
		return s.opts.Extensions.Normalize()
	}
	sc := s.config.Service
	if sc.OperatorToken == "" && sc.ReaderToken == "" {
		return extensions.DefaultOptions()
	}
	tokens := map[string][]string{}
	if sc.OperatorToken != "" {
		tokens[sc.OperatorToken] = []string{extensions.RoleOperator}
	}
	if sc.ReaderToken != "" {
		tokens[sc.ReaderToken] = []string{extensions.RoleReader}
	}
	s.logger.Info("API token auth enabled", slog.Int("tokens", len(tokens)))
	return extensions.DefaultOptions().
		WithAuth(extensions.NewTokenAuthProvider(tokens)).
		WithAuthz(extensions.RoleAuthzProvider{})
}

// applyConfig picks up threshold edits. Other fields need a restart.
func (s *service) applyConfig(cfg config.Config) {
	t := supervisor.Thresholds{Yellow: cfg.Supervisor.RAMYellow, Red: cfg.Supervisor.RAMRed}
	if err := s.sup.SetThresholds(t); err != nil {
		s.logger.Warn("rejected threshold reload", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("thresholds reloaded", slog.Float64("yellow", t.Yellow), slog.Float64("red", t.Red))
}

// cleanup releases everything New acquired. Safe on a partial service.
func (s *service) cleanup() {
	var errs []error
	if s.sink != nil {
		s.sink.Close()
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend close: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("fallback close: %w", err))
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	if s.log != nil {
		if err := s.log.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.closeErr = errors.Join(errs...)
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
