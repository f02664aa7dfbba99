// Package patternd is the public API for embedding the conversion pattern
// service.
//
// An App wires the outcome store, the four detectors, the batch jobs, the
// consumer read path and the ops HTTP/MCP surface from environment
// configuration:
//
//	app, err := patternd.New(ctx, patternd.WithVersion(version))
//	if err != nil { ... }
//	err = app.Run(ctx)
//
// The import graph is one-way: patternd (root) imports internal/*, never the
// reverse.
package patternd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/patternd/internal/auth"
	"github.com/ashita-ai/patternd/internal/config"
	"github.com/ashita-ai/patternd/internal/consume"
	"github.com/ashita-ai/patternd/internal/detect"
	"github.com/ashita-ai/patternd/internal/jobs"
	"github.com/ashita-ai/patternd/internal/mcp"
	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/ratelimit"
	"github.com/ashita-ai/patternd/internal/scoring"
	"github.com/ashita-ai/patternd/internal/server"
	"github.com/ashita-ai/patternd/internal/snapshot"
	"github.com/ashita-ai/patternd/internal/storage"
	"github.com/ashita-ai/patternd/internal/storage/postgres"
	"github.com/ashita-ai/patternd/internal/storage/sqlite"
	"github.com/ashita-ai/patternd/internal/telemetry"
	"github.com/ashita-ai/patternd/migrations"
)

const shutdownTimeout = 30 * time.Second

// App is the patternd lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	store        storage.Store
	jwtMgr       *auth.JWTManager
	reader       *consume.Reader
	recorder     *snapshot.Recorder
	runner       *jobs.Runner
	scheduler    *jobs.Scheduler
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New connects to the store, runs migrations and wires every subsystem. It
// starts no goroutines and accepts no connections; call Run for that.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}
	now := o.now
	if now == nil {
		now = time.Now
	}

	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
	} else {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store := o.store
	if store == nil {
		store, err = openStore(ctx, cfg, logger, now)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, err
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		store.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}
	if cfg.JWTPrivateKeyPath == "" {
		logger.Warn("no JWT key configured, using an ephemeral key; tokens will not survive a restart")
	}

	reader := consume.NewReader(store, logger,
		consume.WithMinConfidence(cfg.MinConsumptionConfidence),
		consume.WithCacheTTL(cfg.CacheTTL),
		consume.WithTimeout(cfg.ReadPathTimeout),
		consume.WithClock(now),
	)

	recorder := snapshot.NewRecorder(store, logger, cfg.SnapshotBatchSize, cfg.SnapshotFlushTimeout,
		snapshot.WithCapacity(cfg.SnapshotCapacity),
		snapshot.WithClock(now))

	params := detect.Params{
		MinSamplesTotal:    cfg.MinSamplesTotal,
		MinSamplesCategory: cfg.MinSamplesCategory,
		ConfidenceK:        cfg.ConfidenceK,
	}
	jobsCfg := jobs.DefaultConfig()
	jobsCfg.Lookback = cfg.LearningLookback
	jobsCfg.TenantTimeout = cfg.TenantTimeout
	jobsCfg.Concurrency = cfg.LearningConcurrency
	jobsCfg.HealthHorizon = cfg.HealthHorizon
	jobsCfg.Now = now
	runner := jobs.NewRunner(store, detect.All(store, params, logger), logger, jobsCfg).WithInvalidator(reader)

	a := &App{
		cfg:          cfg,
		store:        store,
		jwtMgr:       jwtMgr,
		reader:       reader,
		recorder:     recorder,
		runner:       runner,
		limiter:      ratelimit.PerMinute(cfg.BackfillRatePerMin),
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	a.scheduler = jobs.NewScheduler(logger, now)
	if err := a.scheduler.Add("learning", cfg.LearningSchedule, a.learn); err != nil {
		a.close()
		return nil, fmt.Errorf("schedule learning: %w", err)
	}
	if err := a.scheduler.Add("health", cfg.HealthSchedule, a.health); err != nil {
		a.close()
		return nil, fmt.Errorf("schedule health: %w", err)
	}

	mcpSrv := mcp.New(store, runner, logger, version)
	a.srv = server.New(server.ServerConfig{
		Store:               store,
		JWTMgr:              jwtMgr,
		Reader:              reader,
		Recorder:            recorder,
		Runner:              runner,
		Logger:              logger,
		BackfillLimiter:     a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	logger.Info("patternd initialized", "version", version, "port", cfg.Port, "sqlite", cfg.UsesSQLite())
	return a, nil
}

// openStore selects the backend from DATABASE_URL and brings its schema up to date.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger, now func() time.Time) (storage.Store, error) {
	opts := []storage.Option{
		storage.WithLogger(logger),
		storage.WithClock(now),
		storage.WithValidityWindow(cfg.ValidityWindow),
	}
	if cfg.UsesSQLite() {
		s, err := sqlite.Open(ctx, cfg.SQLitePath(), opts...)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return s, nil
	}
	db, err := postgres.New(ctx, cfg.DatabaseURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return db, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Runner exposes the batch jobs for one-off invocations.
func (a *App) Runner() *jobs.Runner { return a.runner }

// Store returns the outcome and pattern store.
func (a *App) Store() storage.Store { return a.store }

// Reader returns the consumer read path. Outreach engines embedded in the
// same process resolve effective values through it.
func (a *App) Reader() *consume.Reader { return a.reader }

// Recorder returns the snapshot recorder. Records are buffered until Run
// starts the flush loop.
func (a *App) Recorder() *snapshot.Recorder { return a.recorder }

// LeadScorer returns a WHO-backed lead scorer using the built-in defaults.
func (a *App) LeadScorer() *scoring.LeadScorer {
	return scoring.NewLeadScorer(a.reader, scoring.DefaultWhoPayload())
}

// ContentRanker returns a WHAT-backed content ranker using the built-in defaults.
func (a *App) ContentRanker() *scoring.ContentRanker {
	return scoring.NewContentRanker(a.reader, scoring.DefaultWhatPayload())
}

// SendScheduler returns a WHEN-backed send scheduler using the built-in defaults.
func (a *App) SendScheduler() *scoring.SendScheduler {
	return scoring.NewSendScheduler(a.reader, scoring.DefaultWhenPayload())
}

// ChannelPlanner returns a HOW-backed channel planner that falls back to
// fallback when no sequence applies.
func (a *App) ChannelPlanner(fallback model.Channel) *scoring.ChannelPlanner {
	return scoring.NewChannelPlanner(a.reader, scoring.DefaultHowPayload(), fallback)
}

// JWT returns the token manager.
func (a *App) JWT() *auth.JWTManager { return a.jwtMgr }

// Run starts the snapshot recorder, the job scheduler and the HTTP server, then
// blocks until ctx is cancelled or the server fails. Shutdown runs on return.
func (a *App) Run(ctx context.Context) error {
	a.recorder.Start(ctx)

	schedCtx, stopSched := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		a.scheduler.Run(schedCtx)
	}()
	for _, name := range []string{"learning", "health"} {
		if next, ok := a.scheduler.Next(name); ok {
			a.logger.Info("job scheduled", "job", name, "next_run", next)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	stopSched()
	<-schedDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown stops accepting HTTP requests, flushes buffered snapshots and
// releases the store and telemetry providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("patternd shutting down")
	var errs []error
	if err := a.srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.recorder.Drain(ctx)
	if n := a.recorder.Len(); n > 0 {
		a.logger.Warn("snapshot buffer not fully flushed, remaining snapshots are lost", "remaining", n)
	}
	a.close()
	a.logger.Info("patternd stopped")
	return errors.Join(errs...)
}

// Close releases resources without touching the HTTP server. Use it after
// one-off job invocations that never called Run.
func (a *App) Close() { a.close() }

func (a *App) close() {
	a.reader.Close()
	_ = a.limiter.Close()
	a.store.Close(context.Background())
	_ = a.otelShutdown(context.Background())
}

func (a *App) learn(ctx context.Context) error {
	report, err := a.runner.RunLearning(ctx)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("learning: %d of %d tenants failed", report.Failed, len(report.Tenants))
	}
	return nil
}

func (a *App) health(ctx context.Context) error {
	_, err := a.runner.RunHealth(ctx, 0)
	return err
}
