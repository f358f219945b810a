// Package selfplay is the public API for embedding the self-play evaluation
// server.
//
//	app, err := selfplay.New(
//	    selfplay.WithVersion(version),
//	    selfplay.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the root.
package selfplay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/selfplay/api"
	"github.com/ashita-ai/selfplay/internal/config"
	"github.com/ashita-ai/selfplay/internal/metrics"
	"github.com/ashita-ai/selfplay/internal/predict"
	"github.com/ashita-ai/selfplay/internal/ratelimit"
	"github.com/ashita-ai/selfplay/internal/report"
	"github.com/ashita-ai/selfplay/internal/rules"
	"github.com/ashita-ai/selfplay/internal/runner"
	"github.com/ashita-ai/selfplay/internal/server"
	"github.com/ashita-ai/selfplay/internal/telemetry"
)

// App is the selfplay server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	srv          *server.Server
	coordinator  *runner.Coordinator
	store        report.Store
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, opens the report store and wires the runner and
// HTTP server. It does NOT accept connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.artifactsDir != "" {
		cfg.ArtifactsDir = o.artifactsDir
	}
	if o.predictURL != "" {
		cfg.PredictURL = o.predictURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("selfplay starting",
		"version", version,
		"port", cfg.Port,
		"report_backend", cfg.ReportBackend,
		"predict_url", cfg.PredictURL)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	prom := metrics.NewPrometheus()
	otelSink, err := metrics.NewOTel(telemetry.Meter("selfplay"))
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("metrics: %w", err)
	}
	sink := metrics.Tee(prom, otelSink)

	store, err := report.Open(ctx, report.Options{
		Backend:     cfg.ReportBackend,
		Dir:         cfg.ArtifactsDir,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
	}, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("report store: %w", err)
	}

	var predictor predict.Predictor = o.predictor
	if predictor == nil {
		predictor = predict.NewClient(predict.Config{
			URL:         cfg.PredictURL,
			Timeout:     cfg.PredictTimeout,
			MaxAttempts: cfg.PredictMaxAttempts,
			BaseDelay:   cfg.PredictBaseDelay,
		}, sink, logger)
	}

	coordinator := runner.New(runner.Config{
		Engine:         rules.NewChess(cfg.MaxPlies),
		Predictor:      predictor,
		Store:          store,
		Sink:           sink,
		Logger:         logger,
		MaxGames:       cfg.MaxGames,
		MaxConcurrency: cfg.MaxConcurrency,
	})

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		limiter = ratelimit.PerMinute(cfg.RateLimitPerMin)
	}

	srv := server.New(server.ServerConfig{
		Runner:              coordinator,
		Logger:              logger,
		Limiter:             limiter,
		MetricsHandler:      prom.Handler(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		srv:          srv,
		coordinator:  coordinator,
		store:        store,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler. Useful for tests and for mounting
// the API under another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run serves HTTP until ctx is cancelled or the server fails, then shuts
// down gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests, waits for in-flight runs to
// persist their reports, then closes the store and telemetry providers.
// Runs still executing after the drain timeout are abandoned.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("selfplay shutting down", "active_runs", a.coordinator.ActiveRuns())

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
	drainErr := a.coordinator.Drain(drainCtx)
	drainCancel()
	if drainErr != nil {
		a.logger.Error("run drain incomplete, unfinished runs will have no report",
			"error", drainErr,
			"active_runs", a.coordinator.ActiveRuns(),
			"configured_timeout", a.cfg.ShutdownDrainTimeout)
	}

	_ = a.limiter.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("report store close error", "error", err)
	}
	otelCtx, otelCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := a.otelShutdown(otelCtx); err != nil {
		a.logger.Error("telemetry shutdown error", "error", err)
	}
	otelCancel()

	a.logger.Info("selfplay stopped")
	if drainErr != nil {
		return fmt.Errorf("run drain failed: %w", drainErr)
	}
	return nil
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
