// Package main is the entry point for the hazen workflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/hazen/internal/config"
	"github.com/pitabwire/hazen/internal/definition"
	"github.com/pitabwire/hazen/internal/notify"
	"github.com/pitabwire/hazen/internal/observability"
	"github.com/pitabwire/hazen/internal/transport"
	"github.com/pitabwire/hazen/internal/workflow"
	"github.com/pitabwire/hazen/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "hazen", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load the workflow definition, validate, build registry.
	loader := definition.NewLoader(cfg.Workflow.DefinitionFile)
	def, err := loader.Load()
	if err != nil {
		logger.Error("workflow definition loading failed", zap.Error(err))
		return 1
	}

	validator := definition.NewValidator()
	if verrs := validator.Validate(def); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("workflow definition validation error", zap.String("error", ve.Error()))
		}
		return 1
	}

	registry := definition.NewRegistry(def)
	metrics.SetDefinitionVersion(float64(def.Version))

	// Step 5: Initialize the case store.
	store, storeCloser, err := buildCaseStore(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		logger.Error("case store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Build the executor resolver from the role directory.
	directory := workflow.NewStaticDirectory(buildRoleDirectory(cfg.Directory))
	resolver := workflow.NewResolver(directory, logger)

	// Step 7: Build the notification pipeline.
	templates, err := loadTemplates(cfg.Notification)
	if err != nil {
		logger.Error("notification template loading failed", zap.Error(err))
		return 1
	}
	outbox := notify.NewOutbox(cfg.Notification.OutboxCapacity)
	dispatcher := notify.NewDispatcher(templates, outbox, logger)

	// Step 8: Build the workflow engine.
	engine := workflow.NewEngine(registry, store, resolver, dispatcher, logger)

	// Step 9: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)

	readinessChecks := observability.ReadinessChecks{
		DefinitionLoaded: func() bool { return registry.Current() != nil },
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readinessChecks.CaseStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       engine,
		Registry:     registry,
		Loader:       loader,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Metrics:      metrics,
		Health:       observability.HandleHealth(),
		Ready:        observability.HandleReady(readinessChecks),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start the overdue sweep schedule.
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Workflow.OverdueCheckCron, func() {
		if err := engine.ProcessOverdue(ctx); err != nil {
			logger.Error("overdue sweep failed", zap.Error(err))
		}
	}); err != nil {
		logger.Error("overdue schedule registration failed",
			zap.String("cron", cfg.Workflow.OverdueCheckCron),
			zap.Error(err))
		return 1
	}
	sched.Start()

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definition_version", def.Version),
		zap.Int("definition_steps", len(def.Steps)),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the sweep schedule and wait for a running sweep to finish.
	<-sched.Stop().Done()

	if storeCloser != nil {
		storeCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildCaseStore creates the case store based on config.
func buildCaseStore(ctx context.Context, cfg config.WorkflowStoreConfig, logger *zap.Logger) (workflow.CaseStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory case store")
		return workflow.NewMemoryCaseStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("case store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: connect: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("case store: ping: %w", err)
		}

		return workflow.NewPgCaseStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported case store driver: %q", cfg.Driver)
	}
}

// buildRoleDirectory converts the configured role directory into the form
// the resolver consumes.
func buildRoleDirectory(cfg config.DirectoryConfig) map[string][]model.UserRef {
	roles := make(map[string][]model.UserRef, len(cfg.Roles))
	for role, users := range cfg.Roles {
		refs := make([]model.UserRef, len(users))
		for i, u := range users {
			refs[i] = model.UserRef{ID: u.ID, Name: u.Name}
		}
		roles[role] = refs
	}
	return roles
}

// loadTemplates reads notification templates from the configured file, or
// falls back to the built-in set.
func loadTemplates(cfg config.NotificationConfig) ([]notify.Template, error) {
	if cfg.TemplatesFile == "" {
		return notify.DefaultTemplates(), nil
	}
	return notify.LoadTemplates(cfg.TemplatesFile)
}
