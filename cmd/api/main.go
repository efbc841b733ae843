// Package main provides the entry point for the API server.
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/narvanalabs/autoci/internal/api"
	"github.com/narvanalabs/autoci/internal/api/handlers"
	"github.com/narvanalabs/autoci/internal/api/health"
	"github.com/narvanalabs/autoci/internal/auth"
	"github.com/narvanalabs/autoci/internal/cleanup"
	eventsredis "github.com/narvanalabs/autoci/internal/events/redis"
	"github.com/narvanalabs/autoci/internal/metrics"
	"github.com/narvanalabs/autoci/internal/pipeline"
	"github.com/narvanalabs/autoci/internal/scanner"
	"github.com/narvanalabs/autoci/internal/shutdown"
	"github.com/narvanalabs/autoci/internal/store/postgres"
	"github.com/narvanalabs/autoci/pkg/config"
	"github.com/narvanalabs/autoci/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat == "json")

	if err := os.MkdirAll(cfg.Worker.WorkDir, 0o755); err != nil {
		log.Error("failed to create work directory", "path", cfg.Worker.WorkDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)

	engine := pipeline.NewEngine(pipeline.ConfigFrom(cfg), log.WithComponent("pipeline").Logger)

	collector := metrics.NewCollector()
	engine.Broker().AddSink(collector)

	workspace := handlers.NewWorkspace(cfg.Worker.WorkDir, log.WithComponent("workspace").Logger)
	engine.Broker().AddSink(workspace)

	deps := api.Deps{
		Engine:    engine,
		Scanner:   scanner.New(log.WithComponent("scanner").Logger),
		Planner:   engine.Planner(),
		Workspace: workspace,
		Metrics:   collector,
	}

	// Components registered first are stopped last: storage outlives the
	// sinks that write to it, and sinks outlive the engine feeding them.
	var history *postgres.HistoryStore
	if cfg.DatabaseDSN != "" {
		history, err = postgres.Open(ctx, postgres.DefaultConfig(cfg.DatabaseDSN), log.WithComponent("history").Logger)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		coordinator.Register(shutdown.NewCloserComponent("history-store", history))

		archiver := postgres.NewArchiver(history, log.WithComponent("archiver").Logger)
		engine.Broker().AddSink(archiver)
		go runBackground(ctx, log, archiver.Name(), archiver.Run)
		coordinator.Register(archiver)
		deps.History = history
	} else {
		log.Info("DATABASE_URL not set, job history is not archived")
	}

	var redisCheck health.Pinger
	if cfg.RedisURL != "" {
		client, err := eventsredis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		coordinator.Register(shutdown.NewCloserComponent("redis-client", client))

		forwarder := eventsredis.NewForwarder(client, cfg.RedisChannel, log.WithComponent("redis").Logger)
		engine.Broker().AddSink(forwarder)
		go runBackground(ctx, log, forwarder.Name(), forwarder.Run)
		coordinator.Register(forwarder)
		redisCheck = health.PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}

	sweeper := cleanup.NewService(cfg.Worker.WorkDir, engine, cleanup.Settings{
		Retention: cfg.Worker.WorkspaceRetention,
		Interval:  cfg.Worker.CleanupInterval,
	}, log.WithComponent("cleanup").Logger)
	go runBackground(ctx, log, sweeper.Name(), sweeper.Run)
	coordinator.Register(sweeper)

	coordinator.Register(engine)

	var authService *auth.Service
	if cfg.AuthEnabled() {
		authService = auth.NewService(&auth.Config{
			JWTSecret:   []byte(cfg.JWTSecret),
			TokenExpiry: cfg.JWTExpiry,
			APIKey:      cfg.APIKey,
		}, log.WithComponent("auth").Logger)
	}

	server := api.NewServer(cfg, deps, authService, log.WithComponent("api").Logger)
	checker := server.HealthChecker()
	checker.AddCheck("engine", engine, true)
	if history != nil {
		checker.AddCheck("history", history, false)
	}
	if redisCheck != nil {
		checker.AddCheck("redis", redisCheck, false)
	}
	coordinator.Register(server)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	log.Info("autoci API ready",
		"host", cfg.APIHost,
		"port", cfg.APIPort,
		"max_concurrency", cfg.Worker.MaxConcurrency,
		"auth", cfg.AuthEnabled(),
	)

	waitCtx, stop := context.WithCancelCause(ctx)
	go func() {
		if err := <-serverErr; err != nil {
			log.Error("server error", "error", err)
			stop(err)
		}
	}()

	coordinator.WaitForSignal(waitCtx)
	coordinator.Wait()

	code := coordinator.ExitCode()
	if waitCtx.Err() != nil {
		// The listener failed; shutdown was not requested.
		code = 1
	}
	stop(nil)
	cancel()

	// Let background sinks log their exit.
	time.Sleep(100 * time.Millisecond)
	log.Info("server stopped")
	os.Exit(code)
}

// runBackground runs a sink worker until it is shut down.
func runBackground(ctx context.Context, log *logger.Logger, name string, run func(context.Context) error) {
	err := run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, postgres.ErrClosed) && !errors.Is(err, eventsredis.ErrClosed) &&
		!errors.Is(err, cleanup.ErrStopped) {
		log.Error("background worker stopped", "name", name, "error", err)
	}
}
