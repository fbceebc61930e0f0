// Package main provides the flowhub HTTP server: task manager, flow engine,
// notification hub, streaming bridge and periodic driver behind one API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/flowhub/internal/api"
	"github.com/raphaelgruber/flowhub/internal/config"
	"github.com/raphaelgruber/flowhub/internal/db"
	"github.com/raphaelgruber/flowhub/internal/flow"
	"github.com/raphaelgruber/flowhub/internal/hub"
	"github.com/raphaelgruber/flowhub/internal/llm"
	"github.com/raphaelgruber/flowhub/internal/metrics"
	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/periodic"
	"github.com/raphaelgruber/flowhub/internal/store"
	"github.com/raphaelgruber/flowhub/internal/store/memory"
	"github.com/raphaelgruber/flowhub/internal/store/sqlstore"
	"github.com/raphaelgruber/flowhub/internal/stream"
	"github.com/raphaelgruber/flowhub/internal/task"
	"github.com/raphaelgruber/flowhub/internal/telemetry"
)

const serviceName = "flowhub-server"

// boardLimit caps posts kept in memory.
const boardLimit = 500

func main() {
	wipeDB := flag.Bool("wipe", false, "wipe all task data on startup (testing only)")
	flag.Parse()

	cfg := config.Load()
	opts := cfg.LogOptions()

	var otelShutdown func(context.Context) error
	if cfg.OTelStdout {
		handler, shutdown, err := telemetry.Setup(context.Background(), serviceName, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telemetry setup failed: %v\n", err)
			os.Exit(1)
		}
		opts.Extra = append(opts.Extra, handler)
		otelShutdown = shutdown
	}

	logger, cleanup := config.SetupLogger(opts)
	defer cleanup()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, cfg, *wipeDB || os.Getenv("FLOWHUB_WIPE_DB") == "true", logger)
	if otelShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if sErr := otelShutdown(shutdownCtx); sErr != nil {
			logger.Warn("telemetry shutdown failed", "error", sErr)
		}
		cancel()
	}
	if err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, wipe bool, logger *slog.Logger) error {
	logger.Info("starting flowhub-server",
		"port", cfg.ServerPort,
		"task_store", cfg.TaskStore,
		"workers", cfg.TaskWorkers,
		"llm_provider", cfg.LLMProvider,
	)

	tokens, err := api.ParseTokens(cfg.AuthTokens)
	if err != nil {
		return fmt.Errorf("parse AUTH_TOKENS: %w", err)
	}
	if len(tokens) == 0 {
		logger.Warn("no AUTH_TOKENS configured, every request will be rejected")
	}

	collector := metrics.NewCollector()

	// Task rows and periodic state.
	var (
		taskStore  store.TaskStore
		stateStore store.PeriodicStore
		vectors    flow.VectorBackend
	)
	switch cfg.TaskStore {
	case "memory":
		mem := memory.New()
		taskStore, stateStore = mem, mem
	case "surreal", "":
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		dbClient, err := db.NewClient(connectCtx, db.Config{
			URL:                cfg.SurrealDBURL,
			Namespace:          cfg.SurrealDBNamespace,
			Database:           cfg.SurrealDBDatabase,
			Username:           cfg.SurrealDBUser,
			Password:           cfg.SurrealDBPass,
			AuthLevel:          cfg.SurrealDBAuthLevel,
			EmbeddingDimension: cfg.EmbeddingDimension,
		}, logger)
		if err != nil {
			cancel()
			return fmt.Errorf("connect database: %w", err)
		}
		if err := dbClient.InitSchema(connectCtx); err != nil {
			cancel()
			_ = dbClient.Close(context.Background())
			return fmt.Errorf("init schema: %w", err)
		}
		if wipe {
			if err := dbClient.WipeData(connectCtx); err != nil {
				cancel()
				_ = dbClient.Close(context.Background())
				return fmt.Errorf("wipe database: %w", err)
			}
			logger.Warn("task data wiped")
		}
		cancel()
		defer func() {
			logger.Info("closing database connection")
			_ = dbClient.Close(context.Background())
		}()
		taskStore, stateStore, vectors = dbClient, dbClient, dbClient
	default:
		return fmt.Errorf("unknown TASK_STORE %q", cfg.TaskStore)
	}

	flowStore, err := sqlstore.Open(ctx, cfg.FlowStoreDSN, logger)
	if err != nil {
		return fmt.Errorf("open flow store: %w", err)
	}
	defer flowStore.Close()

	// Notification hub, optionally relayed through Redis.
	hubOpts := hub.Options{QueueSize: cfg.HubQueueSize, Logger: logger, Metrics: collector}
	if cfg.RedisURL != "" {
		relay, err := hub.NewRedisRelay(ctx, cfg.RedisURL, "flowhub:events")
		if err != nil {
			return fmt.Errorf("connect redis relay: %w", err)
		}
		defer relay.Close()
		hubOpts.Relay = relay
		logger.Info("hub relay enabled", "redis", cfg.RedisURL)
	}
	h := hub.New(hubOpts)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go h.Run(hubCtx)

	manager := task.NewManager(taskStore, task.Options{
		Workers:       cfg.TaskWorkers,
		MaxLogEntries: cfg.TaskMaxLogEntries,
		Publisher:     h,
		Logger:        logger,
		Metrics:       collector,
	})
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start task manager: %w", err)
	}

	// Capabilities.
	llmModels := llm.NewModels(cfg, collector)
	caps := flow.Capabilities{LLM: llmModels.Get, Vectors: vectors}
	if embedder, err := llm.NewEmbedder(ctx, cfg, collector); err != nil {
		logger.Warn("embedder unavailable", "error", err)
	} else {
		caps.Embedder = embedder
	}
	if cfg.MCPServers != "" {
		servers, err := llm.ParseToolServers(cfg.MCPServers)
		if err != nil {
			return fmt.Errorf("parse MCP_SERVERS: %w", err)
		}
		toolSet := llm.NewToolSet(logger)
		defer toolSet.Close()
		for _, srv := range servers {
			if err := toolSet.ConnectCommand(ctx, srv); err != nil {
				logger.Warn("tool server unavailable", "server", srv.Name, "error", err)
			}
		}
		caps.Tools = toolSet
		logger.Info("tool servers connected", "tools", len(toolSet.Tools()))
	}

	engineOpts := flow.Options{
		Store:        flowStore,
		Tasks:        manager,
		Capabilities: caps,
		Parallelism:  cfg.FlowParallelism,
		Logger:       logger,
		Metrics:      collector,
	}
	if cfg.DockerEnabled {
		runner, err := flow.NewDockerRunner(ctx, cfg.PythonImage, logger)
		if err != nil {
			return fmt.Errorf("docker runtime: %w", err)
		}
		defer runner.Close()
		engineOpts.Runtimes = []flow.Runtime{flow.NewPythonRuntime(runner)}
		engineOpts.Packages = flow.NewPackageManager(map[string]flow.Installer{
			models.RuntimePython: runner,
		}, logger, collector)
		logger.Info("python runtime enabled", "image", cfg.PythonImage)
	}
	engine := flow.NewEngine(engineOpts)

	bridge := stream.NewBridge(manager, stream.Options{
		Buffer:    cfg.StreamBuffer,
		Publisher: h,
		Logger:    logger,
	})

	board := periodic.NewBoard(h, boardLimit)
	driver, err := periodic.NewDriver(periodic.Options{
		Tasks: manager,
		State: stateStore,
		Jobs: []periodic.Job{
			periodic.NewRSSFetch(board),
			&periodic.AIBotPost{Model: llmModels.Default, Board: board},
			&periodic.ModerationSweep{Model: llmModels.Default, Board: board},
		},
		Load:     periodic.FileSettings(cfg.PeriodicConfig, periodic.DefaultSettings(cfg)),
		Tick:     cfg.PeriodicTick,
		Notifier: h,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create periodic driver: %w", err)
	}
	if err := driver.Start(ctx); err != nil {
		return fmt.Errorf("start periodic driver: %w", err)
	}

	router := api.New(api.Deps{
		Tasks:       manager,
		Flows:       flowStore,
		Engine:      engine,
		Bridge:      bridge,
		Hub:         h,
		Periodic:    driver,
		Board:       board,
		LLM:         llmModels.Get,
		Metrics:     collector,
		Tokens:      tokens,
		ServiceName: serviceName,
		Logger:      logger,
	}).Router()

	httpServer := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Streams and websockets hold responses open; no write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("API available", "url", fmt.Sprintf("http://localhost:%s/api", cfg.ServerPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case err := <-serveErr:
		if err != nil {
			driver.Stop()
			_ = manager.Shutdown(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	return shutdown(cfg, logger, httpServer, driver, manager)
}

// shutdown stops intake first, then drains: HTTP, periodic driver, tasks.
func shutdown(cfg config.Config, logger *slog.Logger, srv *http.Server, driver *periodic.Driver, manager *task.Manager) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	driver.Stop()

	graceCtx, cancelGrace := context.WithTimeout(ctx, cfg.ShutdownGrace)
	defer cancelGrace()
	if err := manager.Shutdown(graceCtx); err != nil {
		logger.Warn("tasks did not finish within grace period", "error", err)
	}
	return errors.Join(errs...)
}
