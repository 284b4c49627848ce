// Package main is the taskdeck server: a single binary that runs the task
// orchestrator, the agent runner, the worktree manager, the secret store and
// the HTTP/event surface with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/config"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/db"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/events/hub"
	"github.com/taskdeck/taskdeck/internal/orchestrator"
	"github.com/taskdeck/taskdeck/internal/process"
	"github.com/taskdeck/taskdeck/internal/prompts"
	"github.com/taskdeck/taskdeck/internal/runner"
	"github.com/taskdeck/taskdeck/internal/secrets"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/internal/tracing"
	"github.com/taskdeck/taskdeck/internal/worktree"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting taskdeck...", zap.String("data_dir", cfg.Storage.DataDir))

	// 3. Create context with cancellation; it bounds every background
	// goroutine the orchestrator launches.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.Events.Transport == "nats" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 5. Task store
	pool, err := db.Open(cfg.Storage, cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	store, err := task.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err))
	}

	// 6. Event hub for per-task live streams
	eventHub := hub.New(hub.Options{
		LogBufferSize:    cfg.Events.LogBufferSize,
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
	}, log)

	// 7. Process supervision and git worktrees
	supervisor := process.NewSupervisor(log)
	trees, err := worktree.NewManager(worktree.Config{
		ReposDir:     cfg.Storage.ReposDir,
		WorktreesDir: cfg.Storage.WorktreesDir,
	}, supervisor, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}

	// 8. Secret storage
	keys, err := secrets.NewKeyProvider(cfg.Storage.SecretsDir)
	if err != nil {
		log.Fatal("Failed to initialize secret key", zap.Error(err))
	}
	secretStore, err := secrets.NewFileStore(cfg.Storage.SecretsDir, keys)
	if err != nil {
		log.Fatal("Failed to open secret store", zap.Error(err))
	}
	secretSvc := secrets.NewService(secretStore, secrets.NewProber(), eventBus, log)

	// 9. Prompt templates, with on-disk overrides from the data dir
	promptSet, err := prompts.Load(cfg.Storage.DataDir)
	if err != nil {
		log.Fatal("Failed to load prompt templates", zap.Error(err))
	}

	// 10. Orchestrator and agent runner. The runner reports events back into
	// the orchestrator, so it is attached after construction.
	svc := orchestrator.New(ctx, cfg, store, trees, eventHub, eventBus, secretSvc, promptSet, log)

	detector := runner.NewDetector(log)
	if _, err := detector.WatchBus(eventBus); err != nil {
		log.Warn("Backend detector will not react to saved secrets", zap.Error(err))
	}
	agentRunner := runner.New(cfg.Agent, secretSvc, detector, supervisor, svc, log)
	svc.AttachRunner(agentRunner)

	cliDetected := false
	for _, kind := range []task.BackendKind{task.BackendClaude, task.BackendCodex, task.BackendCopilot, task.BackendGemini} {
		if detector.Available(kind) {
			cliDetected = true
			break
		}
	}
	if !cliDetected {
		log.Info("No agent CLI detected; hosted backends require a saved API key")
	}

	// Worktrees on the same repository are created under one lock, then run
	// in parallel on their own branches.
	log.Info("Concurrent tasks on one repository are allowed; worktree setup serializes per repo",
		zap.String("worktrees_dir", cfg.Storage.WorktreesDir))

	// 11. HTTP surface
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger(log))
	router.Use(otelTracing())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})

	api := router.Group("/api/v1")
	if cfg.Auth.Token != "" {
		api.Use(authMiddleware(cfg.Auth.Token))
	}
	orchestrator.NewHandler(svc, eventHub, cfg.Events.HeartbeatDuration(), log).RegisterRoutes(api)
	secrets.NewHandler(secretSvc, log).RegisterRoutes(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down taskdeck...")

	// Cancel the base context first so running agents stop, then drain the
	// HTTP server.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Trace exporter shutdown failed", zap.Error(err))
	}

	log.Info("Shutdown complete")
}
