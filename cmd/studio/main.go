// Package main is the entry point for the opencode-studio orchestrator.
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

	"github.com/opencode-studio/studio/internal/activity"
	"github.com/opencode-studio/studio/internal/agent"
	"github.com/opencode-studio/studio/internal/common/config"
	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/common/tracing"
	"github.com/opencode-studio/studio/internal/events/bus"
	"github.com/opencode-studio/studio/internal/executor"
	"github.com/opencode-studio/studio/internal/gateway/websocket"
	"github.com/opencode-studio/studio/internal/mcp/findings"
	"github.com/opencode-studio/studio/internal/project"
	"github.com/opencode-studio/studio/internal/server"
	"github.com/opencode-studio/studio/internal/task/repository"
	"github.com/opencode-studio/studio/internal/vcs"
	"github.com/opencode-studio/studio/internal/workspace"
)

func main() {
	// 1. Resolve the project directory (first arg, default cwd)
	projectDir := "."
	if len(os.Args) > 1 {
		projectDir = os.Args[1]
	}

	// 2. Load configuration
	cfg, err := config.Load(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 3. Initialize logger
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

	log.Info("Starting opencode-studio orchestrator...")

	// 4. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Resolve project layout and metadata
	layout, err := project.NewLayout(projectDir)
	if err != nil {
		log.Fatal("Failed to resolve project directory", zap.Error(err))
	}
	if err := layout.Ensure(); err != nil {
		log.Fatal("Failed to create project directories", zap.Error(err))
	}
	meta, err := layout.LoadMeta()
	if err != nil {
		log.Fatal("Failed to load project metadata", zap.Error(err))
	}
	log.Info("Project resolved", zap.String("name", meta.Name), zap.String("root", layout.Root))

	// 6. Open the SQLite store
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = layout.DatabasePath()
	}
	repo, err := repository.NewSQLiteRepository(dbPath)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer repo.Close()
	log.Info("Database ready", zap.String("path", dbPath))

	// 7. Create the event bus and optional NATS mirror
	broadcaster := bus.NewBroadcaster(log)
	emitter := bus.NewEmitter(broadcaster)
	if cfg.NATS.URL != "" {
		bridge, err := bus.NewNATSBridge(cfg.NATS, broadcaster, log)
		if err != nil {
			log.Warn("NATS mirror disabled", zap.Error(err))
		} else {
			defer bridge.Close()
		}
	}

	// 8. Start the embedded findings MCP server
	findingsSrv := findings.NewServer(layout, cfg.Agent.FindingsPort, log)
	if err := findingsSrv.Start(ctx); err != nil {
		log.Warn("Findings MCP server disabled", zap.Error(err))
		findingsSrv = nil
	}

	// 9. Set up the VCS backend and workspace manager
	backend, err := vcs.New(cfg.Workspace.VCS, layout.Root, workspacesDir(cfg, layout))
	if err != nil {
		log.Fatal("Failed to create VCS backend", zap.Error(err))
	}
	if !backend.IsAvailable(ctx) {
		log.Fatal("VCS binary not found", zap.String("backend", backend.Name()))
	}
	if !backend.IsInitialized(ctx) {
		log.Fatal("Project directory is not a repository", zap.String("backend", backend.Name()))
	}
	workspaces := workspace.NewManager(backend, layout.Root, cfg.Workspace, emitter, log)

	// 10. Connect the agent runtime client
	runtime := agent.NewClient(cfg.Agent, log)
	go consumeAgentStream(ctx, runtime, log)

	// 11. Create the phase engine and fail sessions orphaned by a crash
	activities := activity.NewRegistry()
	engine := executor.New(repo, runtime, workspaces, findingsSrv, activities, emitter, layout, cfg.Executor, log)
	if err := engine.RecoverStartup(ctx); err != nil {
		log.Fatal("Startup recovery failed", zap.Error(err))
	}

	// 12. Set up the HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := server.NewHandler(repo, engine, workspaces, activities, emitter, layout, meta, cfg, log)
	wsHandler := websocket.NewHandler(broadcaster, log)
	router := server.NewRouter(handler, wsHandler, log)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if findingsSrv != nil {
		if err := findingsSrv.Stop(shutdownCtx); err != nil {
			log.Error("Findings MCP server shutdown error", zap.Error(err))
		}
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Orchestrator stopped")
}

// workspacesDir resolves the directory task workspaces live in.
func workspacesDir(cfg *config.Config, layout project.Layout) string {
	if cfg.Workspace.BaseDir != "" {
		return cfg.Workspace.BaseDir
	}
	return layout.WorkspacesDir()
}

// consumeAgentStream tails the agent runtime's SSE feed. The engine records
// final message parts itself; the live stream is surfaced for debugging.
func consumeAgentStream(ctx context.Context, client *agent.Client, log *logger.Logger) {
	for ev := range client.StreamEvents(ctx) {
		log.Debug("agent stream event",
			zap.String("type", ev.Type),
			zap.String("session_id", ev.SessionID),
			zap.String("message_id", ev.MessageID))
	}
}
