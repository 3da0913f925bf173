// Package main is the entry point for agentdeck. The single binary runs the
// WebSocket gateway, REST API, task scheduler, and the loopback listener the
// assistant tool plugins call back into.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/api"
	"github.com/agentdeck/agentdeck/internal/askuser"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/httpmw"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	gateway "github.com/agentdeck/agentdeck/internal/gateway/websocket"
	"github.com/agentdeck/agentdeck/internal/proxy"
	"github.com/agentdeck/agentdeck/internal/recovery"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/internal/scheduler"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/skills"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
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

	log.Info("Starting agentdeck...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory unless NATS is configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 4. SQLite store
	st, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("db_path", cfg.Database.Path))
	}
	defer st.Close()
	log.Info("SQLite store initialized", zap.String("db_path", cfg.Database.Path))

	// 5. Skills + tool-plugin registry
	skillsReg := skills.NewRegistry(cfg.Engine.SkillsConfigPath, log)

	// 6. Subprocess runner. Sweep clears tool-config files a previous process
	// left behind.
	toolCfg := runner.NewToolConfigRegistry("")
	toolCfg.Sweep()
	run := runner.New(runner.Config{
		Bin:     cfg.Engine.AssistantBin,
		Timeout: cfg.Engine.SubprocessTimeout(),
	}, toolCfg, log)

	// 7. Loopback listener for tool-plugin callbacks. Bound before the engine
	// exists so port 0 resolves to the real port in the plugin environment.
	loopbackLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Engine.LoopbackHost, cfg.Engine.LoopbackPort))
	if err != nil {
		log.Fatal("Failed to bind loopback listener", zap.Error(err))
	}
	loopbackURL := "http://" + loopbackLn.Addr().String()
	loopbackSecret := askuser.NewSecret()
	log.Info("Loopback listener bound", zap.String("url", loopbackURL))

	// 8. Session engine + ask-user bridge. The bridge emits through the
	// engine, so it is wired in after construction.
	watchers := proxy.NewWatchers()
	engine := session.New(cfg.Engine, st, run, skillsReg, watchers, eventBus,
		resolveToolsBin(log), loopbackURL, loopbackSecret, log)
	bridge := askuser.NewBridge(engine.EmitToSession, cfg.Engine.AskTimeout(), log)
	engine.SetAskBridge(bridge)

	// 9. Scheduler and crash recovery
	sched := scheduler.New(cfg.Engine, st, engine, eventBus, log)
	supervisor := recovery.New(st, engine, sched, log)

	// ============================================
	// HTTP SERVERS
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	loopbackRouter := gin.New()
	loopbackRouter.Use(gin.Recovery())
	askuser.RegisterRoutes(loopbackRouter, bridge, engine.EmitToSession, loopbackSecret, log)
	loopbackSrv := &http.Server{Handler: loopbackRouter}
	go func() {
		if err := loopbackSrv.Serve(loopbackLn); err != nil && err != http.ErrServerClosed {
			log.Error("Loopback server error", zap.Error(err))
		}
	}()

	hub := gateway.NewHub(engine, bridge, log)
	wsHandler := gateway.NewHandler(hub, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "agentdeck"))
	router.Use(httpmw.OtelTracing("agentdeck"))

	router.GET("/ws", wsHandler.HandleConnection)
	api.NewTaskHandler(st, sched, eventBus, log).RegisterRoutes(router)
	api.NewSessionHandler(st, engine, log).RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "agentdeck",
			"clients": hub.ClientCount(),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// ============================================
	// BACKGROUND LOOPS
	// ============================================
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	g.Go(func() error {
		st.RunMaintenance(gctx, cfg.Engine.CleanupInterval(), cfg.Engine.SessionTTL())
		return nil
	})

	go func() {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("http", "/api/v1"),
		zap.String("health", "/health"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentdeck...")

	// Hard exit guard in case a subprocess refuses to die.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	go func() {
		<-shutdownCtx.Done()
		if shutdownCtx.Err() == context.DeadlineExceeded {
			log.Error("Shutdown deadline exceeded, exiting")
			os.Exit(1)
		}
	}()

	engine.StopAll()
	cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := loopbackSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("Loopback server shutdown error", zap.Error(err))
	}

	if err := g.Wait(); err != nil {
		log.Error("Background loop error", zap.Error(err))
	}

	toolCfg.Sweep()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agentdeck stopped")
}

// resolveToolsBin locates the agentdeck-tools plugin binary: explicit env
// override first, then next to the current executable.
func resolveToolsBin(log *logger.Logger) string {
	if bin := os.Getenv("AGENTDECK_TOOLS_BIN"); bin != "" {
		return bin
	}
	exe, err := os.Executable()
	if err != nil {
		log.Warn("Cannot resolve executable path, using bare tools binary name", zap.Error(err))
		return "agentdeck-tools"
	}
	return filepath.Join(filepath.Dir(exe), "agentdeck-tools")
}
