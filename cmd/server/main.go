package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"task-sync-engine/internal/api"
	"task-sync-engine/internal/config"
	"task-sync-engine/internal/connectivity"
	"task-sync-engine/internal/events"
	"task-sync-engine/internal/logger"
	"task-sync-engine/internal/remote"
	"task-sync-engine/internal/store"
	syncengine "task-sync-engine/internal/sync"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting task sync engine")

	// Init Local Store
	localStore, err := store.NewSQLStore(cfg.LocalStore)
	if err != nil {
		logger.Log.Fatal("Failed to open local store", zap.Error(err))
	}
	defer localStore.Close()

	// Init Remote Client + Event Bus
	client := remote.NewHTTPClient(cfg.Remote)
	bus := events.NewBus()

	// Init Engine
	var engine *syncengine.Engine
	prober := &connectivity.HTTPProber{URL: cfg.Remote.BaseURL + "/health"}
	monitor := connectivity.NewMonitor(prober, bus,
		cfg.Connectivity.GetProbeInterval(),
		cfg.Connectivity.GetDebounce(),
		func() { engine.Drain(context.Background()) },
	)
	engine = syncengine.NewEngine(cfg.Sync, localStore, client, bus, monitor)

	monitor.Start()
	defer monitor.Stop()

	// Full resync when the cache has gone stale
	if needed, err := engine.NeedsFullResync(context.Background()); err != nil {
		logger.Log.Error("Failed to check resync state", zap.Error(err))
	} else if needed {
		if err := engine.FullResync(context.Background()); err != nil {
			logger.Log.Error("Full resync failed", zap.Error(err))
		}
	}

	// Periodic drain
	scheduler := syncengine.NewScheduler(cfg.Scheduler, engine)
	scheduler.Start()
	defer scheduler.Stop()

	// Init API
	handler := api.NewHandler(engine, monitor)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}
