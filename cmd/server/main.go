package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"erp-mirror-sync/internal/api"
	"erp-mirror-sync/internal/config"
	"erp-mirror-sync/internal/database"
	"erp-mirror-sync/internal/lock"
	"erp-mirror-sync/internal/logger"
	"erp-mirror-sync/internal/metrics"
	"erp-mirror-sync/internal/mirror"
	"erp-mirror-sync/internal/store"
	"erp-mirror-sync/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ./config.yaml)")
	flag.Parse()

	// Load Config
	cfg, err := config.LoadConfig(*configPath)
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

	logger.Log.Info("Starting ERP mirror sync service")

	ctx := context.Background()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)

	mirrorStore, err := openMirror(cfg.Mirror)
	if err != nil {
		logger.Log.Fatal("Failed to open mirror store", zap.Error(err))
	}

	stateStore, err := openStateStore(ctx, cfg)
	if err != nil {
		logger.Log.Fatal("Failed to init state store", zap.Error(err))
	}

	locker, err := openLocker(cfg.Lock)
	if err != nil {
		logger.Log.Fatal("Failed to init pass lease", zap.Error(err))
	}

	driver := database.NewMySQLDriver(cfg.Authoritative, cfg.Pool.ConnectTimeout, logger.Log.Named("erp"))
	logger.Log.Info("Authoritative store", zap.String("dsn", driver.DSN()))

	// Init Sync Manager
	syncManager, err := sync.NewManager(cfg, sync.Deps{
		Driver:  driver,
		Mirror:  mirrorStore,
		State:   stateStore,
		Locker:  locker,
		Metrics: prom,
		Logger:  logger.Log,
	})
	if err != nil {
		logger.Log.Fatal("Failed to init sync manager", zap.Error(err))
	}
	defer syncManager.Close()

	if err := syncManager.Start(); err != nil {
		logger.Log.Fatal("Failed to start sync manager", zap.Error(err))
	}

	// Init API
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}
	handler := api.NewHandler(cfg.Server, syncManager.Engine(), syncManager, syncManager.Resolver(), metricsHandler, cfg.Metrics.Path)
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
	syncManager.Stop()
}

func openMirror(cfg config.MirrorConfig) (mirror.Store, error) {
	if cfg.Type == "memory" {
		logger.Log.Warn("Using in-memory mirror; data is lost on restart")
		return mirror.NewMemoryStore(), nil
	}
	return mirror.OpenSQLite(cfg.FilePath, logger.Log.Named("mirror"))
}

func openStateStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StateStorage.Type != "mysql" {
		logger.Log.Warn("Using in-memory state store; conflicts and history are lost on restart")
		return store.NewMemoryStore(), nil
	}

	db, err := database.NewDatabase(ctx, cfg.StateStorage, cfg.Pool.RetryAttempts, logger.Log.Named("state"))
	if err != nil {
		return nil, err
	}
	st := store.NewMySQLStore(db)
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func openLocker(cfg config.LockConfig) (lock.Locker, error) {
	if cfg.Type != "redis" {
		return lock.NewLocalLocker(), nil
	}
	return lock.NewRedisLocker(cfg.Host, cfg.Port, cfg.Password, cfg.DB, logger.Log.Named("lock"))
}
