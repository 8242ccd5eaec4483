// Package attachsvc orchestrates the attachments worker process: broker
// connection, database pool, command dispatcher, and health HTTP.
package attachsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/task-tracker/internal/config"
	"github.com/taskmesh/task-tracker/pkg/attachments"
	"github.com/taskmesh/task-tracker/pkg/brokerutil"
	"github.com/taskmesh/task-tracker/pkg/db"
	"github.com/taskmesh/task-tracker/pkg/rpc"
)

const logPrefix = "attachsvc:server"

// Run starts the attachments worker, blocks until shutdown signal, then
// cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	slog.Info(fmt.Sprintf("%s - Starting attachments service", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Connect to broker
	nc, err := brokerutil.Connect(cfg.BrokerURL, attachments.Service)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to broker: %w", logPrefix, err)
	}

	// Step 2: Connect to database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}

	// Step 2b: Run migrations if enabled
	if cfg.RunMigrations {
		migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			pool.Close()
			nc.Close()
			return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			pool.Close()
			nc.Close()
			return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}

	// Step 3: Register handlers and start the dispatcher
	repo := attachments.NewPGRepository(pool)
	disp := rpc.NewDispatcher(rpc.DispatcherParams{
		Conn:           nc,
		Service:        attachments.Service,
		Workers:        cfg.DispatcherWorkers,
		HandlerTimeout: cfg.HandlerTimeout,
	})
	attachments.NewHandlers(repo).Register(disp)

	if err := disp.Start(); err != nil {
		pool.Close()
		nc.Close()
		return fmt.Errorf("%s - failed to start dispatcher: %w", logPrefix, err)
	}

	// Step 4: Health HTTP server
	healthTimeout := cfg.HealthCheckTimeout
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		healthCtx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		status := "healthy"
		code := http.StatusOK
		dbOK := pool.Ping(healthCtx) == nil
		if !dbOK {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{"status": status, "database": dbOK})
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Attachments service is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown: stop consuming first so in-flight commands reply.
	disp.Close()
	httpServer.Shutdown(ctx)
	nc.Drain()
	pool.Close()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// setupLogging configures the process-wide slog handler.
func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}
