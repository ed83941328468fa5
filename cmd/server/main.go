/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the community dues server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (file + DUES_* env)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Create metrics, Ledger, authenticator and API handler
  5. Configure HTTP router
  6. Start the monthly credential sync scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: ./config.yaml if present)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides database.path
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight sync)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  DUES_AUTH_ADMIN_PASSWORD=changeme ./server -db="./data/dues.db"

  # Run with in-memory database on another port
  ./server -db=":memory:" -port=3000

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
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

	"github.com/google/uuid"
	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/observability"
	"github.com/warp/dues-engine/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Path to a YAML config file")
	port := flag.String("port", "", "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger := observability.NewLogger(cfg.Log.Level)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	metrics := observability.NewMetrics()
	ledger := dues.NewLedger(store, cfg.Policy(), logger, dues.WithRecorder(metrics))

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		// Tokens will not survive a restart.
		secret = uuid.NewString()
		logger.Warn("auth.jwt_secret not set, using a random secret")
	}
	if cfg.Auth.AdminPassword == "" {
		logger.Warn("auth.admin_password not set, admin login disabled")
	}
	auth, err := api.NewAuthenticator(api.AuthOptions{
		Secret:        secret,
		TokenTTL:      cfg.Auth.TokenTTL,
		AdminUser:     cfg.Auth.AdminUser,
		AdminPassword: cfg.Auth.AdminPassword,
	})
	if err != nil {
		return fmt.Errorf("initialize auth: %w", err)
	}

	scheduler := api.NewCredentialSyncScheduler(ledger, logger)
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Concurrency = cfg.Scheduler.Concurrency
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Observer = metrics

	// Initialize handler
	handler := api.NewHandler(store, ledger, auth, logger)
	handler.TagPrice = cfg.Dues.TagPrice
	handler.SyncConcurrency = cfg.Scheduler.Concurrency
	handler.Scheduler = scheduler

	router := api.NewRouter(handler, api.RouterOptions{Metrics: metrics})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()
	defer scheduler.Stop()

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("db", cfg.Database.Path),
			zap.String("monthly_fee", cfg.Dues.MonthlyFee.String()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
