/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the course marketplace server.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve     Run the HTTP API and the placement retry worker (default)
  migrate   Create or upgrade the SQLite schema and exit

STARTUP SEQUENCE (serve):
  1. Load configuration (flags > COURSEMARKET_* env > .env > config file)
  2. Build zap logger and Prometheus metrics
  3. Open the store (SQLite, or in-memory with --db=memory)
  4. Wire services: accounts, catalog, grouping, enrollment, reporting
  5. Start the placement retrier
  6. Start HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (shutdown_timeout)
  3. Stop the placement retrier
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server serve --db=./data/courses.db

  # Run with in-memory store
  ./server serve --db=memory

  # Configure via environment
  COURSEMARKET_PORT=3000 COURSEMARKET_ENV=production ./server serve

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/warp/course-market/accounts"
	"github.com/warp/course-market/api"
	"github.com/warp/course-market/catalog"
	"github.com/warp/course-market/config"
	"github.com/warp/course-market/enrollment"
	"github.com/warp/course-market/grouping"
	"github.com/warp/course-market/market"
	memstore "github.com/warp/course-market/market/store"
	"github.com/warp/course-market/observability"
	"github.com/warp/course-market/reporting"
	"github.com/warp/course-market/store/sqlite"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var configFile string

	root := &cobra.Command{
		Use:           "server",
		Short:         "Course marketplace API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")
	root.PersistentFlags().String(config.KeyDB, v.GetString(config.KeyDB), `SQLite database path, ":memory:", or "memory" for the in-memory store`)
	root.PersistentFlags().String(config.KeyEnv, v.GetString(config.KeyEnv), "Environment: development or production")
	_ = v.BindPFlag(config.KeyDB, root.PersistentFlags().Lookup(config.KeyDB))
	_ = v.BindPFlag(config.KeyEnv, root.PersistentFlags().Lookup(config.KeyEnv))

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	serve.Flags().Int(config.KeyPort, v.GetInt(config.KeyPort), "HTTP server port")
	serve.Flags().Int(config.KeyGroupPoolSize, v.GetInt(config.KeyGroupPoolSize), "Groups created per course on first purchase")
	serve.Flags().Duration(config.KeyPlacementRetryInterval, v.GetDuration(config.KeyPlacementRetryInterval), "Pending placement retry interval")
	bindFlags(v, serve)

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			if cfg.DBPath == config.MemoryDB {
				return errors.New("migrate needs a SQLite database path")
			}
			// sqlite.New applies the schema.
			store, err := sqlite.New(cfg.DBPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date: %s\n", cfg.DBPath)
			return store.Close()
		},
	}

	root.AddCommand(serve, migrate)
	return root
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	for _, key := range []string{config.KeyPort, config.KeyGroupPoolSize, config.KeyPlacementRetryInterval} {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(key))
	}
}

func openStore(path string) (market.Store, error) {
	if path == config.MemoryDB {
		return memstore.NewMemory(), nil
	}
	return sqlite.New(path)
}

func runServe(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := observability.NewLogger(cfg.Env)
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics, err := observability.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	// Initialize store
	store, err := openStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Wire services
	groups := grouping.NewPolicy(store, cfg.GroupPoolSize, logger.Named("grouping"), metrics)
	retrier := grouping.NewRetrier(store, groups, logger.Named("retrier"), cfg.PlacementRetryInterval, cfg.PlacementBatchSize)
	handler := &api.Handler{
		Store:      store,
		Accounts:   accounts.NewService(store, cfg.StartingBalance, logger.Named("accounts")),
		Catalog:    catalog.NewService(store, logger.Named("catalog")),
		Enrollment: enrollment.NewService(store, groups, logger.Named("enrollment"), metrics, cfg.EnrollRetries),
		Retrier:    retrier,
		Reports:    reporting.NewReporter(store, cfg.MaxGroupSize),
		Log:        logger.Named("http"),
	}

	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.AllowedOrigins})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	retrier.Start()
	defer retrier.Stop()

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("db", cfg.DBPath),
			zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-sigCtx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
