/*
main.go - ledgerd entry point

PURPOSE:
  Runs the affiliate commission ledger HTTP server and its schema
  migrations. Handles configuration, dependency wiring, and graceful
  shutdown.

COMMANDS:
  ledgerd serve     Start the HTTP API
  ledgerd migrate   Create or update the store schema and exit

FLAGS:
  --config   YAML config file (optional)
  --addr     HTTP listen address, overrides http.addr
  --driver   memory | sqlite | postgres, overrides store.driver
  --dsn      SQLite path or Postgres URL, overrides store.dsn

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (http.shutdown_timeout)
  3. Flush and close notifiers, then the store

EXAMPLES:
  # Throwaway in-memory ledger
  ledgerd serve --driver=memory

  # SQLite file
  ledgerd serve --driver=sqlite --dsn=./data/ledger.db

  # Postgres, config from file and env
  DATABASE_URL=postgres://ledger@db/ledger ledgerd serve --config=ledger.yaml

SEE ALSO:
  - config/config.go: Settings and environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/warp/affiliate-ledger/api"
	"github.com/warp/affiliate-ledger/config"
	"github.com/warp/affiliate-ledger/ledger"
)

type flags struct {
	configPath string
	addr       string
	driver     string
	dsn        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:          "ledgerd",
		Short:        "Affiliate commission ledger and withdrawal settlement service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&f.driver, "driver", "", "store driver: memory, sqlite or postgres")
	root.PersistentFlags().StringVar(&f.dsn, "dsn", "", "SQLite path or Postgres URL")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	serve.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address")

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg)
		},
	}

	root.AddCommand(serve, migrate)
	return root
}

// loadConfig layers flags over file and environment.
func loadConfig(f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.addr != "" {
		cfg.HTTP.Addr = f.addr
	}
	if f.driver != "" {
		cfg.Store.Driver = f.driver
	}
	if f.dsn != "" {
		cfg.Store.DSN = f.dsn
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	notifier, closeNotifier, err := buildNotifier(cfg.Notify, logger)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	defer closeNotifier()

	svc := ledger.NewService(st,
		ledger.WithLogger(logger),
		ledger.WithNotifier(notifier),
		ledger.WithRetryPolicy(cfg.RetryPolicy()),
		ledger.WithNotifyTimeout(cfg.Notify.Timeout),
	)
	router := api.NewRouter(api.NewHandler(svc, logger, st), routerOptions(cfg))

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func runMigrate(ctx context.Context, cfg config.Config) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	// openStore already migrated; this second pass is a no-op that fails
	// loudly if the schema drifted.
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintf(os.Stdout, "schema up to date (%s)\n", cfg.Store.Driver)
	return nil
}

func routerOptions(cfg config.Config) api.RouterOptions {
	opts := api.RouterOptions{CORSOrigins: cfg.HTTP.CORSOrigins}
	if cfg.RateLimit.RPS > 0 {
		opts.Limiter = api.NewAffiliateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	return opts
}
