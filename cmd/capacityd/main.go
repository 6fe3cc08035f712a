package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/capacityd/capacityd/pkg/api"
	"github.com/capacityd/capacityd/pkg/clock"
	"github.com/capacityd/capacityd/pkg/config"
	"github.com/capacityd/capacityd/pkg/detector"
	"github.com/capacityd/capacityd/pkg/health"
	"github.com/capacityd/capacityd/pkg/monitoring"
	"github.com/capacityd/capacityd/pkg/pool"
	"github.com/capacityd/capacityd/pkg/storage"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	address    string

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "capacityd",
		Short: "Resource lease pool daemon",
		Long: `capacityd manages a bounded pool of resource leases with a shape cache,
background cleanup of expired leases, and a guarded health state machine
fed by a system resource detector. It exposes the pool over a REST API
with a websocket stream of health transitions.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, console)")
	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", "", "API listen address")

	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if address != "" {
		cfg.Server.Address = address
	}

	logger, err := setupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("address", cfg.Server.Address).
		Msg("Starting capacityd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := monitoring.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	clk := clock.New()
	det := detector.NewSystemDetector(cfg.Detector, clk)

	healthMgr := health.NewManager(cfg.Pool.Thresholds, cfg.Recovery, clk)
	healthMgr.RegisterCallback(func(tr health.Transition, _ health.State) {
		if err := store.RecordTransition(context.Background(), tr); err != nil {
			logger.Error().Err(err).Str("transition_id", tr.ID).Msg("Failed to persist health transition")
		}
	})

	poolMgr, err := pool.NewManager(cfg.Pool, det, healthMgr, clk)
	if err != nil {
		return fmt.Errorf("failed to create resource pool: %w", err)
	}
	defer poolMgr.Dispose()

	poolMgr.RegisterObserver(func(ev pool.Event) {
		if err := store.RecordLeaseEvent(context.Background(), ev); err != nil {
			logger.Error().Err(err).Str("lease_id", ev.LeaseID).Msg("Failed to persist lease event")
		}
	})

	det.OnAlert(func(alert detector.Alert) {
		// Threshold crossings re-evaluate immediately instead of waiting for
		// the next sampling tick.
		if err := poolMgr.ForceUpdate(); err != nil {
			logger.Warn().Err(err).Str("category", alert.Category).Msg("Health refresh after alert failed")
		}
	})

	det.Start()
	defer det.Dispose()

	server := api.NewServer(api.Config{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, poolMgr, healthMgr, store, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("API server error")
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Graceful shutdown failed")
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

func setupLogging(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var output *os.File
	switch cfg.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0755); err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	}

	var logger zerolog.Logger
	switch cfg.Format {
	case "console":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	default:
		logger = zerolog.New(output).With().Timestamp().Logger()
	}

	return logger, nil
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "capacityd.yaml"
			if len(args) > 0 {
				path = args[0]
			}
			if err := config.DefaultConfig().SaveConfig(path); err != nil {
				return err
			}
			fmt.Printf("Wrote default configuration to %s\n", path)
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration valid (pool max %d, detector interval %s)\n",
				cfg.Pool.MaxPoolSize, cfg.Detector.Interval)
			return nil
		},
	})

	return configCmd
}
