package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"spool/internal/config"
	"spool/internal/constants"
	"spool/internal/logger"
	"spool/pkg/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ingest service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d udp input(s), broker %s, sink %s\n",
				len(cfg.Inputs.UDP), cfg.Broker.Type, cfg.Output.Sink)
			return nil
		},
	}

	root := &cobra.Command{
		Use:           "ingest-service",
		Short:         "Log ingestion service backed by a durable queue",
		Long:          "Ingest Service receives log datagrams, persists them to a durable queue and decodes, processes and stores them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (or CONFIG_FILE)")
	root.AddCommand(serveCmd, validateCmd)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	earlyLog := logging.NewEarlyLog()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
		return nil, errors.New("config file is required")
	}

	earlyLog.Info("Loading config from %s", path)
	cfg, err := config.Load(path)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, err
	}
	return cfg, nil
}

// serve runs the service until SIGINT or SIGTERM, then drains it within
// the shutdown timeout.
func serve(parent context.Context, cfg *config.Config) error {
	log, err := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		logging.NewEarlyLog().Error("Failed to init logger: %v", err)
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.InfowCtx(ctx, "Starting Ingest Service", "node_id", cfg.Node.ID)

	app := NewApp(cfg, log)
	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.ShutdownTimeout)
		defer cancel()
		return app.Shutdown(shutdownCtx)
	}

	if err := app.Initialize(ctx); err != nil {
		log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
		_ = shutdown()
		return err
	}

	runErr := app.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.ErrorwCtx(ctx, "Service stopped with error", "error", runErr)
	} else {
		runErr = nil
	}

	if err := shutdown(); err != nil {
		log.Errorw("Shutdown incomplete", "error", err)
		return errors.Join(runErr, err)
	}
	if runErr == nil {
		log.Info("Service shutdown complete")
	}
	return runErr
}
