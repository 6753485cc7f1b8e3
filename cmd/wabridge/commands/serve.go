package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wabridge/pkg/wabridge/config"
	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
	"github.com/jholhewres/wabridge/pkg/wabridge/gateway"
	"github.com/jholhewres/wabridge/pkg/wabridge/metrics"
	"github.com/jholhewres/wabridge/pkg/wabridge/session"
	"github.com/jholhewres/wabridge/pkg/wabridge/simulator"
)

// newServeCmd creates the `wabridge serve` command that starts the service.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the session bridge and its HTTP API",
		Long: `Start wabridge: open (or pair) the WhatsApp session, keep it connected
and serve the control API. Without a config file the defaults are used.

Examples:
  wabridge serve
  wabridge serve --config ./wabridge.yaml
  WABRIDGE_DRIVER_PATH=/var/lib/wabridge wabridge serve`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().Bool("no-init", false, "do not start the session until POST /initialize")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cmd.OutOrStdout(), cfg.Logging, verbose).With("instance", cfg.Name)

	// ── Build the session stack ──
	state := session.NewState()
	syncer := contacts.NewSynchronizer(cfg.Contacts, logger)
	sim := simulator.New(cfg.Simulator, logger)
	factory := driver.NewFactory(cfg.Driver.DriverOptions(), logger)
	manager := session.NewManager(state, factory, syncer, sim, cfg.Driver.SessionOptions(), logger)

	metrics.RecordPhase("", string(state.Phase()))
	manager.AddObserver(session.ObserverFunc(func(evt session.Event) {
		metrics.RecordPhase(string(evt.Previous), string(evt.Phase))
	}))

	gw := gateway.New(manager, cfg.Gateway, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		_ = manager.Close()
		return fmt.Errorf("starting gateway: %w", err)
	}

	if noInit, _ := cmd.Flags().GetBool("no-init"); !noInit {
		go func() {
			if err := manager.Initialize(ctx); err != nil {
				logger.Warn("initial session start interrupted", "error", err)
			}
		}()
	}

	logger.Info("wabridge running",
		"address", cfg.Gateway.Address,
		"prefix", cfg.Gateway.Prefix)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	if err := manager.Close(); err != nil {
		logger.Warn("session shutdown", "error", err)
	}

	logger.Info("stopped")
	return nil
}

// newLogger builds the process logger. --verbose forces debug.
func newLogger(w io.Writer, cfg config.LoggingConfig, verbose bool) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
