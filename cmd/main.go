package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/payment-router/config"
	"github.com/angeloszaimis/payment-router/pkg/logger"
)

var Version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "payment-router",
		Short: "Routes payments between the default and fallback processors",
		Long: `Accepts payments over HTTP, queues them in Redis and forwards them to
the cheapest healthy payment processor.

Without a subcommand the mode comes from server.mode (APP_MODE).`,
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd.Context(), "")
		},
	}

	rootCmd.AddCommand(modeCmd(config.ModeAPI, "Accept payments and serve summaries"))
	rootCmd.AddCommand(modeCmd(config.ModeWorker, "Drain the queue and dispatch payments"))
	rootCmd.AddCommand(modeCmd(config.ModeAll, "Run the API and the worker in one process"))

	return rootCmd
}

func modeCmd(mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:   mode,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd.Context(), mode)
		},
	}
}

// runMode loads the configuration, builds every component the mode needs and
// blocks until ctx is done. An empty mode keeps the configured one.
func runMode(ctx context.Context, mode string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if mode != "" {
		cfg.Server.Mode = mode
	}

	levelVar := new(slog.LevelVar)
	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment, logger.WithLevelVar(levelVar))

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to start", slog.String("mode", cfg.Server.Mode), slog.Any("err", err))
		return err
	}

	cfg.Watch(func(next *config.Config) {
		levelVar.Set(logger.ParseLevel(next.Logging.Level))
		a.reload(next)
	}, log)

	return a.run(ctx)
}
