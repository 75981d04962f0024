// Fakeprocessor is a local stand-in for a payment processor, used for manual
// end-to-end runs of the router.
//
// Usage:
//
//	go run ./cmd/fakeprocessor --port 8001 --name default
//
// Failures and latency can be switched on while running:
//
//	curl -X PUT localhost:8001/admin/configurations/failure -d '{"failure":true}'
//	curl -X PUT localhost:8001/admin/configurations/delay -d '{"delay":1500}'
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/payment-router/internal/httpserver"
	"github.com/angeloszaimis/payment-router/internal/processor"
	"github.com/angeloszaimis/payment-router/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	var (
		port         int
		name         string
		token        string
		healthWindow time.Duration
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:          "fakeprocessor",
		Short:        "Run a fake payment processor",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := processor.Parse(name)
			if err != nil {
				return err
			}
			log := logger.New(logLevel, false, "dev").With(slog.String("processor", id.String()))

			fp := newFakeProcessor(token, healthWindow, log)
			srv, err := httpserver.New(fmt.Sprintf(":%d", port), fp.routes(), httpserver.Timeouts{})
			if err != nil {
				return err
			}

			log.Info("Starting fake processor", slog.String("addr", srv.Addr()))
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8001, "port to listen on")
	cmd.Flags().StringVarP(&name, "name", "n", "default", "processor name used in logs, default or fallback")
	cmd.Flags().StringVar(&token, "token", "123", "admin token expected in X-Rinha-Token")
	cmd.Flags().DurationVar(&healthWindow, "health-window", 5*time.Second, "minimum gap between two health checks")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	return cmd
}
