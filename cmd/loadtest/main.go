// Loadtest sends payments to a running router, waits for the queue to settle
// and checks that the router summary matches what each processor recorded.
//
// Usage:
//
//	go run ./cmd/loadtest --url http://localhost:9999 --requests 5000 --concurrency 50
//	go run ./cmd/loadtest --requests 1000 --out summary.json
//
// Exit codes:
//
//	0 - All payments accepted and summaries consistent
//	2 - Payments rejected or endpoints unreachable
//	3 - Router and processor summaries disagree
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(2)
	}
}

func newCmd() *cobra.Command {
	var (
		opts   options
		settle time.Duration
		out    string
	)

	cmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Load the router with payments and verify the accounting",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := &http.Client{Timeout: opts.Timeout}

			load := runLoad(ctx, client, opts)
			load.print(cmd.OutOrStdout())

			fmt.Fprintf(cmd.OutOrStdout(), "\nWaiting %v for the queue to drain...\n", settle)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(settle):
			}

			check, err := checkConsistency(ctx, client, opts)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			check.print(cmd.OutOrStdout())

			if out != "" {
				if err := writeReport(out, load, check); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nWrote JSON summary to %s\n", out)
			}

			switch {
			case !check.Consistent():
				return &exitError{code: 3, err: errors.New("router and processor summaries disagree")}
			case load.Failure > 0:
				return &exitError{code: 2, err: fmt.Errorf("%d payments were not accepted", load.Failure)}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.RouterURL, "url", "http://localhost:9999", "router base url")
	cmd.Flags().StringVar(&opts.DefaultURL, "default-url", "http://localhost:8001", "default processor base url")
	cmd.Flags().StringVar(&opts.FallbackURL, "fallback-url", "http://localhost:8002", "fallback processor base url")
	cmd.Flags().StringVar(&opts.Token, "token", "123", "processor admin token")
	cmd.Flags().IntVarP(&opts.Requests, "requests", "n", 1000, "number of payments to send")
	cmd.Flags().IntVarP(&opts.Concurrency, "concurrency", "c", 10, "concurrent senders")
	cmd.Flags().StringVar(&opts.Amount, "amount", "19.90", "amount of every payment")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per request timeout")
	cmd.Flags().DurationVar(&settle, "settle", 5*time.Second, "wait before comparing summaries")
	cmd.Flags().StringVar(&out, "out", "", "write a JSON summary to this file")

	return cmd
}

func writeReport(path string, load loadReport, check consistency) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create json file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"load":        load,
		"consistency": check,
	})
}
