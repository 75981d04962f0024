package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/payment-router/internal/payment"
)

// mismatch is the difference between what the router accounted and what a
// processor recorded.
type mismatch struct {
	Processor    string         `json:"processor"`
	Router       payment.Totals `json:"router"`
	ProcessorSaw payment.Totals `json:"processor_saw"`
}

type consistency struct {
	Router     payment.Summary `json:"router"`
	Mismatches []mismatch      `json:"mismatches"`
}

func (c consistency) Consistent() bool {
	return len(c.Mismatches) == 0
}

// checkConsistency compares the router summary with the admin summary of
// both processors.
func checkConsistency(ctx context.Context, client *http.Client, opts options) (consistency, error) {
	var (
		routerSummary payment.Summary
		defaultSaw    payment.Totals
		fallbackSaw   payment.Totals
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return getJSON(gctx, client, opts.RouterURL+"/payments-summary", "", &routerSummary)
	})
	g.Go(func() error {
		return getJSON(gctx, client, opts.DefaultURL+"/admin/payments-summary", opts.Token, &defaultSaw)
	})
	g.Go(func() error {
		return getJSON(gctx, client, opts.FallbackURL+"/admin/payments-summary", opts.Token, &fallbackSaw)
	})
	if err := g.Wait(); err != nil {
		return consistency{}, err
	}

	c := consistency{Router: routerSummary}
	for _, pair := range []struct {
		name        string
		router, saw payment.Totals
	}{
		{"default", routerSummary.Default, defaultSaw},
		{"fallback", routerSummary.Fallback, fallbackSaw},
	} {
		if pair.router.TotalRequests != pair.saw.TotalRequests || !pair.router.TotalAmount.Equal(pair.saw.TotalAmount) {
			c.Mismatches = append(c.Mismatches, mismatch{Processor: pair.name, Router: pair.router, ProcessorSaw: pair.saw})
		}
	}
	return c, nil
}

func getJSON(ctx context.Context, client *http.Client, url, token string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("X-Rinha-Token", token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (c consistency) print(w io.Writer) {
	fmt.Fprintln(w, "\n--- Consistency ---")
	fmt.Fprintf(w, "  default  -> requests=%d amount=%s\n", c.Router.Default.TotalRequests, c.Router.Default.TotalAmount)
	fmt.Fprintf(w, "  fallback -> requests=%d amount=%s\n", c.Router.Fallback.TotalRequests, c.Router.Fallback.TotalAmount)

	if c.Consistent() {
		fmt.Fprintln(w, "Verification passed")
		return
	}
	for _, m := range c.Mismatches {
		fmt.Fprintf(w, "MISMATCH %s: router requests=%d amount=%s, processor requests=%d amount=%s\n",
			m.Processor,
			m.Router.TotalRequests, m.Router.TotalAmount,
			m.ProcessorSaw.TotalRequests, m.ProcessorSaw.TotalAmount)
	}
}
