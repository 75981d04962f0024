package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type options struct {
	RouterURL   string
	DefaultURL  string
	FallbackURL string
	Token       string
	Requests    int
	Concurrency int
	Amount      string
	Timeout     time.Duration
}

type loadReport struct {
	Sent        int           `json:"sent"`
	Success     int           `json:"success"`
	Failure     int           `json:"failure"`
	Duration    time.Duration `json:"duration"`
	Throughput  float64       `json:"throughput_rps"`
	StatusCodes map[int]int   `json:"status_codes"`
	P50         time.Duration `json:"p50"`
	P90         time.Duration `json:"p90"`
	P99         time.Duration `json:"p99"`
	Max         time.Duration `json:"max"`

	latencies []time.Duration
}

// runLoad posts opts.Requests payments with fresh correlation ids using
// opts.Concurrency senders.
func runLoad(ctx context.Context, client *http.Client, opts options) loadReport {
	amount := decimal.RequireFromString(opts.Amount)
	endpoint := opts.RouterURL + "/payments"

	var (
		mutex  sync.Mutex
		report = loadReport{StatusCodes: make(map[int]int)}
	)

	record := func(status int, dur time.Duration) {
		mutex.Lock()
		defer mutex.Unlock()
		report.Sent++
		report.latencies = append(report.latencies, dur)
		if status > 0 {
			report.StatusCodes[status]++
		}
		if status/100 == 2 {
			report.Success++
		} else {
			report.Failure++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Concurrency, 1))

	start := time.Now()
	for i := 0; i < opts.Requests; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			body, _ := json.Marshal(map[string]any{
				"correlationId": uuid.NewString(),
				"amount":        amount,
			})

			reqStart := time.Now()
			req, err := http.NewRequestWithContext(gctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				record(0, 0)
				return nil
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				record(0, time.Since(reqStart))
				return nil
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			record(resp.StatusCode, time.Since(reqStart))
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	if secs := report.Duration.Seconds(); secs > 0 {
		report.Throughput = float64(report.Sent) / secs
	}

	slices.Sort(report.latencies)
	report.P50 = percentile(report.latencies, 0.50)
	report.P90 = percentile(report.latencies, 0.90)
	report.P99 = percentile(report.latencies, 0.99)
	if n := len(report.latencies); n > 0 {
		report.Max = report.latencies[n-1]
	}

	return report
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func (r loadReport) print(w io.Writer) {
	fmt.Fprintln(w, "--- Load Test Summary ---")
	fmt.Fprintf(w, "Total sent: %d  Success: %d  Failure: %d\n", r.Sent, r.Success, r.Failure)
	fmt.Fprintf(w, "Duration: %v  Throughput: %.2f req/s\n", r.Duration, r.Throughput)

	codes := make([]int, 0, len(r.StatusCodes))
	for code := range r.StatusCodes {
		codes = append(codes, code)
	}
	slices.Sort(codes)

	fmt.Fprintln(w, "\nStatus codes:")
	for _, code := range codes {
		fmt.Fprintf(w, "  %d -> %d\n", code, r.StatusCodes[code])
	}
	fmt.Fprintf(w, "\nLatencies: p50=%v p90=%v p99=%v max=%v\n", r.P50, r.P90, r.P99, r.Max)
}
