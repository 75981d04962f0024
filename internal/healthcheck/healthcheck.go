package healthcheck

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/payment-router/internal/processor"
)

const healthPath = "/payments/service-health"

// Health is the classified answer of one probe. MinResponseTime is in
// milliseconds.
type Health struct {
	Failing         bool `json:"failing"`
	MinResponseTime int  `json:"minResponseTime"`
}

// Failure is the result of a probe that errored or timed out.
var Failure = Health{Failing: true, MinResponseTime: 0}

// Throttled is the result of a probe answered with 429.
var Throttled = Health{Failing: false, MinResponseTime: 0}

// Prober issues bounded health checks against both processors.
type Prober struct {
	urls       map[processor.Processor]*url.URL
	httpClient *http.Client
	timeout    atomic.Int64
	logger     *slog.Logger
}

// NewProber creates a prober for the given processor base URLs. Each probe
// is bounded by timeout.
func NewProber(defaultURL, fallbackURL *url.URL, timeout time.Duration, logger *slog.Logger) *Prober {
	p := &Prober{
		urls: map[processor.Processor]*url.URL{
			processor.Default:  defaultURL.ResolveReference(&url.URL{Path: healthPath}),
			processor.Fallback: fallbackURL.ResolveReference(&url.URL{Path: healthPath}),
		},
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		logger: logger,
	}
	p.timeout.Store(int64(timeout))
	return p
}

// SetTimeout changes the bound applied to subsequent probes.
func (p *Prober) SetTimeout(timeout time.Duration) {
	p.timeout.Store(int64(timeout))
}

// Timeout returns the bound applied to each probe.
func (p *Prober) Timeout() time.Duration {
	return time.Duration(p.timeout.Load())
}

// Probe checks one processor once.
func (p *Prober) Probe(ctx context.Context, id processor.Processor) Health {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout())
	defer cancel()

	healthURL := p.urls[id]
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL.String(), nil)
	if err != nil {
		return Failure
	}

	res, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug("Health probe failed",
			slog.String("processor", id.String()),
			slog.Any("err", err))
		return Failure
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests {
		return Throttled
	}

	if res.StatusCode/100 != 2 {
		p.logger.Debug("Health probe got non-2xx",
			slog.String("processor", id.String()),
			slog.Int("status", res.StatusCode))
		return Failure
	}

	var h Health
	if err := json.NewDecoder(res.Body).Decode(&h); err != nil {
		p.logger.Debug("Health probe body undecodable",
			slog.String("processor", id.String()),
			slog.Any("err", err))
		return Failure
	}

	return h
}

// ProbeBoth checks both processors concurrently.
func (p *Prober) ProbeBoth(ctx context.Context) (defaultHealth, fallbackHealth Health) {
	var g errgroup.Group

	g.Go(func() error {
		defaultHealth = p.Probe(ctx, processor.Default)
		return nil
	})
	g.Go(func() error {
		fallbackHealth = p.Probe(ctx, processor.Fallback)
		return nil
	})
	_ = g.Wait()

	return defaultHealth, fallbackHealth
}
