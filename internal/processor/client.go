package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/angeloszaimis/payment-router/internal/payment"
)

var (
	// ErrDispatchFailed marks a dispatch that timed out, hit a transport error,
	// was rate limited or got a 5xx. The breaker must be signalled.
	ErrDispatchFailed = errors.New("processor: dispatch failed")
	// ErrRejected marks a 4xx answer other than 429. Signalling the breaker
	// would not help, the payment is requeued as is.
	ErrRejected = errors.New("processor: payment rejected")
)

const (
	paymentsPath = "/payments"
	purgePath    = "/admin/purge-payments"
	tokenHeader  = "X-Rinha-Token"
)

const ewmaAlpha = 0.2

// Client talks to one payment processor and tracks the exponentially weighted
// moving average of its dispatch response times.
type Client struct {
	id         Processor
	url        *url.URL
	httpClient *http.Client
	adminToken string

	mutex            sync.Mutex
	ewmaResponseTime time.Duration
	hasEWMA          bool
}

// NewClient creates a client for processor id rooted at baseURL. Each request
// is bounded by timeout.
func NewClient(id Processor, baseURL *url.URL, timeout time.Duration, adminToken string) *Client {
	return &Client{
		id:         id,
		url:        baseURL,
		adminToken: adminToken,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        256,
				MaxIdleConnsPerHost: 128,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}
}

// ID returns the processor this client talks to.
func (c *Client) ID() Processor {
	return c.id
}

// URL returns the processor base URL.
func (c *Client) URL() *url.URL {
	return c.url
}

// Dispatch posts the stamped payment to the processor. A nil error means the
// processor accepted it with a 2xx.
func (c *Client) Dispatch(ctx context.Context, p payment.Payment) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("processor: encode payment %s: %w", p.CorrelationID, err)
	}

	endpoint := c.url.ResolveReference(&url.URL{Path: paymentsPath})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("processor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDispatchFailed, c.id, err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	c.RecordResponse(time.Since(start))

	return classify(c.id, res.StatusCode)
}

// Purge asks the processor to forget its payments. Used by the admin purge
// endpoint on a best effort basis.
func (c *Client) Purge(ctx context.Context) error {
	endpoint := c.url.ResolveReference(&url.URL{Path: purgePath})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("processor: build purge request: %w", err)
	}
	if c.adminToken != "" {
		req.Header.Set(tokenHeader, c.adminToken)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("processor: purge %s: %w", c.id, err)
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("processor: purge %s: status %d", c.id, res.StatusCode)
	}
	return nil
}

func classify(id Processor, status int) error {
	switch {
	case status/100 == 2:
		return nil
	case status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%w: %s: status %d", ErrDispatchFailed, id, status)
	default:
		return fmt.Errorf("%w: %s: status %d", ErrRejected, id, status)
	}
}

// RecordResponse updates the EWMA response time using the latest dispatch
// duration.
func (c *Client) RecordResponse(duration time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.hasEWMA {
		c.ewmaResponseTime = duration
		c.hasEWMA = true
		return
	}
	c.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(c.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the moving average dispatch time, 0 before the first
// response.
func (c *Client) EWMATime() time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.hasEWMA {
		return 0
	}
	return c.ewmaResponseTime
}

// Pair holds the clients of both processors.
type Pair struct {
	Default  *Client
	Fallback *Client
}

// Get returns the client of processor p.
func (pp Pair) Get(p Processor) *Client {
	switch p {
	case Default:
		return pp.Default
	case Fallback:
		return pp.Fallback
	default:
		panic(fmt.Sprintf("processor: unknown processor %d", int(p)))
	}
}
