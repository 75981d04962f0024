package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angeloszaimis/payment-router/internal/payment"
)

// fakeProcessor mimics the processor contract: payments, a rate limited
// health check and admin toggles for failures and latency.
type fakeProcessor struct {
	token        string
	healthWindow time.Duration
	logger       *slog.Logger

	mutex      sync.Mutex
	failing    bool
	delay      time.Duration
	lastHealth time.Time
	seen       map[string]struct{}
	payments   []payment.Payment
	now        func() time.Time
}

func newFakeProcessor(token string, healthWindow time.Duration, logger *slog.Logger) *fakeProcessor {
	return &fakeProcessor{
		token:        token,
		healthWindow: healthWindow,
		logger:       logger,
		seen:         make(map[string]struct{}),
		now:          time.Now,
	}
}

func (fp *fakeProcessor) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /payments", fp.pay)
	mux.HandleFunc("GET /payments/service-health", fp.health)
	mux.HandleFunc("GET /admin/payments-summary", fp.admin(fp.summary))
	mux.HandleFunc("POST /admin/purge-payments", fp.admin(fp.purge))
	mux.HandleFunc("PUT /admin/configurations/failure", fp.admin(fp.setFailure))
	mux.HandleFunc("PUT /admin/configurations/delay", fp.admin(fp.setDelay))

	return mux
}

func (fp *fakeProcessor) pay(w http.ResponseWriter, r *http.Request) {
	var p payment.Payment
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.CorrelationID == "" {
		http.Error(w, "invalid payment", http.StatusUnprocessableEntity)
		return
	}

	fp.mutex.Lock()
	failing, delay := fp.failing, fp.delay
	fp.mutex.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if failing {
		http.Error(w, "processor unavailable", http.StatusInternalServerError)
		return
	}

	fp.mutex.Lock()
	if _, dup := fp.seen[p.CorrelationID]; dup {
		fp.mutex.Unlock()
		http.Error(w, "duplicate correlationId", http.StatusUnprocessableEntity)
		return
	}
	fp.seen[p.CorrelationID] = struct{}{}
	fp.payments = append(fp.payments, p)
	fp.mutex.Unlock()

	fp.logger.Debug("Payment processed",
		slog.String("correlation_id", p.CorrelationID),
		slog.String("amount", p.Amount.String()))
	writeJSON(w, http.StatusOK, map[string]string{"message": "payment processed successfully"})
}

func (fp *fakeProcessor) health(w http.ResponseWriter, r *http.Request) {
	fp.mutex.Lock()
	now := fp.now()
	if !fp.lastHealth.IsZero() && now.Sub(fp.lastHealth) < fp.healthWindow {
		fp.mutex.Unlock()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	fp.lastHealth = now
	failing, delay := fp.failing, fp.delay
	fp.mutex.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"failing":         failing,
		"minResponseTime": delay.Milliseconds(),
	})
}

func (fp *fakeProcessor) summary(w http.ResponseWriter, r *http.Request) {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()

	totals := payment.Totals{TotalAmount: decimal.Zero}
	for _, p := range fp.payments {
		totals.TotalRequests++
		totals.TotalAmount = totals.TotalAmount.Add(p.Amount)
	}
	writeJSON(w, http.StatusOK, totals)
}

func (fp *fakeProcessor) purge(w http.ResponseWriter, r *http.Request) {
	fp.mutex.Lock()
	fp.seen = make(map[string]struct{})
	fp.payments = nil
	fp.mutex.Unlock()

	fp.logger.Info("Payments purged")
	writeJSON(w, http.StatusOK, map[string]string{"message": "All payments purged."})
}

func (fp *fakeProcessor) setFailure(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Failure bool `json:"failure"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	fp.mutex.Lock()
	fp.failing = body.Failure
	fp.mutex.Unlock()

	fp.logger.Info("Failure mode changed", slog.Bool("failing", body.Failure))
	w.WriteHeader(http.StatusNoContent)
}

func (fp *fakeProcessor) setDelay(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Delay int64 `json:"delay"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Delay < 0 {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	fp.mutex.Lock()
	fp.delay = time.Duration(body.Delay) * time.Millisecond
	fp.mutex.Unlock()

	fp.logger.Info("Delay changed", slog.Int64("delay_ms", body.Delay))
	w.WriteHeader(http.StatusNoContent)
}

// admin rejects requests without the expected token.
func (fp *fakeProcessor) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Rinha-Token") != fp.token {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
