package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angeloszaimis/payment-router/internal/circuitbreaker"
	"github.com/angeloszaimis/payment-router/internal/payment"
)

const maxBodyBytes = 1 << 20

type Enqueuer interface {
	Add(ctx context.Context, p payment.Payment) error
	Purge(ctx context.Context) error
}

type Summarizer interface {
	Summary(ctx context.Context, from, to *time.Time) payment.Summary
	Purge(ctx context.Context) error
}

type Purger interface {
	Purge(ctx context.Context) error
}

type BreakerReporter interface {
	CurrentColor(ctx context.Context) circuitbreaker.Color
	Status() circuitbreaker.Status
}

type PaymentHandler struct {
	logger     *slog.Logger
	queue      Enqueuer
	stats      Summarizer
	processors []Purger
	breaker    BreakerReporter
}

func NewPaymentHandler(logger *slog.Logger, queue Enqueuer, stats Summarizer, processors []Purger, breaker BreakerReporter) *PaymentHandler {
	return &PaymentHandler{
		logger:     logger,
		queue:      queue,
		stats:      stats,
		processors: processors,
		breaker:    breaker,
	}
}

type paymentRequest struct {
	CorrelationID string          `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
}

func (p paymentRequest) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.CorrelationID, validation.Required, validation.By(validateUUID)),
		validation.Field(&p.Amount, validation.By(validatePositive)),
	)
}

func validateUUID(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if _, err := uuid.Parse(s); err != nil {
		return validation.NewError("validation_invalid_uuid", "must be a valid UUID")
	}
	return nil
}

func validatePositive(value interface{}) error {
	d, ok := value.(decimal.Decimal)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a decimal")
	}
	if !d.IsPositive() {
		return validation.NewError("validation_not_positive", "must be greater than zero")
	}
	return nil
}

// Create accepts a payment for asynchronous processing.
func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": err})
		return
	}

	p := payment.Payment{CorrelationID: req.CorrelationID, Amount: req.Amount}
	if err := h.queue.Add(r.Context(), p); err != nil {
		h.logger.Error("Failed to enqueue payment",
			slog.String("correlation_id", p.CorrelationID),
			slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, "payment could not be queued")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "payment accepted"})
}

// Summary reports the processed totals, optionally within [from, to].
func (h *PaymentHandler) Summary(w http.ResponseWriter, r *http.Request) {
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be an RFC 3339 timestamp")
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be an RFC 3339 timestamp")
		return
	}
	if from != nil && to != nil && from.After(*to) {
		writeError(w, http.StatusBadRequest, "from must not be after to")
		return
	}

	writeJSON(w, http.StatusOK, h.stats.Summary(r.Context(), from, to))
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Purge forgets every queued and processed payment locally and asks both
// processors to do the same.
func (h *PaymentHandler) Purge(w http.ResponseWriter, r *http.Request) {
	if err := errors.Join(h.queue.Purge(r.Context()), h.stats.Purge(r.Context())); err != nil {
		h.logger.Error("Failed to purge payments", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}

	var errs []error
	for _, p := range h.processors {
		if err := p.Purge(r.Context()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		h.logger.Warn("Processor purge incomplete", slog.Any("err", err))
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "payments purged"})
}

// BreakerStatus reports the breaker color and the last health samples.
func (h *PaymentHandler) BreakerStatus(w http.ResponseWriter, r *http.Request) {
	h.breaker.CurrentColor(r.Context())
	writeJSON(w, http.StatusOK, h.breaker.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
