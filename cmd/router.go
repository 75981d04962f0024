package main

import (
	"log/slog"
	"net/http"

	"github.com/angeloszaimis/payment-router/internal/handler"
	"github.com/angeloszaimis/payment-router/internal/metrics"
)

func setupRouter(paymentHandler *handler.PaymentHandler, metricsCollector *metrics.Collector, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /payments", paymentHandler.Create)
	mux.HandleFunc("GET /payments-summary", paymentHandler.Summary)
	mux.HandleFunc("POST /purge-payments", paymentHandler.Purge)
	mux.HandleFunc("GET /processor/circuit-breaker-status", paymentHandler.BreakerStatus)
	mux.HandleFunc("GET /metrics", metricsCollector.Handler())

	return handler.Logged(logger, mux)
}
