package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"github.com/angeloszaimis/payment-router/internal/circuitbreaker"
	"github.com/angeloszaimis/payment-router/internal/ledger"
	"github.com/angeloszaimis/payment-router/internal/metrics"
	"github.com/angeloszaimis/payment-router/internal/payment"
	"github.com/angeloszaimis/payment-router/internal/processor"
)

type Breaker interface {
	CurrentColor(ctx context.Context) circuitbreaker.Color
	Signal(ctx context.Context, failed processor.Processor) circuitbreaker.Color
}

type Dispatcher interface {
	Dispatch(ctx context.Context, p payment.Payment) error
}

type Requeuer interface {
	Add(ctx context.Context, p payment.Payment) error
	Requeue(ctx context.Context, payments ...payment.Payment) error
}

type Recorder interface {
	Record(ctx context.Context, p processor.Processor, pay payment.Payment) (bool, error)
}

// Result describes what happened to one payment.
type Result struct {
	// Processed is false when the payment went back to the queue.
	Processed bool
	Processor processor.Processor
	Retried   bool
}

type Router struct {
	breaker     Breaker
	dispatchers [len(processor.All)]Dispatcher
	queue       Requeuer
	stats       Recorder
	ledger      *ledger.Ledger
	collector   *metrics.Collector
	logger      *slog.Logger
	now         func() time.Time
}

// NewRouter wires the router. paymentLedger and collector may be nil.
func NewRouter(breaker Breaker, defaultProc, fallbackProc Dispatcher, queue Requeuer, stats Recorder, paymentLedger *ledger.Ledger, collector *metrics.Collector, logger *slog.Logger) *Router {
	r := &Router{
		breaker:   breaker,
		queue:     queue,
		stats:     stats,
		ledger:    paymentLedger,
		collector: collector,
		logger:    logger,
		now:       time.Now,
	}
	r.dispatchers[processor.Default] = defaultProc
	r.dispatchers[processor.Fallback] = fallbackProc
	return r
}

// Handle routes one payment. It never loses the payment: every path that
// does not record it requeues it.
func (r *Router) Handle(ctx context.Context, pay payment.Payment) Result {
	color := r.breaker.CurrentColor(ctx)
	target, ok := color.Target()
	if !ok {
		r.requeue(ctx, pay)
		return Result{}
	}

	stamped, err := r.dispatch(ctx, target, pay)
	if err == nil {
		r.record(ctx, target, stamped)
		return Result{Processed: true, Processor: target}
	}
	if !errors.Is(err, processor.ErrDispatchFailed) {
		r.logger.Warn("Payment rejected",
			slog.String("correlation_id", pay.CorrelationID),
			slog.String("processor", target.String()),
			slog.Any("err", err))
		r.postpone(ctx, pay)
		return Result{}
	}

	next, ok := r.breaker.Signal(ctx, target).Target()
	if !ok {
		r.requeue(ctx, pay)
		return Result{}
	}

	r.collector.Emit(metrics.MetricEvent{Type: metrics.EventRetried, Processor: next.String()})
	stamped, err = r.dispatch(ctx, next, pay)
	if err == nil {
		r.record(ctx, next, stamped)
		return Result{Processed: true, Processor: next, Retried: true}
	}
	if errors.Is(err, processor.ErrDispatchFailed) {
		r.breaker.Signal(ctx, next)
	}
	r.requeue(ctx, pay)
	return Result{}
}

func (r *Router) dispatch(ctx context.Context, p processor.Processor, pay payment.Payment) (payment.Payment, error) {
	stamped := pay.Stamped(r.now())

	start := time.Now()
	err := r.dispatchers[p].Dispatch(ctx, stamped)
	elapsed := time.Since(start)

	if err != nil {
		r.collector.Emit(metrics.MetricEvent{Type: metrics.EventDispatchFailed, Processor: p.String(), Duration: elapsed})
		return stamped, err
	}
	r.collector.Emit(metrics.MetricEvent{Type: metrics.EventDispatched, Processor: p.String(), Duration: elapsed})
	return stamped, nil
}

// record persists an accepted payment. A failure here is logged and dropped:
// the processor already took the payment, so dispatching it again would
// charge twice.
func (r *Router) record(ctx context.Context, p processor.Processor, pay payment.Payment) {
	if _, err := r.stats.Record(ctx, p, pay); err != nil {
		r.logger.Error("Failed to record processed payment",
			slog.String("correlation_id", pay.CorrelationID),
			slog.String("processor", p.String()),
			slog.Any("err", err))
		r.collector.Emit(metrics.MetricEvent{Type: metrics.EventPersistFailed, Processor: p.String()})
	}
	r.ledger.Log(p, pay)
}

// requeue pushes the payment back to the head of the queue, retrying until
// the store accepts it or ctx is done.
func (r *Router) requeue(ctx context.Context, pay payment.Payment) {
	r.push(ctx, pay, func(ctx context.Context) error {
		return r.queue.Requeue(ctx, pay)
	})
}

// postpone puts a rejected payment at the tail, behind everything queued
// since.
func (r *Router) postpone(ctx context.Context, pay payment.Payment) {
	r.push(ctx, pay, func(ctx context.Context) error {
		return r.queue.Add(ctx, pay)
	})
}

func (r *Router) push(ctx context.Context, pay payment.Payment, write func(context.Context) error) {
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}

	for {
		err := write(ctx)
		if err == nil {
			r.collector.Emit(metrics.MetricEvent{Type: metrics.EventRequeued})
			return
		}

		r.logger.Error("Failed to requeue payment",
			slog.String("correlation_id", pay.CorrelationID),
			slog.Any("err", err))

		select {
		case <-ctx.Done():
			r.logger.Error("Payment lost on shutdown", slog.String("correlation_id", pay.CorrelationID))
			return
		case <-time.After(b.Duration()):
		}
	}
}
