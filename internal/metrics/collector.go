package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventDispatched     EventType = "dispatched"
	EventDispatchFailed EventType = "dispatch_failed"
	EventRetried        EventType = "retried"
	EventRequeued       EventType = "requeued"
	EventColorChanged   EventType = "color_changed"
	EventPersistFailed  EventType = "persist_failed"
)

type MetricEvent struct {
	Type      EventType
	Timestamp time.Time
	Processor string
	Duration  time.Duration
	Color     string
}

// Source fills in values other components own, such as live gauges, on every
// snapshot.
type Source func(*Snapshot)

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	sources []Source
	logger  *slog.Logger
	done    chan struct{}
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit hands the event to the collector without blocking. It is safe to call
// on a nil collector.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done is closed once the collector stopped and drained its buffer.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")
	defer close(c.done)

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventDispatched:
		c.metrics.RecordDispatch(event.Processor, event.Duration)
	case EventDispatchFailed:
		c.metrics.RecordFailure(event.Processor)
	case EventRetried:
		c.metrics.IncrementRetries(event.Processor)
	case EventRequeued:
		c.metrics.IncrementRequeues()
	case EventColorChanged:
		c.metrics.RecordColor(event.Color, event.Timestamp)
	case EventPersistFailed:
		c.metrics.IncrementPersistFailures(event.Processor)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

// AddSource registers s for every later snapshot. Sources must be added
// before the snapshot is served.
func (c *Collector) AddSource(s Source) {
	c.sources = append(c.sources, s)
}

func (c *Collector) Snapshot() Snapshot {
	snap := c.metrics.Snapshot()
	for _, s := range c.sources {
		s(&snap)
	}
	return snap
}
