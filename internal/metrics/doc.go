// Package metrics provides real-time metrics collection for the payment router.
//
// It uses a channel-based event pipeline to asynchronously collect:
//   - Dispatch counts and failures per processor
//   - Dispatch response times with percentile calculations (P50, P95, P99)
//   - Requeues and fast-path retries
//   - Circuit breaker color changes
//   - Stats persistence failures
//
// The collector runs in a dedicated goroutine. Events are sent with
// non-blocking semantics so a slow collector never stalls the dispatch path;
// when the buffer is full the event is dropped.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:      metrics.EventDispatched,
//		Processor: "default",
//		Duration:  150 * time.Millisecond,
//	})
//
//	snapshot := collector.Snapshot()
//
// On shutdown remaining events are drained before the collector stops.
package metrics
