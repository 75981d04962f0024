// Package circuitbreaker implements the tri-state routing breaker that decides
// which payment processor receives traffic.
//
// The breaker has three colors:
//
//   - GREEN: route to the default processor
//   - YELLOW: route to the fallback processor
//   - RED: route to neither, work is requeued without dispatch
//
// Transitions are driven by health evidence only. A dispatch failure calls
// Signal, which probes the peer of the failed processor once. When the peer is
// also unhealthy the breaker turns RED and a single recovery loop polls both
// processors until DefineColor yields something other than RED.
//
// The color is mirrored in a shared ColorStore so several worker processes
// converge on the same routing decision. Reads are debounced: CurrentColor
// serves the in-process value for a configurable TTL before re-reading the
// store.
//
// Usage:
//
//	engine := circuitbreaker.NewEngine(prober, store, settings, logger, collector)
//	defer engine.Close()
//
//	switch engine.CurrentColor(ctx) {
//	case circuitbreaker.Green:
//	    // dispatch to default, on failure:
//	    color := engine.Signal(ctx, processor.Default)
//	    ...
//	}
package circuitbreaker
