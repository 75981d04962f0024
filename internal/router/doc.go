// Package router dispatches dequeued payments to the processor picked by the
// circuit breaker.
//
// For every payment the router reads the breaker color. RED requeues the
// payment untouched. GREEN and YELLOW dispatch it, stamped with the current
// time, to the default or fallback processor. A failed dispatch signals the
// breaker and, when the answer is not RED, is retried exactly once on the
// processor the new color points to. Anything that is not accepted by a
// processor goes back to the head of the queue; a payment leaves the system
// only once it has been recorded.
package router
