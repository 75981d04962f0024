// Package healthcheck probes the service-health endpoint of the payment
// processors and classifies each answer as failing or healthy.
//
// A 429 answer means the probe itself was throttled, so the processor is
// reported healthy with an unknown latency. Transport errors, timeouts,
// undecodable bodies and any other non-2xx answer are reported as failing.
// Both processors are always probed concurrently.
package healthcheck
