// Package stats keeps the accounting of processed payments.
//
// Each processor owns a Redis sorted set (the timeline, scored by requestedAt
// in unix milliseconds) and a hash holding the running count and total. One
// Lua script inserts into the timeline and, only if the entry is new, bumps
// the aggregate, so recording the same payment twice never changes totals.
//
// Summary answers unbounded queries from the aggregate and bounded ones by
// scanning the timeline window.
package stats
