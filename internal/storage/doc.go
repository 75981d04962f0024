// Package storage opens the shared Redis connection used by the queue, the
// breaker store and the summary persister.
package storage
