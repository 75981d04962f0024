// Package httpserver wraps net/http.Server with address validation, bounded
// timeouts and graceful shutdown.
package httpserver
