// Package handler implements the HTTP surface of the router: payment intake,
// the payments summary, the purge endpoint used between test rounds and the
// circuit breaker status. It also provides the request logging middleware
// wrapped around every route.
package handler
