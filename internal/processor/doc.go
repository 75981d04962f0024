// Package processor models the two downstream payment processors and the HTTP
// client used to talk to them. It provides payment dispatch, the admin purge
// call and response time tracking per processor.
package processor
