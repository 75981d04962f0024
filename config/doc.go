// Package config loads the service configuration from an optional
// config.yaml (searched in ./config and the working directory), defaults and
// environment variables, and validates it. Every key can be overridden by its
// upper-cased environment name (breaker.debounce_ttl → BREAKER_DEBOUNCE_TTL);
// the legacy names APP_PORT, APP_MODE, REDIS_HOST, REDIS_PORT,
// PROCESSOR_DEFAULT_URL, PROCESSOR_FALLBACK_URL and POSTGRES_DSN are accepted
// too.
//
// Watch reloads the file on change so breaker tunables can be adjusted
// without a restart.
package config
