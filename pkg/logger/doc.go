// Package logger builds the slog loggers of the service: text output in
// development, JSON in prod, every record tagged with the environment and,
// for subsystem loggers, the component name.
package logger
