package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type options struct {
	writer   io.Writer
	levelVar *slog.LevelVar
}

type Option func(*options)

// WithWriter sends records to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

// WithLevelVar makes the logger follow v, so the level can be changed while
// running. v is set to lvl on creation.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(o *options) {
		o.levelVar = v
	}
}

func New(lvl string, addSource bool, enviroment string, opts ...Option) *slog.Logger {
	o := options{writer: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	var level slog.Leveler = ParseLevel(lvl)
	if o.levelVar != nil {
		o.levelVar.Set(ParseLevel(lvl))
		level = o.levelVar
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	}
	var handler slog.Handler

	if strings.ToLower(enviroment) == "prod" {
		handler = slog.NewJSONHandler(o.writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(o.writer, handlerOpts)
	}

	return slog.New(handler).With(
		slog.String("environment", enviroment),
	)
}

// Component derives the logger of one subsystem.
func Component(l *slog.Logger, name string) *slog.Logger {
	return l.With(slog.String("component", name))
}

func ParseLevel(level string) slog.Level {

	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
