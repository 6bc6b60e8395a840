package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Environments understood by NewLogger
const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// NewLogger returns a slog logger for env: text at debug level for local,
// JSON at debug for dev and JSON at info for anything else.
func NewLogger(env string, w io.Writer) *slog.Logger {
	switch env {
	case EnvLocal:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case EnvDev:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	default:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
}

// SlogLogger adapts a *slog.Logger to Logger. Messages with printf verbs
// are formatted, anything else treats args as key/value pairs.
type SlogLogger struct {
	log *slog.Logger
}

var _ Logger = SlogLogger{}
var _ LoggerProvider = SlogLogger{}

// NewSlogLogger wraps log, nil uses slog.Default
func NewSlogLogger(log *slog.Logger) SlogLogger {
	if log == nil {
		log = slog.Default()
	}
	return SlogLogger{log: log}
}

// GetLogger implements LoggerProvider, name is attached to every line
func (l SlogLogger) GetLogger(name string) Logger {
	return SlogLogger{log: l.log.With("logger", name)}
}

func (l SlogLogger) Debug(format string, args ...any) { l.emit(slog.LevelDebug, format, args) }
func (l SlogLogger) Info(format string, args ...any)  { l.emit(slog.LevelInfo, format, args) }
func (l SlogLogger) Warn(format string, args ...any)  { l.emit(slog.LevelWarn, format, args) }
func (l SlogLogger) Error(format string, args ...any) { l.emit(slog.LevelError, format, args) }

func (l SlogLogger) emit(level slog.Level, format string, args []any) {
	ctx := context.Background()
	if !l.log.Enabled(ctx, level) {
		return
	}

	if strings.Contains(format, "%") {
		l.log.Log(ctx, level, fmt.Sprintf(format, args...))
		return
	}
	l.log.Log(ctx, level, format, args...)
}
