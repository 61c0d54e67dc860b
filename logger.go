package gmail

import (
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Logger defines the minimal logging interface used by the Gmail client.
//
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	WithAttrs(args ...any) Logger
}

var globalLogger atomic.Value // stores Logger

func init() {
	globalLogger.Store(defaultLogger())
}

func defaultLogger() Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return SlogLogger(slog.New(handler)).WithAttrs("component", "gmail")
}

// SetLogger replaces the global logger used by the package. Passing nil
// restores the built-in slog logger.
func SetLogger(logger Logger) {
	if logger == nil {
		globalLogger.Store(defaultLogger())
		return
	}
	globalLogger.Store(logger.WithAttrs("component", "gmail"))
}

// SetSlogLogger is a convenience helper for using a *slog.Logger directly.
func SetSlogLogger(logger *slog.Logger) {
	SetLogger(SlogLogger(logger))
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
func SlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		return nil
	}
	return slogAdapter{logger: logger}
}

type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Debug(msg string, args ...any) { s.logger.Debug(msg, args...) }

func (s slogAdapter) Info(msg string, args ...any) { s.logger.Info(msg, args...) }

func (s slogAdapter) Warn(msg string, args ...any) { s.logger.Warn(msg, args...) }

func (s slogAdapter) Error(msg string, args ...any) { s.logger.Error(msg, args...) }

func (s slogAdapter) WithAttrs(args ...any) Logger {
	return slogAdapter{logger: s.logger.With(args...)}
}

// LogrusLogger adapts a logrus logger or entry to the Logger interface.
// Attribute pairs become logrus fields.
func LogrusLogger(logger logrus.FieldLogger) Logger {
	if logger == nil {
		return nil
	}
	return logrusAdapter{entry: logger.WithFields(logrus.Fields{})}
}

type logrusAdapter struct {
	entry *logrus.Entry
}

func (l logrusAdapter) Debug(msg string, args ...any) { l.with(args).Debug(msg) }

func (l logrusAdapter) Info(msg string, args ...any) { l.with(args).Info(msg) }

func (l logrusAdapter) Warn(msg string, args ...any) { l.with(args).Warn(msg) }

func (l logrusAdapter) Error(msg string, args ...any) { l.with(args).Error(msg) }

func (l logrusAdapter) WithAttrs(args ...any) Logger {
	return logrusAdapter{entry: l.with(args)}
}

func (l logrusAdapter) with(args []any) *logrus.Entry {
	if len(args) == 0 {
		return l.entry
	}
	return l.entry.WithFields(attrFields(args))
}

// attrFields turns slog-style key/value pairs into logrus fields.
func attrFields(args []any) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i < len(args); i++ {
		switch a := args[i].(type) {
		case slog.Attr:
			fields[a.Key] = a.Value.Any()
		case string:
			if i+1 < len(args) {
				fields[a] = args[i+1]
				i++
			} else {
				fields["!BADKEY"] = a
			}
		default:
			fields["!BADKEY"] = a
		}
	}
	return fields
}

// getLogger returns the currently configured logger.
func getLogger() Logger {
	if v := globalLogger.Load(); v != nil {
		if l, ok := v.(Logger); ok {
			return l
		}
	}
	// Fallback for safety if init() was skipped (e.g., in tests).
	l := defaultLogger()
	globalLogger.Store(l)
	return l
}

// sessionLogger adds per-session context to logger, or to the package logger
// when logger is nil.
func sessionLogger(logger Logger, session, mailbox string) Logger {
	if logger == nil {
		logger = getLogger()
	}
	if session == "" && mailbox == "" {
		return logger
	}

	args := []any{"session", session}
	if mailbox != "" {
		args = append(args, "mailbox", mailbox)
	}
	return logger.WithAttrs(args...)
}
