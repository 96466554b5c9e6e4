// Package logging is the JSON logger shared by the relay processes. Records
// carry the service and environment of the process, and the relay's common
// keys are fixed here so every component logs them the same way.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
)

// LogLevel is the minimum severity written.
type LogLevel string

// Levels
const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// Common record keys
const (
	KeyTxHash    = "tx_hash"
	KeyQueue     = "queue"
	KeyMessageID = "message_id"
	KeyAttempt   = "attempt"
	KeyError     = "error"
	KeyErrorCode = "error_code"
)

// ParseLevel maps a configured level name to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch l := LogLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
		return l, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

func (l LogLevel) slogLevel() slog.Level {
	levels := map[LogLevel]slog.Level{
		DebugLevel: slog.LevelDebug,
		WarnLevel:  slog.LevelWarn,
		ErrorLevel: slog.LevelError,
	}
	if lvl, ok := levels[LogLevel(strings.ToLower(string(l)))]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// Logger wraps slog.Logger with field helpers.
type Logger struct {
	*slog.Logger
}

// Config holds the configuration for the logger.
type Config struct {
	Level LogLevel
	// Output defaults to stdout.
	Output      io.Writer
	ServiceName string
	Environment string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:       InfoLevel,
		Output:      os.Stdout,
		ServiceName: "txrelay",
		Environment: "development",
	}
}

// New creates a JSON logger. Timestamps are RFC 3339 in UTC.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.Level.slogLevel(),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	})

	return &Logger{Logger: slog.New(handler).With(
		slog.String("service", cfg.ServiceName),
		slog.String("environment", cfg.Environment),
	)}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithField adds a field to the logger.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Logger: l.With(slog.Any(key, value))}
}

// WithFields adds fields in key order.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	return &Logger{Logger: l.With(attrs...)}
}

// WithTxHash tags records with a transaction identifier.
func (l *Logger) WithTxHash(hash string) *Logger {
	return l.WithField(KeyTxHash, hash)
}

// WithQueue tags records with a queue or topic name.
func (l *Logger) WithQueue(name string) *Logger {
	return l.WithField(KeyQueue, name)
}

// WithError adds err, and its domain error code when it has one.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	attrs := []any{slog.String(KeyError, err.Error())}
	if code := relayerrors.CodeOf(err); code != "" {
		attrs = append(attrs, slog.String(KeyErrorCode, code))
	}
	return &Logger{Logger: l.With(attrs...)}
}

// Debug logs at debug level. args are alternating keys and values.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.Logger.Debug(msg, attrs(args)...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.Logger.Info(msg, attrs(args)...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.Logger.Warn(msg, attrs(args)...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.Logger.Error(msg, attrs(args)...)
}

// attrs pairs up keys and values. A slog.Attr is taken as is, a dangling key
// gets an empty value and a non-string key is rendered with %v.
func attrs(args []interface{}) []any {
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		if a, ok := args[i].(slog.Attr); ok {
			out = append(out, a)
			continue
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		var value interface{} = ""
		if i+1 < len(args) {
			i++
			value = args[i]
		}
		out = append(out, slog.Any(key, value))
	}
	return out
}
