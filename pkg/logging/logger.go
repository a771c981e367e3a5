package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config selects the level, format and destination of a Logger
type Config struct {
	Level   string // debug, info, warn, error
	Format  string // "json" or "text"
	Service string
	Output  io.Writer
}

// Logger provides structured logging on top of logrus
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a logger from cfg. Empty fields fall back to info level,
// text format, stdout.
func NewLogger(cfg Config) (*Logger, error) {
	base := logrus.New()

	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	base.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}

	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	} else {
		base.SetOutput(os.Stdout)
	}

	service := cfg.Service
	if service == "" {
		service = "fuzzy-infer"
	}
	return &Logger{entry: base.WithField("service", service)}, nil
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	base.SetLevel(logrus.PanicLevel)
	return &Logger{entry: logrus.NewEntry(base)}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Field) {
	l.with(fields).Debug(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Field) {
	l.with(fields).Info(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Field) {
	l.with(fields).Warn(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, err error, fields ...Field) {
	if err != nil {
		fields = append(fields, Error(err))
	}
	l.with(fields).Error(msg)
}

// WithFields returns a logger that adds fields to every entry
func (l *Logger) WithFields(fields ...Field) *Logger {
	return &Logger{entry: l.with(fields)}
}

// DebugEnabled reports whether debug entries are emitted
func (l *Logger) DebugEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

func (l *Logger) with(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		data[f.Key] = f.Value
	}
	return l.entry.WithFields(data)
}

// Field is one structured key/value pair
type Field struct {
	Key   string
	Value any
}

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Strings creates a string list field
func Strings(key string, value []string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Float creates a float field
func Float(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Any creates a field holding an arbitrary value
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Error creates an error field
func Error(err error) Field {
	return Field{Key: logrus.ErrorKey, Value: err}
}

// Component creates a component field
func Component(component string) Field {
	return Field{Key: "component", Value: component}
}

// RequestID creates a request ID field
func RequestID(requestID string) Field {
	return Field{Key: "request_id", Value: requestID}
}
