// Package common provides centralized logging infrastructure and the shared
// error taxonomy for the ZRM middleware.
//
// The logging system is built on logrus for structured logging with custom
// output handling: error-level messages are routed to stderr while all other
// levels go to stdout, keeping the two streams separable in containerized
// and scripted environments. A process-global Logger instance is provided so
// that nodes, endpoints and transports share one consistently configured
// sink.
//
// Key Features:
//   - Automatic output stream routing based on log level
//   - Structured logging with JSON and text format support
//   - Per-endpoint field-scoped loggers via ContextLogger
//   - Global logger instance for consistent usage patterns
package common

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"zrm.evalgo.org/version"
)

// OutputSplitter routes formatted log output to stdout or stderr based on
// the entry's level. Error entries (containing "level=error") go to stderr,
// everything else to stdout. It operates on the final formatted bytes, so it
// is compatible with both the text and the JSON formatter.
type OutputSplitter struct{}

// Write implements io.Writer. Messages containing the error level marker are
// written to stderr, all others to stdout.
func (s *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// LogLevel represents standard logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LoggerConfig contains configuration for creating a logger.
type LoggerConfig struct {
	Level      LogLevel // Minimum log level
	Format     string   // "json" or "text"
	TimeFormat string   // Time format for logs
}

// DefaultLoggerConfig returns a logger config with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:      LogLevelInfo,
		Format:     "text",
		TimeFormat: time.RFC3339,
	}
}

// NewLogger creates a new configured logger instance.
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()

	switch config.Level {
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LogLevelInfo:
		logger.SetLevel(logrus.InfoLevel)
	case LogLevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: config.TimeFormat,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: config.TimeFormat,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(&OutputSplitter{})

	return logger
}

// Logger is the global logger instance shared across the ZRM runtime.
// Its level can be raised for debugging via ZRM_LOG_LEVEL.
var Logger = newGlobalLogger()

func newGlobalLogger() *logrus.Logger {
	cfg := DefaultLoggerConfig()
	if lvl := os.Getenv("ZRM_LOG_LEVEL"); lvl != "" {
		cfg.Level = LogLevel(lvl)
	}
	if format := os.Getenv("ZRM_LOG_FORMAT"); format != "" {
		cfg.Format = format
	}
	return NewLogger(cfg)
}

// ContextLogger provides field-scoped logging for a component. Each With*
// call returns a new instance; the receiver is never mutated, so a
// ContextLogger may be shared across goroutines.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger creates a new context-aware logger with base fields.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	if logger == nil {
		logger = Logger
	}

	baseFields := make(logrus.Fields)
	for k, v := range fields {
		baseFields[k] = v
	}

	return &ContextLogger{
		logger: logger,
		fields: baseFields,
	}
}

// WithField adds a single field to the logger context.
func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	newFields := make(logrus.Fields)
	for k, v := range cl.fields {
		newFields[k] = v
	}
	newFields[key] = value

	return &ContextLogger{
		logger: cl.logger,
		fields: newFields,
	}
}

// WithFields adds multiple fields to the logger context.
func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	newFields := make(logrus.Fields)
	for k, v := range cl.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &ContextLogger{
		logger: cl.logger,
		fields: newFields,
	}
}

// WithError adds an error to the logger context.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.WithField("error", err.Error())
}

// Debug logs a debug message.
func (cl *ContextLogger) Debug(msg string) {
	cl.logger.WithFields(cl.fields).Debug(msg)
}

// Debugf logs a formatted debug message.
func (cl *ContextLogger) Debugf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Debugf(format, args...)
}

// Info logs an info message.
func (cl *ContextLogger) Info(msg string) {
	cl.logger.WithFields(cl.fields).Info(msg)
}

// Infof logs a formatted info message.
func (cl *ContextLogger) Infof(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Infof(format, args...)
}

// Warn logs a warning message.
func (cl *ContextLogger) Warn(msg string) {
	cl.logger.WithFields(cl.fields).Warn(msg)
}

// Warnf logs a formatted warning message.
func (cl *ContextLogger) Warnf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Warnf(format, args...)
}

// Error logs an error message.
func (cl *ContextLogger) Error(msg string) {
	cl.logger.WithFields(cl.fields).Error(msg)
}

// Errorf logs a formatted error message.
func (cl *ContextLogger) Errorf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Errorf(format, args...)
}

// EndpointLogger creates a logger pre-configured with endpoint metadata.
// Automatically includes the ZRM module version for debugging purposes.
func EndpointLogger(kind, node, name string) *ContextLogger {
	return NewContextLogger(Logger, map[string]interface{}{
		"endpoint":    kind,
		"node":        node,
		"name":        name,
		"zrm_version": version.GetZRMVersion(),
	})
}
