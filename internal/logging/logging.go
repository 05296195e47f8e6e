// Package logging provides structured logging functionality using Go's slog package.
// It supports both text and JSON output formats, configurable log levels,
// and child loggers carrying fixed fields for the scanorama application.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	// File permissions for directories and log files.
	logDirPerm  = 0750
	logFilePerm = 0600
)

// LogLevel represents the available log levels.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the available log formats.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// Config holds logging configuration.
type Config struct {
	Level     LogLevel  `yaml:"level" json:"level"`
	Format    LogFormat `yaml:"format" json:"format"`
	Output    string    `yaml:"output" json:"output"`
	AddSource bool      `yaml:"add_source" json:"add_source"`
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:     LevelInfo,
		Format:    FormatText,
		Output:    "stdout",
		AddSource: false,
	}
}

// Logger wraps slog.Logger with additional functionality.
type Logger struct {
	*slog.Logger
	config Config
}

// New creates a new structured logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	// Parse log level
	var level slog.Level
	switch strings.ToLower(string(cfg.Level)) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Determine output writer
	var writer io.Writer
	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		// Assume it's a file path
		if err := os.MkdirAll(filepath.Dir(cfg.Output), logDirPerm); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
		if err != nil {
			return nil, err
		}
		writer = file
	}

	// Create handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}, nil
}

// NewDefault creates a logger with default configuration.
func NewDefault() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// WithContext returns a copy of the logger. ctx is not read: no values are
// taken from it.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{
		Logger: l.With(),
		config: l.config,
	}
}

// WithFields adds structured fields to the logger.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.With(fields...),
		config: l.config,
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithScanID adds a scan ID field to the logger.
func (l *Logger) WithScanID(scanID string) *Logger {
	return l.WithFields("scan_id", scanID)
}

// WithTarget adds a target field to the logger.
func (l *Logger) WithTarget(target string) *Logger {
	return l.WithFields("target", target)
}

// WithError adds an error field to the logger.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields("error", err)
}

// InfoScan logs scan-related information.
func (l *Logger) InfoScan(msg, target string, fields ...any) {
	allFields := append([]any{"target", target}, fields...)
	l.Info(msg, allFields...)
}

// ErrorScan logs scan-related errors.
func (l *Logger) ErrorScan(msg, target string, err error, fields ...any) {
	allFields := append([]any{"target", target, "error", err}, fields...)
	l.Error(msg, allFields...)
}

// InfoPacer logs pacer-related information: admission/throttle decisions
// made by the global limiter, hostgroup limiter, or backoff observer.
func (l *Logger) InfoPacer(msg string, fields ...any) {
	allFields := append([]any{"component", "pacer"}, fields...)
	l.Info(msg, allFields...)
}

// ErrorPacer logs pacer-related errors.
func (l *Logger) ErrorPacer(msg string, err error, fields ...any) {
	allFields := append([]any{"component", "pacer", "error", err}, fields...)
	l.Error(msg, allFields...)
}

// InfoEngine logs probe-engine information for a (target, port) attempt.
func (l *Logger) InfoEngine(msg, target string, port uint16, fields ...any) {
	allFields := append([]any{"target", target, "port", port}, fields...)
	l.Info(msg, allFields...)
}

// ErrorEngine logs probe-engine errors for a (target, port) attempt.
func (l *Logger) ErrorEngine(msg, target string, port uint16, err error, fields ...any) {
	allFields := append([]any{"target", target, "port", port, "error", err}, fields...)
	l.Error(msg, allFields...)
}

// InfoScheduler logs scheduler lifecycle information (state transitions,
// concurrency adjustments, circuit-breaker trips).
func (l *Logger) InfoScheduler(msg string, fields ...any) {
	allFields := append([]any{"component", "scheduler"}, fields...)
	l.Info(msg, allFields...)
}

// ErrorScheduler logs scheduler-related errors.
func (l *Logger) ErrorScheduler(msg string, err error, fields ...any) {
	allFields := append([]any{"component", "scheduler", "error", err}, fields...)
	l.Error(msg, allFields...)
}

// InfoAggregator logs result-aggregator information (batch commits, flush
// and completion events).
func (l *Logger) InfoAggregator(msg string, fields ...any) {
	allFields := append([]any{"component", "aggregator"}, fields...)
	l.Info(msg, allFields...)
}

// ErrorAggregator logs result-aggregator errors, notably storage-write
// failures that may escalate to CodeStorageFatal.
func (l *Logger) ErrorAggregator(msg string, err error, fields ...any) {
	allFields := append([]any{"component", "aggregator", "error", err}, fields...)
	l.Error(msg, allFields...)
}

// InfoDatabase logs database-related information.
func (l *Logger) InfoDatabase(msg string, fields ...any) {
	allFields := append([]any{"component", "database"}, fields...)
	l.Info(msg, allFields...)
}

// ErrorDatabase logs database-related errors.
func (l *Logger) ErrorDatabase(msg string, err error, fields ...any) {
	allFields := append([]any{"component", "database", "error", err}, fields...)
	l.Error(msg, allFields...)
}

// Global logger instance - can be replaced for testing.
var defaultLogger = NewDefault()

// SetDefault sets the default logger instance.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}

// Default returns the default logger instance.
func Default() *Logger {
	return defaultLogger
}

// Debug logs at debug level using the default logger.
func Debug(msg string, fields ...any) {
	defaultLogger.Debug(msg, fields...)
}

// Info logs at info level using the default logger.
func Info(msg string, fields ...any) {
	defaultLogger.Info(msg, fields...)
}

// Warn logs at warn level using the default logger.
func Warn(msg string, fields ...any) {
	defaultLogger.Warn(msg, fields...)
}

// Error logs at error level using the default logger.
func Error(msg string, fields ...any) {
	defaultLogger.Error(msg, fields...)
}

// InfoScan logs scan-related information using the default logger.
func InfoScan(msg, target string, fields ...any) {
	defaultLogger.InfoScan(msg, target, fields...)
}

// ErrorScan logs scan-related errors using the default logger.
func ErrorScan(msg, target string, err error, fields ...any) {
	defaultLogger.ErrorScan(msg, target, err, fields...)
}

// InfoPacer logs pacer-related information using the default logger.
func InfoPacer(msg string, fields ...any) {
	defaultLogger.InfoPacer(msg, fields...)
}

// ErrorPacer logs pacer-related errors using the default logger.
func ErrorPacer(msg string, err error, fields ...any) {
	defaultLogger.ErrorPacer(msg, err, fields...)
}

// InfoEngine logs probe-engine information using the default logger.
func InfoEngine(msg, target string, port uint16, fields ...any) {
	defaultLogger.InfoEngine(msg, target, port, fields...)
}

// ErrorEngine logs probe-engine errors using the default logger.
func ErrorEngine(msg, target string, port uint16, err error, fields ...any) {
	defaultLogger.ErrorEngine(msg, target, port, err, fields...)
}

// InfoScheduler logs scheduler information using the default logger.
func InfoScheduler(msg string, fields ...any) {
	defaultLogger.InfoScheduler(msg, fields...)
}

// ErrorScheduler logs scheduler errors using the default logger.
func ErrorScheduler(msg string, err error, fields ...any) {
	defaultLogger.ErrorScheduler(msg, err, fields...)
}

// InfoAggregator logs aggregator information using the default logger.
func InfoAggregator(msg string, fields ...any) {
	defaultLogger.InfoAggregator(msg, fields...)
}

// ErrorAggregator logs aggregator errors using the default logger.
func ErrorAggregator(msg string, err error, fields ...any) {
	defaultLogger.ErrorAggregator(msg, err, fields...)
}

// InfoDatabase logs database-related information using the default logger.
func InfoDatabase(msg string, fields ...any) {
	defaultLogger.InfoDatabase(msg, fields...)
}

// ErrorDatabase logs database-related errors using the default logger.
func ErrorDatabase(msg string, err error, fields ...any) {
	defaultLogger.ErrorDatabase(msg, err, fields...)
}
