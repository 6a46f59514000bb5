package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// StructuredLogger provides enhanced structured logging capabilities
type StructuredLogger struct {
	*slog.Logger
	serviceName string
	environment string
	component   string
}

// Config holds configuration for the structured logger
type Config struct {
	Level       LogLevel `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"` // "json" or "text"
	ServiceName string   `json:"service_name" yaml:"service_name"`
	Environment string   `json:"environment" yaml:"environment"`
	AddSource   bool     `json:"add_source" yaml:"add_source"`
}

// NewStructuredLogger creates a new structured logger instance
func NewStructuredLogger(config Config) *StructuredLogger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(
		"service", config.ServiceName,
		"environment", config.Environment,
	)

	return &StructuredLogger{
		Logger:      logger,
		serviceName: config.ServiceName,
		environment: config.Environment,
	}
}

// NewTestLogger returns a quiet text logger for use in tests
func NewTestLogger() *StructuredLogger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
	return &StructuredLogger{Logger: slog.New(handler), serviceName: "test"}
}

// WithComponent creates a logger with a specific component context
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return &StructuredLogger{
		Logger:      sl.Logger.With("component", component),
		serviceName: sl.serviceName,
		environment: sl.environment,
		component:   component,
	}
}

// WithInstance creates a logger scoped to one workflow instance
func (sl *StructuredLogger) WithInstance(instanceID string) *StructuredLogger {
	return &StructuredLogger{
		Logger:      sl.Logger.With("instance_id", instanceID),
		serviceName: sl.serviceName,
		environment: sl.environment,
		component:   sl.component,
	}
}

// InfoWithContext logs an info message honoring context cancellation state
func (sl *StructuredLogger) InfoWithContext(msg string, args ...any) {
	sl.Logger.Info(msg, args...)
}

// WarnWithContext logs a warning message
func (sl *StructuredLogger) WarnWithContext(msg string, args ...any) {
	sl.Logger.Warn(msg, args...)
}

// ErrorWithContext logs an error message with the error attached
func (sl *StructuredLogger) ErrorWithContext(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	sl.Logger.Error(msg, args...)
}

// PhaseTransition logs a phase state change in a uniform shape
func (sl *StructuredLogger) PhaseTransition(instanceID, phase, from, to string, version int64) {
	sl.Logger.Info("phase transition",
		"instance_id", instanceID,
		"phase", phase,
		"from", from,
		"to", to,
		"version", version,
	)
}

// StepResolved logs a step reaching a terminal status
func (sl *StructuredLogger) StepResolved(instanceID, stepID, status, actor string, waited time.Duration) {
	sl.Logger.Info("step resolved",
		"instance_id", instanceID,
		"step_id", stepID,
		"status", status,
		"actor", actor,
		"waited_seconds", waited.Seconds(),
	)
}

// HTTPRequest logs an API request outcome
func (sl *StructuredLogger) HTTPRequest(method, path string, status int, duration time.Duration) {
	sl.Logger.Info("http request",
		"method", method,
		"path", path,
		"status", status,
		"duration_ms", duration.Milliseconds(),
	)
}

// DebugContext passes through to slog with context
func (sl *StructuredLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	sl.Logger.DebugContext(ctx, msg, args...)
}

func parseLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
