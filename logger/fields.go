package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID      = "job_id"
	FieldWorkflowID = "workflow_id"
	FieldRequestID  = "request_id"
	FieldActor      = "actor"
	FieldCaller     = "caller"
	FieldDeliveryID = "delivery_id"

	// Operations
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldEventType = "event_type"
	FieldSource    = "trigger_source"

	// Timing
	FieldDurationMS    = "duration_ms"
	FieldScheduledTime = "scheduled_time"
	FieldNextTime      = "next_time"
	FieldAsOf          = "as_of"

	// Errors
	FieldError = "error"

	// Counts and retries
	FieldCount      = "count"
	FieldRetryCount = "retry_count"
	FieldMaxRetries = "max_retries"

	// Status
	FieldStatus = "status"
	FieldAction = "action"

	// Network
	FieldAddress = "address"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	requestIDKey contextKey = "logger_request_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}

	return fields
}

// FromContext returns base enriched with fields extracted from ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	executor.New(store, runner, clk, executor.Options{},
//	    logger.ComponentLogger("executor"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
