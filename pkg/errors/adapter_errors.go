// pkg/errors/adapter_errors.go
package errors

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AdapterError represents a structured error raised while an adapter talks to
// its source or maps what it received.
type AdapterError struct {
	Adapter     string                 `json:"adapter"`
	Client      string                 `json:"client,omitempty"`
	ErrorType   string                 `json:"error_type"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Severity    Severity               `json:"severity"`
	Recoverable bool                   `json:"recoverable"`
	Cause       error                  `json:"-"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Error types reported by adapters.
const (
	TypeConfiguration  = "configuration"
	TypeConnection     = "connection"
	TypeAuthentication = "authentication"
	TypePagination     = "pagination"
	TypeParse          = "parse"
	TypeStorage        = "storage"
	TypeAction         = "action"
)

// Error implements the error interface
func (ae *AdapterError) Error() string {
	source := ae.Adapter
	if ae.Client != "" {
		source += "/" + ae.Client
	}
	msg := fmt.Sprintf("[%s] %s: %s", source, ae.ErrorType, ae.Message)
	if ae.Cause != nil {
		msg += ": " + ae.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (ae *AdapterError) Unwrap() error {
	return ae.Cause
}

// WithClient returns the error tagged with the client it occurred on.
func (ae *AdapterError) WithClient(client string) *AdapterError {
	ae.Client = client
	return ae
}

// ErrorHandler manages adapter errors
type ErrorHandler struct {
	logger    zerolog.Logger
	collector ErrorCollector
}

// ErrorCollector defines how errors are collected and reported
type ErrorCollector interface {
	CollectError(ctx context.Context, err *AdapterError) error
	GetErrorStats() ErrorStats
}

type ErrorStats struct {
	TotalErrors      int              `json:"total_errors"`
	ErrorsByType     map[string]int   `json:"errors_by_type"`
	ErrorsByAdapter  map[string]int   `json:"errors_by_adapter"`
	ErrorsBySeverity map[Severity]int `json:"errors_by_severity"`
	LastError        *AdapterError    `json:"last_error,omitempty"`
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger zerolog.Logger, collector ErrorCollector) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger,
		collector: collector,
	}
}

// HandleError logs the error at the level matching its severity and hands it
// to the collector.
func (eh *ErrorHandler) HandleError(ctx context.Context, err *AdapterError) error {
	logEvent := eh.getLogEvent(err.Severity).
		Str("adapter", err.Adapter).
		Str("error_type", err.ErrorType).
		Str("message", err.Message).
		Bool("recoverable", err.Recoverable)

	if err.Client != "" {
		logEvent = logEvent.Str("client", err.Client)
	}

	if err.Details != nil {
		logEvent = logEvent.Interface("details", err.Details)
	}

	if err.Cause != nil {
		logEvent = logEvent.AnErr("cause", err.Cause)
	}

	logEvent.Msg("Adapter error occurred")

	if eh.collector != nil {
		return eh.collector.CollectError(ctx, err)
	}

	return nil
}

// Stats returns the collector's statistics, or empty stats without a collector.
func (eh *ErrorHandler) Stats() ErrorStats {
	if eh.collector == nil {
		return ErrorStats{}
	}
	return eh.collector.GetErrorStats()
}

// getLogEvent returns the appropriate zerolog event for severity. Critical
// errors are logged at error level; an adapter failure never exits the process.
func (eh *ErrorHandler) getLogEvent(severity Severity) *zerolog.Event {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return eh.logger.Error()
	case SeverityMedium:
		return eh.logger.Warn()
	case SeverityLow:
		return eh.logger.Info()
	case SeverityInfo:
		return eh.logger.Debug()
	default:
		return eh.logger.Info()
	}
}

// Helper functions for creating common error types

func NewConfigError(adapter string, cause error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Adapter:     adapter,
		ErrorType:   TypeConfiguration,
		Message:     "Configuration error occurred",
		Details:     details,
		Timestamp:   time.Now(),
		Severity:    SeverityHigh,
		Recoverable: false,
		Cause:       cause,
	}
}

func NewConnectionError(adapter string, endpoint string, cause error) *AdapterError {
	return &AdapterError{
		Adapter:   adapter,
		ErrorType: TypeConnection,
		Message:   fmt.Sprintf("Connection failed: %s", endpoint),
		Details: map[string]interface{}{
			"endpoint": endpoint,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityHigh,
		Recoverable: IsTransient(cause),
		Cause:       cause,
	}
}

func NewAuthError(adapter string, scheme string, cause error) *AdapterError {
	return &AdapterError{
		Adapter:   adapter,
		ErrorType: TypeAuthentication,
		Message:   fmt.Sprintf("Authentication failed using %s", scheme),
		Details: map[string]interface{}{
			"scheme": scheme,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityHigh,
		Recoverable: false,
		Cause:       cause,
	}
}

func NewPaginationError(adapter string, page int, cause error) *AdapterError {
	return &AdapterError{
		Adapter:   adapter,
		ErrorType: TypePagination,
		Message:   fmt.Sprintf("Fetching page %d failed", page),
		Details: map[string]interface{}{
			"page": page,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: IsTransient(cause),
		Cause:       cause,
	}
}

func NewParseError(adapter string, recordID string, cause error) *AdapterError {
	return &AdapterError{
		Adapter:   adapter,
		ErrorType: TypeParse,
		Message:   fmt.Sprintf("Could not map record %q", recordID),
		Details: map[string]interface{}{
			"record_id": recordID,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityLow,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewStorageError(adapter string, operation string, cause error) *AdapterError {
	return &AdapterError{
		Adapter:   adapter,
		ErrorType: TypeStorage,
		Message:   fmt.Sprintf("Storage operation failed: %s", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: IsTransient(cause),
		Cause:       cause,
	}
}

func NewActionError(action string, cause error) *AdapterError {
	return &AdapterError{
		Adapter:     action,
		ErrorType:   TypeAction,
		Message:     fmt.Sprintf("Action %s failed", action),
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}
