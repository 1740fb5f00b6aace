package errors

import (
	"errors"
	"fmt"
)

// Error types for different failure kinds
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeAccessDenied ErrorType = "access_denied"
	ErrorTypeIntegrity    ErrorType = "integrity"
	ErrorTypeEncryption   ErrorType = "encryption"
	ErrorTypeBackpressure ErrorType = "backpressure"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeTransient    ErrorType = "transient"
	ErrorTypePermanent    ErrorType = "permanent"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeExternal     ErrorType = "external"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewAccessDeniedError(reason string) *AppError {
	return &AppError{
		Type:       ErrorTypeAccessDenied,
		Code:       "ACCESS_DENIED",
		Message:    reason,
		Retryable:  false,
		StatusCode: 403,
	}
}

func NewIntegrityError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeIntegrity,
		Code:       "INTEGRITY_VIOLATION",
		Message:    message,
		Retryable:  false,
		StatusCode: 500,
	}
}

func NewEncryptionError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeEncryption,
		Code:       "ENCRYPTION_FAILED",
		Message:    message,
		Retryable:  false,
		StatusCode: 500,
	}
}

func NewBackpressureError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBackpressure,
		Code:       "BACKPRESSURE",
		Message:    message,
		Retryable:  true,
		StatusCode: 429,
	}
}

func NewTimeoutError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeTimeout,
		Code:       "DEADLINE_EXCEEDED",
		Message:    message,
		Retryable:  true,
		StatusCode: 504,
	}
}

func NewTransientError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeTransient,
		Code:       "TRANSIENT_FAILURE",
		Message:    message,
		Retryable:  true,
		StatusCode: 503,
	}
}

func NewPermanentError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypePermanent,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewExternalError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "EXTERNAL_SERVICE_ERROR",
		Message:    fmt.Sprintf("%s service error: %s", service, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"service": service},
	}
}

// Predefined common errors
var (
	ErrTaskNotFound     = NewNotFoundError("task")
	ErrAgentNotFound    = NewNotFoundError("agent")
	ErrEvidenceNotFound = NewNotFoundError("evidence")
	ErrEntryNotFound    = NewNotFoundError("context entry")
	ErrPipelineNotFound = NewNotFoundError("pipeline")
	ErrQueueFull        = NewBackpressureError("task queue is full")
	ErrAlreadyRunning   = NewConflictError("pipeline run already in progress")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// IsNotFound reports whether err represents a missing entity.
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
