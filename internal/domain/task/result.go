package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
)

// ErrorKind classifies an execution failure for retry decisions.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
	ErrorKindFatal     ErrorKind = "fatal"
	ErrorKindCancelled ErrorKind = "cancelled"
)

// Retryable reports whether the scheduler should re-enqueue on this kind.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTimeout || k == ErrorKindTransient
}

// ClassifyError maps an execution error to a retry kind. Timeouts and
// transient/external errors are retryable; everything else is permanent.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.IsType(err, errors.ErrorTypeTimeout):
		return ErrorKindTimeout
	case errors.IsType(err, errors.ErrorTypeTransient),
		errors.IsType(err, errors.ErrorTypeExternal),
		errors.IsType(err, errors.ErrorTypeBackpressure):
		return ErrorKindTransient
	case errors.IsType(err, errors.ErrorTypeIntegrity),
		errors.IsType(err, errors.ErrorTypeEncryption):
		return ErrorKindFatal
	default:
		return ErrorKindPermanent
	}
}

// Result is the immutable outcome of one task execution attempt chain.
type Result struct {
	TaskID         uuid.UUID              `json:"task_id"`
	Success        bool                   `json:"success"`
	Output         map[string]interface{} `json:"output,omitempty"`
	ErrorKind      ErrorKind              `json:"error_kind,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	ProcessingTime time.Duration          `json:"processing_time"`
	EvidenceRefs   []string               `json:"evidence_refs,omitempty"`
	Attempts       int                    `json:"attempts"`
	CompletedAt    time.Time              `json:"completed_at"`
}

// NewSuccessResult builds the result for a completed task.
func NewSuccessResult(taskID uuid.UUID, output map[string]interface{}, evidenceRefs []string, elapsed time.Duration, attempts int) *Result {
	return &Result{
		TaskID:         taskID,
		Success:        true,
		Output:         output,
		EvidenceRefs:   evidenceRefs,
		ProcessingTime: elapsed,
		Attempts:       attempts,
		CompletedAt:    time.Now().UTC(),
	}
}

// NewFailureResult builds the result for a failed or cancelled task.
func NewFailureResult(taskID uuid.UUID, kind ErrorKind, message string, elapsed time.Duration, attempts int) *Result {
	return &Result{
		TaskID:         taskID,
		Success:        false,
		ErrorKind:      kind,
		ErrorMessage:   message,
		ProcessingTime: elapsed,
		Attempts:       attempts,
		CompletedAt:    time.Now().UTC(),
	}
}
