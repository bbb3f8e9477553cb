package types

import "fmt"

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Pipeline error codes
const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrStageNotFound    ErrorCode = "STAGE_NOT_FOUND"
	ErrStageFailed      ErrorCode = "STAGE_FAILED"
	ErrStepLimit        ErrorCode = "STEP_LIMIT_EXCEEDED"
	ErrSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionActive    ErrorCode = "SESSION_ACTIVE"
	ErrNoPendingReview  ErrorCode = "NO_PENDING_REVIEW"
	ErrInvalidFeedback  ErrorCode = "INVALID_FEEDBACK"
	ErrCheckpointLoad   ErrorCode = "CHECKPOINT_LOAD"
	ErrCheckpointSave   ErrorCode = "CHECKPOINT_SAVE"
	ErrModelUnavailable ErrorCode = "MODEL_UNAVAILABLE"
	ErrModelResponse    ErrorCode = "MODEL_RESPONSE"
	ErrCatalogLoad      ErrorCode = "CATALOG_LOAD"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
	ErrCancelled        ErrorCode = "CANCELLED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Stage      StageID   `json:"stage,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStage tags the error with the stage it came from.
func (e *Error) WithStage(stage StageID) *Error {
	e.Stage = stage
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
