package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a specific error type for chat operations.
type ErrorCode string

const (
	// ErrCodeNotFoundOrForbidden indicates the conversation does not exist or belongs to someone else.
	ErrCodeNotFoundOrForbidden ErrorCode = "NOT_FOUND_OR_FORBIDDEN"
	// ErrCodeInvalidArgument indicates invalid input parameters.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrCodeGenerationFailure indicates the assistant could not produce a reply.
	ErrCodeGenerationFailure ErrorCode = "GENERATION_FAILURE"
	// ErrCodeTransportInterrupted indicates the stream broke before it completed.
	ErrCodeTransportInterrupted ErrorCode = "TRANSPORT_INTERRUPTED"
	// ErrCodeTurnInProgress indicates another turn is already streaming in the conversation.
	ErrCodeTurnInProgress ErrorCode = "TURN_IN_PROGRESS"
	// ErrCodeStorageUnavailable indicates the conversation store failed.
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	// ErrCodeUnauthorized indicates authentication failure.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// ErrCodeRateLimitExceeded indicates rate limit has been exceeded.
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	// ErrCodeServiceUnavailable indicates the service is not available.
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// ErrCodeContextCanceled indicates the operation was canceled.
	ErrCodeContextCanceled ErrorCode = "CONTEXT_CANCELED"
	// ErrCodeTimeout indicates the operation timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
)

// HTTPStatus maps a code to the status used for JSON error responses.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrCodeNotFoundOrForbidden:
		return http.StatusNotFound
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeTurnInProgress:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrCodeServiceUnavailable, ErrCodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeContextCanceled:
		// nginx's "client closed request"; nobody reads it but logs stay honest.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// ChatError represents a structured error for chat operations.
type ChatError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ChatError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *ChatError) WithContext(key string, value any) *ChatError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Convenience constructors for common error types.

// NotFoundOrForbidden creates a not-found-or-forbidden error.
func NotFoundOrForbidden(cause error) *ChatError {
	return &ChatError{Code: ErrCodeNotFoundOrForbidden, Message: "conversation not found", Cause: cause}
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(msg string) *ChatError {
	return &ChatError{Code: ErrCodeInvalidArgument, Message: msg}
}

// GenerationFailure creates a generation failure error.
func GenerationFailure(msg string, cause error) *ChatError {
	return &ChatError{Code: ErrCodeGenerationFailure, Message: msg, Cause: cause}
}

// TurnInProgress creates a turn-in-progress error.
func TurnInProgress() *ChatError {
	return &ChatError{Code: ErrCodeTurnInProgress, Message: "a reply is already being generated for this conversation"}
}

// StorageUnavailable creates a storage error.
func StorageUnavailable(cause error) *ChatError {
	return &ChatError{Code: ErrCodeStorageUnavailable, Message: "conversation store unavailable", Cause: cause}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(msg string) *ChatError {
	return &ChatError{Code: ErrCodeUnauthorized, Message: msg}
}

// RateLimitExceeded creates a rate limit exceeded error.
func RateLimitExceeded(msg string) *ChatError {
	return &ChatError{Code: ErrCodeRateLimitExceeded, Message: msg}
}

// ServiceUnavailable creates a service unavailable error.
func ServiceUnavailable(msg string) *ChatError {
	return &ChatError{Code: ErrCodeServiceUnavailable, Message: msg}
}

// ContextCanceled creates a context canceled error.
func ContextCanceled(cause error) *ChatError {
	return &ChatError{Code: ErrCodeContextCanceled, Message: "operation canceled", Cause: cause}
}

// Timeout creates a timeout error.
func Timeout(msg string) *ChatError {
	return &ChatError{Code: ErrCodeTimeout, Message: msg}
}

// Wrap wraps an existing error with additional context.
func Wrap(cause error, code ErrorCode, msg string) *ChatError {
	return &ChatError{Code: code, Message: msg, Cause: cause}
}

// IsCode checks if an error is of a specific code.
func IsCode(err error, code ErrorCode) bool {
	var chatErr *ChatError
	return errors.As(err, &chatErr) && chatErr.Code == code
}

// GetCodeFromError extracts the error code from any error.
// Returns the provided default code if the error is not a ChatError.
func GetCodeFromError(err error, defaultCode ErrorCode) ErrorCode {
	var chatErr *ChatError
	if errors.As(err, &chatErr) {
		return chatErr.Code
	}
	return defaultCode
}
