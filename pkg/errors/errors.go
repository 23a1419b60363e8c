package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents room session error codes
type ErrorCode string

const (
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrCodeNotConnected      ErrorCode = "NOT_CONNECTED"
	ErrCodeAlreadyConnecting ErrorCode = "ALREADY_CONNECTING"
	ErrCodeSignalingFailed   ErrorCode = "SIGNALING_FAILED"
	ErrCodeMediaFailed       ErrorCode = "MEDIA_FAILED"
	ErrCodeConnectivityLost  ErrorCode = "CONNECTIVITY_LOST"
	ErrCodeRoomFull          ErrorCode = "ROOM_FULL"
	ErrCodeReconnectRejected ErrorCode = "RECONNECT_REJECTED"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// Kind groups codes by how they propagate: local kinds are returned to the
// caller and never retried, network kinds go through the recovery path.
type Kind int

const (
	KindPermission Kind = iota
	KindValidation
	KindSignaling
	KindMedia
	KindConnectivity
	KindFatal
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindValidation:
		return "validation"
	case KindSignaling:
		return "signaling"
	case KindMedia:
		return "media"
	case KindConnectivity:
		return "connectivity"
	case KindFatal:
		return "fatal"
	default:
		return "internal"
	}
}

// AppError represents a room session error with code and context
type AppError struct {
	Code       ErrorCode
	Kind       Kind
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the recovery path may retry the failed operation.
func (e *AppError) Retryable() bool {
	return e.Kind == KindMedia || e.Kind == KindConnectivity
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, kind Kind, message string) *AppError {
	return &AppError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		HTTPStatus: statusFor(code),
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, kind Kind, message string) *AppError {
	appErr := NewAppError(code, kind, message)
	appErr.Cause = err
	return appErr
}

func statusFor(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodePermissionDenied:
		return http.StatusForbidden
	case ErrCodeNotConnected, ErrCodeAlreadyConnecting:
		return http.StatusConflict
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRoomFull, ErrCodeReconnectRejected:
		return http.StatusServiceUnavailable
	case ErrCodeSignalingFailed, ErrCodeMediaFailed, ErrCodeConnectivityLost:
		return http.StatusBadGateway
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, KindValidation, message)
}

func NewPermissionError(message string) *AppError {
	return NewAppError(ErrCodePermissionDenied, KindPermission, message)
}

func NewNotConnectedError(operation string) *AppError {
	return NewAppError(ErrCodeNotConnected, KindValidation, fmt.Sprintf("%s requires a connected room", operation))
}

func NewSignalingError(operation string, cause error) *AppError {
	return WrapError(cause, ErrCodeSignalingFailed, KindSignaling, fmt.Sprintf("%s failed", operation))
}

func NewMediaError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeMediaFailed, KindMedia, message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, KindValidation, fmt.Sprintf("%s not found", resource))
}

func NewFatalError(code ErrorCode, message string) *AppError {
	return NewAppError(code, KindFatal, message)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether any AppError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}
