package errors

import (
	"errors"
	"fmt"
	"net/http"

	"livecast/internal/core/domain"
)

// ErrorCode is the machine-readable code carried on error frames and
// HTTP error bodies.
type ErrorCode string

const (
	ErrCodeValidation        ErrorCode = "VALIDATION"
	ErrCodeCapacity          ErrorCode = "CAPACITY"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeNoRoom            ErrorCode = "NO_ROOM"
	ErrCodeRoomFull          ErrorCode = "ROOM_FULL"
	ErrCodeHostPresent       ErrorCode = "HOST_PRESENT"
	ErrCodeRoleMismatch      ErrorCode = "ROLE_MISMATCH"
	ErrCodeStateError        ErrorCode = "STATE_ERROR"
	ErrCodeTransportNotReady ErrorCode = "TRANSPORT_NOT_READY"
	ErrCodeAlreadyConsuming  ErrorCode = "ALREADY_CONSUMING"
	ErrCodeMediaWorker       ErrorCode = "MEDIA_WORKER"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
	ErrCodeFatal             ErrorCode = "FATAL"
)

// AppError carries a code, a human message and the HTTP status the
// control plane maps it to.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Cause: err}
}

func NewValidationError(message string) *AppError {
	return New(ErrCodeValidation, message, http.StatusBadRequest)
}

func NewCapacityError(message string) *AppError {
	return New(ErrCodeCapacity, message, http.StatusServiceUnavailable)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewMediaWorkerError(err error, message string) *AppError {
	return Wrap(err, ErrCodeMediaWorker, message, http.StatusInternalServerError)
}

func NewInternalError(message string) *AppError {
	return New(ErrCodeInternal, message, http.StatusInternalServerError)
}

// FromDomain translates a registry-level sentinel into the AppError the
// control plane and signaling layer report.
func FromDomain(err error) *AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrRoomNotFound):
		return New(ErrCodeNoRoom, "room not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrPeerNotFound):
		return New(ErrCodeNotFound, "peer not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrRoomCapacity):
		return New(ErrCodeCapacity, "room capacity exhausted", http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrRoomFull):
		return New(ErrCodeRoomFull, "room viewer cap reached", http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrHostPresent):
		return New(ErrCodeHostPresent, "room already has a host", http.StatusConflict)
	case errors.Is(err, domain.ErrRoleMismatch):
		return New(ErrCodeRoleMismatch, "operation not allowed for role", http.StatusForbidden)
	case errors.Is(err, domain.ErrTransportNotReady):
		return New(ErrCodeTransportNotReady, "transport not connected", http.StatusConflict)
	case errors.Is(err, domain.ErrWrongDirection):
		return New(ErrCodeStateError, "operation not valid for transport direction", http.StatusConflict)
	case errors.Is(err, domain.ErrAlreadyConsuming):
		return New(ErrCodeAlreadyConsuming, "already consuming this producer", http.StatusConflict)
	case errors.Is(err, domain.ErrCannotConsume):
		return New(ErrCodeMediaWorker, "producer not consumable with given capabilities", http.StatusConflict)
	case errors.Is(err, domain.ErrWorkerDead):
		return New(ErrCodeFatal, "media worker died", http.StatusInternalServerError)
	default:
		return Wrap(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// GetAppError extracts an AppError from an error chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
