// Package apperrors provides the application's error taxonomy.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	ErrCodeInvalidConfig      = "INVALID_CONFIG"
	ErrCodeReservedEnvKey     = "RESERVED_ENV_KEY"
	ErrCodeUnknownAgent       = "UNKNOWN_AGENT"
	ErrCodeUnknownSession     = "UNKNOWN_SESSION"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeMissingContainer   = "MISSING_CONTAINER"
	ErrCodeMissingConfig      = "MISSING_CONFIG"
	ErrCodeHostError          = "HOST_ERROR"
	ErrCodeWorkerError        = "WORKER_ERROR"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError represents an application-specific error carrying the HTTP status
// it should be reported as.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// InvalidConfig reports a malformed agent configuration document.
func InvalidConfig(message string) *AppError {
	return &AppError{Code: ErrCodeInvalidConfig, Message: message, HTTPStatus: http.StatusBadRequest}
}

// ReservedEnvKey reports an mcp_env entry colliding with a reserved key.
func ReservedEnvKey(key string) *AppError {
	return &AppError{Code: ErrCodeReservedEnvKey, Message: fmt.Sprintf("env key %q is reserved", key), HTTPStatus: http.StatusBadRequest}
}

// UnknownAgent reports an agent_id with no matching record.
func UnknownAgent(agentID string) *AppError {
	return &AppError{Code: ErrCodeUnknownAgent, Message: fmt.Sprintf("unknown agent %q", agentID), HTTPStatus: http.StatusNotFound}
}

// UnknownSession reports a session_id with no matching record.
func UnknownSession(sessionID string) *AppError {
	return &AppError{Code: ErrCodeUnknownSession, Message: fmt.Sprintf("unknown session %q", sessionID), HTTPStatus: http.StatusNotFound}
}

// Unauthorized reports a failed session token or API key check.
func Unauthorized(message string) *AppError {
	return &AppError{Code: ErrCodeUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// MissingContainer reports an agent record whose container no longer exists
// and cannot be recreated without a fresh api_key.
func MissingContainer(agentID string) *AppError {
	return &AppError{Code: ErrCodeMissingContainer, Message: fmt.Sprintf("container for agent %q is missing", agentID), HTTPStatus: http.StatusConflict}
}

// MissingConfig reports an agent record whose stored config document is gone.
func MissingConfig(agentID string) *AppError {
	return &AppError{Code: ErrCodeMissingConfig, Message: fmt.Sprintf("config for agent %q is missing", agentID), HTTPStatus: http.StatusConflict}
}

// HostError reports a failure from the container host (Docker Engine API).
func HostError(message string, err error) *AppError {
	return &AppError{Code: ErrCodeHostError, Message: message, HTTPStatus: http.StatusBadGateway, Err: err}
}

// WorkerError reports a non-2xx or transport failure talking to a worker.
func WorkerError(message string, err error) *AppError {
	return &AppError{Code: ErrCodeWorkerError, Message: message, HTTPStatus: http.StatusBadGateway, Err: err}
}

// BadRequest creates a generic bad request error.
func BadRequest(message string) *AppError {
	return &AppError{Code: ErrCodeBadRequest, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Conflict creates a generic conflict error.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// InternalError wraps an unexpected error.
func InternalError(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// ServiceUnavailable reports a dependency that is temporarily down.
func ServiceUnavailable(service string) *AppError {
	return &AppError{Code: ErrCodeServiceUnavailable, Message: fmt.Sprintf("service %q is currently unavailable", service), HTTPStatus: http.StatusServiceUnavailable}
}

// Wrap wraps err with additional context, preserving its AppError code/status if present.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return &AppError{Code: ErrCodeInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Is reports whether err is an AppError with the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for err, defaulting to 500.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
