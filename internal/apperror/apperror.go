// Package apperror defines the error values shared by every layer of the runner.
//
// ERROR KINDS:
// Failures that cross the worker channel travel as a {kind, message} pair.
// The kind is a stable string ("ExecutionTimeout", "ChannelFault", ...) and each
// kind has a sentinel error below. On the controller side FromFailure turns the
// pair back into an *AppError, so callers can still use errors.Is:
//
//	_, err := ctrl.Submit(ctx, req)
//	if errors.Is(err, apperror.ErrRequestTimeout) { ... }
//
// Callers never need to switch on Go types. A single *AppError type carries
// every kind.
package apperror

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("Validation Error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")

	ErrUnsupportedLanguage   = errors.New("unsupported language")
	ErrExecutionTimeout      = errors.New("execution timeout")
	ErrExecutionError        = errors.New("execution error")
	ErrRequestTimeout        = errors.New("request timeout")
	ErrChannelFault          = errors.New("channel fault")
	ErrChannelTerminated     = errors.New("channel terminated")
	ErrChannelCreationFailed = errors.New("channel creation failed")
)

// Wire names of the execution error kinds.
const (
	KindUnsupportedLanguage   = "UnsupportedLanguage"
	KindExecutionTimeout      = "ExecutionTimeout"
	KindExecutionError        = "ExecutionError"
	KindRequestTimeout        = "RequestTimeout"
	KindChannelFault          = "ChannelFault"
	KindChannelTerminated     = "ChannelTerminated"
	KindChannelCreationFailed = "ChannelCreationFailed"
)

var kindSentinels = map[string]error{
	KindUnsupportedLanguage:   ErrUnsupportedLanguage,
	KindExecutionTimeout:      ErrExecutionTimeout,
	KindExecutionError:        ErrExecutionError,
	KindRequestTimeout:        ErrRequestTimeout,
	KindChannelFault:          ErrChannelFault,
	KindChannelTerminated:     ErrChannelTerminated,
	KindChannelCreationFailed: ErrChannelCreationFailed,
}

type AppError struct {
	Err     error  // actual error
	Kind    string // Wire kind for execution failures, empty otherwise
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized returns an AppError for missing or invalid credentials.
// HTTP handlers map this to 401 Unauthorized.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// UnsupportedLanguage is produced by the dispatcher for a language outside the fixed set.
func UnsupportedLanguage(language string) *AppError {
	return newKind(KindUnsupportedLanguage, fmt.Sprintf("unsupported language: %s", language))
}

// ExecutionTimeout is produced by the dispatcher when its timer beats the executor.
func ExecutionTimeout(timeout time.Duration) *AppError {
	return newKind(KindExecutionTimeout, fmt.Sprintf("execution timed out after %dms", timeout.Milliseconds()))
}

// ExecutionError wraps a failure raised by a language executor.
func ExecutionError(message string) *AppError {
	return newKind(KindExecutionError, message)
}

// RequestTimeout is produced by the controller's outer timer.
func RequestTimeout(timeout time.Duration) *AppError {
	return newKind(KindRequestTimeout, fmt.Sprintf("request timed out after %dms", timeout.Milliseconds()))
}

// ChannelFault reports a channel-level failure not attributable to one request.
func ChannelFault(message string) *AppError {
	return newKind(KindChannelFault, "channel fault: "+message)
}

// ChannelTerminated is returned for requests failed by, or submitted after, teardown.
func ChannelTerminated() *AppError {
	return newKind(KindChannelTerminated, "channel terminated")
}

// ChannelCreationFailed wraps the error that prevented the channel from starting.
func ChannelCreationFailed(err error) *AppError {
	return &AppError{
		Err:     fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
		Kind:    KindChannelCreationFailed,
		Message: "failed to create channel: " + err.Error(),
	}
}

// FromFailure rebuilds an error from a {kind, message} pair received over the wire.
// Unknown kinds are treated as execution errors so that no failure is lost.
func FromFailure(kind, message string) *AppError {
	if _, ok := kindSentinels[kind]; !ok {
		kind = KindExecutionError
	}
	return newKind(kind, message)
}

// KindOf returns the wire kind carried by err, or "" when err is not an execution failure.
func KindOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

func newKind(kind, message string) *AppError {
	return &AppError{
		Err:     kindSentinels[kind],
		Kind:    kind,
		Message: message,
	}
}
