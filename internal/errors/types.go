package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeConfig   ErrorType = "config"
	ErrorTypeWatcher  ErrorType = "watcher"
	ErrorTypeWorker   ErrorType = "worker"
	ErrorTypeCleanup  ErrorType = "cleanup"
	ErrorTypeIO       ErrorType = "io"
	ErrorTypeInternal ErrorType = "internal"
)

// Error codes used across pock.
const (
	CodeWatchTargetMissing = "WATCH_TARGET_MISSING"
	CodeWatcherFailure     = "WATCHER_FAILURE"
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeSpawnFailed        = "SPAWN_FAILED"
	CodeHandshakeFailed    = "HANDSHAKE_FAILED"
	CodeWorkerCrashed      = "WORKER_CRASHED"
	CodeWorkerFatal        = "WORKER_FATAL"
	CodeCleanupFailed      = "CLEANUP_FAILED"
	CodeRouteFileNotFound  = "ROUTE_FILE_NOT_FOUND"
	CodeServerFailed       = "SERVER_FAILED"
)

// PockError is a structured error type with context.
type PockError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Component   string
	FilePath    string
	Recoverable bool
}

// Error implements the error interface.
func (e *PockError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Component != "" {
		parts = append(parts, "component:"+e.Component)
	}

	if e.FilePath != "" {
		parts = append(parts, e.FilePath)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *PockError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *PockError) Is(target error) bool {
	var t *PockError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *PockError) WithContext(key string, value interface{}) *PockError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithPath adds file location information.
func (e *PockError) WithPath(filePath string) *PockError {
	e.FilePath = filePath

	return e
}

// WithComponent adds component context.
func (e *PockError) WithComponent(component string) *PockError {
	e.Component = component

	return e
}

// Error creation functions

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *PockError {
	return &PockError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewWatcherError creates a file watcher error. A watcher that failed cannot be
// trusted to report further changes, so these are never recoverable.
func NewWatcherError(code, message string, cause error) *PockError {
	return &PockError{
		Type:        ErrorTypeWatcher,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewWorkerError creates a worker lifecycle error.
func NewWorkerError(code, message string, cause error) *PockError {
	return &PockError{
		Type:        ErrorTypeWorker,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: code == CodeWorkerCrashed,
	}
}

// NewCleanupError creates a cleanup error.
func NewCleanupError(message string, cause error) *PockError {
	return &PockError{
		Type:        ErrorTypeCleanup,
		Code:        CodeCleanupFailed,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *PockError {
	return &PockError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *PockError {
	return &PockError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// ExitError carries an exit status that should become the process's own.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode extracts the exit status carried by err, if any.
func ExitCode(err error) (int, bool) {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code, true
	}

	return 0, false
}

// Error recovery and handling utilities

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var pe *PockError
	if errors.As(err, &pe) {
		return pe.Recoverable
	}

	return false
}

// IsConfigError checks if an error is configuration-related.
func IsConfigError(err error) bool {
	return hasType(err, ErrorTypeConfig)
}

// IsWatcherError checks if an error came from the file watcher.
func IsWatcherError(err error) bool {
	return hasType(err, ErrorTypeWatcher)
}

// IsWorkerError checks if an error came from worker lifecycle handling.
func IsWorkerError(err error) bool {
	return hasType(err, ErrorTypeWorker)
}

func hasType(err error, t ErrorType) bool {
	var pe *PockError
	if errors.As(err, &pe) {
		return pe.Type == t
	}

	return false
}

// ErrorHandler provides centralized error handling.
type ErrorHandler struct {
	logger Logger
}

// Logger interface for error logging.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
	}
}

// Handle logs an error at a level matching its recoverability.
func (h *ErrorHandler) Handle(ctx context.Context, err error) {
	if err == nil {
		return
	}

	var pe *PockError
	if errors.As(err, &pe) {
		h.handlePockError(ctx, pe)
	} else {
		h.logger.Error(ctx, err, "Unhandled error")
	}
}

func (h *ErrorHandler) handlePockError(ctx context.Context, err *PockError) {
	details := GetErrorContext(err)
	fields := make([]interface{}, 0, 2*len(details))
	for k, v := range details {
		fields = append(fields, k, v)
	}

	if err.Recoverable {
		h.logger.Warn(ctx, err, err.Message, fields...)
		return
	}
	h.logger.Error(ctx, err, err.Message, fields...)
}
