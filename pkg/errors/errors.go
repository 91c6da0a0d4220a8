// Package errors provides structured error handling for tabflow.
// It implements errors with codes, context, and stack traces.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Error codes for programmatic handling
type Code string

const (
	// Input errors (1xx)
	CodeFileNotFound   Code = "E101"
	CodeFilePermission Code = "E102"
	CodeStageConflict  Code = "E103"

	// Parse and validation errors (2xx)
	CodeParseFailed         Code = "E201"
	CodeMissingColumn       Code = "E202"
	CodeTypeMismatch        Code = "E203"
	CodeTimestampOutOfRange Code = "E204"
	CodeSchemaUnknown       Code = "E205"

	// Artifact errors (3xx)
	CodeWriteFailed      Code = "E301"
	CodeArtifactMissing  Code = "E302"
	CodeArtifactMismatch Code = "E303"

	// Service errors (4xx)
	CodeRequestRejected    Code = "E401"
	CodeServiceUnavailable Code = "E402"
	CodeTimeout            Code = "E403"
	CodeContextCanceled    Code = "E404"

	// Storage errors (5xx)
	CodeStorageInit  Code = "E501"
	CodeStorageQuery Code = "E502"
	CodeStorageWrite Code = "E503"

	// Scheduler errors (6xx)
	CodeRetryExhausted Code = "E601"
	CodeJobFailed      Code = "E602"

	// Unknown
	CodeUnknown Code = "E999"
)

// TabflowError is the base error type for all tabflow errors.
type TabflowError struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *TabflowError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" (")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, v))
			first = false
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *TabflowError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target error.
func (e *TabflowError) Is(target error) bool {
	if t, ok := target.(*TabflowError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *TabflowError) WithContext(key string, value interface{}) *TabflowError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new TabflowError.
func New(code Code, message string) *TabflowError {
	return &TabflowError{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code Code, message string) *TabflowError {
	if err == nil {
		return nil
	}

	return &TabflowError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *TabflowError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// captureStack captures the current stack trace.
func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *TabflowError) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// ParseError creates a file-level parse error. The file is rejected whole.
func ParseError(path string, err error) *TabflowError {
	return Wrap(err, CodeParseFailed, "parse error").
		WithContext("path", path)
}

// MissingColumn creates a missing column error.
func MissingColumn(column string, available []string) *TabflowError {
	return New(CodeMissingColumn, "required column not found").
		WithContext("column", column).
		WithContext("available", available)
}

// RequestRejected creates a non-retryable request error from an HTTP status.
func RequestRejected(status int, body string) *TabflowError {
	return New(CodeRequestRejected, "request rejected").
		WithContext("status", status).
		WithContext("body", body)
}

// ServiceUnavailable creates a retryable service error from an HTTP status.
func ServiceUnavailable(status int) *TabflowError {
	return New(CodeServiceUnavailable, "service unavailable").
		WithContext("status", status)
}

// ArtifactMismatch creates a verification failure error.
func ArtifactMismatch(path, detail string) *TabflowError {
	return New(CodeArtifactMismatch, "artifact does not match job record").
		WithContext("path", path).
		WithContext("detail", detail)
}

// ContextCanceled creates a cancellation error.
func ContextCanceled(operation string) *TabflowError {
	return New(CodeContextCanceled, "operation canceled").
		WithContext("operation", operation)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var tfErr *TabflowError
	if errors.As(err, &tfErr) {
		return tfErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var tfErr *TabflowError
	if errors.As(err, &tfErr) {
		return tfErr.Code
	}
	return CodeUnknown
}

// IsRetryable returns true if the error is transient: a retry with backoff
// may succeed. Timeouts are treated identically to 5xx responses.
func IsRetryable(err error) bool {
	code := GetCode(err)
	switch code {
	case CodeServiceUnavailable, CodeTimeout, CodeArtifactMissing, CodeArtifactMismatch:
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error is terminal for the current job or file.
func IsFatal(err error) bool {
	code := GetCode(err)
	switch code {
	case CodeRequestRejected, CodeParseFailed, CodeRetryExhausted, CodeJobFailed:
		return true
	default:
		return false
	}
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
