package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a unique error code for categorizing errors
type ErrorCode string

const (
	// Connection errors (1xxx)
	ErrCodeConnectionFailed     ErrorCode = "MLE1001"
	ErrCodeConnectionTimeout    ErrorCode = "MLE1002"
	ErrCodeAuthenticationFailed ErrorCode = "MLE1003"
	ErrCodeNetworkUnavailable   ErrorCode = "MLE1004"

	// Configuration errors (2xxx)
	ErrCodeConfigInvalid ErrorCode = "MLE2002"
	ErrCodeConfigMissing ErrorCode = "MLE2003"
	ErrCodeCredentials   ErrorCode = "MLE2004"

	// Pipeline errors (3xxx)
	ErrCodeTaskFailed       ErrorCode = "MLE3001"
	ErrCodeRunLocked        ErrorCode = "MLE3003"
	ErrCodeAlreadySucceeded ErrorCode = "MLE3004"
	ErrCodeInvalidGraph     ErrorCode = "MLE3005"
	ErrCodeRunCancelled     ErrorCode = "MLE3006"

	// SQL execution errors (4xxx)
	ErrCodeSQLSyntax         ErrorCode = "MLE4001"
	ErrCodeSQLPermission     ErrorCode = "MLE4002"
	ErrCodeSQLTimeout        ErrorCode = "MLE4003"
	ErrCodeSQLObjectNotFound ErrorCode = "MLE4005"
	ErrCodeSQLExecution      ErrorCode = "MLE4006"
	ErrCodeNoResults         ErrorCode = "MLE4008"

	// File system errors (5xxx)
	ErrCodeFileOperation ErrorCode = "MLE5005"

	// Validation errors (6xxx)
	ErrCodeValidationFailed ErrorCode = "MLE6001"
	ErrCodeInvalidInput     ErrorCode = "MLE6002"

	// System errors (9xxx)
	ErrCodeInternal           ErrorCode = "MLE9001"
	ErrCodeTimeout            ErrorCode = "MLE9002"
	ErrCodeResourceExhausted  ErrorCode = "MLE9003"
	ErrCodeServiceUnavailable ErrorCode = "MLE9004"
	ErrCodeNotFound           ErrorCode = "MLE9008"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "CRITICAL" // run aborted, warehouse may be partially updated
	SeverityError    ErrorSeverity = "ERROR"
	SeverityWarning  ErrorSeverity = "WARNING"
)

// AppError represents a structured application error with context
type AppError struct {
	Code        ErrorCode
	Message     string
	Severity    ErrorSeverity
	Context     map[string]interface{}
	Cause       error
	Stack       string
	Timestamp   time.Time
	Recoverable bool
	Suggestions []string
}

// Error implements the error interface
func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] %s: %s", e.Code, e.Severity, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\nCaused by: %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\nSuggestions:")
		for i, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  %d. %s", i+1, suggestion))
		}
	}

	return b.String()
}

// Unwrap returns the cause of the error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison by code
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  SeverityError,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
		Timestamp: time.Now(),
	}
}

// Wrap wraps an existing error with AppError
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	appErr := New(code, message)
	appErr.Cause = err

	// Inherit context from a wrapped AppError
	var ae *AppError
	if errors.As(err, &ae) {
		for k, v := range ae.Context {
			appErr.Context[k] = v
		}
	}

	return appErr
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity sets the error severity
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	return e
}

// WithSuggestions adds recovery suggestions
func (e *AppError) WithSuggestions(suggestions ...string) *AppError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// AsRecoverable marks the error as recoverable
func (e *AppError) AsRecoverable() *AppError {
	e.Recoverable = true
	return e
}

func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			b.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}

	return b.String()
}

// Common error constructors

// ConnectionError creates a connection-related error
func ConnectionError(message string, cause error) *AppError {
	return Wrap(cause, ErrCodeConnectionFailed, message).
		WithSeverity(SeverityError).
		WithSuggestions(
			"Check your network connection",
			"Verify the Snowflake account identifier",
			"Check firewall settings",
		)
}

// ConfigError creates a configuration-related error
func ConfigError(message string, field string) *AppError {
	return New(ErrCodeConfigInvalid, message).
		WithContext("field", field).
		WithSuggestions(
			fmt.Sprintf("Check the '%s' configuration value", field),
			"Run 'monthlyload config init' to write a default configuration",
		)
}

// SQLError creates an SQL execution error
func SQLError(message string, query string, cause error) *AppError {
	err := Wrap(cause, ErrCodeSQLExecution, message).
		WithContext("query", truncateString(query, 200))

	causeText := ""
	if cause != nil {
		causeText = strings.ToLower(cause.Error())
	}

	switch {
	case strings.Contains(causeText, "insufficient privileges") || strings.Contains(causeText, "access denied"):
		err.Code = ErrCodeSQLPermission
		_ = err.WithSuggestions(
			"Verify the role has INSERT/MERGE privileges on the target tables",
			"Verify the role can read the staging schema",
		)
	case strings.Contains(causeText, "does not exist") || strings.Contains(causeText, "not authorized"):
		err.Code = ErrCodeSQLObjectNotFound
		_ = err.WithSuggestions(
			"Run 'monthlyload schema init' to create the warehouse tables",
			"Check the fully qualified names under 'tables' in the configuration",
		)
	case strings.Contains(causeText, "syntax error"):
		err.Code = ErrCodeSQLSyntax
	case strings.Contains(causeText, "timeout") || strings.Contains(causeText, "context deadline exceeded"):
		err.Code = ErrCodeSQLTimeout
		_ = err.WithSuggestions(
			"Increase snowflake.timeout",
			"Check the warehouse size",
		)
	}

	return err
}

// TaskError wraps the failure of a pipeline task.
func TaskError(taskID string, cause error) *AppError {
	err := Wrap(cause, ErrCodeTaskFailed, fmt.Sprintf("Task %s failed", taskID)).
		WithContext("task", taskID).
		WithSeverity(SeverityCritical).
		WithSuggestions(
			"Statements committed before the failure are kept",
			"Re-run the month with 'monthlyload run --date <logical date> --rerun' after fixing the cause",
		)
	return err
}

// ValidationError creates a validation error
func ValidationError(field string, value interface{}, reason string) *AppError {
	return New(ErrCodeValidationFailed, fmt.Sprintf("Validation failed for %s: %s", field, reason)).
		WithContext("field", field).
		WithContext("value", value).
		WithSeverity(SeverityWarning)
}

// IsRecoverable checks if an error is recoverable
func IsRecoverable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Recoverable
	}
	return false
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if ae, ok := err.(*AppError); ok && ae.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
