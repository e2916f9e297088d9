package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeExecution       = "EXECUTION_ERROR"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeStore           = "STORE_ERROR"
	ErrCodeAssertionFailed = "ASSERTION_FAILED"
)

// Template resolution error codes. One per failure kind so callers can react
// to individual broken expressions rather than a single generic failure.
const (
	ErrCodeMalformedExpression   = "MALFORMED_EXPRESSION"
	ErrCodeUnknownResponseAlias  = "UNKNOWN_RESPONSE_ALIAS"
	ErrCodeUnknownProcessedAlias = "UNKNOWN_PROCESSED_ALIAS"
	ErrCodeUnknownParameter      = "UNKNOWN_PARAMETER"
	ErrCodeUnknownEnvVariable    = "UNKNOWN_ENVIRONMENT_VARIABLE"
	ErrCodeUnknownFunction       = "UNKNOWN_FUNCTION"
	ErrCodeInvalidFunctionArgs   = "INVALID_FUNCTION_ARGUMENTS"
	ErrCodeTemplateResolution    = "TEMPLATE_RESOLUTION"
)

// TestPilotError is the structured error type for all Test-Pilot operations.
type TestPilotError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepAlias string         `json:"step_alias,omitempty"`
	Cause     error          `json:"-"`
}

func (e *TestPilotError) Error() string {
	if e.StepAlias != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepAlias, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *TestPilotError) Unwrap() error {
	return e.Cause
}

// NewError creates a new TestPilotError.
func NewError(code, message string) *TestPilotError {
	return &TestPilotError{Code: code, Message: message}
}

// NewErrorf creates a new TestPilotError with a formatted message.
func NewErrorf(code, format string, args ...any) *TestPilotError {
	return &TestPilotError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step alias to the error.
func (e *TestPilotError) WithStep(alias string) *TestPilotError {
	e.StepAlias = alias
	return e
}

// WithCause attaches an underlying cause.
func (e *TestPilotError) WithCause(err error) *TestPilotError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *TestPilotError) WithDetails(details map[string]any) *TestPilotError {
	e.Details = details
	return e
}
