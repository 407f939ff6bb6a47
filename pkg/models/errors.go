package models

import (
	"errors"
	"fmt"
)

// Code is a stable, caller-facing error code.
type Code string

const (
	CodeAuthenticationRequired Code = "AUTHENTICATION_REQUIRED"
	CodeRateLimitExceeded      Code = "RATE_LIMIT_EXCEEDED"
	CodeBudgetExceeded         Code = "BUDGET_EXCEEDED"
	CodeSafetyViolation        Code = "SAFETY_VIOLATION"
	CodeModelUnavailable       Code = "MODEL_UNAVAILABLE"
	CodeEmergencyStop          Code = "EMERGENCY_STOP"
	CodeNetworkError           Code = "NETWORK_ERROR"
	CodeTimeoutError           Code = "TIMEOUT_ERROR"
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeUnknownError           Code = "UNKNOWN_ERROR"
)

var messages = map[Code]string{
	CodeAuthenticationRequired: "Authentication required to use AI features.",
	CodeRateLimitExceeded:      "Request rate limit exceeded. Please try again later.",
	CodeBudgetExceeded:         "Daily budget limit reached for this application.",
	CodeSafetyViolation:        "Content failed safety check. PHI exposure risk detected.",
	CodeModelUnavailable:       "The requested AI model is currently unavailable.",
	CodeEmergencyStop:          "Emergency stop activated due to unusual activity.",
	CodeNetworkError:           "Network error while contacting the AI provider.",
	CodeTimeoutError:           "The AI provider did not respond in time.",
	CodeInvalidRequest:         "Invalid request format or parameters.",
	CodeUnknownError:           "An internal error occurred. Please try again.",
}

// Message returns the user-facing message for a code.
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return messages[CodeUnknownError]
}

// Transient reports whether the dispatch engine may retry an error with this code.
func (c Code) Transient() bool {
	switch c {
	case CodeNetworkError, CodeTimeoutError, CodeModelUnavailable, CodeRateLimitExceeded:
		return true
	}
	return false
}

// Error is the typed error returned to gateway callers.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// RetryAfter is in seconds, set on rate limit errors.
	RetryAfter int `json:"retryAfter,omitempty"`
	// CurrentUsage and Limit are set on budget errors.
	CurrentUsage float64 `json:"currentUsage,omitempty"`
	Limit        float64 `json:"limit,omitempty"`
	// Window names the window that denied a rate limited request.
	Window WindowKind `json:"window,omitempty"`
	Scope  string     `json:"scope,omitempty"`

	Err error `json:"-"`
}

// NewError creates an Error with the standard message for code.
func NewError(code Code, cause error) *Error {
	return &Error{Code: code, Message: code.Message(), Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: c}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf extracts the Code from err, defaulting to UNKNOWN_ERROR.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknownError
}

// AsError converts any error into an *Error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(CodeUnknownError, err)
}
