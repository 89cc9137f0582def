package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openunify/openunify/pkg/credentials"
	"github.com/openunify/openunify/pkg/sandbox"
	"github.com/openunify/openunify/pkg/stores"
	"github.com/openunify/openunify/pkg/unified"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, 5xx responses.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by the platform.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a concurrent write to the same record.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassCredential indicates the credential was rejected, revoked,
	// expired or could not be refreshed.
	ErrorClassCredential ErrorClass = "credential"

	// ErrorClassSandbox indicates an authentication script failed.
	ErrorClassSandbox ErrorClass = "sandbox"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid definition, missing path param, unmappable response.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Platform is the platform being called, if applicable.
	Platform string `json:"platform,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Platform != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (platform=%s, operation=%s): %s",
			e.Class, e.Message, e.Platform, e.Operation, e.unwrapMessage())
	}
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation=%s): %s",
			e.Class, e.Message, e.Operation, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Wrap classifies err and wraps it with the operation and platform it
// occurred in. A nil err stays nil.
func Wrap(operation, platform string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}
	return &EngineError{
		Class:     Classify(err),
		Message:   operation + " failed",
		Code:      codeOf(err),
		Platform:  platform,
		Operation: operation,
		Err:       err,
	}
}

// Classify returns the class of err by inspecting its chain.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Class
	}

	// A refresh that failed because the token endpoint was unavailable
	// classifies like that failure; any other credential error does not.
	var ce *credentials.Error
	if errors.As(err, &ce) {
		var te *unified.TransportError
		if errors.As(ce.Err, &te) && te.Temporary() {
			return classifyTransport(te)
		}
		return ErrorClassCredential
	}

	var te *unified.TransportError
	if errors.As(err, &te) {
		return classifyTransport(te)
	}

	var se *sandbox.Error
	if errors.As(err, &se) {
		return ErrorClassSandbox
	}

	switch {
	case errors.Is(err, stores.ErrStaleVersion):
		return ErrorClassConflict
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

func classifyTransport(te *unified.TransportError) ErrorClass {
	switch {
	case te.StatusCode == http.StatusUnauthorized || te.StatusCode == http.StatusForbidden:
		return ErrorClassCredential
	case te.StatusCode == http.StatusTooManyRequests:
		return ErrorClassThrottled
	case te.Temporary():
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return Classify(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return Classify(err) == ErrorClassThrottled
}

// IsCredential returns true if the error is classified as a credential failure.
func IsCredential(err error) bool {
	return Classify(err) == ErrorClassCredential
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	}
	return false
}

// Common error codes.
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeRequest           = "REQUEST_ERROR"
	ErrCodeMapping           = "MAPPING_ERROR"
	ErrCodeHTTP              = "HTTP_ERROR"
	ErrCodeNetwork           = "NETWORK_ERROR"
	ErrCodeRefreshFailed     = "REFRESH_FAILED"
	ErrCodeRevoked           = "REVOKED"
	ErrCodeExpired           = "EXPIRED"
	ErrCodeSandboxTimeout    = "SANDBOX_TIMEOUT"
	ErrCodeContractViolation = "CONTRACT_VIOLATION"
	ErrCodeScriptThrow       = "SCRIPT_THROW"
)

func codeOf(err error) string {
	var (
		te *unified.TransportError
		me *unified.MappingError
		re *unified.RequestError
		ce *credentials.Error
		se *sandbox.Error
	)
	switch {
	case errors.As(err, &ce):
		switch ce.Kind {
		case credentials.KindRevoked:
			return ErrCodeRevoked
		case credentials.KindExpired:
			return ErrCodeExpired
		}
		return ErrCodeRefreshFailed
	case errors.As(err, &te):
		if te.StatusCode == 0 {
			return ErrCodeNetwork
		}
		return ErrCodeHTTP
	case errors.As(err, &me):
		return ErrCodeMapping
	case errors.As(err, &re):
		return ErrCodeRequest
	case errors.As(err, &se):
		switch se.Kind {
		case sandbox.KindTimeout:
			return ErrCodeSandboxTimeout
		case sandbox.KindContractViolation:
			return ErrCodeContractViolation
		}
		return ErrCodeScriptThrow
	case errors.Is(err, stores.ErrNotFound):
		return ErrCodeNotFound
	}
	return ""
}
