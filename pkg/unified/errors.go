package unified

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError is returned when the platform could not be reached or
// answered with a non-2xx status. StatusCode is zero when no response was
// received.
type TransportError struct {
	StatusCode int
	Message    string

	// Body is the response body, truncated.
	Body []byte

	Err error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transport error: %s", e.Message)
	}
	return fmt.Sprintf("platform returned %d: %s", e.StatusCode, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the platform rejected the credential.
func (e *TransportError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// Temporary reports whether retrying the same request may succeed.
func (e *TransportError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// MappingError is returned when a response cannot be mapped with the
// definition's response paths.
type MappingError struct {
	Path    string
	Message string
}

func (e *MappingError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("mapping error: %s", e.Message)
	}
	return fmt.Sprintf("mapping error at %s: %s", e.Path, e.Message)
}

// RequestError is returned when a definition and request cannot be turned
// into an outbound call, e.g. a path placeholder without a value.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Message)
}

func requestErrorf(format string, args ...interface{}) error {
	return &RequestError{Message: fmt.Sprintf(format, args...)}
}

// AsTransportError returns the TransportError in err's chain.
func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
