package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/openunify/openunify/pkg/credentials"
	"github.com/openunify/openunify/pkg/sandbox"
	"github.com/openunify/openunify/pkg/stores"
	"github.com/openunify/openunify/pkg/unified"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		expected  ErrorClass
		retryable bool
	}{
		{"nil", nil, "", false},
		{"network failure", &unified.TransportError{Message: "connection refused"}, ErrorClassTransient, true},
		{"server error", &unified.TransportError{StatusCode: http.StatusBadGateway}, ErrorClassTransient, true},
		{"rate limited", &unified.TransportError{StatusCode: http.StatusTooManyRequests}, ErrorClassThrottled, true},
		{"unauthorized", &unified.TransportError{StatusCode: http.StatusUnauthorized}, ErrorClassCredential, false},
		{"forbidden", &unified.TransportError{StatusCode: http.StatusForbidden}, ErrorClassCredential, false},
		{"bad request", &unified.TransportError{StatusCode: http.StatusBadRequest}, ErrorClassPermanent, false},
		{"wrapped transport", fmt.Errorf("call: %w", &unified.TransportError{StatusCode: http.StatusServiceUnavailable}), ErrorClassTransient, true},
		{"mapping", &unified.MappingError{Path: "$.results"}, ErrorClassPermanent, false},
		{"revoked", &credentials.Error{Kind: credentials.KindRevoked, Ref: "sec_1"}, ErrorClassCredential, false},
		{"refresh rejected", &credentials.Error{Kind: credentials.KindRefreshFailed, Err: &unified.TransportError{StatusCode: http.StatusBadRequest}}, ErrorClassCredential, false},
		{"refresh endpoint unavailable", &credentials.Error{Kind: credentials.KindRefreshFailed, Err: &unified.TransportError{StatusCode: http.StatusServiceUnavailable}}, ErrorClassTransient, true},
		{"sandbox timeout", &sandbox.Error{Kind: sandbox.KindTimeout}, ErrorClassSandbox, false},
		{"stale version", fmt.Errorf("put: %w", stores.ErrStaleVersion), ErrorClassConflict, true},
		{"deadline", context.DeadlineExceeded, ErrorClassTransient, true},
		{"not found", stores.ErrNotFound, ErrorClassPermanent, false},
		{"plain", errors.New("boom"), ErrorClassPermanent, false},
		{"already classified", &EngineError{Class: ErrorClassThrottled}, ErrorClassThrottled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("expected class %q, got %q", tt.expected, got)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("expected retryable %v, got %v", tt.retryable, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap("execute", "crm", nil) != nil {
		t.Error("expected nil for nil error")
	}

	cause := &sandbox.Error{Kind: sandbox.KindContractViolation, Slot: sandbox.SlotInitResponse}
	err := Wrap("execute", "crm", cause)

	var ee *EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EngineError, got %T", err)
	}
	if ee.Class != ErrorClassSandbox || ee.Code != ErrCodeContractViolation {
		t.Errorf("unexpected classification %s/%s", ee.Class, ee.Code)
	}
	if ee.Platform != "crm" || ee.Operation != "execute" {
		t.Errorf("unexpected context %+v", ee)
	}
	if !sandbox.IsKind(err, sandbox.KindContractViolation) {
		t.Error("expected cause to stay reachable")
	}
	if !errors.Is(err, &EngineError{Class: ErrorClassSandbox, Code: ErrCodeContractViolation}) {
		t.Error("expected errors.Is to match class and code")
	}
	if again := Wrap("test", "other", err); again != err {
		t.Error("expected already wrapped error to be returned as is")
	}
}
