package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but do not block a
	// write.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the write.
	SeverityError Severity = "error"
)

// Blocking reports whether a violation of this severity rejects the write.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

// Policy is an admission rule written in Rego. The module must define a
// "deny" set in its package; each member is either a message string or an
// object with "message" and optionally "severity".
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty" yaml:"-"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Kind     string   `json:"kind"`
	Record   string   `json:"record"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of admitting one record.
type Decision struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking findings.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedAt time.Time     `json:"evaluatedAt"`
	Duration    time.Duration `json:"duration"`
}

// Input is the document policies evaluate as "input".
type Input struct {
	// Kind is the record kind, e.g. "connection_model_definition".
	Kind string `json:"kind"`

	// ID is the record id.
	ID string `json:"id"`

	// Record is the record in its JSON form.
	Record map[string]interface{} `json:"record"`

	// Operation is the write being admitted ("put" or "delete").
	Operation string `json:"operation"`

	Timestamp time.Time `json:"timestamp"`
}
