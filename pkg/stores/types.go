package stores

import (
	"errors"
	"time"

	"golang.org/x/mod/semver"
)

// Record kinds held in the documents table.
const (
	KindConnectionDefinition = "connection_definition"
	KindModelDefinition      = "connection_model_definition"
	KindOAuthDefinition      = "connection_oauth_definition"
	KindCommonModel          = "common_model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a record that exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrStaleVersion is returned when a write carries a version lower than
	// the stored one.
	ErrStaleVersion = errors.New("stale version")
)

// Document is a stored definition record. The indexed columns are copied
// out of Body so lookups do not parse JSON.
type Document struct {
	Kind            string
	ID              string
	Name            string
	Platform        string
	PlatformVersion string
	ModelName       string
	ActionName      string
	Version         string
	Body            []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Filter selects documents of one kind. Empty fields match anything.
type Filter struct {
	Kind            string
	Name            string
	Platform        string
	PlatformVersion string
	ModelName       string
	ActionName      string
}

// CompareVersions compares two semantic versions, with or without a leading
// "v". Invalid versions sort before valid ones.
func CompareVersions(a, b string) int {
	return semver.Compare(canonicalVersion(a), canonicalVersion(b))
}

func canonicalVersion(v string) string {
	if v == "" || v[0] == 'v' {
		return v
	}
	return "v" + v
}
