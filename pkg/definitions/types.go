package definitions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openunify/openunify/pkg/cache"
	"github.com/openunify/openunify/pkg/sandbox"
)

// RecordMetadata is carried by every definition record.
type RecordMetadata struct {
	// Version is the semantic version of the record. Writes with a lower
	// version than the stored record are rejected.
	Version   string    `json:"version,omitempty" validate:"omitempty,semver"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AuthMethodType selects how an outbound request is authenticated.
type AuthMethodType string

const (
	AuthNone        AuthMethodType = "None"
	AuthBearerToken AuthMethodType = "BearerToken"
	AuthAPIKey      AuthMethodType = "ApiKey"
	AuthBasic       AuthMethodType = "BasicAuth"
	AuthOAuth       AuthMethodType = "OAuth"
)

// AuthMethod describes the credentials applied to a request. Values may be
// templates rendered against the connection's secret. An empty Type is None.
type AuthMethod struct {
	Type AuthMethodType `json:"type,omitempty" validate:"omitempty,oneof=None BearerToken ApiKey BasicAuth OAuth"`

	// Key is the header name for ApiKey.
	Key string `json:"key,omitempty" validate:"required_if=Type ApiKey"`

	// Value is the token for BearerToken and ApiKey.
	Value string `json:"value,omitempty" validate:"required_if=Type BearerToken,required_if=Type ApiKey"`

	Username string `json:"username,omitempty" validate:"required_if=Type BasicAuth"`
	Password string `json:"password,omitempty"`
}

// ContentType is the encoding of a request body.
type ContentType string

const (
	ContentJSON  ContentType = "json"
	ContentForm  ContentType = "form"
	ContentOther ContentType = "other"
)

// ConnectionSettings are per-platform connection switches.
type ConnectionSettings struct {
	ParseWebhookBody  bool `json:"parseWebhookBody"`
	ShowSecret        bool `json:"showSecret"`
	AllowCustomEvents bool `json:"allowCustomEvents"`
	OAuth             bool `json:"oauth"`
}

// ConnectionDefinition describes a platform a connection can be made to.
type ConnectionDefinition struct {
	ID              string             `json:"_id" validate:"required"`
	Platform        string             `json:"platform" validate:"required"`
	PlatformVersion string             `json:"platformVersion"`
	Name            string             `json:"name" validate:"required"`
	AuthMethods     []AuthMethod       `json:"authMethods,omitempty" validate:"dive"`
	Settings        ConnectionSettings `json:"settings"`
	RecordMetadata
}

// RequestPaths locate the entity inside an outbound body.
type RequestPaths struct {
	// Object nests the request body under a path, e.g. "$.body.contact".
	Object string `json:"object,omitempty"`
}

// ResponsePaths locate entities, ids and cursors inside a response.
type ResponsePaths struct {
	Object string `json:"object,omitempty"`
	ID     string `json:"id,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// ModelPaths groups the request and response paths of a model definition.
type ModelPaths struct {
	Request  RequestPaths  `json:"request"`
	Response ResponsePaths `json:"response"`
}

// Mapping links a model definition to a common model.
type Mapping struct {
	CommonModelName string `json:"commonModelName" validate:"required"`
}

// Test connection states.
const (
	StateUntested = "untested"
	StateSuccess  = "success"
	StateFailure  = "failure"
)

// TestConnectionState is the outcome of the last connection test. Its JSON
// form is "untested", "success" or {"failure":{"message":"..."}}.
type TestConnectionState struct {
	Kind    string
	Message string
}

// Untested returns the initial state.
func Untested() TestConnectionState {
	return TestConnectionState{Kind: StateUntested}
}

// Success returns the state of a passing test.
func Success() TestConnectionState {
	return TestConnectionState{Kind: StateSuccess}
}

// Failure returns the state of a failed test.
func Failure(message string) TestConnectionState {
	return TestConnectionState{Kind: StateFailure, Message: message}
}

type failureJSON struct {
	Failure struct {
		Message string `json:"message"`
	} `json:"failure"`
}

// MarshalJSON implements json.Marshaler.
func (s TestConnectionState) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case "", StateUntested:
		return json.Marshal(StateUntested)
	case StateSuccess:
		return json.Marshal(StateSuccess)
	case StateFailure:
		var f failureJSON
		f.Failure.Message = s.Message
		return json.Marshal(f)
	}
	return nil, fmt.Errorf("unknown test connection state %q", s.Kind)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *TestConnectionState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch name {
		case "", StateUntested:
			*s = Untested()
		case StateSuccess:
			*s = Success()
		default:
			return fmt.Errorf("unknown test connection state %q", name)
		}
		return nil
	}

	var f failureJSON
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("invalid test connection state: %w", err)
	}
	*s = Failure(f.Failure.Message)
	return nil
}

// TestConnectionStatus records when a model definition was last tested and
// how the test went.
type TestConnectionStatus struct {
	LastTestedAt time.Time           `json:"lastTestedAt"`
	State        TestConnectionState `json:"state"`
}

// ConnectionModelDefinition describes one action against one platform model.
type ConnectionModelDefinition struct {
	ID                     string               `json:"_id" validate:"required"`
	ConnectionPlatform     string               `json:"connectionPlatform" validate:"required"`
	ConnectionDefinitionID string               `json:"connectionDefinitionId"`
	PlatformVersion        string               `json:"platformVersion"`
	Title                  string               `json:"title"`
	Name                   string               `json:"name"`
	ModelName              string               `json:"modelName" validate:"required"`
	Action                 string               `json:"action" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	ActionName             string               `json:"actionName" validate:"required,oneof=getOne getMany getCount create update delete custom"`
	BaseURL                string               `json:"baseUrl" validate:"required"`
	Path                   string               `json:"path"`
	AuthMethod             AuthMethod           `json:"authMethod"`
	Headers                map[string]string    `json:"headers,omitempty"`
	QueryParams            map[string]string    `json:"queryParams,omitempty"`
	Content                ContentType          `json:"content,omitempty" validate:"omitempty,oneof=json form other"`
	Paths                  ModelPaths           `json:"paths"`
	Mapping                *Mapping             `json:"mapping,omitempty" validate:"omitempty"`
	TestConnectionStatus   TestConnectionStatus `json:"testConnectionStatus"`
	Supported              bool                 `json:"supported"`
	RecordMetadata
}

// CacheKey returns the cache key the definition is read through.
func (d *ConnectionModelDefinition) CacheKey() string {
	return cache.ModelDefinitionKey(d.ConnectionPlatform, d.PlatformVersion, d.ModelName, d.ActionName)
}

// TokenEndpoint is the token endpoint of one OAuth phase.
type TokenEndpoint struct {
	BaseURL     string            `json:"baseUrl" validate:"required,url"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
	Content     ContentType       `json:"content,omitempty" validate:"omitempty,oneof=json form other"`
}

// OAuthConfiguration holds the token endpoints of both phases.
type OAuthConfiguration struct {
	Init    TokenEndpoint `json:"init"`
	Refresh TokenEndpoint `json:"refresh"`
}

// ComputeScripts are the scripts of one OAuth phase. Computation builds the
// token request and may be omitted; Response turns the token endpoint
// response into a credential.
type ComputeScripts struct {
	Computation *sandbox.Script `json:"computation,omitempty" validate:"omitempty"`
	Response    sandbox.Script  `json:"response"`
}

// OAuthCompute holds the scripts of both phases.
type OAuthCompute struct {
	Init    ComputeScripts `json:"init"`
	Refresh ComputeScripts `json:"refresh"`
}

// ConnectionOAuthDefinition describes how a platform's OAuth tokens are
// obtained and refreshed.
type ConnectionOAuthDefinition struct {
	ID                 string             `json:"_id" validate:"required"`
	ConnectionPlatform string             `json:"connectionPlatform" validate:"required"`
	Configuration      OAuthConfiguration `json:"configuration"`
	Compute            OAuthCompute       `json:"compute"`

	// RotatesRefreshToken is set for platforms that issue a new refresh
	// token on every refresh. Otherwise the prior refresh token is kept.
	RotatesRefreshToken bool `json:"rotatesRefreshToken"`
	RecordMetadata
}
