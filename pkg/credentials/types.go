package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openunify/openunify/pkg/definitions"
	"github.com/openunify/openunify/pkg/stores"
)

// State is the lifecycle state of a credential.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateActive        State = "active"
	StateRefreshing    State = "refreshing"
	StateExpired       State = "expired"
	StateRevoked       State = "revoked"
)

// ErrNotFound is returned when no credential is stored under a reference.
var ErrNotFound = stores.ErrNotFound

// Credential is the OAuth secret of one connection. It is stored sealed
// under an opaque reference.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`

	// Meta is the platform-specific part of the last token response.
	Meta map[string]interface{} `json:"meta,omitempty"`

	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty"`

	// Metadata is the caller-supplied payload of the initial exchange, e.g.
	// the authorization code and redirect uri.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	OAuthDefinitionID string `json:"oauthDefinitionId"`
	Platform          string `json:"platform"`

	// State is StateActive or StateRevoked. Revoked is terminal.
	State State `json:"state"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Revoked reports whether the credential was revoked.
func (c *Credential) Revoked() bool {
	return c.State == StateRevoked
}

// Expired reports whether the access token has expired at now. A credential
// without an expiry never expires.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// NeedsRefresh reports whether the access token expires within guard of now.
func (c *Credential) NeedsRefresh(now time.Time, guard time.Duration) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt.Add(-guard))
}

// TemplateContext is the document definitions are rendered against when
// calling a platform with this credential.
func (c *Credential) TemplateContext() map[string]interface{} {
	out := map[string]interface{}{
		"accessToken":  c.AccessToken,
		"tokenType":    c.TokenType,
		"clientId":     c.ClientID,
		"clientSecret": c.ClientSecret,
	}
	if c.RefreshToken != "" {
		out["refreshToken"] = c.RefreshToken
	}
	if !c.ExpiresAt.IsZero() {
		out["expiresAt"] = c.ExpiresAt.Unix()
	}
	if c.Meta != nil {
		out["meta"] = c.Meta
	}
	if c.Metadata != nil {
		out["metadata"] = c.Metadata
	}
	return out
}

// refreshPayload is the argument of the refresh scripts.
func (c *Credential) refreshPayload() map[string]interface{} {
	out := c.TemplateContext()
	if _, ok := out["refreshToken"]; !ok {
		out["refreshToken"] = nil
	}
	return out
}

// InitPayload is the caller's input to the initial token exchange.
type InitPayload struct {
	ClientID     string                 `json:"clientId" validate:"required"`
	ClientSecret string                 `json:"clientSecret"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func (p InitPayload) toMap() map[string]interface{} {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return map[string]interface{}{
		"clientId":     p.ClientID,
		"clientSecret": p.ClientSecret,
		"metadata":     metadata,
	}
}

// SecretStore persists sealed credentials by reference.
type SecretStore interface {
	Get(ctx context.Context, ref string) ([]byte, error)
	Create(ctx context.Context, ref string, secret []byte) error
	Update(ctx context.Context, ref string, secret []byte) error
}

// OAuthDefinitionSource resolves OAuth definitions.
type OAuthDefinitionSource interface {
	GetOAuthDefinition(ctx context.Context, id string) (*definitions.ConnectionOAuthDefinition, error)
}

// ErrorKind classifies credential lifecycle failures.
type ErrorKind string

const (
	// KindRefreshFailed means a refresh did not produce a new token. The
	// stored credential is unchanged.
	KindRefreshFailed ErrorKind = "refresh_failed"

	// KindRevoked means the credential was revoked.
	KindRevoked ErrorKind = "revoked"

	// KindExpired means the access token expired and could not be refreshed.
	KindExpired ErrorKind = "expired"
)

// Error is a credential lifecycle failure.
type Error struct {
	Kind ErrorKind
	Ref  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("credential %s: %s", e.Ref, e.Kind)
	}
	return fmt.Sprintf("credential %s: %s: %v", e.Ref, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}
