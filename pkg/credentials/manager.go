package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/openunify/openunify/pkg/cache"
	"github.com/openunify/openunify/pkg/definitions"
	"github.com/openunify/openunify/pkg/sandbox"
	"github.com/openunify/openunify/pkg/telemetry"
)

// Defaults.
const (
	DefaultGuardWindow    = 2 * time.Minute
	DefaultRefreshTimeout = time.Minute
)

var validate = validator.New()

// Options configures a Manager.
type Options struct {
	Store       SecretStore
	Definitions OAuthDefinitionSource

	// Sandbox runs the OAuth definitions' scripts; nil uses sandbox defaults.
	Sandbox *sandbox.Sandbox

	// Tokens calls token endpoints; nil uses a default client.
	Tokens *TokenClient

	// GuardWindow is how long before expiry Resolve refreshes proactively.
	GuardWindow time.Duration

	// RefreshTimeout bounds one refresh, independent of any caller.
	RefreshTimeout time.Duration

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager owns the OAuth credential lifecycle: the initial exchange,
// refreshes, proactive refresh on resolve, and revocation.
//
// At most one refresh runs per credential reference at a time; concurrent
// callers share its outcome. The stored credential only changes after every
// step of an exchange succeeded.
type Manager struct {
	store          SecretStore
	defs           OAuthDefinitionSource
	sandbox        *sandbox.Sandbox
	tokens         *TokenClient
	guard          time.Duration
	refreshTimeout time.Duration

	flight   cache.Flight
	inflight sync.Map

	// writeMu orders refresh writes against revocation.
	writeMu sync.Mutex

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
	now     func() time.Time
}

// NewManager creates a credential manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("secret store is required")
	}
	if opts.Definitions == nil {
		return nil, fmt.Errorf("oauth definition source is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	if opts.Sandbox == nil {
		opts.Sandbox = sandbox.New(sandbox.Options{Logger: opts.Logger, Metrics: opts.Metrics, Tracer: opts.Tracer})
	}
	if opts.Tokens == nil {
		opts.Tokens = NewTokenClient(nil, 0)
	}
	if opts.GuardWindow <= 0 {
		opts.GuardWindow = DefaultGuardWindow
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		store:          opts.Store,
		defs:           opts.Definitions,
		sandbox:        opts.Sandbox,
		tokens:         opts.Tokens,
		guard:          opts.GuardWindow,
		refreshTimeout: opts.RefreshTimeout,
		logger:         opts.Logger.NewComponentLogger("credentials"),
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		events:         opts.Events,
		now:            opts.Now,
	}, nil
}

// Init performs the initial token exchange for oauthDefinitionID and stores
// the resulting credential under a new reference. Nothing is stored when any
// step fails.
func (m *Manager) Init(ctx context.Context, oauthDefinitionID string, payload InitPayload) (string, *Credential, error) {
	if err := validate.Struct(payload); err != nil {
		return "", nil, fmt.Errorf("invalid init payload: %w", err)
	}
	def, err := m.defs.GetOAuthDefinition(ctx, oauthDefinitionID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get oauth definition %s: %w", oauthDefinitionID, err)
	}

	ctx, span := m.tracer.StartCredentialSpan(ctx, "init", def.ConnectionPlatform)
	defer span.End()

	tr, err := m.exchange(ctx, def.Configuration.Init, def.Compute.Init,
		sandbox.SlotInitCompute, sandbox.SlotInitResponse, payload.toMap())
	if err != nil {
		telemetry.RecordError(span, err)
		return "", nil, fmt.Errorf("oauth init failed: %w", err)
	}

	now := m.now().UTC()
	cred := &Credential{
		AccessToken:       tr.AccessToken,
		RefreshToken:      tr.RefreshToken,
		TokenType:         tr.TokenType,
		ExpiresAt:         expiresAt(now, tr.ExpiresIn),
		Meta:              tr.Meta,
		ClientID:          payload.ClientID,
		ClientSecret:      payload.ClientSecret,
		Metadata:          payload.Metadata,
		OAuthDefinitionID: def.ID,
		Platform:          def.ConnectionPlatform,
		State:             StateActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode credential: %w", err)
	}
	ref := "sec_" + uuid.New().String()
	if err := m.store.Create(ctx, ref, data); err != nil {
		telemetry.RecordError(span, err)
		return "", nil, fmt.Errorf("failed to store credential: %w", err)
	}

	m.logger.WithPlatform(def.ConnectionPlatform, "").WithSecretRef(ref).Info("credential created")
	m.metrics.RecordCredentialEvent("created")
	_ = m.events.PublishCredentialCreated(def.ConnectionPlatform, ref)

	return ref, cred, nil
}

// Get returns the stored credential without refreshing it.
func (m *Manager) Get(ctx context.Context, ref string) (*Credential, error) {
	data, err := m.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential %s: %w", ref, err)
	}
	return &cred, nil
}

// Refresh exchanges the refresh token of ref for a new access token.
// Concurrent calls for the same ref share one exchange. A caller whose ctx
// ends stops waiting but does not cancel the exchange.
func (m *Manager) Refresh(ctx context.Context, ref string) (*Credential, error) {
	v, shared, err := m.flight.Do(ctx, ref, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx, ref)
	})
	if shared {
		m.metrics.RecordRefreshShared()
	}
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (m *Manager) refresh(ctx context.Context, ref string) (*Credential, error) {
	m.inflight.Store(ref, struct{}{})
	defer m.inflight.Delete(ref)

	prior, err := m.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if prior.Revoked() {
		return nil, &Error{Kind: KindRevoked, Ref: ref}
	}

	ctx, span := m.tracer.StartCredentialSpan(ctx, "refresh", prior.Platform)
	defer span.End()
	logger := m.logger.WithPlatform(prior.Platform, "").WithSecretRef(ref)

	fail := func(err error) (*Credential, error) {
		telemetry.RecordError(span, err)
		logger.WithError(err).Warn("credential refresh failed")
		m.metrics.RecordRefresh("error")
		_ = m.events.PublishCredentialRefreshFailed(prior.Platform, ref, err.Error())
		return nil, &Error{Kind: KindRefreshFailed, Ref: ref, Err: err}
	}

	def, err := m.defs.GetOAuthDefinition(ctx, prior.OAuthDefinitionID)
	if err != nil {
		return fail(fmt.Errorf("failed to get oauth definition %s: %w", prior.OAuthDefinitionID, err))
	}

	tr, err := m.exchange(ctx, def.Configuration.Refresh, def.Compute.Refresh,
		sandbox.SlotRefreshCompute, sandbox.SlotRefreshResponse, prior.refreshPayload())
	if err != nil {
		return fail(err)
	}

	next := refreshed(prior, tr, def.RotatesRefreshToken, m.now().UTC())
	data, err := json.Marshal(next)
	if err != nil {
		return fail(fmt.Errorf("failed to encode credential: %w", err))
	}

	m.writeMu.Lock()
	current, err := m.Get(ctx, ref)
	if err == nil && current.Revoked() {
		m.writeMu.Unlock()
		return nil, &Error{Kind: KindRevoked, Ref: ref}
	}
	if err == nil {
		err = m.store.Update(ctx, ref, data)
	}
	m.writeMu.Unlock()
	if err != nil {
		return fail(fmt.Errorf("failed to store credential: %w", err))
	}

	logger.Debug("credential refreshed")
	m.metrics.RecordRefresh("ok")
	m.metrics.RecordCredentialEvent("refreshed")
	_ = m.events.PublishCredentialRefreshed(prior.Platform, ref, next.ExpiresAt)

	return next, nil
}

// Resolve returns a usable credential for ref, refreshing it when it expires
// within the guard window. When that refresh fails the prior credential is
// returned as long as it has not expired; the failure is then not returned to
// the caller but logged, counted as a "proactive_refresh_failed" credential
// event and published as a refresh failure by Refresh itself.
func (m *Manager) Resolve(ctx context.Context, ref string) (*Credential, error) {
	cred, err := m.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if cred.Revoked() {
		return nil, &Error{Kind: KindRevoked, Ref: ref}
	}

	now := m.now()
	if !cred.NeedsRefresh(now, m.guard) {
		return cred, nil
	}

	next, err := m.Refresh(ctx, ref)
	if err == nil {
		return next, nil
	}
	if IsKind(err, KindRevoked) || errors.Is(err, context.Canceled) {
		return nil, err
	}
	if !cred.Expired(m.now()) {
		m.logger.WithSecretRef(ref).WithError(err).Warn("proactive refresh failed, using current token")
		m.metrics.RecordCredentialEvent("proactive_refresh_failed")
		return cred, nil
	}
	return nil, &Error{Kind: KindExpired, Ref: ref, Err: err}
}

// Revoke marks ref revoked. Revocation is terminal and idempotent; token
// values are wiped.
func (m *Manager) Revoke(ctx context.Context, ref string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cred, err := m.Get(ctx, ref)
	if err != nil {
		return err
	}
	if cred.Revoked() {
		return nil
	}

	cred.State = StateRevoked
	cred.AccessToken = ""
	cred.RefreshToken = ""
	cred.UpdatedAt = m.now().UTC()

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := m.store.Update(ctx, ref, data); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	m.logger.WithPlatform(cred.Platform, "").WithSecretRef(ref).Info("credential revoked")
	m.metrics.RecordCredentialEvent("revoked")
	_ = m.events.PublishCredentialRevoked(cred.Platform, ref)
	return nil
}

// State reports the lifecycle state of ref. An unknown ref is
// StateUninitialized.
func (m *Manager) State(ctx context.Context, ref string) (State, error) {
	if _, ok := m.inflight.Load(ref); ok {
		return StateRefreshing, nil
	}
	cred, err := m.Get(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return StateUninitialized, nil
	}
	if err != nil {
		return "", err
	}
	switch {
	case cred.Revoked():
		return StateRevoked, nil
	case cred.Expired(m.now()):
		return StateExpired, nil
	}
	return StateActive, nil
}

// exchange runs compute, the token call, and responseCompute for one phase.
func (m *Manager) exchange(ctx context.Context, endpoint definitions.TokenEndpoint, scripts definitions.ComputeScripts, computeSlot, responseSlot sandbox.Slot, payload map[string]interface{}) (*sandbox.TokenResponse, error) {
	var computation *sandbox.Computation
	if scripts.Computation != nil {
		c, err := m.sandbox.Compute(ctx, computeSlot, *scripts.Computation, payload)
		if err != nil {
			return nil, err
		}
		computation = c
	}

	response, err := m.tokens.Exchange(ctx, endpoint, computation, payload)
	if err != nil {
		return nil, err
	}

	return m.sandbox.ComputeResponse(ctx, responseSlot, scripts.Response, response)
}

// refreshed applies a refresh token response to prior.
func refreshed(prior *Credential, tr *sandbox.TokenResponse, rotates bool, now time.Time) *Credential {
	next := *prior
	next.AccessToken = tr.AccessToken
	next.ExpiresAt = expiresAt(now, tr.ExpiresIn)
	next.UpdatedAt = now
	if rotates && tr.RefreshToken != "" {
		next.RefreshToken = tr.RefreshToken
	}
	if tr.TokenType != "" {
		next.TokenType = tr.TokenType
	}
	if tr.Meta != nil {
		next.Meta = tr.Meta
	}
	return &next
}

// expiresAt is the absolute expiry of a token issued at now. A zero
// expiresIn means the platform did not report one. Values past the range of
// a time.Duration are clamped to it.
func expiresAt(now time.Time, expiresIn int64) time.Time {
	if expiresIn <= 0 {
		return time.Time{}
	}
	if expiresIn > sandbox.MaxExpiresIn {
		expiresIn = sandbox.MaxExpiresIn
	}
	return now.Add(time.Duration(expiresIn) * time.Second)
}
