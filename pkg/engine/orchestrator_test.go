package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/openunify/openunify/pkg/credentials"
	"github.com/openunify/openunify/pkg/definitions"
	"github.com/openunify/openunify/pkg/schema"
	"github.com/openunify/openunify/pkg/stores"
	"github.com/openunify/openunify/pkg/unified"
)

type fakeSource struct {
	*schema.MemorySource
	defs map[string]*definitions.ConnectionModelDefinition
}

func (f *fakeSource) GetModelDefinition(_ context.Context, platform, platformVersion, modelName, actionName string) (*definitions.ConnectionModelDefinition, error) {
	for _, def := range f.defs {
		if def.ConnectionPlatform == platform && def.PlatformVersion == platformVersion &&
			def.ModelName == modelName && def.ActionName == actionName {
			return def, nil
		}
	}
	return nil, fmt.Errorf("model definition %s/%s: %w", platform, modelName, stores.ErrNotFound)
}

func (f *fakeSource) GetModelDefinitionByID(_ context.Context, id string) (*definitions.ConnectionModelDefinition, error) {
	def, ok := f.defs[id]
	if !ok {
		return nil, fmt.Errorf("model definition %s: %w", id, stores.ErrNotFound)
	}
	return def, nil
}

// fakeCredentials hands out token "old" until refreshed, then "new".
type fakeCredentials struct {
	refreshes  atomic.Int32
	refreshErr error
	resolveErr error
}

func (f *fakeCredentials) Resolve(_ context.Context, ref string) (*credentials.Credential, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	token := "old"
	if f.refreshes.Load() > 0 {
		token = "new"
	}
	return &credentials.Credential{AccessToken: token, TokenType: "Bearer", State: credentials.StateActive}, nil
}

func (f *fakeCredentials) Refresh(_ context.Context, ref string) (*credentials.Credential, error) {
	f.refreshes.Add(1)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &credentials.Credential{AccessToken: "new", TokenType: "Bearer", State: credentials.StateActive}, nil
}

type recordingSink struct {
	mu       sync.Mutex
	statuses map[string]definitions.TestConnectionStatus
}

func (s *recordingSink) RecordTestStatus(_ context.Context, id string, status definitions.TestConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = make(map[string]definitions.TestConnectionStatus)
	}
	s.statuses[id] = status
	return nil
}

// setupPlatform starts a platform that accepts only the given bearer token.
func setupPlatform(t *testing.T, acceptToken string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+acceptToken {
			http.Error(w, `{"message":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"id":"c1","name":"Ada"}]}`))
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func contactDefinition(baseURL string, auth definitions.AuthMethodType) *definitions.ConnectionModelDefinition {
	return &definitions.ConnectionModelDefinition{
		ID:                 "md_contacts",
		ConnectionPlatform: "crm",
		PlatformVersion:    "1.0.0",
		ModelName:          "Contact",
		Action:             http.MethodGet,
		ActionName:         "getMany",
		BaseURL:            baseURL,
		Path:               "/contacts",
		AuthMethod:         definitions.AuthMethod{Type: auth},
		Paths: definitions.ModelPaths{
			Response: definitions.ResponsePaths{Object: "$.body.results", ID: "id"},
		},
		Mapping: &definitions.Mapping{CommonModelName: "Contact"},
	}
}

func commonModels() *schema.MemorySource {
	return schema.NewMemorySource(
		&schema.CommonModel{
			ID:   "cm_contact",
			Name: "Contact",
			Fields: []schema.Field{
				{Name: "name", DataType: schema.DataType{Kind: schema.KindString}},
				{Name: "address", DataType: schema.DataType{Kind: schema.KindExpandable, Reference: "Address"}},
			},
		},
		&schema.CommonModel{
			ID:     "cm_address",
			Name:   "Address",
			Fields: []schema.Field{{Name: "city", DataType: schema.DataType{Kind: schema.KindString}}},
		},
	)
}

func setupOrchestrator(t *testing.T, def *definitions.ConnectionModelDefinition, creds CredentialResolver, sink unified.StatusSink) *Orchestrator {
	t.Helper()
	source := &fakeSource{
		MemorySource: commonModels(),
		defs:         map[string]*definitions.ConnectionModelDefinition{def.ID: def},
	}
	o, err := NewOrchestrator(Options{
		Definitions: source,
		Credentials: creds,
		Executor:    unified.NewExecutor(unified.Options{Sink: sink}),
	})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	return o
}

func TestOrchestrator_Execute_RefreshesOnUnauthorized(t *testing.T) {
	server, requests := setupPlatform(t, "new")
	creds := &fakeCredentials{}
	o := setupOrchestrator(t, contactDefinition(server.URL, definitions.AuthOAuth), creds, nil)

	result, err := o.Execute(context.Background(), Call{
		Platform:        "crm",
		PlatformVersion: "1.0.0",
		ModelName:       "Contact",
		ActionName:      "getMany",
		SecretRef:       "sec_1",
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if n := creds.refreshes.Load(); n != 1 {
		t.Errorf("expected one refresh, got %d", n)
	}
	if n := requests.Load(); n != 2 {
		t.Errorf("expected two platform calls, got %d", n)
	}
	if len(result.Response.Entities) != 1 || *result.Response.Entities[0].ID != "c1" {
		t.Errorf("unexpected entities %+v", result.Response.Entities)
	}
	if result.Model != nil {
		t.Error("expected no model without expand")
	}
}

func TestOrchestrator_Execute_NoRetry(t *testing.T) {
	tests := []struct {
		name              string
		auth              definitions.AuthMethodType
		secretRef         string
		refreshErr        error
		expectedRequests  int32
		expectedRefreshes int32
		expectedClass     ErrorClass
	}{
		{
			name:              "retried call rejected again",
			auth:              definitions.AuthOAuth,
			secretRef:         "sec_1",
			expectedRequests:  2,
			expectedRefreshes: 1,
			expectedClass:     ErrorClassCredential,
		},
		{
			name:              "refresh fails",
			auth:              definitions.AuthOAuth,
			secretRef:         "sec_1",
			refreshErr:        &credentials.Error{Kind: credentials.KindRevoked, Ref: "sec_1"},
			expectedRequests:  1,
			expectedRefreshes: 1,
			expectedClass:     ErrorClassCredential,
		},
		{
			name:              "not an oauth definition",
			auth:              definitions.AuthNone,
			secretRef:         "sec_1",
			expectedRequests:  1,
			expectedRefreshes: 0,
			expectedClass:     ErrorClassCredential,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, requests := setupPlatform(t, "never")
			creds := &fakeCredentials{refreshErr: tt.refreshErr}
			o := setupOrchestrator(t, contactDefinition(server.URL, tt.auth), creds, nil)

			_, err := o.Execute(context.Background(), Call{DefinitionID: "md_contacts", SecretRef: tt.secretRef})
			if err == nil {
				t.Fatal("expected execute to fail")
			}
			if got := Classify(err); got != tt.expectedClass {
				t.Errorf("expected class %s, got %s", tt.expectedClass, got)
			}
			if n := requests.Load(); n != tt.expectedRequests {
				t.Errorf("expected %d platform calls, got %d", tt.expectedRequests, n)
			}
			if n := creds.refreshes.Load(); n != tt.expectedRefreshes {
				t.Errorf("expected %d refreshes, got %d", tt.expectedRefreshes, n)
			}
		})
	}
}

func TestOrchestrator_Execute_DirectSecret(t *testing.T) {
	server, _ := setupPlatform(t, "static")
	def := contactDefinition(server.URL, definitions.AuthBearerToken)
	def.AuthMethod.Value = "{{apiToken}}"
	o := setupOrchestrator(t, def, nil, nil)

	result, err := o.Execute(context.Background(), Call{
		DefinitionID: "md_contacts",
		Secret:       unified.Secret{"apiToken": "static"},
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Response.StatusCode != http.StatusOK {
		t.Errorf("unexpected status %d", result.Response.StatusCode)
	}
}

func TestOrchestrator_Execute_Expand(t *testing.T) {
	server, _ := setupPlatform(t, "old")
	o := setupOrchestrator(t, contactDefinition(server.URL, definitions.AuthOAuth), &fakeCredentials{}, nil)

	result, err := o.Execute(context.Background(), Call{DefinitionID: "md_contacts", SecretRef: "sec_1", Expand: true})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Model == nil {
		t.Fatal("expected expanded model")
	}
	address, ok := result.Model.Field("address")
	if !ok {
		t.Fatal("expected address field")
	}
	if address.DataType.State != schema.Expanded || address.DataType.Model == nil || address.DataType.Model.Name != "Address" {
		t.Errorf("expected address to be expanded, got %+v", address.DataType)
	}
}

func TestOrchestrator_Execute_Errors(t *testing.T) {
	server, _ := setupPlatform(t, "old")

	t.Run("unknown definition", func(t *testing.T) {
		o := setupOrchestrator(t, contactDefinition(server.URL, definitions.AuthOAuth), &fakeCredentials{}, nil)
		_, err := o.Execute(context.Background(), Call{DefinitionID: "md_missing"})
		if !errors.Is(err, stores.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != ErrCodeNotFound || ee.Class != ErrorClassPermanent {
			t.Errorf("unexpected engine error %v", err)
		}
	})

	t.Run("expired credential", func(t *testing.T) {
		creds := &fakeCredentials{resolveErr: &credentials.Error{Kind: credentials.KindExpired, Ref: "sec_1"}}
		o := setupOrchestrator(t, contactDefinition(server.URL, definitions.AuthOAuth), creds, nil)
		_, err := o.Execute(context.Background(), Call{DefinitionID: "md_contacts", SecretRef: "sec_1"})
		if !credentials.IsKind(err, credentials.KindExpired) {
			t.Errorf("expected expired, got %v", err)
		}
		if !IsCredential(err) {
			t.Errorf("expected credential class, got %s", Classify(err))
		}
	})

	t.Run("secret ref without credential manager", func(t *testing.T) {
		o := setupOrchestrator(t, contactDefinition(server.URL, definitions.AuthOAuth), nil, nil)
		if _, err := o.Execute(context.Background(), Call{DefinitionID: "md_contacts", SecretRef: "sec_1"}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestOrchestrator_TestConnection(t *testing.T) {
	tests := []struct {
		name          string
		accept        string
		expectedState string
		expectedCode  int
	}{
		{"success", "old", definitions.StateSuccess, http.StatusOK},
		{"failure", "never", definitions.StateFailure, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := setupPlatform(t, tt.accept)
			sink := &recordingSink{}
			o := setupOrchestrator(t, contactDefinition(server.URL, definitions.AuthOAuth), &fakeCredentials{}, sink)

			result, err := o.TestConnection(context.Background(), Call{DefinitionID: "md_contacts", SecretRef: "sec_1"})
			if err != nil {
				t.Fatalf("test connection failed: %v", err)
			}
			if result.Status.State.Kind != tt.expectedState || result.Code != tt.expectedCode {
				t.Errorf("unexpected result %+v", result)
			}
			if result.Meta.Platform != "crm" || result.Meta.ModelName != "Contact" {
				t.Errorf("unexpected meta %+v", result.Meta)
			}
			if got := sink.statuses["md_contacts"].State.Kind; got != tt.expectedState {
				t.Errorf("expected sink to record %s, got %s", tt.expectedState, got)
			}
		})
	}
}

func TestOrchestrator_ExpandModel(t *testing.T) {
	o := setupOrchestrator(t, contactDefinition("http://localhost", definitions.AuthNone), nil, nil)

	model, err := o.ExpandModel(context.Background(), "cm_contact")
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if model.Name != "Contact" || len(model.Fields) != 2 {
		t.Errorf("unexpected model %+v", model)
	}

	if _, err := o.ExpandModel(context.Background(), "cm_missing"); !errors.Is(err, schema.ErrModelNotFound) {
		t.Errorf("expected model not found, got %v", err)
	}
}
