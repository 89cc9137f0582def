package unified

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openunify/openunify/pkg/definitions"
)

// capturedRequest is what a test server saw.
type capturedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   string
}

func setupTestServer(t *testing.T, status int, body string) (*httptest.Server, func() capturedRequest) {
	t.Helper()

	var mu sync.Mutex
	var last capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		last = capturedRequest{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   string(data),
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "req-1")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(server.Close)

	return server, func() capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func testDefinition(baseURL string) *definitions.ConnectionModelDefinition {
	return &definitions.ConnectionModelDefinition{
		ID:                 "cmd_contacts_getmany",
		ConnectionPlatform: "hubspot",
		PlatformVersion:    "v3",
		ModelName:          "Contact",
		Action:             http.MethodGet,
		ActionName:         "getMany",
		BaseURL:            baseURL,
		Path:               "/crm/v3/objects/contacts",
		AuthMethod:         definitions.AuthMethod{Type: definitions.AuthOAuth},
		Paths: definitions.ModelPaths{
			Response: definitions.ResponsePaths{
				Object: "$.body.results",
				ID:     "id",
				Cursor: "$.body.paging.next.after",
			},
		},
	}
}

func TestExecute_GetMany(t *testing.T) {
	server, last := setupTestServer(t, http.StatusOK, `{
		"results": [{"id": "1", "email": "a@example.com"}, {"id": "2", "email": "b@example.com"}],
		"paging": {"next": {"after": "abc"}}
	}`)

	executor := NewExecutor(Options{})
	def := testDefinition(server.URL)
	def.QueryParams = map[string]string{"limit": "10", "archived": "false"}

	resp, err := executor.Execute(context.Background(), def,
		&Request{QueryParams: map[string]string{"limit": "50"}},
		Secret{"accessToken": "tok"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	got := last()
	if got.Method != http.MethodGet || got.Path != "/crm/v3/objects/contacts" {
		t.Errorf("unexpected request %s %s", got.Method, got.Path)
	}
	if got.Query.Get("limit") != "50" || got.Query.Get("archived") != "false" {
		t.Errorf("unexpected query %v", got.Query)
	}
	if got.Header.Get("Authorization") != "Bearer tok" {
		t.Errorf("unexpected authorization %q", got.Header.Get("Authorization"))
	}
	if got.Body != "" {
		t.Errorf("expected no body, got %q", got.Body)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.Headers["X-Request-Id"] != "req-1" {
		t.Errorf("unexpected headers %v", resp.Headers)
	}
	if len(resp.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(resp.Entities))
	}
	if resp.Entities[1].ID == nil || *resp.Entities[1].ID != "2" {
		t.Errorf("unexpected id %v", resp.Entities[1].ID)
	}
	if resp.Cursor == nil || *resp.Cursor != "abc" {
		t.Errorf("unexpected cursor %v", resp.Cursor)
	}
	if resp.Entities[0].Cursor == nil || *resp.Entities[0].Cursor != "abc" {
		t.Errorf("expected entity cursor to fall back to the response cursor, got %v", resp.Entities[0].Cursor)
	}
}

func TestExecute_PathAndTemplates(t *testing.T) {
	server, last := setupTestServer(t, http.StatusOK, `{"id": "a b/c"}`)

	def := testDefinition(server.URL + "/")
	def.ActionName = "getOne"
	def.Path = "/{{portal}}/contacts/{id}"
	def.Headers = map[string]string{"X-Portal": "{{portal}}", "X-Static": "static"}
	def.Paths.Response = definitions.ResponsePaths{ID: "id"}

	executor := NewExecutor(Options{})
	resp, err := executor.Execute(context.Background(), def,
		&Request{
			PathParams: map[string]string{"id": "a b/c"},
			Headers:    map[string]string{"X-Static": "override", "Host": "evil.example.com"},
		},
		Secret{"accessToken": "tok", "portal": "p1"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	got := last()
	if got.Path != "/p1/contacts/a%20b%2Fc" {
		t.Errorf("unexpected path %s", got.Path)
	}
	if got.Header.Get("X-Portal") != "p1" || got.Header.Get("X-Static") != "override" {
		t.Errorf("unexpected headers %v", got.Header)
	}

	if len(resp.Entities) != 1 || resp.Entities[0].ID == nil || *resp.Entities[0].ID != "a b/c" {
		t.Errorf("unexpected entities %+v", resp.Entities)
	}
}

func TestExecute_PathParamsOverrideSecret(t *testing.T) {
	server, last := setupTestServer(t, http.StatusOK, `{}`)

	def := testDefinition(server.URL)
	def.Path = "/accounts/{{account}}"
	def.Paths.Response = definitions.ResponsePaths{}

	executor := NewExecutor(Options{})
	_, err := executor.Execute(context.Background(), def,
		&Request{PathParams: map[string]string{"account": "from-request"}},
		Secret{"accessToken": "tok", "account": "from-secret"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if got := last().Path; got != "/accounts/from-request" {
		t.Errorf("unexpected path %s", got)
	}
}

func TestExecute_AuthMethods(t *testing.T) {
	tests := []struct {
		name     string
		method   definitions.AuthMethod
		secret   Secret
		header   string
		expected string
	}{
		{
			name:     "none",
			method:   definitions.AuthMethod{Type: definitions.AuthNone},
			header:   "Authorization",
			expected: "",
		},
		{
			name:     "bearer token",
			method:   definitions.AuthMethod{Type: definitions.AuthBearerToken, Value: "{{token}}"},
			secret:   Secret{"token": "s3cret"},
			header:   "Authorization",
			expected: "Bearer s3cret",
		},
		{
			name:     "api key",
			method:   definitions.AuthMethod{Type: definitions.AuthAPIKey, Key: "X-Api-Key", Value: "{{apiKey}}"},
			secret:   Secret{"apiKey": "k1"},
			header:   "X-Api-Key",
			expected: "k1",
		},
		{
			name:     "basic",
			method:   definitions.AuthMethod{Type: definitions.AuthBasic, Username: "{{user}}", Password: "{{pass}}"},
			secret:   Secret{"user": "u", "pass": "p"},
			header:   "Authorization",
			expected: "Basic dTpw",
		},
		{
			name:     "oauth with token type",
			method:   definitions.AuthMethod{Type: definitions.AuthOAuth},
			secret:   Secret{"accessToken": "at", "tokenType": "MAC"},
			header:   "Authorization",
			expected: "MAC at",
		},
		{
			name:     "oauth lowercase bearer",
			method:   definitions.AuthMethod{Type: definitions.AuthOAuth},
			secret:   Secret{"accessToken": "at", "tokenType": "bearer"},
			header:   "Authorization",
			expected: "Bearer at",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, last := setupTestServer(t, http.StatusOK, `{}`)
			def := testDefinition(server.URL)
			def.AuthMethod = tt.method
			def.Paths.Response = definitions.ResponsePaths{}

			if _, err := NewExecutor(Options{}).Execute(context.Background(), def, nil, tt.secret); err != nil {
				t.Fatalf("execute failed: %v", err)
			}
			if got := last().Header.Get(tt.header); got != tt.expected {
				t.Errorf("expected %s %q, got %q", tt.header, tt.expected, got)
			}
		})
	}
}

func TestExecute_RequestErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*definitions.ConnectionModelDefinition)
		req    *Request
		secret Secret
	}{
		{
			name:   "missing path param",
			mutate: func(d *definitions.ConnectionModelDefinition) { d.Path = "/contacts/{id}" },
			secret: Secret{"accessToken": "tok"},
		},
		{
			name:   "missing template value",
			mutate: func(d *definitions.ConnectionModelDefinition) { d.Path = "/{{portal}}/contacts" },
			secret: Secret{"accessToken": "tok"},
		},
		{
			name:   "oauth without token",
			mutate: func(d *definitions.ConnectionModelDefinition) {},
			secret: Secret{},
		},
		{
			name:   "non http scheme",
			mutate: func(d *definitions.ConnectionModelDefinition) { d.BaseURL = "file:///etc" },
			secret: Secret{"accessToken": "tok"},
		},
		{
			name: "invalid json body",
			mutate: func(d *definitions.ConnectionModelDefinition) {
				d.Action = http.MethodPost
			},
			req:    &Request{Body: json.RawMessage(`{not json`)},
			secret: Secret{"accessToken": "tok"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := testDefinition("https://api.example.com")
			tt.mutate(def)

			_, err := NewExecutor(Options{}).Execute(context.Background(), def, tt.req, tt.secret)
			var re *RequestError
			if !errors.As(err, &re) {
				t.Errorf("expected RequestError, got %v", err)
			}
		})
	}
}

func TestExecute_Bodies(t *testing.T) {
	tests := []struct {
		name        string
		content     definitions.ContentType
		object      string
		body        string
		contentType string
		check       func(t *testing.T, body string)
	}{
		{
			name:        "json nested under object path",
			content:     definitions.ContentJSON,
			object:      "$.body.properties",
			body:        `{"email":"a@example.com"}`,
			contentType: "application/json",
			check: func(t *testing.T, body string) {
				var decoded map[string]map[string]string
				if err := json.Unmarshal([]byte(body), &decoded); err != nil {
					t.Fatalf("body is not JSON: %v", err)
				}
				if decoded["properties"]["email"] != "a@example.com" {
					t.Errorf("unexpected body %s", body)
				}
			},
		},
		{
			name:        "json without object path",
			content:     "",
			body:        `{"email":"a@example.com"}`,
			contentType: "application/json",
			check: func(t *testing.T, body string) {
				if body != `{"email":"a@example.com"}` {
					t.Errorf("unexpected body %s", body)
				}
			},
		},
		{
			name:        "form",
			content:     definitions.ContentForm,
			body:        `{"grant_type":"refresh_token","n":2,"ok":true,"skip":null,"scopes":["a","b"]}`,
			contentType: "application/x-www-form-urlencoded",
			check: func(t *testing.T, body string) {
				values, err := url.ParseQuery(body)
				if err != nil {
					t.Fatalf("body is not a form: %v", err)
				}
				if values.Get("grant_type") != "refresh_token" || values.Get("n") != "2" || values.Get("ok") != "true" {
					t.Errorf("unexpected form %v", values)
				}
				if values.Get("scopes") != `["a","b"]` {
					t.Errorf("expected nested value as JSON, got %q", values.Get("scopes"))
				}
				if _, ok := values["skip"]; ok {
					t.Errorf("expected null field to be dropped")
				}
			},
		},
		{
			name:        "other sent verbatim",
			content:     definitions.ContentOther,
			body:        `raw payload`,
			contentType: "",
			check: func(t *testing.T, body string) {
				if body != "raw payload" {
					t.Errorf("unexpected body %q", body)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, last := setupTestServer(t, http.StatusCreated, `{"id":"new"}`)
			def := testDefinition(server.URL)
			def.Action = http.MethodPost
			def.ActionName = "create"
			def.Content = tt.content
			def.Paths.Request.Object = tt.object
			def.Paths.Response = definitions.ResponsePaths{ID: "$.body.id"}

			resp, err := NewExecutor(Options{}).Execute(context.Background(), def,
				&Request{Body: json.RawMessage(tt.body)}, Secret{"accessToken": "tok"})
			if err != nil {
				t.Fatalf("execute failed: %v", err)
			}
			if resp.StatusCode != http.StatusCreated || *resp.Entities[0].ID != "new" {
				t.Errorf("unexpected response %+v", resp)
			}

			got := last()
			if got.Method != http.MethodPost {
				t.Errorf("unexpected method %s", got.Method)
			}
			if ct := got.Header.Get("Content-Type"); ct != tt.contentType {
				t.Errorf("expected content type %q, got %q", tt.contentType, ct)
			}
			tt.check(t, got.Body)
		})
	}
}

func TestExecute_TransportErrors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		unauthorized bool
		temporary    bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"expired"}`, true, false},
		{"not found", http.StatusNotFound, ``, false, false},
		{"rate limited", http.StatusTooManyRequests, `slow down`, false, true},
		{"server error", http.StatusBadGateway, `bad gateway`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := setupTestServer(t, tt.status, tt.body)
			_, err := NewExecutor(Options{}).Execute(context.Background(), testDefinition(server.URL), nil, Secret{"accessToken": "tok"})

			te, ok := AsTransportError(err)
			if !ok {
				t.Fatalf("expected TransportError, got %v", err)
			}
			if te.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, te.StatusCode)
			}
			if te.Unauthorized() != tt.unauthorized || te.Temporary() != tt.temporary {
				t.Errorf("unexpected classification for %v", te)
			}
			if tt.body == "" && te.Message != http.StatusText(tt.status) {
				t.Errorf("expected status text message, got %q", te.Message)
			}
		})
	}

	t.Run("network failure", func(t *testing.T) {
		server, _ := setupTestServer(t, http.StatusOK, `{}`)
		base := server.URL
		server.Close()

		_, err := NewExecutor(Options{}).Execute(context.Background(), testDefinition(base), nil, Secret{"accessToken": "tok"})
		te, ok := AsTransportError(err)
		if !ok || te.StatusCode != 0 || !te.Temporary() {
			t.Errorf("expected temporary transport error, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer server.Close()

		executor := NewExecutor(Options{RequestTimeout: 50 * time.Millisecond})
		_, err := executor.Execute(context.Background(), testDefinition(server.URL), nil, Secret{"accessToken": "tok"})
		if _, ok := AsTransportError(err); !ok || !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline transport error, got %v", err)
		}
	})
}

func TestExecute_MappingErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>ok</html>`},
		{"object path missing", `{"items": []}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := setupTestServer(t, http.StatusOK, tt.body)
			_, err := NewExecutor(Options{}).Execute(context.Background(), testDefinition(server.URL), nil, Secret{"accessToken": "tok"})
			var me *MappingError
			if !errors.As(err, &me) {
				t.Errorf("expected MappingError, got %v", err)
			}
		})
	}
}

type recordingSink struct {
	mu       sync.Mutex
	statuses map[string]definitions.TestConnectionStatus
	err      error
}

func (s *recordingSink) RecordTestStatus(_ context.Context, id string, status definitions.TestConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = make(map[string]definitions.TestConnectionStatus)
	}
	s.statuses[id] = status
	return s.err
}

func TestTest(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("success", func(t *testing.T) {
		server, _ := setupTestServer(t, http.StatusOK, `{"results": [], "paging": null}`)
		sink := &recordingSink{}
		executor := NewExecutor(Options{Sink: sink, Now: func() time.Time { return fixed }})

		result := executor.Test(context.Background(), testDefinition(server.URL), nil, Secret{"accessToken": "tok"})
		if result.Code != http.StatusOK || result.Status.State != definitions.Success() {
			t.Errorf("unexpected result %+v", result)
		}
		if result.Meta.Platform != "hubspot" || result.Meta.Action != "getMany" || result.Meta.ModelName != "Contact" {
			t.Errorf("unexpected meta %+v", result.Meta)
		}
		if result.Response == nil || len(result.Response.Entities) != 0 || result.Response.Cursor != nil {
			t.Errorf("unexpected response %+v", result.Response)
		}
		if got := sink.statuses["cmd_contacts_getmany"]; got.State != definitions.Success() || !got.LastTestedAt.Equal(fixed) {
			t.Errorf("unexpected recorded status %+v", got)
		}
	})

	t.Run("failure", func(t *testing.T) {
		server, _ := setupTestServer(t, http.StatusForbidden, `forbidden scope`)
		sink := &recordingSink{err: errors.New("store unavailable")}
		executor := NewExecutor(Options{Sink: sink})

		result := executor.Test(context.Background(), testDefinition(server.URL), nil, Secret{"accessToken": "tok"})
		if result.Code != http.StatusForbidden || result.Status.State.Kind != definitions.StateFailure {
			t.Errorf("unexpected result %+v", result)
		}
		if !strings.Contains(result.Status.State.Message, "forbidden scope") {
			t.Errorf("expected platform message, got %q", result.Status.State.Message)
		}
		if result.Response != nil {
			t.Errorf("expected no response on failure")
		}
		if _, ok := sink.statuses["cmd_contacts_getmany"]; !ok {
			t.Errorf("expected failure to be recorded")
		}
	})
}
