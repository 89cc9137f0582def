package unified

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openunify/openunify/pkg/definitions"
	"github.com/openunify/openunify/pkg/telemetry"
)

// Request is a caller's request against a model definition.
type Request struct {
	Headers     map[string]string
	QueryParams map[string]string
	PathParams  map[string]string

	// Body is the JSON request body. It is nested under the definition's
	// request object path and encoded per the definition's content type.
	Body json.RawMessage
}

// StatusSink receives the outcome of every connection test.
type StatusSink interface {
	RecordTestStatus(ctx context.Context, definitionID string, status definitions.TestConnectionStatus) error
}

// Options configures an Executor.
type Options struct {
	// HTTPClient sends requests; nil uses a client with no global timeout.
	HTTPClient *http.Client

	// RequestTimeout bounds every outbound call.
	RequestTimeout time.Duration

	// MaxResponseBytes bounds how much of a response body is read.
	MaxResponseBytes int64

	// Sink receives test results; nil drops them.
	Sink StatusSink

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Defaults.
const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultMaxResponseBytes = 10 << 20
	maxErrorMessageBytes    = 512
)

// hopHeaders are never forwarded from a caller's request.
var hopHeaders = []string{"Host", "Content-Length", "Accept-Encoding"}

// Executor turns model definitions and requests into platform calls and maps
// the responses.
type Executor struct {
	client       *http.Client
	timeout      time.Duration
	maxBodyBytes int64
	sink         StatusSink
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
	tracer       *telemetry.Tracer
	now          func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(opts Options) *Executor {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		client:       opts.HTTPClient,
		timeout:      opts.RequestTimeout,
		maxBodyBytes: opts.MaxResponseBytes,
		sink:         opts.Sink,
		logger:       opts.Logger.NewComponentLogger("unified"),
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		now:          opts.Now,
	}
}

// Execute calls the platform described by def and maps the response. A
// non-2xx response or a network failure is a *TransportError; a response the
// paths cannot be applied to is a *MappingError.
func (e *Executor) Execute(ctx context.Context, def *definitions.ConnectionModelDefinition, req *Request, secret Secret) (*NormalizedResponse, error) {
	ctx, span := e.tracer.StartSpan(ctx, "unified.execute",
		telemetry.StringAttr("platform", def.ConnectionPlatform),
		telemetry.StringAttr("model", def.ModelName),
		telemetry.StringAttr("action", def.ActionName),
	)
	defer span.End()

	start := e.now()
	resp, err := e.execute(ctx, def, req, secret)
	status := "ok"
	if err != nil {
		status = errorStatus(err)
		telemetry.RecordError(span, err)
	}
	e.metrics.RecordExecution(def.ConnectionPlatform, def.ActionName, status, e.now().Sub(start))
	return resp, err
}

func (e *Executor) execute(ctx context.Context, def *definitions.ConnectionModelDefinition, req *Request, secret Secret) (*NormalizedResponse, error) {
	if req == nil {
		req = &Request{}
	}

	httpReq, err := e.buildRequest(ctx, def, req, secret)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	httpReq = httpReq.WithContext(ctx)

	logger := e.logger.WithPlatform(def.ConnectionPlatform, def.PlatformVersion)
	logger.WithFields(map[string]interface{}{
		"method": httpReq.Method,
		"model":  def.ModelName,
		"action": def.ActionName,
	}).Debug("calling platform")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBodyBytes))
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read response: %v", err), Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.StatusCode, body),
			Body:       truncate(body, maxErrorMessageBytes),
		}
	}

	normalized, err := mapResponse(def, resp.StatusCode, body)
	if err != nil {
		return nil, err
	}
	normalized.Headers = flattenHeaders(resp.Header)
	return normalized, nil
}

// buildRequest renders the definition against the secret and merges the
// caller's request into it.
func (e *Executor) buildRequest(ctx context.Context, def *definitions.ConnectionModelDefinition, req *Request, secret Secret) (*http.Request, error) {
	rc, err := newRenderContext(secret, req.PathParams)
	if err != nil {
		return nil, err
	}

	base, err := rc.render(def.BaseURL)
	if err != nil {
		return nil, err
	}
	path, err := rc.render(def.Path)
	if err != nil {
		return nil, err
	}
	path, err = substitutePath(path, req.PathParams)
	if err != nil {
		return nil, err
	}

	target, err := url.Parse(joinURL(base, path))
	if err != nil {
		return nil, requestErrorf("invalid url: %v", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, requestErrorf("url %s is not http(s)", target.Redacted())
	}

	defaults, err := rc.renderMap(def.QueryParams)
	if err != nil {
		return nil, err
	}
	query := target.Query()
	for k, v := range defaults {
		query.Set(k, v)
	}
	for k, v := range req.QueryParams {
		query.Set(k, v)
	}
	target.RawQuery = query.Encode()

	body, contentType, err := encodeBody(def, req.Body)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(def.Action)
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, requestErrorf("failed to create request: %v", err)
	}

	headers, err := rc.renderMap(def.Headers)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for _, h := range hopHeaders {
		httpReq.Header.Del(h)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	if err := applyAuth(httpReq, def.AuthMethod, rc, secret); err != nil {
		return nil, err
	}

	return httpReq, nil
}

// encodeBody nests and encodes the request body. It returns a nil body when
// there is nothing to send.
func encodeBody(def *definitions.ConnectionModelDefinition, raw json.RawMessage) ([]byte, string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, "", nil
	}

	switch def.Content {
	case definitions.ContentOther:
		return trimmed, "", nil

	case definitions.ContentForm:
		if !json.Valid(trimmed) {
			return nil, "", requestErrorf("request body is not JSON")
		}
		nested, err := nestBody(def, trimmed)
		if err != nil {
			return nil, "", err
		}
		form, err := EncodeForm(nested)
		if err != nil {
			return nil, "", err
		}
		return []byte(form), "application/x-www-form-urlencoded", nil

	default:
		if !json.Valid(trimmed) {
			return nil, "", requestErrorf("request body is not JSON")
		}
		nested, err := nestBody(def, trimmed)
		if err != nil {
			return nil, "", err
		}
		return nested, "application/json", nil
	}
}

// EncodeForm encodes a JSON object as a form. Nested values are sent as
// their JSON text and null values are dropped.
func EncodeForm(body []byte) (string, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", requestErrorf("form body must be a JSON object: %v", err)
	}
	values := url.Values{}
	for k, v := range fields {
		switch tv := v.(type) {
		case nil:
		case string:
			values.Set(k, tv)
		case bool, float64:
			values.Set(k, fmt.Sprint(tv))
		default:
			encoded, err := json.Marshal(tv)
			if err != nil {
				return "", requestErrorf("cannot encode form field %s: %v", k, err)
			}
			values.Set(k, string(encoded))
		}
	}
	return values.Encode(), nil
}

// applyAuth sets the credentials of the definition's auth method.
func applyAuth(req *http.Request, method definitions.AuthMethod, rc *renderContext, secret Secret) error {
	switch method.Type {
	case "", definitions.AuthNone:
		return nil

	case definitions.AuthBearerToken:
		token, err := rc.render(method.Value)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)

	case definitions.AuthAPIKey:
		key, err := rc.render(method.Key)
		if err != nil {
			return err
		}
		value, err := rc.render(method.Value)
		if err != nil {
			return err
		}
		req.Header.Set(key, value)

	case definitions.AuthBasic:
		user, err := rc.render(method.Username)
		if err != nil {
			return err
		}
		pass, err := rc.render(method.Password)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))

	case definitions.AuthOAuth:
		token, _ := secret["accessToken"].(string)
		if token == "" {
			return requestErrorf("oauth definition requires an access token")
		}
		tokenType, _ := secret["tokenType"].(string)
		if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
			tokenType = "Bearer"
		}
		req.Header.Set("Authorization", tokenType+" "+token)

	default:
		return requestErrorf("unsupported auth method %s", method.Type)
	}
	return nil
}

// Test runs the definition as a connection test. It never fails: the
// outcome is reported in the result and emitted to the status sink.
func (e *Executor) Test(ctx context.Context, def *definitions.ConnectionModelDefinition, req *Request, secret Secret) *TestResult {
	start := e.now()
	resp, err := e.Execute(ctx, def, req, secret)
	latency := e.now().Sub(start)

	result := &TestResult{
		Meta: TestMeta{
			Platform:        def.ConnectionPlatform,
			PlatformVersion: def.PlatformVersion,
			Action:          def.ActionName,
			ModelName:       def.ModelName,
			LatencyMs:       latency.Milliseconds(),
		},
		Status: definitions.TestConnectionStatus{LastTestedAt: start.UTC()},
	}

	if err != nil {
		result.Status.State = definitions.Failure(err.Error())
		if te, ok := AsTransportError(err); ok {
			result.Code = te.StatusCode
		}
	} else {
		result.Status.State = definitions.Success()
		result.Code = resp.StatusCode
		result.Response = resp
	}

	e.metrics.RecordConnectionTest(def.ConnectionPlatform, result.Status.State.Kind)

	if e.sink != nil {
		if err := e.sink.RecordTestStatus(ctx, def.ID, result.Status); err != nil {
			e.logger.WithPlatform(def.ConnectionPlatform, def.PlatformVersion).
				WithError(err).
				Warn("failed to record connection test status")
		}
	}
	return result
}

// TestMeta describes the call a connection test made.
type TestMeta struct {
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion"`
	Action          string `json:"action"`
	ModelName       string `json:"modelName"`
	LatencyMs       int64  `json:"latencyMs"`
}

// TestResult is the outcome of a connection test.
type TestResult struct {
	Code     int                              `json:"code"`
	Status   definitions.TestConnectionStatus `json:"status"`
	Meta     TestMeta                         `json:"meta"`
	Response *NormalizedResponse              `json:"response,omitempty"`
}

func errorStatus(err error) string {
	var te *TransportError
	var me *MappingError
	var re *RequestError
	switch {
	case errors.As(err, &te):
		if te.StatusCode == 0 {
			return "transport_error"
		}
		return fmt.Sprintf("http_%d", te.StatusCode)
	case errors.As(err, &me):
		return "mapping_error"
	case errors.As(err, &re):
		return "request_error"
	}
	return "error"
}

func errorMessage(status int, body []byte) string {
	msg := strings.TrimSpace(string(truncate(body, maxErrorMessageBytes)))
	if msg == "" {
		return http.StatusText(status)
	}
	return msg
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
