package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openunify/openunify/pkg/definitions"
	"github.com/openunify/openunify/pkg/sandbox"
	"github.com/openunify/openunify/pkg/unified"
)

// DefaultTokenTimeout bounds a token endpoint call.
const DefaultTokenTimeout = 30 * time.Second

const maxTokenResponseBytes = 1 << 20

// TokenClient calls OAuth token endpoints.
type TokenClient struct {
	client  *http.Client
	timeout time.Duration
}

// NewTokenClient creates a token client. A nil client uses a default one.
func NewTokenClient(client *http.Client, timeout time.Duration) *TokenClient {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTokenTimeout
	}
	return &TokenClient{client: client, timeout: timeout}
}

// Exchange POSTs to the token endpoint and returns the decoded response.
//
// The endpoint's headers and query params are templates rendered against the
// computation's headers and query params; computed values are then added,
// replacing configured ones. The computed body has its string values
// rendered against payload and is encoded per the endpoint's content type.
func (c *TokenClient) Exchange(ctx context.Context, endpoint definitions.TokenEndpoint, computation *sandbox.Computation, payload map[string]interface{}) (map[string]interface{}, error) {
	if computation == nil {
		computation = &sandbox.Computation{}
	}

	raw := endpoint.BaseURL
	if endpoint.Path != "" {
		raw = strings.TrimRight(raw, "/") + "/" + strings.TrimLeft(endpoint.Path, "/")
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid token endpoint: %w", err)
	}

	query := target.Query()
	if err := mergeRendered(query.Set, endpoint.QueryParams, computation.QueryParams); err != nil {
		return nil, err
	}
	target.RawQuery = query.Encode()

	body, contentType, err := encodeTokenBody(endpoint.Content, computation.Body, payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := mergeRendered(req.Header.Set, endpoint.Headers, computation.Headers); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &unified.TransportError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, &unified.TransportError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read token response: %v", err), Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &unified.TransportError{StatusCode: resp.StatusCode, Message: msg, Body: data}
	}

	return decodeTokenResponse(resp.Header.Get("Content-Type"), data)
}

// mergeRendered renders configured templates against computed values and
// then applies the computed values themselves.
func mergeRendered(set func(k, v string), configured, computed map[string]string) error {
	data := make(map[string]interface{}, len(computed))
	for k, v := range computed {
		data[k] = v
	}
	for k, v := range configured {
		rendered, err := unified.Render(v, data)
		if err != nil {
			return err
		}
		set(k, rendered)
	}
	for k, v := range computed {
		set(k, v)
	}
	return nil
}

func encodeTokenBody(content definitions.ContentType, body interface{}, payload map[string]interface{}) ([]byte, string, error) {
	if body == nil {
		return nil, "", nil
	}
	rendered, err := renderValue(body, payload)
	if err != nil {
		return nil, "", err
	}

	if s, ok := rendered.(string); ok && content == definitions.ContentOther {
		return []byte(s), "", nil
	}

	encoded, err := json.Marshal(rendered)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode token request body: %w", err)
	}

	switch content {
	case definitions.ContentForm:
		form, err := unified.EncodeForm(encoded)
		if err != nil {
			return nil, "", err
		}
		return []byte(form), "application/x-www-form-urlencoded", nil
	case definitions.ContentOther:
		return encoded, "", nil
	default:
		return encoded, "application/json", nil
	}
}

// renderValue renders every string inside v against data.
func renderValue(v interface{}, data map[string]interface{}) (interface{}, error) {
	switch tv := v.(type) {
	case string:
		return unified.Render(tv, data)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, item := range tv {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// decodeTokenResponse decodes a JSON object response, or a form encoded one
// for endpoints that still answer that way.
func decodeTokenResponse(contentType string, data []byte) (map[string]interface{}, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "text/plain" {
		if values, err := url.ParseQuery(string(data)); err == nil && len(values) > 0 && !json.Valid(data) {
			out := make(map[string]interface{}, len(values))
			for k := range values {
				out[k] = values.Get(k)
			}
			return out, nil
		}
	}

	var out map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("token response is not a JSON object: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("token response is not a JSON object")
	}
	return out, nil
}
