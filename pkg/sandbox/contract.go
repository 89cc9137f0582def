package sandbox

import (
	"math"
	"strconv"
	"time"
)

// MaxExpiresIn is the largest expiresIn, in seconds, that fits a
// time.Duration.
const MaxExpiresIn = int64(math.MaxInt64 / int64(time.Second))

// Computation is the output of a compute slot: the parts of the token
// request the script contributes.
type Computation struct {
	Headers     map[string]string
	QueryParams map[string]string
	Body        interface{}
}

// TokenResponse is the output of a responseCompute slot: the token endpoint
// response normalized into the credential fields.
type TokenResponse struct {
	AccessToken  string
	ExpiresIn    int64
	RefreshToken string
	TokenType    string
	Meta         map[string]interface{}
}

func parseComputation(slot Slot, v interface{}) (*Computation, error) {
	if v == nil {
		return &Computation{}, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, contractViolation(slot, "compute must return a dict, got %T", v)
	}

	headers, err := stringMap(slot, "headers", m["headers"])
	if err != nil {
		return nil, err
	}
	query, err := stringMap(slot, "queryParams", m["queryParams"])
	if err != nil {
		return nil, err
	}

	return &Computation{
		Headers:     headers,
		QueryParams: query,
		Body:        m["body"],
	}, nil
}

func parseTokenResponse(slot Slot, v interface{}) (*TokenResponse, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, contractViolation(slot, "responseCompute must return a dict, got %T", v)
	}

	access, ok := m["accessToken"].(string)
	if !ok || access == "" {
		return nil, contractViolation(slot, "accessToken must be a non-empty string")
	}

	var expiresIn int64
	switch n := m["expiresIn"].(type) {
	case int64:
		expiresIn = n
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, contractViolation(slot, "expiresIn must be finite")
		}
		if n > float64(MaxExpiresIn) {
			return nil, contractViolation(slot, "expiresIn must not exceed %d, got %g", MaxExpiresIn, n)
		}
		expiresIn = int64(n)
	default:
		return nil, contractViolation(slot, "expiresIn must be a number, got %T", m["expiresIn"])
	}
	if expiresIn < 0 {
		return nil, contractViolation(slot, "expiresIn must not be negative, got %d", expiresIn)
	}
	if expiresIn > MaxExpiresIn {
		return nil, contractViolation(slot, "expiresIn must not exceed %d, got %d", MaxExpiresIn, expiresIn)
	}

	refresh, err := optionalString(slot, "refreshToken", m["refreshToken"])
	if err != nil {
		return nil, err
	}
	tokenType, err := optionalString(slot, "tokenType", m["tokenType"])
	if err != nil {
		return nil, err
	}

	var meta map[string]interface{}
	if raw, present := m["meta"]; present && raw != nil {
		meta, ok = raw.(map[string]interface{})
		if !ok {
			return nil, contractViolation(slot, "meta must be a dict, got %T", raw)
		}
	}

	return &TokenResponse{
		AccessToken:  access,
		ExpiresIn:    expiresIn,
		RefreshToken: refresh,
		TokenType:    tokenType,
		Meta:         meta,
	}, nil
}

func optionalString(slot Slot, name string, v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", contractViolation(slot, "%s must be a string, got %T", name, v)
	}
	return s, nil
}

// stringMap accepts a dict of scalars and renders the values as strings.
func stringMap(slot Slot, name string, v interface{}) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, contractViolation(slot, "%s must be a dict, got %T", name, v)
	}
	out := make(map[string]string, len(m))
	for k, raw := range m {
		switch val := raw.(type) {
		case string:
			out[k] = val
		case int64:
			out[k] = strconv.FormatInt(val, 10)
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		case nil:
			continue
		default:
			return nil, contractViolation(slot, "%s.%s must be a scalar, got %T", name, k, raw)
		}
	}
	return out, nil
}
