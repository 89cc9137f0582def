package unified

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	templatePattern    = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	placeholderPattern = regexp.MustCompile(`\{([^{}/]+)\}`)
)

// Secret is the credential context definitions are rendered against, e.g.
// {"accessToken": "...", "tokenType": "Bearer", "apiKey": "..."}.
type Secret map[string]interface{}

// renderContext is the JSON document {{path}} templates are looked up in:
// the secret extended with the request's path params.
type renderContext struct {
	doc []byte
}

func newRenderContext(secret Secret, pathParams map[string]string) (*renderContext, error) {
	merged := make(map[string]interface{}, len(secret)+len(pathParams))
	for k, v := range secret {
		merged[k] = v
	}
	for k, v := range pathParams {
		merged[k] = v
	}
	doc, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode template context: %w", err)
	}
	return &renderContext{doc: doc}, nil
}

// render replaces every {{path}} in s with the value at path. A template
// without a value is a request error.
func (rc *renderContext) render(s string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var missing []string
	out := templatePattern.ReplaceAllStringFunc(s, func(m string) string {
		path := templatePattern.FindStringSubmatch(m)[1]
		res := gjson.GetBytes(rc.doc, path)
		if !res.Exists() || res.Type == gjson.Null {
			missing = append(missing, path)
			return m
		}
		return res.String()
	})
	if len(missing) > 0 {
		return "", requestErrorf("no value for template %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Render replaces every {{path}} in s with the value at path in data.
func Render(s string, data map[string]interface{}) (string, error) {
	rc, err := newRenderContext(data, nil)
	if err != nil {
		return "", err
	}
	return rc.render(s)
}

func (rc *renderContext) renderMap(in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		rendered, err := rc.render(v)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

// substitutePath replaces {param} placeholders with path-escaped values.
func substitutePath(path string, params map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(path, func(m string) string {
		name := strings.TrimSpace(placeholderPattern.FindStringSubmatch(m)[1])
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return url.PathEscape(v)
	})
	if len(missing) > 0 {
		return "", requestErrorf("no value for path parameter %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// joinURL joins a base URL and a path with exactly one slash.
func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
