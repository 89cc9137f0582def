package unified

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/openunify/openunify/pkg/definitions"
)

// Entity is one record extracted from a response.
type Entity struct {
	// ID is nil when the definition has no id path or the element does not
	// carry one.
	ID *string `json:"id,omitempty"`

	// Cursor is nil when no cursor could be resolved for the element.
	Cursor *string `json:"cursor,omitempty"`

	Data json.RawMessage `json:"data"`
}

// NormalizedResponse is a platform response mapped with the definition's
// response paths.
type NormalizedResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Entities   []Entity          `json:"entities"`

	// Cursor is the next-page cursor of the whole response. Nil means there
	// are no further pages.
	Cursor *string `json:"cursor,omitempty"`

	Raw json.RawMessage `json:"raw,omitempty"`
}

var indexPattern = regexp.MustCompile(`\[(\d+)\]`)

// toGJSONPath converts a JSONPath-style response path into a gjson path
// relative to the response body. Paths may address the body directly
// ("$.results[0]") or through the wrapped form ("$.body.results",
// "_.body.results"). An empty result addresses the body itself.
func toGJSONPath(path string) string {
	p := strings.TrimSpace(path)
	for _, prefix := range []string{"$.body.", "_.body.", "$.", "_."} {
		if strings.HasPrefix(p, prefix) {
			p = strings.TrimPrefix(p, prefix)
			break
		}
	}
	switch p {
	case "$", "_", "$.body", "_.body", "body":
		return ""
	}
	p = indexPattern.ReplaceAllString(p, ".$1")
	return strings.TrimPrefix(p, ".")
}

func lookup(doc gjson.Result, path string) gjson.Result {
	if path == "" {
		return doc
	}
	return doc.Get(path)
}

// scalarString renders a resolved id or cursor. Null and absent values are
// nil.
func scalarString(res gjson.Result) *string {
	if !res.Exists() || res.Type == gjson.Null {
		return nil
	}
	var s string
	if res.Type == gjson.String {
		s = res.String()
	} else {
		s = res.Raw
	}
	return &s
}

// mapResponse extracts entities, ids and cursors from body.
func mapResponse(def *definitions.ConnectionModelDefinition, status int, body []byte) (*NormalizedResponse, error) {
	out := &NormalizedResponse{StatusCode: status, Entities: []Entity{}}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return out, nil
	}
	if !gjson.ValidBytes(trimmed) {
		return nil, &MappingError{Message: "response body is not JSON"}
	}
	out.Raw = json.RawMessage(trimmed)

	root := gjson.ParseBytes(trimmed)
	paths := def.Paths.Response

	objects := root
	if paths.Object != "" {
		objects = lookup(root, toGJSONPath(paths.Object))
		if !objects.Exists() {
			return nil, &MappingError{Path: paths.Object, Message: "path not present in response"}
		}
	}

	idPath := toGJSONPath(paths.ID)
	cursorPath := toGJSONPath(paths.Cursor)

	if paths.Cursor != "" {
		out.Cursor = scalarString(lookup(root, cursorPath))
	}

	if objects.Type == gjson.Null {
		return out, nil
	}
	if objects.IsArray() {
		for _, element := range objects.Array() {
			entity := Entity{Data: json.RawMessage(element.Raw)}
			if paths.ID != "" {
				entity.ID = scalarString(lookup(element, idPath))
			}
			if paths.Cursor != "" {
				entity.Cursor = scalarString(lookup(element, cursorPath))
				if entity.Cursor == nil {
					entity.Cursor = out.Cursor
				}
			}
			out.Entities = append(out.Entities, entity)
		}
		return out, nil
	}

	entity := Entity{Data: json.RawMessage(objects.Raw), Cursor: out.Cursor}
	if paths.ID != "" {
		entity.ID = scalarString(lookup(root, idPath))
		if entity.ID == nil {
			entity.ID = scalarString(lookup(objects, idPath))
		}
	}
	out.Entities = append(out.Entities, entity)
	return out, nil
}

// nestBody places body under the request object path when it addresses a
// member of the body. The remainder after "$.body." is a single literal key:
// "$.body.input.record" nests under {"input.record": ...}.
func nestBody(def *definitions.ConnectionModelDefinition, body []byte) ([]byte, error) {
	object := strings.TrimSpace(def.Paths.Request.Object)
	var key string
	switch {
	case strings.HasPrefix(object, "$.body."):
		key = strings.TrimPrefix(object, "$.body.")
	case strings.HasPrefix(object, "_.body."):
		key = strings.TrimPrefix(object, "_.body.")
	}
	if key == "" {
		return body, nil
	}
	nested, err := sjson.SetRawBytes([]byte(`{}`), pathKeyEscaper.Replace(key), body)
	if err != nil {
		return nil, requestErrorf("cannot nest body under %s: %v", object, err)
	}
	return nested, nil
}

// pathKeyEscaper makes a key literal in an sjson path.
var pathKeyEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`:`, `\:`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
)
