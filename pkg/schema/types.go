package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the variant of a DataType.
type Kind string

const (
	KindString     Kind = "String"
	KindNumber     Kind = "Number"
	KindBoolean    Kind = "Boolean"
	KindDate       Kind = "Date"
	KindEnum       Kind = "Enum"
	KindArray      Kind = "Array"
	KindExpandable Kind = "Expandable"
)

// Valid reports whether k is one of the known datatype kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindString, KindNumber, KindBoolean, KindDate, KindEnum, KindArray, KindExpandable:
		return true
	}
	return false
}

// Expansion is the resolution state of an Expandable datatype.
type Expansion string

const (
	// Unexpanded is the default state, and the state left on a reference
	// that would re-enter a model already on the current expansion path.
	Unexpanded Expansion = ""
	Expanded   Expansion = "expanded"
	NotFound   Expansion = "notFound"
)

// DataType is the closed datatype variant of a Field.
//
// Only the members relevant to Kind are populated: Options and Reference for
// Enum, Element for Array, Reference, Model and State for Expandable.
type DataType struct {
	Kind      Kind
	Options   []string
	Reference string
	Element   *DataType
	Model     *CommonModel
	State     Expansion
}

// Field is a named, typed member of a CommonModel.
type Field struct {
	Name        string
	DataType    DataType
	Description string
	Required    bool
}

// CommonModel is a canonical entity schema shared across platforms.
type CommonModel struct {
	ID        string          `json:"_id" validate:"required"`
	Name      string          `json:"name" validate:"required"`
	Fields    []Field         `json:"fields"`
	Category  string          `json:"category,omitempty"`
	Sample    json.RawMessage `json:"sample,omitempty"`
	Primary   bool            `json:"primary"`
	Version   string          `json:"version,omitempty" validate:"omitempty,semver"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt,omitempty"`
}

// dataTypeJSON is the flattened declarative form of a DataType.
type dataTypeJSON struct {
	Datatype    Kind         `json:"datatype"`
	Options     []string     `json:"options,omitempty"`
	Reference   string       `json:"reference,omitempty"`
	ElementType *DataType    `json:"elementType,omitempty"`
	Model       *CommonModel `json:"model,omitempty"`
	Expansion   Expansion    `json:"expansion,omitempty"`
}

func (d DataType) toJSON() dataTypeJSON {
	return dataTypeJSON{
		Datatype:    d.Kind,
		Options:     d.Options,
		Reference:   d.Reference,
		ElementType: d.Element,
		Model:       d.Model,
		Expansion:   d.State,
	}
}

func (j dataTypeJSON) toDataType() (DataType, error) {
	d := DataType{
		Kind:      j.Datatype,
		Options:   j.Options,
		Reference: j.Reference,
		Element:   j.ElementType,
		Model:     j.Model,
		State:     j.Expansion,
	}
	if err := d.Validate(); err != nil {
		return DataType{}, err
	}
	return d, nil
}

// MarshalJSON encodes the datatype in its flattened declarative form.
func (d DataType) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.toJSON())
}

// UnmarshalJSON decodes and validates a flattened datatype. Unknown kinds
// are rejected.
func (d *DataType) UnmarshalJSON(data []byte) error {
	var raw dataTypeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := raw.toDataType()
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

type fieldJSON struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	dataTypeJSON
}

// MarshalJSON encodes the field with its datatype members inlined.
func (f Field) MarshalJSON() ([]byte, error) {
	return json.Marshal(fieldJSON{
		Name:         f.Name,
		Description:  f.Description,
		Required:     f.Required,
		dataTypeJSON: f.DataType.toJSON(),
	})
}

// UnmarshalJSON decodes a field in its flattened declarative form.
func (f *Field) UnmarshalJSON(data []byte) error {
	var raw fieldJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	dt, err := raw.dataTypeJSON.toDataType()
	if err != nil {
		return fmt.Errorf("field %q: %w", raw.Name, err)
	}
	*f = Field{
		Name:        raw.Name,
		DataType:    dt,
		Description: raw.Description,
		Required:    raw.Required,
	}
	return nil
}

// Validate checks the structural rules of the datatype variant.
func (d DataType) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("unknown datatype %q", d.Kind)
	}
	switch d.Kind {
	case KindArray:
		if d.Element == nil {
			return fmt.Errorf("array datatype requires an elementType")
		}
		if err := d.Element.Validate(); err != nil {
			return fmt.Errorf("elementType: %w", err)
		}
	case KindExpandable:
		if d.Reference == "" {
			return fmt.Errorf("expandable datatype requires a reference")
		}
	}
	return nil
}

// Validate checks model-level rules: a name, uniquely named fields and valid
// datatypes.
func (m *CommonModel) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("common model name is required")
	}
	seen := make(map[string]struct{}, len(m.Fields))
	for _, f := range m.Fields {
		if f.Name == "" {
			return fmt.Errorf("common model %s: field name is required", m.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("common model %s: duplicate field %q", m.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if err := f.DataType.Validate(); err != nil {
			return fmt.Errorf("common model %s: field %q: %w", m.Name, f.Name, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the model so expansion never mutates a shared
// (possibly cached) value.
func (m *CommonModel) Clone() *CommonModel {
	if m == nil {
		return nil
	}
	out := *m
	if m.Sample != nil {
		out.Sample = append(json.RawMessage(nil), m.Sample...)
	}
	out.Fields = make([]Field, len(m.Fields))
	for i, f := range m.Fields {
		out.Fields[i] = f
		out.Fields[i].DataType = f.DataType.clone()
	}
	return &out
}

func (d DataType) clone() DataType {
	out := d
	if d.Options != nil {
		out.Options = append([]string(nil), d.Options...)
	}
	if d.Element != nil {
		el := d.Element.clone()
		out.Element = &el
	}
	out.Model = d.Model.Clone()
	return out
}

// Field returns the named field, if present.
func (m *CommonModel) Field(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
