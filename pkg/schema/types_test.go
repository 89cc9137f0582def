package schema

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestField_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantErr   string
		checkFunc func(*testing.T, Field)
	}{
		{
			name:  "string",
			input: `{"name":"email","datatype":"String","required":true}`,
			checkFunc: func(t *testing.T, f Field) {
				if f.DataType.Kind != KindString || !f.Required {
					t.Errorf("unexpected field: %+v", f)
				}
			},
		},
		{
			name:  "array of dates",
			input: `{"name":"tags","datatype":"Array","elementType":{"datatype":"Date"}}`,
			checkFunc: func(t *testing.T, f Field) {
				if f.DataType.Kind != KindArray {
					t.Fatalf("expected Array, got %s", f.DataType.Kind)
				}
				if f.DataType.Element == nil || f.DataType.Element.Kind != KindDate {
					t.Errorf("expected Date element, got %+v", f.DataType.Element)
				}
			},
		},
		{
			name:  "enum with options",
			input: `{"name":"status","datatype":"Enum","options":["open","closed"],"reference":"Status"}`,
			checkFunc: func(t *testing.T, f Field) {
				if len(f.DataType.Options) != 2 || f.DataType.Reference != "Status" {
					t.Errorf("unexpected enum: %+v", f.DataType)
				}
			},
		},
		{
			name:  "expandable",
			input: `{"name":"address","datatype":"Expandable","reference":"Address"}`,
			checkFunc: func(t *testing.T, f Field) {
				if f.DataType.Reference != "Address" || f.DataType.State != Unexpanded {
					t.Errorf("unexpected expandable: %+v", f.DataType)
				}
			},
		},
		{
			name:    "unknown datatype",
			input:   `{"name":"x","datatype":"Decimal"}`,
			wantErr: `unknown datatype "Decimal"`,
		},
		{
			name:    "array without element",
			input:   `{"name":"x","datatype":"Array"}`,
			wantErr: "requires an elementType",
		},
		{
			name:    "unknown nested element",
			input:   `{"name":"x","datatype":"Array","elementType":{"datatype":"Blob"}}`,
			wantErr: `unknown datatype "Blob"`,
		},
		{
			name:    "expandable without reference",
			input:   `{"name":"x","datatype":"Expandable"}`,
			wantErr: "requires a reference",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Field
			err := json.Unmarshal([]byte(tt.input), &f)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkFunc(t, f)
		})
	}
}

func TestField_MarshalJSON_Flattened(t *testing.T) {
	f := Field{
		Name: "tags",
		DataType: DataType{
			Kind:    KindArray,
			Element: &DataType{Kind: KindDate},
		},
	}

	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got["name"] != "tags" || got["datatype"] != "Array" {
		t.Errorf("unexpected encoding: %s", data)
	}
	el, ok := got["elementType"].(map[string]interface{})
	if !ok || el["datatype"] != "Date" {
		t.Errorf("unexpected elementType: %s", data)
	}
}

func TestField_NestedArrayRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		field Field
	}{
		{
			name: "array of arrays of dates",
			field: Field{
				Name:     "schedule",
				Required: true,
				DataType: DataType{
					Kind: KindArray,
					Element: &DataType{
						Kind:    KindArray,
						Element: &DataType{Kind: KindDate},
					},
				},
			},
		},
		{
			name: "array of arrays of enums",
			field: Field{
				Name: "grid",
				DataType: DataType{
					Kind: KindArray,
					Element: &DataType{
						Kind:    KindArray,
						Element: &DataType{Kind: KindEnum, Options: []string{"a", "b"}, Reference: "Letter"},
					},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.field)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			var got Field
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal of %s failed: %v", data, err)
			}
			if !reflect.DeepEqual(got, tt.field) {
				t.Errorf("round trip changed the field:\n got %+v\nwant %+v\njson %s", got, tt.field, data)
			}
		})
	}
}

func TestCommonModel_Validate(t *testing.T) {
	m := &CommonModel{
		ID:   "cm_1",
		Name: "Contact",
		Fields: []Field{
			{Name: "email", DataType: DataType{Kind: KindString}},
			{Name: "email", DataType: DataType{Kind: KindString}},
		},
	}
	if err := m.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate field") {
		t.Errorf("expected duplicate field error, got %v", err)
	}

	m.Fields = m.Fields[:1]
	if err := m.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCommonModel_CloneIsDeep(t *testing.T) {
	m := &CommonModel{
		ID:   "cm_1",
		Name: "Contact",
		Fields: []Field{
			{Name: "tags", DataType: DataType{Kind: KindArray, Element: &DataType{Kind: KindString}}},
		},
	}
	c := m.Clone()
	c.Fields[0].DataType.Element.Kind = KindNumber
	c.Fields[0].Name = "changed"

	if m.Fields[0].Name != "tags" || m.Fields[0].DataType.Element.Kind != KindString {
		t.Errorf("clone shares state with original: %+v", m.Fields[0])
	}
}
