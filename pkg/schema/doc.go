// Package schema defines the canonical data model: common models, their
// fields and the closed set of field datatypes.
//
// Datatypes have a flattened declarative JSON form in which the variant tag
// and its members sit next to the field name:
//
//	{"name": "tags", "datatype": "Array", "elementType": {"datatype": "Date"}}
//	{"name": "address", "datatype": "Expandable", "reference": "Address"}
//
// Unknown datatype tags are rejected when a model is decoded, so a model that
// reaches the Expander is always structurally valid.
//
// The Expander replaces Expandable references with the referenced models,
// recursively, tracking the models on the current expansion path so that
// cyclic references terminate.
package schema
