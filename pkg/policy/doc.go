// Package policy provides Open Policy Agent (OPA) admission control for
// definition writes.
//
// Every definition written through the definitions repository is converted
// to its JSON form and evaluated as
//
//	{"kind": ..., "id": ..., "record": {...}, "operation": "put", "timestamp": ...}
//
// against each enabled policy's "deny" set. Violations with severity "error"
// reject the write; anything else is reported as a warning.
//
// Built-in policies cover endpoint shape, list-path hints, OAuth script
// presence and token endpoint TLS. Additional policies are loaded from .rego
// files or from YAML documents of the form
//
//	name: no-sandbox-hosts
//	description: Block definitions pointing at sandbox hosts
//	severity: error
//	rego: |
//	  package custom.hosts
//	  import rego.v1
//	  deny contains "sandbox host" if contains(input.record.baseUrl, "sandbox")
package policy
