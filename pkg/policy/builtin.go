package policy

// GetBuiltinPolicies returns the admission policies every engine starts with.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		modelEndpointPolicy(),
		modelPathsPolicy(),
		oauthScriptsPolicy(),
		tokenEndpointTLSPolicy(),
	}
}

// modelEndpointPolicy rejects model definitions that cannot produce a valid
// outbound request.
func modelEndpointPolicy() Policy {
	return Policy{
		Name:        "model-endpoint",
		Description: "Model definitions must target an absolute http(s) base URL with a supported verb and well-formed path placeholders",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package unify.admission.endpoint

import rego.v1

allowed_verbs := {"GET", "POST", "PUT", "PATCH", "DELETE"}

deny contains violation if {
	input.kind == "connection_model_definition"
	not regex.match("^https?://[^/]+", input.record.baseUrl)
	violation := {
		"message": sprintf("baseUrl %s must be an absolute http(s) URL", [input.record.baseUrl]),
		"severity": "error",
	}
}

deny contains violation if {
	input.kind == "connection_model_definition"
	not allowed_verbs[input.record.action]
	violation := {
		"message": sprintf("action %s is not a supported HTTP verb", [input.record.action]),
		"severity": "error",
	}
}

deny contains violation if {
	input.kind == "connection_model_definition"
	regex.match("\\{\\s*\\}", input.record.path)
	violation := {
		"message": sprintf("path %s contains an empty placeholder", [input.record.path]),
		"severity": "error",
	}
}
`,
	}
}

// modelPathsPolicy warns about list actions without a response object path.
func modelPathsPolicy() Policy {
	return Policy{
		Name:        "model-paths",
		Description: "List actions should declare where the entities live in the response",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package unify.admission.paths

import rego.v1

deny contains violation if {
	input.kind == "connection_model_definition"
	input.record.actionName == "getMany"
	not input.record.paths.response.object
	violation := {
		"message": "getMany definition has no paths.response.object; the whole body becomes one entity",
		"severity": "warning",
	}
}
`,
	}
}

// oauthScriptsPolicy requires the scripts a refresh cannot work without.
func oauthScriptsPolicy() Policy {
	return Policy{
		Name:        "oauth-scripts",
		Description: "OAuth definitions must carry init and refresh response scripts",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package unify.admission.oauth

import rego.v1

deny contains violation if {
	input.kind == "connection_oauth_definition"
	some phase in ["init", "refresh"]
	not input.record.compute[phase].response.function
	violation := {
		"message": sprintf("compute.%s.response script is required", [phase]),
		"severity": "error",
	}
}
`,
	}
}

// tokenEndpointTLSPolicy flags token endpoints reached over plain http.
func tokenEndpointTLSPolicy() Policy {
	return Policy{
		Name:        "token-endpoint-tls",
		Description: "Token endpoints should use https",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package unify.admission.tls

import rego.v1

deny contains violation if {
	input.kind == "connection_oauth_definition"
	some phase in ["init", "refresh"]
	url := input.record.configuration[phase].baseUrl
	startswith(url, "http://")
	violation := {
		"message": sprintf("configuration.%s.baseUrl %s is not https", [phase, url]),
		"severity": "warning",
	}
}
`,
	}
}
