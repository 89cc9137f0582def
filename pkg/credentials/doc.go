// Package credentials manages the OAuth credential lifecycle of
// connections.
//
// A credential moves through
//
//	Uninitialized -> Active -> Refreshing -> Active | Expired | Revoked
//
// Init runs an OAuth definition's init phase: the init compute script shapes
// the token request, the token endpoint is called, and the init response
// script normalizes the answer into a Credential stored sealed under a new
// reference. Refresh runs the refresh phase the same way, at most once at a
// time per reference. Resolve refreshes proactively inside a guard window
// before expiry and falls back to the current token while it is still
// valid. Revoke is terminal.
//
// Every script runs in the sandbox; nothing is written to the secret store
// unless the whole exchange succeeded.
package credentials
