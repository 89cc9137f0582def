// Package unified executes connection model definitions against platform
// APIs.
//
// An Executor renders a definition's base URL, path, headers and query
// params against a credential secret ({{accessToken}}) and the caller's path
// params ({id}), applies the definition's auth method, encodes the body as
// JSON or a form, and sends the request. Responses are normalized with the
// definition's response paths into entities carrying an optional id and
// cursor.
//
// Failures are typed: *RequestError before anything is sent,
// *TransportError for network failures and non-2xx responses, and
// *MappingError when response paths do not apply.
//
// Test runs a definition as a connection test and reports the outcome to a
// StatusSink instead of failing.
package unified
