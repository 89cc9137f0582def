// Package sandbox hosts the per-platform authentication scripts that shape
// OAuth token requests and normalize token responses.
//
// Scripts are Starlark. A script defines an entry function (default "entry")
// taking the slot payload as a single dict argument. The environment offers
// struct() and the json module and nothing else: no load, no I/O, and print
// output is discarded.
//
// Slot contracts:
//
//	init.compute, refresh.compute
//	    -> {"headers": dict?, "queryParams": dict?, "body": any?}
//	init.responseCompute, refresh.responseCompute
//	    -> {"accessToken": str, "expiresIn": int|float, "refreshToken": str?,
//	        "tokenType": str?, "meta": dict?}
//
// Every failure is an *Error whose Kind is one of KindTimeout,
// KindContractViolation or KindScriptThrow.
package sandbox
