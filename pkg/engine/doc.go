// Package engine drives a unified call from definition lookup to normalized
// response.
//
// # Overview
//
// An Orchestrator ties the other packages together for one call:
//
//  1. Definition - the model definition is read through the cached
//     repository, by id or by (platform, version, model, action)
//  2. Credential - the stored OAuth credential is resolved, refreshing it
//     first when it is inside the guard window, or an inline secret is used
//  3. Execute - the executor renders the request, sends it, and maps the
//     response into entities
//  4. Retry - a 401 from an OAuth platform forces one refresh and one retry
//  5. Expand - optionally, the linked common model is expanded
//
// # Errors
//
// Every error returned by the Orchestrator is an *EngineError carrying an
// ErrorClass. Callers decide whether to retry with IsRetryable:
//
//	res, err := orch.Execute(ctx, call)
//	if engine.IsRetryable(err) {
//	    // transient, throttled or conflict
//	}
//
// Classify also works on raw errors from the unified, credentials and
// sandbox packages.
//
// # Example
//
//	orch, err := engine.NewOrchestrator(engine.Options{
//	    Definitions: repo,
//	    Credentials: manager,
//	    Executor:    unified.NewExecutor(unified.Options{Sink: repo}),
//	})
//	if err != nil {
//	    return err
//	}
//
//	res, err := orch.Execute(ctx, engine.Call{
//	    Platform:   "hubspot",
//	    ModelName:  "contacts",
//	    ActionName: "getMany",
//	    SecretRef:  ref,
//	    Request:    &unified.Request{QueryParams: map[string]string{"limit": "10"}},
//	})
package engine
