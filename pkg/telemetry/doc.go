// Package telemetry provides observability instrumentation for the
// unification engine.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and lifecycle events.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("credentials")
//	logger = logger.WithPlatform("hubspot", "v3").WithSecretRef(ref)
//	logger.WithError(err).Error("refresh failed")
//
// Credential values are never logged; only secret references are.
//
// # Distributed Tracing
//
// A nil *Tracer is valid and produces no-op spans, so components accept an
// optional tracer:
//
//	ctx, span := tel.Tracer.StartSpan(ctx, "unified.execute",
//	    telemetry.AttrPlatform.String("hubspot"))
//	defer span.End()
//	telemetry.RecordError(span, err)
//
// Supported exporters: otlp, stdout, none.
//
// # Metrics
//
// A nil *Metrics is a no-op collector. Enabled metrics live in their own
// registry and are served at /metrics:
//
//	tel.Metrics.RecordExecution("hubspot", "getOne", "ok", duration)
//	tel.Metrics.RecordRefresh("ok")
//	tel.Metrics.RecordCacheLookup("local", true)
//
// # Events
//
// Credential and connection lifecycle transitions are published as events.
// A handler subscribes to a set of event types, or to all of them:
//
//	tel.Events.Subscribe(telemetry.LogEvents(tel.Logger))
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Println(event.Type, event.SecretRef)
//	}, telemetry.EventTypeCredentialRevoked)
package telemetry
