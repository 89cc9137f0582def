// Package config loads the configuration of an openunify process.
//
// Config files may be written in CUE, YAML or JSON. Every field is optional;
// a file is read on top of Default. CUE files are unified with the embedded
// #Config schema first, so type errors and misspelled fields are reported
// with their file position. All formats are then checked with
// go-playground/validator struct tags and a few cross-field rules.
//
// Example config.cue:
//
//	store: path: "/var/lib/openunify/openunify.db"
//	cache: {
//		backend:  "redis"
//		redisUrl: "redis://localhost:6379/0"
//		ttl: modelDefinition: "5m"
//	}
//	credentials: guardWindow: "90s"
//	telemetry: {
//		environment:   "production"
//		traceExporter: "otlp"
//		traceEndpoint: "otel-collector:4317"
//	}
//
// The secrets key is taken from secrets.key, secrets.keyFile or the
// OPENUNIFY_SECRET_KEY environment variable.
package config
