// Package definitions holds the declarative per-platform records that drive
// the engine: connection definitions, connection model definitions and
// connection OAuth definitions.
//
// The Repository reads records through the cache under the keys composed in
// package cache, and on every write validates the record, runs it through the
// admission policies and invalidates the keys it was cached under. Bundles of
// records are imported from YAML or JSON files, and a Watcher re-imports them
// when the files change.
package definitions
