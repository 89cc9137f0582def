// Package stores provides the SQLite persistence layer: the document store
// holding definition records, the sealed secrets store holding credentials,
// and a table-backed distributed cache tier.
//
// Schema changes are embedded golang-migrate migrations applied by Migrate.
package stores
