// Package cache provides the read-through cache used for definitions and
// common models.
//
// A Cache has a bounded local tier and an optional distributed tier (Redis,
// or the SQLite table provided by package stores). Population is
// single-flight per key. Flight, the coalescing primitive behind it, is also
// used on its own to serialize credential refreshes.
//
// Keys are composed with the helpers in keys.go so that writers and readers
// of a record always agree on its key.
package cache
