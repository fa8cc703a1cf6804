// Package store persists cart contents per scope.
//
// An Adapter encodes a scope's items into a versioned JSON envelope and
// writes it to a Backend under the key "cart:<scopeId>". Backends are plain
// byte stores with an optional byte quota; when a write would exceed the
// quota the Adapter evicts other scopes' records, oldest savedAt first, and
// retries.
//
// # Envelope versions
//
//   - "2": current. savedAt and addedAt are RFC 3339 timestamps, date
//     overrides are flat dateOverrideStart/dateOverrideEnd fields.
//   - "1": legacy. savedAt and addedAt are unix milliseconds, the override
//     is a nested {start,end} object. Migrated on load.
//
// Anything else (newer versions, corrupt JSON) is discarded on load: the
// record is deleted and the scope starts empty.
//
// # Backends
//
//   - MemoryBackend: map-backed, for tests and ephemeral use.
//   - SQLiteBackend: single table in a WAL-mode SQLite file.
//   - pgstore.Backend: Postgres through pgx (subpackage).
package store
