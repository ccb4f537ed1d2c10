// Package store provides the SQLite-backed result store and identity mapper.
//
// Tables:
//   - external_mappings: (external_key, context) -> correlation id, permanent
//   - requests: one row per correlation id, immutable
//   - result_sets: at most one per request, indexed by id and by each of the
//     four component result ids
//   - consumption_records: downstream ownership markers (brukt)
//   - reclaimed_results: tombstones left by retention cleanup
//
// # Idempotency
//
// Every insert uses ON CONFLICT DO NOTHING and reports rows affected.
// A duplicate insert is never an error and never overwrites.
//
// Mapping creation runs lookup-then-insert inside one transaction on a
// single-connection pool, and the UNIQUE(external_key, context) constraint
// settles races with other processes sharing the file.
//
// # Status
//
// Status is derived: Done when a result set exists for the request, Pending
// when none exists and none was reclaimed, NOT_FOUND otherwise.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
