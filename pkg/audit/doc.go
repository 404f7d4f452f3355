// Package audit records every mutation to the IAM permission graph.
//
// # Overview
//
// Each mutating operation (role created, permission set replaced, role
// assignments changed) appends exactly one Entry. Entries carry a derived
// ChangeSet computed at write time (added/removed keys and allow/deny
// tallies), so consumers query summaries instead of re-diffing raw
// before/after blobs.
//
// # Capacity
//
// The log is bounded globally, not per tenant: once the configured cap
// (default 10,000) is exceeded the writer drops the oldest entries first,
// even when they belong to a different company than the one currently
// writing. This cross-tenant eviction coupling is a deliberate simplicity
// trade-off.
//
// # Recorders
//
// Two Recorder implementations ship: DBRecorder persists to PostgreSQL and
// enforces the cap on every write; MemoryRecorder keeps a capped in-process
// slice and is used by tests and standalone runs. Both serve Search in
// descending-timestamp order with limit/offset pagination, and Stats
// aggregates.
package audit
