// Package store provides SQLite-backed durable history for rulegraph.
//
// The store records:
//   - Rules: the current install of every rule ID, with its flattened graph
//   - Rule Versions: every graph version ever installed
//   - Firings: one row per finished firing, including dropped ones
//   - Action Runs: one row per action invocation within a firing
//
// # Critical Patterns
//
// Idempotent Writes
//   - firings use ON CONFLICT(id) DO NOTHING, so re-recording is harmless
//   - rules are upserted; rule_versions keep the first write per version
//
// Deterministic Query Results
//   - All firing queries order by: seq ASC, id ASC COLLATE BINARY
//   - Timestamps are informational and never used for ordering
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// JSON columns are written with ir.MarshalCanonical (RFC 8785).
package store
