// Package store provides SQLite-backed durable storage for sessions, the
// append-only chunk attempt log, and minted media records.
//
// # Invariants
//
// Append-only chunk log
//   - Attempt rows are never deleted; a resubmission inserts a new row whose
//     supersedes column names the previous attempt
//   - Pipeline progress updates a row in place until it reaches a terminal
//     status, after which the row is frozen
//
// Authoritative sequence numbers
//   - UNIQUE(session_id, sequence_number) over first attempts (supersedes IS NULL)
//   - A duplicate authoritative number fails the insert instead of
//     silently shadowing an existing chunk
//
// Completed sessions take no appends
//   - The insert is guarded by the session's status in the same statement,
//     so EndSession racing AppendChunk can never leave a chunk behind
//
// Deterministic reads
//   - Chunk logs are returned ORDER BY sequence_number, created_at,
//     attempt_id COLLATE BINARY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
