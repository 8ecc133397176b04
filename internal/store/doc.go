// Package store provides SQLite-backed storage for instance records and
// admitted workflow documents.
//
// # Tables
//
//   - documents: source bytes of every admitted specification, keyed by
//     content hash, so a restarted engine can re-admit what it ran
//   - instances: the latest InstanceRecord of every process instance
//
// Records are stored as RFC 8785 canonical JSON next to their RecordHash.
// Reads recompute the hash and reject rows that do not match.
//
// Only the latest record is kept. Completed instance history is not.
//
// # Ordering
//
// Every list query has a total order (admitted ASC, hash ASC for documents;
// id ASC COLLATE BINARY for instances) so results are deterministic.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
