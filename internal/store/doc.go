// Package store provides SQLite-backed durable storage for the local sync
// queues and device settings.
//
// Every queue lives in the single queue_entries table, partitioned by a
// collection name ("transactions", "mutations", "shadows"). Each entry
// carries:
//   - id: globally unique entry id, primary key within its collection
//   - seq: per-collection append counter, the creation order
//   - payload: opaque JSON owned by the queue package that wrote it
//   - synced/synced_at/retry_count/last_error: replay bookkeeping
//
// # Ordering
//
// All list queries order by seq ASC, id ASC COLLATE BINARY. Replay of the
// transaction queue is FIFO, and consumers with cross-entry side effects
// depend on it.
//
// # Atomicity
//
// Store and Tx expose the same operations. Read-modify-write sequences such
// as hash-chain appends or mutation collapsing run inside WithTx so a crash
// never leaves half of a collapse applied.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - a single connection: SQLite has one writer
package store
