// Package engine implements the sync orchestrator.
//
// A cycle drains the device's local queues into the remote store:
//
//  1. Verify the transaction hash chain. Broken links are reported in the
//     result but the entries still sync.
//  2. Replay pending transactions in creation order, so side effects such
//     as visit counters apply in the order sales happened.
//  3. Replay pending mutations, dropping any whose remote record changed
//     after the mutation was queued. Each entry is claimed while it is
//     sent, so an edit made meanwhile is queued as a new entry.
//  4. Invalidate the local read caches for every table written.
//  5. Purge synced entries older than the retention window.
//
// One entry's failure never blocks the rest of its queue. A failed entry
// stays pending with its retry count bumped and is tried again on the next
// cycle; there is no retry within a cycle.
//
// At most one cycle runs at a time. Sync called while a cycle is running
// returns ErrBusy and does nothing.
//
// Triggers arrive as Signals on a FIFO consumed by Run: coming online
// (after a settle delay), returning to the foreground while online, and
// manual requests.
package engine
