// Package store provides SQLite-backed durable state for the blob service.
//
// One database holds every table the service shares across invocations:
//   - Ledger: agent messages as CAR bytes, plus task -> invocation and
//     task -> receipt indexes and an ordered event stream
//   - Registry: blobs stored in a space, unique per (space, digest)
//   - Replicas: per (space, digest, provider) replication status
//   - Providers: storage providers the router can select
//   - Revocations: revoked delegation links
//   - Provisions: storage providers each space is provisioned with
//
// # Write-once Records
//
// Messages and both ledger indexes are insert-if-absent. The first message
// to carry an invocation or a receipt for a task wins, so replays never
// change what a task resolves to.
//
// # Benign Conflicts
//
// Register and AddReplica report EntryExists and ReplicaExists on conflict.
// Callers decide whether a conflict is an error; the service treats both as
// success.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
