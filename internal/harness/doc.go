// Package harness runs end-to-end scenarios against an in-process network:
// an upload service, its storage nodes and recording claim services, built
// by testutil.NewNetwork.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: replicate_three
//	description: "Replicate a blob to every node"
//	nodes: 3
//	steps:
//	  - op: upload
//	    space: alice
//	    blob: shard
//	    data: "hello replicas"
//	  - op: replicate
//	    space: alice
//	    blob: shard
//	    replicas: 3
//	    expect:
//	      forks: { blob/replica/allocate: 2 }
//	  - op: replicate
//	    space: alice
//	    blob: shard
//	    replicas: 4
//	    expect:
//	      error: ReplicationCountRangeError
//	assertions:
//	  - type: replica_count
//	    space: alice
//	    blob: shard
//	    status: transferred
//	    count: 2
//
// Spaces and blobs are named; each space gets a deterministic signer in
// order of first use, and each blob is the bytes of its data field (or of
// its name when data is empty).
//
// # Operations
//
//   - upload: allocate, put, conclude and accept a blob in a space
//   - allocate: invoke blob/allocate alone; size overrides the blob size
//   - replicate: invoke space/blob/replicate; site names the blob whose
//     location commitment to send (defaults to blob)
//   - index: build a sharded index over shards, upload it as blob and invoke
//     space/index/add; overflow adds a slice past the end of each shard and
//     skip_upload leaves the index unstored
//   - provision: provision a space with a provider DID
//   - wait: wait for background transfers
//   - advance: move the shared clock forward by duration
//
// # Assertion Types
//
//   - trace_count: the number of steps with op (and outcome, if given)
//   - replica_count: replicas of a blob in a space with a status
//   - registered: a node (node-0, node-1, ... or service) registered a blob
//   - claim_count: claims of an ability received by indexer or claims
//   - ledger_count: invocations of an ability in the service ledger
//
// # Deterministic Output
//
// Signers come from fixed seeds, every party shares one clock, provider
// selection is seeded and node deliveries are settled (see
// testutil.Settled). A scenario therefore produces the same trace and final
// state on every run, and RunWithGolden compares both against
// testdata/golden/<name>.golden.
package harness
