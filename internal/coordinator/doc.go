// Package coordinator implements the directory tier of dirstore: the
// registry of storage nodes and files, the replication engine that keeps
// every live node holding every file, node selection with liveness checks,
// and primary/backup state replication with promotion on demand.
//
// # Overview
//
// A directory server never stores file bytes permanently. It knows which
// storage nodes exist, whether they answered their last contact, and which
// files are fully replicated. Clients ask it where to go (CONNECT) and what
// exists (FILELIST); storage nodes tell it when they join (REGISTER) and
// when they accepted a new upload (NEWFILE).
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│            DIRECTORY SERVER               │
//	├──────────────────────────────────────────┤
//	│                                          │
//	│  Handle ──► Registry (nodes, files)      │
//	│     │                                    │
//	│     └─────► JobQueue ──► Engine          │
//	│                           │  │           │
//	│                Selector ◄─┘  └► Peers    │
//	│                                          │
//	│  StateReplicator ──STATE──► backup       │
//	└──────────────────────────────────────────┘
//
// # Core Components
//
// Registry: node liveness map plus the committed file catalog
//   - Node entries are never removed, only flagged unavailable
//   - A file appears only after its SyncFile job finished
//
// JobQueue and Engine: asynchronous replication
//   - SyncFile pushes a new upload to every live node except its origin
//   - SyncEverything fills a newly registered node from random live sources
//   - One job at a time; transfers inside a job run concurrently
//
// Selector: random live-node choice confirmed by a HEARTBEAT
//   - Nodes that do not answer are marked unavailable and skipped
//   - The attempt count is bounded and probes are rate limited
//
// StateReplicator: primary to backup snapshots
//   - The whole registry and queue are pushed every interval
//   - The backup replaces its state with each snapshot
//
// # Roles
//
// A primary runs the engine and the replicator from Start. A backup only
// applies STATE. The first request that is not STATE tells the backup that
// clients or nodes gave up on the primary; the backup then starts its own
// engine, exactly once, and keeps serving from the last snapshot it got.
// Any STATE arriving after that is still applied.
//
// # Consistency
//
// File records are first-writer-wins. Two concurrent NEWFILE requests for
// the same name both pass the existence check and both get replicated;
// whichever job commits first keeps its record. Readers only ever see
// complete files, but a file's bytes may differ between nodes in that race.
//
// # Thread Safety
//
// Registry and JobQueue guard their state with their own locks. Every
// exported method on Server, Registry, JobQueue, Selector, Engine and
// StateReplicator is safe for concurrent use.
package coordinator
