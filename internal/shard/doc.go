// Package shard describes the unit of data that rebuild moves around: one
// replica of an object, assigned to one target.
//
// # Overview
//
// Objects are addressed by an OID. The replication class (how many replicas
// an object keeps) lives in the top byte of the id, so every node can derive
// the number of shards without a metadata lookup:
//
//	OID.Hi: [ class (8 bits) | user bits (56 bits) ]
//	OID.Lo: [ user bits (64 bits)                  ]
//
// The placement package turns an OID and a pool map into a Layout, an
// ordered list of ranks where Shards[i] holds shard i:
//
//	Layout{OID: 1.2a, Version: 7, Shards: [rank-4 rank-0 rank-2]}
//
// # Work Items
//
// When a map version changes, the scan engine on every target compares the
// layouts at the old and new versions and emits a WorkItem for each shard
// slot whose new owner did not hold the object before:
//
//	┌────────────┐   WorkItem{OID, Shard, Source, Dest, Epoch}   ┌────────────┐
//	│  Source    │ ─────────────────────────────────────────────▶│  Dest      │
//	│ (old owner)│          records at epoch <= Epoch            │ (new owner)│
//	└────────────┘ ◀──────────────── pull ─────────────────────── └────────────┘
//
// Work items are idempotent. Their Key identifies the destination slot, so
// a destination that receives the same item twice (a retried send, a
// duplicate scan after a leader change) keeps one entry.
//
// # Thread Safety
//
// Every type in this package is a value type. Layouts and work items may be
// copied and shared freely.
package shard
