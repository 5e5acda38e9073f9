// Package storage provides the per-target record store that rebuild reads
// from and writes into, together with the space accounting that lets the
// pull engine pause and resume on exhaustion.
//
// # Overview
//
// Every target keeps one Store per pool. A store holds objects as a tree of
// keys, and every write is stamped with the epoch of the client update that
// produced it:
//
//	object (OID)
//	  └── dkey
//	        └── akey
//	              └── index → [v@e1, v@e5, punch@e9, v@e12]
//
// Nothing is overwritten in place. A read at epoch E sees, for each key,
// the newest version at or below E, unless a punch at that key or at any
// enclosing level (akey, dkey, object) is at least as new.
//
// # Rebuild Interaction
//
// The scan engine snapshots HighEpoch and enumerates Objects at that epoch.
// A source answers a pull with Export, which returns every version and every
// punch up to the snapshot, so the destination replays deletions instead of
// resurrecting deleted values:
//
//	┌──────────┐  Export(oid, E)   ┌──────────┐  ApplyPulled  ┌──────────┐
//	│  source  │ ────────────────▶ │   pull   │ ────────────▶ │   dest   │
//	│  store   │  values + punches │  engine  │               │  store   │
//	└──────────┘                   └──────────┘               └──────────┘
//
// ApplyPulled writes an entry only if the destination has no version of
// the same key at the same or a newer epoch. A duplicate delivery is
// therefore a no-op, and data overtaken by a live client write is dropped
// rather than applied over it.
//
// # Space Accounting
//
// Each store charges an Accountant. Client writes may fill the capacity;
// rebuild writes stop at a threshold percentage of it and fail with
// ErrOutOfSpace. Remove (reclaim of released shards), SetThreshold and
// SetCapacity close the accountant's Changed channel so that paused pulls
// retry.
//
// # Concurrency and Thread Safety
//
// MemoryStore guards its index with a sync.RWMutex. Reads take the shared
// lock; Update, Punch, ApplyPulled and Remove take the exclusive lock. Every
// value crossing the API is copied. Clock is lock-free.
package storage
