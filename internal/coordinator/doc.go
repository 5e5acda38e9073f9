// Package coordinator drives rebuilds from the leading replica of the pool
// service. It turns pool map changes into rebuild tasks, walks each task
// through its scan and pull phases, and records every transition in the
// replicated state so a new leader can pick the work up.
//
// # Overview
//
// A Coordinator runs on every pool service replica but only acts while its
// replica leads. Each period of leadership is a term with its own
// incarnation number, recorded in the replicated state before anything
// else happens. Every message a term sends carries that incarnation, so
// targets can drop the leftovers of an older leader.
//
//	┌──────────────────────────────────────────┐
//	│               COORDINATOR                │
//	├──────────────────────────────────────────┤
//	│  term (one per leadership)               │
//	│   ├── driver "pool-a"                    │
//	│   │     step: start, drive, complete     │
//	│   ├── driver "pool-b"                    │
//	│   └── HealthMonitor (optional)           │
//	├──────────────────────────────────────────┤
//	│  HandleScanDone / HandlePullDone         │
//	│     └── routed to the pool's driver      │
//	└──────────────────────────────────────────┘
//
// # Task lifecycle
//
// A driver starts a task when the pool's map version is newer than its
// rebuilt version and nothing is running. The task moves through:
//
//	SCANNING ──all scans acknowledged──▶ PULLING ──all pulls done──▶ DONE
//	    │                                    │
//	    └──────────── abort ─────────────────┴────────────────────▶ ABORTED
//
// Phase messages are re-sent to targets that have not acknowledged within
// AckTimeout. A target that accepts the message is waited for however long
// its work takes. When the message fails to reach a target for MaxResends
// deadlines in a row the Unresponsive policy applies: the target is
// excluded, which supersedes the task with a newer map version, or the
// task is aborted. A scan failure retries the task up to TaskRetries times.
// Per-object errors are counted against ErrorBudget. An operator Abort ends
// the running task. An aborted map version is not rebuilt again; the next
// map change starts a new task.
//
// When a task finishes the rebuilt map advances and the pool map settles:
// EXCLUDING targets become EXCLUDED and ADDING targets become UP. Targets
// are then told to reclaim records they no longer own, except objects
// that a source failed to ship or a destination failed to pull.
//
// # Leadership changes
//
// Losing leadership cancels the term and every driver with it. The next
// leader bumps the incarnation and resumes from the replicated task, asking
// targets again for any phase they have not acknowledged.
//
// # Health monitoring
//
// With HealthInterval set, the term pings every placed target. A target
// failing HealthFailures probes in a row is handed to the drivers as down,
// which applies the Unresponsive policy without waiting for resends.
//
// # Configuration
//
// Config is loaded from the "rebuild" section of the configuration file.
// DefaultConfig lists the values used for unset keys.
package coordinator
