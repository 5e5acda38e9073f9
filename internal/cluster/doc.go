// Package cluster carries rebuild control messages between the coordinator
// and the targets, and data requests between targets.
//
// # Overview
//
// The coordinator and targets never share memory. Everything they exchange
// is one of the message types in this package, sent through one of two
// transports with the same interfaces:
//
//	              ┌──────────────────┐
//	              │   Coordinator    │
//	              │  (pool leader)   │
//	              └───┬──────────▲───┘
//	   ScanStart      │          │   ScanDone
//	   PullStart      │          │   PullDone
//	   Abort/Reclaim  │          │
//	      ┌───────────┼──────────┼───────────┐
//	      ▼           ▼          │           ▼
//	┌──────────┐ ┌──────────┐    │     ┌──────────┐
//	│ Target 0 │ │ Target 1 │────┘     │ Target 2 │
//	└────┬─────┘ └────▲─────┘          └────▲─────┘
//	     │ SendObjects │        Fetch       │
//	     └─────────────┘ ◀──────────────────┘
//
// TargetClient and Reporter are the calling side; TargetHandler and
// ReportHandler are implemented by the target agent and the coordinator.
//
// # Transports
//
// LocalNetwork dispatches calls to handlers in the same process. It can mark
// a rank unreachable, which makes every call to or report from that rank
// fail with ErrUnreachable, and it routes reports to whichever coordinator
// was last installed with SetCoordinator. The simulation harness and the
// end-to-end tests run on it.
//
// The HTTP transport is used by the binaries. RegisterTargetRoutes and
// RegisterReportRoutes mount the handlers on a gorilla/mux router;
// HTTPTargetClient and HTTPReporter call them. Errors cross the wire as an
// ErrorResponse body with a status code chosen by StatusFor, and come back
// as an *HTTPError that unwraps to the original sentinel:
//
//	409 Conflict              poolsvc.ErrBusy
//	404 Not Found             rdb.ErrPoolNotFound
//	421 Misdirected Request   rdb.ErrNotLeader
//	503 Service Unavailable   ErrUnreachable
//	507 Insufficient Storage  storage.ErrOutOfSpace
//
// HTTPReporter tries the coordinator replicas in turn, starting with the
// last one that accepted a report, and moves on when a replica answers
// "not leader" or cannot be reached.
//
// # Idempotence
//
// Every message may be delivered more than once. Each carries a TaskRef
// (pool, version, attempt, incarnation) and handlers treat a repeat of a
// message they already acted on as a request to re-report, never as new
// work.
package cluster
