package cluster

import (
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/rebuild"
	"github.com/dreamware/rebuildd/internal/shard"
	"github.com/dreamware/rebuildd/internal/storage"
)

// NodeInfo identifies a target process and where to reach it.
type NodeInfo struct {
	ID   string       `json:"id"`
	Rank poolmap.Rank `json:"rank"`
	Addr string       `json:"addr"`
}

// RegisterRequest announces a target to the coordinator.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// TaskRef identifies one attempt of one rebuild task on the wire. A target
// keeps separate state per (Pool, Version, Attempt); Incarnation tells it
// which leader is asking.
type TaskRef struct {
	Pool        string `json:"pool"`
	TaskID      string `json:"task_id"`
	Version     uint32 `json:"version"`
	Attempt     int    `json:"attempt"`
	Incarnation uint64 `json:"incarnation"`
}

// ScanStart tells a target to scan for the From → To transition.
type ScanStart struct {
	TaskRef
	From *poolmap.Map `json:"from"`
	To   *poolmap.Map `json:"to"`
}

// ScanDone reports a finished scan. Counters are the target's totals for
// this attempt, not a delta. Version is the map version the target actually
// scanned for; a value below the task's version means the target is stale.
type ScanDone struct {
	TaskRef
	Rank      poolmap.Rank     `json:"rank"`
	ScanEpoch uint64           `json:"scan_epoch"`
	Counters  rebuild.Counters `json:"counters"`
	Failed    bool             `json:"failed,omitempty"`
	Err       string           `json:"err,omitempty"`

	// Undelivered names objects whose work items never reached their
	// destination.
	Undelivered []shard.OID `json:"undelivered,omitempty"`
}

// PullStart tells a target to pull everything it received during scan.
type PullStart struct {
	TaskRef
}

// PullDone reports a finished pull.
type PullDone struct {
	TaskRef
	Rank     poolmap.Rank     `json:"rank"`
	Counters rebuild.Counters `json:"counters"`
	Err      string           `json:"err,omitempty"`
	Unpulled []shard.OID      `json:"unpulled,omitempty"`
}

// Abort tells a target to drop its rebuild state for a pool. Version zero
// means every version.
type Abort struct {
	Pool    string `json:"pool"`
	Version uint32 `json:"version"`
	Reason  string `json:"reason"`
}

// Reclaim tells a target to discard shards it does not own under Map.
type Reclaim struct {
	Pool string       `json:"pool"`
	Map  *poolmap.Map `json:"map"`

	// Keep lists objects whose new owner never received them. Their old
	// copies are not removed.
	Keep []shard.OID `json:"keep,omitempty"`
}

// SendObjects carries work items from a source to their destination.
type SendObjects struct {
	TaskRef
	From  poolmap.Rank     `json:"from"`
	Items []shard.WorkItem `json:"items"`
}

// FetchRequest asks a source for every entry of an object up to Epoch.
type FetchRequest struct {
	Pool  string    `json:"pool"`
	OID   shard.OID `json:"oid"`
	Epoch uint64    `json:"epoch"`
}

// FetchResponse carries the entries. An object the source no longer has
// comes back with no entries.
type FetchResponse struct {
	Entries []storage.Entry `json:"entries"`
}

// FaultRequest sets or clears a fault point.
type FaultRequest struct {
	Point string  `json:"point"`
	Mode  string  `json:"mode"`
	Value *uint64 `json:"value,omitempty"`
}

// ErrorResponse is the body of every failed HTTP call.
type ErrorResponse struct {
	Error string `json:"error"`
}
