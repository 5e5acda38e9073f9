// Package shard defines objects, their replication classes and the shard
// layouts and work items derived from them.
// See doc.go for complete package documentation.
package shard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dreamware/rebuildd/internal/poolmap"
)

// Class is the replication class of an object. Its numeric value is the
// number of replicas every object of the class keeps.
type Class uint8

const (
	// ClassS1 keeps a single copy; it cannot be rebuilt after its target fails.
	ClassS1 Class = 1
	// ClassRP2 keeps two replicas.
	ClassRP2 Class = 2
	// ClassRP3 keeps three replicas.
	ClassRP3 Class = 3
)

// Replicas returns the number of shards an object of this class has.
func (c Class) Replicas() int {
	if c == 0 {
		return 1
	}
	return int(c)
}

func (c Class) String() string {
	if c == ClassS1 {
		return "S1"
	}
	return fmt.Sprintf("RP%d", uint8(c))
}

// ParseClass parses the names printed by String. "RP_3" is accepted too.
func ParseClass(s string) (Class, error) {
	name := strings.ToUpper(strings.ReplaceAll(s, "_", ""))
	switch name {
	case "S1":
		return ClassS1, nil
	case "RP2":
		return ClassRP2, nil
	case "RP3":
		return ClassRP3, nil
	}
	return 0, fmt.Errorf("unknown object class %q", s)
}

// classShift places the class in the top byte of OID.Hi.
const classShift = 56

// OID identifies an object within a pool. The top byte of Hi carries the
// replication class so every node can derive the layout from the id alone.
type OID struct {
	Hi uint64 `json:"hi"`
	Lo uint64 `json:"lo"`
}

// NewOID builds an object id of the given class.
func NewOID(class Class, hi, lo uint64) OID {
	hi &^= uint64(0xff) << classShift
	return OID{Hi: hi | uint64(class)<<classShift, Lo: lo}
}

// Class returns the replication class encoded in the id.
func (o OID) Class() Class {
	return Class(o.Hi >> classShift)
}

// Less orders ids for deterministic iteration.
func (o OID) Less(other OID) bool {
	if o.Hi != other.Hi {
		return o.Hi < other.Hi
	}
	return o.Lo < other.Lo
}

func (o OID) String() string {
	return strconv.FormatUint(o.Hi, 16) + "." + strconv.FormatUint(o.Lo, 16)
}

// MarshalText lets OID be used as a JSON map key.
func (o OID) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText parses the form produced by MarshalText.
func (o *OID) UnmarshalText(b []byte) error {
	parsed, err := ParseOID(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ParseOID parses "hi.lo" in hexadecimal.
func ParseOID(s string) (OID, error) {
	hiStr, loStr, ok := strings.Cut(s, ".")
	if !ok {
		return OID{}, fmt.Errorf("invalid object id %q", s)
	}
	hi, err := strconv.ParseUint(hiStr, 16, 64)
	if err != nil {
		return OID{}, fmt.Errorf("invalid object id %q: %w", s, err)
	}
	lo, err := strconv.ParseUint(loStr, 16, 64)
	if err != nil {
		return OID{}, fmt.Errorf("invalid object id %q: %w", s, err)
	}
	return OID{Hi: hi, Lo: lo}, nil
}

// Layout is the ordered shard-to-target assignment of one object at one map
// version. Shards[i] is the rank holding shard i, or poolmap.NoRank when no
// target was available for that slot.
type Layout struct {
	OID     OID            `json:"oid"`
	Version uint32         `json:"version"`
	Shards  []poolmap.Rank `json:"shards"`
}

// Index returns the shard index held by rank, or -1.
func (l Layout) Index(rank poolmap.Rank) int {
	for i, r := range l.Shards {
		if r == rank && r != poolmap.NoRank {
			return i
		}
	}
	return -1
}

// Holds reports whether rank holds any shard of the object.
func (l Layout) Holds(rank poolmap.Rank) bool {
	return l.Index(rank) >= 0
}

// WorkItem is one shard that has to be copied from Source to Dest. Epoch is
// the source's scan snapshot: only records at or below it are transferred.
// Applying the same item twice converges to the same shard state.
type WorkItem struct {
	OID    OID          `json:"oid"`
	Shard  int          `json:"shard"`
	Source poolmap.Rank `json:"source"`
	Dest   poolmap.Rank `json:"dest"`
	Epoch  uint64       `json:"epoch"`
}

// Key identifies the destination slot an item fills. Two items with the
// same key are duplicates even if they came from different scans.
func (w WorkItem) Key() string {
	return fmt.Sprintf("%s/%d", w.OID, w.Shard)
}

func (w WorkItem) String() string {
	return fmt.Sprintf("%s shard %d %s->%s @%d", w.OID, w.Shard, w.Source, w.Dest, w.Epoch)
}
