package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/dreamware/rebuildd/internal/shard"
)

var (
	// ErrKeyNotFound is returned when no visible record exists at the requested epoch
	ErrKeyNotFound = errors.New("key not found")
	// ErrInvalidKey is returned for records without a dkey or akey
	ErrInvalidKey = errors.New("invalid key")
)

// Level is the granularity of an entry. Punches can be issued at every
// level; values only exist at LevelRecord.
type Level uint8

const (
	LevelRecord Level = iota
	LevelAKey
	LevelDKey
	LevelObject
)

func (l Level) String() string {
	switch l {
	case LevelRecord:
		return "record"
	case LevelAKey:
		return "akey"
	case LevelDKey:
		return "dkey"
	case LevelObject:
		return "object"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// Entry is one epoch-stamped version of a record or a punch tombstone.
// Object punches leave DKey and AKey empty; dkey punches leave AKey empty.
type Entry struct {
	OID   shard.OID `json:"oid"`
	DKey  string    `json:"dkey,omitempty"`
	AKey  string    `json:"akey,omitempty"`
	Index uint64    `json:"index,omitempty"`
	Level Level     `json:"level"`
	Epoch uint64    `json:"epoch"`
	Punch bool      `json:"punch,omitempty"`
	Value []byte    `json:"value,omitempty"`
}

// Size is the number of bytes an entry is charged against capacity.
func (e Entry) Size() uint64 {
	return uint64(len(e.DKey) + len(e.AKey) + len(e.Value))
}

// sameKey reports whether two entries address the same record or punch
// target, ignoring epoch.
func (e Entry) sameKey(o Entry) bool {
	return e.OID == o.OID && e.DKey == o.DKey && e.AKey == o.AKey &&
		e.Index == o.Index && e.Level == o.Level
}

// entryLess orders entries by object, dkey, akey, index, level and epoch.
// All versions of one key are adjacent and ascend by epoch.
func entryLess(a, b Entry) bool {
	if a.OID != b.OID {
		return a.OID.Less(b.OID)
	}
	if a.DKey != b.DKey {
		return a.DKey < b.DKey
	}
	if a.AKey != b.AKey {
		return a.AKey < b.AKey
	}
	if a.Index != b.Index {
		return a.Index < b.Index
	}
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	return a.Epoch < b.Epoch
}

// Record is a visible value returned by List.
type Record struct {
	DKey  string `json:"dkey"`
	AKey  string `json:"akey"`
	Index uint64 `json:"index"`
	Epoch uint64 `json:"epoch"`
	Value []byte `json:"value"`
}

// Store is the per (pool, target) record store.
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Update writes a record value at the given epoch
	Update(oid shard.OID, dkey, akey string, index uint64, value []byte, epoch uint64) error

	// Punch writes a tombstone at the given level
	Punch(level Level, oid shard.OID, dkey, akey string, index uint64, epoch uint64) error

	// Fetch returns the record value visible at epoch
	// Returns ErrKeyNotFound if nothing is visible
	Fetch(oid shard.OID, dkey, akey string, index uint64, epoch uint64) ([]byte, error)

	// List returns the visible records of an object at epoch, in key order
	List(oid shard.OID, epoch uint64) []Record

	// Objects returns every object with at least one entry at or below epoch
	Objects(epoch uint64) []shard.OID

	// Export returns every entry of oid at or below epoch, values and punches,
	// in key order with ascending epochs
	Export(oid shard.OID, epoch uint64) []Entry

	// ApplyPulled installs entries received from a rebuild source
	ApplyPulled(entries []Entry) (ApplyResult, error)

	// Remove discards every entry of an object and releases its space
	Remove(oid shard.OID) uint64

	// HighEpoch returns the highest epoch the store has seen
	HighEpoch() uint64

	// Stats returns storage statistics
	Stats() StoreStats
}

// ApplyResult counts what ApplyPulled actually installed.
type ApplyResult struct {
	Applied int    // entries written
	Skipped int    // entries already present or older than the local copy
	Bytes   uint64 // bytes charged for written entries
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Objects int    // Number of distinct objects
	Entries int    // Number of entries, all versions and punches included
	Bytes   uint64 // Bytes charged against capacity
}

// MemoryStore implements Store with an ordered in-memory index.
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu    sync.RWMutex
	tree  *btree.BTreeG[Entry]
	high  uint64
	space *Accountant
}

// NewMemoryStore creates an empty store charging writes to space. A nil
// accountant means unlimited capacity.
func NewMemoryStore(space *Accountant) *MemoryStore {
	if space == nil {
		space = NewAccountant(0, 100)
	}
	return &MemoryStore{
		tree:  btree.NewG[Entry](16, entryLess),
		space: space,
	}
}

// Space returns the accountant this store charges.
func (m *MemoryStore) Space() *Accountant {
	return m.space
}

// Update stores a value. Writing the same key and epoch twice replaces the
// value.
func (m *MemoryStore) Update(oid shard.OID, dkey, akey string, index uint64, value []byte, epoch uint64) error {
	if dkey == "" || akey == "" {
		return fmt.Errorf("%w: dkey and akey are required", ErrInvalidKey)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	e := Entry{OID: oid, DKey: dkey, AKey: akey, Index: index, Level: LevelRecord, Epoch: epoch, Value: stored}

	m.mu.Lock()
	defer m.mu.Unlock()
	var old uint64
	if prev, ok := m.tree.Get(e); ok {
		old = prev.Size()
	}
	if e.Size() > old {
		if err := m.space.Reserve(e.Size()-old, false); err != nil {
			return err
		}
	} else {
		m.space.Release(old - e.Size())
	}
	m.insertLocked(e)
	return nil
}

// Punch writes a tombstone covering everything at or below level.
func (m *MemoryStore) Punch(level Level, oid shard.OID, dkey, akey string, index uint64, epoch uint64) error {
	e := Entry{OID: oid, Level: level, Epoch: epoch, Punch: true}
	switch level {
	case LevelObject:
	case LevelDKey:
		e.DKey = dkey
	case LevelAKey:
		e.DKey, e.AKey = dkey, akey
	case LevelRecord:
		e.DKey, e.AKey, e.Index = dkey, akey, index
	}
	if (level <= LevelDKey && e.DKey == "") || (level <= LevelAKey && e.AKey == "") {
		return fmt.Errorf("%w: %s punch needs its key", ErrInvalidKey, level)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tree.Get(e); ok {
		return nil
	}
	if err := m.space.Reserve(e.Size(), false); err != nil {
		return err
	}
	m.insertLocked(e)
	return nil
}

func (m *MemoryStore) insertLocked(e Entry) {
	m.tree.ReplaceOrInsert(e)
	if e.Epoch > m.high {
		m.high = e.Epoch
	}
}

// latestLocked returns the newest version of key at or below epoch.
func (m *MemoryStore) latestLocked(key Entry, epoch uint64) (Entry, bool) {
	key.Epoch = epoch
	var found Entry
	ok := false
	m.tree.DescendLessOrEqual(key, func(e Entry) bool {
		if e.sameKey(key) {
			found, ok = e, true
		}
		return false
	})
	return found, ok
}

// punchEpochLocked returns the epoch of the newest punch covering a record
// at or below epoch, or zero.
func (m *MemoryStore) punchEpochLocked(oid shard.OID, dkey, akey string, epoch uint64) uint64 {
	var newest uint64
	for _, key := range []Entry{
		{OID: oid, Level: LevelObject},
		{OID: oid, DKey: dkey, Level: LevelDKey},
		{OID: oid, DKey: dkey, AKey: akey, Level: LevelAKey},
	} {
		if e, ok := m.latestLocked(key, epoch); ok && e.Epoch > newest {
			newest = e.Epoch
		}
	}
	return newest
}

// Fetch returns a copy of the value visible at epoch.
func (m *MemoryStore) Fetch(oid shard.OID, dkey, akey string, index uint64, epoch uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := Entry{OID: oid, DKey: dkey, AKey: akey, Index: index, Level: LevelRecord}
	e, ok := m.latestLocked(key, epoch)
	if !ok || e.Punch || e.Epoch <= m.punchEpochLocked(oid, dkey, akey, epoch) {
		return nil, ErrKeyNotFound
	}
	result := make([]byte, len(e.Value))
	copy(result, e.Value)
	return result, nil
}

// ascendObject calls fn for every entry of oid in order.
func (m *MemoryStore) ascendObject(oid shard.OID, fn func(Entry) bool) {
	m.tree.AscendGreaterOrEqual(Entry{OID: oid}, func(e Entry) bool {
		if e.OID != oid {
			return false
		}
		return fn(e)
	})
}

// List returns the records of oid visible at epoch.
func (m *MemoryStore) List(oid shard.OID, epoch uint64) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	var cur *Entry
	flush := func() {
		if cur == nil || cur.Punch {
			return
		}
		if cur.Epoch <= m.punchEpochLocked(oid, cur.DKey, cur.AKey, epoch) {
			return
		}
		v := make([]byte, len(cur.Value))
		copy(v, cur.Value)
		out = append(out, Record{DKey: cur.DKey, AKey: cur.AKey, Index: cur.Index, Epoch: cur.Epoch, Value: v})
	}
	m.ascendObject(oid, func(e Entry) bool {
		if e.Level != LevelRecord || e.Epoch > epoch {
			return true
		}
		if cur != nil && !cur.sameKey(e) {
			flush()
		}
		latest := e
		cur = &latest
		return true
	})
	flush()
	return out
}

// Objects lists objects with entries at or below epoch, in OID order.
func (m *MemoryStore) Objects(epoch uint64) []shard.OID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []shard.OID
	m.tree.Ascend(func(e Entry) bool {
		if e.Epoch > epoch {
			return true
		}
		if n := len(out); n == 0 || out[n-1] != e.OID {
			out = append(out, e.OID)
		}
		return true
	})
	return out
}

// Export returns copies of the entries of oid at or below epoch.
func (m *MemoryStore) Export(oid shard.OID, epoch uint64) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	m.ascendObject(oid, func(e Entry) bool {
		if e.Epoch <= epoch {
			if e.Value != nil {
				v := make([]byte, len(e.Value))
				copy(v, e.Value)
				e.Value = v
			}
			out = append(out, e)
		}
		return true
	})
	return out
}

// ApplyPulled installs rebuilt entries. An entry is written only if no
// version of the same key at the same or a newer epoch exists locally: a
// duplicate is a no-op and data older than a live write is discarded. Space
// for the whole batch is reserved up front against the rebuild allowance,
// so on ErrOutOfSpace nothing has been applied.
func (m *MemoryStore) ApplyPulled(entries []Entry) (ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res ApplyResult
	var todo []Entry
	for _, e := range entries {
		if latest, ok := m.latestLocked(e, ^uint64(0)); ok && latest.Epoch >= e.Epoch {
			res.Skipped++
			continue
		}
		todo = append(todo, e)
		res.Bytes += e.Size()
	}
	if len(todo) == 0 {
		return res, nil
	}
	if err := m.space.Reserve(res.Bytes, true); err != nil {
		return ApplyResult{}, err
	}
	for _, e := range todo {
		m.insertLocked(e)
		res.Applied++
	}
	return res, nil
}

// Remove drops every entry of oid. It returns the bytes released.
func (m *MemoryStore) Remove(oid shard.OID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var victims []Entry
	m.ascendObject(oid, func(e Entry) bool {
		victims = append(victims, e)
		return true
	})
	var freed uint64
	for _, e := range victims {
		m.tree.Delete(e)
		freed += e.Size()
	}
	m.space.Release(freed)
	return freed
}

// HighEpoch returns the newest epoch written to the store.
func (m *MemoryStore) HighEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.high
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := StoreStats{Entries: m.tree.Len()}
	var last shard.OID
	m.tree.Ascend(func(e Entry) bool {
		if stats.Objects == 0 || e.OID != last {
			stats.Objects++
			last = e.OID
		}
		stats.Bytes += e.Size()
		return true
	})
	return stats
}
