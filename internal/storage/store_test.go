package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/rebuildd/internal/shard"
)

var testOID = shard.NewOID(shard.ClassRP3, 1, 1)

// TestMemoryStore tests the record store basics
func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore(nil)

		if objs := store.Objects(^uint64(0)); len(objs) != 0 {
			t.Errorf("Expected empty store, got %d objects", len(objs))
		}

		_, err := store.Fetch(testOID, "d", "a", 0, 10)
		if !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("update and fetch by epoch", func(t *testing.T) {
		store := NewMemoryStore(nil)

		if err := store.Update(testOID, "d", "a", 0, []byte("v1"), 10); err != nil {
			t.Fatalf("Failed to update: %v", err)
		}
		if err := store.Update(testOID, "d", "a", 0, []byte("v2"), 20); err != nil {
			t.Fatalf("Failed to update: %v", err)
		}

		tests := []struct {
			epoch uint64
			want  string
		}{
			{epoch: 15, want: "v1"},
			{epoch: 20, want: "v2"},
			{epoch: 100, want: "v2"},
		}
		for _, tt := range tests {
			value, err := store.Fetch(testOID, "d", "a", 0, tt.epoch)
			if err != nil {
				t.Fatalf("Fetch at %d: %v", tt.epoch, err)
			}
			if string(value) != tt.want {
				t.Errorf("Fetch at %d: expected %q, got %q", tt.epoch, tt.want, value)
			}
		}

		if _, err := store.Fetch(testOID, "d", "a", 0, 5); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected nothing visible before first write, got %v", err)
		}
		if store.HighEpoch() != 20 {
			t.Errorf("Expected high epoch 20, got %d", store.HighEpoch())
		}
	})

	t.Run("missing keys are rejected", func(t *testing.T) {
		store := NewMemoryStore(nil)
		if err := store.Update(testOID, "", "a", 0, nil, 1); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Expected ErrInvalidKey, got %v", err)
		}
		if err := store.Punch(LevelAKey, testOID, "d", "", 0, 1); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Expected ErrInvalidKey, got %v", err)
		}
	})

	t.Run("returned values are copies", func(t *testing.T) {
		store := NewMemoryStore(nil)
		in := []byte("value")
		_ = store.Update(testOID, "d", "a", 0, in, 1)
		in[0] = 'X'

		out, _ := store.Fetch(testOID, "d", "a", 0, 1)
		if !bytes.Equal(out, []byte("value")) {
			t.Errorf("Store kept caller's slice: %q", out)
		}
		out[0] = 'Y'
		again, _ := store.Fetch(testOID, "d", "a", 0, 1)
		if !bytes.Equal(again, []byte("value")) {
			t.Errorf("Store returned its own slice: %q", again)
		}
	})
}

// TestPunchVisibility tests tombstones at every level
func TestPunchVisibility(t *testing.T) {
	tests := []struct {
		name  string
		level Level
	}{
		{name: "record punch", level: LevelRecord},
		{name: "akey punch", level: LevelAKey},
		{name: "dkey punch", level: LevelDKey},
		{name: "object punch", level: LevelObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore(nil)
			_ = store.Update(testOID, "d", "a", 0, []byte("old"), 10)
			if err := store.Punch(tt.level, testOID, "d", "a", 0, 20); err != nil {
				t.Fatalf("Punch: %v", err)
			}

			if _, err := store.Fetch(testOID, "d", "a", 0, 10); err != nil {
				t.Errorf("Value should be visible before the punch: %v", err)
			}
			if _, err := store.Fetch(testOID, "d", "a", 0, 25); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("Value should be punched at 25, got %v", err)
			}

			_ = store.Update(testOID, "d", "a", 0, []byte("new"), 30)
			value, err := store.Fetch(testOID, "d", "a", 0, 30)
			if err != nil || string(value) != "new" {
				t.Errorf("Write after punch should be visible, got %q %v", value, err)
			}
		})
	}
}

// TestList tests listing visible records
func TestList(t *testing.T) {
	store := NewMemoryStore(nil)
	_ = store.Update(testOID, "d1", "a", 0, []byte("x"), 1)
	_ = store.Update(testOID, "d1", "a", 0, []byte("y"), 2)
	_ = store.Update(testOID, "d1", "a", 1, []byte("z"), 2)
	_ = store.Update(testOID, "d2", "a", 0, []byte("gone"), 3)
	_ = store.Punch(LevelDKey, testOID, "d2", "", 0, 4)

	records := store.List(testOID, 10)
	if len(records) != 2 {
		t.Fatalf("Expected 2 visible records, got %d: %+v", len(records), records)
	}
	if string(records[0].Value) != "y" || records[0].Index != 0 {
		t.Errorf("Unexpected first record %+v", records[0])
	}
	if string(records[1].Value) != "z" || records[1].Index != 1 {
		t.Errorf("Unexpected second record %+v", records[1])
	}

	if got := store.List(testOID, 1); len(got) != 1 || string(got[0].Value) != "x" {
		t.Errorf("Expected snapshot at epoch 1 to hold only x, got %+v", got)
	}
}

// TestExportAndApplyPulled tests moving an object between stores
func TestExportAndApplyPulled(t *testing.T) {
	src := NewMemoryStore(nil)
	for i := 0; i < 10; i++ {
		_ = src.Update(testOID, fmt.Sprintf("d%d", i), "a", 0, []byte(fmt.Sprintf("v%d", i)), uint64(10+i))
	}
	_ = src.Punch(LevelDKey, testOID, "d3", "", 0, 50)
	_ = src.Update(testOID, "d9", "a", 0, []byte("after-snapshot"), 100)

	entries := src.Export(testOID, 60)
	if len(entries) != 11 {
		t.Fatalf("Expected 10 values and 1 punch, got %d entries", len(entries))
	}

	dst := NewMemoryStore(nil)
	res, err := dst.ApplyPulled(entries)
	if err != nil {
		t.Fatalf("ApplyPulled: %v", err)
	}
	if res.Applied != 11 || res.Skipped != 0 {
		t.Errorf("Expected 11 applied, got %+v", res)
	}

	if _, err := dst.Fetch(testOID, "d3", "a", 0, 60); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Punched dkey resurrected on destination: %v", err)
	}
	value, err := dst.Fetch(testOID, "d9", "a", 0, ^uint64(0))
	if err != nil || string(value) != "v9" {
		t.Errorf("Expected v9 on destination, got %q %v", value, err)
	}

	t.Run("second apply is a no-op", func(t *testing.T) {
		before := dst.Stats()
		res, err := dst.ApplyPulled(entries)
		if err != nil {
			t.Fatalf("ApplyPulled: %v", err)
		}
		if res.Applied != 0 || res.Skipped != 11 {
			t.Errorf("Expected all skipped, got %+v", res)
		}
		if dst.Stats() != before {
			t.Errorf("Stats changed: %+v -> %+v", before, dst.Stats())
		}
	})
}

// TestApplyPulledKeepsNewerLiveWrite tests that stale pulled data never wins
func TestApplyPulledKeepsNewerLiveWrite(t *testing.T) {
	dst := NewMemoryStore(nil)
	_ = dst.Update(testOID, "d", "a", 0, []byte("live"), 200)

	res, err := dst.ApplyPulled([]Entry{
		{OID: testOID, DKey: "d", AKey: "a", Level: LevelRecord, Epoch: 100, Value: []byte("pulled")},
	})
	if err != nil {
		t.Fatalf("ApplyPulled: %v", err)
	}
	if res.Skipped != 1 {
		t.Errorf("Expected stale entry skipped, got %+v", res)
	}
	value, _ := dst.Fetch(testOID, "d", "a", 0, ^uint64(0))
	if string(value) != "live" {
		t.Errorf("Expected live write to win, got %q", value)
	}
}

// TestRemove tests reclaiming an object
func TestRemove(t *testing.T) {
	space := NewAccountant(1<<20, 100)
	store := NewMemoryStore(space)
	other := shard.NewOID(shard.ClassRP2, 2, 2)
	_ = store.Update(testOID, "d", "a", 0, []byte("12345"), 1)
	_ = store.Update(other, "d", "a", 0, []byte("1"), 1)

	freed := store.Remove(testOID)
	if freed != 7 {
		t.Errorf("Expected 7 bytes freed, got %d", freed)
	}
	if space.Used() != 3 {
		t.Errorf("Expected 3 bytes used after remove, got %d", space.Used())
	}
	objs := store.Objects(10)
	if len(objs) != 1 || objs[0] != other {
		t.Errorf("Expected only %v left, got %v", other, objs)
	}
}

// TestConcurrentAccess tests thread safety of the store
func TestConcurrentAccess(t *testing.T) {
	store := NewMemoryStore(nil)
	clock := NewClock()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				oid := shard.NewOID(shard.ClassRP2, uint64(w), uint64(i))
				if err := store.Update(oid, "d", "a", 0, []byte("v"), clock.Next()); err != nil {
					t.Errorf("Update: %v", err)
				}
				_ = store.Objects(store.HighEpoch())
			}
		}(w)
	}
	wg.Wait()

	if got := store.Stats().Objects; got != 800 {
		t.Errorf("Expected 800 objects, got %d", got)
	}
}

// TestClock tests that epochs never repeat
func TestClock(t *testing.T) {
	fixed := time.Unix(0, 1000)
	clock := &Clock{now: func() time.Time { return fixed }}

	a, b := clock.Next(), clock.Next()
	if a != 1000 || b != 1001 {
		t.Errorf("Expected 1000 then 1001, got %d %d", a, b)
	}
	clock.Observe(5000)
	if c := clock.Next(); c != 5001 {
		t.Errorf("Expected 5001 after observing 5000, got %d", c)
	}
}
