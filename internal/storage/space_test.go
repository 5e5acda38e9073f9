package storage

import (
	"errors"
	"testing"
)

// TestAccountant tests rebuild threshold enforcement
func TestAccountant(t *testing.T) {
	tests := []struct {
		name      string
		capacity  uint64
		threshold int
		used      uint64
		n         uint64
		rebuild   bool
		wantErr   bool
	}{
		{name: "unlimited", capacity: 0, threshold: 10, used: 1 << 30, n: 1 << 30, rebuild: true},
		{name: "client write within capacity", capacity: 1000, threshold: 50, used: 600, n: 300},
		{name: "client write over capacity", capacity: 1000, threshold: 50, used: 900, n: 200, wantErr: true},
		{name: "rebuild within threshold", capacity: 1000, threshold: 50, used: 100, n: 400, rebuild: true},
		{name: "rebuild over threshold", capacity: 1000, threshold: 50, used: 100, n: 401, rebuild: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAccountant(tt.capacity, tt.threshold)
			if err := a.Reserve(tt.used, false); err != nil && tt.capacity != 0 {
				t.Fatalf("setup reserve: %v", err)
			}
			err := a.Reserve(tt.n, tt.rebuild)
			if tt.wantErr && !errors.Is(err, ErrOutOfSpace) {
				t.Errorf("Expected ErrOutOfSpace, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

// TestAccountantSignals tests that release and threshold changes wake waiters
func TestAccountantSignals(t *testing.T) {
	a := NewAccountant(100, 50)
	if err := a.Reserve(50, true); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := a.Reserve(1, true); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("Expected ErrOutOfSpace, got %v", err)
	}

	ch := a.Changed()
	a.SetThreshold(80)
	select {
	case <-ch:
	default:
		t.Fatal("threshold change did not signal")
	}
	if err := a.Reserve(1, true); err != nil {
		t.Errorf("Expected room after raising threshold, got %v", err)
	}

	ch = a.Changed()
	a.Release(10)
	select {
	case <-ch:
	default:
		t.Fatal("release did not signal")
	}
	if a.Used() != 41 {
		t.Errorf("Expected 41 bytes used, got %d", a.Used())
	}
	a.Release(1000)
	if a.Used() != 0 {
		t.Errorf("Release must not underflow, got %d", a.Used())
	}
}
