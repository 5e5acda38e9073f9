package poolmap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeTargets() *Map {
	return New([]Target{{Rank: 2}, {Rank: 0}, {Rank: 1}})
}

func TestNewSortsAndMarksUp(t *testing.T) {
	m := threeTargets()

	assert.Equal(t, uint32(1), m.Version)
	assert.Equal(t, []Rank{0, 1, 2}, m.Ranks())
	for _, tgt := range m.Targets {
		assert.Equal(t, StateUp, tgt.State)
	}
}

func TestExcludeAndAdd(t *testing.T) {
	m := threeTargets()

	excluded, err := m.Exclude(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), excluded.Version)
	assert.False(t, excluded.InPlacement(1))
	assert.Equal(t, []Rank{0, 2}, excluded.PlacementRanks())

	// receiver is untouched
	assert.True(t, m.InPlacement(1))
	assert.Equal(t, uint32(1), m.Version)

	added, err := excluded.Add(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), added.Version)
	tgt, ok := added.Target(1)
	require.True(t, ok)
	assert.Equal(t, StateAdding, tgt.State)
	assert.True(t, added.SamePlacement(m))
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		run  func(m *Map) error
		want error
	}{
		{
			name: "add an up target",
			run:  func(m *Map) error { _, err := m.Add(0); return err },
			want: ErrInvalidTransition,
		},
		{
			name: "exclude twice",
			run: func(m *Map) error {
				next, err := m.Exclude(0)
				if err != nil {
					return err
				}
				_, err = next.Exclude(0)
				return err
			},
			want: ErrInvalidTransition,
		},
		{
			name: "unknown rank",
			run:  func(m *Map) error { _, err := m.Exclude(9); return err },
			want: ErrUnknownTarget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run(threeTargets())
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestSettle(t *testing.T) {
	m := threeTargets()

	same, changed := m.Settle()
	assert.False(t, changed)
	assert.Same(t, m, same)

	next, err := m.Exclude(0)
	require.NoError(t, err)
	next, err = next.Exclude(1)
	require.NoError(t, err)
	next, err = next.Add(1)
	require.NoError(t, err)

	settled, changed := next.Settle()
	require.True(t, changed)
	assert.Equal(t, next.Version+1, settled.Version)
	assert.True(t, settled.SamePlacement(next))

	t0, _ := settled.Target(0)
	t1, _ := settled.Target(1)
	assert.Equal(t, StateExcluded, t0.State)
	assert.Equal(t, StateUp, t1.State)
}

func TestRankString(t *testing.T) {
	assert.Equal(t, "rank-3", Rank(3).String())
	assert.Equal(t, "none", NoRank.String())
}
