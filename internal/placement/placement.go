// Package placement maps an object to the ordered list of targets holding
// its shards at a given pool map version.
//
// Layout is a pure function of (OID, map): every target computes the same
// answer independently, which is what lets the scan engine work out what
// moved without a central broadcast of assignments.
//
// Ranking uses rendezvous hashing over every member of the map, whatever its
// state. Shard i nominally lives on the i-th ranked target. When that target
// is out of placement, the slot is filled by the next ranked target that is
// in placement and not already used (a spare). Only the failed slot moves;
// the other shards keep their owners.
//
//	ranking:   [r4 r0 r2 | r1 r3]     (replicas = 3, spares after the bar)
//	all up:    [r4 r0 r2]
//	r0 out:    [r4 r1 r2]             shard 1 moves to the first spare
//	r0 back:   [r4 r0 r2]             shard 1 returns, r1 releases it
package placement

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/shard"
)

// ErrNoTargets is returned when the map has no members at all.
var ErrNoTargets = errors.New("pool map has no targets")

// Layout computes the shard layout of oid at map m. Slots that cannot be
// filled because too few targets are in placement are set to NoRank.
func Layout(oid shard.OID, m *poolmap.Map) (shard.Layout, error) {
	if m == nil || len(m.Targets) == 0 {
		return shard.Layout{}, ErrNoTargets
	}
	replicas := oid.Class().Replicas()
	ranking := rank(oid, m.Ranks())

	layout := shard.Layout{OID: oid, Version: m.Version, Shards: make([]poolmap.Rank, replicas)}
	used := make(map[poolmap.Rank]bool, replicas)

	// First pass keeps nominal owners that are in placement.
	for i := 0; i < replicas; i++ {
		layout.Shards[i] = poolmap.NoRank
		if i < len(ranking) && m.InPlacement(ranking[i]) {
			layout.Shards[i] = ranking[i]
			used[ranking[i]] = true
		}
	}

	// Second pass fills the holes from the spare list, in shard order.
	spare := replicas
	for i := 0; i < replicas; i++ {
		if layout.Shards[i] != poolmap.NoRank {
			continue
		}
		for spare < len(ranking) {
			cand := ranking[spare]
			spare++
			if m.InPlacement(cand) && !used[cand] {
				layout.Shards[i] = cand
				used[cand] = true
				break
			}
		}
	}
	return layout, nil
}

// rank orders ranks by descending rendezvous score for oid. Ties, which only
// happen on hash collisions, fall back to rank order.
func rank(oid shard.OID, ranks []poolmap.Rank) []poolmap.Rank {
	type scored struct {
		rank  poolmap.Rank
		score uint64
	}
	scores := make([]scored, len(ranks))
	var buf [20]byte
	binary.LittleEndian.PutUint64(buf[0:8], oid.Hi)
	binary.LittleEndian.PutUint64(buf[8:16], oid.Lo)
	for i, r := range ranks {
		binary.LittleEndian.PutUint32(buf[16:20], uint32(r))
		scores[i] = scored{rank: r, score: xxhash.Sum64(buf[:])}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].rank < scores[j].rank
	})
	out := make([]poolmap.Rank, len(scores))
	for i, s := range scores {
		out[i] = s.rank
	}
	return out
}
