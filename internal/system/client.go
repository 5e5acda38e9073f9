package system

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/rebuildd/internal/placement"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/shard"
	"github.com/dreamware/rebuildd/internal/storage"
)

// ErrNoReplica is returned by a read when no owner of the object can serve
// it.
var ErrNoReplica = errors.New("no reachable replica")

// Client performs object I/O against one pool the way the live write path
// does: a write goes to every owner at the current map version, stamped
// with one epoch from the cluster clock.
type Client struct {
	c    *Cluster
	pool string
}

// Client returns an I/O client for pool.
func (c *Cluster) Client(pool string) *Client {
	return &Client{c: c, pool: pool}
}

// Key addresses one record.
type Key struct {
	OID   shard.OID
	DKey  string
	AKey  string
	Index uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s[%d]", k.OID, k.DKey, k.AKey, k.Index)
}

func (cl *Client) layout(oid shard.OID) (*poolmap.Map, shard.Layout, error) {
	m, err := cl.c.Leader().Map(cl.pool)
	if err != nil {
		return nil, shard.Layout{}, err
	}
	l, err := placement.Layout(oid, m)
	return m, l, err
}

// Put writes value under k on every owner. The epoch used is returned.
func (cl *Client) Put(ctx context.Context, k Key, value []byte) (uint64, error) {
	_, l, err := cl.layout(k.OID)
	if err != nil {
		return 0, err
	}
	epoch := cl.c.Clock.Next()
	var errs []error
	for _, rank := range l.Shards {
		if rank == poolmap.NoRank {
			continue
		}
		if err := cl.c.Network.Ping(ctx, rank); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := cl.c.Agents[rank].Update(cl.pool, k.OID, k.DKey, k.AKey, k.Index, value, epoch); err != nil {
			errs = append(errs, fmt.Errorf("%s on %s: %w", k, rank, err))
		}
	}
	return epoch, errors.Join(errs...)
}

// Punch deletes at level on every owner.
func (cl *Client) Punch(ctx context.Context, level storage.Level, k Key) error {
	_, l, err := cl.layout(k.OID)
	if err != nil {
		return err
	}
	epoch := cl.c.Clock.Next()
	var errs []error
	for _, rank := range l.Shards {
		if rank == poolmap.NoRank {
			continue
		}
		if err := cl.c.Network.Ping(ctx, rank); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := cl.c.Agents[rank].Punch(cl.pool, level, k.OID, k.DKey, k.AKey, k.Index, epoch); err != nil {
			errs = append(errs, fmt.Errorf("punch %s on %s: %w", k, rank, err))
		}
	}
	return errors.Join(errs...)
}

// Get reads k from the first reachable owner, preferring UP owners over
// ones still being refilled.
func (cl *Client) Get(ctx context.Context, k Key) ([]byte, error) {
	m, l, err := cl.layout(k.OID)
	if err != nil {
		return nil, err
	}
	var adding []poolmap.Rank
	for _, rank := range l.Shards {
		if rank == poolmap.NoRank {
			continue
		}
		if m.IsAdding(rank) {
			adding = append(adding, rank)
			continue
		}
		if v, err := cl.read(ctx, rank, k); !errors.Is(err, ErrNoReplica) {
			return v, err
		}
	}
	for _, rank := range adding {
		if v, err := cl.read(ctx, rank, k); !errors.Is(err, ErrNoReplica) {
			return v, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoReplica, k)
}

func (cl *Client) read(ctx context.Context, rank poolmap.Rank, k Key) ([]byte, error) {
	if err := cl.c.Network.Ping(ctx, rank); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoReplica, err)
	}
	return cl.c.Agents[rank].Fetch(cl.pool, k.OID, k.DKey, k.AKey, k.Index, ^uint64(0))
}

// Replicas reads k from every owner at the current map. Owners that cannot
// be reached or do not hold the record map to an error.
func (cl *Client) Replicas(ctx context.Context, k Key) (map[poolmap.Rank][]byte, map[poolmap.Rank]error, error) {
	_, l, err := cl.layout(k.OID)
	if err != nil {
		return nil, nil, err
	}
	values := make(map[poolmap.Rank][]byte)
	failed := make(map[poolmap.Rank]error)
	for _, rank := range l.Shards {
		if rank == poolmap.NoRank {
			continue
		}
		v, err := cl.read(ctx, rank, k)
		if err != nil {
			failed[rank] = err
			continue
		}
		values[rank] = v
	}
	return values, failed, nil
}
