package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/rdb"
	"github.com/dreamware/rebuildd/internal/rebuild"
	"github.com/dreamware/rebuildd/internal/shard"
)

// Workload is a deterministic set of records: Objects objects of Class,
// each with DKeys x AKeys single-index records.
type Workload struct {
	Objects int
	Class   shard.Class
	DKeys   int
	AKeys   int
	// Size pads every value to at least this many bytes.
	Size int
}

func (w Workload) withDefaults() Workload {
	if w.Class == 0 {
		w.Class = shard.ClassRP3
	}
	if w.DKeys <= 0 {
		w.DKeys = 1
	}
	if w.AKeys <= 0 {
		w.AKeys = 1
	}
	return w
}

// Keys lists every record of the workload in a stable order.
func (w Workload) Keys() []Key {
	w = w.withDefaults()
	keys := make([]Key, 0, w.Objects*w.DKeys*w.AKeys)
	for o := 0; o < w.Objects; o++ {
		oid := shard.NewOID(w.Class, 0, uint64(o)+1)
		for d := 0; d < w.DKeys; d++ {
			for a := 0; a < w.AKeys; a++ {
				keys = append(keys, Key{OID: oid, DKey: fmt.Sprintf("dkey-%d", d), AKey: fmt.Sprintf("akey-%d", a)})
			}
		}
	}
	return keys
}

// Value is the content of k in generation gen.
func (w Workload) Value(k Key, gen int) []byte {
	v := []byte(fmt.Sprintf("%s@%d", k, gen))
	if pad := w.Size - len(v); pad > 0 {
		v = append(v, bytes.Repeat([]byte{'.'}, pad)...)
	}
	return v
}

// Fill writes generation gen of every record.
func (w Workload) Fill(ctx context.Context, cl *Client, gen int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, k := range w.Keys() {
		g.Go(func() error {
			_, err := cl.Put(ctx, k, w.Value(k, gen))
			return err
		})
	}
	return g.Wait()
}

// Verify checks that every owner of every record at the current map holds
// generation gen. It reports at most ten mismatches.
func (w Workload) Verify(ctx context.Context, cl *Client, gen int) error {
	var errs []error
	var bad int
	for _, k := range w.Keys() {
		values, failed, err := cl.Replicas(ctx, k)
		if err != nil {
			return err
		}
		want := w.Value(k, gen)
		ranks := make([]poolmap.Rank, 0, len(values)+len(failed))
		for r := range values {
			ranks = append(ranks, r)
		}
		for r := range failed {
			ranks = append(ranks, r)
		}
		sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })
		for _, r := range ranks {
			var err error
			if ferr, ok := failed[r]; ok {
				err = fmt.Errorf("%s on %s: %w", k, r, ferr)
			} else if got := values[r]; !bytes.Equal(got, want) {
				err = fmt.Errorf("%s on %s: got %q, want %q", k, r, got, want)
			}
			if err == nil {
				continue
			}
			bad++
			if len(errs) < 10 {
				errs = append(errs, err)
			}
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d replica(s) wrong: %w", bad, errors.Join(errs...))
	}
	return nil
}

// Scenario is the exclude and reintegrate cycle run by the sim command:
// write, fail the victims, rebuild, write again while they are out, bring
// them back and rebuild again.
type Scenario struct {
	Pool     string
	Workload Workload
	Victims  []poolmap.Rank
	// Reintegrate re-adds the victims after the first rebuild.
	Reintegrate bool
	// Timeout bounds each rebuild.
	Timeout time.Duration
}

// Step is the outcome of one rebuild in a scenario.
type Step struct {
	Name    string
	Map     *poolmap.Map
	Status  rebuild.Status
	Elapsed time.Duration
}

// Run executes the scenario on c. The pool is created by Run.
func (s Scenario) Run(ctx context.Context, c *Cluster) ([]Step, error) {
	if s.Pool == "" {
		s.Pool = "sim"
	}
	if s.Timeout <= 0 {
		s.Timeout = time.Minute
	}
	log := c.log.WithValues("pool", s.Pool)
	cl := c.Client(s.Pool)

	if _, err := c.CreatePool(ctx, s.Pool); err != nil {
		return nil, err
	}
	if err := s.Workload.Fill(ctx, cl, 0); err != nil {
		return nil, fmt.Errorf("initial fill: %w", err)
	}
	keys := len(s.Workload.Keys())
	log.Info("pool filled", "records", keys, "bytes", humanize.IBytes(uint64(keys*s.Workload.Size)))

	var steps []Step
	rebuildStep := func(name string, change func() error) error {
		start := time.Now()
		if err := change(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		wctx, cancel := context.WithTimeout(ctx, s.Timeout)
		defer cancel()
		p, err := c.WaitRebuilt(wctx, s.Pool)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		st := step(name, p, time.Since(start))
		steps = append(steps, st)
		log.Info("rebuild finished", "step", name, "map", st.Map.String(), "phase", string(st.Status.Phase),
			"pulled", humanize.IBytes(st.Status.Counters.BytesPulled), "elapsed", st.Elapsed.String())
		if st.Status.Phase == rebuild.PhaseAborted {
			return fmt.Errorf("%s: rebuild aborted: %s", name, st.Status.Reason)
		}
		return nil
	}

	err := rebuildStep("exclude", func() error {
		for _, r := range s.Victims {
			c.Kill(r)
			if _, err := c.Exclude(ctx, s.Pool, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return steps, err
	}
	if err := s.Workload.Verify(ctx, cl, 0); err != nil {
		return steps, fmt.Errorf("after exclude: %w", err)
	}
	if !s.Reintegrate {
		return steps, nil
	}

	if err := s.Workload.Fill(ctx, cl, 1); err != nil {
		return steps, fmt.Errorf("degraded fill: %w", err)
	}
	err = rebuildStep("reintegrate", func() error {
		for _, r := range s.Victims {
			c.Revive(r)
			if _, err := c.Add(ctx, s.Pool, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return steps, err
	}
	if err := s.Workload.Verify(ctx, cl, 1); err != nil {
		return steps, fmt.Errorf("after reintegrate: %w", err)
	}
	return steps, nil
}

func step(name string, p *rdb.PoolState, elapsed time.Duration) Step {
	return Step{Name: name, Map: p.Map, Status: p.Status(), Elapsed: elapsed}
}
