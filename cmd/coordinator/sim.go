package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/rebuildd/internal/config"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/shard"
	"github.com/dreamware/rebuildd/internal/system"
)

type simOptions struct {
	targets     int
	replicas    int
	objects     int
	dkeys       int
	size        int
	class       string
	victims     []uint
	reintegrate bool
	timeout     time.Duration
}

func newSimCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	opt := simOptions{}
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run an exclude and reintegrate scenario in one process",
		Long: "sim starts a pool service, its coordinators and the storage targets in this process, " +
			"writes a workload, fails the victim targets and waits for the rebuild. " +
			"Rebuild settings come from the same configuration as the server.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *cfgFile)
			if err != nil {
				return err
			}
			log, err := cfg.Log.Logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			class, err := shard.ParseClass(opt.class)
			if err != nil {
				return err
			}

			c := system.Start(system.Options{
				Targets:  opt.targets,
				Replicas: opt.replicas,
				Rebuild:  cfg.Rebuild,
				Target:   cfg.Target,
				Log:      log,
			})
			defer c.Close()

			victims := make([]poolmap.Rank, len(opt.victims))
			for i, r := range opt.victims {
				if int(r) >= opt.targets {
					return fmt.Errorf("victim rank %d out of range, only %d targets", r, opt.targets)
				}
				victims[i] = poolmap.Rank(r)
			}
			steps, err := system.Scenario{
				Pool: "sim",
				Workload: system.Workload{
					Objects: opt.objects,
					Class:   class,
					DKeys:   opt.dkeys,
					Size:    opt.size,
				},
				Victims:     victims,
				Reintegrate: opt.reintegrate,
				Timeout:     opt.timeout,
			}.Run(cmd.Context(), c)
			printSteps(cmd.OutOrStdout(), steps)
			return err
		},
	}

	f := cmd.Flags()
	f.IntVar(&opt.targets, "targets", 6, "number of storage targets")
	f.IntVar(&opt.replicas, "replicas", 1, "number of pool service replicas")
	f.IntVar(&opt.objects, "objects", 1000, "number of objects written")
	f.IntVar(&opt.dkeys, "dkeys", 2, "distribution keys per object")
	f.IntVar(&opt.size, "size", 64, "minimum value size in bytes")
	f.StringVar(&opt.class, "class", "RP_3", "object class")
	f.UintSliceVar(&opt.victims, "victims", []uint{1}, "ranks to fail")
	f.BoolVar(&opt.reintegrate, "reintegrate", false, "add the victims back after the first rebuild")
	f.DurationVar(&opt.timeout, "timeout", time.Minute, "limit for each rebuild")
	return cmd
}

func printSteps(w io.Writer, steps []system.Step) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tMAP\tPHASE\tOBJECTS\tRECORDS\tPULLED\tELAPSED")
	for _, st := range steps {
		c := st.Status.Counters
		fmt.Fprintf(tw, "%s\tv%d\t%s\t%d\t%d\t%s\t%s\n",
			st.Name, st.Map.Version, st.Status.Phase, c.ObjectsPulled, c.RecordsPulled,
			humanize.IBytes(c.BytesPulled), st.Elapsed.Round(time.Millisecond))
	}
	_ = tw.Flush()
}
