// Package main implements the rebuildd coordinator: one replica of the
// replicated pool service together with the rebuild coordinator that drives
// data movement while this replica leads.
//
// The coordinator is responsible for:
//   - Holding pool maps in the raft-replicated pool service
//   - Excluding and re-adding targets on request
//   - Driving each pool's rebuild through its scan and pull phases
//   - Answering rebuild status queries from any replica
//   - Accepting scan and pull completion reports from targets
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                 Coordinator                  │
//	├──────────────────────────────────────────────┤
//	│  HTTP API:                                   │
//	│    /pools               - Create, list       │
//	│    /pools/{p}           - Inspect, destroy   │
//	│    /pools/{p}/status    - Rebuild status     │
//	│    /pools/{p}/abort     - Stop the rebuild   │
//	│    /pools/{p}/targets/* - Exclude, add       │
//	│    /rebuild/*-done      - Target reports     │
//	│    /faults              - Fault injection    │
//	│    /leader, /metrics    - Introspection      │
//	├──────────────────────────────────────────────┤
//	│  Components:                                 │
//	│    RaftStore     - Replicated pool state     │
//	│    Service       - Pool map operations       │
//	│    Coordinator   - Per-pool rebuild drivers  │
//	└──────────────────────────────────────────────┘
//
// Configuration comes from an optional YAML file (--config), REBUILDD_*
// environment variables and flags, in increasing order of precedence:
//   - node.id (--id): raft server id, unique per replica
//   - node.listen (--listen): HTTP listen address (default ":8080")
//   - node.targets: rank to base URL of every target
//   - raft.bind (--raft-bind): raft transport address
//   - raft.data_dir (--data-dir): raft log and snapshots; empty keeps them in memory
//   - raft.bootstrap (--bootstrap), raft.peers: initial membership
//   - rebuild.*: acknowledgement timeouts, resend limits, unresponsive policy
//   - log.level, log.format (--log-level, --log-format)
//
// Example usage:
//
//	# Start a single replica
//	REBUILDD_NODE_ID=c1 ./coordinator --config rebuildd.yaml
//
//	# Create a pool over every configured target and take rank 2 out
//	curl -X POST localhost:8080/pools -d '{"name":"tank"}'
//	curl -X POST localhost:8080/pools/tank/targets/2/exclude
//	curl localhost:8080/pools/tank/status
//
//	# Rebuild scenario against an in-process cluster
//	./coordinator sim --targets 8 --objects 2000 --victims 3 --reintegrate
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/config"
	"github.com/dreamware/rebuildd/internal/coordinator"
	"github.com/dreamware/rebuildd/internal/fault"
	"github.com/dreamware/rebuildd/internal/metrics"
	"github.com/dreamware/rebuildd/internal/poolsvc"
	"github.com/dreamware/rebuildd/internal/rdb"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:          "coordinator",
		Short:        "Replicated pool service and rebuild coordinator",
		Long:         "coordinator runs one replica of the pool service. The leading replica drives every pool's rebuild after a target is excluded or added.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, v, cfgFile, cmd.ErrOrStderr())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "YAML configuration file")
	pf.String("log-level", "info", "log level: error, info, debug or trace")
	pf.String("log-format", "text", "log encoding: text or json")
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log.format", pf.Lookup("log-format"))

	f := root.Flags()
	f.String("id", "node-0", "raft server id")
	f.String("listen", ":8080", "HTTP listen address")
	f.String("raft-bind", "127.0.0.1:7000", "raft transport address")
	f.String("data-dir", "", "raft data directory; empty keeps state in memory")
	f.Bool("bootstrap", true, "bootstrap the raft group from raft.peers")
	_ = v.BindPFlag("node.id", f.Lookup("id"))
	_ = v.BindPFlag("node.listen", f.Lookup("listen"))
	_ = v.BindPFlag("raft.bind", f.Lookup("raft-bind"))
	_ = v.BindPFlag("raft.data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("raft.bootstrap", f.Lookup("bootstrap"))

	root.AddCommand(newSimCmd(v, &cfgFile))
	return root
}

func serve(ctx context.Context, v *viper.Viper, cfgFile string, logOut io.Writer) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	log, err := cfg.Log.Logger(logOut)
	if err != nil {
		return err
	}
	log = log.WithValues("replica", cfg.Node.ID)

	store, err := rdb.NewRaftStore(cfg.RaftStoreConfig(), log)
	if err != nil {
		return fmt.Errorf("start raft: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error(err, "raft shutdown")
		}
	}()

	m := metrics.New(true)
	faults := fault.NewInjector()
	urls := cfg.TargetURLs()
	svc := poolsvc.New(store, faults, log)
	coord := coordinator.New(svc, &cluster.HTTPTargetClient{Resolve: cluster.StaticResolver(urls)}, cfg.Rebuild, m, log)
	srv := newServer(cfg.Node.ID, svc, coord, faults, urls, log)

	httpSrv := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           srv.routes(m),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(ctx)
	})
	g.Go(func() error {
		log.Info("coordinator listening", "addr", cfg.Node.Listen, "targets", len(urls))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("coordinator stopped")
	return err
}
