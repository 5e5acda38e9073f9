// Package main implements the rebuildd target, the storage process that
// holds one rank's share of every pool and does the data movement of a
// rebuild.
//
// The target is a worker in the rebuild protocol, responsible for:
//   - Storing versioned records for every pool it belongs to
//   - Scanning its objects and shipping work items to their new owners
//   - Pulling records named by received work items from surviving replicas
//   - Reporting scan and pull completion to the leading coordinator
//   - Reclaiming records it no longer owns after a finished rebuild
//
// Architecture:
//
//	┌─────────────────────────────────────────────┐
//	│                   Target                    │
//	├─────────────────────────────────────────────┤
//	│  HTTP API:                                  │
//	│    /health           - Health check         │
//	│    /rebuild/*        - Rebuild control      │
//	│    /pools/{p}/objects/{oid}/... - Record IO │
//	│    /space            - Usage, threshold     │
//	│    /faults, /metrics - Test and telemetry   │
//	├─────────────────────────────────────────────┤
//	│  Components:                                │
//	│    Agent         - Per-task rebuild state   │
//	│    MemoryStore   - Records per pool         │
//	│    HTTPReporter  - Coordinator link         │
//	└─────────────────────────────────────────────┘
//
// Configuration comes from an optional YAML file (--config), REBUILDD_*
// environment variables and flags, in increasing order of precedence:
//   - node.rank (--rank): the rank this process serves
//   - node.listen (--listen): HTTP listen address
//   - node.coordinators (--coordinators): base URLs of every coordinator replica
//   - node.targets: rank to base URL of every peer target
//   - target.*: capacity, rebuild threshold, pull workers and retries
//   - log.level, log.format (--log-level, --log-format)
//
// Example usage:
//
//	# Start rank 3
//	./target --config rebuildd.yaml --rank 3 --listen :8083
//
//	# Write and read one record
//	curl -X PUT localhost:8083/pools/tank/objects/300000000000000.1/dk/ak -d hello
//	curl localhost:8083/pools/tank/objects/300000000000000.1/dk/ak
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

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/config"
	"github.com/dreamware/rebuildd/internal/fault"
	"github.com/dreamware/rebuildd/internal/metrics"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/storage"
	"github.com/dreamware/rebuildd/internal/target"
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
		Use:          "target",
		Short:        "Storage target taking part in pool rebuilds",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, v, cfgFile, cmd.ErrOrStderr())
		},
	}

	f := root.Flags()
	f.StringVarP(&cfgFile, "config", "c", "", "YAML configuration file")
	f.Uint32("rank", 0, "target rank")
	f.String("listen", ":8081", "HTTP listen address")
	f.StringSlice("coordinators", []string{"http://127.0.0.1:8080"}, "coordinator base URLs")
	f.String("log-level", "info", "log level: error, info, debug or trace")
	f.String("log-format", "text", "log encoding: text or json")
	_ = v.BindPFlag("node.rank", f.Lookup("rank"))
	_ = v.BindPFlag("node.listen", f.Lookup("listen"))
	_ = v.BindPFlag("node.coordinators", f.Lookup("coordinators"))
	_ = v.BindPFlag("log.level", f.Lookup("log-level"))
	_ = v.BindPFlag("log.format", f.Lookup("log-format"))
	return root
}

// node is one target process: the agent and everything it is served with.
type node struct {
	agent   *target.Agent
	faults  *fault.Injector
	metrics *metrics.Metrics
	handler http.Handler
}

// newNode wires an agent to its peers and coordinators over HTTP.
func newNode(cfg config.Config, withRuntime bool, log logr.Logger) *node {
	n := &node{
		faults:  fault.NewInjector(),
		metrics: metrics.New(withRuntime),
	}
	peers := &cluster.HTTPTargetClient{Resolve: cluster.StaticResolver(cfg.TargetURLs())}
	reporter := cluster.NewHTTPReporter(cfg.Node.Coordinators)
	n.agent = target.New(poolmap.Rank(cfg.Node.Rank), cfg.Target, peers, reporter, n.faults, n.metrics, log)

	r := mux.NewRouter()
	n.agent.RegisterRoutes(r, storage.NewClock())
	cluster.RegisterFaultRoutes(r, n.faults)
	r.Handle("/metrics", n.metrics.Handler())
	n.handler = r
	return n
}

func run(ctx context.Context, v *viper.Viper, cfgFile string, logOut io.Writer) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	if len(cfg.Node.Coordinators) == 0 {
		return errors.New("node.coordinators must list at least one coordinator")
	}
	log, err := cfg.Log.Logger(logOut)
	if err != nil {
		return err
	}
	log = log.WithValues("rank", cfg.Node.Rank)

	n := newNode(cfg, true, log)
	defer n.agent.Close()

	httpSrv := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           n.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("target listening", "addr", cfg.Node.Listen, "coordinators", len(cfg.Node.Coordinators), "peers", len(cfg.Node.Targets))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("listen: %w", err)
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = httpSrv.Shutdown(sctx)
	log.Info("target stopped")
	return err
}
