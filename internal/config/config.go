// Package config loads the settings shared by the coordinator and target
// binaries. Values come from built-in defaults, an optional YAML file and
// REBUILDD_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/viper"

	"github.com/dreamware/rebuildd/internal/coordinator"
	"github.com/dreamware/rebuildd/internal/rdb"
	"github.com/dreamware/rebuildd/internal/target"
)

// EnvPrefix prefixes every environment override, e.g.
// REBUILDD_REBUILD_ACK_TIMEOUT=5s.
const EnvPrefix = "REBUILDD"

// Config is the full configuration. Each binary reads the sections it
// needs and ignores the rest.
type Config struct {
	Node    NodeConfig         `mapstructure:"node"`
	Raft    RaftConfig         `mapstructure:"raft"`
	Rebuild coordinator.Config `mapstructure:"rebuild"`
	Target  target.Config      `mapstructure:"target"`
	Log     LogConfig          `mapstructure:"log"`
}

// NodeConfig identifies this process and the processes it talks to.
type NodeConfig struct {
	ID     string `mapstructure:"id"`
	Listen string `mapstructure:"listen"`
	// Rank is the target rank served by a target process.
	Rank uint32 `mapstructure:"rank"`
	// Coordinators are the HTTP base URLs of every pool service replica.
	// Targets report to them; non-leaders redirect.
	Coordinators []string `mapstructure:"coordinators"`
	// Targets maps ranks to HTTP base URLs.
	Targets []TargetAddr `mapstructure:"targets"`
}

// TargetAddr is where one target rank listens.
type TargetAddr struct {
	Rank uint32 `mapstructure:"rank"`
	Addr string `mapstructure:"addr"`
}

// RaftConfig is the replicated pool service's raft membership.
type RaftConfig struct {
	BindAddr         string        `mapstructure:"bind"`
	DataDir          string        `mapstructure:"data_dir"`
	Bootstrap        bool          `mapstructure:"bootstrap"`
	Peers            []rdb.Peer    `mapstructure:"peers"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	ElectionTimeout  time.Duration `mapstructure:"election_timeout"`
	ApplyTimeout     time.Duration `mapstructure:"apply_timeout"`
}

// LogConfig selects the log verbosity and encoding.
type LogConfig struct {
	// Level is one of info, debug or trace. debug enables V(1) and trace
	// enables V(2).
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key with its default value. Keys unknown to
// viper are not picked up from the environment, so every setting needs
// one.
func SetDefaults(v *viper.Viper) {
	rb := coordinator.DefaultConfig()

	v.SetDefault("node.id", "node-0")
	v.SetDefault("node.listen", ":8080")
	v.SetDefault("node.rank", 0)
	v.SetDefault("node.coordinators", []string{"http://127.0.0.1:8080"})
	v.SetDefault("node.targets", []TargetAddr{})

	v.SetDefault("raft.bind", "127.0.0.1:7000")
	v.SetDefault("raft.data_dir", "")
	v.SetDefault("raft.bootstrap", true)
	v.SetDefault("raft.peers", []rdb.Peer{})
	v.SetDefault("raft.heartbeat_timeout", time.Second)
	v.SetDefault("raft.election_timeout", time.Second)
	v.SetDefault("raft.apply_timeout", 5*time.Second)

	v.SetDefault("rebuild.ack_timeout", rb.AckTimeout)
	v.SetDefault("rebuild.max_resends", rb.MaxResends)
	v.SetDefault("rebuild.unresponsive", string(rb.Unresponsive))
	v.SetDefault("rebuild.error_budget", rb.ErrorBudget)
	v.SetDefault("rebuild.task_retries", rb.TaskRetries)
	v.SetDefault("rebuild.poll_interval", rb.PollInterval)
	v.SetDefault("rebuild.fanout", rb.Fanout)
	v.SetDefault("rebuild.retry.initial", rb.Retry.Initial)
	v.SetDefault("rebuild.retry.max", rb.Retry.Max)
	v.SetDefault("rebuild.retry.max_retries", rb.Retry.MaxRetries)
	v.SetDefault("rebuild.health_interval", 5*time.Second)
	v.SetDefault("rebuild.health_failures", rb.HealthFailures)

	v.SetDefault("target.capacity", uint64(1<<30))
	v.SetDefault("target.threshold_percent", 90)
	v.SetDefault("target.scan_retry.initial", 50*time.Millisecond)
	v.SetDefault("target.scan_retry.max", 2*time.Second)
	v.SetDefault("target.scan_retry.max_retries", 8)
	v.SetDefault("target.report_retry.initial", 100*time.Millisecond)
	v.SetDefault("target.report_retry.max", 2*time.Second)
	v.SetDefault("target.report_retry.max_retries", 10)
	v.SetDefault("target.pull.workers", 8)
	v.SetDefault("target.pull.error_budget", rb.ErrorBudget)
	v.SetDefault("target.pull.resume_poll", 500*time.Millisecond)
	v.SetDefault("target.pull.retry.initial", 50*time.Millisecond)
	v.SetDefault("target.pull.retry.max", time.Second)
	v.SetDefault("target.pull.retry.max_retries", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration into a Config. file may be empty.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations neither binary can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Node.Listen == "" {
		errs = append(errs, errors.New("node.listen must be set"))
	}
	seen := make(map[uint32]bool, len(c.Node.Targets))
	for _, t := range c.Node.Targets {
		if t.Addr == "" {
			errs = append(errs, fmt.Errorf("node.targets: rank %d has no addr", t.Rank))
		}
		if seen[t.Rank] {
			errs = append(errs, fmt.Errorf("node.targets: rank %d listed twice", t.Rank))
		}
		seen[t.Rank] = true
	}
	if err := c.Rebuild.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rebuild: %w", err))
	}
	if p := c.Target.ThresholdPercent; p < 1 || p > 100 {
		errs = append(errs, fmt.Errorf("target.threshold_percent must be in [1, 100], got %d", p))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// RaftStoreConfig builds the raft settings for this node.
func (c Config) RaftStoreConfig() rdb.RaftConfig {
	return rdb.RaftConfig{
		ID:               c.Node.ID,
		BindAddr:         c.Raft.BindAddr,
		DataDir:          c.Raft.DataDir,
		Bootstrap:        c.Raft.Bootstrap,
		Peers:            c.Raft.Peers,
		HeartbeatTimeout: c.Raft.HeartbeatTimeout,
		ElectionTimeout:  c.Raft.ElectionTimeout,
		ApplyTimeout:     c.Raft.ApplyTimeout,
	}
}

// TargetURLs returns the rank to base URL table.
func (c Config) TargetURLs() map[uint32]string {
	out := make(map[uint32]string, len(c.Node.Targets))
	for _, t := range c.Node.Targets {
		out[t.Rank] = strings.TrimRight(t.Addr, "/")
	}
	return out
}

func (c LogConfig) level() (slog.Level, error) {
	switch strings.ToLower(c.Level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.Level(-1), nil
	case "trace":
		return slog.Level(-2), nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level %q: want info, debug, trace or error", c.Level)
}

// Logger builds a logr.Logger writing to w. logr verbosity V(n) maps to
// slog level -n.
func (c LogConfig) Logger(w io.Writer) (logr.Logger, error) {
	lvl, err := c.level()
	if err != nil {
		return logr.Discard(), err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if c.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return logr.FromSlogHandler(h), nil
}
