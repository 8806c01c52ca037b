package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	PolicyRoundRobin = "rr"
	PolicyNone       = "none"

	BackoffLinear      = "linear"
	BackoffExponential = "exponential"

	ReadyOnline    = "online"
	ReadyListening = "listening"
)

type WorkerConfig struct {
	Exec        string            `yaml:"exec" toml:"exec"`
	Args        []string          `yaml:"args,omitempty" toml:"args,omitempty"`
	Directory   string            `yaml:"directory,omitempty" toml:"directory,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" toml:"environment,omitempty"`
	Silent      bool              `yaml:"silent" toml:"silent"`
	StopSignal  string            `yaml:"stop_signal,omitempty" toml:"stop_signal,omitempty"`
	// Settings is forwarded verbatim to every worker in its init message.
	Settings map[string]any `yaml:"settings,omitempty" toml:"settings,omitempty"`
}

type PoolConfig struct {
	Size int `yaml:"size" toml:"size"`
}

type SchedulingConfig struct {
	Policy    string `yaml:"policy" toml:"policy"`
	Network   string `yaml:"network,omitempty" toml:"network,omitempty"`
	Address   string `yaml:"address,omitempty" toml:"address,omitempty"`
	QueueSize int    `yaml:"queue_size,omitempty" toml:"queue_size,omitempty"`
}

type HealthConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	CheckInterval     Duration `yaml:"check_interval" toml:"check_interval"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	InitialGrace      Duration `yaml:"initial_grace" toml:"initial_grace"`
	StartTimeout      Duration `yaml:"start_timeout" toml:"start_timeout"`
}

type RestartConfig struct {
	MaxRestarts int      `yaml:"max_restarts" toml:"max_restarts"`
	Backoff     string   `yaml:"backoff" toml:"backoff"`
	BaseDelay   Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay" toml:"max_delay"`
	StableAfter Duration `yaml:"stable_after" toml:"stable_after"`
}

type ShutdownConfig struct {
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

type RollingConfig struct {
	ReadyState        string   `yaml:"ready_state" toml:"ready_state"`
	ReadyTimeout      Duration `yaml:"ready_timeout" toml:"ready_timeout"`
	DisconnectTimeout Duration `yaml:"disconnect_timeout" toml:"disconnect_timeout"`
}

type WatchConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Paths    []string `yaml:"paths,omitempty" toml:"paths,omitempty"`
	Debounce Duration `yaml:"debounce" toml:"debounce"`
}

type ClusterConfig struct {
	Worker     WorkerConfig     `yaml:"worker" toml:"worker"`
	Pool       PoolConfig       `yaml:"pool" toml:"pool"`
	Scheduling SchedulingConfig `yaml:"scheduling" toml:"scheduling"`
	Health     HealthConfig     `yaml:"health" toml:"health"`
	Restart    RestartConfig    `yaml:"restart" toml:"restart"`
	Shutdown   ShutdownConfig   `yaml:"shutdown" toml:"shutdown"`
	Rolling    RollingConfig    `yaml:"rolling" toml:"rolling"`
	Watch      WatchConfig      `yaml:"watch" toml:"watch"`
}

func LoadClusterConfig(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg ClusterConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills every zero field with its documented default.
func (c *ClusterConfig) ApplyDefaults() {
	if c.Worker.StopSignal == "" {
		c.Worker.StopSignal = "SIGTERM"
	}
	if c.Pool.Size == 0 {
		c.Pool.Size = runtime.NumCPU()
	}

	if c.Scheduling.Policy == "" {
		c.Scheduling.Policy = PolicyRoundRobin
	}
	if c.Scheduling.Network == "" {
		c.Scheduling.Network = "tcp"
	}
	if c.Scheduling.QueueSize == 0 {
		c.Scheduling.QueueSize = 64
	}

	setDuration(&c.Health.HeartbeatInterval, 5*time.Second)
	setDuration(&c.Health.CheckInterval, 10*time.Second)
	setDuration(&c.Health.HeartbeatTimeout, 30*time.Second)
	setDuration(&c.Health.InitialGrace, 15*time.Second)
	setDuration(&c.Health.StartTimeout, 30*time.Second)

	if c.Restart.MaxRestarts == 0 {
		c.Restart.MaxRestarts = 5
	}
	if c.Restart.Backoff == "" {
		c.Restart.Backoff = BackoffLinear
	}
	setDuration(&c.Restart.BaseDelay, time.Second)
	setDuration(&c.Restart.MaxDelay, 30*time.Second)
	setDuration(&c.Restart.StableAfter, 30*time.Second)

	setDuration(&c.Shutdown.Timeout, 10*time.Second)

	if c.Rolling.ReadyState == "" {
		c.Rolling.ReadyState = ReadyListening
	}
	setDuration(&c.Rolling.ReadyTimeout, 30*time.Second)
	setDuration(&c.Rolling.DisconnectTimeout, 10*time.Second)

	setDuration(&c.Watch.Debounce, 500*time.Millisecond)
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

// Validate reports every problem in the configuration at once.
func (c *ClusterConfig) Validate() error {
	var errs []error

	if c.Worker.Exec == "" {
		errs = append(errs, errors.New("worker.exec is required"))
	}
	if _, err := ParseSignal(c.Worker.StopSignal); err != nil {
		errs = append(errs, fmt.Errorf("worker.stop_signal: %w", err))
	}
	if c.Pool.Size < 0 {
		errs = append(errs, fmt.Errorf("pool.size must not be negative, got %d", c.Pool.Size))
	}

	switch c.Scheduling.Policy {
	case PolicyRoundRobin, PolicyNone:
	default:
		errs = append(errs, fmt.Errorf("scheduling.policy must be %q or %q, got %q",
			PolicyRoundRobin, PolicyNone, c.Scheduling.Policy))
	}
	if c.Scheduling.QueueSize < 0 {
		errs = append(errs, errors.New("scheduling.queue_size must not be negative"))
	}

	h := c.Health
	if h.HeartbeatInterval <= 0 || h.CheckInterval <= 0 {
		errs = append(errs, errors.New("health intervals must be positive"))
	}
	if h.HeartbeatTimeout <= h.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("health.heartbeat_timeout (%s) must exceed health.heartbeat_interval (%s)",
			h.HeartbeatTimeout, h.HeartbeatInterval))
	}

	r := c.Restart
	if r.MaxRestarts < 1 {
		errs = append(errs, fmt.Errorf("restart.max_restarts must be at least 1, got %d", r.MaxRestarts))
	}
	switch r.Backoff {
	case BackoffLinear, BackoffExponential:
	default:
		errs = append(errs, fmt.Errorf("restart.backoff must be %q or %q, got %q",
			BackoffLinear, BackoffExponential, r.Backoff))
	}
	if r.MaxDelay < r.BaseDelay {
		errs = append(errs, errors.New("restart.max_delay must not be below restart.base_delay"))
	}

	switch c.Rolling.ReadyState {
	case ReadyOnline, ReadyListening:
	default:
		errs = append(errs, fmt.Errorf("rolling.ready_state must be %q or %q, got %q",
			ReadyOnline, ReadyListening, c.Rolling.ReadyState))
	}

	if c.Watch.Enabled && len(c.Watch.Paths) == 0 {
		errs = append(errs, errors.New("watch.paths must list at least one path when watch.enabled is set"))
	}

	return errors.Join(errs...)
}
