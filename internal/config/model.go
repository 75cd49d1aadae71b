package config

import (
	"fmt"
	"time"

	"regionmaster/internal/assignment"
	"regionmaster/internal/coord"
	"regionmaster/internal/observability/logging"
	"regionmaster/internal/observability/tracing"
	"regionmaster/internal/region"
	"regionmaster/internal/retry"
	"regionmaster/internal/rpc"
	"regionmaster/internal/servers"
)

// Coordination backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendEtcd   = "etcd"
	BackendPebble = "pebble"
)

type Config struct {
	// ServerName is this master's host,port,startcode. The start code is
	// filled in at startup when zero.
	ServerName   string             `yaml:"serverName"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Assignment   AssignmentConfig   `yaml:"assignment"`
	Servers      ServersConfig      `yaml:"servers"`
	GRPC         GRPCConfig         `yaml:"grpc"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      logging.Config     `yaml:"logging"`
	Tracing      tracing.Config     `yaml:"tracing"`
}

type CoordinationConfig struct {
	Backend   string     `yaml:"backend"`
	Namespace string     `yaml:"namespace"`
	Dir       string     `yaml:"dir"`
	Etcd      EtcdConfig `yaml:"etcd"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	Prefix      string        `yaml:"prefix"`
	WatchRetry  RetryConfig   `yaml:"watchRetry"`
}

type CatalogConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

type AssignmentConfig struct {
	EventWorkers         int           `yaml:"eventWorkers"`
	ServerWorkers        int           `yaml:"serverWorkers"`
	QueueSize            int           `yaml:"queueSize"`
	TransitionTimeout    time.Duration `yaml:"transitionTimeout"`
	TimeoutMonitorPeriod time.Duration `yaml:"timeoutMonitorPeriod"`
	BalancerPeriod       time.Duration `yaml:"balancerPeriod"`
	OpenRetry            RetryConfig   `yaml:"openRetry"`
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	MaxTries        uint          `yaml:"maxTries"`
}

type ServersConfig struct {
	ExpiryTimeout time.Duration `yaml:"expiryTimeout"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	RPCTimeout    time.Duration `yaml:"rpcTimeout"`
	// MinServers and CheckInWindow gate JoinCluster: the master waits for
	// both before trusting that a silent server is gone.
	MinServers    int           `yaml:"minServers"`
	CheckInWindow time.Duration `yaml:"checkInWindow"`
}

type GRPCConfig struct {
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Default returns a single-process configuration on in-memory backends.
func Default() *Config {
	return &Config{
		ServerName: "localhost,16000,0",
		Coordination: CoordinationConfig{
			Backend:   BackendMemory,
			Namespace: "regionmaster",
			Etcd: EtcdConfig{
				WatchRetry: RetryConfig{InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second, MaxTries: 10},
			},
		},
		Catalog: CatalogConfig{Backend: BackendMemory},
		Assignment: AssignmentConfig{
			EventWorkers:      8,
			ServerWorkers:     3,
			QueueSize:         256,
			TransitionTimeout: 30 * time.Second,
			OpenRetry: RetryConfig{
				InitialInterval: retry.DefaultPolicy.InitialInterval,
				MaxInterval:     retry.DefaultPolicy.MaxInterval,
				MaxTries:        retry.DefaultPolicy.MaxTries,
			},
		},
		Servers: ServersConfig{
			ExpiryTimeout: 30 * time.Second,
			SweepInterval: time.Second,
			RPCTimeout:    5 * time.Second,
			MinServers:    1,
			CheckInWindow: 4500 * time.Millisecond,
		},
		GRPC:    GRPCConfig{Address: "0.0.0.0:16000"},
		Logging: logging.Config{Level: "info"},
	}
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if _, err := c.Master(); err != nil {
		return err
	}
	switch c.Coordination.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Coordination.Dir == "" {
			return fmt.Errorf("coordination.dir is required for the bolt backend")
		}
	case BackendEtcd:
		if len(c.Coordination.Etcd.Endpoints) == 0 {
			return fmt.Errorf("coordination.etcd.endpoints is required for the etcd backend")
		}
	default:
		return fmt.Errorf("unknown coordination backend %q", c.Coordination.Backend)
	}
	switch c.Catalog.Backend {
	case BackendMemory:
	case BackendPebble:
		if c.Catalog.Dir == "" {
			return fmt.Errorf("catalog.dir is required for the pebble backend")
		}
	default:
		return fmt.Errorf("unknown catalog backend %q", c.Catalog.Backend)
	}
	if c.Servers.MinServers < 0 {
		return fmt.Errorf("servers.minServers must not be negative")
	}
	if c.Assignment.TransitionTimeout < 0 || c.Servers.ExpiryTimeout < 0 || c.Servers.CheckInWindow < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.GRPC.Address == "" {
		return fmt.Errorf("grpc.address is empty")
	}
	return nil
}

// Master parses ServerName.
func (c *Config) Master() (region.ServerName, error) {
	sn, err := region.ParseServerName(c.ServerName)
	if err != nil {
		return region.ServerName{}, fmt.Errorf("serverName: %w", err)
	}
	if sn.IsZero() {
		return region.ServerName{}, fmt.Errorf("serverName is empty")
	}
	return sn, nil
}

func (r RetryConfig) policy() retry.Policy {
	return retry.Policy{InitialInterval: r.InitialInterval, MaxInterval: r.MaxInterval, MaxTries: r.MaxTries}
}

func (c *Config) BackoffPolicy() retry.Policy {
	return c.Assignment.OpenRetry.policy()
}

// AssignmentOptions fills the tunables of assignment.Options. Collaborators
// are left for the caller.
func (c *Config) AssignmentOptions() assignment.Options {
	a := c.Assignment
	return assignment.Options{
		Namespace:            c.Coordination.Namespace,
		EventWorkers:         a.EventWorkers,
		ServerWorkers:        a.ServerWorkers,
		QueueSize:            a.QueueSize,
		TransitionTimeout:    a.TransitionTimeout,
		TimeoutMonitorPeriod: a.TimeoutMonitorPeriod,
		BalancerPeriod:       a.BalancerPeriod,
		OpenRetry:            c.BackoffPolicy(),
	}
}

func (c *Config) ServersOptions() servers.Options {
	s := c.Servers
	return servers.Options{
		ExpiryTimeout: s.ExpiryTimeout,
		SweepInterval: s.SweepInterval,
		MinServers:    s.MinServers,
		CheckInWindow: s.CheckInWindow,
	}
}

func (c *Config) EtcdConfig() coord.EtcdConfig {
	e := c.Coordination.Etcd
	return coord.EtcdConfig{Endpoints: e.Endpoints, DialTimeout: e.DialTimeout, Prefix: e.Prefix, Retry: e.WatchRetry.policy()}
}

func (c *Config) GRPCConfig() rpc.Config {
	return rpc.Config{Address: c.GRPC.Address}
}
