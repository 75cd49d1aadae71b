package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"regionmaster/internal/region"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "regionmaster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
serverName: master1.example.org,16000,0
coordination:
  backend: etcd
  namespace: prod
  etcd:
    endpoints: ["10.0.0.1:2379", "10.0.0.2:2379"]
    dialTimeout: 3s
    watchRetry:
      maxTries: 20
catalog:
  backend: pebble
  dir: /var/lib/regionmaster/catalog
assignment:
  transitionTimeout: 1m
  serverWorkers: 5
  openRetry:
    maxTries: 5
servers:
  minServers: 3
  checkInWindow: 10s
logging:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	sn, err := cfg.Master()
	require.NoError(t, err)
	require.Equal(t, region.ServerName{Host: "master1.example.org", Port: 16000}, sn)

	require.Equal(t, BackendEtcd, cfg.Coordination.Backend)
	etcd := cfg.EtcdConfig()
	require.Len(t, etcd.Endpoints, 2)
	require.Equal(t, 3*time.Second, etcd.DialTimeout)
	require.Equal(t, uint(20), etcd.Retry.MaxTries)
	require.Equal(t, 5*time.Second, etcd.Retry.MaxInterval, "unset values keep their defaults")

	opts := cfg.AssignmentOptions()
	require.Equal(t, "prod", opts.Namespace)
	require.Equal(t, time.Minute, opts.TransitionTimeout)
	require.Equal(t, 8, opts.EventWorkers, "unset values keep their defaults")
	require.Equal(t, uint(5), opts.OpenRetry.MaxTries)
	require.Equal(t, 5, opts.ServerWorkers)

	so := cfg.ServersOptions()
	require.Equal(t, 3, so.MinServers)
	require.Equal(t, 10*time.Second, so.CheckInWindow)
	require.Equal(t, Default().Servers.ExpiryTimeout, so.ExpiryTimeout)
	require.Equal(t, Default().Assignment.OpenRetry.InitialInterval, opts.OpenRetry.InitialInterval)

	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "0.0.0.0:16000", cfg.GRPCConfig().Address)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	cases := map[string]func(c *Config){
		"bad server name":   func(c *Config) { c.ServerName = "nohost" },
		"bolt without dir":  func(c *Config) { c.Coordination.Backend = BackendBolt },
		"etcd without urls": func(c *Config) { c.Coordination.Backend = BackendEtcd },
		"unknown backend":   func(c *Config) { c.Coordination.Backend = "zookeeper" },
		"pebble without dir": func(c *Config) {
			c.Catalog.Backend = BackendPebble
		},
		"empty grpc address":   func(c *Config) { c.GRPC.Address = "" },
		"negative min servers": func(c *Config) { c.Servers.MinServers = -1 },
		"negative check-in":    func(c *Config) { c.Servers.CheckInWindow = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "coordination: [not, a, map]"))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "catalog:\n  backend: cassandra\n"))
	require.ErrorContains(t, err, "cassandra")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
