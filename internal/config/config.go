// Package config loads and validates cluster and node configuration from
// two YAML files via a Load/validate/applyDefaults pipeline.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig mirrors the options addNode describes:
// connection credentials, the pools this node serves, and which driver
// family to dial it with.
type NodeConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Database       string   `yaml:"database"`
	MaxConnections int      `yaml:"max_connections"`
	Pools          []string `yaml:"pools"`
	Driver         string   `yaml:"driver"`
}

// ClusterConfig holds the cluster-wide options.
type ClusterConfig struct {
	Driver           string        `yaml:"driver"`
	TTL              time.Duration `yaml:"ttl"`
	TTLCheckInterval time.Duration `yaml:"ttl_check_interval"`
	MaxQueueLength   int           `yaml:"max_queue_length"`
	MetricsPort      int           `yaml:"metrics_port"`
	HealthCheckPort  int           `yaml:"health_check_port"`
	InstanceID       string        `yaml:"instance_id"`
}

// PresenceConfig holds the non-gating Redis presence/heartbeat options.
type PresenceConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// Config is the root configuration structure.
type Config struct {
	Cluster  ClusterConfig  `yaml:"cluster"`
	Presence PresenceConfig `yaml:"presence"`
	Nodes    []NodeConfig
}

// clusterFileConfig mirrors the YAML structure of the cluster config file.
type clusterFileConfig struct {
	Cluster  ClusterConfig  `yaml:"cluster"`
	Presence PresenceConfig `yaml:"presence"`
}

// nodesFileConfig mirrors the YAML structure of the nodes config file.
type nodesFileConfig struct {
	Nodes []NodeConfig `yaml:"nodes"`
}

// Load reads and parses the cluster config file and the nodes config file.
func Load(clusterConfigPath, nodesConfigPath string) (*Config, error) {
	clusterData, err := os.ReadFile(clusterConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading cluster config %s: %w", clusterConfigPath, err)
	}

	var clusterFile clusterFileConfig
	if err := yaml.Unmarshal(clusterData, &clusterFile); err != nil {
		return nil, fmt.Errorf("parsing cluster config %s: %w", clusterConfigPath, err)
	}

	nodesData, err := os.ReadFile(nodesConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading nodes config %s: %w", nodesConfigPath, err)
	}

	var nodesFile nodesFileConfig
	if err := yaml.Unmarshal(nodesData, &nodesFile); err != nil {
		return nil, fmt.Errorf("parsing nodes config %s: %w", nodesConfigPath, err)
	}

	cfg := &Config{
		Cluster:  clusterFile.Cluster,
		Presence: clusterFile.Presence,
		Nodes:    nodesFile.Nodes,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Cluster.Driver == "" {
		return fmt.Errorf("cluster.driver is required")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node must be configured")
	}
	for i, n := range c.Nodes {
		if n.Host == "" && n.Database == "" {
			return fmt.Errorf("node[%d].host or node[%d].database is required", i, i)
		}
		if len(n.Pools) == 0 {
			return fmt.Errorf("node[%d].pools must be non-empty", i)
		}
	}
	return nil
}

// applyDefaults mirrors addNode's defaults (host localhost,
// maxConnections 100, pools ['read','write']) plus the cluster-level
// defaults (ttl 60s, ttlCheckInterval 30s, maxQueueLength 10000).
func (c *Config) applyDefaults() {
	if c.Cluster.TTL == 0 {
		c.Cluster.TTL = 60 * time.Second
	}
	if c.Cluster.TTLCheckInterval == 0 {
		c.Cluster.TTLCheckInterval = 30 * time.Second
	}
	if c.Cluster.MaxQueueLength == 0 {
		c.Cluster.MaxQueueLength = 10000
	}
	if c.Cluster.MetricsPort == 0 {
		c.Cluster.MetricsPort = 9090
	}
	if c.Cluster.HealthCheckPort == 0 {
		c.Cluster.HealthCheckPort = 8080
	}
	if c.Cluster.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Cluster.InstanceID = hostname
	}
	if c.Presence.Addr == "" {
		c.Presence.Addr = "redis:6379"
	}
	if c.Presence.HeartbeatInterval == 0 {
		c.Presence.HeartbeatInterval = 10 * time.Second
	}
	if c.Presence.HeartbeatTTL == 0 {
		c.Presence.HeartbeatTTL = 30 * time.Second
	}

	for i := range c.Nodes {
		if c.Nodes[i].Host == "" {
			c.Nodes[i].Host = "localhost"
		}
		if c.Nodes[i].MaxConnections == 0 {
			c.Nodes[i].MaxConnections = 100
		}
		if len(c.Nodes[i].Pools) == 0 {
			c.Nodes[i].Pools = []string{"read", "write"}
		}
		if c.Nodes[i].Driver == "" {
			c.Nodes[i].Driver = c.Cluster.Driver
		}
	}
}
