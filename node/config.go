package node

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adamgarcia4/goLearning/gms/failuredetector"
	"github.com/adamgarcia4/goLearning/gms/gossip"
)

// Default configuration constants
const (
	DefaultAddress        = "127.0.0.1"
	DefaultPort           = "7000"
	DefaultNodeID         = "node-1"
	DefaultClusterID      = "default-cluster"
	DefaultDC             = "dc1"
	DefaultRack           = "rack1"
	DefaultLoadInterval   = time.Minute
	DefaultReleaseVersion = "0.1.0"
)

// Config holds the configuration for a node. Every field can be set from a
// YAML file; flags given on the command line override the file.
type Config struct {
	// Node identification. NodeID only labels logs; peers know a node by
	// its address.
	NodeID    string `yaml:"node_id"`
	ClusterID string `yaml:"cluster_name"`

	// Server configuration. Port "0" picks a free port.
	Address string `yaml:"listen_address"`
	Port    string `yaml:"port"`

	// Peer configuration
	Seeds []string `yaml:"seeds"` // e.g. ["127.0.0.1:7000", "127.0.0.1:7001"]

	// Gossip configuration
	GossipInterval         time.Duration `yaml:"gossip_interval"`
	ConvictThreshold       float64       `yaml:"phi_convict_threshold"`
	UnreachableProbability float64       `yaml:"unreachable_probability"`
	SeedProbability        float64       `yaml:"seed_probability"`
	QuarantineDelay        time.Duration `yaml:"quarantine_delay"`
	ManualGossip           bool          `yaml:"manual_gossip"` // rounds only run through Node.Round

	// Application states announced at startup
	DC             string `yaml:"dc"`
	Rack           string `yaml:"rack"`
	ReleaseVersion string `yaml:"release_version"`

	// LOAD is the disk usage of DataDir, refreshed every LoadInterval.
	// A non-positive interval disables the reporter.
	DataDir      string        `yaml:"data_dir"`
	LoadInterval time.Duration `yaml:"load_interval"`

	// MetricsPort exposes /metrics when positive.
	MetricsPort int `yaml:"metrics_port"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig(nodeID string) *Config {
	return &Config{
		NodeID:           nodeID,
		ClusterID:        DefaultClusterID,
		Address:          DefaultAddress,
		Port:             DefaultPort,
		Seeds:            []string{},
		GossipInterval:   gossip.DefaultInterval,
		ConvictThreshold: failuredetector.DefaultConvictThreshold,
		QuarantineDelay:  gossip.DefaultQuarantineDelay,
		DC:               DefaultDC,
		Rack:             DefaultRack,
		ReleaseVersion:   DefaultReleaseVersion,
		DataDir:          ".",
		LoadInterval:     DefaultLoadInterval,
	}
}

// LoadConfigFile overlays the YAML file at path onto c.
func (c *Config) LoadConfigFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrNodeIDRequired
	}
	if c.ClusterID == "" {
		return ErrClusterIDRequired
	}
	if c.Address == "" {
		return ErrAddressRequired
	}
	if c.Port == "" {
		return ErrPortRequired
	}
	if c.GossipInterval <= 0 {
		return ErrInvalidGossipInterval
	}
	if c.ConvictThreshold < 0 {
		return ErrInvalidConvictThreshold
	}
	if c.UnreachableProbability > 1 || c.SeedProbability > 1 {
		return ErrInvalidProbability
	}
	for _, s := range c.Seeds {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidSeed, s)
		}
	}
	return nil
}

// GetAddress returns the full address (address:port)
func (c *Config) GetAddress() string {
	return net.JoinHostPort(c.Address, c.Port)
}
