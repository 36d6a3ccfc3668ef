package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/adamgarcia4/goLearning/gms/logger"
	"github.com/adamgarcia4/goLearning/gms/node"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath  string
	address     string
	port        string
	nodeID      string
	clusterID   string
	seeds       []string
	metricsPort int
	interval    time.Duration
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a gossip node",
	Long: `Start a gossip membership node.

Flags override values read from --config.

Examples:
  # Start a seed node
  gms start --node-id=node-1 --port=7000

  # Start a node that joins through the seed
  gms start --node-id=node-2 --port=7001 --seeds=127.0.0.1:7000

  # Start from a YAML file and expose Prometheus metrics
  gms start --config=gms.yaml --metrics-port=9100`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	addNodeFlags(startCmd.Flags())
	startCmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Port serving /metrics (0 disables)")
}

func addNodeFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&configPath, "config", "c", "", "YAML configuration file")

	// Server flags
	fs.StringVarP(&address, "address", "a", node.DefaultAddress, "Address to bind the server to")
	fs.StringVarP(&port, "port", "p", node.DefaultPort, "Port to bind the server to")
	fs.StringVarP(&nodeID, "node-id", "n", node.DefaultNodeID, "Node identifier used in logs")

	// Gossip flags
	fs.StringVar(&clusterID, "cluster", node.DefaultClusterID, "Cluster name; peers of another cluster are rejected")
	fs.StringSliceVarP(&seeds, "seeds", "s", []string{}, "Seed node addresses for gossip (comma-separated)")
	fs.DurationVar(&interval, "interval", time.Second, "Gossip interval")
}

// loadConfig builds the node config: defaults, then the config file, then
// the flags that were set explicitly.
func loadConfig(fs *pflag.FlagSet) (*node.Config, error) {
	config := node.DefaultConfig(nodeID)
	if configPath != "" {
		if err := config.LoadConfigFile(configPath); err != nil {
			return nil, err
		}
	}
	if configPath == "" || fs.Changed("node-id") {
		config.NodeID = nodeID
	}
	if configPath == "" || fs.Changed("address") {
		config.Address = address
	}
	if configPath == "" || fs.Changed("port") {
		config.Port = port
	}
	if configPath == "" || fs.Changed("cluster") {
		config.ClusterID = clusterID
	}
	if configPath == "" || fs.Changed("seeds") {
		config.Seeds = seeds
	}
	if configPath == "" || fs.Changed("interval") {
		config.GossipInterval = interval
	}
	if fs.Changed("metrics-port") {
		config.MetricsPort = metricsPort
	}
	return config, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	level, err := parseLogLevel()
	if err != nil {
		return err
	}
	// Initialize logger for non-interactive mode (write to stdout)
	logger.Init(level, true)

	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	n, err := node.New(config)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := n.Start(cmd.Context()); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	// Wait for interrupt signal for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.Stop(ctx); err != nil {
		logger.Errorf("Error during shutdown: %v", err)
	}
	return nil
}
