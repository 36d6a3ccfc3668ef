package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
	"go.uber.org/multierr"

	"github.com/adamgarcia4/goLearning/gms/failuredetector"
	"github.com/adamgarcia4/goLearning/gms/gossip"
	"github.com/adamgarcia4/goLearning/gms/logger"
	"github.com/adamgarcia4/goLearning/gms/metrics"
	"github.com/adamgarcia4/goLearning/gms/transport"
)

// Node wires a messaging service, a failure detector and a gossiper
// together, starting them in that order and stopping them in reverse.
type Node struct {
	config *Config
	log    logrus.FieldLogger
	clock  gossip.Clock
	scope  tally.Scope
	usage  UsageFunc
	hostID uuid.UUID

	// set before Start when a transport is injected
	transport transport.Messenger
	metrics   *metrics.Registry

	mu       sync.RWMutex
	started  bool
	stopped  bool
	detector *failuredetector.Detector
	gossiper *gossip.Gossiper
	load     *LoadReporter
}

// Option customises a Node.
type Option func(*Node)

// WithTransport replaces the gRPC messenger, e.g. with a transport.Local.
func WithTransport(t transport.Messenger) Option {
	return func(n *Node) { n.transport = t }
}

func WithClock(c gossip.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithScope reports metrics to s instead of a registry owned by the node.
func WithScope(s tally.Scope) Option {
	return func(n *Node) { n.scope = s }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(n *Node) { n.log = l }
}

// WithDiskUsage replaces the gopsutil based LOAD source.
func WithDiskUsage(fn UsageFunc) Option {
	return func(n *Node) { n.usage = fn }
}

// New creates a new node with the given configuration
func New(config *Config, opts ...Option) (*Node, error) {
	if config == nil {
		return nil, ErrConfigRequired
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		config: config,
		clock:  gossip.SystemClock{},
		usage:  DiskUsage,
		hostID: uuid.New(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		n.log = logger.ForNode(config.NodeID)
	}
	if n.scope == nil {
		if config.MetricsPort > 0 {
			n.metrics = metrics.NewRegistry("gms", map[string]string{"node": config.NodeID}, n.log)
			n.scope = n.metrics.Scope()
		} else {
			n.scope = tally.NoopScope
		}
	}
	return n, nil
}

// Start brings the node up. On failure everything already started is
// shut down again.
func (n *Node) Start(ctx context.Context) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}
	n.started = true

	// 1. messaging
	if n.transport == nil {
		g, err := transport.NewGRPC(n.config.GetAddress(), transport.GRPCOptions{
			InOrder: true,
			Log:     n.log,
			Scope:   n.scope,
		})
		if err != nil {
			return fmt.Errorf("failed to create messaging service: %w", err)
		}
		n.transport = g
	}
	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer func() {
		if err != nil {
			n.stopped = true
			err = multierr.Append(err, n.transport.Shutdown(context.Background()))
		}
	}()
	self := n.transport.Addr()

	// 2. failure detector
	n.detector = failuredetector.New(failuredetector.Config{
		Self:             self,
		ConvictThreshold: n.config.ConvictThreshold,
		InitialInterval:  2 * n.config.GossipInterval,
		Log:              n.log,
		Scope:            n.scope,
	})

	// 3. gossiper
	seeds := make([]gossip.Endpoint, 0, len(n.config.Seeds))
	for _, s := range n.config.Seeds {
		seeds = append(seeds, gossip.Endpoint(s))
	}
	n.gossiper, err = gossip.New(gossip.Config{
		ClusterID:              n.config.ClusterID,
		Self:                   gossip.Endpoint(self),
		Seeds:                  seeds,
		Interval:               n.config.GossipInterval,
		UnreachableProbability: n.config.UnreachableProbability,
		SeedProbability:        n.config.SeedProbability,
		QuarantineDelay:        n.config.QuarantineDelay,
		Manual:                 n.config.ManualGossip,
		InitialStates: map[gossip.AppStateKey]string{
			gossip.AppStatus:         gossip.StatusBoot,
			gossip.AppHostID:         n.hostID.String(),
			gossip.AppDC:             n.config.DC,
			gossip.AppRack:           n.config.Rack,
			gossip.AppReleaseVersion: n.config.ReleaseVersion,
			gossip.AppRPCAddress:     self,
		},
		Clock: n.clock,
		Log:   n.log,
		Scope: n.scope,
	}, n.transport, n.detector)
	if err != nil {
		return fmt.Errorf("failed to create gossiper: %w", err)
	}
	if err := n.gossiper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gossiper: %w", err)
	}
	if err := n.gossiper.UpdateLocalApplicationState(ctx, gossip.AppStatus, gossip.StatusNormal); err != nil {
		return multierr.Append(fmt.Errorf("failed to announce status: %w", err), n.gossiper.Stop(context.Background()))
	}

	// 4. load
	if n.config.LoadInterval > 0 {
		n.load = NewLoadReporter(n.gossiper, n.config.DataDir, n.config.LoadInterval, n.usage, n.log)
		n.load.Start()
	}

	// 5. metrics
	if n.metrics != nil {
		if err := n.metrics.Serve(n.config.MetricsPort); err != nil {
			if n.load != nil {
				n.load.Stop()
			}
			return multierr.Append(fmt.Errorf("failed to serve metrics: %w", err), n.gossiper.Stop(context.Background()))
		}
	}

	n.log.Infof("Node %s started on %s (host id %s, generation %d)", n.config.NodeID, self, n.hostID, n.gossiper.Generation())
	return nil
}

// Stop stops the node gracefully. Errors of every stage are collected.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started || n.stopped || n.gossiper == nil {
		n.mu.Unlock()
		return ErrNotStarted
	}
	n.stopped = true
	load, g := n.load, n.gossiper
	// Lock is released so subscribers can still reach the node while the
	// gossiper drains its notifications.
	n.mu.Unlock()

	n.log.Infof("Stopping node %s...", n.config.NodeID)
	var err error
	if load != nil {
		load.Stop()
	}
	err = multierr.Append(err, g.Stop(ctx))
	err = multierr.Append(err, n.transport.Shutdown(ctx))
	if n.metrics != nil {
		err = multierr.Append(err, n.metrics.Close(ctx))
	}
	n.log.Infof("Node %s stopped", n.config.NodeID)
	return err
}

// Leave publishes STATUS=LEFT and stops the node. Peers evict a node that
// left once the quarantine delay passes, unlike one that only shut down.
func (n *Node) Leave(ctx context.Context) error {
	g := n.Gossiper()
	if g == nil {
		return ErrNotStarted
	}
	if err := g.UpdateLocalApplicationState(ctx, gossip.AppStatus, gossip.StatusLeft); err != nil {
		n.log.Warnf("Failed to publish LEFT: %v", err)
	}
	return n.Stop(ctx)
}

// Round runs one gossip round (the only way rounds run with ManualGossip).
func (n *Node) Round(ctx context.Context) error {
	g := n.Gossiper()
	if g == nil {
		return ErrNotStarted
	}
	return g.Round(ctx)
}

// Gossiper returns the running gossiper, or nil before Start.
func (n *Node) Gossiper() *gossip.Gossiper {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.gossiper
}

// Health returns the last published failure detector snapshot.
func (n *Node) Health() *failuredetector.Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.detector == nil {
		return nil
	}
	return n.detector.Snapshot()
}

// Address is the advertised endpoint, known once the node started.
func (n *Node) Address() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gossiper == nil {
		return n.config.GetAddress()
	}
	return string(n.gossiper.Self())
}

func (n *Node) HostID() uuid.UUID {
	return n.hostID
}

// GetConfig returns the node configuration (for external access)
func (n *Node) GetConfig() *Config {
	return n.config
}
