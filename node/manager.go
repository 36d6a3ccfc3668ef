package node

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/adamgarcia4/goLearning/gms/logger"
	"github.com/adamgarcia4/goLearning/gms/transport"
)

const (
	DefaultBasePort = 7000

	nodeStartTimeout = 5 * time.Second
	nodeStopTimeout  = 5 * time.Second
)

// Manager manages multiple nodes of one cluster in a single process. The
// first node created is the seed of every later one.
type Manager struct {
	nodes       []*Node        // maintain order with slice
	nodeMap     map[string]int // map node ID to index for quick lookup
	mu          sync.RWMutex
	portCounter int // for auto-assigning ports
	nextID      int // monotonically increasing counter for unique node IDs
	seeds       []string
	network     *transport.Network
	configure   func(*Config)
	stopping    sync.WaitGroup
}

// NewManager creates a manager whose nodes talk over gRPC on loopback.
func NewManager() *Manager {
	return &Manager{
		nodeMap:     make(map[string]int),
		portCounter: DefaultBasePort,
		nextID:      1, // start node IDs at 1
	}
}

// NewLocalManager creates a manager whose nodes talk over an in-memory
// network. configure, if not nil, adjusts every node's config.
func NewLocalManager(network *transport.Network, configure func(*Config)) *Manager {
	m := NewManager()
	m.network = network
	m.configure = configure
	return m
}

// CreateNode creates and starts a new node
func (m *Manager) CreateNode() (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	port := m.findAvailablePort()
	nodeID := fmt.Sprintf("node-%d", m.nextID)
	m.nextID++

	config := DefaultConfig(nodeID)
	config.Port = strconv.Itoa(port)
	config.Address = DefaultAddress
	config.Seeds = append([]string(nil), m.seeds...)
	config.LoadInterval = 0
	if m.configure != nil {
		m.configure(config)
	}

	var opts []Option
	if m.network != nil {
		opts = append(opts, WithTransport(m.network.NewLocal(config.GetAddress(), true)))
	}
	node, err := New(config, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), nodeStartTimeout)
	defer cancel()
	if err := node.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start node: %w", err)
	}

	if len(m.seeds) == 0 {
		m.seeds = []string{node.Address()}
	}
	m.nodes = append(m.nodes, node)
	m.nodeMap[nodeID] = len(m.nodes) - 1
	return node, nil
}

// DeleteNode stops and removes a node by its index in the list
func (m *Manager) DeleteNode(index int) error {
	m.mu.Lock()

	if index < 0 || index >= len(m.nodes) {
		m.mu.Unlock()
		return fmt.Errorf("invalid node index: %d", index)
	}

	node := m.nodes[index]
	nodeID := node.GetConfig().NodeID

	// Remove from slice and map before unlocking
	m.nodes = append(m.nodes[:index], m.nodes[index+1:]...)
	delete(m.nodeMap, nodeID)
	for i, n := range m.nodes {
		m.nodeMap[n.GetConfig().NodeID] = i
	}
	m.stopping.Add(1)
	m.mu.Unlock()

	// Stop node asynchronously to avoid blocking
	go func() {
		defer m.stopping.Done()
		ctx, cancel := context.WithTimeout(context.Background(), nodeStopTimeout)
		defer cancel()
		if err := node.Stop(ctx); err != nil {
			logger.ForNode(nodeID).Errorf("Error stopping node: %v", err)
		}
	}()

	return nil
}

// GetNodes returns a list of all nodes (maintains order)
func (m *Manager) GetNodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]*Node, len(m.nodes))
	copy(nodes, m.nodes)
	return nodes
}

// GetNode looks a node up by ID.
func (m *Manager) GetNode(nodeID string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.nodeMap[nodeID]
	if !ok {
		return nil, false
	}
	return m.nodes[i], true
}

// RoundAll runs one gossip round on every node.
func (m *Manager) RoundAll(ctx context.Context) error {
	var err error
	for _, n := range m.GetNodes() {
		err = multierr.Append(err, n.Round(ctx))
	}
	return err
}

// findAvailablePort finds the next available port
func (m *Manager) findAvailablePort() int {
	port := m.portCounter
	m.portCounter++
	return port
}

// StopAll stops all nodes, including those still being deleted.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	nodes := m.nodes
	m.nodes = nil
	m.nodeMap = make(map[string]int)
	m.mu.Unlock()

	var errs error
	for _, node := range nodes {
		ctx, cancel := context.WithTimeout(context.Background(), nodeStopTimeout)
		errs = multierr.Append(errs, node.Stop(ctx))
		cancel()
	}
	m.stopping.Wait()
	return errs
}
