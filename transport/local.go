package transport

import (
	"context"
	"fmt"
	"sync"
)

// Network is an in-process switch connecting Local messengers. Links can be
// cut to simulate partitions and crashed peers.
type Network struct {
	mu      sync.RWMutex
	nodes   map[string]*Local
	blocked map[link]bool
}

type link struct{ from, to string }

func NewNetwork() *Network {
	return &Network{
		nodes:   make(map[string]*Local),
		blocked: make(map[link]bool),
	}
}

// NewLocal creates a messenger attached to this network. It is reachable
// only after Start.
func (n *Network) NewLocal(addr string, inOrder bool) *Local {
	l := &Local{addr: addr, network: n}
	l.out = newOutbound(l.deliver, inOrder)
	return l
}

// Partition cuts the links between a and b in both directions.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[link{a, b}] = true
	n.blocked[link{b, a}] = true
}

// Isolate cuts every link to and from addr, including ones to members that
// join later.
func (n *Network) Isolate(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[link{addr, "*"}] = true
	n.blocked[link{"*", addr}] = true
}

// HealAll restores every link.
func (n *Network) HealAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = make(map[link]bool)
}

func (n *Network) reachable(from, to string) (*Local, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.blocked[link{from, to}] || n.blocked[link{from, "*"}] || n.blocked[link{"*", to}] {
		return nil, false
	}
	peer, ok := n.nodes[to]
	return peer, ok
}

func (n *Network) attach(l *Local) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.nodes[l.addr]; taken {
		return fmt.Errorf("%w %s: address in use", ErrBind, l.addr)
	}
	n.nodes[l.addr] = l
	return nil
}

func (n *Network) detach(l *Local) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nodes[l.addr] == l {
		delete(n.nodes, l.addr)
	}
}

// Local is a Messenger on a Network.
type Local struct {
	router

	addr    string
	network *Network
	out     *outbound
}

func (l *Local) Start() error {
	return l.network.attach(l)
}

func (l *Local) Addr() string {
	return l.addr
}

func (l *Local) Send(ctx context.Context, to string, verb Verb, payload []byte) ([]byte, error) {
	// Copy so neither side can observe the other's later writes.
	msg := Message{Verb: verb, From: l.addr, Payload: append([]byte(nil), payload...)}
	return l.out.send(ctx, to, msg)
}

func (l *Local) deliver(ctx context.Context, to string, msg Message) ([]byte, error) {
	peer, ok := l.network.reachable(l.addr, to)
	if !ok {
		return nil, fmt.Errorf("%w: %s unreachable from %s", ErrConnection, to, l.addr)
	}

	type result struct {
		reply []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := peer.dispatch(ctx, msg)
		done <- result{append([]byte(nil), reply...), err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, remoteErr(to, res.err)
		}
		return res.reply, nil
	case <-ctx.Done():
		return nil, timeoutErr(ctx.Err())
	}
}

func (l *Local) Shutdown(ctx context.Context) error {
	err := l.out.close(ctx)
	l.network.detach(l)
	return err
}
