package gossip

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/adamgarcia4/goLearning/gms/transport"
)

/*
Exchange

	initiator                          receiver
	   | ---- SYN  (digests) --------------> |  examine digests
	   | <--- ACK  (states, requests) ------ |  reply to SYN
	   | merge states, answer requests       |
	   | ---- ACK2 (states) ---------------> |  merge states

The ACK travels as the reply to the SYN, so the only message a receiver gets
unsolicited after a SYN is the ACK2; it is accepted only from a peer with a
pending SYN. Every step sends from its own goroutine and hands the payload to
the owner loop, so a slow peer never blocks the table.
*/

// exchange runs the initiator side against one target.
func (g *Gossiper) exchange(to Endpoint, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ExchangeTimeout)
	defer cancel()
	g.scope.Counter("exchanges").Inc(1)

	reply, err := g.transport.Send(ctx, string(to), VerbSyn, payload)
	if err != nil {
		g.sendFailed(to, VerbSyn, err)
		return
	}

	var (
		out  []byte
		herr error
	)
	if err := g.do(ctx, func() { out, herr = g.handleAck(to, reply) }); err != nil {
		g.log.Debugf("Abandoning exchange with %s: %v", to, err)
		return
	}
	if herr != nil {
		g.protocolError(to, VerbAck, herr)
		return
	}

	if _, err := g.transport.Send(ctx, string(to), VerbAck2, out); err != nil {
		g.sendFailed(to, VerbAck2, err)
	}
}

// handleAck merges the peer's states and answers its requests with an ACK2.
func (g *Gossiper) handleAck(to Endpoint, payload []byte) ([]byte, error) {
	var m ack
	if err := m.unmarshal(payload); err != nil {
		return nil, fmt.Errorf("decode ACK: %w", err)
	}
	if m.From != to {
		g.log.Debugf("ACK for %s came from %s", to, m.From)
	}
	g.applyStateLocally(m.States)
	out := ack2{From: g.self, States: g.answer(m.Requests)}
	return out.marshal(), nil
}

func (g *Gossiper) handleSyn(from Endpoint, payload []byte) ([]byte, error) {
	var m syn
	if err := m.unmarshal(payload); err != nil {
		return nil, fmt.Errorf("decode SYN: %w", err)
	}
	if m.Cluster != g.cfg.ClusterID {
		return nil, fmt.Errorf("%w: %s is in cluster %q, local cluster is %q", ErrClusterMismatch, m.From, m.Cluster, g.cfg.ClusterID)
	}
	if st, ok := g.endpoints[m.From]; ok && m.Generation < st.heartbeat.Generation {
		return nil, fmt.Errorf("%w: %s generation %d, known %d", ErrStaleSyn, m.From, m.Generation, st.heartbeat.Generation)
	}

	p, ok := g.pendingSyns[from]
	if !ok {
		p = &pendingSyn{}
		g.pendingSyns[from] = p
	}
	p.count++
	p.last = g.clock.Now()

	states, requests := g.examine(m.Digests)
	reply := ack{From: g.self, States: states, Requests: requests}
	return reply.marshal(), nil
}

func (g *Gossiper) handleAck2(from Endpoint, payload []byte) ([]byte, error) {
	p, ok := g.pendingSyns[from]
	if !ok {
		return nil, fmt.Errorf("%w from %s", ErrUnexpectedAck2, from)
	}
	if p.count--; p.count == 0 {
		delete(g.pendingSyns, from)
	}

	var m ack2
	if err := m.unmarshal(payload); err != nil {
		return nil, fmt.Errorf("decode ACK2: %w", err)
	}
	g.applyStateLocally(m.States)
	return nil, nil
}

// handleShutdown marks the sender DOWN at once instead of waiting for phi to
// grow. Its state is pinned at the highest version so nothing later in the
// same generation overrides the SHUTDOWN status.
func (g *Gossiper) handleShutdown(_ Endpoint, payload []byte) ([]byte, error) {
	var m shutdown
	if err := m.unmarshal(payload); err != nil {
		return nil, fmt.Errorf("decode SHUTDOWN: %w", err)
	}
	st, ok := g.endpoints[m.From]
	if !ok || m.From == g.self {
		return nil, nil
	}
	if m.Generation != st.heartbeat.Generation {
		g.log.Debugf("Ignoring shutdown of %s generation %d, known generation %d", m.From, m.Generation, st.heartbeat.Generation)
		return nil, nil
	}

	// A node that left keeps LEFT so it is evicted like any departed node.
	status := m.Status
	if !isDeadStatus(status) {
		status = StatusShutdown
	}
	g.log.Infof("%s announced shutdown with status %s", m.From, status)
	st.appStates[AppStatus] = VersionedValue{Value: status, Version: math.MaxInt64}
	st.heartbeat.Version = math.MaxInt64
	st.updateTime = g.clock.Now()
	g.markDirty(m.From)
	g.notify(m.From, Change)
	g.fd.ForceConvict(string(m.From))
	g.markDead(m.From)
	return nil, nil
}

// announceShutdown publishes the local SHUTDOWN status, unless the node
// already left, and tells every live peer directly.
func (g *Gossiper) announceShutdown(ctx context.Context) error {
	var (
		targets []Endpoint
		payload []byte
	)
	err := g.do(ctx, func() {
		local := g.endpoints[g.self]
		status := local.status()
		if !isTerminalStatus(status) {
			status = StatusShutdown
			local.appStates[AppStatus] = VersionedValue{Value: status, Version: g.versions.next()}
			g.markDirty(g.self)
			g.notify(g.self, Change)
		}

		targets = g.liveList()
		m := shutdown{From: g.self, Generation: g.heartbeat.Generation, Status: status}
		payload = m.marshal()
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, ep := range targets {
		ep := ep
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, g.cfg.ExchangeTimeout)
			defer cancel()
			if _, err := g.transport.Send(sctx, string(ep), VerbShutdown, payload); err != nil {
				g.sendFailed(ep, VerbShutdown, err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// serve adapts a table handler to the transport. The handler runs on the
// owner goroutine.
func (g *Gossiper) serve(verb transport.Verb, h func(from Endpoint, payload []byte) ([]byte, error)) transport.Handler {
	return func(ctx context.Context, msg transport.Message) ([]byte, error) {
		var (
			reply []byte
			herr  error
		)
		if err := g.do(ctx, func() { reply, herr = h(Endpoint(msg.From), msg.Payload) }); err != nil {
			return nil, err
		}
		if herr != nil {
			g.protocolError(Endpoint(msg.From), verb, herr)
			return nil, herr
		}
		return reply, nil
	}
}

// sendFailed logs a transport error. Timeouts and unreachable peers are
// routine and stay at debug level.
func (g *Gossiper) sendFailed(to Endpoint, verb transport.Verb, err error) {
	tags := map[string]string{"verb": string(verb)}
	switch {
	case errors.Is(err, transport.ErrTimeout):
		g.scope.Tagged(tags).Counter("timeouts").Inc(1)
		g.log.Debugf("%s to %s timed out", verb, to)
	case errors.Is(err, transport.ErrRemote):
		g.scope.Tagged(tags).Counter("send_errors").Inc(1)
		g.log.Warnf("%s to %s rejected: %v", verb, to, err)
	default:
		g.scope.Tagged(tags).Counter("send_errors").Inc(1)
		g.log.Debugf("%s to %s failed: %v", verb, to, err)
	}
}

func (g *Gossiper) protocolError(peer Endpoint, verb transport.Verb, err error) {
	g.scope.Tagged(map[string]string{"verb": string(verb)}).Counter("protocol_errors").Inc(1)
	g.log.Warnf("Dropping %s from %s: %v", verb, peer, err)
}
