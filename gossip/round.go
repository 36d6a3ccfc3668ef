package gossip

import (
	"sort"
	"sync"
	"time"
)

// round bumps the local heartbeat, starts the exchanges of this round and
// runs the status check. The returned group finishes with the exchanges.
func (g *Gossiper) round() *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	if s := g.State(); s != Starting && s != Running {
		return wg
	}

	g.heartbeat.Version = g.versions.next()
	local := g.endpoints[g.self]
	local.heartbeat = g.heartbeat
	local.updateTime = g.clock.Now()
	g.markDirty(g.self)
	g.scope.Counter("rounds").Inc(1)

	m := syn{
		Cluster:    g.cfg.ClusterID,
		From:       g.self,
		Generation: g.heartbeat.Generation,
		Digests:    g.makeDigests(),
	}
	payload := m.marshal()

	picked := make(map[Endpoint]bool)
	gossipedToLive := g.gossipTo(g.liveList(), picked, payload, wg)

	if len(g.unreachable) > 0 && g.rng.Float64() < g.cfg.UnreachableProbability {
		g.gossipTo(g.unreachableList(), picked, payload, wg)
	}

	// Seeds keep a stale or partitioned view probing back toward the cluster.
	if !gossipedToLive || len(g.live) < len(g.seeds) || g.rng.Float64() < g.cfg.SeedProbability {
		g.gossipTo(g.seeds, picked, payload, wg)
	}

	g.statusCheck()
	return wg
}

// gossipTo starts an exchange with one random candidate not picked yet.
func (g *Gossiper) gossipTo(candidates []Endpoint, picked map[Endpoint]bool, payload []byte, wg *sync.WaitGroup) bool {
	eligible := make([]Endpoint, 0, len(candidates))
	for _, ep := range candidates {
		if ep != g.self && !picked[ep] {
			eligible = append(eligible, ep)
		}
	}
	if len(eligible) == 0 {
		return false
	}
	to := eligible[g.rng.Intn(len(eligible))]
	picked[to] = true

	wg.Add(1)
	g.exchanges.Add(1)
	go func() {
		defer g.exchanges.Done()
		defer wg.Done()
		g.exchange(to, payload)
	}()
	return true
}

// statusCheck asks the failure detector about every remote endpoint (its
// listener marks convicted endpoints DOWN), evicts endpoints that left long
// ago and expires quarantine and pending SYN entries.
func (g *Gossiper) statusCheck() {
	now := g.clock.Now()

	eps := make([]Endpoint, 0, len(g.endpoints))
	for ep := range g.endpoints {
		if ep != g.self {
			eps = append(eps, ep)
		}
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })

	for _, ep := range eps {
		g.fd.Interpret(string(ep), now)

		st := g.endpoints[ep]
		if st.alive {
			continue
		}
		silent := now.Sub(st.updateTime)
		switch {
		case isTerminalStatus(st.status()) && silent > g.cfg.QuarantineDelay:
			g.evict(ep, now)
		case silent > g.cfg.DeadEndpointExpiry:
			g.log.Infof("%s has been down for %v", ep, silent.Round(time.Second))
			g.evict(ep, now)
		}
	}

	for ep, at := range g.justRemoved {
		if now.Sub(at) > g.cfg.QuarantineDelay {
			g.log.Debugf("%s left quarantine", ep)
			delete(g.justRemoved, ep)
		}
	}

	staleSyn := 2 * g.cfg.ExchangeTimeout
	for ep, p := range g.pendingSyns {
		if now.Sub(p.last) > staleSyn {
			delete(g.pendingSyns, ep)
		}
	}

	g.fd.Publish(now)
	g.scope.Gauge("live_endpoints").Update(float64(len(g.live)))
	g.scope.Gauge("unreachable_endpoints").Update(float64(len(g.unreachable)))
}

func (g *Gossiper) liveList() []Endpoint {
	return sortedKeys(g.live)
}

func (g *Gossiper) unreachableList() []Endpoint {
	return sortedKeys(g.unreachable)
}

func sortedKeys[V any](m map[Endpoint]V) []Endpoint {
	out := make([]Endpoint, 0, len(m))
	for ep := range m {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
