package gossip

import (
	"sort"
	"time"
)

/*
State Management and Merging

State merging follows the (generation, version) order:
1. A higher generation means the process restarted: the stored state is
   replaced as a whole, even keys the new incarnation has not re-published.
2. Within a generation, only application states with a higher per-key
   version than the stored one are applied.
3. Anything else is stale or a duplicate and is dropped, so applying the same
   state twice leaves the table as applying it once.

Liveness is separate from STATUS: the failure detector decides UP and DOWN,
but an endpoint announcing LEFT, REMOVED or SHUTDOWN is never marked UP.
*/

func (g *Gossiper) applyStateLocally(states []endpointDelta) {
	now := g.clock.Now()
	for i := range states {
		remote := &states[i]
		ep := remote.Endpoint
		if ep == g.self {
			continue
		}
		if g.quarantined(ep) {
			g.log.Debugf("Ignoring state for quarantined endpoint %s", ep)
			continue
		}

		local, ok := g.endpoints[ep]
		if !ok {
			g.majorChange(ep, remote, now, Join)
			continue
		}

		localGen := local.heartbeat.Generation
		remoteGen := remote.Heartbeat.Generation
		switch {
		case remoteGen > localGen:
			if remoteGen > localGen+maxGenerationDrift {
				g.log.Warnf("Received generation %d for %s, more than a year ahead of %d; ignoring", remoteGen, ep, localGen)
				continue
			}
			g.majorChange(ep, remote, now, Restart)
		case remoteGen == localGen:
			if remote.maxVersion() > local.maxVersion() {
				g.applyNewStates(ep, local, remote, now)
			} else {
				g.log.Debugf("Ignoring state for %s at version %d, have %d", ep, remote.maxVersion(), local.maxVersion())
			}
		default:
			g.log.Debugf("Ignoring state for %s from older generation %d, have %d", ep, remoteGen, localGen)
		}
	}
}

// majorChange installs a brand new state for ep: first contact or a restart.
func (g *Gossiper) majorChange(ep Endpoint, remote *endpointDelta, now time.Time, kind ChangeKind) {
	st := newEndpointState(remote.Heartbeat, remote.AppStates)
	st.updateTime = now
	if old, ok := g.endpoints[ep]; ok {
		st.alive = old.alive
		g.log.Infof("%s restarted with generation %d", ep, remote.Heartbeat.Generation)
	} else {
		g.log.Infof("Discovered %s", ep)
	}
	g.endpoints[ep] = st
	g.markDirty(ep)

	// The old incarnation's arrival history says nothing about the new one.
	g.fd.Remove(string(ep))
	g.fd.Report(string(ep), now)

	g.notify(ep, kind)
	if isDeadStatus(st.status()) {
		g.log.Debugf("Not marking %s alive due to status %s", ep, st.status())
		g.markDead(ep)
		return
	}
	g.markAlive(ep)
}

// applyNewStates merges a newer state of the same generation key by key.
func (g *Gossiper) applyNewStates(ep Endpoint, local *EndpointState, remote *endpointDelta, now time.Time) {
	oldStatus := local.status()
	if remote.Heartbeat.Version > local.heartbeat.Version {
		local.heartbeat.Version = remote.Heartbeat.Version
	}

	keys := make([]AppStateKey, 0, len(remote.AppStates))
	for k := range remote.AppStates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	changed := false
	for _, k := range keys {
		v := remote.AppStates[k]
		if cur, ok := local.appStates[k]; ok && cur.Version >= v.Version {
			continue
		}
		local.appStates[k] = v
		changed = true
		g.log.Debugf("%s: %s = %q (version %d)", ep, k, v.Value, v.Version)
	}
	local.updateTime = now
	g.markDirty(ep)

	// A convicted endpoint is revived by the listener here, once the new
	// status is in place.
	g.fd.Report(string(ep), now)

	if changed {
		g.notify(ep, Change)
	}
	status := local.status()
	switch {
	case isDeadStatus(status):
		if status != oldStatus {
			g.log.Infof("%s changed status to %s", ep, status)
		}
		g.markDead(ep)
	case !local.alive && g.fd.IsAlive(string(ep)):
		g.markAlive(ep)
	}
}

// onLiveness receives failure detector transitions; it runs on the owner
// goroutine because the detector is only driven from there.
func (g *Gossiper) onLiveness(endpoint string, alive bool, phi float64) {
	ep := Endpoint(endpoint)
	st, ok := g.endpoints[ep]
	if !ok {
		return
	}
	if !alive {
		g.log.Debugf("Failure detector convicted %s with phi %.2f", ep, phi)
		g.markDead(ep)
		return
	}
	if !isDeadStatus(st.status()) {
		g.markAlive(ep)
	}
}

func (g *Gossiper) markAlive(ep Endpoint) {
	st := g.endpoints[ep]
	if _, live := g.live[ep]; live && st.alive {
		return
	}
	st.alive = true
	g.live[ep] = struct{}{}
	delete(g.unreachable, ep)
	g.markDirty(ep)
	g.log.Infof("%s is now UP", ep)
	g.notify(ep, Alive)
}

func (g *Gossiper) markDead(ep Endpoint) {
	st := g.endpoints[ep]
	if _, down := g.unreachable[ep]; down && !st.alive {
		return
	}
	st.alive = false
	delete(g.live, ep)
	g.unreachable[ep] = g.clock.Now()
	g.markDirty(ep)
	g.log.Infof("%s is now DOWN", ep)
	g.notify(ep, Dead)
}

// evict drops ep from the table and refuses it for QuarantineDelay.
func (g *Gossiper) evict(ep Endpoint, now time.Time) {
	delete(g.endpoints, ep)
	delete(g.live, ep)
	delete(g.unreachable, ep)
	delete(g.pendingSyns, ep)
	g.fd.Remove(string(ep))
	g.justRemoved[ep] = now
	g.markDirty(ep)
	g.log.Infof("Evicted %s from the endpoint table", ep)
	g.notify(ep, Remove)
}

func (g *Gossiper) quarantined(ep Endpoint) bool {
	_, ok := g.justRemoved[ep]
	return ok
}

func (g *Gossiper) markDirty(ep Endpoint) {
	g.dirty[ep] = struct{}{}
}

func (g *Gossiper) notify(ep Endpoint, kind ChangeKind) {
	g.notifier.push(ep, kind)
}
