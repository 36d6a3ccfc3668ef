package gossip

import "sort"

/*
Digest Creation and Comparison

Digests are compact summaries of endpoint states used in the 3-phase exchange:

	GOSSIP_DIGEST_SYN -> send digest list (endpoint, generation, maxVersion)
	GOSSIP_DIGEST_ACK -> peer answers "you're outdated on X, here's my newer state,
	                     and send me what you have newer on Y"
	GOSSIP_DIGEST_ACK2 -> initiator sends the states the peer asked for

Digests let both sides work out the deltas without sending full state upfront.
*/

// Digest summarises one endpoint. In a request it names the version the
// requester already has, so only newer application states come back.
type Digest struct {
	Endpoint   Endpoint
	Generation int64
	MaxVersion int64
}

// makeDigests summarises every known endpoint, including the local one, in
// random order so no endpoint is always first in a size-limited exchange.
func (g *Gossiper) makeDigests() []Digest {
	digests := make([]Digest, 0, len(g.endpoints))
	for ep, st := range g.endpoints {
		digests = append(digests, Digest{
			Endpoint:   ep,
			Generation: st.heartbeat.Generation,
			MaxVersion: st.maxVersion(),
		})
	}
	// sorted first so a seeded rand gives a reproducible order
	sort.Slice(digests, func(i, j int) bool { return digests[i].Endpoint < digests[j].Endpoint })
	g.rng.Shuffle(len(digests), func(i, j int) { digests[i], digests[j] = digests[j], digests[i] })
	return digests
}

// examine compares remote digests with the local table and determines:
//   - states: what we have that the peer needs (we're newer)
//   - requests: what the peer has that we need (peer is newer)
//
// FOR EACH remote digest:
//
//	unknown endpoint             -> request everything
//	remote.generation > local    -> request everything
//	remote.generation < local    -> send full local state
//	remote.maxVersion > local    -> request states above our max version
//	remote.maxVersion < local    -> send states above the remote max version
//	equal                        -> in sync
//
// FOR EACH local endpoint NOT in the remote digests -> send full local state
func (g *Gossiper) examine(remote []Digest) (states []endpointDelta, requests []Digest) {
	seen := make(map[Endpoint]bool, len(remote))

	for _, d := range remote {
		seen[d.Endpoint] = true
		if g.quarantined(d.Endpoint) {
			continue
		}

		local, ok := g.endpoints[d.Endpoint]
		if !ok {
			requests = append(requests, Digest{Endpoint: d.Endpoint, Generation: d.Generation})
			continue
		}

		localGen := local.heartbeat.Generation
		localMax := local.maxVersion()
		switch {
		case d.Generation > localGen:
			requests = append(requests, Digest{Endpoint: d.Endpoint, Generation: d.Generation})
		case d.Generation < localGen:
			states = append(states, local.delta(d.Endpoint, 0))
		case d.MaxVersion > localMax:
			requests = append(requests, Digest{Endpoint: d.Endpoint, Generation: localGen, MaxVersion: localMax})
		case d.MaxVersion < localMax:
			states = append(states, local.delta(d.Endpoint, d.MaxVersion))
		}
	}

	for ep, local := range g.endpoints {
		if !seen[ep] {
			states = append(states, local.delta(ep, 0))
		}
	}
	return states, requests
}

// answer builds the states asked for by request digests. A request for a
// generation other than ours gets the full state.
func (g *Gossiper) answer(requests []Digest) []endpointDelta {
	states := make([]endpointDelta, 0, len(requests))
	for _, d := range requests {
		local, ok := g.endpoints[d.Endpoint]
		if !ok {
			continue
		}
		version := d.MaxVersion
		if d.Generation != local.heartbeat.Generation {
			version = 0
		}
		states = append(states, local.delta(d.Endpoint, version))
	}
	return states
}
