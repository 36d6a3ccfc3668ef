package gossip

import "time"

// View is an immutable membership snapshot. A new View is published after
// every change of the table; readers never see a partially applied merge.
type View struct {
	Local       Endpoint
	Endpoints   map[Endpoint]EndpointSnapshot
	Live        []Endpoint
	Unreachable []Endpoint
	Published   time.Time
}

// publish rebuilds the View, copying only the snapshots of dirty endpoints.
func (g *Gossiper) publish() {
	prev := g.view.Load()
	endpoints := make(map[Endpoint]EndpointSnapshot, len(g.endpoints))
	if prev != nil {
		for ep, s := range prev.Endpoints {
			if _, dirty := g.dirty[ep]; !dirty {
				endpoints[ep] = s
			}
		}
	}
	for ep := range g.dirty {
		if st, ok := g.endpoints[ep]; ok {
			endpoints[ep] = st.snapshot(ep)
		}
	}

	g.view.Store(&View{
		Local:       g.self,
		Endpoints:   endpoints,
		Live:        g.liveList(),
		Unreachable: g.unreachableList(),
		Published:   g.clock.Now(),
	})
	g.dirty = make(map[Endpoint]struct{})
}

// View returns the latest published view. Safe for concurrent use, as are
// all the accessors below.
func (g *Gossiper) View() *View {
	return g.view.Load()
}

func (g *Gossiper) EndpointState(ep Endpoint) (EndpointSnapshot, bool) {
	s, ok := g.view.Load().Endpoints[ep]
	return s, ok
}

// LiveEndpoints excludes the local endpoint.
func (g *Gossiper) LiveEndpoints() []Endpoint {
	return append([]Endpoint(nil), g.view.Load().Live...)
}

func (g *Gossiper) UnreachableEndpoints() []Endpoint {
	return append([]Endpoint(nil), g.view.Load().Unreachable...)
}

func (g *Gossiper) Seeds() []Endpoint {
	return append([]Endpoint(nil), g.seeds...)
}

func (g *Gossiper) Self() Endpoint {
	return g.self
}

// Generation is the local generation.
func (g *Gossiper) Generation() int64 {
	return g.cfg.Generation
}
