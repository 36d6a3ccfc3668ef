package gossip

import "time"

/**
This is the per-endpoint record that ties everything together.
Fields:
	heartbeat - generation and version of the endpoint
	appStates (map[AppStateKey]VersionedValue)
		Application states of the endpoint, versioned per key
	Liveness Metadata (local only, never gossiped):
		alive - whether the endpoint is in the live set
		updateTime - last time a merge changed this record
Used for:
	Building digests and deltas for the exchange
	Tracking liveness metadata
	Producing the immutable EndpointSnapshot consumers read
*/

type EndpointState struct {
	heartbeat HeartbeatState
	appStates map[AppStateKey]VersionedValue

	alive      bool
	updateTime time.Time
}

func newEndpointState(hb HeartbeatState, appStates map[AppStateKey]VersionedValue) *EndpointState {
	states := make(map[AppStateKey]VersionedValue, len(appStates))
	for k, v := range appStates {
		states[k] = v
	}
	return &EndpointState{heartbeat: hb, appStates: states}
}

// maxVersion is the highest version across the heartbeat and app states.
func (es *EndpointState) maxVersion() int64 {
	maxVer := es.heartbeat.Version
	for _, v := range es.appStates {
		if v.Version > maxVer {
			maxVer = v.Version
		}
	}
	return maxVer
}

func (es *EndpointState) status() string {
	return es.appStates[AppStatus].Value
}

// delta returns the heartbeat plus every app state newer than version.
// version 0 yields the full state.
func (es *EndpointState) delta(ep Endpoint, version int64) endpointDelta {
	d := endpointDelta{Endpoint: ep, Heartbeat: es.heartbeat}
	for k, v := range es.appStates {
		if v.Version > version {
			if d.AppStates == nil {
				d.AppStates = make(map[AppStateKey]VersionedValue)
			}
			d.AppStates[k] = v
		}
	}
	return d
}

func (es *EndpointState) snapshot(ep Endpoint) EndpointSnapshot {
	states := make(map[AppStateKey]VersionedValue, len(es.appStates))
	for k, v := range es.appStates {
		states[k] = v
	}
	return EndpointSnapshot{
		Endpoint:   ep,
		Heartbeat:  es.heartbeat,
		AppStates:  states,
		Alive:      es.alive,
		UpdateTime: es.updateTime,
	}
}

// EndpointSnapshot is an immutable copy of one endpoint's state.
type EndpointSnapshot struct {
	Endpoint   Endpoint
	Heartbeat  HeartbeatState
	AppStates  map[AppStateKey]VersionedValue
	Alive      bool
	UpdateTime time.Time
}

// Value returns the value of an application state.
func (s EndpointSnapshot) Value(key AppStateKey) (string, bool) {
	v, ok := s.AppStates[key]
	return v.Value, ok
}

func (s EndpointSnapshot) Status() string {
	return s.AppStates[AppStatus].Value
}

func (s EndpointSnapshot) MaxVersion() int64 {
	maxVer := s.Heartbeat.Version
	for _, v := range s.AppStates {
		if v.Version > maxVer {
			maxVer = v.Version
		}
	}
	return maxVer
}
