package gossip

/*
*

Reference: https://github.com/apache/cassandra/blob/trunk/src/java/org/apache/cassandra/gms/HeartBeatState.java
*/

// HeartbeatState is the freshness signature of an endpoint. It is a plain
// value; the table it lives in is owned by one goroutine, so it needs no lock.
type HeartbeatState struct {
	Generation int64 // process start time (unix seconds)
	Version    int64 // bumped every round
}

// Less orders heartbeats by generation, then version.
func (h HeartbeatState) Less(o HeartbeatState) bool {
	if h.Generation != o.Generation {
		return h.Generation < o.Generation
	}
	return h.Version < o.Version
}

// versionGenerator hands out the local versions for both the heartbeat and
// application states.
type versionGenerator struct {
	last int64
}

func (v *versionGenerator) next() int64 {
	v.last++
	return v.last
}
