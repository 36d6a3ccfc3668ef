package gossip

import "github.com/adamgarcia4/goLearning/gms/transport"

/*
*
Endpoint:

	The network address a member is reached at, e.g. "10.0.0.1:7000".
	It must never change during the member's lifetime and is the key of every
	map in this package. A restarted process keeps its Endpoint and gets a new
	Generation.

Generation:

	The process start time in unix seconds, fixed when the Gossiper is built.
	If a member restarts, its generation is greater than any prior value, so
	state from the old incarnation can be told apart and discarded.

	Imagine A crashes, gossip has not converged, then A comes back.
	Other members might still carry A's old application state. A presents a
	strictly newer generation, and everyone resets A's state on first contact.

Version:

	A counter owned by each member, bumped every round for the heartbeat and
	on every local application state update. Heartbeat and application states
	draw from the same counter, so the maximum version of an endpoint summarises
	everything it has ever published in this generation.

	When merging remote state:
		If generation is larger, it overrides all old state.
		If generation is the same and version is larger, apply the newer keys.
		Otherwise the state is stale and is dropped.
*/

type Endpoint string

type AppStateKey string

const (
	AppStatus         AppStateKey = "STATUS"
	AppLoad           AppStateKey = "LOAD"
	AppSchema         AppStateKey = "SCHEMA"
	AppTokens         AppStateKey = "TOKENS"
	AppDC             AppStateKey = "DC"
	AppRack           AppStateKey = "RACK"
	AppHostID         AppStateKey = "HOST_ID"
	AppReleaseVersion AppStateKey = "RELEASE_VERSION"
	AppRPCAddress     AppStateKey = "RPC_ADDRESS"
)

// Values of the STATUS application state.
const (
	StatusBoot     = "BOOT"
	StatusNormal   = "NORMAL"
	StatusLeaving  = "LEAVING"
	StatusLeft     = "LEFT"
	StatusRemoved  = "REMOVED"
	StatusShutdown = "SHUTDOWN"
)

// isDeadStatus reports statuses under which an endpoint is never marked UP,
// whatever the failure detector says.
func isDeadStatus(status string) bool {
	switch status {
	case StatusLeft, StatusRemoved, StatusShutdown:
		return true
	}
	return false
}

// isTerminalStatus reports statuses after which an endpoint is eventually
// evicted from the table.
func isTerminalStatus(status string) bool {
	return status == StatusLeft || status == StatusRemoved
}

type VersionedValue struct {
	Value   string
	Version int64
}

// ChangeKind classifies a membership notification.
type ChangeKind int

const (
	// Join: first contact with an endpoint.
	Join ChangeKind = iota
	// Alive: the endpoint moved to the live set.
	Alive
	// Dead: the endpoint moved to the unreachable set.
	Dead
	// Change: one or more application states of the endpoint changed.
	Change
	// Restart: the endpoint came back with a higher generation.
	Restart
	// Remove: the endpoint was evicted from the table.
	Remove
)

func (k ChangeKind) String() string {
	switch k {
	case Join:
		return "JOIN"
	case Alive:
		return "ALIVE"
	case Dead:
		return "DEAD"
	case Change:
		return "CHANGE"
	case Restart:
		return "RESTART"
	case Remove:
		return "REMOVE"
	}
	return "UNKNOWN"
}

// ServiceState is the Gossiper lifecycle:
//
//	STOPPED -> STARTING -> RUNNING -> STOPPING -> STOPPED
type ServiceState int32

const (
	Stopped ServiceState = iota
	Starting
	Running
	Stopping
)

func (s ServiceState) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	}
	return "UNKNOWN"
}

// Verbs registered on the messaging transport.
const (
	VerbSyn      transport.Verb = "GOSSIP_DIGEST_SYN"
	VerbAck      transport.Verb = "GOSSIP_DIGEST_ACK"
	VerbAck2     transport.Verb = "GOSSIP_DIGEST_ACK2"
	VerbShutdown transport.Verb = "GOSSIP_SHUTDOWN"
)
