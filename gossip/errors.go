package gossip

import "errors"

var (
	ErrNotRunning      = errors.New("gossiper is not running")
	ErrAlreadyStarted  = errors.New("gossiper already started")
	ErrClusterMismatch = errors.New("cluster name mismatch")
	// ErrUnexpectedAck2 is returned for an ACK2 from a peer with no pending SYN.
	ErrUnexpectedAck2 = errors.New("ACK2 without a pending SYN")
	// ErrStaleSyn is returned for a SYN from an older generation of a known endpoint.
	ErrStaleSyn = errors.New("SYN from an older generation")
)
