package node

import "errors"

var (
	ErrConfigRequired          = errors.New("config is required")
	ErrNodeIDRequired          = errors.New("node ID is required")
	ErrClusterIDRequired       = errors.New("cluster name is required")
	ErrAddressRequired         = errors.New("listen address is required")
	ErrPortRequired            = errors.New("port is required")
	ErrInvalidGossipInterval   = errors.New("gossip interval must be positive")
	ErrInvalidConvictThreshold = errors.New("phi convict threshold must not be negative")
	ErrInvalidProbability      = errors.New("probabilities must not exceed 1")
	ErrInvalidSeed             = errors.New("seed must be host:port")
	ErrAlreadyStarted          = errors.New("node already started")
	ErrNotStarted              = errors.New("node not started")
)
