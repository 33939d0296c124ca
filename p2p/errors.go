package p2p

import "errors"

var (
	ErrPeerUnknown        = errors.New("p2p: unknown peer")
	ErrPeerBlacklisted    = errors.New("p2p: peer is blacklisted")
	ErrTopologyMismatch   = errors.New("p2p: topology digest mismatch")
	ErrOwnershipConflict  = errors.New("p2p: peer claims a group this node owns")
	ErrNotJoined          = errors.New("p2p: node has not joined a network")
	ErrAlreadyJoined      = errors.New("p2p: node already joined a network")
	ErrServerShuttingDown = errors.New("p2p: server shutting down")
	ErrDialTargetEmpty    = errors.New("p2p: empty dial target")
)

var errQueueFull = errors.New("peer outbound queue full")
