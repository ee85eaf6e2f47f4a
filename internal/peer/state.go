package peer

import (
	"github.com/pion/webrtc/v4"
)

// Role is the negotiation role of one end of a call. It is decided by the
// first negotiation message the session sees: an endpoint that is told a
// peer joined its room offers, one that receives an offer answers.
type Role int

const (
	RoleUndecided Role = iota
	RoleInitiator
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleAnswerer:
		return "answerer"
	default:
		return "undecided"
	}
}

type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func stateFromPion(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// Event reports a change of the session's connection state.
type Event struct {
	State ConnectionState
	Role  Role
	// Err is set when the session failed.
	Err error
	// RemoteEnded is set on the final event when the peer hung up.
	RemoteEnded bool
}

// candidateQueue holds remote candidates received before the remote
// description. It is drained exactly once; afterwards add refuses new
// candidates so the caller applies them directly.
type candidateQueue struct {
	pending []webrtc.ICECandidateInit
	drained bool
}

func (q *candidateQueue) add(c webrtc.ICECandidateInit) bool {
	if q.drained {
		return false
	}
	q.pending = append(q.pending, c)
	return true
}

func (q *candidateQueue) drain() []webrtc.ICECandidateInit {
	out := q.pending
	q.pending = nil
	q.drained = true
	return out
}

func (q *candidateQueue) len() int {
	return len(q.pending)
}
