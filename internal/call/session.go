package call

import (
	"context"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/peer"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOutgoingRinging
	PhaseIncomingRinging
	PhaseConnecting
	PhaseActive
	PhaseMinimized
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOutgoingRinging:
		return "outgoing-ringing"
	case PhaseIncomingRinging:
		return "incoming-ringing"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseMinimized:
		return "minimized"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// CallSession is a read-only snapshot of the current call for rendering.
type CallSession struct {
	Participant models.Contact
	Kind        models.CallKind
	Direction   models.Direction
	Room        string
	CreatedAt   time.Time
	ConnectedAt *time.Time

	Phase      Phase
	Connection peer.ConnectionState
	Muted      bool
	Minimized  bool
	Accepted   bool
	Ringing    bool

	// Set once the call has ended.
	Outcome models.CallOutcome
}

// Directory resolves identities to display contacts.
type Directory interface {
	Lookup(ctx context.Context, identity string) (models.Contact, error)
}

// CallLog records finished calls.
type CallLog interface {
	Append(ctx context.Context, record models.CallRecord) error
}

// PeerSession is the media session of one call.
type PeerSession interface {
	Start(ctx context.Context) error
	Cleanup()
	SetMuted(muted bool)
	Events() <-chan peer.Event
	State() peer.ConnectionState
}

// SessionFactory creates the media session for a room.
type SessionFactory func(room string, kind models.CallKind) PeerSession
