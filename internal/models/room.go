package models

import (
	"sort"
	"strconv"
	"time"
)

const roomPrefix = "call_"

// CallKind selects the local media a call needs.
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// Valid reports whether the kind is one of the known kinds.
func (k CallKind) Valid() bool {
	return k == CallKindAudio || k == CallKindVideo
}

// Direction is the side of the call from this device's point of view.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// RoomIdentifier derives the room both participants join. Both endpoints
// compute the same value independently: identities are sorted, and the
// first one is length-prefixed so that no two pairs share a room whatever
// characters the identities contain.
func RoomIdentifier(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return roomPrefix + strconv.Itoa(len(ids[0])) + "_" + ids[0] + "_" + ids[1]
}

// RoomInfo is the public view of a relay room.
type RoomInfo struct {
	ID    string `json:"id"`
	Peers int    `json:"peers"`
}

// Contact is a directory entry used to render the other participant.
type Contact struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Online      bool   `json:"online"`
}

// Name returns the display name, falling back to the identity.
func (c Contact) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Identity
}

// UpdateProfileRequest is the request body for PUT /api/users/me.
type UpdateProfileRequest struct {
	DisplayName string `json:"displayName" binding:"required,max=64"`
	AvatarURL   string `json:"avatarUrl,omitempty" binding:"omitempty,url"`
}

// CallOutcome is how a call finished.
type CallOutcome string

const (
	OutcomeCompleted CallOutcome = "completed"
	OutcomeMissed    CallOutcome = "missed"
	OutcomeDeclined  CallOutcome = "declined"
	OutcomeCancelled CallOutcome = "cancelled"
	OutcomeFailed    CallOutcome = "failed"
)

// CallRecord is one entry in a user's call log.
type CallRecord struct {
	Caller      string      `json:"caller"`
	Callee      string      `json:"callee"`
	Kind        CallKind    `json:"kind"`
	Direction   Direction   `json:"direction"`
	Room        string      `json:"room"`
	StartedAt   time.Time   `json:"startedAt"`
	ConnectedAt *time.Time  `json:"connectedAt,omitempty"`
	EndedAt     time.Time   `json:"endedAt"`
	Outcome     CallOutcome `json:"outcome" binding:"required"`
}

// Duration is the connected time of the call, zero if it never connected.
func (r CallRecord) Duration() time.Duration {
	if r.ConnectedAt == nil || r.EndedAt.Before(*r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(*r.ConnectedAt)
}
