package models

import (
	"encoding/json"
	"fmt"
)

// Event is the name of a signaling message on the wire.
type Event string

const (
	EventRegister     Event = "register"
	EventJoinCall     Event = "join-call"
	EventCallRequest  Event = "call-request"
	EventIncomingCall Event = "incoming-call"
	EventUserJoined   Event = "user-connected"
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventICECandidate Event = "ice-candidate"
	EventEndCall      Event = "end-call"
	EventCallEnded    Event = "call-ended"
	EventError        Event = "error"
)

// Envelope is a single websocket frame: a named event and its JSON payload.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals the payload into an envelope.
func NewEnvelope(event Event, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Encode marshals an event and its payload into a wire frame.
func Encode(event Event, payload any) ([]byte, error) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode unmarshals the envelope payload into T.
func Decode[T any](env Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 {
		return out, fmt.Errorf("%s: empty payload", env.Event)
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("%s: decode payload: %w", env.Event, err)
	}
	return out, nil
}

// CallRequest asks the relay to ring the callee.
type CallRequest struct {
	CallerIdentity string   `json:"callerIdentity"`
	CalleeIdentity string   `json:"calleeIdentity"`
	RoomIdentifier string   `json:"roomIdentifier"`
	CallKind       CallKind `json:"callKind"`
}

// IncomingCall is delivered to the callee's registered connection.
type IncomingCall struct {
	CallerIdentity string   `json:"callerIdentity"`
	RoomIdentifier string   `json:"roomIdentifier"`
	CallKind       CallKind `json:"callKind"`
}

// PeerJoined tells existing room members that another connection joined.
type PeerJoined struct {
	PeerConnectionID string `json:"peerConnectionId"`
}

// CallEnded tells room members that a connection left the call.
type CallEnded struct {
	PeerConnectionID string `json:"peerConnectionId"`
}

// SessionDescription carries an offer or answer for a room. The SDP is
// opaque to the relay.
type SessionDescription struct {
	RoomIdentifier     string          `json:"roomIdentifier"`
	SessionDescription json.RawMessage `json:"sessionDescription"`
}

// ICECandidate carries one trickled candidate for a room.
type ICECandidate struct {
	RoomIdentifier string          `json:"roomIdentifier"`
	Candidate      json.RawMessage `json:"candidate"`
}

// RoomScoped extracts only the room identifier from a forwarded payload.
type RoomScoped struct {
	RoomIdentifier string `json:"roomIdentifier"`
}

// ErrorMessage reports a rejected request back to the sender.
type ErrorMessage struct {
	Event   Event  `json:"event,omitempty"`
	Message string `json:"message"`
}
