package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomIdentifier_OrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"A", "B"},
		{"alice", "bob"},
		{"zed", "amy"},
		{"user-42", "user-7"},
		{"same", "same"},
	}

	for _, p := range pairs {
		assert.Equal(t, RoomIdentifier(p[0], p[1]), RoomIdentifier(p[1], p[0]), "pair %v", p)
	}
}

func TestRoomIdentifier_Format(t *testing.T) {
	assert.Equal(t, "call_5_alice_bob", RoomIdentifier("bob", "alice"))
	assert.NotEqual(t, RoomIdentifier("alice", "bob"), RoomIdentifier("alice", "carol"))
}

func TestRoomIdentifier_NoCollisions(t *testing.T) {
	pairs := [][2]string{
		{"a_b", "c"},
		{"a", "b_c"},
		{"a", "b"},
		{"a_", "b"},
		{"a", "_b"},
		{"1_a", "b"},
		{"", "1_a_b"},
		{"a_b_c", ""},
	}

	seen := make(map[string][2]string, len(pairs))
	for _, p := range pairs {
		room := RoomIdentifier(p[0], p[1])
		if prev, ok := seen[room]; ok {
			t.Errorf("%v and %v share room %q", prev, p, room)
		}
		seen[room] = p
	}
}

func TestEncodeDecode(t *testing.T) {
	frame, err := Encode(EventCallRequest, CallRequest{
		CallerIdentity: "alice",
		CalleeIdentity: "bob",
		RoomIdentifier: "call_alice_bob",
		CallKind:       CallKindVideo,
	})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"event":"call-request"`)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	req, err := Decode[CallRequest](env)
	require.NoError(t, err)
	assert.Equal(t, "bob", req.CalleeIdentity)
	assert.Equal(t, CallKindVideo, req.CallKind)
}

func TestDecode_EmptyPayload(t *testing.T) {
	_, err := Decode[string](Envelope{Event: EventJoinCall})
	assert.Error(t, err)
}

func TestCallRecord_Duration(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	connected := start.Add(5 * time.Second)

	rec := CallRecord{StartedAt: start, ConnectedAt: &connected, EndedAt: connected.Add(time.Minute)}
	assert.Equal(t, time.Minute, rec.Duration())

	missed := CallRecord{StartedAt: start, EndedAt: start.Add(45 * time.Second)}
	assert.Zero(t, missed.Duration())
}

func TestContact_Name(t *testing.T) {
	assert.Equal(t, "bob", Contact{Identity: "bob"}.Name())
	assert.Equal(t, "Bob B.", Contact{Identity: "bob", DisplayName: "Bob B."}.Name())
}
