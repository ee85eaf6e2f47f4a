package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(client, time.Hour)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestPresence(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetPresence(ctx, "alice", "conn-1"))
	online, err := store.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, time.Hour, mr.TTL("presence:alice"))

	// Refreshing restarts the TTL.
	mr.FastForward(45 * time.Minute)
	require.NoError(t, store.SetPresence(ctx, "alice", "conn-1"))
	mr.FastForward(45 * time.Minute)
	online, err = store.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	// A newer registration took over; clearing the stale one is a no-op.
	require.NoError(t, store.SetPresence(ctx, "alice", "conn-2"))
	require.NoError(t, store.ClearPresence(ctx, "alice", "conn-1"))
	online, err = store.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, store.ClearPresence(ctx, "alice", "conn-2"))
	online, err = store.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, store.ClearPresence(ctx, "nobody", "conn-3"))
}

func TestRoomPeers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddRoomPeer(ctx, "call_a_b", "c1"))
	require.NoError(t, store.AddRoomPeer(ctx, "call_a_b", "c2"))
	require.NoError(t, store.AddRoomPeer(ctx, "call_a_b", "c2"))

	n, err := store.RoomPeerCount(ctx, "call_a_b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.RemoveRoomPeer(ctx, "call_a_b", "c1"))
	n, err = store.RoomPeerCount(ctx, "call_a_b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestContacts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetContact(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveContact(ctx, models.Contact{Identity: "bob", DisplayName: "Bob"}))
	require.NoError(t, store.SetPresence(ctx, "bob", "conn-9"))

	contact, err := store.GetContact(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", contact.DisplayName)
	assert.True(t, contact.Online)
}

func TestCallLog_NewestFirstAndCapped(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < maxCallLogEntries+5; i++ {
		require.NoError(t, store.AppendCall(ctx, "alice", models.CallRecord{
			Caller:    "alice",
			Callee:    "bob",
			StartedAt: start.Add(time.Duration(i) * time.Minute),
			Outcome:   models.OutcomeCompleted,
		}))
	}

	records, err := store.ListCalls(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, maxCallLogEntries)
	assert.True(t, records[0].StartedAt.After(records[1].StartedAt))

	empty, err := store.ListCalls(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
