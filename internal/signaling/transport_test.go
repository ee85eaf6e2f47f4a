package signaling

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	server  *httptest.Server
	conns   chan *websocket.Conn
	headers chan http.Header
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{
		conns:   make(chan *websocket.Conn, 4),
		headers: make(chan http.Header, 4),
	}
	upgrader := websocket.Upgrader{}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.headers <- req.Header
		r.conns <- conn
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-r.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env models.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, event models.Event, payload any) {
	t.Helper()
	frame, err := models.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func receive(t *testing.T, ch <-chan models.Envelope) models.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope received")
		return models.Envelope{}
	}
}

func newTestTransport(t *testing.T, url string) *Transport {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tr := New(Config{
		URL:             url,
		Token:           "secret-token",
		Identity:        "alice",
		MaxRetries:      3,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		PingInterval:    time.Second,
	}, logrus.NewEntry(logger))
	t.Cleanup(tr.Disconnect)
	return tr
}

func TestTransport_RegistersFirstAndSends(t *testing.T) {
	relay := newFakeRelay(t)
	tr := newTestTransport(t, relay.url())

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Connect(context.Background()))
	conn := relay.accept(t)

	header := <-relay.headers
	assert.Equal(t, "Bearer secret-token", header.Get("Authorization"))

	env := readEnvelope(t, conn)
	assert.Equal(t, models.EventRegister, env.Event)
	identity, err := models.Decode[string](env)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)

	require.NoError(t, tr.Send(models.EventJoinCall, "call_alice_bob"))
	env = readEnvelope(t, conn)
	assert.Equal(t, models.EventJoinCall, env.Event)
	assert.True(t, tr.Connected())
}

func TestTransport_SubscribeFiltersAndKeepsOrder(t *testing.T) {
	relay := newFakeRelay(t)
	tr := newTestTransport(t, relay.url())

	candidates, unsubscribe := tr.Subscribe(models.EventICECandidate)
	defer unsubscribe()
	all, unsubscribeAll := tr.Subscribe()
	defer unsubscribeAll()

	require.NoError(t, tr.Connect(context.Background()))
	conn := relay.accept(t)
	readEnvelope(t, conn)

	writeEnvelope(t, conn, models.EventOffer, models.SessionDescription{RoomIdentifier: "r"})
	for i := range 3 {
		writeEnvelope(t, conn, models.EventICECandidate, models.ICECandidate{
			RoomIdentifier: "r",
			Candidate:      json.RawMessage(`{"candidate":"c` + string(rune('0'+i)) + `"}`),
		})
	}

	for i := range 3 {
		env := receive(t, candidates)
		require.Equal(t, models.EventICECandidate, env.Event)
		c, err := models.Decode[models.ICECandidate](env)
		require.NoError(t, err)
		assert.JSONEq(t, `{"candidate":"c`+string(rune('0'+i))+`"}`, string(c.Candidate))
	}

	assert.Equal(t, models.EventOffer, receive(t, all).Event)
	for range 3 {
		assert.Equal(t, models.EventICECandidate, receive(t, all).Event)
	}
}

func TestTransport_UnsubscribeStopsDelivery(t *testing.T) {
	relay := newFakeRelay(t)
	tr := newTestTransport(t, relay.url())

	ch, unsubscribe := tr.Subscribe(models.EventCallEnded)
	unsubscribe()
	unsubscribe()

	watch, stopWatch := tr.Subscribe(models.EventCallEnded)
	defer stopWatch()

	require.NoError(t, tr.Connect(context.Background()))
	conn := relay.accept(t)
	readEnvelope(t, conn)

	writeEnvelope(t, conn, models.EventCallEnded, models.CallEnded{PeerConnectionID: "x"})
	receive(t, watch)

	select {
	case <-ch:
		t.Fatal("unsubscribed channel received a message")
	default:
	}
}

func TestTransport_ReconnectsAndReregisters(t *testing.T) {
	relay := newFakeRelay(t)
	tr := newTestTransport(t, relay.url())

	require.NoError(t, tr.Connect(context.Background()))
	first := relay.accept(t)
	assert.Equal(t, models.EventRegister, readEnvelope(t, first).Event)

	first.Close()

	second := relay.accept(t)
	assert.Equal(t, models.EventRegister, readEnvelope(t, second).Event)
	require.Eventually(t, tr.Connected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Send(models.EventEndCall, "call_alice_bob"))
	assert.Equal(t, models.EventEndCall, readEnvelope(t, second).Event)
}

func TestTransport_ConnectGivesUpAfterRetries(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	tr := newTestTransport(t, url)
	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, tr.Connected())
}

func TestTransport_UnauthorizedIsPermanent(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tr := newTestTransport(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	err := tr.Connect(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestTransport_SendAfterDisconnect(t *testing.T) {
	relay := newFakeRelay(t)
	tr := newTestTransport(t, relay.url())

	require.NoError(t, tr.Connect(context.Background()))
	relay.accept(t)

	tr.Disconnect()
	tr.Disconnect()

	assert.ErrorIs(t, tr.Send(models.EventEndCall, "room"), ErrTransportClosed)
	assert.ErrorIs(t, tr.Connect(context.Background()), ErrTransportClosed)
	assert.False(t, tr.Connected())
}

func TestTransport_OutboxFull(t *testing.T) {
	tr := newTestTransport(t, "ws://127.0.0.1:1")

	for range outboxSize {
		require.NoError(t, tr.Send(models.EventJoinCall, "room"))
	}
	assert.ErrorIs(t, tr.Send(models.EventJoinCall, "room"), ErrOutboxFull)
}
