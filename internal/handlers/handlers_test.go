package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/redis"
	"github.com/mossy-p/webrtc-calls/internal/relay"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "handlers-secret"

type testServer struct {
	router *gin.Engine
	store  *redis.Store
	hub    *relay.Hub
}

func newTestServer(t *testing.T, authRequired bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	store := redis.NewStore(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), time.Hour)
	t.Cleanup(func() { _ = store.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logrus.NewEntry(logger)

	cfg := &config.Config{
		AllowedOrigins: []string{"http://localhost:3000"},
		JWTSecret:      testSecret,
		AuthRequired:   authRequired,
	}
	hub := relay.NewHub(relay.Config{MaxMessageBytes: 64 * 1024, PingInterval: time.Minute}, store, entry)

	return &testServer{
		router: NewRouter(cfg, NewAPI(store, entry), hub, entry),
		store:  store,
		hub:    hub,
	}
}

func (s *testServer) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, userID, time.Now())
	require.NoError(t, err)
	return tok
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, false)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestLogin(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "alice", Password: "pw"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.UserID)
	assert.NotEmpty(t, resp.Token)

	rec = s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOriginFilter(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodOptions, "/api/calls", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUsers(t *testing.T) {
	s := newTestServer(t, false)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/users/bob", "", nil).Code)

	rec := s.do(t, http.MethodPut, "/api/users/me", "", models.UpdateProfileRequest{DisplayName: "Bob"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/users/me", token(t, "bob"), models.UpdateProfileRequest{DisplayName: "Bob"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/users/bob", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var contact models.Contact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &contact))
	assert.Equal(t, models.Contact{Identity: "bob", DisplayName: "Bob"}, contact)
}

func TestUsers_OnlineWithoutProfile(t *testing.T) {
	s := newTestServer(t, false)
	require.NoError(t, s.store.SetPresence(t.Context(), "carol", "conn-1"))

	rec := s.do(t, http.MethodGet, "/api/users/carol", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var contact models.Contact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &contact))
	assert.True(t, contact.Online)
	assert.Equal(t, "carol", contact.DisplayName)
}

func TestCalls(t *testing.T) {
	s := newTestServer(t, false)
	started := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	record := models.CallRecord{
		Caller:    "alice",
		Callee:    "bob",
		Kind:      models.CallKindVideo,
		Direction: models.DirectionOutgoing,
		Room:      models.RoomIdentifier("alice", "bob"),
		StartedAt: started,
		EndedAt:   started.Add(time.Minute),
		Outcome:   models.OutcomeCompleted,
	}

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/calls", "", record).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/calls", token(t, "mallory"), record).Code)
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/calls", token(t, "alice"), record).Code)

	rec := s.do(t, http.MethodGet, "/api/calls", token(t, "alice"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Calls []models.CallRecord `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Calls, 1)
	assert.Equal(t, models.OutcomeCompleted, resp.Calls[0].Outcome)

	rec = s.do(t, http.MethodGet, "/api/calls", token(t, "bob"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"calls":[]}`, rec.Body.String())
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, event models.Event, payload any) {
	t.Helper()
	frame, err := models.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func read(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var env models.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	return env
}

func TestSignaling_CallFlowOverWebsocket(t *testing.T) {
	s := newTestServer(t, false)
	server := httptest.NewServer(s.router)
	defer server.Close()

	alice := dial(t, server, "")
	bob := dial(t, server, "")
	room := models.RoomIdentifier("alice", "bob")

	write(t, bob, models.EventRegister, "bob")
	require.Eventually(t, func() bool {
		_, ok := s.hub.Registered("bob")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	write(t, alice, models.EventJoinCall, room)
	write(t, alice, models.EventCallRequest, models.CallRequest{
		CallerIdentity: "alice",
		CalleeIdentity: "bob",
		RoomIdentifier: room,
		CallKind:       models.CallKindAudio,
	})

	env := read(t, bob)
	require.Equal(t, models.EventIncomingCall, env.Event)

	write(t, bob, models.EventJoinCall, room)
	assert.Equal(t, models.EventUserJoined, read(t, alice).Event)

	write(t, bob, models.EventEndCall, room)
	assert.Equal(t, models.EventCallEnded, read(t, alice).Event)

	// The presence mirror is updated after the broadcast.
	require.Eventually(t, func() bool {
		rec := s.do(t, http.MethodGet, "/api/rooms/"+room, "", nil)
		return rec.Code == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignaling_AuthRequired(t *testing.T) {
	s := newTestServer(t, true)
	server := httptest.NewServer(s.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := dial(t, server, "?token="+token(t, "alice"))
	write(t, conn, models.EventRegister, "bob")
	env := read(t, conn)
	assert.Equal(t, models.EventError, env.Event)

	write(t, conn, models.EventRegister, "alice")
	require.Eventually(t, func() bool {
		_, ok := s.hub.Registered("alice")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
