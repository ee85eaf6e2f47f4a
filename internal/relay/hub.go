package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	sendBufferSize      = 256
	presenceTimeout     = 2 * time.Second
	defaultPingInterval = 54 * time.Second
)

// Presence mirrors relay membership into an external store. It is write-only
// from the hub's point of view; forwarding never consults it.
type Presence interface {
	SetPresence(ctx context.Context, identity, connID string) error
	ClearPresence(ctx context.Context, identity, connID string) error
	AddRoomPeer(ctx context.Context, roomID, connID string) error
	RemoveRoomPeer(ctx context.Context, roomID, connID string) error
}

type Config struct {
	// Token bucket rate per connection; zero disables limiting.
	MaxMessagesPerSecond int
	// Largest accepted websocket frame.
	MaxMessageBytes int64
	// Interval between websocket pings; the read deadline is slightly longer.
	PingInterval time.Duration
}

// Client is one relay connection.
type Client struct {
	ID   string
	Send chan []byte

	// Identity proven by the connection's token, empty if unauthenticated.
	authIdentity string
	limiter      *rate.Limiter
	logger       *logrus.Entry

	// Guarded by Hub.mu.
	identity string
	rooms    map[string]struct{}
	closed   bool
}

// Hub forwards signaling messages between room members and from a caller to
// a registered identity. All state is in memory.
type Hub struct {
	cfg      Config
	presence Presence
	logger   *logrus.Entry

	mu         sync.RWMutex
	clients    map[string]*Client
	rooms      map[string]map[string]*Client
	identities map[string]*Client
}

// NewHub creates a hub. presence may be nil.
func NewHub(cfg Config, presence Presence, logger *logrus.Entry) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Hub{
		cfg:        cfg,
		presence:   presence,
		logger:     logger,
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		identities: make(map[string]*Client),
	}
}

// NewClient allocates a connection id and adds the client to the hub.
func (h *Hub) NewClient(authIdentity string) *Client {
	c := &Client{
		ID:           uuid.New().String(),
		Send:         make(chan []byte, sendBufferSize),
		authIdentity: authIdentity,
		rooms:        make(map[string]struct{}),
	}
	if h.cfg.MaxMessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(h.cfg.MaxMessagesPerSecond), 2*h.cfg.MaxMessagesPerSecond)
	}
	c.logger = h.logger.WithField("conn", c.ID)

	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	c.logger.Debug("client connected")
	return c
}

// Handle processes one inbound frame from c.
func (h *Hub) Handle(c *Client, frame []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Warn("rate limit exceeded, dropping frame")
		h.sendError(c, "", "rate limit exceeded")
		return
	}

	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.logger.WithError(err).Warn("failed to parse frame")
		h.sendError(c, "", "malformed frame")
		return
	}

	switch env.Event {
	case models.EventRegister:
		h.register(c, env)
	case models.EventJoinCall:
		h.joinRoom(c, env)
	case models.EventCallRequest:
		h.callRequest(c, env)
	case models.EventOffer, models.EventAnswer, models.EventICECandidate:
		h.forward(c, env, frame)
	case models.EventEndCall:
		h.endCall(c, env)
	default:
		c.logger.WithField("event", env.Event).Warn("unknown event")
		h.sendError(c, env.Event, "unknown event")
	}
}

func (h *Hub) register(c *Client, env models.Envelope) {
	identity, err := models.Decode[string](env)
	if err != nil || identity == "" {
		h.sendError(c, env.Event, "identity is required")
		return
	}
	if c.authIdentity != "" && c.authIdentity != identity {
		c.logger.WithField("identity", identity).Warn("register rejected, identity does not match token")
		h.sendError(c, env.Event, "identity does not match token")
		return
	}

	h.mu.Lock()
	if previous, ok := h.identities[identity]; ok && previous != c {
		// Last register wins; the older connection stays open but no
		// longer receives incoming calls.
		previous.identity = ""
		c.logger.WithFields(logrus.Fields{"identity": identity, "previous": previous.ID}).Info("identity rebound")
	}
	if c.identity != "" && c.identity != identity && h.identities[c.identity] == c {
		delete(h.identities, c.identity)
	}
	c.identity = identity
	h.identities[identity] = c
	h.mu.Unlock()

	c.logger.WithField("identity", identity).Info("registered")
	h.withPresence(func(ctx context.Context, p Presence) error {
		return p.SetPresence(ctx, identity, c.ID)
	})
}

func (h *Hub) joinRoom(c *Client, env models.Envelope) {
	roomID, err := models.Decode[string](env)
	if err != nil || roomID == "" {
		h.sendError(c, env.Event, "room identifier is required")
		return
	}

	h.mu.Lock()
	if _, member := c.rooms[roomID]; member {
		h.mu.Unlock()
		c.logger.WithField("room", roomID).Debug("already in room")
		return
	}

	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[roomID] = room
	}
	room[c.ID] = c
	c.rooms[roomID] = struct{}{}

	h.broadcastLocked(roomID, models.EventUserJoined, models.PeerJoined{PeerConnectionID: c.ID}, c.ID)
	size := len(room)
	h.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"room": roomID, "peers": size}).Info("joined room")
	h.withPresence(func(ctx context.Context, p Presence) error {
		return p.AddRoomPeer(ctx, roomID, c.ID)
	})
}

func (h *Hub) callRequest(c *Client, env models.Envelope) {
	req, err := models.Decode[models.CallRequest](env)
	if err != nil || req.CalleeIdentity == "" {
		h.sendError(c, env.Event, "callee identity is required")
		return
	}

	frame, err := models.Encode(models.EventIncomingCall, models.IncomingCall{
		CallerIdentity: req.CallerIdentity,
		RoomIdentifier: req.RoomIdentifier,
		CallKind:       req.CallKind,
	})
	if err != nil {
		c.logger.WithError(err).Error("failed to encode incoming call")
		return
	}

	h.mu.RLock()
	callee, ok := h.identities[req.CalleeIdentity]
	if ok {
		h.deliverLocked(callee, frame)
	}
	h.mu.RUnlock()

	if !ok {
		c.logger.WithField("callee", req.CalleeIdentity).Info("callee not registered")
		h.sendError(c, env.Event, "callee unavailable")
		return
	}
	c.logger.WithFields(logrus.Fields{"callee": req.CalleeIdentity, "room": req.RoomIdentifier}).Info("call request forwarded")
}

// forward relays an offer, answer or candidate untouched to the other
// members of the room named in the payload. Only members may forward.
func (h *Hub) forward(c *Client, env models.Envelope, frame []byte) {
	scoped, err := models.Decode[models.RoomScoped](env)
	if err != nil || scoped.RoomIdentifier == "" {
		h.sendError(c, env.Event, "room identifier is required")
		return
	}

	h.mu.RLock()
	_, member := c.rooms[scoped.RoomIdentifier]
	if member {
		for id, peer := range h.rooms[scoped.RoomIdentifier] {
			if id != c.ID {
				h.deliverLocked(peer, frame)
			}
		}
	}
	h.mu.RUnlock()

	if !member {
		c.logger.WithFields(logrus.Fields{"event": env.Event, "room": scoped.RoomIdentifier}).Warn("dropped signal from non-member")
		h.sendError(c, env.Event, "not a member of room")
	}
}

// endCall tells the other members the call is over and dissolves the room.
// The sender need not be a member: a declined call ends a room the callee
// never joined.
func (h *Hub) endCall(c *Client, env models.Envelope) {
	roomID, err := models.Decode[string](env)
	if err != nil || roomID == "" {
		h.sendError(c, env.Event, "room identifier is required")
		return
	}

	h.mu.Lock()
	h.broadcastLocked(roomID, models.EventCallEnded, models.CallEnded{PeerConnectionID: c.ID}, c.ID)
	removed := h.closeRoomLocked(roomID)
	h.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"room": roomID, "peers": len(removed)}).Info("ended call")
	h.removeRoomPeers(roomID, removed)
}

// Disconnect ends every call the client is in, notifying the remaining
// members with a best-effort call-ended, and closes its send channel.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}

	rooms := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
	}
	removed := make(map[string][]string, len(rooms))
	for _, roomID := range rooms {
		h.broadcastLocked(roomID, models.EventCallEnded, models.CallEnded{PeerConnectionID: c.ID}, c.ID)
		removed[roomID] = h.closeRoomLocked(roomID)
	}

	identity := c.identity
	if identity != "" && h.identities[identity] == c {
		delete(h.identities, identity)
	}
	delete(h.clients, c.ID)
	c.closed = true
	close(c.Send)
	h.mu.Unlock()

	c.logger.WithField("rooms", len(rooms)).Info("client disconnected")
	for roomID, ids := range removed {
		h.removeRoomPeers(roomID, ids)
	}
	if identity != "" {
		h.withPresence(func(ctx context.Context, p Presence) error {
			return p.ClearPresence(ctx, identity, c.ID)
		})
	}
}

// Heartbeat refreshes the presence entries of a live client so that they
// outlast the store's TTL for as long as the connection answers pings.
func (h *Hub) Heartbeat(c *Client) {
	h.mu.RLock()
	if c.closed {
		h.mu.RUnlock()
		return
	}
	identity := ""
	if c.identity != "" && h.identities[c.identity] == c {
		identity = c.identity
	}
	rooms := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
	}
	h.mu.RUnlock()

	if identity == "" && len(rooms) == 0 {
		return
	}
	h.withPresence(func(ctx context.Context, p Presence) error {
		if identity != "" {
			if err := p.SetPresence(ctx, identity, c.ID); err != nil {
				return err
			}
		}
		for _, roomID := range rooms {
			if err := p.AddRoomPeer(ctx, roomID, c.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// RoomSize returns the number of connections in a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Registered returns the connection id bound to an identity.
func (h *Hub) Registered(identity string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.identities[identity]
	if !ok {
		return "", false
	}
	return c.ID, true
}

// closeRoomLocked removes every member from a room and returns their ids.
func (h *Hub) closeRoomLocked(roomID string) []string {
	room := h.rooms[roomID]
	ids := make([]string, 0, len(room))
	for id, member := range room {
		delete(member.rooms, roomID)
		ids = append(ids, id)
	}
	delete(h.rooms, roomID)
	if len(ids) > 0 {
		h.logger.WithField("room", roomID).Debug("closed room")
	}
	return ids
}

func (h *Hub) removeRoomPeers(roomID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	h.withPresence(func(ctx context.Context, p Presence) error {
		for _, id := range ids {
			if err := p.RemoveRoomPeer(ctx, roomID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *Hub) broadcastLocked(roomID string, event models.Event, payload any, excludeID string) {
	frame, err := models.Encode(event, payload)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode broadcast")
		return
	}

	for id, member := range h.rooms[roomID] {
		if id != excludeID {
			h.deliverLocked(member, frame)
		}
	}
}

// deliverLocked must be called with h.mu held (read or write) so that the
// send channel cannot be closed concurrently.
func (h *Hub) deliverLocked(c *Client, frame []byte) {
	if c.closed {
		return
	}
	select {
	case c.Send <- frame:
	default:
		c.logger.Warn("failed to send message, buffer full")
	}
}

func (h *Hub) sendError(c *Client, event models.Event, message string) {
	frame, err := models.Encode(models.EventError, models.ErrorMessage{Event: event, Message: message})
	if err != nil {
		return
	}

	h.mu.RLock()
	h.deliverLocked(c, frame)
	h.mu.RUnlock()
}

func (h *Hub) withPresence(fn func(ctx context.Context, p Presence) error) {
	if h.presence == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := fn(ctx, h.presence); err != nil {
		h.logger.WithError(err).Warn("failed to update presence")
	}
}
