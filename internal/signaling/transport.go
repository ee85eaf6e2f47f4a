package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	outboxSize       = 64
	subscriptionSize = 64
	writeWait        = 5 * time.Second
)

var (
	ErrTransportClosed = errors.New("signaling transport closed")
	ErrOutboxFull      = errors.New("signaling outbox full")
	ErrUnauthorized    = errors.New("relay rejected credentials")
)

type Config struct {
	// Websocket URL of the relay, e.g. ws://host:8080/ws.
	URL string
	// Optional bearer token sent on the upgrade request.
	Token string
	// Identity registered as the first frame of every connection.
	Identity string

	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	PingInterval    time.Duration
}

type subscription struct {
	events map[models.Event]struct{}
	ch     chan models.Envelope
	done   chan struct{}
}

func (s *subscription) wants(event models.Event) bool {
	if len(s.events) == 0 {
		return true
	}
	_, ok := s.events[event]
	return ok
}

// Transport is a device's connection to the relay. It reconnects on its own
// after the first successful Connect until Disconnect is called. Frames sent
// while no connection is up wait in a small outbox; nothing survives a
// Disconnect.
type Transport struct {
	cfg    Config
	logger *logrus.Entry
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	outbox    chan []byte
	connected atomic.Bool

	mu      sync.Mutex
	running bool
	subs    map[uint64]*subscription
	nextSub uint64
}

func New(cfg Config, logger *logrus.Entry) *Transport {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ctx:    ctx,
		cancel: cancel,
		outbox: make(chan []byte, outboxSize),
		subs:   make(map[uint64]*subscription),
	}
}

// Connect dials the relay, retrying with capped exponential backoff, and
// starts the connection supervisor. It is a no-op while the transport is
// already running.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.mu.Unlock()

	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)
	conn, err := t.dial(dialCtx)
	stop()
	cancel()
	if err != nil {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		return err
	}

	t.wg.Add(1)
	go t.supervise(conn)
	return nil
}

// Send queues an event for the relay. It never blocks.
func (t *Transport) Send(event models.Event, payload any) error {
	frame, err := models.Encode(event, payload)
	if err != nil {
		return err
	}
	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}

	select {
	case t.outbox <- frame:
		return nil
	default:
		t.logger.WithField("event", event).Warn("outbox full, dropping message")
		return ErrOutboxFull
	}
}

// Subscribe returns a channel receiving inbound envelopes for the given
// events, or for every event if none are given, in arrival order. The
// returned function cancels the subscription; the channel is never closed.
func (t *Transport) Subscribe(events ...models.Event) (<-chan models.Envelope, func()) {
	sub := &subscription{
		events: make(map[models.Event]struct{}, len(events)),
		ch:     make(chan models.Envelope, subscriptionSize),
		done:   make(chan struct{}),
	}
	for _, event := range events {
		sub.events[event] = struct{}{}
	}

	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = sub
	t.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(sub.done)
		})
	}
}

// Connected reports whether a relay connection is currently up.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// Disconnect closes the connection and stops reconnecting. Queued frames
// are written only if the connection is still up.
func (t *Transport) Disconnect() {
	t.cancel()
	t.wg.Wait()
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	var conn *websocket.Conn
	operation := func() error {
		c, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status))
			}
			return err
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.InitialInterval
	b.MaxInterval = t.cfg.MaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, t.cfg.MaxRetries), ctx)
	notify := func(err error, next time.Duration) {
		t.logger.WithError(err).WithField("retry_in", next).Warn("failed to connect to relay")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, fmt.Errorf("connect to relay: %w", err)
	}

	t.logger.WithField("url", t.cfg.URL).Info("connected to relay")
	return conn, nil
}

func (t *Transport) supervise(conn *websocket.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	for {
		t.serve(conn)
		if t.ctx.Err() != nil {
			return
		}

		t.logger.Warn("relay connection lost, reconnecting")
		var err error
		if conn, err = t.dial(t.ctx); err != nil {
			if t.ctx.Err() == nil {
				t.logger.WithError(err).Error("giving up on relay connection")
			}
			return
		}
	}
}

// serve runs one connection until it breaks or the transport is closed.
func (t *Transport) serve(conn *websocket.Conn) {
	defer conn.Close()

	if t.cfg.Identity != "" {
		frame, err := models.Encode(models.EventRegister, t.cfg.Identity)
		if err == nil {
			err = t.write(conn, websocket.TextMessage, frame)
		}
		if err != nil {
			t.logger.WithError(err).Warn("failed to register")
			return
		}
	}

	t.connected.Store(true)
	defer t.connected.Store(false)

	readDone := make(chan struct{})
	go t.readLoop(conn, readDone)
	defer func() {
		conn.Close()
		<-readDone
	}()

	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-t.outbox:
			if err := t.write(conn, websocket.TextMessage, frame); err != nil {
				t.logger.WithError(err).Warn("failed to write message")
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				t.logger.WithError(err).Debug("ping failed")
				return
			}

		case <-readDone:
			return

		case <-t.ctx.Done():
			t.flush(conn)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (t *Transport) flush(conn *websocket.Conn) {
	for {
		select {
		case frame := <-t.outbox:
			if err := t.write(conn, websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *Transport) write(conn *websocket.Conn, messageType int, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, frame)
}

func (t *Transport) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	pongWait := 2 * t.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.WithError(err).Warn("read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.WithError(err).Warn("failed to parse frame")
			continue
		}
		if env.Event == models.EventError {
			t.logger.WithField("data", string(env.Data)).Warn("relay reported an error")
		}

		t.dispatch(env)
	}
}

// dispatch hands the envelope to every matching subscriber, waiting on slow
// ones so that per-subscriber order matches arrival order.
func (t *Transport) dispatch(env models.Envelope) {
	t.mu.Lock()
	targets := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		if sub.wants(env.Event) {
			targets = append(targets, sub)
		}
	}
	t.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- env:
		case <-sub.done:
		case <-t.ctx.Done():
			return
		}
	}
}
