package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/streams"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	inboxSize                 = 64
	eventsSize                = 16
	defaultNegotiationTimeout = 30 * time.Second
)

var (
	ErrMediaAcquisition   = errors.New("media acquisition failed")
	ErrNegotiation        = errors.New("negotiation failed")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrConnectionFailed   = errors.New("peer connection failed")
	ErrSessionClosed      = errors.New("session closed")
	ErrAlreadyStarted     = errors.New("session already started")
)

// Signaler is the relay connection a session negotiates over.
type Signaler interface {
	Send(event models.Event, payload any) error
	Subscribe(events ...models.Event) (<-chan models.Envelope, func())
}

// StreamPublisher receives the session's streams for observation.
type StreamPublisher interface {
	Publish(pair streams.Pair)
}

type Config struct {
	Room string
	Kind models.CallKind
	// Time from Start until the connection must be up; zero uses 30s.
	NegotiationTimeout time.Duration
	// Directory for recordings of the remote media; empty disables them.
	RecordDir string
}

type Deps struct {
	Signaler Signaler
	Media    media.Source
	NewConn  ConnFactory
	Streams  StreamPublisher
}

type inboxKind int

const (
	inboxCandidate inboxKind = iota
	inboxState
	inboxTrack
)

// inboxMsg carries a peer connection callback into the session loop.
type inboxMsg struct {
	kind      inboxKind
	candidate *webrtc.ICECandidate
	state     webrtc.PeerConnectionState
	track     *webrtc.TrackRemote
}

// Session negotiates one call's peer connection over the relay. Signaling
// messages and peer connection callbacks are handled one at a time by a
// single goroutine started by Start; Cleanup stops it.
type Session struct {
	cfg    Config
	deps   Deps
	logger *logrus.Entry

	inbox   chan inboxMsg
	events  chan Event
	stop    chan struct{}
	closing chan struct{}
	done    chan struct{}

	stopOnce    sync.Once
	closingOnce sync.Once
	muted       atomic.Bool

	mu       sync.Mutex
	starting bool
	started  bool
	cleaned  bool
	state    ConnectionState
	role     Role
	local    *media.LocalStream

	// Owned by the session loop once started.
	conn      Conn
	remote    *media.RemoteStream
	queue     candidateQueue
	remoteSet bool
}

func NewSession(cfg Config, deps Deps, logger *logrus.Entry) *Session {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}
	return &Session{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.WithFields(logrus.Fields{"room": cfg.Room, "kind": cfg.Kind}),
		inbox:   make(chan inboxMsg, inboxSize),
		events:  make(chan Event, eventsSize),
		stop:    make(chan struct{}),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start acquires local media, prepares the peer connection and joins the
// room. A media failure is returned wrapped in ErrMediaAcquisition and
// leaves nothing running.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.cleaned:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.starting:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.starting = true
	s.mu.Unlock()

	local, err := s.deps.Media.Acquire(ctx, s.cfg.Kind)
	if err != nil {
		s.logger.WithError(err).Warn("failed to acquire local media")
		return fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
	}

	conn, err := s.deps.NewConn()
	if err != nil {
		local.Stop()
		return fmt.Errorf("create peer connection: %w", err)
	}

	// Callbacks go in before any negotiation so no early candidate is lost.
	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		s.post(inboxMsg{kind: inboxCandidate, candidate: c})
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(inboxMsg{kind: inboxState, state: state})
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.post(inboxMsg{kind: inboxTrack, track: track})
	})

	for _, track := range local.Tracks() {
		sender, err := conn.AddTrack(track)
		if err != nil {
			s.abort(conn, local)
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		if sender != nil {
			go drainRTCP(sender)
		}
	}

	signals, unsubscribe := s.deps.Signaler.Subscribe(
		models.EventUserJoined,
		models.EventOffer,
		models.EventAnswer,
		models.EventICECandidate,
		models.EventCallEnded,
	)

	s.mu.Lock()
	if s.cleaned {
		// Cleanup ran while media was being acquired.
		s.mu.Unlock()
		unsubscribe()
		s.abort(conn, local)
		return ErrSessionClosed
	}
	s.started = true
	s.local = local
	local.SetAudioEnabled(!s.muted.Load())
	s.mu.Unlock()

	s.conn = conn
	s.remote = media.NewRemoteStream(s.cfg.Room, s.cfg.RecordDir, s.logger)
	s.publish()

	go s.run(signals, unsubscribe)

	if err := s.deps.Signaler.Send(models.EventJoinCall, s.cfg.Room); err != nil {
		s.logger.WithError(err).Warn("failed to send join-call")
	}
	s.logger.Info("session started")
	return nil
}

// Cleanup tears the session down: it tells the peer the call ended, closes
// the peer connection, stops local media and clears the published streams.
// It is safe to call at any time and more than once.
func (s *Session) Cleanup() {
	s.mu.Lock()
	s.cleaned = true
	started := s.started
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	if started {
		<-s.done
		return
	}

	s.closingOnce.Do(func() { close(s.closing) })
	if s.setState(StateClosed, nil) {
		s.logger.Debug("session closed before start")
	}
}

// SetMuted enables or silences the local audio track. It takes effect in
// any phase, including before media is acquired.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted.Store(muted)
	if s.local != nil {
		s.local.SetAudioEnabled(!muted)
	}
}

// Events delivers connection state changes. The last event of a session has
// State closed.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed once a started session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) run(signals <-chan models.Envelope, unsubscribe func()) {
	defer close(s.done)
	defer unsubscribe()

	timeout := time.NewTimer(s.cfg.NegotiationTimeout)
	defer timeout.Stop()
	timeoutC := timeout.C

	for {
		select {
		case <-s.stop:
			s.teardown(false)
			return

		case env := <-signals:
			if env.Event == models.EventCallEnded {
				s.logger.Info("peer ended the call")
				s.teardown(true)
				return
			}
			s.handleSignal(env)

		case msg := <-s.inbox:
			s.handleLocal(msg)

		case <-timeoutC:
			timeoutC = nil
			if s.State() != StateConnected {
				s.fail(ErrNegotiationTimeout)
			}
		}

		if timeoutC != nil && s.State() == StateConnected {
			timeout.Stop()
			timeoutC = nil
		}
	}
}

func (s *Session) handleSignal(env models.Envelope) {
	if s.State() == StateFailed {
		s.logger.WithField("event", env.Event).Debug("session failed, ignoring signal")
		return
	}

	switch env.Event {
	case models.EventUserJoined:
		s.onPeerJoined()
	case models.EventOffer:
		if desc, ok := s.decodeDescription(env, webrtc.SDPTypeOffer); ok {
			s.onOffer(desc)
		}
	case models.EventAnswer:
		if desc, ok := s.decodeDescription(env, webrtc.SDPTypeAnswer); ok {
			s.onAnswer(desc)
		}
	case models.EventICECandidate:
		s.onRemoteCandidate(env)
	}
}

// onPeerJoined makes this end the initiator: it was in the room first.
func (s *Session) onPeerJoined() {
	if role := s.Role(); role != RoleUndecided {
		s.logger.WithField("role", role).Debug("peer joined after role was decided, ignoring")
		return
	}
	s.setRole(RoleInitiator)

	offer, err := s.conn.CreateOffer(nil)
	if err != nil {
		s.fail(fmt.Errorf("%w: create offer: %w", ErrNegotiation, err))
		return
	}
	if err := s.conn.SetLocalDescription(offer); err != nil {
		s.fail(fmt.Errorf("%w: set local offer: %w", ErrNegotiation, err))
		return
	}
	s.sendDescription(models.EventOffer, offer)
}

func (s *Session) onOffer(offer webrtc.SessionDescription) {
	switch {
	case s.Role() == RoleInitiator:
		s.fail(fmt.Errorf("%w: offer received by initiator", ErrNegotiation))
		return
	case s.remoteSet:
		s.fail(fmt.Errorf("%w: second offer received", ErrNegotiation))
		return
	}
	s.setRole(RoleAnswerer)

	if !s.applyRemoteDescription(offer) {
		return
	}

	answer, err := s.conn.CreateAnswer(nil)
	if err != nil {
		s.fail(fmt.Errorf("%w: create answer: %w", ErrNegotiation, err))
		return
	}
	if err := s.conn.SetLocalDescription(answer); err != nil {
		s.fail(fmt.Errorf("%w: set local answer: %w", ErrNegotiation, err))
		return
	}
	s.sendDescription(models.EventAnswer, answer)
}

func (s *Session) onAnswer(answer webrtc.SessionDescription) {
	if s.Role() != RoleInitiator || s.remoteSet {
		s.fail(fmt.Errorf("%w: unexpected answer", ErrNegotiation))
		return
	}
	s.applyRemoteDescription(answer)
}

// applyRemoteDescription sets the remote description and then applies the
// queued candidates in arrival order.
func (s *Session) applyRemoteDescription(desc webrtc.SessionDescription) bool {
	if err := s.conn.SetRemoteDescription(desc); err != nil {
		s.fail(fmt.Errorf("%w: set remote %s: %w", ErrNegotiation, desc.Type, err))
		return false
	}
	s.remoteSet = true

	pending := s.queue.drain()
	for _, c := range pending {
		if !s.addCandidate(c) {
			return false
		}
	}
	if len(pending) > 0 {
		s.logger.WithField("count", len(pending)).Debug("applied queued candidates")
	}
	return true
}

func (s *Session) onRemoteCandidate(env models.Envelope) {
	msg, err := models.Decode[models.ICECandidate](env)
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrNegotiation, err))
		return
	}
	if msg.RoomIdentifier != s.cfg.Room {
		s.logger.WithField("other_room", msg.RoomIdentifier).Debug("ignoring candidate for another room")
		return
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Candidate, &candidate); err != nil {
		s.fail(fmt.Errorf("%w: malformed candidate: %w", ErrNegotiation, err))
		return
	}

	if s.queue.add(candidate) {
		s.logger.WithField("pending", s.queue.len()).Debug("queued remote candidate")
		return
	}
	s.addCandidate(candidate)
}

func (s *Session) addCandidate(c webrtc.ICECandidateInit) bool {
	if err := s.conn.AddICECandidate(c); err != nil {
		s.fail(fmt.Errorf("%w: add candidate: %w", ErrNegotiation, err))
		return false
	}
	return true
}

func (s *Session) decodeDescription(env models.Envelope, want webrtc.SDPType) (webrtc.SessionDescription, bool) {
	msg, err := models.Decode[models.SessionDescription](env)
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrNegotiation, err))
		return webrtc.SessionDescription{}, false
	}
	if msg.RoomIdentifier != s.cfg.Room {
		s.logger.WithField("other_room", msg.RoomIdentifier).Debug("ignoring description for another room")
		return webrtc.SessionDescription{}, false
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(msg.SessionDescription, &desc); err != nil {
		s.fail(fmt.Errorf("%w: malformed %s: %w", ErrNegotiation, env.Event, err))
		return webrtc.SessionDescription{}, false
	}
	if desc.Type != want || desc.SDP == "" {
		s.fail(fmt.Errorf("%w: expected %s, got %s", ErrNegotiation, want, desc.Type))
		return webrtc.SessionDescription{}, false
	}
	return desc, true
}

func (s *Session) sendDescription(event models.Event, desc webrtc.SessionDescription) {
	data, err := json.Marshal(desc)
	if err != nil {
		s.fail(fmt.Errorf("%w: encode %s: %w", ErrNegotiation, event, err))
		return
	}

	payload := models.SessionDescription{RoomIdentifier: s.cfg.Room, SessionDescription: data}
	if err := s.deps.Signaler.Send(event, payload); err != nil {
		s.logger.WithError(err).WithField("event", event).Warn("failed to send description")
		return
	}
	s.logger.WithField("event", event).Debug("sent description")
}

func (s *Session) handleLocal(msg inboxMsg) {
	switch msg.kind {
	case inboxCandidate:
		if msg.candidate == nil {
			s.logger.Debug("candidate gathering complete")
			return
		}
		data, err := json.Marshal(msg.candidate.ToJSON())
		if err != nil {
			s.logger.WithError(err).Warn("failed to encode local candidate")
			return
		}
		payload := models.ICECandidate{RoomIdentifier: s.cfg.Room, Candidate: data}
		if err := s.deps.Signaler.Send(models.EventICECandidate, payload); err != nil {
			s.logger.WithError(err).Warn("failed to send candidate")
		}

	case inboxState:
		state := stateFromPion(msg.state)
		s.logger.WithField("state", state).Info("connection state changed")
		switch {
		case state == StateFailed:
			s.setState(StateFailed, ErrConnectionFailed)
		case s.State() == StateFailed:
			// Failure is sticky until cleanup.
		default:
			s.setState(state, nil)
		}

	case inboxTrack:
		s.remote.AddTrack(msg.track)
		s.publish()
	}
}

func (s *Session) teardown(remoteEnded bool) {
	s.closingOnce.Do(func() { close(s.closing) })

	if !remoteEnded {
		if err := s.deps.Signaler.Send(models.EventEndCall, s.cfg.Room); err != nil {
			s.logger.WithError(err).Warn("failed to send end-call")
		}
	}

	if err := s.conn.Close(); err != nil {
		s.logger.WithError(err).Warn("failed to close peer connection")
	}
	s.local.Stop()
	s.remote.Close()
	s.deps.Streams.Publish(streams.Pair{})

	s.queue = candidateQueue{}
	s.remoteSet = false

	s.mu.Lock()
	role := s.role
	s.role = RoleUndecided
	s.state = StateClosed
	s.mu.Unlock()

	s.emit(Event{State: StateClosed, Role: role, RemoteEnded: remoteEnded})
	s.logger.WithField("remote", remoteEnded).Info("session closed")
}

// abort releases what a failed Start acquired.
func (s *Session) abort(conn Conn, local *media.LocalStream) {
	s.closingOnce.Do(func() { close(s.closing) })
	if err := conn.Close(); err != nil {
		s.logger.WithError(err).Debug("failed to close peer connection")
	}
	local.Stop()
}

func (s *Session) fail(err error) {
	s.logger.WithError(err).Warn("session failed")
	s.setState(StateFailed, err)
}

func (s *Session) setRole(role Role) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
	s.logger.WithField("role", role).Info("negotiation role decided")
}

// setState records a new state and emits it. It reports whether the state
// changed.
func (s *Session) setState(state ConnectionState, err error) bool {
	s.mu.Lock()
	if s.state == state && err == nil {
		s.mu.Unlock()
		return false
	}
	s.state = state
	role := s.role
	s.mu.Unlock()

	s.emit(Event{State: state, Role: role, Err: err})
	return true
}

// emit never blocks: when the consumer lags, the oldest event is dropped.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}

	select {
	case <-s.events:
		s.logger.Warn("event consumer lagging, dropped oldest event")
	default:
	}
	select {
	case s.events <- ev:
	default:
	}
}

// post hands a callback to the session loop unless the session is closing.
func (s *Session) post(msg inboxMsg) {
	select {
	case s.inbox <- msg:
	case <-s.closing:
	}
}

func (s *Session) publish() {
	s.deps.Streams.Publish(streams.Pair{Local: s.local, Remote: s.remote})
}

// drainRTCP reads RTCP for a sender so its interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
