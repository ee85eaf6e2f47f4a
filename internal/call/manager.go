package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/peer"
	"github.com/sirupsen/logrus"
)

const (
	defaultRingTimeout = 45 * time.Second
	lookupTimeout      = 5 * time.Second
	callLogTimeout     = 10 * time.Second
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoCall         = errors.New("no call in progress")
	ErrInvalidState   = errors.New("operation not allowed in current call phase")
	ErrCallEnded      = errors.New("call ended while starting")
)

type Config struct {
	// Identity of this device.
	Identity string
	// How long an unanswered incoming call rings; zero uses 45s.
	RingTimeout time.Duration
}

type Deps struct {
	Signaler   peer.Signaler
	Directory  Directory
	CallLog    CallLog
	NewSession SessionFactory
}

type activeCall struct {
	info     CallSession
	session  PeerSession
	ringTime *time.Timer
	done     chan struct{}
}

// Manager tracks the single call a device may have and drives its peer
// session. All methods are safe for concurrent use.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *logrus.Entry
	now    func() time.Time

	mu       sync.Mutex
	call     *activeCall
	onChange func(CallSession)
}

func NewManager(cfg Config, deps Deps, logger *logrus.Entry) *Manager {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaultRingTimeout
	}
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: logger.WithField("identity", cfg.Identity),
		now:    time.Now,
	}
}

// OnChange registers a function called with a snapshot after every change.
// The final snapshot of a call has Phase ended.
func (m *Manager) OnChange(fn func(CallSession)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Snapshot returns the current call, if any.
func (m *Manager) Snapshot() (CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call == nil {
		return CallSession{}, false
	}
	return m.call.info, true
}

// Run handles incoming calls and relay errors until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	events, unsubscribe := m.deps.Signaler.Subscribe(models.EventIncomingCall, models.EventError)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-events:
			switch env.Event {
			case models.EventIncomingCall:
				m.handleIncoming(ctx, env)
			case models.EventError:
				m.handleRelayError(env)
			}
		}
	}
}

// Dial calls identity. The call moves to connecting as soon as the session
// has joined the room and the call request is sent; it does not wait for
// the callee to accept.
func (m *Manager) Dial(ctx context.Context, identity string, kind models.CallKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown call kind %q", ErrInvalidState, kind)
	}
	if identity == "" || identity == m.cfg.Identity {
		return fmt.Errorf("%w: invalid callee %q", ErrInvalidState, identity)
	}

	room := models.RoomIdentifier(m.cfg.Identity, identity)
	c := &activeCall{
		info: CallSession{
			Participant: models.Contact{Identity: identity, DisplayName: identity},
			Kind:        kind,
			Direction:   models.DirectionOutgoing,
			Room:        room,
			CreatedAt:   m.now(),
			Phase:       PhaseOutgoingRinging,
			Ringing:     true,
		},
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.call != nil {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	m.call = c
	m.mu.Unlock()

	logger := m.logger.WithFields(logrus.Fields{"room": room, "callee": identity})
	logger.Info("dialing")
	m.notify(c)

	contact := m.lookup(ctx, identity)
	m.update(c, func(info *CallSession) { info.Participant = contact })

	session := m.deps.NewSession(room, kind)
	if err := session.Start(ctx); err != nil {
		logger.WithError(err).Warn("failed to start call")
		m.end(c, models.OutcomeFailed, nil)
		return err
	}
	if !m.attach(c, session) {
		session.Cleanup()
		return ErrCallEnded
	}

	err := m.deps.Signaler.Send(models.EventCallRequest, models.CallRequest{
		CallerIdentity: m.cfg.Identity,
		CalleeIdentity: identity,
		RoomIdentifier: room,
		CallKind:       kind,
	})
	if err != nil {
		logger.WithError(err).Warn("failed to send call request")
		m.end(c, models.OutcomeFailed, nil)
		return fmt.Errorf("send call request: %w", err)
	}

	m.update(c, func(info *CallSession) {
		if info.Phase == PhaseOutgoingRinging {
			info.Phase = PhaseConnecting
		}
	})
	return nil
}

// Accept answers a ringing incoming call and starts its session.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	c := m.call
	if c == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	if c.info.Phase != PhaseIncomingRinging || c.info.Accepted {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot accept while %s", ErrInvalidState, c.info.Phase)
	}
	// The call keeps ringing until the session has started; attach moves
	// it to connecting.
	c.ringTime.Stop()
	c.info.Accepted = true
	room, kind := c.info.Room, c.info.Kind
	m.mu.Unlock()

	m.logger.WithField("room", room).Info("accepted call")

	session := m.deps.NewSession(room, kind)
	if err := session.Start(ctx); err != nil {
		m.logger.WithError(err).Warn("failed to start call")
		m.end(c, models.OutcomeFailed, nil)
		return err
	}
	if !m.attach(c, session) {
		session.Cleanup()
		return ErrCallEnded
	}
	return nil
}

// Decline rejects a ringing incoming call. The caller is told through the
// room so its session ends.
func (m *Manager) Decline() error {
	m.mu.Lock()
	c := m.call
	if c == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	if c.info.Phase != PhaseIncomingRinging {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot decline while %s", ErrInvalidState, c.info.Phase)
	}
	m.mu.Unlock()

	m.end(c, models.OutcomeDeclined, func(info CallSession) bool {
		return info.Phase == PhaseIncomingRinging
	})
	return nil
}

// Hangup ends the current call in any phase.
func (m *Manager) Hangup() error {
	m.mu.Lock()
	c := m.call
	if c == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	info := c.info
	m.mu.Unlock()

	if info.Phase == PhaseIncomingRinging {
		return m.Decline()
	}

	outcome := models.OutcomeCancelled
	if info.ConnectedAt != nil {
		outcome = models.OutcomeCompleted
	}
	m.end(c, outcome, nil)
	return nil
}

// SetMuted changes the mute flag; the session applies it to the local
// audio track without renegotiating.
func (m *Manager) SetMuted(muted bool) error {
	m.mu.Lock()
	c := m.call
	if c == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	c.info.Muted = muted
	session := c.session
	m.mu.Unlock()

	if session != nil {
		session.SetMuted(muted)
	}
	m.notify(c)
	return nil
}

// ToggleMute flips the mute flag and returns the new value.
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	c := m.call
	if c == nil {
		m.mu.Unlock()
		return false, ErrNoCall
	}
	muted := !c.info.Muted
	m.mu.Unlock()

	return muted, m.SetMuted(muted)
}

// Minimize hides an active call. The session keeps running.
func (m *Manager) Minimize() error {
	return m.setMinimized(true)
}

// Restore shows a minimized call again.
func (m *Manager) Restore() error {
	return m.setMinimized(false)
}

func (m *Manager) setMinimized(minimized bool) error {
	from, to := PhaseActive, PhaseMinimized
	if !minimized {
		from, to = PhaseMinimized, PhaseActive
	}

	m.mu.Lock()
	c := m.call
	if c == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	if c.info.Phase != from {
		phase := c.info.Phase
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot change visibility while %s", ErrInvalidState, phase)
	}
	c.info.Phase = to
	c.info.Minimized = minimized
	m.mu.Unlock()

	m.notify(c)
	return nil
}

func (m *Manager) handleIncoming(ctx context.Context, env models.Envelope) {
	incoming, err := models.Decode[models.IncomingCall](env)
	if err != nil || incoming.CallerIdentity == "" || incoming.RoomIdentifier == "" {
		m.logger.WithError(err).Warn("ignoring malformed incoming call")
		return
	}
	logger := m.logger.WithFields(logrus.Fields{"caller": incoming.CallerIdentity, "room": incoming.RoomIdentifier})

	if _, busy := m.Snapshot(); busy {
		logger.Info("busy, ignoring incoming call")
		return
	}

	kind := incoming.CallKind
	if !kind.Valid() {
		kind = models.CallKindAudio
	}
	contact := m.lookup(ctx, incoming.CallerIdentity)

	c := &activeCall{
		info: CallSession{
			Participant: contact,
			Kind:        kind,
			Direction:   models.DirectionIncoming,
			Room:        incoming.RoomIdentifier,
			CreatedAt:   m.now(),
			Phase:       PhaseIncomingRinging,
			Ringing:     true,
		},
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.call != nil {
		m.mu.Unlock()
		logger.Info("busy, ignoring incoming call")
		return
	}
	m.call = c
	c.ringTime = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.end(c, models.OutcomeMissed, func(info CallSession) bool {
			return info.Phase == PhaseIncomingRinging && !info.Accepted
		})
	})
	m.mu.Unlock()

	logger.Info("incoming call")
	m.notify(c)
}

// handleRelayError ends an outgoing call the relay could not deliver.
func (m *Manager) handleRelayError(env models.Envelope) {
	msg, err := models.Decode[models.ErrorMessage](env)
	if err != nil {
		m.logger.WithError(err).Warn("malformed relay error")
		return
	}
	m.logger.WithFields(logrus.Fields{"event": msg.Event, "message": msg.Message}).Warn("relay error")
	if msg.Event != models.EventCallRequest {
		return
	}

	m.mu.Lock()
	c := m.call
	m.mu.Unlock()
	if c == nil {
		return
	}
	m.end(c, models.OutcomeFailed, func(info CallSession) bool {
		return info.Direction == models.DirectionOutgoing && info.ConnectedAt == nil
	})
}

// attach binds a started session to c unless the call ended meanwhile. An
// accepted incoming call moves to connecting here.
func (m *Manager) attach(c *activeCall, session PeerSession) bool {
	m.mu.Lock()
	if m.call != c {
		m.mu.Unlock()
		return false
	}
	c.session = session
	accepted := c.info.Phase == PhaseIncomingRinging
	if accepted {
		c.info.Phase = PhaseConnecting
		c.info.Ringing = false
	}
	muted := c.info.Muted
	m.mu.Unlock()

	session.SetMuted(muted)
	if accepted {
		m.notify(c)
	}
	go m.watch(c, session)
	return true
}

// watch follows the session's connection state for the lifetime of c.
func (m *Manager) watch(c *activeCall, session PeerSession) {
	for {
		select {
		case <-c.done:
			return
		case ev := <-session.Events():
			m.handleSessionEvent(c, ev)
		}
	}
}

func (m *Manager) handleSessionEvent(c *activeCall, ev peer.Event) {
	logger := m.logger.WithFields(logrus.Fields{"state": ev.State, "role": ev.Role})

	switch {
	case ev.State == peer.StateConnected:
		m.update(c, func(info *CallSession) {
			info.Connection = ev.State
			if info.ConnectedAt == nil {
				now := m.now()
				info.ConnectedAt = &now
			}
			if info.Phase == PhaseConnecting || info.Phase == PhaseOutgoingRinging {
				info.Phase = PhaseActive
				info.Ringing = false
			}
		})
		logger.Info("call connected")

	case ev.State == peer.StateFailed:
		logger.WithError(ev.Err).Warn("call failed")
		m.end(c, models.OutcomeFailed, nil)

	case ev.State == peer.StateClosed && ev.RemoteEnded:
		logger.Info("peer hung up")
		m.mu.Lock()
		info := c.info
		m.mu.Unlock()

		outcome := models.OutcomeCompleted
		if info.ConnectedAt == nil {
			outcome = models.OutcomeDeclined
			if info.Direction == models.DirectionIncoming {
				outcome = models.OutcomeCancelled
			}
		}
		m.end(c, outcome, nil)

	case ev.State == peer.StateClosed:
		// Our own cleanup.

	default:
		m.update(c, func(info *CallSession) { info.Connection = ev.State })
	}
}

// end finishes c if it is still the current call and cond, evaluated under
// the lock, allows it. The session is cleaned up and the call logged.
func (m *Manager) end(c *activeCall, outcome models.CallOutcome, cond func(CallSession) bool) {
	m.mu.Lock()
	if m.call != c || (cond != nil && !cond(c.info)) {
		m.mu.Unlock()
		return
	}
	m.call = nil
	if c.ringTime != nil {
		c.ringTime.Stop()
	}
	close(c.done)

	c.info.Phase = PhaseEnded
	c.info.Ringing = false
	c.info.Outcome = outcome
	info := c.info
	session := c.session
	m.mu.Unlock()

	logger := m.logger.WithFields(logrus.Fields{"room": info.Room, "outcome": outcome})
	if session != nil {
		session.Cleanup()
	} else if outcome == models.OutcomeDeclined {
		// Never joined the room; the relay still forwards to its members.
		if err := m.deps.Signaler.Send(models.EventEndCall, info.Room); err != nil {
			logger.WithError(err).Warn("failed to send decline")
		}
	}
	logger.Info("call ended")

	m.notify(c)
	m.record(info)
}

func (m *Manager) record(info CallSession) {
	if m.deps.CallLog == nil {
		return
	}

	record := models.CallRecord{
		Kind:        info.Kind,
		Direction:   info.Direction,
		Room:        info.Room,
		StartedAt:   info.CreatedAt,
		ConnectedAt: info.ConnectedAt,
		EndedAt:     m.now(),
		Outcome:     info.Outcome,
	}
	if info.Direction == models.DirectionOutgoing {
		record.Caller, record.Callee = m.cfg.Identity, info.Participant.Identity
	} else {
		record.Caller, record.Callee = info.Participant.Identity, m.cfg.Identity
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callLogTimeout)
		defer cancel()
		if err := m.deps.CallLog.Append(ctx, record); err != nil {
			m.logger.WithError(err).Warn("failed to record call")
		}
	}()
}

func (m *Manager) lookup(ctx context.Context, identity string) models.Contact {
	fallback := models.Contact{Identity: identity, DisplayName: identity}
	if m.deps.Directory == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	contact, err := m.deps.Directory.Lookup(ctx, identity)
	if err != nil {
		m.logger.WithError(err).WithField("contact", identity).Debug("directory lookup failed")
		return fallback
	}
	return contact
}

// update mutates c under the lock and notifies if c is still current.
func (m *Manager) update(c *activeCall, fn func(*CallSession)) {
	m.mu.Lock()
	if m.call != c {
		m.mu.Unlock()
		return
	}
	fn(&c.info)
	m.mu.Unlock()
	m.notify(c)
}

func (m *Manager) notify(c *activeCall) {
	m.mu.Lock()
	fn := m.onChange
	info := c.info
	m.mu.Unlock()

	if fn != nil {
		fn(info)
	}
}
