package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/noisepeer/noise"
)

// PeerState is the session's lifecycle state, per spec.md §4.3.
type PeerState int

const (
	StatePending PeerState = iota
	StateAwaitingPeerInit
	StateReady
	StateDisconnecting
	StateDisconnected
)

func (s PeerState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAwaitingPeerInit:
		return "awaiting_peer_init"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Dialer reconnects an initiator-side session to the same remote static
// key, producing a fresh transport each call.
type Dialer func() (*noise.NoiseTransport, error)

// Config controls a PeerSession's liveness and reconnect behavior.
type Config struct {
	// InitGlobalFeatures and InitLocalFeatures are the feature bitmask pair
	// advertised in this session's init message.
	InitGlobalFeatures []byte
	InitLocalFeatures  []byte

	// PingPolicy governs liveness probing; NewDefaultPingPolicy is used
	// when nil.
	PingPolicy PingPolicy

	// ReconnectTimeoutMs is the delay before an initiator redials after an
	// unsolicited close. Zero disables reconnect.
	ReconnectTimeoutMs int64
}

// Signal is one of the events PeerSession emits on its Signals channel.
type Signal struct {
	Kind    SignalKind
	Payload []byte
	Err     error
}

type SignalKind int

const (
	SignalReady SignalKind = iota
	SignalMessage
	SignalSending
	SignalErrorKind
	SignalClose
)

// PeerSession is the lifecycle state machine layered over a NoiseTransport:
// it exchanges init messages, answers pings, tracks outstanding pings, and
// reconnects an initiator-side session after an unsolicited close.
type PeerSession struct {
	mu        sync.Mutex
	state     PeerState
	transport *noise.NoiseTransport

	isInitiator bool
	dial        Dialer

	cfg    Config
	policy PingPolicy

	remoteInit *InitMessage

	pingOutstanding bool
	pingSentAt      time.Time
	pingWant        uint16

	stopCh    chan struct{}
	waitGroup sync.WaitGroup

	signals chan Signal

	disconnectOnce sync.Once
}

// NewResponderSession wraps an already-accepted transport as a
// non-reconnecting responder-side session.
func NewResponderSession(t *noise.NoiseTransport, cfg Config) *PeerSession {
	return newSession(t, false, nil, cfg)
}

// NewInitiatorSession wraps an already-connected transport as a
// reconnecting initiator-side session. dial is invoked to establish a
// fresh transport on every reconnect attempt.
func NewInitiatorSession(t *noise.NoiseTransport, dial Dialer, cfg Config) *PeerSession {
	return newSession(t, true, dial, cfg)
}

func newSession(t *noise.NoiseTransport, isInitiator bool, dial Dialer, cfg Config) *PeerSession {
	policy := cfg.PingPolicy
	if policy == nil {
		policy = NewDefaultPingPolicy(DefaultPingIntervalMs, 0)
	}
	s := &PeerSession{
		state:       StatePending,
		transport:   t,
		isInitiator: isInitiator,
		dial:        dial,
		cfg:         cfg,
		policy:      policy,
		stopCh:      make(chan struct{}),
		signals:     make(chan Signal, 16),
	}
	s.waitGroup.Add(1)
	go s.run()
	return s
}

// Signals returns the channel on which ready/message/sending/error/close
// events are emitted. The caller must drain it; it is closed once the
// session is permanently done (Disconnected with no reconnect pending).
func (s *PeerSession) Signals() <-chan Signal { return s.signals }

// State returns the session's current lifecycle state.
func (s *PeerSession) State() PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send hands payload to the current transport, failing if the session
// isn't Ready.
func (s *PeerSession) Send(payload []byte) error {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return newError(ErrKindStreamClosed, ErrStreamClosed)
	}
	t := s.transport
	s.mu.Unlock()

	s.emit(Signal{Kind: SignalSending, Payload: payload})
	return t.Write(payload)
}

// Disconnect is the cancellation operation: it immediately closes the
// underlying stream and suppresses any pending reconnect.
func (s *PeerSession) Disconnect() {
	s.disconnectOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDisconnecting
		t := s.transport
		s.mu.Unlock()

		close(s.stopCh)
		if t != nil {
			t.Close()
		}
	})
}

func (s *PeerSession) emit(sig Signal) {
	select {
	case s.signals <- sig:
	case <-s.stopCh:
	}
}

// run is the session's single control goroutine: it owns the connection to
// exactly one transport at a time, drives the init/ping/pong protocol over
// it, and on an unsolicited close either reconnects (initiator) or settles
// into Disconnected.
func (s *PeerSession) run() {
	defer s.waitGroup.Done()
	defer close(s.signals)

	for {
		disconnectRequested := s.runOnce()
		if disconnectRequested {
			return
		}

		if !s.isInitiator || s.cfg.ReconnectTimeoutMs == 0 {
			return
		}

		timeout := time.Duration(s.cfg.ReconnectTimeoutMs) * time.Millisecond
	redial:
		select {
		case <-time.After(timeout):
		case <-s.stopCh:
			return
		}

		t, err := s.dial()
		if err != nil {
			log.Error().Err(err).Msg("[PeerSession] reconnect attempt failed")
			goto redial
		}
		s.mu.Lock()
		s.transport = t
		s.state = StatePending
		s.remoteInit = nil
		s.pingOutstanding = false
		s.mu.Unlock()
	}
}

// runOnce drives one transport's lifetime end to end: Pending through
// Ready through whatever close ends it. It returns true if the session was
// explicitly disconnected (no reconnect should follow).
func (s *PeerSession) runOnce() bool {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if err := s.sendInit(t); err != nil {
		s.fail(t, ErrKindMalformedInit, err)
		return s.afterClose()
	}
	s.setState(StateAwaitingPeerInit)

	pingTicker := time.NewTicker(time.Duration(s.policy.Interval()) * time.Millisecond)
	defer pingTicker.Stop()

	timeoutMs := s.policy.Timeout()
	if timeoutMs <= 0 {
		timeoutMs = s.policy.Interval()
	}
	pingTimeout := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	pingTimeout.Stop()
	defer pingTimeout.Stop()

	readCh := make(chan readResult, 1)
	go s.readPump(t, readCh)

	for {
		select {
		case <-s.stopCh:
			return s.afterClose()

		case <-t.Done():
			return s.afterClose()

		case res := <-readCh:
			if res.err != nil {
				// Read only fails once the transport has closed: the same
				// unsolicited close as the t.Done() case above.
				return s.afterClose()
			}
			if !s.handleFrame(t, res.payload) {
				return s.afterClose()
			}
			s.mu.Lock()
			stillOutstanding := s.pingOutstanding
			s.mu.Unlock()
			if !stillOutstanding {
				stopTimer(pingTimeout)
			}
			go s.readPump(t, readCh)

		case <-pingTicker.C:
			armed, ok := s.handlePingTick(t)
			if !ok {
				return s.afterClose()
			}
			if armed {
				stopTimer(pingTimeout)
				pingTimeout.Reset(time.Duration(timeoutMs) * time.Millisecond)
			}

		case <-pingTimeout.C:
			s.fail(t, ErrKindPingTimeout, ErrPingTimeout)
			return s.afterClose()
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

type readResult struct {
	payload []byte
	err     error
}

func (s *PeerSession) readPump(t *noise.NoiseTransport, out chan<- readResult) {
	payload, err := t.Read()
	out <- readResult{payload: payload, err: err}
}

func (s *PeerSession) sendInit(t *noise.NoiseTransport) error {
	msg := InitMessage{GlobalFeatures: s.cfg.InitGlobalFeatures, LocalFeatures: s.cfg.InitLocalFeatures}
	return t.Write(msg.Encode())
}

// handleFrame classifies one decrypted inbound payload according to the
// session's current state and the frame's BOLT #1 type. It returns false
// if the session should tear down as a result.
func (s *PeerSession) handleFrame(t *noise.NoiseTransport, payload []byte) bool {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateAwaitingPeerInit {
		init, err := DecodeInit(payload)
		if err != nil {
			if errors.Is(err, ErrNotInit) {
				s.fail(t, ErrKindUnexpectedMessage, err)
				return false
			}
			s.fail(t, ErrKindMalformedInit, err)
			return false
		}
		if bad, ok := firstFatalFeatureBit(init.GlobalFeatures, init.LocalFeatures); !ok {
			s.fail(t, ErrKindUnknownRequiredFeature, unknownFeatureErr(bad))
			return false
		}
		s.mu.Lock()
		s.remoteInit = &init
		s.state = StateReady
		s.mu.Unlock()
		s.emit(Signal{Kind: SignalReady})
		return true
	}

	typ, err := frameType(payload)
	if err != nil {
		s.fail(t, ErrKindMalformedInit, err)
		return false
	}

	switch typ {
	case TypePing:
		ping, err := DecodePing(payload)
		if err != nil {
			s.fail(t, ErrKindMalformedInit, err)
			return false
		}
		if ping.NumPongBytes >= PongDeclineThreshold {
			return true
		}
		pong := PongMessage{Ignored: zeroBytes(ping.NumPongBytes)}
		if err := t.Write(pong.Encode()); err != nil {
			s.fail(t, ErrKindStreamClosed, err)
			return false
		}
		return true

	case TypePong:
		pong, err := DecodePong(payload)
		if err != nil {
			s.fail(t, ErrKindMalformedInit, err)
			return false
		}
		s.mu.Lock()
		outstanding := s.pingOutstanding
		want := s.pingWant
		sentAt := s.pingSentAt
		s.mu.Unlock()

		if !outstanding {
			s.fail(t, ErrKindPongUnsolicited, ErrPongUnsolicited)
			return false
		}
		if uint16(len(pong.Ignored)) != want {
			s.fail(t, ErrKindPongSizeMismatch, ErrPongSizeMismatch)
			return false
		}
		s.mu.Lock()
		s.pingOutstanding = false
		s.mu.Unlock()
		s.policy.OnPong(time.Since(sentAt).Milliseconds())
		return true

	default:
		s.emit(Signal{Kind: SignalMessage, Payload: payload})
		return true
	}
}

// handlePingTick fires on the liveness timer. A previous ping still being
// outstanding is not itself fatal here — the ping-timeout timer owns that
// decision — this only sends the next probe when the channel is free. It
// returns (armed, ok): armed is true if a fresh outstanding ping was just
// armed (so the caller should (re)start the timeout timer), ok is false if
// the write failed.
func (s *PeerSession) handlePingTick(t *noise.NoiseTransport) (armed, ok bool) {
	s.mu.Lock()
	state := s.state
	outstanding := s.pingOutstanding
	s.mu.Unlock()

	if state != StateReady || outstanding {
		return false, true
	}

	ping := s.policy.NextPing()
	if err := t.Write(ping.Encode()); err != nil {
		s.fail(t, ErrKindStreamClosed, err)
		return false, false
	}
	if ping.NumPongBytes >= PongDeclineThreshold {
		return false, true
	}

	s.mu.Lock()
	s.pingOutstanding = true
	s.pingWant = ping.NumPongBytes
	s.pingSentAt = time.Now()
	s.mu.Unlock()
	return true, true
}

func (s *PeerSession) fail(t *noise.NoiseTransport, kind ErrorKind, err error) {
	log.Error().Str("kind", kind.String()).Err(err).Msg("[PeerSession] fatal")
	s.emit(Signal{Kind: SignalErrorKind, Err: newError(kind, err)})
	s.mu.Lock()
	s.state = StateDisconnecting
	s.mu.Unlock()
	t.Close()
}

// afterClose settles the state machine once a transport's lifetime has
// ended and emits close. It reports whether reconnect must be suppressed:
// true if the session was already in Disconnecting (an explicit
// disconnect() or a fatal session error), per spec.md §4.3's "Disconnecting
// -> close -> no reconnect" row.
func (s *PeerSession) afterClose() bool {
	s.mu.Lock()
	wasDisconnecting := s.state == StateDisconnecting
	s.state = StateDisconnected
	s.mu.Unlock()

	s.emit(Signal{Kind: SignalClose})
	return wasDisconnecting
}

func (s *PeerSession) setState(st PeerState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Wait blocks until the session's control goroutine has fully exited
// (no further reconnects pending).
func (s *PeerSession) Wait() { s.waitGroup.Wait() }
