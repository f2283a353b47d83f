package noise

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// defaultWatermark bounds the transport's upstream delivery buffer. Once
// this many decrypted payloads are queued without being drained by Read,
// the transport stops pulling further bytes off the socket (state
// transitions to Blocked) until the consumer catches up.
const defaultWatermark = 8

// NoiseTransport is a duplex framed channel: it performs the BOLT #8
// handshake once, then encrypts/decrypts a stream of length-prefixed
// messages with per-direction CipherStates that rotate every
// keyRotationInterval AEAD operations. It exclusively owns its two
// CipherStates and the underlying stream for the connection's lifetime.
type NoiseTransport struct {
	id   uuid.UUID
	conn io.ReadWriteCloser

	send *CipherState
	recv *CipherState

	// remoteStatic is known a priori for an initiator and learned during
	// the handshake for a responder.
	remoteStatic *PublicKey

	writeMu sync.Mutex

	// frameMu guards everything below: the read-side state machine runs on
	// a single goroutine, but Close may be called from any goroutine.
	frameMu    sync.Mutex
	buf        []byte
	state      ReadState
	pendingLen *uint16

	messages chan []byte
	watermark int

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	log zerologLogger
}

// ReadState is the transport's inbound framing state, per spec.md §3/§4.2.
type ReadState int

const (
	StatePending ReadState = iota
	StateAwaitingHandshakeReply
	StateReadyForLen
	StateReadyForBody
	StateBlocked
)

func (s ReadState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAwaitingHandshakeReply:
		return "awaiting_handshake_reply"
	case StateReadyForLen:
		return "ready_for_len"
	case StateReadyForBody:
		return "ready_for_body"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// zerologLogger is the narrow slice of zerolog.Logger this package needs,
// so tests can swap in a no-op without pulling in zerolog's test harness.
type zerologLogger interface {
	Debugf(conn string, format string, args ...any)
	Errorf(conn string, format string, args ...any)
}

type defaultLogger struct{}

func (defaultLogger) Debugf(conn, format string, args ...any) {
	log.Debug().Str("conn_id", conn).Msg(fmt.Sprintf(format, args...))
}

func (defaultLogger) Errorf(conn, format string, args ...any) {
	log.Error().Str("conn_id", conn).Msg(fmt.Sprintf(format, args...))
}

// ConnectInitiator drives the initiator side of the handshake over stream
// (acts 1 and 3, awaiting act 2), then starts the transport's read loop.
// It returns once the read state has reached ReadyForLen.
func ConnectInitiator(stream io.ReadWriteCloser, localStatic *PrivateKey, remoteStatic *PublicKey) (*NoiseTransport, error) {
	machine := NewInitiator(localStatic, remoteStatic)
	send, recv, err := machine.Run(stream)
	if err != nil {
		return nil, err
	}
	t := newTransport(stream, send, recv, remoteStatic)
	t.log.Debugf(t.id.String(), "[NoiseTransport] handshake complete (initiator)")
	t.start()
	return t, nil
}

// AcceptResponder drives the responder side of the handshake over stream
// (awaits act 1, sends act 2, awaits act 3), then starts the transport's
// read loop. The remote's static key, learned during act 3, is available
// via RemoteStaticKey once this returns successfully.
func AcceptResponder(stream io.ReadWriteCloser, localStatic *PrivateKey) (*NoiseTransport, error) {
	machine := NewResponder(localStatic)
	send, recv, err := machine.Run(stream)
	if err != nil {
		return nil, err
	}
	t := newTransport(stream, send, recv, machine.RemoteStaticKey())
	t.log.Debugf(t.id.String(), "[NoiseTransport] handshake complete (responder)")
	t.start()
	return t, nil
}

func newTransport(stream io.ReadWriteCloser, send, recv *CipherState, remoteStatic *PublicKey) *NoiseTransport {
	return &NoiseTransport{
		id:           uuid.New(),
		conn:         stream,
		send:         send,
		recv:         recv,
		remoteStatic: remoteStatic,
		state:        StateReadyForLen,
		messages:     make(chan []byte, defaultWatermark),
		watermark:    defaultWatermark,
		closed:       make(chan struct{}),
		log:          defaultLogger{},
	}
}

// RemoteStaticKey returns the remote peer's static public key.
func (t *NoiseTransport) RemoteStaticKey() *PublicKey { return t.remoteStatic }

// ID returns this transport's connection identifier, used to correlate log
// lines before the application-layer peer identity is known.
func (t *NoiseTransport) ID() uuid.UUID { return t.id }

func (t *NoiseTransport) start() {
	go t.readLoop()
}

// readLoop is the transport's single reader goroutine: it is the only
// writer of frameMu-guarded state, so the framing state machine never
// needs a second lock for the read path.
func (t *NoiseTransport) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			if ferr := t.feed(buf[:n]); ferr != nil {
				t.fail(ferr)
				return
			}
		}
		if err != nil {
			t.fail(err)
			return
		}
	}
}

// feed appends newly read bytes to the FrameBuffer and advances the
// framing state machine as far as the buffered bytes allow. It never
// re-decrypts bytes it has already consumed: on a short read, it returns
// immediately and waits for more bytes on the next call.
func (t *NoiseTransport) feed(data []byte) error {
	t.frameMu.Lock()
	t.buf = append(t.buf, data...)

	for {
		switch t.state {
		case StateReadyForLen:
			if len(t.buf) < lengthFrameSize {
				t.frameMu.Unlock()
				return nil
			}
			lenCipher := t.buf[:lengthFrameSize]
			t.buf = t.buf[lengthFrameSize:]

			plain, err := t.recv.decrypt(nil, lenCipher)
			if err != nil {
				t.frameMu.Unlock()
				return newError(ErrKindFrameAeadTag, err)
			}
			n := binary.BigEndian.Uint16(plain)
			t.pendingLen = &n
			t.state = StateReadyForBody

		case StateReadyForBody:
			need := int(*t.pendingLen) + aeadTagSize
			if len(t.buf) < need {
				t.frameMu.Unlock()
				return nil
			}
			payloadCipher := t.buf[:need]
			t.buf = t.buf[need:]
			t.pendingLen = nil

			plain, err := t.recv.decrypt(nil, payloadCipher)
			if err != nil {
				t.frameMu.Unlock()
				return newError(ErrKindFrameAeadTag, err)
			}

			if !t.deliverLocked(plain) {
				// Transport closed while waiting for the consumer to
				// drain; frameMu is held again, nothing left to do.
				t.frameMu.Unlock()
				return nil
			}
			t.state = StateReadyForLen

		case StateBlocked:
			// Unreachable: deliverLocked never leaves the state machine
			// parked in Blocked between feed calls.
			t.frameMu.Unlock()
			return nil

		default:
			t.frameMu.Unlock()
			return nil
		}
	}
}

// deliverLocked pushes a decoded payload to the consumer, observing
// backpressure: if the upstream buffer is full it marks the state Blocked,
// releases frameMu so Close/Read can still proceed, blocks until the
// consumer drains a slot, then re-acquires frameMu and resumes.
func (t *NoiseTransport) deliverLocked(payload []byte) bool {
	select {
	case t.messages <- payload:
		return true
	default:
	}

	t.state = StateBlocked
	t.frameMu.Unlock()

	select {
	case t.messages <- payload:
	case <-t.closed:
		t.frameMu.Lock()
		return false
	}

	t.frameMu.Lock()
	return true
}

// Read yields one decrypted payload, blocking until a full frame has been
// received or the transport is closed.
func (t *NoiseTransport) Read() ([]byte, error) {
	select {
	case payload, ok := <-t.messages:
		if !ok {
			return nil, t.closeErrOrDefault()
		}
		return payload, nil
	case <-t.closed:
		// Drain any payload that raced with close before giving up.
		select {
		case payload := <-t.messages:
			return payload, nil
		default:
		}
		return nil, t.closeErrOrDefault()
	}
}

func (t *NoiseTransport) closeErrOrDefault() error {
	if t.closeErr != nil {
		return t.closeErr
	}
	return ErrTransportClosed
}

// Write encrypts payload as one frame (two AEAD operations under a single
// lock, so no other write can interleave between the length and body
// operations) and writes it to the stream in a single call.
func (t *NoiseTransport) Write(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		err := newError(ErrKindPayloadTooLarge, ErrPayloadTooLarge)
		t.fail(err)
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))

	lenCipher, err := t.send.encrypt(nil, lenBuf[:])
	if err != nil {
		return newError(ErrKindFrameAeadTag, err)
	}
	payloadCipher, err := t.send.encrypt(nil, payload)
	if err != nil {
		return newError(ErrKindFrameAeadTag, err)
	}

	frame := make([]byte, 0, len(lenCipher)+len(payloadCipher))
	frame = append(frame, lenCipher...)
	frame = append(frame, payloadCipher...)

	if _, err := t.conn.Write(frame); err != nil {
		return err
	}
	return nil
}

// fail tears the transport down after an unrecoverable error: AEAD tag
// failures, stream errors and oversized writes all land here.
func (t *NoiseTransport) fail(err error) {
	t.log.Errorf(t.id.String(), "[NoiseTransport] fatal: %v", err)
	t.closeWithErr(err)
}

// End closes the underlying stream and tears down the transport, matching
// the spec's end() operation.
func (t *NoiseTransport) End() error {
	return t.closeWithErr(nil)
}

// Close is an alias for End, satisfying io.Closer.
func (t *NoiseTransport) Close() error { return t.End() }

func (t *NoiseTransport) closeWithErr(err error) error {
	var closeErr error
	t.closeOnce.Do(func() {
		t.closeErr = err
		close(t.closed)
		closeErr = t.conn.Close()

		t.frameMu.Lock()
		t.send.wipe()
		t.recv.wipe()
		t.frameMu.Unlock()
	})
	return closeErr
}

// Done returns a channel closed once the transport has torn down, so a
// session loop can select on it alongside its own timers.
func (t *NoiseTransport) Done() <-chan struct{} { return t.closed }
