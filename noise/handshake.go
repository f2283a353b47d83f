package noise

import (
	"crypto/sha256"
	"errors"
	"io"
)

// Role identifies which side of the Noise_XK handshake a HandshakeMachine
// plays. The initiator knows the responder's static public key before
// connecting; the responder learns the initiator's static key during act 3.
type Role int

const (
	Initiator Role = iota
	Responder
)

// HandshakeMachine drives the BOLT #8 Noise_XK handshake (acts 1/2/3) to
// completion and yields the two resulting CipherStates. It is created per
// connection and consumed by a single call to Run; it must not be reused.
type HandshakeMachine struct {
	role Role

	h  [32]byte
	ck [32]byte

	localStatic    *PrivateKey
	localStaticPub *PublicKey

	localEphemeral    *PrivateKey
	localEphemeralPub *PublicKey

	remoteStatic    *PublicKey
	remoteEphemeral *PublicKey
}

// NewInitiator creates a HandshakeMachine for the connecting side, which
// must already know the responder's static public key.
func NewInitiator(localStatic *PrivateKey, remoteStatic *PublicKey) *HandshakeMachine {
	m := &HandshakeMachine{
		role:           Initiator,
		localStatic:    localStatic,
		localStaticPub: localStatic.PubKey(),
		remoteStatic:   remoteStatic,
	}
	m.init(remoteStatic)
	return m
}

// NewResponder creates a HandshakeMachine for the accepting side. The
// remote static key is not yet known; it is learned during act 3.
func NewResponder(localStatic *PrivateKey) *HandshakeMachine {
	m := &HandshakeMachine{
		role:           Responder,
		localStatic:    localStatic,
		localStaticPub: localStatic.PubKey(),
	}
	m.init(m.localStaticPub)
	return m
}

// init sets h = SHA256(protocolName), ck = h, then mixes in the prologue
// and the responder's static public key — the pre-message of Noise_XK,
// performed identically by both roles since both know rs by the time act 1
// is processed.
func (m *HandshakeMachine) init(responderStatic *PublicKey) {
	m.h = sha256.Sum256([]byte(noiseProtocolName))
	m.ck = m.h
	m.mixHash([]byte(noisePrologue))
	m.mixHash(responderStatic.SerializeCompressed())
}

func (m *HandshakeMachine) mixHash(data []byte) {
	h := sha256.New()
	h.Write(m.h[:])
	h.Write(data)
	h.Sum(m.h[:0])
}

// mixKey replaces the chaining key and returns a fresh temporary key, per
// BOLT #8's `ck, temp_k = HKDF(ck, input)`.
func (m *HandshakeMachine) mixKey(input []byte) (tempK [32]byte, err error) {
	newCK, newTempK, err := hkdf2(m.ck[:], input)
	if err != nil {
		return tempK, err
	}
	m.ck = newCK
	return newTempK, nil
}

// RemoteStaticKey returns the remote party's static public key. For an
// initiator this is known immediately; for a responder it is only valid
// after Run has completed successfully.
func (m *HandshakeMachine) RemoteStaticKey() *PublicKey { return m.remoteStatic }

// Run drives the handshake to completion over stream, returning the send
// and recv CipherStates (send/recv are from the local role's perspective:
// already swapped for a responder). Any failure is fatal: the caller must
// not reuse stream for further I/O.
func (m *HandshakeMachine) Run(stream io.ReadWriter) (send, recv *CipherState, err error) {
	switch m.role {
	case Initiator:
		return m.runInitiator(stream)
	case Responder:
		return m.runResponder(stream)
	default:
		return nil, nil, errors.New("noise: invalid handshake role")
	}
}

func (m *HandshakeMachine) runInitiator(stream io.ReadWriter) (send, recv *CipherState, err error) {
	var genErr error
	m.localEphemeral, m.localEphemeralPub, genErr = GenerateKeyPair()
	if genErr != nil {
		return nil, nil, newError(ErrKindHandshakeAeadTag, genErr)
	}

	act1, err := m.genActOne()
	if err != nil {
		return nil, nil, err
	}
	if _, err := stream.Write(act1); err != nil {
		return nil, nil, err
	}

	act2, err := readExact(stream, act2Size)
	if err != nil {
		return nil, nil, err
	}
	actTwoState, err := m.recvActTwo(act2)
	if err != nil {
		return nil, nil, err
	}

	act3, sk, rk, err := m.genActThree(actTwoState)
	if err != nil {
		return nil, nil, err
	}
	if _, err := stream.Write(act3); err != nil {
		return nil, nil, err
	}

	// Initiator's perspective: sk is send, rk is recv.
	return sk, rk, nil
}

func (m *HandshakeMachine) runResponder(stream io.ReadWriter) (send, recv *CipherState, err error) {
	act1, err := readExact(stream, act1Size)
	if err != nil {
		return nil, nil, err
	}
	if err := m.recvActOne(act1); err != nil {
		return nil, nil, err
	}

	var genErr error
	m.localEphemeral, m.localEphemeralPub, genErr = GenerateKeyPair()
	if genErr != nil {
		return nil, nil, newError(ErrKindHandshakeAeadTag, genErr)
	}

	act2, actTwoState, err := m.genActTwo()
	if err != nil {
		return nil, nil, err
	}
	if _, err := stream.Write(act2); err != nil {
		return nil, nil, err
	}

	act3, err := readExact(stream, act3Size)
	if err != nil {
		return nil, nil, err
	}
	sk, rk, err := m.recvActThree(act3, actTwoState)
	if err != nil {
		return nil, nil, err
	}

	// Responder's perspective: sk (the initiator's send key) is recv, rk
	// (the initiator's recv key) is send — swapped relative to the initiator.
	return rk, sk, nil
}

// genActOne builds act 1: version(1) || e.pub(33) || tag(16).
func (m *HandshakeMachine) genActOne() (frame []byte, err error) {
	m.mixHash(m.localEphemeralPub.SerializeCompressed())

	ss := ecdh(m.localEphemeral, m.remoteStatic)
	tempK, err := m.mixKey(ss[:])
	if err != nil {
		return nil, err
	}

	cs := newCipherState(tempK, m.ck)
	tag, err := cs.encrypt(m.h[:], nil)
	if err != nil {
		return nil, err
	}
	m.mixHash(tag)

	frame = make([]byte, 0, act1Size)
	frame = append(frame, 0)
	frame = append(frame, m.localEphemeralPub.SerializeCompressed()...)
	frame = append(frame, tag...)
	return frame, nil
}

// recvActOne processes a received act 1 (responder side).
func (m *HandshakeMachine) recvActOne(frame []byte) error {
	if len(frame) != act1Size {
		return newError(ErrKindHandshakeShortRead, nil)
	}
	if frame[0] != 0 {
		return newError(ErrKindHandshakeVersion, nil)
	}
	rePub, err := ParsePublicKey(frame[1:34])
	if err != nil {
		return newError(ErrKindHandshakeAeadTag, err)
	}
	m.remoteEphemeral = rePub
	tag := frame[34:50]

	m.mixHash(rePub.SerializeCompressed())

	ss := ecdh(m.localStatic, rePub)
	tempK, err := m.mixKey(ss[:])
	if err != nil {
		return err
	}

	cs := newCipherState(tempK, m.ck)
	if _, err := cs.decrypt(m.h[:], tag); err != nil {
		return newError(ErrKindHandshakeAeadTag, err)
	}
	m.mixHash(tag)

	return nil
}

// genActTwo builds act 2: version(1) || e.pub(33) || tag(16) (responder
// side). The returned CipherState is temp_k2 at nonce 1 (it already
// encrypted this act's tag at nonce 0) and must be reused, not rebuilt, to
// encrypt act 3's static key under BOLT #8's continued nonce sequence.
func (m *HandshakeMachine) genActTwo() (frame []byte, actTwoState *CipherState, err error) {
	m.mixHash(m.localEphemeralPub.SerializeCompressed())

	ee := ecdh(m.localEphemeral, m.remoteEphemeral)
	tempK, err := m.mixKey(ee[:])
	if err != nil {
		return nil, nil, err
	}

	cs := newCipherState(tempK, m.ck)
	tag, err := cs.encrypt(m.h[:], nil)
	if err != nil {
		return nil, nil, err
	}
	m.mixHash(tag)

	frame = make([]byte, 0, act2Size)
	frame = append(frame, 0)
	frame = append(frame, m.localEphemeralPub.SerializeCompressed()...)
	frame = append(frame, tag...)
	return frame, cs, nil
}

// recvActTwo processes a received act 2 (initiator side). The returned
// CipherState is temp_k2 at nonce 1 (it already decrypted this act's tag at
// nonce 0) and must be reused, not rebuilt, to decrypt act 3's static key.
func (m *HandshakeMachine) recvActTwo(frame []byte) (actTwoState *CipherState, err error) {
	if len(frame) != act2Size {
		return nil, newError(ErrKindHandshakeShortRead, nil)
	}
	if frame[0] != 0 {
		return nil, newError(ErrKindHandshakeVersion, nil)
	}
	rePub, err := ParsePublicKey(frame[1:34])
	if err != nil {
		return nil, newError(ErrKindHandshakeAeadTag, err)
	}
	m.remoteEphemeral = rePub
	tag := frame[34:50]

	m.mixHash(rePub.SerializeCompressed())

	ee := ecdh(m.localEphemeral, rePub)
	tempK, err := m.mixKey(ee[:])
	if err != nil {
		return nil, err
	}

	cs := newCipherState(tempK, m.ck)
	if _, err := cs.decrypt(m.h[:], tag); err != nil {
		return nil, newError(ErrKindHandshakeAeadTag, err)
	}
	m.mixHash(tag)

	return cs, nil
}

// genActThree builds act 3: version(1) || c(49) || t(16) (initiator side).
// actTwoState is temp_k2 carried over from act 2 at nonce 1, per BOLT #8.
func (m *HandshakeMachine) genActThree(actTwoState *CipherState) (frame []byte, sk, rk *CipherState, err error) {
	c, err := actTwoState.encrypt(m.h[:], m.localStaticPub.SerializeCompressed())
	if err != nil {
		return nil, nil, nil, err
	}
	m.mixHash(c)

	se := ecdh(m.localStatic, m.remoteEphemeral)
	tempK3, err := m.mixKey(se[:])
	if err != nil {
		return nil, nil, nil, err
	}

	cs3 := newCipherState(tempK3, m.ck)
	t, err := cs3.encrypt(m.h[:], nil)
	if err != nil {
		return nil, nil, nil, err
	}

	skKey, rkKey, err := hkdf2(m.ck[:], nil)
	if err != nil {
		return nil, nil, nil, err
	}
	sk = newCipherState(skKey, m.ck)
	rk = newCipherState(rkKey, m.ck)

	frame = make([]byte, 0, act3Size)
	frame = append(frame, 0)
	frame = append(frame, c...)
	frame = append(frame, t...)
	return frame, sk, rk, nil
}

// recvActThree processes a received act 3 (responder side), learning the
// initiator's static key. actTwoState is temp_k2 carried over from act 2 at
// nonce 1, per BOLT #8.
func (m *HandshakeMachine) recvActThree(frame []byte, actTwoState *CipherState) (sk, rk *CipherState, err error) {
	if len(frame) != act3Size {
		return nil, nil, newError(ErrKindHandshakeShortRead, nil)
	}
	if frame[0] != 0 {
		return nil, nil, newError(ErrKindHandshakeVersion, nil)
	}
	c := frame[1:50]
	t := frame[50:66]

	staticBytes, err := actTwoState.decrypt(m.h[:], c)
	if err != nil {
		return nil, nil, newError(ErrKindHandshakeAeadTag, err)
	}
	remoteStatic, err := ParsePublicKey(staticBytes)
	if err != nil {
		return nil, nil, newError(ErrKindHandshakeAeadTag, err)
	}
	m.remoteStatic = remoteStatic
	m.mixHash(c)

	se := ecdh(m.localEphemeral, remoteStatic)
	tempK3, err := m.mixKey(se[:])
	if err != nil {
		return nil, nil, err
	}

	cs3 := newCipherState(tempK3, m.ck)
	if _, err := cs3.decrypt(m.h[:], t); err != nil {
		return nil, nil, newError(ErrKindHandshakeAeadTag, err)
	}

	skKey, rkKey, err := hkdf2(m.ck[:], nil)
	if err != nil {
		return nil, nil, err
	}
	sk = newCipherState(skKey, m.ck)
	rk = newCipherState(rkKey, m.ck)
	return sk, rk, nil
}

// readExact reads exactly n bytes from r, mapping a short read to
// ErrKindHandshakeShortRead.
func readExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, newError(ErrKindHandshakeShortRead, err)
	}
	return buf, nil
}
