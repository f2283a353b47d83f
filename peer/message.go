package peer

import (
	"encoding/binary"
	"fmt"
)

// BOLT #1 message type numbers handled by PeerSession. Every other type
// round-trips through the session as an opaque payload.
const (
	TypeInit = uint16(16)
	TypePing = uint16(18)
	TypePong = uint16(19)
)

// PongDeclineThreshold is the num_pong_bytes value that declines a reply.
const PongDeclineThreshold = uint16(65532)

// InitMessage is the BOLT #1 capability bitmask exchange, the first frame
// each side must send once its transport reaches Ready.
type InitMessage struct {
	GlobalFeatures []byte
	LocalFeatures  []byte
}

// Encode serializes m as type(2) || u16_be(len(global)) || global ||
// u16_be(len(local)) || local.
func (m InitMessage) Encode() []byte {
	buf := make([]byte, 0, 2+2+len(m.GlobalFeatures)+2+len(m.LocalFeatures))
	buf = appendUint16(buf, TypeInit)
	buf = appendUint16(buf, uint16(len(m.GlobalFeatures)))
	buf = append(buf, m.GlobalFeatures...)
	buf = appendUint16(buf, uint16(len(m.LocalFeatures)))
	buf = append(buf, m.LocalFeatures...)
	return buf
}

// DecodeInit parses a frame payload as an InitMessage. It returns
// ErrNotInit if the type field isn't 16, and ErrMalformedInit if the
// length-prefixed fields don't fit the payload.
func DecodeInit(payload []byte) (InitMessage, error) {
	if len(payload) < 2 {
		return InitMessage{}, fmt.Errorf("%w: short frame", ErrMalformedInit)
	}
	if binary.BigEndian.Uint16(payload) != TypeInit {
		return InitMessage{}, ErrNotInit
	}
	rest := payload[2:]

	gf, rest, err := readLenPrefixed(rest)
	if err != nil {
		return InitMessage{}, fmt.Errorf("%w: global_features: %v", ErrMalformedInit, err)
	}
	lf, rest, err := readLenPrefixed(rest)
	if err != nil {
		return InitMessage{}, fmt.Errorf("%w: local_features: %v", ErrMalformedInit, err)
	}
	if len(rest) != 0 {
		return InitMessage{}, fmt.Errorf("%w: trailing bytes", ErrMalformedInit)
	}
	return InitMessage{GlobalFeatures: gf, LocalFeatures: lf}, nil
}

// PingMessage is a BOLT #1 liveness probe.
type PingMessage struct {
	NumPongBytes uint16
	Ignored      []byte
}

// Encode serializes p as type(2) || u16_be(num_pong_bytes) ||
// u16_be(len(ignored)) || ignored.
func (p PingMessage) Encode() []byte {
	buf := make([]byte, 0, 2+2+2+len(p.Ignored))
	buf = appendUint16(buf, TypePing)
	buf = appendUint16(buf, p.NumPongBytes)
	buf = appendUint16(buf, uint16(len(p.Ignored)))
	buf = append(buf, p.Ignored...)
	return buf
}

// DecodePing parses a frame payload as a PingMessage.
func DecodePing(payload []byte) (PingMessage, error) {
	if len(payload) < 4 {
		return PingMessage{}, fmt.Errorf("%w: short ping", ErrMalformedInit)
	}
	if binary.BigEndian.Uint16(payload) != TypePing {
		return PingMessage{}, fmt.Errorf("%w: not a ping", ErrUnexpectedMessage)
	}
	numPongBytes := binary.BigEndian.Uint16(payload[2:4])
	ignored, rest, err := readLenPrefixed(payload[4:])
	if err != nil {
		return PingMessage{}, fmt.Errorf("%w: ignored: %v", ErrMalformedInit, err)
	}
	if len(rest) != 0 {
		return PingMessage{}, fmt.Errorf("%w: trailing bytes", ErrMalformedInit)
	}
	return PingMessage{NumPongBytes: numPongBytes, Ignored: ignored}, nil
}

// PongMessage is the reply to a PingMessage; Ignored is always zero-filled.
type PongMessage struct {
	Ignored []byte
}

// Encode serializes p as type(2) || u16_be(len(ignored)) || ignored.
func (p PongMessage) Encode() []byte {
	buf := make([]byte, 0, 2+2+len(p.Ignored))
	buf = appendUint16(buf, TypePong)
	buf = appendUint16(buf, uint16(len(p.Ignored)))
	buf = append(buf, p.Ignored...)
	return buf
}

// DecodePong parses a frame payload as a PongMessage.
func DecodePong(payload []byte) (PongMessage, error) {
	if len(payload) < 2 {
		return PongMessage{}, fmt.Errorf("%w: short pong", ErrMalformedInit)
	}
	if binary.BigEndian.Uint16(payload) != TypePong {
		return PongMessage{}, fmt.Errorf("%w: not a pong", ErrUnexpectedMessage)
	}
	ignored, rest, err := readLenPrefixed(payload[2:])
	if err != nil {
		return PongMessage{}, fmt.Errorf("%w: ignored: %v", ErrMalformedInit, err)
	}
	if len(rest) != 0 {
		return PongMessage{}, fmt.Errorf("%w: trailing bytes", ErrMalformedInit)
	}
	return PongMessage{Ignored: ignored}, nil
}

// frameType peeks the 2-byte BOLT #1 message type without otherwise
// parsing the frame.
func frameType(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("%w: short frame", ErrMalformedInit)
	}
	return binary.BigEndian.Uint16(payload), nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readLenPrefixed(b []byte) (field, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("missing length prefix")
	}
	n := binary.BigEndian.Uint16(b)
	b = b[2:]
	if len(b) < int(n) {
		return nil, nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, len(b))
	}
	return b[:n], b[n:], nil
}

// zeroBytes returns a freshly allocated zero-filled slice of length n, used
// to build pong replies.
func zeroBytes(n uint16) []byte {
	return make([]byte, n)
}
