package noise

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdf2 runs HKDF-SHA256 with the given salt and input keying material and
// returns the first two 32-byte outputs of the expansion, matching the
// two-output HKDF construction used throughout BOLT #8 (handshake chaining
// key derivation and per-direction key rotation both reduce to this shape).
func hkdf2(salt, ikm []byte) (out1, out2 [32]byte, err error) {
	r := hkdf.New(sha256.New, ikm, salt, nil)
	if _, err = io.ReadFull(r, out1[:]); err != nil {
		return out1, out2, err
	}
	if _, err = io.ReadFull(r, out2[:]); err != nil {
		return out1, out2, err
	}
	return out1, out2, nil
}
