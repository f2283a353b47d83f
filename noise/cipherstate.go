package noise

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherState is one direction's AEAD key schedule, as defined in spec.md
// §3. It is owned exclusively by the NoiseTransport for the lifetime of the
// connection and zeroed on Wipe.
//
// Invariants: nonce starts at 0 and increments after every AEAD operation
// (encrypt or decrypt); after every keyRotationInterval operations the key
// is rotated and nonce reset to 0. messagesSent counts toward rotation
// independently of nonce, and rotation always happens before nonce could
// wrap.
type CipherState struct {
	key          [32]byte
	nonce        uint64
	chainingKey  [32]byte
	messagesSent uint64
}

// newCipherState constructs a CipherState with the given key and shared
// chaining key, nonce and messagesSent both starting at zero.
func newCipherState(key, chainingKey [32]byte) *CipherState {
	return &CipherState{key: key, chainingKey: chainingKey}
}

// nonceBytes encodes the current nonce as a 96-bit ChaCha20-Poly1305 nonce:
// 4 zero bytes followed by the little-endian 64-bit counter.
func (c *CipherState) nonceBytes() [12]byte {
	var n [12]byte
	binary.LittleEndian.PutUint64(n[4:], c.nonce)
	return n
}

// encrypt seals plaintext under the current key/nonce with the given
// associated data, then advances the nonce and rotates the key if the
// rotation threshold has been reached.
func (c *CipherState) encrypt(ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, err
	}
	nonce := c.nonceBytes()
	ciphertext := aead.Seal(nil, nonce[:], plaintext, ad)
	c.advance()
	return ciphertext, nil
}

// decrypt opens ciphertext under the current key/nonce with the given
// associated data, then advances the nonce and rotates the key if the
// rotation threshold has been reached. The nonce advances even though
// decryption consumed it — it must never be reused regardless of outcome
// of a subsequent call, but a failed decrypt here is always fatal to the
// caller's connection, so no further calls are expected to occur.
func (c *CipherState) decrypt(ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, err
	}
	nonce := c.nonceBytes()
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		c.advance()
		return nil, err
	}
	c.advance()
	return plaintext, nil
}

// advance increments the nonce and messagesSent counters, rotating the key
// and resetting the nonce once keyRotationInterval operations have elapsed.
func (c *CipherState) advance() {
	c.nonce++
	c.messagesSent++
	if c.messagesSent%keyRotationInterval == 0 {
		c.rotate()
	}
}

// rotate replaces the key with HKDF(chainingKey, key) and resets the nonce
// to zero, per spec.md §3's key-rotation invariant. The chaining key is
// also replaced so repeated rotations keep advancing the ratchet.
func (c *CipherState) rotate() {
	newCK, newKey, err := hkdf2(c.chainingKey[:], c.key[:])
	if err != nil {
		// hkdf.Read over a 32-byte SHA-256 expansion cannot fail in
		// practice; treat it as an invariant violation rather than
		// silently running with a stale key.
		panic("noise: key rotation hkdf failed: " + err.Error())
	}
	c.chainingKey = newCK
	c.key = newKey
	c.nonce = 0
}

// wipe zeros the key material so it does not linger in memory after the
// connection is torn down.
func (c *CipherState) wipe() {
	for i := range c.key {
		c.key[i] = 0
	}
	for i := range c.chainingKey {
		c.chainingKey[i] = 0
	}
	c.nonce = 0
	c.messagesSent = 0
}
