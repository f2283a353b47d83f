package noise

import (
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// PrivateKey is a 32-byte secp256k1 scalar: a node's static identity key or
// a handshake's single-use ephemeral key.
type PrivateKey = secp256k1.PrivateKey

// PublicKey is a 33-byte compressed secp256k1 point.
type PublicKey = secp256k1.PublicKey

// GenerateKeyPair returns a fresh random secp256k1 key pair, used for the
// per-handshake ephemeral key.
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}
	return priv, priv.PubKey(), nil
}

// ParsePublicKey decodes a 33-byte compressed secp256k1 public key.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	return secp256k1.ParsePubKey(b)
}

// PrivateKeyFromBytes decodes a 32-byte scalar as a static or ephemeral
// private key, e.g. a local identity key loaded from configuration.
func PrivateKeyFromBytes(b []byte) *PrivateKey {
	return secp256k1.PrivKeyFromBytes(b)
}

// SerializePublicKey returns the 33-byte compressed encoding of pub.
func SerializePublicKey(pub *PublicKey) [33]byte {
	var out [33]byte
	copy(out[:], pub.SerializeCompressed())
	return out
}

// ecdh computes the BOLT #8 Diffie-Hellman function: the SHA-256 of the
// compressed encoding of priv*pub, matching the ECDH convention used by
// Lightning's brontide-style transports (scalar multiplication on the
// Jacobian point, compressed, then hashed — never the raw X coordinate).
func ecdh(priv *PrivateKey, pub *PublicKey) [32]byte {
	var point, result secp256k1.JacobianPoint
	pub.AsJacobian(&point)

	secp256k1.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()

	sharedPub := secp256k1.NewPublicKey(&result.X, &result.Y)
	return sha256.Sum256(sharedPub.SerializeCompressed())
}
