package noise

// Wire constants for the BOLT #8 handshake and BOLT #1 frame format.
const (
	// MaxPayloadSize is the largest plaintext payload a single frame may carry.
	MaxPayloadSize = 65535
	// MaxFrameSize is the largest ciphertext a single frame occupies on the wire:
	// 2 (encrypted length) + 16 (length tag) + 65535 (payload) + 16 (payload tag).
	MaxFrameSize = 2 + aeadTagSize + MaxPayloadSize + aeadTagSize

	// act1Size is version(1) || ephemeral pubkey(33) || tag(16).
	act1Size = 1 + 33 + aeadTagSize
	// act2Size mirrors act1Size.
	act2Size = 1 + 33 + aeadTagSize
	// act3Size is version(1) || ciphertext(33+16) || tag(16).
	act3Size = 1 + 33 + aeadTagSize + aeadTagSize

	// lengthFrameSize is the wire size of the encrypted-length-plus-tag prefix.
	lengthFrameSize = 2 + aeadTagSize

	aeadTagSize = 16

	// keyRotationInterval is the number of AEAD operations (encrypt or
	// decrypt) a single CipherState performs before its key is rotated and
	// its nonce reset to zero.
	keyRotationInterval = 1000

	// noiseProtocolName is mixed into the initial handshake hash per BOLT #8.
	noiseProtocolName = "Noise_XK_secp256k1_ChaChaPoly_SHA256"
	// noisePrologue is mixed into the initial handshake hash per BOLT #8.
	noisePrologue = "lightning"
)
