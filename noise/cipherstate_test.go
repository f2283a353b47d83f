package noise

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/crlib/testutils/require"
)

func TestCipherStateRoundTrip(t *testing.T) {
	key := [32]byte{1, 2, 3}
	ck := [32]byte{4, 5, 6}

	sender := newCipherState(key, ck)
	receiver := newCipherState(key, ck)

	plaintext := []byte("hello, noise")
	ct, err := sender.encrypt(nil, plaintext)
	require.NoError(t, err)

	pt, err := receiver.decrypt(nil, ct)
	require.NoError(t, err)
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", pt, plaintext)
	}
}

func TestCipherStateNonceAdvancesIndependently(t *testing.T) {
	key := [32]byte{1}
	ck := [32]byte{2}
	sender := newCipherState(key, ck)
	receiver := newCipherState(key, ck)

	for i := 0; i < 5; i++ {
		ct, err := sender.encrypt(nil, []byte("msg"))
		require.NoError(t, err)
		_, err = receiver.decrypt(nil, ct)
		require.NoError(t, err)
	}
	if sender.nonce != 5 || receiver.nonce != 5 {
		t.Fatalf("expected nonce 5 on both sides, got sender=%d receiver=%d", sender.nonce, receiver.nonce)
	}
}

func TestCipherStateRejectsTamperedCiphertext(t *testing.T) {
	key := [32]byte{9}
	ck := [32]byte{10}
	sender := newCipherState(key, ck)
	receiver := newCipherState(key, ck)

	ct, err := sender.encrypt(nil, []byte("authentic"))
	require.NoError(t, err)
	ct[0] ^= 0xFF

	_, err = receiver.decrypt(nil, ct)
	if err == nil {
		t.Fatal("expected AEAD verification to fail on tampered ciphertext")
	}
}

// TestCipherStateRotatesEvery1000Messages exercises the exact boundary
// spec.md §8 scenario 3 calls for: frame 1001 only validates once both
// sides have rotated.
func TestCipherStateRotatesEvery1000Messages(t *testing.T) {
	key := [32]byte{7}
	ck := [32]byte{8}
	sender := newCipherState(key, ck)
	receiver := newCipherState(key, ck)

	var lastCT []byte
	for i := 0; i < keyRotationInterval; i++ {
		ct, err := sender.encrypt(nil, []byte("hello"))
		require.NoError(t, err)
		_, err = receiver.decrypt(nil, ct)
		require.NoError(t, err)
		lastCT = ct
	}

	if sender.nonce != 0 {
		t.Fatalf("expected nonce reset to 0 after rotation, got %d", sender.nonce)
	}
	if sender.key == key {
		t.Fatal("expected key to differ from the original after rotation")
	}
	if sender.key != receiver.key {
		t.Fatal("expected sender and receiver to rotate to the same key")
	}

	// frame 1001, post-rotation
	ct, err := sender.encrypt(nil, []byte("post-rotation"))
	require.NoError(t, err)
	if bytes.Equal(ct, lastCT) {
		t.Fatal("expected a fresh ciphertext for the rotated frame")
	}
	pt, err := receiver.decrypt(nil, ct)
	require.NoError(t, err)
	if string(pt) != "post-rotation" {
		t.Fatalf("got %q", pt)
	}
}

func TestCipherStateWipeZeroesKeyMaterial(t *testing.T) {
	cs := newCipherState([32]byte{1, 2, 3}, [32]byte{4, 5, 6})
	cs.wipe()
	if cs.key != ([32]byte{}) || cs.chainingKey != ([32]byte{}) {
		t.Fatal("expected key and chaining key to be zeroed")
	}
}
