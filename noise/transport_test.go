package noise

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/require"
)

// connectPair drives a full handshake over an io.Pipe pair and returns both
// transports, ready for Read/Write.
func connectPair(t *testing.T) (initiator, responder *NoiseTransport) {
	t.Helper()

	respPriv, respPub, err := GenerateKeyPair()
	require.NoError(t, err)
	initPriv, _, err := GenerateKeyPair()
	require.NoError(t, err)

	initConn, respConn := newPipePair()

	type result struct {
		t   *NoiseTransport
		err error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)

	go func() {
		tr, err := ConnectInitiator(initConn, initPriv, respPub)
		initCh <- result{tr, err}
	}()
	go func() {
		tr, err := AcceptResponder(respConn, respPriv)
		respCh <- result{tr, err}
	}()

	var initRes, respRes result
	select {
	case initRes = <-initCh:
	case <-time.After(5 * time.Second):
		t.Fatal("initiator handshake timed out")
	}
	select {
	case respRes = <-respCh:
	case <-time.After(5 * time.Second):
		t.Fatal("responder handshake timed out")
	}
	require.NoError(t, initRes.err)
	require.NoError(t, respRes.err)

	return initRes.t, respRes.t
}

func TestTransportRoundTrip(t *testing.T) {
	initTr, respTr := connectPair(t)
	defer initTr.Close()
	defer respTr.Close()

	msg := []byte("hello, lightning")
	require.NoError(t, initTr.Write(msg))

	got, err := respTr.Read()
	require.NoError(t, err)
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

// fragmentingConn wraps an io.ReadWriteCloser and splits every Write into
// 1-byte chunks on the underlying pipe, to exercise feed()'s partial-frame
// buffering across many short reads.
type fragmentingConn struct {
	io.ReadWriteCloser
}

func (f *fragmentingConn) Write(p []byte) (int, error) {
	for _, b := range p {
		if _, err := f.ReadWriteCloser.Write([]byte{b}); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func TestTransportFragmentedFrames(t *testing.T) {
	respPriv, respPub, err := GenerateKeyPair()
	require.NoError(t, err)
	initPriv, _, err := GenerateKeyPair()
	require.NoError(t, err)

	initConn, respConn := newPipePair()
	fragInit := &fragmentingConn{initConn}

	type result struct {
		t   *NoiseTransport
		err error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)
	go func() {
		tr, err := ConnectInitiator(fragInit, initPriv, respPub)
		initCh <- result{tr, err}
	}()
	go func() {
		tr, err := AcceptResponder(respConn, respPriv)
		respCh <- result{tr, err}
	}()

	var initRes, respRes result
	select {
	case initRes = <-initCh:
	case <-time.After(5 * time.Second):
		t.Fatal("initiator handshake timed out")
	}
	select {
	case respRes = <-respCh:
	case <-time.After(5 * time.Second):
		t.Fatal("responder handshake timed out")
	}
	require.NoError(t, initRes.err)
	require.NoError(t, respRes.err)

	defer initRes.t.Close()
	defer respRes.t.Close()

	msg := []byte("byte-by-byte delivery must still decode one frame")
	require.NoError(t, initRes.t.Write(msg))

	got, err := respRes.t.Read()
	require.NoError(t, err)
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestTransportKeyRotationAfter1000Frames(t *testing.T) {
	initTr, respTr := connectPair(t)
	defer initTr.Close()
	defer respTr.Close()

	for i := 0; i < keyRotationInterval+1; i++ {
		require.NoError(t, initTr.Write([]byte("hello")))
		got, err := respTr.Read()
		require.NoError(t, err)
		if string(got) != "hello" {
			t.Fatalf("frame %d: got %q", i, got)
		}
	}
	// Each frame is two AEAD operations, so the key rotated at the end of
	// frame 1000 (operation 2000) and frame 1001 advanced the nonce to 2.
	if initTr.send.nonce != 2 {
		t.Fatalf("expected sender nonce 2 after the 1001st frame, got %d", initTr.send.nonce)
	}
}

// TestTransportBackpressure verifies scenario 6: the transport stops
// draining the socket once the consumer falls behind, then resumes exactly
// where it left off once Read is called again.
func TestTransportBackpressure(t *testing.T) {
	initTr, respTr := connectPair(t)
	defer initTr.Close()
	defer respTr.Close()

	// Fill the receiver's upstream buffer without ever calling Read.
	for i := 0; i < defaultWatermark; i++ {
		require.NoError(t, initTr.Write([]byte("fill")))
	}

	// Give the responder's read loop time to drain the socket into its
	// buffered channel until the channel is full.
	deadline := time.After(2 * time.Second)
	for {
		if len(respTr.messages) == defaultWatermark {
			break
		}
		select {
		case <-deadline:
			t.Fatal("receiver never reached a steady state filling its buffer")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Send one more frame; it must queue behind the full buffer rather than
	// being lost, and the transport must enter Blocked while it waits.
	writeDone := make(chan error, 1)
	go func() { writeDone <- initTr.Write([]byte("blocked-frame")) }()

	deadline = time.After(2 * time.Second)
	for {
		respTr.frameMu.Lock()
		state := respTr.state
		respTr.frameMu.Unlock()
		if state == StateBlocked {
			break
		}
		select {
		case <-deadline:
			t.Fatal("receiver never transitioned to Blocked")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Draining resumes delivery, including the frame that was blocked.
	for i := 0; i < defaultWatermark; i++ {
		got, err := respTr.Read()
		require.NoError(t, err)
		if string(got) != "fill" {
			t.Fatalf("got %q, want fill", got)
		}
	}
	got, err := respTr.Read()
	require.NoError(t, err)
	if string(got) != "blocked-frame" {
		t.Fatalf("got %q, want blocked-frame", got)
	}

	select {
	case err := <-writeDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked write never completed")
	}
}

func TestTransportRejectsOversizedPayload(t *testing.T) {
	initTr, respTr := connectPair(t)
	defer initTr.Close()
	defer respTr.Close()

	err := initTr.Write(make([]byte, MaxPayloadSize+1))
	if err == nil {
		t.Fatal("expected oversized payload to be rejected")
	}
}
