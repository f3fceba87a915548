package handshake

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
)

// fakePeer implements FrameConn by playing the acceptor side of a version-6
// handshake against the Engine under test, so the whole six-step exchange
// can be driven without a real socket.
type fakePeer struct {
	t        *testing.T
	cookie   string
	peerName string
	peerFlag uint64
	creation uint32

	toEngine   [][]byte
	fromEngine [][]byte
	step       int

	peerChallenge uint32
	badAck        bool
	status        string
}

func (f *fakePeer) ReadFrame(ctx context.Context) ([]byte, error) {
	if f.step >= len(f.toEngine) {
		return nil, errors.New("no more scripted frames")
	}
	b := f.toEngine[f.step]
	f.step++
	return b, nil
}

func (f *fakePeer) WriteFrame(ctx context.Context, body []byte) error {
	f.fromEngine = append(f.fromEngine, append([]byte(nil), body...))

	switch body[0] {
	case tagSendName:
		// Engine's send_name arrived; queue our status then our challenge.
		status := f.status
		if status == "" {
			status = "ok"
		}
		f.toEngine = append(f.toEngine, append([]byte{tagStatus}, status...))

		msg := make([]byte, 0)
		msg = append(msg, tagSendName)
		msg = binary.BigEndian.AppendUint64(msg, f.peerFlag)
		msg = binary.BigEndian.AppendUint32(msg, f.peerChallenge)
		msg = binary.BigEndian.AppendUint32(msg, f.creation)
		msg = binary.BigEndian.AppendUint16(msg, uint16(len(f.peerName)))
		msg = append(msg, f.peerName...)
		f.toEngine = append(f.toEngine, msg)
	case tagChallengeReply:
		// Verify the engine's reply digest against our challenge, then
		// queue the ack digest over the engine's own challenge.
		gotChallenge := binary.BigEndian.Uint32(body[1:5])
		var gotDigest [16]byte
		copy(gotDigest[:], body[5:21])
		if gotDigest != Digest(f.cookie, f.peerChallenge) {
			f.t.Fatalf("challenge reply digest mismatch")
		}
		ackDigest := Digest(f.cookie, gotChallenge)
		if f.badAck {
			ackDigest[0] ^= 0xFF
		}
		f.toEngine = append(f.toEngine, append([]byte{tagChallengeAck}, ackDigest[:]...))
	}
	return nil
}

func TestHandshakeSuccess(t *testing.T) {
	peer := &fakePeer{
		t:             t,
		cookie:        "secret",
		peerName:      "peer@host",
		peerFlag:      MandatoryFlags | FlagFragments,
		creation:      3,
		peerChallenge: 0xdeadbeef,
	}
	e := New(peer, "me@host", MandatoryFlags|FlagAlias, 1, "secret")
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.PeerName != "peer@host" {
		t.Fatalf("PeerName = %q", result.PeerName)
	}
	if result.PeerCreation != 3 {
		t.Fatalf("PeerCreation = %d", result.PeerCreation)
	}
	if result.Negotiated&MandatoryFlags != MandatoryFlags {
		t.Fatalf("negotiated flags missing mandatory bits: %x", result.Negotiated)
	}
	if result.Negotiated&FlagAlias != 0 {
		t.Fatalf("negotiated flags should not include a flag peer didn't offer")
	}
	if e.State() != Connected {
		t.Fatalf("state = %s, want Connected", e.State())
	}
}

func TestHandshakeRejectedStatus(t *testing.T) {
	peer := &fakePeer{t: t, cookie: "secret", peerName: "peer@host", peerFlag: MandatoryFlags, status: "not_allowed"}
	e := New(peer, "me@host", MandatoryFlags, 1, "secret")
	_, err := e.Run(context.Background())
	if !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused, got %v", err)
	}
	if e.State() != Failed {
		t.Fatalf("state = %s, want Failed", e.State())
	}
}

func TestHandshakeAuthenticationFailed(t *testing.T) {
	peer := &fakePeer{
		t: t, cookie: "secret", peerName: "peer@host", peerFlag: MandatoryFlags,
		peerChallenge: 42, badAck: true,
	}
	e := New(peer, "me@host", MandatoryFlags, 1, "secret")
	_, err := e.Run(context.Background())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if e.State() != Failed {
		t.Fatalf("state = %s, want Failed", e.State())
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	a := Digest("cookie", 123)
	b := Digest("cookie", 123)
	if a != b {
		t.Fatalf("Digest not deterministic")
	}
	c := Digest("cookie", 124)
	if a == c {
		t.Fatalf("Digest should differ for different challenge")
	}
}
