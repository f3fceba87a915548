// Package handshake implements the version-6 distribution handshake state
// machine: name exchange, status, capability-flag negotiation, and the MD5
// challenge/response that authenticates both peers against a shared cookie.
//
// The engine speaks only in terms of frame bytes (via the FrameConn
// interface) and never touches a socket directly, so it composes with
// whatever transport.Conn a caller has already dialed.
package handshake

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
)

// Distribution flags (DFLAG_*), matching the wire bit positions used by
// an OTP distribution handshake. Only the commonly negotiated subset is
// exposed as a constant; the rest of the bit space is still valid to
// receive and is preserved in the raw Flags value.
const (
	FlagPublished           uint64 = 0x1
	FlagAtomCache           uint64 = 0x2
	FlagExtendedReferences  uint64 = 0x4
	FlagDistMonitor         uint64 = 0x8
	FlagFunTags             uint64 = 0x10
	FlagDistMonitorName     uint64 = 0x20
	FlagHiddenAtomCache     uint64 = 0x40
	FlagNewFunTags          uint64 = 0x80
	FlagExtendedPidsPorts   uint64 = 0x100
	FlagExportPtrTag        uint64 = 0x200
	FlagBitBinaries         uint64 = 0x400
	FlagNewFloats           uint64 = 0x800
	FlagUnicodeIO           uint64 = 0x1000
	FlagDistHdrAtomCache    uint64 = 0x2000
	FlagSmallAtomTags       uint64 = 0x4000
	FlagUTF8Atoms           uint64 = 0x10000
	FlagMapTag              uint64 = 0x20000
	FlagBigCreation         uint64 = 0x40000
	FlagSendSender          uint64 = 0x80000
	FlagBigSeqtraceLabels   uint64 = 0x100000
	FlagExitPayload         uint64 = 0x400000
	FlagFragments           uint64 = 0x800000
	FlagHandshake23         uint64 = 0x1000000
	FlagUnlinkID            uint64 = 0x2000000
	FlagSpawn               uint64 = 1 << 32
	FlagNameMe              uint64 = 1 << 33
	FlagV4NC                uint64 = 1 << 34
	FlagAlias               uint64 = 1 << 35
)

// MandatoryFlags is the fixed bit set an OTP 26+ peer always offers; both
// sides of a session must include every one of these bits or the session
// cannot negotiate.
const MandatoryFlags = FlagExtendedReferences | FlagExtendedPidsPorts | FlagUTF8Atoms |
	FlagMapTag | FlagBigCreation | FlagV4NC | FlagHandshake23 | FlagUnlinkID |
	FlagBitBinaries | FlagNewFloats | FlagExportPtrTag | FlagNewFunTags | FlagFunTags

// Tag bytes for each handshake message.
const (
	tagSendName       = 'N'
	tagStatus         = 's'
	tagComplement     = 'c'
	tagChallengeReply = 'r'
	tagChallengeAck   = 'a'
)

// FrameConn is the minimal surface the handshake engine needs from a
// transport: read and write one length-prefixed frame body. transport.Conn
// satisfies this interface structurally; handshake never imports transport.
type FrameConn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, body []byte) error
}

// State is one step of the handshake state machine, enforced in order;
// every public method first asserts the caller is in the state it expects.
type State int

const (
	Disconnected State = iota
	SendingName
	AwaitingStatus
	AwaitingChallenge
	SendingChallengeReply
	AwaitingChallengeAck
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case SendingName:
		return "sending_name"
	case AwaitingStatus:
		return "awaiting_status"
	case AwaitingChallenge:
		return "awaiting_challenge"
	case SendingChallengeReply:
		return "sending_challenge_reply"
	case AwaitingChallengeAck:
		return "awaiting_challenge_ack"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Errors surfaced by the handshake engine.
var (
	ErrInvalidMessage       = errors.New("handshake: invalid or truncated message")
	ErrConnectionRefused    = errors.New("handshake: peer refused the connection")
	ErrAuthenticationFailed = errors.New("handshake: MD5 challenge digest mismatch")
	ErrWrongState           = errors.New("handshake: operation attempted in the wrong state")
)

// StatusError carries the literal status token a peer sent in step 2 when
// it was anything other than "ok"/"ok_simultaneous".
type StatusError struct{ Status string }

func (e *StatusError) Error() string {
	return fmt.Sprintf("handshake: peer sent status %q", e.Status)
}
func (e *StatusError) Unwrap() error { return ErrConnectionRefused }

// Result is what a completed handshake hands back to the caller: the peer's
// identity and the negotiated (bitwise-AND) flag set.
type Result struct {
	PeerName     string
	PeerCreation uint32
	PeerFlags    uint64
	// Negotiated is OurFlags & PeerFlags, the effective session flag set.
	Negotiated uint64
}

// Engine drives the six-message version-6 handshake over a FrameConn.
type Engine struct {
	conn     FrameConn
	ourName  string
	ourFlags uint64
	creation uint32
	cookie   string

	state State
	err   error

	ourChallenge uint32
}

// New constructs an Engine for the connecting side of a handshake. ourName
// is this node's "name@host" identity, ourFlags is the distribution flag
// set to offer (must be a superset of MandatoryFlags), creation is this
// node's creation number, and cookie is the shared secret used to compute
// both challenge digests.
func New(conn FrameConn, ourName string, ourFlags uint64, creation uint32, cookie string) *Engine {
	return &Engine{
		conn:     conn,
		ourName:  ourName,
		ourFlags: ourFlags,
		creation: creation,
		cookie:   cookie,
		state:    Disconnected,
	}
}

// State reports the engine's current step.
func (e *Engine) State() State { return e.state }

// Err returns the error that drove the engine into Failed, or nil.
func (e *Engine) Err() error { return e.err }

func (e *Engine) fail(err error) error {
	e.state = Failed
	e.err = err
	return err
}

// Run drives all six steps to completion and returns the negotiated result,
// or an error that has already transitioned the engine to Failed.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if e.state != Disconnected {
		return nil, fmt.Errorf("%w: Run called from state %s", ErrWrongState, e.state)
	}

	if err := e.sendName(ctx); err != nil {
		return nil, e.fail(err)
	}
	if err := e.awaitStatus(ctx); err != nil {
		return nil, e.fail(err)
	}
	result, err := e.awaitChallenge(ctx)
	if err != nil {
		return nil, e.fail(err)
	}
	if err := e.sendChallengeReply(ctx, result.PeerChallenge); err != nil {
		return nil, e.fail(err)
	}
	if err := e.awaitChallengeAck(ctx); err != nil {
		return nil, e.fail(err)
	}

	e.state = Connected
	return &Result{
		PeerName:     result.PeerName,
		PeerCreation: result.PeerCreation,
		PeerFlags:    result.PeerFlags,
		Negotiated:   e.ourFlags & result.PeerFlags,
	}, nil
}

// step 1: send_name.
func (e *Engine) sendName(ctx context.Context) error {
	e.state = SendingName
	buf := make([]byte, 0, 1+8+4+2+len(e.ourName))
	buf = append(buf, tagSendName)
	buf = binary.BigEndian.AppendUint64(buf, e.ourFlags)
	buf = binary.BigEndian.AppendUint32(buf, e.creation)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.ourName)))
	buf = append(buf, e.ourName...)
	return e.conn.WriteFrame(ctx, buf)
}

// step 2: await status.
func (e *Engine) awaitStatus(ctx context.Context) error {
	e.state = AwaitingStatus
	body, err := e.conn.ReadFrame(ctx)
	if err != nil {
		return err
	}
	if len(body) < 1 || body[0] != tagStatus {
		return fmt.Errorf("%w: expected status message", ErrInvalidMessage)
	}
	status := string(body[1:])
	switch status {
	case "ok", "ok_simultaneous":
		return nil
	default:
		return &StatusError{Status: status}
	}
}

type peerChallenge struct {
	PeerName      string
	PeerCreation  uint32
	PeerFlags     uint64
	PeerChallenge uint32
}

// step 4: await challenge (tag N again, this time carrying the peer's
// challenge number between the flags and creation fields).
func (e *Engine) awaitChallenge(ctx context.Context) (*peerChallenge, error) {
	e.state = AwaitingChallenge
	body, err := e.conn.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	if len(body) < 1+8+4+4+2 || body[0] != tagSendName {
		return nil, fmt.Errorf("%w: expected challenge message", ErrInvalidMessage)
	}
	pos := 1
	flags := binary.BigEndian.Uint64(body[pos:])
	pos += 8
	challenge := binary.BigEndian.Uint32(body[pos:])
	pos += 4
	creation := binary.BigEndian.Uint32(body[pos:])
	pos += 4
	nameLen := int(binary.BigEndian.Uint16(body[pos:]))
	pos += 2
	if pos+nameLen > len(body) {
		return nil, fmt.Errorf("%w: truncated peer name", ErrInvalidMessage)
	}
	name := string(body[pos : pos+nameLen])

	return &peerChallenge{PeerName: name, PeerCreation: creation, PeerFlags: flags, PeerChallenge: challenge}, nil
}

// step 5: send challenge reply.
func (e *Engine) sendChallengeReply(ctx context.Context, peerChallenge uint32) error {
	e.state = SendingChallengeReply
	e.ourChallenge = rand.Uint32()

	digest := Digest(e.cookie, peerChallenge)

	buf := make([]byte, 0, 1+4+16)
	buf = append(buf, tagChallengeReply)
	buf = binary.BigEndian.AppendUint32(buf, e.ourChallenge)
	buf = append(buf, digest[:]...)
	return e.conn.WriteFrame(ctx, buf)
}

// step 6: await challenge ack.
func (e *Engine) awaitChallengeAck(ctx context.Context) error {
	e.state = AwaitingChallengeAck
	body, err := e.conn.ReadFrame(ctx)
	if err != nil {
		return err
	}
	if len(body) != 1+16 || body[0] != tagChallengeAck {
		return fmt.Errorf("%w: expected challenge ack message", ErrInvalidMessage)
	}
	want := Digest(e.cookie, e.ourChallenge)
	var got [16]byte
	copy(got[:], body[1:])
	if got != want {
		return ErrAuthenticationFailed
	}
	return nil
}

// Digest computes the MD5 challenge digest: md5(cookie || decimal-ascii(challenge)).
func Digest(cookie string, challenge uint32) [16]byte {
	h := md5.New()
	h.Write([]byte(cookie))
	h.Write([]byte(strconv.FormatUint(uint64(challenge), 10)))
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}
