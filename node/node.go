// Package node contains the connection orchestrator: it resolves the peer
// through the port-mapper, dials the distribution listener, drives the
// version-6 handshake, and then carries control messages and payloads in
// both directions, choosing the pass-through or atom-cache wire layout
// based on what the handshake negotiated.
//
package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/edp/config"
	"github.com/tripwire/edp/control"
	"github.com/tripwire/edp/epmd"
	"github.com/tripwire/edp/etf"
	"github.com/tripwire/edp/fragment"
	"github.com/tripwire/edp/handshake"
	"github.com/tripwire/edp/pid"
	"github.com/tripwire/edp/term"
	"github.com/tripwire/edp/transport"
)

// State is the connection lifecycle, spec'd as a strict progression: every
// public send/receive operation first asserts Connected.
type State int

const (
	Disconnected State = iota
	Connecting
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
	case Connecting:
		return "connecting"
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

// hsState maps a handshake engine step onto the connection-level state.
func hsState(s handshake.State) State {
	switch s {
	case handshake.SendingName:
		return SendingName
	case handshake.AwaitingStatus:
		return AwaitingStatus
	case handshake.AwaitingChallenge:
		return AwaitingChallenge
	case handshake.SendingChallengeReply:
		return SendingChallengeReply
	case handshake.AwaitingChallengeAck:
		return AwaitingChallengeAck
	case handshake.Connected:
		return Connected
	case handshake.Failed:
		return Failed
	default:
		return Connecting
	}
}

// ErrInvalidState reports an operation attempted outside the state that
// permits it: sending before the handshake completes, receiving after
// close, or a second Connect on a live connection.
var ErrInvalidState = errors.New("node: operation attempted in the wrong connection state")

// Stats holds the orchestrator's live counters, read by the diag package's
// /metrics endpoint.
type Stats struct {
	HandshakesCompleted  atomic.Uint64
	HandshakesFailed     atomic.Uint64
	ControlsSent         atomic.Uint64
	ControlsReceived     atomic.Uint64
	TicksReceived        atomic.Uint64
	FragmentsReassembled atomic.Uint64
	PidsAllocated        atomic.Uint64
}

// StatsSnapshot is a plain-value copy of Stats for serialization.
type StatsSnapshot struct {
	HandshakesCompleted  uint64 `json:"handshakes_completed"`
	HandshakesFailed     uint64 `json:"handshakes_failed"`
	ControlsSent         uint64 `json:"controls_sent"`
	ControlsReceived     uint64 `json:"controls_received"`
	TicksReceived        uint64 `json:"ticks_received"`
	FragmentsReassembled uint64 `json:"fragments_reassembled"`
	PidsAllocated        uint64 `json:"pids_allocated"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		HandshakesCompleted:  s.HandshakesCompleted.Load(),
		HandshakesFailed:     s.HandshakesFailed.Load(),
		ControlsSent:         s.ControlsSent.Load(),
		ControlsReceived:     s.ControlsReceived.Load(),
		TicksReceived:        s.TicksReceived.Load(),
		FragmentsReassembled: s.FragmentsReassembled.Load(),
		PidsAllocated:        s.PidsAllocated.Load(),
	}
}

// Message is one delivered inbound message: the parsed control tuple plus
// its payload term, when the control kind carries one.
type Message struct {
	Control control.Message
	Payload *term.Term
}

// Conn is one connection to a remote BEAM node.
//
// Concurrency contract: the receive path (ReceiveMessage, the
// inbound atom cache, and the fragment assembler) belongs to a single
// consuming goroutine; the send path serializes internally on sendMu, which
// also protects the outbound atom cache during cache-header encoding.
type Conn struct {
	cfg      *config.Config
	log      *slog.Logger
	connID   uuid.UUID
	peerAddr string

	alloc *pid.Allocator
	stats Stats

	mu      sync.RWMutex // lifecycle state
	state   State
	lastErr error
	hs      *handshake.Engine
	tr      *transport.Conn
	rd      *transport.ReadHalf
	stop    chan struct{}
	keep    io.Closer // epmd registration socket, held open while alive

	peerName   string
	negotiated uint64

	sendMu   sync.Mutex
	outCache *etf.AtomCache

	inCache *etf.AtomCache
	frags   *fragment.Assembler

	unlinkID   atomic.Uint64
	refCounter atomic.Uint64

	audit AuditSink
}

// AuditSink receives connection lifecycle events. The audit package's
// Logger satisfies it; the zero default discards events.
type AuditSink interface {
	Event(event string, attrs map[string]any) error
}

type discardSink struct{}

func (discardSink) Event(string, map[string]any) error { return nil }

// Option is a functional option for Conn construction.
type Option func(*Conn)

// WithLogger sets the structured logger; slog.Default() otherwise.
func WithLogger(log *slog.Logger) Option {
	return func(c *Conn) { c.log = log }
}

// WithAuditSink records connection lifecycle events (connect, handshake
// outcome, close) to the given sink.
func WithAuditSink(s AuditSink) Option {
	return func(c *Conn) { c.audit = s }
}

// WithPeerAddr dials addr ("host:port") directly instead of resolving the
// remote node through the port-mapper, for peers whose distribution
// listener is already known.
func WithPeerAddr(addr string) Option {
	return func(c *Conn) { c.peerAddr = addr }
}

// New constructs a Conn from a validated Config. It does not touch the
// network; call Connect to establish the session.
func New(cfg *config.Config, opts ...Option) (*Conn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("node: %w: nil config", ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	c := &Conn{
		cfg:    cfg,
		connID: uuid.New(),
		state:  Disconnected,
		alloc:  pid.New(cfg.LocalNodeName),
		audit:  discardSink{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With(
		slog.String("conn_id", c.connID.String()),
		slog.String("remote_node", cfg.RemoteNodeName))
	return c, nil
}

// ErrInvalidArgument reports a malformed caller-supplied value, detected
// before any I/O happens.
var ErrInvalidArgument = errors.New("node: invalid argument")

// ID is the per-connection correlation id attached to every log line.
func (c *Conn) ID() uuid.UUID { return c.connID }

// State reports the connection's current lifecycle state. While the
// handshake engine is running, the engine's own step is reported.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == Connecting && c.hs != nil {
		if s := c.hs.State(); s != handshake.Disconnected {
			return hsState(s)
		}
	}
	return c.state
}

// Err returns the error that drove the connection into Failed, or nil.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// PeerName reports the remote node's announced identity once connected.
func (c *Conn) PeerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerName
}

// NegotiatedFlags reports the session's effective flag set (the bitwise
// AND of both offers) once connected.
func (c *Conn) NegotiatedFlags() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.negotiated
}

// Stats exposes the live counters for the diag package.
func (c *Conn) Stats() *Stats { return &c.stats }

// AtomCacheOccupancy reports (inbound, outbound) installed-slot counts.
func (c *Conn) AtomCacheOccupancy() (in, out int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.inCache != nil {
		in = c.inCache.Len()
	}
	if c.outCache != nil {
		out = c.outCache.Len()
	}
	return in, out
}

// Allocator returns the connection's local PID allocator.
func (c *Conn) Allocator() *pid.Allocator { return c.alloc }

// AllocatePid mints a fresh local PID.
func (c *Conn) AllocatePid() term.Pid {
	c.stats.PidsAllocated.Add(1)
	return c.alloc.Allocate()
}

// MakeRef mints a locally-unique reference: a uuid supplies the first four
// id words, a monotonic counter the fifth, so two references minted in the
// same instant still differ.
func (c *Conn) MakeRef() term.Reference {
	u := uuid.New()
	ids := []uint32{
		binary.BigEndian.Uint32(u[0:4]),
		binary.BigEndian.Uint32(u[4:8]),
		binary.BigEndian.Uint32(u[8:12]),
		binary.BigEndian.Uint32(u[12:16]),
		uint32(c.refCounter.Add(1)),
	}
	return term.Reference{Node: c.cfg.LocalNodeName, Creation: c.alloc.Creation(), IDs: ids}
}

func (c *Conn) fail(err error) error {
	c.mu.Lock()
	c.state = Failed
	c.lastErr = err
	c.mu.Unlock()
	return err
}

// Connect resolves the peer through the port-mapper, dials its
// distribution listener, runs the six handshake steps, and switches the
// transport to 4-byte framing. On any failure the connection lands in
// Failed with the cause retained; Close and a fresh Connect recover.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: Connect from state %s", ErrInvalidState, st)
	}
	c.state = Connecting
	c.mu.Unlock()

	remoteShort, remoteHost, err := splitNodeName(c.cfg.RemoteNodeName)
	if err != nil {
		return c.fail(fmt.Errorf("node: %w: %v", ErrInvalidArgument, err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// Creation: either the configured override, or whatever the
	// port-mapper assigns when we register the local name.
	creation := c.cfg.Creation
	if creation == 0 {
		localShort, _, err := splitNodeName(c.cfg.LocalNodeName)
		if err != nil {
			return c.fail(fmt.Errorf("node: %w: %v", ErrInvalidArgument, err))
		}
		cr, keep, err := epmd.Register(ctx, c.cfg.EPMDHost, localShort, epmd.RegisterOpts{
			NodeType: epmd.NodeTypeHidden,
		})
		if err != nil {
			return c.fail(fmt.Errorf("node: register with port-mapper: %w", err))
		}
		creation = cr
		c.mu.Lock()
		c.keep = keep
		c.mu.Unlock()
	}
	c.alloc.SetCreation(creation)

	addr := c.peerAddr
	if addr == "" {
		info, err := epmd.Lookup(ctx, c.cfg.EPMDHost, remoteShort)
		if err != nil {
			return c.fail(fmt.Errorf("node: resolve %s: %w", c.cfg.RemoteNodeName, err))
		}
		c.log.Debug("port-mapper lookup complete",
			slog.Int("port", int(info.Port)),
			slog.Int("highest_version", int(info.HighestVersion)))
		addr = fmt.Sprintf("%s:%d", remoteHost, info.Port)
	}
	tr, err := transport.Dial(ctx, addr, c.cfg.Timeout, nil)
	if err != nil {
		return c.fail(err)
	}

	hs := handshake.New(tr, c.cfg.LocalNodeName, c.cfg.Flags, creation, c.cfg.Cookie)
	c.mu.Lock()
	c.tr = tr
	c.hs = hs
	c.mu.Unlock()

	result, err := hs.Run(ctx)
	if err != nil {
		c.stats.HandshakesFailed.Add(1)
		_ = c.audit.Event("handshake_failed", map[string]any{
			"remote_node": c.cfg.RemoteNodeName,
			"error":       err.Error(),
		})
		tr.Close()
		return c.fail(err)
	}

	tr.SetMode(transport.ModeDistribution)
	stop := make(chan struct{})
	tr.StartHeartbeat(stop)

	frags := fragment.New(fragment.DefaultTimeout, c.log)
	frags.Run(stop, 0)

	c.mu.Lock()
	c.state = Connected
	c.lastErr = nil
	c.rd = tr.DetachRead()
	c.stop = stop
	c.peerName = result.PeerName
	c.negotiated = result.Negotiated
	c.inCache = etf.NewAtomCache()
	c.outCache = etf.NewAtomCache()
	c.frags = frags
	c.mu.Unlock()

	c.stats.HandshakesCompleted.Add(1)
	c.log.Info("connected",
		slog.String("peer", result.PeerName),
		slog.Uint64("negotiated_flags", result.Negotiated))
	_ = c.audit.Event("connected", map[string]any{
		"remote_node":      result.PeerName,
		"negotiated_flags": result.Negotiated,
		"creation":         creation,
	})
	return nil
}

// splitNodeName splits "name@host": exactly one '@', both halves
// non-empty, name half at most 255 bytes.
func splitNodeName(name string) (short, host string, err error) {
	parts := strings.Split(name, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("node name %q is not of the form name@host", name)
	}
	if len(parts[0]) > 255 {
		return "", "", fmt.Errorf("node name %q: name half exceeds 255 bytes", name)
	}
	return parts[0], parts[1], nil
}

// sendPath is the snapshot of connection state a single send needs, taken
// under the state lock so Close racing a send never hands out nil halves.
type sendPath struct {
	tr         *transport.Conn
	outCache   *etf.AtomCache
	negotiated uint64
}

func (c *Conn) requireConnected() (sendPath, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != Connected {
		return sendPath{}, fmt.Errorf("%w: state is %s", ErrInvalidState, c.state)
	}
	return sendPath{tr: c.tr, outCache: c.outCache, negotiated: c.negotiated}, nil
}

// SendMessage delivers payload to a remote process by PID (SEND).
func (c *Conn) SendMessage(ctx context.Context, from, to term.Pid, payload term.Term) error {
	_ = from // SEND carries no sender field; kept for API symmetry with SendToName
	return c.SendControl(ctx, control.BuildSend(to), &payload)
}

// SendToName delivers payload to a registered process name (REG_SEND).
func (c *Conn) SendToName(ctx context.Context, from term.Pid, toName string, payload term.Term) error {
	return c.SendControl(ctx, control.BuildRegSend(from, toName), &payload)
}

// Link establishes a bidirectional link between a local and a remote PID.
func (c *Conn) Link(ctx context.Context, from, to term.Pid) error {
	return c.SendControl(ctx, control.BuildLink(from, to), nil)
}

// Unlink removes a link. When the peer negotiated UNLINK_ID the new
// id-carrying form is used; the legacy UNLINK tuple otherwise.
func (c *Conn) Unlink(ctx context.Context, from, to term.Pid) error {
	if c.NegotiatedFlags()&handshake.FlagUnlinkID != 0 {
		id := c.unlinkID.Add(1)
		return c.SendControl(ctx, control.BuildUnlinkID(id, from, to), nil)
	}
	return c.SendControl(ctx, control.BuildUnlink(from, to), nil)
}

// Monitor starts monitoring a remote process (a PID or a registered-name
// atom) and returns the reference that will identify the MONITOR_P_EXIT.
func (c *Conn) Monitor(ctx context.Context, from term.Pid, toProc term.Term) (term.Reference, error) {
	ref := c.MakeRef()
	if err := c.SendControl(ctx, control.BuildMonitorP(from, toProc, ref), nil); err != nil {
		return term.Reference{}, err
	}
	return ref, nil
}

// Demonitor cancels a monitor previously established with Monitor.
func (c *Conn) Demonitor(ctx context.Context, from term.Pid, toProc term.Term, ref term.Reference) error {
	return c.SendControl(ctx, control.BuildDemonitorP(from, toProc, ref), nil)
}

// Exit2 sends an exit signal to a remote process, as exit/2 does.
func (c *Conn) Exit2(ctx context.Context, from, to term.Pid, reason term.Term) error {
	return c.SendControl(ctx, control.BuildExit2(from, to, reason), nil)
}

// SpawnRequest asks the peer to spawn mod:fn(args...) and returns the
// request reference its SPAWN_REPLY will echo.
func (c *Conn) SpawnRequest(ctx context.Context, from, groupLeader term.Pid, mod, fn string, args []term.Term) (term.Reference, error) {
	reqID := c.MakeRef()
	opts := control.SpawnOpts{
		MFA:  term.Tuple(term.Atom(mod), term.Atom(fn), term.Integer(int64(len(args)))),
		Args: term.List(args...),
		Opts: term.Nil(),
	}
	if err := c.SendControl(ctx, control.BuildSpawnRequest(reqID, from, groupLeader, opts), nil); err != nil {
		return term.Reference{}, err
	}
	return reqID, nil
}

// SendControl serializes one control message (plus optional payload) and
// writes it as a single distribution frame. The pass-through layout is
// used unless both sides negotiated the distribution-header atom cache.
// Sends are serialized on an internal mutex: the outbound atom cache is
// mutated during cache-header encoding and must only ever see one encoder.
func (c *Conn) SendControl(ctx context.Context, msg control.Message, payload *term.Term) error {
	sp, err := c.requireConnected()
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	body, err := encodeFrame(msg, payload, sp.negotiated, sp.outCache)
	if err != nil {
		return err
	}
	if err := sp.tr.WriteFrame(ctx, body); err != nil {
		return err
	}
	c.stats.ControlsSent.Add(1)
	c.log.Debug("control sent", slog.String("kind", msg.Kind.String()))
	return nil
}

func encodeFrame(msg control.Message, payload *term.Term, negotiated uint64, outCache *etf.AtomCache) ([]byte, error) {
	terms := []term.Term{msg.Build()}
	if payload != nil {
		terms = append(terms, *payload)
	}

	if negotiated&handshake.FlagDistHdrAtomCache != 0 {
		header, bodies, err := etf.EncodeWithAtomCache(terms, outCache)
		if err != nil {
			return nil, err
		}
		body := make([]byte, 0, 1+len(header)+frameLen(bodies))
		body = append(body, 131)
		body = append(body, header...)
		for _, b := range bodies {
			body = append(body, b...)
		}
		return body, nil
	}

	body := []byte{112}
	for _, t := range terms {
		enc, err := etf.Encode(t)
		if err != nil {
			return nil, err
		}
		body = append(body, enc...)
	}
	return body, nil
}

func frameLen(bodies [][]byte) int {
	n := 0
	for _, b := range bodies {
		n += len(b)
	}
	return n
}

// ReceiveMessage reads frames until one complete (control, payload) pair
// is available: heartbeat ticks are counted and skipped, fragment frames
// are fed to the assembler and only surface once their sequence completes.
// It must be driven from a single goroutine; the inbound atom cache and
// fragment assembler belong to it.
func (c *Conn) ReceiveMessage(ctx context.Context) (*Message, error) {
	c.mu.RLock()
	rd, frags, inCache := c.rd, c.frags, c.inCache
	state := c.state
	c.mu.RUnlock()
	if state != Connected {
		return nil, fmt.Errorf("%w: state is %s", ErrInvalidState, state)
	}

	for {
		body, err := rd.ReadFrame(ctx)
		if err != nil {
			return nil, err
		}
		if body == nil {
			c.stats.TicksReceived.Add(1)
			continue
		}

		msg, complete, err := c.dispatchFrame(body, frags, inCache)
		if err != nil {
			return nil, err
		}
		if !complete {
			continue
		}
		c.stats.ControlsReceived.Add(1)
		return msg, nil
	}
}

// dispatchFrame routes one inbound frame body by its leading bytes:
// pass-through (112), atom-cache header (131 68), fragment header or
// continuation (131 69 / 131 70), or a bare top-level term.
func (c *Conn) dispatchFrame(body []byte, frags *fragment.Assembler, inCache *etf.AtomCache) (*Message, bool, error) {
	switch {
	case body[0] == 112:
		msg, err := decodePassThrough(body[1:])
		return msg, err == nil, err

	case body[0] == 131 && len(body) >= 2 && body[1] == 68:
		msg, err := decodeCacheFramed(body[1:], inCache)
		return msg, err == nil, err

	case body[0] == 131 && len(body) >= 18 && body[1] == 69:
		seq := binary.BigEndian.Uint64(body[2:])
		fragID := binary.BigEndian.Uint64(body[10:])
		buf, done, err := frags.StartFragment(fragment.SequenceID(seq), int(fragID), fragID, nil, body[18:])
		if err != nil {
			return nil, false, err
		}
		if !done {
			return nil, false, nil
		}
		c.stats.FragmentsReassembled.Add(1)
		msg, err := decodeCacheFramed(buf, inCache)
		return msg, err == nil, err

	case body[0] == 131 && len(body) >= 18 && body[1] == 70:
		seq := binary.BigEndian.Uint64(body[2:])
		fragID := binary.BigEndian.Uint64(body[10:])
		buf, done := frags.AddFragment(fragment.SequenceID(seq), fragID, body[18:])
		if !done {
			return nil, false, nil
		}
		c.stats.FragmentsReassembled.Add(1)
		msg, err := decodeCacheFramed(buf, inCache)
		return msg, err == nil, err

	default:
		t, n, err := etf.Decode(body)
		if err != nil {
			return nil, false, err
		}
		msg, err := control.Parse(t)
		if err != nil {
			return nil, false, err
		}
		out := &Message{Control: msg}
		if msg.Kind.HasPayload() && n < len(body) {
			p, _, err := etf.Decode(body[n:])
			if err != nil {
				return nil, false, err
			}
			out.Payload = &p
		}
		return out, true, nil
	}
}

// decodePassThrough decodes `<control-etf> [<payload-etf>]`, each segment
// a full version-prefixed term.
func decodePassThrough(buf []byte) (*Message, error) {
	ctrlTerm, n, err := etf.Decode(buf)
	if err != nil {
		return nil, err
	}
	msg, err := control.Parse(ctrlTerm)
	if err != nil {
		return nil, err
	}
	out := &Message{Control: msg}
	if msg.Kind.HasPayload() && n < len(buf) {
		p, _, err := etf.Decode(buf[n:])
		if err != nil {
			return nil, err
		}
		out.Payload = &p
	}
	return out, nil
}

// decodeCacheFramed decodes `<dist-header> <control> [<payload>]` where
// buf starts at the distribution-header tag (68). New cache entries are
// installed into the inbound cache as a side effect of header decoding.
func decodeCacheFramed(buf []byte, inCache *etf.AtomCache) (*Message, error) {
	_, n, err := etf.DecodeDistHeader(buf, inCache)
	if err != nil {
		return nil, err
	}
	ctrlTerm, m, err := etf.DecodeWithAtomCache(buf[n:], inCache)
	if err != nil {
		return nil, err
	}
	msg, err := control.Parse(ctrlTerm)
	if err != nil {
		return nil, err
	}
	out := &Message{Control: msg}
	if msg.Kind.HasPayload() && n+m < len(buf) {
		p, _, err := etf.DecodeWithAtomCache(buf[n+m:], inCache)
		if err != nil {
			return nil, err
		}
		out.Payload = &p
	}
	return out, nil
}

// Close tears the connection down: the socket, the heartbeat and fragment
// sweeper goroutines, the port-mapper registration, both atom caches, and
// any buffered fragment sequences. Safe to call in any state and more than
// once; afterwards the connection is Disconnected and may Connect again.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
		c.stop = nil
	}
	if c.tr != nil {
		if err := c.tr.Close(); err != nil {
			errs = append(errs, err)
		}
		c.tr = nil
	}
	if c.keep != nil {
		if err := c.keep.Close(); err != nil {
			errs = append(errs, err)
		}
		c.keep = nil
	}
	if c.frags != nil {
		c.frags.Clear()
		c.frags = nil
	}
	c.rd = nil
	c.hs = nil
	c.inCache = nil
	c.outCache = nil
	c.peerName = ""
	c.negotiated = 0
	c.state = Disconnected
	c.lastErr = nil

	_ = c.audit.Event("closed", map[string]any{"remote_node": c.cfg.RemoteNodeName})
	c.log.Info("connection closed")
	return errors.Join(errs...)
}

// ConnectWithin retries Connect with exponential backoff until ctx
// expires, for callers racing a peer that is still booting.
func (c *Conn) ConnectWithin(ctx context.Context, within time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, within)
	defer cancel()
	return epmd.DialWithRetry(ctx, func(ctx context.Context) error {
		if err := c.Connect(ctx); err != nil {
			_ = c.Close()
			return err
		}
		return nil
	})
}
