// Package control implements the control-message vocabulary: the 30
// tagged-tuple kinds that carry process-graph operations (send, link,
// monitor, exit, spawn) over the distribution wire, plus the generic
// catch-all that lets unknown or future kinds survive a decode/encode
// round trip untouched.
package control

import (
	"fmt"

	"github.com/tripwire/edp/term"
)

// Kind is the first element of every control tuple.
type Kind int

const (
	LINK                   Kind = 1
	SEND                   Kind = 2
	EXIT                   Kind = 3
	UNLINK                 Kind = 4
	NODE_LINK              Kind = 5
	REG_SEND               Kind = 6
	GROUP_LEADER           Kind = 7
	EXIT2                  Kind = 8
	SEND_TT                Kind = 12
	EXIT_TT                Kind = 13
	REG_SEND_TT            Kind = 16
	EXIT2_TT               Kind = 18
	MONITOR_P              Kind = 19
	DEMONITOR_P            Kind = 20
	MONITOR_P_EXIT         Kind = 21
	SEND_SENDER            Kind = 22
	SEND_SENDER_TT         Kind = 23
	PAYLOAD_EXIT           Kind = 24
	PAYLOAD_EXIT_TT        Kind = 25
	PAYLOAD_EXIT2          Kind = 26
	PAYLOAD_EXIT2_TT       Kind = 27
	PAYLOAD_MONITOR_P_EXIT Kind = 28
	SPAWN_REQUEST          Kind = 29
	SPAWN_REQUEST_TT       Kind = 30
	SPAWN_REPLY            Kind = 31
	SPAWN_REPLY_TT         Kind = 32
	ALIAS_SEND             Kind = 33
	UNLINK_ID              Kind = 35
	UNLINK_ID_ACK          Kind = 36
	ALIAS_SEND_TT          Kind = 38
)

var kindNames = map[Kind]string{
	LINK: "LINK", SEND: "SEND", EXIT: "EXIT", UNLINK: "UNLINK", NODE_LINK: "NODE_LINK",
	REG_SEND: "REG_SEND", GROUP_LEADER: "GROUP_LEADER", EXIT2: "EXIT2", SEND_TT: "SEND_TT",
	EXIT_TT: "EXIT_TT", REG_SEND_TT: "REG_SEND_TT", EXIT2_TT: "EXIT2_TT", MONITOR_P: "MONITOR_P",
	DEMONITOR_P: "DEMONITOR_P", MONITOR_P_EXIT: "MONITOR_P_EXIT", SEND_SENDER: "SEND_SENDER",
	SEND_SENDER_TT: "SEND_SENDER_TT", PAYLOAD_EXIT: "PAYLOAD_EXIT", PAYLOAD_EXIT_TT: "PAYLOAD_EXIT_TT",
	PAYLOAD_EXIT2: "PAYLOAD_EXIT2", PAYLOAD_EXIT2_TT: "PAYLOAD_EXIT2_TT",
	PAYLOAD_MONITOR_P_EXIT: "PAYLOAD_MONITOR_P_EXIT", SPAWN_REQUEST: "SPAWN_REQUEST",
	SPAWN_REQUEST_TT: "SPAWN_REQUEST_TT", SPAWN_REPLY: "SPAWN_REPLY", SPAWN_REPLY_TT: "SPAWN_REPLY_TT",
	ALIAS_SEND: "ALIAS_SEND", UNLINK_ID: "UNLINK_ID", UNLINK_ID_ACK: "UNLINK_ID_ACK",
	ALIAS_SEND_TT: "ALIAS_SEND_TT",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// HasPayload reports whether messages of this kind are followed by a
// separate payload term on the wire.
func (k Kind) HasPayload() bool {
	switch k {
	case SEND, SEND_TT, REG_SEND, REG_SEND_TT, SEND_SENDER, SEND_SENDER_TT,
		ALIAS_SEND, ALIAS_SEND_TT, SPAWN_REQUEST, SPAWN_REQUEST_TT:
		return true
	default:
		return false
	}
}

// Message is a control-message instance: an integer kind plus its raw
// field terms. Message is also the catch-all representation for unknown
// kinds and for any kind whose field count doesn't match its known shape;
// callers distinguish a "valid" message from a catch-all only by calling
// the matching typed accessor, which itself checks arity.
type Message struct {
	Kind   Kind
	Fields []term.Term
}

// ErrInvalidControlMessage reports a tuple that cannot be a control
// message at all: empty, or a non-integer/out-of-range first element.
var ErrInvalidControlMessage = fmt.Errorf("control: invalid control message")

// Parse extracts a Message from a decoded tuple term. An arity mismatch
// against the known shape for t's kind
// does NOT fail; it simply yields a Message whose typed accessors will
// report ok=false; only a non-tuple, empty tuple, or non-byte-range first
// element is an error.
func Parse(t term.Term) (Message, error) {
	elems, ok := t.AsTuple()
	if !ok || len(elems) == 0 {
		return Message{}, fmt.Errorf("%w: not a non-empty tuple", ErrInvalidControlMessage)
	}
	kindVal, ok := elems[0].AsInteger()
	if !ok || kindVal < 0 || kindVal > 255 {
		return Message{}, fmt.Errorf("%w: tag must be an integer in [0,255]", ErrInvalidControlMessage)
	}
	return Message{Kind: Kind(kindVal), Fields: elems[1:]}, nil
}

// Build constructs the tuple term for m.
func (m Message) Build() term.Term {
	elems := make([]term.Term, 0, 1+len(m.Fields))
	elems = append(elems, term.Integer(int64(m.Kind)))
	elems = append(elems, m.Fields...)
	return term.Tuple(elems...)
}

func arity(fields []term.Term, n int) bool { return len(fields) == n }

// emptyCookie is the atom every SEND-family control message carries in
// its legacy cookie slot; modern OTP ignores its value but still expects
// the field to be present.
func emptyCookie() term.Term { return term.Atom("") }

// --- Build* constructors -------------------------------------------------

func BuildLink(from, to term.Pid) Message {
	return Message{Kind: LINK, Fields: []term.Term{term.PidTerm(from), term.PidTerm(to)}}
}

func BuildSend(to term.Pid) Message {
	return Message{Kind: SEND, Fields: []term.Term{emptyCookie(), term.PidTerm(to)}}
}

func BuildExit(from, to term.Pid, reason term.Term) Message {
	return Message{Kind: EXIT, Fields: []term.Term{term.PidTerm(from), term.PidTerm(to), reason}}
}

func BuildUnlink(from, to term.Pid) Message {
	return Message{Kind: UNLINK, Fields: []term.Term{term.PidTerm(from), term.PidTerm(to)}}
}

func BuildNodeLink() Message { return Message{Kind: NODE_LINK} }

func BuildRegSend(from term.Pid, toName string) Message {
	return Message{Kind: REG_SEND, Fields: []term.Term{term.PidTerm(from), emptyCookie(), term.Atom(toName)}}
}

func BuildGroupLeader(from, to term.Pid) Message {
	return Message{Kind: GROUP_LEADER, Fields: []term.Term{term.PidTerm(from), term.PidTerm(to)}}
}

func BuildExit2(from, to term.Pid, reason term.Term) Message {
	return Message{Kind: EXIT2, Fields: []term.Term{term.PidTerm(from), term.PidTerm(to), reason}}
}

func BuildSendTT(to term.Pid, traceToken term.Term) Message {
	return Message{Kind: SEND_TT, Fields: []term.Term{emptyCookie(), term.PidTerm(to), traceToken}}
}

func BuildExitTT(from, to term.Pid, traceToken, reason term.Term) Message {
	return Message{Kind: EXIT_TT, Fields: []term.Term{term.PidTerm(from), term.PidTerm(to), traceToken, reason}}
}

func BuildRegSendTT(from term.Pid, toName string, traceToken term.Term) Message {
	return Message{Kind: REG_SEND_TT, Fields: []term.Term{term.PidTerm(from), emptyCookie(), term.Atom(toName), traceToken}}
}

func BuildExit2TT(from, to term.Pid, traceToken, reason term.Term) Message {
	return Message{Kind: EXIT2_TT, Fields: []term.Term{term.PidTerm(from), term.PidTerm(to), traceToken, reason}}
}

func BuildMonitorP(from term.Pid, toProc term.Term, ref term.Reference) Message {
	return Message{Kind: MONITOR_P, Fields: []term.Term{term.PidTerm(from), toProc, term.ReferenceTerm(ref)}}
}

func BuildDemonitorP(from term.Pid, toProc term.Term, ref term.Reference) Message {
	return Message{Kind: DEMONITOR_P, Fields: []term.Term{term.PidTerm(from), toProc, term.ReferenceTerm(ref)}}
}

func BuildMonitorPExit(fromProc term.Term, to term.Pid, ref term.Reference, reason term.Term) Message {
	return Message{Kind: MONITOR_P_EXIT, Fields: []term.Term{fromProc, term.PidTerm(to), term.ReferenceTerm(ref), reason}}
}

func BuildSendSender(from, to term.Pid) Message {
	return Message{Kind: SEND_SENDER, Fields: []term.Term{term.PidTerm(from), term.PidTerm(to)}}
}

func BuildSendSenderTT(from, to term.Pid, traceToken term.Term) Message {
	return Message{Kind: SEND_SENDER_TT, Fields: []term.Term{term.PidTerm(from), term.PidTerm(to), traceToken}}
}

func BuildPayloadExit(from, to term.Pid) Message {
	return Message{Kind: PAYLOAD_EXIT, Fields: []term.Term{term.PidTerm(from), term.PidTerm(to)}}
}

func BuildPayloadExitTT(from, to term.Pid, traceToken term.Term) Message {
	return Message{Kind: PAYLOAD_EXIT_TT, Fields: []term.Term{term.PidTerm(from), term.PidTerm(to), traceToken}}
}

func BuildPayloadExit2(from, to term.Pid) Message {
	return Message{Kind: PAYLOAD_EXIT2, Fields: []term.Term{term.PidTerm(from), term.PidTerm(to)}}
}

func BuildPayloadExit2TT(from, to term.Pid, traceToken term.Term) Message {
	return Message{Kind: PAYLOAD_EXIT2_TT, Fields: []term.Term{term.PidTerm(from), term.PidTerm(to), traceToken}}
}

func BuildPayloadMonitorPExit(fromProc term.Term, to term.Pid, ref term.Reference) Message {
	return Message{Kind: PAYLOAD_MONITOR_P_EXIT, Fields: []term.Term{fromProc, term.PidTerm(to), term.ReferenceTerm(ref)}}
}

// SpawnOpts are the fields of a SPAWN_REQUEST/SPAWN_REQUEST_TT message
// beyond the requester identity: the MFA triple, the argument list, and
// the spawn option proplist.
type SpawnOpts struct {
	MFA  term.Term
	Args term.Term
	Opts term.Term
}

func BuildSpawnRequest(reqID term.Reference, from, groupLeader term.Pid, o SpawnOpts) Message {
	return Message{Kind: SPAWN_REQUEST, Fields: []term.Term{
		term.ReferenceTerm(reqID), term.PidTerm(from), term.PidTerm(groupLeader), o.MFA, o.Args, o.Opts,
	}}
}

func BuildSpawnRequestTT(reqID term.Reference, from, groupLeader term.Pid, o SpawnOpts, traceToken term.Term) Message {
	return Message{Kind: SPAWN_REQUEST_TT, Fields: []term.Term{
		term.ReferenceTerm(reqID), term.PidTerm(from), term.PidTerm(groupLeader), o.MFA, o.Args, o.Opts, traceToken,
	}}
}

func BuildSpawnReply(reqID term.Reference, to term.Pid, flags term.Term, result term.Term) Message {
	return Message{Kind: SPAWN_REPLY, Fields: []term.Term{term.ReferenceTerm(reqID), term.PidTerm(to), flags, result}}
}

func BuildSpawnReplyTT(reqID term.Reference, to term.Pid, flags term.Term, result, traceToken term.Term) Message {
	return Message{Kind: SPAWN_REPLY_TT, Fields: []term.Term{term.ReferenceTerm(reqID), term.PidTerm(to), flags, result, traceToken}}
}

func BuildAliasSend(from term.Pid, alias term.Reference) Message {
	return Message{Kind: ALIAS_SEND, Fields: []term.Term{term.PidTerm(from), term.ReferenceTerm(alias)}}
}

func BuildAliasSendTT(from term.Pid, alias term.Reference, traceToken term.Term) Message {
	return Message{Kind: ALIAS_SEND_TT, Fields: []term.Term{term.PidTerm(from), term.ReferenceTerm(alias), traceToken}}
}

func BuildUnlinkID(id uint64, from, to term.Pid) Message {
	return Message{Kind: UNLINK_ID, Fields: []term.Term{term.Integer(int64(id)), term.PidTerm(from), term.PidTerm(to)}}
}

func BuildUnlinkIDAck(id uint64, from, to term.Pid) Message {
	return Message{Kind: UNLINK_ID_ACK, Fields: []term.Term{term.Integer(int64(id)), term.PidTerm(from), term.PidTerm(to)}}
}

// --- As* typed accessors --------------------------------------------------
//
// Each checks both Kind and field count/type before extracting; any
// mismatch returns ok=false rather than panicking, since a Message may
// carry arbitrary Fields (an unknown kind, or a known kind with the wrong
// arity, which must survive as a generic catch-all).

func twoPids(m Message, want Kind) (from, to term.Pid, ok bool) {
	if m.Kind != want || !arity(m.Fields, 2) {
		return term.Pid{}, term.Pid{}, false
	}
	from, ok1 := m.Fields[0].AsPid()
	to, ok2 := m.Fields[1].AsPid()
	return from, to, ok1 && ok2
}

func (m Message) AsLink() (from, to term.Pid, ok bool)   { return twoPids(m, LINK) }
func (m Message) AsUnlink() (from, to term.Pid, ok bool) { return twoPids(m, UNLINK) }
func (m Message) AsGroupLeader() (from, to term.Pid, ok bool) { return twoPids(m, GROUP_LEADER) }
func (m Message) AsSendSender() (from, to term.Pid, ok bool)  { return twoPids(m, SEND_SENDER) }
func (m Message) AsPayloadExit() (from, to term.Pid, ok bool) { return twoPids(m, PAYLOAD_EXIT) }
func (m Message) AsPayloadExit2() (from, to term.Pid, ok bool) { return twoPids(m, PAYLOAD_EXIT2) }

func (m Message) AsSend() (to term.Pid, ok bool) {
	if m.Kind != SEND || !arity(m.Fields, 2) {
		return term.Pid{}, false
	}
	to, ok = m.Fields[1].AsPid()
	return to, ok
}

func (m Message) AsExit() (from, to term.Pid, reason term.Term, ok bool) {
	if m.Kind != EXIT || !arity(m.Fields, 3) {
		return term.Pid{}, term.Pid{}, term.Term{}, false
	}
	f, ok1 := m.Fields[0].AsPid()
	t, ok2 := m.Fields[1].AsPid()
	return f, t, m.Fields[2], ok1 && ok2
}

func (m Message) AsExit2() (from, to term.Pid, reason term.Term, ok bool) {
	if m.Kind != EXIT2 || !arity(m.Fields, 3) {
		return term.Pid{}, term.Pid{}, term.Term{}, false
	}
	f, ok1 := m.Fields[0].AsPid()
	t, ok2 := m.Fields[1].AsPid()
	return f, t, m.Fields[2], ok1 && ok2
}

func (m Message) AsRegSend() (from term.Pid, toName string, ok bool) {
	if m.Kind != REG_SEND || !arity(m.Fields, 3) {
		return term.Pid{}, "", false
	}
	f, ok1 := m.Fields[0].AsPid()
	name, ok2 := m.Fields[2].AsAtom()
	return f, name, ok1 && ok2
}

func (m Message) AsMonitorP() (from term.Pid, toProc term.Term, ref term.Reference, ok bool) {
	if m.Kind != MONITOR_P || !arity(m.Fields, 3) {
		return term.Pid{}, term.Term{}, term.Reference{}, false
	}
	f, ok1 := m.Fields[0].AsPid()
	r, ok2 := m.Fields[2].AsReference()
	return f, m.Fields[1], r, ok1 && ok2
}

func (m Message) AsDemonitorP() (from term.Pid, toProc term.Term, ref term.Reference, ok bool) {
	if m.Kind != DEMONITOR_P || !arity(m.Fields, 3) {
		return term.Pid{}, term.Term{}, term.Reference{}, false
	}
	f, ok1 := m.Fields[0].AsPid()
	r, ok2 := m.Fields[2].AsReference()
	return f, m.Fields[1], r, ok1 && ok2
}

func (m Message) AsMonitorPExit() (fromProc term.Term, to term.Pid, ref term.Reference, reason term.Term, ok bool) {
	if m.Kind != MONITOR_P_EXIT || !arity(m.Fields, 4) {
		return term.Term{}, term.Pid{}, term.Reference{}, term.Term{}, false
	}
	to, ok1 := m.Fields[1].AsPid()
	r, ok2 := m.Fields[2].AsReference()
	return m.Fields[0], to, r, m.Fields[3], ok1 && ok2
}

func (m Message) AsAliasSend() (from term.Pid, alias term.Reference, ok bool) {
	if m.Kind != ALIAS_SEND || !arity(m.Fields, 2) {
		return term.Pid{}, term.Reference{}, false
	}
	f, ok1 := m.Fields[0].AsPid()
	r, ok2 := m.Fields[1].AsReference()
	return f, r, ok1 && ok2
}

func (m Message) AsSpawnRequest() (reqID term.Reference, from, groupLeader term.Pid, o SpawnOpts, ok bool) {
	if m.Kind != SPAWN_REQUEST || !arity(m.Fields, 6) {
		return term.Reference{}, term.Pid{}, term.Pid{}, SpawnOpts{}, false
	}
	r, ok1 := m.Fields[0].AsReference()
	f, ok2 := m.Fields[1].AsPid()
	g, ok3 := m.Fields[2].AsPid()
	return r, f, g, SpawnOpts{MFA: m.Fields[3], Args: m.Fields[4], Opts: m.Fields[5]}, ok1 && ok2 && ok3
}

func (m Message) AsSpawnReply() (reqID term.Reference, to term.Pid, flags, result term.Term, ok bool) {
	if m.Kind != SPAWN_REPLY || !arity(m.Fields, 4) {
		return term.Reference{}, term.Pid{}, term.Term{}, term.Term{}, false
	}
	r, ok1 := m.Fields[0].AsReference()
	t, ok2 := m.Fields[1].AsPid()
	return r, t, m.Fields[2], m.Fields[3], ok1 && ok2
}

// unlinkID extracts the id, from, to shared by UNLINK_ID and
// UNLINK_ID_ACK; the id must be non-negative.
func unlinkID(m Message, want Kind) (id uint64, from, to term.Pid, ok bool) {
	if m.Kind != want || !arity(m.Fields, 3) {
		return 0, term.Pid{}, term.Pid{}, false
	}
	idv, ok1 := m.Fields[0].AsInteger()
	f, ok2 := m.Fields[1].AsPid()
	t, ok3 := m.Fields[2].AsPid()
	if !ok1 || idv < 0 || !ok2 || !ok3 {
		return 0, term.Pid{}, term.Pid{}, false
	}
	return uint64(idv), f, t, true
}

func (m Message) AsUnlinkID() (id uint64, from, to term.Pid, ok bool) {
	return unlinkID(m, UNLINK_ID)
}

func (m Message) AsUnlinkIDAck() (id uint64, from, to term.Pid, ok bool) {
	return unlinkID(m, UNLINK_ID_ACK)
}
