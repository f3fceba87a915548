package control

import (
	"testing"

	"github.com/tripwire/edp/term"
)

func samplePid(id uint32) term.Pid { return term.Pid{Node: "n@h", ID: id, Serial: 0, Creation: 1} }
func sampleRef(id uint32) term.Reference {
	return term.Reference{Node: "n@h", Creation: 1, IDs: []uint32{id}}
}

// roundTrip builds m's term, parses it back, and checks the resulting
// Message is identical to m.
func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	wire := m.Build()
	parsed, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Kind != m.Kind {
		t.Fatalf("kind mismatch: got %v want %v", parsed.Kind, m.Kind)
	}
	if len(parsed.Fields) != len(m.Fields) {
		t.Fatalf("field count mismatch for %v: got %d want %d", m.Kind, len(parsed.Fields), len(m.Fields))
	}
	rebuilt := parsed.Build()
	if !termsEqualBytes(t, wire, rebuilt) {
		t.Fatalf("round trip not byte-identical for %v", m.Kind)
	}
	return parsed
}

func termsEqualBytes(t *testing.T, a, b term.Term) bool {
	t.Helper()
	// Compare via the tuple shape rather than encoding, since this package
	// doesn't depend on etf; two tuples with equal elements in order are
	// what Build()/Parse() must preserve.
	ae, _ := a.AsTuple()
	be, _ := b.AsTuple()
	if len(ae) != len(be) {
		return false
	}
	for i := range ae {
		if ae[i].Kind() != be[i].Kind() || ae[i].String() != be[i].String() {
			return false
		}
	}
	return true
}

func TestAllKindsRoundTrip(t *testing.T) {
	from, to, gl := samplePid(1), samplePid(2), samplePid(3)
	reason := term.Atom("normal")
	tt := term.Atom("trace")
	ref := sampleRef(7)

	messages := []Message{
		BuildLink(from, to),
		BuildSend(to),
		BuildExit(from, to, reason),
		BuildUnlink(from, to),
		BuildNodeLink(),
		BuildRegSend(from, "my_server"),
		BuildGroupLeader(from, to),
		BuildExit2(from, to, reason),
		BuildSendTT(to, tt),
		BuildExitTT(from, to, tt, reason),
		BuildRegSendTT(from, "my_server", tt),
		BuildExit2TT(from, to, tt, reason),
		BuildMonitorP(from, term.PidTerm(to), ref),
		BuildDemonitorP(from, term.PidTerm(to), ref),
		BuildMonitorPExit(term.PidTerm(from), to, ref, reason),
		BuildSendSender(from, to),
		BuildSendSenderTT(from, to, tt),
		BuildPayloadExit(from, to),
		BuildPayloadExitTT(from, to, tt),
		BuildPayloadExit2(from, to),
		BuildPayloadExit2TT(from, to, tt),
		BuildPayloadMonitorPExit(term.PidTerm(from), to, ref),
		BuildSpawnRequest(ref, from, gl, SpawnOpts{MFA: term.Atom("mfa"), Args: term.Nil(), Opts: term.Nil()}),
		BuildSpawnRequestTT(ref, from, gl, SpawnOpts{MFA: term.Atom("mfa"), Args: term.Nil(), Opts: term.Nil()}, tt),
		BuildSpawnReply(ref, to, term.Integer(0), term.Atom("ok")),
		BuildSpawnReplyTT(ref, to, term.Integer(0), term.Atom("ok"), tt),
		BuildAliasSend(from, ref),
		BuildAliasSendTT(from, ref, tt),
		BuildUnlinkID(42, from, to),
		BuildUnlinkIDAck(42, from, to),
	}

	for _, m := range messages {
		roundTrip(t, m)
	}
}

func TestTypedAccessors(t *testing.T) {
	from, to := samplePid(1), samplePid(2)

	link := roundTrip(t, BuildLink(from, to))
	f, tp, ok := link.AsLink()
	if !ok || !f.Equal(from) || !tp.Equal(to) {
		t.Fatalf("AsLink: got (%v,%v,%v)", f, tp, ok)
	}

	send := roundTrip(t, BuildSend(to))
	toPid, ok := send.AsSend()
	if !ok || !toPid.Equal(to) {
		t.Fatalf("AsSend: got (%v,%v)", toPid, ok)
	}

	ul := roundTrip(t, BuildUnlinkID(7, from, to))
	id, f2, t2, ok := ul.AsUnlinkID()
	if !ok || id != 7 || !f2.Equal(from) || !t2.Equal(to) {
		t.Fatalf("AsUnlinkID: got (%d,%v,%v,%v)", id, f2, t2, ok)
	}
}

func TestUnknownKindParsesAsGenericCatchAll(t *testing.T) {
	wire := term.Tuple(term.Integer(99), term.Atom("a"), term.Integer(1), term.Nil())
	m, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Kind != Kind(99) {
		t.Fatalf("Kind = %v, want 99", m.Kind)
	}
	if len(m.Fields) != 3 {
		t.Fatalf("Fields = %d, want 3", len(m.Fields))
	}

	rebuilt := m.Build()
	again, err := Parse(rebuilt)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	if again.Kind != m.Kind || len(again.Fields) != len(m.Fields) {
		t.Fatalf("generic catch-all did not round trip: %+v vs %+v", m, again)
	}

	// A known kind with the wrong arity also falls back to catch-all
	// semantics: Parse still succeeds, but the typed accessor reports ok=false.
	wrongArity := term.Tuple(term.Integer(int64(LINK)), term.Atom("only_one_field"))
	lm, err := Parse(wrongArity)
	if err != nil {
		t.Fatalf("Parse(wrong arity LINK): %v", err)
	}
	if _, _, ok := lm.AsLink(); ok {
		t.Fatalf("AsLink should report ok=false for wrong arity")
	}
}

func TestParseRejectsEmptyOrNonIntegerTag(t *testing.T) {
	if _, err := Parse(term.Tuple()); err == nil {
		t.Fatalf("expected error for empty tuple")
	}
	if _, err := Parse(term.Tuple(term.Atom("not_an_integer"))); err == nil {
		t.Fatalf("expected error for non-integer tag")
	}
	if _, err := Parse(term.Tuple(term.Integer(256))); err == nil {
		t.Fatalf("expected error for out-of-range tag")
	}
	if _, err := Parse(term.Atom("not_a_tuple")); err == nil {
		t.Fatalf("expected error for non-tuple term")
	}
}
