// Package term implements the in-memory representation of every term the
// External Term Format can carry: small and big integers, floats, atoms,
// binaries, bit-binaries, lists (proper and improper), tuples, maps, PIDs,
// ports, references, and functions.
//
// A Term is acyclic by construction: there is no API surface that lets a
// caller wire one term's child back to an ancestor, since the ETF encoder
// has no shared-reference tag and would infinite-loop on a cycle.
package term

import "fmt"

// Kind discriminates the variant held by a Term.
type Kind uint8

const (
	KindInteger Kind = iota
	KindBigInt
	KindFloat
	KindAtom
	KindBinary
	KindBitBinary
	KindList
	KindImproperList
	KindTuple
	KindMap
	KindPid
	KindPort
	KindReference
	KindExternalFun
	KindInternalFun
	KindNil
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindBigInt:
		return "big_integer"
	case KindFloat:
		return "float"
	case KindAtom:
		return "atom"
	case KindBinary:
		return "binary"
	case KindBitBinary:
		return "bit_binary"
	case KindList:
		return "list"
	case KindImproperList:
		return "improper_list"
	case KindTuple:
		return "tuple"
	case KindMap:
		return "map"
	case KindPid:
		return "pid"
	case KindPort:
		return "port"
	case KindReference:
		return "reference"
	case KindExternalFun:
		return "external_fun"
	case KindInternalFun:
		return "internal_fun"
	case KindNil:
		return "nil"
	default:
		return "unknown"
	}
}

// Sign is the sign of a BigInt.
type Sign int8

const (
	Positive Sign = 1
	Negative Sign = -1
)

// BigInt is an arbitrary-precision integer: a sign plus little-endian byte
// digits, matching the ETF SMALL_BIG_EXT / LARGE_BIG_EXT layout directly.
type BigInt struct {
	Sign   Sign
	Digits []byte // little-endian, no leading (i.e. trailing) zero digits
}

// MapEntry is one key/value pair of a Map term. Map terms preserve
// insertion order in Go slices but compare for ordering by the BEAM map
// total-order rule implemented in order.go.
type MapEntry struct {
	Key   Term
	Value Term
}

// ExternalFun is the module:function/arity triple of an exported function
// reference (EXPORT_EXT, tag 113).
type ExternalFun struct {
	Module   string
	Function string
	Arity    int64
}

// InternalFun is a closure value (NEW_FUN_EXT, tag 112): a module-local
// function together with its captured free variables.
type InternalFun struct {
	Arity    uint8
	Uniq     [16]byte
	Index    uint32
	Module   string
	OldIndex int32
	OldUniq  int32
	Pid      Pid
	Free     []Term
}

// Pid is an external process identifier: (node, id, serial, creation).
//
// LocalExt, when non-nil, holds the exact bytes (hash + nested form) this
// PID was decoded from under the LOCAL_EXT wrapper tag (121). Re-encoding a
// PID with LocalExt set must reproduce those bytes verbatim; see etf's
// LOCAL_EXT preservation rule. LocalExt never participates in equality,
// hashing, or ordering: two PIDs are equal solely by their four fields.
type Pid struct {
	Node     string
	ID       uint32
	Serial   uint32
	Creation uint32
	LocalExt []byte
}

// Equal compares two PIDs ignoring LocalExt.
func (p Pid) Equal(o Pid) bool {
	return p.Node == o.Node && p.ID == o.ID && p.Serial == o.Serial && p.Creation == o.Creation
}

func (p Pid) String() string {
	return fmt.Sprintf("<%s.%d.%d.%d>", p.Node, p.ID, p.Serial, p.Creation)
}

// Port is an external port identifier.
type Port struct {
	Node     string
	ID       uint64
	Creation uint32
	LocalExt []byte
}

// Equal compares two ports ignoring LocalExt.
func (p Port) Equal(o Port) bool {
	return p.Node == o.Node && p.ID == o.ID && p.Creation == o.Creation
}

// Reference is an external reference: up to 65,535 u32 id words.
type Reference struct {
	Node     string
	Creation uint32
	IDs      []uint32
	LocalExt []byte
}

// Equal compares two references ignoring LocalExt.
func (r Reference) Equal(o Reference) bool {
	if r.Node != o.Node || r.Creation != o.Creation || len(r.IDs) != len(o.IDs) {
		return false
	}
	for i := range r.IDs {
		if r.IDs[i] != o.IDs[i] {
			return false
		}
	}
	return true
}

// Term is a single discriminated ETF value. Exactly one of the typed
// fields is meaningful, selected by Kind. The zero Term is KindNil.
type Term struct {
	kind Kind

	i      int64  // KindInteger
	f      float64 // KindFloat
	bigInt BigInt  // KindBigInt
	atom   *atomEntry // KindAtom
	bin    []byte  // KindBinary, KindBitBinary (bytes)
	bits   uint8   // KindBitBinary trailing-bit count, 1..8
	list   []Term  // KindList, KindImproperList, KindTuple
	tail   *Term   // KindImproperList
	m      []MapEntry // KindMap
	pid    Pid        // KindPid
	port   Port       // KindPort
	ref    Reference  // KindReference
	extFun ExternalFun
	intFun *InternalFun
}

// Kind reports the term's discriminant.
func (t Term) Kind() Kind { return t.kind }

// Constructors.

func Integer(v int64) Term { return Term{kind: KindInteger, i: v} }

func Big(sign Sign, digits []byte) Term {
	return Term{kind: KindBigInt, bigInt: BigInt{Sign: sign, Digits: digits}}
}

func Float(v float64) Term { return Term{kind: KindFloat, f: v} }

func Atom(name string) Term { return Term{kind: KindAtom, atom: intern(name)} }

func Binary(b []byte) Term { return Term{kind: KindBinary, bin: b} }

// BitBinary constructs a bit-binary with the given trailing-bit count
// (1..8). A bit-binary of N full bytes and bits=8 is distinct on the wire
// from an ordinary Binary of the same bytes; see etf tag 77 vs 109.
func BitBinary(b []byte, bits uint8) Term {
	return Term{kind: KindBitBinary, bin: b, bits: bits}
}

// List constructs a proper list (terminated by NIL on the wire).
func List(elems ...Term) Term {
	if len(elems) == 0 {
		return Nil()
	}
	return Term{kind: KindList, list: elems}
}

// ImproperList constructs a list whose final cdr is tail instead of nil.
func ImproperList(elems []Term, tail Term) Term {
	t := tail
	return Term{kind: KindImproperList, list: elems, tail: &t}
}

func Tuple(elems ...Term) Term { return Term{kind: KindTuple, list: elems} }

// Map constructs a map term. The etf encoder (encodeMap in etf/encode.go)
// writes the entries in BEAM map key order; the in-memory order here is
// whatever the caller supplied.
func Map(entries ...MapEntry) Term { return Term{kind: KindMap, m: entries} }

func PidTerm(p Pid) Term { return Term{kind: KindPid, pid: p} }

func PortTerm(p Port) Term { return Term{kind: KindPort, port: p} }

func ReferenceTerm(r Reference) Term { return Term{kind: KindReference, ref: r} }

func ExternalFunTerm(f ExternalFun) Term { return Term{kind: KindExternalFun, extFun: f} }

func InternalFunTerm(f InternalFun) Term { return Term{kind: KindInternalFun, intFun: &f} }

// Nil is the empty-list term. It is distinct on the wire from an absent
// value but compares equal to List() for ordering purposes.
func Nil() Term { return Term{kind: KindNil} }

// Accessors. Each As* returns (value, ok); ok is false when Kind mismatches.

func (t Term) AsInteger() (int64, bool) {
	if t.kind != KindInteger {
		return 0, false
	}
	return t.i, true
}

func (t Term) AsBigInt() (BigInt, bool) {
	if t.kind != KindBigInt {
		return BigInt{}, false
	}
	return t.bigInt, true
}

func (t Term) AsFloat() (float64, bool) {
	if t.kind != KindFloat {
		return 0, false
	}
	return t.f, true
}

func (t Term) AsAtom() (string, bool) {
	if t.kind != KindAtom {
		return "", false
	}
	return t.atom.name, true
}

func (t Term) AsBinary() ([]byte, bool) {
	if t.kind != KindBinary {
		return nil, false
	}
	return t.bin, true
}

func (t Term) AsBitBinary() ([]byte, uint8, bool) {
	if t.kind != KindBitBinary {
		return nil, 0, false
	}
	return t.bin, t.bits, true
}

func (t Term) AsList() ([]Term, bool) {
	if t.kind != KindList && t.kind != KindNil {
		return nil, false
	}
	return t.list, true
}

func (t Term) AsImproperList() ([]Term, Term, bool) {
	if t.kind != KindImproperList {
		return nil, Term{}, false
	}
	return t.list, *t.tail, true
}

func (t Term) AsTuple() ([]Term, bool) {
	if t.kind != KindTuple {
		return nil, false
	}
	return t.list, true
}

func (t Term) AsMap() ([]MapEntry, bool) {
	if t.kind != KindMap {
		return nil, false
	}
	return t.m, true
}

func (t Term) AsPid() (Pid, bool) {
	if t.kind != KindPid {
		return Pid{}, false
	}
	return t.pid, true
}

func (t Term) AsPort() (Port, bool) {
	if t.kind != KindPort {
		return Port{}, false
	}
	return t.port, true
}

func (t Term) AsReference() (Reference, bool) {
	if t.kind != KindReference {
		return Reference{}, false
	}
	return t.ref, true
}

func (t Term) AsExternalFun() (ExternalFun, bool) {
	if t.kind != KindExternalFun {
		return ExternalFun{}, false
	}
	return t.extFun, true
}

func (t Term) AsInternalFun() (InternalFun, bool) {
	if t.kind != KindInternalFun || t.intFun == nil {
		return InternalFun{}, false
	}
	return *t.intFun, true
}

// Predicates.

func (t Term) IsAtom() bool { return t.kind == KindAtom }
func (t Term) IsNil() bool  { return t.kind == KindNil }

// IsList reports whether t is a proper list or nil (the empty list).
func (t Term) IsList() bool { return t.kind == KindList || t.kind == KindNil }

// IsCharlist reports whether t is a proper list whose every element is a
// small integer in the Unicode code point range 0..0x10FFFF, the shape of
// Erlang "strings" (lists of character codes). Printability is not checked.
func (t Term) IsCharlist() bool {
	if !t.IsList() {
		return false
	}
	for _, e := range t.list {
		v, ok := e.AsInteger()
		if !ok || v < 0 || v > 0x10FFFF {
			return false
		}
	}
	return true
}

// IsProplist reports whether t is a proper list whose every element is
// either a 2-tuple (treated as a key/value pair) or a bare atom (treated
// as an implicit {atom, true} pair).
func (t Term) IsProplist() bool {
	if !t.IsList() {
		return false
	}
	for _, e := range t.list {
		if e.IsAtom() {
			continue
		}
		elems, ok := e.AsTuple()
		if !ok || len(elems) != 2 {
			return false
		}
	}
	return true
}

// AsProplistMap normalizes a proplist into an ordered slice of MapEntry,
// expanding bare atoms into {atom, true} per spec.
func (t Term) AsProplistMap() ([]MapEntry, bool) {
	if !t.IsProplist() {
		return nil, false
	}
	out := make([]MapEntry, 0, len(t.list))
	for _, e := range t.list {
		if name, ok := e.AsAtom(); ok {
			out = append(out, MapEntry{Key: Atom(name), Value: Atom("true")})
			continue
		}
		elems, _ := e.AsTuple()
		out = append(out, MapEntry{Key: elems[0], Value: elems[1]})
	}
	return out, true
}

// String renders a short debug form of t. It exists for diagnostics and
// decode-error path labeling, not as a wire-compatible printer.
func (t Term) String() string {
	switch t.kind {
	case KindInteger:
		return fmt.Sprintf("%d", t.i)
	case KindFloat:
		return fmt.Sprintf("%g", t.f)
	case KindAtom:
		return t.atom.name
	case KindBinary:
		return fmt.Sprintf("<<%d bytes>>", len(t.bin))
	case KindNil:
		return "[]"
	case KindPid:
		return t.pid.String()
	default:
		return t.kind.String()
	}
}

// IsElixirStruct reports whether t is a map containing a `__struct__` key
// bound to an atom, mirroring how Elixir tags struct literals on the wire.
func (t Term) IsElixirStruct() bool {
	entries, ok := t.AsMap()
	if !ok {
		return false
	}
	for _, e := range entries {
		if name, ok := e.Key.AsAtom(); ok && name == "__struct__" {
			return e.Value.IsAtom()
		}
	}
	return false
}
