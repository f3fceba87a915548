package term

import "testing"

func TestAtomInterning(t *testing.T) {
	a1 := Atom("ok")
	a2 := Atom("ok")
	name1, _ := a1.AsAtom()
	name2, _ := a2.AsAtom()
	if name1 != name2 {
		t.Fatalf("expected equal atom names, got %q and %q", name1, name2)
	}
	if a1.atom != a2.atom {
		t.Fatalf("expected interned atoms to share one entry")
	}
}

func TestAccessorsMismatchKind(t *testing.T) {
	i := Integer(42)
	if _, ok := i.AsAtom(); ok {
		t.Fatalf("AsAtom should fail on an integer term")
	}
	if _, ok := i.AsFloat(); ok {
		t.Fatalf("AsFloat should fail on an integer term")
	}
	v, ok := i.AsInteger()
	if !ok || v != 42 {
		t.Fatalf("AsInteger() = (%d, %v), want (42, true)", v, ok)
	}
}

func TestIsCharlist(t *testing.T) {
	cl := List(Integer(104), Integer(105))
	if !cl.IsCharlist() {
		t.Fatalf("expected [104, 105] to be a charlist")
	}
	notCl := List(Atom("h"), Integer(105))
	if notCl.IsCharlist() {
		t.Fatalf("expected mixed list to not be a charlist")
	}
}

func TestIsProplistAndNormalize(t *testing.T) {
	pl := List(
		Tuple(Atom("a"), Integer(1)),
		Atom("b"),
		Tuple(Atom("c"), Atom("d")),
	)
	if !pl.IsProplist() {
		t.Fatalf("expected proplist")
	}
	entries, ok := pl.AsProplistMap()
	if !ok || len(entries) != 3 {
		t.Fatalf("AsProplistMap() = (%v, %v), want 3 entries", entries, ok)
	}
	name, _ := entries[1].Key.AsAtom()
	if name != "b" {
		t.Fatalf("expected bare atom b to become key %q, got %q", "b", name)
	}
	val, _ := entries[1].Value.AsAtom()
	if val != "true" {
		t.Fatalf("expected bare atom b to normalize to {b, true}, got value %q", val)
	}
}

func TestNotProplistWhenTupleArityWrong(t *testing.T) {
	notPl := List(Tuple(Atom("a"), Integer(1), Integer(2)))
	if notPl.IsProplist() {
		t.Fatalf("expected 3-tuple element to disqualify proplist")
	}
}

func TestImproperList(t *testing.T) {
	il := ImproperList([]Term{Integer(1), Integer(2)}, Integer(3))
	elems, tail, ok := il.AsImproperList()
	if !ok || len(elems) != 2 {
		t.Fatalf("AsImproperList() elems = %v, ok = %v", elems, ok)
	}
	tv, _ := tail.AsInteger()
	if tv != 3 {
		t.Fatalf("expected tail 3, got %d", tv)
	}
}

func TestPidEqualIgnoresLocalExt(t *testing.T) {
	p1 := Pid{Node: "a@b", ID: 1, Serial: 0, Creation: 1, LocalExt: []byte{1, 2, 3}}
	p2 := Pid{Node: "a@b", ID: 1, Serial: 0, Creation: 1, LocalExt: nil}
	if !p1.Equal(p2) {
		t.Fatalf("expected PIDs to be equal ignoring LocalExt")
	}
}

func TestIsElixirStruct(t *testing.T) {
	s := Map(
		MapEntry{Key: Atom("__struct__"), Value: Atom("Elixir.MyApp.User")},
		MapEntry{Key: Atom("name"), Value: Binary([]byte("alice"))},
	)
	if !s.IsElixirStruct() {
		t.Fatalf("expected map with __struct__ atom value to be recognized")
	}
	notStruct := Map(MapEntry{Key: Atom("name"), Value: Binary([]byte("alice"))})
	if notStruct.IsElixirStruct() {
		t.Fatalf("expected map without __struct__ to not be recognized")
	}
}
