package etf

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tripwire/edp/term"
)

func TestEncodeSmallInteger(t *testing.T) {
	got, err := Encode(term.Integer(42))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{131, 97, 42}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode(42) = % x, want % x", got, want)
	}
}

func TestEncodeNegativeIntegerUsesInt32Form(t *testing.T) {
	got, err := Encode(term.Integer(-1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{131, 98, 0xff, 0xff, 0xff, 0xff}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode(-1) = % x, want % x", got, want)
	}
}

func TestEncodeOkAtomTuple(t *testing.T) {
	tup := term.Tuple(term.Atom("ok"), term.Integer(42))
	got, err := Encode(tup)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{131, 104, 2, 119, 2, 'o', 'k', 97, 42}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode({ok,42}) = % x, want % x", got, want)
	}
}

func TestEncodeNil(t *testing.T) {
	got, err := Encode(term.Nil())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{131, 106}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode(nil) = % x, want % x", got, want)
	}
}

func TestRoundTripVariety(t *testing.T) {
	cases := []term.Term{
		term.Integer(0),
		term.Integer(255),
		term.Integer(256),
		term.Integer(-1),
		term.Integer(1 << 40),
		term.Float(3.14159),
		term.Atom("hello_world"),
		term.Binary([]byte("some binary data")),
		term.BitBinary([]byte{0xAB, 0xC0}, 3),
		term.Nil(),
		term.List(term.Integer(1), term.Integer(2), term.Integer(3)),
		term.ImproperList([]term.Term{term.Integer(1)}, term.Integer(2)),
		term.Tuple(term.Atom("ok"), term.Binary([]byte("payload"))),
		term.Map(
			term.MapEntry{Key: term.Atom("a"), Value: term.Integer(1)},
			term.MapEntry{Key: term.Atom("b"), Value: term.Integer(2)},
		),
		term.PidTerm(term.Pid{Node: "node@host", ID: 5, Serial: 0, Creation: 3}),
		term.PortTerm(term.Port{Node: "node@host", ID: 9, Creation: 3}),
		term.ReferenceTerm(term.Reference{Node: "node@host", Creation: 3, IDs: []uint32{1, 2, 3}}),
		term.ExternalFunTerm(term.ExternalFun{Module: "erlang", Function: "now", Arity: 0}),
	}

	for _, c := range cases {
		encoded, err := Encode(c)
		if err != nil {
			t.Fatalf("Encode(%v): %v", c, err)
		}
		decoded, err := DecodeExact(encoded)
		if err != nil {
			t.Fatalf("DecodeExact(% x): %v", encoded, err)
		}
		if term.Compare(c, decoded) != 0 {
			t.Fatalf("round trip mismatch: %v != %v", c, decoded)
		}
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	_, _, err := Decode([]byte{99, 97, 1})
	if err == nil {
		t.Fatalf("expected error for invalid version byte")
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if de.Offset != 0 {
		t.Fatalf("expected offset 0, got %d", de.Offset)
	}
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	_, _, err := Decode([]byte{131, 104, 2, 97, 1})
	if err == nil {
		t.Fatalf("expected error for truncated tuple")
	}
}

func TestDecodeTrailingData(t *testing.T) {
	buf, _ := Encode(term.Integer(1))
	buf = append(buf, 0xFF)
	_, err := DecodeExact(buf)
	if err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestDecodePathOnNestedError(t *testing.T) {
	// A 2-element tuple whose second element is an invalid tag.
	buf := []byte{131, 104, 2, 97, 1, 0xF3}
	_, _, err := Decode(buf)
	if err == nil {
		t.Fatalf("expected error")
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if Path(de.Path) != "root[1]" {
		t.Fatalf("expected path root[1], got %q", Path(de.Path))
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	big := make([]term.Term, 0, 500)
	for i := 0; i < 500; i++ {
		big = append(big, term.Atom("repeated_atom_name_for_compression"))
	}
	tup := term.List(big...)
	compressed, err := EncodeCompressed(tup)
	if err != nil {
		t.Fatalf("EncodeCompressed: %v", err)
	}
	if compressed[1] != tagCompressed {
		t.Fatalf("expected compressed tag byte, got %d", compressed[1])
	}
	plain, _ := Encode(tup)
	if len(compressed) >= len(plain) {
		t.Fatalf("expected compression to shrink a highly repetitive term: compressed=%d plain=%d", len(compressed), len(plain))
	}
	decoded, _, err := DecodeCompressed(compressed)
	if err != nil {
		t.Fatalf("DecodeCompressed: %v", err)
	}
	if term.Compare(tup, decoded) != 0 {
		t.Fatalf("round trip mismatch after compression")
	}
}

func TestAtomCacheRoundTrip(t *testing.T) {
	senderCache := NewAtomCache()
	receiverCache := NewAtomCache()

	entries := []CacheEntry{{Slot: 0, NewEntry: true, AtomText: "my_atom"}}
	hdr := EncodeDistHeader(entries)
	senderCache.Install(0, "my_atom")

	parsed, n, err := DecodeDistHeader(hdr, receiverCache)
	if err != nil {
		t.Fatalf("DecodeDistHeader: %v", err)
	}
	if n != len(hdr) {
		t.Fatalf("expected to consume all %d header bytes, consumed %d", len(hdr), n)
	}
	if len(parsed) != 1 || parsed[0].AtomText != "my_atom" {
		t.Fatalf("unexpected parsed entries: %+v", parsed)
	}

	name, ok := receiverCache.Lookup(0)
	if !ok || name != "my_atom" {
		t.Fatalf("expected receiver cache to install slot 0 -> my_atom, got (%q, %v)", name, ok)
	}

	payload, _ := Encode(term.Atom("my_atom"))
	payload[1] = tagAtomCacheRef
	payload = payload[:2]
	payload = append(payload, 0) // slot 0

	decoded, _, err := DecodeWithAtomCache(payload, receiverCache)
	if err != nil {
		t.Fatalf("DecodeWithAtomCache: %v", err)
	}
	got, _ := decoded.AsAtom()
	if got != "my_atom" {
		t.Fatalf("expected my_atom, got %q", got)
	}
}

func TestLocalExtPreservedVerbatim(t *testing.T) {
	inner, _ := Encode(term.PidTerm(term.Pid{Node: "a@b", ID: 1, Serial: 0, Creation: 1}))
	hash := []byte{0xAB, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	raw := append(append([]byte{tagLocalExt}, hash...), inner[1:]...)
	full := append([]byte{tagVersion}, raw...)

	decoded, _, err := Decode(full)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p, ok := decoded.AsPid()
	if !ok {
		t.Fatalf("expected PID")
	}
	if p.LocalExt == nil {
		t.Fatalf("expected LocalExt to be populated")
	}

	reencoded, err := Encode(decoded)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(reencoded[1:], raw) {
		t.Fatalf("expected LOCAL_EXT bytes to be reproduced verbatim: got % x, want % x", reencoded[1:], raw)
	}
}


func TestDecodeBitBinaryFormatErrors(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
	}{
		{"zero bits", []byte{131, 77, 0, 0, 0, 1, 0, 0xAB}},
		{"nine bits", []byte{131, 77, 0, 0, 0, 1, 9, 0xAB}},
		{"empty with partial bits", []byte{131, 77, 0, 0, 0, 0, 3}},
	}
	for _, tc := range cases {
		_, _, err := Decode(tc.buf)
		if !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("%s: err = %v, want ErrInvalidFormat", tc.name, err)
		}
	}
}

func TestDecodeOversizeContainers(t *testing.T) {
	list := []byte{131, 108, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, _, err := Decode(list); !errors.Is(err, ErrOversize) {
		t.Errorf("huge list: err = %v, want ErrOversize", err)
	}
	tuple := []byte{131, 105, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, _, err := Decode(tuple); !errors.Is(err, ErrOversize) {
		t.Errorf("huge tuple: err = %v, want ErrOversize", err)
	}
	m := []byte{131, 116, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, _, err := Decode(m); !errors.Is(err, ErrOversize) {
		t.Errorf("huge map: err = %v, want ErrOversize", err)
	}
	bin := []byte{131, 109, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, _, err := Decode(bin); !errors.Is(err, ErrOversize) {
		t.Errorf("huge binary: err = %v, want ErrOversize", err)
	}
}

func TestDecodeAtomRejectsInvalidUTF8(t *testing.T) {
	buf := []byte{131, 119, 2, 0xFF, 0xFE}
	if _, _, err := Decode(buf); !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("err = %v, want ErrInvalidUTF8", err)
	}
}

func TestDecodeInflatesCompressedTransparently(t *testing.T) {
	orig := term.List(term.Atom("zlib"), term.Atom("zlib"), term.Atom("zlib"))
	buf, err := EncodeCompressed(orig)
	if err != nil {
		t.Fatalf("EncodeCompressed: %v", err)
	}
	if buf[1] != 80 {
		t.Fatalf("expected compressed tag, got %d", buf[1])
	}
	got, _, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if term.Compare(got, orig) != 0 {
		t.Fatalf("roundtrip mismatch: %v", got)
	}
}
