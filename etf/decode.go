package etf

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/tripwire/edp/term"
)

// Decoder size limits. A peer that announces a container beyond these is
// treated as protocol-violating rather than allocation-driving.
const (
	maxDecodeList   = 10_000_000
	maxDecodeTuple  = 10_000_000
	maxDecodeMap    = 1_000_000
	maxDecodeBinary = 100 << 20
)

// decoder walks a byte slice left to right, tracking the offset and
// structural path so errors can report exactly where decoding failed.
type decoder struct {
	buf   []byte
	pos   int
	path  []PathSegment
	cache *AtomCache // non-nil only when decoding a DIST_HEADER payload segment
}

// Decode parses a standalone ETF term: a version byte (131) followed by a
// tagged term. It returns the term and the number of bytes consumed; any
// trailing bytes are left for the caller (distribution-header framing
// depends on this: a single frame can carry atom cache entries before the
// payload term).
func Decode(buf []byte) (term.Term, int, error) {
	if len(buf) < 1 {
		return term.Term{}, 0, decodeErr(0, nil, "%w", ErrUnexpectedEOF)
	}
	if buf[0] != tagVersion {
		return term.Term{}, 0, decodeErr(0, nil, "%w: got 0x%02x", ErrInvalidVersion, buf[0])
	}
	// A compressed term (tag 80) inflates and parses recursively. Shorter
	// buffers fall through and fail on the tag with a decode error.
	if len(buf) >= 6 && buf[1] == tagCompressed {
		return DecodeCompressed(buf)
	}
	d := &decoder{buf: buf, pos: 1}
	t, err := d.decodeTerm()
	if err != nil {
		return term.Term{}, 0, err
	}
	return t, d.pos, nil
}

// DecodeExact behaves like Decode but additionally requires the entire
// buffer be consumed, returning ErrTrailingData otherwise.
func DecodeExact(buf []byte) (term.Term, error) {
	t, n, err := Decode(buf)
	if err != nil {
		return term.Term{}, err
	}
	if n != len(buf) {
		return term.Term{}, decodeErr(n, nil, "%w: %d bytes left", ErrTrailingData, len(buf)-n)
	}
	return t, nil
}

func (d *decoder) push(seg PathSegment) { d.path = append(d.path, seg) }
func (d *decoder) pop()                 { d.path = d.path[:len(d.path)-1] }

func (d *decoder) errf(format string, args ...any) error {
	return decodeErr(d.pos, d.path, format, args...)
}

func (d *decoder) need(n int) error {
	if len(d.buf)-d.pos < n {
		return d.errf("%w: need %d bytes, have %d", ErrUnexpectedEOF, n, len(d.buf)-d.pos)
	}
	return nil
}

func (d *decoder) readByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readUint16() (uint16, error) {
	b, err := d.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) readUint32() (uint32, error) {
	b, err := d.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) decodeTerm() (term.Term, error) {
	tag, err := d.readByte()
	if err != nil {
		return term.Term{}, err
	}
	switch tag {
	case tagSmallInteger:
		b, err := d.readByte()
		if err != nil {
			return term.Term{}, err
		}
		return term.Integer(int64(b)), nil
	case tagInteger:
		v, err := d.readUint32()
		if err != nil {
			return term.Term{}, err
		}
		return term.Integer(int64(int32(v))), nil
	case tagSmallBig:
		return d.decodeBig(false)
	case tagLargeBig:
		return d.decodeBig(true)
	case tagNewFloat:
		b, err := d.readBytes(8)
		if err != nil {
			return term.Term{}, err
		}
		return term.Float(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
	case tagFloat:
		b, err := d.readBytes(31)
		if err != nil {
			return term.Term{}, err
		}
		var f float64
		_, scanErr := fmtSscanFloat(b, &f)
		if scanErr != nil {
			return term.Term{}, d.errf("invalid legacy float text: %v", scanErr)
		}
		return term.Float(f), nil
	case tagAtomDeprecated, tagAtomUTF8:
		n, err := d.readUint16()
		if err != nil {
			return term.Term{}, err
		}
		b, err := d.readBytes(int(n))
		if err != nil {
			return term.Term{}, err
		}
		if !utf8.Valid(b) {
			return term.Term{}, d.errf("%w", ErrInvalidUTF8)
		}
		return term.Atom(string(b)), nil
	case tagSmallAtomDepr, tagSmallAtomUTF8:
		n, err := d.readByte()
		if err != nil {
			return term.Term{}, err
		}
		b, err := d.readBytes(int(n))
		if err != nil {
			return term.Term{}, err
		}
		if !utf8.Valid(b) {
			return term.Term{}, d.errf("%w", ErrInvalidUTF8)
		}
		return term.Atom(string(b)), nil
	case tagNil:
		return term.Nil(), nil
	case tagString:
		n, err := d.readUint16()
		if err != nil {
			return term.Term{}, err
		}
		b, err := d.readBytes(int(n))
		if err != nil {
			return term.Term{}, err
		}
		elems := make([]term.Term, len(b))
		for i, c := range b {
			elems[i] = term.Integer(int64(c))
		}
		if len(elems) == 0 {
			return term.Nil(), nil
		}
		return term.List(elems...), nil
	case tagList:
		return d.decodeList()
	case tagSmallTuple:
		n, err := d.readByte()
		if err != nil {
			return term.Term{}, err
		}
		return d.decodeTupleElements(int(n))
	case tagLargeTuple:
		n, err := d.readUint32()
		if err != nil {
			return term.Term{}, err
		}
		return d.decodeTupleElements(int(n))
	case tagMap:
		return d.decodeMap()
	case tagBinary:
		n, err := d.readUint32()
		if err != nil {
			return term.Term{}, err
		}
		if n > maxDecodeBinary {
			return term.Term{}, d.errf("%w: binary of %d bytes", ErrOversize, n)
		}
		b, err := d.readBytes(int(n))
		if err != nil {
			return term.Term{}, err
		}
		cp := append([]byte(nil), b...)
		return term.Binary(cp), nil
	case tagBitBinary:
		n, err := d.readUint32()
		if err != nil {
			return term.Term{}, err
		}
		if n > maxDecodeBinary {
			return term.Term{}, d.errf("%w: bit-binary of %d bytes", ErrOversize, n)
		}
		bits, err := d.readByte()
		if err != nil {
			return term.Term{}, err
		}
		if bits == 0 || bits > 8 {
			return term.Term{}, d.errf("%w: bit-binary trailing bits %d", ErrInvalidFormat, bits)
		}
		if n == 0 && bits != 8 {
			return term.Term{}, d.errf("%w: empty bit-binary with %d trailing bits", ErrInvalidFormat, bits)
		}
		b, err := d.readBytes(int(n))
		if err != nil {
			return term.Term{}, err
		}
		cp := append([]byte(nil), b...)
		return term.BitBinary(cp, bits), nil
	case tagPid, tagNewPid:
		return d.decodePid(tag == tagNewPid)
	case tagPort, tagNewPort:
		return d.decodePort(tag == tagNewPort)
	case tagReference, tagNewReference, tagNewerReference:
		return d.decodeReference(tag)
	case tagExport:
		return d.decodeExportFun()
	case tagNewFun:
		return d.decodeNewFun()
	case tagLocalExt:
		return d.decodeLocalExt()
	case tagAtomCacheRef:
		return d.decodeAtomCacheRef()
	default:
		return term.Term{}, d.errf("%w", &InvalidTagError{Tag: tag})
	}
}

// fmtSscanFloat parses the legacy ASCII FLOAT_EXT representation (a C
// "%.20e"-style string); modern OTP releases no longer emit this tag.
func fmtSscanFloat(b []byte, f *float64) (int, error) {
	return fmt.Sscan(string(b), f)
}

func (d *decoder) decodeBig(large bool) (term.Term, error) {
	var n int
	if large {
		v, err := d.readUint32()
		if err != nil {
			return term.Term{}, err
		}
		n = int(v)
	} else {
		v, err := d.readByte()
		if err != nil {
			return term.Term{}, err
		}
		n = int(v)
	}
	signByte, err := d.readByte()
	if err != nil {
		return term.Term{}, err
	}
	digits, err := d.readBytes(n)
	if err != nil {
		return term.Term{}, err
	}
	sign := term.Positive
	if signByte != 0 {
		sign = term.Negative
	}
	cp := append([]byte(nil), digits...)
	if n <= 8 {
		var v uint64
		for i := len(cp) - 1; i >= 0; i-- {
			v = v<<8 | uint64(cp[i])
		}
		iv := int64(v)
		if sign == term.Negative {
			iv = -iv
		}
		if (sign == term.Positive && v <= math.MaxInt64) || (sign == term.Negative && v <= math.MaxInt64+1) {
			return term.Integer(iv), nil
		}
	}
	return term.Big(sign, cp), nil
}

func (d *decoder) decodeList() (term.Term, error) {
	n, err := d.readUint32()
	if err != nil {
		return term.Term{}, err
	}
	if n > maxDecodeList {
		return term.Term{}, d.errf("%w: list of %d elements", ErrOversize, n)
	}
	elems := make([]term.Term, n)
	for i := range elems {
		d.push(listElement(i))
		e, err := d.decodeTerm()
		d.pop()
		if err != nil {
			return term.Term{}, err
		}
		elems[i] = e
	}
	d.push(PathSegment{ImproperListTail: true})
	tail, err := d.decodeTerm()
	d.pop()
	if err != nil {
		return term.Term{}, err
	}
	if tail.IsNil() {
		if len(elems) == 0 {
			return term.Nil(), nil
		}
		return term.List(elems...), nil
	}
	return term.ImproperList(elems, tail), nil
}

func (d *decoder) decodeTupleElements(n int) (term.Term, error) {
	if n > maxDecodeTuple {
		return term.Term{}, d.errf("%w: tuple of %d elements", ErrOversize, n)
	}
	elems := make([]term.Term, n)
	for i := range elems {
		d.push(tupleElement(i))
		e, err := d.decodeTerm()
		d.pop()
		if err != nil {
			return term.Term{}, err
		}
		elems[i] = e
	}
	return term.Tuple(elems...), nil
}

func (d *decoder) decodeMap() (term.Term, error) {
	n, err := d.readUint32()
	if err != nil {
		return term.Term{}, err
	}
	if n > maxDecodeMap {
		return term.Term{}, d.errf("%w: map of %d entries", ErrOversize, n)
	}
	entries := make([]term.MapEntry, n)
	for i := range entries {
		d.push(PathSegment{MapKey: true})
		k, err := d.decodeTerm()
		d.pop()
		if err != nil {
			return term.Term{}, err
		}
		keyLabel := k.String()
		d.push(PathSegment{MapValue: &keyLabel})
		v, err := d.decodeTerm()
		d.pop()
		if err != nil {
			return term.Term{}, err
		}
		entries[i] = term.MapEntry{Key: k, Value: v}
	}
	return term.Map(entries...), nil
}

func (d *decoder) decodeAtomField() (string, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	switch tag {
	case tagAtomDeprecated, tagAtomUTF8:
		n, err := d.readUint16()
		if err != nil {
			return "", err
		}
		b, err := d.readBytes(int(n))
		if err != nil {
			return "", err
		}
		return string(b), nil
	case tagSmallAtomDepr, tagSmallAtomUTF8:
		n, err := d.readByte()
		if err != nil {
			return "", err
		}
		b, err := d.readBytes(int(n))
		if err != nil {
			return "", err
		}
		return string(b), nil
	case tagAtomCacheRef:
		if d.cache == nil {
			return "", d.errf("atom cache reference outside a distribution header")
		}
		slot, err := d.readByte()
		if err != nil {
			return "", err
		}
		name, ok := d.cache.Lookup(int(slot))
		if !ok {
			return "", d.errf("atom cache reference to unknown slot %d", slot)
		}
		return name, nil
	default:
		return "", d.errf("expected atom tag for node name, got 0x%02x", tag)
	}
}

func (d *decoder) decodePid(new bool) (term.Term, error) {
	node, err := d.decodeAtomField()
	if err != nil {
		return term.Term{}, err
	}
	id, err := d.readUint32()
	if err != nil {
		return term.Term{}, err
	}
	serial, err := d.readUint32()
	if err != nil {
		return term.Term{}, err
	}
	var creation uint32
	if new {
		creation, err = d.readUint32()
	} else {
		var c byte
		c, err = d.readByte()
		creation = uint32(c)
	}
	if err != nil {
		return term.Term{}, err
	}
	return term.PidTerm(term.Pid{Node: node, ID: id, Serial: serial, Creation: creation}), nil
}

func (d *decoder) decodePort(new bool) (term.Term, error) {
	node, err := d.decodeAtomField()
	if err != nil {
		return term.Term{}, err
	}
	id, err := d.readUint32()
	if err != nil {
		return term.Term{}, err
	}
	var creation uint32
	if new {
		creation, err = d.readUint32()
	} else {
		var c byte
		c, err = d.readByte()
		creation = uint32(c)
	}
	if err != nil {
		return term.Term{}, err
	}
	return term.PortTerm(term.Port{Node: node, ID: uint64(id), Creation: creation}), nil
}

func (d *decoder) decodeReference(tag byte) (term.Term, error) {
	if tag == tagReference {
		node, err := d.decodeAtomField()
		if err != nil {
			return term.Term{}, err
		}
		id, err := d.readUint32()
		if err != nil {
			return term.Term{}, err
		}
		c, err := d.readByte()
		if err != nil {
			return term.Term{}, err
		}
		return term.ReferenceTerm(term.Reference{Node: node, Creation: uint32(c), IDs: []uint32{id}}), nil
	}
	length, err := d.readUint16()
	if err != nil {
		return term.Term{}, err
	}
	node, err := d.decodeAtomField()
	if err != nil {
		return term.Term{}, err
	}
	var creation uint32
	if tag == tagNewerReference {
		creation, err = d.readUint32()
	} else {
		var c byte
		c, err = d.readByte()
		creation = uint32(c)
	}
	if err != nil {
		return term.Term{}, err
	}
	ids := make([]uint32, length)
	for i := range ids {
		ids[i], err = d.readUint32()
		if err != nil {
			return term.Term{}, err
		}
	}
	return term.ReferenceTerm(term.Reference{Node: node, Creation: creation, IDs: ids}), nil
}

func (d *decoder) decodeExportFun() (term.Term, error) {
	module, err := d.decodeTerm()
	if err != nil {
		return term.Term{}, err
	}
	function, err := d.decodeTerm()
	if err != nil {
		return term.Term{}, err
	}
	arity, err := d.decodeTerm()
	if err != nil {
		return term.Term{}, err
	}
	m, _ := module.AsAtom()
	f, _ := function.AsAtom()
	a, _ := arity.AsInteger()
	return term.ExternalFunTerm(term.ExternalFun{Module: m, Function: f, Arity: a}), nil
}

func (d *decoder) decodeNewFun() (term.Term, error) {
	_, err := d.readUint32() // size, recomputed on encode
	if err != nil {
		return term.Term{}, err
	}
	arity, err := d.readByte()
	if err != nil {
		return term.Term{}, err
	}
	uniqBytes, err := d.readBytes(16)
	if err != nil {
		return term.Term{}, err
	}
	index, err := d.readUint32()
	if err != nil {
		return term.Term{}, err
	}
	numFree, err := d.readUint32()
	if err != nil {
		return term.Term{}, err
	}
	module, err := d.decodeTerm()
	if err != nil {
		return term.Term{}, err
	}
	oldIndex, err := d.decodeTerm()
	if err != nil {
		return term.Term{}, err
	}
	oldUniq, err := d.decodeTerm()
	if err != nil {
		return term.Term{}, err
	}
	pidTerm, err := d.decodeTerm()
	if err != nil {
		return term.Term{}, err
	}
	free := make([]term.Term, numFree)
	for i := range free {
		d.push(PathSegment{FunFreeVar: &i})
		free[i], err = d.decodeTerm()
		d.pop()
		if err != nil {
			return term.Term{}, err
		}
	}
	var uniq [16]byte
	copy(uniq[:], uniqBytes)
	moduleName, _ := module.AsAtom()
	oi, _ := oldIndex.AsInteger()
	ou, _ := oldUniq.AsInteger()
	pid, _ := pidTerm.AsPid()
	return term.InternalFunTerm(term.InternalFun{
		Arity: arity, Uniq: uniq, Index: index,
		Module: moduleName, OldIndex: int32(oi), OldUniq: int32(ou),
		Pid: pid, Free: free,
	}), nil
}

// decodeAtomCacheRef resolves an ATOM_CACHE_REF (tag 82) byte, valid only
// while decoding the payload term of a DIST_HEADER-framed message.
func (d *decoder) decodeAtomCacheRef() (term.Term, error) {
	if d.cache == nil {
		return term.Term{}, d.errf("atom cache reference outside a distribution header")
	}
	slot, err := d.readByte()
	if err != nil {
		return term.Term{}, err
	}
	name, ok := d.cache.Lookup(int(slot))
	if !ok {
		return term.Term{}, d.errf("atom cache reference to unknown slot %d", slot)
	}
	return term.Atom(name), nil
}

// decodeLocalExt handles the LOCAL_EXT wrapper (tag 121): an 8-byte
// signed hash followed by a nested PID/port/reference encoding. The
// nested term is decoded for its logical value, but the exact wrapper
// bytes (hash + nested form) are retained on the resulting term's
// LocalExt field so a later re-encode reproduces them byte for byte
// instead of re-deriving a NEW_PID_EXT/NEW_PORT_EXT/NEWER_REFERENCE_EXT
// form that would break the sender's hash.
func (d *decoder) decodeLocalExt() (term.Term, error) {
	start := d.pos - 1 // include the tag byte already consumed
	if err := d.need(8); err != nil {
		return term.Term{}, err
	}
	d.pos += 8
	inner, err := d.decodeTerm()
	if err != nil {
		return term.Term{}, err
	}
	raw := append([]byte(nil), d.buf[start:d.pos]...)
	switch inner.Kind() {
	case term.KindPid:
		p, _ := inner.AsPid()
		p.LocalExt = raw
		return term.PidTerm(p), nil
	case term.KindPort:
		p, _ := inner.AsPort()
		p.LocalExt = raw
		return term.PortTerm(p), nil
	case term.KindReference:
		r, _ := inner.AsReference()
		r.LocalExt = raw
		return term.ReferenceTerm(r), nil
	default:
		return term.Term{}, d.errf("LOCAL_EXT wrapping unsupported kind %v", inner.Kind())
	}
}
