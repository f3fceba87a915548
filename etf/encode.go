package etf

import (
	"encoding/binary"
	"math"

	"github.com/tripwire/edp/term"
)

// Encode serializes t as a standalone ETF term: a version byte (131)
// followed by the tagged term bytes.
func Encode(t term.Term) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, tagVersion)
	var err error
	buf, err = encodeTerm(buf, t)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func encodeTerm(buf []byte, t term.Term) ([]byte, error) {
	switch t.Kind() {
	case term.KindInteger:
		return encodeInteger(buf, t), nil
	case term.KindBigInt:
		return encodeBigInt(buf, t)
	case term.KindFloat:
		return encodeFloat(buf, t), nil
	case term.KindAtom:
		return encodeAtom(buf, t)
	case term.KindBinary:
		return encodeBinary(buf, t)
	case term.KindBitBinary:
		return encodeBitBinary(buf, t)
	case term.KindNil:
		return append(buf, tagNil), nil
	case term.KindList:
		return encodeList(buf, t)
	case term.KindImproperList:
		return encodeImproperList(buf, t)
	case term.KindTuple:
		return encodeTuple(buf, t)
	case term.KindMap:
		return encodeMap(buf, t)
	case term.KindPid:
		return encodePid(buf, t)
	case term.KindPort:
		return encodePort(buf, t)
	case term.KindReference:
		return encodeReference(buf, t)
	case term.KindExternalFun:
		return encodeExportFun(buf, t)
	case term.KindInternalFun:
		return encodeInternalFun(buf, t)
	default:
		return nil, encodeErr("unsupported term kind %v", t.Kind())
	}
}

func encodeInteger(buf []byte, t term.Term) []byte {
	v, _ := t.AsInteger()
	if v >= 0 && v <= 255 {
		return append(buf, tagSmallInteger, byte(v))
	}
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		buf = append(buf, tagInteger)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(int32(v)))
		return append(buf, tmp[:]...)
	}
	sign := term.Positive
	uv := uint64(v)
	if v < 0 {
		sign = term.Negative
		uv = uint64(-v)
	}
	digits := littleEndianDigits(uv)
	return encodeBigDigits(buf, sign, digits)
}

func littleEndianDigits(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var digits []byte
	for v > 0 {
		digits = append(digits, byte(v&0xff))
		v >>= 8
	}
	return digits
}

func encodeBigInt(buf []byte, t term.Term) ([]byte, error) {
	b, _ := t.AsBigInt()
	return encodeBigDigits(buf, b.Sign, b.Digits), nil
}

func encodeBigDigits(buf []byte, sign term.Sign, digits []byte) []byte {
	s := byte(0)
	if sign == term.Negative {
		s = 1
	}
	if len(digits) <= 255 {
		buf = append(buf, tagSmallBig, byte(len(digits)), s)
		return append(buf, digits...)
	}
	buf = append(buf, tagLargeBig)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(digits)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, s)
	return append(buf, digits...)
}

func encodeFloat(buf []byte, t term.Term) []byte {
	v, _ := t.AsFloat()
	buf = append(buf, tagNewFloat)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
	return append(buf, tmp[:]...)
}

func encodeAtom(buf []byte, t term.Term) ([]byte, error) {
	name, _ := t.AsAtom()
	if len(name) > 65535 {
		return nil, encodeErr("atom too long: %d bytes", len(name))
	}
	if len(name) > 255 {
		buf = append(buf, tagAtomUTF8)
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(len(name)))
		buf = append(buf, tmp[:]...)
		return append(buf, name...), nil
	}
	buf = append(buf, tagSmallAtomUTF8, byte(len(name)))
	return append(buf, name...), nil
}

func encodeBinary(buf []byte, t term.Term) ([]byte, error) {
	b, _ := t.AsBinary()
	if uint64(len(b)) > math.MaxUint32 {
		return nil, encodeErr("binary too large: %d bytes", len(b))
	}
	buf = append(buf, tagBinary)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	buf = append(buf, tmp[:]...)
	return append(buf, b...), nil
}

func encodeBitBinary(buf []byte, t term.Term) ([]byte, error) {
	b, bits, _ := t.AsBitBinary()
	buf = append(buf, tagBitBinary)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, bits)
	return append(buf, b...), nil
}

func encodeList(buf []byte, t term.Term) ([]byte, error) {
	elems, _ := t.AsList()
	return encodeListElements(buf, elems, term.Nil())
}

func encodeImproperList(buf []byte, t term.Term) ([]byte, error) {
	elems, tail, _ := t.AsImproperList()
	return encodeListElements(buf, elems, tail)
}

func encodeListElements(buf []byte, elems []term.Term, tail term.Term) ([]byte, error) {
	if len(elems) == 0 {
		return append(buf, tagNil), nil
	}
	buf = append(buf, tagList)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(elems)))
	buf = append(buf, tmp[:]...)
	var err error
	for _, e := range elems {
		buf, err = encodeTerm(buf, e)
		if err != nil {
			return nil, err
		}
	}
	return encodeTerm(buf, tail)
}

func encodeTuple(buf []byte, t term.Term) ([]byte, error) {
	elems, _ := t.AsTuple()
	if len(elems) <= 255 {
		buf = append(buf, tagSmallTuple, byte(len(elems)))
	} else {
		buf = append(buf, tagLargeTuple)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(len(elems)))
		buf = append(buf, tmp[:]...)
	}
	var err error
	for _, e := range elems {
		buf, err = encodeTerm(buf, e)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// encodeMap writes entries in BEAM map key order (sorted by term.Compare),
// matching how the runtime itself serializes small maps.
func encodeMap(buf []byte, t term.Term) ([]byte, error) {
	entries, _ := t.AsMap()
	ordered := make([]term.MapEntry, len(entries))
	copy(ordered, entries)
	sortMapEntries(ordered)

	buf = append(buf, tagMap)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(ordered)))
	buf = append(buf, tmp[:]...)
	var err error
	for _, e := range ordered {
		buf, err = encodeTerm(buf, e.Key)
		if err != nil {
			return nil, err
		}
		buf, err = encodeTerm(buf, e.Value)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func sortMapEntries(entries []term.MapEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && term.Compare(entries[j].Key, entries[j-1].Key) < 0; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// encodePid always writes NEW_PID_EXT (tag 88, 4-byte creation), the only
// form negotiated under the OTP26 mandatory flag set this client requires.
// If the PID carries LocalExt bytes it was decoded under the LOCAL_EXT
// wrapper (tag 121); those exact bytes are reproduced verbatim instead of
// re-deriving the encoding, since LOCAL_EXT's nested payload is opaque.
func encodePid(buf []byte, t term.Term) ([]byte, error) {
	p, _ := t.AsPid()
	if p.LocalExt != nil {
		return append(buf, p.LocalExt...), nil
	}
	buf = append(buf, tagNewPid)
	var err error
	buf, err = encodeTerm(buf, term.Atom(p.Node))
	if err != nil {
		return nil, err
	}
	var tmp [12]byte
	binary.BigEndian.PutUint32(tmp[0:4], p.ID)
	binary.BigEndian.PutUint32(tmp[4:8], p.Serial)
	binary.BigEndian.PutUint32(tmp[8:12], p.Creation)
	return append(buf, tmp[:]...), nil
}

func encodePort(buf []byte, t term.Term) ([]byte, error) {
	p, _ := t.AsPort()
	if p.LocalExt != nil {
		return append(buf, p.LocalExt...), nil
	}
	buf = append(buf, tagNewPort)
	var err error
	buf, err = encodeTerm(buf, term.Atom(p.Node))
	if err != nil {
		return nil, err
	}
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[0:4], uint32(p.ID))
	binary.BigEndian.PutUint32(tmp[4:8], p.Creation)
	return append(buf, tmp[:]...), nil
}

func encodeReference(buf []byte, t term.Term) ([]byte, error) {
	r, _ := t.AsReference()
	if r.LocalExt != nil {
		return append(buf, r.LocalExt...), nil
	}
	buf = append(buf, tagNewerReference)
	var lenTmp [2]byte
	binary.BigEndian.PutUint16(lenTmp[:], uint16(len(r.IDs)))
	buf = append(buf, lenTmp[:]...)
	var err error
	buf, err = encodeTerm(buf, term.Atom(r.Node))
	if err != nil {
		return nil, err
	}
	var creationTmp [4]byte
	binary.BigEndian.PutUint32(creationTmp[:], r.Creation)
	buf = append(buf, creationTmp[:]...)
	for _, id := range r.IDs {
		var idTmp [4]byte
		binary.BigEndian.PutUint32(idTmp[:], id)
		buf = append(buf, idTmp[:]...)
	}
	return buf, nil
}

func encodeExportFun(buf []byte, t term.Term) ([]byte, error) {
	f, _ := t.AsExternalFun()
	buf = append(buf, tagExport)
	var err error
	buf, err = encodeTerm(buf, term.Atom(f.Module))
	if err != nil {
		return nil, err
	}
	buf, err = encodeTerm(buf, term.Atom(f.Function))
	if err != nil {
		return nil, err
	}
	return encodeTerm(buf, term.Integer(f.Arity))
}

func encodeInternalFun(buf []byte, t term.Term) ([]byte, error) {
	f, _ := t.AsInternalFun()
	inner := make([]byte, 0, 64)
	inner = append(inner, f.Arity)
	inner = append(inner, f.Uniq[:]...)
	var idxTmp [4]byte
	binary.BigEndian.PutUint32(idxTmp[:], f.Index)
	inner = append(inner, idxTmp[:]...)
	var numFreeTmp [4]byte
	binary.BigEndian.PutUint32(numFreeTmp[:], uint32(len(f.Free)))
	inner = append(inner, numFreeTmp[:]...)

	var err error
	inner, err = encodeTerm(inner, term.Atom(f.Module))
	if err != nil {
		return nil, err
	}
	inner, err = encodeTerm(inner, term.Integer(int64(f.OldIndex)))
	if err != nil {
		return nil, err
	}
	inner, err = encodeTerm(inner, term.Integer(int64(f.OldUniq)))
	if err != nil {
		return nil, err
	}
	inner, err = encodeTerm(inner, term.PidTerm(f.Pid))
	if err != nil {
		return nil, err
	}
	for _, fv := range f.Free {
		inner, err = encodeTerm(inner, fv)
		if err != nil {
			return nil, err
		}
	}

	buf = append(buf, tagNewFun)
	var sizeTmp [4]byte
	binary.BigEndian.PutUint32(sizeTmp[:], uint32(len(inner)+4))
	buf = append(buf, sizeTmp[:]...)
	return append(buf, inner...), nil
}
