package etf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"

	"github.com/tripwire/edp/term"
)

// EncodeCompressed serializes t the same as Encode, then wraps the result
// in the COMPRESSED tag (80): a 4-byte uncompressed-size prefix followed by
// a zlib stream. The version byte (131) stays outside the compressed
// region, matching how OTP frames it.
func EncodeCompressed(t term.Term) ([]byte, error) {
	plain, err := Encode(t)
	if err != nil {
		return nil, err
	}
	// plain[0] is the version byte; only the term bytes after it are
	// compressed.
	body := plain[1:]

	var zbuf bytes.Buffer
	w := zlib.NewWriter(&zbuf)
	if _, err := w.Write(body); err != nil {
		return nil, encodeErr("zlib write: %v", err)
	}
	if err := w.Close(); err != nil {
		return nil, encodeErr("zlib close: %v", err)
	}

	out := make([]byte, 0, 6+zbuf.Len())
	out = append(out, tagVersion, tagCompressed)
	var sizeTmp [4]byte
	binary.BigEndian.PutUint32(sizeTmp[:], uint32(len(body)))
	out = append(out, sizeTmp[:]...)
	out = append(out, zbuf.Bytes()...)
	return out, nil
}

// DecodeCompressed inflates a COMPRESSED-tagged term (buf[0]==131,
// buf[1]==80) and decodes it. Ordinary uncompressed terms are decoded
// directly via Decode for callers that don't know in advance which form
// they'll receive.
func DecodeCompressed(buf []byte) (term.Term, int, error) {
	if len(buf) < 6 || buf[0] != tagVersion || buf[1] != tagCompressed {
		return Decode(buf)
	}
	uncompressedSize := binary.BigEndian.Uint32(buf[2:6])
	r, err := zlib.NewReader(bytes.NewReader(buf[6:]))
	if err != nil {
		return term.Term{}, 0, decodeErr(6, nil, "zlib: %v", err)
	}
	defer r.Close()

	plain := make([]byte, 0, uncompressedSize)
	plain = append(plain, tagVersion)
	inflated, err := io.ReadAll(io.LimitReader(r, int64(uncompressedSize)+1))
	if err != nil {
		return term.Term{}, 0, decodeErr(6, nil, "zlib inflate: %v", err)
	}
	if uint32(len(inflated)) != uncompressedSize {
		return term.Term{}, 0, decodeErr(6, nil, "zlib inflated size mismatch: got %d, want %d", len(inflated), uncompressedSize)
	}
	plain = append(plain, inflated...)

	t, n, err := Decode(plain)
	if err != nil {
		return term.Term{}, 0, err
	}
	_ = n
	return t, len(buf), nil
}
