package etf

import (
	"sync"

	"github.com/tripwire/edp/term"
)

// AtomCacheSize is the number of slots in the distribution header atom
// cache, fixed by the protocol at 2048 entries (11-bit slot indices).
const AtomCacheSize = 2048

// AtomCache is the per-connection table backing the distribution header's
// atom-cache references (tag 82 inside a DIST_HEADER-framed message).
// Entries are installed by whichever side first sends a given atom and
// referenced by slot index on every subsequent message that repeats it,
// avoiding re-transmitting long atom names on the hot path.
//
// Both the outgoing (entries we've told the peer about) and incoming
// (entries the peer has told us about) directions share this type; a
// connection keeps one of each.
type AtomCache struct {
	mu      sync.RWMutex
	bySlot  [AtomCacheSize]string
	present [AtomCacheSize]bool
	byName  map[string]int
}

// NewAtomCache constructs an empty cache.
func NewAtomCache() *AtomCache {
	return &AtomCache{byName: make(map[string]int, AtomCacheSize)}
}

// Lookup returns the atom installed at slot, if any.
func (c *AtomCache) Lookup(slot int) (string, bool) {
	if slot < 0 || slot >= AtomCacheSize {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.present[slot] {
		return "", false
	}
	return c.bySlot[slot], true
}

// Len reports how many slots currently hold an atom.
func (c *AtomCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byName)
}

// SlotFor returns the slot already holding name, if any.
func (c *AtomCache) SlotFor(name string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	slot, ok := c.byName[name]
	return slot, ok
}

// Install places name at slot, evicting whatever atom previously occupied
// it. The receiver simply obeys the slot index in the header, so the two
// caches never need to exchange an eviction notice. The send path
// (assignSlot) never evicts: it reuses an atom's existing slot or takes the
// lowest-numbered unoccupied slot below 256, and the encode fails with an
// "atom cache exhausted" error when none is free.
func (c *AtomCache) Install(slot int, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.present[slot] {
		delete(c.byName, c.bySlot[slot])
	}
	c.bySlot[slot] = name
	c.present[slot] = true
	c.byName[name] = slot
}

// CacheEntry describes one atom-cache reference carried in a distribution
// header: a slot index plus, when the atom is new to the peer, the atom
// text itself. Cached atoms are at most 255 bytes (one length byte on the
// wire); longer atoms always encode inline instead of through the cache.
type CacheEntry struct {
	Slot     int
	NewEntry bool
	AtomText string
}

// EncodeDistHeader writes a distribution header (tag 68) for the given
// cache references, following the bit-packed layout: a reference count
// byte, then one flags-nibble pair per two references (high bit of each
// nibble marks "new entry", low 3 bits are the slot's bottom bits), then
// the slot/length/text bytes for each reference in order.
func EncodeDistHeader(entries []CacheEntry) []byte {
	buf := make([]byte, 0, 2+len(entries)*4)
	buf = append(buf, tagDistHeader, byte(len(entries)))
	if len(entries) == 0 {
		return buf
	}

	flagBytes := make([]byte, (len(entries)+1)/2)
	for i, e := range entries {
		nibble := byte(e.Slot & 0x07)
		if e.NewEntry {
			nibble |= 0x08
		}
		if i%2 == 0 {
			flagBytes[i/2] |= nibble
		} else {
			flagBytes[i/2] |= nibble << 4
		}
	}
	buf = append(buf, flagBytes...)

	for _, e := range entries {
		buf = append(buf, byte(e.Slot>>3))
		if e.NewEntry {
			buf = append(buf, byte(len(e.AtomText)))
			buf = append(buf, e.AtomText...)
		}
	}
	return buf
}

// DecodeDistHeader parses a distribution header starting at buf[0] (which
// must be tagDistHeader) and returns the reference slots/atoms seen plus
// the number of header bytes consumed. It does not decode the trailing
// payload term; callers pass the remainder to Decode/DecodeWithCache.
func DecodeDistHeader(buf []byte, cache *AtomCache) ([]CacheEntry, int, error) {
	if len(buf) < 2 || buf[0] != tagDistHeader {
		return nil, 0, decodeErr(0, nil, "not a distribution header")
	}
	count := int(buf[1])
	pos := 2
	if count == 0 {
		return nil, pos, nil
	}

	flagBytesLen := (count + 1) / 2
	if len(buf) < pos+flagBytesLen {
		return nil, 0, decodeErr(pos, nil, "%w", ErrUnexpectedEOF)
	}
	flagBytes := buf[pos : pos+flagBytesLen]
	pos += flagBytesLen

	entries := make([]CacheEntry, count)
	for i := 0; i < count; i++ {
		var nibble byte
		if i%2 == 0 {
			nibble = flagBytes[i/2] & 0x0f
		} else {
			nibble = (flagBytes[i/2] >> 4) & 0x0f
		}
		newEntry := nibble&0x08 != 0
		lowBits := int(nibble & 0x07)

		if pos >= len(buf) {
			return nil, 0, decodeErr(pos, nil, "%w", ErrUnexpectedEOF)
		}
		slot := (int(buf[pos]) << 3) | lowBits
		pos++

		e := CacheEntry{Slot: slot, NewEntry: newEntry}
		if newEntry {
			if pos+1 > len(buf) {
				return nil, 0, decodeErr(pos, nil, "%w", ErrUnexpectedEOF)
			}
			textLen := int(buf[pos])
			pos++
			if pos+textLen > len(buf) {
				return nil, 0, decodeErr(pos, nil, "%w", ErrUnexpectedEOF)
			}
			e.AtomText = string(buf[pos : pos+textLen])
			pos += textLen
			if cache != nil {
				cache.Install(slot, e.AtomText)
			}
		} else if cache != nil {
			name, ok := cache.Lookup(slot)
			if !ok {
				return nil, 0, decodeErr(pos, nil, "atom cache reference to unknown slot %d", slot)
			}
			e.AtomText = name
		}
		entries[i] = e
	}
	return entries, pos, nil
}

// DecodeWithAtomCache decodes a term that may contain tag-82 atom-cache
// references, resolving each one against cache. It is used for the
// payload segment of a DIST_HEADER-framed message.
func DecodeWithAtomCache(buf []byte, cache *AtomCache) (term.Term, int, error) {
	if len(buf) < 1 {
		return term.Term{}, 0, decodeErr(0, nil, "%w", ErrUnexpectedEOF)
	}
	if buf[0] != tagVersion {
		return term.Term{}, 0, decodeErr(0, nil, "%w: got 0x%02x", ErrInvalidVersion, buf[0])
	}
	d := &decoder{buf: buf, pos: 1, cache: cache}
	t, err := d.decodeTerm()
	if err != nil {
		return term.Term{}, 0, err
	}
	return t, d.pos, nil
}
