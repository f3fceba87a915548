package etf

import (
	"encoding/binary"

	"github.com/tripwire/edp/term"
)

// EncodeWithAtomCache encodes terms for a DIST_HEADER-framed message: it
// first walks every term collecting the distinct atoms they contain (in
// first-seen order), assigns each one a cache slot via cache (reusing
// whatever slot the atom already occupies), then encodes
// each term with every atom occurrence replaced by the one-byte
// tagAtomCacheRef + slot-index form. It returns the distribution header
// bytes (tag 68, ready to prefix the encoded bodies) followed by the
// per-term encoded bodies in the same order as terms.
//
// terms is typically [control, payload] for a message carrying a payload,
// or just [control] otherwise; both segments share one cache reference
// table so an atom repeated across control and payload is only sent once.
func EncodeWithAtomCache(terms []term.Term, cache *AtomCache) (header []byte, bodies [][]byte, err error) {
	var names []string
	seen := make(map[string]bool)
	for _, t := range terms {
		collectAtoms(t, seen, &names)
	}

	entries := make([]CacheEntry, 0, len(names))
	slotOf := make(map[string]int, len(names))
	used := make(map[int]bool, len(names))
	nextFree := 0
	for _, name := range names {
		if len(name) > 255 {
			// The header's per-entry length field is one byte; longer
			// atoms stay inline in the term body.
			continue
		}
		slot, newEntry, ok := assignSlot(cache, name, used, &nextFree)
		if !ok {
			return nil, nil, encodeErr("atom cache exhausted: no free slot for %q", name)
		}
		slotOf[name] = slot
		entries = append(entries, CacheEntry{
			Slot:     slot,
			NewEntry: newEntry,
			AtomText: name,
		})
	}
	if len(entries) > 255 {
		// The header's reference count is one byte.
		return nil, nil, encodeErr("too many distinct atoms for one cache header: %d", len(entries))
	}

	bodies = make([][]byte, len(terms))
	for i, t := range terms {
		buf := make([]byte, 0, 64)
		buf = append(buf, tagVersion)
		buf, err = encodeTermWithCache(buf, t, slotOf)
		if err != nil {
			return nil, nil, err
		}
		bodies[i] = buf
	}

	return EncodeDistHeader(entries), bodies, nil
}

// assignSlot picks the slot name will occupy: its existing slot if the
// cache already holds it, otherwise the lowest-numbered slot not already
// claimed by this same batch, installing the new mapping into cache so
// later messages on this connection can reference it without resending
// the text.
func assignSlot(cache *AtomCache, name string, used map[int]bool, nextFree *int) (slot int, newEntry bool, ok bool) {
	// Slots handed out by the send path stay below 256: the ATOM_CACHE_REF
	// tag carries the slot as a single byte.
	if s, found := cache.SlotFor(name); found && s <= 255 && !used[s] {
		used[s] = true
		return s, false, true
	}
	for *nextFree < 256 {
		s := *nextFree
		*nextFree++
		if used[s] {
			continue
		}
		if _, occupied := cache.Lookup(s); occupied {
			continue
		}
		used[s] = true
		cache.Install(s, name)
		return s, true, true
	}
	return 0, false, false
}

// collectAtoms appends every distinct plain atom reachable from t to
// *names, in first-seen order, recording each in seen to avoid duplicates.
// It only descends into the compound kinds encodeTermWithCache itself
// rewrites (list/tuple/map); atoms embedded inside identifiers (a pid's
// node name, an export fun's module/function) are left out since those
// are always encoded inline and never substituted with a cache reference,
// so caching them would install cache slots the body never references.
func collectAtoms(t term.Term, seen map[string]bool, names *[]string) {
	switch t.Kind() {
	case term.KindAtom:
		name, _ := t.AsAtom()
		if !seen[name] {
			seen[name] = true
			*names = append(*names, name)
		}
	case term.KindList:
		elems, _ := t.AsList()
		for _, e := range elems {
			collectAtoms(e, seen, names)
		}
	case term.KindImproperList:
		elems, tail, _ := t.AsImproperList()
		for _, e := range elems {
			collectAtoms(e, seen, names)
		}
		collectAtoms(tail, seen, names)
	case term.KindTuple:
		elems, _ := t.AsTuple()
		for _, e := range elems {
			collectAtoms(e, seen, names)
		}
	case term.KindMap:
		entries, _ := t.AsMap()
		for _, e := range entries {
			collectAtoms(e.Key, seen, names)
			collectAtoms(e.Value, seen, names)
		}
	}
}

// encodeTermWithCache mirrors encodeTerm but substitutes a tagAtomCacheRef
// byte pair for any atom present in slotOf. Pid/Port/Reference node atoms
// are left encoded inline (a LOCAL_EXT-carrying identifier's node name
// doesn't participate in the same cache table on real distribution
// connections): the cache covers atoms appearing directly in the term,
// not identifiers' embedded node fields.
func encodeTermWithCache(buf []byte, t term.Term, slotOf map[string]int) ([]byte, error) {
	if t.Kind() == term.KindAtom {
		name, _ := t.AsAtom()
		if slot, ok := slotOf[name]; ok {
			return append(buf, tagAtomCacheRef, byte(slot)), nil
		}
		return encodeAtom(buf, t)
	}

	switch t.Kind() {
	case term.KindList:
		elems, _ := t.AsList()
		return encodeListElementsWithCache(buf, elems, term.Nil(), slotOf)
	case term.KindImproperList:
		elems, tail, _ := t.AsImproperList()
		return encodeListElementsWithCache(buf, elems, tail, slotOf)
	case term.KindTuple:
		elems, _ := t.AsTuple()
		return encodeTupleWithCache(buf, elems, slotOf)
	case term.KindMap:
		return encodeMapWithCache(buf, t, slotOf)
	default:
		return encodeTerm(buf, t)
	}
}

func encodeListElementsWithCache(buf []byte, elems []term.Term, tail term.Term, slotOf map[string]int) ([]byte, error) {
	if len(elems) == 0 {
		return encodeTermWithCache(buf, tail, slotOf)
	}
	buf = append(buf, tagList)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(elems)))
	buf = append(buf, tmp[:]...)
	var err error
	for _, e := range elems {
		buf, err = encodeTermWithCache(buf, e, slotOf)
		if err != nil {
			return nil, err
		}
	}
	return encodeTermWithCache(buf, tail, slotOf)
}

func encodeTupleWithCache(buf []byte, elems []term.Term, slotOf map[string]int) ([]byte, error) {
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
		buf, err = encodeTermWithCache(buf, e, slotOf)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func encodeMapWithCache(buf []byte, t term.Term, slotOf map[string]int) ([]byte, error) {
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
		buf, err = encodeTermWithCache(buf, e.Key, slotOf)
		if err != nil {
			return nil, err
		}
		buf, err = encodeTermWithCache(buf, e.Value, slotOf)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}
