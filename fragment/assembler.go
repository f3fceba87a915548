// Package fragment reassembles distribution messages that arrive split
// across multiple DIST_FRAG_HEADER/DIST_FRAG_CONT frames. A sequence is
// identified by the (sender-chosen) fragment sequence id carried in the
// header frame; fragment ids inside a sequence count down from the
// declared total to 1.
package fragment

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout is how long an incomplete sequence is kept before it is
// considered abandoned and swept away.
const DefaultTimeout = 30 * time.Second

// denseVecLimit bounds the size of the dense, pre-sized fragment slice.
// Sequences whose declared fragment count exceeds it fall back to a sparse
// map keyed by fragment id, trading O(1) indexed writes for bounded memory
// on a pathologically large declared count.
const denseVecLimit = 100_000

// MaxFragmentCount rejects sequences whose declared total is absurd even
// for the sparse fallback; the wire format's own fragment-id space is
// large but nothing legitimate fragments a message into a million pieces.
const MaxFragmentCount = 1_000_000

// SequenceID identifies one fragmented message, scoped to a connection.
type SequenceID uint64

// message holds the in-progress reassembly state for one sequence.
type message struct {
	totalFragments int // 0 until the header frame has been seen
	dense          []([]byte)
	sparse         map[uint64][]byte
	receivedCount  int
	atomCacheData  []byte
	lastUpdate     time.Time
}

func newMessage() *message {
	return &message{sparse: make(map[uint64][]byte)}
}

func (m *message) useSparse() bool {
	return m.totalFragments == 0 || m.totalFragments > denseVecLimit
}

// setTotal records the declared fragment count once the header frame (the
// only frame that carries it) has arrived. Any continuation fragments that
// arrived first and were buffered in the sparse map are drained into the
// dense slice if the total turns out to be small enough.
func (m *message) setTotal(total int) error {
	if total <= 0 || total > MaxFragmentCount {
		return &InvalidFragmentCountError{Count: total}
	}
	m.totalFragments = total
	if total > denseVecLimit {
		return nil
	}
	dense := make([][]byte, total)
	for id, data := range m.sparse {
		if id >= 1 && int(id) <= total {
			dense[id-1] = data
		}
	}
	m.dense = dense
	m.sparse = nil
	return nil
}

// add stores one fragment's payload by its countdown id (1-based from the
// tail: the header fragment itself carries the highest id, equal to the
// total). Fragment id 0 is invalid and ignored; a slot that is already
// filled is treated as a harmless duplicate and dropped silently, matching
// at-least-once delivery semantics at the transport layer below.
func (m *message) add(fragID uint64, data []byte) {
	m.lastUpdate = time.Now()
	if fragID == 0 {
		return
	}
	if m.useSparse() {
		if _, exists := m.sparse[fragID]; exists {
			return
		}
		m.sparse[fragID] = data
		m.receivedCount++
		return
	}
	idx := int(fragID) - 1
	if idx < 0 || idx >= len(m.dense) {
		return
	}
	if m.dense[idx] != nil {
		return
	}
	m.dense[idx] = data
	m.receivedCount++
}

func (m *message) isComplete() bool {
	return m.totalFragments != 0 && m.receivedCount == m.totalFragments
}

func (m *message) isExpired(timeout time.Duration) bool {
	return time.Since(m.lastUpdate) > timeout
}

// reassemble concatenates the atom-cache-data prefix (if any) followed by
// every fragment payload in ascending order.
func (m *message) reassemble() []byte {
	total := 0
	total += len(m.atomCacheData)
	ordered := m.orderedFragments()
	for _, f := range ordered {
		total += len(f)
	}
	out := make([]byte, 0, total)
	out = append(out, m.atomCacheData...)
	for _, f := range ordered {
		out = append(out, f...)
	}
	return out
}

func (m *message) orderedFragments() [][]byte {
	if !m.useSparse() {
		return m.dense
	}
	out := make([][]byte, m.totalFragments)
	for id, data := range m.sparse {
		if id >= 1 && int(id) <= m.totalFragments {
			out[id-1] = data
		}
	}
	return out
}

// InvalidFragmentCountError reports a header frame declaring an
// out-of-range total fragment count.
type InvalidFragmentCountError struct{ Count int }

func (e *InvalidFragmentCountError) Error() string {
	return "fragment: invalid fragment count declared in header"
}

// Assembler reassembles fragmented distribution messages for one
// connection. It is safe for concurrent use; callers typically drive it
// from the single goroutine reading frames off the wire plus a background
// goroutine calling CleanupExpired on a timer (see Run).
type Assembler struct {
	mu       sync.Mutex
	pending  map[SequenceID]*message
	timeout  time.Duration
	log      *slog.Logger
}

// New constructs an Assembler with the given expiry timeout. A nil logger
// substitutes slog.Default().
func New(timeout time.Duration, log *slog.Logger) *Assembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{pending: make(map[SequenceID]*message), timeout: timeout, log: log}
}

// StartFragment begins or continues a sequence given its header frame: the
// declared total fragment count, this fragment's countdown id, its
// payload, and any atom-cache-data that preceded it in the frame. If the
// sequence already has buffered continuation fragments (because they
// arrived before the header, which the wire protocol permits), they are
// folded in immediately. Returns the reassembled payload and true if the
// sequence is now complete.
func (a *Assembler) StartFragment(seq SequenceID, total int, fragID uint64, atomCacheData, payload []byte) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.pending[seq]
	if !ok {
		m = newMessage()
		a.pending[seq] = m
	}
	if err := m.setTotal(total); err != nil {
		delete(a.pending, seq)
		return nil, false, err
	}
	m.atomCacheData = atomCacheData
	m.add(fragID, payload)

	if m.isComplete() {
		delete(a.pending, seq)
		return m.reassemble(), true, nil
	}
	return nil, false, nil
}

// AddFragment buffers a continuation fragment (DIST_FRAG_CONT) for a
// sequence that may or may not have seen its header yet. Returns the
// reassembled payload and true if this fragment completed the sequence.
func (a *Assembler) AddFragment(seq SequenceID, fragID uint64, payload []byte) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.pending[seq]
	if !ok {
		m = newMessage()
		a.pending[seq] = m
	}
	if m.totalFragments != 0 && fragID > uint64(m.totalFragments) {
		// A fragment id beyond the declared total is discarded without
		// failing the sequence; the header's count wins.
		a.log.Warn("fragment id beyond declared total; discarding",
			slog.Uint64("sequence_id", uint64(seq)),
			slog.Uint64("fragment_id", fragID),
			slog.Int("total", m.totalFragments))
		return nil, false
	}
	m.add(fragID, payload)

	if m.isComplete() {
		delete(a.pending, seq)
		return m.reassemble(), true
	}
	return nil, false
}

// CleanupExpired removes sequences that have received no fragment within
// the assembler's timeout and returns how many were dropped.
func (a *Assembler) CleanupExpired() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for seq, m := range a.pending {
		if m.isExpired(a.timeout) {
			delete(a.pending, seq)
			removed++
			a.log.Warn("fragment sequence expired before completion",
				slog.Uint64("sequence_id", uint64(seq)),
				slog.Int("received", m.receivedCount),
				slog.Int("total", m.totalFragments))
		}
	}
	return removed
}

// Clear discards all pending sequences.
func (a *Assembler) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = make(map[SequenceID]*message)
}

// PendingCount reports how many sequences are currently buffered.
func (a *Assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Run starts a background goroutine that calls CleanupExpired on every
// tick until stop fires.
func (a *Assembler) Run(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = a.timeout / 2
		if interval <= 0 {
			interval = DefaultTimeout / 2
		}
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := a.CleanupExpired(); n > 0 {
					a.log.Debug("swept expired fragment sequences", slog.Int("count", n))
				}
			}
		}
	}()
}
