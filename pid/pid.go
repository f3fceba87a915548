// Package pid implements the lock-free, per-node PID allocator: a monotonic
// (id, serial) counter pair that mints process identifiers under concurrent
// load without ever coordinating through a mutex.
//
// The BEAM reserves id 0 and caps ids at 2^20 (1,048,576). The allocation
// that reaches the cap returns it with the serial already advanced; the
// following allocation wraps back to id 1. Two processes therefore never
// share a (id, serial) pair for the lifetime of a node incarnation.
package pid

import (
	"sync/atomic"

	"github.com/tripwire/edp/term"
)

// MaxID is the largest id value the allocator ever returns (2^20). The
// allocation that reaches it carries the freshly advanced serial; the next
// allocation wraps back to 1.
const MaxID = 1 << 20

// Allocator mints PIDs for one local node. The zero value is not usable;
// construct with New. All fields are accessed only through sync/atomic, so
// Allocate needs no lock even when called from many goroutines at once.
type Allocator struct {
	node       string
	nextID     atomic.Uint32
	nextSerial atomic.Uint64
	creation   atomic.Uint32
}

// New constructs an Allocator for node, starting the id counter at 1 (id 0
// is never returned) and serial at 0. creation is typically supplied once,
// after port-mapper registration, via SetCreation.
func New(node string) *Allocator {
	a := &Allocator{node: node}
	a.nextID.Store(1)
	return a
}

// SetCreation records the creation number assigned by the port-mapper at
// registration time. It is intended to be called exactly once, early in a
// node's lifetime; later calls simply overwrite the stored value, since
// nothing else in this package depends on it being set only once.
func (a *Allocator) SetCreation(creation uint32) {
	a.creation.Store(creation)
}

// Creation returns the creation number most recently set by SetCreation, or
// 0 if none has been set yet.
func (a *Allocator) Creation() uint32 {
	return a.creation.Load()
}

// Allocate mints a new PID. It is safe to call concurrently from any number
// of goroutines: two callers that each allocate N times together observe
// 2N distinct (id, serial) pairs for any interleaving, because id is a
// single atomic fetch-add and the clamp-to-MaxID/serial-bump only ever
// happens to callers that observed a boundary value.
func (a *Allocator) Allocate() term.Pid {
	id := a.nextID.Add(1) - 1
	var serial uint32
	if id >= MaxID {
		// This caller (and possibly other concurrent stragglers that also
		// observed an at-or-past-boundary id) gets the clamped MaxID with a
		// serial bumped via the fetch-add's own return value rather than a
		// separate Load, so two callers that cross at the same moment still
		// get distinct serials. The counter restarts at 1 for the next
		// allocation.
		serial = uint32(a.nextSerial.Add(1))
		a.nextID.Store(1)
		id = MaxID
	} else {
		serial = uint32(a.nextSerial.Load())
	}
	return term.Pid{
		Node:     a.node,
		ID:       id,
		Serial:   serial,
		Creation: a.creation.Load(),
	}
}
