package node

import (
	"sync"

	"github.com/tripwire/edp/term"
)

// Mailbox receives the messages addressed to one local PID.
type Mailbox chan *Message

// registryShards spreads PID entries over independent locks so delivery to
// one process never contends with registration of another.
const registryShards = 16

// pidKey identifies a local process; the node name is fixed per registry
// so id/serial suffice.
type pidKey struct {
	id     uint32
	serial uint32
}

type registryShard struct {
	mu    sync.RWMutex
	boxes map[pidKey]Mailbox
}

// Registry maps local PIDs to mailbox sinks. It is safe to read from any
// goroutine; locking is per-shard, keyed by PID id.
type Registry struct {
	shards [registryShards]registryShard
}

// NewRegistry constructs an empty process registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].boxes = make(map[pidKey]Mailbox)
	}
	return r
}

func (r *Registry) shard(p term.Pid) *registryShard {
	return &r.shards[p.ID%registryShards]
}

// Register associates pid with box, replacing any previous mailbox for the
// same pid.
func (r *Registry) Register(pid term.Pid, box Mailbox) {
	s := r.shard(pid)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boxes[pidKey{pid.ID, pid.Serial}] = box
}

// Unregister removes pid's mailbox, if any.
func (r *Registry) Unregister(pid term.Pid) {
	s := r.shard(pid)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.boxes, pidKey{pid.ID, pid.Serial})
}

// Lookup returns the mailbox registered for pid.
func (r *Registry) Lookup(pid term.Pid) (Mailbox, bool) {
	s := r.shard(pid)
	s.mu.RLock()
	defer s.mu.RUnlock()
	box, ok := s.boxes[pidKey{pid.ID, pid.Serial}]
	return box, ok
}

// Deliver routes msg to the mailbox registered for to. It reports whether
// a mailbox existed; delivery itself never blocks. A full mailbox drops
// the message, the same back-pressure answer the BEAM gives a slow
// process's distribution buffer.
func (r *Registry) Deliver(to term.Pid, msg *Message) bool {
	box, ok := r.Lookup(to)
	if !ok {
		return false
	}
	select {
	case box <- msg:
	default:
	}
	return true
}

// Route inspects an inbound message's control tuple and, when it
// addresses a local PID (SEND, SEND_SENDER, EXIT and friends), delivers
// it to that PID's mailbox. Messages addressed to unknown PIDs or
// registered names report false and stay with the caller.
func (r *Registry) Route(msg *Message) bool {
	if to, ok := msg.Control.AsSend(); ok {
		return r.Deliver(to, msg)
	}
	if _, to, ok := msg.Control.AsSendSender(); ok {
		return r.Deliver(to, msg)
	}
	if _, to, _, ok := msg.Control.AsExit(); ok {
		return r.Deliver(to, msg)
	}
	if _, to, _, ok := msg.Control.AsExit2(); ok {
		return r.Deliver(to, msg)
	}
	return false
}
