package node

import (
	"sync"
	"testing"

	"github.com/tripwire/edp/control"
	"github.com/tripwire/edp/term"
)

func TestRegistryDeliver(t *testing.T) {
	r := NewRegistry()
	pid := term.Pid{Node: "edp@localhost", ID: 7, Serial: 0, Creation: 1}
	box := make(Mailbox, 1)
	r.Register(pid, box)

	msg := &Message{Control: control.BuildSend(pid)}
	if !r.Deliver(pid, msg) {
		t.Fatalf("Deliver to a registered pid reported false")
	}
	select {
	case got := <-box:
		if got != msg {
			t.Fatalf("wrong message delivered")
		}
	default:
		t.Fatalf("mailbox empty after delivery")
	}

	other := term.Pid{Node: "edp@localhost", ID: 8, Serial: 0, Creation: 1}
	if r.Deliver(other, msg) {
		t.Fatalf("Deliver to an unregistered pid reported true")
	}
}

func TestRegistryFullMailboxDoesNotBlock(t *testing.T) {
	r := NewRegistry()
	pid := term.Pid{Node: "edp@localhost", ID: 1, Creation: 1}
	box := make(Mailbox, 1)
	r.Register(pid, box)

	first := &Message{Control: control.BuildSend(pid)}
	second := &Message{Control: control.BuildSend(pid)}
	r.Deliver(pid, first)
	// Must return immediately even though the buffer is full.
	if !r.Deliver(pid, second) {
		t.Fatalf("Deliver reported false for a registered pid")
	}
	if got := <-box; got != first {
		t.Fatalf("full mailbox should keep the first message")
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	pid := term.Pid{Node: "edp@localhost", ID: 3, Creation: 1}
	r.Register(pid, make(Mailbox, 1))
	r.Unregister(pid)
	if _, ok := r.Lookup(pid); ok {
		t.Fatalf("Lookup found an unregistered pid")
	}
}

func TestRegistryRouteBySendControl(t *testing.T) {
	r := NewRegistry()
	pid := term.Pid{Node: "edp@localhost", ID: 9, Creation: 1}
	box := make(Mailbox, 4)
	r.Register(pid, box)

	payload := term.Atom("hi")
	routed := r.Route(&Message{Control: control.BuildSend(pid), Payload: &payload})
	if !routed {
		t.Fatalf("SEND to a registered pid was not routed")
	}
	reason := term.Atom("shutdown")
	if !r.Route(&Message{Control: control.BuildExit(pid, pid, reason)}) {
		t.Fatalf("EXIT to a registered pid was not routed")
	}
	if r.Route(&Message{Control: control.BuildRegSend(pid, "some_name"), Payload: &payload}) {
		t.Fatalf("REG_SEND routes by name, not pid; Route must decline it")
	}
	if len(box) != 2 {
		t.Fatalf("mailbox holds %d messages, want 2", len(box))
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				pid := term.Pid{Node: "edp@localhost", ID: uint32(g*1000 + i), Creation: 1}
				r.Register(pid, make(Mailbox, 1))
				if _, ok := r.Lookup(pid); !ok {
					t.Errorf("registered pid not found")
					return
				}
				r.Deliver(pid, &Message{Control: control.BuildSend(pid)})
				r.Unregister(pid)
			}
		}(g)
	}
	wg.Wait()
}
