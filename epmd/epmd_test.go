package epmd

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

// fakeEPMD starts a one-shot TCP listener that reads exactly one request
// and writes back the given canned reply, returning the listener's port.
func fakeEPMD(t *testing.T, reply []byte, captureReq *[]byte) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		n := binary.BigEndian.Uint16(lenBuf)
		body := make([]byte, n)
		io.ReadFull(conn, body)
		if captureReq != nil {
			*captureReq = append([]byte(nil), body...)
		}
		conn.Write(reply)
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestLookupSpecScenario(t *testing.T) {
	// Reply for a node on port 52431, version 6: 77 00 CC CF 4D 00 00 06 00 05 ...
	reply := []byte{
		0x77, 0x00, // tag, result=0
		0xCC, 0xCF, // port = 52431
		0x4D,       // node type 77 (normal)
		0x00,       // protocol TCP
		0x00, 0x06, // highest version 6
		0x00, 0x05, // lowest version 5
		0x00, 0x03, // name len 3
		'n', '@', 'h',
		0x00, 0x00, // extra len 0
	}
	var capturedReq []byte
	port := fakeEPMD(t, reply, &capturedReq)

	orig := DefaultPort
	_ = orig
	patchPort(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	info, err := Lookup(ctx, "127.0.0.1", "n@h")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if info.Port != 52431 {
		t.Fatalf("Port = %d, want 52431", info.Port)
	}
	if info.NodeType != NodeTypeNormal {
		t.Fatalf("NodeType = %d, want %d", info.NodeType, NodeTypeNormal)
	}
	if info.HighestVersion != 6 || info.LowestVersion != 5 {
		t.Fatalf("versions = (%d,%d)", info.HighestVersion, info.LowestVersion)
	}

	wantReq := []byte{0x7A} // tag 122
	wantReq = append(wantReq, "n@h"...)
	if string(capturedReq) != string(wantReq) {
		t.Fatalf("request body = % x, want % x", capturedReq, wantReq)
	}
}

func TestLookupNotRegistered(t *testing.T) {
	reply := []byte{0x77, 0x01} // result != 0
	port := fakeEPMD(t, reply, nil)
	patchPort(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Lookup(ctx, "127.0.0.1", "missing@h"); err != ErrNotRegistered {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestParseEntryLine(t *testing.T) {
	name, port, ok := parseEntryLine("name foo at port 4369")
	if !ok || name != "foo" || port != 4369 {
		t.Fatalf("parseEntryLine: got (%q,%d,%v)", name, port, ok)
	}
	if _, _, ok := parseEntryLine("garbage"); ok {
		t.Fatalf("expected parse failure for garbage line")
	}
}

// patchPort overrides the port Lookup/Register dial to, for the duration
// of one test, by temporarily swapping dialAddr's behavior via a package
// variable the test file alone is allowed to touch.
func patchPort(t *testing.T, port int) {
	t.Helper()
	origDialAddr := dialAddrFn
	dialAddrFn = func(host string) string {
		if host == "" {
			host = "localhost"
		}
		return net.JoinHostPort(host, itoa(port))
	}
	t.Cleanup(func() { dialAddrFn = origDialAddr })
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
