package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

func pipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	return New(a, time.Second, nil), New(b, time.Second, nil)
}

func TestHandshakeFramingRoundTrip(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	msg := []byte("handshake body")
	go func() {
		if err := client.WriteFrame(context.Background(), msg); err != nil {
			t.Errorf("WriteFrame: %v", err)
		}
	}()

	got, err := server.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestDistributionModeTickIsNil(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	client.SetMode(ModeDistribution)
	server.SetMode(ModeDistribution)

	go func() {
		if err := client.WriteTick(context.Background()); err != nil {
			t.Errorf("WriteTick: %v", err)
		}
	}()

	got, err := server.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil tick body, got %v", got)
	}
}

func TestModeSwitchChangesPrefixWidth(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	client.SetMode(ModeDistribution)
	server.SetMode(ModeDistribution)

	msg := []byte("steady state frame")
	go func() {
		if err := client.WriteFrame(context.Background(), msg); err != nil {
			t.Errorf("WriteFrame: %v", err)
		}
	}()
	got, err := server.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestReadTimeoutIsDistinctFromEOF(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := server.ReadFrame(ctx)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := pipeConns(t)
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := c.ReadFrame(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestDetachedReadHalfReadsIndependently(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	rh := server.DetachRead()

	msg := []byte("via detached read half")
	go func() {
		if err := client.WriteFrame(context.Background(), msg); err != nil {
			t.Errorf("WriteFrame: %v", err)
		}
	}()

	got, err := rh.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}
