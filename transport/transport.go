// Package transport implements the length-prefixed framing the BEAM
// distribution protocol uses over a plain TCP socket: a 2-byte prefix
// during the handshake, switching to a 4-byte prefix once the connection
// reaches steady state, plus the heartbeat ticks and detachable read half
// that let an orchestrator run independent read and write loops.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Mode selects the length-prefix width a Conn reads and writes.
type Mode int32

const (
	// ModeHandshake uses a 2-byte big-endian length prefix.
	ModeHandshake Mode = iota
	// ModeDistribution uses a 4-byte big-endian length prefix; a frame of
	// length 0 is a heartbeat tick rather than an empty term.
	ModeDistribution
)

// MaxFrameBody bounds the length prefix the decoder will honor; a peer
// that announces a larger frame is treated as protocol-violating.
const MaxFrameBody = 64 << 20 // 64 MiB

// TickInterval is how long the write side waits with nothing written
// before it emits a heartbeat tick of its own accord.
const TickInterval = 45 * time.Second

// PeerDeadAfter is how long a peer may go without sending any frame
// (including ticks) before it should be considered dead. Transport itself
// does not enforce this; callers that want liveness detection read
// LastFrameAt and compare against it.
const PeerDeadAfter = 60 * time.Second

// Sentinel errors, kept distinct: a Timeout is a cancelled suspension
// point, not a peer-initiated close.
var (
	ErrTimeout       = errors.New("transport: operation timed out")
	ErrClosed        = errors.New("transport: connection closed")
	ErrOversizeFrame = errors.New("transport: frame exceeds maximum body size")
)

// Conn wraps a dialed net.Conn with BEAM distribution framing. The zero
// value is not usable; construct with Dial or New.
type Conn struct {
	nc  net.Conn
	log *slog.Logger

	mode    atomic.Int32
	timeout time.Duration

	writeMu      sync.Mutex
	lastWriteAt  atomic.Int64 // UnixNano
	lastFrameAt  atomic.Int64 // UnixNano, last successful read

	closeOnce sync.Once
	closed    atomic.Bool

	tickStop chan struct{}
}

// Dial opens a TCP connection to addr (optionally wrapped by tlsConfig;
// the handshake path itself is plaintext) and starts in handshake
// framing. The dial itself respects ctx's deadline.
func Dial(ctx context.Context, addr string, timeout time.Duration, tlsConfig *tls.Config) (*Conn, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if tlsConfig != nil {
		nc = tls.Client(nc, tlsConfig)
	}
	return New(nc, timeout, nil), nil
}

// New wraps an already-established net.Conn. A nil logger substitutes
// slog.Default().
func New(nc net.Conn, timeout time.Duration, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{nc: nc, log: log, timeout: timeout, tickStop: make(chan struct{})}
	now := time.Now().UnixNano()
	c.lastWriteAt.Store(now)
	c.lastFrameAt.Store(now)
	return c
}

// SetMode switches the length-prefix width used by subsequent reads and
// writes. The orchestrator calls this once, immediately after the
// handshake engine completes step 6.
func (c *Conn) SetMode(m Mode) { c.mode.Store(int32(m)) }

// Mode reports the current framing mode.
func (c *Conn) Mode() Mode { return Mode(c.mode.Load()) }

// LastFrameAt reports when the most recent frame (including ticks) was
// successfully read.
func (c *Conn) LastFrameAt() time.Time { return time.Unix(0, c.lastFrameAt.Load()) }

func (c *Conn) prefixLen() int {
	if c.Mode() == ModeHandshake {
		return 2
	}
	return 4
}

func (c *Conn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		d = dl
	}
	return d
}

// ReadFrame reads one length-prefixed frame body. In ModeDistribution a
// zero-length frame (a heartbeat tick) is returned as (nil, nil); callers
// must treat that as "continue reading", not as a decoded empty term.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := c.nc.SetReadDeadline(c.deadline(ctx)); err != nil {
		return nil, fmt.Errorf("transport: set read deadline: %w", err)
	}

	n := c.prefixLen()
	prefix := make([]byte, n)
	if _, err := io.ReadFull(c.nc, prefix); err != nil {
		return nil, c.classifyErr(err)
	}

	var length uint32
	if n == 2 {
		length = uint32(binary.BigEndian.Uint16(prefix))
	} else {
		length = binary.BigEndian.Uint32(prefix)
	}
	if length > MaxFrameBody {
		return nil, ErrOversizeFrame
	}

	c.lastFrameAt.Store(time.Now().UnixNano())
	if length == 0 {
		return nil, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return nil, c.classifyErr(err)
	}
	return body, nil
}

// WriteFrame writes one length-prefixed frame.
func (c *Conn) WriteFrame(ctx context.Context, body []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(body) > MaxFrameBody {
		return ErrOversizeFrame
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.nc.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}

	n := c.prefixLen()
	buf := make([]byte, n, n+len(body))
	if n == 2 {
		binary.BigEndian.PutUint16(buf, uint16(len(body)))
	} else {
		binary.BigEndian.PutUint32(buf, uint32(len(body)))
	}
	buf = append(buf, body...)

	if _, err := c.nc.Write(buf); err != nil {
		return c.classifyErr(err)
	}
	c.lastWriteAt.Store(time.Now().UnixNano())
	return nil
}

// WriteTick writes a zero-length heartbeat frame. Valid only in
// ModeDistribution; calling it in ModeHandshake would be misread by the
// peer as a zero-length handshake message.
func (c *Conn) WriteTick(ctx context.Context) error {
	return c.WriteFrame(ctx, nil)
}

func (c *Conn) classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("transport: peer closed connection: %w", io.EOF)
	}
	return fmt.Errorf("transport: I/O error: %w", err)
}

// ReadHalf is a detached read path over the same underlying socket as the
// Conn it was created from, so a dedicated receive goroutine can call
// ReadFrame while the owning orchestrator continues to call WriteFrame
// independently. Concurrent Read and Write calls on one net.Conn are safe;
// concurrent Read calls from two goroutines, or concurrent Write calls
// from two goroutines, are not; callers must keep exactly one reader and
// serialize writers themselves (see node's send path).
type ReadHalf struct{ c *Conn }

// DetachRead returns a ReadHalf for c.
func (c *Conn) DetachRead() *ReadHalf { return &ReadHalf{c: c} }

// ReadFrame delegates to the parent Conn's ReadFrame.
func (r *ReadHalf) ReadFrame(ctx context.Context) ([]byte, error) { return r.c.ReadFrame(ctx) }

// StartHeartbeat runs a background goroutine that writes a tick whenever
// no frame has been written for TickInterval, until stop fires or Close is
// called.
func (c *Conn) StartHeartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(TickInterval / 3)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-c.tickStop:
				return
			case <-stop:
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, c.lastWriteAt.Load()))
				if idle < TickInterval {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
				if err := c.WriteTick(ctx); err != nil {
					c.log.Warn("heartbeat tick failed", slog.Any("error", err))
				}
				cancel()
			}
		}
	}()
}

// Close closes the underlying socket and stops the heartbeat goroutine, if
// running. Safe to call multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.tickStop)
		err = c.nc.Close()
	})
	return err
}
