// Package epmd implements a client for the port-mapper daemon (epmd) that
// every BEAM node registers with: short-lived TCP requests to look up a
// peer's listen port, register this node's own port, or list/dump the
// daemon's table.
package epmd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultPort is the TCP port epmd listens on.
const DefaultPort = 4369

// Request tags.
const (
	reqNodeLookup   = 122
	reqNodeRegister = 120
	reqListAll      = 110
	reqDump         = 100
)

// Reply tags.
const (
	respNodeLookup    = 119
	respAlive2        = 121 // legacy, 16-bit creation
	respAlive2X       = 118 // ALIVE2_X_RESP, 32-bit creation
)

// Node types carried in a NODE_LOOKUP reply / NODE_REGISTER request.
const (
	NodeTypeNormal byte = 77
	NodeTypeHidden byte = 72
)

// ProtocolTCP is the only protocol value epmd itself ever carries.
const ProtocolTCP byte = 0

// ErrNotRegistered is returned by Lookup when the queried name has no
// entry in the daemon's table (a non-zero Result byte in the reply).
var ErrNotRegistered = errors.New("epmd: node is not registered")

// NodeInfo is the result of a successful Lookup.
type NodeInfo struct {
	Port           uint16
	NodeType       byte
	Protocol       byte
	HighestVersion uint16
	LowestVersion  uint16
	Extra          []byte
}

// dialAddr resolves the daemon's TCP address. host is either a bare
// hostname (the daemon's well-known port 4369 is appended) or an explicit
// "host:port" pair for daemons reachable on a remapped port.
func dialAddr(host string) string {
	if host == "" {
		host = "localhost"
	}
	if strings.Contains(host, ":") {
		return host
	}
	return fmt.Sprintf("%s:%d", host, DefaultPort)
}

// dialAddrFn resolves the epmd address to dial. It is a variable rather
// than a direct call to dialAddr solely so tests can redirect it at a
// fake, ephemeral-port listener without threading a port override through
// every exported function's signature.
var dialAddrFn = dialAddr

func dial(ctx context.Context, host string) (net.Conn, error) {
	d := net.Dialer{}
	addr := dialAddrFn(host)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("epmd: dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	return conn, nil
}

// writeRequest writes <len:u16><tag:u8><payload> to conn.
func writeRequest(conn net.Conn, tag byte, payload []byte) error {
	buf := make([]byte, 0, 3+len(payload))
	buf = binary.BigEndian.AppendUint16(buf, uint16(1+len(payload)))
	buf = append(buf, tag)
	buf = append(buf, payload...)
	_, err := conn.Write(buf)
	return err
}

// Lookup queries epmd on host for nodeName's registered port. nodeName is
// the short name (before the '@'), not the full "name@host" identity.
func Lookup(ctx context.Context, host, nodeName string) (*NodeInfo, error) {
	conn, err := dial(ctx, host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := writeRequest(conn, reqNodeLookup, []byte(nodeName)); err != nil {
		return nil, fmt.Errorf("epmd: write lookup request: %w", err)
	}

	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("epmd: read lookup reply tag: %w", err)
	}
	if header[0] != respNodeLookup {
		return nil, fmt.Errorf("epmd: unexpected reply tag 0x%02x", header[0])
	}
	result := header[1]
	if result != 0 {
		return nil, ErrNotRegistered
	}

	rest := make([]byte, 8)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, fmt.Errorf("epmd: read lookup reply body: %w", err)
	}
	info := &NodeInfo{
		Port:           binary.BigEndian.Uint16(rest[0:2]),
		NodeType:       rest[2],
		Protocol:       rest[3],
		HighestVersion: binary.BigEndian.Uint16(rest[4:6]),
		LowestVersion:  binary.BigEndian.Uint16(rest[6:8]),
	}

	nameLenBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, nameLenBuf); err != nil {
		return nil, fmt.Errorf("epmd: read lookup name length: %w", err)
	}
	nlen := int(binary.BigEndian.Uint16(nameLenBuf))
	if nlen > 0 {
		nameBuf := make([]byte, nlen)
		if _, err := io.ReadFull(conn, nameBuf); err != nil {
			return nil, fmt.Errorf("epmd: read lookup name: %w", err)
		}
	}

	extraLenBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, extraLenBuf); err != nil {
		return nil, fmt.Errorf("epmd: read lookup extra length: %w", err)
	}
	elen := int(binary.BigEndian.Uint16(extraLenBuf))
	if elen > 0 {
		extra := make([]byte, elen)
		if _, err := io.ReadFull(conn, extra); err != nil {
			return nil, fmt.Errorf("epmd: read lookup extra: %w", err)
		}
		info.Extra = extra
	}

	return info, nil
}

// RegisterOpts describes how this node should advertise itself when
// registering with epmd.
type RegisterOpts struct {
	Port           uint16
	NodeType       byte // NodeTypeNormal or NodeTypeHidden
	Protocol       byte // ProtocolTCP
	HighestVersion uint16
	LowestVersion  uint16
	Extra          []byte
}

func (o *RegisterOpts) applyDefaults() {
	if o.NodeType == 0 {
		o.NodeType = NodeTypeNormal
	}
	if o.HighestVersion == 0 {
		o.HighestVersion = 6
	}
	if o.LowestVersion == 0 {
		o.LowestVersion = 6
	}
}

// Register announces nodeName as alive on port to epmd on host and returns
// the creation number epmd assigned. Per the real port-mapper protocol,
// the TCP connection used for registration must stay open for as long as
// the node considers itself alive (closing it is how epmd notices the
// node died), so Register returns the open connection as an io.Closer
// rather than closing it itself.
func Register(ctx context.Context, host, nodeName string, opts RegisterOpts) (creation uint32, keepAlive io.Closer, err error) {
	opts.applyDefaults()

	conn, err := dial(ctx, host)
	if err != nil {
		return 0, nil, err
	}

	payload := make([]byte, 0, 13+len(nodeName)+len(opts.Extra))
	payload = binary.BigEndian.AppendUint16(payload, opts.Port)
	payload = append(payload, opts.NodeType, opts.Protocol)
	payload = binary.BigEndian.AppendUint16(payload, opts.HighestVersion)
	payload = binary.BigEndian.AppendUint16(payload, opts.LowestVersion)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(nodeName)))
	payload = append(payload, nodeName...)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(opts.Extra)))
	payload = append(payload, opts.Extra...)

	if err := writeRequest(conn, reqNodeRegister, payload); err != nil {
		conn.Close()
		return 0, nil, fmt.Errorf("epmd: write register request: %w", err)
	}

	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		conn.Close()
		return 0, nil, fmt.Errorf("epmd: read register reply tag: %w", err)
	}
	// Registration sockets must not inherit ctx's deadline once the
	// request/response completes; a dead node registration should not be
	// torn down by an unrelated context's lifetime.
	clearDeadline := func() { _ = conn.SetDeadline(time.Time{}) }

	switch header[0] {
	case respAlive2:
		result := header[1]
		if result != 0 {
			conn.Close()
			return 0, nil, fmt.Errorf("epmd: registration refused (result=%d)", result)
		}
		creationBuf := make([]byte, 2)
		if _, err := io.ReadFull(conn, creationBuf); err != nil {
			conn.Close()
			return 0, nil, fmt.Errorf("epmd: read legacy creation: %w", err)
		}
		clearDeadline()
		return uint32(binary.BigEndian.Uint16(creationBuf)), conn, nil

	case respAlive2X:
		result := header[1]
		if result != 0 {
			conn.Close()
			return 0, nil, fmt.Errorf("epmd: registration refused (result=%d)", result)
		}
		creationBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, creationBuf); err != nil {
			conn.Close()
			return 0, nil, fmt.Errorf("epmd: read 32-bit creation: %w", err)
		}
		clearDeadline()
		return binary.BigEndian.Uint32(creationBuf), conn, nil

	default:
		conn.Close()
		return 0, nil, fmt.Errorf("epmd: unexpected register reply tag 0x%02x", header[0])
	}
}

// Entry is one line of a ListAll/Dump response: "name X at port Y".
type Entry struct {
	Name string
	Port int
}

// ListAll queries the EPMD_NAMES_REQ (tag 110) and returns every
// registered node entry the daemon's table currently holds.
func ListAll(ctx context.Context, host string) ([]Entry, error) {
	return namesLikeQuery(ctx, host, reqListAll)
}

// Dump queries EPMD_DUMP_REQ (tag 100), a superset of ListAll that also
// includes entries epmd is in the process of tearing down.
func Dump(ctx context.Context, host string) ([]Entry, error) {
	return namesLikeQuery(ctx, host, reqDump)
}

func namesLikeQuery(ctx context.Context, host string, tag byte) ([]Entry, error) {
	conn, err := dial(ctx, host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := writeRequest(conn, tag, nil); err != nil {
		return nil, fmt.Errorf("epmd: write request: %w", err)
	}

	body, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("epmd: read reply: %w", err)
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("epmd: short reply")
	}
	return parseEntries(string(body[4:])), nil
}

func parseEntries(text string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(text, "\n") {
		if name, port, ok := parseEntryLine(line); ok {
			entries = append(entries, Entry{Name: name, Port: port})
		}
	}
	return entries
}

// parseEntryLine parses "name foo at port 1234" lines.
func parseEntryLine(line string) (name string, port int, ok bool) {
	rest, found := strings.CutPrefix(line, "name ")
	if !found {
		return "", 0, false
	}
	name, portStr, found := strings.Cut(rest, " at port ")
	if !found {
		return "", 0, false
	}
	p, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || p == 0 {
		return "", 0, false
	}
	return name, p, true
}

// DialWithRetry wraps op (typically Lookup) with exponential backoff.
// Connect itself (node package) stays single-attempt; this helper is for
// callers that need to wait for a just-started epmd to come up.
func DialWithRetry(ctx context.Context, op func(context.Context) error) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error { return op(ctx) }, b)
}
