// Package diag serves a read-only HTTP introspection surface over live
// connections: a health probe, the orchestrator's counters in Prometheus
// text format, and a per-connection debug listing. It is ops tooling for a
// process embedding this library, not part of the wire protocol.
package diag

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/edp/node"
)

// Registry tracks the connections the diag endpoints report on. Safe for
// concurrent use; connections register on Connect and deregister on Close
// at the embedding application's discretion.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*node.Conn
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*node.Conn)}
}

// Add registers a connection under its correlation id.
func (r *Registry) Add(c *node.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID().String()] = c
}

// Remove deregisters a connection.
func (r *Registry) Remove(c *node.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.ID().String())
}

func (r *Registry) snapshot() []*node.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*node.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// connInfo is the /debug/conns JSON shape for one connection.
type connInfo struct {
	ID              string             `json:"id"`
	State           string             `json:"state"`
	PeerName        string             `json:"peer_name,omitempty"`
	NegotiatedFlags uint64             `json:"negotiated_flags"`
	AtomCacheIn     int                `json:"atom_cache_in"`
	AtomCacheOut    int                `json:"atom_cache_out"`
	Stats           node.StatsSnapshot `json:"stats"`
}

type options struct {
	keyfunc jwt.Keyfunc
}

// Option configures the router.
type Option func(*options)

// WithJWTKeyfunc gates /debug/conns (which names live peers) behind bearer
// authentication: requests must carry an RS256-signed token verifiable by
// keyfunc. The health and metrics endpoints stay open.
func WithJWTKeyfunc(kf jwt.Keyfunc) Option {
	return func(o *options) { o.keyfunc = kf }
}

// NewRouter builds the diag HTTP handler.
func NewRouter(reg *Registry, opts ...Option) http.Handler {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		handleMetrics(w, reg)
	})

	r.Group(func(r chi.Router) {
		if o.keyfunc != nil {
			r.Use(bearerAuth(o.keyfunc))
		}
		r.Get("/debug/conns", func(w http.ResponseWriter, req *http.Request) {
			handleConns(w, reg)
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleMetrics writes the aggregated counters in Prometheus text
// exposition format. The counters are plain atomics; no metrics client
// library is warranted for ten series.
func handleMetrics(w http.ResponseWriter, reg *Registry) {
	var agg node.StatsSnapshot
	var cacheIn, cacheOut, connected int
	conns := reg.snapshot()
	for _, c := range conns {
		s := c.Stats().Snapshot()
		agg.HandshakesCompleted += s.HandshakesCompleted
		agg.HandshakesFailed += s.HandshakesFailed
		agg.ControlsSent += s.ControlsSent
		agg.ControlsReceived += s.ControlsReceived
		agg.TicksReceived += s.TicksReceived
		agg.FragmentsReassembled += s.FragmentsReassembled
		agg.PidsAllocated += s.PidsAllocated
		in, out := c.AtomCacheOccupancy()
		cacheIn += in
		cacheOut += out
		if c.State() == node.Connected {
			connected++
		}
	}

	var b strings.Builder
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}
	gauge := func(name, help string, v int) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
	}
	counter("edp_handshakes_completed_total", "Handshakes completed successfully.", agg.HandshakesCompleted)
	counter("edp_handshakes_failed_total", "Handshakes that ended in failure.", agg.HandshakesFailed)
	counter("edp_controls_sent_total", "Control messages written to peers.", agg.ControlsSent)
	counter("edp_controls_received_total", "Control messages received from peers.", agg.ControlsReceived)
	counter("edp_ticks_received_total", "Heartbeat ticks received.", agg.TicksReceived)
	counter("edp_fragments_reassembled_total", "Fragment sequences reassembled.", agg.FragmentsReassembled)
	counter("edp_pids_allocated_total", "Local PIDs minted.", agg.PidsAllocated)
	gauge("edp_connections", "Registered connections in the Connected state.", connected)
	gauge("edp_atom_cache_in_entries", "Installed inbound atom-cache slots across connections.", cacheIn)
	gauge("edp_atom_cache_out_entries", "Installed outbound atom-cache slots across connections.", cacheOut)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(b.String()))
}

func handleConns(w http.ResponseWriter, reg *Registry) {
	conns := reg.snapshot()
	infos := make([]connInfo, 0, len(conns))
	for _, c := range conns {
		in, out := c.AtomCacheOccupancy()
		infos = append(infos, connInfo{
			ID:              c.ID().String(),
			State:           c.State().String(),
			PeerName:        c.PeerName(),
			NegotiatedFlags: c.NegotiatedFlags(),
			AtomCacheIn:     in,
			AtomCacheOut:    out,
			Stats:           c.Stats().Snapshot(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(infos)
}

// bearerAuth verifies an RS256 bearer token on every request it wraps.
func bearerAuth(kf jwt.Keyfunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			auth := req.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token, err := jwt.Parse(strings.TrimPrefix(auth, prefix), kf,
				jwt.WithValidMethods([]string{"RS256"}))
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
