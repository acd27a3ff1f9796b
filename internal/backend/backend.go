// Package backend manages the downstream side of the load balancer: the
// state of each configured DNS server, the pipelined TCP connections to it,
// and the per-worker cache of idle connections.
package backend

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/DXTimer/pdns/internal/config"
)

// Server is the shared state of one downstream DNS server. Counters are
// updated with atomics; there is one Server per configured backend for the
// life of the process.
type Server struct {
	Name             string
	Addr             string
	Pool             string
	UseProxyProtocol bool
	Retries          int
	ConnectTimeout   time.Duration
	SendTimeout      time.Duration
	ReceiveTimeout   time.Duration

	up          atomic.Bool
	outstanding atomic.Int64

	queries             atomic.Uint64
	responses           atomic.Uint64
	diedSendingQuery    atomic.Uint64
	diedReadingResponse atomic.Uint64
	gaveUp              atomic.Uint64
	readTimeouts        atomic.Uint64
	writeTimeouts       atomic.Uint64

	currentConns atomic.Int64
	totalConns   atomic.Uint64
	reusedConns  atomic.Uint64
}

// NewServer builds a Server from its configuration. Backends start up until
// the health checker says otherwise.
func NewServer(cfg config.BackendConfig) *Server {
	s := &Server{
		Name:             cfg.Name,
		Addr:             cfg.Address,
		Pool:             cfg.Pool,
		UseProxyProtocol: cfg.UseProxyProtocol,
		Retries:          cfg.Retries,
		ConnectTimeout:   cfg.ConnectTimeout,
		SendTimeout:      cfg.SendTimeout,
		ReceiveTimeout:   cfg.ReceiveTimeout,
	}
	s.up.Store(true)
	return s
}

// Dial opens a new TCP connection to the backend.
func (s *Server) Dial() (net.Conn, error) {
	d := net.Dialer{Timeout: s.ConnectTimeout}
	conn, err := d.Dial("tcp", s.Addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to backend %s (%s): %w", s.Name, s.Addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	s.currentConns.Add(1)
	s.totalConns.Add(1)
	return conn, nil
}

// Reconcile builds the backend set for a new configuration. Servers whose
// identity is unchanged are carried over so their counters, health state and
// pooled connections survive a reload; changed or new entries get fresh
// Server objects.
func Reconcile(existing []*Server, cfgs []config.BackendConfig) []*Server {
	byName := make(map[string]*Server, len(existing))
	for _, s := range existing {
		byName[s.Name] = s
	}

	out := make([]*Server, 0, len(cfgs))
	for _, bc := range cfgs {
		if s, ok := byName[bc.Name]; ok &&
			s.Addr == bc.Address && s.Pool == bc.Pool &&
			s.UseProxyProtocol == bc.UseProxyProtocol {
			out = append(out, s)
			continue
		}
		out = append(out, NewServer(bc))
	}
	return out
}

// IsUp reports the backend's availability as set by the health checker.
func (s *Server) IsUp() bool { return s.up.Load() }

// SetUp flips the backend's availability.
func (s *Server) SetUp(up bool) { s.up.Store(up) }

// Outstanding returns the number of queries in flight to this backend.
func (s *Server) Outstanding() int64 { return s.outstanding.Load() }

// Stats is a point-in-time snapshot of a backend's counters.
type Stats struct {
	Name                string `json:"name"`
	Address             string `json:"address"`
	Pool                string `json:"pool"`
	Up                  bool   `json:"up"`
	Outstanding         int64  `json:"outstanding"`
	Queries             uint64 `json:"queries"`
	Responses           uint64 `json:"responses"`
	DiedSendingQuery    uint64 `json:"tcp_died_sending_query"`
	DiedReadingResponse uint64 `json:"tcp_died_reading_response"`
	GaveUp              uint64 `json:"tcp_gave_up"`
	ReadTimeouts        uint64 `json:"tcp_read_timeouts"`
	WriteTimeouts       uint64 `json:"tcp_write_timeouts"`
	CurrentConns        int64  `json:"tcp_current_connections"`
	TotalConns          uint64 `json:"tcp_total_connections"`
	ReusedConns         uint64 `json:"tcp_reused_connections"`
}

// Stats snapshots the backend counters.
func (s *Server) Stats() Stats {
	return Stats{
		Name:                s.Name,
		Address:             s.Addr,
		Pool:                s.Pool,
		Up:                  s.up.Load(),
		Outstanding:         s.outstanding.Load(),
		Queries:             s.queries.Load(),
		Responses:           s.responses.Load(),
		DiedSendingQuery:    s.diedSendingQuery.Load(),
		DiedReadingResponse: s.diedReadingResponse.Load(),
		GaveUp:              s.gaveUp.Load(),
		ReadTimeouts:        s.readTimeouts.Load(),
		WriteTimeouts:       s.writeTimeouts.Load(),
		CurrentConns:        s.currentConns.Load(),
		TotalConns:          s.totalConns.Load(),
		ReusedConns:         s.reusedConns.Load(),
	}
}
