// Package frontend implements the client-facing half of the load balancer:
// the acceptors, the worker pool, and the per-connection state machine that
// relays framed DNS messages between clients and backends.
package frontend

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DXTimer/pdns/internal/acl"
	"github.com/DXTimer/pdns/internal/config"
	"github.com/DXTimer/pdns/internal/metrics"
	"github.com/DXTimer/pdns/internal/rings"
	"github.com/DXTimer/pdns/internal/rules"
)

// Listener is the shared, per-endpoint state: immutable configuration plus
// monotonic counters.
type Listener struct {
	Addr string

	tlsConfig *tls.Config
	proxyACL  *acl.Set

	maxInFlight  int
	readTimeout  time.Duration
	writeTimeout time.Duration

	ln net.Listener

	queries             atomic.Uint64
	responses           atomic.Uint64
	diedReadingQuery    atomic.Uint64
	diedSendingResponse atomic.Uint64
	clientTimeouts      atomic.Uint64
	currentConns        atomic.Int64
}

// IsTLS reports whether this endpoint terminates DoT.
func (l *Listener) IsTLS() bool { return l.tlsConfig != nil }

// LocalAddr returns the bound address once the listener is started.
func (l *Listener) LocalAddr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ListenerStats is a point-in-time snapshot of a listener's counters.
type ListenerStats struct {
	Address             string `json:"address"`
	TLS                 bool   `json:"tls"`
	Queries             uint64 `json:"queries"`
	Responses           uint64 `json:"responses"`
	DiedReadingQuery    uint64 `json:"tcp_died_reading_query"`
	DiedSendingResponse uint64 `json:"tcp_died_sending_response"`
	ClientTimeouts      uint64 `json:"tcp_client_timeouts"`
	CurrentConnections  int64  `json:"tcp_current_connections"`
}

// Stats snapshots the listener counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Address:             l.Addr,
		TLS:                 l.IsTLS(),
		Queries:             l.queries.Load(),
		Responses:           l.responses.Load(),
		DiedReadingQuery:    l.diedReadingQuery.Load(),
		DiedSendingResponse: l.diedSendingResponse.Load(),
		ClientTimeouts:      l.clientTimeouts.Load(),
		CurrentConnections:  l.currentConns.Load(),
	}
}

// Server owns the listeners, the acceptor goroutines and the worker pool.
type Server struct {
	tuning  config.Tuning
	metrics *metrics.Collector
	rings   *rings.Ring
	chain   *rules.Chain

	aclSet    *acl.Set
	listeners []*Listener
	workers   []*worker

	nextWorker atomic.Uint32
	queued     atomic.Int64

	maxPerClient int
	clientsMu    sync.Mutex
	clientConns  map[string]int

	ctx      context.Context
	cancel   context.CancelFunc
	g        *errgroup.Group
	cleanups []func()
}

// NewServer assembles the front-end from its configuration and
// collaborators.
func NewServer(cfg *config.Config, m *metrics.Collector, rg *rings.Ring, chain *rules.Chain) (*Server, error) {
	aclSet, err := acl.NewSet(cfg.ACL)
	if err != nil {
		return nil, fmt.Errorf("building ACL: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		tuning:       cfg.Tuning,
		metrics:      m,
		rings:        rg,
		chain:        chain,
		aclSet:       aclSet,
		maxPerClient: cfg.Tuning.MaxTCPConnectionsPerClient,
		clientConns:  make(map[string]int),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.g, _ = errgroup.WithContext(ctx)

	for _, lc := range cfg.Listeners {
		l := &Listener{
			Addr:         lc.Address,
			maxInFlight:  lc.MaxInFlight,
			readTimeout:  lc.ReadTimeout,
			writeTimeout: lc.WriteTimeout,
		}
		if len(lc.ProxyProtocolFrom) > 0 {
			proxyACL, err := acl.NewSet(lc.ProxyProtocolFrom)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("listener %q: %w", lc.Address, err)
			}
			l.proxyACL = proxyACL
		}
		if lc.TLS != nil {
			tlsConfig, cleanup, err := buildTLSConfig(lc.TLS)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("listener %q: %w", lc.Address, err)
			}
			l.tlsConfig = tlsConfig
			s.cleanups = append(s.cleanups, cleanup)
		}
		s.listeners = append(s.listeners, l)
	}

	for i := 0; i < cfg.Tuning.WorkerThreads; i++ {
		s.workers = append(s.workers, newWorker(i, s))
	}

	return s, nil
}

// Listeners returns the configured endpoints, for introspection.
func (s *Server) Listeners() []*Listener { return s.listeners }

// Start binds every listener and spawns the acceptors and workers.
func (s *Server) Start() error {
	for _, w := range s.workers {
		w := w
		s.g.Go(func() error {
			w.run(s.ctx)
			return nil
		})
	}

	for _, l := range s.listeners {
		ln, err := net.Listen("tcp", l.Addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", l.Addr, err)
		}
		if l.tlsConfig != nil {
			ln = tls.NewListener(ln, l.tlsConfig)
		}
		l.ln = ln

		proto := "tcp"
		if l.IsTLS() {
			proto = "dot"
		}
		log.Printf("[frontend] %s listener on %s", proto, l.Addr)

		l := l
		s.g.Go(func() error {
			s.acceptLoop(l)
			return nil
		})
	}

	return nil
}

// acceptLoop admits connections on one listener and hands them to a worker.
func (s *Server) acceptLoop(l *Listener) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			slog.Warn("accept failed", "listener", l.Addr, "err", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		remote := conn.RemoteAddr()

		if !s.aclSet.Empty() && !s.aclSet.MatchAddr(remote) {
			s.metrics.ACLDrop()
			slog.Debug("dropped TCP connection because of ACL", "remote", remote)
			conn.Close()
			continue
		}

		setNoDelay(conn)

		if max := s.tuning.MaxTCPQueuedConnections; max > 0 && s.queued.Load() >= int64(max) {
			slog.Debug("dropping TCP connection: too many queued already", "remote", remote)
			conn.Close()
			continue
		}

		if !s.admitClient(remote) {
			slog.Debug("dropping TCP connection: too many from this client already", "remote", remote)
			conn.Close()
			continue
		}

		s.queued.Add(1)
		s.metrics.SetQueuedConnections(s.queued.Load())

		ci := &ConnectionInfo{Conn: conn, Listener: l, Remote: remote}
		if !s.handoff(ci) {
			s.queued.Add(-1)
			s.metrics.SetQueuedConnections(s.queued.Load())
			s.releaseClient(remote)
			conn.Close()
		}
	}
}

// handoff offers the connection to the workers round-robin; false when every
// worker's queue is full.
func (s *Server) handoff(ci *ConnectionInfo) bool {
	for range s.workers {
		w := s.workers[int(s.nextWorker.Add(1)-1)%len(s.workers)]
		select {
		case w.ch <- ci:
			return true
		default:
		}
	}
	return false
}

// admitClient enforces the per-client connection cap, when enabled.
func (s *Server) admitClient(remote net.Addr) bool {
	if s.maxPerClient == 0 {
		return true
	}
	key := clientKey(remote)

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.clientConns[key] >= s.maxPerClient {
		return false
	}
	s.clientConns[key]++
	return true
}

// releaseClient undoes admitClient when a connection ends.
func (s *Server) releaseClient(remote net.Addr) {
	if s.maxPerClient == 0 {
		return
	}
	key := clientKey(remote)

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if n := s.clientConns[key]; n > 1 {
		s.clientConns[key] = n - 1
	} else {
		delete(s.clientConns, key)
	}
}

func clientKey(remote net.Addr) string {
	if tc, ok := remote.(*net.TCPAddr); ok {
		return tc.IP.String()
	}
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return remote.String()
	}
	return host
}

func setNoDelay(conn net.Conn) {
	type netConner interface{ NetConn() net.Conn }
	c := conn
	if nc, ok := c.(netConner); ok {
		c = nc.NetConn()
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
}

// Stop shuts the front-end down: close listeners, stop workers, release TLS
// watchers. Open client connections are severed by process exit.
func (s *Server) Stop() {
	s.cancel()
	for _, l := range s.listeners {
		if l.ln != nil {
			l.ln.Close()
		}
	}
	s.g.Wait()
	for _, cleanup := range s.cleanups {
		cleanup()
	}
	log.Printf("[frontend] server stopped")
}
