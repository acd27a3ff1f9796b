// Package health runs periodic DNS probes against every backend and flips
// their availability, so the router only hands queries to servers that
// answer.
package health

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/DXTimer/pdns/internal/backend"
	"github.com/DXTimer/pdns/internal/config"
	"github.com/DXTimer/pdns/internal/metrics"
)

// Status holds the probe state of one backend.
type Status struct {
	Up                   bool      `json:"up"`
	LastCheck            time.Time `json:"last_check"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastError            string    `json:"last_error,omitempty"`
}

// Checker probes each backend over TCP with a DNS query.
type Checker struct {
	mu      sync.RWMutex
	status  map[string]*Status
	servers []*backend.Server
	metrics *metrics.Collector

	interval         time.Duration
	timeout          time.Duration
	qname            string
	failureThreshold int
	riseThreshold    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a health checker over the given backends.
func NewChecker(servers []*backend.Server, m *metrics.Collector, cfg config.HealthCheckConfig) *Checker {
	return &Checker{
		status:           make(map[string]*Status),
		servers:          servers,
		metrics:          m,
		interval:         cfg.Interval,
		timeout:          cfg.Timeout,
		qname:            dns.Fqdn(cfg.QName),
		failureThreshold: cfg.FailureThreshold,
		riseThreshold:    cfg.RiseThreshold,
		stopCh:           make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "qname", c.qname)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	// Run immediately on start
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

// SetServers swaps the probed backend set after a config reload. Probe
// history of removed backends is dropped.
func (c *Checker) SetServers(servers []*backend.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.servers = servers
	keep := make(map[string]bool, len(servers))
	for _, ds := range servers {
		keep[ds.Name] = true
	}
	for name := range c.status {
		if !keep[name] {
			delete(c.status, name)
		}
	}
}

func (c *Checker) checkAll() {
	c.mu.RLock()
	servers := make([]*backend.Server, len(c.servers))
	copy(servers, c.servers)
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ds := range servers {
		wg.Add(1)
		go func(ds *backend.Server) {
			defer wg.Done()
			c.check(ds)
		}(ds)
	}
	wg.Wait()
}

func (c *Checker) check(ds *backend.Server) {
	err := c.probe(ds)

	c.mu.Lock()
	st, ok := c.status[ds.Name]
	if !ok {
		st = &Status{Up: ds.IsUp()}
		c.status[ds.Name] = st
	}
	st.LastCheck = time.Now()

	if err != nil {
		st.ConsecutiveSuccesses = 0
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		if st.Up && st.ConsecutiveFailures >= c.failureThreshold {
			st.Up = false
			ds.SetUp(false)
			c.metrics.SetBackendHealth(ds.Name, false)
			slog.Warn("backend marked down", "backend", ds.Name, "err", err)
		}
	} else {
		st.ConsecutiveFailures = 0
		st.ConsecutiveSuccesses++
		st.LastError = ""
		if !st.Up && st.ConsecutiveSuccesses >= c.riseThreshold {
			st.Up = true
			ds.SetUp(true)
			c.metrics.SetBackendHealth(ds.Name, true)
			slog.Info("backend marked up", "backend", ds.Name)
		} else if st.Up {
			c.metrics.SetBackendHealth(ds.Name, true)
		}
	}
	c.mu.Unlock()
}

// probe sends one DNS query over a dedicated TCP connection and checks that
// the answer matches.
func (c *Checker) probe(ds *backend.Server) error {
	conn, err := net.DialTimeout("tcp", ds.Addr, c.timeout)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	msg := new(dns.Msg)
	msg.SetQuestion(c.qname, dns.TypeA)
	msg.RecursionDesired = false

	dc := &dns.Conn{Conn: conn}
	if err := dc.WriteMsg(msg); err != nil {
		return fmt.Errorf("sending probe: %w", err)
	}
	reply, err := dc.ReadMsg()
	if err != nil {
		return fmt.Errorf("reading probe answer: %w", err)
	}

	if reply.Id != msg.Id {
		return fmt.Errorf("probe answer ID mismatch: sent %d, got %d", msg.Id, reply.Id)
	}
	if !reply.Response {
		return fmt.Errorf("probe answer is not a response")
	}
	if reply.Rcode == dns.RcodeServerFailure || reply.Rcode == dns.RcodeRefused {
		return fmt.Errorf("probe answered with %s", dns.RcodeToString[reply.Rcode])
	}
	return nil
}

// AllStatus snapshots the probe state of every backend.
func (c *Checker) AllStatus() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Status, len(c.status))
	for name, st := range c.status {
		out[name] = *st
	}
	return out
}
