package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for dnslb. Everything is registered
// on a private registry so tests can create collectors freely.
type Collector struct {
	Registry *prometheus.Registry

	queries             prometheus.Counter
	responses           prometheus.Counter
	frontendRcode       *prometheus.CounterVec
	servfailResponses   prometheus.Counter
	aclDrops            prometheus.Counter
	nonCompliantQueries prometheus.Counter
	proxyProtocolInvalid prometheus.Counter

	tlsQueries  *prometheus.CounterVec
	tlsSessions *prometheus.CounterVec

	tcpDiedReadingQuery    prometheus.Counter
	tcpDiedSendingResponse prometheus.Counter
	tcpClientTimeouts      prometheus.Counter
	tcpDownstreamTimeouts  prometheus.Counter
	tcpGaveUp              prometheus.Counter

	tcpCurrentConnections *prometheus.GaugeVec
	tcpQueuedConnections  prometheus.Gauge

	backendQueries     *prometheus.CounterVec
	backendResponses   *prometheus.CounterVec
	backendOutstanding *prometheus.GaugeVec
	backendHealth      *prometheus.GaugeVec

	queryDuration prometheus.Histogram
}

// New creates and registers all Prometheus metrics.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnslb_queries_total",
			Help: "Total number of queries received",
		}),
		responses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnslb_responses_total",
			Help: "Total number of responses relayed to clients",
		}),
		frontendRcode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnslb_frontend_rcode_total",
			Help: "Responses sent to clients by rcode",
		}, []string{"rcode"}),
		servfailResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnslb_servfail_responses_total",
			Help: "Total number of SERVFAIL responses relayed",
		}),
		aclDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnslb_acl_drops_total",
			Help: "Connections dropped because of the ACL",
		}),
		nonCompliantQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnslb_non_compliant_queries_total",
			Help: "Queries dropped because they were shorter than a DNS header",
		}),
		proxyProtocolInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnslb_proxy_protocol_invalid_total",
			Help: "Connections dropped because of a malformed PROXY protocol header",
		}),
		tlsQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnslb_tls_queries_total",
			Help: "Queries received over DoT by TLS version",
		}, []string{"version"}),
		tlsSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnslb_tls_sessions_total",
			Help: "TLS handshakes by session kind (new or resumed)",
		}, []string{"kind"}),
		tcpDiedReadingQuery: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnslb_tcp_died_reading_query_total",
			Help: "Client connections that failed while reading a query",
		}),
		tcpDiedSendingResponse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnslb_tcp_died_sending_response_total",
			Help: "Client connections that failed while sending a response",
		}),
		tcpClientTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnslb_tcp_client_timeouts_total",
			Help: "Client connections closed after a read timeout with no query in flight or a write timeout",
		}),
		tcpDownstreamTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnslb_tcp_downstream_timeouts_total",
			Help: "Backend connections that timed out with queries in flight",
		}),
		tcpGaveUp: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnslb_tcp_gave_up_total",
			Help: "Backend connections abandoned after exhausting retries",
		}),
		tcpCurrentConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dnslb_tcp_current_connections",
			Help: "Currently open client connections per listener",
		}, []string{"listener"}),
		tcpQueuedConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnslb_tcp_queued_connections",
			Help: "Accepted connections queued to workers and not yet picked up",
		}),
		backendQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnslb_backend_queries_total",
			Help: "Queries forwarded per backend",
		}, []string{"backend"}),
		backendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnslb_backend_responses_total",
			Help: "Responses received per backend",
		}, []string{"backend"}),
		backendOutstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dnslb_backend_outstanding",
			Help: "Queries in flight per backend",
		}, []string{"backend"}),
		backendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dnslb_backend_health",
			Help: "Backend availability (1=up, 0=down)",
		}, []string{"backend"}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dnslb_query_duration_seconds",
			Help:    "Time from query reception to response written",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
	}

	c.Registry.MustRegister(
		c.queries,
		c.responses,
		c.frontendRcode,
		c.servfailResponses,
		c.aclDrops,
		c.nonCompliantQueries,
		c.proxyProtocolInvalid,
		c.tlsQueries,
		c.tlsSessions,
		c.tcpDiedReadingQuery,
		c.tcpDiedSendingResponse,
		c.tcpClientTimeouts,
		c.tcpDownstreamTimeouts,
		c.tcpGaveUp,
		c.tcpCurrentConnections,
		c.tcpQueuedConnections,
		c.backendQueries,
		c.backendResponses,
		c.backendOutstanding,
		c.backendHealth,
		c.queryDuration,
	)

	return c
}

// QueryReceived increments the global query counter.
func (c *Collector) QueryReceived() { c.queries.Inc() }

// ResponseSent counts a response relayed to a client with its rcode.
func (c *Collector) ResponseSent(rcode string) {
	c.responses.Inc()
	c.frontendRcode.WithLabelValues(rcode).Inc()
	if rcode == "servfail" {
		c.servfailResponses.Inc()
	}
}

// ACLDrop counts a connection refused by the ACL.
func (c *Collector) ACLDrop() { c.aclDrops.Inc() }

// NonCompliantQuery counts a query shorter than a DNS header.
func (c *Collector) NonCompliantQuery() { c.nonCompliantQueries.Inc() }

// ProxyProtocolInvalid counts a malformed PROXY protocol preamble.
func (c *Collector) ProxyProtocolInvalid() { c.proxyProtocolInvalid.Inc() }

// TLSQuery counts a query received over a TLS session of the given version.
func (c *Collector) TLSQuery(version string) { c.tlsQueries.WithLabelValues(version).Inc() }

// TLSSession counts a completed handshake; kind is "new" or "resumed".
func (c *Collector) TLSSession(kind string) { c.tlsSessions.WithLabelValues(kind).Inc() }

// DiedReadingQuery counts a client connection lost before a response was being written.
func (c *Collector) DiedReadingQuery() { c.tcpDiedReadingQuery.Inc() }

// DiedSendingResponse counts a client connection lost during a response write.
func (c *Collector) DiedSendingResponse() { c.tcpDiedSendingResponse.Inc() }

// ClientTimeout counts a client connection closed on a timeout: a read with
// no query in flight, or a response write.
func (c *Collector) ClientTimeout() { c.tcpClientTimeouts.Inc() }

// DownstreamTimeout counts a backend connection that timed out.
func (c *Collector) DownstreamTimeout() { c.tcpDownstreamTimeouts.Inc() }

// GaveUp counts a backend connection abandoned after exhausting retries.
func (c *Collector) GaveUp() { c.tcpGaveUp.Inc() }

// ConnectionOpened tracks a new client connection on a listener.
func (c *Collector) ConnectionOpened(listener string) {
	c.tcpCurrentConnections.WithLabelValues(listener).Inc()
}

// ConnectionClosed tracks a closed client connection on a listener.
func (c *Collector) ConnectionClosed(listener string) {
	c.tcpCurrentConnections.WithLabelValues(listener).Dec()
}

// SetQueuedConnections reports the current acceptor-to-worker backlog.
func (c *Collector) SetQueuedConnections(n int64) { c.tcpQueuedConnections.Set(float64(n)) }

// BackendQuery counts a query forwarded to a backend.
func (c *Collector) BackendQuery(backend string) {
	c.backendQueries.WithLabelValues(backend).Inc()
}

// BackendResponse counts a response received from a backend.
func (c *Collector) BackendResponse(backend string) {
	c.backendResponses.WithLabelValues(backend).Inc()
}

// SetBackendOutstanding reports the in-flight query count of a backend.
func (c *Collector) SetBackendOutstanding(backend string, n int64) {
	c.backendOutstanding.WithLabelValues(backend).Set(float64(n))
}

// SetBackendHealth reports a backend's availability.
func (c *Collector) SetBackendHealth(backend string, up bool) {
	val := 0.0
	if up {
		val = 1.0
	}
	c.backendHealth.WithLabelValues(backend).Set(val)
}

// QueryDuration observes the latency of one completed query.
func (c *Collector) QueryDuration(d time.Duration) { c.queryDuration.Observe(d.Seconds()) }
