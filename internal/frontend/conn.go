package frontend

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/DXTimer/pdns/internal/backend"
	"github.com/DXTimer/pdns/internal/dnsmsg"
	"github.com/DXTimer/pdns/internal/proxyproto"
	"github.com/DXTimer/pdns/internal/rings"
	"github.com/DXTimer/pdns/internal/rules"
)

type connState int

const (
	stateHandshake connState = iota
	stateReadingProxyHeader
	stateReadingQuerySize
	stateReadingQuery
	stateSendingResponse
	stateIdle
)

// quiet close sentinel: the connection goes away without a die counter
var errConnClosed = errors.New("connection closed")

// ConnectionInfo is the one-shot envelope the acceptor hands to a worker: it
// carries ownership of the accepted socket.
type ConnectionInfo struct {
	Conn     net.Conn
	Listener *Listener
	Remote   net.Addr
}

// Conn is the state machine for one accepted client connection. A single
// goroutine drives the read side (handshake, PROXY preamble, framed
// queries); responses arrive on backend reader goroutines and are serialized
// onto the socket by a single-writer queue, in whatever order backends
// finish.
type Conn struct {
	srv      *Server
	listener *Listener
	worker   *worker
	stream   *Stream

	remote        net.Addr
	proxiedRemote net.Addr
	proxiedLocal  net.Addr
	proxyTLVs     []proxyproto.TLV

	mu   sync.Mutex
	cond *sync.Cond

	state   connState
	writing bool
	queued  []backend.Response

	active map[*backend.Server][]*backend.Conn

	queriesCount   uint64
	currentQueries int

	isXFR              bool
	xfrStarted         bool
	readingFirstQuery  bool
	proxyPayloadHasTLV bool

	closed    bool
	closeOnce sync.Once

	start              time.Time
	handshakeDone      time.Time
	querySizeRead      time.Time
	firstQuerySizeRead time.Time
}

func newConn(ci *ConnectionInfo, w *worker) *Conn {
	c := &Conn{
		srv:               w.srv,
		listener:          ci.Listener,
		worker:            w,
		stream:            NewStream(ci.Conn),
		remote:            ci.Remote,
		proxiedRemote:     ci.Remote,
		proxiedLocal:      ci.Conn.LocalAddr(),
		state:             stateHandshake,
		readingFirstQuery: true,
		active:            make(map[*backend.Server][]*backend.Conn),
		start:             time.Now(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// run drives the connection until it dies.
func (c *Conn) run() {
	defer c.close()

	if err := c.handshake(); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			c.listener.clientTimeouts.Add(1)
			c.srv.metrics.ClientTimeout()
		} else {
			c.fail(err)
		}
		return
	}

	if acl := c.listener.proxyACL; acl != nil && !acl.Empty() && acl.MatchAddr(c.remote) {
		if err := c.readProxyHeader(); err != nil {
			switch {
			case errors.Is(err, proxyproto.ErrMalformed):
				c.srv.metrics.ProxyProtocolInvalid()
				slog.Debug("unable to consume proxy protocol header", "remote", c.remote)
			case errors.Is(err, errConnClosed):
				// timeout policy already accounted for it
			default:
				c.fail(err)
			}
			return
		}
	}

	for {
		if !c.waitCanAcceptNewQueries() {
			return
		}
		err := c.readQuery()
		switch {
		case err == nil:
			c.maybeDrainQueue()
		case errors.Is(err, errConnClosed):
			return
		default:
			c.fail(err)
			return
		}
	}
}

func (c *Conn) handshake() error {
	c.setState(stateHandshake)
	if err := c.stream.Handshake(time.Now().Add(c.listener.readTimeout)); err != nil {
		return err
	}
	if c.stream.IsTLS() {
		if c.stream.Resumed() {
			c.srv.metrics.TLSSession("resumed")
		} else {
			c.srv.metrics.TLSSession("new")
		}
	}
	c.handshakeDone = time.Now()
	return nil
}

// readProxyHeader consumes the PROXY preamble before the first query. The
// proxied addresses replace the socket peer for everything downstream.
func (c *Conn) readProxyHeader() error {
	c.setState(stateReadingProxyHeader)

	buf := make([]byte, 0, proxyproto.MinimumHeaderSize)
	need := proxyproto.MinimumHeaderSize
	for {
		old := len(buf)
		buf = append(buf, make([]byte, need)...)
		if err := c.readWithTimeoutPolicy(buf[old:], stateReadingProxyHeader); err != nil {
			return err
		}

		n, info, err := proxyproto.Consume(buf)
		if err != nil {
			return err
		}
		if n < 0 {
			need = -n
			continue
		}

		if info.Source != nil {
			c.proxiedRemote = info.Source
		}
		if info.Destination != nil {
			c.proxiedLocal = info.Destination
		}
		c.proxyTLVs = info.TLVs
		return nil
	}
}

// readQuery reads one framed query and dispatches it.
func (c *Conn) readQuery() error {
	if c.maxDurationReached() {
		return errConnClosed
	}

	c.setState(stateReadingQuerySize)
	var sizeBuf [2]byte
	if err := c.readWithTimeoutPolicy(sizeBuf[:], stateReadingQuerySize); err != nil {
		return err
	}

	now := time.Now()
	c.querySizeRead = now
	if c.queriesCount == 0 {
		c.firstQuerySizeRead = now
	}

	size := int(binary.BigEndian.Uint16(sizeBuf[:]))
	if size < dnsmsg.HeaderSize {
		c.srv.metrics.NonCompliantQuery()
		return errConnClosed
	}

	// allocate room beyond the query so downstream stages can rewrite the
	// buffer in place without reallocating
	capacity := size + 512
	if capacity < c.srv.tuning.MaxOversize {
		capacity = c.srv.tuning.MaxOversize
	}
	buf := make([]byte, size, capacity)

	c.setState(stateReadingQuery)
	if err := c.readWithTimeoutPolicy(buf, stateReadingQuery); err != nil {
		return err
	}

	return c.dispatch(buf)
}

// readWithTimeoutPolicy fills buf, applying the client timeout policy on
// every deadline expiry: with queries in flight the connection parks idle
// and, once they resolve, resumes the same read at the same position; with
// nothing in flight the timeout closes the connection. Any other error is a
// died-reading failure for the caller to report.
func (c *Conn) readWithTimeoutPolicy(buf []byte, st connState) error {
	pos := 0
	for pos < len(buf) {
		n, err := c.stream.Read(buf[pos:], c.readDeadline())
		pos += n
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if terr := c.handleReadTimeout(); terr != nil {
				return terr
			}
			c.setState(st)
			continue
		}
		return err
	}
	return nil
}

// handleReadTimeout applies the client timeout policy: with queries in
// flight the connection parks idle until they resolve and returns nil so
// the caller resumes reading; otherwise it dies.
func (c *Conn) handleReadTimeout() error {
	c.mu.Lock()
	if c.currentQueries > 0 {
		c.state = stateIdle
		for !c.closed && c.currentQueries > 0 {
			c.cond.Wait()
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return errConnClosed
		}
		return nil
	}
	c.mu.Unlock()

	c.listener.clientTimeouts.Add(1)
	c.srv.metrics.ClientTimeout()
	slog.Debug("timeout from remote TCP client", "remote", c.remote)
	return errConnClosed
}

// dispatch routes one fully-read query: self-generated answers short-circuit
// to the write path, everything else goes through the rule pipeline to a
// backend connection.
func (c *Conn) dispatch(buf []byte) error {
	c.queriesCount++
	c.listener.queries.Add(1)
	c.srv.metrics.QueryReceived()
	c.readingFirstQuery = false

	if c.stream.IsTLS() {
		c.srv.metrics.TLSQuery(c.stream.TLSVersion())
	}

	queryTime := time.Now()

	if resp, ok := rules.CheckDNSCryptQuery(buf); ok {
		c.selfAnswer(resp, queryTime)
		return nil
	}

	h, err := dnsmsg.PeekHeader(buf)
	if err != nil {
		return err
	}
	if !rules.CheckQueryHeaders(h) {
		// rejected header: stop looking at this message, keep the connection
		return nil
	}
	if h.QDCount == 0 {
		dnsmsg.SetResponse(buf, dns.RcodeNotImplemented)
		c.selfAnswer(buf, queryTime)
		return nil
	}

	q, err := dnsmsg.ParseQuestion(buf)
	if err != nil {
		return err
	}

	dq := &rules.DNSQuestion{
		Buf:       buf,
		Question:  q,
		Remote:    c.proxiedRemote,
		Local:     c.proxiedLocal,
		SNI:       c.stream.ServerName(),
		TLVs:      c.proxyTLVs,
		QueryTime: queryTime,
	}
	if dnsmsg.IsXFR(q.Qtype) {
		c.mu.Lock()
		c.isXFR = true
		c.mu.Unlock()
		dq.IsXFR = true
		dq.SkipCache = true
	}

	result, ds := c.srv.chain.ProcessQuery(dq)
	switch result {
	case rules.Drop:
		return errConnClosed
	case rules.SendAnswer:
		c.selfAnswer(dq.Buf, queryTime)
		return nil
	}

	ids := backend.IDState{
		ID:        h.ID,
		Question:  q,
		Remote:    c.proxiedRemote,
		QueryTime: queryTime,
	}

	framed, err := dnsmsg.Frame(dq.Buf)
	if err != nil {
		return err
	}

	bconn, err := c.getDownstreamConnection(ds, dq.TLVs, dq.IsXFR)
	if err != nil {
		slog.Warn("no usable connection to backend", "backend", ds.Name, "err", err)
		return nil
	}

	if ds.UseProxyProtocol {
		// once a TLV has been sent over this client connection, every later
		// payload is considered TLV-bearing as well
		if !c.proxyPayloadHasTLV {
			c.proxyPayloadHasTLV = len(dq.TLVs) > 0
		}
		payload, perr := proxyproto.BuildPayload(c.proxiedRemote, c.proxiedLocal, dq.TLVs)
		if perr != nil {
			slog.Warn("building proxy protocol payload", "err", perr)
			return nil
		}
		if c.proxyPayloadHasTLV && bconn.IsFresh() {
			// this connection can never be shared anyway, put the payload
			// in front of the query right away
			joined := make([]byte, 0, len(payload)+len(framed))
			joined = append(joined, payload...)
			joined = append(joined, framed...)
			framed = joined
			bconn.SetProxyPayloadSent(dq.TLVs)
		} else {
			bconn.SetProxyPayload(payload, dq.TLVs)
		}
	}

	c.mu.Lock()
	c.currentQueries++
	c.mu.Unlock()

	c.srv.metrics.BackendQuery(ds.Name)
	slog.Debug("relayed query",
		"qname", q.Name, "qtype", dns.TypeToString[q.Qtype],
		"remote", c.proxiedRemote, "backend", ds.Name, "bytes", len(framed))

	bconn.SendQuery(backend.Query{Buf: framed, IDS: ids})
	return nil
}

// getDownstreamConnection reuses an active connection to ds accepting new
// queries with a matching TLV set, or takes one from the worker's cache.
func (c *Conn) getDownstreamConnection(ds *backend.Server, tlvs []proxyproto.TLV, isXFR bool) (*backend.Conn, error) {
	c.mu.Lock()
	for _, bc := range c.active[ds] {
		if bc.CanAcceptNewQueries() && bc.MatchesTLVs(tlvs) {
			c.mu.Unlock()
			bc.MarkReused()
			if !bc.Assign(c, isXFR) {
				return nil, errors.New("backend connection already used for XFR")
			}
			return bc, nil
		}
	}
	c.mu.Unlock()

	bc, err := c.worker.cache.Acquire(ds)
	if err != nil {
		return nil, err
	}
	if !bc.Assign(c, isXFR) {
		bc.Close()
		return nil, errors.New("backend connection already used for XFR")
	}

	c.mu.Lock()
	c.active[ds] = append([]*backend.Conn{bc}, c.active[ds]...)
	c.mu.Unlock()
	return bc, nil
}

func (c *Conn) removeActive(bc *backend.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.active[bc.DS()]
	for i, other := range list {
		if other == bc {
			c.active[bc.DS()] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.active[bc.DS()]) == 0 {
		delete(c.active, bc.DS())
	}
}

// selfAnswer sends a response generated locally, without a backend.
func (c *Conn) selfAnswer(buf []byte, queryTime time.Time) {
	c.mu.Lock()
	c.currentQueries++
	c.mu.Unlock()

	c.sendOrQueueResponse(backend.Response{
		Buf: buf,
		IDS: backend.IDState{SelfGenerated: true, QueryTime: queryTime},
	})
}

// Active implements backend.ResponseHandler.
func (c *Conn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// HandleResponse implements backend.ResponseHandler: one backend response
// for one in-flight query.
func (c *Conn) HandleResponse(resp backend.Response) {
	c.mu.Lock()
	closed := c.closed
	isXFR := c.isXFR
	c.mu.Unlock()
	if closed {
		return
	}

	if !isXFR && resp.Conn != nil && resp.Conn.IsIdle() && resp.Conn.CanBeReused() {
		c.removeActive(resp.Conn)
		c.worker.cache.Release(resp.Conn)
	}

	if len(resp.Buf) < dnsmsg.HeaderSize {
		return
	}
	if !dnsmsg.ResponseMatches(resp.Buf, resp.IDS.Question) {
		return
	}
	if !c.srv.chain.ProcessResponse(resp.Buf) {
		return
	}

	if resp.Conn != nil {
		c.srv.metrics.BackendResponse(resp.Conn.DS().Name)
	}
	c.sendOrQueueResponse(resp)
}

// HandleXFRResponse implements backend.ResponseHandler: every message of a
// zone transfer stream flows through here; only the first one is validated
// and counted.
func (c *Conn) HandleXFRResponse(resp backend.Response) {
	c.mu.Lock()
	closed := c.closed
	first := !c.xfrStarted
	if first {
		c.xfrStarted = true
	}
	c.mu.Unlock()
	if closed {
		return
	}

	if len(resp.Buf) < dnsmsg.HeaderSize {
		return
	}
	if first {
		if !dnsmsg.ResponseMatches(resp.Buf, resp.IDS.Question) {
			return
		}
		if !c.srv.chain.ProcessResponse(resp.Buf) {
			return
		}
		c.listener.responses.Add(1)
		if resp.Conn != nil {
			c.srv.metrics.BackendResponse(resp.Conn.DS().Name)
		}
	}

	c.sendOrQueueResponse(resp)
}

// NotifyIOError implements backend.ResponseHandler: a query died at the
// backend and will never be answered.
func (c *Conn) NotifyIOError(ids backend.IDState) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.currentQueries--
	c.cond.Broadcast()
	hasQueued := len(c.queued) > 0
	writing := c.writing
	drained := c.currentQueries == 0
	isXFR := c.isXFR
	parkedIdle := c.state == stateIdle
	c.mu.Unlock()

	if writing {
		// the in-progress write drains the queue when it finishes
		return
	}
	if hasQueued {
		c.maybeDrainQueue()
		return
	}
	if isXFR || (drained && parkedIdle) {
		// an XFR session cannot survive its backend; a parked connection
		// with nothing left to deliver is done
		c.close()
	}
}

// sendOrQueueResponse writes the response now when the socket is free for
// it, otherwise appends it to the queue. This is where head-of-line blocking
// is avoided: responses leave in completion order, not arrival order.
func (c *Conn) sendOrQueueResponse(resp backend.Response) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.writing || c.state == stateReadingQuery || c.state == stateSendingResponse {
		c.queued = append(c.queued, resp)
		c.mu.Unlock()
		return
	}
	c.writing = true
	c.mu.Unlock()

	c.writeResponses(resp)
}

// maybeDrainQueue starts the writer on the oldest queued response, if any.
func (c *Conn) maybeDrainQueue() {
	c.mu.Lock()
	if c.closed || c.writing || len(c.queued) == 0 {
		c.mu.Unlock()
		return
	}
	resp := c.queued[0]
	c.queued = c.queued[1:]
	c.writing = true
	c.mu.Unlock()

	c.writeResponses(resp)
}

// writeResponses is the single writer: it owns the socket's write side until
// the queue is empty.
func (c *Conn) writeResponses(resp backend.Response) {
	for {
		framed, err := dnsmsg.Frame(resp.Buf)
		if err != nil {
			slog.Warn("response does not fit TCP framing", "err", err)
			c.close()
			return
		}

		c.setState(stateSendingResponse)
		if werr := c.stream.Write(framed, time.Now().Add(c.listener.writeTimeout)); werr != nil {
			if ne, ok := werr.(net.Error); ok && ne.Timeout() {
				c.listener.clientTimeouts.Add(1)
				c.srv.metrics.ClientTimeout()
			} else {
				c.failSending(werr)
			}
			c.close()
			return
		}

		if !c.finishResponse(resp) {
			c.close()
			return
		}

		c.mu.Lock()
		if len(c.queued) > 0 {
			resp = c.queued[0]
			c.queued = c.queued[1:]
			c.mu.Unlock()
			continue
		}
		c.writing = false
		if c.state == stateSendingResponse {
			c.state = stateIdle
		}
		c.mu.Unlock()
		return
	}
}

// finishResponse does the post-write accounting; false means the connection
// reached one of its limits and must close.
func (c *Conn) finishResponse(resp backend.Response) bool {
	c.mu.Lock()
	isXFR := c.isXFR
	if !isXFR {
		c.currentQueries--
		c.cond.Broadcast()
	}
	queries := c.queriesCount
	c.mu.Unlock()

	if isXFR {
		// an XFR session keeps its slot until the stream ends
		return true
	}

	h, err := dnsmsg.PeekHeader(resp.Buf)
	if err != nil {
		return false
	}
	c.listener.responses.Add(1)
	c.srv.metrics.ResponseSent(dnsmsg.RcodeString(h.Rcode))

	latency := time.Since(resp.IDS.QueryTime)
	c.srv.metrics.QueryDuration(latency)

	if !resp.IDS.SelfGenerated && resp.Conn != nil {
		c.srv.rings.Insert(rings.Entry{
			When:    time.Now(),
			Remote:  c.proxiedRemote.String(),
			QName:   resp.IDS.Question.Name,
			QType:   resp.IDS.Question.Qtype,
			Rcode:   h.Rcode,
			Latency: latency,
			Size:    len(resp.Buf),
			Backend: resp.Conn.DS().Name,
		})
		slog.Debug("relayed answer", "qname", resp.IDS.Question.Name,
			"remote", c.proxiedRemote, "backend", resp.Conn.DS().Name, "took", latency)
	}

	if max := c.srv.tuning.MaxTCPQueriesPerConn; max > 0 && queries > max {
		slog.Debug("terminating TCP connection: maximum queries per connection reached",
			"remote", c.remote, "queries", queries)
		return false
	}
	if c.maxDurationReached() {
		slog.Debug("terminating TCP connection: maximum duration reached", "remote", c.remote)
		return false
	}
	return true
}

// waitCanAcceptNewQueries blocks until the connection may read another
// query. XFR connections never accept more; a full in-flight window parks
// the reader until a slot frees up.
func (c *Conn) waitCanAcceptNewQueries() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.closed {
		if !c.isXFR && c.currentQueries < c.listener.maxInFlight {
			return true
		}
		c.state = stateIdle

		var timer *time.Timer
		if d := c.srv.tuning.MaxTCPConnectionDuration; d > 0 {
			remaining := time.Until(c.start.Add(d))
			if remaining <= 0 {
				return false
			}
			timer = time.AfterFunc(remaining, c.cond.Broadcast)
		}
		c.cond.Wait()
		if timer != nil {
			timer.Stop()
		}
	}
	return false
}

func (c *Conn) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) maxDurationReached() bool {
	d := c.srv.tuning.MaxTCPConnectionDuration
	return d > 0 && time.Since(c.start) >= d
}

// readDeadline computes the next read deadline, clamped to the remaining
// connection duration when one is configured.
func (c *Conn) readDeadline() time.Time {
	deadline := time.Now().Add(c.listener.readTimeout)
	if d := c.srv.tuning.MaxTCPConnectionDuration; d > 0 {
		if end := c.start.Add(d); end.Before(deadline) {
			deadline = end
		}
	}
	return deadline
}

// fail records a connection error. Only a response write counts as
// died-sending; every earlier state is died-reading, uniformly.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.listener.diedReadingQuery.Add(1)
	c.srv.metrics.DiedReadingQuery()
	slog.Debug("closing TCP client connection", "remote", c.remote, "err", err)
}

// failSending is fail's counterpart for errors on the response write path.
func (c *Conn) failSending(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.listener.diedSendingResponse.Add(1)
	c.srv.metrics.DiedSendingResponse()
	slog.Debug("closing TCP client connection while sending", "remote", c.remote, "err", err)
}

// close tears the connection down exactly once. Backend connections with
// queries still in flight are detached: their responses, if any, are
// discarded when the backend finds no consumer.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.cond.Broadcast()
		active := c.active
		c.active = nil
		queries := c.queriesCount
		c.mu.Unlock()

		c.stream.Close()

		for _, list := range active {
			for _, bc := range list {
				if bc.IsIdle() {
					bc.Close()
				} else {
					bc.Detach()
				}
			}
		}

		c.srv.releaseClient(c.remote)
		c.listener.currentConns.Add(-1)
		c.srv.metrics.ConnectionClosed(c.listener.Addr)
		slog.Debug("TCP connection closed", "remote", c.remote,
			"queries", queries, "duration", time.Since(c.start))
	})
}
