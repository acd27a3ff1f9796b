package backend

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/DXTimer/pdns/internal/dnsmsg"
	"github.com/DXTimer/pdns/internal/proxyproto"
)

// IDState is the per-query record kept while a query is in flight at a
// backend: enough to validate and attribute the response.
type IDState struct {
	ID            uint16
	Question      dnsmsg.Question
	Remote        net.Addr
	QueryTime     time.Time
	SelfGenerated bool
}

// Query is a framed DNS query plus its in-flight record.
type Query struct {
	Buf []byte
	IDS IDState
}

// Response is a raw backend response handed back to the client connection.
type Response struct {
	Buf  []byte
	IDS  IDState
	Conn *Conn
}

// ResponseHandler is the client connection side of a backend connection: the
// back-reference is non-owning, so a handler that is no longer Active simply
// stops receiving callbacks and in-flight results are discarded.
type ResponseHandler interface {
	HandleResponse(resp Response)
	HandleXFRResponse(resp Response)
	NotifyIOError(ids IDState)
	Active() bool
}

// Conn owns one TCP socket to a backend. Queries are written FIFO and
// pipelined; a reader goroutine decodes length-prefixed responses and matches
// them to in-flight queries by DNS message ID. On I/O errors other than
// timeouts the connection reconnects and replays its in-flight queries, up to
// the backend's retry budget; a timeout retires the connection, and XFR
// sessions are never replayed.
type Conn struct {
	ds *Server

	mu      sync.Mutex
	sock    net.Conn
	gen     int // socket generation; a reader for an older gen is stale
	client  ResponseHandler
	pending map[uint16]Query
	order   []uint16

	fresh      bool
	reused     bool
	usedForXFR bool
	xfrIDS     IDState

	proxyPayload []byte
	payloadSent  bool
	tlvsSent     []proxyproto.TLV

	queries  uint64
	failures int
	dead     bool
	closed   bool
	retired  bool // current socket closed and accounted for
}

// retireSocketLocked closes the current socket exactly once and keeps the
// backend's connection gauge honest. Called with c.mu held.
func (c *Conn) retireSocketLocked() {
	if c.retired {
		return
	}
	c.retired = true
	c.sock.Close()
	c.ds.currentConns.Add(-1)
}

// NewConn dials the backend and starts the response reader.
func NewConn(ds *Server) (*Conn, error) {
	sock, err := ds.Dial()
	if err != nil {
		return nil, err
	}
	c := &Conn{
		ds:      ds,
		sock:    sock,
		fresh:   true,
		pending: make(map[uint16]Query),
	}
	go c.readLoop(sock, 0)
	return c, nil
}

// DS returns the backend this connection belongs to.
func (c *Conn) DS() *Server { return c.ds }

// Assign attaches the connection to a client connection for response
// delivery. A connection that has carried an XFR session cannot be assigned
// again.
func (c *Conn) Assign(client ResponseHandler, isXFR bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usedForXFR {
		return false
	}
	if isXFR {
		c.usedForXFR = true
	}
	c.client = client
	return true
}

// Detach drops the client back-reference when the connection goes back to
// the idle cache.
func (c *Conn) Detach() {
	c.mu.Lock()
	c.client = nil
	c.mu.Unlock()
}

// MarkReused flags the connection as coming from the cache rather than a
// fresh dial.
func (c *Conn) MarkReused() {
	c.mu.Lock()
	c.reused = true
	c.mu.Unlock()
	c.ds.reusedConns.Add(1)
}

// IsFresh reports whether nothing has been written on the current socket yet.
func (c *Conn) IsFresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fresh
}

// IsIdle reports whether no query is in flight.
func (c *Conn) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) == 0
}

// Usable reports whether the socket is still believed good.
func (c *Conn) Usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead && !c.closed
}

// CanAcceptNewQueries reports whether more queries may be pipelined on this
// connection.
func (c *Conn) CanAcceptNewQueries() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.usedForXFR && !c.dead && !c.closed
}

// CanBeReused reports whether the connection may go back to the shared idle
// cache. A connection that ever carried a PROXY protocol payload is pinned
// to the client addresses encoded in it and never returns to the cache.
func (c *Conn) CanBeReused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead && !c.closed && !c.usedForXFR &&
		!c.payloadSent && len(c.proxyPayload) == 0 && len(c.tlvsSent) == 0
}

// SetProxyPayload stores a PROXY protocol payload to prepend on the next
// write, together with the TLVs it carries.
func (c *Conn) SetProxyPayload(payload []byte, tlvs []proxyproto.TLV) {
	c.mu.Lock()
	c.proxyPayload = payload
	if c.tlvsSent == nil {
		c.tlvsSent = tlvs
	}
	c.mu.Unlock()
}

// SetProxyPayloadSent records that the payload was already prepended to the
// query buffer by the caller.
func (c *Conn) SetProxyPayloadSent(tlvs []proxyproto.TLV) {
	c.mu.Lock()
	c.payloadSent = true
	if c.tlvsSent == nil {
		c.tlvsSent = tlvs
	}
	c.mu.Unlock()
}

// MatchesTLVs reports whether the TLV set already sent on this connection is
// identical to tlvs; only then may the connection carry this query.
func (c *Conn) MatchesTLVs(tlvs []proxyproto.TLV) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return proxyproto.TLVsEqual(c.tlvsSent, tlvs)
}

// SendQuery writes a framed query on the socket and records it as in-flight.
// Failures are reported asynchronously through the client's NotifyIOError;
// SendQuery itself never blocks on the response.
func (c *Conn) SendQuery(q Query) {
	c.mu.Lock()
	if c.dead || c.closed {
		client := c.client
		c.mu.Unlock()
		if client != nil && client.Active() {
			client.NotifyIOError(q.IDS)
		}
		return
	}
	if !c.usedForXFR {
		if _, dup := c.pending[q.IDS.ID]; dup {
			// same ID twice on one connection cannot be demultiplexed
			client := c.client
			c.mu.Unlock()
			if client != nil && client.Active() {
				client.NotifyIOError(q.IDS)
			}
			return
		}
	}

	if err := c.writeLocked(q.Buf); err != nil {
		c.failLocked(err, &q)
		return
	}

	c.recordSentLocked(q)
	c.mu.Unlock()
}

// recordSentLocked tracks a query whose bytes are fully on the wire.
func (c *Conn) recordSentLocked(q Query) {
	c.queries++
	c.ds.queries.Add(1)
	if c.usedForXFR {
		c.xfrIDS = q.IDS
	} else {
		c.ds.outstanding.Add(1)
	}
	c.pending[q.IDS.ID] = q
	c.order = append(c.order, q.IDS.ID)
	// the reader may be blocked without a deadline since an idle spell; the
	// answer to this query is owed within the receive timeout
	c.sock.SetReadDeadline(time.Now().Add(c.ds.ReceiveTimeout))
}

// writeLocked sends one framed query, prepending the PROXY payload if it has
// not gone out yet. Called with c.mu held.
func (c *Conn) writeLocked(buf []byte) error {
	if !c.payloadSent && len(c.proxyPayload) > 0 {
		joined := make([]byte, 0, len(c.proxyPayload)+len(buf))
		joined = append(joined, c.proxyPayload...)
		joined = append(joined, buf...)
		buf = joined
	}
	c.sock.SetWriteDeadline(time.Now().Add(c.ds.SendTimeout))
	if _, err := c.sock.Write(buf); err != nil {
		return err
	}
	c.payloadSent = c.payloadSent || len(c.proxyPayload) > 0
	c.fresh = false
	return nil
}

// failLocked handles a socket failure: a timeout retires the connection and
// fails every in-flight query; any other error attempts a reconnect with
// replay. Called with c.mu held; always unlocks.
func (c *Conn) failLocked(err error, extra *Query) {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		if extra != nil {
			c.ds.writeTimeouts.Add(1)
		} else {
			c.ds.readTimeouts.Add(1)
		}
		c.giveUpLocked(extra, false)
		return
	}

	if extra != nil {
		c.ds.diedSendingQuery.Add(1)
	} else {
		c.ds.diedReadingResponse.Add(1)
	}
	if c.fresh {
		c.failures++
	}

	if (c.usedForXFR && c.queries > 0) || c.failures >= c.ds.Retries {
		c.giveUpLocked(extra, true)
		return
	}

	c.reconnectLocked(extra)
}

// reconnectLocked replaces the socket and replays the in-flight queries in
// their original send order. Called with c.mu held; always unlocks.
func (c *Conn) reconnectLocked(extra *Query) {
	replay := make([]Query, 0, len(c.order)+1)
	for _, id := range c.order {
		if q, ok := c.pending[id]; ok {
			replay = append(replay, q)
		}
	}
	if extra != nil {
		replay = append(replay, *extra)
	}
	if !c.usedForXFR {
		c.ds.outstanding.Add(int64(-len(c.pending)))
	}
	c.pending = make(map[uint16]Query)
	c.order = c.order[:0]

	for c.failures < c.ds.Retries {
		sock, err := c.ds.Dial()
		if err != nil {
			c.failures++
			continue
		}

		c.retireSocketLocked()
		c.sock = sock
		c.retired = false
		c.gen++
		c.fresh = true
		c.payloadSent = false
		go c.readLoop(sock, c.gen)

		sent := 0
		writeErr := false
		for _, q := range replay {
			if err := c.writeLocked(q.Buf); err != nil {
				c.failures++
				writeErr = true
				break
			}
			c.recordSentLocked(q)
			sent++
		}
		if !writeErr {
			c.mu.Unlock()
			return
		}

		// the replayed prefix went back in flight on a socket we are about
		// to abandon; pull it back in order for the next attempt
		next := make([]Query, 0, len(replay))
		for _, id := range c.order {
			if q, ok := c.pending[id]; ok {
				next = append(next, q)
			}
		}
		next = append(next, replay[sent:]...)
		if !c.usedForXFR {
			c.ds.outstanding.Add(int64(-len(c.pending)))
		}
		c.pending = make(map[uint16]Query)
		c.order = c.order[:0]
		replay = next
	}

	c.ds.gaveUp.Add(1)
	c.giveUpFailQueriesLocked(replay)
}

// giveUpLocked retires the connection and fails all in-flight queries (plus
// extra, when a write was in progress). Called with c.mu held; unlocks.
func (c *Conn) giveUpLocked(extra *Query, countGaveUp bool) {
	if countGaveUp {
		c.ds.gaveUp.Add(1)
	}
	failed := make([]Query, 0, len(c.order)+1)
	for _, id := range c.order {
		if q, ok := c.pending[id]; ok {
			failed = append(failed, q)
		}
	}
	if extra != nil {
		failed = append(failed, *extra)
	}
	c.giveUpFailQueriesLocked(failed)
}

// giveUpFailQueriesLocked marks the connection dead and reports every failed
// query to the client. Called with c.mu held; unlocks before the callbacks.
func (c *Conn) giveUpFailQueriesLocked(failed []Query) {
	if !c.usedForXFR {
		c.ds.outstanding.Add(int64(-len(c.pending)))
	}
	c.pending = make(map[uint16]Query)
	c.order = c.order[:0]
	c.dead = true
	c.retireSocketLocked()
	client := c.client
	c.client = nil
	xfr := c.usedForXFR
	xfrIDS := c.xfrIDS
	c.mu.Unlock()

	if client == nil || !client.Active() {
		return
	}
	if xfr && len(failed) == 0 {
		// the XFR stream ended or broke; the session query still holds a slot
		client.NotifyIOError(xfrIDS)
		return
	}
	for _, q := range failed {
		client.NotifyIOError(q.IDS)
	}
}

// readLoop decodes length-prefixed responses from one socket generation and
// delivers them to the client connection. It exits when the socket dies or a
// newer generation replaces it.
func (c *Conn) readLoop(sock net.Conn, gen int) {
	var lenBuf [2]byte
	for {
		c.mu.Lock()
		if c.gen != gen || c.closed || c.dead {
			c.mu.Unlock()
			return
		}
		waiting := len(c.pending) > 0
		timeout := c.ds.ReceiveTimeout
		c.mu.Unlock()

		if waiting {
			sock.SetReadDeadline(time.Now().Add(timeout))
		} else {
			sock.SetReadDeadline(time.Time{})
		}
		if _, err := io.ReadFull(sock, lenBuf[:]); err != nil {
			c.readFailed(gen, err)
			return
		}
		size := int(lenBuf[0])<<8 | int(lenBuf[1])
		buf := make([]byte, size)
		// once the length is in, the remainder of the message is owed promptly
		sock.SetReadDeadline(time.Now().Add(timeout))
		if _, err := io.ReadFull(sock, buf); err != nil {
			c.readFailed(gen, err)
			return
		}

		if !c.deliver(gen, buf) {
			return
		}
	}
}

// deliver routes one decoded response to the right in-flight query. A false
// return retires this reader.
func (c *Conn) deliver(gen int, buf []byte) bool {
	c.mu.Lock()
	if c.gen != gen || c.closed || c.dead {
		c.mu.Unlock()
		return false
	}

	client := c.client
	if client == nil || !client.Active() {
		// nobody left to consume this response; retire the connection so it
		// cannot be handed out with a stray message in flight
		if h, err := dnsmsg.PeekHeader(buf); err == nil {
			if _, ok := c.pending[h.ID]; ok && !c.usedForXFR {
				c.ds.outstanding.Add(-1)
				delete(c.pending, h.ID)
			}
		}
		c.dead = true
		c.retireSocketLocked()
		c.mu.Unlock()
		return false
	}

	if c.usedForXFR {
		ids := c.xfrIDS
		c.ds.responses.Add(1)
		c.mu.Unlock()
		client.HandleXFRResponse(Response{Buf: buf, IDS: ids, Conn: c})
		return true
	}

	h, err := dnsmsg.PeekHeader(buf)
	if err != nil {
		c.giveUpLocked(nil, false)
		return false
	}
	q, ok := c.pending[h.ID]
	if !ok {
		// unknown or duplicated ID over this connection, give up on it
		c.giveUpLocked(nil, false)
		return false
	}
	delete(c.pending, h.ID)
	for i, id := range c.order {
		if id == h.ID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.ds.outstanding.Add(-1)
	c.ds.responses.Add(1)
	c.failures = 0
	c.mu.Unlock()

	client.HandleResponse(Response{Buf: buf, IDS: q.IDS, Conn: c})
	return true
}

// readFailed classifies a reader error. Stale readers and deliberate closes
// are silent; an idle cached connection is just retired.
func (c *Conn) readFailed(gen int, err error) {
	c.mu.Lock()
	if c.gen != gen || c.closed || c.dead {
		c.mu.Unlock()
		return
	}
	if len(c.pending) == 0 && c.client == nil {
		// idle in the cache and the peer went away
		c.dead = true
		c.retireSocketLocked()
		c.mu.Unlock()
		return
	}
	c.failLocked(err, nil)
}

// Close tears the connection down. In-flight queries, if any, are orphaned;
// their responses are discarded by design.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if !c.usedForXFR {
		c.ds.outstanding.Add(int64(-len(c.pending)))
	}
	c.pending = make(map[uint16]Query)
	c.order = nil
	c.client = nil
	c.retireSocketLocked()
	c.mu.Unlock()
}
