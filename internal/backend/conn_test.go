package backend

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/DXTimer/pdns/internal/config"
	"github.com/DXTimer/pdns/internal/dnsmsg"
	"github.com/DXTimer/pdns/internal/proxyproto"
)

// fakeBackend is an in-process DNS-over-TCP server driven by a per-connection
// handler.
type fakeBackend struct {
	t  *testing.T
	ln net.Listener
}

func newFakeBackend(t *testing.T, handle func(net.Conn)) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	fb := &fakeBackend{t: t, ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return fb
}

func (fb *fakeBackend) addr() string { return fb.ln.Addr().String() }

func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(conn net.Conn, msg []byte) error {
	framed, err := dnsmsg.Frame(msg)
	if err != nil {
		return err
	}
	_, err = conn.Write(framed)
	return err
}

// echoAnswer replies NOERROR to every query it reads.
func echoAnswer(conn net.Conn) {
	defer conn.Close()
	for {
		buf, err := readFrame(conn)
		if err != nil {
			return
		}
		query := new(dns.Msg)
		if err := query.Unpack(buf); err != nil {
			return
		}
		reply := new(dns.Msg)
		reply.SetReply(query)
		out, _ := reply.Pack()
		if err := writeFrame(conn, out); err != nil {
			return
		}
	}
}

// captureHandler implements ResponseHandler and records everything.
type captureHandler struct {
	responses chan Response
	xfr       chan Response
	errors    chan IDState

	mu       sync.Mutex
	inactive bool
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{
		responses: make(chan Response, 16),
		xfr:       make(chan Response, 16),
		errors:    make(chan IDState, 16),
	}
}

func (h *captureHandler) HandleResponse(r Response)    { h.responses <- r }
func (h *captureHandler) HandleXFRResponse(r Response) { h.xfr <- r }
func (h *captureHandler) NotifyIOError(ids IDState)    { h.errors <- ids }
func (h *captureHandler) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.inactive
}

func (h *captureHandler) deactivate() {
	h.mu.Lock()
	h.inactive = true
	h.mu.Unlock()
}

func testServerFor(addr string) *Server {
	return NewServer(config.BackendConfig{
		Name:           "test",
		Address:        addr,
		Pool:           "default",
		Retries:        2,
		ConnectTimeout: time.Second,
		SendTimeout:    time.Second,
		ReceiveTimeout: time.Second,
	})
}

func makeQuery(t *testing.T, name string, qtype uint16, id uint16) Query {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.Id = id
	buf, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}
	q, err := dnsmsg.ParseQuestion(buf)
	if err != nil {
		t.Fatal(err)
	}
	framed, err := dnsmsg.Frame(buf)
	if err != nil {
		t.Fatal(err)
	}
	return Query{
		Buf: framed,
		IDS: IDState{
			ID:        id,
			Question:  q,
			Remote:    &net.TCPAddr{IP: net.ParseIP("198.51.100.1"), Port: 4242},
			QueryTime: time.Now(),
		},
	}
}

func waitResponse(t *testing.T, ch chan Response) Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a response")
		return Response{}
	}
}

func waitError(t *testing.T, ch chan IDState) IDState {
	t.Helper()
	select {
	case ids := <-ch:
		return ids
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for an IO error")
		return IDState{}
	}
}

func TestConnSendReceive(t *testing.T) {
	fb := newFakeBackend(t, echoAnswer)
	ds := testServerFor(fb.addr())

	conn, err := NewConn(ds)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer conn.Close()

	h := newCaptureHandler()
	if !conn.Assign(h, false) {
		t.Fatal("Assign failed")
	}
	if !conn.IsFresh() {
		t.Error("new connection should be fresh")
	}

	q := makeQuery(t, "example.com", dns.TypeA, 0x0101)
	conn.SendQuery(q)

	resp := waitResponse(t, h.responses)
	if resp.IDS.ID != 0x0101 {
		t.Errorf("response IDS.ID = 0x%x, want 0x0101", resp.IDS.ID)
	}
	if resp.Conn != conn {
		t.Error("response should reference its connection")
	}
	if !conn.IsIdle() {
		t.Error("connection should be idle after the only response")
	}
	if conn.IsFresh() {
		t.Error("connection should not be fresh after a write")
	}
	if ds.Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", ds.Outstanding())
	}
}

func TestConnPipelinedReorder(t *testing.T) {
	// read both queries first, then answer them in reverse order
	fb := newFakeBackend(t, func(conn net.Conn) {
		defer conn.Close()
		var queries []*dns.Msg
		for len(queries) < 2 {
			buf, err := readFrame(conn)
			if err != nil {
				return
			}
			q := new(dns.Msg)
			if err := q.Unpack(buf); err != nil {
				return
			}
			queries = append(queries, q)
		}
		for i := len(queries) - 1; i >= 0; i-- {
			reply := new(dns.Msg)
			reply.SetReply(queries[i])
			out, _ := reply.Pack()
			if err := writeFrame(conn, out); err != nil {
				return
			}
		}
	})
	ds := testServerFor(fb.addr())

	conn, err := NewConn(ds)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer conn.Close()

	h := newCaptureHandler()
	conn.Assign(h, false)

	conn.SendQuery(makeQuery(t, "one.example.com", dns.TypeA, 1))
	conn.SendQuery(makeQuery(t, "two.example.com", dns.TypeA, 2))

	first := waitResponse(t, h.responses)
	second := waitResponse(t, h.responses)

	if first.IDS.ID != 2 || second.IDS.ID != 1 {
		t.Errorf("responses not demultiplexed by ID: got %d then %d", first.IDS.ID, second.IDS.ID)
	}
	if first.IDS.Question.Name != "two.example.com." {
		t.Errorf("IDS question mismatch: %q", first.IDS.Question.Name)
	}
}

func TestConnProxyPayloadPrependedOnce(t *testing.T) {
	payloadSeen := make(chan []byte, 1)
	fb := newFakeBackend(t, func(conn net.Conn) {
		defer conn.Close()
		// the payload arrives glued in front of the first frame
		hdr := make([]byte, proxyproto.MinimumHeaderSize)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		n, _, err := proxyproto.Consume(hdr)
		for err == nil && n < 0 {
			more := make([]byte, -n)
			if _, rerr := io.ReadFull(conn, more); rerr != nil {
				return
			}
			hdr = append(hdr, more...)
			n, _, err = proxyproto.Consume(hdr)
		}
		if err != nil {
			return
		}
		payloadSeen <- hdr[:n]
		echoAnswer(conn)
	})
	ds := testServerFor(fb.addr())

	conn, err := NewConn(ds)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer conn.Close()

	h := newCaptureHandler()
	conn.Assign(h, false)

	src := &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 5353}
	dst := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 53}
	payload, err := proxyproto.BuildPayload(src, dst, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetProxyPayload(payload, nil)

	if conn.CanBeReused() {
		t.Error("a connection with a pending PROXY payload must not be cacheable")
	}

	conn.SendQuery(makeQuery(t, "example.com", dns.TypeA, 7))
	waitResponse(t, h.responses)

	select {
	case seen := <-payloadSeen:
		if len(seen) != len(payload) {
			t.Errorf("backend saw %d payload bytes, want %d", len(seen), len(payload))
		}
	case <-time.After(time.Second):
		t.Fatal("backend never saw the PROXY payload")
	}

	// second query on the same socket must not resend the payload; the echo
	// loop would choke on a stray preamble otherwise
	conn.SendQuery(makeQuery(t, "again.example.com", dns.TypeA, 8))
	waitResponse(t, h.responses)
}

func TestConnXFRStream(t *testing.T) {
	fb := newFakeBackend(t, func(conn net.Conn) {
		defer conn.Close()
		buf, err := readFrame(conn)
		if err != nil {
			return
		}
		q := new(dns.Msg)
		if err := q.Unpack(buf); err != nil {
			return
		}
		for i := 0; i < 3; i++ {
			reply := new(dns.Msg)
			reply.SetReply(q)
			out, _ := reply.Pack()
			if err := writeFrame(conn, out); err != nil {
				return
			}
		}
	})
	ds := testServerFor(fb.addr())

	conn, err := NewConn(ds)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer conn.Close()

	h := newCaptureHandler()
	if !conn.Assign(h, true) {
		t.Fatal("Assign for XFR failed")
	}
	if conn.CanAcceptNewQueries() {
		t.Error("an XFR connection must not accept new queries")
	}
	if conn.CanBeReused() {
		t.Error("an XFR connection must never be reused")
	}

	conn.SendQuery(makeQuery(t, "zone.example.com", dns.TypeAXFR, 9))

	for i := 0; i < 3; i++ {
		select {
		case r := <-h.xfr:
			if r.IDS.ID != 9 {
				t.Errorf("XFR message %d has IDS.ID %d", i, r.IDS.ID)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for XFR message %d", i)
		}
	}

	if conn.Assign(h, false) {
		t.Error("a connection used for XFR must refuse reassignment")
	}
}

func TestConnReconnectAndReplay(t *testing.T) {
	var mu sync.Mutex
	accepts := 0
	fb := newFakeBackend(t, func(conn net.Conn) {
		mu.Lock()
		accepts++
		first := accepts == 1
		mu.Unlock()
		if first {
			// swallow the query and die; the client must replay it
			readFrame(conn)
			conn.Close()
			return
		}
		echoAnswer(conn)
	})
	ds := testServerFor(fb.addr())

	conn, err := NewConn(ds)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer conn.Close()

	h := newCaptureHandler()
	conn.Assign(h, false)

	conn.SendQuery(makeQuery(t, "retry.example.com", dns.TypeA, 21))

	resp := waitResponse(t, h.responses)
	if resp.IDS.ID != 21 {
		t.Errorf("replayed response IDS.ID = %d, want 21", resp.IDS.ID)
	}

	mu.Lock()
	if accepts < 2 {
		t.Errorf("expected a reconnect, saw %d accepts", accepts)
	}
	mu.Unlock()
}

func TestConnReceiveTimeout(t *testing.T) {
	fb := newFakeBackend(t, func(conn net.Conn) {
		// read the query and never answer
		readFrame(conn)
		time.Sleep(5 * time.Second)
		conn.Close()
	})
	ds := testServerFor(fb.addr())
	ds.ReceiveTimeout = 100 * time.Millisecond

	conn, err := NewConn(ds)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer conn.Close()

	h := newCaptureHandler()
	conn.Assign(h, false)

	conn.SendQuery(makeQuery(t, "slow.example.com", dns.TypeA, 33))

	ids := waitError(t, h.errors)
	if ids.ID != 33 {
		t.Errorf("failed IDS.ID = %d, want 33", ids.ID)
	}
	if conn.Usable() {
		t.Error("a timed-out connection must not be usable")
	}
	if ds.Stats().ReadTimeouts == 0 {
		t.Error("read timeout not accounted")
	}
}

func TestConnUnknownResponseID(t *testing.T) {
	fb := newFakeBackend(t, func(conn net.Conn) {
		defer conn.Close()
		buf, err := readFrame(conn)
		if err != nil {
			return
		}
		q := new(dns.Msg)
		if err := q.Unpack(buf); err != nil {
			return
		}
		reply := new(dns.Msg)
		reply.SetReply(q)
		reply.Id = q.Id + 1
		out, _ := reply.Pack()
		writeFrame(conn, out)
	})
	ds := testServerFor(fb.addr())

	conn, err := NewConn(ds)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer conn.Close()

	h := newCaptureHandler()
	conn.Assign(h, false)

	conn.SendQuery(makeQuery(t, "mismatch.example.com", dns.TypeA, 40))

	ids := waitError(t, h.errors)
	if ids.ID != 40 {
		t.Errorf("failed IDS.ID = %d, want 40", ids.ID)
	}
	if conn.Usable() {
		t.Error("a connection with an unmatched response ID must be retired")
	}
}

func TestConnDiscardsResponseForInactiveClient(t *testing.T) {
	fb := newFakeBackend(t, echoAnswer)
	ds := testServerFor(fb.addr())

	conn, err := NewConn(ds)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer conn.Close()

	h := newCaptureHandler()
	conn.Assign(h, false)
	h.deactivate()

	conn.SendQuery(makeQuery(t, "orphan.example.com", dns.TypeA, 50))

	select {
	case r := <-h.responses:
		t.Errorf("inactive client received a response: %+v", r.IDS)
	case <-time.After(500 * time.Millisecond):
	}
	if conn.Usable() {
		t.Error("a connection whose client vanished must be retired")
	}
}
