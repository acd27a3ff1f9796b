package rules

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/DXTimer/pdns/internal/backend"
	"github.com/DXTimer/pdns/internal/config"
	"github.com/DXTimer/pdns/internal/dnsmsg"
	"github.com/DXTimer/pdns/internal/router"
)

func testRouter(t *testing.T) *router.Router {
	t.Helper()
	servers := []*backend.Server{
		backend.NewServer(config.BackendConfig{Name: "ns1", Address: "192.0.2.1:53", Pool: "default"}),
		backend.NewServer(config.BackendConfig{Name: "xfr1", Address: "192.0.2.2:53", Pool: "xfr"}),
	}
	policy, err := router.NewPolicy("first")
	if err != nil {
		t.Fatal(err)
	}
	return router.New(servers, policy)
}

func question(t *testing.T, name string, qtype uint16, source string) *DNSQuestion {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	buf, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}
	q, err := dnsmsg.ParseQuestion(buf)
	if err != nil {
		t.Fatal(err)
	}
	return &DNSQuestion{
		Buf:       buf,
		Question:  q,
		Remote:    &net.TCPAddr{IP: net.ParseIP(source), Port: 4242},
		Local:     &net.TCPAddr{IP: net.ParseIP("192.0.2.53"), Port: 53},
		QueryTime: time.Now(),
	}
}

func TestProcessQueryDefaultPool(t *testing.T) {
	chain, err := NewChain(nil, nil, testRouter(t))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	result, ds := chain.ProcessQuery(question(t, "example.com", dns.TypeA, "198.51.100.1"))
	if result != PassToBackend {
		t.Fatalf("expected PassToBackend, got %v", result)
	}
	if ds == nil || ds.Name != "ns1" {
		t.Errorf("expected ns1, got %v", ds)
	}
}

func TestProcessQueryDrop(t *testing.T) {
	chain, err := NewChain([]config.RuleConfig{
		{QType: "ANY", Action: "drop"},
	}, nil, testRouter(t))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	result, _ := chain.ProcessQuery(question(t, "example.com", dns.TypeANY, "198.51.100.1"))
	if result != Drop {
		t.Errorf("expected Drop for ANY, got %v", result)
	}

	result, _ = chain.ProcessQuery(question(t, "example.com", dns.TypeA, "198.51.100.1"))
	if result != PassToBackend {
		t.Errorf("A query should pass, got %v", result)
	}
}

func TestProcessQueryRefuse(t *testing.T) {
	chain, err := NewChain([]config.RuleConfig{
		{QNameSuffix: "blocked.example", Action: "refuse"},
	}, nil, testRouter(t))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	dq := question(t, "www.blocked.example", dns.TypeA, "198.51.100.1")
	result, _ := chain.ProcessQuery(dq)
	if result != SendAnswer {
		t.Fatalf("expected SendAnswer, got %v", result)
	}

	h, err := dnsmsg.PeekHeader(dq.Buf)
	if err != nil {
		t.Fatal(err)
	}
	if !h.QR || h.Rcode != dns.RcodeRefused {
		t.Errorf("buffer not rewritten to a REFUSED response: qr=%v rcode=%d", h.QR, h.Rcode)
	}
}

func TestProcessQueryPoolRouting(t *testing.T) {
	chain, err := NewChain([]config.RuleConfig{
		{QType: "AXFR", Action: "pool", Pool: "xfr"},
	}, nil, testRouter(t))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	result, ds := chain.ProcessQuery(question(t, "example.com", dns.TypeAXFR, "198.51.100.1"))
	if result != PassToBackend || ds == nil || ds.Name != "xfr1" {
		t.Errorf("AXFR should route to the xfr pool, got %v / %v", result, ds)
	}
}

func TestProcessQuerySourceMatch(t *testing.T) {
	chain, err := NewChain([]config.RuleConfig{
		{Source: []string{"198.51.100.0/24"}, Action: "drop"},
	}, nil, testRouter(t))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	result, _ := chain.ProcessQuery(question(t, "example.com", dns.TypeA, "198.51.100.7"))
	if result != Drop {
		t.Errorf("matching source should drop, got %v", result)
	}
	result, _ = chain.ProcessQuery(question(t, "example.com", dns.TypeA, "203.0.113.7"))
	if result != PassToBackend {
		t.Errorf("other source should pass, got %v", result)
	}
}

func TestProcessQueryNoServer(t *testing.T) {
	rt := testRouter(t)
	for _, ds := range rt.Servers() {
		ds.SetUp(false)
	}
	chain, err := NewChain(nil, nil, rt)
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	result, _ := chain.ProcessQuery(question(t, "example.com", dns.TypeA, "198.51.100.1"))
	if result != Drop {
		t.Errorf("no available server should drop, got %v", result)
	}
}

func TestNewChainErrors(t *testing.T) {
	rt := testRouter(t)
	cases := []config.RuleConfig{
		{QType: "NOPE", Action: "drop"},
		{Action: "pool", Pool: "missing"},
		{Source: []string{"not-a-net"}, Action: "drop"},
	}
	for _, rc := range cases {
		if _, err := NewChain([]config.RuleConfig{rc}, nil, rt); err == nil {
			t.Errorf("expected error for rule %+v", rc)
		}
	}
}

func TestCheckQueryHeaders(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	buf, _ := msg.Pack()
	h, _ := dnsmsg.PeekHeader(buf)
	if !CheckQueryHeaders(h) {
		t.Error("plain query should pass header checks")
	}

	h.QR = true
	if CheckQueryHeaders(h) {
		t.Error("a response must not pass header checks")
	}

	h.QR = false
	h.Opcode = dns.OpcodeUpdate
	if CheckQueryHeaders(h) {
		t.Error("UPDATE opcode must not pass header checks")
	}

	h.Opcode = dns.OpcodeNotify
	if !CheckQueryHeaders(h) {
		t.Error("NOTIFY opcode should pass header checks")
	}
}

func TestProcessResponse(t *testing.T) {
	rt := testRouter(t)

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Response = true
	msg.Rcode = dns.RcodeServerFailure
	buf, _ := msg.Pack()

	open, err := NewChain(nil, nil, rt)
	if err != nil {
		t.Fatal(err)
	}
	if !open.ProcessResponse(buf) {
		t.Error("no response rules should allow everything")
	}

	dropping, err := NewChain(nil, []config.RuleConfig{
		{Rcode: "SERVFAIL", Action: "drop"},
	}, rt)
	if err != nil {
		t.Fatal(err)
	}
	if dropping.ProcessResponse(buf) {
		t.Error("SERVFAIL should be dropped by the response rule")
	}

	msg.Rcode = dns.RcodeSuccess
	buf, _ = msg.Pack()
	if !dropping.ProcessResponse(buf) {
		t.Error("NOERROR should pass the response rule")
	}
}

func TestCheckDNSCryptQuery(t *testing.T) {
	if _, ok := CheckDNSCryptQuery([]byte{0x00}); ok {
		t.Error("the DNSCrypt seam must never produce a response")
	}
}
