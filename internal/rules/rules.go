// Package rules evaluates the query and response rule chains: every query
// read from a client runs through the chain and comes out with one of three
// verdicts — drop the connection, answer it ourselves, or pass it to a
// backend picked by the router.
package rules

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/DXTimer/pdns/internal/acl"
	"github.com/DXTimer/pdns/internal/backend"
	"github.com/DXTimer/pdns/internal/config"
	"github.com/DXTimer/pdns/internal/dnsmsg"
	"github.com/DXTimer/pdns/internal/proxyproto"
	"github.com/DXTimer/pdns/internal/router"
)

// Result is the verdict of the query pipeline.
type Result int

const (
	// Drop closes the client connection without an answer.
	Drop Result = iota
	// SendAnswer returns the (possibly rewritten) query buffer to the client.
	SendAnswer
	// PassToBackend forwards the query to the selected server.
	PassToBackend
)

// DNSQuestion carries one query through the pipeline. Buf points at the
// connection's receive buffer, which rules may rewrite in place.
type DNSQuestion struct {
	Buf       []byte
	Question  dnsmsg.Question
	Remote    net.Addr
	Local     net.Addr
	SNI       string
	TLVs      []proxyproto.TLV
	QueryTime time.Time
	IsXFR     bool
	SkipCache bool
}

type matcher func(*DNSQuestion) bool

type rule struct {
	match  matcher
	action string
	pool   string
}

type responseRule struct {
	rcode  int
	any    bool
	action string
}

// Chain is the compiled rule set plus the router that resolves pools.
type Chain struct {
	rules         []rule
	responseRules []responseRule
	router        *router.Router
}

// NewChain compiles the configured rules against the router's pools.
func NewChain(queryRules, respRules []config.RuleConfig, rt *router.Router) (*Chain, error) {
	c := &Chain{router: rt}

	for i, rc := range queryRules {
		var matchers []matcher
		if rc.QType != "" {
			qtype, ok := dns.StringToType[strings.ToUpper(rc.QType)]
			if !ok {
				return nil, fmt.Errorf("rule %d: unknown qtype %q", i, rc.QType)
			}
			matchers = append(matchers, func(dq *DNSQuestion) bool {
				return dq.Question.Qtype == qtype
			})
		}
		if rc.QNameSuffix != "" {
			suffix := dns.CanonicalName(rc.QNameSuffix)
			matchers = append(matchers, func(dq *DNSQuestion) bool {
				return dns.IsSubDomain(suffix, dns.CanonicalName(dq.Question.Name))
			})
		}
		if len(rc.Source) > 0 {
			set, err := acl.NewSet(rc.Source)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			matchers = append(matchers, func(dq *DNSQuestion) bool {
				return set.MatchAddr(dq.Remote)
			})
		}
		if rc.Action == "pool" && !rt.HasPool(rc.Pool) {
			return nil, fmt.Errorf("rule %d: unknown pool %q", i, rc.Pool)
		}
		c.rules = append(c.rules, rule{
			match: func(dq *DNSQuestion) bool {
				for _, m := range matchers {
					if !m(dq) {
						return false
					}
				}
				return true
			},
			action: rc.Action,
			pool:   rc.Pool,
		})
	}

	for i, rc := range respRules {
		rr := responseRule{action: rc.Action, any: rc.Rcode == ""}
		if rc.Rcode != "" {
			rcode, ok := dns.StringToRcode[strings.ToUpper(rc.Rcode)]
			if !ok {
				return nil, fmt.Errorf("response rule %d: unknown rcode %q", i, rc.Rcode)
			}
			rr.rcode = rcode
		}
		c.responseRules = append(c.responseRules, rr)
	}

	return c, nil
}

// CheckQueryHeaders rejects messages that cannot be forwarded: responses
// masquerading as queries and non-query opcodes other than NOTIFY.
func CheckQueryHeaders(h dnsmsg.Header) bool {
	if h.QR {
		return false
	}
	if h.Opcode != dns.OpcodeQuery && h.Opcode != dns.OpcodeNotify {
		return false
	}
	return true
}

// ProcessQuery runs the query through the rule chain and picks a backend.
func (c *Chain) ProcessQuery(dq *DNSQuestion) (Result, *backend.Server) {
	pool := "default"
	for _, r := range c.rules {
		if !r.match(dq) {
			continue
		}
		switch r.action {
		case "drop":
			return Drop, nil
		case "refuse":
			dnsmsg.SetResponse(dq.Buf, dns.RcodeRefused)
			return SendAnswer, nil
		case "pool":
			pool = r.pool
		}
	}

	ds := c.router.Pick(pool)
	if ds == nil {
		return Drop, nil
	}
	return PassToBackend, ds
}

// ProcessResponse runs the response rules; false drops the response silently.
func (c *Chain) ProcessResponse(buf []byte) bool {
	if len(c.responseRules) == 0 {
		return true
	}
	h, err := dnsmsg.PeekHeader(buf)
	if err != nil {
		return false
	}
	for _, r := range c.responseRules {
		if !r.any && r.rcode != h.Rcode {
			continue
		}
		return r.action == "allow"
	}
	return true
}

// CheckDNSCryptQuery is the DNSCrypt collaborator seam. DNSCrypt framing is
// out of scope; plain and TLS streams never match, so no self-generated
// certificate response is produced.
func CheckDNSCryptQuery(buf []byte) ([]byte, bool) {
	return nil, false
}
