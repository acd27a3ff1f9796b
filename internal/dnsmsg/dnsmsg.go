// Package dnsmsg holds the minimal DNS wire inspection the load balancer
// needs to route and validate messages: the fixed header, the first question,
// and in-place rcode rewrites. Full message parsing stays out of the relay
// path; responses are forwarded as opaque payloads.
package dnsmsg

import (
	"encoding/binary"
	"fmt"

	"github.com/miekg/dns"
)

const (
	// HeaderSize is the size of the fixed DNS header; it is also the minimum
	// valid length of a framed message on the stream.
	HeaderSize = 12

	// MaxMessageSize is the largest message the 2-byte length prefix can carry.
	MaxMessageSize = 65535
)

// Header is the fixed DNS header, decoded just far enough for routing
// decisions and accounting.
type Header struct {
	ID      uint16
	QR      bool
	Opcode  int
	Rcode   int
	QDCount uint16
	ANCount uint16
}

// Question identifies the first question of a message.
type Question struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

// PeekHeader decodes the fixed header from the start of buf.
func PeekHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("message too short for a DNS header: %d bytes", len(buf))
	}
	flags := binary.BigEndian.Uint16(buf[2:4])
	return Header{
		ID:      binary.BigEndian.Uint16(buf[0:2]),
		QR:      flags&0x8000 != 0,
		Opcode:  int(flags >> 11 & 0xF),
		Rcode:   int(flags & 0xF),
		QDCount: binary.BigEndian.Uint16(buf[4:6]),
		ANCount: binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}

// ParseQuestion extracts the first question following the header.
func ParseQuestion(buf []byte) (Question, error) {
	name, off, err := dns.UnpackDomainName(buf, HeaderSize)
	if err != nil {
		return Question{}, fmt.Errorf("unpacking qname: %w", err)
	}
	if len(buf) < off+4 {
		return Question{}, fmt.Errorf("message truncated after qname")
	}
	return Question{
		Name:   name,
		Qtype:  binary.BigEndian.Uint16(buf[off : off+2]),
		Qclass: binary.BigEndian.Uint16(buf[off+2 : off+4]),
	}, nil
}

// IsXFR reports whether qtype starts a zone transfer session.
func IsXFR(qtype uint16) bool {
	return qtype == dns.TypeAXFR || qtype == dns.TypeIXFR
}

// SetResponse turns the message in buf into a response with the given rcode,
// in place.
func SetResponse(buf []byte, rcode int) {
	buf[2] |= 0x80
	buf[3] = buf[3]&0xF0 | byte(rcode&0xF)
}

// ResponseMatches verifies that the response in buf carries the same
// question as the query it is claimed to answer. Responses with no question
// section never match.
func ResponseMatches(buf []byte, q Question) bool {
	h, err := PeekHeader(buf)
	if err != nil || h.QDCount == 0 {
		return false
	}
	rq, err := ParseQuestion(buf)
	if err != nil {
		return false
	}
	if rq.Qtype != q.Qtype || rq.Qclass != q.Qclass {
		return false
	}
	return dns.CanonicalName(rq.Name) == dns.CanonicalName(q.Name)
}

// RcodeString names an rcode the way the metrics labels expect.
func RcodeString(rcode int) string {
	switch rcode {
	case dns.RcodeSuccess:
		return "noerror"
	case dns.RcodeServerFailure:
		return "servfail"
	case dns.RcodeNameError:
		return "nxdomain"
	case dns.RcodeRefused:
		return "refused"
	case dns.RcodeNotImplemented:
		return "notimp"
	default:
		return "other"
	}
}

// Frame prepends the 2-byte big-endian length to msg. The length prefix is
// written before the first byte leaves the socket, never patched afterwards.
func Frame(msg []byte) ([]byte, error) {
	if len(msg) > MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes does not fit a 2-byte length prefix", len(msg))
	}
	framed := make([]byte, len(msg)+2)
	binary.BigEndian.PutUint16(framed, uint16(len(msg)))
	copy(framed[2:], msg)
	return framed, nil
}
