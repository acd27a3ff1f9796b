// Package proxyproto consumes PROXY protocol v1/v2 preambles on accepted
// connections and builds v2 payloads toward backends. Parsing and formatting
// are delegated to github.com/pires/go-proxyproto; this package adds the
// incremental prefix contract the connection state machine needs: how many
// bytes are still missing before the preamble can be decoded.
package proxyproto

import (
	"bufio"
	"bytes"
	"fmt"
	"net"

	"github.com/pires/go-proxyproto"
)

// MinimumHeaderSize is how many bytes must be read before either signature
// can be recognized. It is deliberately smaller than the shortest complete
// preamble (a 15-byte v1 line): Consume reports exactly how many more bytes
// are needed, so the reader never swallows stream bytes past the preamble.
const MinimumHeaderSize = 12

// v2HeaderSize is the fixed part of a v2 header; its last two bytes carry
// the remaining length.
const v2HeaderSize = 16

// v1MaximumHeaderSize bounds a v1 line ("PROXY UNKNOWN ...\r\n").
const v1MaximumHeaderSize = 107

var (
	v2Signature = []byte("\r\n\r\n\x00\r\nQUIT\n")
	v1Signature = []byte("PROXY ")
)

// TLV is a PROXY protocol v2 type-length-value extension field.
type TLV = proxyproto.TLV

// Info is the decoded preamble: the proxied addresses that replace the
// socket peer, and any TLVs carried by a v2 header.
type Info struct {
	Source      net.Addr
	Destination net.Addr
	TLVs        []TLV
	Local       bool
}

// ErrMalformed reports an unparseable preamble.
var ErrMalformed = fmt.Errorf("malformed PROXY protocol header")

// Consume examines the preamble accumulated in buf.
//
// It returns (n, info, nil) with n > 0 when the preamble is complete: n bytes
// were consumed and info carries the proxied addresses. It returns (n, nil,
// nil) with n < 0 when at least -n more bytes are required. It returns
// (0, nil, err) when the prefix cannot be a valid preamble.
func Consume(buf []byte) (int, *Info, error) {
	if isPrefix(buf, v2Signature) {
		if len(buf) < v2HeaderSize {
			return -(v2HeaderSize - len(buf)), nil, nil
		}
		total := v2HeaderSize + int(buf[14])<<8 + int(buf[15])
		if len(buf) < total {
			return -(total - len(buf)), nil, nil
		}
		info, err := parse(buf[:total])
		if err != nil {
			return 0, nil, err
		}
		return total, info, nil
	}

	if isPrefix(buf, v1Signature) {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			if len(buf) >= v1MaximumHeaderSize {
				return 0, nil, ErrMalformed
			}
			return -1, nil, nil
		}
		total := idx + 1
		info, err := parse(buf[:total])
		if err != nil {
			return 0, nil, err
		}
		return total, info, nil
	}

	return 0, nil, ErrMalformed
}

// isPrefix reports whether buf could still grow into sig: either buf starts
// with sig, or buf is shorter than sig and matches its head. A short match
// makes Consume ask for more bytes rather than reject early.
func isPrefix(buf, sig []byte) bool {
	if len(buf) >= len(sig) {
		return bytes.Equal(buf[:len(sig)], sig)
	}
	return bytes.Equal(buf, sig[:len(buf)])
}

func parse(preamble []byte) (*Info, error) {
	h, err := proxyproto.Read(bufio.NewReader(bytes.NewReader(preamble)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	info := &Info{Local: h.Command.IsLocal()}
	if !info.Local {
		info.Source = h.SourceAddr
		info.Destination = h.DestinationAddr
	}
	if tlvs, err := h.TLVs(); err == nil {
		info.TLVs = tlvs
	}
	return info, nil
}

// BuildPayload formats a v2 PROXY header for the given proxied addresses and
// TLVs, ready to be prepended to the first write on a backend connection.
func BuildPayload(src, dst net.Addr, tlvs []TLV) ([]byte, error) {
	srcTCP, ok := src.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("source %v is not a TCP address", src)
	}
	dstTCP, ok := dst.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("destination %v is not a TCP address", dst)
	}

	transport := proxyproto.TCPv4
	if srcTCP.IP.To4() == nil {
		transport = proxyproto.TCPv6
	}

	h := &proxyproto.Header{
		Version:           2,
		Command:           proxyproto.PROXY,
		TransportProtocol: transport,
		SourceAddr:        srcTCP,
		DestinationAddr:   dstTCP,
	}
	if len(tlvs) > 0 {
		if err := h.SetTLVs(tlvs); err != nil {
			return nil, fmt.Errorf("encoding TLVs: %w", err)
		}
	}

	payload, err := h.Format()
	if err != nil {
		return nil, fmt.Errorf("formatting PROXY header: %w", err)
	}
	return payload, nil
}

// TLVsEqual compares two TLV sets for the connection-reuse check: a backend
// connection may only carry further queries whose PROXY TLVs are identical
// to the ones already sent on it.
func TLVsEqual(a, b []TLV) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || !bytes.Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}
