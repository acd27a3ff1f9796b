package frontend

import (
	"crypto/tls"
	"net"
	"time"
)

// Stream abstracts plaintext and TLS client sockets behind one read/write
// surface. The handshake is explicit so the connection state machine can
// account for it; reads and writes take absolute deadlines. Writes absorb
// short writes; reads report how far they got.
type Stream struct {
	conn net.Conn
	tls  *tls.Conn
}

// NewStream wraps an accepted socket. TLS listeners hand in a *tls.Conn.
func NewStream(conn net.Conn) *Stream {
	s := &Stream{conn: conn}
	if tc, ok := conn.(*tls.Conn); ok {
		s.tls = tc
	}
	return s
}

// Handshake drives the TLS handshake to completion; a no-op for plaintext.
func (s *Stream) Handshake(deadline time.Time) error {
	if s.tls == nil {
		return nil
	}
	s.conn.SetDeadline(deadline)
	err := s.tls.Handshake()
	s.conn.SetDeadline(time.Time{})
	return err
}

// Read reads whatever part of buf the stream can deliver, reporting how far
// it got. Callers that must survive a deadline expiry mid-message track the
// position and resume with the remainder.
func (s *Stream) Read(buf []byte, deadline time.Time) (int, error) {
	s.conn.SetReadDeadline(deadline)
	return s.conn.Read(buf)
}

// Write sends buf completely or fails.
func (s *Stream) Write(buf []byte, deadline time.Time) error {
	s.conn.SetWriteDeadline(deadline)
	_, err := s.conn.Write(buf)
	return err
}

// ClearReadDeadline removes any pending read deadline.
func (s *Stream) ClearReadDeadline() {
	s.conn.SetReadDeadline(time.Time{})
}

// IsTLS reports whether the stream runs inside TLS.
func (s *Stream) IsTLS() bool { return s.tls != nil }

// TLSVersion names the negotiated TLS version, or "" for plaintext.
func (s *Stream) TLSVersion() string {
	if s.tls == nil {
		return ""
	}
	switch s.tls.ConnectionState().Version {
	case tls.VersionTLS10:
		return "tls1.0"
	case tls.VersionTLS11:
		return "tls1.1"
	case tls.VersionTLS12:
		return "tls1.2"
	case tls.VersionTLS13:
		return "tls1.3"
	default:
		return "unknown"
	}
}

// Resumed reports whether the TLS session was resumed.
func (s *Stream) Resumed() bool {
	return s.tls != nil && s.tls.ConnectionState().DidResume
}

// ServerName returns the SNI sent by the client, if any.
func (s *Stream) ServerName() string {
	if s.tls == nil {
		return ""
	}
	return s.tls.ConnectionState().ServerName
}

// Close closes the underlying socket.
func (s *Stream) Close() error { return s.conn.Close() }
