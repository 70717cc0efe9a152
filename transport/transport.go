// Package transport defines the socket capability a session negotiates
// over and provides a default TCP/TLS implementation of it.
//
// The federation core never holds a concrete *net.TCPConn or *tls.Conn; it
// only ever holds a Socket, so tests can supply a stub that fakes TLS
// negotiation and certificate presentation without opening a real network
// connection.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
)

// Socket is the capability set a session negotiates a stream over: a
// plain-text or already-secured byte stream that can be asked to become
// secure in place (STARTTLS) and, once secure, questioned about the peer's
// certificate.
type Socket interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error

	// SetSecure upgrades the socket to TLS in place. isServer selects which
	// side of the handshake to perform; servername is the name the client
	// side verifies the peer's certificate against (ignored, and may be
	// left empty, when isServer is true).
	SetSecure(ctx context.Context, cfg *tls.Config, isServer bool, servername string) error

	// Renegotiate asks the peer to present (or re-present) a certificate
	// over an already-secure socket, used when a SASL EXTERNAL attempt
	// arrives on a stream whose TLS handshake carried no peer certificate.
	Renegotiate(ctx context.Context, requestCert bool) error

	// PeerCertificate returns the certificate the remote end presented
	// during the TLS handshake, or nil if the socket is not secure or the
	// peer presented none.
	PeerCertificate() *x509.Certificate

	// Authorized reports whether the peer's certificate chain validated
	// against the verifier configured in SetSecure's tls.Config.
	Authorized() bool

	// AuthorizationError returns the reason Authorized is false, or nil.
	AuthorizationError() error

	// ServerName returns the name used to verify the peer's certificate, or
	// the empty string if the socket is not secure.
	ServerName() string

	// Secure reports whether SetSecure has completed successfully.
	Secure() bool
}

// ErrNotSecure is returned by Renegotiate when called before SetSecure.
var ErrNotSecure = errors.New("transport: socket is not secure")

// TCPSocket is the default Socket implementation, backed by a plain TCP
// connection that SetSecure upgrades to TLS in place.
type TCPSocket struct {
	conn net.Conn
	tls  *tls.Conn

	servername string
	authorized bool
	authErr    error

	// cfg and isServer are the tls.Config and handshake role from the last
	// SetSecure call, kept around so Renegotiate can re-validate the peer's
	// certificate the same way SetSecure checked it.
	cfg      *tls.Config
	isServer bool
}

// NewTCPSocket wraps an already-established connection (typically the
// result of net.Dial or a net.Listener's Accept) as a Socket.
func NewTCPSocket(conn net.Conn) *TCPSocket {
	return &TCPSocket{conn: conn}
}

func (s *TCPSocket) active() net.Conn {
	if s.tls != nil {
		return s.tls
	}
	return s.conn
}

// Read satisfies io.Reader.
func (s *TCPSocket) Read(p []byte) (int, error) { return s.active().Read(p) }

// Write satisfies io.Writer.
func (s *TCPSocket) Write(p []byte) (int, error) { return s.active().Write(p) }

// Close satisfies io.Closer.
func (s *TCPSocket) Close() error { return s.active().Close() }

// SetSecure upgrades the connection to TLS, performing a client or server
// handshake depending on isServer. On the server side, servername is not
// used by the handshake itself, since the client's claimed identity is only
// known once the stream header is read, above the TLS layer. The resulting
// certificate chain is still validated against cfg.RootCAs so Authorized
// can report whether the peer's certificate is trusted at all, leaving
// hostname verification to the caller once it knows what name to check.
func (s *TCPSocket) SetSecure(ctx context.Context, cfg *tls.Config, isServer bool, servername string) error {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if isServer {
		cfg.ClientAuth = tls.RequestClientCert
	} else {
		cfg.ServerName = servername
	}
	s.servername = servername
	s.cfg = cfg
	s.isServer = isServer

	var conn *tls.Conn
	if isServer {
		conn = tls.Server(s.conn, cfg)
	} else {
		conn = tls.Client(s.conn, cfg)
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		s.authErr = err
		return err
	}
	s.tls = conn
	s.checkAuthorized(conn.ConnectionState())
	return nil
}

// checkAuthorized validates whatever certificate state's PeerCertificates
// carries against s.cfg, updating s.authorized/s.authErr. It is shared by
// SetSecure and Renegotiate so both apply exactly the same check.
func (s *TCPSocket) checkAuthorized(state tls.ConnectionState) {
	if len(state.PeerCertificates) == 0 {
		s.authorized = false
		s.authErr = nil
		return
	}
	dnsName := ""
	if !s.isServer {
		dnsName = s.servername
	}
	if err := verifyPeer(state, s.cfg, dnsName); err != nil {
		s.authErr = err
		s.authorized = false
	} else {
		s.authErr = nil
		s.authorized = true
	}
}

func verifyPeer(state tls.ConnectionState, cfg *tls.Config, servername string) error {
	opts := x509.VerifyOptions{
		Roots:         cfg.RootCAs,
		Intermediates: x509.NewCertPool(),
		DNSName:       servername,
	}
	for _, cert := range state.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := state.PeerCertificates[0].Verify(opts)
	return err
}

// Renegotiate re-checks the peer certificate of an already-secure
// connection and updates Authorized and AuthorizationError from it. It does
// not start a new TLS handshake and does not use requestCert:
// HandshakeContext returns at once on a connection whose handshake has
// completed, so the certificate checked is the one presented during
// SetSecure.
func (s *TCPSocket) Renegotiate(ctx context.Context, requestCert bool) error {
	if s.tls == nil {
		return ErrNotSecure
	}
	// crypto/tls as of Go 1.21 does not support server-initiated
	// renegotiation to request a certificate after the handshake; callers
	// that need mid-stream reauthentication must close and restart the
	// stream instead (RFC 6120 §5.4.2.2 permits this).
	if err := s.tls.HandshakeContext(ctx); err != nil {
		return err
	}
	s.checkAuthorized(s.tls.ConnectionState())
	return nil
}

// PeerCertificate returns the leaf certificate presented by the peer, if
// any.
func (s *TCPSocket) PeerCertificate() *x509.Certificate {
	if s.tls == nil {
		return nil
	}
	certs := s.tls.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil
	}
	return certs[0]
}

// Authorized reports whether the peer's certificate was verified.
func (s *TCPSocket) Authorized() bool { return s.authorized }

// AuthorizationError returns the reason Authorized is false.
func (s *TCPSocket) AuthorizationError() error { return s.authErr }

// ServerName returns the name the peer's certificate was verified against.
func (s *TCPSocket) ServerName() string { return s.servername }

// Secure reports whether SetSecure has completed.
func (s *TCPSocket) Secure() bool { return s.tls != nil }
