package s2s

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/xml"
	"io"
	"net"
	"strings"
	"testing"

	"relay.im/s2s/internal/ns"
	"relay.im/s2s/jid"
	"relay.im/s2s/stanza"
	"relay.im/s2s/stream"
	"relay.im/s2s/transport"
)

var _ transport.Socket = (*fakeCertSocket)(nil)

// fakeCertSocket wraps a real net.Conn for genuine XML I/O (it is one side
// of a net.Pipe) while stubbing the TLS-layer methods a test drives
// directly: SetSecure always "succeeds" without a handshake, and
// Renegotiate/PeerCertificate/Authorized report whatever the test configured
// ahead of time, letting a test exercise IncomingSession.handleSASLAuth's
// renegotiation path without a real certificate exchange.
type fakeCertSocket struct {
	net.Conn

	secure     bool
	cert       *x509.Certificate
	authorized bool

	renegotiateErr  error
	renegotiateCert *x509.Certificate
	renegotiateAuth bool
}

func (f *fakeCertSocket) SetSecure(ctx context.Context, cfg *tls.Config, isServer bool, servername string) error {
	f.secure = true
	return nil
}

func (f *fakeCertSocket) Renegotiate(ctx context.Context, requestCert bool) error {
	if f.renegotiateErr != nil {
		return f.renegotiateErr
	}
	f.cert = f.renegotiateCert
	f.authorized = f.renegotiateAuth
	return nil
}

func (f *fakeCertSocket) PeerCertificate() *x509.Certificate { return f.cert }
func (f *fakeCertSocket) Authorized() bool                   { return f.authorized }
func (f *fakeCertSocket) AuthorizationError() error          { return nil }
func (f *fakeCertSocket) ServerName() string                 { return "" }
func (f *fakeCertSocket) Secure() bool                       { return f.secure }

func certFor(cn string) *x509.Certificate {
	return &x509.Certificate{Subject: pkix.Name{CommonName: cn}}
}

// nextStart reads tokens from d until it finds a StartElement, skipping
// anything else (the leading XML declaration, in particular).
func nextStart(t *testing.T, d *xml.Decoder) xml.StartElement {
	t.Helper()
	for {
		tok, err := d.Token()
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start
		}
	}
}

func authElement(mechanism string) string {
	return `<auth xmlns='` + ns.SASL + `' mechanism='` + mechanism + `'/>`
}

// TestIncomingSessionHandleSASLAuthRenegotiatesForCertificate covers the
// case where the peer's certificate was not presented during the initial
// TLS handshake: handleSASLAuth must ask the socket to renegotiate and
// re-fetch PeerCertificate before deciding, rather than rejecting outright
// just because no certificate was available yet.
func TestIncomingSessionHandleSASLAuthRenegotiatesForCertificate(t *testing.T) {
	conn, peer := net.Pipe()
	defer peer.Close()
	socket := &fakeCertSocket{
		Conn:            conn,
		secure:          true,
		renegotiateCert: certFor("other.example"),
		renegotiateAuth: true,
	}

	ctx := NewDomainContext("example.com", Config{})
	sess := newIncomingSession(ctx, socket)
	sess.state |= Secure
	sess.peer = stream.Info{From: jid.MustParse("other.example")}

	go func() {
		_, _ = io.WriteString(peer, authElement("EXTERNAL"))
	}()
	start := nextStart(t, sess.wire.dec)

	done := make(chan error, 1)
	go func() { done <- sess.handleSASLAuth(context.Background(), start) }()

	out := readUntil(t, peer, "<success")
	go func() {
		_, _ = io.WriteString(peer, `<?xml version="1.0"?><stream:stream to='example.com' from='other.example' version='1.0' xmlns='`+ns.Server+`' xmlns:stream='`+ns.Stream+`'>`)
	}()
	out += readUntil(t, peer, "</features>")
	if err := <-done; err != nil {
		t.Fatalf("handleSASLAuth: %v", err)
	}
	if !strings.Contains(out, "<success") {
		t.Errorf("output %q does not contain a SASL success", out)
	}
	if !sess.state.has(Authed) {
		t.Errorf("session not Authed after a successful renegotiated certificate")
	}
	if sess.authedDomain != "other.example" {
		t.Errorf("authedDomain = %q, want other.example", sess.authedDomain)
	}
}

// TestIncomingSessionHandleSASLAuthRenegotiateFailure covers the other half:
// when Renegotiate itself fails, the session must be rejected with
// not-authorized rather than panicking on a nil certificate or hanging
// waiting for one.
func TestIncomingSessionHandleSASLAuthRenegotiateFailure(t *testing.T) {
	conn, peer := net.Pipe()
	defer peer.Close()
	socket := &fakeCertSocket{
		Conn:           conn,
		secure:         true,
		renegotiateErr: transport.ErrNotSecure,
	}

	ctx := NewDomainContext("example.com", Config{})
	sess := newIncomingSession(ctx, socket)
	sess.state |= Secure
	sess.peer = stream.Info{From: jid.MustParse("other.example")}

	go func() {
		_, _ = io.WriteString(peer, authElement("EXTERNAL"))
	}()
	start := nextStart(t, sess.wire.dec)

	done := make(chan error, 1)
	go func() { done <- sess.handleSASLAuth(context.Background(), start) }()

	out := readUntil(t, peer, "</stream:stream>")
	err := <-done
	if err != errClosed {
		t.Errorf("handleSASLAuth error = %v, want errClosed", err)
	}
	if !strings.Contains(out, "not-authorized") {
		t.Errorf("output %q does not contain not-authorized", out)
	}
	if sess.state.has(Authed) {
		t.Errorf("session Authed despite a failed renegotiation")
	}
	if !sess.state.has(Closed) {
		t.Errorf("session not Closed after sendNotAuthorizedAndClose")
	}
}

// TestIncomingSessionSASLSuccessBeforeStreamRestart covers scenario 7:
// <success/> must reach the wire before the new stream header that follows
// a successful SASL negotiation.
func TestIncomingSessionSASLSuccessBeforeStreamRestart(t *testing.T) {
	conn, peer := net.Pipe()
	defer peer.Close()
	socket := &fakeCertSocket{
		Conn:       conn,
		secure:     true,
		cert:       certFor("other.example"),
		authorized: true,
	}

	ctx := NewDomainContext("example.com", Config{})
	sess := newIncomingSession(ctx, socket)
	sess.state |= Secure
	sess.peer = stream.Info{From: jid.MustParse("other.example")}

	go func() {
		_, _ = io.WriteString(peer, authElement("EXTERNAL"))
	}()
	start := nextStart(t, sess.wire.dec)

	done := make(chan error, 1)
	go func() { done <- sess.handleSASLAuth(context.Background(), start) }()

	out := readUntil(t, peer, "<success")
	go func() {
		_, _ = io.WriteString(peer, `<?xml version="1.0"?><stream:stream to='example.com' from='other.example' version='1.0' xmlns='`+ns.Server+`' xmlns:stream='`+ns.Stream+`'>`)
	}()
	out += readUntil(t, peer, "<stream:stream")
	// Drain the features that follow the restarted header, so the session's
	// write over the unbuffered pipe can complete.
	_ = readUntil(t, peer, "</features>")
	if err := <-done; err != nil {
		t.Fatalf("handleSASLAuth: %v", err)
	}
	successAt := strings.Index(out, "<success")
	streamAt := strings.Index(out, "<stream:stream")
	if successAt == -1 || streamAt == -1 || successAt > streamAt {
		t.Errorf("wire order wrong: got %q, want <success/> before the restarted <stream:stream>", out)
	}
}

// TestIncomingSessionNotAuthorizedClosesBeforeEnding covers scenario 8: a
// rejected SASL attempt must write the failure, then close the stream, then
// tear the session down, strictly in that order, never the reverse.
func TestIncomingSessionNotAuthorizedClosesBeforeEnding(t *testing.T) {
	conn, peer := net.Pipe()
	defer peer.Close()
	socket := &fakeCertSocket{Conn: conn, secure: true}

	ctx := NewDomainContext("example.com", Config{})
	sess := newIncomingSession(ctx, socket)
	sess.state |= Secure
	sess.peer = stream.Info{From: jid.MustParse("other.example")}

	go func() {
		// An unknown mechanism is rejected without even consulting the
		// certificate.
		_, _ = io.WriteString(peer, authElement("PLAIN"))
	}()
	start := nextStart(t, sess.wire.dec)

	done := make(chan error, 1)
	go func() { done <- sess.handleSASLAuth(context.Background(), start) }()

	out := readUntil(t, peer, "</stream:stream>")
	if err := <-done; err != errClosed {
		t.Fatalf("handleSASLAuth error = %v, want errClosed", err)
	}

	failAt := strings.Index(out, "<failure")
	closeAt := strings.Index(out, "</stream:stream>")
	if failAt == -1 || closeAt == -1 || failAt > closeAt {
		t.Errorf("wire order wrong: got %q, want <failure/> before the closing tag", out)
	}
	if !sess.state.has(Closed) {
		t.Errorf("session not Closed after sendNotAuthorizedAndClose returned")
	}
}

// TestIncomingSessionStartTLSProceed covers scenario 9: a <starttls/>
// request gets a <proceed/> response before the socket is asked to secure
// itself.
func TestIncomingSessionStartTLSProceed(t *testing.T) {
	conn, peer := net.Pipe()
	defer peer.Close()
	socket := &fakeCertSocket{Conn: conn}

	ctx := NewDomainContext("example.com", Config{})
	sess := newIncomingSession(ctx, socket)
	sess.peer = stream.Info{From: jid.MustParse("other.example")}

	go func() {
		_, _ = io.WriteString(peer, `<starttls xmlns='`+ns.StartTLS+`'/>`)
	}()
	start := nextStart(t, sess.wire.dec)

	done := make(chan error, 1)
	go func() { done <- sess.handleStartTLS(context.Background(), start) }()

	out := readUntil(t, peer, "<proceed")
	// Hand the restarted session a fresh header so handleStartTLS's call to
	// restartStream (and the SendFeatures that follows) doesn't block
	// forever waiting on one.
	go func() {
		_, _ = io.WriteString(peer, `<?xml version="1.0"?><stream:stream to='example.com' from='other.example' version='1.0' xmlns='`+ns.Server+`' xmlns:stream='`+ns.Stream+`'>`)
	}()
	_ = readUntil(t, peer, "</features>")
	if err := <-done; err != nil {
		t.Fatalf("handleStartTLS: %v", err)
	}
	if !strings.Contains(out, "<proceed") {
		t.Errorf("output %q does not contain proceed", out)
	}
	if !socket.secure {
		t.Errorf("socket was never asked to secure itself")
	}
	if !sess.state.has(Secure) {
		t.Errorf("session not marked Secure after STARTTLS")
	}
}

// TestDomainContextSendMissingToBounceWithoutOutgoingSession covers scenario
// 12: a stanza missing its to address is bounced directly through the
// configured StanzaListener and never reaches an OutgoingSession at all.
func TestDomainContextSendMissingToBounceWithoutOutgoingSession(t *testing.T) {
	var bounced []stanza.Stanza
	ctx := NewDomainContext("example.com", Config{
		StanzaListener: func(s stanza.Stanza) { bounced = append(bounced, s) },
	})

	ctx.Send(stanza.Stanza{From: jid.MustParse("example.com")})

	if len(bounced) != 1 {
		t.Fatalf("bounced %d stanzas, want 1", len(bounced))
	}
	if bounced[0].Type != "error" {
		t.Errorf("bounced stanza Type = %q, want error", bounced[0].Type)
	}

	ctx.mu.Lock()
	n := len(ctx.out)
	ctx.mu.Unlock()
	if n != 0 {
		t.Errorf("Send created %d outgoing sessions for a stanza with no destination, want 0", n)
	}
}
