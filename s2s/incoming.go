package s2s

import (
	"context"
	"crypto/x509"
	"encoding/xml"
	"fmt"
	"io"

	"relay.im/s2s/dialback"
	"relay.im/s2s/frame"
	"relay.im/s2s/internal/attr"
	"relay.im/s2s/internal/ns"
	"relay.im/s2s/stanza"
	"relay.im/s2s/stream"
	"relay.im/s2s/transport"
)

// IncomingSession is the state machine for a peer-initiated S2S stream:
// Opened → Featured → TlsNegotiated → Authed, with sub-paths for SASL
// EXTERNAL and Server Dialback, per RFC 6120 §4/§5/§6 and XEP-0220.
type IncomingSession struct {
	ctx    *DomainContext
	wire   *wire
	socket transport.Socket
	state  State
	peer   stream.Info
	selfID string

	// authedDomain is the peer domain verified by EXTERNAL or dialback.
	// Only valid once state.has(Authed).
	authedDomain string

	peerBidi bool
}

// newIncomingSession wraps an accepted socket. It performs no I/O.
func newIncomingSession(ctx *DomainContext, socket transport.Socket) *IncomingSession {
	return &IncomingSession{
		ctx:    ctx,
		socket: socket,
		wire:   newWire(socket, ctx.cfg.FrameLogger),
		state:  Received,
	}
}

// Open performs the opening stream-header exchange: it reads the peer's
// <stream:stream>, records it, chooses a fresh stream ID and responds with
// our own header. It deliberately does not send features: a host must call
// SendFeatures explicitly; features are never emitted synchronously on
// connect.
func (s *IncomingSession) Open(ctx context.Context) error {
	info, err := frame.ExpectHeader(s.wire.dec)
	if err != nil {
		return err
	}
	return s.acceptHeader(info)
}

// acceptHeader records an already-parsed opening header and replies with
// our own. It is split out from Open so a Router, which must parse the
// header itself to pick the right DomainContext, can hand the result
// straight to a session without decoding it twice.
func (s *IncomingSession) acceptHeader(info stream.Info) error {
	s.peer = info
	s.selfID = attr.RandomID()
	s.state |= Connected

	if err := s.wire.writeText(func(w io.Writer) error {
		return frame.SendHeader(w, s.ctx.localJID(), info.From, s.selfID)
	}); err != nil {
		return err
	}
	s.ctx.logf("s2s: incoming stream opened from %s", info.From)
	return nil
}

// SendFeatures emits <stream:features/>: STARTTLS before the stream is
// secured, then EXTERNAL iff the context's policy permits it on a secure,
// not-yet-authed stream. Server Dialback is never listed here; XEP-0220
// offers are accepted at any time without being advertised as a feature.
func (s *IncomingSession) SendFeatures() error {
	f := frame.Features{}
	if !s.state.has(Secure) {
		f.StartTLS = true
	} else if s.ctx.cfg.SecureDomain && !s.state.has(Authed) {
		f.Mechanisms = []string{"EXTERNAL"}
	}
	if s.ctx.cfg.AdvertiseBidi && s.state.has(Secure) {
		f.Bidi = true
	}
	return s.wire.write(func(enc *xml.Encoder) error {
		return frame.WriteFeatures(enc, f)
	})
}

// Serve runs the session's read loop until the stream closes or a fatal
// error occurs. It is intended to be run in its own goroutine.
func (s *IncomingSession) Serve(ctx context.Context) {
	defer s.end()

	for {
		tok, err := s.wire.dec.Token()
		if err != nil {
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if err := s.dispatch(ctx, start); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *IncomingSession) dispatch(ctx context.Context, start xml.StartElement) error {
	switch {
	case start.Name.Space == ns.StartTLS && start.Name.Local == "starttls":
		return s.handleStartTLS(ctx, start)
	case start.Name.Space == ns.SASL && start.Name.Local == "auth":
		return s.handleSASLAuth(ctx, start)
	case start.Name.Space == dialback.NS && start.Name.Local == "result":
		return s.handleDialbackResult(start)
	case start.Name.Space == dialback.NS && start.Name.Local == "verify":
		return s.handleDialbackVerify(start)
	case stanza.Is(start.Name):
		return s.handleStanza(start)
	case start.Name.Local == "error" && start.Name.Space == ns.Stream:
		var se stream.Error
		if err := s.wire.dec.DecodeElement(&se, &start); err != nil {
			return nil
		}
		return se
	default:
		return stream.UnsupportedStanzaType
	}
}

func (s *IncomingSession) handleStartTLS(ctx context.Context, start xml.StartElement) error {
	if err := s.wire.dec.Skip(); err != nil {
		return err
	}
	if err := s.wire.write(func(enc *xml.Encoder) error { return frame.WriteProceed(enc) }); err != nil {
		return err
	}
	// servername is left undefined for inbound STARTTLS (RFC 6120 §5.4.3.3
	// does not require it server-side).
	if err := s.socket.SetSecure(ctx, s.ctx.cfg.Credentials.tlsConfig(), true, ""); err != nil {
		return err
	}
	s.state |= Secure
	s.wire = newWire(s.socket, s.ctx.cfg.FrameLogger)
	s.ctx.logf("s2s: incoming stream from %s is now TLS-secured", s.peer.From)
	return s.restartStream()
}

func (s *IncomingSession) restartStream() error {
	info, err := frame.ExpectHeader(s.wire.dec)
	if err != nil {
		return err
	}
	s.peer = info
	s.selfID = attr.RandomID()
	if err := s.wire.writeText(func(w io.Writer) error {
		return frame.SendHeader(w, s.ctx.localJID(), info.From, s.selfID)
	}); err != nil {
		return err
	}
	return s.SendFeatures()
}

func (s *IncomingSession) handleSASLAuth(ctx context.Context, start xml.StartElement) error {
	mechanism := attr.Get(start.Attr, "mechanism")
	if err := s.wire.dec.Skip(); err != nil {
		return err
	}
	if mechanism != "EXTERNAL" || !s.state.has(Secure) {
		return s.sendNotAuthorizedAndClose()
	}

	cert := s.socket.PeerCertificate()
	if cert == nil {
		if err := s.socket.Renegotiate(ctx, true); err != nil {
			return s.sendNotAuthorizedAndClose()
		}
		cert = s.socket.PeerCertificate()
	}
	return s.verifyCertificate(cert)
}

// verifyCertificate checks the peer's certificate against the identity it
// claimed in its own <stream:stream from='...'/>, since inbound STARTTLS
// never establishes a servername at the TLS layer — the only claim
// available is the one made in the stream header itself.
func (s *IncomingSession) verifyCertificate(cert *x509.Certificate) error {
	if !s.socket.Authorized() {
		return s.sendNotAuthorizedAndClose()
	}
	claimed := s.peer.From.Domainpart()
	if !matchesIdentity(claimed, cert) {
		return s.sendNotAuthorizedAndClose()
	}
	return s.onSASLAuth(claimed)
}

func (s *IncomingSession) onSASLAuth(domain string) error {
	if err := s.wire.write(func(enc *xml.Encoder) error { return frame.WriteSuccess(enc) }); err != nil {
		return err
	}
	s.state |= Authed
	s.authedDomain = domain
	s.ctx.logf("s2s: %s authenticated via SASL EXTERNAL", domain)

	if err := s.restartStream(); err != nil {
		return err
	}
	s.ctx.addInStream(domain, s)
	return nil
}

func (s *IncomingSession) handleDialbackResult(start xml.StartElement) error {
	res, err := dialback.ParseResult(s.wire.dec, start)
	if err != nil {
		return err
	}
	from := res.From.Domainpart()
	to := res.To.Domainpart()
	s.ctx.verifyIncoming(from, s, res.Key, func(ok bool) {
		typ := "invalid"
		if ok {
			typ = "valid"
		}
		s.ctx.logf("s2s: dialback result for %s -> %s: %s", from, to, typ)
		reply := dialback.Result{To: res.From, From: res.To, Type: typ}
		_ = s.wire.write(func(enc *xml.Encoder) error { return reply.WriteXML(enc, xml.StartElement{}) })
		if ok {
			s.authedDomain = from
			s.state |= Authed
			s.ctx.addInStream(from, s)
		} else {
			s.fail(fmt.Errorf("s2s: dialback verification failed for %s -> %s", from, to))
		}
	})
	return nil
}

// handleDialbackVerify answers a <db:verify/> sent to us because we are the
// authoritative server for the domain the verifying server is checking. The
// id/key pair is correlated against this context's own OutgoingSession to
// the verifying domain, not recomputed independently, so the answer reflects
// what that session actually offered rather than what the HMAC alone would
// allow; see DomainContext.verifyDialback.
func (s *IncomingSession) handleDialbackVerify(start xml.StartElement) error {
	v, err := dialback.ParseVerify(s.wire.dec, start)
	if err != nil {
		return err
	}
	s.ctx.verifyDialback(v.From.Domainpart(), v.ID, v.Key, func(ok bool) {
		typ := "invalid"
		if ok {
			typ = "valid"
		}
		reply := dialback.Verify{To: v.From, From: v.To, ID: v.ID, Type: typ}
		_ = s.wire.write(func(enc *xml.Encoder) error { return reply.WriteXML(enc, xml.StartElement{}) })
	})
	return nil
}

func (s *IncomingSession) handleStanza(start xml.StartElement) error {
	st, err := stanza.Decode(s.wire.dec, start)
	if err != nil {
		return err
	}
	if !s.state.has(Authed) {
		return stream.NotAuthorized
	}
	return s.ctx.filterAndDeliver(s.authedDomain, st)
}

// sendNotAuthorizedAndClose sends a SASL failure, then closes the stream,
// then tears the session down, strictly in that order.
func (s *IncomingSession) sendNotAuthorizedAndClose() error {
	_ = s.wire.write(func(enc *xml.Encoder) error { return frame.WriteSASLFailure(enc, "not-authorized") })
	_ = s.closeStream()
	s.end()
	return errClosed
}

func (s *IncomingSession) closeStream() error {
	return s.wire.writeText(frame.WriteClose)
}

func (s *IncomingSession) fail(err error) {
	if se, ok := asStreamError(err); ok {
		_ = s.wire.write(func(enc *xml.Encoder) error { return frame.WriteStreamError(enc, se) })
	}
	_ = s.closeStream()
	s.end()
}

func (s *IncomingSession) end() {
	if s.state.has(Closed) {
		return
	}
	s.state |= Closed
	_ = s.wire.close()
	s.ctx.removeIn(s)
}
