package s2s

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sync"

	"mellium.im/sasl"

	"relay.im/s2s/dialback"
	"relay.im/s2s/frame"
	"relay.im/s2s/internal/ns"
	"relay.im/s2s/jid"
	"relay.im/s2s/stanza"
	"relay.im/s2s/stream"
	"relay.im/s2s/transport"
)

// OutgoingSession is the state machine for a stream this domain initiates to
// a remote peer: dial, negotiate STARTTLS and SASL EXTERNAL, falling back to
// Server Dialback only when the peer never offers EXTERNAL at all, then
// drain any stanzas queued for the remote domain.
type OutgoingSession struct {
	ctx          *DomainContext
	remoteDomain string

	socket transport.Socket
	wire   *wire
	state  State
	selfID string

	// dbKey is the key offered in this session's own dialback result, kept
	// around so a <db:verify/> asking about this session's stream ID can be
	// answered by comparing against what was actually sent rather than by
	// recomputing the HMAC independently.
	dbKey string

	mu      sync.Mutex
	queue   []stanza.Stanza
	settled bool
	authed  bool
	waiters []func(bool)
}

func newOutgoingSession(ctx *DomainContext, remoteDomain string) *OutgoingSession {
	return &OutgoingSession{ctx: ctx, remoteDomain: remoteDomain}
}

// enqueue appends st to the pending queue, or writes it immediately if the
// session has already authenticated.
func (s *OutgoingSession) enqueue(st stanza.Stanza) {
	s.mu.Lock()
	if s.state.has(Authed) {
		s.mu.Unlock()
		_ = s.send(st)
		return
	}
	s.queue = append(s.queue, st)
	s.mu.Unlock()
}

// run dials, negotiates and serves the session until it closes. It is
// started in its own goroutine the first time a stanza is queued for
// remoteDomain.
func (s *OutgoingSession) run(ctx context.Context) {
	defer s.end()

	conn, err := s.ctx.dialer().DialDomain(ctx, "tcp", s.remoteDomain)
	if err != nil {
		s.ctx.logf("s2s: outgoing session to %s: dial failed: %v", s.remoteDomain, err)
		return
	}
	s.socket = transport.NewTCPSocket(conn)
	s.wire = newWire(s.socket, s.ctx.cfg.FrameLogger)

	if err := s.open(); err != nil {
		return
	}
	s.ctx.logf("s2s: outgoing stream opened to %s", s.remoteDomain)
	if err := s.negotiate(ctx); err != nil {
		return
	}
	if !s.state.has(Authed) {
		return
	}
	s.resolve(true)
	s.serve()
}

// awaitOnline invokes cb with true once this session has authenticated, or
// with false once it has ended without ever authenticating. If the outcome
// is already known, cb runs immediately; otherwise it is queued and run from
// whichever of resolve's call sites settles the session. It never reports
// true before the session is actually authed, and never reports false while
// negotiation is still in progress.
func (s *OutgoingSession) awaitOnline(cb func(bool)) {
	s.mu.Lock()
	if s.settled {
		ok := s.authed
		s.mu.Unlock()
		cb(ok)
		return
	}
	s.waiters = append(s.waiters, cb)
	s.mu.Unlock()
}

// resolve settles the session's online/offline outcome exactly once, firing
// every waiter registered via awaitOnline. Later calls are no-ops, so both
// the Authed transition in run and the cleanup in end can call it
// unconditionally.
func (s *OutgoingSession) resolve(ok bool) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return
	}
	s.settled = true
	s.authed = ok
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		w(ok)
	}
}

func (s *OutgoingSession) remoteJID() (jid.JID, error) {
	return jid.New("", s.remoteDomain, "")
}

func (s *OutgoingSession) open() error {
	remote, err := s.remoteJID()
	if err != nil {
		return err
	}
	local := s.ctx.localJID()

	if err := s.wire.writeText(func(w io.Writer) error {
		_, err := fmt.Fprintf(w,
			frame.XMLHeader+`<stream:stream to='%s' from='%s' version='%s' xmlns='%s' xmlns:stream='%s' xmlns:db='%s'>`,
			remote.String(), local.String(), frame.DefaultVersion, ns.Server, ns.Stream, dialback.NS,
		)
		return err
	}); err != nil {
		return err
	}

	info, err := frame.ExpectHeader(s.wire.dec)
	if err != nil {
		return err
	}
	s.selfID = info.ID
	s.state |= Connected
	return nil
}

// negotiate reads <stream:features/>, upgrades to TLS and authenticates,
// restarting the stream as each step requires, per RFC 6120 §4.3.2 and
// §5/§6. Server Dialback is only attempted when the peer does not offer
// SASL EXTERNAL at all; if EXTERNAL is offered and fails, negotiate returns
// that failure directly instead of trying dialback. It returns once the
// session is Authed or no further negotiation is possible.
func (s *OutgoingSession) negotiate(ctx context.Context) error {
	for {
		tok, err := s.wire.dec.Token()
		if err != nil {
			return err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "features" || start.Name.Space != ns.Stream {
			continue
		}
		f, err := frame.ParseFeatures(s.wire.dec, start)
		if err != nil {
			return err
		}

		if f.StartTLS && !s.state.has(Secure) {
			if err := s.negotiateStartTLS(ctx); err != nil {
				return err
			}
			continue
		}

		for _, m := range f.Mechanisms {
			if m != "EXTERNAL" {
				continue
			}
			if err := s.negotiateExternal(); err != nil {
				return err
			}
			if s.state.has(Authed) {
				return nil
			}
		}

		return s.negotiateDialback()
	}
}

func (s *OutgoingSession) negotiateStartTLS(ctx context.Context) error {
	if err := s.wire.write(func(enc *xml.Encoder) error { return frame.WriteStartTLS(enc) }); err != nil {
		return err
	}
	tok, err := s.wire.dec.Token()
	if err != nil {
		return err
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != "proceed" || start.Name.Space != ns.StartTLS {
		return stream.UnsupportedFeature
	}
	if err := s.wire.dec.Skip(); err != nil {
		return err
	}

	if err := s.socket.SetSecure(ctx, s.ctx.cfg.Credentials.tlsConfig(), false, s.remoteDomain); err != nil {
		return err
	}
	s.state |= Secure
	s.wire = newWire(s.socket, s.ctx.cfg.FrameLogger)
	s.ctx.logf("s2s: outgoing stream to %s is now TLS-secured", s.remoteDomain)
	return s.restartStream()
}

func (s *OutgoingSession) restartStream() error {
	remote, err := s.remoteJID()
	if err != nil {
		return err
	}
	local := s.ctx.localJID()
	if err := s.wire.writeText(func(w io.Writer) error {
		_, err := fmt.Fprintf(w,
			frame.XMLHeader+`<stream:stream to='%s' from='%s' version='%s' xmlns='%s' xmlns:stream='%s' xmlns:db='%s'>`,
			remote.String(), local.String(), frame.DefaultVersion, ns.Server, ns.Stream, dialback.NS,
		)
		return err
	}); err != nil {
		return err
	}
	info, err := frame.ExpectHeader(s.wire.dec)
	if err != nil {
		return err
	}
	s.selfID = info.ID
	return nil
}

// errSASLFailed is returned by negotiateExternal on a <failure/> response.
// On SASL EXTERNAL failure, the session ends outright rather than falling
// back to Server Dialback: a server that offers EXTERNAL and then rejects
// our certificate has told us something about our identity, not about
// whether dialback would work, so trying it anyway is not attempted.
var errSASLFailed = fmt.Errorf("s2s: SASL EXTERNAL authentication failed")

// negotiateExternal drives a SASL EXTERNAL exchange using the certificate
// presented during the STARTTLS handshake.
func (s *OutgoingSession) negotiateExternal() error {
	local := s.ctx.localJID()
	client := sasl.NewClient(TLSAuth(), sasl.Credentials(func() (Username, Password, Identity []byte) {
		return nil, nil, []byte(local.String())
	}))
	_, resp, err := client.Step(nil)
	if err != nil {
		return err
	}
	if err := s.wire.write(func(enc *xml.Encoder) error {
		return frame.WriteAuth(enc, "EXTERNAL", resp)
	}); err != nil {
		return err
	}

	tok, err := s.wire.dec.Token()
	if err != nil {
		return err
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Space != ns.SASL {
		return stream.NotWellFormed
	}
	if err := s.wire.dec.Skip(); err != nil {
		return err
	}
	switch start.Name.Local {
	case "success":
		s.state |= Authed
		return s.restartStream()
	case "failure":
		return errSASLFailed
	default:
		return stream.UnsupportedStanzaType
	}
}

// negotiateDialback offers a Server Dialback result (XEP-0220 §2.1) and
// waits for the receiving server's verdict. A dedicated connection used
// only to verify someone else's offer is handled separately by
// DomainContext.verifyIncoming; this is the initiating half.
func (s *OutgoingSession) negotiateDialback() error {
	remote, err := s.remoteJID()
	if err != nil {
		return err
	}
	local := s.ctx.localJID()
	key := dialback.Key(s.ctx.cfg.DialbackSecret, local.Domainpart(), remote.Domainpart(), s.selfID)
	s.dbKey = key
	offer := dialback.Result{To: remote, From: local, Key: key}
	if err := s.wire.write(func(enc *xml.Encoder) error { return offer.WriteXML(enc, xml.StartElement{}) }); err != nil {
		return err
	}

	for {
		tok, err := s.wire.dec.Token()
		if err != nil {
			return err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Space != dialback.NS || start.Name.Local != "result" {
			if err := s.wire.dec.Skip(); err != nil {
				return err
			}
			continue
		}
		res, err := dialback.ParseResult(s.wire.dec, start)
		if err != nil {
			return err
		}
		if res.Type != "valid" {
			s.ctx.logf("s2s: dialback offer to %s was rejected", s.remoteDomain)
			return fmt.Errorf("s2s: dialback offer to %s was rejected", s.remoteDomain)
		}
		s.ctx.logf("s2s: dialback offer to %s was accepted", s.remoteDomain)
		s.state |= Authed
		return nil
	}
}

// serve drains the queue built up during negotiation, then keeps reading
// just enough to notice the peer closing the stream; an outgoing session
// does not accept inbound stanzas.
func (s *OutgoingSession) serve() {
	s.drainQueue()
	for {
		tok, err := s.wire.dec.Token()
		if err != nil {
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local == "error" && start.Name.Space == ns.Stream {
			return
		}
		_ = s.wire.dec.Skip()
	}
}

func (s *OutgoingSession) drainQueue() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, st := range pending {
		_ = s.send(st)
	}
}

func (s *OutgoingSession) send(st stanza.Stanza) error {
	return s.wire.write(func(enc *xml.Encoder) error { return st.WriteTo(enc) })
}

// end closes the session and bounces anything left in the queue with
// <remote-server-not-found/>. Stanzas that are themselves
// error responses are dropped rather than bounced, to avoid an infinite
// ping-pong of error replies between two domains that cannot reach each
// other.
func (s *OutgoingSession) end() {
	s.resolve(false)

	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, st := range pending {
		if st.Type == "error" {
			continue
		}
		s.ctx.logf("s2s: bouncing stanza queued for %s: remote-server-not-found", s.remoteDomain)
		s.ctx.deliverLocal(st.Bounce(stanza.Cancel, stanza.RemoteServerNotFound))
	}
	if s.wire != nil {
		_ = s.wire.close()
	}
	s.ctx.removeOut(s)
}
