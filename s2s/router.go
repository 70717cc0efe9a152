package s2s

import (
	"context"
	"encoding/xml"
	"sync"

	"relay.im/s2s/frame"
	"relay.im/s2s/stream"
	"relay.im/s2s/transport"
)

// Router maps a hosted domain name to the DomainContext responsible for it.
// A listener hands every accepted connection to Accept, which reads just
// enough of the opening stream header to learn which domain the peer is
// addressing before dispatching to the right context.
type Router struct {
	mu       sync.RWMutex
	byDomain map[string]*DomainContext
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{byDomain: make(map[string]*DomainContext)}
}

// Register associates domain with ctx, replacing any previous registration.
func (r *Router) Register(domain string, ctx *DomainContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDomain[domain] = ctx
}

// Lookup returns the DomainContext registered for domain, if any.
func (r *Router) Lookup(domain string) (*DomainContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.byDomain[domain]
	return ctx, ok
}

// Accept reads the opening stream header from socket, looks up the
// DomainContext for the domain it names and hands the session to it. A
// stream addressed to an unregistered domain is rejected with
// <host-unknown/>.
func (r *Router) Accept(ctx context.Context, socket transport.Socket) {
	w := newWire(socket, nil)
	info, err := frame.ExpectHeader(w.dec)
	if err != nil {
		_ = socket.Close()
		return
	}

	dctx, ok := r.Lookup(info.To.Domainpart())
	if !ok {
		_ = w.write(func(enc *xml.Encoder) error { return frame.WriteStreamError(enc, stream.HostUnknown) })
		_ = w.writeText(frame.WriteClose)
		_ = socket.Close()
		return
	}

	sess := newIncomingSession(dctx, socket)
	sess.wire = newWire(socket, dctx.cfg.FrameLogger)
	if err := sess.acceptHeader(info); err != nil {
		sess.fail(err)
		return
	}
	if err := sess.SendFeatures(); err != nil {
		sess.fail(err)
		return
	}
	sess.Serve(ctx)
}
