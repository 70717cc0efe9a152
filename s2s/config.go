// Package s2s implements the server-to-server federation core: the
// incoming and outgoing session state machines, the per-hosted-domain
// DomainContext that pools and authenticates them, and the Router that maps
// a domain name to its DomainContext.
package s2s

import (
	"crypto/tls"
	"crypto/x509"
	"log"
	"time"

	"relay.im/s2s/stanza"
)

// Credentials is the opaque bundle of TLS material a DomainContext presents
// to peers and uses to verify them. It is injected from outside and never
// mutated by the core once installed.
type Credentials struct {
	// Cert is presented during both inbound and outbound TLS handshakes.
	Cert tls.Certificate

	// Roots verifies peer certificates; a nil pool falls back to the host's
	// system roots.
	Roots *x509.CertPool
}

// tlsConfig builds the *tls.Config a transport.Socket.SetSecure call should
// use for this domain's credentials.
func (c Credentials) tlsConfig() *tls.Config {
	cfg := &tls.Config{RootCAs: c.Roots}
	if c.Cert.Certificate != nil {
		cfg.Certificates = []tls.Certificate{c.Cert}
	}
	return cfg
}

// StanzaListener is invoked for every stanza that passes the inbound
// delivery filter: its from/to domains have been validated
// against the authenticated peer and the local hosted domain.
type StanzaListener func(s stanza.Stanza)

// Config carries the policy knobs a DomainContext needs. The zero value is
// usable but accepts no peers: Credentials must be set before any session
// can negotiate TLS, and StanzaListener must be set to receive anything.
type Config struct {
	// Credentials are the local domain's TLS certificate, key and trusted
	// roots.
	Credentials Credentials

	// SecureDomain permits SASL EXTERNAL advertisement once TLS is active
	// and the peer is not yet authenticated. When false, only Server
	// Dialback is offered.
	SecureDomain bool

	// DialbackSecret is the HMAC key used to derive and verify dialback
	// keys for sessions owned by this context. It need not persist across
	// restarts.
	DialbackSecret string

	// AdvertiseBidi makes the context advertise XEP-0288 bidirectional S2S
	// support alongside its SASL mechanisms. Informational only: this
	// module never reuses an incoming stream for outbound delivery, so
	// setting it changes what is advertised, not how stanzas are routed.
	AdvertiseBidi bool

	// StanzaListener receives every stanza that passes inbound filtering.
	// A nil listener silently drops delivered stanzas.
	StanzaListener StanzaListener

	// Logger receives session lifecycle messages. Defaults to log.Default.
	Logger *log.Logger

	// FrameLogger, if non-nil, receives a copy of every raw frame sent or
	// received on any session this context owns.
	FrameLogger interface {
		Write(p []byte) (int, error)
	}

	// Now returns the current time, overridable for deterministic tests.
	// Defaults to time.Now.
	Now func() time.Time
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
