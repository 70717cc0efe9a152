// Package ns provides the XML namespace constants used throughout the
// federation core.
package ns

// Namespaces used when negotiating and routing XMPP streams and stanzas.
const (
	// Stream is the namespace of the <stream:stream> wrapper element and its
	// stream-level children (features, error).
	Stream = "http://etherx.jabber.org/streams"

	// Streams is the namespace stream-error conditions are qualified with.
	Streams = "urn:ietf:params:xml:ns:xmpp-streams"

	// Client is the default content namespace of a client-facing stream.
	Client = "jabber:client"

	// Server is the default content namespace of a server-to-server stream.
	Server = "jabber:server"

	// Stanza is the namespace stanza-error conditions are qualified with.
	Stanza = "urn:ietf:params:xml:ns:xmpp-stanzas"

	// SASL is the namespace of SASL negotiation elements.
	SASL = "urn:ietf:params:xml:ns:xmpp-sasl"

	// StartTLS is the namespace of the STARTTLS negotiation elements.
	StartTLS = "urn:ietf:params:xml:ns:xmpp-tls"

	// Dialback is the namespace (conventionally bound to the "db" prefix) of
	// the Server Dialback subprotocol defined by XEP-0220.
	Dialback = "jabber:server:dialback"

	// XML is the namespace of the reserved xml:lang/xml:space attributes.
	XML = "http://www.w3.org/XML/1998/namespace"

	// Bidi is the namespace used to negotiate bidirectional S2S streams
	// (XEP-0288).
	Bidi = "urn:xmpp:bidi"

	// BidiFeature is the stream-feature namespace advertising Bidi support.
	BidiFeature = "urn:xmpp:features:bidi"
)
