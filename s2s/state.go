package s2s

// State is a bitmask describing the current state of a session, mirroring
// the boolean flags a session tracks
// (is_connected, is_secure, is_authed) plus Received and Closed, which are
// not.
type State uint8

const (
	// Connected indicates that the opening stream handshake has completed
	// on this side: a stream header has been sent and one has been
	// received.
	Connected State = 1 << iota

	// Secure indicates that TLS is active on the underlying socket.
	Secure

	// Authed indicates that the peer's claimed domain has been verified,
	// either via SASL EXTERNAL or Server Dialback. Once set it is never
	// cleared; a verification failure closes the session instead.
	Authed

	// Received indicates that this session was initiated by the peer
	// (an IncomingSession) rather than by us (an OutgoingSession).
	Received

	// Closed indicates that end has already run once; further calls are a
	// no-op.
	Closed
)

func (s State) has(bit State) bool { return s&bit == bit }
