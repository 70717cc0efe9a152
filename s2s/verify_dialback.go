package s2s

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"

	"relay.im/s2s/dialback"
	"relay.im/s2s/frame"
	"relay.im/s2s/internal/ns"
	"relay.im/s2s/jid"
	"relay.im/s2s/transport"
)

// sendVerify opens a short-lived connection to fromDomain purely to ask
// whether streamID/key is a key it actually issued, per XEP-0220 §3.2, and
// reports the verdict. Any failure to connect or a malformed reply is
// treated as an invalid key rather than retried.
func (c *DomainContext) sendVerify(fromDomain, streamID, key string) bool {
	conn, err := c.dialer().DialDomain(context.Background(), "tcp", fromDomain)
	if err != nil {
		return false
	}
	defer conn.Close()

	socket := transport.NewTCPSocket(conn)
	w := newWire(socket, c.cfg.FrameLogger)

	remote, err := jid.New("", fromDomain, "")
	if err != nil {
		return false
	}
	local := c.localJID()

	if err := w.writeText(func(wr io.Writer) error {
		_, err := fmt.Fprintf(wr,
			frame.XMLHeader+`<stream:stream to='%s' from='%s' version='%s' xmlns='%s' xmlns:stream='%s' xmlns:db='%s'>`,
			remote.String(), local.String(), frame.DefaultVersion, ns.Server, ns.Stream, dialback.NS,
		)
		return err
	}); err != nil {
		return false
	}
	if _, err := frame.ExpectHeader(w.dec); err != nil {
		return false
	}

	v := dialback.Verify{To: remote, From: local, ID: streamID, Key: key}
	if err := w.write(func(enc *xml.Encoder) error { return v.WriteXML(enc, xml.StartElement{}) }); err != nil {
		return false
	}

	for {
		tok, err := w.dec.Token()
		if err != nil {
			return false
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Space != dialback.NS || start.Name.Local != "verify" {
			if err := w.dec.Skip(); err != nil {
				return false
			}
			continue
		}
		reply, err := dialback.ParseVerify(w.dec, start)
		if err != nil {
			return false
		}
		return reply.Type == "valid"
	}
}
