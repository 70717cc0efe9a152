// Package stanza contains the XMPP stanza types (<iq/>, <message/>,
// <presence/>) as routed, rather than interpreted, by the federation core.
//
// The core never needs to know what a stanza's payload means; it only ever
// inspects the name, from, to, type and id of a top-level stream child
// before forwarding or bouncing it. Stanza captures exactly that much and
// keeps the rest of the element as opaque inner XML so it can be forwarded
// byte for byte.
package stanza

import (
	"bytes"
	"encoding/xml"

	"relay.im/s2s/internal/ns"
	"relay.im/s2s/jid"
)

// Stanza is a <iq/>, <message/> or <presence/> element addressed between two
// domains. Everything below the top-level attributes is kept as opaque inner
// XML; the core forwards it unmodified.
type Stanza struct {
	XMLName xml.Name
	To      jid.JID `xml:"to,attr"`
	From    jid.JID `xml:"from,attr"`
	Type    string  `xml:"type,attr,omitempty"`
	ID      string  `xml:"id,attr,omitempty"`
	Lang    string  `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Inner   string  `xml:",innerxml"`
}

// Is reports whether name is one of the three stanza names in a content
// namespace the core understands (jabber:client or jabber:server).
func Is(name xml.Name) bool {
	switch name.Local {
	case "iq", "message", "presence":
	default:
		return false
	}
	switch name.Space {
	case ns.Client, ns.Server:
		return true
	default:
		return false
	}
}

// Decode reads a Stanza from d, given its already-consumed start element.
func Decode(d *xml.Decoder, start xml.StartElement) (Stanza, error) {
	var s Stanza
	if err := d.DecodeElement(&s, &start); err != nil {
		return Stanza{}, err
	}
	return s, nil
}

// WriteTo marshals the stanza back onto the wire, preserving its namespace
// and opaque payload unchanged.
func (s Stanza) WriteTo(w *xml.Encoder) error {
	if err := w.Encode(s); err != nil {
		return err
	}
	return w.Flush()
}

// Bounce returns a copy of s with from and to swapped and an <error/> child
// of the given type and condition appended, as described by RFC 6120
// §8.3.3. The original children are preserved so the recipient can tell
// which request failed.
func (s Stanza) Bounce(typ ErrorType, cond Condition) Stanza {
	var buf bytes.Buffer
	buf.WriteString(s.Inner)
	e := Error{Type: typ, Condition: cond}
	enc := xml.NewEncoder(&buf)
	_ = e.WriteXML(enc, xml.StartElement{})

	return Stanza{
		XMLName: s.XMLName,
		To:      s.From,
		From:    s.To,
		Type:    "error",
		ID:      s.ID,
		Lang:    s.Lang,
		Inner:   buf.String(),
	}
}
