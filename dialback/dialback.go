// Package dialback implements the Server Dialback subprotocol (XEP-0220)
// used to authenticate a server-to-server stream's origin when no other
// mechanism (TLS client certificates, SASL EXTERNAL) is available or
// desired.
package dialback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"

	"relay.im/s2s/jid"
)

// NS is the dialback namespace, conventionally bound to the "db" prefix on
// the stream element.
const NS = "jabber:server:dialback"

// Key derives the dialback key a domain owner uses to both offer and verify
// a dialback result, per XEP-0220 §3.2: the HMAC-SHA256 of the from/to/id
// triple, keyed on the SHA-256 digest of the shared secret, hex encoded.
func Key(secret, from, to, streamID string) string {
	digest := sha256.Sum256([]byte(secret))
	mac := hmac.New(sha256.New, digest[:])
	io.WriteString(mac, from)
	io.WriteString(mac, " ")
	io.WriteString(mac, to)
	io.WriteString(mac, " ")
	io.WriteString(mac, streamID)
	return hex.EncodeToString(mac.Sum(nil))
}

// Result is a <db:result/> element. When Type is empty and Key is set it is
// an offer sent on a newly opened outgoing stream; when Type is set it is
// the receiving server's verdict on that offer.
type Result struct {
	To   jid.JID
	From jid.JID
	Type string
	Key  string
}

// TokenReader returns a stream of tokens encoding the result.
func (r Result) TokenReader() xml.TokenReader {
	start := xml.StartElement{Name: xml.Name{Space: NS, Local: "result"}}
	start.Attr = appendAddrAttrs(start.Attr, r.To, r.From, r.Type)
	if r.Key == "" {
		return xmlstream.Wrap(nil, start)
	}
	return xmlstream.Wrap(charData(r.Key), start)
}

// WriteXML satisfies the xmlstream.Marshaler interface.
func (r Result) WriteXML(w xmlstream.TokenWriteFlusher, _ xml.StartElement) error {
	if _, err := xmlstream.Copy(w, r.TokenReader()); err != nil {
		return err
	}
	return w.Flush()
}

// ParseResult parses a <db:result/> start element into a Result. The caller
// is expected to have already decided, from start.Name, that this is a
// dialback result rather than a verify request.
func ParseResult(d *xml.Decoder, start xml.StartElement) (Result, error) {
	parsed := struct {
		XMLName xml.Name
		To      jid.JID `xml:"to,attr"`
		From    jid.JID `xml:"from,attr"`
		Type    string  `xml:"type,attr"`
		Key     string  `xml:",chardata"`
	}{}
	if err := d.DecodeElement(&parsed, &start); err != nil {
		return Result{}, err
	}
	return Result{To: parsed.To, From: parsed.From, Type: parsed.Type, Key: parsed.Key}, nil
}

// Verify is a <db:verify/> element, used by the receiving server to ask the
// originating server's authoritative server whether a dialback key it was
// offered is genuine.
type Verify struct {
	To   jid.JID
	From jid.JID
	ID   string
	Type string
	Key  string
}

// TokenReader returns a stream of tokens encoding the verify request or
// response.
func (v Verify) TokenReader() xml.TokenReader {
	start := xml.StartElement{Name: xml.Name{Space: NS, Local: "verify"}}
	start.Attr = appendAddrAttrs(start.Attr, v.To, v.From, v.Type)
	if v.ID != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: v.ID})
	}
	if v.Key == "" {
		return xmlstream.Wrap(nil, start)
	}
	return xmlstream.Wrap(charData(v.Key), start)
}

// WriteXML satisfies the xmlstream.Marshaler interface.
func (v Verify) WriteXML(w xmlstream.TokenWriteFlusher, _ xml.StartElement) error {
	if _, err := xmlstream.Copy(w, v.TokenReader()); err != nil {
		return err
	}
	return w.Flush()
}

// ParseVerify parses a <db:verify/> start element into a Verify.
func ParseVerify(d *xml.Decoder, start xml.StartElement) (Verify, error) {
	parsed := struct {
		XMLName xml.Name
		To      jid.JID `xml:"to,attr"`
		From    jid.JID `xml:"from,attr"`
		ID      string  `xml:"id,attr"`
		Type    string  `xml:"type,attr"`
		Key     string  `xml:",chardata"`
	}{}
	if err := d.DecodeElement(&parsed, &start); err != nil {
		return Verify{}, err
	}
	return Verify{To: parsed.To, From: parsed.From, ID: parsed.ID, Type: parsed.Type, Key: parsed.Key}, nil
}

func appendAddrAttrs(attr []xml.Attr, to, from jid.JID, typ string) []xml.Attr {
	if toAttr, _ := to.MarshalXMLAttr(xml.Name{Local: "to"}); toAttr.Value != "" {
		attr = append(attr, toAttr)
	}
	if fromAttr, _ := from.MarshalXMLAttr(xml.Name{Local: "from"}); fromAttr.Value != "" {
		attr = append(attr, fromAttr)
	}
	if typ != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: typ})
	}
	return attr
}

func charData(s string) xml.TokenReader {
	done := false
	return xmlstream.ReaderFunc(func() (xml.Token, error) {
		if done {
			return nil, io.EOF
		}
		done = true
		return xml.CharData(s), io.EOF
	})
}
