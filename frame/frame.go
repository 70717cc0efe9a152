// Package frame encodes and decodes the individual XML frames exchanged
// while negotiating a server-to-server stream: the opening stream header,
// the feature list, STARTTLS negotiation, SASL negotiation, and stream
// errors and closes. Everything after negotiation (stanzas) is handled by
// package stanza instead.
package frame

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"

	"mellium.im/xmlstream"

	"relay.im/s2s/internal/ns"
	"relay.im/s2s/jid"
	"relay.im/s2s/stream"
)

// XMLHeader is the XML declaration written before every stream header, as
// RFC 6120 §4.7.2 recommends but does not require.
const XMLHeader = `<?xml version="1.0"?>`

// DefaultVersion is the only stream version this module negotiates.
var DefaultVersion = stream.Version{Major: 1, Minor: 0}

// SendHeader writes an opening <stream:stream> tag (and its XML
// declaration) addressed from "from" to "to". id is included only when
// non-empty; the receiving entity supplies it, the initiating entity does
// not.
func SendHeader(w io.Writer, from, to jid.JID, id string) error {
	idAttr := ""
	if id != "" {
		idAttr = ` id='` + id + `'`
	}
	_, err := fmt.Fprintf(w,
		XMLHeader+`<stream:stream%s to='%s' from='%s' version='%s' xmlns='%s' xmlns:stream='%s'>`,
		idAttr, to.String(), from.String(), DefaultVersion, ns.Server, ns.Stream,
	)
	return err
}

// ExpectHeader reads tokens from d until it finds the opening
// <stream:stream> element (skipping a leading XML declaration, if any) and
// returns the metadata it carried. A <stream:error/> encountered instead is
// decoded and returned as the error.
func ExpectHeader(d *xml.Decoder) (stream.Info, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return stream.Info{}, err
		}
		switch t := tok.(type) {
		case xml.ProcInst:
			continue
		case xml.StartElement:
			if t.Name.Local == "error" && t.Name.Space == ns.Stream {
				var se stream.Error
				if err := d.DecodeElement(&se, &t); err != nil {
					return stream.Info{}, err
				}
				return stream.Info{}, se
			}
			if t.Name.Local != "stream" || t.Name.Space != ns.Stream {
				return stream.Info{}, stream.BadFormat
			}
			var info stream.Info
			if err := (&info).FromStartElement(t); err != nil {
				return stream.Info{}, err
			}
			if !info.Version.AtLeast(DefaultVersion) {
				return stream.Info{}, stream.UnsupportedVersion
			}
			return info, nil
		case xml.EndElement:
			return stream.Info{}, stream.NotWellFormed
		default:
			continue
		}
	}
}

// Features is the set of stream features advertised by a receiving server.
type Features struct {
	// StartTLS is advertised before the stream is secured, offering TLS.
	StartTLS bool

	// Mechanisms lists the SASL mechanisms available, advertised only once
	// the stream is secured (conventionally just EXTERNAL for S2S).
	Mechanisms []string

	Bidi bool
}

// WriteFeatures writes the <stream:features/> element advertising STARTTLS,
// the SASL mechanisms available, and, optionally, support for XEP-0288
// bidirectional streams.
func WriteFeatures(w xmlstream.TokenWriteFlusher, f Features) error {
	var children []xml.TokenReader
	if f.StartTLS {
		children = append(children, xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: ns.StartTLS, Local: "starttls"}}))
	}
	if len(f.Mechanisms) > 0 {
		var mechs []xml.TokenReader
		for _, m := range f.Mechanisms {
			mechs = append(mechs, xmlstream.Wrap(xmlstream.Token(xml.CharData(m)), xml.StartElement{Name: xml.Name{Local: "mechanism"}}))
		}
		children = append(children, xmlstream.Wrap(
			xmlstream.MultiReader(mechs...),
			xml.StartElement{Name: xml.Name{Space: ns.SASL, Local: "mechanisms"}},
		))
	}
	if f.Bidi {
		children = append(children, xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: ns.BidiFeature, Local: "bidi"}}))
	}
	start := xml.StartElement{Name: xml.Name{Space: ns.Stream, Local: "features"}}
	_, err := xmlstream.Copy(w, xmlstream.Wrap(xmlstream.MultiReader(children...), start))
	if err != nil {
		return err
	}
	return w.Flush()
}

// ParseFeatures decodes a <stream:features/> element already consumed as
// start.
func ParseFeatures(d *xml.Decoder, start xml.StartElement) (Features, error) {
	parsed := struct {
		XMLName    xml.Name
		StartTLS   *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-tls starttls"`
		Mechanisms struct {
			Mechanism []string `xml:"mechanism"`
		} `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
		Bidi *struct{} `xml:"urn:xmpp:features:bidi bidi"`
	}{}
	if err := d.DecodeElement(&parsed, &start); err != nil {
		return Features{}, err
	}
	return Features{
		StartTLS:   parsed.StartTLS != nil,
		Mechanisms: parsed.Mechanisms.Mechanism,
		Bidi:       parsed.Bidi != nil,
	}, nil
}

// WriteStartTLS writes the initiating entity's <starttls/> request.
func WriteStartTLS(w xmlstream.TokenWriteFlusher) error {
	return writeEmpty(w, xml.Name{Space: ns.StartTLS, Local: "starttls"})
}

// WriteProceed writes the receiving entity's <proceed/> response.
func WriteProceed(w xmlstream.TokenWriteFlusher) error {
	return writeEmpty(w, xml.Name{Space: ns.StartTLS, Local: "proceed"})
}

// WriteTLSFailure writes the receiving entity's <failure/> response when it
// cannot or will not negotiate TLS.
func WriteTLSFailure(w xmlstream.TokenWriteFlusher) error {
	return writeEmpty(w, xml.Name{Space: ns.StartTLS, Local: "failure"})
}

// WriteAuth writes the initiating entity's <auth/> element starting SASL
// negotiation, base64 encoding payload as RFC 6120 §6.3.1 requires (an
// empty or nil payload is encoded as the single byte "=").
func WriteAuth(w xmlstream.TokenWriteFlusher, mechanism string, payload []byte) error {
	return writeText(w, xml.Name{Space: ns.SASL, Local: "auth"},
		[]xml.Attr{{Name: xml.Name{Local: "mechanism"}, Value: mechanism}},
		encodeSASL(payload))
}

// WriteSuccess writes the receiving entity's <success/> response,
// concluding successful SASL negotiation.
func WriteSuccess(w xmlstream.TokenWriteFlusher) error {
	return writeEmpty(w, xml.Name{Space: ns.SASL, Local: "success"})
}

// WriteSASLFailure writes the receiving entity's <failure/> response naming
// the given RFC 6120 §6.5 defined-condition child.
func WriteSASLFailure(w xmlstream.TokenWriteFlusher, condition string) error {
	start := xml.StartElement{Name: xml.Name{Space: ns.SASL, Local: "failure"}}
	inner := xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Local: condition}})
	_, err := xmlstream.Copy(w, xmlstream.Wrap(inner, start))
	if err != nil {
		return err
	}
	return w.Flush()
}

// WriteStreamError writes err as the terminal <stream:error/> and does not
// close the stream itself; call WriteClose afterwards.
func WriteStreamError(w xmlstream.TokenWriteFlusher, err stream.Error) error {
	return err.WriteXML(w, xml.StartElement{})
}

// WriteClose writes the closing </stream:stream> tag.
func WriteClose(w io.Writer) error {
	_, err := io.WriteString(w, "</stream:stream>")
	return err
}

func writeEmpty(w xmlstream.TokenWriteFlusher, name xml.Name) error {
	_, err := xmlstream.Copy(w, xmlstream.Wrap(nil, xml.StartElement{Name: name}))
	if err != nil {
		return err
	}
	return w.Flush()
}

func writeText(w xmlstream.TokenWriteFlusher, name xml.Name, attr []xml.Attr, text string) error {
	start := xml.StartElement{Name: name, Attr: attr}
	_, err := xmlstream.Copy(w, xmlstream.Wrap(xmlstream.Token(xml.CharData(text)), start))
	if err != nil {
		return err
	}
	return w.Flush()
}

func encodeSASL(payload []byte) string {
	if len(payload) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(payload)
}

// DecodeSASL reverses encodeSASL, treating a lone "=" as the empty payload
// marker defined by RFC 6120 §6.3.1.
func DecodeSASL(text string) ([]byte, error) {
	if text == "=" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(text)
}
