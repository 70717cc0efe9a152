// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"

	"relay.im/s2s/internal/ns"
	"relay.im/s2s/jid"
)

// ErrorType indicates the severity of a stanza error, as defined by RFC 6120
// §8.3.2.
type ErrorType string

const (
	// Cancel indicates that the error is unrecoverable and the stanza should
	// not be resent.
	Cancel ErrorType = "cancel"

	// Auth indicates that the operation should be retried after providing
	// credentials.
	Auth ErrorType = "auth"

	// Continue is a warning; processing continued.
	Continue ErrorType = "continue"

	// Modify indicates that the stanza should be modified before being
	// resent.
	Modify ErrorType = "modify"

	// Wait indicates a temporary condition; the operation may succeed if
	// retried later.
	Wait ErrorType = "wait"
)

// Condition is a stanza error condition as defined by RFC 6120 §8.3.3.
type Condition string

// The stanza error conditions defined by RFC 6120 §8.3.3.
const (
	BadRequest             Condition = "bad-request"
	Conflict               Condition = "conflict"
	FeatureNotImplemented  Condition = "feature-not-implemented"
	Forbidden              Condition = "forbidden"
	Gone                   Condition = "gone"
	InternalServerError    Condition = "internal-server-error"
	ItemNotFound           Condition = "item-not-found"
	JIDMalformed           Condition = "jid-malformed"
	NotAcceptable          Condition = "not-acceptable"
	NotAllowed             Condition = "not-allowed"
	NotAuthorized          Condition = "not-authorized"
	PolicyViolation        Condition = "policy-violation"
	RecipientUnavailable   Condition = "recipient-unavailable"
	Redirect               Condition = "redirect"
	RegistrationRequired   Condition = "registration-required"
	RemoteServerNotFound   Condition = "remote-server-not-found"
	RemoteServerTimeout    Condition = "remote-server-timeout"
	ResourceConstraint     Condition = "resource-constraint"
	ServiceUnavailable     Condition = "service-unavailable"
	SubscriptionRequired   Condition = "subscription-required"
	UndefinedCondition     Condition = "undefined-condition"
	UnexpectedRequest      Condition = "unexpected-request"
)

// Error is a stanza-level error as defined by RFC 6120 §8.3.
type Error struct {
	XMLName   xml.Name
	By        jid.JID
	Type      ErrorType
	Condition Condition
	Text      map[string]string

	innerXML xml.TokenReader
}

// Error satisfies the error interface and returns the condition.
func (e Error) Error() string {
	return string(e.Condition)
}

// WriteXML satisfies the xmlstream.Marshaler interface.
func (e Error) WriteXML(w xmlstream.TokenWriteFlusher, _ xml.StartElement) error {
	_, err := xmlstream.Copy(w, e.TokenReader())
	if err != nil {
		return err
	}
	return w.Flush()
}

// MarshalXML satisfies the xml.Marshaler interface.
func (e Error) MarshalXML(x *xml.Encoder, _ xml.StartElement) error {
	return e.WriteXML(x, xml.StartElement{})
}

// TokenReader returns a token reader that encodes the error as a <error/>
// child suitable for appending to a bounced stanza.
func (e Error) TokenReader() xml.TokenReader {
	var attr []xml.Attr
	if e.Type != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(e.Type)})
	}
	by, _ := e.By.MarshalXMLAttr(xml.Name{Local: "by"})
	if by.Value != "" {
		attr = append(attr, by)
	}

	cond := xmlstream.Wrap(e.innerXML, xml.StartElement{
		Name: xml.Name{Local: string(e.Condition), Space: ns.Stanza},
	})

	var texts []xml.TokenReader
	for lang, text := range e.Text {
		textAttr := []xml.Attr{}
		if lang != "" {
			textAttr = append(textAttr, xml.Attr{Name: xml.Name{Space: "xml", Local: "lang"}, Value: lang})
		}
		texts = append(texts, xmlstream.Wrap(
			xmlstream.ReaderFunc(func() (xml.Token, error) {
				return xml.CharData(text), io.EOF
			}),
			xml.StartElement{Name: xml.Name{Local: "text", Space: ns.Stanza}, Attr: textAttr},
		))
	}

	children := append([]xml.TokenReader{cond}, texts...)
	return xmlstream.Wrap(
		xmlstream.MultiReader(children...),
		xml.StartElement{Name: xml.Name{Local: "error", Space: ""}, Attr: attr},
	)
}

// UnmarshalXML satisfies the xml.Unmarshaler interface.
func (e *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	parsed := struct {
		XMLName xml.Name
		By      jid.JID   `xml:"by,attr"`
		Type    ErrorType `xml:"type,attr"`
		Cond    struct {
			XMLName xml.Name
		} `xml:",any"`
		Text []struct {
			Lang string `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
			Data string `xml:",chardata"`
		} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text"`
	}{}
	if err := d.DecodeElement(&parsed, &start); err != nil {
		return err
	}
	e.XMLName = parsed.XMLName
	e.By = parsed.By
	e.Type = parsed.Type
	e.Condition = Condition(parsed.Cond.XMLName.Local)
	if len(parsed.Text) > 0 {
		e.Text = make(map[string]string, len(parsed.Text))
		for _, t := range parsed.Text {
			e.Text[t.Lang] = t.Data
		}
	}
	return nil
}
