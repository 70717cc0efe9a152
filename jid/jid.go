// Package jid implements the parsing, normalization and comparison of
// Jabber IDs (JIDs) as defined by RFC 7622.
//
// The federation core only ever inspects the domainpart of a JID, but a
// stanza's from/to attribute may carry a localpart and resourcepart that
// must round-trip unchanged when the stanza is forwarded, so this package
// implements JIDs in full rather than just their domain.
package jid

import (
	"encoding/xml"
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// JID represents an XMPP address of the form [localpart@]domainpart[/resourcepart].
// The zero value is not a valid JID; use Parse or New to construct one.
type JID struct {
	localpart    string
	domainpart   string
	resourcepart string
}

// Parse constructs a new JID from its string representation.
func Parse(s string) (JID, error) {
	local, domain, resource, err := SplitString(s)
	if err != nil {
		return JID{}, err
	}
	return New(local, domain, resource)
}

// MustParse is like Parse but panics if s cannot be parsed. It is intended
// for use with constant strings known good at compile time.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic("jid: MustParse(" + s + "): " + err.Error())
	}
	return j
}

// New constructs a JID from its three parts, normalizing each with the
// appropriate PRECIS profile (RFC 7622 §3) and the domainpart with IDNA
// (RFC 7622 §3.2.1).
func New(localpart, domainpart, resourcepart string) (JID, error) {
	if !utf8.ValidString(localpart) || !utf8.ValidString(resourcepart) {
		return JID{}, errors.New("jid: address contains invalid UTF-8")
	}

	domainpart, err := idna.ToUnicode(domainpart)
	if err != nil {
		return JID{}, err
	}
	domainpart = strings.TrimSuffix(domainpart, ".")
	if err := checkDomain(domainpart); err != nil {
		return JID{}, err
	}

	if localpart != "" {
		norm, err := precis.UsernameCaseMapped.String(localpart)
		if err != nil {
			return JID{}, err
		}
		localpart = norm
	}
	if err := checkLocal(localpart); err != nil {
		return JID{}, err
	}

	if resourcepart != "" {
		norm, err := precis.OpaqueString.String(resourcepart)
		if err != nil {
			return JID{}, err
		}
		resourcepart = norm
	}
	if len(resourcepart) > 1023 {
		return JID{}, errors.New("jid: resourcepart must be smaller than 1024 bytes")
	}

	return JID{localpart: localpart, domainpart: domainpart, resourcepart: resourcepart}, nil
}

func checkLocal(local string) error {
	if len(local) > 1023 {
		return errors.New("jid: localpart must be smaller than 1024 bytes")
	}
	if strings.ContainsAny(local, `"&'/:<>@`) {
		return errors.New("jid: localpart contains forbidden characters")
	}
	return nil
}

func checkDomain(domain string) error {
	if l := len(domain); l < 1 || l > 1023 {
		return errors.New("jid: domainpart must be between 1 and 1023 bytes")
	}
	return nil
}

// SplitString splits the string representation of a JID into its
// localpart, domainpart and resourcepart without validating or
// normalizing any of them.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	// RFC 7622 §3.1: match the '@' and '/' separators before doing any
	// transformation that might introduce or remove them.
	if sep := strings.IndexByte(s, '/'); sep != -1 {
		if sep == len(s)-1 {
			return "", "", "", errors.New("jid: resourcepart must not be empty")
		}
		resourcepart = s[sep+1:]
		s = s[:sep]
	}

	switch sep := strings.IndexByte(s, '@'); sep {
	case -1:
		domainpart = s
	case 0:
		return "", "", "", errors.New("jid: localpart must not be empty")
	default:
		localpart = s[:sep]
		domainpart = s[sep+1:]
	}
	return localpart, domainpart, resourcepart, nil
}

// IsZero reports whether j is the zero JID.
func (j JID) IsZero() bool {
	return j == JID{}
}

// Localpart returns the localpart of the JID, or the empty string if none
// is present.
func (j JID) Localpart() string { return j.localpart }

// Domainpart returns the domainpart of the JID.
func (j JID) Domainpart() string { return j.domainpart }

// Resourcepart returns the resourcepart of the JID, or the empty string if
// none is present.
func (j JID) Resourcepart() string { return j.resourcepart }

// Bare returns a copy of the JID with the resourcepart removed.
func (j JID) Bare() JID {
	j.resourcepart = ""
	return j
}

// Domain returns a copy of the JID with the localpart and resourcepart
// removed, i.e. just its domainpart.
func (j JID) Domain() JID {
	return JID{domainpart: j.domainpart}
}

// WithResource returns a copy of j with the resourcepart replaced.
func (j JID) WithResource(resourcepart string) (JID, error) {
	return New(j.localpart, j.domainpart, resourcepart)
}

// Equal reports whether j and j2 are the same address once normalized.
func (j JID) Equal(j2 JID) bool {
	return j.localpart == j2.localpart &&
		j.domainpart == j2.domainpart &&
		j.resourcepart == j2.resourcepart
}

// String returns the string representation of the JID.
func (j JID) String() string {
	var sb strings.Builder
	if j.localpart != "" {
		sb.WriteString(j.localpart)
		sb.WriteByte('@')
	}
	sb.WriteString(j.domainpart)
	if j.resourcepart != "" {
		sb.WriteByte('/')
		sb.WriteString(j.resourcepart)
	}
	return sb.String()
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j.IsZero() {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		*j = JID{}
		return nil
	}
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// MarshalXML satisfies xml.Marshaler and marshals the JID as XML character
// data.
func (j JID) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.EncodeToken(xml.CharData(j.String())); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML satisfies xml.Unmarshaler and unmarshals the JID from an
// element's character data.
func (j *JID) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var data string
	if err := d.DecodeElement(&data, &start); err != nil {
		return err
	}
	if data == "" {
		*j = JID{}
		return nil
	}
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}
