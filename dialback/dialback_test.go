package dialback_test

import (
	"bytes"
	"encoding/xml"
	"strings"
	"testing"

	"relay.im/s2s/dialback"
	"relay.im/s2s/jid"
)

func TestKeyDeterministic(t *testing.T) {
	k1 := dialback.Key("secret", "a.example", "b.example", "stream-1")
	k2 := dialback.Key("secret", "a.example", "b.example", "stream-1")
	if k1 != k2 {
		t.Errorf("Key is not deterministic: %q != %q", k1, k2)
	}
	if k3 := dialback.Key("secret", "a.example", "b.example", "stream-2"); k3 == k1 {
		t.Errorf("Key did not change with stream id")
	}
	if k4 := dialback.Key("other-secret", "a.example", "b.example", "stream-1"); k4 == k1 {
		t.Errorf("Key did not change with secret")
	}
}

func TestResultWriteXML(t *testing.T) {
	r := dialback.Result{
		To:   jid.MustParse("b.example"),
		From: jid.MustParse("a.example"),
		Key:  "abc123",
	}
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := r.WriteXML(enc, xml.StartElement{}); err != nil {
		t.Fatalf("WriteXML: %v", err)
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, `to="b.example"`) || !strings.Contains(got, `from="a.example"`) || !strings.Contains(got, "abc123") {
		t.Errorf("WriteXML() = %s", got)
	}
}

func TestParseVerify(t *testing.T) {
	const in = `<db:verify xmlns:db="jabber:server:dialback" from="b.example" to="a.example" id="s1" type="valid"/>`
	d := xml.NewDecoder(strings.NewReader(in))
	tok, err := d.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	start := tok.(xml.StartElement)
	v, err := dialback.ParseVerify(d, start)
	if err != nil {
		t.Fatalf("ParseVerify: %v", err)
	}
	if v.ID != "s1" || v.Type != "valid" {
		t.Errorf("ParseVerify() = %+v", v)
	}
}
