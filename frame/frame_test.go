package frame_test

import (
	"bytes"
	"encoding/xml"
	"strings"
	"testing"

	"relay.im/s2s/frame"
	"relay.im/s2s/jid"
)

func TestSendExpectHeader(t *testing.T) {
	var buf bytes.Buffer
	from := jid.MustParse("a.example")
	to := jid.MustParse("b.example")
	if err := frame.SendHeader(&buf, from, to, "stream-1"); err != nil {
		t.Fatalf("SendHeader: %v", err)
	}

	d := xml.NewDecoder(&buf)
	info, err := frame.ExpectHeader(d)
	if err != nil {
		t.Fatalf("ExpectHeader: %v", err)
	}
	if !info.To.Equal(to) || !info.From.Equal(from) {
		t.Errorf("ExpectHeader() = %+v", info)
	}
	if info.ID != "stream-1" {
		t.Errorf("ID = %q, want stream-1", info.ID)
	}
}

func TestWriteParseFeatures(t *testing.T) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := frame.WriteFeatures(enc, frame.Features{Mechanisms: []string{"EXTERNAL"}, Bidi: true}); err != nil {
		t.Fatalf("WriteFeatures: %v", err)
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	d := xml.NewDecoder(&buf)
	tok, err := d.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	start := tok.(xml.StartElement)
	f, err := frame.ParseFeatures(d, start)
	if err != nil {
		t.Fatalf("ParseFeatures: %v", err)
	}
	if len(f.Mechanisms) != 1 || f.Mechanisms[0] != "EXTERNAL" {
		t.Errorf("Mechanisms = %v, want [EXTERNAL]", f.Mechanisms)
	}
	if !f.Bidi {
		t.Errorf("Bidi = false, want true")
	}
}

func TestWriteAuthEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := frame.WriteAuth(enc, "EXTERNAL", nil); err != nil {
		t.Fatalf("WriteAuth: %v", err)
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := buf.String(); !strings.Contains(got, `mechanism="EXTERNAL"`) || !strings.Contains(got, ">=<") {
		t.Errorf("WriteAuth() = %s", got)
	}
}

func TestDecodeSASL(t *testing.T) {
	got, err := frame.DecodeSASL("=")
	if err != nil {
		t.Fatalf("DecodeSASL: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("DecodeSASL(\"=\") = %v, want empty", got)
	}
}
