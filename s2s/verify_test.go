package s2s

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
)

func TestMatchesIdentity(t *testing.T) {
	for _, tc := range []struct {
		name       string
		servername string
		cn         string
		sans       []string
		want       bool
	}{
		{"cn-only exact match", "example.com", "example.com", nil, true},
		{"cn-only mismatch", "xmpp.example.com", "example.com", nil, false},
		{"wildcard cn does not match bare domain", "example.com", "*.example.com", nil, false},
		{"wildcard cn matches one label", "xmpp.example.com", "*.example.com", nil, true},
		{"san supersedes mismatched cn", "example.com", "other.example.com", []string{"example.com"}, true},
		{"san present but not matching, cn would match, still rejected", "example.com", "example.com", []string{"other.example.com"}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cert := &x509.Certificate{
				Subject:  pkix.Name{CommonName: tc.cn},
				DNSNames: tc.sans,
			}
			if got := matchesIdentity(tc.servername, cert); got != tc.want {
				t.Errorf("matchesIdentity(%q, cn=%q, sans=%v) = %v, want %v", tc.servername, tc.cn, tc.sans, got, tc.want)
			}
		})
	}
}

func TestMatchesIdentityNilCert(t *testing.T) {
	if matchesIdentity("example.com", nil) {
		t.Errorf("matchesIdentity with nil cert = true, want false")
	}
}
