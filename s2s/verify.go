package s2s

import (
	"crypto/x509"
	"strings"
)

// matchesIdentity reports whether servername matches cert under the
// RFC 6125 server-identity rules used for SASL EXTERNAL: a name matches iff
// it is present in subjectAltName's DNS entries, or, only when the
// certificate carries no DNS SANs at all, the Subject Common Name matches.
// Wildcards match exactly one leftmost label.
func matchesIdentity(servername string, cert *x509.Certificate) bool {
	if cert == nil || servername == "" {
		return false
	}
	if len(cert.DNSNames) > 0 {
		for _, name := range cert.DNSNames {
			if matchesDNSName(servername, name) {
				return true
			}
		}
		return false
	}
	return matchesDNSName(servername, cert.Subject.CommonName)
}

func matchesDNSName(servername, pattern string) bool {
	servername = strings.ToLower(strings.TrimSuffix(servername, "."))
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	if pattern == "" {
		return false
	}
	if !strings.HasPrefix(pattern, "*.") {
		return servername == pattern
	}

	labelSuffix := pattern[1:] // ".example.com"
	if !strings.HasSuffix(servername, labelSuffix) {
		return false
	}
	// The wildcard must match exactly one label: the remaining prefix of
	// servername (everything before labelSuffix) must not itself contain a
	// dot, and must be non-empty (a wildcard never matches the bare
	// domain).
	prefix := servername[:len(servername)-len(labelSuffix)]
	return prefix != "" && !strings.Contains(prefix, ".")
}
