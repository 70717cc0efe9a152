// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"mellium.im/sasl"
)

// TLSAuth returns the SASL mechanism an OutgoingSession uses to authenticate
// to a remote server with the TLS client certificate presented during
// STARTTLS, per RFC 6120 §6's use of SASL EXTERNAL for server-to-server
// streams.
func TLSAuth() sasl.Mechanism {
	return sasl.Mechanism{
		Name: "EXTERNAL",
		Start: func(m *sasl.Negotiator) (bool, []byte, interface{}, error) {
			_, _, identity := m.Credentials()
			return false, identity, nil, nil
		},
		Next: func(m *sasl.Negotiator, challenge []byte, _ interface{}) (bool, []byte, interface{}, error) {
			// IncomingSession never drives a sasl.Negotiator for the
			// receiving role: it authenticates EXTERNAL by inspecting the
			// TLS client certificate directly in verifyCertificate, so this
			// mechanism is only ever stepped as a client.
			if m.State()&sasl.Receiving == 0 || m.State()&sasl.StepMask != sasl.AuthTextSent {
				return false, nil, nil, sasl.ErrTooManySteps
			}

			panic("s2s: TLSAuth stepped as a receiving-side negotiator, which IncomingSession never does")
		},
	}
}
