// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains XMPP stream errors and stream-header metadata as
// defined by RFC 6120 §4.8 and §4.9.
package stream // import "relay.im/s2s/stream"
