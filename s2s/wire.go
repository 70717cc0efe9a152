package s2s

import (
	"encoding/xml"
	"io"
	"sync"

	"relay.im/s2s/transport"
)

// wire bundles a socket with the XML encoder/decoder layered on top of it
// and serializes writes, since a session's read loop and the DomainContext
// that owns it may both want to send frames.
type wire struct {
	socket transport.Socket
	out    io.Writer
	dec    *xml.Decoder
	mu     sync.Mutex
}

func newWire(socket transport.Socket, frameLog io.Writer) *wire {
	r := io.Reader(socket)
	out := io.Writer(socket)
	if frameLog != nil {
		r = io.TeeReader(r, frameLog)
		out = io.MultiWriter(socket, frameLog)
	}
	return &wire{socket: socket, out: out, dec: xml.NewDecoder(r)}
}

// write runs fn with a fresh *xml.Encoder bound to the socket. Encoders
// buffer internally and an interleaved write from another goroutine would
// corrupt the stream, so write serializes callers with the mutex instead of
// handing out a shared encoder.
func (w *wire) write(fn func(enc *xml.Encoder) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	enc := xml.NewEncoder(w.out)
	if err := fn(enc); err != nil {
		return err
	}
	return enc.Flush()
}

// writeText runs fn with exclusive access to the underlying socket as a
// plain io.Writer, for frames (the stream header, the closing tag) that are
// written as literal text rather than through the xml.Encoder.
func (w *wire) writeText(fn func(io.Writer) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fn(w.out)
}

func (w *wire) writeRaw(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.out.Write(p)
	return err
}

func (w *wire) close() error {
	return w.socket.Close()
}
