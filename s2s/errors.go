package s2s

import (
	"errors"

	"relay.im/s2s/stream"
)

// errClosed is returned internally once a session has sent its terminal
// frame and closed its socket; callers further up the dispatch chain treat
// it as already handled rather than something to report again.
var errClosed = errors.New("s2s: session closed")

// asStreamError reports whether err is, or wraps, a stream.Error worth
// sending to the peer before closing.
func asStreamError(err error) (stream.Error, bool) {
	var se stream.Error
	ok := errors.As(err, &se)
	return se, ok
}
