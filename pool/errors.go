package pool

import "errors"

// ErrClosed is reported to every submission that is still queued when the
// pool shuts down, and to submissions handed to a closed pool.
var ErrClosed = errors.New("pool: closed")
