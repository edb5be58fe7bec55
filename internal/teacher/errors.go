package teacher

import "errors"

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("teacher coordinator is closed")
