package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout: client is not draining frames")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
)

// Handler-related errors, reported to the client in error frames
var (
	ErrInvalidFrame     = errors.New("invalid frame")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrMissingRef       = errors.New("frame ref is required")
	ErrDuplicateRef     = errors.New("ref already names a live subscription")
	ErrUnknownRef       = errors.New("no subscription with that ref")
)
