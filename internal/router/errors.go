package router

import "errors"

var (
	ErrInvalidRoute      = errors.New("route must have an id")
	ErrInvalidTable      = errors.New("route must name a table")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)
