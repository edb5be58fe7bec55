package remote

import "errors"

var (
	ErrClientClosed     = errors.New("remote store client is closed")
	ErrUnexpectedStatus = errors.New("unexpected response from row API")
)
