package memstore

import "errors"

// ErrInjected is the default error returned by an injected fault.
var ErrInjected = errors.New("injected store failure")
