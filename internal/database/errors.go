package database

import "errors"

var (
	ErrNoNotifier   = errors.New("database manager has no change notifier")
	ErrWriteTimeout = errors.New("write operation timeout")
)
