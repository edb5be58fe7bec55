package interfaces

// Connection is a change-feed client connection.
type Connection interface {
	// WriteJSON queues a frame for the client. Safe for concurrent use; all
	// writes go through a single writer goroutine.
	WriteJSON(v interface{}) error

	// Close closes the connection and releases its subscriptions. Idempotent.
	Close() error

	// GetClientID returns the server-assigned connection id.
	GetClientID() string
}
