package websocket

import (
	"sync"
)

// Registry tracks open change-feed connections
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic
// maintains clean separation between connection tracking and connection operations
type Registry struct {
	mu          sync.RWMutex // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
	connections map[string]*Connection
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

// RegisterConnection adds a connection under its client id.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.GetClientID()] = conn
	return nil
}

// UnregisterConnection removes a connection. Idempotent.
// RACE CONDITION FIX: Only removes the connection if it matches the one currently registered
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, ok := r.connections[conn.GetClientID()]; ok && registered == conn {
		delete(r.connections, conn.GetClientID())
	}
}

// GetConnection returns the connection with clientID.
func (r *Registry) GetConnection(clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[clientID]
	return conn, ok
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseAll closes every connection; clients see the socket drop and resync
// after reconnecting.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for id, conn := range r.connections {
		conns = append(conns, conn)
		delete(r.connections, id)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subscriptions := 0
	for _, conn := range r.connections {
		subscriptions += conn.SubscriptionCount()
	}

	return map[string]int{
		"total_connections":   len(r.connections),
		"total_subscriptions": subscriptions,
	}
}
