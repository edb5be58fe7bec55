package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ue1live/pkg/interfaces"
)

// DefaultBufferSize bounds frames waiting for the writer goroutine.
const DefaultBufferSize = 100

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	conn          *websocket.Conn
	writeCh       chan []byte // FUNCTIONAL DISCOVERY: buffer absorbs a burst of changes at the start of a class
	writeTimeout  time.Duration
	clientID      string
	subscriptions map[string]interfaces.Subscription // ref -> live subscription
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	mu            sync.Mutex // guards subscriptions
}

// NewConnection wraps conn and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:          conn,
		writeCh:       make(chan []byte, bufferSize),
		writeTimeout:  writeTimeout,
		clientID:      uuid.New().String(),
		subscriptions: make(map[string]interfaces.Subscription),
		ctx:           ctx,
		cancel:        cancel,
	}

	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Peer is gone; the read loop notices and cleans up
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the writer goroutine. It waits at most the write
// timeout for buffer space.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops the writer, closes the socket and releases every subscription.
// ARCHITECTURAL DISCOVERY: Clean shutdown requires careful goroutine coordination
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		if c.conn != nil {
			err = c.conn.Close()
		}

		c.mu.Lock()
		subs := c.subscriptions
		c.subscriptions = make(map[string]interfaces.Subscription)
		c.mu.Unlock()

		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	})
	return err
}

// GetClientID returns the server-assigned connection id.
func (c *Connection) GetClientID() string {
	return c.clientID
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// addSubscription records sub under ref. It fails when ref is taken or the
// connection already closed; the caller then owns sub.
func (c *Connection) addSubscription(ref string, sub interfaces.Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return ErrConnectionClosed
	}
	if _, exists := c.subscriptions[ref]; exists {
		return ErrDuplicateRef
	}
	c.subscriptions[ref] = sub
	return nil
}

func (c *Connection) hasSubscription(ref string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[ref]
	return ok
}

// removeSubscription forgets ref and returns what it named.
func (c *Connection) removeSubscription(ref string) (interfaces.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subscriptions[ref]
	if ok {
		delete(c.subscriptions, ref)
	}
	return sub, ok
}

// forget drops ref only while it still names sub, so a lost signal from an
// old subscription never removes a newer one reusing the ref.
func (c *Connection) forget(ref string, sub interfaces.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.subscriptions[ref]; ok && current == sub {
		delete(c.subscriptions, ref)
		return true
	}
	return false
}

// SubscriptionCount returns the number of live subscriptions.
func (c *Connection) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions)
}
