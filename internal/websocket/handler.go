package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ue1live/internal/config"
	"ue1live/internal/metrics"
	"ue1live/pkg/interfaces"
	"ue1live/pkg/types"
)

// subscribeTimeout bounds registration of one subscription with the store.
const subscribeTimeout = 10 * time.Second

// Handler serves the change feed: clients send subscribe/unsubscribe control
// frames and receive change and lost frames for each live subscription.
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic
// the store decides what a subscription sees; the handler only relays frames
type Handler struct {
	registry *Registry
	store    interfaces.RealtimeStore
	config   *config.WebSocketConfig
	upgrader websocket.Upgrader
}

// NewHandler creates a change-feed handler with dependency injection
func NewHandler(registry *Registry, store interfaces.RealtimeStore, cfg *config.WebSocketConfig) *Handler {
	if cfg == nil {
		cfg = config.DefaultConfig().WebSocket
	}
	return &Handler{
		registry: registry,
		store:    store,
		config:   cfg,
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: Origin policy is enforced by the HTTP CORS layer
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// HandleWebSocket upgrades the request and serves the connection until the
// client goes away.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn, h.config.BufferSize, h.config.WriteTimeout)
	if err := h.registry.RegisterConnection(wsConn); err != nil {
		log.Printf("Failed to register connection: %v", err)
		_ = wsConn.Close()
		return
	}
	metrics.WebSocketConnections.Inc()

	// TECHNICAL DISCOVERY: Separate goroutine for connection lifecycle management
	// enables clean resource cleanup and heartbeat monitoring
	go h.handleConnection(wsConn)
}

// handleConnection manages the connection lifecycle with heartbeat monitoring
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		metrics.WebSocketConnections.Dec()
	}()

	readTimeout := h.config.ReadTimeout
	if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// FUNCTIONAL DISCOVERY: Separate ticker goroutine enables consistent heartbeat
	// timing independent of message processing or client responsiveness
	go func() {
		ticker := time.NewTicker(h.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.config.WriteTimeout)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error on %s: %v", conn.GetClientID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.handleFrame(conn, data)
	}
}

func (h *Handler) handleFrame(conn *Connection, data []byte) {
	var frame types.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.sendError(conn, "", ErrInvalidFrame)
		return
	}
	if frame.Ref == "" {
		h.sendError(conn, "", ErrMissingRef)
		return
	}

	switch frame.Type {
	case types.FrameSubscribe:
		h.subscribe(conn, frame)
	case types.FrameUnsubscribe:
		h.unsubscribe(conn, frame.Ref)
	default:
		h.sendError(conn, frame.Ref, ErrUnknownFrameType)
	}
}

func (h *Handler) subscribe(conn *Connection, frame types.ClientFrame) {
	ref := frame.Ref
	if conn.hasSubscription(ref) {
		h.sendError(conn, ref, ErrDuplicateRef)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	sub, err := h.store.Subscribe(ctx, frame.Table, frame.Filter, func(event types.ChangeEvent) {
		h.forward(conn, ref, event)
	})
	if err != nil {
		h.sendError(conn, ref, err)
		return
	}

	if err := conn.addSubscription(ref, sub); err != nil {
		_ = sub.Unsubscribe()
		h.sendError(conn, ref, err)
		return
	}

	go h.watchLost(conn, ref, sub)

	if err := conn.WriteJSON(types.ServerFrame{Type: types.FrameSubscribed, Ref: ref}); err != nil {
		log.Printf("Failed to confirm subscription %s on %s: %v", ref, conn.GetClientID(), err)
	}
}

func (h *Handler) unsubscribe(conn *Connection, ref string) {
	sub, ok := conn.removeSubscription(ref)
	if !ok {
		h.sendError(conn, ref, ErrUnknownRef)
		return
	}
	_ = sub.Unsubscribe()
}

// forward relays one change. A client that cannot drain its frames is
// disconnected; it resynchronises after reconnecting.
func (h *Handler) forward(conn *Connection, ref string, event types.ChangeEvent) {
	err := conn.WriteJSON(types.ServerFrame{Type: types.FrameChange, Ref: ref, Event: &event})
	switch err {
	case nil, ErrConnectionClosed:
	default:
		log.Printf("Dropping slow client %s: %v", conn.GetClientID(), err)
		_ = conn.Close()
	}
}

// watchLost turns a store-side loss into a lost frame for the client.
func (h *Handler) watchLost(conn *Connection, ref string, sub interfaces.Subscription) {
	if _, ok := <-sub.Lost(); !ok {
		return // unsubscribed
	}
	if !conn.forget(ref, sub) {
		return
	}
	if err := conn.WriteJSON(types.ServerFrame{Type: types.FrameLost, Ref: ref, Error: types.ErrChannelLost.Error()}); err != nil && err != ErrConnectionClosed {
		log.Printf("Failed to report lost subscription %s: %v", ref, err)
	}
}

func (h *Handler) sendError(conn *Connection, ref string, err error) {
	if werr := conn.WriteJSON(types.ServerFrame{Type: types.FrameError, Ref: ref, Error: err.Error(), Reason: interfaces.Reason(err)}); werr != nil {
		log.Printf("Failed to send error frame to %s: %v", conn.GetClientID(), werr)
	}
}
