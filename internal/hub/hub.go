package hub

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"ue1live/internal/metrics"
	"ue1live/internal/router"
	"ue1live/pkg/interfaces"
	"ue1live/pkg/types"
)

// DefaultQueueSize bounds each subscriber's pending events.
const DefaultQueueSize = 256

// Bridge relays change events between hub instances.
type Bridge interface {
	Publish(ctx context.Context, event types.ChangeEvent) error
	Run(ctx context.Context, deliver func(types.ChangeEvent)) error
	Close() error
}

// Hub fans change events out to subscribers
// ARCHITECTURAL DISCOVERY: Central coordination point for all change flow;
// the single run goroutine owns the subscriber map and the router writes
type Hub struct {
	// Channels for coordination
	// FUNCTIONAL DISCOVERY: Buffered channels absorb write bursts at the start of a class
	publishChannel     chan envelope    // 1000 buffer for change events
	subscribeChannel   chan *subscriber // 100 buffer for subscription lifecycle events
	unsubscribeChannel chan string      // subscriber id
	shutdownChannel    chan struct{}
	stopped            chan struct{}

	router      *router.Router
	bridge      Bridge
	queueSize   int
	subscribers map[string]*subscriber // owned by run

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	running bool
	mu      sync.RWMutex
}

type envelope struct {
	event  types.ChangeEvent
	remote bool
}

// NewHub creates a hub. bridge may be nil for a single-instance deployment.
func NewHub(r *router.Router, bridge Bridge, queueSize int) *Hub {
	if r == nil {
		r = router.NewRouter()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		publishChannel:     make(chan envelope, 1000),
		subscribeChannel:   make(chan *subscriber, 100),
		unsubscribeChannel: make(chan string, 100),
		shutdownChannel:    make(chan struct{}),
		stopped:            make(chan struct{}),
		router:             r,
		bridge:             bridge,
		queueSize:          queueSize,
		subscribers:        make(map[string]*subscriber),
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	log.Println("Starting change hub...")

	if h.bridge != nil {
		go func() {
			if err := h.bridge.Run(ctx, h.deliverRemote); err != nil && ctx.Err() == nil {
				log.Printf("Change bridge stopped: %v", err)
			}
		}()
	}

	go h.run(ctx)
	return nil
}

// Stop shuts the hub down. Every live subscription is signalled as lost.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false

	log.Println("Stopping change hub...")

	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	h.mu.Unlock()

	<-h.stopped

	if h.bridge != nil {
		if err := h.bridge.Close(); err != nil {
			log.Printf("Failed to close change bridge: %v", err)
		}
	}
	return nil
}

// IsRunning reports whether the hub loop is active.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Publish queues event for local subscribers and relays it through the bridge.
func (h *Hub) Publish(ctx context.Context, event types.ChangeEvent) error {
	if !h.IsRunning() {
		return ErrHubNotRunning
	}

	if err := h.enqueue(ctx, envelope{event: event}); err != nil {
		return err
	}

	if h.bridge != nil {
		if err := h.bridge.Publish(ctx, event); err != nil {
			// Local delivery already happened; other instances miss this event.
			log.Printf("Failed to relay change on %s: %v", event.Table, err)
		}
	}
	return nil
}

func (h *Hub) deliverRemote(event types.ChangeEvent) {
	if err := h.enqueue(context.Background(), envelope{event: event, remote: true}); err != nil {
		log.Printf("Dropped relayed change on %s: %v", event.Table, err)
	}
}

func (h *Hub) enqueue(ctx context.Context, env envelope) error {
	select {
	case h.publishChannel <- env:
		return nil
	case <-h.shutdownChannel:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a change feed. It returns once the subscription is
// live, so any write committed afterwards is delivered.
func (h *Hub) Subscribe(ctx context.Context, table string, filter types.Filter, onChange interfaces.ChangeHandler) (interfaces.Subscription, error) {
	if onChange == nil {
		return nil, ErrInvalidHandler
	}
	if !h.IsRunning() {
		return nil, ErrHubNotRunning
	}

	sub := newSubscriber(h, uuid.New().String(), table, filter.Normalize(), onChange, h.queueSize)
	go sub.deliver()

	select {
	case h.subscribeChannel <- sub:
	case <-h.shutdownChannel:
		sub.fail()
		return nil, ErrHubNotRunning
	case <-ctx.Done():
		sub.fail()
		return nil, ctx.Err()
	}

	select {
	case <-sub.registered:
		return sub, nil
	case <-sub.done:
		return nil, ErrHubNotRunning
	case <-h.stopped:
		// Hub stopped before registration
		sub.fail()
		return nil, ErrHubNotRunning
	case <-ctx.Done():
		_ = sub.Unsubscribe()
		return nil, ctx.Err()
	}
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	return h.router.Count()
}

func (h *Hub) unsubscribe(id string) {
	select {
	case h.unsubscribeChannel <- id:
	case <-h.stopped:
	}
}

// run is the main hub processing loop
// TECHNICAL DISCOVERY: Single select loop handles all coordination
// preventing races on the subscriber map
func (h *Hub) run(ctx context.Context) {
	defer log.Println("Hub processing stopped")
	defer close(h.stopped)
	defer h.dropAll()

	for {
		select {
		case env := <-h.publishChannel:
			h.handleEvent(env)

		case sub := <-h.subscribeChannel:
			// FUNCTIONAL DISCOVERY: select picks among ready cases at random;
			// changes queued before the subscription was requested belong to
			// writes the subscriber must not see
			h.drainPublished()
			h.handleSubscribe(sub)

		case id := <-h.unsubscribeChannel:
			h.handleUnsubscribe(id)

		case <-h.shutdownChannel:
			log.Println("Hub shutdown requested")
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			h.mu.Lock()
			h.running = false
			select {
			case <-h.shutdownChannel:
			default:
				close(h.shutdownChannel)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handleEvent(env envelope) {
	event := env.event
	metrics.ChangeEventsPublished.WithLabelValues(event.Table, string(event.Type)).Inc()

	for _, id := range h.router.Recipients(event) {
		sub, ok := h.subscribers[id]
		if !ok {
			continue
		}

		copied := event
		copied.Row = event.Row.Clone()
		if sub.enqueue(copied) {
			continue
		}

		// FUNCTIONAL DISCOVERY: A subscriber that cannot keep up is cut loose
		// and told so; it re-fetches instead of silently missing changes
		log.Printf("Subscriber %s on %s fell behind, dropping", id, sub.table)
		h.remove(id)
		sub.fail()
		metrics.DroppedSubscribers.Inc()
	}
}

// drainPublished handles every change already queued.
func (h *Hub) drainPublished() {
	for n := len(h.publishChannel); n > 0; n-- {
		h.handleEvent(<-h.publishChannel)
	}
}

func (h *Hub) handleSubscribe(sub *subscriber) {
	if sub.closed() {
		return
	}

	if err := h.router.Add(&router.Route{ID: sub.id, Table: sub.table, Filter: sub.filter}); err != nil {
		log.Printf("Subscription %s rejected: %v", sub.id, err)
		sub.fail()
		return
	}
	h.subscribers[sub.id] = sub
	metrics.ActiveSubscriptions.Inc()
	close(sub.registered)
}

func (h *Hub) handleUnsubscribe(id string) {
	h.remove(id)
}

func (h *Hub) remove(id string) {
	if _, ok := h.subscribers[id]; !ok {
		return
	}
	h.router.Remove(id)
	delete(h.subscribers, id)
	metrics.ActiveSubscriptions.Dec()
}

func (h *Hub) dropAll() {
	for id, sub := range h.subscribers {
		h.remove(id)
		sub.fail()
	}
}
