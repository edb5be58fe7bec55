package hub

import (
	"sync"

	"ue1live/pkg/interfaces"
	"ue1live/pkg/types"
)

// subscriber is one live change feed. Events are queued by the hub loop and
// handed to the handler by a dedicated delivery goroutine, so a slow handler
// never stalls the hub.
type subscriber struct {
	id      string
	table   string
	filter  types.Filter
	handler interfaces.ChangeHandler
	hub     *Hub

	queue      chan types.ChangeEvent
	lost       chan error
	done       chan struct{}
	registered chan struct{}
	closeOnce  sync.Once
}

func newSubscriber(h *Hub, id, table string, filter types.Filter, handler interfaces.ChangeHandler, queueSize int) *subscriber {
	return &subscriber{
		id:         id,
		table:      table,
		filter:     filter,
		handler:    handler,
		hub:        h,
		queue:      make(chan types.ChangeEvent, queueSize),
		lost:       make(chan error, 1),
		done:       make(chan struct{}),
		registered: make(chan struct{}),
	}
}

// Unsubscribe stops delivery and removes the subscriber from the hub.
func (s *subscriber) Unsubscribe() error {
	s.closeOnce.Do(func() {
		close(s.lost)
		close(s.done)
	})
	s.hub.unsubscribe(s.id)
	return nil
}

// Lost implements interfaces.Subscription.
func (s *subscriber) Lost() <-chan error {
	return s.lost
}

// fail signals loss. Only the hub loop calls it.
func (s *subscriber) fail() {
	s.closeOnce.Do(func() {
		s.lost <- types.ErrChannelLost
		close(s.lost)
		close(s.done)
	})
}

func (s *subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// enqueue reports false when the queue is full.
func (s *subscriber) enqueue(event types.ChangeEvent) bool {
	select {
	case s.queue <- event:
		return true
	default:
		return false
	}
}

func (s *subscriber) deliver() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			if s.closed() {
				return
			}
			s.handler(event)
		}
	}
}
