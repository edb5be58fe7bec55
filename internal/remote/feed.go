package remote

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"ue1live/pkg/interfaces"
	"ue1live/pkg/types"
)

// feedConn is one WebSocket connection to the change feed and the
// subscriptions multiplexed over it. Subscriptions never outlive it.
type feedConn struct {
	conn        *websocket.Conn
	queueSize   int
	readTimeout time.Duration
	nextRef     uint64

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	subs    map[string]*subscription
	pending map[string]chan error // refs awaiting subscribed or error
	done    chan struct{}
	once    sync.Once
}

func newFeedConn(conn *websocket.Conn, queueSize int, readTimeout time.Duration) *feedConn {
	f := &feedConn{
		conn:        conn,
		queueSize:   queueSize,
		readTimeout: readTimeout,
		subs:        make(map[string]*subscription),
		pending:     make(map[string]chan error),
		done:        make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	go f.readLoop()
	return f
}

func (f *feedConn) isDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *feedConn) subscribe(ctx context.Context, table string, filter types.Filter, onChange interfaces.ChangeHandler) (interfaces.Subscription, error) {
	ref := strconv.FormatUint(atomic.AddUint64(&f.nextRef, 1), 10)
	sub := newSubscription(f, ref, table, onChange, f.queueSize)
	result := make(chan error, 1)

	f.mu.Lock()
	if f.isDone() {
		f.mu.Unlock()
		return nil, types.ErrChannelLost
	}
	f.subs[ref] = sub
	f.pending[ref] = result
	f.mu.Unlock()

	go sub.deliver()

	if err := f.send(types.ClientFrame{Type: types.FrameSubscribe, Ref: ref, Table: table, Filter: filter}); err != nil {
		f.drop(ref)
		sub.close()
		return nil, errors.Wrap(types.ErrChannelLost, err.Error())
	}

	select {
	case err := <-result:
		if err != nil {
			f.drop(ref)
			sub.close()
			return nil, err
		}
		return sub, nil
	case <-f.done:
		f.drop(ref)
		sub.close()
		return nil, types.ErrChannelLost
	case <-ctx.Done():
		_ = sub.Unsubscribe()
		return nil, ctx.Err()
	}
}

func (f *feedConn) unsubscribe(ref string) {
	if !f.drop(ref) || f.isDone() {
		return
	}
	if err := f.send(types.ClientFrame{Type: types.FrameUnsubscribe, Ref: ref}); err != nil {
		log.Printf("remote: failed to send unsubscribe for %s: %v", ref, err)
	}
}

// drop forgets ref and reports whether it was live.
func (f *feedConn) drop(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[ref]
	delete(f.subs, ref)
	delete(f.pending, ref)
	return ok
}

func (f *feedConn) send(frame types.ClientFrame) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = f.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return f.conn.WriteJSON(frame)
}

func (f *feedConn) readLoop() {
	defer f.shutdown()

	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !f.isDone() {
				log.Printf("remote: change feed lost: %v", err)
			}
			return
		}
		_ = f.conn.SetReadDeadline(time.Now().Add(f.readTimeout))

		var frame types.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("remote: ignoring malformed frame: %v", err)
			continue
		}
		f.handle(frame)
	}
}

func (f *feedConn) handle(frame types.ServerFrame) {
	f.mu.Lock()
	sub := f.subs[frame.Ref]
	result, pending := f.pending[frame.Ref]
	if frame.Type == types.FrameSubscribed || frame.Type == types.FrameError {
		delete(f.pending, frame.Ref)
	}
	f.mu.Unlock()

	switch frame.Type {
	case types.FrameSubscribed:
		if pending {
			result <- nil
		}

	case types.FrameError:
		err := frameError(frame)
		if pending {
			result <- err
			return
		}
		log.Printf("remote: feed error on %q: %v", frame.Ref, err)

	case types.FrameChange:
		if sub == nil || frame.Event == nil {
			return
		}
		row, err := canonical(frame.Event.Table, frame.Event.Row)
		if err != nil {
			log.Printf("remote: dropping undecodable change on %s: %v", frame.Event.Table, err)
			return
		}
		event := *frame.Event
		event.Row = row
		if !sub.enqueue(event) {
			// Handler fell behind; same contract as the server side
			f.unsubscribe(sub.ref)
			sub.fail()
		}

	case types.FrameLost:
		if sub == nil {
			return
		}
		f.drop(sub.ref)
		sub.fail()
	}
}

// shutdown closes the connection and signals every subscription lost.
func (f *feedConn) shutdown() {
	f.once.Do(func() {
		f.mu.Lock()
		close(f.done)
		subs := f.subs
		f.subs = make(map[string]*subscription)
		f.pending = make(map[string]chan error)
		f.mu.Unlock()

		f.writeMu.Lock()
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		f.writeMu.Unlock()
		_ = f.conn.Close()

		for _, sub := range subs {
			sub.fail()
		}
	})
}

func frameError(frame types.ServerFrame) error {
	if sentinel := interfaces.FromReason(frame.Reason); sentinel != nil {
		return errors.Wrap(sentinel, frame.Error)
	}
	return errors.New(frame.Error)
}

// subscription mirrors the hub's subscriber on the client side: a bounded
// queue drained by one delivery goroutine, so handlers run in feed order.
type subscription struct {
	feed    *feedConn
	ref     string
	table   string
	handler interfaces.ChangeHandler

	queue chan types.ChangeEvent
	lost  chan error
	done  chan struct{}
	once  sync.Once
}

func newSubscription(f *feedConn, ref, table string, handler interfaces.ChangeHandler, queueSize int) *subscription {
	return &subscription{
		feed:    f,
		ref:     ref,
		table:   table,
		handler: handler,
		queue:   make(chan types.ChangeEvent, queueSize),
		lost:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// Unsubscribe implements interfaces.Subscription.
func (s *subscription) Unsubscribe() error {
	s.close()
	s.feed.unsubscribe(s.ref)
	return nil
}

// Lost implements interfaces.Subscription.
func (s *subscription) Lost() <-chan error {
	return s.lost
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.lost)
		close(s.done)
	})
}

func (s *subscription) fail() {
	s.once.Do(func() {
		s.lost <- types.ErrChannelLost
		close(s.lost)
		close(s.done)
	})
}

func (s *subscription) enqueue(event types.ChangeEvent) bool {
	select {
	case <-s.done:
		return true
	case s.queue <- event:
		return true
	default:
		return false
	}
}

func (s *subscription) deliver() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(event)
		}
	}
}
