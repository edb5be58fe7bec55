package events

import (
	"context"
	"log"
	"sync"
	"time"

	"ue1live/internal/backoff"
	"ue1live/internal/metrics"
	"ue1live/pkg/interfaces"
	"ue1live/pkg/types"
)

// Routing keys of lifecycle events.
const (
	KeySessionCreated       = "session.created"
	KeySessionStatusChanged = "session.status_changed"
	KeySessionEnded         = "session.ended"
)

// LifecycleEvent is the body of every published event.
type LifecycleEvent struct {
	Type       string              `json:"type"`
	SessionID  string              `json:"session_id"`
	Code       string              `json:"code"`
	LessonID   string              `json:"lesson_id"`
	From       types.SessionStatus `json:"from,omitempty"`
	To         types.SessionStatus `json:"to"`
	Revision   int64               `json:"revision"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// Watcher follows the sessions table and publishes a lifecycle event for
// every creation and status transition. Position changes are not published.
type Watcher struct {
	store     interfaces.RealtimeStore
	publisher Publisher

	baseDelay time.Duration
	maxDelay  time.Duration

	mu       sync.Mutex
	statuses map[string]types.SessionStatus // last status seen per session id
}

// NewWatcher creates a watcher publishing through p.
func NewWatcher(store interfaces.RealtimeStore, p Publisher) *Watcher {
	return &Watcher{
		store:     store,
		publisher: p,
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
		statuses:  make(map[string]types.SessionStatus),
	}
}

// Run subscribes and keeps the subscription alive until ctx is done. After
// a loss it resubscribes with backoff and reseeds from a fresh snapshot;
// transitions that happened during the gap are not published.
func (w *Watcher) Run(ctx context.Context) error {
	attempt := 0
	for {
		sub, err := w.subscribe(ctx)
		if err == nil {
			attempt = 0
			select {
			case <-sub.Lost():
				log.Println("Lifecycle watcher lost its subscription, resubscribing")
			case <-ctx.Done():
				_ = sub.Unsubscribe()
				return nil
			}
		} else if ctx.Err() == nil {
			log.Printf("Lifecycle watcher failed to subscribe: %v", err)
		}

		delay := backoff.Delay(attempt, w.baseDelay, w.maxDelay)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) subscribe(ctx context.Context) (interfaces.Subscription, error) {
	sub, err := w.store.Subscribe(ctx, types.TableSessions, nil, w.handle)
	if err != nil {
		return nil, err
	}

	// Seed after subscribing so no transition falls between the two
	rows, err := w.store.Select(ctx, types.TableSessions, nil)
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	w.mu.Lock()
	for _, row := range rows {
		if _, known := w.statuses[row.String("id")]; !known {
			w.statuses[row.String("id")] = types.SessionStatus(row.String("status"))
		}
	}
	w.mu.Unlock()
	return sub, nil
}

func (w *Watcher) handle(event types.ChangeEvent) {
	id := event.Row.String("id")
	status := types.SessionStatus(event.Row.String("status"))

	w.mu.Lock()
	previous, known := w.statuses[id]
	w.statuses[id] = status
	if status == types.StatusEnded {
		// ended is terminal; nothing more to track
		delete(w.statuses, id)
	}
	w.mu.Unlock()

	base := LifecycleEvent{
		SessionID:  id,
		Code:       event.Row.String("code"),
		LessonID:   event.Row.String("lesson_id"),
		To:         status,
		Revision:   revision(event.Row),
		OccurredAt: event.CommitTimestamp,
	}

	switch {
	case event.Type == types.ChangeInsert:
		w.publish(KeySessionCreated, base)
	case known && previous != status:
		changed := base
		changed.From = previous
		w.publish(KeySessionStatusChanged, changed)
		if status == types.StatusEnded {
			w.publish(KeySessionEnded, changed)
		}
	}
}

func (w *Watcher) publish(key string, event LifecycleEvent) {
	event.Type = key
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := w.publisher.Publish(ctx, key, event)
	metrics.LifecycleEvents.WithLabelValues(key, metrics.Status(err)).Inc()
	if err != nil {
		log.Printf("Failed to publish %s for session %s: %v", key, event.SessionID, err)
	}
}

func revision(row types.Row) int64 {
	if v, ok := types.NormalizeValue(row["revision"]).(int64); ok {
		return v
	}
	return 0
}
